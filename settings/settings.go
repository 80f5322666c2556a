// Package settings implements the user-settings policy: raw persisted
// settings are normalized to a profile plus explicit overrides, legacy keys
// are migrated, and the normalized form is mapped to the effective
// reasoning / caching / routing / tool defaults the loops consume.
package settings

// Profile is a named settings preset.
type Profile string

const (
	ProfileEco      Profile = "eco"
	ProfileBalanced Profile = "balanced"
	ProfileMax      Profile = "max"
)

// IsValid returns true if the profile is a known value.
func (p Profile) IsValid() bool {
	switch p {
	case ProfileEco, ProfileBalanced, ProfileMax:
		return true
	default:
		return false
	}
}

// Tier selects a model class per stage; the worker host maps tiers to
// concrete provider model ids.
type Tier string

const (
	TierLite     Tier = "lite"
	TierStandard Tier = "standard"
	TierPro      Tier = "pro"
)

// Settings is the normalized user-settings form: a profile plus only the
// overrides that differ from the profile.
type Settings struct {
	Profile   Profile   `json:"profile"`
	Overrides Overrides `json:"overrides"`
}

// Overrides are the per-key deviations from the profile defaults. Pointer
// fields distinguish "not set" from an explicit false.
type Overrides struct {
	TargetLang      string `json:"targetLang,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
	CacheEnabled    *bool  `json:"cacheEnabled,omitempty"`
	StreamEnabled   *bool  `json:"streamEnabled,omitempty"`
	Proofreading    *bool  `json:"proofreading,omitempty"`
	MaxOutputTokens int    `json:"maxOutputTokens,omitempty"`
}

// Effective is the resolved view the orchestrator consumes.
type Effective struct {
	Profile             Profile
	TargetLang          string
	ReasoningEffort     string
	CacheEnabled        bool
	StreamEnabled       bool
	ProofreadingEnabled bool
	MaxOutputTokens     int
	Routing             Routing
	ToolDefaults        ToolDefaults
}

// Routing assigns a model tier to each agent stage.
type Routing struct {
	Planning     Tier
	Execution    Tier
	Proofreading Tier
}

// ToolDefaults seed tool QoS fields left unset by a tool definition.
type ToolDefaults struct {
	QueueDepthLimit int
	DebounceMs      int
	MaxPayloadBytes int
}

// profileDefaults returns the effective values of a bare profile.
func profileDefaults(p Profile) Effective {
	eff := Effective{
		Profile:             p,
		TargetLang:          "en",
		ReasoningEffort:     "medium",
		CacheEnabled:        true,
		StreamEnabled:       true,
		ProofreadingEnabled: true,
		MaxOutputTokens:     2048,
		Routing:             Routing{Planning: TierStandard, Execution: TierLite, Proofreading: TierStandard},
		ToolDefaults:        ToolDefaults{QueueDepthLimit: 200, DebounceMs: 0, MaxPayloadBytes: 262144},
	}
	switch p {
	case ProfileEco:
		eff.ReasoningEffort = "low"
		eff.ProofreadingEnabled = false
		eff.MaxOutputTokens = 1024
		eff.Routing = Routing{Planning: TierLite, Execution: TierLite, Proofreading: TierLite}
	case ProfileMax:
		eff.ReasoningEffort = "high"
		eff.MaxOutputTokens = 4096
		eff.Routing = Routing{Planning: TierPro, Execution: TierStandard, Proofreading: TierPro}
	}
	return eff
}

// Resolve maps normalized settings to the effective view.
func Resolve(s Settings) Effective {
	p := s.Profile
	if !p.IsValid() {
		p = ProfileBalanced
	}
	eff := profileDefaults(p)

	o := s.Overrides
	if o.TargetLang != "" {
		eff.TargetLang = o.TargetLang
	}
	if o.ReasoningEffort != "" {
		eff.ReasoningEffort = o.ReasoningEffort
	}
	if o.CacheEnabled != nil {
		eff.CacheEnabled = *o.CacheEnabled
	}
	if o.StreamEnabled != nil {
		eff.StreamEnabled = *o.StreamEnabled
	}
	if o.Proofreading != nil {
		eff.ProofreadingEnabled = *o.Proofreading
	}
	if o.MaxOutputTokens > 0 {
		eff.MaxOutputTokens = o.MaxOutputTokens
	}
	return eff
}
