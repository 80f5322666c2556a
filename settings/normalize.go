package settings

// legacyKeys maps pre-rewrite setting names to their canonical form.
// Unknown keys are dropped during normalization.
var legacyKeys = map[string]string{
	"target_language":  "targetLang",
	"reasoning_effort": "reasoningEffort",
	"use_cache":        "cacheEnabled",
	"stream":           "streamEnabled",
	"proofread":        "proofreading",
	"max_tokens":       "maxOutputTokens",
}

// legacyQuality maps the retired "quality" setting onto profiles.
var legacyQuality = map[string]Profile{
	"low":    ProfileEco,
	"medium": ProfileBalanced,
	"high":   ProfileMax,
}

const (
	minOutputTokens = 256
	maxOutputTokens = 8192
)

// Normalize converts raw persisted settings (possibly containing legacy
// keys) to the canonical profile + overrides form. Invalid values are
// dropped; out-of-range token budgets are clamped. Normalize is idempotent:
// Normalize(ToMap(Normalize(raw))) == Normalize(raw).
func Normalize(raw map[string]any) Settings {
	canonical := map[string]any{}
	for k, v := range raw {
		if mapped, ok := legacyKeys[k]; ok {
			k = mapped
		}
		canonical[k] = v
	}

	s := Settings{Profile: ProfileBalanced}

	if q, ok := asString(canonical["quality"]); ok {
		if p, ok := legacyQuality[q]; ok {
			s.Profile = p
		}
	}
	if p, ok := asString(canonical["profile"]); ok && Profile(p).IsValid() {
		s.Profile = Profile(p)
	}

	if v, ok := asString(canonical["targetLang"]); ok && v != "" {
		s.Overrides.TargetLang = v
	}
	if v, ok := asString(canonical["reasoningEffort"]); ok {
		switch v {
		case "low", "medium", "high":
			s.Overrides.ReasoningEffort = v
		}
	}
	if v, ok := asBool(canonical["cacheEnabled"]); ok {
		s.Overrides.CacheEnabled = &v
	}
	if v, ok := asBool(canonical["streamEnabled"]); ok {
		s.Overrides.StreamEnabled = &v
	}
	if v, ok := asBool(canonical["proofreading"]); ok {
		s.Overrides.Proofreading = &v
	}
	if v, ok := asInt(canonical["maxOutputTokens"]); ok && v > 0 {
		if v < minOutputTokens {
			v = minOutputTokens
		}
		if v > maxOutputTokens {
			v = maxOutputTokens
		}
		s.Overrides.MaxOutputTokens = v
	}

	return s
}

// ToMap converts normalized settings back to the raw key space, the shape
// Normalize accepts and the store persists.
func ToMap(s Settings) map[string]any {
	out := map[string]any{"profile": string(s.Profile)}
	o := s.Overrides
	if o.TargetLang != "" {
		out["targetLang"] = o.TargetLang
	}
	if o.ReasoningEffort != "" {
		out["reasoningEffort"] = o.ReasoningEffort
	}
	if o.CacheEnabled != nil {
		out["cacheEnabled"] = *o.CacheEnabled
	}
	if o.StreamEnabled != nil {
		out["streamEnabled"] = *o.StreamEnabled
	}
	if o.Proofreading != nil {
		out["proofreading"] = *o.Proofreading
	}
	if o.MaxOutputTokens > 0 {
		out["maxOutputTokens"] = o.MaxOutputTokens
	}
	return out
}

// ApplyPatch merges patch keys into the normalized settings and
// re-normalizes. Patch keys win over the current values, legacy names
// included: a patched "quality" displaces the profile the current settings
// round-trip through ToMap. An empty patch is the identity.
func ApplyPatch(s Settings, patch map[string]any) Settings {
	merged := ToMap(s)
	if _, hasQuality := patch["quality"]; hasQuality {
		if _, hasProfile := patch["profile"]; !hasProfile {
			delete(merged, "profile")
		}
	}
	for k, v := range patch {
		if mapped, ok := legacyKeys[k]; ok {
			k = mapped
		}
		merged[k] = v
	}
	return Normalize(merged)
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
