package storage

import (
	"encoding/json"
	"fmt"

	"github.com/pageglot/pageglot/jobstate"
	"github.com/pageglot/pageglot/modelio"
)

// JobRecord is the persisted state of one translation job. All timestamps
// are epoch milliseconds.
//
// The job exclusively owns its AgentState. The scheduler exclusively owns
// Runtime. Cross-component mutation goes through the owner.
type JobRecord struct {
	JobID      string              `json:"jobId"`
	TabID      int                 `json:"tabId"`
	TargetLang string              `json:"targetLang"`
	Status     jobstate.JobStatus  `json:"status"`

	// Block bookkeeping
	PendingBlockIDs []string            `json:"pendingBlockIds"`
	BlocksByID      map[string]Block    `json:"blocksById,omitempty"`
	PreRangesByID   map[string]PreRange `json:"preRangesById,omitempty"`
	CompletedBlocks int                 `json:"completedBlocks"`
	FailedBlockIDs  []string            `json:"failedBlockIds,omitempty"`
	LastAppliedSeq  int64               `json:"lastAppliedSeq"`

	SelectedCategories []string `json:"selectedCategories,omitempty"`

	AgentState   *AgentState   `json:"agentState,omitempty"`
	Runtime      *Runtime      `json:"runtime,omitempty"`
	Proofreading *Proofreading `json:"proofreading,omitempty"`

	LeaseUntilTs int64 `json:"leaseUntilTs,omitempty"`

	// Scan re-nudge bookkeeping for jobs stuck in preparing.
	LastScanRequestTs int64 `json:"lastScanRequestTs,omitempty"`
	LastScanNudgeTs   int64 `json:"lastScanNudgeTs,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Block is one translatable unit discovered by the page scan.
type Block struct {
	ID         string `json:"id"`
	Text       string `json:"text,omitempty"`
	Hint       string `json:"hint,omitempty"`
	Category   string `json:"category,omitempty"`
	Translated string `json:"translated,omitempty"`
}

// PreRange is a pre-analysis range produced by the page scanner before the
// planner runs. The planning fallback builds its taxonomy payload from these
// when present.
type PreRange struct {
	Category string `json:"category,omitempty"`
	Hint     string `json:"hint,omitempty"`
}

// ProgressKey summarizes the externally observable progress of the job. The
// watchdog compares successive keys; any change counts as progress.
func (j *JobRecord) ProgressKey() string {
	stage := jobstate.StageForStatus(j.Status)
	if stage == "" && j.Runtime != nil {
		stage = j.Runtime.Stage
	}
	return fmt.Sprintf("%d:%d:%d:%d:%s",
		j.CompletedBlocks, len(j.FailedBlockIDs), len(j.PendingBlockIDs), j.LastAppliedSeq, stage)
}

// EnsureAgentState allocates the agent state and its maps if missing and
// returns it.
func (j *JobRecord) EnsureAgentState() *AgentState {
	if j.AgentState == nil {
		j.AgentState = NewAgentState()
	}
	j.AgentState.ensureMaps()
	return j.AgentState
}

// EnsureRuntime allocates the runtime record if missing and returns it.
func (j *JobRecord) EnsureRuntime() *Runtime {
	if j.Runtime == nil {
		j.Runtime = &Runtime{Status: jobstate.RuntimeIdle}
	}
	return j.Runtime
}

// Touch sets UpdatedAt.
func (j *JobRecord) Touch(nowMs int64) {
	j.UpdatedAt = nowMs
}

// AgentState is the per-job agent working state, embedded in JobRecord.
//
// LoopRecords and planning markers are mutated only by the agent runner.
// Tool runtime, output caches, and the execution trace are mutated only by
// the tool execution engine.
type AgentState struct {
	PlanningLoop          *LoopRecord `json:"planningLoop,omitempty"`
	Execution             *LoopRecord `json:"execution,omitempty"`
	ProofreadingExecution *LoopRecord `json:"proofreadingExecution,omitempty"`

	PlanningMarkers PlanningMarkers `json:"planningMarkers"`

	Taxonomy           *Taxonomy       `json:"taxonomy,omitempty"`
	Pipeline           *Pipeline       `json:"pipeline,omitempty"`
	Plan               json.RawMessage `json:"plan,omitempty"`
	Glossary           map[string]string `json:"glossary,omitempty"`
	SelectedCategories []string          `json:"selectedCategories,omitempty"`

	// PendingToolCalls holds every tool call emitted by the model until its
	// output has been acknowledged in the next turn's input.
	PendingToolCalls map[string]PendingToolCall `json:"pendingToolCalls,omitempty"`

	// ToolOutputsByCallID is the durable replay cache keyed by call_id.
	ToolOutputsByCallID map[string]ToolOutput `json:"toolOutputsByCallId,omitempty"`

	// ToolOutputsByArgsHash is the value-idempotency cache keyed by
	// "toolName:argsHash".
	ToolOutputsByArgsHash map[string]ArgsHashOutput `json:"toolOutputsByArgsHash,omitempty"`

	ToolRuntime ToolRuntime `json:"toolRuntime"`

	// ToolExecutionTrace is bounded; Seq is monotonically increasing even
	// when old records are evicted.
	ToolExecutionTrace []ToolTraceRecord `json:"toolExecutionTrace,omitempty"`
	TraceSeq           int               `json:"traceSeq"`

	Reports        []Report        `json:"reports,omitempty"`
	Checklist      []ChecklistEntry `json:"checklist,omitempty"`
	Audits         []Audit          `json:"audits,omitempty"`
	ContextSummary string           `json:"contextSummary,omitempty"`
	RunnerWarnings []RunnerWarning  `json:"runnerWarnings,omitempty"`
}

// NewAgentState returns an initialized agent state with allocated maps.
func NewAgentState() *AgentState {
	s := &AgentState{}
	s.ensureMaps()
	return s
}

func (s *AgentState) ensureMaps() {
	if s.PendingToolCalls == nil {
		s.PendingToolCalls = map[string]PendingToolCall{}
	}
	if s.ToolOutputsByCallID == nil {
		s.ToolOutputsByCallID = map[string]ToolOutput{}
	}
	if s.ToolOutputsByArgsHash == nil {
		s.ToolOutputsByArgsHash = map[string]ArgsHashOutput{}
	}
	if s.ToolRuntime.QueueDepthByTool == nil {
		s.ToolRuntime.QueueDepthByTool = map[string]int{}
	}
	if s.ToolRuntime.CoalescedPending == nil {
		s.ToolRuntime.CoalescedPending = map[string]CoalescedEntry{}
	}
}

// Loop returns the loop record for the given stage, allocating it if absent.
func (s *AgentState) Loop(stage jobstate.Stage) *LoopRecord {
	switch stage {
	case jobstate.StagePlanning:
		if s.PlanningLoop == nil {
			s.PlanningLoop = &LoopRecord{}
		}
		return s.PlanningLoop
	case jobstate.StageExecution:
		if s.Execution == nil {
			s.Execution = &LoopRecord{}
		}
		return s.Execution
	case jobstate.StageProofreading:
		if s.ProofreadingExecution == nil {
			s.ProofreadingExecution = &LoopRecord{}
		}
		return s.ProofreadingExecution
	default:
		return nil
	}
}

// maxReports bounds the user-visible report log, like the trace.
const maxReports = 200

// AppendReport appends a report line, evicting the oldest past the bound.
func (s *AgentState) AppendReport(r Report) {
	s.Reports = append(s.Reports, r)
	if over := len(s.Reports) - maxReports; over > 0 {
		s.Reports = s.Reports[over:]
	}
}

// PlanningMarkers track which required planning tools have fired.
type PlanningMarkers struct {
	PreanalysisReadByTool         bool `json:"preanalysisReadByTool"`
	TaxonomySetByTool             bool `json:"taxonomySetByTool"`
	PipelineSetByTool             bool `json:"pipelineSetByTool"`
	FinishAnalysisRequestedByTool bool `json:"finishAnalysisRequestedByTool"`
	FinishAnalysisOk              bool `json:"finishAnalysisOk"`
	AskUserCategoriesByTool       bool `json:"askUserCategoriesByTool"`
}

// Missing returns the names of required planning actions not yet satisfied,
// in a stable order.
func (m PlanningMarkers) Missing() []string {
	var out []string
	if !m.PreanalysisReadByTool {
		out = append(out, "page.get_preanalysis")
	}
	if !m.TaxonomySetByTool {
		out = append(out, "agent.plan.set_taxonomy")
	}
	if !m.PipelineSetByTool {
		out = append(out, "agent.plan.set_pipeline")
	}
	if !m.FinishAnalysisRequestedByTool || !m.FinishAnalysisOk {
		out = append(out, "agent.plan.request_finish_analysis")
	}
	if !m.AskUserCategoriesByTool {
		out = append(out, "agent.ui.ask_user_categories")
	}
	return out
}

// Taxonomy is the category scheme the planner authored for the page.
type Taxonomy struct {
	Categories []string          `json:"categories"`
	Mapping    map[string]string `json:"mapping,omitempty"` // blockId -> category
}

// Pipeline is the translation pipeline configuration the planner authored.
type Pipeline struct {
	Strategy string `json:"strategy"`
	Glossary bool   `json:"glossary"`
	QC       QC     `json:"qc"`
}

// QC configures the quality-control level of the pipeline.
type QC struct {
	Level string `json:"level"`
}

// PendingToolCall is one model-emitted tool call awaiting acknowledgement.
type PendingToolCall struct {
	ToolName  string `json:"toolName"`
	ArgsHash  string `json:"argsHash"`
	CreatedTs int64  `json:"createdTs"`
}

// ToolOutput is a cached tool output keyed by call_id.
type ToolOutput struct {
	OutputString   string             `json:"outputString"`
	ToolVersion    string             `json:"toolVersion"`
	ArgsHash       string             `json:"argsHash"`
	Ts             int64              `json:"ts"`
	ExecutionState jobstate.ExecState `json:"executionState"`
	LeaseUntilTs   int64              `json:"leaseUntilTs,omitempty"`
}

// ArgsHashOutput is a cached tool output keyed by (toolName, argsHash).
type ArgsHashOutput struct {
	OutputString string `json:"outputString"`
	Ts           int64  `json:"ts"`
}

// ToolRuntime is the tool engine's mutable bookkeeping.
type ToolRuntime struct {
	QueueDepthByTool map[string]int            `json:"queueDepthByTool,omitempty"`
	CoalescedPending map[string]CoalescedEntry `json:"coalescedPending,omitempty"`
}

// CoalescedEntry is one debounced coalescing entry, keyed by
// "toolName|keyValue".
type CoalescedEntry struct {
	StartedAt      int64           `json:"startedAt"`
	LastUpdateAt   int64           `json:"lastUpdateAt"`
	CoalescedCount int             `json:"coalescedCount"`
	LatestArgs     json.RawMessage `json:"latestArgs,omitempty"`
	LatestCallID   string          `json:"latestCallId,omitempty"`
	CallIDs        []string        `json:"callIds,omitempty"`
	DebounceMs     int             `json:"debounceMs"`
}

// LoopRecord is the restart-safe state of one agent loop.
type LoopRecord struct {
	Status jobstate.LoopStatus `json:"status"`

	Iteration         int `json:"iteration"`
	StepAttempt       int `json:"stepAttempt"`
	ToolCallsExecuted int `json:"toolCallsExecuted"`

	// Guard budgets
	MaxSteps                int `json:"maxSteps"`
	MaxToolCalls            int `json:"maxToolCalls"`
	MaxIterationsPerTick    int `json:"maxIterationsPerTick"`
	MaxStepAttempts         int `json:"maxStepAttempts"`
	MaxNoProgressIterations int `json:"maxNoProgressIterations"`

	NoProgressIterations int   `json:"noProgressIterations"`
	LastProgressAt       int64 `json:"lastProgressAt,omitempty"`

	// Model chain state
	PreviousResponseID string         `json:"previousResponseId,omitempty"`
	LastResponseID     string         `json:"lastResponseId,omitempty"`
	AwaitingAckCallIDs []string       `json:"awaitingAckCallIds,omitempty"`
	PendingInputItems  []modelio.Item `json:"pendingInputItems,omitempty"`
	RecoveryAttempts   int            `json:"recoveryAttempts"`

	AutoCompressEvery int `json:"autoCompressEvery,omitempty"`

	// LastCompressIteration records the iteration whose auto-compression
	// already fired, so a tick resumed at the same iteration does not
	// compress again.
	LastCompressIteration int `json:"lastCompressIteration,omitempty"`

	StartedAt int64      `json:"startedAt,omitempty"`
	UpdatedAt int64      `json:"updatedAt,omitempty"`
	LastError *ErrorInfo `json:"lastError,omitempty"`
}

// ErrorInfo is a classified error carried inside persisted records.
type ErrorInfo struct {
	Code    jobstate.Code `json:"code"`
	Message string        `json:"message"`
}

// Runtime is the scheduler-owned runtime record of a job.
type Runtime struct {
	OwnerInstanceID string                 `json:"ownerInstanceId,omitempty"`
	Status          jobstate.RuntimeStatus `json:"status"`
	Stage           jobstate.Stage         `json:"stage,omitempty"`
	Lease           Lease                  `json:"lease"`
	Retry           Retry                  `json:"retry"`
	Watchdog        Watchdog               `json:"watchdog"`
}

// Lease is the per-job work lease.
type Lease struct {
	LeaseUntilTs int64  `json:"leaseUntilTs,omitempty"`
	HeartbeatTs  int64  `json:"heartbeatTs,omitempty"`
	Op           string `json:"op,omitempty"`
	OpID         string `json:"opId,omitempty"`
}

// Retry is the job-level retry/backoff state.
type Retry struct {
	Attempt        int        `json:"attempt"`
	MaxAttempts    int        `json:"maxAttempts"`
	NextRetryAtTs  int64      `json:"nextRetryAtTs,omitempty"`
	FirstAttemptTs int64      `json:"firstAttemptTs,omitempty"`
	LastError      *ErrorInfo `json:"lastError,omitempty"`
}

// Watchdog tracks externally observable progress for the no-progress check.
type Watchdog struct {
	LastProgressTs  int64  `json:"lastProgressTs,omitempty"`
	LastProgressKey string `json:"lastProgressKey,omitempty"`
}

// Proofreading is the proofreading phase's own pending set.
type Proofreading struct {
	Enabled         bool     `json:"enabled"`
	PendingBlockIDs []string `json:"pendingBlockIds,omitempty"`
}
