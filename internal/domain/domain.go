package domain

// Actor identifies who caused a ledger event.
const (
	ActorUser         = "user"
	ActorOrchestrator = "orchestrator"
	ActorModel        = "model"
)

// Ledger action types.
const (
	ActionAPIResponse       = "api_response"
	ActionArtifactGenerated = "artifact_generated"
	ActionReboundExec       = "rebound_exec"
	ActionExecBlocked       = "exec_blocked"
)

// NextActionExecAndChain is the only next-action type the orchestrator honors.
const NextActionExecAndChain = "exec_and_chain"

// TerminationReason says why a run sequence ended.
type TerminationReason string

const (
	ReasonModelStopped TerminationReason = "model_stopped"
	ReasonFuseTripped  TerminationReason = "fuse_tripped"
	ReasonAborted      TerminationReason = "aborted"
	ReasonError        TerminationReason = "error"
)

// ArtifactSpec is one requested file from the model. The path is untrusted
// until the sink resolves and contains it.
type ArtifactSpec struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Operation string `json:"operation,omitempty"`
}

// NextAction is a model-emitted request for one more sandboxed script run
// before it produces a final answer.
type NextAction struct {
	Type         string   `json:"type"`
	Target       string   `json:"target"`
	Args         []string `json:"args,omitempty"`
	Continuation string   `json:"continuation,omitempty"`
}

// ToolMention is a tool reference surfaced for transcript purposes only.
type ToolMention struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Record is one parsed JSON object from the model's reply. Fields are not
// mutually exclusive; a single object may carry several of them.
type Record struct {
	Thought   string         `json:"thought_process,omitempty"`
	Message   string         `json:"message,omitempty"`
	Tool      *ToolMention   `json:"tool,omitempty"`
	Artifacts []ArtifactSpec `json:"artifacts,omitempty"`
	Next      *NextAction    `json:"next_action,omitempty"`
}

// Empty reports whether the record carries nothing the system acts on or
// displays.
func (r Record) Empty() bool {
	return r.Thought == "" && r.Message == "" && r.Tool == nil &&
		len(r.Artifacts) == 0 && r.Next == nil
}

// UsageStats are token counts as reported by the model backend. Missing or
// malformed inputs decode to zero; this is accounting data, not control data.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add returns the element-wise sum of two usage counts.
func (u UsageStats) Add(o UsageStats) UsageStats {
	return UsageStats{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// LedgerEvent is one immutable line in events.jsonl.
type LedgerEvent struct {
	EventUUID    string   `json:"event_uuid"`
	TimestampUTC string   `json:"timestamp_utc"`
	Actor        string   `json:"actor"`
	ActionType   string   `json:"action_type"`
	PayloadRef   *string  `json:"payload_ref"`
	Artifacts    []string `json:"artifacts_links"`
}

// Transaction is one immutable line in audit_log.jsonl, appended only when a
// run sequence reaches terminal success.
type Transaction struct {
	TransactionUUID string     `json:"transaction_uuid"`
	TimestampUTC    string     `json:"timestamp_utc"`
	SessionID       string     `json:"session_id"`
	StepID          string     `json:"step_id"`
	UserInstruction string     `json:"user_instruction"`
	UsageStats      UsageStats `json:"usage_stats"`
	Status          string     `json:"status"`
}

// ManifestEntry pairs an artifact path with its content hash.
type ManifestEntry struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Manifest is the session-closing integrity snapshot of written artifacts.
type Manifest struct {
	SessionID string          `json:"session_id"`
	Timestamp string          `json:"timestamp"`
	Artifacts []ManifestEntry `json:"artifacts"`
}

// PricingRates are USD per million tokens.
type PricingRates struct {
	InputPer1M  float64 `json:"input_per_1m" yaml:"input_per_1m"`
	OutputPer1M float64 `json:"output_per_1m" yaml:"output_per_1m"`
}

// CostReport aggregates transaction usage over a timeframe.
type CostReport struct {
	Timeframe         string       `json:"timeframe"`
	TotalRequests     int          `json:"total_requests"`
	TotalInputTokens  int          `json:"total_input_tokens"`
	TotalOutputTokens int          `json:"total_output_tokens"`
	EstimatedCostUSD  float64      `json:"estimated_cost_usd"`
	PricingRates      PricingRates `json:"pricing_rates"`
	LedgerFile        string       `json:"ledger_file"`
}

// Cost returns the input, output, and total USD cost of the given usage at
// these rates.
func (p PricingRates) Cost(u UsageStats) (in, out, total float64) {
	in = float64(u.PromptTokens) / 1_000_000.0 * p.InputPer1M
	out = float64(u.CompletionTokens) / 1_000_000.0 * p.OutputPer1M
	return in, out, in + out
}
