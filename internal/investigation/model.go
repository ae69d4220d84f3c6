package investigation

import (
	"encoding/json"
	"time"
)

// State tracks where a session is in its lifecycle. A session loops between
// active (waiting on the reasoning backend) and awaiting-tool (waiting on a
// tool call) until it reaches one of the three terminal states.
type State string

const (
	StateActive       State = "active"
	StateAwaitingTool State = "awaiting-tool"
	StateDone         State = "done"
	StateTimedOut     State = "timed-out"
	StateErrored      State = "errored"
)

// Terminal reports whether the state frees the incident key for a new session.
func (s State) Terminal() bool {
	return s == StateDone || s == StateTimedOut || s == StateErrored
}

// FailureReason classifies why a session ended in timed-out or errored.
type FailureReason string

const (
	ReasonTimeout      FailureReason = "timeout"
	ReasonToolError    FailureReason = "unrecoverable-tool-error"
	ReasonBackendError FailureReason = "reasoning-backend-error"
)

// ToolCallRecord is one entry in a session's tool-call audit trail. Seq is
// strictly increasing and gap-free, starting at 1.
type ToolCallRecord struct {
	Seq      int             `json:"seq"`
	Tool     string          `json:"tool"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`
	Duration float64         `json:"duration_seconds"`
	At       time.Time       `json:"at"`
}

// EvidenceRef points a reader of the analysis back at the tool call that
// produced a finding.
type EvidenceRef struct {
	Seq      int     `json:"seq"`
	Tool     string  `json:"tool"`
	Duration float64 `json:"duration_seconds"`
}

// AnalysisResult is the structured outcome of a completed session. It is
// produced at most once per session and consumed exactly once by the Reporter.
type AnalysisResult struct {
	RootCause       string        `json:"root_cause"`
	Evidence        []EvidenceRef `json:"evidence,omitempty"`
	Recommendations []string      `json:"recommendations,omitempty"`
}

// Conversation is the ordered transcript of a session.
type Conversation struct {
	Turns []Turn `json:"turns"`
}

// Turn is one message in the transcript with its timing and usage metadata.
type Turn struct {
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	Timestamp  time.Time      `json:"timestamp"`
	Duration   float64        `json:"duration_seconds,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Model      string         `json:"model,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// Session is one bounded investigation of one incident.
type Session struct {
	ID          string `json:"id"`
	IncidentKey string `json:"incident_key"`
	State       State  `json:"state"`

	// Alert snapshot at submission time.
	AlertID  string `json:"alert_id"`
	Message  string `json:"message"`
	Entity   string `json:"entity,omitempty"`
	Priority string `json:"priority,omitempty"`

	Analysis      *AnalysisResult `json:"analysis,omitempty"`
	FailureReason FailureReason   `json:"failure_reason,omitempty"`
	// PartialFindings holds the last assistant text when the session ended
	// before producing a final analysis.
	PartialFindings string           `json:"partial_findings,omitempty"`
	ToolRecords     []ToolCallRecord `json:"tool_records,omitempty"`
	Conversation    *Conversation    `json:"conversation,omitempty"`
	SystemPrompt    string           `json:"system_prompt,omitempty"`
	Model           string           `json:"model,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	Deadline    time.Time `json:"deadline,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Duration    float64   `json:"duration_seconds,omitempty"`
	LLMTime     float64   `json:"llm_time_seconds,omitempty"`
	ToolTime    float64   `json:"tool_time_seconds,omitempty"`

	InputTokensUsed  int      `json:"input_tokens_used,omitempty"`
	OutputTokensUsed int      `json:"output_tokens_used,omitempty"`
	ToolCalls        int      `json:"tool_calls,omitempty"`
	ToolsUsed        []string `json:"tools_used,omitempty"`

	// Publish confirmation. Exactly one of these ends up set for every
	// terminated session.
	PublishedAt  time.Time `json:"published_at,omitempty"`
	PublishError string    `json:"publish_error,omitempty"`
}
