package wire

import "encoding/json"

// Kind identifies an event variant
type Kind string

const (
	KindInit             Kind = "init"
	KindMessageStart     Kind = "message_start"
	KindContentDelta     Kind = "content_delta"
	KindToolUse          Kind = "tool_use"
	KindToolResult       Kind = "tool_result"
	KindUsage            Kind = "usage"
	KindStop             Kind = "stop"
	KindCompactionResult Kind = "compaction_result"
	KindError            Kind = "error"
	KindProcessEnd       Kind = "process_end"
)

// Event is one normalized stream event. The set of variants is closed;
// lines carrying any other tag are dropped by the normalizer.
type Event interface {
	Kind() Kind
}

// Init is emitted once at process start and carries the session identity
type Init struct {
	Identity   string `json:"session_id"`
	Model      string `json:"model"`
	WorkingDir string `json:"cwd"`
}

func (Init) Kind() Kind { return KindInit }

// MessageStart marks the beginning of an assistant message
type MessageStart struct {
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
}

func (MessageStart) Kind() Kind { return KindMessageStart }

// ContentDelta carries a fragment of assistant output text
type ContentDelta struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}

func (ContentDelta) Kind() Kind { return KindContentDelta }

// ToolUse reports the assistant invoking a tool
type ToolUse struct {
	MessageID string          `json:"message_id"`
	ToolID    string          `json:"tool_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input"`
}

func (ToolUse) Kind() Kind { return KindToolUse }

// ToolResult reports the outcome of a tool invocation
type ToolResult struct {
	ToolID  string `json:"tool_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

func (ToolResult) Kind() Kind { return KindToolResult }

// Usage carries per-turn token deltas. Values are deltas for the turn,
// not running totals.
type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
}

func (Usage) Kind() Kind { return KindUsage }

// Stop marks the end of an assistant message
type Stop struct {
	MessageID string `json:"message_id"`
	Reason    string `json:"reason"`
}

func (Stop) Kind() Kind { return KindStop }

// CompactionResult reports a completed context compaction
type CompactionResult struct {
	TokensSaved int64 `json:"tokens_saved"`
}

func (CompactionResult) Kind() Kind { return KindCompactionResult }

// ErrorEvent carries an error surfaced by the assistant process
type ErrorEvent struct {
	Text string `json:"message"`
}

func (ErrorEvent) Kind() Kind { return KindError }

// ProcessEnd is synthesized when the process's stdout closes. It is not
// part of the wire format; consumers observe it exactly once per session.
type ProcessEnd struct {
	ExitCode int `json:"exit_code"`
}

func (ProcessEnd) Kind() Kind { return KindProcessEnd }
