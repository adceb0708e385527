// Package claudecode provides types and parsing for the Claude Code CLI
// stream-json protocol. The CLI emits one JSON event per stdout line;
// ParseLine converts each line into typed events for logging, streaming,
// and usage accounting.
package claudecode

import "encoding/json"

// Message types from Claude Code CLI stdout.
const (
	// MessageTypeSystem is the session init message carrying the model name.
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text and tool_use content blocks.
	MessageTypeAssistant = "assistant"
	// MessageTypeToolUse is a standalone tool invocation event. Most CLI
	// builds nest tool_use inside assistant content instead.
	MessageTypeToolUse = "tool_use"
	// MessageTypeResult is the terminal message with final text, usage and cost.
	MessageTypeResult = "result"
	// MessageTypeError reports a stream-level error without ending the run.
	MessageTypeError = "error"
)

// Tool names as they appear in tool_use blocks.
const (
	ToolBash  = "Bash"
	ToolEdit  = "Edit"
	ToolWrite = "Write"
	ToolRead  = "Read"
)

// CLIMessage represents one line of Claude Code CLI stdout. The message
// type determines which fields are populated.
type CLIMessage struct {
	Type string `json:"type"`

	// For system messages
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// For assistant messages the payload is an object; for error
	// messages it is a plain string. Kept raw and decoded per type.
	Message json.RawMessage `json:"message,omitempty"`

	// For standalone tool_use messages
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For result messages. Result is either the final text as a string
	// or an object wrapping it.
	Result  json.RawMessage `json:"result,omitempty"`
	IsError bool            `json:"is_error,omitempty"`
	CostUSD float64         `json:"total_cost_usd,omitempty"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// AssistantMessage decodes the Message payload of an assistant message.
// Returns nil when the payload is absent or not an object.
func (m *CLIMessage) AssistantMessage() *AssistantMessage {
	if len(m.Message) == 0 {
		return nil
	}
	var am AssistantMessage
	if err := json.Unmarshal(m.Message, &am); err != nil {
		return nil
	}
	return &am
}

// MessageText decodes the Message payload as a plain string, as sent on
// error messages. Returns "" for object payloads.
func (m *CLIMessage) MessageText() string {
	if len(m.Message) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Message, &s); err != nil {
		return ""
	}
	return s
}

// ResultText returns the final text of a result message. The CLI sends
// it as a plain string; some builds wrap it in an object.
func (m *CLIMessage) ResultText() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err == nil {
		return s
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(m.Result, &obj); err == nil {
		return obj.Text
	}
	return ""
}

// AssistantMessage carries the assistant's content. Content is kept raw
// because the CLI sends either a block array or a plain string.
type AssistantMessage struct {
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// GetContentBlocks parses Content as a block array. Returns nil when
// content is empty or a plain string.
func (m *AssistantMessage) GetContentBlocks() []ContentBlock {
	if len(m.Content) == 0 {
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil
	}
	return blocks
}

// ContentBlock represents a block of content in an assistant message.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks (not surfaced as events)
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// Usage contains token accounting from a result message.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}
