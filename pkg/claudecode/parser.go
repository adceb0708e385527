package claudecode

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// EventKind tags the parsed event variant.
type EventKind string

// Event variants. EventRaw covers lines that are not JSON or carry an
// unrecognised type.
const (
	EventSystem    EventKind = "system"
	EventAssistant EventKind = "assistant"
	EventToolUse   EventKind = "tool_use"
	EventResult    EventKind = "result"
	EventError     EventKind = "error"
	EventRaw       EventKind = "raw"
)

// Event is a typed agent event. Only the fields relevant to the kind are
// set; Raw always carries the verbatim stdout line.
type Event struct {
	Kind      EventKind `json:"type"`
	Model     string    `json:"model,omitempty"`
	Text      string    `json:"text,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Message   string    `json:"message,omitempty"`
	SessionID string    `json:"session_id,omitempty"`

	// Result accounting. Pointers distinguish absent from zero.
	InputTokens  *int64   `json:"input_tokens,omitempty"`
	OutputTokens *int64   `json:"output_tokens,omitempty"`
	CostUSD      *float64 `json:"cost_usd,omitempty"`
	IsError      bool     `json:"is_error,omitempty"`

	Raw string `json:"-"`
}

// Terminal reports whether the event fixes the run's final text and usage.
func (e *Event) Terminal() bool {
	return e.Kind == EventResult
}

// Describe returns the human-readable summary of the event, suitable as
// a task log message.
func (e *Event) Describe() string {
	switch e.Kind {
	case EventSystem:
		model := e.Model
		if model == "" {
			model = "unknown"
		}
		return fmt.Sprintf("[Model: %s]", model)
	case EventToolUse:
		return e.Summary
	case EventError:
		return e.Message
	default:
		return e.Text
	}
}

// ParseLine converts one stdout line into typed events. An assistant
// message yields one event per loggable content block; anything
// unparseable or unrecognised yields a single raw event. Blank lines
// yield nothing.
func ParseLine(line []byte) []Event {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	raw := string(trimmed)

	var msg CLIMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return []Event{{Kind: EventRaw, Text: raw, Raw: raw}}
	}

	switch msg.Type {
	case MessageTypeSystem:
		return []Event{{Kind: EventSystem, Model: msg.Model, SessionID: msg.SessionID, Raw: raw}}
	case MessageTypeAssistant:
		return parseAssistant(&msg, raw)
	case MessageTypeToolUse:
		return []Event{{
			Kind:    EventToolUse,
			Tool:    msg.Name,
			Summary: ToolSummary(msg.Name, msg.Input),
			Raw:     raw,
		}}
	case MessageTypeResult:
		return []Event{parseResult(&msg, trimmed, raw)}
	case MessageTypeError:
		return []Event{{Kind: EventError, Message: errorMessage(&msg, trimmed, raw), Raw: raw}}
	default:
		return []Event{{Kind: EventRaw, Text: raw, Raw: raw}}
	}
}

func parseAssistant(msg *CLIMessage, raw string) []Event {
	am := msg.AssistantMessage()
	if am == nil {
		return []Event{{Kind: EventRaw, Text: raw, Raw: raw}}
	}

	var events []Event
	for _, block := range am.GetContentBlocks() {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			events = append(events, Event{
				Kind:      EventAssistant,
				Text:      block.Text,
				SessionID: msg.SessionID,
				Raw:       raw,
			})
		case "tool_use":
			events = append(events, Event{
				Kind:      EventToolUse,
				Tool:      block.Name,
				Summary:   ToolSummary(block.Name, block.Input),
				SessionID: msg.SessionID,
				Raw:       raw,
			})
		}
	}
	return events
}

func parseResult(msg *CLIMessage, line []byte, raw string) Event {
	ev := Event{
		Kind:      EventResult,
		Text:      msg.ResultText(),
		SessionID: msg.SessionID,
		IsError:   msg.IsError,
		Raw:       raw,
	}
	ev.InputTokens, ev.OutputTokens, ev.CostUSD = extractUsage(line)
	return ev
}

// errorMessage pulls the message out of an error event, tolerating the
// shapes different CLI builds emit.
func errorMessage(msg *CLIMessage, line []byte, raw string) string {
	if s := msg.MessageText(); s != "" {
		return s
	}
	for _, path := range []string{"error.message", "error"} {
		if v := gjson.GetBytes(line, path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return raw
}

// extractUsage reads token counts and cost from a result line. Field
// names vary across agent versions: cost may be total_cost_usd or
// cost_usd, top-level or nested under usage; token counts are usually
// nested under usage but appear top-level in older builds. Missing
// fields stay nil.
func extractUsage(line []byte) (in, out *int64, cost *float64) {
	for _, path := range []string{"usage.input_tokens", "input_tokens"} {
		if v := gjson.GetBytes(line, path); v.Exists() {
			n := v.Int()
			in = &n
			break
		}
	}
	for _, path := range []string{"usage.output_tokens", "output_tokens"} {
		if v := gjson.GetBytes(line, path); v.Exists() {
			n := v.Int()
			out = &n
			break
		}
	}
	for _, path := range []string{"total_cost_usd", "cost_usd", "usage.total_cost_usd", "usage.cost_usd", "cost"} {
		if v := gjson.GetBytes(line, path); v.Exists() {
			f := v.Float()
			cost = &f
			break
		}
	}
	return in, out, cost
}

// ToolSummary renders the short bracketed description shown in logs for
// a tool invocation.
func ToolSummary(name string, input map[string]any) string {
	if name == "" {
		name = "tool"
	}
	switch name {
	case ToolBash:
		if cmd, ok := input["command"].(string); ok && cmd != "" {
			return fmt.Sprintf("[Running: %s]", truncate(cmd, 100))
		}
	case ToolEdit, ToolWrite:
		if path, ok := input["file_path"].(string); ok && path != "" {
			return fmt.Sprintf("[%s: %s]", name, path)
		}
	case ToolRead:
		if path, ok := input["file_path"].(string); ok && path != "" {
			return fmt.Sprintf("[Reading: %s]", path)
		}
	}
	return fmt.Sprintf("[Using %s]", name)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
