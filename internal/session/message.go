// Package session persists conversation histories and per-session input
// history across runs. A session is one JSON document holding an ordered,
// append-only list of tagged message records; the reserved name "latest" is
// overwritten by autosave after every completed turn.
package session

import (
	"encoding/json"
	"fmt"
)

// Message is one entry in a conversation history. It is a closed union:
// UserText, ModelText, ToolCall, or ToolResult. Serialization keeps the
// discriminator in a "kind" field so a persisted history round-trips into
// the same variants, never silently into a different one.
type Message interface {
	kind() string
}

// UserText is a line the user typed.
type UserText struct {
	Content string `json:"content"`
}

// ModelText is a finalized text response from the reasoning engine.
type ModelText struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
}

// ToolCall is a structured tool invocation requested by the engine.
// Arguments is kept raw so arbitrary payloads survive a round trip.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is the textual outcome of a tool call, matched by call ID.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
}

// Usage counts tokens for one engine response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns the combined token count.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

func (UserText) kind() string   { return "user_text" }
func (ModelText) kind() string  { return "model_text" }
func (ToolCall) kind() string   { return "tool_call" }
func (ToolResult) kind() string { return "tool_result" }

// History is an ordered conversation. Messages are only ever appended; a
// committed history is never rewritten in place.
type History []Message

// envelope is the on-disk record: the discriminator plus the union of all
// variant fields. Marshaling goes through it so every variant is handled
// explicitly.
type envelope struct {
	Kind      string          `json:"kind"`
	Content   string          `json:"content,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Usage     *Usage          `json:"usage,omitempty"`
}

// MarshalJSON writes the history as an array of tagged records.
func (h History) MarshalJSON() ([]byte, error) {
	records := make([]envelope, 0, len(h))
	for _, msg := range h {
		switch m := msg.(type) {
		case UserText:
			records = append(records, envelope{Kind: m.kind(), Content: m.Content})
		case ModelText:
			records = append(records, envelope{Kind: m.kind(), Content: m.Content, Usage: m.Usage})
		case ToolCall:
			records = append(records, envelope{Kind: m.kind(), ID: m.ID, Name: m.Name, Arguments: m.Arguments})
		case ToolResult:
			records = append(records, envelope{Kind: m.kind(), CallID: m.CallID, Content: m.Content})
		default:
			return nil, fmt.Errorf("unknown message type %T", msg)
		}
	}
	return json.Marshal(records)
}

// UnmarshalJSON reads an array of tagged records back into variants. An
// unrecognized kind is an error, not an empty message.
func (h *History) UnmarshalJSON(data []byte) error {
	var records []envelope
	if err := json.Unmarshal(data, &records); err != nil {
		return err
	}
	out := make(History, 0, len(records))
	for i, rec := range records {
		switch rec.Kind {
		case "user_text":
			out = append(out, UserText{Content: rec.Content})
		case "model_text":
			out = append(out, ModelText{Content: rec.Content, Usage: rec.Usage})
		case "tool_call":
			out = append(out, ToolCall{ID: rec.ID, Name: rec.Name, Arguments: rec.Arguments})
		case "tool_result":
			out = append(out, ToolResult{CallID: rec.CallID, Content: rec.Content})
		default:
			return fmt.Errorf("message %d: unknown kind %q", i, rec.Kind)
		}
	}
	*h = out
	return nil
}

// LastUsage returns the token usage of the most recent engine response, or
// the zero value when the history has none.
func (h History) LastUsage() Usage {
	for i := len(h) - 1; i >= 0; i-- {
		if m, ok := h[i].(ModelText); ok && m.Usage != nil {
			return *m.Usage
		}
	}
	return Usage{}
}
