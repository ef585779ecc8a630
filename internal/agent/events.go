package agent

import "encoding/json"

// EventKind tags an Event on the turn stream.
type EventKind int

const (
	// TextStart precedes the first text delta of a model response.
	TextStart EventKind = iota
	// TextDelta carries one streamed chunk of model text.
	TextDelta
	// ToolCallStarted announces a tool invocation about to execute.
	ToolCallStarted
	// ToolCallFinished follows a completed tool invocation.
	ToolCallFinished
	// TurnEnd closes a successful turn.
	TurnEnd
)

func (k EventKind) String() string {
	switch k {
	case TextStart:
		return "text_start"
	case TextDelta:
		return "text_delta"
	case ToolCallStarted:
		return "tool_call_started"
	case ToolCallFinished:
		return "tool_call_finished"
	case TurnEnd:
		return "turn_end"
	default:
		return "unknown"
	}
}

// Event is one item on a turn's ordered event stream. Only the fields
// relevant to the kind are set: Text for TextDelta, ToolName/ToolArgs for
// the tool events.
type Event struct {
	Kind     EventKind
	Text     string
	ToolName string
	ToolArgs json.RawMessage
}
