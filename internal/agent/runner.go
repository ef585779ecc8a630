package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"persona/internal/logging"
	"persona/internal/session"
)

// maxRounds bounds the tool-call loop so a model that keeps requesting
// tools cannot spin forever.
const maxRounds = 25

// ToolExecutor dispatches tool calls requested by the model.
type ToolExecutor interface {
	// Definitions lists the tools advertised to the model.
	Definitions() []ToolDefinition
	// Dispatch runs one tool call and returns its textual result.
	// Failures are reported in the result text, never as an error.
	Dispatch(ctx context.Context, name string, args json.RawMessage) string
}

// Runner executes complete agent turns: one user input, any number of
// model/tool rounds, one final answer.
type Runner struct {
	client *Client
	tools  ToolExecutor
	prompt *Prompt
}

// NewRunner wires a Runner from its collaborators.
func NewRunner(client *Client, tools ToolExecutor, prompt *Prompt) *Runner {
	return &Runner{client: client, tools: tools, prompt: prompt}
}

// Turn is a running agent turn. Events delivers the ordered event stream;
// Result blocks until the turn finishes and returns the finalized history.
type Turn struct {
	Events <-chan Event

	done    chan struct{}
	history session.History
	usage   session.Usage
	err     error
}

// Result returns the turn outcome. The returned history supersedes the
// pre-turn history only when err is nil.
func (t *Turn) Result() (session.History, session.Usage, error) {
	<-t.done
	return t.history, t.usage, t.err
}

// Turn starts an agent turn for input against history. The caller owns
// consumption of Events; cancelling ctx abandons the turn.
func (r *Runner) Turn(ctx context.Context, history session.History, input string) *Turn {
	events := make(chan Event, 64)
	t := &Turn{Events: events, done: make(chan struct{})}

	go func() {
		defer close(events)
		defer close(t.done)
		t.history, t.usage, t.err = r.runTurn(ctx, history, input, events)
	}()
	return t
}

func (r *Runner) runTurn(ctx context.Context, history session.History, input string, events chan<- Event) (session.History, session.Usage, error) {
	working := make(session.History, len(history), len(history)+4)
	copy(working, history)
	working = append(working, session.UserText{Content: input})

	system := r.prompt.System()
	defs := r.tools.Definitions()
	var usage session.Usage

	for round := 0; round < maxRounds; round++ {
		started := false
		onDelta := func(chunk string) {
			if !started {
				started = true
				emit(ctx, events, Event{Kind: TextStart})
			}
			emit(ctx, events, Event{Kind: TextDelta, Text: chunk})
		}

		comp, err := r.client.StreamChat(ctx, system, working, defs, onDelta)
		if err != nil {
			return nil, usage, err
		}
		if comp.Usage != nil {
			usage = *comp.Usage
		}
		logging.EngineDebug("round %d: text=%d tool_calls=%d finish=%s",
			round, len(comp.Text), len(comp.ToolCalls), comp.FinishReason)

		if len(comp.ToolCalls) == 0 {
			working = append(working, session.ModelText{Content: comp.Text, Usage: comp.Usage})
			emit(ctx, events, Event{Kind: TurnEnd})
			if err := ctx.Err(); err != nil {
				return nil, usage, err
			}
			return working, usage, nil
		}

		// Text accompanying tool calls is kept so the transcript reads
		// the way the model produced it.
		if comp.Text != "" {
			working = append(working, session.ModelText{Content: comp.Text})
		}
		for _, call := range comp.ToolCalls {
			emit(ctx, events, Event{Kind: ToolCallStarted, ToolName: call.Name, ToolArgs: call.Arguments})
			result := r.tools.Dispatch(ctx, call.Name, call.Arguments)
			working = append(working, call, session.ToolResult{CallID: call.ID, Content: result})
			emit(ctx, events, Event{Kind: ToolCallFinished, ToolName: call.Name})
			if err := ctx.Err(); err != nil {
				return nil, usage, err
			}
		}
	}
	return nil, usage, fmt.Errorf("turn exceeded %d tool rounds", maxRounds)
}

// emit delivers an event unless the turn has been abandoned.
func emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
