package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"persona/internal/config"
	"persona/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// sseServer serves one scripted response per request, in order. Each
// response is a list of SSE data payloads; the [DONE] terminator is
// appended automatically.
type sseServer struct {
	mu        sync.Mutex
	responses [][]string
	requests  []chatRequest
	status    []int // optional per-request status override
}

func (s *sseServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var req chatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.requests = append(s.requests, req)
	n := len(s.requests) - 1

	if n < len(s.status) && s.status[n] != 0 {
		code := s.status[n]
		s.mu.Unlock()
		w.WriteHeader(code)
		fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
		return
	}

	var payloads []string
	if n < len(s.responses) {
		payloads = s.responses[n]
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	for _, p := range payloads {
		fmt.Fprintf(w, "data: %s\n\n", p)
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
}

func (s *sseServer) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newTestClient(t *testing.T, srv *sseServer) *Client {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	t.Cleanup(ts.Close)
	c := NewClient(config.EngineSettings{Model: "test-model", APIKey: "key", BaseURL: ts.URL})
	c.retryDelay = time.Millisecond
	t.Cleanup(c.httpClient.CloseIdleConnections)
	return c
}

func textChunk(s string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, s)
}

func toolChunk(index int, id, name, args string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"tool_calls":[{"index":%d,"id":%q,"function":{"name":%q,"arguments":%q}}]}}]}`,
		index, id, name, args)
}

const usageChunk = `{"choices":[],"usage":{"prompt_tokens":120,"completion_tokens":30}}`

func TestStreamChatDeliversTextDeltas(t *testing.T) {
	srv := &sseServer{responses: [][]string{{
		textChunk("Hel"), textChunk("lo"), textChunk(" there"),
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		usageChunk,
	}}}
	client := newTestClient(t, srv)

	var deltas []string
	comp, err := client.StreamChat(context.Background(), "sys",
		session.History{session.UserText{Content: "hi"}}, nil,
		func(s string) { deltas = append(deltas, s) })
	require.NoError(t, err)

	require.Equal(t, []string{"Hel", "lo", " there"}, deltas)
	require.Equal(t, "Hello there", comp.Text)
	require.Empty(t, comp.ToolCalls)
	require.Equal(t, "stop", comp.FinishReason)
	require.NotNil(t, comp.Usage)
	require.Equal(t, 150, comp.Usage.Total())
}

func TestStreamChatAssemblesToolCallFragments(t *testing.T) {
	srv := &sseServer{responses: [][]string{{
		toolChunk(0, "call_a", "run_cmd", `{"cmd":`),
		toolChunk(0, "", "", `"ls -la"}`),
		toolChunk(1, "call_b", "save_text_file", `{"path":"/tmp/x","file_body":"hi"}`),
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}}}
	client := newTestClient(t, srv)

	comp, err := client.StreamChat(context.Background(), "sys", nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, comp.ToolCalls, 2)

	require.Equal(t, "call_a", comp.ToolCalls[0].ID)
	require.Equal(t, "run_cmd", comp.ToolCalls[0].Name)
	require.JSONEq(t, `{"cmd":"ls -la"}`, string(comp.ToolCalls[0].Arguments))

	require.Equal(t, "call_b", comp.ToolCalls[1].ID)
	require.Equal(t, "save_text_file", comp.ToolCalls[1].Name)
}

func TestStreamChatGeneratesMissingToolCallIDs(t *testing.T) {
	srv := &sseServer{responses: [][]string{{
		toolChunk(0, "", "run_cmd", `{"cmd":"pwd"}`),
	}}}
	client := newTestClient(t, srv)

	comp, err := client.StreamChat(context.Background(), "sys", nil, nil, nil)
	require.NoError(t, err)
	require.Len(t, comp.ToolCalls, 1)
	require.True(t, strings.HasPrefix(comp.ToolCalls[0].ID, "call_"))
	require.Greater(t, len(comp.ToolCalls[0].ID), len("call_"))
}

func TestStreamChatRetriesRateLimit(t *testing.T) {
	srv := &sseServer{
		status:    []int{http.StatusTooManyRequests},
		responses: [][]string{nil, {textChunk("ok")}},
	}
	client := newTestClient(t, srv)

	comp, err := client.StreamChat(context.Background(), "sys", nil, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "ok", comp.Text)
	require.Equal(t, 2, srv.requestCount())
}

func TestStreamChatFailsOnServerError(t *testing.T) {
	srv := &sseServer{status: []int{http.StatusInternalServerError}}
	client := newTestClient(t, srv)

	_, err := client.StreamChat(context.Background(), "sys", nil, nil, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "500")
}

func TestWireMessagesConversion(t *testing.T) {
	history := session.History{
		session.UserText{Content: "list files"},
		session.ToolCall{ID: "call_1", Name: "run_cmd", Arguments: json.RawMessage(`{"cmd":"ls"}`)},
		session.ToolResult{CallID: "call_1", Content: "a.txt\n"},
		session.ModelText{Content: "You have one file."},
	}

	msgs := wireMessages("be helpful", history)
	require.Len(t, msgs, 5)

	require.Equal(t, "system", msgs[0].Role)
	require.Equal(t, "be helpful", msgs[0].Content)
	require.Equal(t, "user", msgs[1].Role)

	require.Equal(t, "assistant", msgs[2].Role)
	require.Len(t, msgs[2].ToolCalls, 1)
	require.Equal(t, "call_1", msgs[2].ToolCalls[0].ID)
	require.Equal(t, "function", msgs[2].ToolCalls[0].Type)

	require.Equal(t, "tool", msgs[3].Role)
	require.Equal(t, "call_1", msgs[3].ToolCallID)

	require.Equal(t, "assistant", msgs[4].Role)
	require.Equal(t, "You have one file.", msgs[4].Content)
}

// fakeExecutor records dispatches and answers from a canned table.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []string
	results map[string]string
}

func (f *fakeExecutor) Definitions() []ToolDefinition {
	return []ToolDefinition{{
		Name:        "run_cmd",
		Description: "Run a shell command",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"cmd":{"type":"string"}},"required":["cmd"]}`),
	}}
}

func (f *fakeExecutor) Dispatch(_ context.Context, name string, args json.RawMessage) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+" "+string(args))
	if r, ok := f.results[name]; ok {
		return r
	}
	return "ok"
}

func collectEvents(t *testing.T, turn *Turn) []Event {
	t.Helper()
	var events []Event
	for ev := range turn.Events {
		events = append(events, ev)
	}
	return events
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestTurnPlainAnswer(t *testing.T) {
	srv := &sseServer{responses: [][]string{{
		textChunk("The answer "), textChunk("is 4."), usageChunk,
	}}}
	runner := NewRunner(newTestClient(t, srv), &fakeExecutor{}, NewPrompt(nil))

	turn := runner.Turn(context.Background(), nil, "what is 2+2?")
	events := collectEvents(t, turn)

	require.Equal(t, []EventKind{TextStart, TextDelta, TextDelta, TurnEnd}, kinds(events))

	history, usage, err := turn.Result()
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, session.UserText{Content: "what is 2+2?"}, history[0])
	mt, ok := history[1].(session.ModelText)
	require.True(t, ok)
	require.Equal(t, "The answer is 4.", mt.Content)
	require.Equal(t, 150, usage.Total())
}

func TestTurnWithToolRound(t *testing.T) {
	srv := &sseServer{responses: [][]string{
		{toolChunk(0, "call_1", "run_cmd", `{"cmd":"whoami"}`)},
		{textChunk("You are alice."), usageChunk},
	}}
	exec := &fakeExecutor{results: map[string]string{"run_cmd": "alice\n"}}
	runner := NewRunner(newTestClient(t, srv), exec, NewPrompt(nil))

	turn := runner.Turn(context.Background(), nil, "who am I?")
	events := collectEvents(t, turn)

	require.Equal(t, []EventKind{ToolCallStarted, ToolCallFinished, TextStart, TextDelta, TurnEnd}, kinds(events))
	require.Equal(t, "run_cmd", events[0].ToolName)
	require.JSONEq(t, `{"cmd":"whoami"}`, string(events[0].ToolArgs))

	history, _, err := turn.Result()
	require.NoError(t, err)
	// UserText, ToolCall, ToolResult, ModelText
	require.Len(t, history, 4)
	tr, ok := history[2].(session.ToolResult)
	require.True(t, ok)
	require.Equal(t, "call_1", tr.CallID)
	require.Equal(t, "alice\n", tr.Content)

	require.Equal(t, []string{`run_cmd {"cmd":"whoami"}`}, exec.calls)
}

func TestTurnToolResultFeedsNextRound(t *testing.T) {
	srv := &sseServer{responses: [][]string{
		{toolChunk(0, "call_1", "run_cmd", `{"cmd":"date"}`)},
		{textChunk("done")},
	}}
	exec := &fakeExecutor{results: map[string]string{"run_cmd": "Mon Aug 25\n"}}
	runner := NewRunner(newTestClient(t, srv), exec, NewPrompt(nil))

	turn := runner.Turn(context.Background(), nil, "date?")
	collectEvents(t, turn)
	_, _, err := turn.Result()
	require.NoError(t, err)

	// The second request must carry the tool exchange.
	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.requests, 2)
	second := srv.requests[1]
	var sawToolResult bool
	for _, m := range second.Messages {
		if m.Role == "tool" && m.ToolCallID == "call_1" && m.Content == "Mon Aug 25\n" {
			sawToolResult = true
		}
	}
	require.True(t, sawToolResult, "second round request missing tool result")
}

func TestTurnDoesNotMutateInputHistory(t *testing.T) {
	srv := &sseServer{responses: [][]string{{textChunk("hi")}}}
	runner := NewRunner(newTestClient(t, srv), &fakeExecutor{}, NewPrompt(nil))

	before := session.History{session.UserText{Content: "earlier"}}
	turn := runner.Turn(context.Background(), before, "now")
	collectEvents(t, turn)
	after, _, err := turn.Result()
	require.NoError(t, err)

	require.Len(t, before, 1, "caller's history must be untouched")
	require.Len(t, after, 3)
}

func TestTurnErrorLeavesNilHistory(t *testing.T) {
	srv := &sseServer{status: []int{http.StatusInternalServerError}}
	runner := NewRunner(newTestClient(t, srv), &fakeExecutor{}, NewPrompt(nil))

	turn := runner.Turn(context.Background(), session.History{session.UserText{Content: "x"}}, "y")
	collectEvents(t, turn)
	history, _, err := turn.Result()
	require.Error(t, err)
	require.Nil(t, history)
}

func TestPromptCachesSkillsUntilInvalidated(t *testing.T) {
	var n int
	p := NewPrompt(func() string {
		n++
		return fmt.Sprintf("<skill><name>s%d</name></skill>", n)
	})

	first := p.System()
	second := p.System()
	require.Contains(t, first, "<available_skills>")
	require.Contains(t, second, "s1")
	require.Equal(t, 1, n, "skills index read once while cached")

	p.Invalidate()
	third := p.System()
	require.Contains(t, third, "s2")
}

func TestPromptWithoutSkills(t *testing.T) {
	p := NewPrompt(nil)
	s := p.System()
	require.NotContains(t, s, "<available_skills>")
	require.Contains(t, s, "Current date and time:")
}
