// Package agent drives conversations with an OpenAI-compatible reasoning
// engine: it streams chat completions, transcodes the wire protocol into an
// ordered event stream, and runs the tool-call loop until the model yields
// a final answer.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"persona/internal/config"
	"persona/internal/logging"
	"persona/internal/session"
)

const maxRetries = 3

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Completion is one fully-assembled model response.
type Completion struct {
	Text         string
	ToolCalls    []session.ToolCall
	Usage        *session.Usage
	FinishReason string
}

// Client talks to an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	model      string
	apiKey     string
	baseURL    string
	httpClient *http.Client
	retryDelay time.Duration
}

// NewClient builds a Client from resolved engine settings.
func NewClient(settings config.EngineSettings) *Client {
	return &Client{
		model:      settings.Model,
		apiKey:     settings.APIKey,
		baseURL:    strings.TrimSuffix(settings.BaseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		retryDelay: time.Second,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Wire format for the chat completions API.

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireToolSpec `json:"function"`
}

type wireToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	Tools         []wireTool     `json:"tools,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatChunk struct {
	Choices []struct {
		Delta *struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// wireMessages converts the system prompt plus conversation history into
// the request message list.
func wireMessages(system string, history session.History) []chatMessage {
	msgs := make([]chatMessage, 0, len(history)+1)
	msgs = append(msgs, chatMessage{Role: "system", Content: system})
	for _, m := range history {
		switch v := m.(type) {
		case session.UserText:
			msgs = append(msgs, chatMessage{Role: "user", Content: v.Content})
		case session.ModelText:
			msgs = append(msgs, chatMessage{Role: "assistant", Content: v.Content})
		case session.ToolCall:
			msgs = append(msgs, chatMessage{
				Role: "assistant",
				ToolCalls: []wireToolCall{{
					ID:   v.ID,
					Type: "function",
					Function: wireFunction{Name: v.Name, Arguments: string(v.Arguments)},
				}},
			})
		case session.ToolResult:
			msgs = append(msgs, chatMessage{Role: "tool", ToolCallID: v.CallID, Content: v.Content})
		}
	}
	return msgs
}

func wireTools(defs []ToolDefinition) []wireTool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]wireTool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, wireTool{
			Type:     "function",
			Function: wireToolSpec{Name: d.Name, Description: d.Description, Parameters: d.Parameters},
		})
	}
	return tools
}

// toolCallAccumulator reassembles tool calls streamed as indexed fragments.
type toolCallAccumulator struct {
	order []int
	byIdx map[int]*partialCall
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIdx: make(map[int]*partialCall)}
}

func (a *toolCallAccumulator) add(index int, id, name, argFragment string) {
	pc, ok := a.byIdx[index]
	if !ok {
		pc = &partialCall{}
		a.byIdx[index] = pc
		a.order = append(a.order, index)
	}
	if id != "" {
		pc.id = id
	}
	if name != "" {
		pc.name = name
	}
	pc.args.WriteString(argFragment)
}

// finish materializes the accumulated calls in stream order. Calls the
// provider sent without an ID get a generated one so results can refer
// back to them.
func (a *toolCallAccumulator) finish() []session.ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	calls := make([]session.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		pc := a.byIdx[idx]
		if pc.id == "" {
			pc.id = "call_" + uuid.NewString()
		}
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, session.ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: json.RawMessage(args),
		})
	}
	return calls
}

// StreamChat sends one streaming chat completion request. Text deltas are
// delivered to onDelta as they arrive; the assembled response is returned
// once the stream closes. Rate-limit responses are retried with backoff.
func (c *Client) StreamChat(ctx context.Context, system string, history session.History, tools []ToolDefinition, onDelta func(string)) (*Completion, error) {
	reqBody := chatRequest{
		Model:         c.model,
		Messages:      wireMessages(system, history),
		Tools:         wireTools(tools),
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * c.retryDelay
			logging.EngineDebug("retrying after %v: %v", delay, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "text/event-stream")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("rate limit exceeded (429): %s", strings.TrimSpace(string(body)))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, fmt.Errorf("engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		comp, err := c.readStream(ctx, resp.Body, onDelta)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		return comp, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *Client) readStream(ctx context.Context, body io.Reader, onDelta func(string)) (*Completion, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		text         strings.Builder
		acc          = newToolCallAccumulator()
		usage        *session.Usage
		finishReason string
	)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			logging.EngineDebug("skipping malformed chunk: %v", err)
			continue
		}
		if chunk.Error != nil {
			return nil, fmt.Errorf("engine error: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			usage = &session.Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta == nil {
			continue
		}
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc.add(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("read stream: %w", err)
	}

	return &Completion{
		Text:         text.String(),
		ToolCalls:    acc.finish(),
		Usage:        usage,
		FinishReason: finishReason,
	}, nil
}
