package llmstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Request is the chat-completion request body.
type Request struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Messages  []Message       `json:"messages"`
	System    string          `json:"system,omitempty"`
	Stream    bool            `json:"stream"`
	Tools     []json.RawMessage `json:"tools,omitempty"`
	Thinking  *ThinkingConfig `json:"thinking,omitempty"`
}

// ThinkingConfig enables extended thinking with a token budget.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// Message is one typed content block sequence keyed by role, matching the
// upstream chat API's message shape.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one of text, thinking, tool_use, tool_result.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Client sends requests to the LLM chat endpoint and streams back typed
// events. Grounded on the request/response shape described for the
// upstream chat API and an Anthropic-style provider client, but
// implemented as a direct HTTP + SSE client rather than through an SDK.
type Client struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	apiVersion string
}

// NewClient constructs a Client. requestTimeout bounds the whole POST
// round trip including the streamed body.
func NewClient(endpoint, apiKey, apiVersion string, requestTimeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		endpoint:   endpoint,
		apiKey:     apiKey,
		apiVersion: apiVersion,
	}
}

// Stream sends req and returns a channel of ordered events. The channel is
// closed after a messageComplete or error event. The caller should drain
// it to completion or cancel ctx.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llmstream: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmstream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", c.apiKey)
	httpReq.Header.Set("Anthropic-Version", c.apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llmstream: request: %w", err)
	}

	events := make(chan Event, 16)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		go func() {
			events <- Event{Kind: EventError, Message: string(data)}
			close(events)
		}()
		return events, nil
	}

	go func() {
		defer resp.Body.Close()
		defer close(events)
		runStateMachine(resp.Body, events)
	}()

	return events, nil
}

// blockState tracks one open content block by SSE index.
type blockState struct {
	typ   string
	id    string
	name  string
	input bytes.Buffer
}

// runStateMachine drives the content-block state machine described for the
// SSE payload, emitting well-nested start/delta/done events per index.
func runStateMachine(body io.Reader, events chan<- Event) {
	blocks := map[int]*blockState{}
	errored := false

	emitDone := func(idx int) {
		b, ok := blocks[idx]
		if !ok {
			return
		}
		switch b.typ {
		case "text":
			events <- Event{Kind: EventTextDone}
		case "thinking":
			events <- Event{Kind: EventThinkingDone}
		case "tool_use":
			events <- Event{Kind: EventToolUseDone, ID: b.id, Name: b.name, Input: json.RawMessage(b.input.Bytes())}
		}
		delete(blocks, idx)
	}

	err := scanSSE(body, func(frame sseFrame) {
		if errored {
			return
		}
		switch frame.event {
		case "message_start", "message_delta", "message_stop", "ping":
			return
		case "content_block_start":
			var payload struct {
				Index        int `json:"index"`
				ContentBlock struct {
					Type string `json:"type"`
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"content_block"`
			}
			if json.Unmarshal([]byte(frame.data), &payload) != nil {
				return
			}
			blocks[payload.Index] = &blockState{typ: payload.ContentBlock.Type, id: payload.ContentBlock.ID, name: payload.ContentBlock.Name}
			switch payload.ContentBlock.Type {
			case "text":
				events <- Event{Kind: EventTextStart}
			case "thinking":
				events <- Event{Kind: EventThinkingStart}
			case "tool_use":
				events <- Event{Kind: EventToolUseStart, ID: payload.ContentBlock.ID, Name: payload.ContentBlock.Name}
			}
		case "content_block_delta":
			var payload struct {
				Index int `json:"index"`
				Delta struct {
					Type        string `json:"type"`
					Text        string `json:"text"`
					Thinking    string `json:"thinking"`
					PartialJSON string `json:"partial_json"`
				} `json:"delta"`
			}
			if json.Unmarshal([]byte(frame.data), &payload) != nil {
				return
			}
			b, ok := blocks[payload.Index]
			if !ok {
				return
			}
			switch payload.Delta.Type {
			case "text_delta":
				events <- Event{Kind: EventTextDelta, Text: payload.Delta.Text}
			case "thinking_delta":
				events <- Event{Kind: EventThinkingDelta, Text: payload.Delta.Thinking}
			case "input_json_delta":
				b.input.WriteString(payload.Delta.PartialJSON)
				events <- Event{Kind: EventToolUseInputDelta, Text: payload.Delta.PartialJSON}
			}
		case "content_block_stop":
			var payload struct {
				Index int `json:"index"`
			}
			if json.Unmarshal([]byte(frame.data), &payload) != nil {
				return
			}
			emitDone(payload.Index)
		case "error":
			var payload struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			msg := frame.data
			if json.Unmarshal([]byte(frame.data), &payload) == nil && payload.Error.Message != "" {
				msg = payload.Error.Message
			}
			events <- Event{Kind: EventError, Message: msg}
			errored = true
		}
	})

	if errored {
		return
	}

	if err != nil {
		events <- Event{Kind: EventError, Message: err.Error()}
		return
	}

	events <- Event{Kind: EventMessageComplete}
}
