package chatengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaycore/relayd/internal/convstore"
	"github.com/relaycore/relayd/internal/llmstream"
	"github.com/relaycore/relayd/internal/mcp"
	"github.com/relaycore/relayd/internal/tracing"
	"github.com/relaycore/relayd/internal/wsmux"
	"github.com/relaycore/relayd/pkg/model"
)

// HandleUserMessage persists content as a new user message on conversationID
// and drives the turn loop to completion. It serializes on the
// conversation's own mutex, so a second call for the same conversation
// blocks until the first finishes.
func (e *Engine) HandleUserMessage(ctx context.Context, conversationID, content string) error {
	lock := e.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	conv, err := e.store.Load(conversationID)
	if err != nil {
		conv = &model.Conversation{ID: conversationID, Created: time.Now()}
	}

	conv.Messages = append(conv.Messages, &model.Message{
		ID:        uuid.NewString(),
		Role:      model.RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	})
	conv.DeriveTitle()
	if err := e.store.Save(conv); err != nil {
		return fmt.Errorf("chatengine: persist inbound message: %w", err)
	}

	return e.runTurn(ctx, conv)
}

// runTurn drives the LLM re-entry loop until no tool_use is pending or the
// iteration cap is hit.
func (e *Engine) runTurn(ctx context.Context, conv *model.Conversation) error {
	for iteration := 0; iteration < maxTurnIterations; iteration++ {
		conv.Messages = convstore.SanitizeTranscript(conv.Messages)

		pendingToolUse, err := e.streamOneRound(ctx, conv)
		if err != nil {
			e.bus.Broadcast(wsmux.Envelope{
				Type:           "error",
				ConversationID: conv.ID,
				Content:        err.Error(),
			})
			return err
		}
		if err := e.store.Save(conv); err != nil {
			return fmt.Errorf("chatengine: persist turn state: %w", err)
		}
		if !pendingToolUse {
			return nil
		}
	}
	e.logger.Warn("turn hit iteration cap without converging", "conversationId", conv.ID, "cap", maxTurnIterations)
	return nil
}

// streamOneRound opens one SSE stream, translates events to broadcasts and
// persisted messages, dispatches any tool calls synchronously as they
// complete, and reports whether any tool_use was produced (meaning the
// caller should re-enter the loop).
func (e *Engine) streamOneRound(ctx context.Context, conv *model.Conversation) (pendingToolUse bool, err error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.StartChatTurn(ctx, e.cfg.Model)
		defer func() {
			tracing.RecordError(span, err)
			span.End()
		}()
	}

	req := llmstream.Request{
		Model:     e.cfg.Model,
		MaxTokens: e.cfg.MaxTokens,
		System:    e.cfg.SkillsPrompt,
		Messages:  convstore.ToAPIMessages(conv.Messages),
		Tools:     e.toolSchemas(),
		Thinking:  &llmstream.ThinkingConfig{Type: "enabled", BudgetTokens: 10000},
	}

	events, streamErr := e.llm.Stream(ctx, req)
	if streamErr != nil {
		err = fmt.Errorf("chatengine: open stream: %w", streamErr)
		return false, err
	}

	var textBuf string

	for ev := range events {
		switch ev.Kind {
		case llmstream.EventThinkingDelta:
			e.bus.Broadcast(wsmux.Envelope{Type: "thinking_chunk", ConversationID: conv.ID, Content: ev.Text})
		case llmstream.EventThinkingDone:
			e.bus.Broadcast(wsmux.Envelope{Type: "thinking_done", ConversationID: conv.ID})
		case llmstream.EventTextDelta:
			textBuf += ev.Text
			e.bus.Broadcast(wsmux.Envelope{Type: "assistant_chunk", ConversationID: conv.ID, Content: ev.Text})
		case llmstream.EventTextDone:
			conv.Messages = append(conv.Messages, &model.Message{
				ID:        uuid.NewString(),
				Role:      model.RoleAssistant,
				Content:   textBuf,
				Timestamp: time.Now(),
			})
			e.bus.Broadcast(wsmux.Envelope{Type: "assistant_done", ConversationID: conv.ID, Content: textBuf})
			textBuf = ""
		case llmstream.EventToolUseDone:
			pendingToolUse = true
			e.handleToolUse(ctx, conv, ev)
		case llmstream.EventError:
			err = fmt.Errorf("chatengine: stream error: %s", ev.Message)
			return pendingToolUse, err
		case llmstream.EventMessageComplete:
			// no-op; loop ends naturally when the channel closes.
		}
	}

	return pendingToolUse, nil
}

// handleToolUse persists the tool_use message, invokes the tool catalog,
// and persists+broadcasts the result. Tool errors are recorded as
// isError=true results rather than aborting the turn.
func (e *Engine) handleToolUse(ctx context.Context, conv *model.Conversation, ev llmstream.Event) {
	conv.Messages = append(conv.Messages, &model.Message{
		ID:        uuid.NewString(),
		Role:      model.RoleToolUse,
		Content:   string(ev.Input),
		Timestamp: time.Now(),
		Metadata:  map[string]any{"toolId": ev.ID, "toolName": ev.Name},
	})
	e.bus.Broadcast(wsmux.Envelope{
		Type:           "tool_call_start",
		ConversationID: conv.ID,
		Content:        ev.Name,
		Metadata:       map[string]json.RawMessage{"toolId": quoteJSON(ev.ID)},
	})

	var args map[string]any
	if len(ev.Input) > 0 {
		_ = json.Unmarshal(ev.Input, &args)
	}

	var result *mcp.CallResult
	var err error
	if def, ok := e.findToolDefinition(ev.Name); ok {
		if schemaErr := validateToolArguments(def, args); schemaErr != nil {
			err = schemaErr
		}
	}
	if err == nil {
		result, err = e.tools.CallTool(ctx, ev.Name, args)
	}
	isError := err != nil
	content := ""
	switch {
	case err != nil:
		content = err.Error()
	case result != nil:
		content = result.Content
		isError = result.IsError
	}

	conv.Messages = append(conv.Messages, &model.Message{
		ID:        uuid.NewString(),
		Role:      model.RoleToolResult,
		Content:   content,
		Timestamp: time.Now(),
		Metadata:  map[string]any{"toolId": ev.ID, "isError": isError},
	})

	e.bus.Broadcast(wsmux.Envelope{
		Type:           "tool_call_done",
		ConversationID: conv.ID,
		Content:        content,
		Metadata: map[string]json.RawMessage{
			"toolId":  quoteJSON(ev.ID),
			"isError": boolJSON(isError),
		},
	})
}

func quoteJSON(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

func boolJSON(b bool) json.RawMessage {
	data, _ := json.Marshal(b)
	return data
}
