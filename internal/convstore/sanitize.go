package convstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/relaycore/relayd/internal/llmstream"
	"github.com/relaycore/relayd/pkg/model"
)

const interruptedToolResultText = "Error: tool call was interrupted (client disconnected or timeout)"

// SanitizeTranscript repairs tool_use/tool_result pairing: every tool_use
// without a matching tool_result gets a synthetic error tool_result
// inserted immediately after the last tool_use and before the next
// non-tool message. Running this twice on its own output is a no-op,
// since every tool_use it leaves behind already has a matching result.
// Grounded on the orphan-repair half of a transcript repair routine
// (RepairToolCallPairing), adapted to this module's flat one-message-per-block
// transcript model rather than nesting ToolCalls/ToolResults inside a
// single assistant/tool message.
func SanitizeTranscript(messages []*model.Message) []*model.Message {
	out := make([]*model.Message, 0, len(messages))

	var pendingOrder []string
	pendingSeen := make(map[string]bool)

	flushPending := func() {
		for _, id := range pendingOrder {
			out = append(out, syntheticToolResult(id))
		}
		pendingOrder = nil
		pendingSeen = make(map[string]bool)
	}

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case model.RoleToolUse:
			id := msg.ToolID()
			if id != "" && !pendingSeen[id] {
				pendingOrder = append(pendingOrder, id)
				pendingSeen[id] = true
			}
			out = append(out, msg)
		case model.RoleToolResult:
			id := msg.ToolID()
			removePending(&pendingOrder, pendingSeen, id)
			out = append(out, msg)
		default:
			flushPending()
			out = append(out, msg)
		}
	}
	flushPending()

	return out
}

func removePending(order *[]string, seen map[string]bool, id string) {
	if id == "" || !seen[id] {
		return
	}
	delete(seen, id)
	for i, v := range *order {
		if v == id {
			*order = append((*order)[:i], (*order)[i+1:]...)
			return
		}
	}
}

func syntheticToolResult(toolUseID string) *model.Message {
	return &model.Message{
		ID:        uuid.NewString(),
		Role:      model.RoleToolResult,
		Content:   interruptedToolResultText,
		Timestamp: time.Now(),
		Metadata: map[string]any{
			"toolId":  toolUseID,
			"isError": true,
		},
	}
}

// ToAPIMessages coalesces a sanitized transcript into the role-grouped,
// multi-content-block message shape the LLM endpoint requires: user and
// tool_result blocks belong to role "user"; assistant, thinking, and
// tool_use blocks belong to role "assistant". Block order within a
// coalesced message is preserved.
func ToAPIMessages(messages []*model.Message) []llmstream.Message {
	var out []llmstream.Message

	for _, msg := range messages {
		if msg == nil {
			continue
		}
		role := apiRole(msg.Role)
		block := toContentBlock(msg)

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			continue
		}
		out = append(out, llmstream.Message{Role: role, Content: []llmstream.ContentBlock{block}})
	}

	return out
}

func apiRole(role model.Role) string {
	switch role {
	case model.RoleUser, model.RoleToolResult:
		return "user"
	default:
		return "assistant"
	}
}

func toContentBlock(msg *model.Message) llmstream.ContentBlock {
	switch msg.Role {
	case model.RoleToolUse:
		return llmstream.ContentBlock{
			Type:  "tool_use",
			ID:    msg.ToolID(),
			Name:  msg.ToolName(),
			Input: json.RawMessage(msg.Content),
		}
	case model.RoleToolResult:
		return llmstream.ContentBlock{
			Type:      "tool_result",
			ToolUseID: msg.ToolID(),
			Content:   msg.Content,
			IsError:   msg.IsError(),
		}
	case model.RoleThinking:
		return llmstream.ContentBlock{Type: "thinking", Thinking: msg.Content}
	default:
		return llmstream.ContentBlock{Type: "text", Text: msg.Content}
	}
}
