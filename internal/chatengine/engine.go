// Package chatengine drives a single chat turn to completion: it persists
// inbound messages, streams an LLM response through internal/llmstream,
// dispatches any tool calls through internal/mcp, and broadcasts progress
// over internal/wsmux. Grounded on a websocket session's turn handling
// (idempotency guard, per-session serialization, event-to-envelope
// translation), adapted from a nested ToolCalls-per-message model to this
// module's flat transcript model.
package chatengine

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/relaycore/relayd/internal/convstore"
	"github.com/relaycore/relayd/internal/llmstream"
	"github.com/relaycore/relayd/internal/mcp"
	"github.com/relaycore/relayd/internal/tracing"
	"github.com/relaycore/relayd/internal/wsmux"
)

// maxTurnIterations bounds the loop that re-enters the LLM after a round
// of tool calls, preventing a runaway tool-use cycle.
const maxTurnIterations = 16

// ToolCatalog supplies the active tool set and dispatches calls. Satisfied
// by *mcp.Manager.
type ToolCatalog interface {
	GetToolDefinitions() []mcp.ToolDefinition
	CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallResult, error)
}

// Broadcaster emits an envelope to every client. Satisfied by *wsmux.Mux.
type Broadcaster interface {
	Broadcast(env wsmux.Envelope)
}

// Config bundles an engine's fixed, process-wide settings.
type Config struct {
	Model      string
	MaxTokens  int
	SkillsPrompt string
}

// Engine drives chat turns for every conversation, serializing per
// conversation so two concurrent user messages never interleave their
// broadcast events.
type Engine struct {
	cfg      Config
	store    *convstore.Store
	llm      *llmstream.Client
	tools    ToolCatalog
	bus      Broadcaster
	logger   *slog.Logger
	tracer   *tracing.Tracer

	mu          sync.Mutex
	convLocks   map[string]*sync.Mutex
	idemMu      sync.Mutex
	idempotency map[string]map[string]struct{} // conversationID -> seen keys
}

// SetTracer attaches a span tracer. Optional; nil disables tracing.
func (e *Engine) SetTracer(t *tracing.Tracer) {
	e.tracer = t
}

// New constructs an Engine.
func New(cfg Config, store *convstore.Store, llm *llmstream.Client, tools ToolCatalog, bus Broadcaster, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:         cfg,
		store:       store,
		llm:         llm,
		tools:       tools,
		bus:         bus,
		logger:      logger.With("component", "chatengine"),
		convLocks:   make(map[string]*sync.Mutex),
		idempotency: make(map[string]map[string]struct{}),
	}
}

// lockFor returns the per-conversation mutex, creating it on first use.
func (e *Engine) lockFor(conversationID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.convLocks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		e.convLocks[conversationID] = l
	}
	return l
}

// IsDuplicate reports whether idempotencyKey has already been seen for
// conversationID, recording it if not. An empty key is never a duplicate.
func (e *Engine) IsDuplicate(conversationID, idempotencyKey string) bool {
	if strings.TrimSpace(idempotencyKey) == "" {
		return false
	}
	e.idemMu.Lock()
	defer e.idemMu.Unlock()
	seen, ok := e.idempotency[conversationID]
	if !ok {
		seen = make(map[string]struct{})
		e.idempotency[conversationID] = seen
	}
	if _, ok := seen[idempotencyKey]; ok {
		return true
	}
	seen[idempotencyKey] = struct{}{}
	return false
}
