// Package daemon wires every component (conversations, MCP tools, chat
// turns, workflows, scheduling) behind the WebSocket envelope protocol.
// Grounded on a websocket session's method-name request switch, adapted
// from a JSON-RPC method/params/response triple to this module's flatter
// type/content/metadata envelope.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/relayd/internal/chatengine"
	"github.com/relaycore/relayd/internal/config"
	"github.com/relaycore/relayd/internal/convstore"
	"github.com/relaycore/relayd/internal/cron"
	"github.com/relaycore/relayd/internal/eventbus"
	"github.com/relaycore/relayd/internal/mcp"
	"github.com/relaycore/relayd/internal/workflow"
	"github.com/relaycore/relayd/internal/workflowstore"
	"github.com/relaycore/relayd/internal/wsmux"
	"github.com/relaycore/relayd/pkg/model"
)

// Version is the daemon build version, reported in the status envelope.
// Overridden via ldflags at build time.
var Version = "dev"

// Broadcaster is the subset of *wsmux.Mux the server needs for direct
// replies and fan-out.
type Broadcaster interface {
	Unicast(clientID string, env wsmux.Envelope) bool
	Broadcast(env wsmux.Envelope)
}

// Server dispatches decoded WebSocket envelopes to the daemon's
// components and reports the resulting status/content back over the
// connection that issued the request, or to every connection for
// lifecycle broadcasts.
type Server struct {
	cfg       *config.Config
	convs     *convstore.Store
	workflows *workflowstore.Store
	mcpMgr    *mcp.Manager
	chat      *chatengine.Engine
	executor  *workflow.Executor
	scheduler *cron.Scheduler
	bus       *eventbus.Bus
	mux       Broadcaster
	logger    *slog.Logger

	eventSubsMu sync.Mutex
	eventSubs   map[string]string // workflowID -> eventbus subscription id
}

// New constructs a Server. mux is accepted as an interface so callers can
// supply the real *wsmux.Mux after wiring a handler closure back to this
// server (the two are mutually referential at construction).
func New(
	cfg *config.Config,
	convs *convstore.Store,
	workflows *workflowstore.Store,
	mcpMgr *mcp.Manager,
	chat *chatengine.Engine,
	executor *workflow.Executor,
	scheduler *cron.Scheduler,
	bus *eventbus.Bus,
	mux Broadcaster,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		convs:     convs,
		workflows: workflows,
		mcpMgr:    mcpMgr,
		chat:      chat,
		executor:  executor,
		scheduler: scheduler,
		bus:       bus,
		mux:       mux,
		logger:    logger.With("component", "daemon"),
		eventSubs: make(map[string]string),
	}
}

// Status builds the status envelope payload sent to every newly connected
// client.
func (s *Server) Status() wsmux.StatusInfo {
	return wsmux.StatusInfo{
		Connected:     true,
		HasAPIKey:     s.cfg.LLM.APIKey != "",
		ToolCount:     len(s.mcpMgr.GetToolDefinitions()),
		DaemonVersion: Version,
	}
}

// RestoreSchedules loads every persisted workflow and (re)establishes its
// cron loop or event-bus subscription. Called once at startup, after the
// scheduler and event bus are constructed but before the WebSocket
// listener starts accepting connections.
func (s *Server) RestoreSchedules() {
	wfs, err := s.workflows.ListWorkflows()
	if err != nil {
		s.logger.Error("failed to list workflows for schedule restore", "error", err)
		return
	}
	for _, wf := range wfs {
		s.bindTrigger(wf)
	}
}

// Dispatch is the wsmux.Handler entry point: one decoded inbound envelope,
// routed by Type to the matching operation.
func (s *Server) Dispatch(client *wsmux.Client, env wsmux.Envelope) {
	ctx := context.Background()

	var err error
	switch env.Type {
	case "user_message":
		err = s.handleUserMessage(ctx, client, env)
	case "new_conversation":
		err = s.handleNewConversation(client, env)
	case "load_conversation":
		err = s.handleLoadConversation(client, env)
	case "delete_conversation":
		err = s.handleDeleteConversation(client, env)
	case "list_conversations":
		err = s.handleListConversations(client, env)
	case "create_workflow":
		err = s.handleCreateWorkflow(client, env)
	case "update_workflow":
		err = s.handleUpdateWorkflow(client, env)
	case "delete_workflow":
		err = s.handleDeleteWorkflow(client, env)
	case "list_workflows":
		err = s.handleListWorkflows(client, env)
	case "get_workflow":
		err = s.handleGetWorkflow(client, env)
	case "run_workflow":
		err = s.handleRunWorkflow(ctx, client, env)
	case "cancel_workflow":
		err = s.handleCancelWorkflow(client, env)
	case "list_executions":
		err = s.handleListExecutions(client, env)
	case "get_execution":
		err = s.handleGetExecution(client, env)
	case "mcp_tools_list":
		err = s.handleMCPToolsList(client, env)
	case "parse_schedule":
		err = s.handleParseSchedule(client, env)
	case "build_workflow":
		err = s.handleBuildWorkflow(client, env)
	default:
		err = fmt.Errorf("unknown envelope type %q", env.Type)
	}

	if err != nil {
		s.logger.Warn("envelope dispatch failed", "type", env.Type, "error", err)
		s.replyError(client, env, err)
	}
}

func (s *Server) replyError(client *wsmux.Client, env wsmux.Envelope, err error) {
	s.mux.Unicast(client.ID, wsmux.Envelope{
		Type:           "error",
		ID:             env.ID,
		ConversationID: env.ConversationID,
		Content:        err.Error(),
	})
}

func (s *Server) reply(client *wsmux.Client, typ string, env wsmux.Envelope, metadata map[string]any) {
	out := wsmux.Envelope{
		Type:           typ,
		ID:             env.ID,
		ConversationID: env.ConversationID,
		Metadata:       make(map[string]json.RawMessage, len(metadata)),
	}
	for k, v := range metadata {
		data, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("failed to marshal reply metadata", "key", k, "error", err)
			continue
		}
		out.Metadata[k] = data
	}
	s.mux.Unicast(client.ID, out)
}

// --- conversations ---

func (s *Server) handleUserMessage(ctx context.Context, client *wsmux.Client, env wsmux.Envelope) error {
	if env.ConversationID == "" {
		return fmt.Errorf("user_message: conversationId is required")
	}
	idemKey := metaString(env, "idempotencyKey")
	if s.chat.IsDuplicate(env.ConversationID, idemKey) {
		s.reply(client, "status", env, map[string]any{"status": "duplicate"})
		return nil
	}
	// A turn can run for as long as the LLM takes to stream its response
	// and any tool calls it issues; it must not block this client's
	// receive loop from handling other envelopes (cancel_workflow, ping).
	go func() {
		if err := s.chat.HandleUserMessage(ctx, env.ConversationID, env.Content); err != nil {
			s.logger.Error("turn failed", "conversationId", env.ConversationID, "error", err)
		}
	}()
	return nil
}

func (s *Server) handleNewConversation(client *wsmux.Client, env wsmux.Envelope) error {
	conv := &model.Conversation{ID: uuid.NewString(), Created: time.Now()}
	if err := s.convs.Save(conv); err != nil {
		return fmt.Errorf("new_conversation: %w", err)
	}
	s.reply(client, "conversation_created", env, map[string]any{"conversation": conv})
	return nil
}

func (s *Server) handleLoadConversation(client *wsmux.Client, env wsmux.Envelope) error {
	id := env.ConversationID
	if id == "" {
		id = metaString(env, "conversationId")
	}
	conv, err := s.convs.Load(id)
	if err != nil {
		return fmt.Errorf("load_conversation: %w", err)
	}
	s.reply(client, "conversation_loaded", env, map[string]any{"conversation": conv})
	return nil
}

func (s *Server) handleDeleteConversation(client *wsmux.Client, env wsmux.Envelope) error {
	id := env.ConversationID
	if id == "" {
		id = metaString(env, "conversationId")
	}
	if err := s.convs.Delete(id); err != nil {
		return fmt.Errorf("delete_conversation: %w", err)
	}
	s.reply(client, "conversation_deleted", env, map[string]any{"conversationId": id})
	return nil
}

func (s *Server) handleListConversations(client *wsmux.Client, env wsmux.Envelope) error {
	convs, err := s.convs.List()
	if err != nil {
		return fmt.Errorf("list_conversations: %w", err)
	}
	s.reply(client, "conversation_list", env, map[string]any{"conversations": convs})
	return nil
}

// --- workflows ---

func (s *Server) handleCreateWorkflow(client *wsmux.Client, env wsmux.Envelope) error {
	wf, err := decodeWorkflow(env)
	if err != nil {
		return fmt.Errorf("create_workflow: %w", err)
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := time.Now()
	wf.Created, wf.Updated = now, now
	if err := wf.Validate(); err != nil {
		return fmt.Errorf("create_workflow: %w", err)
	}
	if err := s.workflows.SaveWorkflow(wf); err != nil {
		return fmt.Errorf("create_workflow: %w", err)
	}
	s.bindTrigger(wf)
	s.reply(client, "workflow_created", env, map[string]any{"workflow": wf})
	return nil
}

func (s *Server) handleUpdateWorkflow(client *wsmux.Client, env wsmux.Envelope) error {
	wf, err := decodeWorkflow(env)
	if err != nil {
		return fmt.Errorf("update_workflow: %w", err)
	}
	if wf.ID == "" {
		return fmt.Errorf("update_workflow: id is required")
	}
	existing, err := s.workflows.LoadWorkflow(wf.ID)
	if err != nil {
		return fmt.Errorf("update_workflow: %w", err)
	}
	wf.Created = existing.Created
	wf.Updated = time.Now()
	if err := wf.Validate(); err != nil {
		return fmt.Errorf("update_workflow: %w", err)
	}
	if err := s.workflows.SaveWorkflow(wf); err != nil {
		return fmt.Errorf("update_workflow: %w", err)
	}
	s.unbindTrigger(wf.ID)
	s.bindTrigger(wf)
	s.reply(client, "workflow_updated", env, map[string]any{"workflow": wf})
	return nil
}

func (s *Server) handleDeleteWorkflow(client *wsmux.Client, env wsmux.Envelope) error {
	id := metaString(env, "workflowId")
	if err := s.workflows.DeleteWorkflow(id); err != nil {
		return fmt.Errorf("delete_workflow: %w", err)
	}
	s.unbindTrigger(id)
	s.reply(client, "workflow_deleted", env, map[string]any{"workflowId": id})
	return nil
}

func (s *Server) handleListWorkflows(client *wsmux.Client, env wsmux.Envelope) error {
	summaries, err := s.workflows.ListAll()
	if err != nil {
		return fmt.Errorf("list_workflows: %w", err)
	}
	s.reply(client, "workflow_list", env, map[string]any{"workflows": summaries})
	return nil
}

func (s *Server) handleGetWorkflow(client *wsmux.Client, env wsmux.Envelope) error {
	id := metaString(env, "workflowId")
	wf, err := s.workflows.LoadWorkflow(id)
	if err != nil {
		return fmt.Errorf("get_workflow: %w", err)
	}
	s.reply(client, "workflow_detail", env, map[string]any{"workflow": wf})
	return nil
}

func (s *Server) handleRunWorkflow(ctx context.Context, client *wsmux.Client, env wsmux.Envelope) error {
	id := metaString(env, "workflowId")
	wf, err := s.workflows.LoadWorkflow(id)
	if err != nil {
		return fmt.Errorf("run_workflow: %w", err)
	}
	trigger := model.TriggerInfo{Kind: model.TriggerEvent, Detail: "manual"}
	go s.executor.Run(ctx, wf, trigger)
	s.reply(client, "status", env, map[string]any{"status": "accepted", "workflowId": id})
	return nil
}

func (s *Server) handleCancelWorkflow(client *wsmux.Client, env wsmux.Envelope) error {
	executionID := metaString(env, "executionId")
	s.executor.Cancel(executionID)
	s.reply(client, "status", env, map[string]any{"status": "cancelling", "executionId": executionID})
	return nil
}

func (s *Server) handleListExecutions(client *wsmux.Client, env wsmux.Envelope) error {
	workflowID := metaString(env, "workflowId")
	limit := 0
	if raw, ok := env.Metadata["limit"]; ok {
		_ = json.Unmarshal(raw, &limit)
	}
	execs, err := s.workflows.ListExecutions(workflowID, limit)
	if err != nil {
		return fmt.Errorf("list_executions: %w", err)
	}
	s.reply(client, "execution_list", env, map[string]any{"executions": execs})
	return nil
}

func (s *Server) handleGetExecution(client *wsmux.Client, env wsmux.Envelope) error {
	id := metaString(env, "executionId")
	exec, err := s.workflows.LoadExecution(id)
	if err != nil {
		return fmt.Errorf("get_execution: %w", err)
	}
	s.reply(client, "execution_detail", env, map[string]any{"execution": exec})
	return nil
}

// --- MCP / scheduling helpers ---

func (s *Server) handleMCPToolsList(client *wsmux.Client, env wsmux.Envelope) error {
	s.reply(client, "mcp_tools_list_result", env, map[string]any{"tools": s.mcpMgr.GetToolDefinitions()})
	return nil
}

func (s *Server) handleParseSchedule(client *wsmux.Client, env wsmux.Envelope) error {
	expr := metaString(env, "expression")
	sched, err := cron.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse_schedule: %w", err)
	}
	next, ok := sched.NextFireDate(time.Now())
	result := map[string]any{"expression": expr, "valid": true}
	if ok {
		result["nextFireDate"] = next
	}
	s.reply(client, "parse_schedule_result", env, result)
	return nil
}

// handleBuildWorkflow assembles a draft workflow from a bare steps list,
// assigning a workflow id, missing step ids and a default error policy,
// without persisting it. A UI workflow builder calls this to materialize a draft
// before the user explicitly saves it with create_workflow.
func (s *Server) handleBuildWorkflow(client *wsmux.Client, env wsmux.Envelope) error {
	var draft struct {
		Name  string       `json:"name"`
		Steps []model.Step `json:"steps"`
	}
	raw, ok := env.Metadata["draft"]
	if !ok {
		return fmt.Errorf("build_workflow: missing draft")
	}
	if err := json.Unmarshal(raw, &draft); err != nil {
		return fmt.Errorf("build_workflow: %w", err)
	}
	for i := range draft.Steps {
		if draft.Steps[i].ID == "" {
			draft.Steps[i].ID = fmt.Sprintf("step%d", i+1)
		}
		if draft.Steps[i].OnError == "" {
			draft.Steps[i].OnError = model.OnErrorStop
		}
	}
	wf := &model.Workflow{
		ID:      uuid.NewString(),
		Name:    draft.Name,
		Enabled: true,
		Steps:   draft.Steps,
	}
	if err := wf.Validate(); err != nil {
		return fmt.Errorf("build_workflow: %w", err)
	}
	s.reply(client, "build_workflow_result", env, map[string]any{"workflow": wf})
	return nil
}

// bindTrigger (re)establishes wf's scheduling: a cron trigger is handed to
// the scheduler, an event trigger subscribes on the bus with a handler
// that checks the published event's data against the trigger's filter
// before running. A disabled workflow is never bound.
func (s *Server) bindTrigger(wf *model.Workflow) {
	if !wf.Enabled {
		return
	}
	switch wf.Trigger.Kind {
	case model.TriggerCron:
		if err := s.scheduler.Schedule(wf.ID, wf.Trigger.Expression); err != nil {
			s.logger.Error("failed to schedule workflow", "workflowId", wf.ID, "error", err)
		}
	case model.TriggerEvent:
		id := s.bus.Subscribe(wf.Trigger.Source, wf.Trigger.EventType, func(ctx context.Context, ev model.Event) {
			if !eventMatchesFilter(ev, wf.Trigger.Filter) {
				return
			}
			fresh, err := s.workflows.LoadWorkflow(wf.ID)
			if err != nil {
				s.logger.Error("failed to reload workflow for event trigger", "workflowId", wf.ID, "error", err)
				return
			}
			s.executor.Run(ctx, fresh, model.TriggerInfo{Kind: model.TriggerEvent, Detail: ev.Key()})
		})
		s.eventSubsMu.Lock()
		s.eventSubs[wf.ID] = id
		s.eventSubsMu.Unlock()
	}
}

func (s *Server) unbindTrigger(workflowID string) {
	s.scheduler.Cancel(workflowID)
	s.eventSubsMu.Lock()
	id, ok := s.eventSubs[workflowID]
	if ok {
		delete(s.eventSubs, workflowID)
	}
	s.eventSubsMu.Unlock()
	if ok {
		s.bus.Unsubscribe(id)
	}
}

func eventMatchesFilter(ev model.Event, filter map[string]string) bool {
	for k, v := range filter {
		actual, ok := ev.Data[k]
		if !ok || fmt.Sprintf("%v", actual) != v {
			return false
		}
	}
	return true
}

func decodeWorkflow(env wsmux.Envelope) (*model.Workflow, error) {
	raw, ok := env.Metadata["workflow"]
	if !ok {
		return nil, fmt.Errorf("missing workflow payload")
	}
	var wf model.Workflow
	if err := json.Unmarshal(raw, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func metaString(env wsmux.Envelope, key string) string {
	raw, ok := env.Metadata[key]
	if !ok {
		return ""
	}
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}
