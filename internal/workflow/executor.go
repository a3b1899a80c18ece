package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaycore/relayd/internal/mcp"
	"github.com/relaycore/relayd/internal/metrics"
	"github.com/relaycore/relayd/internal/tracing"
	"github.com/relaycore/relayd/pkg/model"
)

// ToolCaller dispatches a resolved tool invocation. Satisfied by
// *mcp.Manager.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallResult, error)
}

// ExecutionStore persists execution records. Satisfied by
// *workflowstore.Store.
type ExecutionStore interface {
	SaveExecution(exec *model.Execution) error
}

// Notifier is told about execution lifecycle events; implementations
// decide whether to actually emit anything based on the workflow's
// notification preferences. Satisfied by *notify.Notifier.
type Notifier interface {
	NotifyStarted(wf *model.Workflow, exec *model.Execution)
	NotifyStepCompleted(wf *model.Workflow, exec *model.Execution, step model.StepResult)
	NotifyCompleted(wf *model.Workflow, exec *model.Execution)
	NotifyFailed(wf *model.Workflow, exec *model.Execution)
	BroadcastExecutionStarted(wf *model.Workflow, exec *model.Execution)
	BroadcastStepUpdate(wf *model.Workflow, exec *model.Execution, step model.StepResult)
	BroadcastExecutionDone(wf *model.Workflow, exec *model.Execution)
}

// Executor runs workflow executions, tracking one cancellable task per
// execution id so a running execution can be cancelled by id.
type Executor struct {
	tools    ToolCaller
	store    ExecutionStore
	notifier Notifier
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.Tracer

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// SetMetrics attaches a metrics recorder. Optional; a nil metrics instance
// (the zero value of *Executor before this is called) disables recording.
func (x *Executor) SetMetrics(m *metrics.Metrics) {
	x.metrics = m
}

// SetTracer attaches a span tracer. Optional; nil disables tracing.
func (x *Executor) SetTracer(t *tracing.Tracer) {
	x.tracer = t
}

// New constructs an Executor.
func New(tools ToolCaller, store ExecutionStore, notifier Notifier, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		tools:    tools,
		store:    store,
		notifier: notifier,
		logger:   logger.With("component", "workflow"),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Run creates an execution record for wf against trigger and drives it to
// a terminal state. The returned execution is also the final persisted
// record.
func (x *Executor) Run(ctx context.Context, wf *model.Workflow, trigger model.TriggerInfo) *model.Execution {
	exec := &model.Execution{
		ID:           uuid.NewString(),
		WorkflowID:   wf.ID,
		WorkflowName: wf.Name,
		Status:       model.ExecutionPending,
		StartedAt:    time.Now(),
		TriggerInfo:  trigger,
	}
	for _, st := range wf.Steps {
		exec.StepResults = append(exec.StepResults, model.StepResult{
			StepID: st.ID,
			Name:   st.Name,
			Status: model.StepPending,
		})
	}
	runCtx, cancel := context.WithCancel(ctx)
	x.mu.Lock()
	x.cancels[exec.ID] = cancel
	x.mu.Unlock()
	defer func() {
		x.mu.Lock()
		delete(x.cancels, exec.ID)
		x.mu.Unlock()
		cancel()
	}()

	x.save(exec)

	order, ok := topologicalOrder(wf.Steps)
	if !ok {
		return x.finish(exec, wf, model.ExecutionFailed)
	}

	exec.Status = model.ExecutionRunning
	x.save(exec)
	x.notifier.NotifyStarted(wf, exec)
	x.notifier.BroadcastExecutionStarted(wf, exec)
	if x.metrics != nil {
		x.metrics.WorkflowExecutionsInFlight.Inc()
		defer x.metrics.WorkflowExecutionsInFlight.Dec()
	}

	stepsByID := make(map[string]model.Step, len(wf.Steps))
	for _, st := range wf.Steps {
		stepsByID[st.ID] = st
	}
	outputs := make(map[string]json.RawMessage, len(wf.Steps))

	for _, stepID := range order {
		if runCtx.Err() != nil {
			return x.finish(exec, wf, model.ExecutionCancelled)
		}

		step := stepsByID[stepID]
		result := exec.StepResult(stepID)
		result.Status = model.StepRunning
		result.Input = resolveInputs(step, outputs)
		now := time.Now()
		result.StartedAt = &now
		x.save(exec)
		x.notifier.BroadcastStepUpdate(wf, exec, *result)

		stepCtx := runCtx
		var stepSpan trace.Span
		if x.tracer != nil {
			stepCtx, stepSpan = x.tracer.StartWorkflowStep(runCtx, wf.ID, stepID)
		}
		output, stepErr := x.callStepWithRetry(stepCtx, step, result.Input)
		if stepSpan != nil {
			tracing.RecordError(stepSpan, stepErr)
			stepSpan.End()
		}
		ended := time.Now()
		result.EndedAt = &ended

		if stepErr != nil && runCtx.Err() != nil {
			// The step was abandoned because the execution was cancelled,
			// not because the tool call itself failed.
			return x.finish(exec, wf, model.ExecutionCancelled)
		}

		if stepErr == nil {
			result.Status = model.StepSuccess
			result.Output = output
			outputs[stepID] = output
			x.save(exec)
			x.notifier.NotifyStepCompleted(wf, exec, *result)
			x.notifier.BroadcastStepUpdate(wf, exec, *result)
			continue
		}

		result.Error = stepErr.Error()
		switch step.OnError {
		case model.OnErrorSkip:
			result.Status = model.StepSkipped
			x.save(exec)
			x.notifier.NotifyStepCompleted(wf, exec, *result)
			x.notifier.BroadcastStepUpdate(wf, exec, *result)
		default: // OnErrorStop, and OnErrorRetry already degraded to stop
			result.Status = model.StepError
			x.save(exec)
			x.notifier.BroadcastStepUpdate(wf, exec, *result)
			return x.finish(exec, wf, model.ExecutionFailed)
		}
	}

	return x.finish(exec, wf, model.ExecutionCompleted)
}

// callStepWithRetry invokes the tool once, and once more if the step's
// onError policy is retry and the first attempt failed; a failed retry
// degrades to a stop outcome (the caller's default branch).
func (x *Executor) callStepWithRetry(ctx context.Context, step model.Step, args map[string]any) (json.RawMessage, error) {
	output, err := x.callStep(ctx, step, args)
	if err == nil {
		return output, nil
	}
	if step.OnError != model.OnErrorRetry {
		return nil, err
	}
	return x.callStep(ctx, step, args)
}

func (x *Executor) callStep(ctx context.Context, step model.Step, args map[string]any) (json.RawMessage, error) {
	result, err := x.tools.CallTool(ctx, step.ToolName, args)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, fmt.Errorf("tool %q returned an error: %s", step.ToolName, result.Content)
	}
	return json.RawMessage(result.Content), nil
}

// Cancel cancels the running execution identified by executionID, if one
// is tracked.
func (x *Executor) Cancel(executionID string) {
	x.mu.Lock()
	cancel, ok := x.cancels[executionID]
	x.mu.Unlock()
	if ok {
		cancel()
	}
}

func (x *Executor) finish(exec *model.Execution, wf *model.Workflow, status model.ExecutionStatus) *model.Execution {
	exec.Status = status
	now := time.Now()
	exec.CompletedAt = &now
	x.save(exec)

	switch status {
	case model.ExecutionCompleted:
		x.notifier.NotifyCompleted(wf, exec)
	case model.ExecutionFailed, model.ExecutionCancelled:
		x.notifier.NotifyFailed(wf, exec)
	}
	x.notifier.BroadcastExecutionDone(wf, exec)
	if x.metrics != nil {
		x.metrics.RecordWorkflowExecution(string(status))
	}
	return exec
}

func (x *Executor) save(exec *model.Execution) {
	if err := x.store.SaveExecution(exec); err != nil {
		x.logger.Error("failed to persist execution", "executionId", exec.ID, "error", err)
	}
}
