package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/relaycore/relayd/internal/mcp"
	"github.com/relaycore/relayd/pkg/model"
)

type fakeToolCaller struct {
	mu    sync.Mutex
	calls []string
	args  []map[string]any
	// results keyed by tool name; defaults to a successful empty result.
	results map[string]*mcp.CallResult
	errs    map[string]error
	block   chan struct{} // if non-nil, CallTool waits on this or ctx.Done()
}

func (f *fakeToolCaller) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.args = append(f.args, args)
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	if res, ok := f.results[name]; ok {
		return res, nil
	}
	return &mcp.CallResult{Content: "ok"}, nil
}

func (f *fakeToolCaller) calledNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeToolCaller) argsFor(index int) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.args[index]
}

type fakeExecutionStore struct {
	mu    sync.Mutex
	saved []*model.Execution
}

func (f *fakeExecutionStore) SaveExecution(exec *model.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *exec
	f.saved = append(f.saved, &cp)
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	started, completed, failed int
	stepCompletions             int
}

func (f *fakeNotifier) NotifyStarted(*model.Workflow, *model.Execution) {
	f.mu.Lock()
	f.started++
	f.mu.Unlock()
}
func (f *fakeNotifier) NotifyStepCompleted(*model.Workflow, *model.Execution, model.StepResult) {
	f.mu.Lock()
	f.stepCompletions++
	f.mu.Unlock()
}
func (f *fakeNotifier) NotifyCompleted(*model.Workflow, *model.Execution) {
	f.mu.Lock()
	f.completed++
	f.mu.Unlock()
}
func (f *fakeNotifier) NotifyFailed(*model.Workflow, *model.Execution) {
	f.mu.Lock()
	f.failed++
	f.mu.Unlock()
}
func (f *fakeNotifier) BroadcastExecutionStarted(*model.Workflow, *model.Execution)             {}
func (f *fakeNotifier) BroadcastStepUpdate(*model.Workflow, *model.Execution, model.StepResult) {}
func (f *fakeNotifier) BroadcastExecutionDone(*model.Workflow, *model.Execution)                {}

func TestExecutorRunsSingleStepWorkflow(t *testing.T) {
	wf := &model.Workflow{ID: "wf1", Steps: []model.Step{{ID: "A", ToolName: "noop"}}}
	tools := &fakeToolCaller{}
	notifier := &fakeNotifier{}
	ex := New(tools, &fakeExecutionStore{}, notifier, nil)

	exec := ex.Run(context.Background(), wf, model.TriggerInfo{})

	if exec.Status != model.ExecutionCompleted {
		t.Fatalf("expected completed, got %s", exec.Status)
	}
	if exec.CompletedAt == nil || exec.CompletedAt.Before(exec.StartedAt) {
		t.Fatalf("expected completedAt set and >= startedAt, got %+v", exec)
	}
	if notifier.completed != 1 || notifier.started != 1 {
		t.Fatalf("expected one started and one completed notification, got %+v", notifier)
	}
}

func TestExecutorSkipPolicyLetsIndependentStepsContinue(t *testing.T) {
	wf := &model.Workflow{
		ID: "wf1",
		Steps: []model.Step{
			{ID: "A", ToolName: "toolA"},
			{ID: "B", ToolName: "toolB", DependsOn: []string{"A"}, OnError: model.OnErrorSkip},
			{ID: "C", ToolName: "toolC", DependsOn: []string{"A"}},
		},
	}
	tools := &fakeToolCaller{results: map[string]*mcp.CallResult{
		"toolB": {Content: "nope", IsError: true},
	}}
	ex := New(tools, &fakeExecutionStore{}, &fakeNotifier{}, nil)

	exec := ex.Run(context.Background(), wf, model.TriggerInfo{})

	if exec.Status != model.ExecutionCompleted {
		t.Fatalf("expected completed despite B's skip, got %s", exec.Status)
	}
	if exec.StepResult("B").Status != model.StepSkipped {
		t.Fatalf("expected B skipped, got %s", exec.StepResult("B").Status)
	}
	if exec.StepResult("C").Status != model.StepSuccess {
		t.Fatalf("expected C to still run and succeed, got %s", exec.StepResult("C").Status)
	}
	calledC := false
	for _, name := range tools.calledNames() {
		if name == "toolC" {
			calledC = true
		}
	}
	if !calledC {
		t.Fatal("expected toolC to have been called")
	}
}

func TestExecutorStopPolicyHaltsExecution(t *testing.T) {
	wf := &model.Workflow{
		ID: "wf1",
		Steps: []model.Step{
			{ID: "A", ToolName: "toolA", OnError: model.OnErrorStop},
			{ID: "B", ToolName: "toolB", DependsOn: []string{"A"}},
		},
	}
	tools := &fakeToolCaller{errs: map[string]error{"toolA": context.Canceled}}
	// context.Canceled here simulates a genuine tool error unrelated to
	// context cancellation (the run context itself is not cancelled).
	ex := New(tools, &fakeExecutionStore{}, &fakeNotifier{}, nil)

	exec := ex.Run(context.Background(), wf, model.TriggerInfo{})

	if exec.Status != model.ExecutionFailed {
		t.Fatalf("expected failed, got %s", exec.Status)
	}
	if exec.StepResult("A").Status != model.StepError {
		t.Fatalf("expected A marked error, got %s", exec.StepResult("A").Status)
	}
	if exec.StepResult("B").Status != model.StepPending {
		t.Fatalf("expected B never to run, got %s", exec.StepResult("B").Status)
	}
}

func TestExecutorChainsJSONStepOutputIntoDependentStepVariable(t *testing.T) {
	wf := &model.Workflow{
		ID: "wf1",
		Steps: []model.Step{
			{ID: "S1", ToolName: "lookup"},
			{
				ID:        "S2",
				ToolName:  "greet",
				DependsOn: []string{"S1"},
				InputTemplate: map[string]model.InputValue{
					"name": model.Variable("S1", "name"),
				},
			},
		},
	}
	tools := &fakeToolCaller{results: map[string]*mcp.CallResult{
		"lookup": {Content: `{"name":"alice"}`},
	}}
	ex := New(tools, &fakeExecutionStore{}, &fakeNotifier{}, nil)

	exec := ex.Run(context.Background(), wf, model.TriggerInfo{})

	if exec.Status != model.ExecutionCompleted {
		t.Fatalf("expected completed, got %s: %+v", exec.Status, exec.StepResult("S2"))
	}
	if got := tools.argsFor(1)["name"]; got != "alice" {
		t.Fatalf("expected S2's name argument to resolve to %q, got %q", "alice", got)
	}
}

func TestExecutorCycleFailsWithoutRunningAnyStep(t *testing.T) {
	wf := &model.Workflow{
		ID: "wf1",
		Steps: []model.Step{
			{ID: "A", ToolName: "toolA", DependsOn: []string{"A"}},
		},
	}
	tools := &fakeToolCaller{}
	ex := New(tools, &fakeExecutionStore{}, &fakeNotifier{}, nil)

	exec := ex.Run(context.Background(), wf, model.TriggerInfo{})

	if exec.Status != model.ExecutionFailed {
		t.Fatalf("expected failed for a self-loop, got %s", exec.Status)
	}
	if len(tools.calledNames()) != 0 {
		t.Fatalf("expected no tool calls for a cyclic workflow, got %v", tools.calledNames())
	}
}

func TestExecutorCancelMarksRunningExecutionCancelled(t *testing.T) {
	wf := &model.Workflow{
		ID: "wf1",
		Steps: []model.Step{
			{ID: "A", ToolName: "slow"},
			{ID: "B", ToolName: "after", DependsOn: []string{"A"}},
		},
	}
	block := make(chan struct{})
	tools := &fakeToolCaller{block: block}
	store := &fakeExecutionStore{}
	ex := New(tools, store, &fakeNotifier{}, nil)

	var exec *model.Execution
	done := make(chan struct{})
	go func() {
		exec = ex.Run(context.Background(), wf, model.TriggerInfo{})
		close(done)
	}()

	// Wait for the execution id to be assigned and tracked, then cancel it.
	var executionID string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		if len(store.saved) > 0 {
			executionID = store.saved[0].ID
		}
		store.mu.Unlock()
		if executionID != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if executionID == "" {
		t.Fatal("execution was never persisted")
	}
	ex.Cancel(executionID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}

	if exec.Status != model.ExecutionCancelled {
		t.Fatalf("expected cancelled, got %s", exec.Status)
	}
}
