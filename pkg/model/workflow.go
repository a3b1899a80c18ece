package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// TriggerKind discriminates the Trigger tagged union.
type TriggerKind string

const (
	TriggerCron  TriggerKind = "cron"
	TriggerEvent TriggerKind = "event"
)

// Trigger is a sum type: Cron(expression) | Event(source, eventType, filter).
type Trigger struct {
	Kind       TriggerKind       `json:"type"`
	Expression string            `json:"expression,omitempty"`
	Source     string            `json:"source,omitempty"`
	EventType  string            `json:"eventType,omitempty"`
	Filter     map[string]string `json:"filter,omitempty"`
}

// InputValueKind discriminates the InputTemplate value tagged union.
type InputValueKind string

const (
	InputLiteral  InputValueKind = "literal"
	InputVariable InputValueKind = "variable"
)

// InputValue is a sum type: Literal(s) | Variable(stepId, jsonPath).
type InputValue struct {
	Kind     InputValueKind `json:"type"`
	Literal  string         `json:"literal,omitempty"`
	StepID   string         `json:"stepId,omitempty"`
	JSONPath string         `json:"jsonPath,omitempty"`
}

// Literal builds an InputValue that resolves to a constant string.
func Literal(s string) InputValue {
	return InputValue{Kind: InputLiteral, Literal: s}
}

// Variable builds an InputValue that resolves by dereferencing a prior step's output.
func Variable(stepID, jsonPath string) InputValue {
	return InputValue{Kind: InputVariable, StepID: stepID, JSONPath: jsonPath}
}

// ErrorPolicy controls how a step's failure affects the rest of the execution.
type ErrorPolicy string

const (
	OnErrorStop  ErrorPolicy = "stop"
	OnErrorSkip  ErrorPolicy = "skip"
	OnErrorRetry ErrorPolicy = "retry"
)

// Step is one node of a workflow's dependency DAG.
type Step struct {
	ID            string                `json:"id"`
	Name          string                `json:"name"`
	ToolName      string                `json:"toolName"`
	ServerName    string                `json:"serverName,omitempty"`
	InputTemplate map[string]InputValue `json:"inputTemplate,omitempty"`
	DependsOn     []string              `json:"dependsOn,omitempty"`
	OnError       ErrorPolicy           `json:"onError,omitempty"`
}

// NotificationPrefs controls which lifecycle events fire notifications.
type NotificationPrefs struct {
	OnStart          bool `json:"onStart,omitempty"`
	OnStepCompleted  bool `json:"onStepCompleted,omitempty"`
	OnCompleted      bool `json:"onCompleted,omitempty"`
	OnFailed         bool `json:"onFailed,omitempty"`
}

// Workflow is a user-defined, triggerable sequence of tool invocations.
type Workflow struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	Enabled            bool              `json:"enabled"`
	Trigger            Trigger           `json:"trigger"`
	Steps              []Step            `json:"steps"`
	NotificationPrefs  NotificationPrefs `json:"notificationPrefs"`
	Created            time.Time         `json:"created"`
	Updated            time.Time         `json:"updated"`
}

// ExecutionStatus is the terminal/non-terminal state of a workflow run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution has reached a final state.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of a single step result.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
	StepSkipped StepStatus = "skipped"
)

// StepResult records the input/output/status of one step's execution.
type StepResult struct {
	StepID    string          `json:"stepId"`
	Name      string          `json:"name"`
	Status    StepStatus      `json:"status"`
	Input     map[string]any  `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartedAt *time.Time      `json:"startedAt,omitempty"`
	EndedAt   *time.Time      `json:"endedAt,omitempty"`
}

// TriggerInfo records what caused an execution to start.
type TriggerInfo struct {
	Kind   TriggerKind `json:"type"`
	Detail string      `json:"detail,omitempty"`
}

// Execution is a single run of a workflow.
type Execution struct {
	ID           string          `json:"id"`
	WorkflowID   string          `json:"workflowId"`
	WorkflowName string          `json:"workflowName"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	TriggerInfo  TriggerInfo     `json:"triggerInfo"`
	StepResults  []StepResult    `json:"stepResults"`
}

// StepResult returns a pointer to the result for stepID, or nil.
func (e *Execution) StepResult(stepID string) *StepResult {
	for i := range e.StepResults {
		if e.StepResults[i].StepID == stepID {
			return &e.StepResults[i]
		}
	}
	return nil
}

// Validate reports structural errors that should reject a workflow definition.
func (w *Workflow) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workflow: id is required")
	}
	seen := make(map[string]bool, len(w.Steps))
	for _, st := range w.Steps {
		if st.ID == "" {
			return fmt.Errorf("workflow %s: step missing id", w.ID)
		}
		if seen[st.ID] {
			return fmt.Errorf("workflow %s: duplicate step id %q", w.ID, st.ID)
		}
		seen[st.ID] = true
	}
	for _, st := range w.Steps {
		for _, dep := range st.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("workflow %s: step %s depends on unknown step %q", w.ID, st.ID, dep)
			}
		}
	}
	return nil
}
