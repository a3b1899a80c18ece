// Package notify maps workflow execution lifecycle events onto WebSocket
// broadcast envelopes, respecting each workflow's per-event notification
// flags. Grounded on internal/chatengine/turn.go's event-to-envelope
// mapping (the same broadcast-with-metadata idiom, applied to workflow
// lifecycle transitions instead of LLM stream events).
package notify

import (
	"encoding/json"
	"fmt"

	"github.com/relaycore/relayd/internal/wsmux"
	"github.com/relaycore/relayd/pkg/model"
)

// Broadcaster is the outbound fan-out target. Satisfied by *wsmux.Mux.
type Broadcaster interface {
	Broadcast(env wsmux.Envelope)
}

// Notifier dispatches workflow lifecycle notifications as broadcast
// envelopes. Dropped envelopes (a client gone, a full send buffer) are
// acceptable; there is no retry.
type Notifier struct {
	bus Broadcaster
}

// New constructs a Notifier.
func New(bus Broadcaster) *Notifier {
	return &Notifier{bus: bus}
}

const (
	typeStarted       = "started"
	typeCompleted     = "completed"
	typeFailed        = "failed"
	typeStepCompleted = "stepCompleted"
)

// NotifyStarted is sent when an execution transitions to running, if the
// workflow opted in via NotificationPrefs.OnStart.
func (n *Notifier) NotifyStarted(wf *model.Workflow, exec *model.Execution) {
	if !wf.NotificationPrefs.OnStart {
		return
	}
	n.emit(wf, exec, typeStarted, fmt.Sprintf("%s started", wf.Name), "")
}

// NotifyStepCompleted is sent after each step reaches a terminal state
// (success, error, or skipped), if the workflow opted in via
// NotificationPrefs.OnStepCompleted.
func (n *Notifier) NotifyStepCompleted(wf *model.Workflow, exec *model.Execution, step model.StepResult) {
	if !wf.NotificationPrefs.OnStepCompleted {
		return
	}
	body := fmt.Sprintf("step %q finished: %s", step.Name, step.Status)
	n.emit(wf, exec, typeStepCompleted, body, step.StepID)
}

// NotifyCompleted is sent when an execution reaches the completed
// terminal state, if the workflow opted in via NotificationPrefs.OnCompleted.
func (n *Notifier) NotifyCompleted(wf *model.Workflow, exec *model.Execution) {
	if !wf.NotificationPrefs.OnCompleted {
		return
	}
	n.emit(wf, exec, typeCompleted, fmt.Sprintf("%s completed", wf.Name), "")
}

// NotifyFailed is sent when an execution reaches the failed or cancelled
// terminal state, if the workflow opted in via NotificationPrefs.OnFailed.
func (n *Notifier) NotifyFailed(wf *model.Workflow, exec *model.Execution) {
	if !wf.NotificationPrefs.OnFailed {
		return
	}
	n.emit(wf, exec, typeFailed, fmt.Sprintf("%s %s", wf.Name, exec.Status), "")
}

// BroadcastExecutionStarted announces an execution's transition to running.
// Unlike NotifyStarted, this is unconditional: it drives a connected
// client's live execution view rather than an opt-in notification.
func (n *Notifier) BroadcastExecutionStarted(wf *model.Workflow, exec *model.Execution) {
	n.bus.Broadcast(wsmux.Envelope{
		Type: "workflow_execution_started",
		Metadata: map[string]json.RawMessage{
			"workflowId":  mustJSON(wf.ID),
			"executionId": mustJSON(exec.ID),
			"execution":   marshalOrNull(exec),
		},
	})
}

// BroadcastStepUpdate announces a single step's status transition.
func (n *Notifier) BroadcastStepUpdate(wf *model.Workflow, exec *model.Execution, step model.StepResult) {
	n.bus.Broadcast(wsmux.Envelope{
		Type: "workflow_step_update",
		Metadata: map[string]json.RawMessage{
			"workflowId":  mustJSON(wf.ID),
			"executionId": mustJSON(exec.ID),
			"step":        marshalOrNull(step),
		},
	})
}

// BroadcastExecutionDone announces an execution's terminal state.
func (n *Notifier) BroadcastExecutionDone(wf *model.Workflow, exec *model.Execution) {
	n.bus.Broadcast(wsmux.Envelope{
		Type: "workflow_execution_done",
		Metadata: map[string]json.RawMessage{
			"workflowId":  mustJSON(wf.ID),
			"executionId": mustJSON(exec.ID),
			"execution":   marshalOrNull(exec),
		},
	})
}

func marshalOrNull(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return data
}

func (n *Notifier) emit(wf *model.Workflow, exec *model.Execution, notificationType, body, stepID string) {
	title := wf.Name
	if title == "" {
		title = wf.ID
	}
	metadata := map[string]json.RawMessage{
		"title":            mustJSON(title),
		"body":             mustJSON(body),
		"workflowId":       mustJSON(wf.ID),
		"executionId":      mustJSON(exec.ID),
		"notificationType": mustJSON(notificationType),
	}
	if stepID != "" {
		metadata["stepId"] = mustJSON(stepID)
	}
	n.bus.Broadcast(wsmux.Envelope{
		Type:     "notification",
		Metadata: metadata,
	})
}

func mustJSON(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
