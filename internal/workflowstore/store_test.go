package workflowstore

import (
	"testing"
	"time"

	"github.com/relaycore/relayd/pkg/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSaveAndLoadWorkflowRoundTrips(t *testing.T) {
	s := newTestStore(t)
	wf := &model.Workflow{ID: "wf1", Name: "daily digest", Created: time.Now()}
	if err := s.SaveWorkflow(wf); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	loaded, err := s.LoadWorkflow("wf1")
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}
	if loaded.Name != "daily digest" {
		t.Fatalf("expected name to round-trip, got %q", loaded.Name)
	}
}

func TestDeleteWorkflowOfNonexistentIDIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteWorkflow("does-not-exist"); err != nil {
		t.Fatalf("expected no error deleting a nonexistent workflow, got %v", err)
	}
}

func TestListWorkflowsSortsByCreatedDescending(t *testing.T) {
	s := newTestStore(t)
	older := &model.Workflow{ID: "old", Created: time.Now().Add(-time.Hour)}
	newer := &model.Workflow{ID: "new", Created: time.Now()}
	_ = s.SaveWorkflow(older)
	_ = s.SaveWorkflow(newer)

	list, err := s.ListWorkflows()
	if err != nil {
		t.Fatalf("ListWorkflows: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "old" {
		t.Fatalf("expected [new, old], got %v", list)
	}
}

func TestListExecutionsSortsDescendingAndTruncatesToLimit(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	for i := 0; i < 5; i++ {
		exec := &model.Execution{
			ID:         string(rune('a' + i)),
			WorkflowID: "wf1",
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveExecution(exec); err != nil {
			t.Fatalf("SaveExecution: %v", err)
		}
	}
	// An execution belonging to a different workflow must not appear.
	_ = s.SaveExecution(&model.Execution{ID: "other", WorkflowID: "wf2", StartedAt: base})

	list, err := s.ListExecutions("wf1", 3)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 executions after truncation, got %d", len(list))
	}
	if list[0].ID != "e" || list[1].ID != "d" || list[2].ID != "c" {
		t.Fatalf("expected most-recent-first order, got %v", []string{list[0].ID, list[1].ID, list[2].ID})
	}
}

func TestListExecutionsDefaultsLimitTo20(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 25; i++ {
		exec := &model.Execution{
			ID:         string(rune('a'+i%26)) + string(rune('A'+i/26)),
			WorkflowID: "wf1",
			StartedAt:  time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := s.SaveExecution(exec); err != nil {
			t.Fatalf("SaveExecution %d: %v", i, err)
		}
	}
	list, err := s.ListExecutions("wf1", 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(list) != 20 {
		t.Fatalf("expected default limit of 20, got %d", len(list))
	}
}

func TestListAllJoinsLatestExecutionPerWorkflow(t *testing.T) {
	s := newTestStore(t)
	wf := &model.Workflow{ID: "wf1", Name: "digest", Created: time.Now()}
	if err := s.SaveWorkflow(wf); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	older := &model.Execution{ID: "exec-older", WorkflowID: "wf1", StartedAt: time.Now().Add(-time.Hour), Status: model.ExecutionCompleted}
	newer := &model.Execution{ID: "exec-newer", WorkflowID: "wf1", StartedAt: time.Now(), Status: model.ExecutionFailed}
	if err := s.SaveExecution(older); err != nil {
		t.Fatalf("SaveExecution older: %v", err)
	}
	if err := s.SaveExecution(newer); err != nil {
		t.Fatalf("SaveExecution newer: %v", err)
	}

	summaries, err := s.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected one summary, got %d", len(summaries))
	}
	if summaries[0].LatestExecution == nil || summaries[0].LatestExecution.ID != "exec-newer" {
		t.Fatalf("expected latest execution to be exec-newer, got %+v", summaries[0].LatestExecution)
	}
}

func TestListAllWorkflowWithNoExecutionsHasNilLatest(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveWorkflow(&model.Workflow{ID: "wf-no-runs", Created: time.Now()}); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	summaries, err := s.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(summaries) != 1 || summaries[0].LatestExecution != nil {
		t.Fatalf("expected a nil latest execution, got %+v", summaries)
	}
}
