// Package workflowstore persists workflow definitions and their execution
// records as one JSON file per record, under two sibling directories.
// Grounded on internal/convstore's atomic write-rename idiom.
package workflowstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/relaycore/relayd/pkg/model"
)

// Store persists workflow definitions under <dir>/definitions and
// execution records under <dir>/executions.
type Store struct {
	definitionsDir string
	executionsDir  string
	logger         *slog.Logger
}

// New constructs a Store rooted at dir, creating both subdirectories.
func New(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	definitionsDir := filepath.Join(dir, "definitions")
	executionsDir := filepath.Join(dir, "executions")
	for _, d := range []string{definitionsDir, executionsDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return nil, fmt.Errorf("workflowstore: create dir %s: %w", d, err)
		}
	}
	return &Store{
		definitionsDir: definitionsDir,
		executionsDir:  executionsDir,
		logger:         logger.With("component", "workflowstore"),
	}, nil
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// SaveWorkflow atomically writes a workflow definition.
func (s *Store) SaveWorkflow(wf *model.Workflow) error {
	path := filepath.Join(s.definitionsDir, wf.ID+".json")
	if err := writeAtomic(path, wf); err != nil {
		return fmt.Errorf("workflowstore: save workflow %s: %w", wf.ID, err)
	}
	return nil
}

// LoadWorkflow reads a single workflow definition by id.
func (s *Store) LoadWorkflow(id string) (*model.Workflow, error) {
	data, err := os.ReadFile(filepath.Join(s.definitionsDir, id+".json"))
	if err != nil {
		return nil, fmt.Errorf("workflowstore: read workflow %s: %w", id, err)
	}
	var wf model.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("workflowstore: decode workflow %s: %w", id, err)
	}
	return &wf, nil
}

// DeleteWorkflow removes a workflow definition. Deleting a nonexistent
// workflow is not an error. Its execution records are left in place.
func (s *Store) DeleteWorkflow(id string) error {
	path := filepath.Join(s.definitionsDir, id+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("workflowstore: delete workflow %s: %w", id, err)
	}
	return nil
}

// ListWorkflows enumerates every workflow definition. Per-file decode
// failures are logged and skipped.
func (s *Store) ListWorkflows() ([]*model.Workflow, error) {
	entries, err := os.ReadDir(s.definitionsDir)
	if err != nil {
		return nil, fmt.Errorf("workflowstore: read definitions dir: %w", err)
	}
	var out []*model.Workflow
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".json")]
		wf, err := s.LoadWorkflow(id)
		if err != nil {
			s.logger.Warn("skipping unreadable workflow record", "id", id, "error", err)
			continue
		}
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.After(out[j].Created) })
	return out, nil
}

// SaveExecution atomically writes an execution record. Satisfies
// workflow.ExecutionStore.
func (s *Store) SaveExecution(exec *model.Execution) error {
	path := filepath.Join(s.executionsDir, exec.ID+".json")
	if err := writeAtomic(path, exec); err != nil {
		return fmt.Errorf("workflowstore: save execution %s: %w", exec.ID, err)
	}
	return nil
}

// LoadExecution reads a single execution record by id.
func (s *Store) LoadExecution(id string) (*model.Execution, error) {
	data, err := os.ReadFile(filepath.Join(s.executionsDir, id+".json"))
	if err != nil {
		return nil, fmt.Errorf("workflowstore: read execution %s: %w", id, err)
	}
	var exec model.Execution
	if err := json.Unmarshal(data, &exec); err != nil {
		return nil, fmt.Errorf("workflowstore: decode execution %s: %w", id, err)
	}
	return &exec, nil
}

// listAllExecutions enumerates every execution record across all
// workflows. Per-file decode failures are logged and skipped.
func (s *Store) listAllExecutions() ([]*model.Execution, error) {
	entries, err := os.ReadDir(s.executionsDir)
	if err != nil {
		return nil, fmt.Errorf("workflowstore: read executions dir: %w", err)
	}
	var out []*model.Execution
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".json")]
		exec, err := s.LoadExecution(id)
		if err != nil {
			s.logger.Warn("skipping unreadable execution record", "id", id, "error", err)
			continue
		}
		out = append(out, exec)
	}
	return out, nil
}

// ListExecutions returns the executions for workflowID, most recent
// first, truncated to limit entries. A non-positive limit defaults to 20.
func (s *Store) ListExecutions(workflowID string, limit int) ([]*model.Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	all, err := s.listAllExecutions()
	if err != nil {
		return nil, err
	}
	var matched []*model.Execution
	for _, exec := range all {
		if exec.WorkflowID == workflowID {
			matched = append(matched, exec)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].StartedAt.After(matched[j].StartedAt) })
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Summary is a workflow definition joined with its most recent execution,
// for list views that need a single row per workflow.
type Summary struct {
	Workflow        *model.Workflow
	LatestExecution *model.Execution
}

// ListAll joins every workflow definition with its latest execution (by
// startedAt), for a dashboard-style overview.
func (s *Store) ListAll() ([]Summary, error) {
	workflows, err := s.ListWorkflows()
	if err != nil {
		return nil, err
	}
	executions, err := s.listAllExecutions()
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*model.Execution, len(workflows))
	for _, exec := range executions {
		cur, ok := latest[exec.WorkflowID]
		if !ok || exec.StartedAt.After(cur.StartedAt) {
			latest[exec.WorkflowID] = exec
		}
	}

	out := make([]Summary, 0, len(workflows))
	for _, wf := range workflows {
		out = append(out, Summary{Workflow: wf, LatestExecution: latest[wf.ID]})
	}
	return out, nil
}
