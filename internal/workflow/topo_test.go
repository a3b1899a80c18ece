package workflow

import (
	"testing"

	"github.com/relaycore/relayd/pkg/model"
)

func TestTopologicalOrderRunsDependenciesFirst(t *testing.T) {
	steps := []model.Step{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"A"}},
	}
	order, ok := topologicalOrder(steps)
	if !ok {
		t.Fatal("expected a valid topological order")
	}
	if len(order) != 3 || order[0] != "A" {
		t.Fatalf("expected A first, got %v", order)
	}
	rest := map[string]bool{order[1]: true, order[2]: true}
	if !rest["B"] || !rest["C"] {
		t.Fatalf("expected B and C after A in some order, got %v", order)
	}
}

func TestTopologicalOrderDetectsSelfLoop(t *testing.T) {
	steps := []model.Step{
		{ID: "A", DependsOn: []string{"A"}},
	}
	_, ok := topologicalOrder(steps)
	if ok {
		t.Fatal("expected a self-loop to be rejected as a cycle")
	}
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	steps := []model.Step{
		{ID: "A", DependsOn: []string{"B"}},
		{ID: "B", DependsOn: []string{"A"}},
	}
	_, ok := topologicalOrder(steps)
	if ok {
		t.Fatal("expected a two-node cycle to be rejected")
	}
}

func TestTopologicalOrderSingleStepNoDeps(t *testing.T) {
	steps := []model.Step{{ID: "only"}}
	order, ok := topologicalOrder(steps)
	if !ok || len(order) != 1 || order[0] != "only" {
		t.Fatalf("expected [only], got %v (ok=%v)", order, ok)
	}
}
