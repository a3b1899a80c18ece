// Package workflow executes a workflow definition against a trigger: it
// computes a topological run order over the step dependency graph with
// Kahn's algorithm, resolves each step's input template against prior
// step outputs, dispatches the tool call, and tracks the execution record
// through to a terminal state. Grounded on a multi-agent swarm's
// BuildDependencyGraph (indegree counting, dependents adjacency, cycle
// detection via processed-count mismatch), flattened from a stage-parallel
// plan into the single strictly-sequential run order this module requires.
package workflow

import (
	"sort"

	"github.com/relaycore/relayd/pkg/model"
)

// topologicalOrder computes a single sequential step order satisfying every
// dependency, breaking ties deterministically by step id. ok is false if
// the dependency graph has a cycle (including a step depending on itself),
// in which case order is nil.
func topologicalOrder(steps []model.Step) (order []string, ok bool) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))

	for _, st := range steps {
		indegree[st.ID] = 0
	}
	for _, st := range steps {
		for _, dep := range st.DependsOn {
			indegree[st.ID]++
			dependents[dep] = append(dependents[dep], st.ID)
		}
	}

	ready := make([]string, 0)
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	processed := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		processed++

		var unlocked []string
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		sort.Strings(unlocked)
		ready = append(ready, unlocked...)
		sort.Strings(ready)
	}

	if processed != len(steps) {
		return nil, false
	}
	return order, true
}
