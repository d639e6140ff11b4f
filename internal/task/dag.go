package task

import "fmt"

// detectCycle runs Kahn's algorithm over candidate's prospective
// dependency edges merged with the store's existing tasks, the same
// technique the teacher's DependencyGraph.detectCycles uses, generalized
// to validate one new task against a live graph instead of building the
// whole graph once from a static plan.
func detectCycle(all map[string]*Task) error {
	inDegree := make(map[string]int, len(all))
	dependents := make(map[string][]string, len(all))

	for id, t := range all {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		for dep := range t.Dependencies {
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0, len(all))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed != len(all) {
		return fmt.Errorf("circular dependency detected: %d tasks could not be ordered", len(all)-processed)
	}
	return nil
}
