package pipeline

import (
	"fmt"
)

// Graph is the dependency graph: task name to the names it depends on. It
// is declared data, not hard-coded call order, so execution order and
// parallel-eligible pairs are derived and new sinks are added by declaring
// new nodes.
type Graph map[string][]string

// Validate rejects references to unknown tasks and cycles.
func (g Graph) Validate() error {
	for task, deps := range g {
		for _, dep := range deps {
			if _, ok := g[dep]; !ok {
				return fmt.Errorf("pipeline: task %q depends on unknown task %q", task, dep)
			}
			if dep == task {
				return fmt.Errorf("pipeline: task %q depends on itself", task)
			}
		}
	}

	// Kahn's algorithm; leftovers mean a cycle.
	indegree := make(map[string]int, len(g))
	for task := range g {
		indegree[task] = len(g[task])
	}
	queue := make([]string, 0, len(g))
	for task, d := range indegree {
		if d == 0 {
			queue = append(queue, task)
		}
	}
	visited := 0
	for len(queue) > 0 {
		task := queue[0]
		queue = queue[1:]
		visited++
		for other, deps := range g {
			for _, dep := range deps {
				if dep != task {
					continue
				}
				indegree[other]--
				if indegree[other] == 0 {
					queue = append(queue, other)
				}
			}
		}
	}
	if visited != len(g) {
		return fmt.Errorf("pipeline: dependency cycle")
	}
	return nil
}
