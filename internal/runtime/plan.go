package runtime

import (
	"fmt"

	apperrors "github.com/hexafield/hyperagent/internal/common/errors"
	v1 "github.com/hexafield/hyperagent/pkg/api/v1"
)

// validatePlan checks the planner run for duplicate task ids, unknown
// dependsOn targets, and dependency cycles. Validation runs before anything
// is persisted.
func validatePlan(run *v1.PlannerRun) error {
	if run == nil || len(run.Tasks) == 0 {
		return apperrors.InvalidPlan("planner run has no tasks")
	}

	ids := make(map[string]bool, len(run.Tasks))
	for _, task := range run.Tasks {
		if task.ID == "" {
			return apperrors.InvalidPlan("task id is required")
		}
		if ids[task.ID] {
			return apperrors.InvalidPlan(fmt.Sprintf("duplicate task id '%s'", task.ID))
		}
		ids[task.ID] = true
	}

	for _, task := range run.Tasks {
		for _, dep := range task.DependsOn {
			if !ids[dep] {
				return apperrors.InvalidPlan(
					fmt.Sprintf("task '%s' depends on unknown task '%s'", task.ID, dep))
			}
			if dep == task.ID {
				return apperrors.InvalidPlan(fmt.Sprintf("task '%s' depends on itself", task.ID))
			}
		}
	}

	if cycle := findCycle(run.Tasks); cycle != "" {
		return apperrors.InvalidPlan(fmt.Sprintf("dependency cycle involving task '%s'", cycle))
	}
	return nil
}

// findCycle runs Kahn's algorithm over the task graph and returns a task id
// on a cycle, or "" when the graph is acyclic.
func findCycle(tasks []*v1.PlannerTask) string {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, task := range tasks {
		indegree[task.ID] += 0
		for _, dep := range task.DependsOn {
			indegree[task.ID]++
			dependents[dep] = append(dependents[dep], task.ID)
		}
	}

	var queue []string
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited == len(tasks) {
		return ""
	}
	for id, deg := range indegree {
		if deg > 0 {
			return id
		}
	}
	return ""
}
