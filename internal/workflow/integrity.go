package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/dependency"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/model"
)

// CheckIntegrity inspects the dependency graph of the project's tasks and
// records what it finds on the project together with the check time. It
// reports tasks that are open although a dependency is unsatisfied, blocked
// tasks with nothing left to wait for, dependencies on missing tasks and
// dependency cycles.
func (e *Engine) CheckIntegrity(ctx context.Context, scope model.Scope, projectID string) ([]string, error) {
	if err := model.RequireScope(scope); err != nil {
		return nil, err
	}
	if _, err := e.projects.GetByID(ctx, scope, projectID); err != nil {
		return nil, err
	}
	tasks, err := e.tasks.Query(ctx, scope, projectID, model.TaskFilter{})
	if err != nil {
		return nil, err
	}

	issues := FindIntegrityIssues(tasks)

	now := e.now()
	if err := e.projects.Update(ctx, scope, projectID, model.ProjectPatch{
		AppendIntegrityIssues: issues,
		LastIntegrityCheck:    &now,
	}); err != nil {
		return issues, err
	}
	if len(issues) > 0 {
		observability.RequestLogger(ctx, e.logger).Warn("integrity issues found",
			zap.String("project_id", projectID),
			zap.Strings("issues", issues),
		)
	}
	return issues, nil
}

// FindIntegrityIssues is the pure part of CheckIntegrity.
func FindIntegrityIssues(tasks []model.Task) []string {
	byID := make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var issues []string
	for _, t := range tasks {
		for _, dep := range t.DependsOnTaskIDs {
			if _, ok := byID[dep]; !ok {
				issues = append(issues, fmt.Sprintf("Task %s depends on missing task %s", t.ID, dep))
			}
		}
		if t.IsCompleted() || len(t.DependsOnTaskIDs) == 0 {
			continue
		}
		satisfied := dependency.DependenciesSatisfied(t, byID)
		switch {
		case t.Status == model.TaskStatusBlocked && satisfied:
			issues = append(issues, fmt.Sprintf("Task %s is blocked but all its dependencies are completed", t.ID))
		case t.Status != model.TaskStatusBlocked && !satisfied:
			issues = append(issues, fmt.Sprintf("Task %s is %s but has unsatisfied dependencies", t.ID, t.Status))
		}
	}

	for _, cycle := range findCycles(tasks, byID) {
		issues = append(issues, "Dependency cycle: "+strings.Join(cycle, " -> "))
	}
	return issues
}

// findCycles returns each dependency cycle once, as the ids along it with the
// first id repeated at the end.
func findCycles(tasks []model.Task, byID map[string]model.Task) [][]string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(tasks))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		state[id] = visiting
		stack = append(stack, id)
		deps := append([]string(nil), byID[id].DependsOnTaskIDs...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, ok := byID[dep]; !ok {
				continue
			}
			switch state[dep] {
			case unvisited:
				visit(dep)
			case visiting:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == dep {
						cycle := append(append([]string(nil), stack[i:]...), dep)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if state[id] == unvisited {
			visit(id)
		}
	}
	return cycles
}
