// Package dependency unblocks tasks whose prerequisites have completed.
package dependency

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/notify"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/internal/store"
	"github.com/pitabwire/stageflow/model"
)

// Resolver moves blocked tasks to pending once every task they depend on is
// completed.
type Resolver struct {
	tasks    store.TaskStore
	notifier notify.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(r *Resolver) { r.logger = l } }

// WithNotifier sets the notifier used for task_unblocked notifications.
func WithNotifier(n notify.Notifier) Option { return func(r *Resolver) { r.notifier = n } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option { return func(r *Resolver) { r.metrics = m } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *Resolver) { r.now = now } }

// NewResolver creates a Resolver over the given task store.
func NewResolver(tasks store.TaskStore, opts ...Option) *Resolver {
	r := &Resolver{
		tasks:    tasks,
		notifier: notify.Noop{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnTaskCompleted unblocks the tasks of the completed task's project that
// were waiting on it and now have every dependency completed. It returns the
// ids moved to pending. A task without a linked project is a no-op. Calling it
// again for the same task changes nothing further.
func (r *Resolver) OnTaskCompleted(ctx context.Context, scope model.Scope, taskID string) (unblocked []string, err error) {
	if err := model.RequireScope(scope); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "dependency.OnTaskCompleted",
		observability.AttrOrganizationID.String(scope.OrganizationID),
		observability.AttrTaskID.String(taskID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	completed, err := r.tasks.GetByID(ctx, scope, taskID)
	if err != nil {
		return nil, err
	}
	if completed.LinkedProjectID == "" {
		return nil, nil
	}

	projectTasks, err := r.tasks.Query(ctx, scope, completed.LinkedProjectID, model.TaskFilter{})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.Task, len(projectTasks))
	for _, t := range projectTasks {
		byID[t.ID] = t
	}

	for _, candidate := range projectTasks {
		if candidate.Status != model.TaskStatusBlocked || !dependsOn(candidate, taskID) {
			continue
		}
		if !DependenciesSatisfied(candidate, byID) {
			continue
		}
		if err := r.tasks.Update(ctx, scope, candidate.ID, model.StatusPatch(model.TaskStatusPending)); err != nil {
			return unblocked, fmt.Errorf("unblock task %s: %w", candidate.ID, err)
		}
		unblocked = append(unblocked, candidate.ID)

		r.notifier.Notify(ctx, model.Notification{
			Kind:           model.NotificationTaskUnblocked,
			OrganizationID: scope.OrganizationID,
			ProjectID:      completed.LinkedProjectID,
			TaskID:         candidate.ID,
			Message:        fmt.Sprintf("Task %q is ready to start", candidate.Title),
			CreatedAt:      r.now(),
		})
		r.logger.Debug("task unblocked",
			zap.String("project_id", completed.LinkedProjectID),
			zap.String("task_id", candidate.ID),
			zap.String("completed_task_id", taskID),
		)
	}

	r.metrics.RecordTasksUnblocked(len(unblocked))
	return unblocked, nil
}

// PrepareTask normalizes a task before creation: a task whose dependencies
// are not all completed starts blocked. Dependencies are looked up in the
// task's project.
func (r *Resolver) PrepareTask(ctx context.Context, scope model.Scope, task *model.Task) error {
	if len(task.DependsOnTaskIDs) == 0 || task.Status == model.TaskStatusCompleted {
		return nil
	}
	byID := make(map[string]model.Task, len(task.DependsOnTaskIDs))
	if task.LinkedProjectID != "" {
		projectTasks, err := r.tasks.Query(ctx, scope, task.LinkedProjectID, model.TaskFilter{})
		if err != nil {
			return err
		}
		for _, t := range projectTasks {
			byID[t.ID] = t
		}
	}
	if !DependenciesSatisfied(*task, byID) {
		task.Status = model.TaskStatusBlocked
	}
	return nil
}

// PrepareUpdate checks a patch against the task's dependencies before it is
// written. Starting work on a task with open dependencies is a CONFLICT. A
// patch that leaves dependencies open forces the status to blocked, and one
// that clears them moves a blocked task back to pending. An explicit blocked
// or completed status is kept as given.
func (r *Resolver) PrepareUpdate(ctx context.Context, scope model.Scope, current model.Task, patch *model.TaskPatch) error {
	next := current
	next.Apply(*patch, r.now())
	if next.Status == model.TaskStatusCompleted {
		return nil
	}

	satisfied := true
	if len(next.DependsOnTaskIDs) > 0 {
		byID := make(map[string]model.Task, len(next.DependsOnTaskIDs))
		if next.LinkedProjectID != "" {
			projectTasks, err := r.tasks.Query(ctx, scope, next.LinkedProjectID, model.TaskFilter{})
			if err != nil {
				return err
			}
			for _, t := range projectTasks {
				byID[t.ID] = t
			}
		}
		satisfied = DependenciesSatisfied(next, byID)
	}

	switch {
	case !satisfied && patch.Status != nil && *patch.Status != model.TaskStatusBlocked:
		return model.NewConflictError(fmt.Sprintf("task %s has unfinished dependencies", current.ID))
	case !satisfied && next.Status != model.TaskStatusBlocked:
		patch.Status = statusPtr(model.TaskStatusBlocked)
	case satisfied && patch.Status == nil && next.Status == model.TaskStatusBlocked && patch.DependsOnTaskIDs != nil:
		patch.Status = statusPtr(model.TaskStatusPending)
	}
	return nil
}

func statusPtr(s model.TaskStatus) *model.TaskStatus { return &s }

// DependenciesSatisfied reports whether every dependency of task is a
// completed task in byID. A dependency id with no matching task is
// unsatisfied. An empty dependency list is satisfied.
func DependenciesSatisfied(task model.Task, byID map[string]model.Task) bool {
	for _, id := range task.DependsOnTaskIDs {
		dep, ok := byID[id]
		if !ok || !dep.IsCompleted() {
			return false
		}
	}
	return true
}

func dependsOn(task model.Task, id string) bool {
	for _, d := range task.DependsOnTaskIDs {
		if d == id {
			return true
		}
	}
	return false
}
