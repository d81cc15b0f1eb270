package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/events"
	"github.com/pitabwire/stageflow/model"
)

// ObservedTaskStore decorates a TaskStore and publishes a change batch after
// every successful Create and Update of a project-linked task. Publish
// failures are logged; the write itself has already succeeded.
type ObservedTaskStore struct {
	inner     TaskStore
	publisher events.Publisher
	logger    *zap.Logger
}

// NewObservedTaskStore wraps inner. A nil logger discards publish failures.
func NewObservedTaskStore(inner TaskStore, publisher events.Publisher, logger *zap.Logger) *ObservedTaskStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObservedTaskStore{inner: inner, publisher: publisher, logger: logger}
}

// Create stores the task and publishes an added change.
func (s *ObservedTaskStore) Create(ctx context.Context, scope model.Scope, task model.Task) (string, error) {
	id, err := s.inner.Create(ctx, scope, task)
	if err != nil {
		return "", err
	}
	created, err := s.inner.GetByID(ctx, scope, id)
	if err != nil {
		s.logger.Warn("created task vanished before publish", zap.String("task_id", id), zap.Error(err))
		return id, nil
	}
	s.publish(ctx, created, model.TaskChange{Type: model.ChangeAdded, Task: created})
	return id, nil
}

// GetByID delegates to the wrapped store.
func (s *ObservedTaskStore) GetByID(ctx context.Context, scope model.Scope, id string) (model.Task, error) {
	return s.inner.GetByID(ctx, scope, id)
}

// Query delegates to the wrapped store.
func (s *ObservedTaskStore) Query(ctx context.Context, scope model.Scope, projectID string, filter model.TaskFilter) ([]model.Task, error) {
	return s.inner.Query(ctx, scope, projectID, filter)
}

// Update applies the patch and publishes a modified change carrying the
// previous state of the task.
func (s *ObservedTaskStore) Update(ctx context.Context, scope model.Scope, id string, patch model.TaskPatch) error {
	_, _, err := s.UpdateReturning(ctx, scope, id, patch)
	return err
}

// UpdateReturning applies the patch and returns the task before and after.
func (s *ObservedTaskStore) UpdateReturning(ctx context.Context, scope model.Scope, id string, patch model.TaskPatch) (model.Task, model.Task, error) {
	var before, after model.Task
	var err error

	if ru, ok := s.inner.(ReturningUpdater); ok {
		before, after, err = ru.UpdateReturning(ctx, scope, id, patch)
		if err != nil {
			return model.Task{}, model.Task{}, err
		}
	} else {
		if before, err = s.inner.GetByID(ctx, scope, id); err != nil {
			return model.Task{}, model.Task{}, err
		}
		if err = s.inner.Update(ctx, scope, id, patch); err != nil {
			return model.Task{}, model.Task{}, err
		}
		if after, err = s.inner.GetByID(ctx, scope, id); err != nil {
			return model.Task{}, model.Task{}, err
		}
	}

	prev := before
	s.publish(ctx, after, model.TaskChange{Type: model.ChangeModified, Task: after, Previous: &prev})
	return before, after, nil
}

func (s *ObservedTaskStore) publish(ctx context.Context, task model.Task, change model.TaskChange) {
	if task.LinkedProjectID == "" {
		return
	}
	batch := model.TaskChangeBatch{
		OrganizationID: task.OrganizationID,
		ProjectID:      task.LinkedProjectID,
		Changes:        []model.TaskChange{change},
	}
	if err := s.publisher.Publish(ctx, batch); err != nil {
		s.logger.Warn("publishing task change failed",
			zap.String("task_id", task.ID),
			zap.String("project_id", task.LinkedProjectID),
			zap.Error(err),
		)
	}
}
