// Package store persists projects and tasks. Every call is scoped to an
// organization; records of other organizations are reported as not found.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/stageflow/model"
)

// TaskStore persists pipeline-aware tasks.
type TaskStore interface {
	// Create persists a new task and returns its id. An empty ID is assigned.
	Create(ctx context.Context, scope model.Scope, task model.Task) (string, error)

	// GetByID returns the task. Returns NOT_FOUND if it does not exist or
	// belongs to another organization.
	GetByID(ctx context.Context, scope model.Scope, id string) (model.Task, error)

	// Query returns the tasks linked to a project, oldest first.
	Query(ctx context.Context, scope model.Scope, projectID string, filter model.TaskFilter) ([]model.Task, error)

	// Update applies a partial update. Returns NOT_FOUND if the task is missing.
	Update(ctx context.Context, scope model.Scope, id string, patch model.TaskPatch) error
}

// ReturningUpdater is implemented by task stores that can report the task
// before and after an update atomically.
type ReturningUpdater interface {
	UpdateReturning(ctx context.Context, scope model.Scope, id string, patch model.TaskPatch) (before, after model.Task, err error)
}

// ProjectStore persists projects.
type ProjectStore interface {
	// Create persists a new project and returns its id.
	Create(ctx context.Context, scope model.Scope, project model.Project) (string, error)

	// GetByID returns the project. Returns NOT_FOUND if it does not exist or
	// belongs to another organization.
	GetByID(ctx context.Context, scope model.Scope, projectID string) (model.Project, error)

	// Update applies a "replace fields" patch; fields not named in the patch
	// are untouched.
	Update(ctx context.Context, scope model.Scope, projectID string, patch model.ProjectPatch) error
}

// prepareTask fills in the fields every backend sets on creation.
func prepareTask(scope model.Scope, task model.Task, now time.Time) model.Task {
	t := task.Clone()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.OrganizationID = scope.OrganizationID
	if t.Status == "" {
		t.Status = model.TaskStatusPending
	}
	if t.Priority == "" {
		t.Priority = model.PriorityMedium
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	return t
}

// prepareProject fills in the fields every backend sets on creation.
func prepareProject(scope model.Scope, project model.Project, now time.Time) model.Project {
	p := project.Clone()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.OrganizationID = scope.OrganizationID
	if p.CurrentStage == "" {
		p.CurrentStage = model.StageIdeasPlanning
	}
	if len(p.WorkflowState.StageHistory) == 0 {
		p.WorkflowState.StageHistory = []model.StageHistoryEntry{{
			Stage:       p.CurrentStage,
			EnteredAt:   now,
			TriggeredBy: scope.Trigger(),
			TriggerUser: scope.UserID,
		}}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return p
}

func taskNotFound(id string) error {
	return model.NewNotFoundError("task " + id + " not found")
}

func projectNotFound(id string) error {
	return model.NewNotFoundError("project " + id + " not found")
}
