package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/stageflow/model"
)

// MemoryTaskStore is an in-memory TaskStore. Safe for concurrent use.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[string]model.Task
	now   func() time.Time
}

// NewMemoryTaskStore creates an empty in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[string]model.Task),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new task.
func (s *MemoryTaskStore) Create(_ context.Context, scope model.Scope, task model.Task) (string, error) {
	if err := model.RequireScope(scope); err != nil {
		return "", err
	}
	t := prepareTask(scope, task, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.ID]; exists {
		return "", model.NewConflictError("task " + t.ID + " already exists")
	}
	s.tasks[t.ID] = t
	return t.ID, nil
}

// GetByID returns a copy of the task.
func (s *MemoryTaskStore) GetByID(_ context.Context, scope model.Scope, id string) (model.Task, error) {
	if err := model.RequireScope(scope); err != nil {
		return model.Task{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok || t.OrganizationID != scope.OrganizationID {
		return model.Task{}, taskNotFound(id)
	}
	return t.Clone(), nil
}

// Query returns copies of the project's tasks matching the filter.
func (s *MemoryTaskStore) Query(_ context.Context, scope model.Scope, projectID string, filter model.TaskFilter) ([]model.Task, error) {
	if err := model.RequireScope(scope); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Task
	for _, t := range s.tasks {
		if t.OrganizationID != scope.OrganizationID || t.LinkedProjectID != projectID {
			continue
		}
		if !filter.Matches(t) {
			continue
		}
		out = append(out, t.Clone())
	}
	sortTasks(out)
	return out, nil
}

// Update applies the patch.
func (s *MemoryTaskStore) Update(ctx context.Context, scope model.Scope, id string, patch model.TaskPatch) error {
	_, _, err := s.UpdateReturning(ctx, scope, id, patch)
	return err
}

// UpdateReturning applies the patch and returns the task before and after.
func (s *MemoryTaskStore) UpdateReturning(_ context.Context, scope model.Scope, id string, patch model.TaskPatch) (model.Task, model.Task, error) {
	if err := model.RequireScope(scope); err != nil {
		return model.Task{}, model.Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.OrganizationID != scope.OrganizationID {
		return model.Task{}, model.Task{}, taskNotFound(id)
	}
	before := t.Clone()
	t.Apply(patch, s.now())
	s.tasks[id] = t
	return before, t.Clone(), nil
}

// Len returns the number of stored tasks. For testing.
func (s *MemoryTaskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// MemoryProjectStore is an in-memory ProjectStore. Safe for concurrent use.
type MemoryProjectStore struct {
	mu       sync.RWMutex
	projects map[string]model.Project
	now      func() time.Time
}

// NewMemoryProjectStore creates an empty in-memory project store.
func NewMemoryProjectStore() *MemoryProjectStore {
	return &MemoryProjectStore{
		projects: make(map[string]model.Project),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new project.
func (s *MemoryProjectStore) Create(_ context.Context, scope model.Scope, project model.Project) (string, error) {
	if err := model.RequireScope(scope); err != nil {
		return "", err
	}
	p := prepareProject(scope, project, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.projects[p.ID]; exists {
		return "", model.NewConflictError("project " + p.ID + " already exists")
	}
	s.projects[p.ID] = p
	return p.ID, nil
}

// GetByID returns a copy of the project.
func (s *MemoryProjectStore) GetByID(_ context.Context, scope model.Scope, projectID string) (model.Project, error) {
	if err := model.RequireScope(scope); err != nil {
		return model.Project{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[projectID]
	if !ok || p.OrganizationID != scope.OrganizationID {
		return model.Project{}, projectNotFound(projectID)
	}
	return p.Clone(), nil
}

// Update applies the patch.
func (s *MemoryProjectStore) Update(_ context.Context, scope model.Scope, projectID string, patch model.ProjectPatch) error {
	if err := model.RequireScope(scope); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.projects[projectID]
	if !ok || p.OrganizationID != scope.OrganizationID {
		return projectNotFound(projectID)
	}
	p.Apply(patch, s.now())
	s.projects[projectID] = p
	return nil
}

func sortTasks(tasks []model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
