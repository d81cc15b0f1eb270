package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/stageflow/model"
)

// pgSchema is applied statement by statement by EnsureSchema.
var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS stageflow_projects (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		current_stage   TEXT NOT NULL,
		doc             JSONB NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stageflow_tasks (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		project_id      TEXT NOT NULL DEFAULT '',
		pipeline_stage  TEXT NOT NULL DEFAULT '',
		required        BOOLEAN NOT NULL DEFAULT FALSE,
		doc             JSONB NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS stageflow_tasks_project_idx
		ON stageflow_tasks (organization_id, project_id, pipeline_stage)`,
}

// EnsurePgSchema creates the tables used by the PostgreSQL stores.
func EnsurePgSchema(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range pgSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// PgTaskStore is a PostgreSQL-backed TaskStore using pgx/v5. The task is kept
// as a JSONB document next to the columns used for filtering.
type PgTaskStore struct {
	pool *pgxpool.Pool
}

// NewPgTaskStore creates a new PostgreSQL task store.
func NewPgTaskStore(pool *pgxpool.Pool) *PgTaskStore {
	return &PgTaskStore{pool: pool}
}

// Create inserts a new task.
func (s *PgTaskStore) Create(ctx context.Context, scope model.Scope, task model.Task) (string, error) {
	if err := model.RequireScope(scope); err != nil {
		return "", err
	}
	t := prepareTask(scope, task, time.Now().UTC())
	doc, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO stageflow_tasks (
			id, organization_id, project_id, pipeline_stage, required, doc, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.OrganizationID, t.LinkedProjectID, string(t.PipelineStage),
		t.RequiredForStageCompletion, doc, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return "", model.NewStoreFailureError("insert task", err)
	}
	return t.ID, nil
}

// GetByID retrieves a task, scoped to the organization.
func (s *PgTaskStore) GetByID(ctx context.Context, scope model.Scope, id string) (model.Task, error) {
	if err := model.RequireScope(scope); err != nil {
		return model.Task{}, err
	}
	var doc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT doc FROM stageflow_tasks
		WHERE id = $1 AND organization_id = $2`,
		id, scope.OrganizationID,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, taskNotFound(id)
	}
	if err != nil {
		return model.Task{}, model.NewStoreFailureError("query task", err)
	}
	return decodeTask(doc)
}

// Query lists the project's tasks, oldest first.
func (s *PgTaskStore) Query(ctx context.Context, scope model.Scope, projectID string, filter model.TaskFilter) ([]model.Task, error) {
	if err := model.RequireScope(scope); err != nil {
		return nil, err
	}
	var stage *string
	if filter.Stage != nil {
		v := string(*filter.Stage)
		stage = &v
	}

	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM stageflow_tasks
		WHERE organization_id = $1 AND project_id = $2
		  AND ($3::text IS NULL OR pipeline_stage = $3)
		  AND (NOT $4 OR required)
		ORDER BY created_at, id`,
		scope.OrganizationID, projectID, stage, filter.RequiredOnly,
	)
	if err != nil {
		return nil, model.NewStoreFailureError("query tasks", err)
	}
	defer rows.Close()

	var tasks []model.Task
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, model.NewStoreFailureError("scan task", err)
		}
		t, err := decodeTask(doc)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreFailureError("iterate tasks", err)
	}
	return tasks, nil
}

// Update applies the patch inside a transaction holding a row lock.
func (s *PgTaskStore) Update(ctx context.Context, scope model.Scope, id string, patch model.TaskPatch) error {
	_, _, err := s.UpdateReturning(ctx, scope, id, patch)
	return err
}

// UpdateReturning applies the patch and returns the task before and after.
func (s *PgTaskStore) UpdateReturning(ctx context.Context, scope model.Scope, id string, patch model.TaskPatch) (model.Task, model.Task, error) {
	if err := model.RequireScope(scope); err != nil {
		return model.Task{}, model.Task{}, err
	}
	var before, after model.Task

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var doc []byte
		err := tx.QueryRow(ctx, `
			SELECT doc FROM stageflow_tasks
			WHERE id = $1 AND organization_id = $2
			FOR UPDATE`,
			id, scope.OrganizationID,
		).Scan(&doc)
		if errors.Is(err, pgx.ErrNoRows) {
			return taskNotFound(id)
		}
		if err != nil {
			return model.NewStoreFailureError("lock task", err)
		}

		if before, err = decodeTask(doc); err != nil {
			return err
		}
		after = before.Clone()
		after.Apply(patch, time.Now().UTC())

		updated, err := json.Marshal(after)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE stageflow_tasks SET doc = $1, updated_at = $2
			WHERE id = $3`,
			updated, after.UpdatedAt, id,
		); err != nil {
			return model.NewStoreFailureError("update task", err)
		}
		return nil
	})
	if err != nil {
		return model.Task{}, model.Task{}, err
	}
	return before, after, nil
}

// HealthCheck pings the pool.
func (s *PgTaskStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// PgProjectStore is a PostgreSQL-backed ProjectStore using pgx/v5.
type PgProjectStore struct {
	pool *pgxpool.Pool
}

// NewPgProjectStore creates a new PostgreSQL project store.
func NewPgProjectStore(pool *pgxpool.Pool) *PgProjectStore {
	return &PgProjectStore{pool: pool}
}

// Create inserts a new project.
func (s *PgProjectStore) Create(ctx context.Context, scope model.Scope, project model.Project) (string, error) {
	if err := model.RequireScope(scope); err != nil {
		return "", err
	}
	p := prepareProject(scope, project, time.Now().UTC())
	doc, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal project: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO stageflow_projects (id, organization_id, current_stage, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.OrganizationID, string(p.CurrentStage), doc, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return "", model.NewStoreFailureError("insert project", err)
	}
	return p.ID, nil
}

// GetByID retrieves a project, scoped to the organization.
func (s *PgProjectStore) GetByID(ctx context.Context, scope model.Scope, projectID string) (model.Project, error) {
	if err := model.RequireScope(scope); err != nil {
		return model.Project{}, err
	}
	var doc []byte
	err := s.pool.QueryRow(ctx, `
		SELECT doc FROM stageflow_projects
		WHERE id = $1 AND organization_id = $2`,
		projectID, scope.OrganizationID,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Project{}, projectNotFound(projectID)
	}
	if err != nil {
		return model.Project{}, model.NewStoreFailureError("query project", err)
	}
	return decodeProject(doc)
}

// Update applies the patch inside a transaction holding a row lock, so
// concurrent commits of the same stage collapse into one history entry.
func (s *PgProjectStore) Update(ctx context.Context, scope model.Scope, projectID string, patch model.ProjectPatch) error {
	if err := model.RequireScope(scope); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var doc []byte
		err := tx.QueryRow(ctx, `
			SELECT doc FROM stageflow_projects
			WHERE id = $1 AND organization_id = $2
			FOR UPDATE`,
			projectID, scope.OrganizationID,
		).Scan(&doc)
		if errors.Is(err, pgx.ErrNoRows) {
			return projectNotFound(projectID)
		}
		if err != nil {
			return model.NewStoreFailureError("lock project", err)
		}

		p, err := decodeProject(doc)
		if err != nil {
			return err
		}
		p.Apply(patch, time.Now().UTC())

		updated, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal project: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE stageflow_projects SET current_stage = $1, doc = $2, updated_at = $3
			WHERE id = $4`,
			string(p.CurrentStage), updated, p.UpdatedAt, projectID,
		); err != nil {
			return model.NewStoreFailureError("update project", err)
		}
		return nil
	})
}

// HealthCheck pings the pool.
func (s *PgProjectStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func decodeTask(doc []byte) (model.Task, error) {
	var t model.Task
	if err := json.Unmarshal(doc, &t); err != nil {
		return model.Task{}, fmt.Errorf("unmarshal task: %w", err)
	}
	return t, nil
}

func decodeProject(doc []byte) (model.Project, error) {
	var p model.Project
	if err := json.Unmarshal(doc, &p); err != nil {
		return model.Project{}, fmt.Errorf("unmarshal project: %w", err)
	}
	return p, nil
}
