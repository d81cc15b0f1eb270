package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pitabwire/stageflow/model"
)

// sqliteTime sorts lexically in chronological order for UTC timestamps.
const sqliteTime = "2006-01-02T15:04:05.000000000Z07:00"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS stageflow_projects (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		current_stage   TEXT NOT NULL,
		doc             TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stageflow_tasks (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		project_id      TEXT NOT NULL DEFAULT '',
		pipeline_stage  TEXT NOT NULL DEFAULT '',
		required        INTEGER NOT NULL DEFAULT 0,
		doc             TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS stageflow_tasks_project_idx
		ON stageflow_tasks (organization_id, project_id, pipeline_stage)`,
}

// OpenSQLite opens (or creates) a SQLite database and applies the schema. The
// pool is limited to one connection: writes are serialized and ":memory:"
// databases stay shared.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply schema: %w", err)
		}
	}
	return db, nil
}

// SQLiteTaskStore is a TaskStore backed by modernc.org/sqlite.
type SQLiteTaskStore struct {
	db *sql.DB
}

// NewSQLiteTaskStore creates a task store over a database opened by OpenSQLite.
func NewSQLiteTaskStore(db *sql.DB) *SQLiteTaskStore {
	return &SQLiteTaskStore{db: db}
}

// Create inserts a new task.
func (s *SQLiteTaskStore) Create(ctx context.Context, scope model.Scope, task model.Task) (string, error) {
	if err := model.RequireScope(scope); err != nil {
		return "", err
	}
	t := prepareTask(scope, task, time.Now().UTC())
	doc, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal task: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stageflow_tasks (
			id, organization_id, project_id, pipeline_stage, required, doc, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OrganizationID, t.LinkedProjectID, string(t.PipelineStage),
		boolToInt(t.RequiredForStageCompletion), string(doc),
		t.CreatedAt.Format(sqliteTime), t.UpdatedAt.Format(sqliteTime),
	)
	if err != nil {
		return "", model.NewStoreFailureError("insert task", err)
	}
	return t.ID, nil
}

// GetByID retrieves a task, scoped to the organization.
func (s *SQLiteTaskStore) GetByID(ctx context.Context, scope model.Scope, id string) (model.Task, error) {
	if err := model.RequireScope(scope); err != nil {
		return model.Task{}, err
	}
	return s.getTask(ctx, s.db, scope, id)
}

// Query lists the project's tasks, oldest first.
func (s *SQLiteTaskStore) Query(ctx context.Context, scope model.Scope, projectID string, filter model.TaskFilter) ([]model.Task, error) {
	if err := model.RequireScope(scope); err != nil {
		return nil, err
	}
	stage := ""
	if filter.Stage != nil {
		stage = string(*filter.Stage)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM stageflow_tasks
		WHERE organization_id = ? AND project_id = ?
		  AND (? = '' OR pipeline_stage = ?)
		  AND (? = 0 OR required = 1)
		ORDER BY created_at, id`,
		scope.OrganizationID, projectID, stage, stage, boolToInt(filter.RequiredOnly),
	)
	if err != nil {
		return nil, model.NewStoreFailureError("query tasks", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []model.Task
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, model.NewStoreFailureError("scan task", err)
		}
		t, err := decodeTask([]byte(doc))
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

// Update applies the patch in a transaction.
func (s *SQLiteTaskStore) Update(ctx context.Context, scope model.Scope, id string, patch model.TaskPatch) error {
	_, _, err := s.UpdateReturning(ctx, scope, id, patch)
	return err
}

// UpdateReturning applies the patch and returns the task before and after.
func (s *SQLiteTaskStore) UpdateReturning(ctx context.Context, scope model.Scope, id string, patch model.TaskPatch) (model.Task, model.Task, error) {
	if err := model.RequireScope(scope); err != nil {
		return model.Task{}, model.Task{}, err
	}
	var before, after model.Task
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		var err error
		if before, err = s.getTask(ctx, tx, scope, id); err != nil {
			return err
		}
		after = before.Clone()
		after.Apply(patch, time.Now().UTC())
		doc, err := json.Marshal(after)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE stageflow_tasks SET doc = ?, updated_at = ? WHERE id = ?`,
			string(doc), after.UpdatedAt.Format(sqliteTime), id,
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

// HealthCheck pings the database.
func (s *SQLiteTaskStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteTaskStore) getTask(ctx context.Context, q rowQuerier, scope model.Scope, id string) (model.Task, error) {
	var doc string
	err := q.QueryRowContext(ctx,
		`SELECT doc FROM stageflow_tasks WHERE id = ? AND organization_id = ?`,
		id, scope.OrganizationID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, taskNotFound(id)
	}
	if err != nil {
		return model.Task{}, model.NewStoreFailureError("query task", err)
	}
	return decodeTask([]byte(doc))
}

// SQLiteProjectStore is a ProjectStore backed by modernc.org/sqlite.
type SQLiteProjectStore struct {
	db *sql.DB
}

// NewSQLiteProjectStore creates a project store over a database opened by OpenSQLite.
func NewSQLiteProjectStore(db *sql.DB) *SQLiteProjectStore {
	return &SQLiteProjectStore{db: db}
}

// Create inserts a new project.
func (s *SQLiteProjectStore) Create(ctx context.Context, scope model.Scope, project model.Project) (string, error) {
	if err := model.RequireScope(scope); err != nil {
		return "", err
	}
	p := prepareProject(scope, project, time.Now().UTC())
	doc, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal project: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stageflow_projects (id, organization_id, current_stage, doc, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrganizationID, string(p.CurrentStage), string(doc),
		p.CreatedAt.Format(sqliteTime), p.UpdatedAt.Format(sqliteTime),
	)
	if err != nil {
		return "", model.NewStoreFailureError("insert project", err)
	}
	return p.ID, nil
}

// GetByID retrieves a project, scoped to the organization.
func (s *SQLiteProjectStore) GetByID(ctx context.Context, scope model.Scope, projectID string) (model.Project, error) {
	if err := model.RequireScope(scope); err != nil {
		return model.Project{}, err
	}
	return s.getProject(ctx, s.db, scope, projectID)
}

// Update applies the patch in a transaction.
func (s *SQLiteProjectStore) Update(ctx context.Context, scope model.Scope, projectID string, patch model.ProjectPatch) error {
	if err := model.RequireScope(scope); err != nil {
		return err
	}
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		p, err := s.getProject(ctx, tx, scope, projectID)
		if err != nil {
			return err
		}
		p.Apply(patch, time.Now().UTC())
		doc, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("marshal project: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE stageflow_projects SET current_stage = ?, doc = ?, updated_at = ? WHERE id = ?`,
			string(p.CurrentStage), string(doc), p.UpdatedAt.Format(sqliteTime), projectID,
		); err != nil {
			return model.NewStoreFailureError("update project", err)
		}
		return nil
	})
}

// HealthCheck pings the database.
func (s *SQLiteProjectStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteProjectStore) getProject(ctx context.Context, q rowQuerier, scope model.Scope, projectID string) (model.Project, error) {
	var doc string
	err := q.QueryRowContext(ctx,
		`SELECT doc FROM stageflow_projects WHERE id = ? AND organization_id = ?`,
		projectID, scope.OrganizationID,
	).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Project{}, projectNotFound(projectID)
	}
	if err != nil {
		return model.Project{}, model.NewStoreFailureError("query project", err)
	}
	return decodeProject([]byte(doc))
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return model.NewStoreFailureError("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return model.NewStoreFailureError("commit transaction", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
