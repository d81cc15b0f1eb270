// Package progress computes weighted project completion and records
// progress milestones.
package progress

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/notify"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/internal/store"
	"github.com/pitabwire/stageflow/model"
)

// epsilon absorbs floating point error when comparing against thresholds.
const epsilon = 1e-9

// Compute derives a ProjectProgress from the project's tasks. It is pure:
// LastUpdated and Milestones are left for the caller. Zero tasks yield
// all-zero progress.
func Compute(tasks []model.Task) model.ProjectProgress {
	stages := model.AllStages()
	total := make(map[model.PipelineStage]int, len(stages))
	done := make(map[model.PipelineStage]int, len(stages))

	completed, critical := 0, 0
	for _, t := range tasks {
		total[t.PipelineStage]++
		if t.IsCompleted() {
			done[t.PipelineStage]++
			completed++
		} else if t.RequiredForStageCompletion {
			critical++
		}
	}

	p := model.ProjectProgress{
		StageProgress:          make(map[model.PipelineStage]float64, len(stages)),
		CriticalTasksRemaining: critical,
	}

	var weighted, weights float64
	for _, s := range stages {
		pct := 0.0
		if total[s] > 0 {
			pct = float64(done[s]) / float64(total[s]) * 100
		}
		p.StageProgress[s] = pct
		weighted += pct / 100 * s.Weight()
		weights += s.Weight()
	}
	if weights > 0 {
		p.OverallPercent = math.Min(100, math.Max(0, weighted/weights*100))
	}
	if len(tasks) > 0 {
		p.TaskCompletion = float64(completed) / float64(len(tasks)) * 100
	}
	return p
}

// Calculator loads project tasks and keeps the stored progress current.
type Calculator struct {
	tasks    store.TaskStore
	projects store.ProjectStore
	notifier notify.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures a Calculator.
type Option func(*Calculator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Calculator) { c.logger = l } }

// WithNotifier sets the notifier used for milestone notifications.
func WithNotifier(n notify.Notifier) Option { return func(c *Calculator) { c.notifier = n } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option { return func(c *Calculator) { c.metrics = m } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(c *Calculator) { c.now = now } }

// NewCalculator creates a Calculator.
func NewCalculator(tasks store.TaskStore, projects store.ProjectStore, opts ...Option) *Calculator {
	c := &Calculator{
		tasks:    tasks,
		projects: projects,
		notifier: notify.Noop{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CalculateProjectProgress computes progress without persisting it. A
// missing project is NOT_FOUND.
func (c *Calculator) CalculateProjectProgress(ctx context.Context, scope model.Scope, projectID string) (model.ProjectProgress, error) {
	if err := model.RequireScope(scope); err != nil {
		return model.ProjectProgress{}, err
	}
	if _, err := c.projects.GetByID(ctx, scope, projectID); err != nil {
		return model.ProjectProgress{}, err
	}
	return c.calculate(ctx, scope, projectID)
}

func (c *Calculator) calculate(ctx context.Context, scope model.Scope, projectID string) (model.ProjectProgress, error) {
	tasks, err := c.tasks.Query(ctx, scope, projectID, model.TaskFilter{})
	if err != nil {
		return model.ProjectProgress{}, err
	}
	p := Compute(tasks)
	p.LastUpdated = c.now()
	return p, nil
}

// Refresh recalculates progress, records newly reached milestones and stores
// the result on the project. A progress_milestone notification is sent the
// first time each milestone is reached.
func (c *Calculator) Refresh(ctx context.Context, scope model.Scope, projectID string) (progress model.ProjectProgress, err error) {
	if err := model.RequireScope(scope); err != nil {
		return model.ProjectProgress{}, err
	}

	ctx, span := observability.StartSpan(ctx, "progress.Refresh",
		observability.AttrOrganizationID.String(scope.OrganizationID),
		observability.AttrProjectID.String(projectID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	project, err := c.projects.GetByID(ctx, scope, projectID)
	if err != nil {
		return model.ProjectProgress{}, err
	}
	progress, err = c.calculate(ctx, scope, projectID)
	if err != nil {
		return model.ProjectProgress{}, err
	}

	progress.Milestones = append([]model.Milestone(nil), project.Progress.Milestones...)
	var reached []int
	for _, threshold := range model.MilestoneThresholds {
		if progress.OverallPercent+epsilon < float64(threshold) || project.Progress.HasMilestone(threshold) {
			continue
		}
		progress.Milestones = append(progress.Milestones, model.Milestone{
			Percent:          threshold,
			AchievedAt:       progress.LastUpdated,
			NotificationSent: true,
		})
		reached = append(reached, threshold)
	}

	if err := c.projects.Update(ctx, scope, projectID, model.ProjectPatch{Progress: &progress}); err != nil {
		return model.ProjectProgress{}, err
	}
	c.metrics.ObserveProgress(progress.OverallPercent)

	for _, threshold := range reached {
		c.notifier.Notify(ctx, model.Notification{
			Kind:           model.NotificationProgressMilestone,
			OrganizationID: scope.OrganizationID,
			ProjectID:      projectID,
			Message:        fmt.Sprintf("Project %q reached %d%% completion", project.Name, threshold),
			CreatedAt:      progress.LastUpdated,
		})
		c.logger.Info("progress milestone reached",
			zap.String("project_id", projectID),
			zap.Int("percent", threshold),
		)
	}
	return progress, nil
}
