// Package template creates stage tasks from the template catalog and reports
// whether a stage's requirements are met.
package template

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

// stageProgressWeight is the progress weight given to every task created on
// stage entry.
const stageProgressWeight = 3

// Catalog resolves template names. definition.Registry implements it.
type Catalog interface {
	Templates(names []string) []model.TaskTemplate
}

// Instantiator turns task templates into project tasks.
type Instantiator struct {
	catalog  Catalog
	tasks    store.TaskStore
	notifier notify.Notifier
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// Option configures an Instantiator.
type Option func(*Instantiator)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(i *Instantiator) { i.logger = l } }

// WithNotifier sets the notifier used for tasks_created notifications.
func WithNotifier(n notify.Notifier) Option { return func(i *Instantiator) { i.notifier = n } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option { return func(i *Instantiator) { i.metrics = m } }

// WithClock overrides the time source used for due dates.
func WithClock(now func() time.Time) Option { return func(i *Instantiator) { i.now = now } }

// NewInstantiator creates an Instantiator.
func NewInstantiator(catalog Catalog, tasks store.TaskStore, opts ...Option) *Instantiator {
	i := &Instantiator{
		catalog:  catalog,
		tasks:    tasks,
		notifier: notify.Noop{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// CreateStageTasks creates one task per template resolved from names in the
// given stage of the project. Unknown names resolve to nothing. Templates
// declared for another stage are skipped, as are templates that already have
// a task in the stage, so running the action twice creates nothing new. A
// failure to create one task is collected and the batch continues. Templates come back
// from the catalog in dependency order, so a template's prerequisites created
// in the same batch already have ids when it is reached.
func (i *Instantiator) CreateStageTasks(ctx context.Context, scope model.Scope, projectID string, stage model.PipelineStage, names []string) (created []string, errs []error) {
	if err := model.RequireScope(scope); err != nil {
		return nil, []error{err}
	}

	ctx, span := observability.StartSpan(ctx, "template.CreateStageTasks",
		observability.AttrOrganizationID.String(scope.OrganizationID),
		observability.AttrProjectID.String(projectID),
		observability.AttrToStage.String(string(stage)),
	)
	defer func() {
		var err error
		if len(errs) > 0 {
			err = errs[0]
		}
		observability.EndSpanWithError(span, err)
	}()

	templates := i.catalog.Templates(names)
	if len(templates) == 0 {
		return nil, nil
	}

	existing, err := i.tasks.Query(ctx, scope, projectID, model.TaskFilter{})
	if err != nil {
		return nil, []error{err}
	}

	// template id -> task, for linking dependencies
	byTemplate := make(map[string]model.Task)
	inStage := make(map[string]bool)
	for _, t := range existing {
		if t.StageContext != nil && t.StageContext.InheritedFromTemplate != "" {
			byTemplate[t.StageContext.InheritedFromTemplate] = t
			if t.PipelineStage == stage {
				inStage[t.StageContext.InheritedFromTemplate] = true
			}
		}
	}

	now := i.now()
	for _, tpl := range templates {
		if tpl.Stage != "" && tpl.Stage != stage {
			continue
		}
		if inStage[tpl.ID] {
			continue
		}
		task := i.taskFromTemplate(tpl, projectID, stage, now)

		blocked := false
		for _, depID := range tpl.DependencyTemplates {
			dep, ok := byTemplate[depID]
			if !ok {
				continue
			}
			task.DependsOnTaskIDs = append(task.DependsOnTaskIDs, dep.ID)
			if !dep.IsCompleted() {
				blocked = true
			}
		}
		if blocked {
			task.Status = model.TaskStatusBlocked
		}

		id, err := i.tasks.Create(ctx, scope, task)
		if err != nil {
			errs = append(errs, fmt.Errorf("create task from template %s: %w", tpl.ID, err))
			i.logger.Warn("creating task from template failed",
				zap.String("project_id", projectID),
				zap.String("template_id", tpl.ID),
				zap.Error(err),
			)
			continue
		}
		task.ID = id
		byTemplate[tpl.ID] = task
		created = append(created, id)
	}

	if len(created) > 0 {
		i.metrics.RecordTasksCreated(string(stage), len(created))
		i.notifier.Notify(ctx, model.Notification{
			Kind:           model.NotificationTasksCreated,
			OrganizationID: scope.OrganizationID,
			ProjectID:      projectID,
			Message:        fmt.Sprintf("%d tasks created for stage %s", len(created), stage),
			CreatedAt:      now,
		})
	}
	return created, errs
}

func (i *Instantiator) taskFromTemplate(tpl model.TaskTemplate, projectID string, stage model.PipelineStage, now time.Time) model.Task {
	task := model.Task{
		Title:                      tpl.Title,
		Description:                tpl.Description,
		Category:                   tpl.Category,
		Status:                     model.TaskStatusPending,
		Priority:                   tpl.Priority,
		LinkedProjectID:            projectID,
		PipelineStage:              stage,
		RequiredForStageCompletion: tpl.RequiredForStageCompletion,
		StageContext: &model.StageContext{
			CreatedOnStageEntry:   true,
			InheritedFromTemplate: tpl.ID,
			StageProgressWeight:   stageProgressWeight,
			CriticalPath:          tpl.RequiredForStageCompletion,
		},
	}
	if tpl.DaysAfterStageEntry > 0 {
		task.DeadlineRules = &model.DeadlineRules{
			RelativeToPipelineStage: true,
			DaysAfterStageEntry:     tpl.DaysAfterStageEntry,
		}
		due := DueDate(now, tpl.DaysAfterStageEntry)
		task.DueDate = &due
	}
	return task
}

// DueDate returns the due date of a task that is due days after stage entry.
func DueDate(entered time.Time, days int) time.Time {
	return entered.AddDate(0, 0, days)
}

// CheckStageCompletionRequirements evaluates whether the stage can be left.
// Critical tasks are those required for stage completion; blocking tasks are
// open tasks flagged BlocksStageTransition. The completion percentage is 100
// when the stage has no critical tasks.
func (i *Instantiator) CheckStageCompletionRequirements(ctx context.Context, scope model.Scope, projectID string, stage model.PipelineStage) (model.StageCompletionCheck, error) {
	if err := model.RequireScope(scope); err != nil {
		return model.StageCompletionCheck{}, err
	}
	tasks, err := i.tasks.Query(ctx, scope, projectID, model.ForStage(stage))
	if err != nil {
		return model.StageCompletionCheck{}, err
	}
	return EvaluateStageCompletion(stage, tasks), nil
}

// EvaluateStageCompletion is the pure form of CheckStageCompletionRequirements.
// Tasks outside the stage are ignored.
func EvaluateStageCompletion(stage model.PipelineStage, tasks []model.Task) model.StageCompletionCheck {
	check := model.StageCompletionCheck{
		Stage:                  stage,
		MissingCriticalTaskIDs: []string{},
		BlockingTaskIDs:        []string{},
	}

	critical, criticalDone := 0, 0
	for _, t := range tasks {
		if t.PipelineStage != stage {
			continue
		}
		if t.RequiredForStageCompletion {
			critical++
			if t.IsCompleted() {
				criticalDone++
			} else {
				check.MissingCriticalTaskIDs = append(check.MissingCriticalTaskIDs, t.ID)
			}
		}
		if t.BlocksStageTransition && !t.IsCompleted() {
			check.BlockingTaskIDs = append(check.BlockingTaskIDs, t.ID)
		}
	}

	check.CompletionPercentage = 100
	if critical > 0 {
		check.CompletionPercentage = float64(criticalDone) / float64(critical) * 100
	}
	check.CanComplete = len(check.MissingCriticalTaskIDs) == 0
	check.ReadyForTransition = check.CompletionPercentage == 100 && len(check.BlockingTaskIDs) == 0
	return check
}
