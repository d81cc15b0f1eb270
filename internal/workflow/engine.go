// Package workflow moves projects through the pipeline stages. It validates
// transitions against the definition table, runs their side effects, commits
// the new stage and reacts to task completions on the change feed.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/events"
	"github.com/pitabwire/stageflow/internal/notify"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/internal/store"
	"github.com/pitabwire/stageflow/model"
)

// RollbackMode selects how Rollback treats the stage history.
type RollbackMode string

// Rollback modes.
const (
	// RollbackAppend keeps the history and appends a rollback entry.
	RollbackAppend RollbackMode = "append"
	// RollbackClearHistory erases the history.
	RollbackClearHistory RollbackMode = "clear_history"
)

// Definitions looks up the rules for a stage pair. definition.Registry
// implements it.
type Definitions interface {
	Workflow(from, to model.PipelineStage) model.StageTransitionWorkflow
}

// DependencyResolver unblocks tasks waiting on a completed task.
type DependencyResolver interface {
	OnTaskCompleted(ctx context.Context, scope model.Scope, taskID string) ([]string, error)
}

// Instantiator creates stage tasks from templates and evaluates stage
// completion.
type Instantiator interface {
	CreateStageTasks(ctx context.Context, scope model.Scope, projectID string, stage model.PipelineStage, names []string) ([]string, []error)
	CheckStageCompletionRequirements(ctx context.Context, scope model.Scope, projectID string, stage model.PipelineStage) (model.StageCompletionCheck, error)
}

// ProgressRefresher recalculates and stores project progress.
type ProgressRefresher interface {
	Refresh(ctx context.Context, scope model.Scope, projectID string) (model.ProjectProgress, error)
}

// Engine manages stage transitions of projects.
type Engine struct {
	registry     Definitions
	tasks        store.TaskStore
	projects     store.ProjectStore
	resolver     DependencyResolver
	instantiator Instantiator
	progress     ProgressRefresher
	feed         events.Source
	notifier     notify.Notifier
	metrics      *observability.Metrics
	logger       *zap.Logger
	now          func() time.Time
	rollbackMode RollbackMode

	// afterBatch is called once a listener has processed a batch. Tests only.
	afterBatch func(model.TaskChangeBatch)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithNotifier sets the notifier used for stage notifications.
func WithNotifier(n notify.Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithRollbackMode sets how Rollback treats stage history.
func WithRollbackMode(m RollbackMode) Option { return func(e *Engine) { e.rollbackMode = m } }

// WithChangeFeed sets the source realtime listeners subscribe to.
func WithChangeFeed(src events.Source) Option { return func(e *Engine) { e.feed = src } }

// NewEngine creates a new stage transition engine.
func NewEngine(
	registry Definitions,
	tasks store.TaskStore,
	projects store.ProjectStore,
	resolver DependencyResolver,
	instantiator Instantiator,
	progress ProgressRefresher,
	opts ...Option,
) *Engine {
	e := &Engine{
		registry:     registry,
		tasks:        tasks,
		projects:     projects,
		resolver:     resolver,
		instantiator: instantiator,
		progress:     progress,
		notifier:     notify.Noop{},
		logger:       zap.NewNop(),
		now:          time.Now,
		rollbackMode: RollbackAppend,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AttemptTransition moves the project to the given stage.
//
// A transition whose requirements are not met is rejected unless force is
// set; the rejection is a result, not an error. Action failures after
// validation become warnings and the stage is still committed. A store
// failure or panic before the commit completes leaves the stage unchanged,
// records an integrity issue and is returned as an error together with a
// failed result.
func (e *Engine) AttemptTransition(ctx context.Context, scope model.Scope, projectID string, to model.PipelineStage, force bool) (result model.TransitionResult, err error) {
	if err := model.RequireScope(scope); err != nil {
		return model.TransitionResult{}, err
	}
	if !to.Valid() {
		return model.TransitionResult{}, model.NewBadRequestError(fmt.Sprintf("unknown pipeline stage %q", to))
	}

	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "workflow.AttemptTransition",
		observability.AttrOrganizationID.String(scope.OrganizationID),
		observability.AttrProjectID.String(projectID),
		observability.AttrToStage.String(string(to)),
		observability.AttrForce.Bool(force),
	)
	defer func() {
		if result.Outcome != "" {
			span.SetAttributes(observability.AttrOutcome.String(string(result.Outcome)))
		}
		observability.EndSpanWithError(span, err)
	}()

	// 1. Load the project. Nothing is mutated when it is missing.
	project, err := e.projects.GetByID(ctx, scope, projectID)
	if err != nil {
		return model.TransitionResult{}, err
	}
	from := project.CurrentStage
	span.SetAttributes(observability.AttrFromStage.String(string(from)))

	result = model.TransitionResult{
		FromStage:      from,
		NewStage:       from,
		CreatedTaskIDs: []string{},
		UpdatedTaskIDs: []string{},
		Notifications:  []model.Notification{},
		Errors:         []string{},
		Warnings:       []string{},
	}
	defer func() {
		e.metrics.RecordTransition(string(from), string(to), string(result.Outcome), time.Since(start))
	}()

	logger := observability.RequestLogger(ctx, e.logger).With(
		zap.String("project_id", projectID),
		zap.String("from_stage", string(from)),
		zap.String("to_stage", string(to)),
	)

	// 2. Validate, execute and commit. Any error or panic here is a failure.
	if err := recoverPanic(func() error {
		return e.transition(ctx, scope, project, to, force, &result, logger)
	}); err != nil {
		return e.fail(ctx, scope, project, to, result, err, logger)
	}
	if result.Outcome == model.OutcomeRejected {
		logger.Info("stage transition rejected", zap.Strings("issues", result.Errors))
		return result, nil
	}

	// 3. Post-transition work only produces warnings.
	e.afterCommit(ctx, scope, project, to, &result, logger)

	logger.Info("stage transition committed",
		zap.Bool("force", force),
		zap.Int("created_tasks", len(result.CreatedTaskIDs)),
		zap.Int("warnings", len(result.Warnings)),
	)
	return result, nil
}

func (e *Engine) transition(ctx context.Context, scope model.Scope, project model.Project, to model.PipelineStage, force bool, result *model.TransitionResult, logger *zap.Logger) error {
	from := project.CurrentStage
	wf := e.registry.Workflow(from, to)

	// Validate against fresh task state.
	issues, err := e.Validate(ctx, scope, project.ID, wf)
	if err != nil {
		return err
	}
	if len(issues) > 0 {
		if !force {
			result.Outcome = model.OutcomeRejected
			result.Errors = issues
			return nil
		}
		logger.Warn("forcing stage transition past failed requirements", zap.Strings("issues", issues))
		for _, issue := range issues {
			result.Warnings = append(result.Warnings, "forced: "+issue)
		}
	}

	// Execute actions in order. Failures are warnings.
	for _, action := range wf.OnTransition {
		e.execute(ctx, scope, project, to, action, result, logger)
	}

	// Commit.
	entry := model.StageHistoryEntry{
		Stage:       to,
		EnteredAt:   e.now(),
		TriggeredBy: scope.Trigger(),
		TriggerUser: scope.UserID,
	}
	if err := e.projects.Update(ctx, scope, project.ID, model.ProjectPatch{
		CurrentStage:       &to,
		AppendStageHistory: &entry,
	}); err != nil {
		return err
	}

	result.Success = true
	result.Outcome = model.OutcomeTransitioned
	result.NewStage = to
	return nil
}

// Validate evaluates the required tasks and validation checks of wf against
// the project's current tasks and returns the issues found.
func (e *Engine) Validate(ctx context.Context, scope model.Scope, projectID string, wf model.StageTransitionWorkflow) ([]string, error) {
	if len(wf.RequiredTasks) == 0 && len(wf.ValidationChecks) == 0 {
		return nil, nil
	}
	tasks, err := e.tasks.Query(ctx, scope, projectID, model.TaskFilter{})
	if err != nil {
		return nil, err
	}

	var issues []string
	for _, title := range wf.RequiredTasks {
		if !hasCompletedTask(tasks, func(t model.Task) bool { return t.Title == title }) {
			issues = append(issues, fmt.Sprintf("Required task %q is not completed", title))
		}
	}
	for _, check := range wf.ValidationChecks {
		if e.evaluate(check, wf.Pair.From, tasks) {
			continue
		}
		msg := check.Message
		if msg == "" {
			msg = check.Rule
		}
		issues = append(issues, msg)
	}
	return issues, nil
}

func (e *Engine) evaluate(check model.ValidationCheck, from model.PipelineStage, tasks []model.Task) bool {
	switch check.Kind {
	case model.CheckCompletedTaskTitleContains:
		return hasCompletedTask(tasks, func(t model.Task) bool {
			return strings.Contains(t.Title, check.Marker)
		})
	case model.CheckAllRequiredTasksCompleted:
		for _, t := range tasks {
			if t.PipelineStage == from && t.RequiredForStageCompletion && !t.IsCompleted() {
				return false
			}
		}
		return true
	case model.CheckNoBlockingTasks:
		for _, t := range tasks {
			if t.PipelineStage == from && t.BlocksStageTransition && !t.IsCompleted() {
				return false
			}
		}
		return true
	case model.CheckAlways:
		return true
	default:
		e.logger.Debug("unknown validation check kind passes",
			zap.String("check_id", check.ID),
			zap.String("kind", check.Kind),
		)
		return true
	}
}

func hasCompletedTask(tasks []model.Task, match func(model.Task) bool) bool {
	for _, t := range tasks {
		if t.IsCompleted() && match(t) {
			return true
		}
	}
	return false
}

func (e *Engine) execute(ctx context.Context, scope model.Scope, project model.Project, to model.PipelineStage, action model.TransitionAction, result *model.TransitionResult, logger *zap.Logger) {
	actionFailed := func(err error) {
		e.metrics.RecordActionFailure(action.ActionType())
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s: %v", model.ErrActionFailure, action.ActionType(), err))
		logger.Warn("transition action failed", zap.String("action", action.ActionType()), zap.Error(err))
	}

	switch a := action.(type) {
	case model.AutoCompleteTasks:
		ids, errs := e.autoComplete(ctx, scope, project.ID, project.CurrentStage)
		result.UpdatedTaskIDs = appendUnique(result.UpdatedTaskIDs, ids...)
		for _, err := range errs {
			actionFailed(err)
		}

	case model.CreateStageTasks:
		ids, errs := e.instantiator.CreateStageTasks(ctx, scope, project.ID, to, a.Templates)
		result.CreatedTaskIDs = appendUnique(result.CreatedTaskIDs, ids...)
		for _, err := range errs {
			actionFailed(err)
		}

	case model.UpdateDeadlines:
		stage := to
		if a.Stage != nil {
			stage = *a.Stage
		}
		ids, err := e.ScheduleStageDeadlines(ctx, scope, project.ID, stage)
		result.UpdatedTaskIDs = appendUnique(result.UpdatedTaskIDs, ids...)
		if err != nil {
			actionFailed(err)
		}

	case model.UnknownAction:
		e.metrics.RecordActionFailure(a.Type)
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s", model.ErrUnknownAction, a.Type))
		logger.Warn("skipping unknown transition action", zap.String("action", a.Type))
	}
}

// autoComplete completes the open tasks of stage flagged
// AutoCompleteOnStageChange and unblocks their dependents directly, so the
// result does not depend on a realtime listener running for the project.
// Returned ids cover both completed and unblocked tasks.
func (e *Engine) autoComplete(ctx context.Context, scope model.Scope, projectID string, stage model.PipelineStage) ([]string, []error) {
	tasks, err := e.tasks.Query(ctx, scope, projectID, model.ForStage(stage))
	if err != nil {
		return nil, []error{err}
	}
	var ids []string
	var errs []error
	for _, t := range tasks {
		if t.IsCompleted() || !t.AutoCompleteOnStageChange {
			continue
		}
		if err := e.tasks.Update(ctx, scope, t.ID, model.StatusPatch(model.TaskStatusCompleted)); err != nil {
			errs = append(errs, fmt.Errorf("complete task %s: %w", t.ID, err))
			continue
		}
		ids = append(ids, t.ID)

		unblocked, err := e.resolver.OnTaskCompleted(ctx, scope, t.ID)
		ids = append(ids, unblocked...)
		if err != nil {
			errs = append(errs, fmt.Errorf("unblock dependents of %s: %w", t.ID, err))
		}
	}
	return ids, errs
}

func (e *Engine) afterCommit(ctx context.Context, scope model.Scope, project model.Project, to model.PipelineStage, result *model.TransitionResult, logger *zap.Logger) {
	if _, err := e.progress.Refresh(ctx, scope, project.ID); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("progress refresh failed: %v", err))
		logger.Warn("progress refresh after transition failed", zap.Error(err))
	}

	ids, err := e.ScheduleStageDeadlines(ctx, scope, project.ID, to)
	result.UpdatedTaskIDs = appendUnique(result.UpdatedTaskIDs, ids...)
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("deadline scheduling failed: %v", err))
		logger.Warn("deadline scheduling after transition failed", zap.Error(err))
	}

	n := model.Notification{
		Kind:           model.NotificationStageTransitioned,
		OrganizationID: scope.OrganizationID,
		ProjectID:      project.ID,
		Message:        fmt.Sprintf("Project %q moved from %s to %s", project.Name, project.CurrentStage, to),
		CreatedAt:      e.now(),
	}
	e.notifier.Notify(ctx, n)
	result.Notifications = append(result.Notifications, n)
}

// fail turns a transition error into a failed result and records the
// integrity issue on the project. Warnings collected before the failure are
// dropped: a failed result only carries errors.
func (e *Engine) fail(ctx context.Context, scope model.Scope, project model.Project, to model.PipelineStage, result model.TransitionResult, cause error, logger *zap.Logger) (model.TransitionResult, error) {
	msg := errorMessage(cause)

	result.Success = false
	result.Outcome = model.OutcomeFailed
	result.NewStage = project.CurrentStage
	result.Errors = []string{msg}
	result.Warnings = []string{}

	issue := fmt.Sprintf("Transition error %s->%s: %s", project.CurrentStage, to, msg)
	if err := e.projects.Update(ctx, scope, project.ID, model.ProjectPatch{
		AppendIntegrityIssues: []string{issue},
	}); err != nil {
		logger.Error("recording transition failure failed", zap.Error(err))
	}
	logger.Error("stage transition failed", zap.Error(cause))

	var env *model.ErrorEnvelope
	if !errors.As(cause, &env) {
		cause = model.NewStoreFailureError("stage transition", cause)
	}
	return result, cause
}

// Rollback sets the project back to target. It bypasses validation and runs
// no transition actions. In RollbackAppend mode a rollback entry is appended
// to the history; in RollbackClearHistory mode the history is erased.
func (e *Engine) Rollback(ctx context.Context, scope model.Scope, projectID string, target model.PipelineStage) (err error) {
	if err := model.RequireScope(scope); err != nil {
		return err
	}
	if !target.Valid() {
		return model.NewBadRequestError(fmt.Sprintf("unknown pipeline stage %q", target))
	}

	ctx, span := observability.StartSpan(ctx, "workflow.Rollback",
		observability.AttrOrganizationID.String(scope.OrganizationID),
		observability.AttrProjectID.String(projectID),
		observability.AttrToStage.String(string(target)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	project, err := e.projects.GetByID(ctx, scope, projectID)
	if err != nil {
		return err
	}

	now := e.now()
	patch := model.ProjectPatch{
		CurrentStage:          &target,
		AppendIntegrityIssues: []string{fmt.Sprintf("Rollback to %s performed", target)},
		LastIntegrityCheck:    &now,
	}
	switch e.rollbackMode {
	case RollbackClearHistory:
		patch.ClearStageHistory = true
	default:
		patch.AppendStageHistory = &model.StageHistoryEntry{
			Stage:       target,
			EnteredAt:   now,
			TriggeredBy: model.TriggerRollback,
			TriggerUser: scope.UserID,
		}
	}
	if err := e.projects.Update(ctx, scope, projectID, patch); err != nil {
		return err
	}

	e.notifier.Notify(ctx, model.Notification{
		Kind:           model.NotificationRollback,
		OrganizationID: scope.OrganizationID,
		ProjectID:      projectID,
		Message:        fmt.Sprintf("Project %q rolled back from %s to %s", project.Name, project.CurrentStage, target),
		CreatedAt:      now,
	})
	observability.RequestLogger(ctx, e.logger).Info("stage rollback performed",
		zap.String("project_id", projectID),
		zap.String("from_stage", string(project.CurrentStage)),
		zap.String("to_stage", string(target)),
		zap.String("mode", string(e.rollbackMode)),
	)
	return nil
}

// ScheduleStageDeadlines sets the due date of every stage-relative task of
// the stage to now plus its configured days. It returns the updated ids. On
// error the ids updated so far are returned with it.
func (e *Engine) ScheduleStageDeadlines(ctx context.Context, scope model.Scope, projectID string, stage model.PipelineStage) ([]string, error) {
	if err := model.RequireScope(scope); err != nil {
		return nil, err
	}
	tasks, err := e.tasks.Query(ctx, scope, projectID, model.ForStage(stage))
	if err != nil {
		return nil, err
	}

	now := e.now()
	var updated []string
	for _, t := range tasks {
		if t.DeadlineRules == nil || !t.DeadlineRules.RelativeToPipelineStage {
			continue
		}
		due := now.AddDate(0, 0, t.DeadlineRules.DaysAfterStageEntry)
		if err := e.tasks.Update(ctx, scope, t.ID, model.TaskPatch{DueDate: &due}); err != nil {
			return updated, fmt.Errorf("update due date of task %s: %w", t.ID, err)
		}
		updated = append(updated, t.ID)
	}
	return updated, nil
}

// recoverPanic runs fn and converts a panic into an INTERNAL_ERROR.
func recoverPanic(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			env := model.NewInternalError()
			env.Message = fmt.Sprintf("panic: %v", r)
			err = env
		}
	}()
	return fn()
}

func errorMessage(err error) string {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return env.Message
	}
	return err.Error()
}

func appendUnique(dst []string, ids ...string) []string {
	for _, id := range ids {
		dup := false
		for _, have := range dst {
			if have == id {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, id)
		}
	}
	return dst
}
