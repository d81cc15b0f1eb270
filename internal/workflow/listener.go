package workflow

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/model"
)

// batchQueue is an unbounded FIFO of change batches. push never blocks, so a
// publisher is never held up by a slow listener, and a listener may publish
// into its own feed while processing.
type batchQueue struct {
	mu    sync.Mutex
	items []model.TaskChangeBatch
	wake  chan struct{}
}

func newBatchQueue() *batchQueue {
	return &batchQueue{wake: make(chan struct{}, 1)}
}

func (q *batchQueue) push(b model.TaskChangeBatch) {
	q.mu.Lock()
	q.items = append(q.items, b)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *batchQueue) drain() []model.TaskChangeBatch {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// SetupRealtimeListener subscribes to the project's task change feed and
// processes the batches on a dedicated goroutine in arrival order. For each
// task that became completed it may trigger an automatic transition and
// unblocks the tasks waiting on it; progress is refreshed after every batch.
// The listener runs until the returned cancel func is called or ctx is done.
func (e *Engine) SetupRealtimeListener(ctx context.Context, scope model.Scope, projectID string) (cancel func(), err error) {
	if err := model.RequireScope(scope); err != nil {
		return nil, err
	}
	if e.feed == nil {
		env := model.NewInternalError()
		env.Message = "no task change feed configured"
		return nil, env
	}
	if _, err := e.projects.GetByID(ctx, scope, projectID); err != nil {
		return nil, err
	}

	runCtx, stop := context.WithCancel(ctx)
	queue := newBatchQueue()
	sub, err := e.feed.Subscribe(runCtx, scope.OrganizationID, projectID, queue.push)
	if err != nil {
		stop()
		return nil, fmt.Errorf("subscribe to task changes: %w", err)
	}

	sys := scope.System()
	logger := e.logger.With(
		zap.String("organization_id", scope.OrganizationID),
		zap.String("project_id", projectID),
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-queue.wake:
			}
			for _, batch := range queue.drain() {
				if runCtx.Err() != nil {
					return
				}
				e.processBatch(runCtx, sys, projectID, batch, logger)
			}
		}
	}()

	e.metrics.ListenerStarted()
	logger.Info("realtime listener started")

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				logger.Warn("unsubscribing task changes failed", zap.Error(err))
			}
			stop()
			<-done
			e.metrics.ListenerStopped()
			logger.Info("realtime listener stopped")
		})
	}, nil
}

func (e *Engine) processBatch(ctx context.Context, sys model.Scope, projectID string, batch model.TaskChangeBatch, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while processing task changes", zap.Any("panic", r))
		}
	}()

	for _, change := range batch.Changes {
		if !change.NewlyCompleted() {
			continue
		}
		task := change.Task
		if task.RequiredForStageCompletion {
			e.onCriticalTaskCompleted(ctx, sys, projectID, task, logger)
		}
		if _, err := e.resolver.OnTaskCompleted(ctx, sys, task.ID); err != nil {
			logger.Warn("resolving dependencies failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	if _, err := e.progress.Refresh(ctx, sys, projectID); err != nil {
		logger.Warn("progress refresh after task changes failed", zap.Error(err))
	}
	if e.afterBatch != nil {
		e.afterBatch(batch)
	}
}

// onCriticalTaskCompleted moves the project to the next stage when the
// completed task's stage is ready, the project opted into automatic
// transitions and it is still on that stage.
func (e *Engine) onCriticalTaskCompleted(ctx context.Context, sys model.Scope, projectID string, task model.Task, logger *zap.Logger) {
	check, err := e.instantiator.CheckStageCompletionRequirements(ctx, sys, projectID, task.PipelineStage)
	if err != nil {
		logger.Warn("stage completion check failed", zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	if !check.ReadyForTransition {
		return
	}

	project, err := e.projects.GetByID(ctx, sys, projectID)
	if err != nil {
		logger.Warn("loading project for auto transition failed", zap.Error(err))
		return
	}
	if !project.WorkflowConfig.AutoStageTransition || project.CurrentStage != task.PipelineStage {
		return
	}
	next, ok := task.PipelineStage.Next()
	if !ok {
		return
	}

	result, err := e.AttemptTransition(ctx, sys, projectID, next, false)
	if err != nil {
		logger.Warn("automatic stage transition failed", zap.String("to_stage", string(next)), zap.Error(err))
		return
	}
	logger.Info("automatic stage transition attempted",
		zap.String("to_stage", string(next)),
		zap.String("outcome", string(result.Outcome)),
	)
}

type listenerKey struct {
	org     string
	project string
}

// Listeners keeps at most one realtime listener per project. Listeners run
// under the context given to NewListeners and stop when it is done.
type Listeners struct {
	engine *Engine
	base   context.Context

	mu     sync.Mutex
	active map[listenerKey]func()
}

// NewListeners creates an empty registry.
func NewListeners(ctx context.Context, engine *Engine) *Listeners {
	return &Listeners{
		engine: engine,
		base:   ctx,
		active: make(map[listenerKey]func()),
	}
}

// Ensure starts the project's listener unless it is already running.
func (l *Listeners) Ensure(scope model.Scope, projectID string) error {
	key := listenerKey{scope.OrganizationID, projectID}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.active[key]; ok {
		return nil
	}
	cancel, err := l.engine.SetupRealtimeListener(l.base, scope, projectID)
	if err != nil {
		return err
	}
	l.active[key] = cancel
	return nil
}

// Stop stops the project's listener. It reports whether one was running.
func (l *Listeners) Stop(organizationID, projectID string) bool {
	key := listenerKey{organizationID, projectID}

	l.mu.Lock()
	cancel, ok := l.active[key]
	delete(l.active, key)
	l.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// Running reports whether the project has an active listener.
func (l *Listeners) Running(organizationID, projectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[listenerKey{organizationID, projectID}]
	return ok
}

// StopAll stops every listener.
func (l *Listeners) StopAll() {
	l.mu.Lock()
	active := l.active
	l.active = make(map[listenerKey]func())
	l.mu.Unlock()

	for _, cancel := range active {
		cancel()
	}
}
