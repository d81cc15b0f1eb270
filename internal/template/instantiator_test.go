package template

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/stageflow/internal/definition"
	"github.com/pitabwire/stageflow/internal/store"
	"github.com/pitabwire/stageflow/model"
)

var testScope = model.Scope{OrganizationID: "org-1", UserID: "user-1"}

var fixedNow = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []model.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n model.Notification) {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
}

// failingStore rejects creation of tasks with the given title.
type failingStore struct {
	store.TaskStore
	failTitle string
}

func (s *failingStore) Create(ctx context.Context, scope model.Scope, task model.Task) (string, error) {
	if task.Title == s.failTitle {
		return "", model.NewStoreFailureError("create task", errors.New("disk full"))
	}
	return s.TaskStore.Create(ctx, scope, task)
}

func defaultRegistry(t *testing.T) *definition.Registry {
	t.Helper()
	docs, err := definition.NewLoader().LoadDefaults()
	if err != nil {
		t.Fatalf("LoadDefaults() error = %v", err)
	}
	return definition.NewRegistry(docs)
}

func byTemplateID(t *testing.T, tasks store.TaskStore, projectID string) map[string]model.Task {
	t.Helper()
	all, err := tasks.Query(context.Background(), testScope, projectID, model.TaskFilter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	out := make(map[string]model.Task, len(all))
	for _, task := range all {
		if task.StageContext != nil {
			out[task.StageContext.InheritedFromTemplate] = task
		}
	}
	return out
}

func TestCreateStageTasks_fromTemplates(t *testing.T) {
	tasks := store.NewMemoryTaskStore()
	notifier := &recordingNotifier{}
	inst := NewInstantiator(defaultRegistry(t), tasks,
		WithNotifier(notifier),
		WithClock(func() time.Time { return fixedNow }),
	)

	created, errs := inst.CreateStageTasks(context.Background(), testScope, "p1", model.StageCreation,
		[]string{"content_outline", "text_creation", "media_selection", "campaign_setup"})
	if len(errs) != 0 {
		t.Fatalf("errors = %v", errs)
	}
	if len(created) != 4 {
		t.Fatalf("created %d tasks, want 4", len(created))
	}

	got := byTemplateID(t, tasks, "p1")
	outline := got["content_outline"]
	if outline.Status != model.TaskStatusPending || outline.PipelineStage != model.StageCreation {
		t.Errorf("content_outline = %s/%s", outline.Status, outline.PipelineStage)
	}
	if !outline.RequiredForStageCompletion {
		t.Error("content_outline should be required for stage completion")
	}
	sc := outline.StageContext
	if !sc.CreatedOnStageEntry || sc.StageProgressWeight != 3 || !sc.CriticalPath {
		t.Errorf("stage context = %+v", sc)
	}
	if outline.DeadlineRules == nil || !outline.DeadlineRules.RelativeToPipelineStage ||
		outline.DeadlineRules.DaysAfterStageEntry != 2 || outline.DeadlineRules.CascadeDelay {
		t.Errorf("deadline rules = %+v", outline.DeadlineRules)
	}
	if outline.DueDate == nil || !outline.DueDate.Equal(fixedNow.AddDate(0, 0, 2)) {
		t.Errorf("due date = %v", outline.DueDate)
	}

	text := got["text_creation"]
	if text.Status != model.TaskStatusBlocked {
		t.Errorf("text_creation status = %s, want blocked", text.Status)
	}
	if len(text.DependsOnTaskIDs) != 1 || text.DependsOnTaskIDs[0] != outline.ID {
		t.Errorf("text_creation deps = %v, want [%s]", text.DependsOnTaskIDs, outline.ID)
	}

	setup := got["campaign_setup"]
	if setup.Status != model.TaskStatusBlocked || len(setup.DependsOnTaskIDs) != 2 {
		t.Errorf("campaign_setup = %s deps %v", setup.Status, setup.DependsOnTaskIDs)
	}

	if len(notifier.sent) != 1 || notifier.sent[0].Kind != model.NotificationTasksCreated {
		t.Errorf("notifications = %+v, want one tasks_created", notifier.sent)
	}
}

func TestCreateStageTasks_resolvesCategory(t *testing.T) {
	tasks := store.NewMemoryTaskStore()
	inst := NewInstantiator(defaultRegistry(t), tasks)

	created, errs := inst.CreateStageTasks(context.Background(), testScope, "p1", model.StageInternalApproval, []string{"review"})
	if len(errs) != 0 || len(created) != 2 {
		t.Fatalf("created = %v, errs = %v; want 2 tasks", created, errs)
	}
}

func TestCreateStageTasks_skipsTemplatesOfOtherStages(t *testing.T) {
	tasks := store.NewMemoryTaskStore()
	inst := NewInstantiator(defaultRegistry(t), tasks)

	created, errs := inst.CreateStageTasks(context.Background(), testScope, "p1", model.StageCreation, []string{"content_creation"})
	if len(errs) != 0 {
		t.Fatalf("errors = %v", errs)
	}
	got := byTemplateID(t, tasks, "p1")
	if len(created) != 2 || len(got) != 2 {
		t.Fatalf("created %v (%d stored), want content_outline and text_creation", created, len(got))
	}
	for id, task := range got {
		if id != "content_outline" && id != "text_creation" {
			t.Errorf("unexpected template %s", id)
		}
		if task.PipelineStage != model.StageCreation {
			t.Errorf("%s stage = %s", id, task.PipelineStage)
		}
	}
}

func TestCreateStageTasks_secondRunCreatesNothing(t *testing.T) {
	ctx := context.Background()
	tasks := store.NewMemoryTaskStore()
	notifier := &recordingNotifier{}
	inst := NewInstantiator(defaultRegistry(t), tasks, WithNotifier(notifier))
	names := []string{"content_outline", "text_creation", "media_selection", "campaign_setup"}

	if created, errs := inst.CreateStageTasks(ctx, testScope, "p1", model.StageCreation, names); len(errs) != 0 || len(created) != 4 {
		t.Fatalf("first run = %v, %v", created, errs)
	}
	created, errs := inst.CreateStageTasks(ctx, testScope, "p1", model.StageCreation, names)
	if len(created) != 0 || len(errs) != 0 {
		t.Errorf("second run = %v, %v; want nothing", created, errs)
	}
	if tasks.Len() != 4 {
		t.Errorf("stored %d tasks, want 4", tasks.Len())
	}
	if len(notifier.sent) != 1 {
		t.Errorf("notifications = %d, want 1", len(notifier.sent))
	}

	// tasks of another project do not count
	if created, errs := inst.CreateStageTasks(ctx, testScope, "p2", model.StageCreation, []string{"content_outline"}); len(errs) != 0 || len(created) != 1 {
		t.Errorf("other project = %v, %v; want one task", created, errs)
	}
}

func TestCreateStageTasks_unknownNamesCreateNothing(t *testing.T) {
	tasks := store.NewMemoryTaskStore()
	notifier := &recordingNotifier{}
	inst := NewInstantiator(defaultRegistry(t), tasks, WithNotifier(notifier))

	created, errs := inst.CreateStageTasks(context.Background(), testScope, "p1", model.StageCreation, []string{"nope"})
	if created != nil || errs != nil {
		t.Errorf("CreateStageTasks() = %v, %v; want nothing", created, errs)
	}
	if tasks.Len() != 0 || len(notifier.sent) != 0 {
		t.Error("unknown template names must not create tasks or notify")
	}
}

func TestCreateStageTasks_linksExistingCompletedDependency(t *testing.T) {
	ctx := context.Background()
	tasks := store.NewMemoryTaskStore()
	inst := NewInstantiator(defaultRegistry(t), tasks)

	if _, errs := inst.CreateStageTasks(ctx, testScope, "p1", model.StageCreation, []string{"content_outline"}); len(errs) != 0 {
		t.Fatalf("errors = %v", errs)
	}
	outline := byTemplateID(t, tasks, "p1")["content_outline"]
	if err := tasks.Update(ctx, testScope, outline.ID, model.StatusPatch(model.TaskStatusCompleted)); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if _, errs := inst.CreateStageTasks(ctx, testScope, "p1", model.StageCreation, []string{"text_creation"}); len(errs) != 0 {
		t.Fatalf("errors = %v", errs)
	}
	text := byTemplateID(t, tasks, "p1")["text_creation"]
	if text.Status != model.TaskStatusPending {
		t.Errorf("status = %s, want pending", text.Status)
	}
	if len(text.DependsOnTaskIDs) != 1 || text.DependsOnTaskIDs[0] != outline.ID {
		t.Errorf("deps = %v, want [%s]", text.DependsOnTaskIDs, outline.ID)
	}
}

func TestCreateStageTasks_collectsFailures(t *testing.T) {
	tasks := &failingStore{TaskStore: store.NewMemoryTaskStore(), failTitle: "Texte verfassen"}
	inst := NewInstantiator(defaultRegistry(t), tasks)

	created, errs := inst.CreateStageTasks(context.Background(), testScope, "p1", model.StageCreation,
		[]string{"content_outline", "text_creation", "media_selection"})
	if len(created) != 2 {
		t.Errorf("created %d tasks, want 2", len(created))
	}
	if len(errs) != 1 || !model.IsRetryable(errs[0]) {
		t.Errorf("errs = %v, want one store failure", errs)
	}
}

func TestCreateStageTasks_emptyScope(t *testing.T) {
	inst := NewInstantiator(defaultRegistry(t), store.NewMemoryTaskStore())
	_, errs := inst.CreateStageTasks(context.Background(), model.Scope{}, "p1", model.StageCreation, []string{"review"})
	if len(errs) != 1 || model.ErrorCode(errs[0]) != model.ErrBadRequest {
		t.Errorf("errs = %v, want BAD_REQUEST", errs)
	}
}

func TestCheckStageCompletionRequirements(t *testing.T) {
	ctx := context.Background()
	tasks := store.NewMemoryTaskStore()
	inst := NewInstantiator(defaultRegistry(t), tasks)

	create := func(task model.Task) {
		task.LinkedProjectID = "p1"
		if _, err := tasks.Create(ctx, testScope, task); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	create(model.Task{Title: "critical done", PipelineStage: model.StageCreation, RequiredForStageCompletion: true, Status: model.TaskStatusCompleted})
	create(model.Task{Title: "critical open", PipelineStage: model.StageCreation, RequiredForStageCompletion: true})
	create(model.Task{Title: "blocker", PipelineStage: model.StageCreation, BlocksStageTransition: true})
	create(model.Task{Title: "other stage", PipelineStage: model.StageMonitoring, RequiredForStageCompletion: true})

	check, err := inst.CheckStageCompletionRequirements(ctx, testScope, "p1", model.StageCreation)
	if err != nil {
		t.Fatalf("CheckStageCompletionRequirements() error = %v", err)
	}
	if check.CompletionPercentage != 50 {
		t.Errorf("CompletionPercentage = %v, want 50", check.CompletionPercentage)
	}
	if check.ReadyForTransition || check.CanComplete {
		t.Errorf("ReadyForTransition = %v, CanComplete = %v; want false", check.ReadyForTransition, check.CanComplete)
	}
	if len(check.MissingCriticalTaskIDs) != 1 || len(check.BlockingTaskIDs) != 1 {
		t.Errorf("missing = %v, blocking = %v; want one each", check.MissingCriticalTaskIDs, check.BlockingTaskIDs)
	}
}

func TestEvaluateStageCompletion(t *testing.T) {
	tests := []struct {
		name      string
		tasks     []model.Task
		wantPct   float64
		wantReady bool
	}{
		{"no tasks", nil, 100, true},
		{"no critical tasks", []model.Task{{ID: "a", PipelineStage: model.StageCreation}}, 100, true},
		{"all critical done", []model.Task{
			{ID: "a", PipelineStage: model.StageCreation, RequiredForStageCompletion: true, Status: model.TaskStatusCompleted},
		}, 100, true},
		{"completed blocker does not block", []model.Task{
			{ID: "a", PipelineStage: model.StageCreation, BlocksStageTransition: true, Status: model.TaskStatusCompleted},
		}, 100, true},
		{"open blocker", []model.Task{
			{ID: "a", PipelineStage: model.StageCreation, BlocksStageTransition: true},
		}, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluateStageCompletion(model.StageCreation, tt.tasks)
			if got.CompletionPercentage != tt.wantPct || got.ReadyForTransition != tt.wantReady {
				t.Errorf("pct = %v ready = %v, want %v %v", got.CompletionPercentage, got.ReadyForTransition, tt.wantPct, tt.wantReady)
			}
		})
	}
}
