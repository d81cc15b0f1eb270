package integration

import (
	"net/http"
	"testing"

	"github.com/pitabwire/stageflow/internal/workflow"
	"github.com/pitabwire/stageflow/model"
)

// ==========================================================================
// Helper: finish the ideas_planning requirements
// ==========================================================================

func completePlanning(t *testing.T, h *TestHarness, token, projectID string) {
	t.Helper()
	for _, title := range []string{"Projekt-Briefing erstellen", "Strategie-Dokument verfassen"} {
		task := h.CreateTask(t, token, projectID, map[string]any{"title": title, "requiredForStageCompletion": true})
		h.CompleteTask(t, token, task.ID)
	}
}

func waitForStatus(t *testing.T, h *TestHarness, token, projectID string, stage model.PipelineStage, title string, want model.TaskStatus) {
	t.Helper()
	h.Eventually(t, func() bool {
		return h.StageTasks(t, token, projectID, stage)[title].Status == want
	}, title+" becomes "+string(want))
}

// ==========================================================================
// Full Pipeline Lifecycle
// ==========================================================================

func TestWorkflow_FullPipelineLifecycle(t *testing.T) {
	for name, opts := range map[string][]HarnessOption{
		"memory": nil,
		"sqlite": {WithSQLite()},
	} {
		t.Run(name, func(t *testing.T) {
			h := NewTestHarness(t, opts...)
			token := h.GenerateToken(EditorClaims())
			p := h.CreateProject(t, token, map[string]any{"name": "Frühjahrskampagne"})

			// 1. Leaving ideas_planning requires the briefing and strategy tasks.
			status, result := h.Transition(t, token, p.ID, model.StageCreation, false)
			if status != http.StatusUnprocessableEntity || result.Outcome != model.OutcomeRejected {
				t.Fatalf("early transition = %d %s, want 422 rejected", status, result.Outcome)
			}

			completePlanning(t, h, token, p.ID)

			// 2. The transition instantiates the creation templates.
			status, result = h.Transition(t, token, p.ID, model.StageCreation, false)
			if status != http.StatusOK || !result.Success {
				t.Fatalf("transition = %d %s", status, FormatJSON(result))
			}
			if len(result.CreatedTaskIDs) != 4 {
				t.Fatalf("created %d tasks, want 4", len(result.CreatedTaskIDs))
			}

			creation := h.StageTasks(t, token, p.ID, model.StageCreation)
			if creation["Texte verfassen"].Status != model.TaskStatusBlocked {
				t.Errorf("text task status = %s, want blocked behind the outline", creation["Texte verfassen"].Status)
			}

			// 3. Completing dependencies unblocks the tasks that wait on them.
			h.CompleteTask(t, token, creation["Content-Outline erstellen"].ID)
			waitForStatus(t, h, token, p.ID, model.StageCreation, "Texte verfassen", model.TaskStatusPending)

			h.CompleteTask(t, token, creation["Texte verfassen"].ID)
			h.CompleteTask(t, token, creation["Medien auswählen und erstellen"].ID)
			waitForStatus(t, h, token, p.ID, model.StageCreation, "Kampagne technisch einrichten", model.TaskStatusPending)
			h.CompleteTask(t, token, creation["Kampagne technisch einrichten"].ID)

			// 4. Every critical creation task is done.
			var check model.StageCompletionCheck
			h.AssertJSON(t, h.GET("/api/projects/"+p.ID+"/stages/creation/completion", token), http.StatusOK, &check)
			if !check.CanComplete || check.CompletionPercentage != 100 {
				t.Errorf("completion = %s", FormatJSON(check))
			}

			status, result = h.Transition(t, token, p.ID, model.StageInternalApproval, false)
			if status != http.StatusOK || !result.Success {
				t.Fatalf("transition to internal_approval = %d %s", status, FormatJSON(result))
			}
			review := h.StageTasks(t, token, p.ID, model.StageInternalApproval)
			if _, ok := review["Interne Review durchführen"]; !ok {
				t.Errorf("review tasks = %v, want the internal review template", review)
			}

			// 5. History records each manual entry.
			got := h.GetProject(t, token, p.ID)
			if got.CurrentStage != model.StageInternalApproval {
				t.Errorf("stage = %s", got.CurrentStage)
			}
			if n := len(got.WorkflowState.StageHistory); n != 3 {
				t.Errorf("history entries = %d, want 3", n)
			}
			if got.Progress.OverallPercent <= 0 {
				t.Errorf("overall progress = %v, want > 0", got.Progress.OverallPercent)
			}

			// 6. Integrity holds after the run.
			var integrity map[string][]string
			h.AssertJSON(t, h.POST("/api/projects/"+p.ID+"/integrity-check", nil, token), http.StatusOK, &integrity)
			if len(integrity["issues"]) != 0 {
				t.Errorf("integrity issues = %v", integrity["issues"])
			}
		})
	}
}

// ==========================================================================
// Automatic Transition
// ==========================================================================

func TestWorkflow_AutoTransitionOnLastCriticalTask(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(EditorClaims())
	p := h.CreateProject(t, token, map[string]any{
		"name":                "Launch",
		"currentStage":        "distribution",
		"autoStageTransition": true,
	})

	var created struct {
		CreatedTaskIDs []string `json:"created_task_ids"`
	}
	h.AssertJSON(t, h.POST("/api/projects/"+p.ID+"/stages/distribution/tasks", nil, token), http.StatusCreated, &created)

	for _, task := range h.StageTasks(t, token, p.ID, model.StageDistribution) {
		h.CompleteTask(t, token, task.ID)
	}

	h.Eventually(t, func() bool {
		return h.GetProject(t, token, p.ID).CurrentStage == model.StageMonitoring
	}, "project moves to monitoring on its own")

	last, ok := h.GetProject(t, token, p.ID).LastHistoryEntry()
	if !ok || last.TriggeredBy != model.TriggerAutomatic {
		t.Errorf("last history entry = %+v, want automatic", last)
	}
}

// ==========================================================================
// Forced Transition
// ==========================================================================

func TestWorkflow_ForcedTransitionCarriesWarnings(t *testing.T) {
	h := NewTestHarness(t)
	token := h.GenerateToken(EditorClaims())
	p := h.CreateProject(t, token, map[string]any{"name": "Launch"})

	status, result := h.Transition(t, token, p.ID, model.StageCreation, true)
	if status != http.StatusOK || !result.Success {
		t.Fatalf("forced transition = %d %s", status, FormatJSON(result))
	}
	if len(result.Warnings) == 0 {
		t.Error("forced transition should report the skipped requirements as warnings")
	}
	if h.GetProject(t, token, p.ID).CurrentStage != model.StageCreation {
		t.Error("forced transition did not move the project")
	}
}

// ==========================================================================
// Rollback
// ==========================================================================

func TestWorkflow_RollbackModes(t *testing.T) {
	tests := []struct {
		mode        workflow.RollbackMode
		wantHistory int
	}{
		{mode: workflow.RollbackAppend, wantHistory: 3},
		{mode: workflow.RollbackClearHistory, wantHistory: 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			h := NewTestHarness(t, WithRollbackMode(tt.mode))
			token := h.GenerateToken(EditorClaims())
			p := h.CreateProject(t, token, map[string]any{"name": "Launch"})
			h.Transition(t, token, p.ID, model.StageCreation, true)

			var rolled model.Project
			h.AssertJSON(t, h.POST("/api/projects/"+p.ID+"/rollback", map[string]any{"targetStage": "ideas_planning"}, token), http.StatusOK, &rolled)

			if rolled.CurrentStage != model.StageIdeasPlanning {
				t.Errorf("stage = %s, want ideas_planning", rolled.CurrentStage)
			}
			if n := len(rolled.WorkflowState.StageHistory); n != tt.wantHistory {
				t.Errorf("history entries = %d, want %d", n, tt.wantHistory)
			}
			if len(rolled.WorkflowState.IntegrityIssues) == 0 {
				t.Error("rollback should be recorded as an integrity issue")
			}
		})
	}
}

// ==========================================================================
// Idempotent Transitions
// ==========================================================================

func TestWorkflow_IdempotentTransitionWithRedis(t *testing.T) {
	h := NewTestHarness(t, WithRedisIdempotency())
	token := h.GenerateToken(EditorClaims())
	p := h.CreateProject(t, token, map[string]any{"name": "Launch"})
	completePlanning(t, h, token, p.ID)

	body := map[string]any{"toStage": "creation"}
	headers := map[string]string{"Idempotency-Key": "launch-to-creation"}

	var first model.TransitionResult
	h.AssertJSON(t, h.POSTWithHeaders("/api/projects/"+p.ID+"/transitions", body, token, headers), http.StatusOK, &first)

	resp := h.POSTWithHeaders("/api/projects/"+p.ID+"/transitions", body, token, headers)
	if resp.Header.Get("Idempotent-Replayed") != "true" {
		t.Error("second request should be a replay")
	}
	var second model.TransitionResult
	h.AssertJSON(t, resp, http.StatusOK, &second)
	if FormatJSON(first.CreatedTaskIDs) != FormatJSON(second.CreatedTaskIDs) {
		t.Errorf("replayed ids = %v, want %v", second.CreatedTaskIDs, first.CreatedTaskIDs)
	}
	if n := len(h.StageTasks(t, token, p.ID, model.StageCreation)); n != 4 {
		t.Errorf("creation tasks = %d, a replay must not create more", n)
	}

	keys := h.Redis.Keys()
	if len(keys) != 1 {
		t.Errorf("redis keys = %v, want one idempotency record", keys)
	}

	conflict := h.POSTWithHeaders("/api/projects/"+p.ID+"/transitions", map[string]any{"toStage": "customer_approval"}, token, headers)
	h.AssertStatus(t, conflict, http.StatusConflict)
}
