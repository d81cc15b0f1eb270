package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/idempotency"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/model"
)

const maxBodyBytes = 1 << 20

// decodeBody reads a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// stageParam parses a pipeline stage from a URL parameter.
func stageParam(r *http.Request, name string) (model.PipelineStage, error) {
	return model.ParseStage(chi.URLParam(r, name))
}

type projectCreateRequest struct {
	Name                string `json:"name"`
	CurrentStage        string `json:"currentStage"`
	AutoStageTransition bool   `json:"autoStageTransition"`
}

func handleProjectCreate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := model.MustScope(r.Context())

		var body projectCreateRequest
		if err := decodeBody(r, &body); err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		if body.Name == "" {
			writeRequestError(w, r, deps.Logger, model.NewFieldValidationError([]model.FieldError{
				{Field: "name", Code: "REQUIRED", Message: "name is required"},
			}))
			return
		}
		project := model.Project{
			Name:           body.Name,
			WorkflowConfig: model.WorkflowConfig{AutoStageTransition: body.AutoStageTransition},
		}
		if body.CurrentStage != "" {
			stage, err := model.ParseStage(body.CurrentStage)
			if err != nil {
				writeRequestError(w, r, deps.Logger, err)
				return
			}
			project.CurrentStage = stage
		}

		id, err := deps.Projects.Create(r.Context(), scope, project)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		created, err := deps.Projects.GetByID(r.Context(), scope, id)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

func handleProjectGet(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := model.MustScope(r.Context())
		project, err := deps.Projects.GetByID(r.Context(), scope, chi.URLParam(r, "projectId"))
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, project)
	}
}

type transitionRequest struct {
	ToStage string `json:"toStage"`
	Force   bool   `json:"force"`
}

// handleTransition runs a stage transition. With an Idempotency-Key header
// a repeated request replays the stored result of a committed transition;
// reusing a key for a different request is a conflict. Rejected attempts
// are not stored, so the same key may be retried once the stage is ready.
func handleTransition(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := model.MustScope(r.Context())
		projectID := chi.URLParam(r, "projectId")
		logger := observability.RequestLogger(r.Context(), deps.Logger)

		var body transitionRequest
		if err := decodeBody(r, &body); err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		to, err := model.ParseStage(body.ToStage)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		if body.Force && deps.Capabilities != nil {
			if err := deps.Capabilities.Require(scope, model.CapTransitionForce); err != nil {
				writeRequestError(w, r, deps.Logger, err)
				return
			}
		}

		var key, hash string
		if raw := r.Header.Get("Idempotency-Key"); raw != "" && deps.Idempotency != nil {
			key = idempotency.FormatKey(scope.OrganizationID, projectID, raw)
			hash, err = idempotency.HashRequest(body)
			if err != nil {
				writeRequestError(w, r, deps.Logger, err)
				return
			}
			cached, found, err := deps.Idempotency.Check(r.Context(), key, hash)
			if err != nil {
				writeRequestError(w, r, deps.Logger, err)
				return
			}
			if found {
				deps.Metrics.RecordIdempotencyHit()
				w.Header().Set("Idempotent-Replayed", "true")
				writeTransitionResult(w, *cached)
				return
			}
		}

		result, err := deps.Engine.AttemptTransition(r.Context(), scope, projectID, to, body.Force)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}

		if key != "" && result.Outcome == model.OutcomeTransitioned {
			if err := deps.Idempotency.Save(r.Context(), key, hash, result, deps.Config.Idempotency.TTL); err != nil {
				logger.Warn("storing idempotent transition result failed", zap.Error(err))
			}
		}
		writeTransitionResult(w, result)
	}
}

// writeTransitionResult answers 200 for a committed transition and 422 for
// a rejected one. Both carry the result body.
func writeTransitionResult(w http.ResponseWriter, result model.TransitionResult) {
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	WriteJSON(w, status, result)
}

type rollbackRequest struct {
	TargetStage string `json:"targetStage"`
}

func handleRollback(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := model.MustScope(r.Context())
		projectID := chi.URLParam(r, "projectId")

		var body rollbackRequest
		if err := decodeBody(r, &body); err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		target, err := model.ParseStage(body.TargetStage)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		if err := deps.Engine.Rollback(r.Context(), scope, projectID, target); err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		project, err := deps.Projects.GetByID(r.Context(), scope, projectID)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, project)
	}
}

func handleProgressGet(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := model.MustScope(r.Context())
		p, err := deps.Progress.CalculateProjectProgress(r.Context(), scope, chi.URLParam(r, "projectId"))
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

func handleProgressRefresh(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := model.MustScope(r.Context())
		p, err := deps.Progress.Refresh(r.Context(), scope, chi.URLParam(r, "projectId"))
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}

func handleStageCompletion(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := model.MustScope(r.Context())
		projectID := chi.URLParam(r, "projectId")
		stage, err := stageParam(r, "stage")
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		if _, err := deps.Projects.GetByID(r.Context(), scope, projectID); err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		check, err := deps.Instantiator.CheckStageCompletionRequirements(r.Context(), scope, projectID, stage)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, check)
	}
}

type stageTasksRequest struct {
	Templates []string `json:"templates"`
}

type stageTasksResponse struct {
	CreatedTaskIDs []string `json:"created_task_ids"`
	Errors         []string `json:"errors"`
}

// handleStageTasksCreate instantiates templates in a stage. Without a
// template list every template defined for the stage is used.
func handleStageTasksCreate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := model.MustScope(r.Context())
		projectID := chi.URLParam(r, "projectId")
		stage, err := stageParam(r, "stage")
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		var body stageTasksRequest
		if err := decodeBody(r, &body); err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		if _, err := deps.Projects.GetByID(r.Context(), scope, projectID); err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}

		names := body.Templates
		if len(names) == 0 {
			for _, tpl := range deps.Definitions.TemplatesForStage(stage) {
				names = append(names, tpl.ID)
			}
		}

		created, errs := deps.Instantiator.CreateStageTasks(r.Context(), scope, projectID, stage, names)
		if len(created) == 0 && len(errs) > 0 {
			writeRequestError(w, r, deps.Logger, errors.Join(errs...))
			return
		}

		resp := stageTasksResponse{CreatedTaskIDs: []string{}, Errors: []string{}}
		resp.CreatedTaskIDs = append(resp.CreatedTaskIDs, created...)
		for _, e := range errs {
			resp.Errors = append(resp.Errors, e.Error())
		}
		status := http.StatusOK
		if len(created) > 0 {
			status = http.StatusCreated
		}
		WriteJSON(w, status, resp)
	}
}

func handleIntegrityCheck(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := model.MustScope(r.Context())
		issues, err := deps.Engine.CheckIntegrity(r.Context(), scope, chi.URLParam(r, "projectId"))
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		if issues == nil {
			issues = []string{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"issues": issues})
	}
}

func handleDeadlines(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := model.MustScope(r.Context())
		stage, err := stageParam(r, "stage")
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		updated, err := deps.Engine.ScheduleStageDeadlines(r.Context(), scope, chi.URLParam(r, "projectId"), stage)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		if updated == nil {
			updated = []string{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"updated_task_ids": updated})
	}
}

func handleListenerStart(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := model.MustScope(r.Context())
		projectID := chi.URLParam(r, "projectId")
		if err := deps.Listeners.Ensure(scope, projectID); err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"running": true})
	}
}

func handleListenerStop(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := model.MustScope(r.Context())
		stopped := deps.Listeners.Stop(scope.OrganizationID, chi.URLParam(r, "projectId"))
		WriteJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
	}
}
