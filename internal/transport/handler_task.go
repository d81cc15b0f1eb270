package transport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/model"
)

type taskCreateRequest struct {
	Title                      string     `json:"title"`
	Description                string     `json:"description"`
	Category                   string     `json:"category"`
	Priority                   string     `json:"priority"`
	PipelineStage              string     `json:"pipelineStage"`
	RequiredForStageCompletion bool       `json:"requiredForStageCompletion"`
	BlocksStageTransition      bool       `json:"blocksStageTransition"`
	AutoCompleteOnStageChange  bool       `json:"autoCompleteOnStageChange"`
	DependsOnTaskIDs           []string   `json:"dependsOnTaskIds"`
	DueDate                    *time.Time `json:"dueDate"`
}

func validPriority(p model.TaskPriority) bool {
	switch p {
	case model.PriorityLow, model.PriorityMedium, model.PriorityHigh, model.PriorityUrgent:
		return true
	}
	return false
}

// handleTaskCreate adds a task to a project. The task defaults to the
// project's current stage and starts blocked when its dependencies are open.
func handleTaskCreate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := model.MustScope(r.Context())
		projectID := chi.URLParam(r, "projectId")

		var body taskCreateRequest
		if err := decodeBody(r, &body); err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}

		var problems []model.FieldError
		if body.Title == "" {
			problems = append(problems, model.FieldError{Field: "title", Code: "REQUIRED", Message: "title is required"})
		}
		priority := model.TaskPriority(body.Priority)
		if priority != "" && !validPriority(priority) {
			problems = append(problems, model.FieldError{Field: "priority", Code: "INVALID", Message: "unknown priority " + body.Priority})
		}
		if len(problems) > 0 {
			writeRequestError(w, r, deps.Logger, model.NewFieldValidationError(problems))
			return
		}

		project, err := deps.Projects.GetByID(r.Context(), scope, projectID)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		stage := project.CurrentStage
		if body.PipelineStage != "" {
			if stage, err = model.ParseStage(body.PipelineStage); err != nil {
				writeRequestError(w, r, deps.Logger, err)
				return
			}
		}

		task := model.Task{
			Title:                      body.Title,
			Description:                body.Description,
			Category:                   body.Category,
			Priority:                   priority,
			LinkedProjectID:            projectID,
			PipelineStage:              stage,
			RequiredForStageCompletion: body.RequiredForStageCompletion,
			BlocksStageTransition:      body.BlocksStageTransition,
			AutoCompleteOnStageChange:  body.AutoCompleteOnStageChange,
			DependsOnTaskIDs:           body.DependsOnTaskIDs,
			DueDate:                    body.DueDate,
		}
		if err := deps.Resolver.PrepareTask(r.Context(), scope, &task); err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}

		id, err := deps.Tasks.Create(r.Context(), scope, task)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		created, err := deps.Tasks.GetByID(r.Context(), scope, id)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusCreated, created)
	}
}

// handleTaskList lists a project's tasks, optionally narrowed by the stage
// and requiredOnly query parameters.
func handleTaskList(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := model.MustScope(r.Context())
		projectID := chi.URLParam(r, "projectId")

		var filter model.TaskFilter
		if raw := r.URL.Query().Get("stage"); raw != "" {
			stage, err := model.ParseStage(raw)
			if err != nil {
				writeRequestError(w, r, deps.Logger, err)
				return
			}
			filter.Stage = &stage
		}
		if raw := r.URL.Query().Get("requiredOnly"); raw != "" {
			requiredOnly, err := strconv.ParseBool(raw)
			if err != nil {
				WriteBadRequest(w, "requiredOnly must be a boolean")
				return
			}
			filter.RequiredOnly = requiredOnly
		}

		if _, err := deps.Projects.GetByID(r.Context(), scope, projectID); err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		tasks, err := deps.Tasks.Query(r.Context(), scope, projectID, filter)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		if tasks == nil {
			tasks = []model.Task{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
	}
}

type taskUpdateRequest struct {
	Title            *string    `json:"title"`
	Description      *string    `json:"description"`
	Status           *string    `json:"status"`
	Priority         *string    `json:"priority"`
	DueDate          *time.Time `json:"dueDate"`
	DependsOnTaskIDs []string   `json:"dependsOnTaskIds"`
}

func (req taskUpdateRequest) patch() (model.TaskPatch, error) {
	patch := model.TaskPatch{
		Title:            req.Title,
		Description:      req.Description,
		DueDate:          req.DueDate,
		DependsOnTaskIDs: req.DependsOnTaskIDs,
	}
	var problems []model.FieldError
	if req.Status != nil {
		s := model.TaskStatus(*req.Status)
		if !s.Valid() {
			problems = append(problems, model.FieldError{Field: "status", Code: "INVALID", Message: "unknown status " + *req.Status})
		}
		patch.Status = &s
	}
	if req.Priority != nil {
		p := model.TaskPriority(*req.Priority)
		if !validPriority(p) {
			problems = append(problems, model.FieldError{Field: "priority", Code: "INVALID", Message: "unknown priority " + *req.Priority})
		}
		patch.Priority = &p
	}
	if len(problems) > 0 {
		return model.TaskPatch{}, model.NewFieldValidationError(problems)
	}
	return patch, nil
}

// handleTaskUpdate patches a task. Completing a project task makes sure the
// project's listener is running before the change is written, so the
// completion is seen by dependency resolution and automatic transitions.
func handleTaskUpdate(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := model.MustScope(r.Context())
		taskID := chi.URLParam(r, "taskId")

		var body taskUpdateRequest
		if err := decodeBody(r, &body); err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		patch, err := body.patch()
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		if patch.Empty() {
			WriteBadRequest(w, "no fields to update")
			return
		}

		task, err := deps.Tasks.GetByID(r.Context(), scope, taskID)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		if deps.Resolver != nil {
			if err := deps.Resolver.PrepareUpdate(r.Context(), scope, task, &patch); err != nil {
				writeRequestError(w, r, deps.Logger, err)
				return
			}
		}
		completing := patch.Status != nil && *patch.Status == model.TaskStatusCompleted && !task.IsCompleted()
		if completing && task.LinkedProjectID != "" && deps.Listeners != nil {
			if err := deps.Listeners.Ensure(scope, task.LinkedProjectID); err != nil {
				observability.RequestLogger(r.Context(), deps.Logger).Warn("starting project listener failed",
					zap.String("project_id", task.LinkedProjectID),
					zap.Error(err),
				)
			}
		}

		if err := deps.Tasks.Update(r.Context(), scope, taskID, patch); err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		updated, err := deps.Tasks.GetByID(r.Context(), scope, taskID)
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		WriteJSON(w, http.StatusOK, updated)
	}
}
