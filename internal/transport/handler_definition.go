package transport

import (
	"net/http"

	"github.com/pitabwire/stageflow/model"
)

type transitionDefinitionResponse struct {
	Pair             model.StagePair         `json:"pair"`
	RequiredTasks    []string                `json:"required_tasks"`
	ValidationChecks []model.ValidationCheck `json:"validation_checks"`
	OnTransition     []model.ActionSpec      `json:"on_transition"`
	Checksum         string                  `json:"checksum"`
}

// handleDefinitionGet returns the rules for one stage pair. Pairs without a
// definition come back empty rather than 404.
func handleDefinitionGet(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		from, err := stageParam(r, "from")
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}
		to, err := stageParam(r, "to")
		if err != nil {
			writeRequestError(w, r, deps.Logger, err)
			return
		}

		wf := deps.Definitions.Workflow(from, to)
		resp := transitionDefinitionResponse{
			Pair:             model.StagePair{From: from, To: to},
			RequiredTasks:    wf.RequiredTasks,
			ValidationChecks: wf.ValidationChecks,
			OnTransition:     wf.Actions(),
			Checksum:         deps.Definitions.Checksum(),
		}
		if resp.RequiredTasks == nil {
			resp.RequiredTasks = []string{}
		}
		if resp.ValidationChecks == nil {
			resp.ValidationChecks = []model.ValidationCheck{}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}
