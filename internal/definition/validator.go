package definition

import (
	"fmt"
	"sort"

	"github.com/pitabwire/stageflow/model"
)

// Severity levels for validation findings.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// VError describes a single validation finding in a definition document.
type VError struct {
	Path     string `json:"path"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator checks definition documents structurally and referentially.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks the merged set of documents. Warnings describe content the
// engine tolerates at runtime (unknown action types, unknown check kinds).
func (v *Validator) Validate(docs []Document) []VError {
	var errs []VError

	templates := make(map[string]model.TaskTemplate)
	categories := make(map[string]bool)
	for _, doc := range docs {
		for _, t := range doc.Templates {
			templates[t.ID] = t
			categories[t.Category] = true
		}
	}

	for _, doc := range docs {
		for i, tpl := range doc.Templates {
			prefix := fmt.Sprintf("%s.templates[%d]", doc.SourceFile, i)
			errs = append(errs, v.validateTemplate(prefix, tpl, templates)...)
		}
		for i, spec := range doc.Transitions {
			prefix := fmt.Sprintf("%s.transitions[%d]", doc.SourceFile, i)
			errs = append(errs, v.validateTransition(prefix, spec, templates, categories)...)
		}
	}

	errs = append(errs, v.validateTemplateCycles(templates)...)
	return errs
}

// HasErrors reports whether any finding has error severity.
func HasErrors(findings []VError) bool {
	for _, f := range findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (v *Validator) validateTemplate(prefix string, tpl model.TaskTemplate, all map[string]model.TaskTemplate) []VError {
	var errs []VError
	if tpl.ID == "" {
		errs = append(errs, errorf(prefix+".id", "REQUIRED", "id is required"))
	}
	if tpl.Title == "" {
		errs = append(errs, errorf(prefix+".title", "REQUIRED", "title is required"))
	}
	if !tpl.Stage.Valid() {
		errs = append(errs, errorf(prefix+".stage", "INVALID_STAGE", fmt.Sprintf("unknown stage %q", tpl.Stage)))
	}
	if tpl.DaysAfterStageEntry < 0 {
		errs = append(errs, errorf(prefix+".days_after_stage_entry", "INVALID_VALUE", "days_after_stage_entry must not be negative"))
	}
	for j, dep := range tpl.DependencyTemplates {
		if _, ok := all[dep]; !ok {
			errs = append(errs, errorf(fmt.Sprintf("%s.dependency_templates[%d]", prefix, j), "UNKNOWN_TEMPLATE",
				fmt.Sprintf("dependency template %q is not defined", dep)))
		}
	}
	return errs
}

func (v *Validator) validateTransition(prefix string, spec TransitionSpec, templates map[string]model.TaskTemplate, categories map[string]bool) []VError {
	var errs []VError
	if !spec.From.Valid() {
		errs = append(errs, errorf(prefix+".from", "INVALID_STAGE", fmt.Sprintf("unknown stage %q", spec.From)))
	}
	if !spec.To.Valid() {
		errs = append(errs, errorf(prefix+".to", "INVALID_STAGE", fmt.Sprintf("unknown stage %q", spec.To)))
	}
	if spec.From == spec.To && spec.From != "" {
		errs = append(errs, errorf(prefix, "SELF_TRANSITION", "from and to must differ"))
	}

	checkIDs := make(map[string]bool)
	for j, c := range spec.ValidationChecks {
		p := fmt.Sprintf("%s.validation_checks[%d]", prefix, j)
		if c.ID == "" {
			errs = append(errs, errorf(p+".id", "REQUIRED", "id is required"))
		} else if checkIDs[c.ID] {
			errs = append(errs, errorf(p+".id", "DUPLICATE", fmt.Sprintf("duplicate check id %q", c.ID)))
		}
		checkIDs[c.ID] = true
		if c.Message == "" {
			errs = append(errs, errorf(p+".message", "REQUIRED", "message is required"))
		}
		switch c.Kind {
		case model.CheckCompletedTaskTitleContains:
			if c.Marker == "" {
				errs = append(errs, errorf(p+".marker", "REQUIRED", "marker is required for "+c.Kind))
			}
		case model.CheckAllRequiredTasksCompleted, model.CheckNoBlockingTasks, model.CheckAlways:
		default:
			errs = append(errs, warnf(p+".kind", "UNKNOWN_CHECK", fmt.Sprintf("check kind %q always passes", c.Kind)))
		}
	}

	for j, a := range spec.OnTransition {
		p := fmt.Sprintf("%s.on_transition[%d]", prefix, j)
		switch action := a.Decode().(type) {
		case model.CreateStageTasks:
			for k, name := range action.Templates {
				if _, ok := templates[name]; !ok && !categories[name] {
					errs = append(errs, warnf(fmt.Sprintf("%s.templates[%d]", p, k), "UNKNOWN_TEMPLATE",
						fmt.Sprintf("%q matches no template id or category", name)))
				}
			}
		case model.UpdateDeadlines:
			if action.Stage != nil && !action.Stage.Valid() {
				errs = append(errs, errorf(p+".stage", "INVALID_STAGE", fmt.Sprintf("unknown stage %q", *action.Stage)))
			}
		case model.UnknownAction:
			errs = append(errs, warnf(p+".type", "UNKNOWN_ACTION", fmt.Sprintf("action type %q will be skipped", action.Type)))
		}
	}
	return errs
}

// validateTemplateCycles reports dependency cycles in the template catalog.
func (v *Validator) validateTemplateCycles(templates map[string]model.TaskTemplate) []VError {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(templates))
	var errs []VError

	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return true
		case done:
			return false
		}
		state[id] = visiting
		for _, dep := range templates[id].DependencyTemplates {
			if _, ok := templates[dep]; ok && visit(dep) {
				state[id] = done
				return true
			}
		}
		state[id] = done
		return false
	}

	ids := make([]string, 0, len(templates))
	for id := range templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if state[id] == unvisited && visit(id) {
			errs = append(errs, errorf("templates."+id, "DEPENDENCY_CYCLE",
				fmt.Sprintf("template %q is part of a dependency cycle", id)))
		}
	}
	return errs
}

func errorf(path, code, msg string) VError {
	return VError{Path: path, Code: code, Message: msg, Severity: SeverityError}
}

func warnf(path, code, msg string) VError {
	return VError{Path: path, Code: code, Message: msg, Severity: SeverityWarning}
}
