package definition

import (
	"testing"

	"github.com/pitabwire/stageflow/model"
)

func TestValidator_defaultsAreValid(t *testing.T) {
	docs, err := NewLoader().LoadDefaults()
	if err != nil {
		t.Fatalf("LoadDefaults error: %v", err)
	}
	findings := NewValidator().Validate(docs)
	for _, f := range findings {
		t.Errorf("unexpected finding: %s [%s/%s]", f.Error(), f.Code, f.Severity)
	}
}

func TestValidator_invalidStage(t *testing.T) {
	doc := Document{SourceFile: "x.yaml", Transitions: []TransitionSpec{
		{From: "drafting", To: model.StageCreation},
	}}
	findings := NewValidator().Validate([]Document{doc})
	if !hasCode(findings, "INVALID_STAGE", SeverityError) {
		t.Errorf("findings = %+v, want INVALID_STAGE error", findings)
	}
}

func TestValidator_unknownActionIsWarning(t *testing.T) {
	doc := Document{SourceFile: "x.yaml", Transitions: []TransitionSpec{{
		From:         model.StageCreation,
		To:           model.StageInternalApproval,
		OnTransition: []model.ActionSpec{{Type: "send_fax"}},
	}}}
	findings := NewValidator().Validate([]Document{doc})
	if !hasCode(findings, "UNKNOWN_ACTION", SeverityWarning) {
		t.Errorf("findings = %+v, want UNKNOWN_ACTION warning", findings)
	}
	if HasErrors(findings) {
		t.Error("unknown action must not be an error")
	}
}

func TestValidator_missingMarker(t *testing.T) {
	doc := Document{SourceFile: "x.yaml", Transitions: []TransitionSpec{{
		From: model.StageCreation,
		To:   model.StageInternalApproval,
		ValidationChecks: []model.ValidationCheck{
			{ID: "c1", Message: "m", Kind: model.CheckCompletedTaskTitleContains},
		},
	}}}
	findings := NewValidator().Validate([]Document{doc})
	if !hasCode(findings, "REQUIRED", SeverityError) {
		t.Errorf("findings = %+v, want REQUIRED marker error", findings)
	}
}

func TestValidator_templateCycle(t *testing.T) {
	doc := Document{SourceFile: "x.yaml", Templates: []model.TaskTemplate{
		{ID: "a", Title: "A", Stage: model.StageCreation, DependencyTemplates: []string{"b"}},
		{ID: "b", Title: "B", Stage: model.StageCreation, DependencyTemplates: []string{"a"}},
	}}
	findings := NewValidator().Validate([]Document{doc})
	if !hasCode(findings, "DEPENDENCY_CYCLE", SeverityError) {
		t.Errorf("findings = %+v, want DEPENDENCY_CYCLE", findings)
	}
}

func TestValidator_unknownDependencyTemplate(t *testing.T) {
	doc := Document{SourceFile: "x.yaml", Templates: []model.TaskTemplate{
		{ID: "a", Title: "A", Stage: model.StageCreation, DependencyTemplates: []string{"ghost"}},
	}}
	findings := NewValidator().Validate([]Document{doc})
	if !hasCode(findings, "UNKNOWN_TEMPLATE", SeverityError) {
		t.Errorf("findings = %+v, want UNKNOWN_TEMPLATE", findings)
	}
}

func hasCode(findings []VError, code, severity string) bool {
	for _, f := range findings {
		if f.Code == code && f.Severity == severity {
			return true
		}
	}
	return false
}
