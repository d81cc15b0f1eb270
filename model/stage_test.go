package model

import "testing"

func TestStageWeights_sumTo100(t *testing.T) {
	var sum float64
	for _, s := range AllStages() {
		sum += s.Weight()
	}
	if sum != 100 {
		t.Errorf("weights sum = %v, want 100", sum)
	}
}

func TestPipelineStage_Next(t *testing.T) {
	tests := []struct {
		stage  PipelineStage
		want   PipelineStage
		wantOK bool
	}{
		{StageIdeasPlanning, StageCreation, true},
		{StageInternalApproval, StageCustomerApproval, true},
		{StageMonitoring, StageCompleted, true},
		{StageCompleted, "", false},
		{PipelineStage("bogus"), "", false},
	}
	for _, tt := range tests {
		got, ok := tt.stage.Next()
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("%s.Next() = (%q, %v), want (%q, %v)", tt.stage, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestPipelineStage_Before(t *testing.T) {
	if !StageCreation.Before(StageDistribution) {
		t.Error("creation should be before distribution")
	}
	if StageDistribution.Before(StageCreation) {
		t.Error("distribution should not be before creation")
	}
	if StageCreation.Before(StageCreation) {
		t.Error("a stage is not before itself")
	}
}

func TestParseStage(t *testing.T) {
	if s, err := ParseStage("customer_approval"); err != nil || s != StageCustomerApproval {
		t.Errorf("ParseStage = (%q, %v)", s, err)
	}
	_, err := ParseStage("launch")
	if ErrorCode(err) != ErrBadRequest {
		t.Errorf("ParseStage(launch) code = %q, want %q", ErrorCode(err), ErrBadRequest)
	}
}

func TestAllStages_returnsCopy(t *testing.T) {
	a := AllStages()
	a[0] = StageCompleted
	if AllStages()[0] != StageIdeasPlanning {
		t.Error("AllStages leaked internal slice")
	}
}
