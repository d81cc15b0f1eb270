package model

import "time"

// TriggerType records what caused a stage change.
type TriggerType string

// Trigger constants.
const (
	TriggerAutomatic TriggerType = "automatic"
	TriggerManual    TriggerType = "manual"
	TriggerRollback  TriggerType = "rollback"
)

// StageHistoryEntry records one entry into a stage.
type StageHistoryEntry struct {
	Stage       PipelineStage `json:"stage"`
	EnteredAt   time.Time     `json:"entered_at"`
	TriggeredBy TriggerType   `json:"triggered_by"`
	TriggerUser string        `json:"trigger_user,omitempty"`
}

// WorkflowState is the engine-owned part of a project.
type WorkflowState struct {
	StageHistory       []StageHistoryEntry `json:"stage_history"`
	LastIntegrityCheck *time.Time          `json:"last_integrity_check,omitempty"`
	IntegrityIssues    []string            `json:"integrity_issues,omitempty"`
}

// WorkflowConfig holds per-project engine switches.
type WorkflowConfig struct {
	AutoStageTransition bool `json:"auto_stage_transition"`
}

// Milestone marks the first time overall progress crossed a threshold.
type Milestone struct {
	Percent          int       `json:"percent"`
	AchievedAt       time.Time `json:"achieved_at"`
	NotificationSent bool      `json:"notification_sent"`
}

// MilestoneThresholds are the overall-progress percentages recorded as milestones.
var MilestoneThresholds = []int{25, 50, 75, 100}

// ProjectProgress is the weighted completion summary of a project.
type ProjectProgress struct {
	OverallPercent         float64                   `json:"overall_percent"`
	StageProgress          map[PipelineStage]float64 `json:"stage_progress"`
	TaskCompletion         float64                   `json:"task_completion"`
	CriticalTasksRemaining int                       `json:"critical_tasks_remaining"`
	LastUpdated            time.Time                 `json:"last_updated"`
	Milestones             []Milestone               `json:"milestones,omitempty"`
}

// HasMilestone reports whether the threshold was already reached.
func (p ProjectProgress) HasMilestone(percent int) bool {
	for _, m := range p.Milestones {
		if m.Percent == percent {
			return true
		}
	}
	return false
}

// Project is the long-lived aggregate moved through the pipeline.
type Project struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Name           string          `json:"name"`
	CurrentStage   PipelineStage   `json:"current_stage"`
	WorkflowState  WorkflowState   `json:"workflow_state"`
	WorkflowConfig WorkflowConfig  `json:"workflow_config"`
	Progress       ProjectProgress `json:"progress"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// LastHistoryEntry returns the latest stage-history entry, if any.
func (p Project) LastHistoryEntry() (StageHistoryEntry, bool) {
	h := p.WorkflowState.StageHistory
	if len(h) == 0 {
		return StageHistoryEntry{}, false
	}
	return h[len(h)-1], true
}

// Clone returns a deep copy of the project.
func (p Project) Clone() Project {
	c := p
	c.WorkflowState.StageHistory = append([]StageHistoryEntry(nil), p.WorkflowState.StageHistory...)
	c.WorkflowState.IntegrityIssues = append([]string(nil), p.WorkflowState.IntegrityIssues...)
	if p.WorkflowState.LastIntegrityCheck != nil {
		ts := *p.WorkflowState.LastIntegrityCheck
		c.WorkflowState.LastIntegrityCheck = &ts
	}
	if p.Progress.StageProgress != nil {
		c.Progress.StageProgress = make(map[PipelineStage]float64, len(p.Progress.StageProgress))
		for k, v := range p.Progress.StageProgress {
			c.Progress.StageProgress[k] = v
		}
	}
	c.Progress.Milestones = append([]Milestone(nil), p.Progress.Milestones...)
	return c
}

// ProjectPatch is a "replace fields" update: nil fields are untouched.
type ProjectPatch struct {
	CurrentStage          *PipelineStage     `json:"current_stage,omitempty"`
	AppendStageHistory    *StageHistoryEntry `json:"append_stage_history,omitempty"`
	ClearStageHistory     bool               `json:"clear_stage_history,omitempty"`
	AppendIntegrityIssues []string           `json:"append_integrity_issues,omitempty"`
	LastIntegrityCheck    *time.Time         `json:"last_integrity_check,omitempty"`
	Progress              *ProjectProgress   `json:"progress,omitempty"`
	WorkflowConfig        *WorkflowConfig    `json:"workflow_config,omitempty"`
}

// Apply writes the patch onto p. History is cleared before the new entry is
// appended. An appended entry whose stage equals the latest recorded stage is
// dropped, so re-committing the same stage is a no-op.
func (p *Project) Apply(patch ProjectPatch, now time.Time) {
	if patch.CurrentStage != nil {
		p.CurrentStage = *patch.CurrentStage
	}
	if patch.ClearStageHistory {
		p.WorkflowState.StageHistory = nil
	}
	if e := patch.AppendStageHistory; e != nil {
		last, ok := p.LastHistoryEntry()
		if !ok || last.Stage != e.Stage {
			p.WorkflowState.StageHistory = append(p.WorkflowState.StageHistory, *e)
		}
	}
	if len(patch.AppendIntegrityIssues) > 0 {
		p.WorkflowState.IntegrityIssues = append(p.WorkflowState.IntegrityIssues, patch.AppendIntegrityIssues...)
	}
	if patch.LastIntegrityCheck != nil {
		ts := *patch.LastIntegrityCheck
		p.WorkflowState.LastIntegrityCheck = &ts
	}
	if patch.Progress != nil {
		p.Progress = *patch.Progress
	}
	if patch.WorkflowConfig != nil {
		p.WorkflowConfig = *patch.WorkflowConfig
	}
	p.UpdatedAt = now
}
