package model

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task status constants.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusBlocked    TaskStatus = "blocked"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusBlocked, TaskStatusInProgress, TaskStatusCompleted:
		return true
	}
	return false
}

// TaskPriority ranks tasks for scheduling.
type TaskPriority string

// Task priority constants.
const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// DeadlineRules controls how a task's due date follows its stage.
type DeadlineRules struct {
	RelativeToPipelineStage bool `json:"relative_to_pipeline_stage" yaml:"relative_to_pipeline_stage"`
	DaysAfterStageEntry     int  `json:"days_after_stage_entry"     yaml:"days_after_stage_entry"`
	CascadeDelay            bool `json:"cascade_delay"              yaml:"cascade_delay"`
}

// StageContext records how a task came to exist in its stage.
type StageContext struct {
	CreatedOnStageEntry   bool   `json:"created_on_stage_entry"`
	InheritedFromTemplate string `json:"inherited_from_template,omitempty"`
	StageProgressWeight   int    `json:"stage_progress_weight"`
	CriticalPath          bool   `json:"critical_path"`
}

// Task is a unit of work attached to a project and a pipeline stage.
type Task struct {
	ID                         string         `json:"id"`
	OrganizationID             string         `json:"organization_id"`
	Title                      string         `json:"title"`
	Description                string         `json:"description,omitempty"`
	Category                   string         `json:"category,omitempty"`
	Status                     TaskStatus     `json:"status"`
	Priority                   TaskPriority   `json:"priority"`
	LinkedProjectID            string         `json:"linked_project_id,omitempty"`
	PipelineStage              PipelineStage  `json:"pipeline_stage,omitempty"`
	RequiredForStageCompletion bool           `json:"required_for_stage_completion"`
	BlocksStageTransition      bool           `json:"blocks_stage_transition"`
	AutoCompleteOnStageChange  bool           `json:"auto_complete_on_stage_change"`
	DependsOnTaskIDs           []string       `json:"depends_on_task_ids,omitempty"`
	DueDate                    *time.Time     `json:"due_date,omitempty"`
	CompletedAt                *time.Time     `json:"completed_at,omitempty"`
	DeadlineRules              *DeadlineRules `json:"deadline_rules,omitempty"`
	StageContext               *StageContext  `json:"stage_context,omitempty"`
	CreatedAt                  time.Time      `json:"created_at"`
	UpdatedAt                  time.Time      `json:"updated_at"`
}

// IsCompleted reports whether the task is done.
func (t Task) IsCompleted() bool {
	return t.Status == TaskStatusCompleted
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	c := t
	if t.DependsOnTaskIDs != nil {
		c.DependsOnTaskIDs = append([]string(nil), t.DependsOnTaskIDs...)
	}
	if t.DueDate != nil {
		d := *t.DueDate
		c.DueDate = &d
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	if t.DeadlineRules != nil {
		r := *t.DeadlineRules
		c.DeadlineRules = &r
	}
	if t.StageContext != nil {
		sc := *t.StageContext
		c.StageContext = &sc
	}
	return c
}

// TaskPatch is a partial update. Nil fields are left untouched. There is no
// stage field: a task's pipeline stage never changes after creation.
type TaskPatch struct {
	Title            *string       `json:"title,omitempty"`
	Description      *string       `json:"description,omitempty"`
	Status           *TaskStatus   `json:"status,omitempty"`
	Priority         *TaskPriority `json:"priority,omitempty"`
	DueDate          *time.Time    `json:"due_date,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	DependsOnTaskIDs []string      `json:"depends_on_task_ids,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.DueDate == nil && p.CompletedAt == nil &&
		p.DependsOnTaskIDs == nil
}

// Apply writes the non-nil fields of the patch onto t. Setting status to
// completed without an explicit completion time stamps it with now.
func (t *Task) Apply(p TaskPatch, now time.Time) {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
		if *p.Status == TaskStatusCompleted && p.CompletedAt == nil && t.CompletedAt == nil {
			ts := now
			t.CompletedAt = &ts
		}
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.DueDate != nil {
		d := *p.DueDate
		t.DueDate = &d
	}
	if p.CompletedAt != nil {
		d := *p.CompletedAt
		t.CompletedAt = &d
	}
	if p.DependsOnTaskIDs != nil {
		t.DependsOnTaskIDs = append([]string(nil), p.DependsOnTaskIDs...)
	}
	t.UpdatedAt = now
}

// StatusPatch returns a patch that only sets the status.
func StatusPatch(s TaskStatus) TaskPatch {
	return TaskPatch{Status: &s}
}

// TaskFilter narrows a task query within a project.
type TaskFilter struct {
	Stage        *PipelineStage
	RequiredOnly bool
}

// ForStage returns a filter on a single stage.
func ForStage(s PipelineStage) TaskFilter {
	return TaskFilter{Stage: &s}
}

// Matches reports whether t passes the filter.
func (f TaskFilter) Matches(t Task) bool {
	if f.Stage != nil && t.PipelineStage != *f.Stage {
		return false
	}
	if f.RequiredOnly && !t.RequiredForStageCompletion {
		return false
	}
	return true
}
