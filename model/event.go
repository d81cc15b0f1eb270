package model

import "time"

// Notification kinds.
const (
	NotificationStageTransitioned = "stage_transitioned"
	NotificationTaskUnblocked     = "task_unblocked"
	NotificationTasksCreated      = "tasks_created"
	NotificationProgressMilestone = "progress_milestone"
	NotificationRollback          = "stage_rollback"
)

// Notification is a fire-and-forget message about something the engine did.
type Notification struct {
	Kind           string    `json:"kind"`
	OrganizationID string    `json:"organization_id"`
	ProjectID      string    `json:"project_id"`
	TaskID         string    `json:"task_id,omitempty"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`
}

// ChangeType describes a task mutation.
type ChangeType string

// Change types.
const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

// TaskChange is one task mutation seen on the change feed.
type TaskChange struct {
	Type     ChangeType `json:"type"`
	Task     Task       `json:"task"`
	Previous *Task      `json:"previous,omitempty"`
}

// NewlyCompleted reports whether the change moved the task into completed.
func (c TaskChange) NewlyCompleted() bool {
	if c.Type != ChangeModified || !c.Task.IsCompleted() {
		return false
	}
	return c.Previous == nil || !c.Previous.IsCompleted()
}

// TaskChangeBatch groups the changes delivered together for one project.
type TaskChangeBatch struct {
	OrganizationID string       `json:"organization_id"`
	ProjectID      string       `json:"project_id"`
	Changes        []TaskChange `json:"changes"`
}
