package model

// Validation check kinds.
const (
	CheckCompletedTaskTitleContains = "completed_task_title_contains"
	CheckAllRequiredTasksCompleted  = "all_required_tasks_completed"
	CheckNoBlockingTasks            = "no_blocking_tasks"
	CheckAlways                     = "always"
)

// ValidationCheck is one rule evaluated before a transition is allowed.
type ValidationCheck struct {
	ID      string `yaml:"id"      json:"id"`
	Rule    string `yaml:"rule"    json:"rule"`
	Message string `yaml:"message" json:"message"`
	Kind    string `yaml:"kind"    json:"kind"`
	Marker  string `yaml:"marker"  json:"marker,omitempty"`
}

// Transition action type names as they appear in definition files.
const (
	ActionAutoCompleteTasks = "auto_complete_tasks"
	ActionCreateStageTasks  = "create_stage_tasks"
	ActionUpdateDeadlines   = "update_deadlines"
)

// TransitionAction is a side effect executed when a transition commits. The
// set of implementations is closed: AutoCompleteTasks, CreateStageTasks,
// UpdateDeadlines and UnknownAction.
type TransitionAction interface {
	ActionType() string
	isTransitionAction()
}

// AutoCompleteTasks completes the open tasks of the source stage that are
// flagged AutoCompleteOnStageChange.
type AutoCompleteTasks struct{}

// CreateStageTasks instantiates the named templates in the target stage.
// Names match a template id or a template category.
type CreateStageTasks struct {
	Templates []string
}

// UpdateDeadlines recomputes stage-relative due dates. A nil Stage means the
// target stage of the transition.
type UpdateDeadlines struct {
	Stage *PipelineStage
}

// UnknownAction is produced when a definition names an action type the engine
// does not implement. Executing it is a warning, never a failure.
type UnknownAction struct {
	Type string
}

func (AutoCompleteTasks) ActionType() string { return ActionAutoCompleteTasks }
func (CreateStageTasks) ActionType() string  { return ActionCreateStageTasks }
func (UpdateDeadlines) ActionType() string   { return ActionUpdateDeadlines }
func (a UnknownAction) ActionType() string   { return a.Type }

func (AutoCompleteTasks) isTransitionAction() {}
func (CreateStageTasks) isTransitionAction()  {}
func (UpdateDeadlines) isTransitionAction()   {}
func (UnknownAction) isTransitionAction()     {}

// ActionSpec is the serialized form of a TransitionAction.
type ActionSpec struct {
	Type      string        `yaml:"type"                json:"type"`
	Templates []string      `yaml:"templates,omitempty" json:"templates,omitempty"`
	Stage     PipelineStage `yaml:"stage,omitempty"     json:"stage,omitempty"`
}

// Decode converts the spec into its typed action.
func (s ActionSpec) Decode() TransitionAction {
	switch s.Type {
	case ActionAutoCompleteTasks:
		return AutoCompleteTasks{}
	case ActionCreateStageTasks:
		return CreateStageTasks{Templates: append([]string(nil), s.Templates...)}
	case ActionUpdateDeadlines:
		if s.Stage == "" {
			return UpdateDeadlines{}
		}
		stage := s.Stage
		return UpdateDeadlines{Stage: &stage}
	default:
		return UnknownAction{Type: s.Type}
	}
}

// EncodeAction converts a typed action back into its serialized form.
func EncodeAction(a TransitionAction) ActionSpec {
	switch v := a.(type) {
	case CreateStageTasks:
		return ActionSpec{Type: ActionCreateStageTasks, Templates: v.Templates}
	case UpdateDeadlines:
		spec := ActionSpec{Type: ActionUpdateDeadlines}
		if v.Stage != nil {
			spec.Stage = *v.Stage
		}
		return spec
	default:
		return ActionSpec{Type: a.ActionType()}
	}
}

// StageTransitionWorkflow is the rule set governing one stage pair.
type StageTransitionWorkflow struct {
	Pair             StagePair          `json:"pair"`
	RequiredTasks    []string           `json:"required_tasks"`
	ValidationChecks []ValidationCheck  `json:"validation_checks"`
	OnTransition     []TransitionAction `json:"-"`
}

// IsEmpty reports whether the workflow imposes no requirements and has no
// side effects. Unknown stage pairs resolve to an empty workflow.
func (w StageTransitionWorkflow) IsEmpty() bool {
	return len(w.RequiredTasks) == 0 && len(w.ValidationChecks) == 0 && len(w.OnTransition) == 0
}

// Actions returns the serialized transition actions.
func (w StageTransitionWorkflow) Actions() []ActionSpec {
	out := make([]ActionSpec, 0, len(w.OnTransition))
	for _, a := range w.OnTransition {
		out = append(out, EncodeAction(a))
	}
	return out
}

// TaskTemplate is a blueprint for a task created on stage entry.
type TaskTemplate struct {
	ID                         string        `yaml:"id"                            json:"id"`
	Title                      string        `yaml:"title"                         json:"title"`
	Description                string        `yaml:"description"                   json:"description,omitempty"`
	Category                   string        `yaml:"category"                      json:"category"`
	Stage                      PipelineStage `yaml:"stage"                         json:"stage"`
	Priority                   TaskPriority  `yaml:"priority"                      json:"priority"`
	RequiredForStageCompletion bool          `yaml:"required_for_stage_completion" json:"required_for_stage_completion"`
	DaysAfterStageEntry        int           `yaml:"days_after_stage_entry"        json:"days_after_stage_entry,omitempty"`
	DependencyTemplates        []string      `yaml:"dependency_templates"          json:"dependency_templates,omitempty"`
}

// TransitionOutcome distinguishes why a transition result looks the way it does.
type TransitionOutcome string

// Transition outcomes.
const (
	OutcomeTransitioned TransitionOutcome = "transitioned"
	OutcomeRejected     TransitionOutcome = "rejected"
	OutcomeFailed       TransitionOutcome = "failed"
)

// TransitionResult is returned by every transition attempt. Errors explain
// why a transition did not happen; Warnings describe side-effect problems of
// a transition that did happen. The two are never mixed.
type TransitionResult struct {
	Success        bool              `json:"success"`
	Outcome        TransitionOutcome `json:"outcome"`
	FromStage      PipelineStage     `json:"from_stage"`
	NewStage       PipelineStage     `json:"new_stage"`
	CreatedTaskIDs []string          `json:"created_task_ids"`
	UpdatedTaskIDs []string          `json:"updated_task_ids"`
	Notifications  []Notification    `json:"notifications"`
	Errors         []string          `json:"errors"`
	Warnings       []string          `json:"warnings"`
}

// StageCompletionCheck summarizes whether a stage can be left.
type StageCompletionCheck struct {
	Stage                  PipelineStage `json:"stage"`
	CanComplete            bool          `json:"can_complete"`
	MissingCriticalTaskIDs []string      `json:"missing_critical_task_ids"`
	BlockingTaskIDs        []string      `json:"blocking_task_ids"`
	CompletionPercentage   float64       `json:"completion_percentage"`
	ReadyForTransition     bool          `json:"ready_for_transition"`
}
