package model

import "fmt"

// PipelineStage is one of the seven ordered production phases of a project.
type PipelineStage string

// Pipeline stages in their fixed order.
const (
	StageIdeasPlanning    PipelineStage = "ideas_planning"
	StageCreation         PipelineStage = "creation"
	StageInternalApproval PipelineStage = "internal_approval"
	StageCustomerApproval PipelineStage = "customer_approval"
	StageDistribution     PipelineStage = "distribution"
	StageMonitoring       PipelineStage = "monitoring"
	StageCompleted        PipelineStage = "completed"
)

var stageOrder = []PipelineStage{
	StageIdeasPlanning,
	StageCreation,
	StageInternalApproval,
	StageCustomerApproval,
	StageDistribution,
	StageMonitoring,
	StageCompleted,
}

// stageWeights is the fixed contribution of each stage to overall progress.
// The weights sum to 100 and are never renormalized.
var stageWeights = map[PipelineStage]float64{
	StageIdeasPlanning:    10,
	StageCreation:         25,
	StageInternalApproval: 15,
	StageCustomerApproval: 15,
	StageDistribution:     25,
	StageMonitoring:       8,
	StageCompleted:        2,
}

// AllStages returns the stages in pipeline order. The returned slice is a copy.
func AllStages() []PipelineStage {
	out := make([]PipelineStage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Index returns the zero-based position of the stage, or -1 for unknown values.
func (s PipelineStage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the known stages.
func (s PipelineStage) Valid() bool {
	return s.Index() >= 0
}

// Next returns the stage that follows s. The boolean is false for the last
// stage and for unknown values.
func (s PipelineStage) Next() (PipelineStage, bool) {
	i := s.Index()
	if i < 0 || i == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

// Before reports whether s comes strictly earlier in the pipeline than other.
func (s PipelineStage) Before(other PipelineStage) bool {
	return s.Index() >= 0 && s.Index() < other.Index()
}

// Weight returns the fixed progress weight of the stage (0 for unknown values).
func (s PipelineStage) Weight() float64 {
	return stageWeights[s]
}

// String implements fmt.Stringer.
func (s PipelineStage) String() string {
	return string(s)
}

// ParseStage converts a raw string into a PipelineStage.
func ParseStage(raw string) (PipelineStage, error) {
	s := PipelineStage(raw)
	if !s.Valid() {
		return "", NewBadRequestError(fmt.Sprintf("unknown pipeline stage %q", raw))
	}
	return s, nil
}

// StagePair identifies a transition between two stages.
type StagePair struct {
	From PipelineStage `yaml:"from" json:"from"`
	To   PipelineStage `yaml:"to"   json:"to"`
}

// String renders the pair as "from->to".
func (p StagePair) String() string {
	return fmt.Sprintf("%s->%s", p.From, p.To)
}
