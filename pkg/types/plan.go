package types

// StepStatus is the progress marker on a single plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
)

// PlanStep is one step of a proposed plan.
type PlanStep struct {
	Step   string     `json:"step"`
	Status StepStatus `json:"status"`
}

// PlanUpdate is a full plan revision issued by the model. Revisions replace
// the previous plan wholesale; only step statuses mutate in place.
type PlanUpdate struct {
	Explanation string     `json:"explanation,omitempty"`
	Plan        []PlanStep `json:"plan"`
}

// PlanDetail selects how granular a requested plan should be.
type PlanDetail string

const (
	PlanDetailAuto     PlanDetail = "auto"
	PlanDetailCoarse   PlanDetail = "coarse"
	PlanDetailDetailed PlanDetail = "detailed"
)
