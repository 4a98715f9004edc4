// Package plan implements the plan-first workflow state machine.
package plan

import (
	"strings"
	"sync"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// Phase of the workflow. Transitions:
//
//	idle -> awaiting_plan        Begin
//	awaiting_plan -> awaiting_approval   HandleUpdate
//	awaiting_approval -> executing       Approve
//	awaiting_approval -> awaiting_plan   Feedback
//	executing -> idle                    TurnDone
//	any -> idle                          Cancel
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseAwaitingPlan     Phase = "awaiting_plan"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseExecuting        Phase = "executing"
)

// Workflow tracks the plan-first state for one conversation.
type Workflow struct {
	mu       sync.Mutex
	phase    Phase
	detail   types.PlanDetail
	request  string
	lastPlan *types.PlanUpdate
	feedback []string
}

// NewWorkflow creates an idle workflow with the given detail preference.
func NewWorkflow(detail types.PlanDetail) *Workflow {
	if detail == "" {
		detail = types.PlanDetailAuto
	}
	return &Workflow{phase: PhaseIdle, detail: detail}
}

// SetDetail changes the plan detail preference for future plan requests.
func (w *Workflow) SetDetail(detail types.PlanDetail) {
	w.mu.Lock()
	w.detail = detail
	w.mu.Unlock()
}

// Phase returns the current workflow phase.
func (w *Workflow) Phase() Phase {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.phase
}

// AwaitingApproval reports whether a plan is ready for review.
func (w *Workflow) AwaitingApproval() bool {
	return w.Phase() == PhaseAwaitingApproval
}

// LastPlan returns the most recent plan update, or nil.
func (w *Workflow) LastPlan() *types.PlanUpdate {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastPlan
}

// Begin starts a plan request. It stores the original request text for later
// restatement and returns the decorated submission: plan instructions
// followed by the goal.
func (w *Workflow) Begin(request string) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.phase = PhaseAwaitingPlan
	w.request = request
	w.lastPlan = nil
	w.feedback = nil

	var sb strings.Builder
	sb.WriteString(w.instructions())
	sb.WriteString("\n\nGoal:\n")
	if strings.TrimSpace(request) == "" {
		sb.WriteString("(no detailed goal provided)\n")
	} else {
		sb.WriteString(strings.TrimSpace(request))
		sb.WriteString("\n")
	}
	return sb.String()
}

func (w *Workflow) instructions() string {
	parts := []string{
		"You are operating in a plan-first workflow. Your next response must use the `update_plan` tool only.",
	}
	switch w.detail {
	case types.PlanDetailCoarse:
		parts = append(parts, "Produce a concise, high-level plan of roughly 3-4 major steps that highlight the main actions.")
	case types.PlanDetailDetailed:
		parts = append(parts, "Produce a detailed plan of roughly 6-10 steps that cover implementation, validation, and follow-up tasks.")
	default:
		parts = append(parts, "Decide on the level of detail: keep the plan to roughly 3-4 steps for a narrow change, or expand to 6-10 focused steps when the request spans multiple files or systems.")
	}
	parts = append(parts, "Each step must mention the relevant files/modules or commands plus how you will verify the change (tests, linters, manual QA). Start every step with status `pending` unless progress is already made.")
	return strings.Join(parts, " ")
}

// HandleUpdate records a plan update. It returns true when the update moved
// the workflow into awaiting_approval, meaning the caller should stop the
// turn and surface the plan for review. Updates while executing are progress
// reports only.
func (w *Workflow) HandleUpdate(update types.PlanUpdate) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastPlan = &update
	if w.phase == PhaseAwaitingPlan {
		w.phase = PhaseAwaitingApproval
		return true
	}
	return false
}

// Approve accepts the pending plan. It returns the synthesized execution
// message restating the original request plus accumulated feedback; ok is
// false when no plan is awaiting approval. Plan decoration is suspended
// while executing.
func (w *Workflow) Approve() (message string, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.phase != PhaseAwaitingApproval {
		return "", false
	}
	w.phase = PhaseExecuting

	var sb strings.Builder
	sb.WriteString(w.request)
	if len(w.feedback) > 0 {
		sb.WriteString("\n\nAdditional guidance from planning:\n")
		for _, entry := range w.feedback {
			sb.WriteString("- ")
			sb.WriteString(strings.TrimSpace(entry))
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\n\nPlan approved, execute these steps.")
	return sb.String(), true
}

// Feedback sends revision guidance back to the model. The feedback entry is
// retained and restated on the eventual approval. ok is false when no plan
// is awaiting approval, or the feedback is blank.
func (w *Workflow) Feedback(text string) (message string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.phase != PhaseAwaitingApproval {
		return "", false
	}
	w.feedback = append(w.feedback, trimmed)
	w.phase = PhaseAwaitingPlan
	return "Plan feedback:\n" + trimmed + "\n\nPlease revise the plan and wait for approval.", true
}

// Cancel abandons the workflow from any phase and clears its state.
func (w *Workflow) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.phase = PhaseIdle
	w.request = ""
	w.lastPlan = nil
	w.feedback = nil
}

// TurnDone marks the end of the execution turn; executing returns to idle.
func (w *Workflow) TurnDone() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.phase == PhaseExecuting {
		w.phase = PhaseIdle
		w.request = ""
		w.feedback = nil
	}
}
