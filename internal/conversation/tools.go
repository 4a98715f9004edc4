package conversation

import (
	"context"
	"encoding/json"

	"github.com/agentdeck/agentdeck/internal/provider"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string
	Name      string
	Arguments string
}

// Classification tells the loop how to gate a call before running it.
type Classification struct {
	Kind     types.ApprovalKind
	Mutating bool

	// Exec payload for the approval request.
	Command string
	// Patch payload for the approval request.
	Files []string
}

// Runner executes tool calls on behalf of a conversation. The loop never
// inspects tool internals: it classifies, gates, runs, and reports.
type Runner interface {
	// Tools lists the tool definitions advertised to the model.
	Tools() []provider.ToolInfo

	// Classify describes a call for approval gating. Calls classified as
	// non-mutating skip the gate and the ghost checkpoint.
	Classify(call Call) Classification

	// Run executes the call. emit streams incremental output chunks
	// (stream is "stdout" or "stderr"). The returned string is the tool
	// result reported to the model.
	Run(ctx context.Context, call Call, emit func(stream, chunk string)) (string, error)
}

// Built-in tool names handled by the loop itself rather than the Runner.
const (
	toolUpdatePlan  = "update_plan"
	toolSpawnAgents = "spawn_agents"
)

func builtinTools() []provider.ToolInfo {
	return []provider.ToolInfo{
		{
			Name:        toolUpdatePlan,
			Description: "Create or revise the step-by-step plan for the current request. Revisions replace the whole plan; update step statuses as work progresses.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"explanation": {"type": "string", "description": "Short note about what changed in the plan"},
					"plan": {"type": "array", "description": "Ordered steps, each {step, status} with status pending|in_progress|completed"}
				},
				"required": ["plan"]
			}`),
		},
		{
			Name:        toolSpawnAgents,
			Description: "Run independent subtasks in parallel with isolated helper agents. Each task gets its own context and returns a summary.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"tasks": {"type": "array", "description": "Subtask descriptions, each {task, context}"}
				},
				"required": ["tasks"]
			}`),
		},
	}
}

type spawnArgs struct {
	Tasks []struct {
		Task    string `json:"task"`
		Context string `json:"context"`
	} `json:"tasks"`
}
