package event

import "github.com/agentdeck/agentdeck/pkg/types"

// Type enumerates every event kind carried on a session stream.
type Type string

const (
	Message          Type = "message"
	ToolStart        Type = "toolStart"
	ToolEnd          Type = "toolEnd"
	ContentDelta     Type = "contentDelta"
	ReasoningDelta   Type = "reasoningDelta"
	ExecOutputDelta  Type = "execOutputDelta"
	TaskStarted      Type = "taskStarted"
	TaskComplete     Type = "taskComplete"
	TurnAborted      Type = "turnAborted"
	TokenCount       Type = "tokenUsage"
	ApprovalRequest  Type = "approvalRequest"
	Warning          Type = "warning"
	Background       Type = "background"
	SubagentUpdate   Type = "subagentUpdate"
	SubagentLog      Type = "subagentLog"
	PlanUpdated      Type = "planUpdate"
	ContextCompacted Type = "contextCompacted"
	MemoryResponse   Type = "memoryResponse"
	StreamError      Type = "streamError"
	Error            Type = "error"

	CheckpointCreated  Type = "checkpointCreated"
	CheckpointRestored Type = "checkpointRestored"
	CheckpointList     Type = "checkpointList"
	CheckpointDiff     Type = "checkpointDiff"
	CheckpointError    Type = "checkpointError"
	UndoStarted        Type = "undoStarted"
	UndoCompleted      Type = "undoCompleted"
)

// MessageData is a finalized message appended to a tab's transcript.
type MessageData struct {
	TabID   string `json:"tabId"`
	ID      string `json:"id"`
	Role    string `json:"role"` // "user" | "assistant"
	Content string `json:"content"`
	At      int64  `json:"at"`
}

// ToolStartData marks the start of a tool execution.
type ToolStartData struct {
	ID        string `json:"id"`
	ToolType  string `json:"toolType"` // "shell" | "edit" | "read" | ...
	Name      string `json:"name"`
	Input     any    `json:"input,omitempty"`
	StartTime int64  `json:"startTime"`
}

// ToolEndData is the terminal event for a tool call. A toolEnd is never
// published before its matching toolStart.
type ToolEndData struct {
	ID       string `json:"id"`
	ToolType string `json:"toolType"`
	Name     string `json:"name"`
	Status   string `json:"status"` // "success" | "error"
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	EndTime  int64  `json:"endTime"`
}

// ContentDeltaData is a streaming text fragment.
type ContentDeltaData struct {
	TabID     string `json:"tabId,omitempty"`
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

// ReasoningDeltaData is a streaming reasoning fragment.
type ReasoningDeltaData struct {
	MessageID string `json:"messageId"`
	Delta     string `json:"delta"`
}

// ExecOutputDeltaData streams chunks of a running command's output.
type ExecOutputDeltaData struct {
	CallID string `json:"callId"`
	Stream string `json:"stream"` // "stdout" | "stderr"
	Chunk  string `json:"chunk"`
}

// TaskStartedData opens a turn.
type TaskStartedData struct {
	TabID         string `json:"tabId,omitempty"`
	ContextWindow int    `json:"contextWindow,omitempty"`
}

// TaskCompleteData closes a turn; it is the last event of a normal turn.
type TaskCompleteData struct {
	TabID       string `json:"tabId,omitempty"`
	LastMessage string `json:"lastMessage,omitempty"`
}

// TurnAbortedData marks an interrupted turn. Sub-agent terminal statuses may
// still follow; nothing else from the turn does.
type TurnAbortedData struct {
	TabID  string `json:"tabId,omitempty"`
	Reason string `json:"reason"`
}

// TokenCountData reports cumulative and last-turn token usage.
type TokenCountData struct {
	Total         types.TokenUsage `json:"total"`
	Last          types.TokenUsage `json:"last"`
	ContextWindow int              `json:"contextWindow,omitempty"`
}

// ApprovalRequestData asks the consumer to approve or deny a tool call.
type ApprovalRequestData struct {
	Kind      types.ApprovalKind `json:"kind"`
	ID        string             `json:"id"`
	Command   string             `json:"command,omitempty"`
	Cwd       string             `json:"cwd,omitempty"`
	Files     []string           `json:"files,omitempty"`
	Reasoning string             `json:"reasoning,omitempty"`
}

// WarningData is a non-fatal notice.
type WarningData struct {
	Message string `json:"message"`
}

// BackgroundData reports background activity.
type BackgroundData struct {
	Message string `json:"message"`
}

// SubagentUpdateData reports a helper task's status transition. Each task
// reaches exactly one terminal status (Done, Failed or Timeout).
type SubagentUpdateData struct {
	CallID     string `json:"callId"`
	AgentIndex int    `json:"agentIndex"`
	Task       string `json:"task"`
	Status     string `json:"status"`
	Summary    string `json:"summary,omitempty"`
}

// SubagentLogData streams one log line from a helper task.
type SubagentLogData struct {
	CallID     string `json:"callId"`
	AgentIndex int    `json:"agentIndex"`
	Task       string `json:"task"`
	Line       string `json:"line"`
}

// PlanUpdateData carries a full plan revision.
type PlanUpdateData = types.PlanUpdate

// ContextCompactedData signals that the conversation context crossed the
// compaction threshold; summarization is the model's job.
type ContextCompactedData struct {
	Tokens        int `json:"tokens"`
	ContextWindow int `json:"contextWindow"`
}

// MemoryResponseData reports the outcome of a remember request.
type MemoryResponseData struct {
	Success  bool   `json:"success"`
	MemoryID string `json:"memoryId,omitempty"`
	Error    string `json:"error,omitempty"`
}

// StreamErrorData reports a transient model-stream failure.
type StreamErrorData struct {
	Message string `json:"message"`
}

// ErrorData reports a turn-aborting failure.
type ErrorData struct {
	Message string `json:"message"`
}

// CheckpointData wraps checkpoint lifecycle events.
type CheckpointData struct {
	Checkpoint types.Checkpoint `json:"checkpoint"`
}

// CheckpointListData lists known checkpoints, newest first.
type CheckpointListData struct {
	Checkpoints []types.Checkpoint `json:"checkpoints"`
}

// CheckpointDiffData carries per-file patches between a checkpoint and the
// current tree.
type CheckpointDiffData struct {
	Name  string           `json:"name"`
	Files []types.FileDiff `json:"files"`
}

// CheckpointErrorData reports a failed checkpoint operation. Failed restores
// leave the working tree untouched.
type CheckpointErrorData struct {
	Action  string `json:"action"` // "create" | "restore" | "list" | "diff"
	Message string `json:"message"`
}
