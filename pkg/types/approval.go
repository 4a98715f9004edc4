package types

// ApprovalKind distinguishes what a tool call wants to do.
type ApprovalKind string

const (
	ApprovalExec  ApprovalKind = "exec"
	ApprovalPatch ApprovalKind = "patch"
)

// ApprovalMode is the session-wide approval policy.
type ApprovalMode string

const (
	// ApprovalReadOnly prompts for every file edit and command.
	ApprovalReadOnly ApprovalMode = "read-only"
	// ApprovalAuto pre-approves work inside the session's worktree;
	// anything touching paths outside it still prompts.
	ApprovalAuto ApprovalMode = "auto"
	// ApprovalFullAccess pre-approves everything.
	ApprovalFullAccess ApprovalMode = "full-access"
)

// ApprovalRequest asks the user whether a tool call may proceed. Exactly one
// request is outstanding per conversation at a time.
type ApprovalRequest struct {
	ID             string       `json:"id"`
	SessionID      string       `json:"sessionID"`
	ConversationID string       `json:"conversationID"`
	Kind           ApprovalKind `json:"kind"`

	// Exec payload.
	Command string `json:"command,omitempty"`
	Cwd     string `json:"cwd,omitempty"`

	// Patch payload.
	Files []string `json:"files,omitempty"`

	Reason string `json:"reasoning,omitempty"`
}
