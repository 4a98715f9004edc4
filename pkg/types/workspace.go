// Package types provides the core data types shared across the agentdeck core.
package types

// SessionStatus is the live lifecycle status of a session. It is derived from
// the session's conversations at runtime and never persisted.
type SessionStatus string

const (
	StatusIdle            SessionStatus = "idle"
	StatusThinking        SessionStatus = "thinking"
	StatusWorking         SessionStatus = "working"
	StatusWaitingApproval SessionStatus = "waiting-approval"
	StatusError           SessionStatus = "error"
	StatusDisconnected    SessionStatus = "disconnected"
)

// TabState tracks whether a tab has been bound to a live conversation yet.
// Initialization is an explicit state rather than being inferred from the
// presence of a conversation id, so replay is unambiguous.
type TabState string

const (
	TabUninitialized TabState = "uninitialized"
	TabActive        TabState = "active"
)

// Tab is one named conversation within a session. The conversation id is
// assigned lazily on the first message; the rollout path points at the
// append-only transcript used for resume.
type Tab struct {
	ID             string      `json:"id"`
	Name           string      `json:"name,omitempty"`
	State          TabState    `json:"state"`
	ConversationID string      `json:"conversationID,omitempty"`
	RolloutPath    string      `json:"rolloutPath,omitempty"`
	Tokens         *TokenUsage `json:"tokens,omitempty"`
	CreatedAt      int64       `json:"createdAt"`
}

// Session is a working-directory-scoped collection of tabs.
type Session struct {
	ID           string `json:"id"`
	RepositoryID string `json:"repositoryID"`
	WorktreePath string `json:"worktreePath"`
	WorktreeName string `json:"worktreeName"`
	CreatedAt    int64  `json:"createdAt"`
	LastActivity int64  `json:"lastActivity"`

	Tabs        []Tab  `json:"tabs"`
	ActiveTabID string `json:"activeTabID,omitempty"`

	// History holds compact records of closed tabs (most recent first,
	// bounded) so they can be reopened as new tabs. It is never replayed
	// for live state.
	History []Tab `json:"history,omitempty"`

	// Legacy single-conversation fields, read only to synthesize a default
	// tab when loading configs written before tabs existed.
	RolloutPath    string `json:"rolloutPath,omitempty"`
	ConversationID string `json:"conversationID,omitempty"`
}

// Worktree describes one checkout of a repository.
type Worktree struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Branch string `json:"branch,omitempty"`
	IsMain bool   `json:"isMain"`
}

// Repository is a registered repository root with its known worktrees.
type Repository struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	RootPath  string     `json:"rootPath"`
	Worktrees []Worktree `json:"worktrees"`
	Expanded  bool       `json:"expanded"`
}

// WorkspaceConfig is the persisted workspace record: every repository,
// every session with its tabs and history, and the active session pointer.
type WorkspaceConfig struct {
	Version         int          `json:"version"`
	Repositories    []Repository `json:"repositories"`
	Sessions        []Session    `json:"sessions"`
	ActiveSessionID string       `json:"activeSessionID,omitempty"`
}

// TokenUsage is the cumulative token accounting for a conversation.
type TokenUsage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Reasoning int `json:"reasoning"`
	Total     int `json:"total"`
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Reasoning += other.Reasoning
	u.Total += other.Total
}
