// Package workspace maintains the persistent registry of repositories,
// sessions, and tabs behind the host commands.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentdeck/agentdeck/internal/storage"
	"github.com/agentdeck/agentdeck/pkg/types"
)

const (
	configVersion = 1
	historyCap    = 20
)

var (
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTabNotFound is returned for operations on unknown tabs.
	ErrTabNotFound = errors.New("tab not found")
	// ErrLastTab is returned when closing a session's only tab.
	ErrLastTab = errors.New("cannot close the last tab")
)

// Registry is the single writer for the workspace config. All reads return
// deep copies; all mutations go through the registry mutex and schedule a
// debounced write-behind persist.
type Registry struct {
	store   *storage.Storage
	persist *persister
	watcher *configWatcher

	mu  sync.Mutex
	cfg types.WorkspaceConfig
}

// NewRegistry loads the workspace config from dataDir (an empty default when
// absent), starts the debounced persister, and watches the backing file for
// external edits.
func NewRegistry(dataDir string) (*Registry, error) {
	store := storage.New(dataDir)
	r := &Registry{store: store}

	var cfg types.WorkspaceConfig
	err := store.Get(context.Background(), []string{"workspaces"}, &cfg)
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		cfg = types.WorkspaceConfig{Version: configVersion}
	default:
		return nil, fmt.Errorf("load workspace config: %w", err)
	}
	migrate(&cfg)
	r.cfg = cfg

	r.persist = newPersister(store, r.Snapshot)

	watcher, err := newConfigWatcher(filepath.Join(dataDir, "workspaces.json"), r.persist, r.reload)
	if err == nil {
		r.watcher = watcher
	}
	return r, nil
}

// migrate normalizes configs written by earlier versions: sessions that
// predate tabs get a default tab synthesized from their legacy
// single-conversation fields.
func migrate(cfg *types.WorkspaceConfig) {
	if cfg.Version == 0 {
		cfg.Version = configVersion
	}
	for i := range cfg.Sessions {
		sess := &cfg.Sessions[i]
		if len(sess.Tabs) > 0 {
			continue
		}
		tab := types.Tab{
			ID:        sess.ID,
			State:     types.TabUninitialized,
			CreatedAt: sess.CreatedAt,
		}
		if sess.ConversationID != "" {
			tab.State = types.TabActive
			tab.ConversationID = sess.ConversationID
		}
		tab.RolloutPath = sess.RolloutPath
		sess.Tabs = []types.Tab{tab}
		sess.ActiveTabID = tab.ID
	}
}

// reload replaces the in-memory config after an external file edit.
func (r *Registry) reload() {
	var cfg types.WorkspaceConfig
	if err := r.store.Get(context.Background(), []string{"workspaces"}, &cfg); err != nil {
		return
	}
	migrate(&cfg)
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Snapshot returns a deep copy of the current config.
func (r *Registry) Snapshot() types.WorkspaceConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() types.WorkspaceConfig {
	out := r.cfg
	out.Repositories = make([]types.Repository, len(r.cfg.Repositories))
	for i, repo := range r.cfg.Repositories {
		out.Repositories[i] = repo
		out.Repositories[i].Worktrees = append([]types.Worktree(nil), repo.Worktrees...)
	}
	out.Sessions = make([]types.Session, len(r.cfg.Sessions))
	for i, sess := range r.cfg.Sessions {
		out.Sessions[i] = sess
		out.Sessions[i].Tabs = copyTabs(sess.Tabs)
		out.Sessions[i].History = copyTabs(sess.History)
	}
	return out
}

func copyTabs(tabs []types.Tab) []types.Tab {
	if tabs == nil {
		return nil
	}
	out := make([]types.Tab, len(tabs))
	for i, tab := range tabs {
		out[i] = tab
		if tab.Tokens != nil {
			tokens := *tab.Tokens
			out[i].Tokens = &tokens
		}
	}
	return out
}

// OpenRepository registers a repository by root path. Opening an already
// registered path returns the existing record unchanged.
func (r *Registry) OpenRepository(rootPath string) (types.Repository, error) {
	rootPath = filepath.Clean(rootPath)

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, repo := range r.cfg.Repositories {
		if repo.RootPath == rootPath {
			return repo, nil
		}
	}

	repo := types.Repository{
		ID:       uuid.NewString(),
		Name:     filepath.Base(rootPath),
		RootPath: rootPath,
		Worktrees: []types.Worktree{
			{Name: filepath.Base(rootPath), Path: rootPath, IsMain: true},
		},
		Expanded: true,
	}
	r.cfg.Repositories = append(r.cfg.Repositories, repo)
	r.persist.markDirty()
	return repo, nil
}

// RemoveRepository unregisters a repository and drops its sessions.
func (r *Registry) RemoveRepository(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	found := false
	repos := r.cfg.Repositories[:0]
	for _, repo := range r.cfg.Repositories {
		if repo.ID == id {
			found = true
			continue
		}
		repos = append(repos, repo)
	}
	if !found {
		return fmt.Errorf("repository not found: %s", id)
	}
	r.cfg.Repositories = repos

	sessions := r.cfg.Sessions[:0]
	for _, sess := range r.cfg.Sessions {
		if sess.RepositoryID == id {
			if r.cfg.ActiveSessionID == sess.ID {
				r.cfg.ActiveSessionID = ""
			}
			continue
		}
		sessions = append(sessions, sess)
	}
	r.cfg.Sessions = sessions
	r.persist.markDirty()
	return nil
}

// UpsertSession inserts or replaces a session record. Missing ids and
// timestamps are filled in; a session without tabs gets one uninitialized
// tab so it is always usable.
func (r *Registry) UpsertSession(sess types.Session) types.Session {
	now := time.Now().UnixMilli()
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now
	}
	sess.LastActivity = now
	if len(sess.Tabs) == 0 {
		tab := types.Tab{ID: uuid.NewString(), State: types.TabUninitialized, CreatedAt: now}
		sess.Tabs = []types.Tab{tab}
		sess.ActiveTabID = tab.ID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.cfg.Sessions {
		if r.cfg.Sessions[i].ID == sess.ID {
			r.cfg.Sessions[i] = sess
			r.persist.markDirty()
			return sess
		}
	}
	r.cfg.Sessions = append(r.cfg.Sessions, sess)
	r.persist.markDirty()
	return sess
}

// Session returns a deep copy of a session.
func (r *Registry) Session(id string) (types.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessionLocked(id)
	if sess == nil {
		return types.Session{}, false
	}
	out := *sess
	out.Tabs = copyTabs(sess.Tabs)
	out.History = copyTabs(sess.History)
	return out, true
}

func (r *Registry) sessionLocked(id string) *types.Session {
	for i := range r.cfg.Sessions {
		if r.cfg.Sessions[i].ID == id {
			return &r.cfg.Sessions[i]
		}
	}
	return nil
}

func (r *Registry) tabLocked(sess *types.Session, tabID string) *types.Tab {
	for i := range sess.Tabs {
		if sess.Tabs[i].ID == tabID {
			return &sess.Tabs[i]
		}
	}
	return nil
}

// SetActiveSession records which session the host currently shows.
func (r *Registry) SetActiveSession(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.ActiveSessionID = id
	r.persist.markDirty()
}

// CreateTab adds a new uninitialized tab to a session and selects it.
func (r *Registry) CreateTab(sessionID string) (types.Tab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessionLocked(sessionID)
	if sess == nil {
		return types.Tab{}, ErrSessionNotFound
	}
	tab := types.Tab{
		ID:        uuid.NewString(),
		State:     types.TabUninitialized,
		CreatedAt: time.Now().UnixMilli(),
	}
	sess.Tabs = append(sess.Tabs, tab)
	sess.ActiveTabID = tab.ID
	sess.LastActivity = tab.CreatedAt
	r.persist.markDirty()
	return tab, nil
}

// CloseTab removes a tab. The last tab of a session cannot be closed. A tab
// that saw conversation activity is moved to the front of the session
// history, bounded at the cap.
func (r *Registry) CloseTab(sessionID, tabID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessionLocked(sessionID)
	if sess == nil {
		return ErrSessionNotFound
	}
	if len(sess.Tabs) <= 1 {
		return ErrLastTab
	}

	index := -1
	for i := range sess.Tabs {
		if sess.Tabs[i].ID == tabID {
			index = i
			break
		}
	}
	if index < 0 {
		return ErrTabNotFound
	}

	closed := sess.Tabs[index]
	sess.Tabs = append(sess.Tabs[:index], sess.Tabs[index+1:]...)

	if closed.ConversationID != "" {
		addToHistory(sess, closed)
	}

	if sess.ActiveTabID == tabID {
		next := index
		if next >= len(sess.Tabs) {
			next = len(sess.Tabs) - 1
		}
		sess.ActiveTabID = sess.Tabs[next].ID
	}
	sess.LastActivity = time.Now().UnixMilli()
	r.persist.markDirty()
	return nil
}

func addToHistory(sess *types.Session, tab types.Tab) {
	history := make([]types.Tab, 0, len(sess.History)+1)
	history = append(history, tab)
	for _, old := range sess.History {
		if old.ID != tab.ID {
			history = append(history, old)
		}
	}
	if len(history) > historyCap {
		history = history[:historyCap]
	}
	sess.History = history
}

// SelectTab makes a tab the session's active tab.
func (r *Registry) SelectTab(sessionID, tabID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessionLocked(sessionID)
	if sess == nil {
		return ErrSessionNotFound
	}
	if r.tabLocked(sess, tabID) == nil {
		return ErrTabNotFound
	}
	sess.ActiveTabID = tabID
	sess.LastActivity = time.Now().UnixMilli()
	r.persist.markDirty()
	return nil
}

// RenameTab sets an explicit tab name.
func (r *Registry) RenameTab(sessionID, tabID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessionLocked(sessionID)
	if sess == nil {
		return ErrSessionNotFound
	}
	tab := r.tabLocked(sess, tabID)
	if tab == nil {
		return ErrTabNotFound
	}
	tab.Name = name
	r.persist.markDirty()
	return nil
}

// NameTabFromMessage derives a tab name from the first user message. Tabs
// that already have a name keep it.
func (r *Registry) NameTabFromMessage(sessionID, tabID, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessionLocked(sessionID)
	if sess == nil {
		return
	}
	tab := r.tabLocked(sess, tabID)
	if tab == nil || tab.Name != "" {
		return
	}
	tab.Name = TabNameFromMessage(message)
	r.persist.markDirty()
}

// BindTab marks a tab active and records its conversation id and rollout
// path on first use.
func (r *Registry) BindTab(sessionID, tabID, conversationID, rolloutPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessionLocked(sessionID)
	if sess == nil {
		return ErrSessionNotFound
	}
	tab := r.tabLocked(sess, tabID)
	if tab == nil {
		return ErrTabNotFound
	}
	tab.State = types.TabActive
	tab.ConversationID = conversationID
	tab.RolloutPath = rolloutPath
	sess.LastActivity = time.Now().UnixMilli()
	r.persist.markDirty()
	return nil
}

// UpdateTabTokens accumulates token usage on a tab.
func (r *Registry) UpdateTabTokens(sessionID, tabID string, usage types.TokenUsage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessionLocked(sessionID)
	if sess == nil {
		return
	}
	tab := r.tabLocked(sess, tabID)
	if tab == nil {
		return
	}
	if tab.Tokens == nil {
		tab.Tokens = &types.TokenUsage{}
	}
	tab.Tokens.Add(usage)
	r.persist.markDirty()
}

// UpdateSessionTabs replaces a session's tab list wholesale. The host uses
// this to sync ordering and names after drag or rename interactions.
func (r *Registry) UpdateSessionTabs(sessionID string, tabs []types.Tab, activeTabID string) error {
	if len(tabs) == 0 {
		return ErrLastTab
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessionLocked(sessionID)
	if sess == nil {
		return ErrSessionNotFound
	}
	sess.Tabs = copyTabs(tabs)
	if activeTabID != "" {
		sess.ActiveTabID = activeTabID
	}
	if r.tabLocked(sess, sess.ActiveTabID) == nil {
		sess.ActiveTabID = sess.Tabs[0].ID
	}
	sess.LastActivity = time.Now().UnixMilli()
	r.persist.markDirty()
	return nil
}

// AddTabToHistory pushes a tab record onto the session history without
// touching live tabs.
func (r *Registry) AddTabToHistory(sessionID string, tab types.Tab) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessionLocked(sessionID)
	if sess == nil {
		return ErrSessionNotFound
	}
	addToHistory(sess, tab)
	r.persist.markDirty()
	return nil
}

// SessionHistory returns the closed-tab history, most recent first.
func (r *Registry) SessionHistory(sessionID string) ([]types.Tab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessionLocked(sessionID)
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return copyTabs(sess.History), nil
}

// TabRollout returns the rollout path recorded for a tab.
func (r *Registry) TabRollout(sessionID, tabID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.sessionLocked(sessionID)
	if sess == nil {
		return "", ErrSessionNotFound
	}
	tab := r.tabLocked(sess, tabID)
	if tab == nil {
		return "", ErrTabNotFound
	}
	return tab.RolloutPath, nil
}

// Flush forces any pending persist to complete now.
func (r *Registry) Flush() error {
	return r.persist.flush()
}

// Close flushes pending writes and stops the watcher.
func (r *Registry) Close() error {
	if r.watcher != nil {
		r.watcher.close()
	}
	return r.persist.close()
}
