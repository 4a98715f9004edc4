// Package core is the command facade of the orchestration engine: the host
// drives it through these methods and observes everything else on the event
// bus.
package core

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/approval"
	"github.com/agentdeck/agentdeck/internal/checkpoint"
	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/internal/plan"
	"github.com/agentdeck/agentdeck/internal/provider"
	"github.com/agentdeck/agentdeck/internal/rollout"
	"github.com/agentdeck/agentdeck/internal/subagent"
	"github.com/agentdeck/agentdeck/internal/workspace"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// Options wires the core's collaborators. Providers and the tool Runner are
// host-supplied capabilities.
type Options struct {
	Settings  *config.Settings
	Bus       *event.Bus
	Providers *provider.Registry
	Runner    conversation.Runner
}

// Core owns one workspace registry, the shared scheduler and gate, and one
// conversation per active tab.
type Core struct {
	settings  *config.Settings
	bus       *event.Bus
	providers *provider.Registry
	runner    conversation.Runner

	registry  *workspace.Registry
	gate      *approval.Gate
	scheduler *subagent.Scheduler

	mu            sync.Mutex
	conversations map[string]*conversation.Conversation // sessionID/tabID
	recorders     map[string]*rollout.Recorder          // sessionID/tabID
	checkpoints   map[string]*checkpoint.Store          // sessionID
	planMode      bool
}

// New builds and wires a core from options.
func New(opts Options) (*Core, error) {
	settings := opts.Settings
	if settings == nil {
		settings = config.Default()
	}

	registry, err := workspace.NewRegistry(settings.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open workspace registry: %w", err)
	}

	policy := approval.PolicyConfig{
		SafeCommands: settings.SafeCommands,
		AllowedRoots: settings.AllowedRoots,
	}

	c := &Core{
		settings:      settings,
		bus:           opts.Bus,
		providers:     opts.Providers,
		runner:        opts.Runner,
		registry:      registry,
		gate:          approval.NewGate(opts.Bus, settings.ApprovalMode, policy),
		scheduler:     subagent.NewScheduler(opts.Bus, settings.SubagentLimit, time.Duration(settings.SubagentTimeoutMinutes)*time.Minute),
		conversations: make(map[string]*conversation.Conversation),
		recorders:     make(map[string]*rollout.Recorder),
		checkpoints:   make(map[string]*checkpoint.Store),
	}
	return c, nil
}

// Workspace exposes the registry for host-side listings.
func (c *Core) Workspace() *workspace.Registry { return c.registry }

// InitSession registers (or refreshes) a session rooted at cwd. When
// rolloutPath points at an existing transcript, the session's default tab
// resumes from it.
func (c *Core) InitSession(ctx context.Context, sessionID, cwd, rolloutPath string) error {
	sess, ok := c.registry.Session(sessionID)
	if !ok {
		sess = c.registry.UpsertSession(types.Session{
			ID:           sessionID,
			WorktreePath: cwd,
			WorktreeName: filepath.Base(cwd),
		})
	}

	if rolloutPath != "" && len(sess.Tabs) > 0 {
		tab := sess.Tabs[0]
		if tab.RolloutPath == "" {
			if err := c.registry.BindTab(sessionID, tab.ID, tab.ConversationID, rolloutPath); err != nil {
				return err
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.checkpoints[sessionID]; !ok {
		stateDir := filepath.Join(config.CheckpointDir(c.settings.DataDir), sessionID)
		c.checkpoints[sessionID] = checkpoint.NewStore(cwd, stateDir, c.settings.CheckpointIgnore)
	}
	return nil
}

// SetPlanMode toggles plan-first decoration for new requests on every tab.
func (c *Core) SetPlanMode(enabled bool) {
	c.mu.Lock()
	c.planMode = enabled
	for _, conv := range c.conversations {
		conv.SetPlanMode(enabled)
	}
	c.mu.Unlock()
}

func (c *Core) conversationKey(sessionID, tabID string) string {
	return sessionID + "/" + tabID
}

// conversationFor returns the tab's conversation, creating and binding it on
// first use. An existing rollout is replayed into the fresh conversation.
// Creation holds the lock end to end so two concurrent first messages on the
// same tab share one conversation and one recorder.
func (c *Core) conversationFor(sessionID, tabID string) (*conversation.Conversation, error) {
	key := c.conversationKey(sessionID, tabID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if conv, ok := c.conversations[key]; ok {
		return conv, nil
	}
	store := c.checkpoints[sessionID]
	planMode := c.planMode

	sess, ok := c.registry.Session(sessionID)
	if !ok {
		return nil, workspace.ErrSessionNotFound
	}

	path, err := c.registry.TabRollout(sessionID, tabID)
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = filepath.Join(config.RolloutDir(c.settings.DataDir), tabID+".jsonl")
	}

	records, err := rollout.Replay(path)
	if err != nil {
		logging.Warn().Err(err).Str("path", path).Msg("rollout replay failed, starting fresh")
		c.bus.Publish(event.Event{
			Type:      event.Warning,
			SessionID: sessionID,
			Data:      event.WarningData{Message: "transcript replay failed, starting fresh: " + err.Error()},
		})
		records = nil
	}

	recorder, err := rollout.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rollout: %w", err)
	}

	conv := conversation.New(conversation.Config{
		SessionID:   sessionID,
		TabID:       tabID,
		Cwd:         sess.WorktreePath,
		Bus:         c.bus,
		Providers:   c.providers,
		Gate:        c.gate,
		Workflow:    plan.NewWorkflow(c.settings.PlanDetail),
		Scheduler:   c.scheduler,
		AgentRunner: c.newHelperRunner(sess.WorktreePath),
		Runner:      c.runner,
		Recorder:    recorder,
		Checkpoints: store,
		PlanMode:    planMode,
	})
	conv.Restore(records)

	if err := c.registry.BindTab(sessionID, tabID, conv.ID(), path); err != nil {
		recorder.Close()
		return nil, err
	}

	c.conversations[key] = conv
	c.recorders[key] = recorder
	return conv, nil
}

// SendMessage runs one turn on a tab. It blocks until the turn completes,
// aborts, or fails; the host observes progress on the event stream.
func (c *Core) SendMessage(ctx context.Context, sessionID, tabID, text string) error {
	conv, err := c.conversationFor(sessionID, tabID)
	if err != nil {
		return err
	}
	c.registry.NameTabFromMessage(sessionID, tabID, text)
	return conv.Send(ctx, text)
}

// Interrupt cancels the running turn on a tab, or on every tab of the
// session when tabID is empty.
func (c *Core) Interrupt(sessionID, tabID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, conv := range c.conversations {
		if tabID != "" && key != c.conversationKey(sessionID, tabID) {
			continue
		}
		if tabID == "" && !strings.HasPrefix(key, sessionID+"/") {
			continue
		}
		conv.Interrupt()
	}
}

// SendApproval resolves a pending approval request. Duplicate decisions are
// ignored.
func (c *Core) SendApproval(id string, approved bool) {
	c.gate.Resolve(id, approved)
}

// SetModel switches the active provider and model for future turns.
func (c *Core) SetModel(providerID, model string) {
	c.providers.SetModel(providerID, model)
}

// SetReasoningEffort sets the effort hint for future turns.
func (c *Core) SetReasoningEffort(effort string) {
	c.providers.SetReasoningEffort(effort)
}

// SetApprovalMode switches the approval policy mode.
func (c *Core) SetApprovalMode(mode types.ApprovalMode) {
	c.gate.SetMode(mode)
}

// ApprovePlan accepts the plan pending on a tab and runs the execution turn.
func (c *Core) ApprovePlan(ctx context.Context, sessionID, tabID string) error {
	conv, err := c.conversationFor(sessionID, tabID)
	if err != nil {
		return err
	}
	return conv.ApprovePlan(ctx)
}

// PlanFeedback sends revision guidance for the plan pending on a tab.
func (c *Core) PlanFeedback(ctx context.Context, sessionID, tabID, text string) error {
	conv, err := c.conversationFor(sessionID, tabID)
	if err != nil {
		return err
	}
	return conv.PlanFeedback(ctx, text)
}

// CancelPlan abandons the plan workflow on a tab.
func (c *Core) CancelPlan(sessionID, tabID string) error {
	conv, err := c.conversationFor(sessionID, tabID)
	if err != nil {
		return err
	}
	conv.CancelPlan()
	return nil
}

// GetSessionRollout replays a tab's transcript records for UI resume.
func (c *Core) GetSessionRollout(sessionID, tabID string) ([]rollout.Record, error) {
	path, err := c.registry.TabRollout(sessionID, tabID)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, nil
	}
	return rollout.Replay(path)
}

// UpdateSessionTabs replaces a session's tab list.
func (c *Core) UpdateSessionTabs(sessionID string, tabs []types.Tab, activeTabID string) error {
	return c.registry.UpdateSessionTabs(sessionID, tabs, activeTabID)
}

// AddTabToHistory records a closed tab in the session history.
func (c *Core) AddTabToHistory(sessionID string, tab types.Tab) error {
	return c.registry.AddTabToHistory(sessionID, tab)
}

// GetSessionHistory returns the closed-tab history, most recent first.
func (c *Core) GetSessionHistory(sessionID string) ([]types.Tab, error) {
	return c.registry.SessionHistory(sessionID)
}

func (c *Core) checkpointStore(sessionID string) (*checkpoint.Store, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	store, ok := c.checkpoints[sessionID]
	if !ok {
		return nil, fmt.Errorf("session not initialized: %s", sessionID)
	}
	return store, nil
}

// SaveCheckpoint snapshots the session worktree under name.
func (c *Core) SaveCheckpoint(ctx context.Context, sessionID, name string) error {
	store, err := c.checkpointStore(sessionID)
	if err != nil {
		return err
	}
	cp, err := store.Save(ctx, name)
	if err != nil {
		c.publishCheckpointError(sessionID, "create", err)
		return err
	}
	c.bus.Publish(event.Event{Type: event.CheckpointCreated, SessionID: sessionID, Data: event.CheckpointData{Checkpoint: cp}})
	return nil
}

// ListCheckpoints publishes and returns the recent checkpoints, newest
// first.
func (c *Core) ListCheckpoints(ctx context.Context, sessionID string) ([]types.Checkpoint, error) {
	store, err := c.checkpointStore(sessionID)
	if err != nil {
		return nil, err
	}
	list, err := store.List(ctx)
	if err != nil {
		c.publishCheckpointError(sessionID, "list", err)
		return nil, err
	}
	c.bus.Publish(event.Event{Type: event.CheckpointList, SessionID: sessionID, Data: event.CheckpointListData{Checkpoints: list}})
	return list, nil
}

// RestoreCheckpoint restores a named checkpoint. A failed restore leaves the
// worktree untouched.
func (c *Core) RestoreCheckpoint(ctx context.Context, sessionID, name string) error {
	store, err := c.checkpointStore(sessionID)
	if err != nil {
		return err
	}
	if err := store.Restore(ctx, name); err != nil {
		c.publishCheckpointError(sessionID, "restore", err)
		return err
	}
	c.bus.Publish(event.Event{Type: event.CheckpointRestored, SessionID: sessionID, Data: event.CheckpointData{Checkpoint: types.Checkpoint{Name: name}}})
	return nil
}

// DiffCheckpoint publishes and returns the per-file changes between a named
// checkpoint and the current worktree.
func (c *Core) DiffCheckpoint(ctx context.Context, sessionID, name string) ([]types.FileDiff, error) {
	store, err := c.checkpointStore(sessionID)
	if err != nil {
		return nil, err
	}
	files, err := store.Diff(ctx, name)
	if err != nil {
		c.publishCheckpointError(sessionID, "diff", err)
		return nil, err
	}
	c.bus.Publish(event.Event{Type: event.CheckpointDiff, SessionID: sessionID, Data: event.CheckpointDiffData{Name: name, Files: files}})
	return files, nil
}

// Undo restores the most recent ghost checkpoint.
func (c *Core) Undo(ctx context.Context, sessionID string) error {
	store, err := c.checkpointStore(sessionID)
	if err != nil {
		return err
	}
	c.bus.Publish(event.Event{Type: event.UndoStarted, SessionID: sessionID})
	cp, err := store.Undo(ctx)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			c.publishCheckpointError(sessionID, "restore", fmt.Errorf("nothing to undo"))
			return err
		}
		c.publishCheckpointError(sessionID, "restore", err)
		return err
	}
	c.bus.Publish(event.Event{Type: event.UndoCompleted, SessionID: sessionID, Data: event.CheckpointData{Checkpoint: cp}})
	return nil
}

func (c *Core) publishCheckpointError(sessionID, action string, err error) {
	c.bus.Publish(event.Event{
		Type:      event.CheckpointError,
		SessionID: sessionID,
		Data:      event.CheckpointErrorData{Action: action, Message: err.Error()},
	})
}

// Close flushes pending state and releases resources.
func (c *Core) Close() error {
	c.mu.Lock()
	for _, recorder := range c.recorders {
		recorder.Close()
	}
	c.recorders = make(map[string]*rollout.Recorder)
	c.mu.Unlock()
	return c.registry.Close()
}
