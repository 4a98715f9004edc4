package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/core"
	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/internal/provider"
	"github.com/agentdeck/agentdeck/pkg/types"
)

var runDir string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Host the orchestration core for one workspace",
	Long: `Host the orchestration core. Commands arrive as JSON lines on stdin
({"op": "...", ...}); the per-session event stream is relayed as JSON lines
on stdout. The process exits when stdin closes.`,
	RunE: runCore,
}

func init() {
	runCmd.Flags().StringVar(&runDir, "directory", "", "Working directory")
}

// command is one stdin request. Fields beyond op are op-specific.
type command struct {
	Op        string      `json:"op"`
	SessionID string      `json:"sessionId,omitempty"`
	TabID     string      `json:"tabId,omitempty"`
	Text      string      `json:"text,omitempty"`
	Cwd       string      `json:"cwd,omitempty"`
	Rollout   string      `json:"rolloutPath,omitempty"`
	ID        string      `json:"id,omitempty"`
	Approved  bool        `json:"approved,omitempty"`
	Provider  string      `json:"provider,omitempty"`
	Model     string      `json:"model,omitempty"`
	Effort    string      `json:"effort,omitempty"`
	Mode      string      `json:"mode,omitempty"`
	Enabled   bool        `json:"enabled,omitempty"`
	Name      string      `json:"name,omitempty"`
	Query     string      `json:"query,omitempty"`
	Tabs      []types.Tab `json:"tabs,omitempty"`
	ActiveTab string      `json:"activeTabId,omitempty"`
	Tab       *types.Tab  `json:"tab,omitempty"`
}

// response is a stdout line answering a specific request (distinct from the
// relayed event stream).
type response struct {
	Op        string `json:"op"`
	SessionID string `json:"sessionId,omitempty"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Data      any    `json:"data,omitempty"`
}

func runCore(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

	settings, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if dataDir != "" {
		settings.DataDir = dataDir
	}
	if logLevel != "" {
		settings.LogLevel = logLevel
	}
	logging.Init(logging.Config{Level: logging.ParseLevel(settings.LogLevel), Output: os.Stderr})

	bus := event.NewBus()
	defer bus.Close()

	providers := provider.NewRegistry(settings.Provider, settings.Model)
	providers.SetReasoningEffort(settings.ReasoningEffort)

	engine, err := core.New(core.Options{
		Settings:  settings,
		Bus:       bus,
		Providers: providers,
		Runner:    newToolRunner(workDir),
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	relay := newRelay(ctx, bus, os.Stdout)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req command
		if err := json.Unmarshal(line, &req); err != nil {
			relay.respond(response{Op: "?", OK: false, Error: "invalid command: " + err.Error()})
			continue
		}
		dispatch(ctx, engine, relay, req)
	}
	return scanner.Err()
}

func dispatch(ctx context.Context, engine *core.Core, relay *relay, req command) {
	reply := func(data any, err error) {
		resp := response{Op: req.Op, SessionID: req.SessionID, OK: err == nil, Data: data}
		if err != nil {
			resp.Error = err.Error()
		}
		relay.respond(resp)
	}

	switch req.Op {
	case "init":
		err := engine.InitSession(ctx, req.SessionID, req.Cwd, req.Rollout)
		if err == nil {
			relay.watch(req.SessionID)
		}
		reply(nil, err)
	case "message":
		// Turns run in the background; progress arrives on the event
		// stream and errors surface there as error events.
		go func() {
			if err := engine.SendMessage(ctx, req.SessionID, req.TabID, req.Text); err != nil {
				logging.Warn().Err(err).Str("sessionId", req.SessionID).Msg("turn failed")
			}
		}()
		reply(nil, nil)
	case "interrupt":
		engine.Interrupt(req.SessionID, req.TabID)
		reply(nil, nil)
	case "approval":
		engine.SendApproval(req.ID, req.Approved)
		reply(nil, nil)
	case "setModel":
		engine.SetModel(req.Provider, req.Model)
		reply(nil, nil)
	case "setReasoningEffort":
		engine.SetReasoningEffort(req.Effort)
		reply(nil, nil)
	case "setApprovalMode":
		engine.SetApprovalMode(types.ApprovalMode(req.Mode))
		reply(nil, nil)
	case "setPlanMode":
		engine.SetPlanMode(req.Enabled)
		reply(nil, nil)
	case "planApprove":
		go engine.ApprovePlan(ctx, req.SessionID, req.TabID)
		reply(nil, nil)
	case "planFeedback":
		go engine.PlanFeedback(ctx, req.SessionID, req.TabID, req.Text)
		reply(nil, nil)
	case "planCancel":
		reply(nil, engine.CancelPlan(req.SessionID, req.TabID))
	case "listFiles":
		files, err := engine.ListFiles(req.SessionID, req.Query)
		reply(files, err)
	case "checkpointSave":
		reply(nil, engine.SaveCheckpoint(ctx, req.SessionID, req.Name))
	case "checkpointList":
		list, err := engine.ListCheckpoints(ctx, req.SessionID)
		reply(list, err)
	case "checkpointRestore":
		reply(nil, engine.RestoreCheckpoint(ctx, req.SessionID, req.Name))
	case "checkpointDiff":
		files, err := engine.DiffCheckpoint(ctx, req.SessionID, req.Name)
		reply(files, err)
	case "undo":
		reply(nil, engine.Undo(ctx, req.SessionID))
	case "rollout":
		records, err := engine.GetSessionRollout(req.SessionID, req.TabID)
		reply(records, err)
	case "updateTabs":
		reply(nil, engine.UpdateSessionTabs(req.SessionID, req.Tabs, req.ActiveTab))
	case "addTabToHistory":
		if req.Tab == nil {
			reply(nil, fmt.Errorf("tab payload required"))
			return
		}
		reply(nil, engine.AddTabToHistory(req.SessionID, *req.Tab))
	case "history":
		history, err := engine.GetSessionHistory(req.SessionID)
		reply(history, err)
	default:
		reply(nil, fmt.Errorf("unknown op: %s", req.Op))
	}
}

// relay copies session event streams and command responses to stdout, one
// JSON document per line.
type relay struct {
	ctx context.Context
	bus *event.Bus

	mu      sync.Mutex
	out     *json.Encoder
	watched map[string]bool
}

func newRelay(ctx context.Context, bus *event.Bus, w *os.File) *relay {
	return &relay{
		ctx:     ctx,
		bus:     bus,
		out:     json.NewEncoder(w),
		watched: make(map[string]bool),
	}
}

// watch starts relaying one session's event stream.
func (r *relay) watch(sessionID string) {
	r.mu.Lock()
	if r.watched[sessionID] {
		r.mu.Unlock()
		return
	}
	r.watched[sessionID] = true
	r.mu.Unlock()

	messages, err := r.bus.Stream(r.ctx, sessionID)
	if err != nil {
		logging.Error().Err(err).Str("sessionId", sessionID).Msg("event stream subscribe failed")
		return
	}
	go func() {
		for msg := range messages {
			r.mu.Lock()
			r.out.Encode(json.RawMessage(msg.Payload))
			r.mu.Unlock()
			msg.Ack()
		}
	}()
}

func (r *relay) respond(resp response) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out.Encode(resp)
}
