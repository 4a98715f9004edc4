// Package conversation drives the per-tab agent loop: user message in,
// streamed model output and gated tool calls out, every step appended to the
// tab's rollout.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/agentdeck/agentdeck/internal/approval"
	"github.com/agentdeck/agentdeck/internal/checkpoint"
	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/internal/plan"
	"github.com/agentdeck/agentdeck/internal/provider"
	"github.com/agentdeck/agentdeck/internal/rollout"
	"github.com/agentdeck/agentdeck/internal/subagent"
	"github.com/agentdeck/agentdeck/pkg/types"
)

const (
	// MaxSteps bounds the tool-call iterations of a single turn.
	MaxSteps = 50
	// DefaultContextWindow is assumed when the model does not report one.
	DefaultContextWindow = 200000
	// CompactThreshold is the prompt size that triggers the compaction
	// signal.
	CompactThreshold = 150000
)

// ErrTurnInProgress is returned when a message arrives while a turn is
// already running. Turns are strictly sequential per conversation.
var ErrTurnInProgress = errors.New("a turn is already in progress")

// Rollout record types written by the loop.
const (
	recordMessage     = "message"
	recordToolCall    = "toolCall"
	recordToolResult  = "toolResult"
	recordPlanUpdate  = "planUpdate"
	recordTurnAborted = "turnAborted"
)

// Config wires a conversation's collaborators.
type Config struct {
	SessionID string
	TabID     string
	Cwd       string

	Bus         *event.Bus
	Providers   *provider.Registry
	Gate        *approval.Gate
	Workflow    *plan.Workflow
	Scheduler   *subagent.Scheduler
	AgentRunner subagent.Runner
	Runner      Runner
	Recorder    *rollout.Recorder
	Checkpoints *checkpoint.Store

	PlanMode      bool
	ContextWindow int
}

// Conversation is the loop for one tab.
type Conversation struct {
	id        string
	sessionID string
	tabID     string
	cwd       string

	bus         *event.Bus
	providers   *provider.Registry
	gate        *approval.Gate
	workflow    *plan.Workflow
	scheduler   *subagent.Scheduler
	agentRunner subagent.Runner
	runner      Runner
	recorder    *rollout.Recorder
	checkpoints *checkpoint.Store

	contextWindow int

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	history  []*schema.Message
	usage    types.TokenUsage
	planMode bool
}

// New creates an idle conversation.
func New(cfg Config) *Conversation {
	window := cfg.ContextWindow
	if window <= 0 {
		window = DefaultContextWindow
	}
	workflow := cfg.Workflow
	if workflow == nil {
		workflow = plan.NewWorkflow(types.PlanDetailAuto)
	}
	return &Conversation{
		id:            ulid.Make().String(),
		sessionID:     cfg.SessionID,
		tabID:         cfg.TabID,
		cwd:           cfg.Cwd,
		bus:           cfg.Bus,
		providers:     cfg.Providers,
		gate:          cfg.Gate,
		workflow:      workflow,
		scheduler:     cfg.Scheduler,
		agentRunner:   cfg.AgentRunner,
		runner:        cfg.Runner,
		recorder:      cfg.Recorder,
		checkpoints:   cfg.Checkpoints,
		contextWindow: window,
		planMode:      cfg.PlanMode,
	}
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// Running reports whether a turn is in flight.
func (c *Conversation) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Usage returns the accumulated token usage.
func (c *Conversation) Usage() types.TokenUsage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// LastAssistantContent returns the content of the most recent assistant
// message, or "" when none exists.
func (c *Conversation) LastAssistantContent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.history) - 1; i >= 0; i-- {
		if c.history[i].Role == schema.Assistant && c.history[i].Content != "" {
			return c.history[i].Content
		}
	}
	return ""
}

// SetPlanMode toggles plan-first decoration for future requests.
func (c *Conversation) SetPlanMode(enabled bool) {
	c.mu.Lock()
	c.planMode = enabled
	c.mu.Unlock()
}

// Restore rebuilds the in-memory transcript from replayed rollout records.
// It must be called before the first Send.
func (c *Conversation) Restore(records []rollout.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rec := range records {
		if rec.Type != recordMessage {
			continue
		}
		var msg event.MessageData
		if err := json.Unmarshal(rec.Data, &msg); err != nil {
			continue
		}
		switch msg.Role {
		case "user":
			c.history = append(c.history, schema.UserMessage(msg.Content))
		case "assistant":
			c.history = append(c.history, schema.AssistantMessage(msg.Content, nil))
		}
	}
}

// Send runs one turn for a user message. The call blocks until the turn ends
// (taskComplete), is interrupted (turnAborted), or fails. A second Send while
// a turn is running returns ErrTurnInProgress.
func (c *Conversation) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	planMode := c.planMode
	c.mu.Unlock()

	submission := text
	if planMode && c.workflow.Phase() == plan.PhaseIdle {
		submission = c.workflow.Begin(text)
	}
	return c.runTurn(ctx, submission, text)
}

// ApprovePlan accepts the pending plan and runs the execution turn.
func (c *Conversation) ApprovePlan(ctx context.Context) error {
	message, ok := c.workflow.Approve()
	if !ok {
		return fmt.Errorf("no plan awaiting approval")
	}
	return c.runTurn(ctx, message, message)
}

// PlanFeedback sends revision guidance and runs a replanning turn.
func (c *Conversation) PlanFeedback(ctx context.Context, text string) error {
	message, ok := c.workflow.Feedback(text)
	if !ok {
		return fmt.Errorf("no plan awaiting feedback")
	}
	return c.runTurn(ctx, message, message)
}

// CancelPlan abandons the plan workflow.
func (c *Conversation) CancelPlan() {
	c.workflow.Cancel()
}

// Workflow exposes the plan workflow for inspection.
func (c *Conversation) Workflow() *plan.Workflow { return c.workflow }

// Interrupt cancels the running turn, if any. The loop writes the
// turnAborted marker and returns to idle; only sub-agent terminal statuses
// may still arrive from the cancelled turn.
func (c *Conversation) Interrupt() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Conversation) runTurn(ctx context.Context, submission, display string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrTurnInProgress
	}
	turnCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.history = append(c.history, schema.UserMessage(submission))
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
	}()

	userMsg := event.MessageData{
		TabID:   c.tabID,
		ID:      ulid.Make().String(),
		Role:    "user",
		Content: display,
		At:      time.Now().UnixMilli(),
	}
	c.appendRecord(recordMessage, userMsg)
	c.publish(event.Message, userMsg)
	c.publish(event.TaskStarted, event.TaskStartedData{TabID: c.tabID, ContextWindow: c.contextWindow})

	lastMessage, err := c.loop(turnCtx)
	switch {
	case err == nil:
		c.workflow.TurnDone()
		c.publish(event.TaskComplete, event.TaskCompleteData{TabID: c.tabID, LastMessage: lastMessage})
		return nil
	case errors.Is(err, context.Canceled) && ctx.Err() == nil:
		c.abortTurn("interrupted")
		return nil
	default:
		c.publish(event.Error, event.ErrorData{Message: err.Error()})
		c.abortTurn(err.Error())
		return err
	}
}

// abortTurn writes the turn's terminal marker. No further events from the
// turn follow it.
func (c *Conversation) abortTurn(reason string) {
	data := event.TurnAbortedData{TabID: c.tabID, Reason: reason}
	c.appendRecord(recordTurnAborted, data)
	c.publish(event.TurnAborted, data)
}

func (c *Conversation) loop(ctx context.Context) (string, error) {
	client, model, err := c.providers.Current()
	if err != nil {
		return "", err
	}

	tools := append(builtinTools(), c.runner.Tools()...)
	lastContent := ""

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if step >= MaxSteps {
			return "", fmt.Errorf("max steps exceeded")
		}

		c.mu.Lock()
		messages := append([]*schema.Message(nil), c.history...)
		c.mu.Unlock()

		req := &provider.Request{
			Model:           model,
			Messages:        messages,
			Tools:           provider.ToEinoTools(tools),
			ReasoningEffort: c.providers.ReasoningEffort(),
		}

		stream, err := client.Stream(ctx, req)
		if err != nil {
			return "", fmt.Errorf("model request failed: %w", err)
		}

		merged, err := c.consumeStream(ctx, stream)
		stream.Close()
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.publish(event.StreamError, event.StreamErrorData{Message: err.Error()})
			return "", fmt.Errorf("model stream failed: %w", err)
		}

		c.mu.Lock()
		c.history = append(c.history, merged)
		c.mu.Unlock()

		if merged.Content != "" {
			lastContent = merged.Content
			msg := event.MessageData{
				TabID:   c.tabID,
				ID:      ulid.Make().String(),
				Role:    "assistant",
				Content: merged.Content,
				At:      time.Now().UnixMilli(),
			}
			c.appendRecord(recordMessage, msg)
			c.publish(event.Message, msg)
		}

		if len(merged.ToolCalls) == 0 {
			return lastContent, nil
		}

		planApprovalPending, err := c.executeToolCalls(ctx, merged.ToolCalls)
		if err != nil {
			return "", err
		}
		if planApprovalPending {
			// The plan is surfaced for review; the turn ends here and
			// resumes via ApprovePlan or PlanFeedback.
			return lastContent, nil
		}
	}
}

// consumeStream re-emits deltas as they arrive and returns the merged
// assistant message.
func (c *Conversation) consumeStream(ctx context.Context, stream provider.Stream) (*schema.Message, error) {
	var chunks []*schema.Message
	var last types.TokenUsage
	messageID := ulid.Make().String()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if chunk.Content != "" {
			c.publish(event.ContentDelta, event.ContentDeltaData{
				TabID:     c.tabID,
				MessageID: messageID,
				Delta:     chunk.Content,
			})
		}
		if chunk.ReasoningContent != "" {
			c.publish(event.ReasoningDelta, event.ReasoningDeltaData{
				MessageID: messageID,
				Delta:     chunk.ReasoningContent,
			})
		}
		if chunk.ResponseMeta != nil && chunk.ResponseMeta.Usage != nil {
			usage := chunk.ResponseMeta.Usage
			last = types.TokenUsage{
				Input:  usage.PromptTokens,
				Output: usage.CompletionTokens,
				Total:  usage.TotalTokens,
			}
		}
		chunks = append(chunks, chunk)
	}

	if len(chunks) == 0 {
		return nil, fmt.Errorf("empty model stream")
	}
	merged, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, fmt.Errorf("merge stream chunks: %w", err)
	}

	if last != (types.TokenUsage{}) {
		c.mu.Lock()
		c.usage.Add(last)
		total := c.usage
		c.mu.Unlock()
		c.publish(event.TokenCount, event.TokenCountData{
			Total:         total,
			Last:          last,
			ContextWindow: c.contextWindow,
		})
		if last.Input >= CompactThreshold {
			c.publish(event.ContextCompacted, event.ContextCompactedData{
				Tokens:        last.Input,
				ContextWindow: c.contextWindow,
			})
		}
	}
	return merged, nil
}

// executeToolCalls runs every requested call in order. Tool failures and
// denials are reported to the model and never end the turn; only
// cancellation does. The bool result is true when a plan update moved the
// workflow into review.
func (c *Conversation) executeToolCalls(ctx context.Context, calls []schema.ToolCall) (bool, error) {
	planApprovalPending := false
	ghostTaken := false

	for _, tc := range calls {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		call := Call{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
		c.appendRecord(recordToolCall, map[string]string{
			"id": call.ID, "name": call.Name, "arguments": call.Arguments,
		})

		switch call.Name {
		case toolUpdatePlan:
			pending := c.handlePlanUpdate(call)
			planApprovalPending = planApprovalPending || pending
			continue
		case toolSpawnAgents:
			if err := c.handleSpawnAgents(ctx, call); err != nil {
				return false, err
			}
			continue
		}

		class := c.runner.Classify(call)
		start := time.Now().UnixMilli()
		c.publish(event.ToolStart, event.ToolStartData{
			ID:        call.ID,
			ToolType:  string(class.Kind),
			Name:      call.Name,
			Input:     call.Arguments,
			StartTime: start,
		})

		if class.Mutating {
			if !ghostTaken && c.checkpoints != nil {
				if cp, err := c.checkpoints.Save(ctx, ""); err == nil {
					ghostTaken = true
					c.publish(event.CheckpointCreated, event.CheckpointData{Checkpoint: cp})
				} else {
					logging.Warn().Err(err).Msg("ghost checkpoint failed")
				}
			}

			err := c.gate.Request(ctx, types.ApprovalRequest{
				SessionID:      c.sessionID,
				ConversationID: c.id,
				Kind:           class.Kind,
				Command:        class.Command,
				Cwd:            c.cwd,
				Files:          class.Files,
			})
			if approval.IsDenied(err) {
				c.finishToolCall(call, class, "", "denied by user")
				c.addToolResult(call.ID, call.Name, "The user denied this request.")
				continue
			}
			if err != nil {
				return false, err
			}
		}

		emit := func(stream, chunk string) {
			c.publish(event.ExecOutputDelta, event.ExecOutputDeltaData{
				CallID: call.ID,
				Stream: stream,
				Chunk:  chunk,
			})
		}
		output, err := c.runner.Run(ctx, call, emit)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			c.finishToolCall(call, class, "", err.Error())
			c.addToolResult(call.ID, call.Name, "Error: "+err.Error())
			continue
		}
		c.finishToolCall(call, class, output, "")
		c.addToolResult(call.ID, call.Name, output)
	}
	return planApprovalPending, nil
}

func (c *Conversation) handlePlanUpdate(call Call) bool {
	var update types.PlanUpdate
	if err := json.Unmarshal([]byte(call.Arguments), &update); err != nil {
		c.addToolResult(call.ID, call.Name, "Error: invalid plan payload: "+err.Error())
		return false
	}

	pending := c.workflow.HandleUpdate(update)
	c.appendRecord(recordPlanUpdate, update)
	c.publish(event.PlanUpdated, update)

	if pending {
		c.addToolResult(call.ID, call.Name, "Plan recorded. Waiting for user approval before executing.")
	} else {
		c.addToolResult(call.ID, call.Name, "Plan progress recorded.")
	}
	return pending
}

func (c *Conversation) handleSpawnAgents(ctx context.Context, call Call) error {
	var args spawnArgs
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || len(args.Tasks) == 0 {
		c.addToolResult(call.ID, call.Name, "Error: spawn_agents requires a non-empty tasks array")
		return nil
	}
	if c.scheduler == nil || c.agentRunner == nil {
		c.addToolResult(call.ID, call.Name, "Error: sub-agents are not available")
		return nil
	}

	specs := make([]subagent.TaskSpec, len(args.Tasks))
	for i, t := range args.Tasks {
		specs[i] = subagent.TaskSpec{Task: t.Task, Context: t.Context}
	}

	results, err := c.scheduler.Spawn(ctx, c.sessionID, call.ID, specs, c.agentRunner)
	if err != nil {
		// Interrupt abandons the wait; admitted helpers still report
		// their terminal status out-of-band.
		return err
	}

	var sb strings.Builder
	for _, res := range results {
		fmt.Fprintf(&sb, "[agent %d] %s: %s\n", res.Index+1, res.Status, res.Summary)
	}
	c.addToolResult(call.ID, call.Name, sb.String())
	return nil
}

func (c *Conversation) finishToolCall(call Call, class Classification, output, errText string) {
	status := "success"
	if errText != "" {
		status = "error"
	}
	data := event.ToolEndData{
		ID:       call.ID,
		ToolType: string(class.Kind),
		Name:     call.Name,
		Status:   status,
		Output:   output,
		Error:    errText,
		EndTime:  time.Now().UnixMilli(),
	}
	c.appendRecord(recordToolResult, data)
	c.publish(event.ToolEnd, data)
}

// addToolResult appends the tool response message the model sees next step.
func (c *Conversation) addToolResult(callID, name, content string) {
	msg := schema.ToolMessage(content, callID)
	msg.Name = name
	c.mu.Lock()
	c.history = append(c.history, msg)
	c.mu.Unlock()
}

func (c *Conversation) appendRecord(recordType string, data any) {
	if c.recorder == nil {
		return
	}
	rec, err := rollout.NewRecord(recordType, data)
	if err != nil {
		logging.Warn().Err(err).Str("type", recordType).Msg("rollout record encode failed")
		return
	}
	if err := c.recorder.Append(rec); err != nil {
		logging.Warn().Err(err).Str("type", recordType).Msg("rollout append failed")
	}
}

func (c *Conversation) publish(eventType event.Type, data any) {
	c.bus.Publish(event.Event{Type: eventType, SessionID: c.sessionID, Data: data})
}
