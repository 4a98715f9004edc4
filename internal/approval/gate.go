// Package approval brokers approve/deny decisions for tool calls.
package approval

import (
	"context"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// DeniedError is returned when the user rejects a request. Denial is
// recoverable: the conversation reports it to the model and the turn
// continues.
type DeniedError struct {
	ID   string
	Kind types.ApprovalKind
}

func (e *DeniedError) Error() string {
	return "request " + e.ID + " denied by user"
}

// IsDenied checks whether an error is an approval denial.
func IsDenied(err error) bool {
	_, ok := err.(*DeniedError)
	return ok
}

const resolvedMemory = 1024

// Gate is the policy-driven approve/deny broker. A conversation blocks at
// the requesting tool call until the decision arrives; decisions are
// delivered exactly once and duplicates are ignored.
type Gate struct {
	bus *event.Bus

	mu       sync.Mutex
	mode     types.ApprovalMode
	policy   PolicyConfig
	pending  map[string]chan bool
	resolved map[string]bool
	order    []string // resolved ids, oldest first, for pruning

	// slots serializes outstanding requests per conversation: a second
	// request queues behind the first.
	slots map[string]chan struct{}

	// silent gates never surface a prompt: anything the policy does not
	// pre-approve is denied. Helper agents run behind one.
	silent bool
}

// NewSilentGate creates a gate that denies instead of prompting. Sub-agent
// helpers use it so they can never block on user input.
func NewSilentGate(bus *event.Bus, mode types.ApprovalMode, policy PolicyConfig) *Gate {
	g := NewGate(bus, mode, policy)
	g.silent = true
	return g
}

// NewGate creates a gate publishing approvalRequest events on bus.
func NewGate(bus *event.Bus, mode types.ApprovalMode, policy PolicyConfig) *Gate {
	return &Gate{
		bus:      bus,
		mode:     mode,
		policy:   policy,
		pending:  make(map[string]chan bool),
		resolved: make(map[string]bool),
		slots:    make(map[string]chan struct{}),
	}
}

// SetMode switches the approval policy mode.
func (g *Gate) SetMode(mode types.ApprovalMode) {
	g.mu.Lock()
	g.mode = mode
	g.mu.Unlock()
}

// Mode returns the current policy mode.
func (g *Gate) Mode() types.ApprovalMode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode
}

// Request blocks until the call is pre-approved by policy, approved, denied,
// or the context is cancelled. Cancellation releases the wait so it cannot
// leak past an interrupted turn.
func (g *Gate) Request(ctx context.Context, req types.ApprovalRequest) error {
	g.mu.Lock()
	mode, policy := g.mode, g.policy
	g.mu.Unlock()

	if preApproved(mode, policy, req) {
		return nil
	}
	if g.silent {
		return &DeniedError{ID: req.ID, Kind: req.Kind}
	}

	slot := g.conversationSlot(req.ConversationID)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-slot }()

	if req.ID == "" {
		req.ID = ulid.Make().String()
	}

	decision := make(chan bool, 1)
	g.mu.Lock()
	g.pending[req.ID] = decision
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()
	}()

	g.bus.Publish(event.Event{
		Type:      event.ApprovalRequest,
		SessionID: req.SessionID,
		Data: event.ApprovalRequestData{
			Kind:      req.Kind,
			ID:        req.ID,
			Command:   req.Command,
			Cwd:       req.Cwd,
			Files:     req.Files,
			Reasoning: req.Reason,
		},
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case approved := <-decision:
		if !approved {
			return &DeniedError{ID: req.ID, Kind: req.Kind}
		}
		return nil
	}
}

// Resolve delivers a decision. Decisions for unknown or already-resolved ids
// are ignored, not errors, so resends are idempotent.
func (g *Gate) Resolve(id string, approved bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ch, ok := g.pending[id]
	if !ok {
		if !g.resolved[id] {
			logging.Debug().Str("id", id).Msg("decision for unknown approval request ignored")
		}
		return
	}
	ch <- approved
	delete(g.pending, id)
	g.remember(id)
}

func (g *Gate) remember(id string) {
	g.resolved[id] = true
	g.order = append(g.order, id)
	for len(g.order) > resolvedMemory {
		delete(g.resolved, g.order[0])
		g.order = g.order[1:]
	}
}

func (g *Gate) conversationSlot(conversationID string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	slot, ok := g.slots[conversationID]
	if !ok {
		slot = make(chan struct{}, 1)
		g.slots[conversationID] = slot
	}
	return slot
}
