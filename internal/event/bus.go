// Package event provides the ordered, session-tagged event stream consumed
// by presentation layers, built on watermill's gochannel pub/sub.
package event

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/agentdeck/agentdeck/internal/logging"
)

// Event is the tagged union carried on the bus. Ordering within one session
// is total; nothing is promised across sessions. Events are never mutated
// after emission.
type Event struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Data      any    `json:"data,omitempty"`
}

// Subscriber receives events in publish order for the lifetime of the
// subscription. Late subscribers see only events published after they attach;
// catch-up happens by replaying the persisted rollout, never by buffering
// here.
type Subscriber func(Event)

type subscription struct {
	id      uint64
	fn      Subscriber
	session string // "" matches every session
	queue   chan Event
	done    chan struct{}
}

const subscriberBuffer = 256

// Bus fan-outs events to subscribers. Each subscription owns a FIFO queue
// drained by a single goroutine, so a subscriber observes events in exactly
// the order they were published (toolEnd never before its toolStart). A slow
// subscriber back-pressures publishers rather than reordering.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	closed bool

	pubsub *gochannel.GoChannel
}

// NewBus creates a bus. The embedded watermill channel carries the same
// events JSON-encoded on per-session topics for stream-oriented consumers
// (the CLI relay subscribes there).
func NewBus() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: subscriberBuffer},
			watermill.NopLogger{},
		),
	}
}

// SessionTopic is the watermill topic carrying one session's event stream.
func SessionTopic(sessionID string) string {
	return "session." + sessionID
}

// Subscribe registers a subscriber for every session. Returns an
// unsubscribe function.
func (b *Bus) Subscribe(fn Subscriber) func() {
	return b.subscribe("", fn)
}

// SubscribeSession registers a subscriber for a single session's stream.
func (b *Bus) SubscribeSession(sessionID string, fn Subscriber) func() {
	return b.subscribe(sessionID, fn)
}

func (b *Bus) subscribe(session string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	sub := &subscription{
		id:      atomic.AddUint64(&b.nextID, 1),
		fn:      fn,
		session: session,
		queue:   make(chan Event, subscriberBuffer),
		done:    make(chan struct{}),
	}
	b.subs = append(b.subs, sub)

	go sub.drain()

	return func() { b.unsubscribe(sub.id) }
}

func (s *subscription) drain() {
	for {
		select {
		case e := <-s.queue:
			s.fn(e)
		case <-s.done:
			// Flush whatever was queued before the unsubscribe.
			for {
				select {
				case e := <-s.queue:
					s.fn(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			close(sub.done)
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to all matching subscribers, in order, and
// mirrors it JSON-encoded onto the session's watermill topic.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.session == "" || sub.session == e.SessionID {
			subs = append(subs, sub)
		}
	}
	pubsub := b.pubsub
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.queue <- e:
		case <-sub.done:
		}
	}

	payload, err := json.Marshal(e)
	if err != nil {
		logging.Error().Err(err).Str("type", string(e.Type)).Msg("failed to encode event")
		return
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	if err := pubsub.Publish(SessionTopic(e.SessionID), msg); err != nil {
		logging.Debug().Err(err).Msg("watermill publish dropped")
	}
}

// Stream returns the raw watermill subscription for one session's topic.
func (b *Bus) Stream(ctx context.Context, sessionID string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, SessionTopic(sessionID))
}

// Close shuts the bus down; further publishes are dropped.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.done)
	}
	b.subs = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}
