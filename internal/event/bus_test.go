package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(e Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestBus_OrderingPerSubscriber(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	col := &collector{}
	unsubscribe := bus.Subscribe(col.add)
	defer unsubscribe()

	const n = 200
	for i := 0; i < n; i++ {
		bus.Publish(Event{
			Type:      ContentDelta,
			SessionID: "s1",
			Data:      ContentDeltaData{Delta: fmt.Sprintf("%d", i)},
		})
	}

	require.Eventually(t, func() bool {
		return len(col.snapshot()) == n
	}, time.Second, 5*time.Millisecond)

	for i, e := range col.snapshot() {
		data := e.Data.(ContentDeltaData)
		assert.Equal(t, fmt.Sprintf("%d", i), data.Delta)
	}
}

func TestBus_SessionFilter(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	col := &collector{}
	unsubscribe := bus.SubscribeSession("s1", col.add)
	defer unsubscribe()

	bus.Publish(Event{Type: TaskStarted, SessionID: "s1"})
	bus.Publish(Event{Type: TaskStarted, SessionID: "s2"})
	bus.Publish(Event{Type: TaskComplete, SessionID: "s1"})

	require.Eventually(t, func() bool {
		return len(col.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	events := col.snapshot()
	assert.Equal(t, TaskStarted, events[0].Type)
	assert.Equal(t, TaskComplete, events[1].Type)
	for _, e := range events {
		assert.Equal(t, "s1", e.SessionID)
	}
}

func TestBus_LateSubscriberSeesOnlyNewEvents(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	bus.Publish(Event{Type: TaskStarted, SessionID: "s1"})

	col := &collector{}
	unsubscribe := bus.Subscribe(col.add)
	defer unsubscribe()

	bus.Publish(Event{Type: TaskComplete, SessionID: "s1"})

	require.Eventually(t, func() bool {
		return len(col.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, TaskComplete, col.snapshot()[0].Type)
}

func TestBus_StreamCarriesJSON(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	messages, err := bus.Stream(ctx, "s1")
	require.NoError(t, err)

	bus.Publish(Event{Type: Warning, SessionID: "s1", Data: WarningData{Message: "heads up"}})

	select {
	case msg := <-messages:
		var decoded struct {
			Type      string `json:"type"`
			SessionID string `json:"sessionId"`
			Data      struct {
				Message string `json:"message"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
		assert.Equal(t, "warning", decoded.Type)
		assert.Equal(t, "s1", decoded.SessionID)
		assert.Equal(t, "heads up", decoded.Data.Message)
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("no message on stream")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	col := &collector{}
	unsubscribe := bus.Subscribe(col.add)

	bus.Publish(Event{Type: TaskStarted, SessionID: "s1"})
	require.Eventually(t, func() bool {
		return len(col.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	unsubscribe()
	bus.Publish(Event{Type: TaskComplete, SessionID: "s1"})

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, col.snapshot(), 1)
}
