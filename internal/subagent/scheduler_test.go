package subagent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/event"
)

// fakeRunner runs each task through fn.
type fakeRunner struct {
	fn func(ctx context.Context, spec TaskSpec, emit func(string)) (string, error)
}

func (r *fakeRunner) Run(ctx context.Context, sessionID string, spec TaskSpec, emit func(line string)) (string, error) {
	return r.fn(ctx, spec, emit)
}

type updates struct {
	mu   sync.Mutex
	list []event.SubagentUpdateData
}

func captureUpdates(t *testing.T, bus *event.Bus) *updates {
	t.Helper()
	u := &updates{}
	unsubscribe := bus.Subscribe(func(e event.Event) {
		if e.Type == event.SubagentUpdate {
			u.mu.Lock()
			u.list = append(u.list, e.Data.(event.SubagentUpdateData))
			u.mu.Unlock()
		}
	})
	t.Cleanup(unsubscribe)
	return u
}

func (u *updates) snapshot() []event.SubagentUpdateData {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]event.SubagentUpdateData(nil), u.list...)
}

func TestScheduler_LimitBoundsConcurrency(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	s := NewScheduler(bus, 2, time.Minute)

	var concurrent, peak int32
	block := make(chan struct{})

	runner := &fakeRunner{fn: func(ctx context.Context, spec TaskSpec, emit func(string)) (string, error) {
		now := atomic.AddInt32(&concurrent, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if now <= old || atomic.CompareAndSwapInt32(&peak, old, now) {
				break
			}
		}
		<-block
		atomic.AddInt32(&concurrent, -1)
		return "done " + spec.Task, nil
	}}

	specs := []TaskSpec{{Task: "a"}, {Task: "b"}, {Task: "c"}}
	done := make(chan struct{})
	go func() {
		defer close(done)
		results, err := s.Spawn(context.Background(), "s1", "call1", specs, runner)
		assert.NoError(t, err)
		assert.Len(t, results, 3)
	}()

	require.Eventually(t, func() bool {
		return s.RunningCount() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, s.RunningCount())

	close(block)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("spawn never finished")
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestScheduler_ExactlyOneTerminalStatus(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	s := NewScheduler(bus, 4, time.Minute)
	u := captureUpdates(t, bus)

	runner := &fakeRunner{fn: func(ctx context.Context, spec TaskSpec, emit func(string)) (string, error) {
		if spec.Task == "bad" {
			return "", errors.New("boom")
		}
		return "summary", nil
	}}

	results, err := s.Spawn(context.Background(), "s1", "call1",
		[]TaskSpec{{Task: "good"}, {Task: "bad"}}, runner)
	require.NoError(t, err)

	assert.Equal(t, StatusDone, results[0].Status)
	assert.Equal(t, "summary", results[0].Summary)
	assert.Equal(t, StatusFailed, results[1].Status)
	assert.Equal(t, "boom", results[1].Summary)

	require.Eventually(t, func() bool {
		return len(u.snapshot()) == 4
	}, time.Second, 5*time.Millisecond)

	terminal := map[int]int{}
	for _, update := range u.snapshot() {
		assert.Equal(t, "call1", update.CallID)
		if update.Status != StatusRunning {
			terminal[update.AgentIndex]++
		}
	}
	assert.Equal(t, map[int]int{0: 1, 1: 1}, terminal)
}

func TestScheduler_Timeout(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	s := NewScheduler(bus, 2, 30*time.Millisecond)

	runner := &fakeRunner{fn: func(ctx context.Context, spec TaskSpec, emit func(string)) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}

	results, err := s.Spawn(context.Background(), "s1", "call1", []TaskSpec{{Task: "slow"}}, runner)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StatusTimeout, results[0].Status)
}

func TestScheduler_LogsRing(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	s := NewScheduler(bus, 1, time.Minute)

	started := make(chan struct{})
	release := make(chan struct{})
	runner := &fakeRunner{fn: func(ctx context.Context, spec TaskSpec, emit func(string)) (string, error) {
		for i := 0; i < 60; i++ {
			emit(fmt.Sprintf("line %d", i))
		}
		close(started)
		<-release
		return "ok", nil
	}}

	go s.Spawn(context.Background(), "s1", "call1", []TaskSpec{{Task: "a"}}, runner)
	<-started

	lines := s.Logs("call1", 0)
	require.Len(t, lines, 50)
	// Oldest retained line is 10: the first ten rolled out of the ring.
	assert.Equal(t, "line 10", lines[0])
	assert.Equal(t, "line 59", lines[49])

	assert.Equal(t, StatusRunning, s.Status("call1", 0))
	close(release)
}

func TestScheduler_ParentCancelReturnsEarly(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	s := NewScheduler(bus, 1, time.Minute)
	u := captureUpdates(t, bus)

	var background atomic.Int32
	unsubscribe := bus.Subscribe(func(e event.Event) {
		if e.Type == event.Background {
			background.Add(1)
		}
	})
	t.Cleanup(unsubscribe)

	release := make(chan struct{})
	runner := &fakeRunner{fn: func(ctx context.Context, spec TaskSpec, emit func(string)) (string, error) {
		<-release
		return "late", nil
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Spawn(ctx, "s1", "call1", []TaskSpec{{Task: "a"}}, runner)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return s.RunningCount() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// The abandoned spawn announces the still-running task.
	require.Eventually(t, func() bool {
		return background.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// The admitted task still reports its terminal status out-of-band.
	close(release)
	require.Eventually(t, func() bool {
		for _, update := range u.snapshot() {
			if update.Status == StatusDone {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_ParentCancelStopsRunningTask(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()
	s := NewScheduler(bus, 1, time.Minute)
	u := captureUpdates(t, bus)

	runner := &fakeRunner{fn: func(ctx context.Context, spec TaskSpec, emit func(string)) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Spawn(ctx, "s1", "call1", []TaskSpec{{Task: "a"}}, runner)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return s.RunningCount() == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// The interrupt reaches the runner's context; the task still reports its
	// terminal status out-of-band.
	require.Eventually(t, func() bool {
		for _, update := range u.snapshot() {
			if update.Status == StatusFailed && update.Summary == "task cancelled" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestNewScheduler_ClampsLimit(t *testing.T) {
	bus := event.NewBus()
	defer bus.Close()

	// Defaults and clamps never panic and always admit at least one task.
	for _, limit := range []int{-1, 0, 1, 8, 99} {
		s := NewScheduler(bus, limit, 0)
		results, err := s.Spawn(context.Background(), "s1", "call1",
			[]TaskSpec{{Task: "a"}},
			&fakeRunner{fn: func(ctx context.Context, spec TaskSpec, emit func(string)) (string, error) {
				return "ok", nil
			}})
		require.NoError(t, err)
		assert.Equal(t, StatusDone, results[0].Status)
	}
}
