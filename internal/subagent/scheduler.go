// Package subagent schedules bounded parallel sub-agent tasks.
package subagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/logging"
)

// Status values reported through subagentUpdate events. Every task gets
// exactly one terminal status after Running.
const (
	StatusRunning = "Running"
	StatusDone    = "Done"
	StatusFailed  = "Failed"
	StatusTimeout = "Timeout"
)

const (
	minLimit       = 1
	maxLimit       = 8
	defaultLimit   = 4
	defaultTimeout = 10 * time.Minute

	logRingSize = 50
	recordTTL   = 5 * time.Second
)

// TaskSpec describes one sub-agent task to run.
type TaskSpec struct {
	Task    string
	Context string
}

// TaskResult is the outcome of one task, in spawn order.
type TaskResult struct {
	Index   int
	Status  string
	Summary string
}

// Runner executes a single sub-agent task. Log lines passed to emit are
// streamed to the session and retained in a bounded ring.
type Runner interface {
	Run(ctx context.Context, sessionID string, spec TaskSpec, emit func(line string)) (summary string, err error)
}

type taskKey struct {
	callID string
	index  int
}

type taskRecord struct {
	status string
	ring   []string
	head   int
	filled bool
}

func (r *taskRecord) append(line string) {
	if len(r.ring) < logRingSize {
		r.ring = append(r.ring, line)
		return
	}
	r.ring[r.head] = line
	r.head = (r.head + 1) % logRingSize
	r.filled = true
}

func (r *taskRecord) lines() []string {
	if !r.filled {
		out := make([]string, len(r.ring))
		copy(out, r.ring)
		return out
	}
	out := make([]string, 0, logRingSize)
	out = append(out, r.ring[r.head:]...)
	out = append(out, r.ring[:r.head]...)
	return out
}

// Scheduler admits sub-agent tasks through a weighted semaphore so that at
// most limit tasks run at once across all sessions.
type Scheduler struct {
	bus     *event.Bus
	sem     *semaphore.Weighted
	timeout time.Duration

	mu      sync.Mutex
	tasks   map[taskKey]*taskRecord
	running int
}

// NewScheduler creates a scheduler. limit is clamped to [1, 8]; zero or
// negative picks the default of 4. timeout <= 0 picks the default of 10m.
func NewScheduler(bus *event.Bus, limit int, timeout time.Duration) *Scheduler {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit < minLimit {
		limit = minLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Scheduler{
		bus:     bus,
		sem:     semaphore.NewWeighted(int64(limit)),
		timeout: timeout,
		tasks:   make(map[taskKey]*taskRecord),
	}
}

// Spawn runs every task under the global concurrency limit and blocks until
// all of them reach a terminal status, or until ctx is cancelled. On
// cancellation Spawn returns early; tasks already admitted are asked to stop
// and still publish their terminal status in the background.
func (s *Scheduler) Spawn(ctx context.Context, sessionID, callID string, specs []TaskSpec, runner Runner) ([]TaskResult, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no tasks to spawn")
	}

	results := make([]TaskResult, len(specs))
	done := make(chan TaskResult, len(specs))

	for i, spec := range specs {
		go s.runTask(ctx, sessionID, callID, i, spec, runner, done)
	}

	remaining := len(specs)
	for remaining > 0 {
		select {
		case res := <-done:
			results[res.Index] = res
			remaining--
		case <-ctx.Done():
			s.mu.Lock()
			running := s.running
			s.mu.Unlock()
			if running > 0 {
				s.bus.Publish(event.Event{
					Type:      event.Background,
					SessionID: sessionID,
					Data:      event.BackgroundData{Message: fmt.Sprintf("%d sub-agent tasks still reporting in the background", running)},
				})
			}
			return nil, ctx.Err()
		}
	}
	return results, nil
}

func (s *Scheduler) runTask(ctx context.Context, sessionID, callID string, index int, spec TaskSpec, runner Runner, done chan<- TaskResult) {
	key := taskKey{callID: callID, index: index}

	// Admission waits on the parent context: a task never admitted is
	// simply abandoned on interrupt, with no status to report.
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	s.mu.Lock()
	record := &taskRecord{status: StatusRunning}
	s.tasks[key] = record
	s.running++
	s.mu.Unlock()

	s.publishUpdate(sessionID, callID, index, spec.Task, StatusRunning, "")

	emit := func(line string) {
		s.mu.Lock()
		record.append(line)
		s.mu.Unlock()
		s.bus.Publish(event.Event{
			Type:      event.SubagentLog,
			SessionID: sessionID,
			Data: event.SubagentLogData{
				CallID:     callID,
				AgentIndex: index,
				Line:       line,
			},
		})
	}

	// The run context derives from Background, not the parent: an admitted
	// task outlives an interrupted turn and reports out-of-band. The parent's
	// cancellation is still relayed so the runner stops early.
	runCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	stopRelay := context.AfterFunc(ctx, cancel)
	defer stopRelay()

	summary, err := runner.Run(runCtx, sessionID, spec, emit)

	status := StatusDone
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		status = StatusTimeout
		summary = fmt.Sprintf("task timed out after %s", s.timeout)
	case err != nil && runCtx.Err() == context.Canceled:
		status = StatusFailed
		summary = "task cancelled"
	case err != nil:
		status = StatusFailed
		summary = err.Error()
		logging.Warn().Str("callId", callID).Int("agentIndex", index).Err(err).Msg("subagent task failed")
	}

	s.mu.Lock()
	record.status = status
	s.running--
	s.mu.Unlock()

	s.publishUpdate(sessionID, callID, index, spec.Task, status, summary)

	time.AfterFunc(recordTTL, func() {
		s.mu.Lock()
		delete(s.tasks, key)
		s.mu.Unlock()
	})

	select {
	case done <- TaskResult{Index: index, Status: status, Summary: summary}:
	default:
	}
}

func (s *Scheduler) publishUpdate(sessionID, callID string, index int, task, status, summary string) {
	s.bus.Publish(event.Event{
		Type:      event.SubagentUpdate,
		SessionID: sessionID,
		Data: event.SubagentUpdateData{
			CallID:     callID,
			AgentIndex: index,
			Task:       task,
			Status:     status,
			Summary:    summary,
		},
	})
}

// Logs returns the retained log tail for a task, oldest first.
func (s *Scheduler) Logs(callID string, index int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tasks[taskKey{callID: callID, index: index}]
	if !ok {
		return nil
	}
	return record.lines()
}

// Status reports the last-known status for a task, or "" when unknown.
func (s *Scheduler) Status(callID string, index int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tasks[taskKey{callID: callID, index: index}]
	if !ok {
		return ""
	}
	return record.status
}

// RunningCount reports how many tasks currently hold a semaphore slot.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
