// Package rollout persists each tab's transcript as an append-only JSONL log
// so conversations survive process restarts.
package rollout

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentdeck/agentdeck/internal/logging"
)

// Record is one transcript entry. Content events, tool events, approvals and
// plan updates all land here; replaying the file reconstructs the transcript.
type Record struct {
	Type string          `json:"type"`
	At   int64           `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewRecord builds a record with the current timestamp, encoding data.
func NewRecord(recordType string, data any) (Record, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode rollout record: %w", err)
	}
	return Record{Type: recordType, At: time.Now().UnixMilli(), Data: raw}, nil
}

// Recorder appends records to a rollout file, one JSON document per line.
type Recorder struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
}

// Open opens (or creates) the rollout log at path for appending.
func Open(path string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create rollout directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open rollout: %w", err)
	}
	return &Recorder{path: path, file: f, w: bufio.NewWriter(f)}, nil
}

// Path returns the log's location, the tab's rollout pointer.
func (r *Recorder) Path() string { return r.path }

// Append writes one record and flushes it. A failed write is logged, not
// fatal: the interactive loop is never blocked on persistence.
func (r *Recorder) Append(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode rollout record: %w", err)
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append rollout record: %w", err)
	}
	if err := r.w.Flush(); err != nil {
		logging.Warn().Err(err).Str("path", r.path).Msg("rollout flush failed")
		return err
	}
	return nil
}

// Close flushes and closes the log.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	flushErr := r.w.Flush()
	closeErr := r.file.Close()
	r.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Replay reads every record from a rollout log. A trailing partial line
// (crash mid-write) is discarded; corruption anywhere else is an error.
// Replaying is idempotent: the file is never modified.
func Replay(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rollout: %w", err)
	}

	lines := bytes.Split(data, []byte("\n"))
	records := make([]Record, 0, len(lines))
	for i, line := range lines {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			if isLastContent(lines, i) {
				logging.Warn().Str("path", path).Msg("discarding partial trailing rollout record")
				break
			}
			return nil, fmt.Errorf("corrupt rollout record at line %d: %w", i+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// isLastContent reports whether no non-empty line follows index i.
func isLastContent(lines [][]byte, i int) bool {
	for _, line := range lines[i+1:] {
		if len(bytes.TrimSpace(line)) > 0 {
			return false
		}
	}
	return true
}
