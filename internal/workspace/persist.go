package workspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/internal/storage"
	"github.com/agentdeck/agentdeck/pkg/types"
)

const (
	debounceWindow       = time.Second
	persistInitialRetry  = 250 * time.Millisecond
	persistMaxRetry      = 10 * time.Second
	persistRetryDeadline = time.Minute
)

// persister writes the workspace config behind a debounce window so bursts
// of mutations collapse into one write. Callers never block on disk; a
// failed write is retried with backoff.
type persister struct {
	store    *storage.Storage
	snapshot func() types.WorkspaceConfig

	mu       sync.Mutex
	timer    *time.Timer
	dirty    bool
	lastHash string
	closed   bool
}

func newPersister(store *storage.Storage, snapshot func() types.WorkspaceConfig) *persister {
	return &persister{store: store, snapshot: snapshot}
}

// markDirty schedules a write after the debounce window. Repeated calls
// within the window coalesce.
func (p *persister) markDirty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.dirty = true
	if p.timer == nil {
		p.timer = time.AfterFunc(debounceWindow, p.tick)
	}
}

func (p *persister) tick() {
	p.mu.Lock()
	p.timer = nil
	dirty := p.dirty
	p.dirty = false
	p.mu.Unlock()

	if !dirty {
		return
	}
	if err := p.write(); err != nil {
		logging.Warn().Err(err).Msg("workspace persist failed, will retry")
		p.markDirty()
	}
}

func (p *persister) write() error {
	cfg := p.snapshot()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = persistInitialRetry
	b.MaxInterval = persistMaxRetry
	b.MaxElapsedTime = persistRetryDeadline

	err := backoff.Retry(func() error {
		return p.store.Put(context.Background(), []string{"workspaces"}, &cfg)
	}, b)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.lastHash = hashConfig(&cfg)
	p.mu.Unlock()
	return nil
}

// flush persists immediately when anything is pending.
func (p *persister) flush() error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	dirty := p.dirty
	p.dirty = false
	p.mu.Unlock()

	if !dirty {
		return nil
	}
	return p.write()
}

func (p *persister) close() error {
	err := p.flush()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return err
}

// wroteHash reports whether the given content hash matches the persister's
// own last write, distinguishing self-writes from external edits.
func (p *persister) wroteHash(hash string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return hash != "" && hash == p.lastHash
}

func hashConfig(cfg *types.WorkspaceConfig) string {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// configWatcher reloads the registry when the backing file is edited by
// something other than the persister.
type configWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	persist *persister
	reload  func()
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newConfigWatcher(path string, persist *persister, reload func()) (*configWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files, which breaks per-file
	// watches.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	cw := &configWatcher{
		watcher: w,
		path:    path,
		persist: persist,
		reload:  reload,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go cw.run()
	return cw, nil
}

func (cw *configWatcher) run() {
	defer close(cw.doneCh)

	for {
		select {
		case <-cw.stopCh:
			return
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(cw.path) &&
				!strings.HasSuffix(ev.Name, filepath.Base(cw.path)) {
				continue
			}
			cw.handleChange()
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logging.Error().Err(err).Msg("workspace config watcher error")
		}
	}
}

func (cw *configWatcher) handleChange() {
	var cfg types.WorkspaceConfig
	store := storage.New(filepath.Dir(cw.path))
	if err := store.Get(context.Background(), []string{"workspaces"}, &cfg); err != nil {
		return
	}
	if cw.persist.wroteHash(hashConfig(&cfg)) {
		return
	}
	logging.Info().Str("path", cw.path).Msg("workspace config changed externally, reloading")
	cw.reload()
}

func (cw *configWatcher) close() {
	close(cw.stopCh)
	cw.watcher.Close()
	<-cw.doneCh
}
