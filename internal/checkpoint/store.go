// Package checkpoint implements a git-independent, content-addressed
// snapshot store for a worktree. Blobs are stored by sha256, manifests as
// JSON documents; restores are staged so a failure never leaves a
// half-written tree.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/agentdeck/agentdeck/internal/logging"
	"github.com/agentdeck/agentdeck/internal/storage"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// ErrNotFound is returned when the named checkpoint does not exist.
var ErrNotFound = storage.ErrNotFound

// GhostPrefix marks unnamed snapshots taken before tool mutations.
const GhostPrefix = "ghost-"

// recentCap bounds the recent list surfaced by List.
const recentCap = 6

type manifestEntry struct {
	Hash string      `json:"hash"`
	Mode fs.FileMode `json:"mode"`
}

type manifest struct {
	Name      string                   `json:"name"`
	Ghost     bool                     `json:"ghost"`
	CreatedAt int64                    `json:"createdAt"`
	Files     map[string]manifestEntry `json:"files"`
}

// Store snapshots one worktree. Save and restore are serialized: a restore
// never observes a half-taken snapshot.
type Store struct {
	worktree string
	storage  *storage.Storage
	blobDir  string
	ignores  []string

	mu sync.Mutex
}

// NewStore creates a store for worktree with state under stateDir. ignores
// are doublestar globs matched against worktree-relative paths; `.git` is
// always skipped.
func NewStore(worktree, stateDir string, ignores []string) *Store {
	return &Store{
		worktree: worktree,
		storage:  storage.New(stateDir),
		blobDir:  filepath.Join(stateDir, "blobs"),
		ignores:  ignores,
	}
}

// Save snapshots the tracked tree under name. An empty name produces a ghost
// checkpoint.
func (s *Store) Save(ctx context.Context, name string) (types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ghost := name == ""
	if ghost {
		name = GhostPrefix + ulid.Make().String()
	}

	m := manifest{
		Name:      name,
		Ghost:     ghost,
		CreatedAt: time.Now().UnixMilli(),
		Files:     make(map[string]manifestEntry),
	}

	err := s.walk(func(rel string, info fs.FileInfo) error {
		hash, err := s.storeBlob(filepath.Join(s.worktree, rel))
		if err != nil {
			return err
		}
		m.Files[rel] = manifestEntry{Hash: hash, Mode: info.Mode().Perm()}
		return nil
	})
	if err != nil {
		return types.Checkpoint{}, fmt.Errorf("snapshot worktree: %w", err)
	}

	if err := s.storage.Put(ctx, []string{"manifests", name}, &m); err != nil {
		return types.Checkpoint{}, fmt.Errorf("write manifest: %w", err)
	}

	logging.Debug().Str("checkpoint", name).Int("files", len(m.Files)).Bool("ghost", ghost).Msg("checkpoint saved")
	return summarize(m), nil
}

// List returns checkpoints newest first, capped to the recent window.
func (s *Store) List(ctx context.Context) ([]types.Checkpoint, error) {
	names, err := s.storage.List(ctx, []string{"manifests"})
	if err != nil {
		return nil, err
	}

	var all []types.Checkpoint
	for _, name := range names {
		var m manifest
		if err := s.storage.Get(ctx, []string{"manifests", name}, &m); err != nil {
			continue
		}
		all = append(all, summarize(m))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt > all[j].CreatedAt })
	if len(all) > recentCap {
		all = all[:recentCap]
	}
	return all, nil
}

// Restore replaces the tracked tree with the named checkpoint's contents.
// All blobs are verified and written next to their targets first, then
// renamed into place; any failure before the rename phase leaves the tree
// untouched. Restoring never mutates the checkpoint.
func (s *Store) Restore(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restoreLocked(ctx, name)
}

// Undo restores the most recent ghost checkpoint. It returns the restored
// checkpoint, or ErrNotFound when no ghost exists.
func (s *Store) Undo(ctx context.Context) (types.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.storage.List(ctx, []string{"manifests"})
	if err != nil {
		return types.Checkpoint{}, err
	}

	var latest *manifest
	for _, name := range names {
		if !strings.HasPrefix(name, GhostPrefix) {
			continue
		}
		var m manifest
		if err := s.storage.Get(ctx, []string{"manifests", name}, &m); err != nil {
			continue
		}
		if latest == nil || m.CreatedAt > latest.CreatedAt {
			copied := m
			latest = &copied
		}
	}
	if latest == nil {
		return types.Checkpoint{}, ErrNotFound
	}

	if err := s.restoreLocked(ctx, latest.Name); err != nil {
		return types.Checkpoint{}, err
	}
	return summarize(*latest), nil
}

func (s *Store) restoreLocked(ctx context.Context, name string) error {
	var m manifest
	if err := s.storage.Get(ctx, []string{"manifests", name}, &m); err != nil {
		return err
	}

	// Stage phase: verify every blob and write it to a temp file beside the
	// target. Nothing in the tree changes until every stage succeeds.
	staged := make(map[string]string, len(m.Files))
	cleanup := func() {
		for _, tmp := range staged {
			os.Remove(tmp)
		}
	}

	for rel, entry := range m.Files {
		data, err := s.readBlob(entry.Hash)
		if err != nil {
			cleanup()
			return fmt.Errorf("read blob for %s: %w", rel, err)
		}
		target := filepath.Join(s.worktree, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			cleanup()
			return fmt.Errorf("create directory for %s: %w", rel, err)
		}
		tmp := target + ".restore-tmp"
		if err := os.WriteFile(tmp, data, entry.Mode); err != nil {
			cleanup()
			return fmt.Errorf("stage %s: %w", rel, err)
		}
		staged[rel] = tmp
	}

	// Commit phase: rename staged files into place, then drop tracked files
	// the checkpoint does not contain. Every blob was verified during
	// staging, so only the renames can still fail; a failure here leaves
	// already-renamed files in place (their originals are gone) and removes
	// the remaining temps.
	for rel, tmp := range staged {
		if err := os.Rename(tmp, filepath.Join(s.worktree, rel)); err != nil {
			cleanup()
			return fmt.Errorf("commit %s: %w", rel, err)
		}
	}

	err := s.walk(func(rel string, info fs.FileInfo) error {
		if _, ok := m.Files[rel]; !ok {
			return os.Remove(filepath.Join(s.worktree, rel))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("prune extra files: %w", err)
	}

	logging.Debug().Str("checkpoint", name).Int("files", len(m.Files)).Msg("checkpoint restored")
	return nil
}

func (s *Store) walk(fn func(rel string, info fs.FileInfo) error) error {
	return filepath.WalkDir(s.worktree, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(s.worktree, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" || s.ignored(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.ignored(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), info)
	})
}

func (s *Store) ignored(rel string) bool {
	rel = filepath.ToSlash(strings.TrimSuffix(rel, "/"))
	for _, pattern := range s.ignores {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func (s *Store) storeBlob(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	blobPath := filepath.Join(s.blobDir, hash[:2], hash)
	if _, err := os.Stat(blobPath); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		return "", err
	}
	tmp := blobPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, blobPath); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return hash, nil
}

func (s *Store) readBlob(hash string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.blobDir, hash[:2], hash))
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != hash {
		return nil, fmt.Errorf("blob %s corrupt", hash)
	}
	return data, nil
}

func summarize(m manifest) types.Checkpoint {
	return types.Checkpoint{
		Name:      m.Name,
		Ghost:     m.Ghost,
		CreatedAt: m.CreatedAt,
		Files:     len(m.Files),
	}
}
