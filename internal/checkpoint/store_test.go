package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func readTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return out
}

func newTestStore(t *testing.T, ignores []string) (*Store, string) {
	t.Helper()
	worktree := t.TempDir()
	return NewStore(worktree, t.TempDir(), ignores), worktree
}

func TestStore_SaveRestoreRoundtrip(t *testing.T) {
	store, worktree := newTestStore(t, nil)
	ctx := context.Background()

	original := map[string]string{
		"main.go":          "package main\n",
		"internal/util.go": "package internal\n",
		"docs/readme.md":   "# readme\n",
	}
	writeTree(t, worktree, original)

	cp, err := store.Save(ctx, "before-refactor")
	require.NoError(t, err)
	assert.Equal(t, "before-refactor", cp.Name)
	assert.False(t, cp.Ghost)
	assert.Equal(t, 3, cp.Files)

	// Mutate: edit one file, delete one, add one.
	require.NoError(t, os.WriteFile(filepath.Join(worktree, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(worktree, "docs/readme.md")))
	writeTree(t, worktree, map[string]string{"extra.go": "package main\n"})

	require.NoError(t, store.Restore(ctx, "before-refactor"))
	assert.Equal(t, original, readTree(t, worktree))
}

func TestStore_RestoreUnknownName(t *testing.T) {
	store, worktree := newTestStore(t, nil)
	writeTree(t, worktree, map[string]string{"a.txt": "a"})

	err := store.Restore(context.Background(), "never-saved")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UndoRestoresLatestGhost(t *testing.T) {
	store, worktree := newTestStore(t, nil)
	ctx := context.Background()

	writeTree(t, worktree, map[string]string{"a.txt": "v1"})
	_, err := store.Save(ctx, "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	writeTree(t, worktree, map[string]string{"a.txt": "v2"})
	second, err := store.Save(ctx, "")
	require.NoError(t, err)
	assert.True(t, second.Ghost)
	assert.True(t, strings.HasPrefix(second.Name, GhostPrefix))

	writeTree(t, worktree, map[string]string{"a.txt": "v3"})

	restored, err := store.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.Name, restored.Name)
	assert.Equal(t, map[string]string{"a.txt": "v2"}, readTree(t, worktree))
}

func TestStore_UndoWithoutGhost(t *testing.T) {
	store, worktree := newTestStore(t, nil)
	ctx := context.Background()

	writeTree(t, worktree, map[string]string{"a.txt": "v1"})
	_, err := store.Save(ctx, "named")
	require.NoError(t, err)

	_, err = store.Undo(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListNewestFirstCapped(t *testing.T) {
	store, worktree := newTestStore(t, nil)
	ctx := context.Background()
	writeTree(t, worktree, map[string]string{"a.txt": "v"})

	names := []string{"one", "two", "three", "four", "five", "six", "seven", "eight"}
	for _, name := range names {
		_, err := store.Save(ctx, name)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 6)
	assert.Equal(t, "eight", list[0].Name)
	assert.Equal(t, "three", list[5].Name)
	for i := 1; i < len(list); i++ {
		assert.GreaterOrEqual(t, list[i-1].CreatedAt, list[i].CreatedAt)
	}
}

func TestStore_IgnoresAndGitSkipped(t *testing.T) {
	store, worktree := newTestStore(t, []string{"node_modules/**", "*.log"})
	ctx := context.Background()

	writeTree(t, worktree, map[string]string{
		"main.go":                "package main\n",
		"node_modules/dep/x.js":  "ignored",
		"debug.log":              "ignored",
		".git/objects/ab/cdef01": "ignored",
	})

	cp, err := store.Save(ctx, "clean")
	require.NoError(t, err)
	assert.Equal(t, 1, cp.Files)

	// Restore must not prune the untracked paths either.
	require.NoError(t, store.Restore(ctx, "clean"))
	tree := readTree(t, worktree)
	assert.Contains(t, tree, "node_modules/dep/x.js")
	assert.Contains(t, tree, "debug.log")
	assert.Contains(t, tree, ".git/objects/ab/cdef01")
}

func TestStore_RestoreFailureLeavesTreeUntouched(t *testing.T) {
	worktree := t.TempDir()
	stateDir := t.TempDir()
	store := NewStore(worktree, stateDir, nil)
	ctx := context.Background()

	writeTree(t, worktree, map[string]string{
		"a.txt": "alpha",
		"b.txt": "beta",
	})
	_, err := store.Save(ctx, "cp")
	require.NoError(t, err)

	// Corrupt one blob in place; Restore must fail during staging.
	sum := sha256.Sum256([]byte("beta"))
	hash := hex.EncodeToString(sum[:])
	blobPath := filepath.Join(stateDir, "blobs", hash[:2], hash)
	require.NoError(t, os.WriteFile(blobPath, []byte("not beta"), 0o644))

	after := map[string]string{
		"a.txt": "alpha changed",
		"b.txt": "beta changed",
		"c.txt": "new file",
	}
	writeTree(t, worktree, after)

	err = store.Restore(ctx, "cp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
	assert.Equal(t, after, readTree(t, worktree))
}

func TestStore_Diff(t *testing.T) {
	store, worktree := newTestStore(t, nil)
	ctx := context.Background()

	writeTree(t, worktree, map[string]string{
		"changed.txt": "line one\nline two\n",
		"removed.txt": "gone\n",
		"same.txt":    "untouched\n",
	})
	_, err := store.Save(ctx, "base")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(worktree, "changed.txt"), []byte("line one\nline 2\nline three\n"), 0o644))
	require.NoError(t, os.Remove(filepath.Join(worktree, "removed.txt")))
	writeTree(t, worktree, map[string]string{"added.txt": "brand new\n"})

	diffs, err := store.Diff(ctx, "base")
	require.NoError(t, err)
	require.Len(t, diffs, 3)

	assert.Equal(t, "added.txt", diffs[0].Path)
	assert.Equal(t, 1, diffs[0].Additions)
	assert.Equal(t, 0, diffs[0].Deletions)

	assert.Equal(t, "changed.txt", diffs[1].Path)
	assert.Contains(t, diffs[1].Patch, "--- changed.txt")
	assert.Contains(t, diffs[1].Patch, "+++ changed.txt")
	assert.Positive(t, diffs[1].Additions)
	assert.Positive(t, diffs[1].Deletions)

	assert.Equal(t, "removed.txt", diffs[2].Path)
	assert.Equal(t, 0, diffs[2].Additions)
	assert.Equal(t, 1, diffs[2].Deletions)
}
