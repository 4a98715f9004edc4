package checkpoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// Diff compares the current tracked tree against the named checkpoint and
// returns per-file patches for changed, added, and removed files, sorted by
// path.
func (s *Store) Diff(ctx context.Context, name string) ([]types.FileDiff, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var m manifest
	if err := s.storage.Get(ctx, []string{"manifests", name}, &m); err != nil {
		return nil, err
	}

	current := make(map[string]string)
	err := s.walk(func(rel string, _ os.FileInfo) error {
		data, err := os.ReadFile(filepath.Join(s.worktree, rel))
		if err != nil {
			return err
		}
		current[rel] = string(data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read worktree: %w", err)
	}

	paths := make(map[string]bool, len(m.Files)+len(current))
	for rel := range m.Files {
		paths[rel] = true
	}
	for rel := range current {
		paths[rel] = true
	}

	var out []types.FileDiff
	for rel := range paths {
		var before string
		if entry, ok := m.Files[rel]; ok {
			data, err := s.readBlob(entry.Hash)
			if err != nil {
				return nil, fmt.Errorf("read blob for %s: %w", rel, err)
			}
			before = string(data)
		}
		after := current[rel]
		if before == after {
			continue
		}
		patch, additions, deletions := buildPatch(rel, before, after)
		out = append(out, types.FileDiff{Path: rel, Patch: patch, Additions: additions, Deletions: deletions})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func buildPatch(path, before, after string) (string, int, int) {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	additions, deletions := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}

	patches := dmp.PatchMake(before, diffs)
	text := dmp.PatchToText(patches)
	if text == "" {
		return "", additions, deletions
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("--- %s\n", path))
	sb.WriteString(fmt.Sprintf("+++ %s\n", path))
	sb.WriteString(text)
	return sb.String(), additions, deletions
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}
