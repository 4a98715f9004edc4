package core

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/agentdeck/agentdeck/internal/workspace"
)

const (
	listFilesMaxDepth = 5
	listFilesScanCap  = 1000
	listFilesResults  = 50
)

var listFilesSkipDirs = map[string]bool{
	"node_modules": true,
	"target":       true,
	"dist":         true,
	"build":        true,
	"__pycache__":  true,
}

// ListFiles walks a session's worktree and returns paths matching the query,
// relative to the worktree. Hidden entries and common build directories are
// skipped; results are ranked by filename match then path length.
func (c *Core) ListFiles(sessionID, query string) ([]string, error) {
	sess, ok := c.registry.Session(sessionID)
	if !ok {
		return nil, workspace.ErrSessionNotFound
	}

	query = strings.ToLower(query)
	var files []string
	walkFiles(sess.WorktreePath, sess.WorktreePath, query, 0, &files)

	sort.Slice(files, func(i, j int) bool {
		a, b := files[i], files[j]
		aName := strings.ToLower(filepath.Base(a))
		bName := strings.ToLower(filepath.Base(b))
		aMatch := query != "" && strings.Contains(aName, query)
		bMatch := query != "" && strings.Contains(bName, query)
		if aMatch != bMatch {
			return aMatch
		}
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})

	if len(files) > listFilesResults {
		files = files[:listFilesResults]
	}
	return files, nil
}

func walkFiles(dir, base, query string, depth int, files *[]string) {
	if depth > listFilesMaxDepth || len(*files) >= listFilesScanCap {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || listFilesSkipDirs[name] {
			continue
		}
		path := filepath.Join(dir, name)
		if entry.IsDir() {
			walkFiles(path, base, query, depth+1, files)
			continue
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		if query == "" || strings.Contains(strings.ToLower(rel), query) {
			*files = append(*files, rel)
			if len(*files) >= listFilesScanCap {
				return
			}
		}
	}
}
