package config

import (
	"os"
	"path/filepath"
)

// DefaultDataDir returns the directory holding the workspace config,
// rollouts and checkpoints: $XDG_DATA_HOME/agentdeck or ~/.agentdeck.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "agentdeck")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentdeck"
	}
	return filepath.Join(home, ".agentdeck")
}

// WorkspaceFile is the path of the persisted workspace config inside dataDir.
func WorkspaceFile(dataDir string) string {
	return filepath.Join(dataDir, "workspaces.json")
}

// RolloutDir is where per-tab transcript logs live.
func RolloutDir(dataDir string) string {
	return filepath.Join(dataDir, "rollouts")
}

// CheckpointDir is the root of per-session checkpoint stores.
func CheckpointDir(dataDir string) string {
	return filepath.Join(dataDir, "checkpoints")
}
