// Package config loads agentdeck settings from layered config files and
// environment variables.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// Settings is the host-tunable configuration for the orchestration core.
type Settings struct {
	LogLevel string `json:"logLevel,omitempty" yaml:"logLevel"`

	Model           string `json:"model,omitempty" yaml:"model"`
	Provider        string `json:"provider,omitempty" yaml:"provider"`
	ReasoningEffort string `json:"reasoningEffort,omitempty" yaml:"reasoningEffort"`

	ApprovalMode types.ApprovalMode `json:"approvalMode,omitempty" yaml:"approvalMode"`
	// SafeCommands are command names auto mode pre-approves without
	// prompting (path arguments permitting).
	SafeCommands []string `json:"safeCommands,omitempty" yaml:"safeCommands"`
	// AllowedRoots are extra directories counted as inside the working
	// tree for approval purposes.
	AllowedRoots []string `json:"allowedRoots,omitempty" yaml:"allowedRoots"`

	SubagentLimit int `json:"subagentLimit,omitempty" yaml:"subagentLimit"`
	// SubagentTimeoutMinutes bounds runaway helper tasks. Generous on
	// purpose: helpers are autonomous multi-step agents.
	SubagentTimeoutMinutes int `json:"subagentTimeoutMinutes,omitempty" yaml:"subagentTimeoutMinutes"`

	PlanDetail types.PlanDetail `json:"planDetail,omitempty" yaml:"planDetail"`

	// CheckpointIgnore holds doublestar patterns excluded from snapshots,
	// in addition to the built-in ones (.git, node_modules, ...).
	CheckpointIgnore []string `json:"checkpointIgnore,omitempty" yaml:"checkpointIgnore"`

	DataDir string `json:"dataDir,omitempty" yaml:"dataDir"`
}

// Default returns the settings used when nothing is configured.
func Default() *Settings {
	return &Settings{
		LogLevel:               "info",
		Provider:               "anthropic",
		Model:                  "claude-sonnet-4-20250514",
		ApprovalMode:           types.ApprovalAuto,
		SafeCommands:           []string{"ls", "cat", "head", "tail", "grep", "rg", "find", "git", "go", "wc", "pwd", "echo"},
		SubagentLimit:          4,
		SubagentTimeoutMinutes: 10,
		PlanDetail:             types.PlanDetailAuto,
		DataDir:                DefaultDataDir(),
	}
}

// Load builds Settings by layering, in priority order: defaults, the global
// config dir, the project directory, then AGENTDECK_* environment variables.
// JSON configs may carry comments (JSONC); YAML is accepted as well.
func Load(directory string) (*Settings, error) {
	cfg := Default()

	candidates := []string{
		filepath.Join(cfg.DataDir, "agentdeck.json"),
		filepath.Join(cfg.DataDir, "agentdeck.jsonc"),
		filepath.Join(cfg.DataDir, "agentdeck.yaml"),
	}
	if directory != "" {
		candidates = append(candidates,
			filepath.Join(directory, "agentdeck.json"),
			filepath.Join(directory, "agentdeck.jsonc"),
			filepath.Join(directory, "agentdeck.yaml"),
			filepath.Join(directory, ".agentdeck", "agentdeck.json"),
			filepath.Join(directory, ".agentdeck", "agentdeck.jsonc"),
		)
	}
	if override := os.Getenv("AGENTDECK_CONFIG"); override != "" {
		candidates = append(candidates, override)
	}

	for _, path := range candidates {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	normalize(cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		// Missing files are simply skipped.
		return nil
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(jsonc.ToJSON(data), cfg)
	}
}

func applyEnvOverrides(cfg *Settings) {
	if v := os.Getenv("AGENTDECK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("AGENTDECK_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("AGENTDECK_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("AGENTDECK_APPROVAL_MODE"); v != "" {
		cfg.ApprovalMode = types.ApprovalMode(v)
	}
	if v := os.Getenv("AGENTDECK_SUBAGENT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SubagentLimit = n
		}
	}
	if v := os.Getenv("AGENTDECK_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
}

func normalize(cfg *Settings) {
	if cfg.SubagentLimit < 1 {
		cfg.SubagentLimit = 1
	}
	if cfg.SubagentLimit > 8 {
		cfg.SubagentLimit = 8
	}
	if cfg.SubagentTimeoutMinutes <= 0 {
		cfg.SubagentTimeoutMinutes = 10
	}
	switch cfg.ApprovalMode {
	case types.ApprovalReadOnly, types.ApprovalAuto, types.ApprovalFullAccess:
	default:
		cfg.ApprovalMode = types.ApprovalAuto
	}
	switch cfg.PlanDetail {
	case types.PlanDetailAuto, types.PlanDetailCoarse, types.PlanDetailDetailed:
	default:
		cfg.PlanDetail = types.PlanDetailAuto
	}
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
}
