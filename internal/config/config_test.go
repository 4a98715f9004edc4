package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/pkg/types"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, types.ApprovalAuto, cfg.ApprovalMode)
	assert.Equal(t, 4, cfg.SubagentLimit)
	assert.Equal(t, 10, cfg.SubagentTimeoutMinutes)
	assert.Equal(t, types.PlanDetailAuto, cfg.PlanDetail)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Contains(t, cfg.SafeCommands, "git")
}

func TestLoad_ProjectFileWithComments(t *testing.T) {
	dir := t.TempDir()
	content := `{
  // project overrides
  "model": "claude-opus-4-20250514",
  "subagentLimit": 2,
  "checkpointIgnore": ["dist/**"]
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentdeck.json"), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-20250514", cfg.Model)
	assert.Equal(t, 2, cfg.SubagentLimit)
	assert.Equal(t, []string{"dist/**"}, cfg.CheckpointIgnore)
	assert.Equal(t, "anthropic", cfg.Provider, "unset fields keep defaults")
}

func TestLoad_YAML(t *testing.T) {
	dir := t.TempDir()
	content := "model: claude-haiku-4\napprovalMode: read-only\nplanDetail: detailed\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentdeck.yaml"), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4", cfg.Model)
	assert.Equal(t, types.ApprovalReadOnly, cfg.ApprovalMode)
	assert.Equal(t, types.PlanDetailDetailed, cfg.PlanDetail)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentdeck.json"), []byte(`{"model":"from-file"}`), 0o644))
	t.Setenv("AGENTDECK_MODEL", "from-env")
	t.Setenv("AGENTDECK_SUBAGENT_LIMIT", "3")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Model)
	assert.Equal(t, 3, cfg.SubagentLimit)
}

func TestLoad_Normalizes(t *testing.T) {
	dir := t.TempDir()
	content := `{"subagentLimit": 99, "subagentTimeoutMinutes": -5, "approvalMode": "yolo", "planDetail": "extreme"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "agentdeck.json"), []byte(content), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.SubagentLimit)
	assert.Equal(t, 10, cfg.SubagentTimeoutMinutes)
	assert.Equal(t, types.ApprovalAuto, cfg.ApprovalMode)
	assert.Equal(t, types.PlanDetailAuto, cfg.PlanDetail)
}
