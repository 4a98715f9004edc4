package rollout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_AppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tab.jsonl")

	rec, err := Open(path)
	require.NoError(t, err)

	for _, content := range []string{"hello", "world"} {
		record, err := NewRecord("message", map[string]string{"content": content})
		require.NoError(t, err)
		require.NoError(t, rec.Append(record))
	}
	require.NoError(t, rec.Close())

	records, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "message", records[0].Type)
	assert.JSONEq(t, `{"content":"hello"}`, string(records[0].Data))
	assert.JSONEq(t, `{"content":"world"}`, string(records[1].Data))
}

func TestReplay_MissingFile(t *testing.T) {
	records, err := Replay(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestReplay_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tab.jsonl")

	rec, err := Open(path)
	require.NoError(t, err)
	record, err := NewRecord("message", map[string]string{"content": "once"})
	require.NoError(t, err)
	require.NoError(t, rec.Append(record))
	require.NoError(t, rec.Close())

	first, err := Replay(path)
	require.NoError(t, err)
	second, err := Replay(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReplay_DiscardsPartialTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tab.jsonl")

	content := `{"type":"message","at":1,"data":{"content":"ok"}}` + "\n" +
		`{"type":"message","at":2,"da`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	records, err := Replay(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].At)
}

func TestReplay_MidFileCorruptionIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tab.jsonl")

	content := `{"type":"message","at":1}` + "\n" +
		`not json` + "\n" +
		`{"type":"message","at":2}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Replay(path)
	require.Error(t, err)
}

func TestRecorder_AppendAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tab.jsonl")

	rec, err := Open(path)
	require.NoError(t, err)
	record, err := NewRecord("message", map[string]string{"content": "first"})
	require.NoError(t, err)
	require.NoError(t, rec.Append(record))
	require.NoError(t, rec.Close())

	rec, err = Open(path)
	require.NoError(t, err)
	record, err = NewRecord("message", map[string]string{"content": "second"})
	require.NoError(t, err)
	require.NoError(t, rec.Append(record))
	require.NoError(t, rec.Close())

	records, err := Replay(path)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
