package core

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdeck/agentdeck/internal/config"
	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/provider"
	"github.com/agentdeck/agentdeck/pkg/types"
)

type staticStream struct {
	chunks []*schema.Message
	pos    int
}

func (s *staticStream) Recv() (*schema.Message, error) {
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	m := s.chunks[s.pos]
	s.pos++
	return m, nil
}

func (s *staticStream) Close() {}

// echoClient answers every request with a fixed assistant message.
type echoClient struct {
	content string
}

func (c *echoClient) ID() string { return "echo" }

func (c *echoClient) Stream(context.Context, *provider.Request) (provider.Stream, error) {
	return &staticStream{chunks: []*schema.Message{
		{Role: schema.Assistant, Content: c.content},
	}}, nil
}

type nopRunner struct{}

func (nopRunner) Tools() []provider.ToolInfo { return nil }

func (nopRunner) Classify(conversation.Call) conversation.Classification {
	return conversation.Classification{Kind: types.ApprovalExec}
}

func (nopRunner) Run(context.Context, conversation.Call, func(string, string)) (string, error) {
	return "ok", nil
}

func newTestCore(t *testing.T) (*Core, *event.Bus) {
	t.Helper()

	settings := config.Default()
	settings.DataDir = t.TempDir()

	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	providers := provider.NewRegistry("echo", "test-model")
	providers.Register(&echoClient{content: "done"})

	c, err := New(Options{Settings: settings, Bus: bus, Providers: providers, Runner: nopRunner{}})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, bus
}

func TestCore_SendMessageBindsTab(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()
	cwd := t.TempDir()

	require.NoError(t, c.InitSession(ctx, "sess-1", cwd, ""))
	sess, ok := c.Workspace().Session("sess-1")
	require.True(t, ok)
	tabID := sess.Tabs[0].ID

	require.NoError(t, c.SendMessage(ctx, "sess-1", tabID, "rename the helper"))

	sess, _ = c.Workspace().Session("sess-1")
	tab := sess.Tabs[0]
	assert.Equal(t, types.TabActive, tab.State)
	assert.NotEmpty(t, tab.ConversationID)
	assert.NotEmpty(t, tab.RolloutPath)
	assert.Equal(t, "rename the helper", tab.Name)

	records, err := c.GetSessionRollout("sess-1", tabID)
	require.NoError(t, err)
	require.Len(t, records, 2, "user and assistant messages recorded")
}

func TestCore_SendMessageUnknownSession(t *testing.T) {
	c, _ := newTestCore(t)
	err := c.SendMessage(context.Background(), "nope", "tab", "hi")
	assert.Error(t, err)
}

func TestCore_CorruptRolloutWarnsAndStartsFresh(t *testing.T) {
	c, bus := newTestCore(t)
	ctx := context.Background()
	cwd := t.TempDir()

	path := filepath.Join(t.TempDir(), "tab.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n{\"type\":\"message\",\"at\":1}\n"), 0o644))

	var mu sync.Mutex
	var warnings []string
	unsubscribe := bus.Subscribe(func(e event.Event) {
		if e.Type == event.Warning {
			mu.Lock()
			warnings = append(warnings, e.Data.(event.WarningData).Message)
			mu.Unlock()
		}
	})
	defer unsubscribe()

	require.NoError(t, c.InitSession(ctx, "sess-1", cwd, path))
	sess, _ := c.Workspace().Session("sess-1")
	tabID := sess.Tabs[0].ID

	// The turn still runs; the corrupt transcript is surfaced, not fatal.
	require.NoError(t, c.SendMessage(ctx, "sess-1", tabID, "hello"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(warnings) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Contains(t, warnings[0], "transcript replay failed")
	mu.Unlock()
}

func TestCore_ConversationForConcurrentFirstUse(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	require.NoError(t, c.InitSession(ctx, "sess-1", t.TempDir(), ""))
	sess, _ := c.Workspace().Session("sess-1")
	tabID := sess.Tabs[0].ID

	const n = 8
	convs := make([]*conversation.Conversation, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := c.conversationFor("sess-1", tabID)
			assert.NoError(t, err)
			convs[i] = conv
		}(i)
	}
	wg.Wait()

	// All callers share one conversation and one recorder.
	for i := 1; i < n; i++ {
		assert.Same(t, convs[0], convs[i])
	}
	c.mu.Lock()
	assert.Len(t, c.recorders, 1)
	c.mu.Unlock()
}

func TestCore_ResumeReplaysRollout(t *testing.T) {
	settings := config.Default()
	settings.DataDir = t.TempDir()
	cwd := t.TempDir()

	build := func(content string) *Core {
		bus := event.NewBus()
		t.Cleanup(func() { bus.Close() })
		providers := provider.NewRegistry("echo", "test-model")
		providers.Register(&echoClient{content: content})
		c, err := New(Options{Settings: settings, Bus: bus, Providers: providers, Runner: nopRunner{}})
		require.NoError(t, err)
		return c
	}

	ctx := context.Background()
	first := build("first answer")
	require.NoError(t, first.InitSession(ctx, "sess-1", cwd, ""))
	sess, _ := first.Workspace().Session("sess-1")
	tabID := sess.Tabs[0].ID
	require.NoError(t, first.SendMessage(ctx, "sess-1", tabID, "first question"))
	require.NoError(t, first.Close())

	second := build("second answer")
	defer second.Close()
	require.NoError(t, second.InitSession(ctx, "sess-1", cwd, ""))
	require.NoError(t, second.SendMessage(ctx, "sess-1", tabID, "second question"))

	records, err := second.GetSessionRollout("sess-1", tabID)
	require.NoError(t, err)
	assert.Len(t, records, 4, "transcript accumulates across restarts")
}

func TestCore_CheckpointLifecycle(t *testing.T) {
	c, bus := newTestCore(t)
	ctx := context.Background()
	cwd := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cwd, "main.go"), []byte("package main\n"), 0o644))

	var mu sync.Mutex
	var seen []event.Type
	unsubscribe := bus.Subscribe(func(e event.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})
	defer unsubscribe()

	require.NoError(t, c.InitSession(ctx, "sess-1", cwd, ""))

	// Checkpoint operations before InitSession are rejected.
	assert.Error(t, c.SaveCheckpoint(ctx, "other-session", "cp"))

	require.NoError(t, c.SaveCheckpoint(ctx, "sess-1", "baseline"))
	list, err := c.ListCheckpoints(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "baseline", list[0].Name)

	require.NoError(t, os.WriteFile(filepath.Join(cwd, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	require.NoError(t, c.RestoreCheckpoint(ctx, "sess-1", "baseline"))
	data, err := os.ReadFile(filepath.Join(cwd, "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(data))

	// No ghost exists yet, so undo reports an error.
	assert.Error(t, c.Undo(ctx, "sess-1"))

	require.NoError(t, os.WriteFile(filepath.Join(cwd, "main.go"), []byte("package main\n\nfunc main() {}\n"), 0o644))
	files, err := c.DiffCheckpoint(ctx, "sess-1", "baseline")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "main.go", files[0].Path)
	assert.Equal(t, 2, files[0].Additions)

	_, err = c.DiffCheckpoint(ctx, "sess-1", "missing")
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		var got []event.Type
		got = append(got, seen...)
		want := map[event.Type]bool{
			event.CheckpointCreated:  false,
			event.CheckpointList:     false,
			event.CheckpointRestored: false,
			event.CheckpointDiff:     false,
			event.UndoStarted:        false,
			event.CheckpointError:    false,
		}
		for _, e := range got {
			if _, ok := want[e]; ok {
				want[e] = true
			}
		}
		for _, ok := range want {
			if !ok {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCore_ListFiles(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()
	cwd := t.TempDir()

	files := []string{
		"main.go",
		"internal/server/server.go",
		"internal/server/handler.go",
		"node_modules/lib/index.js",
		".hidden/secret.go",
		"docs/server.md",
	}
	for _, rel := range files {
		path := filepath.Join(cwd, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}

	require.NoError(t, c.InitSession(ctx, "sess-1", cwd, ""))

	results, err := c.ListFiles("sess-1", "server")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Contains(t, results, "internal/server/server.go")
	assert.Contains(t, results, "docs/server.md")
	assert.NotContains(t, results, "node_modules/lib/index.js")
	assert.NotContains(t, results, ".hidden/secret.go")

	// Filename matches rank ahead of directory-only matches.
	assert.Equal(t, "docs/server.md", results[0])

	all, err := c.ListFiles("sess-1", "")
	require.NoError(t, err)
	assert.Contains(t, all, "main.go")

	_, err = c.ListFiles("missing", "x")
	assert.Error(t, err)
}

func TestCore_TabHistoryDelegation(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	require.NoError(t, c.InitSession(ctx, "sess-1", t.TempDir(), ""))

	tab := types.Tab{ID: "closed-1", Name: "old work", ConversationID: "conv-1"}
	require.NoError(t, c.AddTabToHistory("sess-1", tab))

	history, err := c.GetSessionHistory("sess-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "closed-1", history[0].ID)

	sess, _ := c.Workspace().Session("sess-1")
	newTabs := append(sess.Tabs, types.Tab{ID: "tab-2", State: types.TabUninitialized})
	require.NoError(t, c.UpdateSessionTabs("sess-1", newTabs, "tab-2"))
	sess, _ = c.Workspace().Session("sess-1")
	assert.Equal(t, "tab-2", sess.ActiveTabID)
	assert.Len(t, sess.Tabs, 2)
}

func TestCore_InterruptWithoutConversation(t *testing.T) {
	c, _ := newTestCore(t)
	// Interrupting a session with no live conversations is a no-op.
	c.Interrupt("sess-1", "")
	c.Interrupt("sess-1", "tab-1")
}
