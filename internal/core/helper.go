package core

import (
	"context"
	"strings"

	"github.com/agentdeck/agentdeck/internal/approval"
	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/internal/event"
	"github.com/agentdeck/agentdeck/internal/subagent"
	"github.com/agentdeck/agentdeck/pkg/types"
)

// helperRunner runs one sub-agent task as an isolated conversation on a
// private bus, so helper chatter never interleaves with the parent turn's
// stream. Helpers run behind a silent gate (never prompt, deny instead) and
// get no scheduler, so they cannot recurse.
type helperRunner struct {
	core *Core
	cwd  string
}

func (c *Core) newHelperRunner(cwd string) subagent.Runner {
	return &helperRunner{core: c, cwd: cwd}
}

func (h *helperRunner) Run(ctx context.Context, sessionID string, spec subagent.TaskSpec, emit func(line string)) (string, error) {
	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(func(ev event.Event) {
		switch ev.Type {
		case event.Message:
			if data, ok := ev.Data.(event.MessageData); ok && data.Role == "assistant" {
				for _, line := range strings.Split(data.Content, "\n") {
					if line = strings.TrimSpace(line); line != "" {
						emit(line)
					}
				}
			}
		case event.ToolStart:
			if data, ok := ev.Data.(event.ToolStartData); ok {
				emit("tool: " + data.Name)
			}
		}
	})
	defer unsubscribe()

	policy := approval.PolicyConfig{
		SafeCommands: h.core.settings.SafeCommands,
		AllowedRoots: h.core.settings.AllowedRoots,
	}
	gate := approval.NewSilentGate(bus, types.ApprovalAuto, policy)

	conv := conversation.New(conversation.Config{
		SessionID: sessionID,
		Cwd:       h.cwd,
		Bus:       bus,
		Providers: h.core.providers,
		Gate:      gate,
		Runner:    h.core.runner,
	})

	prompt := spec.Task
	if spec.Context != "" {
		prompt = spec.Context + "\n\n" + spec.Task
	}
	if err := conv.Send(ctx, prompt); err != nil {
		return "", err
	}
	return conv.LastAssistantContent(), nil
}
