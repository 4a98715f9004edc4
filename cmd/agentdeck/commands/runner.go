package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/agentdeck/agentdeck/internal/conversation"
	"github.com/agentdeck/agentdeck/internal/provider"
	"github.com/agentdeck/agentdeck/pkg/types"
)

const (
	bashTimeout     = 2 * time.Minute
	maxOutputLength = 30000
)

// toolRunner is the CLI's built-in tool set: shell execution plus basic file
// reads and writes. Anything richer is the embedding host's business.
type toolRunner struct {
	workDir string
	shell   string
}

func newToolRunner(workDir string) *toolRunner {
	return &toolRunner{workDir: workDir, shell: detectShell()}
}

func detectShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	if runtime.GOOS == "darwin" {
		return "/bin/zsh"
	}
	if bash, err := exec.LookPath("bash"); err == nil {
		return bash
	}
	return "/bin/sh"
}

func (r *toolRunner) Tools() []provider.ToolInfo {
	return []provider.ToolInfo{
		{
			Name:        "bash",
			Description: "Execute a shell command in the working directory. Output is captured from stdout and stderr.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {"type": "string", "description": "The command to execute"}
				},
				"required": ["command"]
			}`),
		},
		{
			Name:        "read_file",
			Description: "Read a file relative to the working directory.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "File path to read"}
				},
				"required": ["path"]
			}`),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file relative to the working directory, creating it if needed.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"path": {"type": "string", "description": "File path to write"},
					"content": {"type": "string", "description": "Full file content"}
				},
				"required": ["path", "content"]
			}`),
		},
	}
}

type bashArgs struct {
	Command string `json:"command"`
}

type fileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (r *toolRunner) Classify(call conversation.Call) conversation.Classification {
	switch call.Name {
	case "bash":
		var args bashArgs
		json.Unmarshal([]byte(call.Arguments), &args)
		return conversation.Classification{
			Kind:     types.ApprovalExec,
			Mutating: true,
			Command:  args.Command,
		}
	case "write_file":
		var args fileArgs
		json.Unmarshal([]byte(call.Arguments), &args)
		return conversation.Classification{
			Kind:     types.ApprovalPatch,
			Mutating: true,
			Files:    []string{args.Path},
		}
	default:
		return conversation.Classification{Kind: types.ApprovalExec, Mutating: false}
	}
}

func (r *toolRunner) Run(ctx context.Context, call conversation.Call, emit func(stream, chunk string)) (string, error) {
	switch call.Name {
	case "bash":
		return r.runBash(ctx, call.Arguments, emit)
	case "read_file":
		return r.readFile(call.Arguments)
	case "write_file":
		return r.writeFile(call.Arguments)
	default:
		return "", fmt.Errorf("unknown tool: %s", call.Name)
	}
}

func (r *toolRunner) runBash(ctx context.Context, arguments string, emit func(stream, chunk string)) (string, error) {
	var args bashArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil || args.Command == "" {
		return "", fmt.Errorf("bash requires a command")
	}

	runCtx, cancel := context.WithTimeout(ctx, bashTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.shell, "-c", args.Command)
	cmd.Dir = r.workDir
	cmd.Stdout = &streamWriter{stream: "stdout", emit: emit}
	cmd.Stderr = &streamWriter{stream: "stderr", emit: emit}

	err := cmd.Run()
	stdout := cmd.Stdout.(*streamWriter).buf.String()
	stderr := cmd.Stderr.(*streamWriter).buf.String()

	output := stdout
	if stderr != "" {
		output += stderr
	}
	if len(output) > maxOutputLength {
		output = output[:maxOutputLength] + "\n... (output truncated)"
	}
	if err != nil {
		return "", fmt.Errorf("%s\n%w", output, err)
	}
	return output, nil
}

type streamWriter struct {
	stream string
	emit   func(stream, chunk string)
	buf    strings.Builder
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if w.emit != nil {
		w.emit(w.stream, string(p))
	}
	return len(p), nil
}

func (r *toolRunner) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(r.workDir, path)
}

func (r *toolRunner) readFile(arguments string) (string, error) {
	var args fileArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil || args.Path == "" {
		return "", fmt.Errorf("read_file requires a path")
	}
	data, err := os.ReadFile(r.resolve(args.Path))
	if err != nil {
		return "", err
	}
	if len(data) > maxOutputLength {
		return string(data[:maxOutputLength]) + "\n... (truncated)", nil
	}
	return string(data), nil
}

func (r *toolRunner) writeFile(arguments string) (string, error) {
	var args fileArgs
	if err := json.Unmarshal([]byte(arguments), &args); err != nil || args.Path == "" {
		return "", fmt.Errorf("write_file requires a path and content")
	}
	path := r.resolve(args.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
}
