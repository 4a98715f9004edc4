package approval

import (
	"fmt"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/agentdeck/agentdeck/pkg/types"
)

// PolicyConfig tunes decisions in auto mode. SafeCommands extends the
// built-in read-only set; AllowedRoots extends the worktree boundary.
type PolicyConfig struct {
	SafeCommands []string
	AllowedRoots []string
}

// preApproved decides whether a request can proceed without asking the user.
// False means the request must be surfaced for an explicit decision.
func preApproved(mode types.ApprovalMode, policy PolicyConfig, req types.ApprovalRequest) bool {
	switch mode {
	case types.ApprovalFullAccess:
		return true
	case types.ApprovalReadOnly:
		return false
	case types.ApprovalAuto:
	default:
		return false
	}

	switch req.Kind {
	case types.ApprovalPatch:
		return pathsConfined(req.Files, req.Cwd, policy.AllowedRoots)
	case types.ApprovalExec:
		return commandConfined(req.Command, req.Cwd, policy)
	}
	return false
}

// safeCommands never mutate the filesystem regardless of arguments.
var safeCommands = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "wc": true,
	"grep": true, "rg": true, "find": true, "pwd": true, "echo": true,
	"which": true, "file": true, "stat": true, "du": true, "df": true,
	"env": true, "date": true, "diff": true, "sort": true, "uniq": true,
	"cut": true, "tr": true, "basename": true, "dirname": true,
	"sed":  true, // without -i sed only streams; -i is checked separately
	"true": true, "false": true,
}

// mutatingCommands take filesystem paths that must stay inside the boundary.
var mutatingCommands = map[string]bool{
	"rm": true, "cp": true, "mv": true, "mkdir": true, "rmdir": true,
	"touch": true, "chmod": true, "chown": true, "ln": true, "tee": true,
	"cd": true, "install": true, "truncate": true,
}

func commandConfined(command, cwd string, policy PolicyConfig) bool {
	calls, err := parseCommand(command)
	if err != nil || len(calls) == 0 {
		// Unparseable commands always ask.
		return false
	}

	extraSafe := make(map[string]bool, len(policy.SafeCommands))
	for _, name := range policy.SafeCommands {
		extraSafe[name] = true
	}

	for _, call := range calls {
		if call.dynamic {
			return false
		}
		if safeCommands[call.name] || extraSafe[call.name] {
			if call.name == "sed" && hasInPlaceFlag(call.args) {
				return false
			}
			continue
		}
		if !mutatingCommands[call.name] {
			// Unknown commands may do anything.
			return false
		}
		if !pathsConfined(argPaths(call), cwd, policy.AllowedRoots) {
			return false
		}
	}
	return true
}

type shellCall struct {
	name    string
	args    []string
	dynamic bool // contains expansion or substitution we cannot resolve
}

func parseCommand(command string) ([]shellCall, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)
	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}

	var calls []shellCall
	syntax.Walk(file, func(node syntax.Node) bool {
		if expr, ok := node.(*syntax.CallExpr); ok && len(expr.Args) > 0 {
			call := shellCall{}
			name, lit := wordText(expr.Args[0])
			call.name = name
			call.dynamic = !lit
			for _, arg := range expr.Args[1:] {
				text, argLit := wordText(arg)
				call.args = append(call.args, text)
				if !argLit {
					call.dynamic = true
				}
			}
			if call.name != "" {
				calls = append(calls, call)
			}
		}
		return true
	})
	return calls, nil
}

// wordText flattens a shell word. literal is false when the word contains
// expansion the policy cannot reason about.
func wordText(word *syntax.Word) (text string, literal bool) {
	var sb strings.Builder
	literal = true
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				} else {
					literal = false
				}
			}
		default:
			literal = false
		}
	}
	return sb.String(), literal
}

func hasInPlaceFlag(args []string) bool {
	for _, arg := range args {
		if arg == "-i" || strings.HasPrefix(arg, "-i.") || strings.HasPrefix(arg, "--in-place") {
			return true
		}
	}
	return false
}

func argPaths(call shellCall) []string {
	var paths []string
	for _, arg := range call.args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if call.name == "chmod" && looksLikeMode(arg) {
			continue
		}
		paths = append(paths, arg)
	}
	return paths
}

func looksLikeMode(arg string) bool {
	if arg == "" {
		return false
	}
	c := arg[0]
	return c >= '0' && c <= '9' || c == 'u' || c == 'g' || c == 'o' || c == 'a' || c == '+' || c == '='
}

func pathsConfined(paths []string, cwd string, roots []string) bool {
	for _, path := range paths {
		if strings.HasPrefix(path, "~") {
			return false
		}
		abs := path
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(cwd, abs)
		}
		abs = filepath.Clean(abs)
		if withinDir(abs, cwd) {
			continue
		}
		allowed := false
		for _, root := range roots {
			if withinDir(abs, root) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return true
}

func withinDir(path, dir string) bool {
	if dir == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
