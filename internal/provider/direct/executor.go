package direct

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ToolExecutor runs tool calls the model requests during a turn. Write
// reports whether a tool mutates the workspace; the adapter checkpoints
// before executing a batch with two or more mutating calls.
type ToolExecutor interface {
	Schemas() []toolSchema
	Write(name string) bool
	Checkpoint(ctx context.Context, workingDirectory string) error
	Execute(ctx context.Context, name string, input json.RawMessage, workingDirectory string) (result string, isError bool)
}

// ShellExecutor is the default executor: shell, file read, and file
// write tools scoped to the turn's working directory.
type ShellExecutor struct {
	Timeout time.Duration
}

func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{Timeout: 2 * time.Minute}
}

func (e *ShellExecutor) Schemas() []toolSchema {
	return []toolSchema{
		{
			Name:        "bash",
			Description: "Run a shell command in the working directory and return combined output.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"command":{"type":"string"}},"required":["command"]}`),
		},
		{
			Name:        "read_file",
			Description: "Read a file relative to the working directory.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file relative to the working directory, creating parent directories.",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
		},
	}
}

func (e *ShellExecutor) Write(name string) bool {
	return name == "bash" || name == "write_file"
}

// Checkpoint snapshots uncommitted work before a multi-write batch. A
// directory that is not a git worktree is left alone.
func (e *ShellExecutor) Checkpoint(ctx context.Context, workingDirectory string) error {
	if workingDirectory == "" {
		return nil
	}
	probe := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	probe.Dir = workingDirectory
	if err := probe.Run(); err != nil {
		return nil
	}
	cmd := exec.CommandContext(ctx, "git", "stash", "push", "--include-untracked",
		"--message", "pre-tool checkpoint "+time.Now().UTC().Format(time.RFC3339))
	cmd.Dir = workingDirectory
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("checkpoint failed: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

func (e *ShellExecutor) Execute(ctx context.Context, name string, input json.RawMessage, workingDirectory string) (string, bool) {
	switch name {
	case "bash":
		return e.runBash(ctx, input, workingDirectory)
	case "read_file":
		return e.readFile(input, workingDirectory)
	case "write_file":
		return e.writeFile(input, workingDirectory)
	default:
		return fmt.Sprintf("unknown tool %q", name), true
	}
}

func (e *ShellExecutor) runBash(ctx context.Context, input json.RawMessage, dir string) (string, bool) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &args); err != nil || args.Command == "" {
		return "bash requires a command", true
	}
	runCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(runCtx, "bash", "-c", args.Command)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Sprintf("%s\n%v", out, err), true
	}
	return string(out), false
}

func (e *ShellExecutor) readFile(input json.RawMessage, dir string) (string, bool) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil || args.Path == "" {
		return "read_file requires a path", true
	}
	p := args.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return err.Error(), true
	}
	return string(data), false
}

func (e *ShellExecutor) writeFile(input json.RawMessage, dir string) (string, bool) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &args); err != nil || args.Path == "" {
		return "write_file requires a path", true
	}
	p := args.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err.Error(), true
	}
	if err := os.WriteFile(p, []byte(args.Content), 0o644); err != nil {
		return err.Error(), true
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), false
}
