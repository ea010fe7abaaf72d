package cliproc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/Emprim-Panth/loom/internal/bridge"
	"github.com/Emprim-Panth/loom/internal/provider"
)

const DefaultBinary = "claude"

// Adapter runs a local coding-agent CLI as a subprocess per turn. Session
// continuity uses the CLI's own resume tokens; forking maps to resuming
// the parent token with a fork flag so the backend clones its state.
type Adapter struct {
	binary string
	logger *slog.Logger

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

func New(binary string, logger *slog.Logger) *Adapter {
	if binary == "" {
		binary = DefaultBinary
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		binary:  binary,
		logger:  logger.With("provider", "cli"),
		running: make(map[string]*exec.Cmd),
	}
}

func (a *Adapter) ID() string          { return "cli" }
func (a *Adapter) DisplayName() string { return "Local CLI" }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Resume: true, Fork: true, Tools: true, Streaming: true}
}

// CheckHealth verifies the binary is on PATH. It does not spawn a turn.
func (a *Adapter) CheckHealth(ctx context.Context) error {
	bin := a.bin()
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("cli binary %q not found: %w", bin, err)
	}
	return nil
}

// WarmUp resolves the binary's absolute path once at startup, so each
// turn's spawn skips the PATH walk and a missing install is reported
// before the first send.
func (a *Adapter) WarmUp(ctx context.Context) error {
	path, err := exec.LookPath(a.bin())
	if err != nil {
		return fmt.Errorf("cli binary %q not found: %w", a.bin(), err)
	}
	a.mu.Lock()
	a.binary = path
	a.mu.Unlock()
	return nil
}

func (a *Adapter) bin() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.binary
}

func (a *Adapter) buildArgs(req provider.Request) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	switch {
	case req.ForkFromToken != "":
		args = append(args, "--resume", req.ForkFromToken, "--fork-session")
	case req.ResumeToken != "":
		args = append(args, "--resume", req.ResumeToken)
	}
	return append(args, req.Prompt)
}

// Send spawns one CLI turn and streams its output through the parser.
// It returns once the process exits and the stream is settled.
func (a *Adapter) Send(ctx context.Context, req provider.Request, emit func(bridge.Event)) (*provider.Result, error) {
	bin := a.bin()
	cmd := exec.CommandContext(ctx, bin, a.buildArgs(req)...)
	if req.WorkingDirectory != "" {
		cmd.Dir = req.WorkingDirectory
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrTransport, err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	a.mu.Lock()
	if _, busy := a.running[req.SessionID]; busy {
		a.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", req.SessionID, provider.ErrBusy)
	}
	a.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", provider.ErrTransport, bin, err)
	}
	a.mu.Lock()
	a.running[req.SessionID] = cmd
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.running, req.SessionID)
		a.mu.Unlock()
	}()

	a.logger.Debug("turn started", "session_id", req.SessionID, "pid", cmd.Process.Pid,
		"resume", req.ResumeToken != "", "fork", req.ForkFromToken != "")

	parser := NewParser(emit)
	buf := make([]byte, 64*1024)
	for {
		n, readErr := stdout.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n])
		}
		if readErr != nil {
			if readErr != io.EOF {
				a.logger.Warn("stdout read failed", "session_id", req.SessionID, "error", readErr)
			}
			break
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		emit(bridge.WrapError(provider.ErrCancelled))
		return nil, provider.ErrCancelled
	}
	if waitErr != nil && isStaleSession(stderr.String()) {
		emit(bridge.WrapError(provider.ErrSessionStale))
		return nil, fmt.Errorf("resume %q: %w", req.ResumeToken, provider.ErrSessionStale)
	}
	if err := parser.Finish(decorateExit(waitErr, stderr.String())); err != nil {
		return nil, err
	}
	return &provider.Result{NativeToken: parser.NativeToken(), Usage: parser.Usage()}, nil
}

// Cancel kills the in-flight turn for the session, if any. The Send call
// observes the kill through its context or process exit.
func (a *Adapter) Cancel(sessionID string) {
	a.mu.Lock()
	cmd := a.running[sessionID]
	a.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		a.logger.Info("cancelling turn", "session_id", sessionID, "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
	}
}

func isStaleSession(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no conversation found") ||
		strings.Contains(s, "session not found")
}

func decorateExit(waitErr error, stderr string) error {
	if waitErr == nil {
		return nil
	}
	if s := strings.TrimSpace(stderr); s != "" {
		if len(s) > 500 {
			s = s[:500]
		}
		return fmt.Errorf("%w: %s", waitErr, s)
	}
	return waitErr
}
