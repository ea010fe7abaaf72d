// Package direct talks to the model API over HTTP and runs the tool loop
// itself. Unlike the CLI adapter it holds no backend session: per-session
// conversation state lives in memory and is rebuilt from the stored
// transcript after a restart.
package direct

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Emprim-Panth/loom/internal/bridge"
	"github.com/Emprim-Panth/loom/internal/provider"
)

const (
	DefaultBaseURL = "https://api.anthropic.com"
	DefaultModel   = "claude-sonnet-4-20250514"

	// maxToolIterations bounds the tool loop for one turn. Hitting the
	// ceiling ends the turn with an error rather than looping forever.
	maxToolIterations = 25

	maxTokens      = 8192
	requestTimeout = 5 * time.Minute
	apiVersion     = "2023-06-01"
)

type sessionState struct {
	messages []apiMessage
	inFlight bool
	cancel   context.CancelFunc
}

// Adapter implements provider.Provider against the messages API.
type Adapter struct {
	apiKey   string
	baseURL  string
	model    string
	client   *http.Client
	executor ToolExecutor
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

func New(apiKey, baseURL, model string, executor ToolExecutor, logger *slog.Logger) *Adapter {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	if executor == nil {
		executor = NewShellExecutor()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		apiKey:   apiKey,
		baseURL:  baseURL,
		model:    model,
		client:   &http.Client{Timeout: requestTimeout},
		executor: executor,
		logger:   logger.With("provider", "direct"),
		sessions: make(map[string]*sessionState),
	}
}

func (a *Adapter) ID() string          { return "direct" }
func (a *Adapter) DisplayName() string { return "Direct API" }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Tools: true, Streaming: true}
}

// CheckHealth only validates configuration. Burning a request against
// the paid API for a probe is not worth it.
func (a *Adapter) CheckHealth(ctx context.Context) error {
	if a.apiKey == "" {
		return fmt.Errorf("api key not configured")
	}
	return nil
}

// session returns the in-memory conversation for a session, seeding it
// from the caller-provided history when the process has no state yet.
// History already includes the forked prefix for branches forked from a
// parent, so forks need no special casing here.
func (a *Adapter) session(req provider.Request) *sessionState {
	st, ok := a.sessions[req.SessionID]
	if ok {
		return st
	}
	st = &sessionState{}
	for _, m := range req.History {
		role := m.Role
		if role == "system" {
			// The messages API takes system text out of band; fold
			// stored system messages into a user-visible preamble.
			st.messages = append(st.messages, textMessage("user", "<context>\n"+m.Content+"\n</context>"))
			continue
		}
		st.messages = append(st.messages, textMessage(role, m.Content))
	}
	a.sessions[req.SessionID] = st
	return st
}

// Send runs the bounded tool loop for one turn: request a completion,
// execute any requested tools, feed results back, repeat until the model
// stops or the iteration ceiling is hit.
func (a *Adapter) Send(ctx context.Context, req provider.Request, emit func(bridge.Event)) (*provider.Result, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	a.mu.Lock()
	st := a.session(req)
	if st.inFlight {
		a.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", req.SessionID, provider.ErrBusy)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	st.inFlight = true
	st.cancel = cancel
	// Snapshot so a failed turn never leaves half-appended messages.
	base := make([]apiMessage, len(st.messages))
	copy(base, st.messages)
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		st.inFlight = false
		st.cancel = nil
		a.mu.Unlock()
	}()

	msgs := append(base, textMessage("user", req.Prompt))
	usage := &bridge.Usage{}

	for iter := 0; iter < maxToolIterations; iter++ {
		if err := turnCtx.Err(); err != nil {
			emit(bridge.WrapError(provider.ErrCancelled))
			return nil, provider.ErrCancelled
		}

		comp, err := a.complete(turnCtx, model, req.SystemPrompt, msgs, emit)
		if err != nil {
			if turnCtx.Err() != nil {
				emit(bridge.WrapError(provider.ErrCancelled))
				return nil, provider.ErrCancelled
			}
			emit(bridge.WrapError(err))
			return nil, err
		}
		usage.InputTokens += comp.Usage.InputTokens
		usage.OutputTokens += comp.Usage.OutputTokens
		usage.Turns++

		msgs = append(msgs, apiMessage{Role: "assistant", Content: comp.Blocks})

		if comp.StopReason != "tool_use" {
			a.mu.Lock()
			st.messages = msgs
			a.mu.Unlock()
			emit(bridge.Done(usage))
			return &provider.Result{Usage: usage}, nil
		}

		results, err := a.runTools(turnCtx, comp.Blocks, req.WorkingDirectory, emit)
		if err != nil {
			emit(bridge.WrapError(err))
			return nil, err
		}
		msgs = append(msgs, apiMessage{Role: "user", Content: results})
	}

	err := fmt.Errorf("tool loop exceeded %d iterations", maxToolIterations)
	emit(bridge.WrapError(err))
	return nil, err
}

// runTools executes every tool_use block in order. A batch with two or
// more mutating tools gets a workspace checkpoint first.
func (a *Adapter) runTools(ctx context.Context, blocks []apiBlock, workDir string, emit func(bridge.Event)) ([]apiBlock, error) {
	writes := 0
	for _, b := range blocks {
		if b.Type == "tool_use" && a.executor.Write(b.Name) {
			writes++
		}
	}
	if writes >= 2 {
		if err := a.executor.Checkpoint(ctx, workDir); err != nil {
			a.logger.Warn("workspace checkpoint failed", "error", err)
		}
	}

	var results []apiBlock
	for _, b := range blocks {
		if b.Type != "tool_use" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, provider.ErrCancelled
		}
		emit(bridge.ToolStart(b.Name, b.ID, describeInput(b.Input)))
		result, isErr := a.executor.Execute(ctx, b.Name, b.Input, workDir)
		emit(bridge.ToolEnd(b.Name, b.ID, result, isErr))
		results = append(results, apiBlock{
			Type:      "tool_result",
			ToolUseID: b.ID,
			Content:   result,
			IsError:   isErr,
		})
	}
	return results, nil
}

func (a *Adapter) complete(ctx context.Context, model, system string, msgs []apiMessage, emit func(bridge.Event)) (*completion, error) {
	body, err := json.Marshal(apiRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  msgs,
		Tools:     a.executor.Schemas(),
		Stream:    true,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", provider.ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return nil, fmt.Errorf("%w: status %d: %s", provider.ErrTransport, resp.StatusCode, snippet)
	}

	return readCompletion(resp.Body, func(text string) { emit(bridge.Text(text)) })
}

// Cancel interrupts the session's in-flight turn between or during
// round-trips.
func (a *Adapter) Cancel(sessionID string) {
	a.mu.Lock()
	st := a.sessions[sessionID]
	var cancel context.CancelFunc
	if st != nil {
		cancel = st.cancel
	}
	a.mu.Unlock()
	if cancel != nil {
		a.logger.Info("cancelling turn", "session_id", sessionID)
		cancel()
	}
}

// Forget drops the in-memory state for a session; the next turn rebuilds
// it from history. Called when the stored transcript changes underneath
// us.
func (a *Adapter) Forget(sessionID string) {
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
}

func describeInput(input json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	for _, k := range []string{"command", "path", "query", "description"} {
		if v, ok := fields[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
