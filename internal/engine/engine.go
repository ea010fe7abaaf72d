// Package engine orchestrates one conversation turn end to end: persist
// the user message, pick a provider, stream canonical events to the
// caller, and persist the outcome. It owns the per-branch in-flight
// guard; providers only guard their own sessions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Emprim-Panth/loom/internal/bridge"
	"github.com/Emprim-Panth/loom/internal/notify"
	"github.com/Emprim-Panth/loom/internal/otel"
	"github.com/Emprim-Panth/loom/internal/provider"
	"github.com/Emprim-Panth/loom/internal/store"
)

// ErrTurnInFlight is returned when the branch already has a running turn.
var ErrTurnInFlight = errors.New("engine: branch already has a turn in flight")

// SendParams describes one send. SessionID names the conversation; when
// EditedMessageID is set the turn forks the branch at that message first
// and runs on the fork.
type SendParams struct {
	SessionID       string
	Content         string
	Model           string
	ProviderID      string
	EditedMessageID int64
}

// SendResult reports where the turn actually ran, which differs from the
// request when an edit forked the branch.
type SendResult struct {
	BranchID  string
	SessionID string
	Provider  string
	Usage     *bridge.Usage
}

type Engine struct {
	store    store.Store
	router   *provider.Router
	notifier notify.Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[string]func() // branchID -> cancel
}

func New(st store.Store, router *provider.Router, notifier notify.Notifier, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = notify.Silent{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		router:   router,
		notifier: notifier,
		logger:   logger.With("component", "engine"),
		inFlight: make(map[string]func()),
	}
}

// Send runs one turn, emitting canonical events as they stream. It
// blocks until the terminal event. The emit callback is invoked from the
// calling goroutine's flow; the final event is always done or error.
func (e *Engine) Send(ctx context.Context, p SendParams, emit func(bridge.Event)) (*SendResult, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, fmt.Errorf("message content required")
	}

	branch, err := e.store.BranchBySession(ctx, p.SessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve session %s: %w", p.SessionID, err)
	}

	forked := false
	if p.EditedMessageID != 0 {
		// Editing history never rewrites it: the edit lives on a fork.
		branch, err = e.store.ForkBranch(ctx, store.ForkBranchParams{
			ParentBranchID:  branch.BranchID,
			EditedMessageID: p.EditedMessageID,
			EditedContent:   p.Content,
			Title:           forkTitle(p.Content),
		})
		if err != nil {
			return nil, fmt.Errorf("fork at message %d: %w", p.EditedMessageID, err)
		}
		forked = true
		otel.RecordFork(ctx)
		e.logger.Info("forked branch for edit",
			"parent_session", p.SessionID, "branch_id", branch.BranchID, "edited_message_id", p.EditedMessageID)
	}

	if err := e.acquire(branch.BranchID); err != nil {
		return nil, err
	}
	defer e.release(branch.BranchID)

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.setCancel(branch.BranchID, cancel)

	if !forked {
		if _, err := e.store.AppendMessage(ctx, branch.SessionID, store.RoleUser, p.Content); err != nil {
			return nil, fmt.Errorf("persist user message: %w", err)
		}
	}

	prov, err := e.router.Select(p.ProviderID)
	if err != nil {
		emit(bridge.WrapError(err))
		return nil, err
	}

	req, err := e.buildRequest(ctx, prov, branch, p)
	if err != nil {
		emit(bridge.WrapError(err))
		return nil, err
	}

	res, err := e.runTurn(turnCtx, prov, req, branch, emit)
	if errors.Is(err, provider.ErrSessionStale) && req.ResumeToken != "" {
		// The backend lost our session. Drop the binding and replay the
		// turn fresh with full history.
		e.logger.Warn("provider session stale, retrying fresh",
			"session_id", branch.SessionID, "provider", prov.ID())
		if uerr := e.store.UnbindSession(ctx, branch.SessionID); uerr != nil {
			return nil, uerr
		}
		req.ResumeToken = ""
		if req.History, err = e.history(ctx, branch.SessionID); err != nil {
			return nil, err
		}
		res, err = e.runTurn(turnCtx, prov, req, branch, emit)
	}
	if err != nil {
		return nil, err
	}

	return &SendResult{
		BranchID:  branch.BranchID,
		SessionID: branch.SessionID,
		Provider:  prov.ID(),
		Usage:     res.Usage,
	}, nil
}

// runTurn drives one provider call, persisting the assistant reply and
// session binding on success.
func (e *Engine) runTurn(ctx context.Context, prov provider.Provider, req provider.Request, branch store.Branch, emit func(bridge.Event)) (*provider.Result, error) {
	started := time.Now()
	var reply strings.Builder
	wrapped := func(ev bridge.Event) {
		if ev.Type == bridge.EventText {
			reply.WriteString(ev.Text)
		}
		emit(ev)
	}

	res, err := prov.Send(ctx, req, wrapped)
	status := "done"
	if err != nil {
		status = "error"
	}
	otel.RecordTurn(ctx, prov.ID(), status, time.Since(started))

	if err != nil {
		return nil, err
	}

	if reply.Len() > 0 {
		if _, perr := e.store.AppendMessage(ctx, branch.SessionID, store.RoleAssistant, reply.String()); perr != nil {
			e.logger.Error("assistant reply not persisted", "session_id", branch.SessionID, "error", perr)
		}
	}
	if res.NativeToken != "" {
		if berr := e.store.BindSession(ctx, branch.SessionID, prov.ID(), res.NativeToken); berr != nil {
			e.logger.Error("session binding not persisted", "session_id", branch.SessionID, "error", berr)
		}
	}
	e.notifier.TurnCompleted(branch.Title)
	return res, nil
}

// buildRequest assembles the provider request: resume/fork tokens for
// stateful backends, full history for stateless ones.
func (e *Engine) buildRequest(ctx context.Context, prov provider.Provider, branch store.Branch, p SendParams) (provider.Request, error) {
	req := provider.Request{
		SessionID:    branch.SessionID,
		Prompt:       p.Content,
		Model:        firstNonEmpty(p.Model, branch.Model),
		SystemPrompt: branch.ContextSnapshot,
	}
	if tree, _, err := e.store.GetTree(ctx, branch.TreeID); err == nil {
		req.WorkingDirectory = tree.WorkingDirectory
	}

	caps := prov.Capabilities()
	if caps.Resume {
		token, err := e.store.SessionToken(ctx, branch.SessionID, prov.ID())
		switch {
		case err == nil:
			req.ResumeToken = token
		case errors.Is(err, store.ErrNotFound):
			// First turn on this session. A forked branch resumes its
			// parent's backend session as a clone.
			if caps.Fork && branch.ParentBranchID != nil && branch.ForkFromMessageID != nil {
				if parent, perr := e.store.GetBranch(ctx, *branch.ParentBranchID); perr == nil {
					if ptok, terr := e.store.SessionToken(ctx, parent.SessionID, prov.ID()); terr == nil {
						req.ForkFromToken = ptok
					}
				}
			}
		default:
			return provider.Request{}, err
		}
	}
	if !caps.Resume || (req.ResumeToken == "" && req.ForkFromToken == "") {
		history, err := e.history(ctx, branch.SessionID)
		if err != nil {
			return provider.Request{}, err
		}
		req.History = history
	}
	return req, nil
}

// history loads the stored transcript minus the just-appended prompt,
// shaped for stateless providers.
func (e *Engine) history(ctx context.Context, sessionID string) ([]provider.Message, error) {
	msgs, err := e.store.ListMessages(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	// The prompt travels separately; drop it from the tail.
	if n := len(msgs); n > 0 && msgs[n-1].Role == store.RoleUser {
		msgs = msgs[:n-1]
	}
	out := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, provider.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// Cancel interrupts the in-flight turn on a branch, if any.
func (e *Engine) Cancel(branchID string) bool {
	e.mu.Lock()
	cancel, ok := e.inFlight[branchID]
	e.mu.Unlock()
	if ok && cancel != nil {
		cancel()
	}
	return ok
}

func (e *Engine) acquire(branchID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[branchID]; busy {
		return fmt.Errorf("branch %s: %w", branchID, ErrTurnInFlight)
	}
	e.inFlight[branchID] = nil
	return nil
}

func (e *Engine) setCancel(branchID string, cancel func()) {
	e.mu.Lock()
	if _, ok := e.inFlight[branchID]; ok {
		e.inFlight[branchID] = cancel
	}
	e.mu.Unlock()
}

func (e *Engine) release(branchID string) {
	e.mu.Lock()
	delete(e.inFlight, branchID)
	e.mu.Unlock()
}

func forkTitle(content string) string {
	content = strings.TrimSpace(content)
	if len(content) > 48 {
		content = content[:48] + "..."
	}
	return content
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
