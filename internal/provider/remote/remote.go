// Package remote proxies turns to a peer server over HTTP, consuming its
// SSE stream and re-emitting canonical events. The peer owns sessions and
// tool execution; this adapter is transport only.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Emprim-Panth/loom/internal/bridge"
	"github.com/Emprim-Panth/loom/internal/provider"
)

// streamTimeout bounds one whole remote turn. Tool-heavy turns run for
// minutes, so this is generous.
const streamTimeout = 10 * time.Minute

type Adapter struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(url, secret string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		url:     strings.TrimRight(url, "/"),
		secret:  secret,
		client:  &http.Client{},
		logger:  logger.With("provider", "remote"),
		cancels: make(map[string]context.CancelFunc),
	}
}

func (a *Adapter) ID() string          { return "remote" }
func (a *Adapter) DisplayName() string { return "Remote Peer" }

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{Resume: true, Tools: true, Streaming: true}
}

func (a *Adapter) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", provider.ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", provider.ErrTransport, resp.StatusCode)
	}
	return nil
}

type sendBody struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
}

// wireEvent decodes both SSE payload vocabularies a peer may speak: the
// typed shape our own /api/message stream emits (so two instances can
// chain), and the field-keyed shape where token carries text, done and
// error terminate, and tool_start/tool_end carry tool objects. Type is
// empty in the second vocabulary.
type wireEvent struct {
	Type      string        `json:"type"`
	Text      string        `json:"text,omitempty"`
	ToolName  string        `json:"tool_name,omitempty"`
	ToolID    string        `json:"tool_id,omitempty"`
	ToolInput string        `json:"tool_input,omitempty"`
	Result    string        `json:"result,omitempty"`
	IsError   bool          `json:"is_error,omitempty"`
	Message   string        `json:"message,omitempty"`
	Usage     *bridge.Usage `json:"usage,omitempty"`

	Token     string    `json:"token,omitempty"`
	Done      bool      `json:"done,omitempty"`
	Error     string    `json:"error,omitempty"`
	ToolStart *peerTool `json:"tool_start,omitempty"`
	ToolEnd   *peerTool `json:"tool_end,omitempty"`
}

type peerTool struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Input   string `json:"input,omitempty"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

func (a *Adapter) Send(ctx context.Context, req provider.Request, emit func(bridge.Event)) (*provider.Result, error) {
	a.mu.Lock()
	if _, busy := a.cancels[req.SessionID]; busy {
		a.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", req.SessionID, provider.ErrBusy)
	}
	turnCtx, cancel := context.WithTimeout(ctx, streamTimeout)
	a.cancels[req.SessionID] = cancel
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		delete(a.cancels, req.SessionID)
		a.mu.Unlock()
	}()

	body, err := json.Marshal(sendBody{SessionID: req.SessionID, Content: req.Prompt, Model: req.Model})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(turnCtx, http.MethodPost, a.url+"/api/message", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if a.secret != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.secret)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if ctxErr := contextFailure(turnCtx); ctxErr != nil {
			emit(bridge.WrapError(ctxErr))
			return nil, ctxErr
		}
		emitted := fmt.Errorf("%w: %v", provider.ErrTransport, err)
		emit(bridge.WrapError(emitted))
		return nil, emitted
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		err := fmt.Errorf("%w: peer returned %d", provider.ErrUnauthorized, resp.StatusCode)
		emit(bridge.WrapError(err))
		return nil, err
	case resp.StatusCode != http.StatusOK:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		err := fmt.Errorf("%w: peer returned %d: %s", provider.ErrTransport, resp.StatusCode, snippet)
		emit(bridge.WrapError(err))
		return nil, err
	}

	return a.consume(turnCtx, resp.Body, emit)
}

// consume relays the peer's event stream. A stream that ends cleanly
// without a terminal event gets a synthesized done so downstream
// consumers always see one.
func (a *Adapter) consume(ctx context.Context, body io.Reader, emit func(bridge.Event)) (*provider.Result, error) {
	var usage *bridge.Usage

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev wireEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		if ev.Type == "" {
			switch {
			case ev.Error != "":
				err := fmt.Errorf("peer error: %s", ev.Error)
				emit(bridge.WrapError(err))
				return nil, err
			case ev.Done:
				usage = ev.Usage
				emit(bridge.Done(ev.Usage))
				return &provider.Result{Usage: usage}, nil
			case ev.ToolStart != nil:
				emit(bridge.ToolStart(ev.ToolStart.Name, ev.ToolStart.ID, ev.ToolStart.Input))
			case ev.ToolEnd != nil:
				emit(bridge.ToolEnd(ev.ToolEnd.Name, ev.ToolEnd.ID, ev.ToolEnd.Result, ev.ToolEnd.IsError))
			case ev.Token != "":
				emit(bridge.Text(ev.Token))
			}
			continue
		}
		switch bridge.EventType(ev.Type) {
		case bridge.EventText:
			emit(bridge.Text(ev.Text))
		case bridge.EventToolStart:
			emit(bridge.ToolStart(ev.ToolName, ev.ToolID, ev.ToolInput))
		case bridge.EventToolEnd:
			emit(bridge.ToolEnd(ev.ToolName, ev.ToolID, ev.Result, ev.IsError))
		case bridge.EventDone:
			usage = ev.Usage
			emit(bridge.Done(ev.Usage))
			return &provider.Result{Usage: usage}, nil
		case bridge.EventError:
			err := fmt.Errorf("peer error: %s", ev.Message)
			emit(bridge.WrapError(err))
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		if ctxErr := contextFailure(ctx); ctxErr != nil {
			emit(bridge.WrapError(ctxErr))
			return nil, ctxErr
		}
		wrapped := fmt.Errorf("%w: stream broke: %v", provider.ErrTransport, err)
		emit(bridge.WrapError(wrapped))
		return nil, wrapped
	}

	a.logger.Debug("peer stream ended without terminal event, synthesizing done")
	emit(bridge.Done(nil))
	return &provider.Result{}, nil
}

// contextFailure classifies a dead turn context: a fired deadline is a
// timeout, everything else is a cancellation.
func contextFailure(ctx context.Context) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: no terminal event within %s", provider.ErrTimeout, streamTimeout)
	case ctx.Err() != nil:
		return provider.ErrCancelled
	}
	return nil
}

func (a *Adapter) Cancel(sessionID string) {
	a.mu.Lock()
	cancel := a.cancels[sessionID]
	a.mu.Unlock()
	if cancel != nil {
		a.logger.Info("cancelling remote turn", "session_id", sessionID)
		cancel()
	}
}
