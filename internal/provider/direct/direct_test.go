package direct

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/Emprim-Panth/loom/internal/bridge"
	"github.com/Emprim-Panth/loom/internal/provider"
)

type fakeExecutor struct {
	executed []string
	checked  int32
}

func (f *fakeExecutor) Schemas() []toolSchema { return nil }
func (f *fakeExecutor) Write(name string) bool {
	return strings.HasPrefix(name, "write")
}
func (f *fakeExecutor) Checkpoint(ctx context.Context, dir string) error {
	atomic.AddInt32(&f.checked, 1)
	return nil
}
func (f *fakeExecutor) Execute(ctx context.Context, name string, input json.RawMessage, dir string) (string, bool) {
	f.executed = append(f.executed, name)
	return "ok:" + name, false
}

func sseBody(events ...string) string {
	var sb strings.Builder
	for _, e := range events {
		sb.WriteString("data: ")
		sb.WriteString(e)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func textTurn(text string) string {
	return sseBody(
		`{"type":"message_start","message":{"usage":{"input_tokens":5}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		fmt.Sprintf(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}`, text),
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":7}}`,
		`{"type":"message_stop"}`,
	)
}

func toolTurn(toolName string) string {
	return sseBody(
		`{"type":"message_start","message":{"usage":{"input_tokens":3}}}`,
		fmt.Sprintf(`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tu-1","name":%q}}`, toolName),
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"{\"command\":"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"input_json_delta","partial_json":"\"ls\"}"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":4}}`,
		`{"type":"message_stop"}`,
	)
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc, exec ToolExecutor) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("test-key", srv.URL, "test-model", exec, nil)
}

func TestSendPlainTurn(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		_, _ = w.Write([]byte(textTurn("hello there")))
	}, &fakeExecutor{})

	var events []bridge.Event
	res, err := a.Send(context.Background(), provider.Request{SessionID: "s1", Prompt: "hi"},
		func(e bridge.Event) { events = append(events, e) })
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(events) != 2 || events[0].Type != bridge.EventText || events[1].Type != bridge.EventDone {
		t.Fatalf("events: %+v", events)
	}
	if events[0].Text != "hello there" {
		t.Fatalf("text: %q", events[0].Text)
	}
	if res.Usage.InputTokens != 5 || res.Usage.OutputTokens != 7 || res.Usage.Turns != 1 {
		t.Fatalf("usage: %+v", res.Usage)
	}
}

func TestSendToolLoop(t *testing.T) {
	t.Parallel()
	var calls int32
	exec := &fakeExecutor{}
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if atomic.AddInt32(&calls, 1) == 1 {
			_, _ = w.Write([]byte(toolTurn("bash")))
			return
		}
		// The second round-trip must include the tool result.
		last := req.Messages[len(req.Messages)-1]
		if last.Role != "user" || len(last.Content) == 0 || last.Content[0].Type != "tool_result" {
			t.Errorf("tool result not fed back: %+v", last)
		}
		_, _ = w.Write([]byte(textTurn("done after tool")))
	}, exec)

	var events []bridge.Event
	res, err := a.Send(context.Background(), provider.Request{SessionID: "s2", Prompt: "run it"},
		func(e bridge.Event) { events = append(events, e) })
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(exec.executed) != 1 || exec.executed[0] != "bash" {
		t.Fatalf("executed: %v", exec.executed)
	}
	if res.Usage.Turns != 2 {
		t.Fatalf("turns: %d", res.Usage.Turns)
	}

	var types []bridge.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []bridge.EventType{bridge.EventToolStart, bridge.EventToolEnd, bridge.EventText, bridge.EventDone}
	if len(types) != len(want) {
		t.Fatalf("types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
	if events[0].ToolInput != "ls" {
		t.Fatalf("stitched tool input lost: %+v", events[0])
	}
}

func TestSendLoopCeiling(t *testing.T) {
	t.Parallel()
	var calls int32
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(toolTurn("bash")))
	}, &fakeExecutor{})

	var last bridge.Event
	_, err := a.Send(context.Background(), provider.Request{SessionID: "s3", Prompt: "loop"},
		func(e bridge.Event) { last = e })
	if err == nil || !strings.Contains(err.Error(), "iterations") {
		t.Fatalf("expected ceiling error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != maxToolIterations {
		t.Fatalf("round trips = %d, want %d", got, maxToolIterations)
	}
	if last.Type != bridge.EventError {
		t.Fatalf("final event must be error, got %+v", last)
	}
}

func TestSendUnauthorized(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, &fakeExecutor{})

	_, err := a.Send(context.Background(), provider.Request{SessionID: "s4", Prompt: "hi"}, func(bridge.Event) {})
	if !errors.Is(err, provider.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestSendCancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(textTurn("never seen")))
	}, &fakeExecutor{})

	_, err := a.Send(ctx, provider.Request{SessionID: "s5", Prompt: "hi"}, func(bridge.Event) {})
	if !errors.Is(err, provider.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
}

func TestSessionSeededFromHistory(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		// history (2) + wrapped system (1) + prompt (1)
		if len(req.Messages) != 4 {
			t.Errorf("expected rebuilt history, got %d messages", len(req.Messages))
		}
		_, _ = w.Write([]byte(textTurn("ok")))
	}, &fakeExecutor{})

	_, err := a.Send(context.Background(), provider.Request{
		SessionID: "s6",
		Prompt:    "continue",
		History: []provider.Message{
			{Role: "system", Content: "snapshot"},
			{Role: "user", Content: "earlier question"},
			{Role: "assistant", Content: "earlier answer"},
		},
	}, func(bridge.Event) {})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
}

func TestCheckpointBeforeMultiWriteBatch(t *testing.T) {
	t.Parallel()
	var calls int32
	exec := &fakeExecutor{}
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			_, _ = w.Write([]byte(sseBody(
				`{"type":"message_start","message":{"usage":{"input_tokens":1}}}`,
				`{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"w1","name":"write_file"}}`,
				`{"type":"content_block_stop","index":0}`,
				`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"w2","name":"write_file"}}`,
				`{"type":"content_block_stop","index":1}`,
				`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":1}}`,
			)))
			return
		}
		_, _ = w.Write([]byte(textTurn("done")))
	}, exec)

	_, err := a.Send(context.Background(), provider.Request{SessionID: "s7", Prompt: "edit files"}, func(bridge.Event) {})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if atomic.LoadInt32(&exec.checked) != 1 {
		t.Fatalf("expected one checkpoint before the write batch, got %d", exec.checked)
	}
}
