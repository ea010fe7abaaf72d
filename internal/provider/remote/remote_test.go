package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Emprim-Panth/loom/internal/bridge"
	"github.com/Emprim-Panth/loom/internal/provider"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, "peer-secret", nil)
}

func TestSendRelaysCanonicalEvents(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/message" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer peer-secret" {
			t.Errorf("missing bearer token")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"type\":\"text\",\"text\":\"partial \"}\n\n" +
				"data: {\"type\":\"tool_start\",\"tool_name\":\"Bash\",\"tool_id\":\"t1\",\"tool_input\":\"ls\"}\n\n" +
				"data: {\"type\":\"tool_end\",\"tool_name\":\"Bash\",\"tool_id\":\"t1\",\"result\":\"a.go\"}\n\n" +
				"data: {\"type\":\"done\",\"usage\":{\"input_tokens\":2,\"output_tokens\":3}}\n\n"))
	})

	var events []bridge.Event
	res, err := a.Send(context.Background(), provider.Request{SessionID: "s", Prompt: "hi"},
		func(e bridge.Event) { events = append(events, e) })
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	want := []bridge.EventType{bridge.EventText, bridge.EventToolStart, bridge.EventToolEnd, bridge.EventDone}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i := range want {
		if events[i].Type != want[i] {
			t.Fatalf("event %d = %s, want %s", i, events[i].Type, want[i])
		}
	}
	if res.Usage == nil || res.Usage.OutputTokens != 3 {
		t.Fatalf("usage: %+v", res.Usage)
	}
}

func TestSendSynthesizesDone(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {\"type\":\"text\",\"text\":\"tail\"}\n\n"))
	})

	var events []bridge.Event
	_, err := a.Send(context.Background(), provider.Request{SessionID: "s", Prompt: "hi"},
		func(e bridge.Event) { events = append(events, e) })
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	last := events[len(events)-1]
	if last.Type != bridge.EventDone {
		t.Fatalf("expected synthesized done, got %+v", last)
	}
}

// A peer speaking the field-keyed vocabulary (token/done/error with no
// type field) must be relayed, not silently dropped.
func TestSendRelaysTokenVocabulary(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(
			"data: {\"token\":\"hello \"}\n\n" +
				"data: {\"tool_start\":{\"name\":\"Bash\",\"id\":\"t1\",\"input\":\"ls\"}}\n\n" +
				"data: {\"tool_end\":{\"name\":\"Bash\",\"id\":\"t1\",\"result\":\"a.go\"}}\n\n" +
				"data: {\"token\":\"world\"}\n\n" +
				"data: {\"done\":true}\n\n"))
	})

	var events []bridge.Event
	_, err := a.Send(context.Background(), provider.Request{SessionID: "s", Prompt: "hi"},
		func(e bridge.Event) { events = append(events, e) })
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	want := []bridge.EventType{bridge.EventText, bridge.EventToolStart, bridge.EventToolEnd, bridge.EventText, bridge.EventDone}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i := range want {
		if events[i].Type != want[i] {
			t.Fatalf("event %d = %s, want %s", i, events[i].Type, want[i])
		}
	}
	if got := events[0].Text + events[3].Text; got != "hello world" {
		t.Fatalf("text = %q, want %q", got, "hello world")
	}
	if events[1].ToolName != "Bash" || events[2].Result != "a.go" {
		t.Fatalf("tool events: %+v %+v", events[1], events[2])
	}
}

func TestSendPeerErrorField(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {\"error\":\"rate limited\"}\n\n"))
	})
	var last bridge.Event
	_, err := a.Send(context.Background(), provider.Request{SessionID: "s", Prompt: "hi"},
		func(e bridge.Event) { last = e })
	if err == nil || err.Error() != "peer error: rate limited" {
		t.Fatalf("unexpected error: %v", err)
	}
	if last.Type != bridge.EventError {
		t.Fatalf("expected error event, got %+v", last)
	}
}

func TestSendUnauthorized(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	var last bridge.Event
	_, err := a.Send(context.Background(), provider.Request{SessionID: "s", Prompt: "hi"},
		func(e bridge.Event) { last = e })
	if !errors.Is(err, provider.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if last.Type != bridge.EventError {
		t.Fatalf("expected error event, got %+v", last)
	}
}

func TestSendPeerError(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {\"type\":\"error\",\"message\":\"model overloaded\"}\n\n"))
	})
	_, err := a.Send(context.Background(), provider.Request{SessionID: "s", Prompt: "hi"}, func(bridge.Event) {})
	if err == nil || err.Error() != "peer error: model overloaded" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendTransportFailure(t *testing.T) {
	t.Parallel()
	a := New("http://127.0.0.1:1", "", nil)
	_, err := a.Send(context.Background(), provider.Request{SessionID: "s", Prompt: "hi"}, func(bridge.Event) {})
	if !errors.Is(err, provider.ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
}

// A fired deadline is a timeout, not a cancellation. Only an explicit
// cancel maps to ErrCancelled.
func TestContextFailureKinds(t *testing.T) {
	t.Parallel()

	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	<-expired.Done()
	if err := contextFailure(expired); !errors.Is(err, provider.ErrTimeout) {
		t.Fatalf("deadline: got %v, want ErrTimeout", err)
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	if err := contextFailure(cancelled); !errors.Is(err, provider.ErrCancelled) {
		t.Fatalf("cancel: got %v, want ErrCancelled", err)
	}

	if err := contextFailure(context.Background()); err != nil {
		t.Fatalf("live context: got %v", err)
	}
}

func TestCheckHealth(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	if err := a.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}
