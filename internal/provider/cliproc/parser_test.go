package cliproc

import (
	"errors"
	"strings"
	"testing"

	"github.com/Emprim-Panth/loom/internal/bridge"
	"github.com/Emprim-Panth/loom/internal/provider"
)

func collectEvents() (func(bridge.Event), *[]bridge.Event) {
	var events []bridge.Event
	return func(e bridge.Event) { events = append(events, e) }, &events
}

const sampleStream = `{"type":"system","subtype":"init","session_id":"native-abc"}
{"type":"stream_event","event":{"type":"content_block_start","index":0,"content_block":{"type":"text"}}}
{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me check "}}}
{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"the file."}}}
{"type":"stream_event","event":{"type":"content_block_stop","index":0}}
{"type":"stream_event","event":{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tool-1","name":"Read","input":{}}}}
{"type":"stream_event","event":{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"file_path\":"}}}
{"type":"stream_event","event":{"type":"content_block_stop","index":1}}
{"type":"assistant","message":{"content":[{"type":"text","text":"Let me check the file."},{"type":"tool_use","id":"tool-1","name":"Read","input":{"file_path":"/tmp/a.go"}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"tool-1","content":"package main"}]}}
{"type":"result","subtype":"success","is_error":false,"session_id":"native-abc","result":"done","usage":{"input_tokens":10,"output_tokens":20}}
`

func feedWhole(t *testing.T, stream string) []bridge.Event {
	t.Helper()
	emit, events := collectEvents()
	p := NewParser(emit)
	p.Feed([]byte(stream))
	if err := p.Finish(nil); err != nil {
		t.Fatalf("finish: %v", err)
	}
	return *events
}

func TestParserCanonicalStream(t *testing.T) {
	t.Parallel()
	events := feedWhole(t, sampleStream)

	var types []bridge.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	want := []bridge.EventType{
		bridge.EventText, bridge.EventText,
		bridge.EventToolStart, bridge.EventToolEnd,
		bridge.EventDone,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, types[i], want[i])
		}
	}

	if events[0].Text+events[1].Text != "Let me check the file." {
		t.Fatalf("text reassembly wrong: %q %q", events[0].Text, events[1].Text)
	}
	start := events[2]
	if start.ToolName != "Read" || start.ToolID != "tool-1" {
		t.Fatalf("tool start: %+v", start)
	}
	end := events[3]
	if end.ToolID != "tool-1" || end.Result != "package main" || end.IsError {
		t.Fatalf("tool end: %+v", end)
	}
	done := events[4]
	if done.Usage == nil || done.Usage.InputTokens != 10 || done.Usage.OutputTokens != 20 {
		t.Fatalf("usage: %+v", done.Usage)
	}
}

func TestParserNativeToken(t *testing.T) {
	t.Parallel()
	emit, _ := collectEvents()
	p := NewParser(emit)
	p.Feed([]byte(sampleStream))
	if p.NativeToken() != "native-abc" {
		t.Fatalf("token = %q", p.NativeToken())
	}
}

// Feeding the same stream split at every byte offset must produce the
// same events: framing is the parser's job, not the reader's.
func TestParserSplitInvariance(t *testing.T) {
	t.Parallel()
	whole := feedWhole(t, sampleStream)

	for offset := 1; offset < len(sampleStream)-1; offset += 7 {
		emit, events := collectEvents()
		p := NewParser(emit)
		p.Feed([]byte(sampleStream[:offset]))
		p.Feed([]byte(sampleStream[offset:]))
		if err := p.Finish(nil); err != nil {
			t.Fatalf("offset %d: finish: %v", offset, err)
		}
		if len(*events) != len(whole) {
			t.Fatalf("offset %d: %d events, want %d", offset, len(*events), len(whole))
		}
		for i := range whole {
			if (*events)[i].Type != whole[i].Type || (*events)[i].Text != whole[i].Text {
				t.Fatalf("offset %d: event %d diverged", offset, i)
			}
		}
	}
}

// A tool announced by a stream event must not be re-announced when the
// full assistant message arrives.
func TestParserToolDedup(t *testing.T) {
	t.Parallel()
	events := feedWhole(t, sampleStream)
	starts := 0
	for _, e := range events {
		if e.Type == bridge.EventToolStart {
			starts++
		}
	}
	if starts != 1 {
		t.Fatalf("tool-1 announced %d times", starts)
	}
}

// Without partial stream events the assistant line is the only tool
// announcement and must produce exactly one toolStart.
func TestParserAssistantFallback(t *testing.T) {
	t.Parallel()
	stream := `{"type":"system","subtype":"init","session_id":"s"}
{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t9","name":"Bash","input":{"command":"ls -la"}}]}}
{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t9","content":"a.go\n"}]}}
{"type":"result","is_error":false,"result":"ok"}
`
	events := feedWhole(t, stream)
	if len(events) != 3 {
		t.Fatalf("expected start/end/done, got %d", len(events))
	}
	if events[0].Type != bridge.EventToolStart || events[0].ToolInput != "ls -la" {
		t.Fatalf("fallback start: %+v", events[0])
	}
	if events[1].Type != bridge.EventToolEnd || events[1].ToolName != "Bash" {
		t.Fatalf("end should carry the remembered tool name: %+v", events[1])
	}
}

func TestParserDropsMalformedLines(t *testing.T) {
	t.Parallel()
	stream := "this is not json\n" +
		`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}}` + "\n" +
		"{\"type\":\"result\",\"is_error\":false}\n"
	events := feedWhole(t, stream)
	if len(events) != 2 || events[0].Text != "hi" || events[1].Type != bridge.EventDone {
		t.Fatalf("malformed line corrupted stream: %+v", events)
	}
}

func TestParserErrorResult(t *testing.T) {
	t.Parallel()
	emit, events := collectEvents()
	p := NewParser(emit)
	p.Feed([]byte(`{"type":"result","is_error":true,"result":"credit exhausted"}` + "\n"))
	if err := p.Finish(nil); err == nil {
		t.Fatal("expected error from error result")
	}
	got := *events
	if len(got) != 1 || got[0].Type != bridge.EventError {
		t.Fatalf("expected single error event, got %+v", got)
	}
	if !strings.Contains(got[0].Message, "credit exhausted") {
		t.Fatalf("error message lost: %q", got[0].Message)
	}
}

func TestParserExitWithoutResult(t *testing.T) {
	t.Parallel()
	emit, events := collectEvents()
	p := NewParser(emit)
	p.Feed([]byte(`{"type":"system","subtype":"init","session_id":"s"}` + "\n"))
	exitErr := errors.New("exit status 1")
	if err := p.Finish(exitErr); !errors.Is(err, exitErr) {
		t.Fatalf("expected wrapped exit error, got %v", err)
	}
	got := *events
	if len(got) != 1 || got[0].Type != bridge.EventError {
		t.Fatalf("expected single error event, got %+v", got)
	}
}

// The final result line may arrive without a trailing newline when the
// process exits mid-write; Finish must still parse it instead of
// failing the turn.
func TestParserFlushesUnterminatedResult(t *testing.T) {
	t.Parallel()
	emit, events := collectEvents()
	p := NewParser(emit)
	p.Feed([]byte(`{"type":"system","subtype":"init","session_id":"s-tail"}` + "\n"))
	p.Feed([]byte(`{"type":"result","is_error":false,"session_id":"s-tail","result":"ok","usage":{"input_tokens":5,"output_tokens":7}}`))
	if err := p.Finish(nil); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got := *events
	if len(got) != 1 || got[0].Type != bridge.EventDone {
		t.Fatalf("expected done, got %+v", got)
	}
	if got[0].Usage == nil || got[0].Usage.InputTokens != 5 || got[0].Usage.OutputTokens != 7 {
		t.Fatalf("usage from unterminated line lost: %+v", got[0].Usage)
	}
	if p.NativeToken() != "s-tail" {
		t.Fatalf("token from unterminated line lost: %q", p.NativeToken())
	}
}

// Tool results can also arrive as flat tool lines carrying the result
// directly instead of nesting it under a user message.
func TestParserFlatToolLine(t *testing.T) {
	t.Parallel()
	stream := `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t3","name":"Grep","input":{"pattern":"TODO"}}]}}` + "\n" +
		`{"type":"tool","tool_use_id":"t3","content":"a.go:12"}` + "\n" +
		`{"type":"result","is_error":false}` + "\n"
	events := feedWhole(t, stream)
	if len(events) != 3 {
		t.Fatalf("expected start/end/done, got %+v", events)
	}
	end := events[1]
	if end.Type != bridge.EventToolEnd || end.Result != "a.go:12" || end.IsError {
		t.Fatalf("tool end: %+v", end)
	}
	if end.ToolName != "Grep" {
		t.Fatalf("end should carry the remembered tool name: %+v", end)
	}
}

func TestParserTruncatesToolResults(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("x", bridge.ToolResultDisplayLen*3)
	stream := `{"type":"assistant","message":{"content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"cat big"}}]}}` + "\n" +
		`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"` + long + `"}]}}` + "\n" +
		`{"type":"result","is_error":false}` + "\n"
	events := feedWhole(t, stream)
	for _, e := range events {
		if e.Type == bridge.EventToolEnd {
			if len(e.Result) > bridge.ToolResultDisplayLen+3 {
				t.Fatalf("result not truncated: %d bytes", len(e.Result))
			}
			return
		}
	}
	t.Fatal("no tool end event")
}

func TestDescribeToolInput(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, input, want string
	}{
		{"Bash", `{"command":"go test ./..."}`, "go test ./..."},
		{"Read", `{"file_path":"/tmp/a.go"}`, "/tmp/a.go"},
		{"Unknown", `{"description":"do a thing"}`, "do a thing"},
		{"Bash", `{}`, ""},
		{"Bash", `not json`, ""},
	}
	for _, c := range cases {
		if got := describeToolInput(c.name, []byte(c.input)); got != c.want {
			t.Errorf("describeToolInput(%s, %s) = %q, want %q", c.name, c.input, got, c.want)
		}
	}
}

func TestBuildArgs(t *testing.T) {
	t.Parallel()
	a := New("", nil)

	fresh := a.buildArgs(provider.Request{Prompt: "hello"})
	joined := strings.Join(fresh, " ")
	if !strings.Contains(joined, "--output-format stream-json") || strings.Contains(joined, "--resume") {
		t.Fatalf("fresh args wrong: %v", fresh)
	}
	if fresh[len(fresh)-1] != "hello" {
		t.Fatalf("prompt must be the final arg: %v", fresh)
	}

	resume := a.buildArgs(provider.Request{Prompt: "hello", ResumeToken: "tok-1"})
	if !strings.Contains(strings.Join(resume, " "), "--resume tok-1") {
		t.Fatalf("resume args wrong: %v", resume)
	}

	fork := a.buildArgs(provider.Request{Prompt: "hello", ResumeToken: "tok-1", ForkFromToken: "parent-tok"})
	j := strings.Join(fork, " ")
	if !strings.Contains(j, "--resume parent-tok") || !strings.Contains(j, "--fork-session") {
		t.Fatalf("fork takes precedence over resume: %v", fork)
	}
	if strings.Contains(j, "tok-1") {
		t.Fatalf("own token must not leak into fork args: %v", fork)
	}
}
