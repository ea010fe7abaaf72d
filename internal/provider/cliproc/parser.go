// Package cliproc adapts a local coding-agent CLI into a provider. The
// CLI is spawned per turn in stream-json mode; its newline-delimited
// JSON output is folded into canonical bridge events by Parser.
package cliproc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Emprim-Panth/loom/internal/bridge"
)

// maxBufferedLine guards the rolling buffer against a stream that never
// terminates a line.
const maxBufferedLine = 10 << 20

// Parser folds the CLI's stream-json output into bridge events. Feed
// accepts arbitrary byte chunks; framing is internal, so a JSON line
// split across reads is handled transparently. Events are emitted in
// stream order from the feeding goroutine.
type Parser struct {
	emit func(bridge.Event)

	buf          []byte
	nativeToken  string
	emittedTools map[string]bool
	toolNames    map[string]string
	blockIsText  bool

	sawResult     bool
	resultIsError bool
	resultText    string
	usage         *bridge.Usage
}

func NewParser(emit func(bridge.Event)) *Parser {
	return &Parser{
		emit:         emit,
		emittedTools: make(map[string]bool),
		toolNames:    make(map[string]string),
	}
}

// NativeToken is the backend session id captured from the init line, or
// empty if none arrived.
func (p *Parser) NativeToken() string { return p.nativeToken }

// Usage is the token accounting from the result line, if one arrived.
func (p *Parser) Usage() *bridge.Usage { return p.usage }

// Feed consumes a chunk of process stdout. Complete lines are parsed
// immediately; a trailing partial line is buffered for the next chunk.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			if len(p.buf) > maxBufferedLine {
				p.buf = nil
			}
			return
		}
		line := p.buf[:idx]
		p.buf = p.buf[idx+1:]
		p.handleLine(line)
	}
}

// streamLine is the top-level shape of one stream-json line. Unknown
// types and malformed lines are dropped without failing the turn.
type streamLine struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Event     json.RawMessage `json:"event"`
	Message   json.RawMessage `json:"message"`
	IsError   bool            `json:"is_error"`
	Result    string          `json:"result"`
	Usage     *tokenUsage     `json:"usage"`
}

type tokenUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type innerEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index"`
	ContentBlock *contentBlock `json:"content_block"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

func (p *Parser) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var msg streamLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return
	}

	switch msg.Type {
	case "system":
		if msg.Subtype == "init" && msg.SessionID != "" {
			p.nativeToken = msg.SessionID
		}
	case "stream_event":
		p.handleStreamEvent(msg.Event)
	case "assistant":
		p.handleAssistant(msg.Message)
	case "user":
		p.handleUser(msg.Message)
	case "tool":
		p.handleToolLine(line)
	case "result":
		p.sawResult = true
		p.resultIsError = msg.IsError
		p.resultText = msg.Result
		if msg.SessionID != "" {
			p.nativeToken = msg.SessionID
		}
		if msg.Usage != nil {
			p.usage = &bridge.Usage{
				InputTokens:  msg.Usage.InputTokens + msg.Usage.CacheReadInputTokens + msg.Usage.CacheCreationInputTokens,
				OutputTokens: msg.Usage.OutputTokens,
			}
		}
	}
}

func (p *Parser) handleStreamEvent(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var ev innerEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return
	}
	switch ev.Type {
	case "content_block_start":
		p.blockIsText = false
		if ev.ContentBlock == nil {
			return
		}
		switch ev.ContentBlock.Type {
		case "text":
			p.blockIsText = true
		case "tool_use":
			p.startTool(ev.ContentBlock.ID, ev.ContentBlock.Name, ev.ContentBlock.Input)
		}
	case "content_block_delta":
		if ev.Delta == nil {
			return
		}
		// Partial tool input json is deliberately dropped: the full
		// input arrives on the assistant line if the start was missed.
		if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			p.emit(bridge.Text(ev.Delta.Text))
		}
	case "content_block_stop":
		p.blockIsText = false
	}
}

// handleAssistant is the non-streaming fallback: any tool_use block not
// already announced via a stream event gets its toolStart here. Text
// blocks are skipped because their deltas already streamed.
func (p *Parser) handleAssistant(raw json.RawMessage) {
	blocks := decodeContent(raw)
	for _, b := range blocks {
		if b.Type == "tool_use" && !p.emittedTools[b.ID] {
			p.startTool(b.ID, b.Name, b.Input)
		}
	}
	// A completed assistant message closes out its tool set; the next
	// message starts fresh.
	p.emittedTools = make(map[string]bool)
}

// handleToolLine decodes the flat tool-result framing, where the line
// itself carries the result instead of nesting it under a user message.
func (p *Parser) handleToolLine(line []byte) {
	var t struct {
		Name      string          `json:"name"`
		ToolUseID string          `json:"tool_use_id"`
		Content   json.RawMessage `json:"content"`
		IsError   bool            `json:"is_error"`
	}
	if err := json.Unmarshal(line, &t); err != nil {
		return
	}
	name := t.Name
	if name == "" {
		name = p.toolNames[t.ToolUseID]
	}
	p.emit(bridge.ToolEnd(name, t.ToolUseID, flattenToolResult(t.Content), t.IsError))
}

func (p *Parser) handleUser(raw json.RawMessage) {
	blocks := decodeContent(raw)
	for _, b := range blocks {
		if b.Type != "tool_result" {
			continue
		}
		result := flattenToolResult(b.Content)
		p.emit(bridge.ToolEnd(p.toolNames[b.ToolUseID], b.ToolUseID, result, b.IsError))
	}
}

func (p *Parser) startTool(id, name string, input json.RawMessage) {
	if id == "" {
		return
	}
	p.emittedTools[id] = true
	p.toolNames[id] = name
	p.emit(bridge.ToolStart(name, id, describeToolInput(name, input)))
}

// Finish settles the turn once the process has exited. A clean result
// yields done; an error result or an exit without any result yields a
// single error event.
func (p *Parser) Finish(exitErr error) error {
	// A result line may arrive without a trailing newline; parse the
	// remainder before settling so its verdict and usage are not lost.
	if rest := bytes.TrimSpace(p.buf); len(rest) > 0 {
		p.buf = nil
		p.handleLine(rest)
	}
	if p.sawResult {
		if p.resultIsError {
			err := fmt.Errorf("backend reported failure: %s", p.resultText)
			p.emit(bridge.WrapError(err))
			return err
		}
		p.emit(bridge.Done(p.usage))
		return nil
	}
	if exitErr != nil {
		err := fmt.Errorf("process exited without result: %w", exitErr)
		p.emit(bridge.WrapError(err))
		return err
	}
	err := fmt.Errorf("stream ended without result")
	p.emit(bridge.WrapError(err))
	return err
}

func decodeContent(raw json.RawMessage) []contentBlock {
	if len(raw) == 0 {
		return nil
	}
	var msg struct {
		Content []contentBlock `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	return msg.Content
}

// flattenToolResult renders a tool_result content field, which may be a
// bare string or a list of text blocks.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var out bytes.Buffer
	for _, b := range blocks {
		if b.Type == "text" {
			out.WriteString(b.Text)
		}
	}
	return out.String()
}

// describeToolInput extracts the most useful single field from a tool's
// input for display alongside toolStart.
func describeToolInput(name string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(input, &fields); err != nil {
		return ""
	}
	keys, ok := toolDisplayFields[name]
	if !ok {
		keys = []string{"description", "path", "command", "query"}
	}
	for _, k := range keys {
		if v, ok := fields[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

var toolDisplayFields = map[string][]string{
	"Bash":      {"command"},
	"Read":      {"file_path"},
	"Write":     {"file_path"},
	"Edit":      {"file_path"},
	"Glob":      {"pattern"},
	"Grep":      {"pattern"},
	"WebFetch":  {"url"},
	"WebSearch": {"query"},
	"Task":      {"description"},
}
