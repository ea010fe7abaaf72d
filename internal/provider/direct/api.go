package direct

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/Emprim-Panth/loom/internal/bridge"
)

// Wire types for the messages API.

type apiMessage struct {
	Role    string     `json:"role"`
	Content []apiBlock `json:"content"`
}

type apiBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func textMessage(role, text string) apiMessage {
	return apiMessage{Role: role, Content: []apiBlock{{Type: "text", Text: text}}}
}

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []apiMessage `json:"messages"`
	Tools     []toolSchema `json:"tools,omitempty"`
	Stream    bool         `json:"stream"`
}

type toolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// completion is one assistant turn assembled from the SSE stream.
type completion struct {
	Blocks     []apiBlock
	StopReason string
	Usage      bridge.Usage
}

type sseEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type  string          `json:"type"`
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Message *struct {
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// readCompletion consumes one SSE response stream, emitting text deltas
// as they arrive and returning the assembled assistant message. Tool
// input arrives as partial json fragments that are stitched per block.
func readCompletion(r io.Reader, emitText func(string)) (*completion, error) {
	var (
		comp    completion
		partial = make(map[int]*bytes.Buffer)
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}
		var ev sseEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "error":
			if ev.Error != nil {
				return nil, fmt.Errorf("stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}
			return nil, fmt.Errorf("stream error")
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				comp.Usage.InputTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_start":
			if ev.ContentBlock == nil {
				continue
			}
			for len(comp.Blocks) <= ev.Index {
				comp.Blocks = append(comp.Blocks, apiBlock{})
			}
			b := &comp.Blocks[ev.Index]
			b.Type = ev.ContentBlock.Type
			b.ID = ev.ContentBlock.ID
			b.Name = ev.ContentBlock.Name
			if ev.ContentBlock.Type == "tool_use" {
				partial[ev.Index] = &bytes.Buffer{}
			}
		case "content_block_delta":
			if ev.Delta == nil || ev.Index >= len(comp.Blocks) {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				comp.Blocks[ev.Index].Text += ev.Delta.Text
				if ev.Delta.Text != "" {
					emitText(ev.Delta.Text)
				}
			case "input_json_delta":
				if buf := partial[ev.Index]; buf != nil {
					buf.WriteString(ev.Delta.PartialJSON)
				}
			}
		case "content_block_stop":
			if buf := partial[ev.Index]; buf != nil && ev.Index < len(comp.Blocks) {
				input := buf.Bytes()
				if len(input) == 0 {
					input = []byte("{}")
				}
				comp.Blocks[ev.Index].Input = json.RawMessage(input)
				delete(partial, ev.Index)
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				comp.StopReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				comp.Usage.OutputTokens += ev.Usage.OutputTokens
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return &comp, nil
}
