package transcript

import (
	"encoding/json"
	"fmt"
	"strings"

	"agent-sync/internal/timeline"
	"agent-sync/internal/toolcall"
)

// claudeLine is the JSON structure of a single Claude Code JSONL line.
type claudeLine struct {
	Type          string          `json:"type"`
	Subtype       string          `json:"subtype"`
	Summary       string          `json:"summary"`
	Content       string          `json:"content"`
	IsMeta        bool            `json:"isMeta"`
	Message       *claudeMessage  `json:"message"`
	ToolUseResult json.RawMessage `json:"toolUseResult"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

func (p *Parser) parseClaude(line []byte) ([]timeline.Item, error) {
	var cl claudeLine
	if err := json.Unmarshal(line, &cl); err != nil {
		return nil, fmt.Errorf("decode claude line: %w", err)
	}

	switch cl.Type {
	case "summary":
		return []timeline.Item{compaction("claude", cl.Summary)}, nil
	case "system":
		if cl.Subtype == "compact_boundary" {
			return []timeline.Item{compaction("claude", cl.Content)}, nil
		}
		return nil, nil
	case "user", "assistant":
	default:
		return nil, nil
	}
	if cl.Message == nil || cl.IsMeta {
		return nil, nil
	}

	var text string
	if err := json.Unmarshal(cl.Message.Content, &text); err == nil {
		if text == "" {
			return nil, nil
		}
		if cl.Type == "assistant" {
			return []timeline.Item{timeline.AssistantMessage(text)}, nil
		}
		return []timeline.Item{timeline.UserMessage(text)}, nil
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(cl.Message.Content, &blocks); err != nil {
		return nil, fmt.Errorf("decode claude content: %w", err)
	}

	var items []timeline.Item
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text == "" {
				continue
			}
			if cl.Type == "assistant" {
				items = append(items, timeline.AssistantMessage(b.Text))
			} else {
				items = append(items, timeline.UserMessage(b.Text))
			}
		case "thinking":
			if b.Thinking != "" {
				items = append(items, timeline.Reasoning(b.Thinking))
			}
		case "tool_use":
			items = append(items, p.toolStart(toolcall.Record{
				CallID: b.ID,
				Name:   b.Name,
				Input:  b.Input,
			}))
		case "tool_result":
			var output any
			if len(b.Content) > 0 {
				output = b.Content
			}
			if len(cl.ToolUseResult) > 0 && string(cl.ToolUseResult) != "null" {
				output = cl.ToolUseResult
			}
			errMsg := ""
			if b.IsError {
				errMsg = blockText(b.Content)
			}
			items = append(items, p.toolResult(b.ToolUseID, output, nil, b.IsError, errMsg))
		}
	}
	return items, nil
}

// blockText flattens tool_result content, which is either a string or
// a list of text blocks.
func blockText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
