package transcript

import (
	"encoding/json"
	"fmt"
	"strings"

	"agent-sync/internal/timeline"
	"agent-sync/internal/toolcall"
)

// codexLine is one line of a Codex rollout file.
type codexLine struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type codexItem struct {
	Type      string          `json:"type"`
	Role      string          `json:"role"`
	Content   []codexContent  `json:"content"`
	Summary   []codexContent  `json:"summary"`
	Name      string          `json:"name"`
	Arguments string          `json:"arguments"`
	Input     string          `json:"input"`
	CallID    string          `json:"call_id"`
	Output    json.RawMessage `json:"output"`
	Message   string          `json:"message"`
}

type codexContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// codexOutput is the envelope Codex wraps shell results in.
type codexOutput struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata"`
}

func (p *Parser) parseCodex(line []byte) ([]timeline.Item, error) {
	var cl codexLine
	if err := json.Unmarshal(line, &cl); err != nil {
		return nil, fmt.Errorf("decode codex line: %w", err)
	}

	switch cl.Type {
	case "compacted":
		var c struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(cl.Payload, &c)
		return []timeline.Item{compaction("codex", c.Message)}, nil
	case "event_msg":
		var ev codexItem
		if err := json.Unmarshal(cl.Payload, &ev); err != nil {
			return nil, fmt.Errorf("decode codex event: %w", err)
		}
		if ev.Type == "error" && ev.Message != "" {
			return []timeline.Item{timeline.ErrorItem(ev.Message)}, nil
		}
		return nil, nil
	case "response_item":
	default:
		return nil, nil
	}

	var it codexItem
	if err := json.Unmarshal(cl.Payload, &it); err != nil {
		return nil, fmt.Errorf("decode codex item: %w", err)
	}

	switch it.Type {
	case "message":
		text := joinContent(it.Content)
		if text == "" {
			return nil, nil
		}
		switch it.Role {
		case "assistant":
			return []timeline.Item{timeline.AssistantMessage(text)}, nil
		case "user":
			return []timeline.Item{timeline.UserMessage(text)}, nil
		}
		return nil, nil

	case "reasoning":
		if text := joinContent(it.Summary); text != "" {
			return []timeline.Item{timeline.Reasoning(text)}, nil
		}
		return nil, nil

	case "function_call":
		return []timeline.Item{p.toolStart(toolcall.Record{
			CallID: it.CallID,
			Name:   it.Name,
			Input:  decodeJSONString(it.Arguments),
		})}, nil

	case "custom_tool_call":
		return []timeline.Item{p.toolStart(toolcall.Record{
			CallID: it.CallID,
			Name:   it.Name,
			Input:  it.Input,
		})}, nil

	case "function_call_output", "custom_tool_call_output":
		output, metadata, failed, errMsg := codexResult(it.Output)
		return []timeline.Item{p.toolResult(it.CallID, output, metadata, failed, errMsg)}, nil
	}
	return nil, nil
}

// codexResult unwraps a call output. Outputs are either plain strings
// or a JSON-encoded {output, metadata:{exit_code}} envelope; a non-zero
// exit code marks the call failed.
func codexResult(raw json.RawMessage) (output any, metadata map[string]any, failed bool, errMsg string) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var obj any
		if json.Unmarshal(raw, &obj) == nil {
			return obj, nil, false, ""
		}
		return string(raw), nil, false, ""
	}

	var env codexOutput
	if !strings.HasPrefix(strings.TrimSpace(s), "{") || json.Unmarshal([]byte(s), &env) != nil || env.Metadata == nil {
		return s, nil, false, ""
	}
	if code, ok := env.Metadata["exit_code"].(float64); ok && code != 0 {
		return env.Output, env.Metadata, true, fmt.Sprintf("exit code %d", int(code))
	}
	return env.Output, env.Metadata, false, ""
}

func joinContent(content []codexContent) string {
	var parts []string
	for _, c := range content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}
