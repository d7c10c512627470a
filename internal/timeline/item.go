// Package timeline defines the canonical agent timeline: items, the
// epoch+seq cursor, the catch-up planner and the fold that merges items
// into per-call state.
package timeline

import (
	"encoding/json"
	"fmt"

	"agent-sync/internal/toolcall"
)

// ItemType discriminates timeline items. Types other than the ones
// below are housekeeping items that are passed through unmodified.
type ItemType string

const (
	ItemUserMessage      ItemType = "user_message"
	ItemAssistantMessage ItemType = "assistant_message"
	ItemReasoning        ItemType = "reasoning"
	ItemToolCall         ItemType = "tool_call"
	ItemError            ItemType = "error"

	// ItemCompaction marks a context compaction boundary.
	ItemCompaction ItemType = "compaction"
)

// ToolStatus is the lifecycle state of a tool call.
type ToolStatus string

const (
	StatusRunning   ToolStatus = "running"
	StatusCompleted ToolStatus = "completed"
	StatusFailed    ToolStatus = "failed"
	StatusCanceled  ToolStatus = "canceled"
)

// Terminal reports whether s is a final state.
func (s ToolStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Item is one canonical timeline item. Which fields are meaningful
// depends on Type:
//
//	user_message, assistant_message, reasoning: Text
//	tool_call: CallID, Name, Status, Detail, Error
//	error: Message
//
// Housekeeping items keep their original JSON object in Raw.
type Item struct {
	Type ItemType

	Text    string
	Message string

	CallID string
	Name   string
	Status ToolStatus
	Detail toolcall.Detail
	Error  string

	Raw json.RawMessage
}

func UserMessage(text string) Item      { return Item{Type: ItemUserMessage, Text: text} }
func AssistantMessage(text string) Item { return Item{Type: ItemAssistantMessage, Text: text} }
func Reasoning(text string) Item        { return Item{Type: ItemReasoning, Text: text} }
func ErrorItem(message string) Item     { return Item{Type: ItemError, Message: message} }

// ToolCall builds a tool_call item. errMsg is dropped unless status is
// failed.
func ToolCall(callID, name string, status ToolStatus, detail toolcall.Detail, errMsg string) Item {
	if status != StatusFailed {
		errMsg = ""
	}
	return Item{Type: ItemToolCall, CallID: callID, Name: name, Status: status, Detail: detail, Error: errMsg}
}

// Housekeeping wraps a provider-opaque object. raw must be a JSON
// object carrying a "type" field.
func Housekeeping(raw json.RawMessage) (Item, error) {
	var it Item
	if err := it.UnmarshalJSON(raw); err != nil {
		return Item{}, err
	}
	return it, nil
}

// IsHousekeeping reports whether the item is passed through opaquely.
func (it Item) IsHousekeeping() bool {
	switch it.Type {
	case ItemUserMessage, ItemAssistantMessage, ItemReasoning, ItemToolCall, ItemError:
		return false
	}
	return true
}

type textWire struct {
	Type ItemType `json:"type"`
	Text string   `json:"text"`
}

type errorWire struct {
	Type    ItemType `json:"type"`
	Message string   `json:"message"`
}

type toolCallWire struct {
	Type   ItemType        `json:"type"`
	CallID string          `json:"callId"`
	Name   string          `json:"name"`
	Status ToolStatus      `json:"status"`
	Detail json.RawMessage `json:"detail,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (it Item) MarshalJSON() ([]byte, error) {
	switch it.Type {
	case ItemUserMessage, ItemAssistantMessage, ItemReasoning:
		return json.Marshal(textWire{Type: it.Type, Text: it.Text})
	case ItemError:
		return json.Marshal(errorWire{Type: it.Type, Message: it.Message})
	case ItemToolCall:
		w := toolCallWire{Type: it.Type, CallID: it.CallID, Name: it.Name, Status: it.Status, Error: it.Error}
		if it.Detail != nil {
			d, err := json.Marshal(it.Detail)
			if err != nil {
				return nil, fmt.Errorf("marshal tool call %s detail: %w", it.CallID, err)
			}
			w.Detail = d
		}
		return json.Marshal(w)
	}
	if len(it.Raw) > 0 {
		return it.Raw, nil
	}
	return json.Marshal(map[string]ItemType{"type": it.Type})
}

func (it *Item) UnmarshalJSON(data []byte) error {
	var head struct {
		Type ItemType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("decode timeline item: %w", err)
	}
	if head.Type == "" {
		return fmt.Errorf("decode timeline item: missing type")
	}

	switch head.Type {
	case ItemUserMessage, ItemAssistantMessage, ItemReasoning:
		var w textWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("decode %s item: %w", head.Type, err)
		}
		*it = Item{Type: w.Type, Text: w.Text}
	case ItemError:
		var w errorWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("decode error item: %w", err)
		}
		*it = Item{Type: w.Type, Message: w.Message}
	case ItemToolCall:
		var w toolCallWire
		if err := json.Unmarshal(data, &w); err != nil {
			return fmt.Errorf("decode tool_call item: %w", err)
		}
		*it = Item{Type: w.Type, CallID: w.CallID, Name: w.Name, Status: w.Status, Error: w.Error}
		if len(w.Detail) > 0 && string(w.Detail) != "null" {
			d, err := toolcall.UnmarshalDetail(w.Detail)
			if err != nil {
				return err
			}
			it.Detail = d
		}
	default:
		*it = Item{Type: head.Type, Raw: append(json.RawMessage(nil), data...)}
	}
	return nil
}
