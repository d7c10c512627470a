package timeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"agent-sync/internal/toolcall"
)

func TestToolCallItemJSON(t *testing.T) {
	code := 0
	it := ToolCall("c1", "Bash", StatusCompleted, toolcall.Shell{Command: "ls", Output: "files", ExitCode: &code}, "ignored")

	data, err := json.Marshal(it)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "tool_call",
		"callId": "c1",
		"name": "Bash",
		"status": "completed",
		"detail": {"type": "shell", "command": "ls", "output": "files", "exitCode": 0}
	}`, string(data))

	var back Item
	require.NoError(t, json.Unmarshal(data, &back))
	require.Equal(t, it, back)
}

func TestFailedToolCallKeepsError(t *testing.T) {
	it := ToolCall("c1", "Bash", StatusFailed, nil, "boom")
	require.Equal(t, "boom", it.Error)

	data, err := json.Marshal(it)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"tool_call","callId":"c1","name":"Bash","status":"failed","error":"boom"}`, string(data))
}

func TestHousekeepingItemPassesThrough(t *testing.T) {
	raw := `{"type":"compaction","summary":"trimmed","tokens":{"before":9000,"after":1200}}`

	var it Item
	require.NoError(t, json.Unmarshal([]byte(raw), &it))
	require.Equal(t, ItemCompaction, it.Type)
	require.True(t, it.IsHousekeeping())

	data, err := json.Marshal(it)
	require.NoError(t, err)
	require.Equal(t, raw, string(data))
}

func TestItemRequiresType(t *testing.T) {
	var it Item
	require.Error(t, json.Unmarshal([]byte(`{"text":"hi"}`), &it))
	require.Error(t, json.Unmarshal([]byte(`[]`), &it))
}

func TestMessageItemsJSON(t *testing.T) {
	for _, it := range []Item{UserMessage("hi"), AssistantMessage("hello"), Reasoning("hmm")} {
		data, err := json.Marshal(it)
		require.NoError(t, err)

		var back Item
		require.NoError(t, json.Unmarshal(data, &back))
		require.Equal(t, it, back)
		require.False(t, back.IsHousekeeping())
	}

	data, err := json.Marshal(ErrorItem("rate limited"))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"error","message":"rate limited"}`, string(data))
}
