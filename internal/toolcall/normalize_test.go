package toolcall

import (
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type fixture struct {
	Name     string         `yaml:"name"`
	Provider string         `yaml:"provider"`
	Record   Record         `yaml:"record"`
	CallID   string         `yaml:"callId"`
	Want     map[string]any `yaml:"want"`
}

func loadFixtures(t *testing.T) []fixture {
	t.Helper()
	data, err := os.ReadFile("testdata/records.yaml")
	require.NoError(t, err)
	var fixtures []fixture
	require.NoError(t, yaml.Unmarshal(data, &fixtures))
	require.NotEmpty(t, fixtures)
	return fixtures
}

// jsonShape round-trips v through JSON so YAML and Go values compare
// with the same number and map types.
func jsonShape(t *testing.T, v any) map[string]any {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestNormalizeFixtures(t *testing.T) {
	for _, f := range loadFixtures(t) {
		t.Run(f.Name, func(t *testing.T) {
			res := Normalize(Provider(f.Provider), f.Record)
			require.Equal(t, jsonShape(t, f.Want), jsonShape(t, res.Detail))
			require.NotEmpty(t, res.CallID)
			if f.CallID != "" {
				require.Equal(t, f.CallID, res.CallID)
			}
		})
	}
}

func TestNormalizeShell(t *testing.T) {
	res := Normalize(ProviderClaude, Record{
		Name:   "Bash",
		Input:  map[string]any{"command": "npm test"},
		Output: "ok",
	})
	require.Equal(t, Shell{Command: "npm test", Output: "ok"}, res.Detail)
}

func TestNormalizeUnknownNeverFails(t *testing.T) {
	res := Normalize(ProviderGeneric, Record{
		Name:  "totally_unknown_tool",
		Input: map[string]any{"foo": "bar"},
	})
	require.Equal(t, Unknown{RawInput: map[string]any{"foo": "bar"}, RawOutput: nil}, res.Detail)

	data, err := json.Marshal(res.Detail)
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"unknown","rawInput":{"foo":"bar"},"rawOutput":null}`, string(data))
}

func TestNormalizeUnencodableInput(t *testing.T) {
	ch := make(chan int)
	res := Normalize(ProviderCodex, Record{Name: "weird", Input: ch, Output: func() {}})
	require.Equal(t, KindUnknown, res.Detail.Kind())
	require.True(t, strings.HasPrefix(res.CallID, "codex-"))
}

func TestCallIDSuppliedWins(t *testing.T) {
	res := Normalize(ProviderClaude, Record{CallID: "  toolu_9 ", Name: "Bash", Input: map[string]any{"command": "ls"}})
	require.Equal(t, "toolu_9", res.CallID)
}

func TestCallIDStableAcrossKeyOrder(t *testing.T) {
	a := Normalize(ProviderCodex, Record{
		Name:  "shell",
		Input: json.RawMessage(`{"command":["ls"],"workdir":"/r","timeout_ms":5}`),
	})
	b := Normalize(ProviderCodex, Record{
		Name:  "shell",
		Input: json.RawMessage(`{"timeout_ms":5,"workdir":"/r","command":["ls"]}`),
	})
	c := Normalize(ProviderCodex, Record{
		Name:  "shell",
		Input: map[string]any{"workdir": "/r", "command": []any{"ls"}, "timeout_ms": 5},
	})
	require.Equal(t, a.CallID, b.CallID)
	require.Equal(t, a.CallID, c.CallID)
	require.True(t, strings.HasPrefix(a.CallID, "codex-"))
	require.Len(t, a.CallID, len("codex-")+callIDLength)
}

func TestCallIDDiffersAcrossBackends(t *testing.T) {
	rec := Record{Name: "bash", Input: map[string]any{"command": "ls"}}
	claude := Normalize(ProviderClaude, rec)
	opencode := Normalize(ProviderOpenCode, rec)
	generic := Normalize(ProviderGeneric, rec)

	require.NotEqual(t, claude.CallID, opencode.CallID)
	require.True(t, strings.HasPrefix(claude.CallID, "claude-"))
	require.True(t, strings.HasPrefix(opencode.CallID, "opencode-"))
	require.True(t, strings.HasPrefix(generic.CallID, "tool-"))
}

func TestCallIDDiffersByInput(t *testing.T) {
	a := Normalize(ProviderClaude, Record{Name: "Bash", Input: map[string]any{"command": "ls"}})
	b := Normalize(ProviderClaude, Record{Name: "Bash", Input: map[string]any{"command": "pwd"}})
	require.NotEqual(t, a.CallID, b.CallID)
}

func TestNormalizeDeterministic(t *testing.T) {
	rec := Record{
		Name:   "Edit",
		Input:  map[string]any{"file_path": "/a", "old_string": "x", "new_string": "y"},
		Output: "ok",
	}
	first := Normalize(ProviderClaude, rec)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, Normalize(ProviderClaude, rec))
	}
}

func TestEditDiffTruncated(t *testing.T) {
	big := strings.Repeat("+x\n", MaxUnifiedDiffChars)
	res := Normalize(ProviderOpenCode, Record{
		Name:     "edit",
		Input:    map[string]any{"filePath": "/big"},
		Metadata: map[string]any{"diff": big},
	})
	edit, ok := res.Detail.(Edit)
	require.True(t, ok)
	require.True(t, strings.HasPrefix(edit.UnifiedDiff, big[:MaxUnifiedDiffChars]))
	require.Contains(t, edit.UnifiedDiff, "[diff truncated: 131072 characters omitted]")
	require.Less(t, len(edit.UnifiedDiff), len(big))
}

func TestTruncateDiffShortUnchanged(t *testing.T) {
	require.Equal(t, "-a\n+b\n", truncateDiff("-a\n+b\n"))
}

func TestTruncateDiffRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", MaxUnifiedDiffChars+3)
	got := truncateDiff(s)
	require.True(t, strings.HasPrefix(got, strings.Repeat("é", MaxUnifiedDiffChars)+"\n"))
	require.Contains(t, got, "3 characters omitted")
}

func TestNormalizeConcurrent(t *testing.T) {
	rec := Record{Name: "Grep", Input: map[string]any{"pattern": "foo"}}
	want := Normalize(ProviderClaude, rec)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.Equal(t, want, Normalize(ProviderClaude, rec))
		}()
	}
	wg.Wait()
}

func TestUnmarshalDetailRoundTrip(t *testing.T) {
	exit := 2
	offset := 3
	details := []Detail{
		Shell{Command: "ls", Cwd: "/", Output: "a", ExitCode: &exit},
		Read{FilePath: "/a", Content: "b", Offset: &offset},
		Write{FilePath: "/a", Content: "c"},
		Edit{FilePath: "/a", OldString: "x", NewString: "y", UnifiedDiff: "-x\n+y\n"},
		Search{Query: "q"},
		SubAgent{Description: "d", Log: "l"},
		PlainText{Label: "TodoWrite", Text: "[ ] a"},
		Unknown{RawInput: map[string]any{"k": "v"}, RawOutput: "out"},
	}
	for _, d := range details {
		data, err := json.Marshal(d)
		require.NoError(t, err)
		got, err := UnmarshalDetail(data)
		require.NoError(t, err)
		require.Equal(t, d, got, string(data))
	}
}

func TestUnmarshalDetailUnknownType(t *testing.T) {
	got, err := UnmarshalDetail([]byte(`{"type":"hologram","x":1}`))
	require.NoError(t, err)
	require.Equal(t, KindUnknown, got.Kind())
}

func TestParseProvider(t *testing.T) {
	require.Equal(t, ProviderClaude, ParseProvider("Claude-Code"))
	require.Equal(t, ProviderCodex, ParseProvider("codex"))
	require.Equal(t, ProviderOpenCode, ParseProvider("OpenCode"))
	require.Equal(t, ProviderGeneric, ParseProvider("gemini"))
}
