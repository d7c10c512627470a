package toolcall

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// Provider identifies the upstream agent backend a record came from.
type Provider string

const (
	ProviderClaude   Provider = "claude"
	ProviderCodex    Provider = "codex"
	ProviderOpenCode Provider = "opencode"
	ProviderGeneric  Provider = ""
)

// ParseProvider maps a configured backend name to a Provider. Unknown
// names map to ProviderGeneric.
func ParseProvider(s string) Provider {
	switch normalizeKey(s) {
	case "claude", "claudecode", "anthropic":
		return ProviderClaude
	case "codex", "openai":
		return ProviderCodex
	case "opencode":
		return ProviderOpenCode
	}
	return ProviderGeneric
}

// idPrefix keeps derived call ids from colliding across backends.
func (p Provider) idPrefix() string {
	if p == ProviderGeneric {
		return "tool"
	}
	return string(p)
}

// Record is a raw tool invocation as reported by an upstream backend.
// Input and Output are usually decoded JSON (maps, slices, strings) but
// may also be raw JSON bytes.
type Record struct {
	CallID   string         `json:"callId,omitempty" yaml:"callId"`
	Name     string         `json:"name" yaml:"name"`
	Input    any            `json:"input" yaml:"input"`
	Output   any            `json:"output" yaml:"output"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata"`
}

// Result is the canonical form of a Record.
type Result struct {
	CallID string `json:"callId"`
	Detail Detail `json:"detail"`
}

var hashEncMode cbor.EncMode

func init() {
	var err error
	hashEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("toolcall: CBOR encoder initialization failed: " + err.Error())
	}
}

// callIDLength is the number of hex characters kept from the digest.
const callIDLength = 16

// resolveCallID returns the supplied id when present, otherwise a
// deterministic id derived from the tool name and input.
func resolveCallID(p Provider, rec Record) string {
	if id := strings.TrimSpace(rec.CallID); id != "" {
		return id
	}
	return deriveCallID(p, rec.Name, rec.Input)
}

func deriveCallID(p Provider, name string, input any) string {
	buf := []byte(name)
	buf = append(buf, 0)
	buf = append(buf, canonicalBytes(input)...)
	sum := blake3.Sum256(buf)
	return p.idPrefix() + "-" + hex.EncodeToString(sum[:])[:callIDLength]
}

// canonicalBytes serializes v with sorted map keys so that the same
// logical input always hashes the same, whatever order the backend
// emitted its keys in.
func canonicalBytes(v any) []byte {
	v = decodeLoose(v)
	if s, ok := v.(string); ok {
		return []byte(s)
	}
	v = jsonNumbersToFloat(v)
	enc, err := hashEncMode.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%#v", v))
	}
	return enc
}

// jsonNumbersToFloat rewrites json.Number leaves so inputs decoded with
// and without UseNumber hash identically.
func jsonNumbersToFloat(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = jsonNumbersToFloat(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = jsonNumbersToFloat(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return v
}
