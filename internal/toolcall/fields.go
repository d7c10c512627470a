package toolcall

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// normalizeKey folds case, underscores, dashes and dots so that
// "file_path", "filePath" and "FilePath" compare equal.
func normalizeKey(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '_' || r == '-' || r == '.' || r == ' ':
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeName folds a tool name and strips MCP-style namespaces
// ("mcp__server__tool" and "server/tool" both become "tool").
func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndex(name, "__"); i >= 0 && strings.HasPrefix(name, "mcp__") {
		name = name[i+2:]
	}
	if i := strings.LastIndexAny(name, "/:"); i >= 0 {
		name = name[i+1:]
	}
	return normalizeKey(name)
}

// view is a read-only, case-folded projection of a Record used by the
// matchers. Lookups search input first, then nested argument objects,
// then output, then metadata.
type view struct {
	provider Provider
	name     string // normalized
	rawName  string
	input    any
	output   any
	layers   []map[string]any
}

func newView(p Provider, rec Record) *view {
	v := &view{
		provider: p,
		name:     normalizeName(rec.Name),
		rawName:  rec.Name,
		input:    decodeLoose(rec.Input),
		output:   decodeLoose(rec.Output),
	}

	in := asObject(v.input)
	v.addLayer(in)
	for _, nested := range []string{"input", "args", "arguments", "params", "parameters"} {
		if m := asObject(lookup(in, nested)); m != nil {
			v.addLayer(m)
		}
	}
	out := asObject(v.output)
	v.addLayer(out)
	v.addLayer(asObject(lookup(out, "metadata")))
	v.addLayer(rec.Metadata)
	return v
}

func (v *view) addLayer(m map[string]any) {
	if len(m) == 0 {
		return
	}
	folded := make(map[string]any, len(m))
	for k, val := range m {
		nk := normalizeKey(k)
		if _, dup := folded[nk]; !dup {
			folded[nk] = val
		}
	}
	v.layers = append(v.layers, folded)
}

// value returns the first present value for any of keys, which must
// already be normalized.
func (v *view) value(keys ...string) (any, bool) {
	for _, layer := range v.layers {
		for _, k := range keys {
			if val, ok := layer[k]; ok && val != nil {
				return val, true
			}
		}
	}
	return nil, false
}

// str returns the first non-empty string for keys.
func (v *view) str(keys ...string) string {
	for _, layer := range v.layers {
		for _, k := range keys {
			if s, ok := asString(layer[k]); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// intPtr returns the first integral value for keys.
func (v *view) intPtr(keys ...string) *int {
	for _, layer := range v.layers {
		for _, k := range keys {
			if n, ok := asInt(layer[k]); ok {
				return &n
			}
		}
	}
	return nil
}

// nameIn reports whether the normalized tool name is one of names.
func (v *view) nameIn(names map[string]bool) bool {
	return names[v.name]
}

// decodeLoose turns raw JSON (bytes, json.RawMessage, or a string that
// holds a JSON object) into generic values. Anything else is returned
// unchanged.
func decodeLoose(x any) any {
	switch t := x.(type) {
	case json.RawMessage:
		return decodeBytes(t)
	case []byte:
		return decodeBytes(t)
	case string:
		s := strings.TrimSpace(t)
		if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
			var m map[string]any
			if err := json.Unmarshal([]byte(s), &m); err == nil {
				return m
			}
		}
		return t
	}
	return x
}

func decodeBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return string(b)
	}
	return out
}

func asObject(x any) map[string]any {
	m, _ := x.(map[string]any)
	return m
}

func lookup(m map[string]any, key string) any {
	if m == nil {
		return nil
	}
	for k, val := range m {
		if normalizeKey(k) == key {
			return val
		}
	}
	return nil
}

func asString(x any) (string, bool) {
	switch t := x.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

func asInt(x any) (int, bool) {
	switch t := x.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case uint64:
		return int(t), true
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return int(t), true
		}
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n), true
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n, true
		}
	}
	return 0, false
}

// textOf flattens tool output into display text. It understands plain
// strings, content-block arrays ([{type: "text", text: ...}]) and
// objects carrying one of the usual text fields.
func textOf(x any) string {
	switch t := x.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		var parts []string
		for _, el := range t {
			if s := textOf(el); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "\n")
	case map[string]any:
		for _, k := range []string{"text", "content", "output", "aggregatedoutput", "formattedoutput", "result", "stdout", "message"} {
			if val := lookup(t, k); val != nil {
				if s := textOf(val); s != "" {
					return s
				}
			}
		}
	}
	if s, ok := asString(x); ok {
		return s
	}
	return ""
}

func nameSet(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[normalizeKey(n)] = true
	}
	return m
}
