package toolcall

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates the canonical tool-call detail variants.
type Kind string

const (
	KindShell     Kind = "shell"
	KindRead      Kind = "read"
	KindWrite     Kind = "write"
	KindEdit      Kind = "edit"
	KindSearch    Kind = "search"
	KindSubAgent  Kind = "sub_agent"
	KindPlainText Kind = "plain_text"
	KindUnknown   Kind = "unknown"
)

// Detail is the canonical description of one tool invocation. The set
// of implementations is closed; Unknown is the fallback for anything
// the normalizer cannot classify.
type Detail interface {
	Kind() Kind
	sealed()
}

// Shell is a command executed in a shell.
type Shell struct {
	Command  string `json:"command"`
	Cwd      string `json:"cwd,omitempty"`
	Output   string `json:"output,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// Read is a file read.
type Read struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content,omitempty"`
	Offset   *int   `json:"offset,omitempty"`
	Limit    *int   `json:"limit,omitempty"`
}

// Write replaces or creates a whole file.
type Write struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content,omitempty"`
}

// Edit is an in-place modification. UnifiedDiff is bounded by
// MaxUnifiedDiffChars.
type Edit struct {
	FilePath    string `json:"filePath"`
	OldString   string `json:"oldString,omitempty"`
	NewString   string `json:"newString,omitempty"`
	UnifiedDiff string `json:"unifiedDiff,omitempty"`
}

// Search is a content, file-name or web search.
type Search struct {
	Query string `json:"query"`
}

// SubAgent is a delegated agent run.
type SubAgent struct {
	Description string `json:"description,omitempty"`
	Log         string `json:"log,omitempty"`
}

// PlainText is a recognized tool whose detail is best shown as text.
type PlainText struct {
	Label string `json:"label"`
	Text  string `json:"text,omitempty"`
}

// Unknown preserves the raw payloads of an unclassified call.
type Unknown struct {
	RawInput  any `json:"rawInput"`
	RawOutput any `json:"rawOutput"`
}

func (Shell) Kind() Kind     { return KindShell }
func (Read) Kind() Kind      { return KindRead }
func (Write) Kind() Kind     { return KindWrite }
func (Edit) Kind() Kind      { return KindEdit }
func (Search) Kind() Kind    { return KindSearch }
func (SubAgent) Kind() Kind  { return KindSubAgent }
func (PlainText) Kind() Kind { return KindPlainText }
func (Unknown) Kind() Kind   { return KindUnknown }

func (Shell) sealed()     {}
func (Read) sealed()      {}
func (Write) sealed()     {}
func (Edit) sealed()      {}
func (Search) sealed()    {}
func (SubAgent) sealed()  {}
func (PlainText) sealed() {}
func (Unknown) sealed()   {}

// withType marshals v with a leading "type" discriminator. v must be a
// defined struct type without a MarshalJSON method.
func withType(kind Kind, v any) ([]byte, error) {
	fields, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	head, err := json.Marshal(map[string]Kind{"type": kind})
	if err != nil {
		return nil, err
	}
	if string(fields) == "{}" {
		return head, nil
	}
	out := make([]byte, 0, len(head)+len(fields))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, fields[1:]...)
	return out, nil
}

func (d Shell) MarshalJSON() ([]byte, error) {
	type plain Shell
	return withType(KindShell, plain(d))
}

func (d Read) MarshalJSON() ([]byte, error) {
	type plain Read
	return withType(KindRead, plain(d))
}

func (d Write) MarshalJSON() ([]byte, error) {
	type plain Write
	return withType(KindWrite, plain(d))
}

func (d Edit) MarshalJSON() ([]byte, error) {
	type plain Edit
	return withType(KindEdit, plain(d))
}

func (d Search) MarshalJSON() ([]byte, error) {
	type plain Search
	return withType(KindSearch, plain(d))
}

func (d SubAgent) MarshalJSON() ([]byte, error) {
	type plain SubAgent
	return withType(KindSubAgent, plain(d))
}

func (d PlainText) MarshalJSON() ([]byte, error) {
	type plain PlainText
	return withType(KindPlainText, plain(d))
}

func (d Unknown) MarshalJSON() ([]byte, error) {
	type plain Unknown
	return withType(KindUnknown, plain(d))
}

// UnmarshalDetail decodes a detail produced by json.Marshal on one of
// the Detail implementations. An unrecognized type decodes to Unknown
// holding the whole object as its raw input.
func UnmarshalDetail(data []byte) (Detail, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode detail: %w", err)
	}

	var (
		d   Detail
		err error
	)
	switch head.Type {
	case KindShell:
		var v Shell
		err = json.Unmarshal(data, &v)
		d = v
	case KindRead:
		var v Read
		err = json.Unmarshal(data, &v)
		d = v
	case KindWrite:
		var v Write
		err = json.Unmarshal(data, &v)
		d = v
	case KindEdit:
		var v Edit
		err = json.Unmarshal(data, &v)
		d = v
	case KindSearch:
		var v Search
		err = json.Unmarshal(data, &v)
		d = v
	case KindSubAgent:
		var v SubAgent
		err = json.Unmarshal(data, &v)
		d = v
	case KindPlainText:
		var v PlainText
		err = json.Unmarshal(data, &v)
		d = v
	case KindUnknown:
		var v Unknown
		err = json.Unmarshal(data, &v)
		d = v
	default:
		var raw any
		err = json.Unmarshal(data, &raw)
		d = Unknown{RawInput: raw}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s detail: %w", head.Type, err)
	}
	return d, nil
}
