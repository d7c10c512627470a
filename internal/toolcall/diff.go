package toolcall

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxUnifiedDiffChars bounds Edit.UnifiedDiff. Longer diffs are cut and
// end with a marker naming how many characters were dropped.
const MaxUnifiedDiffChars = 64 * 1024

func truncateDiff(diff string) string {
	n := utf8.RuneCountInString(diff)
	if n <= MaxUnifiedDiffChars {
		return diff
	}
	cut := 0
	for i := range diff {
		if cut == MaxUnifiedDiffChars {
			return diff[:i] + fmt.Sprintf("\n... [diff truncated: %d characters omitted]", n-MaxUnifiedDiffChars)
		}
		cut++
	}
	return diff
}

// patchFileHeaders are the per-file headers of the "*** Begin Patch"
// envelope used by Codex and OpenCode.
var patchFileHeaders = []string{"*** Update File: ", "*** Add File: ", "*** Delete File: "}

func isPatchEnvelope(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), "*** Begin Patch")
}

// patchPath returns the first file named by a patch envelope or a
// unified diff header.
func patchPath(patch string) string {
	for _, line := range strings.Split(patch, "\n") {
		line = strings.TrimRight(line, "\r")
		for _, h := range patchFileHeaders {
			if strings.HasPrefix(line, h) {
				return strings.TrimSpace(strings.TrimPrefix(line, h))
			}
		}
		if strings.HasPrefix(line, "+++ ") {
			p := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
			if p == "/dev/null" {
				continue
			}
			return strings.TrimPrefix(p, "b/")
		}
	}
	return ""
}

// editsDiff renders a list of {old_string, new_string} replacements as
// diff hunks so multi-edit calls keep every replacement.
func editsDiff(path string, edits []any) string {
	var b strings.Builder
	if path != "" {
		fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", path, path)
	}
	for _, e := range edits {
		m := asObject(e)
		if m == nil {
			continue
		}
		oldText, _ := asString(lookup(m, "oldstring"))
		newText, _ := asString(lookup(m, "newstring"))
		b.WriteString("@@\n")
		for _, l := range splitLines(oldText) {
			b.WriteString("-" + l + "\n")
		}
		for _, l := range splitLines(newText) {
			b.WriteString("+" + l + "\n")
		}
	}
	return b.String()
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
