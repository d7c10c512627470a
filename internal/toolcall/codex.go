package toolcall

import "strings"

// Codex passes function arguments as JSON strings, shell commands as
// argv arrays, and may run apply_patch through the shell tool.
var codexCandidates = []candidate{
	{"codex/shell_apply_patch", matchCodexShellPatch},
	{"codex/update_plan", matchCodexPlan},
}

// matchCodexShellPatch recognizes ["apply_patch", "<patch>"] sent
// through the shell tool.
func matchCodexShellPatch(v *view) (Detail, bool) {
	if !v.nameIn(shellNames) {
		return nil, false
	}
	val, ok := v.value("command", "cmd", "argv")
	if !ok {
		return nil, false
	}
	var argv []string
	switch t := val.(type) {
	case []any:
		argv = argvOf(t)
	case string:
		if !strings.HasPrefix(strings.TrimSpace(t), "apply_patch") {
			return nil, false
		}
		argv = []string{"apply_patch", strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(t), "apply_patch"))}
	}
	if len(argv) != 2 || (argv[0] != "apply_patch" && argv[0] != "applypatch") {
		return nil, false
	}
	patch := argv[1]
	path := patchPath(patch)
	if path == "" {
		return nil, false
	}
	return Edit{FilePath: path, UnifiedDiff: truncateDiff(patch)}, true
}

var codexPlanNames = nameSet("update_plan")

func matchCodexPlan(v *view) (Detail, bool) {
	if !v.nameIn(codexPlanNames) {
		return nil, false
	}
	plan, ok := v.value("plan")
	if !ok {
		return nil, false
	}
	text := renderChecklist(plan, "step", "status")
	if explanation := v.str("explanation"); explanation != "" {
		text = explanation + "\n" + text
	}
	return PlainText{Label: v.rawName, Text: text}, true
}
