package toolcall

// Claude Code reports tools with PascalCase names and snake_case
// inputs. Hook payloads carry tool_response objects; transcripts carry
// tool_result content blocks.
var claudeCandidates = []candidate{
	{"claude/text_editor", matchClaudeTextEditor},
	{"claude/bash_background", matchClaudeBackgroundShell},
}

var claudeTextEditorNames = nameSet("str_replace_based_edit_tool", "str_replace_editor", "text_editor")

// matchClaudeTextEditor splits the multiplexed text editor tool by its
// command field.
func matchClaudeTextEditor(v *view) (Detail, bool) {
	if !v.nameIn(claudeTextEditorNames) {
		return nil, false
	}
	switch normalizeKey(v.str("command")) {
	case "view":
		return buildRead(v)
	case "create":
		path := v.str(filePathKeys...)
		if path == "" {
			return nil, false
		}
		return Write{FilePath: path, Content: v.str("filetext", "content")}, true
	case "strreplace", "insert":
		return buildEdit(v)
	}
	return nil, false
}

// matchClaudeBackgroundShell classifies Bash calls started with
// run_in_background, whose output only carries a shell id.
func matchClaudeBackgroundShell(v *view) (Detail, bool) {
	if v.name != "bash" {
		return nil, false
	}
	bg, ok := v.value("runinbackground")
	if b, isBool := bg.(bool); !ok || !isBool || !b {
		return nil, false
	}
	cmd := commandOf(v)
	if cmd == "" {
		return nil, false
	}
	out := shellOutput(v.output)
	if id := v.str("backgroundtaskid", "shellid", "bashid"); id != "" && out == "" {
		out = "running in background (" + id + ")"
	}
	return Shell{Command: cmd, Cwd: v.str(cwdKeys...), Output: out}, true
}
