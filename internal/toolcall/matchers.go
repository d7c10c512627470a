package toolcall

import (
	"fmt"
	"strings"
)

var (
	shellNames = nameSet("bash", "shell", "exec", "exec_command", "run_command", "run_shell_command",
		"run_terminal_cmd", "terminal", "local_shell", "command", "shell_command", "container.exec",
		"execute_command")
	editNames = nameSet("edit", "multi_edit", "str_replace", "edit_file", "apply_patch", "patch",
		"replace", "search_replace", "notebook_edit")
	writeNames    = nameSet("write", "write_file", "create_file", "write_to_file", "create", "new_file")
	readNames     = nameSet("read", "read_file", "view", "view_file", "cat", "open_file")
	searchNames   = nameSet("grep", "glob", "search", "find", "find_files", "web_search", "codebase_search",
		"ripgrep", "rg", "search_files", "file_search", "grep_search", "search_code")
	subAgentNames = nameSet("task", "agent", "sub_agent", "dispatch_agent", "spawn_agent", "delegate",
		"delegate_task")
	plainTextNames = nameSet("todo_write", "todo_read", "web_fetch", "fetch", "exit_plan_mode",
		"ask_user_question", "think", "update_plan", "memory", "ls", "list_dir", "list_directory",
		"bash_output", "kill_shell", "kill_bash", "slash_command", "skill")
)

var (
	filePathKeys = []string{"filepath", "path", "file", "filename", "absolutepath", "targetfile",
		"targetpath", "notebookpath"}
	cwdKeys      = []string{"cwd", "workdir", "workingdirectory", "dir", "directory"}
	exitKeys     = []string{"exitcode", "exitstatus", "returncode", "exit"}
	diffKeys     = []string{"unifieddiff", "diff", "patch", "patchtext"}
	oldKeys      = []string{"oldstring", "oldstr", "oldtext", "old"}
	newKeys      = []string{"newstring", "newstr", "newtext", "new", "replacement"}
	contentKeys  = []string{"content", "contents", "filetext", "text", "data"}
	queryKeys    = []string{"pattern", "query", "q", "regex", "searchterm", "searchquery", "glob", "term"}
	describeKeys = []string{"description", "prompt", "task", "instructions", "message"}
)

func matchShell(v *view) (Detail, bool) {
	if !v.nameIn(shellNames) {
		return nil, false
	}
	cmd := commandOf(v)
	if cmd == "" {
		return nil, false
	}
	return Shell{
		Command:  cmd,
		Cwd:      v.str(cwdKeys...),
		Output:   shellOutput(v.output),
		ExitCode: v.intPtr(exitKeys...),
	}, true
}

// commandOf reads the command as a string or an argv list. Argv lists
// of the form [bash -lc script] are unwrapped to the script.
func commandOf(v *view) string {
	val, ok := v.value("command", "cmd", "commandline", "argv", "script")
	if !ok {
		return ""
	}
	switch t := val.(type) {
	case string:
		return strings.TrimSpace(t)
	case []any:
		return joinArgv(argvOf(t))
	}
	return ""
}

func argvOf(list []any) []string {
	argv := make([]string, 0, len(list))
	for _, a := range list {
		if s, ok := asString(a); ok {
			argv = append(argv, s)
		}
	}
	return argv
}

var shellWrappers = map[string]bool{
	"bash": true, "sh": true, "zsh": true, "/bin/bash": true, "/bin/sh": true, "/bin/zsh": true,
	"/usr/bin/bash": true, "/usr/bin/zsh": true,
}

func joinArgv(argv []string) string {
	if len(argv) == 3 && shellWrappers[argv[0]] && (argv[1] == "-lc" || argv[1] == "-c") {
		return strings.TrimSpace(argv[2])
	}
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = shellQuote(a)
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$`|&;<>()*?[]{}!#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellOutput(out any) string {
	m := asObject(out)
	if m == nil {
		return textOf(out)
	}
	for _, k := range []string{"aggregatedoutput", "output", "formattedoutput", "text", "content"} {
		if s := textOf(lookup(m, k)); s != "" {
			return s
		}
	}
	stdout := textOf(lookup(m, "stdout"))
	stderr := textOf(lookup(m, "stderr"))
	switch {
	case stdout != "" && stderr != "":
		return stdout + "\n" + stderr
	case stdout != "":
		return stdout
	}
	return stderr
}

func matchEdit(v *view) (Detail, bool) {
	if !v.nameIn(editNames) {
		return nil, false
	}
	return buildEdit(v)
}

func buildEdit(v *view) (Detail, bool) {
	diff := v.str(diffKeys...)
	if diff == "" {
		if s, ok := v.input.(string); ok && isPatchEnvelope(s) {
			diff = s
		} else if s := v.str("input"); isPatchEnvelope(s) {
			diff = s
		}
	}
	path := v.str(filePathKeys...)
	if path == "" {
		path = patchPath(diff)
	}
	if path == "" {
		return nil, false
	}

	d := Edit{
		FilePath:  path,
		OldString: v.str(oldKeys...),
		NewString: v.str(newKeys...),
	}
	if diff == "" && d.OldString == "" && d.NewString == "" {
		if edits, ok := v.value("edits"); ok {
			if list, ok := edits.([]any); ok {
				diff = editsDiff(path, list)
			}
		}
	}
	d.UnifiedDiff = truncateDiff(diff)
	return d, true
}

func matchWrite(v *view) (Detail, bool) {
	if !v.nameIn(writeNames) {
		return nil, false
	}
	path := v.str(filePathKeys...)
	if path == "" {
		return nil, false
	}
	return Write{FilePath: path, Content: v.str(contentKeys...)}, true
}

func matchRead(v *view) (Detail, bool) {
	if !v.nameIn(readNames) {
		return nil, false
	}
	return buildRead(v)
}

func buildRead(v *view) (Detail, bool) {
	path := v.str(filePathKeys...)
	if path == "" {
		return nil, false
	}
	content := textOf(lookup(asObject(v.output), "file"))
	if content == "" {
		content = textOf(v.output)
	}
	return Read{
		FilePath: path,
		Content:  content,
		Offset:   v.intPtr("offset", "startline", "linestart"),
		Limit:    v.intPtr("limit", "maxlines", "lineslimit"),
	}, true
}

func matchSearch(v *view) (Detail, bool) {
	if !v.nameIn(searchNames) {
		return nil, false
	}
	q := v.str(queryKeys...)
	if q == "" {
		return nil, false
	}
	return Search{Query: q}, true
}

func matchSubAgent(v *view) (Detail, bool) {
	if !v.nameIn(subAgentNames) {
		return nil, false
	}
	return SubAgent{
		Description: v.str(describeKeys...),
		Log:         textOf(v.output),
	}, true
}

func matchPlainText(v *view) (Detail, bool) {
	if !v.nameIn(plainTextNames) {
		return nil, false
	}
	text := textOf(v.output)
	if text == "" {
		if todos, ok := v.value("todos"); ok {
			text = renderChecklist(todos, "content", "status")
		}
	}
	if text == "" {
		if plan, ok := v.value("plan"); ok {
			if _, isList := plan.([]any); isList {
				text = renderChecklist(plan, "step", "status")
			}
		}
	}
	if text == "" {
		text = v.str("url", "plan", "explanation", "question", "thought", "text", "path")
	}
	return PlainText{Label: v.rawName, Text: text}, true
}

// renderChecklist renders [{<textKey>, <statusKey>}] items one per line.
func renderChecklist(list any, textKey, statusKey string) string {
	items, ok := list.([]any)
	if !ok {
		return ""
	}
	var lines []string
	for _, it := range items {
		m := asObject(it)
		if m == nil {
			continue
		}
		text, _ := asString(lookup(m, textKey))
		status, _ := asString(lookup(m, statusKey))
		mark := " "
		switch status {
		case "completed", "done":
			mark = "x"
		case "in_progress", "inprogress":
			mark = "~"
		}
		lines = append(lines, fmt.Sprintf("[%s] %s", mark, text))
	}
	return strings.Join(lines, "\n")
}
