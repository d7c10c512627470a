package toolcall

// OpenCode uses lowercase tool names with camelCase inputs and reports
// diffs and exit codes under metadata.
var openCodeCandidates = []candidate{
	{"opencode/edit_filediff", matchOpenCodeFileDiff},
	{"opencode/list", matchOpenCodeList},
}

// matchOpenCodeFileDiff fills in the edit path from metadata.filediff
// when the input did not carry one.
func matchOpenCodeFileDiff(v *view) (Detail, bool) {
	if !v.nameIn(editNames) {
		return nil, false
	}
	fd := asObject(lookupAny(v, "filediff"))
	if fd == nil {
		return nil, false
	}
	path := v.str(filePathKeys...)
	if path == "" {
		path, _ = asString(lookup(fd, "file"))
	}
	if path == "" {
		return nil, false
	}
	before, _ := asString(lookup(fd, "before"))
	after, _ := asString(lookup(fd, "after"))
	d := Edit{
		FilePath:    path,
		OldString:   v.str(oldKeys...),
		NewString:   v.str(newKeys...),
		UnifiedDiff: truncateDiff(v.str(diffKeys...)),
	}
	if d.OldString == "" && d.NewString == "" {
		d.OldString, d.NewString = before, after
	}
	return d, true
}

var openCodeListNames = nameSet("list")

func matchOpenCodeList(v *view) (Detail, bool) {
	if !v.nameIn(openCodeListNames) {
		return nil, false
	}
	path := v.str("path")
	text := textOf(v.output)
	if path != "" && text != "" {
		text = path + "\n" + text
	} else if text == "" {
		text = path
	}
	return PlainText{Label: v.rawName, Text: text}, true
}

func lookupAny(v *view, key string) any {
	val, _ := v.value(key)
	return val
}
