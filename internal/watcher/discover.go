package watcher

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// excludedDirs are skipped when discovering transcripts.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// Transcript is a discovered transcript file.
type Transcript struct {
	AgentID string
	Path    string
	ModTime int64
}

// Discover walks root for .jsonl transcripts up to maxDepth directories
// deep. The agent id is the file name without its extension. Results
// are ordered oldest first.
func Discover(root string, maxDepth int) []Transcript {
	var found []Transcript
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}

		name := d.Name()
		if d.IsDir() {
			if path == root {
				return nil
			}
			if excludedDirs[name] || isHidden(name) {
				return filepath.SkipDir
			}
			rel, _ := filepath.Rel(root, path)
			if strings.Count(rel, string(filepath.Separator))+1 > maxDepth {
				return filepath.SkipDir
			}
			return nil
		}

		if isHidden(name) || filepath.Ext(name) != ".jsonl" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		found = append(found, Transcript{
			AgentID: strings.TrimSuffix(name, ".jsonl"),
			Path:    path,
			ModTime: info.ModTime().UnixNano(),
		})
		return nil
	})

	sort.Slice(found, func(i, j int) bool {
		if found[i].ModTime != found[j].ModTime {
			return found[i].ModTime < found[j].ModTime
		}
		return found[i].Path < found[j].Path
	})
	return found
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
