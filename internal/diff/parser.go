// Package diff summarizes unified diff text per file for proposal review.
package diff

import (
	"strings"
)

// FileStatus is the change kind of one file in a diff.
type FileStatus string

const (
	StatusAdded    FileStatus = "added"
	StatusDeleted  FileStatus = "deleted"
	StatusModified FileStatus = "modified"
	StatusUnknown  FileStatus = "unknown"
)

const (
	devNull = "/dev/null"

	// SyntheticPath names the single entry synthesized for header-less diffs
	// when no fallback file list is available.
	SyntheticPath = "(proposal.diff)"
)

// ParsedFile is one file's change summary.
type ParsedFile struct {
	Path         string     `json:"path"`
	Status       FileStatus `json:"status"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	HunkCount    int        `json:"hunkCount"`
	HasPatch     bool       `json:"hasPatch"`
	UnifiedPatch string     `json:"unifiedPatch"`
}

// Input is the parser input. FallbackFiles is used only when the diff has no
// file headers at all.
type Input struct {
	Diff          string
	FallbackFiles []string
}

// Result holds the parsed files in diff order.
type Result struct {
	Files    []ParsedFile `json:"files"`
	Warnings []string     `json:"warnings"`
}

type fileState struct {
	oldPath   string
	newPath   string
	hasHeader bool
	file      ParsedFile
	lines     []string
}

func (f *fileState) finalize() ParsedFile {
	out := f.file
	path := f.newPath
	if path == "" || path == devNull {
		path = f.oldPath
	}
	out.Path = path
	switch {
	case !f.hasHeader:
		out.Status = StatusUnknown
	case f.oldPath == devNull:
		out.Status = StatusAdded
	case f.newPath == devNull:
		out.Status = StatusDeleted
	default:
		out.Status = StatusModified
	}
	out.UnifiedPatch = strings.Join(f.lines, "\n")
	return out
}

// Parse walks the diff line by line. It never fails; text it cannot attribute
// to a file degrades to the fallback entries described on Input.
func Parse(in Input) Result {
	text := strings.ReplaceAll(in.Diff, "\r\n", "\n")
	result := Result{Files: []ParsedFile{}, Warnings: []string{}}

	var current *fileState
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "diff --git ") {
			if current != nil {
				result.Files = append(result.Files, current.finalize())
			}
			oldPath, newPath := parseGitHeader(strings.TrimPrefix(line, "diff --git "))
			current = &fileState{oldPath: oldPath, newPath: newPath, hasHeader: true}
			current.lines = append(current.lines, line)
			continue
		}
		if current == nil {
			continue
		}
		current.lines = append(current.lines, line)

		switch {
		case strings.HasPrefix(line, "--- "):
			current.oldPath = parseMarkerPath(strings.TrimPrefix(line, "--- "), "a/")
		case strings.HasPrefix(line, "+++ "):
			current.newPath = parseMarkerPath(strings.TrimPrefix(line, "+++ "), "b/")
		case strings.HasPrefix(line, "@@"):
			current.file.HunkCount++
			current.file.HasPatch = true
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			current.file.Additions++
			current.file.HasPatch = true
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			current.file.Deletions++
			current.file.HasPatch = true
		}
	}
	if current != nil {
		result.Files = append(result.Files, current.finalize())
	}
	if len(result.Files) > 0 {
		return result
	}

	hasText := strings.TrimSpace(text) != ""
	fallback := uniquePaths(in.FallbackFiles)
	if len(fallback) > 0 {
		result.Warnings = append(result.Warnings, "Diff did not include file headers; attributing the full patch to each listed file.")
		for _, path := range fallback {
			result.Files = append(result.Files, ParsedFile{
				Path:         path,
				Status:       StatusUnknown,
				HasPatch:     hasText,
				UnifiedPatch: in.Diff,
			})
		}
		return result
	}
	if hasText {
		result.Warnings = append(result.Warnings, "Diff did not include file headers and no file list was provided; exposing the raw patch as a single entry.")
		result.Files = append(result.Files, ParsedFile{
			Path:         SyntheticPath,
			Status:       StatusUnknown,
			HasPatch:     true,
			UnifiedPatch: in.Diff,
		})
	}
	return result
}

// parseGitHeader splits "a/old b/new". Paths containing " b/" are ambiguous in
// git's own format; the last separator wins.
func parseGitHeader(rest string) (string, string) {
	idx := strings.LastIndex(rest, " b/")
	if idx < 0 {
		fields := strings.Fields(rest)
		if len(fields) >= 2 {
			return strings.TrimPrefix(fields[0], "a/"), strings.TrimPrefix(fields[1], "b/")
		}
		return strings.TrimPrefix(rest, "a/"), strings.TrimPrefix(rest, "a/")
	}
	return strings.TrimPrefix(rest[:idx], "a/"), rest[idx+len(" b/"):]
}

func parseMarkerPath(value, prefix string) string {
	if tab := strings.Index(value, "\t"); tab >= 0 {
		value = value[:tab]
	}
	value = strings.TrimSpace(value)
	if value == devNull {
		return devNull
	}
	return strings.TrimPrefix(value, prefix)
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}
	return out
}
