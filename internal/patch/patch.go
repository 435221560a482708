// Package patch renders and applies unified diffs. Diffs are computed line by
// line with go-git's diff helper and serialized with go-diff so that patches
// produced here and patches returned by a language model go through the same
// parser.
package patch

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	gitdiff "github.com/go-git/go-git/v5/utils/diff"
	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/sourcegraph/go-diff/diff"
)

// ContextLines is the number of unchanged lines printed around each change.
const ContextLines = 3

var (
	// ErrEmptyPatch is returned when a patch holds no file diffs.
	ErrEmptyPatch = errors.New("patch contains no file diffs")
	// ErrHunkMismatch is returned when a hunk's context cannot be found in the target.
	ErrHunkMismatch = errors.New("hunk does not match target content")
)

// FileChange is the content of one file before and after a fix. A nil Before
// means the file is created.
type FileChange struct {
	Path   string
	Before []byte
	After  []byte
}

// Changed reports whether the change modifies the file.
func (c FileChange) Changed() bool {
	return !bytes.Equal(c.Before, c.After)
}

// Unified renders the diff for a single file.
func Unified(path string, before, after []byte) (string, error) {
	return UnifiedGroup([]FileChange{{Path: path, Before: before, After: after}})
}

// UnifiedGroup renders one multi-file diff for a group of changes, sorted by
// path. Unchanged files are omitted.
func UnifiedGroup(changes []FileChange) (string, error) {
	sorted := append([]FileChange(nil), changes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var fds []*diff.FileDiff
	for _, c := range sorted {
		if fd := FileDiff(c); fd != nil {
			fds = append(fds, fd)
		}
	}
	if len(fds) == 0 {
		return "", nil
	}
	out, err := diff.PrintMultiFileDiff(fds)
	if err != nil {
		return "", fmt.Errorf("failed to print diff: %w", err)
	}
	return string(out), nil
}

// FileDiff builds the go-diff representation of c, or nil when c changes
// nothing. A missing trailing newline on either side is normalized away; the
// applier keeps the target file's own newline state.
func FileDiff(c FileChange) *diff.FileDiff {
	before, after := withNewline(c.Before), withNewline(c.After)
	if before == after {
		return nil
	}
	ops := lineOps(gitdiff.Do(before, after))
	hunks := buildHunks(ops)
	if len(hunks) == 0 {
		return nil
	}
	orig := "a/" + c.Path
	if c.Before == nil {
		orig = "/dev/null"
	}
	return &diff.FileDiff{OrigName: orig, NewName: "b/" + c.Path, Hunks: hunks}
}

type lineOp struct {
	kind byte
	text string
}

func lineOps(diffs []diffmatchpatch.Diff) []lineOp {
	var ops []lineOp
	for _, d := range diffs {
		kind := byte(' ')
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			kind = '-'
		case diffmatchpatch.DiffInsert:
			kind = '+'
		}
		for _, l := range strings.SplitAfter(d.Text, "\n") {
			if l == "" {
				continue
			}
			ops = append(ops, lineOp{kind: kind, text: l})
		}
	}
	return ops
}

func buildHunks(ops []lineOp) []*diff.Hunk {
	origAt := make([]int, len(ops)+1)
	newAt := make([]int, len(ops)+1)
	for i, op := range ops {
		origAt[i+1], newAt[i+1] = origAt[i], newAt[i]
		if op.kind != '+' {
			origAt[i+1]++
		}
		if op.kind != '-' {
			newAt[i+1]++
		}
	}

	var hunks []*diff.Hunk
	floor := 0
	i := 0
	for i < len(ops) {
		for i < len(ops) && ops[i].kind == ' ' {
			i++
		}
		if i == len(ops) {
			break
		}
		start := max(i-ContextLines, floor)
		end := i
		for {
			for end < len(ops) && ops[end].kind != ' ' {
				end++
			}
			run := 0
			for end+run < len(ops) && ops[end+run].kind == ' ' {
				run++
			}
			if end+run == len(ops) || run > 2*ContextLines {
				end += min(run, ContextLines)
				break
			}
			end += run
		}

		var body bytes.Buffer
		for _, op := range ops[start:end] {
			body.WriteByte(op.kind)
			body.WriteString(op.text)
		}
		h := &diff.Hunk{
			OrigStartLine: int32(origAt[start] + 1),
			OrigLines:     int32(origAt[end] - origAt[start]),
			NewStartLine:  int32(newAt[start] + 1),
			NewLines:      int32(newAt[end] - newAt[start]),
			Body:          body.Bytes(),
		}
		if h.OrigLines == 0 {
			h.OrigStartLine--
		}
		if h.NewLines == 0 {
			h.NewStartLine--
		}
		hunks = append(hunks, h)
		floor = end
		i = end
	}
	return hunks
}

func withNewline(b []byte) string {
	if len(b) > 0 && b[len(b)-1] != '\n' {
		return string(b) + "\n"
	}
	return string(b)
}

// Parse reads a multi-file unified diff.
func Parse(text string) ([]*diff.FileDiff, error) {
	fds, err := diff.NewMultiFileDiffReader(strings.NewReader(text)).ReadAllFiles()
	if err != nil {
		return nil, fmt.Errorf("invalid diff: %w", err)
	}
	if len(fds) == 0 {
		return nil, ErrEmptyPatch
	}
	return fds, nil
}

// TargetPath returns the repository-relative path a file diff writes to.
func TargetPath(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	return name
}

// Paths lists the distinct target paths of a diff in order of appearance.
func Paths(text string) ([]string, error) {
	fds, err := Parse(text)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []string
	for _, fd := range fds {
		p := TargetPath(fd)
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// Stats counts added and removed lines across fds.
func Stats(fds []*diff.FileDiff) (added, removed int) {
	for _, fd := range fds {
		for _, h := range fd.Hunks {
			for _, l := range bodyLines(h.Body) {
				switch {
				case strings.HasPrefix(l, "+"):
					added++
				case strings.HasPrefix(l, "-"):
					removed++
				}
			}
		}
	}
	return added, removed
}

// Apply applies every file diff in text. read loads the current content of a
// target path; a file diff from /dev/null starts from empty content. The
// result holds one change per target path.
func Apply(text string, read func(path string) ([]byte, error)) ([]FileChange, error) {
	fds, err := Parse(text)
	if err != nil {
		return nil, err
	}
	var out []FileChange
	for _, fd := range fds {
		path := TargetPath(fd)
		var content []byte
		if fd.OrigName != "/dev/null" {
			if content, err = read(path); err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", path, err)
			}
		}
		patched, err := ApplyFile(fd, content)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, FileChange{Path: path, Before: content, After: patched})
	}
	return out, nil
}

// ApplyFile applies the hunks of fd to content. Each hunk is located at its
// stated line first and then at the nearest position where its old lines
// match, so slightly stale line numbers still apply. The result keeps
// content's trailing newline state.
func ApplyFile(fd *diff.FileDiff, content []byte) ([]byte, error) {
	hadNewline := len(content) == 0 || content[len(content)-1] == '\n'
	lines := splitKeep(withNewline(content))

	offset := 0
	floor := 0
	for n, h := range fd.Hunks {
		oldLines, newLines := hunkSides(h.Body)
		want := int(h.OrigStartLine) - 1 + offset
		if len(oldLines) == 0 {
			want = int(h.OrigStartLine) + offset
		}
		pos := locate(lines, oldLines, want, floor)
		if pos < 0 {
			return nil, fmt.Errorf("hunk %d at line %d: %w", n+1, h.OrigStartLine, ErrHunkMismatch)
		}
		replaced := make([]string, 0, len(lines)-len(oldLines)+len(newLines))
		replaced = append(replaced, lines[:pos]...)
		replaced = append(replaced, newLines...)
		replaced = append(replaced, lines[pos+len(oldLines):]...)
		lines = replaced

		offset += len(newLines) - len(oldLines)
		floor = pos + len(newLines)
	}

	out := strings.Join(lines, "")
	if !hadNewline {
		out = strings.TrimSuffix(out, "\n")
	}
	return []byte(out), nil
}

// hunkSides splits a hunk body into its old and new line sequences, each line
// carrying its newline.
func hunkSides(body []byte) (oldLines, newLines []string) {
	for _, l := range bodyLines(body) {
		if l == "" {
			oldLines = append(oldLines, "\n")
			newLines = append(newLines, "\n")
			continue
		}
		text := l[1:] + "\n"
		switch l[0] {
		case ' ':
			oldLines = append(oldLines, text)
			newLines = append(newLines, text)
		case '-':
			oldLines = append(oldLines, text)
		case '+':
			newLines = append(newLines, text)
		}
	}
	return oldLines, newLines
}

func bodyLines(body []byte) []string {
	trimmed := strings.TrimSuffix(string(body), "\n")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\n")
}

// locate finds where old occurs in lines, searching outward from want and
// never before floor. Exact matches win over matches that differ only in
// trailing whitespace.
func locate(lines, old []string, want, floor int) int {
	last := len(lines) - len(old)
	if last < floor {
		return -1
	}
	want = min(max(want, floor), last)
	for _, eq := range []func(a, b string) bool{exactEqual, looseEqual} {
		for d := 0; want-d >= floor || want+d <= last; d++ {
			if p := want - d; p >= floor && matchAt(lines, old, p, eq) {
				return p
			}
			if p := want + d; d > 0 && p <= last && matchAt(lines, old, p, eq) {
				return p
			}
		}
	}
	return -1
}

func matchAt(lines, old []string, pos int, eq func(a, b string) bool) bool {
	for i, l := range old {
		if !eq(lines[pos+i], l) {
			return false
		}
	}
	return true
}

func exactEqual(a, b string) bool { return a == b }

func looseEqual(a, b string) bool {
	return strings.TrimRight(a, " \t\r\n") == strings.TrimRight(b, " \t\r\n")
}

func splitKeep(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.SplitAfter(s, "\n")
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}
