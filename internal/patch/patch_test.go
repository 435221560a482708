package patch

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numbered(n int, edit map[int]string) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		if repl, ok := edit[i]; ok {
			b.WriteString(repl)
			continue
		}
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return b.String()
}

func TestUnifiedRendersHunks(t *testing.T) {
	before := numbered(20, nil)
	after := numbered(20, map[int]string{2: "line two\n", 18: ""})

	text, err := Unified("pkg/file.go", []byte(before), []byte(after))
	require.NoError(t, err)
	assert.Contains(t, text, "--- a/pkg/file.go\n+++ b/pkg/file.go\n")
	assert.Contains(t, text, "@@ -1,5 +1,5 @@")
	assert.Contains(t, text, "-line 2\n+line two\n")
	assert.Contains(t, text, "@@ -15,6 +15,5 @@")

	fds, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, fds, 1)
	assert.Len(t, fds[0].Hunks, 2)
	added, removed := Stats(fds)
	assert.Equal(t, 1, added)
	assert.Equal(t, 2, removed)
}

func TestUnifiedNoChange(t *testing.T) {
	text, err := Unified("a.go", []byte("x\n"), []byte("x\n"))
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestRoundTrip(t *testing.T) {
	testCases := map[string]struct{ before, after string }{
		"insert in middle":    {numbered(10, nil), numbered(10, map[int]string{5: "line 5\nguard\n"})},
		"delete first line":   {numbered(6, nil), numbered(6, map[int]string{1: ""})},
		"append at end":       {numbered(4, nil), numbered(4, map[int]string{4: "line 4\nline 5\n"})},
		"no trailing newline": {"a\nb\nc", "a\nB\nc"},
		"new file":            {"", "package x\n"},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			text, err := Unified("f.go", []byte(tc.before), []byte(tc.after))
			require.NoError(t, err)
			fds, err := Parse(text)
			require.NoError(t, err)
			out, err := ApplyFile(fds[0], []byte(tc.before))
			require.NoError(t, err)
			assert.Equal(t, tc.after, string(out))
		})
	}
}

func TestApplyFileToleratesLineDrift(t *testing.T) {
	before := numbered(12, nil)
	after := numbered(12, map[int]string{8: "line eight\n"})
	text, err := Unified("f.go", []byte(before), []byte(after))
	require.NoError(t, err)
	fds, err := Parse(text)
	require.NoError(t, err)

	drifted := "header 1\nheader 2\n" + before
	out, err := ApplyFile(fds[0], []byte(drifted))
	require.NoError(t, err)
	assert.Equal(t, "header 1\nheader 2\n"+after, string(out))
}

func TestApplyFileMismatch(t *testing.T) {
	text, err := Unified("f.go", []byte(numbered(5, nil)), []byte(numbered(5, map[int]string{3: "three\n"})))
	require.NoError(t, err)
	fds, err := Parse(text)
	require.NoError(t, err)

	_, err = ApplyFile(fds[0], []byte("something\nelse\nentirely\n"))
	assert.ErrorIs(t, err, ErrHunkMismatch)
}

func TestApplyModelStyleDiff(t *testing.T) {
	// Hand-written diffs often carry wrong line numbers and stripped blank context.
	text := "--- a/main.go\n+++ b/main.go\n@@ -40,4 +40,5 @@\n func run() {\n\n-\tpanic(err)\n+\tlog.Println(err)\n+\treturn\n }\n"
	source := "package main\n\nfunc run() {\n\n\tpanic(err)\n}\n"

	changes, err := Apply(text, func(path string) ([]byte, error) {
		require.Equal(t, "main.go", path)
		return []byte(source), nil
	})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "package main\n\nfunc run() {\n\n\tlog.Println(err)\n\treturn\n}\n", string(changes[0].After))
	assert.Equal(t, source, string(changes[0].Before))
}

func TestApplyGroup(t *testing.T) {
	files := map[string]string{
		"a.go": "package a\n\nvar A = 1\n",
		"b.go": "package b\n\nvar B = 2\n",
	}
	text, err := UnifiedGroup([]FileChange{
		{Path: "b.go", Before: []byte(files["b.go"]), After: []byte("package b\n\nvar B = 3\n")},
		{Path: "a.go", Before: []byte(files["a.go"]), After: []byte("package a\n\nvar A = 2\n")},
		{Path: "c.go", Before: []byte("same\n"), After: []byte("same\n")},
	})
	require.NoError(t, err)

	paths, err := Paths(text)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go", "b.go"}, paths)

	changes, err := Apply(text, func(path string) ([]byte, error) {
		content, ok := files[path]
		if !ok {
			return nil, os.ErrNotExist
		}
		return []byte(content), nil
	})
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "package a\n\nvar A = 2\n", string(changes[0].After))
	assert.Equal(t, "package b\n\nvar B = 3\n", string(changes[1].After))
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse("")
	assert.ErrorIs(t, err, ErrEmptyPatch)
}
