package strategy

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xkilldash9x/scalpel-autofix/internal/syntax"
)

var (
	importBlockRegex  = regexp.MustCompile(`(?m)^import\s*\([ \t]*$`)
	singleImportRegex = regexp.MustCompile(`(?m)^import[ \t]+("[^"]+")[ \t]*$`)
	packageLineRegex  = regexp.MustCompile(`(?m)^package\s+\w+.*$`)
)

// goImports lists the import paths of a Go source file.
func goImports(ctx context.Context, source []byte) map[string]bool {
	out := map[string]bool{}
	tree, err := syntax.Parse(ctx, syntax.LangGo, source)
	if err != nil {
		return out
	}
	defer tree.Close()
	for _, p := range tree.Imports() {
		out[p] = true
	}
	return out
}

// AddGoImport returns source with path imported. The path is inserted in
// sorted position within the first group of an import block; a single-line
// import is turned into a block.
func AddGoImport(ctx context.Context, source []byte, path string) []byte {
	if goImports(ctx, source)[path] {
		return source
	}
	text := string(source)
	quoted := strconv.Quote(path)

	if loc := importBlockRegex.FindStringIndex(text); loc != nil {
		bodyStart := loc[1] + 1
		if bodyStart > len(text) {
			return source
		}
		end := strings.Index(text[bodyStart:], ")")
		if end < 0 {
			return source
		}
		lines := strings.SplitAfter(text[bodyStart:bodyStart+end], "\n")
		insertAt := 0
		for i, l := range lines {
			trimmed := strings.TrimSpace(l)
			if trimmed == "" {
				break
			}
			insertAt = i + 1
			if strings.Trim(trimmed, `"`) > path && !strings.Contains(trimmed, " ") {
				insertAt = i
				break
			}
		}
		lines = append(lines[:insertAt], append([]string{"\t" + quoted + "\n"}, lines[insertAt:]...)...)
		return []byte(text[:bodyStart] + strings.Join(lines, "") + text[bodyStart+end:])
	}

	if m := singleImportRegex.FindStringSubmatchIndex(text); m != nil {
		existing := text[m[2]:m[3]]
		paths := []string{existing, quoted}
		sort.Strings(paths)
		block := "import (\n\t" + paths[0] + "\n\t" + paths[1] + "\n)"
		return []byte(text[:m[0]] + block + text[m[1]:])
	}

	if loc := packageLineRegex.FindStringIndex(text); loc != nil {
		return []byte(text[:loc[1]] + "\n\nimport " + quoted + text[loc[1]:])
	}
	return source
}

// removeGoImport drops path from the imports of source.
func removeGoImport(source []byte, path string) []byte {
	quoted := regexp.QuoteMeta(strconv.Quote(path))
	single := regexp.MustCompile(`(?m)^import\s+` + quoted + `[ \t]*\n`)
	if loc := single.FindIndex(source); loc != nil {
		return append(append([]byte{}, source[:loc[0]]...), source[loc[1]:]...)
	}
	inBlock := regexp.MustCompile(`(?m)^[ \t]+` + quoted + `[ \t]*\n`)
	if loc := inBlock.FindIndex(source); loc != nil {
		return append(append([]byte{}, source[:loc[0]]...), source[loc[1]:]...)
	}
	return source
}

// replaceGoImport swaps one import path for another, dropping the old one
// when the new one is already present.
func replaceGoImport(ctx context.Context, source []byte, from, to string) []byte {
	if goImports(ctx, source)[to] {
		return removeGoImport(source, from)
	}
	return []byte(strings.Replace(string(source), strconv.Quote(from), strconv.Quote(to), 1))
}

// usesPackage reports whether a selector on name appears outside the import
// declarations.
func usesPackage(source []byte, name string) bool {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\.`)
	for _, line := range strings.Split(string(source), "\n") {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "import") || strings.HasPrefix(t, `"`) || strings.HasPrefix(t, "//") {
			continue
		}
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
