package fingerprint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/syntax"
)

// MaxTemplateLines bounds the region a template may cover.
const MaxTemplateLines = 30

var (
	// ErrNoChange is returned when before and after are identical.
	ErrNoChange = errors.New("fix does not change the file")
	// ErrRegionTooLarge is returned when a fix touches too much of a file to generalize.
	ErrRegionTooLarge = errors.New("fix region too large to generalize")
	// ErrNoMatch is returned when a template does not fit the target location.
	ErrNoMatch = errors.New("template does not match target")
)

var placeholderRegex = regexp.MustCompile(`⟨(\d+)⟩`)

func placeholder(i int) string { return "⟨" + strconv.Itoa(i) + "⟩" }

// Region is a changed line range in both versions of a file, 0-based with
// exclusive ends.
type Region struct {
	BeforeStart, BeforeEnd int
	AfterStart, AfterEnd   int
	// Lead is the number of region lines before the issue's first line.
	Lead int
}

// ChangedRegion finds the smallest line range covering every change between
// before and after, widened to include the issue's lines.
func ChangedRegion(before, after []byte, span schemas.Span) (Region, error) {
	if bytes.Equal(before, after) {
		return Region{}, ErrNoChange
	}
	b, a := splitLines(before), splitLines(after)

	prefix := 0
	for prefix < len(b) && prefix < len(a) && b[prefix] == a[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(b)-prefix && suffix < len(a)-prefix && b[len(b)-1-suffix] == a[len(a)-1-suffix] {
		suffix++
	}

	r := Region{BeforeStart: prefix, BeforeEnd: len(b) - suffix, AfterStart: prefix, AfterEnd: len(a) - suffix}

	issueStart := span.StartLine - 1
	issueEnd := span.EndLine
	if issueEnd < span.StartLine {
		issueEnd = span.StartLine
	}
	if issueStart >= 0 && issueStart < r.BeforeStart {
		delta := r.BeforeStart - issueStart
		r.BeforeStart -= delta
		r.AfterStart -= delta
	}
	if issueEnd <= len(b) && issueEnd > r.BeforeEnd {
		delta := issueEnd - r.BeforeEnd
		r.BeforeEnd += delta
		r.AfterEnd += delta
	}
	if issueStart >= r.BeforeStart {
		r.Lead = issueStart - r.BeforeStart
	}
	return r, nil
}

// Learn generalizes a resolved fix into a template. Identifiers and literals in
// the before region become numbered placeholders; the after region reuses
// them, and anything only present after the fix stays literal.
func Learn(ctx context.Context, lang string, before, after []byte, span schemas.Span) (schemas.Template, error) {
	r, err := ChangedRegion(before, after, span)
	if err != nil {
		return schemas.Template{}, err
	}
	lines := r.BeforeEnd - r.BeforeStart
	if lines > MaxTemplateLines || r.AfterEnd-r.AfterStart > MaxTemplateLines {
		return schemas.Template{}, ErrRegionTooLarge
	}

	bindings := map[string]int{}
	beforeText := generalize(ctx, lang, before, r.BeforeStart, r.BeforeEnd, bindings, true)
	placeholders := len(bindings)
	afterText := generalize(ctx, lang, after, r.AfterStart, r.AfterEnd, bindings, false)

	return schemas.Template{
		Before:       beforeText,
		After:        afterText,
		Placeholders: placeholders,
		Lead:         r.Lead,
		Lines:        lines,
	}, nil
}

// Instantiate applies tmpl to source at the issue's location and returns the
// patched source. ErrNoMatch means the generalized target region differs from
// the template's before side.
func Instantiate(ctx context.Context, lang string, tmpl schemas.Template, source []byte, span schemas.Span) ([]byte, error) {
	start := span.StartLine - 1 - tmpl.Lead
	end := start + tmpl.Lines
	lines := splitLines(source)
	if tmpl.Lines <= 0 || start < 0 || end > len(lines) {
		return nil, ErrNoMatch
	}

	bindings := map[string]int{}
	target := generalize(ctx, lang, source, start, end, bindings, true)
	if squash(target) != squash(tmpl.Before) {
		return nil, ErrNoMatch
	}

	values := make([]string, len(bindings))
	for text, idx := range bindings {
		values[idx] = text
	}

	var missing error
	replaced := placeholderRegex.ReplaceAllStringFunc(tmpl.After, func(m string) string {
		idx, _ := strconv.Atoi(placeholderRegex.FindStringSubmatch(m)[1])
		if idx >= len(values) {
			missing = fmt.Errorf("template references unbound placeholder %d: %w", idx, ErrNoMatch)
			return m
		}
		return values[idx]
	})
	if missing != nil {
		return nil, missing
	}

	replaced = reindent(replaced, indentOf(tmpl.Before), indentOf(lines[start]))

	var out bytes.Buffer
	for _, l := range lines[:start] {
		out.WriteString(l)
	}
	out.WriteString(replaced)
	for _, l := range lines[end:] {
		out.WriteString(l)
	}
	return out.Bytes(), nil
}

// GeneralizeRegion returns the generalized text of lines [start, end) of
// source. It is the key the similarity index embeds.
func GeneralizeRegion(ctx context.Context, lang string, source []byte, start, end int) string {
	return generalize(ctx, lang, source, start, end, map[string]int{}, true)
}

// generalize rewrites lines [start, end) replacing identifier and literal
// tokens with placeholders from bindings. When assign is set, unseen tokens get
// the next placeholder; otherwise they are left as-is.
func generalize(ctx context.Context, lang string, source []byte, start, end int, bindings map[string]int, assign bool) string {
	lines := splitLines(source)
	if start < 0 {
		start = 0
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start >= end {
		return ""
	}
	offset := 0
	for _, l := range lines[:start] {
		offset += len(l)
	}
	region := strings.Join(lines[start:end], "")
	toks := regionTokens(ctx, lang, source, offset, offset+len(region), region)

	var out strings.Builder
	cursor := 0
	for _, tok := range toks {
		if tok.Kind == syntax.TokenOther || tok.Start < cursor || tok.End > len(region) {
			continue
		}
		idx, ok := bindings[tok.Text]
		if !ok {
			if !assign {
				continue
			}
			idx = len(bindings)
			bindings[tok.Text] = idx
		}
		out.WriteString(region[cursor:tok.Start])
		out.WriteString(placeholder(idx))
		cursor = tok.End
	}
	out.WriteString(region[cursor:])
	return out.String()
}

// regionTokens returns tokens with offsets relative to the region start.
func regionTokens(ctx context.Context, lang string, source []byte, from, to int, region string) []syntax.Token {
	if syntax.Supported(lang) {
		if tree, err := syntax.Parse(ctx, lang, source); err == nil {
			defer tree.Close()
			toks := tree.Tokens(from, to)
			out := make([]syntax.Token, 0, len(toks))
			for _, tok := range toks {
				if tok.Start < from || tok.End > to {
					continue
				}
				tok.Start -= from
				tok.End -= from
				out = append(out, tok)
			}
			return out
		}
	}
	return syntax.LexTokens(region)
}

func splitLines(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	return strings.SplitAfter(string(b), "\n")[:countLines(b)]
}

func countLines(b []byte) int {
	n := bytes.Count(b, []byte("\n"))
	if len(b) > 0 && b[len(b)-1] != '\n' {
		n++
	}
	return n
}

func squash(s string) string {
	return whitespaceRegex.ReplaceAllString(s, "")
}

func indentOf(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

func reindent(text, from, to string) string {
	if from == to {
		return text
	}
	lines := strings.SplitAfter(text, "\n")
	for i, l := range lines {
		if strings.HasPrefix(l, from) {
			lines[i] = to + l[len(from):]
		}
	}
	return strings.Join(lines, "")
}
