// Package fingerprint computes stable issue fingerprints and generalizes
// resolved fixes into reusable before/after templates.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/syntax"
)

const ancestorDepth = 4

var (
	quotedRegex     = regexp.MustCompile("\"[^\"]*\"|'[^']*'|`[^`]*`")
	digitsRegex     = regexp.MustCompile(`[0-9]+`)
	whitespaceRegex = regexp.MustCompile(`\s+`)
)

// Input is everything needed to fingerprint one issue.
type Input struct {
	Lang     string
	Source   []byte
	Rule     string
	Category schemas.Category
	Message  string
	Span     schemas.Span
}

// Compute returns the hex fingerprint of an issue: a hash of its rule,
// category, normalized message and the structural signature of its location.
// The file path is not hashed: identical defects in different files share a
// fingerprint.
func Compute(ctx context.Context, in Input) string {
	h := sha256.New()
	h.Write([]byte(in.Rule))
	h.Write([]byte{0})
	h.Write([]byte(in.Category))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeMessage(in.Message)))
	h.Write([]byte{0})
	h.Write([]byte(Signature(ctx, in.Lang, in.Source, in.Span)))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeMessage strips quoted names and numbers from a detector message.
func NormalizeMessage(msg string) string {
	msg = quotedRegex.ReplaceAllString(msg, `""`)
	msg = digitsRegex.ReplaceAllString(msg, "0")
	msg = whitespaceRegex.ReplaceAllString(msg, " ")
	return strings.ToLower(strings.TrimSpace(msg))
}

// Signature describes the location of an issue structurally: the node kinds
// around the enclosing statement and its token skeleton with identifiers and
// literals erased.
func Signature(ctx context.Context, lang string, source []byte, span schemas.Span) string {
	if syntax.Supported(lang) {
		if tree, err := syntax.Parse(ctx, lang, source); err == nil {
			defer tree.Close()
			if node := tree.StatementAt(span.StartLine); node != nil {
				kinds := syntax.AncestorKinds(node, ancestorDepth)
				toks := tree.Tokens(int(node.StartByte()), int(node.EndByte()))
				return strings.Join(kinds, ">") + "|" + skeleton(toks)
			}
		}
	}
	return "lex|" + skeleton(syntax.LexTokens(lineText(source, span.StartLine)))
}

func skeleton(toks []syntax.Token) string {
	parts := make([]string, 0, len(toks))
	for _, tok := range toks {
		switch tok.Kind {
		case syntax.TokenIdentifier:
			parts = append(parts, "ID")
		case syntax.TokenLiteral:
			parts = append(parts, "LIT")
		default:
			parts = append(parts, tok.Text)
		}
	}
	return strings.Join(parts, " ")
}

func lineText(source []byte, line int) string {
	start := syntax.LineOffset(source, line)
	if start < 0 {
		return ""
	}
	end := start
	for end < len(source) && source[end] != '\n' {
		end++
	}
	return string(source[start:end])
}
