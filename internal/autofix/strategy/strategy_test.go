package strategy

import (
	"context"
	"errors"
	"strings"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
	"github.com/xkilldash9x/scalpel-autofix/internal/config"
	"github.com/xkilldash9x/scalpel-autofix/internal/detector"
	"github.com/xkilldash9x/scalpel-autofix/internal/fingerprint"
	"github.com/xkilldash9x/scalpel-autofix/internal/mocks"
	"github.com/xkilldash9x/scalpel-autofix/internal/patch"
	"github.com/xkilldash9x/scalpel-autofix/internal/store/memstore"
)

const userBefore = `package users

type User struct{ Name string }

func DisplayName(u *User) string {
	return u.Name
}
`

const userAfter = `package users

type User struct{ Name string }

func DisplayName(u *User) string {
	if u == nil {
		return ""
	}
	return u.Name
}
`

const accountBefore = `package accounts

type Account struct{ Owner string }

func Owner(acc *Account) string {
	return acc.Owner
}
`

const accountAfter = `package accounts

type Account struct{ Owner string }

func Owner(acc *Account) string {
	if acc == nil {
		return ""
	}
	return acc.Owner
}
`

func nilIssue(path, param string, line int) *schemas.Issue {
	return &schemas.Issue{
		ID:          "issue-" + param,
		FilePath:    path,
		Language:    "go",
		Rule:        detector.RuleNilDereference,
		Category:    schemas.CategoryCorrectness,
		Severity:    schemas.SeverityHigh,
		Message:     "possible nil dereference of \"" + param + "\"",
		Span:        schemas.Span{StartLine: line, StartColumn: 9, EndLine: line},
		Metadata:    map[string]string{"param": param},
		Fingerprint: "fp-" + param,
	}
}

// applyCandidate applies a candidate's patch to content.
func applyCandidate(t *testing.T, c *Candidate, path string, content string) string {
	t.Helper()
	changes, err := patch.Apply(c.Patch, func(p string) ([]byte, error) {
		require.Equal(t, path, p)
		return []byte(content), nil
	})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	return string(changes[0].After)
}

func TestContextualNilGuard(t *testing.T) {
	s := NewContextual(zaptest.NewLogger(t))
	issue := nilIssue("users/users.go", "u", 6)

	c, err := s.Propose(context.Background(), issue, Target{Content: []byte(userBefore)})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, schemas.StrategyContextual, c.Strategy)
	assert.InDelta(t, 0.72, c.RawConfidence, 1e-9)
	assert.Equal(t, userAfter, applyCandidate(t, c, "users/users.go", userBefore))
}

func TestContextualNilGuardReturnsError(t *testing.T) {
	src := `package users

import "fmt"

func Load(u *User) (*Profile, error) {
	return fetch(u.ID)
}
`
	want := `package users

import "fmt"

func Load(u *User) (*Profile, error) {
	if u == nil {
		return nil, fmt.Errorf("u is nil")
	}
	return fetch(u.ID)
}
`
	s := NewContextual(zaptest.NewLogger(t))
	c, err := s.Propose(context.Background(), nilIssue("users.go", "u", 6), Target{Content: []byte(src)})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, want, applyCandidate(t, c, "users.go", src))
	assert.InDelta(t, 0.72, c.RawConfidence, 1e-9)
}

func TestContextualUncheckedError(t *testing.T) {
	src := `package store

import "strconv"

func Parse(s string) (int, error) {
	n, _ := strconv.Atoi(s)
	return n, nil
}
`
	want := `package store

import "strconv"

func Parse(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n, nil
}
`
	issue := &schemas.Issue{
		FilePath: "store.go", Language: "go", Rule: detector.RuleUncheckedError,
		Span: schemas.Span{StartLine: 6, StartColumn: 2, EndLine: 6},
	}
	s := NewContextual(zaptest.NewLogger(t))
	c, err := s.Propose(context.Background(), issue, Target{Content: []byte(src)})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, want, applyCandidate(t, c, "store.go", src))
	assert.InDelta(t, 0.7, c.RawConfidence, 1e-9)
}

func TestContextualUncheckedErrorNeedsErrorResult(t *testing.T) {
	src := "package store\n\nfunc Parse(s string) int {\n\tn, _ := strconv.Atoi(s)\n\treturn n\n}\n"
	issue := &schemas.Issue{
		FilePath: "store.go", Language: "go", Rule: detector.RuleUncheckedError,
		Span: schemas.Span{StartLine: 4, StartColumn: 2, EndLine: 4},
	}
	c, err := NewContextual(zaptest.NewLogger(t)).Propose(context.Background(), issue, Target{Content: []byte(src)})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestContextualWeakHash(t *testing.T) {
	src := `package store

import (
	"crypto/md5"
	"fmt"
)

func Hash(b []byte) string {
	return fmt.Sprintf("%x", md5.Sum(b))
}
`
	issue := &schemas.Issue{
		FilePath: "hash.go", Language: "go", Rule: detector.RuleWeakHash,
		Span: schemas.Span{StartLine: 9, StartColumn: 2, EndLine: 9},
	}
	c, err := NewContextual(zaptest.NewLogger(t)).Propose(context.Background(), issue, Target{Content: []byte(src)})
	require.NoError(t, err)
	require.NotNil(t, c)

	out := applyCandidate(t, c, "hash.go", src)
	assert.Contains(t, out, `"crypto/sha256"`)
	assert.NotContains(t, out, "md5")
	assert.Contains(t, out, "sha256.Sum256(b)")
}

func TestContextualLineFixers(t *testing.T) {
	s := NewContextual(zaptest.NewLogger(t))
	ctx := context.Background()

	src := "package lib\n\nimport \"fmt\"\n\nfunc f() {\n\tfmt.Println(\"hi\")\n\treturn  \n}\n"
	ws := &schemas.Issue{FilePath: "lib.go", Language: "go", Rule: detector.RuleTrailingWhitespace, Span: schemas.Span{StartLine: 7}}
	c, err := s.Propose(ctx, ws, Target{Content: []byte(src)})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Contains(t, applyCandidate(t, c, "lib.go", src), "\treturn\n}")

	dbg := &schemas.Issue{
		FilePath: "lib.go", Language: "go", Rule: detector.RuleDebugPrint,
		Span: schemas.Span{StartLine: 6}, Metadata: map[string]string{"call": "fmt.Println"},
	}
	c, err = s.Propose(ctx, dbg, Target{Content: []byte(src)})
	require.NoError(t, err)
	require.NotNil(t, c)
	out := applyCandidate(t, c, "lib.go", src)
	assert.NotContains(t, out, "fmt")
	assert.InDelta(t, 0.85, c.RawConfidence, 1e-9)

	tlsSrc := "package c\n\nvar cfg = &tls.Config{InsecureSkipVerify: true}\n"
	tlsIssue := &schemas.Issue{FilePath: "c.go", Language: "go", Rule: detector.RuleInsecureTLS, Span: schemas.Span{StartLine: 3}}
	c, err = s.Propose(ctx, tlsIssue, Target{Content: []byte(tlsSrc)})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Contains(t, applyCandidate(t, c, "c.go", tlsSrc), "InsecureSkipVerify: false")

	unknown := &schemas.Issue{FilePath: "c.go", Language: "go", Rule: "secret/aws", Span: schemas.Span{StartLine: 3}}
	c, err = s.Propose(ctx, unknown, Target{Content: []byte(tlsSrc)})
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.False(t, s.Supports("secret/aws"))
}

func TestRewriteWeakHashOtherLanguages(t *testing.T) {
	ctx := context.Background()
	py, ok := RewriteWeakHash(ctx, "python", []byte("import hashlib\nd = hashlib.md5(data)\n"), 2)
	require.True(t, ok)
	assert.Equal(t, "import hashlib\nd = hashlib.sha256(data)\n", string(py))

	js, ok := RewriteWeakHash(ctx, "javascript", []byte("const h = crypto.createHash('sha1');\n"), 1)
	require.True(t, ok)
	assert.Equal(t, "const h = crypto.createHash('sha256');\n", string(js))

	_, ok = RewriteWeakHash(ctx, "python", []byte("x = 1\n"), 1)
	assert.False(t, ok)
}

func learnedPattern(t *testing.T, s *memstore.Store, fp string, successes int64) {
	t.Helper()
	ctx := context.Background()
	tmpl, err := fingerprint.Learn(ctx, "go", []byte(userBefore), []byte(userAfter), schemas.Span{StartLine: 6, EndLine: 6})
	require.NoError(t, err)
	_, err = s.UpdatePattern(ctx, fp, func(p *schemas.Pattern, exists bool) error {
		p.Language = "go"
		p.Rule = detector.RuleNilDereference
		p.Template = tmpl
		p.Occurrences = successes
		p.Successes = successes
		return nil
	})
	require.NoError(t, err)
}

func TestPatternMatch(t *testing.T) {
	st := memstore.New()
	issue := nilIssue("accounts/accounts.go", "acc", 6)
	learnedPattern(t, st, issue.Fingerprint, 3)

	s := NewPatternMatch(st, zaptest.NewLogger(t))
	c, err := s.Propose(context.Background(), issue, Target{Content: []byte(accountBefore)})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, schemas.StrategyPatternMatch, c.Strategy)
	assert.InDelta(t, 0.8, c.RawConfidence, 1e-9)
	assert.Equal(t, accountAfter, applyCandidate(t, c, "accounts/accounts.go", accountBefore))

	other := nilIssue("accounts/accounts.go", "x", 6)
	c, err = s.Propose(context.Background(), other, Target{Content: []byte(accountBefore)})
	require.NoError(t, err)
	assert.Nil(t, c, "no pattern for the fingerprint")
}

func TestSimilarityAdaptsNeighbor(t *testing.T) {
	st := memstore.New()
	learnedPattern(t, st, "fp-user-fix", 1)

	s, err := NewSimilarity(config.SimilarityConfig{MinSimilarity: 0.35, Dimensions: 256, Neighbors: 3}, "", st, zaptest.NewLogger(t))
	require.NoError(t, err)

	issue := nilIssue("accounts/accounts.go", "acc", 6)
	c, err := s.Propose(context.Background(), issue, Target{Content: []byte(accountBefore)})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, schemas.StrategySimilarity, c.Strategy)
	// Identical generalized lines, reliability (1+1)/(1+0+2).
	assert.InDelta(t, 2.0/3.0, c.RawConfidence, 0.01)
	assert.Equal(t, accountAfter, applyCandidate(t, c, "accounts/accounts.go", accountBefore))
}

func TestSimilarityEmptyIndex(t *testing.T) {
	s, err := NewSimilarity(config.SimilarityConfig{MinSimilarity: 0.35}, "", memstore.New(), zaptest.NewLogger(t))
	require.NoError(t, err)
	c, err := s.Propose(context.Background(), nilIssue("a.go", "acc", 6), Target{Content: []byte(accountBefore)})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestHashingEmbedder(t *testing.T) {
	embed := NewHashingEmbedder(64)
	ctx := context.Background()

	a, err := embed(ctx, "return ⟨0⟩.⟨1⟩")
	require.NoError(t, err)
	b, err := embed(ctx, "return ⟨3⟩.⟨7⟩")
	require.NoError(t, err)
	assert.Equal(t, a, b, "placeholder numbering does not move the vector")
	assert.Len(t, a, 64)

	var norm float32
	for _, v := range a {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-4)

	_, err = embed(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func modelResponse(t *testing.T, p, explanation string, confidence float64) string {
	t.Helper()
	out, err := json.MarshalToString(generativeResponse{Explanation: explanation, Confidence: confidence, Patch: p})
	require.NoError(t, err)
	return out
}

func TestGenerative(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	diff, err := patch.Unified("users/users.go", []byte(userBefore), []byte(userAfter))
	require.NoError(t, err)
	llm.On("Generate", mock.Anything, mock.MatchedBy(func(req schemas.GenerationRequest) bool {
		return req.Tier == schemas.TierPowerful && req.Options.ForceJSONFormat &&
			strings.Contains(req.UserPrompt, "    6 | \treturn u.Name")
	})).Return("```json\n"+modelResponse(t, diff, "guard nil user", 1.4)+"\n```", nil).Once()

	s := NewGenerative(llm, config.GenerativeConfig{RateLimit: 0}, zaptest.NewLogger(t))
	c, err := s.Propose(context.Background(), nilIssue("users/users.go", "u", 6), Target{Content: []byte(userBefore)})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 1.0, c.RawConfidence, "confidence is clamped")
	assert.Equal(t, "guard nil user", c.Explanation)
	assert.Equal(t, userAfter, applyCandidate(t, c, "users/users.go", userBefore))
	llm.AssertExpectations(t)
}

func TestGenerativeRejectsUntrustedPatches(t *testing.T) {
	other, err := patch.Unified("other.go", []byte("package a\n"), []byte("package b\n"))
	require.NoError(t, err)
	stale, err := patch.Unified("users/users.go", []byte(accountBefore), []byte(accountAfter))
	require.NoError(t, err)

	for name, resp := range map[string]string{
		"other file":  modelResponse(t, other, "", 0.9),
		"stale hunks": modelResponse(t, stale, "", 0.9),
		"not json":    "I would add a nil check.",
		"declined":    modelResponse(t, "", "cannot fix", 0.1),
	} {
		t.Run(name, func(t *testing.T) {
			llm := new(mocks.MockLLMClient)
			llm.On("Generate", mock.Anything, mock.Anything).Return(resp, nil)
			s := NewGenerative(llm, config.GenerativeConfig{}, zaptest.NewLogger(t))
			c, err := s.Propose(context.Background(), nilIssue("users/users.go", "u", 6), Target{Content: []byte(userBefore)})
			require.NoError(t, err)
			assert.Nil(t, c)
		})
	}
}

func TestGenerativeUnavailable(t *testing.T) {
	llm := new(mocks.MockLLMClient)
	llm.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("503 from upstream"))
	s := NewGenerative(llm, config.GenerativeConfig{}, zaptest.NewLogger(t))
	_, err := s.Propose(context.Background(), nilIssue("users/users.go", "u", 6), Target{Content: []byte(userBefore)})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAddGoImport(t *testing.T) {
	ctx := context.Background()

	block := "package a\n\nimport (\n\t\"fmt\"\n\t\"strings\"\n\n\t\"github.com/x/y\"\n)\n"
	assert.Equal(t, "package a\n\nimport (\n\t\"errors\"\n\t\"fmt\"\n\t\"strings\"\n\n\t\"github.com/x/y\"\n)\n",
		string(AddGoImport(ctx, []byte(block), "errors")))
	assert.Equal(t, "package a\n\nimport (\n\t\"fmt\"\n\t\"strings\"\n\t\"time\"\n\n\t\"github.com/x/y\"\n)\n",
		string(AddGoImport(ctx, []byte(block), "time")))
	assert.Equal(t, block, string(AddGoImport(ctx, []byte(block), "fmt")))

	single := "package a\n\nimport \"fmt\"\n"
	assert.Equal(t, "package a\n\nimport (\n\t\"errors\"\n\t\"fmt\"\n)\n", string(AddGoImport(ctx, []byte(single), "errors")))

	none := "package a\n\nfunc f() {}\n"
	assert.Equal(t, "package a\n\nimport \"errors\"\n\nfunc f() {}\n", string(AddGoImport(ctx, []byte(none), "errors")))

	assert.Equal(t, "package a\n\nimport (\n\t\"strings\"\n\n\t\"github.com/x/y\"\n)\n", string(removeGoImport([]byte(block), "fmt")))
	assert.True(t, usesPackage([]byte("package a\n\nimport \"fmt\"\n\nvar x = fmt.Sprint(1)\n"), "fmt"))
	assert.False(t, usesPackage([]byte("package a\n\nimport \"fmt\"\n"), "fmt"))
}
