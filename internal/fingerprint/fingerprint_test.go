package fingerprint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/scalpel-autofix/api/schemas"
)

const userBefore = `package a

func Name(u *User) string {
	return u.Name
}
`

const userAfter = `package a

func Name(u *User) string {
	if u == nil {
		return ""
	}
	return u.Name
}
`

const accountBefore = `package b

type Account struct{ Owner string }

func Owner(acc *Account) string {
	return acc.Owner
}
`

const accountAfter = `package b

type Account struct{ Owner string }

func Owner(acc *Account) string {
	if acc == nil {
		return ""
	}
	return acc.Owner
}
`

func TestComputeIgnoresNamesAndPaths(t *testing.T) {
	ctx := context.Background()
	a := Compute(ctx, Input{
		Lang: "go", Source: []byte(userBefore), Rule: "nil-dereference",
		Category: schemas.CategoryCorrectness, Message: `possible nil dereference of "u"`,
		Span: schemas.Span{StartLine: 4, EndLine: 4},
	})
	b := Compute(ctx, Input{
		Lang: "go", Source: []byte(accountBefore), Rule: "nil-dereference",
		Category: schemas.CategoryCorrectness, Message: `possible nil dereference of "acc"`,
		Span: schemas.Span{StartLine: 6, EndLine: 6},
	})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	other := Compute(ctx, Input{
		Lang: "go", Source: []byte(userBefore), Rule: "unchecked-error",
		Category: schemas.CategoryCorrectness, Message: `possible nil dereference of "u"`,
		Span: schemas.Span{StartLine: 4, EndLine: 4},
	})
	assert.NotEqual(t, a, other)
}

func TestComputeFallsBackToLexer(t *testing.T) {
	ctx := context.Background()
	in := Input{Lang: "", Source: []byte("x = compute(1)\ny = compute(2)\n"), Rule: "r", Span: schemas.Span{StartLine: 1}}
	first := Compute(ctx, in)
	in.Span.StartLine = 2
	assert.Equal(t, first, Compute(ctx, in))
}

func TestNormalizeMessage(t *testing.T) {
	assert.Equal(t, `variable "" unused on line 0`, NormalizeMessage(`Variable  "foo" unused on line 42`))
}

func TestChangedRegion(t *testing.T) {
	r, err := ChangedRegion([]byte(userBefore), []byte(userAfter), schemas.Span{StartLine: 4, EndLine: 4})
	require.NoError(t, err)
	assert.Equal(t, Region{BeforeStart: 3, BeforeEnd: 4, AfterStart: 3, AfterEnd: 7, Lead: 0}, r)

	_, err = ChangedRegion([]byte(userBefore), []byte(userBefore), schemas.Span{StartLine: 4})
	assert.ErrorIs(t, err, ErrNoChange)
}

func TestLearnAndInstantiate(t *testing.T) {
	ctx := context.Background()

	tmpl, err := Learn(ctx, "go", []byte(userBefore), []byte(userAfter), schemas.Span{StartLine: 4, EndLine: 4})
	require.NoError(t, err)
	assert.Equal(t, "\treturn ⟨0⟩.⟨1⟩\n", tmpl.Before)
	assert.Equal(t, "\tif ⟨0⟩ == nil {\n\t\treturn \"\"\n\t}\n\treturn ⟨0⟩.⟨1⟩\n", tmpl.After)
	assert.Equal(t, 2, tmpl.Placeholders)
	assert.Equal(t, 1, tmpl.Lines)

	patched, err := Instantiate(ctx, "go", tmpl, []byte(accountBefore), schemas.Span{StartLine: 6, EndLine: 6})
	require.NoError(t, err)
	assert.Equal(t, accountAfter, string(patched))
}

func TestInstantiateRejectsDifferentShape(t *testing.T) {
	ctx := context.Background()
	tmpl, err := Learn(ctx, "go", []byte(userBefore), []byte(userAfter), schemas.Span{StartLine: 4, EndLine: 4})
	require.NoError(t, err)

	src := []byte("package c\n\nfunc F() int {\n\treturn compute(1, 2)\n}\n")
	_, err = Instantiate(ctx, "go", tmpl, src, schemas.Span{StartLine: 4, EndLine: 4})
	assert.ErrorIs(t, err, ErrNoMatch)

	_, err = Instantiate(ctx, "go", tmpl, src, schemas.Span{StartLine: 40, EndLine: 40})
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestInstantiateReindents(t *testing.T) {
	ctx := context.Background()
	tmpl := schemas.Template{
		Before: "\t⟨0⟩.⟨1⟩(⟨2⟩)\n",
		After:  "\t⟨0⟩.Printf(\"%v\", ⟨2⟩)\n",
		Lines:  1,
	}
	src := []byte("x\n\t\tlog.Println(value)\n")
	out, err := Instantiate(ctx, "", tmpl, src, schemas.Span{StartLine: 2})
	require.NoError(t, err)
	assert.Equal(t, "x\n\t\tlog.Printf(\"%v\", value)\n", string(out))
}
