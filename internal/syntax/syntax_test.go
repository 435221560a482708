package syntax

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const goSource = `package demo

import (
	"fmt"
	"strings"
)

func Greet(name *string) string {
	// say hello
	return fmt.Sprintf("hi %s", strings.ToUpper(*name))
}
`

func TestDetectLanguage(t *testing.T) {
	testCases := map[string]string{
		"main.go":     LangGo,
		"pkg/a.PY":    LangPython,
		"web/app.jsx": LangJavaScript,
		"web/app.ts":  LangTypeScript,
		"README.md":   "",
		"Makefile":    "",
	}
	for path, want := range testCases {
		assert.Equal(t, want, DetectLanguage(path), path)
	}
	assert.True(t, Supported(LangGo))
	assert.False(t, Supported("cobol"))
}

func TestCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("clean source", func(t *testing.T) {
		synErr, err := Check(ctx, LangGo, []byte(goSource))
		require.NoError(t, err)
		assert.Nil(t, synErr)
	})

	t.Run("broken source", func(t *testing.T) {
		synErr, err := Check(ctx, LangGo, []byte("package demo\n\nfunc broken( {\n"))
		require.NoError(t, err)
		require.NotNil(t, synErr)
		assert.Equal(t, 3, synErr.Line)
		assert.NotEmpty(t, synErr.Error())
	})

	t.Run("unsupported language is never an error", func(t *testing.T) {
		synErr, err := Check(ctx, "cobol", []byte("IDENTIFICATION DIVISION"))
		require.NoError(t, err)
		assert.Nil(t, synErr)
	})
}

func TestTokens(t *testing.T) {
	tree, err := Parse(context.Background(), LangGo, []byte(goSource))
	require.NoError(t, err)
	defer tree.Close()

	start := LineOffset(tree.Source, 10)
	end := LineOffset(tree.Source, 11)
	toks := tree.Tokens(start, end)

	var texts []string
	kinds := map[string]TokenKind{}
	for _, tok := range toks {
		texts = append(texts, tok.Text)
		kinds[tok.Text] = tok.Kind
	}
	assert.Equal(t, []string{"return", "fmt", ".", "Sprintf", "(", `"hi %s"`, ",", "strings", ".", "ToUpper", "(", "*", "name", ")", ")"}, texts)
	assert.Equal(t, TokenIdentifier, kinds["fmt"])
	assert.Equal(t, TokenIdentifier, kinds["Sprintf"])
	assert.Equal(t, TokenLiteral, kinds[`"hi %s"`])
	assert.Equal(t, TokenOther, kinds["return"])
}

func TestLexTokens(t *testing.T) {
	toks := LexTokens(`x = foo("bar", 42) // trailing`)
	var kinds []TokenKind
	for _, tok := range toks {
		kinds = append(kinds, tok.Kind)
	}
	assert.Equal(t, []TokenKind{
		TokenIdentifier, TokenOther, TokenIdentifier, TokenOther,
		TokenLiteral, TokenOther, TokenLiteral, TokenOther,
	}, kinds)
}

func TestImports(t *testing.T) {
	ctx := context.Background()

	goTree, err := Parse(ctx, LangGo, []byte(goSource))
	require.NoError(t, err)
	defer goTree.Close()
	assert.Equal(t, []string{"fmt", "strings"}, goTree.Imports())

	pyTree, err := Parse(ctx, LangPython, []byte("import os\nfrom app.models import User\n"))
	require.NoError(t, err)
	defer pyTree.Close()
	assert.Equal(t, []string{"os", "app.models"}, pyTree.Imports())

	jsTree, err := Parse(ctx, LangJavaScript, []byte("import { a } from './util.js';\n"))
	require.NoError(t, err)
	defer jsTree.Close()
	assert.Equal(t, []string{"./util.js"}, jsTree.Imports())
}

func TestNodeLookup(t *testing.T) {
	tree, err := Parse(context.Background(), LangGo, []byte(goSource))
	require.NoError(t, err)
	defer tree.Close()

	stmt := tree.StatementAt(10)
	require.NotNil(t, stmt)
	assert.Equal(t, "return_statement", stmt.Type())

	fn := EnclosingFunction(stmt)
	require.NotNil(t, fn)
	assert.Equal(t, "function_declaration", fn.Type())

	kinds := AncestorKinds(stmt, 2)
	require.Len(t, kinds, 2)
	assert.Equal(t, "return_statement", kinds[0])

	assert.Nil(t, tree.NodeAt(0, 1))
	assert.Equal(t, -1, LineOffset(tree.Source, 500))
}
