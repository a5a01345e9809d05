package jinja

import (
	"github.com/alecthomas/participle/v2/lexer"
	"gitlab.com/tozd/go/errors"
)

var (
	// Lexer rules for expressions inside {{ }} and {% %}
	exprLexer = lexer.MustSimple([]lexer.SimpleRule{
		{Name: "Whitespace", Pattern: `\s+`},
		{Name: "Float", Pattern: `\d+\.\d+(?:[eE][-+]?\d+)?|\d+[eE][-+]?\d+`},
		{Name: "Int", Pattern: `\d+`},
		{Name: "String", Pattern: `"(?:\\.|[^"\\])*"|'(?:\\.|[^'\\])*'`},
		{Name: "Name", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
		{Name: "Operator", Pattern: `\*\*|//|==|!=|<=|>=|[-+*/%~<>=|.,:()\[\]{}]`},
	})

	exprKinds = symbolNames(exprLexer)
)

type exprToken struct {
	kind   string
	value  string
	offset int
}

func (t exprToken) is(kind, value string) bool {
	return t.kind == kind && t.value == value
}

func (t exprToken) isName(value string) bool {
	return t.is("Name", value)
}

func (t exprToken) isOp(value string) bool {
	return t.is("Operator", value)
}

// lexExpr tokenizes src, reporting offsets relative to base. The returned
// slice always ends with an EOF token.
func lexExpr(src string, base int) ([]exprToken, error) {
	lx, err := exprLexer.LexString("", src)
	if err != nil {
		return nil, errors.Errorf("lexing expression: %w", err)
	}
	raw, err := lexer.ConsumeAll(lx)
	if err != nil {
		return nil, errors.Errorf("lexing expression: %w", err)
	}

	toks := make([]exprToken, 0, len(raw))
	for _, t := range raw {
		kind := exprKinds[t.Type]
		if t.EOF() {
			kind = "EOF"
		}
		if kind == "Whitespace" {
			continue
		}
		toks = append(toks, exprToken{kind: kind, value: t.Value, offset: base + t.Pos.Offset})
	}
	if len(toks) == 0 || toks[len(toks)-1].kind != "EOF" {
		toks = append(toks, exprToken{kind: "EOF", offset: base + len(src)})
	}
	return toks, nil
}
