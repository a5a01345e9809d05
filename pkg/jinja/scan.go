package jinja

import (
	"strings"
	"unicode"

	"github.com/alecthomas/participle/v2/lexer"
	"gitlab.com/tozd/go/errors"
)

type TokenKind int

const (
	TokenData TokenKind = iota
	TokenVariable
	TokenBlock
	TokenComment
)

func (k TokenKind) String() string {
	switch k {
	case TokenData:
		return "data"
	case TokenVariable:
		return "variable"
	case TokenBlock:
		return "block"
	case TokenComment:
		return "comment"
	}
	return "unknown"
}

// Token is one lexical piece of template source: a run of data or a
// complete tag with its delimiters.
type Token struct {
	Kind TokenKind
	// Raw is the exact source text, delimiters and whitespace control included.
	Raw    string
	Offset int
	// Inner is the text between the delimiters without whitespace control markers.
	Inner       string
	InnerOffset int
	TrimLeft    bool
	TrimRight   bool
	// Keyword is the leading word of a block tag.
	Keyword string
}

func (t Token) End() int {
	return t.Offset + len(t.Raw)
}

var (
	// Tag rules shared by {{ }} and {% %}: string literals and brackets are
	// skipped so that a closing delimiter inside them does not end the tag.
	exprRules = []lexer.Rule{
		{Name: "String", Pattern: `"(?:\\.|[^"\\])*"|'(?:\\.|[^'\\])*'`},
		{Name: "Bracket", Pattern: `[(\[{]`, Action: lexer.Push("Nested")},
		{Name: "Expr", Pattern: `[^"'()\[\]{}%+\-]+`},
		{Name: "Char", Pattern: `[%+\-)\]}]`},
	}

	// ScanRules splits template source into data runs and tags.
	ScanRules = lexer.Rules{
		"Root": {
			{Name: "CommentOpen", Pattern: `\{#[-+]?`, Action: lexer.Push("Comment")},
			{Name: "RawOpen", Pattern: `\{%[-+]?\s*raw\s*[-+]?%\}`, Action: lexer.Push("Raw")},
			{Name: "BlockOpen", Pattern: `\{%[-+]?`, Action: lexer.Push("Block")},
			{Name: "VariableOpen", Pattern: `\{\{[-+]?`, Action: lexer.Push("Variable")},
			{Name: "Text", Pattern: `[^{]+|\{`},
		},
		"Comment": {
			{Name: "CommentClose", Pattern: `[-+]?#\}`, Action: lexer.Pop()},
			{Name: "CommentText", Pattern: `[^#+\-]+|[#+\-]`},
		},
		"Raw": {
			{Name: "RawClose", Pattern: `\{%[-+]?\s*endraw\s*[-+]?%\}`, Action: lexer.Pop()},
			{Name: "RawText", Pattern: `[^{]+|\{`},
		},
		"Block": append([]lexer.Rule{
			{Name: "BlockClose", Pattern: `[-+]?%\}`, Action: lexer.Pop()},
		}, exprRules...),
		"Variable": append([]lexer.Rule{
			{Name: "VariableClose", Pattern: `[-+]?\}\}`, Action: lexer.Pop()},
		}, exprRules...),
		"Nested": append([]lexer.Rule{
			{Name: "BracketClose", Pattern: `[)\]}]`, Action: lexer.Pop()},
		}, exprRules...),
	}

	scanLexer = lexer.MustStateful(ScanRules)
	scanKinds = symbolNames(scanLexer)
)

func symbolNames(def lexer.Definition) map[lexer.TokenType]string {
	names := map[lexer.TokenType]string{}
	for name, typ := range def.Symbols() {
		names[typ] = name
	}
	return names
}

var openKinds = map[string]TokenKind{
	"VariableOpen": TokenVariable,
	"BlockOpen":    TokenBlock,
	"CommentOpen":  TokenComment,
}

// Scan splits src into data runs and tags. The content of a raw block is
// returned as a single data token.
func Scan(src string) ([]Token, error) {
	lex, err := scanLexer.LexString("", src)
	if err != nil {
		return nil, errors.Errorf("scanning template: %w", err)
	}

	var (
		tokens    []Token
		dataStart = -1
		// open is the tag being read; its Raw is filled in when it closes.
		open *Token
		raw  *Token
	)

	flush := func(end int) {
		if dataStart >= 0 && end > dataStart {
			tokens = append(tokens, Token{Kind: TokenData, Raw: src[dataStart:end], Offset: dataStart})
		}
		dataStart = -1
	}

	for {
		tok, err := lex.Next()
		if err != nil {
			if open != nil {
				return nil, newSyntaxError(src, open.Offset, "unexpected end of template, expected end of tag")
			}
			return nil, errors.Errorf("scanning template: %w", err)
		}
		if tok.EOF() {
			break
		}

		off := tok.Pos.Offset
		switch kind := scanKinds[tok.Type]; kind {
		case "Text", "RawText":
			if dataStart < 0 {
				dataStart = off
			}
		case "VariableOpen", "BlockOpen", "CommentOpen":
			flush(off)
			open = &Token{
				Kind:        openKinds[kind],
				Offset:      off,
				InnerOffset: off + len(tok.Value),
				TrimLeft:    strings.HasSuffix(tok.Value, "-"),
			}
		case "VariableClose", "BlockClose", "CommentClose":
			open.Raw = src[open.Offset : off+len(tok.Value)]
			open.Inner = src[open.InnerOffset:off]
			open.TrimRight = strings.HasPrefix(tok.Value, "-")
			if open.Kind == TokenBlock {
				open.Keyword = leadingWord(open.Inner)
			}
			tokens = append(tokens, *open)
			open = nil
		case "RawOpen", "RawClose":
			flush(off)
			t := wholeTag(tok.Value, off)
			tokens = append(tokens, t)
			raw = nil
			if kind == "RawOpen" {
				raw = &t
			}
		}
	}

	switch {
	case open != nil && open.Kind == TokenComment:
		return nil, newSyntaxError(src, open.Offset, "Missing end of comment tag")
	case open != nil:
		return nil, newSyntaxError(src, open.Offset, "unexpected end of template, expected end of tag")
	case raw != nil:
		return nil, newSyntaxError(src, raw.Offset, "Missing end of raw directive")
	}
	flush(len(src))

	return tokens, nil
}

// wholeTag builds a block token from a tag the lexer matched in one piece.
func wholeTag(value string, off int) Token {
	t := Token{Kind: TokenBlock, Raw: value, Offset: off}
	start, end := 2, len(value)-2
	if value[start] == '-' || value[start] == '+' {
		t.TrimLeft = value[start] == '-'
		start++
	}
	if value[end-1] == '-' || value[end-1] == '+' {
		t.TrimRight = value[end-1] == '-'
		end--
	}
	t.Inner = value[start:end]
	t.InnerOffset = off + start
	t.Keyword = leadingWord(t.Inner)
	return t
}

func leadingWord(s string) string {
	s = strings.TrimLeftFunc(s, unicode.IsSpace)
	end := 0
	for end < len(s) && (s[end] == '_' || isAlnum(s[end])) {
		end++
	}
	return s[:end]
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// SplitTrimmed splits the data token at index i into the whitespace consumed
// by whitespace control on the neighbouring tags and the text that renders.
// lead+core+trail always equals the token's raw text.
func SplitTrimmed(tokens []Token, i int) (lead, core, trail string) {
	data := tokens[i].Raw
	core = data
	if i > 0 && tokens[i-1].Kind != TokenData && tokens[i-1].TrimRight {
		core = strings.TrimLeftFunc(data, unicode.IsSpace)
		lead = data[:len(data)-len(core)]
	}
	if i+1 < len(tokens) && tokens[i+1].Kind != TokenData && tokens[i+1].TrimLeft {
		trimmed := strings.TrimRightFunc(core, unicode.IsSpace)
		trail = core[len(trimmed):]
		core = trimmed
	}
	return lead, core, trail
}
