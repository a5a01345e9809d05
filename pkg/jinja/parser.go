package jinja

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

type parser struct {
	src    string
	tokens []Token
	pos    int
	blocks map[string]*BlockDef
}

func parseSource(src string) ([]Stmt, map[string]*BlockDef, error) {
	tokens, err := Scan(src)
	if err != nil {
		return nil, nil, err
	}
	p := &parser{src: src, tokens: tokens, blocks: map[string]*BlockDef{}}
	body, _, err := p.parseBody()
	if err != nil {
		return nil, nil, err
	}
	return body, p.blocks, nil
}

func (p *parser) errorf(offset int, format string, args ...any) error {
	return newSyntaxError(p.src, offset, format, args...)
}

// parseBody parses statements until one of the block keywords in ends is
// found. The terminating tag is returned and consumed.
func (p *parser) parseBody(ends ...string) ([]Stmt, *Token, error) {
	var body []Stmt
	for p.pos < len(p.tokens) {
		i := p.pos
		tok := p.tokens[i]
		p.pos++

		switch tok.Kind {
		case TokenData:
			lead, core, _ := SplitTrimmed(p.tokens, i)
			if core != "" {
				body = append(body, &Text{node: node{tok.Offset + len(lead)}, Value: core})
			}
		case TokenComment:
		case TokenVariable:
			e, err := p.exprs(tok, false)
			if err != nil {
				return nil, nil, err
			}
			x, err := e.parseExpression()
			if err != nil {
				return nil, nil, err
			}
			if err := e.expectEnd(); err != nil {
				return nil, nil, err
			}
			body = append(body, &Output{node: node{tok.Offset}, X: x})
		case TokenBlock:
			for _, end := range ends {
				if tok.Keyword == end {
					return body, &p.tokens[i], nil
				}
			}
			st, err := p.parseStatement(tok, ends)
			if err != nil {
				return nil, nil, err
			}
			body = append(body, st)
		}
	}

	if len(ends) > 0 {
		return nil, nil, p.errorf(len(p.src), "Unexpected end of template. Jinja was looking for the following tags: %s", quoteJoin(ends))
	}
	return body, nil, nil
}

func quoteJoin(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = "'" + w + "'"
	}
	return strings.Join(quoted, " or ")
}

func (p *parser) exprs(tok Token, skipKeyword bool) (*exprParser, error) {
	toks, err := lexExpr(tok.Inner, tok.InnerOffset)
	if err != nil {
		return nil, p.errorf(tok.Offset, "unexpected character in tag")
	}
	e := &exprParser{p: p, toks: toks}
	if skipKeyword {
		e.next()
	}
	return e, nil
}

// endTag checks that a closing tag carries nothing but its keyword and an
// optional name.
func (p *parser) endTag(tok *Token, allowName bool) error {
	e, err := p.exprs(*tok, true)
	if err != nil {
		return err
	}
	if allowName && e.peek().kind == "Name" {
		e.next()
	}
	return e.expectEnd()
}

func (p *parser) parseStatement(tok Token, ends []string) (Stmt, error) {
	e, err := p.exprs(tok, true)
	if err != nil {
		return nil, err
	}
	off := tok.Offset

	switch tok.Keyword {
	case "if":
		return p.parseIf(e, off)
	case "for":
		return p.parseFor(e, off)
	case "set":
		return p.parseSet(e, off)
	case "macro":
		return p.parseMacro(e, off)
	case "call":
		return p.parseCallBlock(e, off)
	case "block":
		return p.parseBlock(e, off)
	case "include":
		return p.parseInclude(e, off)
	case "import":
		return p.parseImport(e, off)
	case "from":
		return p.parseFromImport(e, off)
	case "do":
		x, err := e.parseTupleExpr()
		if err != nil {
			return nil, err
		}
		if err := e.expectEnd(); err != nil {
			return nil, err
		}
		return &Do{node: node{off}, X: x}, nil
	case "filter":
		return p.parseFilterBlock(e, off)
	case "with":
		return p.parseWith(e, off)
	case "raw":
		if err := e.expectEnd(); err != nil {
			return nil, err
		}
		body, _, err := p.parseBody("endraw")
		if err != nil {
			return nil, err
		}
		return &BlockDef{node: node{off}, Body: body}, nil
	case "extends":
		return nil, p.errorf(off, "Encountered unsupported tag 'extends'. Template inheritance is not supported.")
	case "":
		return nil, p.errorf(off, "tag name expected")
	}

	if len(ends) > 0 {
		return nil, p.errorf(off, "Encountered unknown tag '%s'. Jinja was looking for the following tags: %s", tok.Keyword, quoteJoin(ends))
	}
	return nil, p.errorf(off, "Encountered unknown tag '%s'.", tok.Keyword)
}

func (p *parser) parseIf(e *exprParser, off int) (Stmt, error) {
	cond, err := e.parseExpression()
	if err != nil {
		return nil, err
	}
	if err := e.expectEnd(); err != nil {
		return nil, err
	}

	st := &If{node: node{off}}
	branch := Branch{Cond: cond}
	for {
		body, end, err := p.parseBody("elif", "else", "endif")
		if err != nil {
			return nil, err
		}
		branch.Body = body
		st.Branches = append(st.Branches, branch)

		switch end.Keyword {
		case "elif":
			ee, err := p.exprs(*end, true)
			if err != nil {
				return nil, err
			}
			c, err := ee.parseExpression()
			if err != nil {
				return nil, err
			}
			if err := ee.expectEnd(); err != nil {
				return nil, err
			}
			branch = Branch{Cond: c}
		case "else":
			if err := p.endTag(end, false); err != nil {
				return nil, err
			}
			els, end, err := p.parseBody("endif")
			if err != nil {
				return nil, err
			}
			st.Else = els
			return st, p.endTag(end, false)
		default:
			return st, p.endTag(end, false)
		}
	}
}

func (p *parser) parseFor(e *exprParser, off int) (Stmt, error) {
	targets, err := e.parseTargets()
	if err != nil {
		return nil, err
	}
	if !e.acceptName("in") {
		return nil, e.errorf(e.peek(), "expected 'in', got '%s'", e.peek().value)
	}
	iter, err := e.parseOr()
	if err != nil {
		return nil, err
	}

	st := &For{node: node{off}, Targets: targets, Iter: iter}
	if e.acceptName("if") {
		if st.Filter, err = e.parseExpression(); err != nil {
			return nil, err
		}
	}
	st.Recursive = e.acceptName("recursive")
	if err := e.expectEnd(); err != nil {
		return nil, err
	}

	body, end, err := p.parseBody("else", "endfor")
	if err != nil {
		return nil, err
	}
	st.Body = body
	if end.Keyword == "else" {
		if err := p.endTag(end, false); err != nil {
			return nil, err
		}
		if st.Else, end, err = p.parseBody("endfor"); err != nil {
			return nil, err
		}
	}
	return st, p.endTag(end, false)
}

func (p *parser) parseSet(e *exprParser, off int) (Stmt, error) {
	targets, err := e.parseTargets()
	if err != nil {
		return nil, err
	}

	if e.acceptOp("=") {
		value, err := e.parseTupleExpr()
		if err != nil {
			return nil, err
		}
		if err := e.expectEnd(); err != nil {
			return nil, err
		}
		return &Assign{node: node{off}, Targets: targets, Value: value}, nil
	}

	if len(targets) != 1 {
		return nil, e.errorf(e.peek(), "block assignment takes a single name")
	}
	st := &AssignBlock{node: node{off}, Target: targets[0]}
	for e.acceptOp("|") {
		f, err := e.parseFilterCall(nil)
		if err != nil {
			return nil, err
		}
		st.Filters = append(st.Filters, f)
	}
	if err := e.expectEnd(); err != nil {
		return nil, err
	}

	body, end, err := p.parseBody("endset")
	if err != nil {
		return nil, err
	}
	st.Body = body
	return st, p.endTag(end, false)
}

func (p *parser) parseMacro(e *exprParser, off int) (Stmt, error) {
	name, err := e.expectName()
	if err != nil {
		return nil, err
	}
	if err := e.expectOp("("); err != nil {
		return nil, err
	}
	params, err := e.parseParams()
	if err != nil {
		return nil, err
	}
	if err := e.expectEnd(); err != nil {
		return nil, err
	}

	body, end, err := p.parseBody("endmacro")
	if err != nil {
		return nil, err
	}
	return &MacroDef{node: node{off}, Name: name, Params: params, Body: body}, p.endTag(end, true)
}

func (p *parser) parseCallBlock(e *exprParser, off int) (Stmt, error) {
	var params []Param
	if e.acceptOp("(") {
		var err error
		if params, err = e.parseParams(); err != nil {
			return nil, err
		}
	}

	start := e.peek()
	x, err := e.parseExpression()
	if err != nil {
		return nil, err
	}
	call, ok := x.(*Call)
	if !ok {
		return nil, e.errorf(start, "expected call")
	}
	if err := e.expectEnd(); err != nil {
		return nil, err
	}

	body, end, err := p.parseBody("endcall")
	if err != nil {
		return nil, err
	}
	return &CallBlock{node: node{off}, Call: call, Params: params, Body: body}, p.endTag(end, false)
}

func (p *parser) parseBlock(e *exprParser, off int) (Stmt, error) {
	name, err := e.expectName()
	if err != nil {
		return nil, err
	}
	for e.acceptName("scoped") || e.acceptName("required") {
	}
	if err := e.expectEnd(); err != nil {
		return nil, err
	}
	if _, dup := p.blocks[name]; dup {
		return nil, p.errorf(off, "block '%s' defined twice", name)
	}

	body, end, err := p.parseBody("endblock")
	if err != nil {
		return nil, err
	}
	st := &BlockDef{node: node{off}, Name: name, Body: body}
	p.blocks[name] = st
	return st, p.endTag(end, true)
}

func (e *exprParser) skipContext() {
	if e.peek().isName("with") || e.peek().isName("without") {
		if e.peekN(1).isName("context") {
			e.next()
			e.next()
		}
	}
}

func (p *parser) parseInclude(e *exprParser, off int) (Stmt, error) {
	tmpl, err := e.parseExpression()
	if err != nil {
		return nil, err
	}
	st := &Include{node: node{off}, Template: tmpl}
	if e.peek().isName("ignore") && e.peekN(1).isName("missing") {
		e.next()
		e.next()
		st.IgnoreMissing = true
	}
	e.skipContext()
	return st, e.expectEnd()
}

func (p *parser) parseImport(e *exprParser, off int) (Stmt, error) {
	tmpl, err := e.parseExpression()
	if err != nil {
		return nil, err
	}
	if !e.acceptName("as") {
		return nil, e.errorf(e.peek(), "expected 'as'")
	}
	alias, err := e.expectName()
	if err != nil {
		return nil, err
	}
	e.skipContext()
	return &Import{node: node{off}, Template: tmpl, Alias: alias}, e.expectEnd()
}

func (p *parser) parseFromImport(e *exprParser, off int) (Stmt, error) {
	tmpl, err := e.parseExpression()
	if err != nil {
		return nil, err
	}
	if !e.acceptName("import") {
		return nil, e.errorf(e.peek(), "expected 'import'")
	}

	st := &FromImport{node: node{off}, Template: tmpl}
	for {
		if (e.peek().isName("with") || e.peek().isName("without")) && e.peekN(1).isName("context") {
			break
		}
		name, err := e.expectName()
		if err != nil {
			return nil, err
		}
		imp := ImportName{Name: name, Alias: name}
		if e.acceptName("as") {
			if imp.Alias, err = e.expectName(); err != nil {
				return nil, err
			}
		}
		st.Names = append(st.Names, imp)
		if !e.acceptOp(",") {
			break
		}
	}
	e.skipContext()
	return st, e.expectEnd()
}

func (p *parser) parseFilterBlock(e *exprParser, off int) (Stmt, error) {
	st := &FilterBlock{node: node{off}}
	for {
		f, err := e.parseFilterCall(nil)
		if err != nil {
			return nil, err
		}
		st.Filters = append(st.Filters, f)
		if !e.acceptOp("|") {
			break
		}
	}
	if err := e.expectEnd(); err != nil {
		return nil, err
	}

	body, end, err := p.parseBody("endfilter")
	if err != nil {
		return nil, err
	}
	st.Body = body
	return st, p.endTag(end, false)
}

func (p *parser) parseWith(e *exprParser, off int) (Stmt, error) {
	st := &With{node: node{off}}
	for e.peek().kind != "EOF" {
		if len(st.Targets) > 0 {
			if err := e.expectOp(","); err != nil {
				return nil, err
			}
		}
		name, err := e.expectName()
		if err != nil {
			return nil, err
		}
		if err := e.expectOp("="); err != nil {
			return nil, err
		}
		value, err := e.parseExpression()
		if err != nil {
			return nil, err
		}
		st.Targets = append(st.Targets, name)
		st.Values = append(st.Values, value)
	}

	body, end, err := p.parseBody("endwith")
	if err != nil {
		return nil, err
	}
	st.Body = body
	return st, p.endTag(end, false)
}

// exprParser is a recursive descent parser over the tokens of one tag,
// following Jinja's operator precedence.
type exprParser struct {
	p    *parser
	toks []exprToken
	i    int
}

func (e *exprParser) peek() exprToken {
	return e.toks[e.i]
}

func (e *exprParser) peekN(n int) exprToken {
	if e.i+n < len(e.toks) {
		return e.toks[e.i+n]
	}
	return e.toks[len(e.toks)-1]
}

func (e *exprParser) next() exprToken {
	t := e.toks[e.i]
	if t.kind != "EOF" {
		e.i++
	}
	return t
}

func (e *exprParser) acceptOp(v string) bool {
	if e.peek().isOp(v) {
		e.next()
		return true
	}
	return false
}

func (e *exprParser) acceptName(v string) bool {
	if e.peek().isName(v) {
		e.next()
		return true
	}
	return false
}

func (e *exprParser) errorf(t exprToken, format string, args ...any) error {
	return e.p.errorf(t.offset, format, args...)
}

func (e *exprParser) unexpected(t exprToken) error {
	if t.kind == "EOF" {
		return e.errorf(t, "unexpected end of statement")
	}
	return e.errorf(t, "unexpected '%s'", t.value)
}

func (e *exprParser) expectOp(v string) error {
	if !e.acceptOp(v) {
		t := e.peek()
		if t.kind == "EOF" {
			return e.errorf(t, "expected '%s'", v)
		}
		return e.errorf(t, "expected '%s', got '%s'", v, t.value)
	}
	return nil
}

func (e *exprParser) expectName() (string, error) {
	t := e.peek()
	if t.kind != "Name" {
		return "", e.errorf(t, "expected name, got '%s'", t.value)
	}
	e.next()
	return t.value, nil
}

func (e *exprParser) expectEnd() error {
	t := e.peek()
	if t.kind != "EOF" {
		return e.errorf(t, "expected end of statement, got '%s'", t.value)
	}
	return nil
}

func (e *exprParser) parseTargets() ([]string, error) {
	paren := e.acceptOp("(")
	var names []string
	for {
		name, err := e.expectName()
		if err != nil {
			return nil, err
		}
		names = append(names, name)
		if !e.acceptOp(",") {
			break
		}
	}
	if paren {
		if err := e.expectOp(")"); err != nil {
			return nil, err
		}
	}
	return names, nil
}

func (e *exprParser) parseParams() ([]Param, error) {
	var params []Param
	if e.acceptOp(")") {
		return params, nil
	}
	for {
		name, err := e.expectName()
		if err != nil {
			return nil, err
		}
		param := Param{Name: name}
		if e.acceptOp("=") {
			if param.Default, err = e.parseExpression(); err != nil {
				return nil, err
			}
		}
		params = append(params, param)
		if e.acceptOp(")") {
			return params, nil
		}
		if err := e.expectOp(","); err != nil {
			return nil, err
		}
	}
}

// parseTupleExpr parses an expression that may be a bare tuple: `1, 2`.
func (e *exprParser) parseTupleExpr() (Expr, error) {
	first, err := e.parseExpression()
	if err != nil {
		return nil, err
	}
	if !e.peek().isOp(",") {
		return first, nil
	}
	tuple := &TupleLit{node: node{first.Offset()}, Items: []Expr{first}}
	for e.acceptOp(",") {
		if e.peek().kind == "EOF" {
			break
		}
		x, err := e.parseExpression()
		if err != nil {
			return nil, err
		}
		tuple.Items = append(tuple.Items, x)
	}
	return tuple, nil
}

func (e *exprParser) parseExpression() (Expr, error) {
	x, err := e.parseOr()
	if err != nil {
		return nil, err
	}
	for e.acceptName("if") {
		test, err := e.parseOr()
		if err != nil {
			return nil, err
		}
		cond := &CondExpr{node: node{x.Offset()}, Test: test, Then: x}
		if e.acceptName("else") {
			if cond.Else, err = e.parseExpression(); err != nil {
				return nil, err
			}
		}
		x = cond
	}
	return x, nil
}

func (e *exprParser) parseOr() (Expr, error) {
	l, err := e.parseAnd()
	if err != nil {
		return nil, err
	}
	for e.acceptName("or") {
		r, err := e.parseAnd()
		if err != nil {
			return nil, err
		}
		l = &Binary{node: node{l.Offset()}, Op: "or", L: l, R: r}
	}
	return l, nil
}

func (e *exprParser) parseAnd() (Expr, error) {
	l, err := e.parseNot()
	if err != nil {
		return nil, err
	}
	for e.acceptName("and") {
		r, err := e.parseNot()
		if err != nil {
			return nil, err
		}
		l = &Binary{node: node{l.Offset()}, Op: "and", L: l, R: r}
	}
	return l, nil
}

func (e *exprParser) parseNot() (Expr, error) {
	if t := e.peek(); t.isName("not") {
		e.next()
		x, err := e.parseNot()
		if err != nil {
			return nil, err
		}
		return &Unary{node: node{t.offset}, Op: "not", X: x}, nil
	}
	return e.parseCompare()
}

var compareOps = map[string]bool{"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true}

func (e *exprParser) parseCompare() (Expr, error) {
	l, err := e.parseMath1()
	if err != nil {
		return nil, err
	}
	for {
		t := e.peek()
		var op string
		switch {
		case t.kind == "Operator" && compareOps[t.value]:
			op = t.value
			e.next()
		case t.isName("in"):
			op = "in"
			e.next()
		case t.isName("not") && e.peekN(1).isName("in"):
			op = "not in"
			e.next()
			e.next()
		default:
			return l, nil
		}
		r, err := e.parseMath1()
		if err != nil {
			return nil, err
		}
		l = &Binary{node: node{l.Offset()}, Op: op, L: l, R: r}
	}
}

func (e *exprParser) parseBinary(ops []string, operand func() (Expr, error)) (Expr, error) {
	l, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		op := ""
		for _, candidate := range ops {
			if e.peek().isOp(candidate) {
				op = candidate
				break
			}
		}
		if op == "" {
			return l, nil
		}
		e.next()
		r, err := operand()
		if err != nil {
			return nil, err
		}
		l = &Binary{node: node{l.Offset()}, Op: op, L: l, R: r}
	}
}

func (e *exprParser) parseMath1() (Expr, error) {
	return e.parseBinary([]string{"+", "-"}, e.parseConcat)
}

func (e *exprParser) parseConcat() (Expr, error) {
	return e.parseBinary([]string{"~"}, e.parseMath2)
}

func (e *exprParser) parseMath2() (Expr, error) {
	return e.parseBinary([]string{"*", "/", "//", "%"}, e.parsePow)
}

func (e *exprParser) parsePow() (Expr, error) {
	return e.parseBinary([]string{"**"}, func() (Expr, error) { return e.parseUnary(true) })
}

func (e *exprParser) parseUnary(withFilter bool) (Expr, error) {
	t := e.peek()
	var x Expr
	var err error
	if t.isOp("-") || t.isOp("+") {
		e.next()
		operand, err := e.parseUnary(false)
		if err != nil {
			return nil, err
		}
		x = &Unary{node: node{t.offset}, Op: t.value, X: operand}
	} else {
		if x, err = e.parsePrimary(); err != nil {
			return nil, err
		}
		if x, err = e.parsePostfix(x); err != nil {
			return nil, err
		}
	}
	if withFilter {
		return e.parseFilterExpr(x)
	}
	return x, nil
}

func (e *exprParser) parsePrimary() (Expr, error) {
	t := e.next()
	n := node{t.offset}
	switch t.kind {
	case "Name":
		switch t.value {
		case "true", "True":
			return &Const{node: n, Value: true}, nil
		case "false", "False":
			return &Const{node: n, Value: false}, nil
		case "none", "None":
			return &Const{node: n, Value: nil}, nil
		}
		return &Name{node: n, Name: t.value}, nil
	case "String":
		s := unquote(t.value)
		for e.peek().kind == "String" {
			s += unquote(e.next().value)
		}
		return &Const{node: n, Value: s}, nil
	case "Int":
		v, err := strconv.ParseInt(t.value, 10, 64)
		if err != nil {
			return nil, e.errorf(t, "invalid integer %s", t.value)
		}
		return &Const{node: n, Value: v}, nil
	case "Float":
		v, err := strconv.ParseFloat(t.value, 64)
		if err != nil {
			return nil, e.errorf(t, "invalid float %s", t.value)
		}
		return &Const{node: n, Value: v}, nil
	case "Operator":
		switch t.value {
		case "(":
			return e.parseParen(t)
		case "[":
			list := &ListLit{node: n}
			items, err := e.parseItems("]")
			list.Items = items
			return list, err
		case "{":
			return e.parseDict(t)
		}
	}
	return nil, e.unexpected(t)
}

func (e *exprParser) parseItems(closer string) ([]Expr, error) {
	var items []Expr
	if e.acceptOp(closer) {
		return items, nil
	}
	for {
		x, err := e.parseExpression()
		if err != nil {
			return nil, err
		}
		items = append(items, x)
		if e.acceptOp(closer) {
			return items, nil
		}
		if err := e.expectOp(","); err != nil {
			return nil, err
		}
		if e.acceptOp(closer) {
			return items, nil
		}
	}
}

func (e *exprParser) parseParen(open exprToken) (Expr, error) {
	if e.acceptOp(")") {
		return &TupleLit{node: node{open.offset}}, nil
	}
	x, err := e.parseExpression()
	if err != nil {
		return nil, err
	}
	if e.acceptOp(")") {
		return x, nil
	}
	if err := e.expectOp(","); err != nil {
		return nil, err
	}
	rest, err := e.parseItems(")")
	if err != nil {
		return nil, err
	}
	return &TupleLit{node: node{open.offset}, Items: append([]Expr{x}, rest...)}, nil
}

func (e *exprParser) parseDict(open exprToken) (Expr, error) {
	dict := &DictLit{node: node{open.offset}}
	if e.acceptOp("}") {
		return dict, nil
	}
	for {
		k, err := e.parseExpression()
		if err != nil {
			return nil, err
		}
		if err := e.expectOp(":"); err != nil {
			return nil, err
		}
		v, err := e.parseExpression()
		if err != nil {
			return nil, err
		}
		dict.Keys = append(dict.Keys, k)
		dict.Values = append(dict.Values, v)
		if e.acceptOp("}") {
			return dict, nil
		}
		if err := e.expectOp(","); err != nil {
			return nil, err
		}
		if e.acceptOp("}") {
			return dict, nil
		}
	}
}

func (e *exprParser) parsePostfix(x Expr) (Expr, error) {
	for {
		t := e.peek()
		switch {
		case t.isOp("."):
			e.next()
			attr := e.next()
			switch attr.kind {
			case "Name":
				x = &GetAttr{node: node{x.Offset()}, X: x, Attr: attr.value}
			case "Int":
				v, _ := strconv.ParseInt(attr.value, 10, 64)
				x = &GetItem{node: node{x.Offset()}, X: x, Key: &Const{node: node{attr.offset}, Value: v}}
			default:
				return nil, e.unexpected(attr)
			}
		case t.isOp("["):
			e.next()
			var err error
			if x, err = e.parseSubscript(x); err != nil {
				return nil, err
			}
		case t.isOp("("):
			e.next()
			var err error
			if x, err = e.parseCallArgs(x); err != nil {
				return nil, err
			}
		default:
			return x, nil
		}
	}
}

func (e *exprParser) parseSubscript(x Expr) (Expr, error) {
	var low Expr
	var err error
	if !e.peek().isOp(":") {
		if low, err = e.parseExpression(); err != nil {
			return nil, err
		}
	}
	if !e.acceptOp(":") {
		if err := e.expectOp("]"); err != nil {
			return nil, err
		}
		return &GetItem{node: node{x.Offset()}, X: x, Key: low}, nil
	}

	s := &SliceExpr{node: node{x.Offset()}, X: x, Low: low}
	if !e.peek().isOp("]") && !e.peek().isOp(":") {
		if s.High, err = e.parseExpression(); err != nil {
			return nil, err
		}
	}
	if e.acceptOp(":") && !e.peek().isOp("]") {
		if s.Step, err = e.parseExpression(); err != nil {
			return nil, err
		}
	}
	return s, e.expectOp("]")
}

func (e *exprParser) parseArgs() ([]Expr, []Kwarg, error) {
	var args []Expr
	var kwargs []Kwarg
	if e.acceptOp(")") {
		return args, kwargs, nil
	}
	for {
		if e.peek().kind == "Name" && e.peekN(1).isOp("=") {
			name := e.next().value
			e.next()
			v, err := e.parseExpression()
			if err != nil {
				return nil, nil, err
			}
			kwargs = append(kwargs, Kwarg{Name: name, Value: v})
		} else {
			v, err := e.parseExpression()
			if err != nil {
				return nil, nil, err
			}
			args = append(args, v)
		}
		if e.acceptOp(")") {
			return args, kwargs, nil
		}
		if err := e.expectOp(","); err != nil {
			return nil, nil, err
		}
		if e.acceptOp(")") {
			return args, kwargs, nil
		}
	}
}

func (e *exprParser) parseCallArgs(fn Expr) (Expr, error) {
	args, kwargs, err := e.parseArgs()
	if err != nil {
		return nil, err
	}
	return &Call{node: node{fn.Offset()}, Fn: fn, Args: args, Kwargs: kwargs}, nil
}

func (e *exprParser) parseFilterExpr(x Expr) (Expr, error) {
	for {
		t := e.peek()
		var err error
		switch {
		case t.isOp("|"):
			e.next()
			x, err = e.parseFilterCall(x)
		case t.isName("is"):
			e.next()
			x, err = e.parseTest(x)
		case t.isOp("("):
			e.next()
			x, err = e.parseCallArgs(x)
		default:
			return x, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (e *exprParser) parseFilterCall(x Expr) (*Filter, error) {
	start := e.peek()
	name, err := e.expectName()
	if err != nil {
		return nil, err
	}
	f := &Filter{node: node{start.offset}, X: x, Name: name}
	if x != nil {
		f.off = x.Offset()
	}
	if e.acceptOp("(") {
		if f.Args, f.Kwargs, err = e.parseArgs(); err != nil {
			return nil, err
		}
	}
	return f, nil
}

var testArgStoppers = map[string]bool{"else": true, "or": true, "and": true, "if": true, "is": true, "in": true, "not": true}

func (e *exprParser) parseTest(x Expr) (Expr, error) {
	test := &Test{node: node{x.Offset()}, X: x}
	test.Negate = e.acceptName("not")
	name, err := e.expectName()
	if err != nil {
		return nil, err
	}
	test.Name = name

	t := e.peek()
	switch {
	case t.isOp("("):
		e.next()
		if test.Args, _, err = e.parseArgs(); err != nil {
			return nil, err
		}
	case t.kind == "String" || t.kind == "Int" || t.kind == "Float" || (t.kind == "Name" && !testArgStoppers[t.value]):
		arg, err := e.parsePrimary()
		if err != nil {
			return nil, err
		}
		if arg, err = e.parsePostfix(arg); err != nil {
			return nil, err
		}
		test.Args = []Expr{arg}
	}
	return test, nil
}

// unquote decodes a Python style string literal including its quotes.
func unquote(s string) string {
	body := s[1 : len(s)-1]
	if !strings.Contains(body, `\`) {
		return body
	}

	var b strings.Builder
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '\\' || i+1 >= len(body) {
			b.WriteByte(c)
			continue
		}
		i++
		switch body[i] {
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '0':
			b.WriteByte(0)
		case '\\', '\'', '"':
			b.WriteByte(body[i])
		case '\n':
		case 'x', 'u':
			width := 2
			if body[i] == 'u' {
				width = 4
			}
			if i+width < len(body) {
				if r, err := strconv.ParseUint(body[i+1:i+1+width], 16, 32); err == nil {
					var buf [utf8.UTFMax]byte
					n := utf8.EncodeRune(buf[:], rune(r))
					b.Write(buf[:n])
					i += width
					continue
				}
			}
			b.WriteByte('\\')
			b.WriteByte(body[i])
		default:
			b.WriteByte('\\')
			b.WriteByte(body[i])
		}
	}
	return b.String()
}
