package jinja

import (
	"context"
	"sort"
	"strings"

	"gitlab.com/tozd/go/errors"
)

// State is the per-render execution context. It is never shared between
// renders, so nothing in it needs locking.
type State struct {
	ctx    context.Context
	env    *Environment
	tmpl   *Template
	scopes []map[string]any
	// root is the number of outer scopes a macro defined here closes over.
	root   int
	out    *strings.Builder
	depth  int
	shared *renderShared
}

type renderShared struct {
	undefined map[string]any
}

func (s *State) Context() context.Context {
	return s.ctx
}

func (s *State) Environment() *Environment {
	return s.env
}

func (s *State) push() map[string]any {
	scope := map[string]any{}
	s.scopes = append(s.scopes, scope)
	return scope
}

func (s *State) pop() {
	s.scopes = s.scopes[:len(s.scopes)-1]
}

func (s *State) set(name string, v any) {
	s.scopes[len(s.scopes)-1][name] = v
}

func (s *State) closure() []map[string]any {
	return s.scopes[:s.root:s.root]
}

// child creates the state for a macro body, caller block or block
// reference. Output goes to a fresh buffer.
func (s *State) child(tmpl *Template, scopes []map[string]any) (*State, error) {
	if s.depth+1 > s.env.maxDepth() {
		return nil, errors.New("maximum recursion depth exceeded")
	}
	return &State{
		ctx:    s.ctx,
		env:    s.env,
		tmpl:   tmpl,
		scopes: scopes,
		root:   len(scopes),
		out:    &strings.Builder{},
		depth:  s.depth + 1,
		shared: s.shared,
	}, nil
}

func extend(scopes []map[string]any, extra ...map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(scopes)+len(extra))
	out = append(out, scopes...)
	return append(out, extra...)
}

// fail attaches a position to err unless it already is one of the engine's
// own errors.
func (s *State) fail(off int, err error) error {
	var rerr *RuntimeError
	var uerr *UndefinedError
	var serr *SyntaxError
	if errors.As(err, &rerr) || errors.As(err, &uerr) || errors.As(err, &serr) {
		return err
	}
	return &RuntimeError{Message: err.Error(), Pos: s.tmpl.pos(off), Err: err}
}

func (s *State) failf(off int, format string, args ...any) error {
	return s.fail(off, errors.Errorf(format, args...))
}

func (s *State) exec(stmts []Stmt) error {
	for _, st := range stmts {
		if err := s.execStmt(st); err != nil {
			return err
		}
	}
	return nil
}

func (s *State) execStmt(st Stmt) error {
	switch n := st.(type) {
	case *Text:
		s.out.WriteString(n.Value)
		return nil

	case *Output:
		v, err := s.eval(n.X)
		if err != nil {
			return err
		}
		return s.emit(v, n.X.Offset())

	case *If:
		for _, b := range n.Branches {
			v, err := s.eval(b.Cond)
			if err != nil {
				return err
			}
			if Truth(v) {
				return s.exec(b.Body)
			}
		}
		return s.exec(n.Else)

	case *For:
		return s.execFor(n)

	case *Assign:
		v, err := s.evalValue(n.Value)
		if err != nil {
			return err
		}
		return s.bind(n.Targets, v, n.off)

	case *AssignBlock:
		v, err := s.capture(n.Body)
		if err != nil {
			return err
		}
		var out any = v
		for _, f := range n.Filters {
			if out, err = s.applyFilter(f, out); err != nil {
				return err
			}
		}
		s.set(n.Target, out)
		return nil

	case *MacroDef:
		s.set(n.Name, &MacroValue{
			Name:   n.Name,
			params: n.Params,
			body:   n.Body,
			scopes: s.closure(),
			tmpl:   s.tmpl,
		})
		return nil

	case *CallBlock:
		return s.execCallBlock(n)

	case *BlockDef:
		s.push()
		defer s.pop()
		return s.exec(n.Body)

	case *Include:
		return s.execInclude(n)

	case *Import:
		mod, err := s.importTemplate(n.Template)
		if err != nil {
			return err
		}
		s.set(n.Alias, mod)
		return nil

	case *FromImport:
		mod, err := s.importTemplate(n.Template)
		if err != nil {
			return err
		}
		for _, name := range n.Names {
			v, ok := mod.Get(name.Name)
			if !ok {
				return s.failf(n.off, "the template does not export the requested name '%s'", name.Name)
			}
			s.set(name.Alias, v)
		}
		return nil

	case *Do:
		_, err := s.evalValue(n.X)
		return err

	case *FilterBlock:
		body, err := s.capture(n.Body)
		if err != nil {
			return err
		}
		var out any = body
		for _, f := range n.Filters {
			if out, err = s.applyFilter(f, out); err != nil {
				return err
			}
		}
		return s.emit(out, n.off)

	case *With:
		values := make([]any, len(n.Values))
		for i, x := range n.Values {
			v, err := s.eval(x)
			if err != nil {
				return err
			}
			values[i] = v
		}
		scope := s.push()
		defer s.pop()
		for i, name := range n.Targets {
			scope[name] = values[i]
		}
		return s.exec(n.Body)
	}

	return s.failf(st.Offset(), "unsupported statement %T", st)
}

// emit writes v to the output. Absent values are materialized here, which is
// the only place an undefined reference turns into an error.
func (s *State) emit(v any, off int) error {
	a, ok := v.(*AbsentValue)
	if !ok {
		s.out.WriteString(ToString(v))
		return nil
	}

	text, err := a.Materialize(s.tmpl.pos(off))
	if err != nil {
		var uerr *UndefinedError
		if !errors.As(err, &uerr) || s.env.OnUndefined == nil {
			return err
		}
		if text, err = s.env.OnUndefined(uerr); err != nil {
			return err
		}
	}
	s.out.WriteString(text)
	return nil
}

// capture renders stmts into a string instead of the current output.
func (s *State) capture(stmts []Stmt) (string, error) {
	saved := s.out
	s.out = &strings.Builder{}
	defer func() { s.out = saved }()
	if err := s.exec(stmts); err != nil {
		return "", err
	}
	return s.out.String(), nil
}

func (s *State) bind(targets []string, v any, off int) error {
	if len(targets) == 1 {
		s.set(targets[0], v)
		return nil
	}
	if a, ok := v.(*AbsentValue); ok {
		for _, t := range targets {
			s.set(t, a)
		}
		return nil
	}
	items, err := Iterate(v)
	if err != nil {
		return s.fail(off, errors.Errorf("cannot unpack non-iterable %s object", typeName(v)))
	}
	switch {
	case len(items) < len(targets):
		return s.failf(off, "not enough values to unpack (expected %d, got %d)", len(targets), len(items))
	case len(items) > len(targets):
		return s.failf(off, "too many values to unpack (expected %d)", len(targets))
	}
	for i, t := range targets {
		s.set(t, items[i])
	}
	return nil
}

func (s *State) execFor(n *For) error {
	iter, err := s.eval(n.Iter)
	if err != nil {
		return err
	}
	return s.loop(n, iter, 1)
}

// loop runs the body of n over iter. depth counts the levels of a recursive
// loop and starts at 1.
func (s *State) loop(n *For, iter any, depth int) error {
	items, err := Iterate(iter)
	if err != nil {
		return s.fail(n.Iter.Offset(), err)
	}

	if n.Filter != nil {
		kept := make([]any, 0, len(items))
		for _, item := range items {
			s.push()
			err := s.bind(n.Targets, item, n.off)
			var v any
			if err == nil {
				v, err = s.eval(n.Filter)
			}
			s.pop()
			if err != nil {
				return err
			}
			if Truth(v) {
				kept = append(kept, item)
			}
		}
		items = kept
	}

	if len(items) == 0 {
		return s.exec(n.Else)
	}

	loop := &loopContext{items: items, depth: depth}
	if n.Recursive {
		scopes := extend(s.scopes)
		loop.recurse = func(next any) (any, error) {
			c, err := s.child(s.tmpl, scopes)
			if err != nil {
				return nil, err
			}
			if err := c.loop(n, next, depth+1); err != nil {
				return nil, err
			}
			return c.out.String(), nil
		}
	}

	for i, item := range items {
		loop.index0 = i
		scope := s.push()
		scope["loop"] = loop
		err := s.bind(n.Targets, item, n.off)
		if err == nil {
			err = s.exec(n.Body)
		}
		s.pop()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *State) execCallBlock(n *CallBlock) error {
	fn, err := s.eval(n.Call.Fn)
	if err != nil {
		return err
	}
	args, kwargs, err := s.evalArgs(n.Call.Args, n.Call.Kwargs)
	if err != nil {
		return err
	}
	kwargs["caller"] = &MacroValue{
		Name:   "caller",
		params: n.Params,
		body:   n.Body,
		scopes: extend(s.scopes),
		tmpl:   s.tmpl,
	}
	v, err := s.call(fn, args, kwargs, n.off)
	if err != nil {
		return err
	}
	return s.emit(v, n.off)
}

func (s *State) execInclude(n *Include) error {
	nameV, err := s.eval(n.Template)
	if err != nil {
		return err
	}
	names := []any{nameV}
	if seq, ok := asSeq(nameV); ok {
		names = seq
	}

	var t *Template
	for _, name := range names {
		t, err = s.env.getTemplate(ToString(name))
		if err == nil || !errors.Is(err, ErrTemplateNotFound) {
			break
		}
	}
	if err != nil {
		if n.IgnoreMissing && errors.Is(err, ErrTemplateNotFound) {
			return nil
		}
		return s.fail(n.off, err)
	}

	c, err := s.child(t, extend(s.scopes, map[string]any{}))
	if err != nil {
		return s.fail(n.off, err)
	}
	c.out = s.out
	return c.exec(t.Body)
}

func (s *State) importTemplate(x Expr) (*Dict, error) {
	nameV, err := s.eval(x)
	if err != nil {
		return nil, err
	}
	t, err := s.env.getTemplate(ToString(nameV))
	if err != nil {
		return nil, s.fail(x.Offset(), err)
	}
	return s.module(t)
}

// module executes t in an isolated scope and collects its top level names.
func (s *State) module(t *Template) (*Dict, error) {
	c, err := s.child(t, []map[string]any{{}})
	if err != nil {
		return nil, s.fail(0, err)
	}
	if err := c.exec(t.Body); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(c.scopes[0]))
	for k := range c.scopes[0] {
		if !strings.HasPrefix(k, "_") {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	mod := NewDict()
	for _, k := range names {
		mod.Set(k, c.scopes[0][k])
	}
	return mod, nil
}

// MacroValue is a macro or the caller of a call block.
type MacroValue struct {
	Name   string
	params []Param
	body   []Stmt
	scopes []map[string]any
	tmpl   *Template
}

func (m *MacroValue) Call(s *State, args []any, kwargs map[string]any) (any, error) {
	scope := map[string]any{}
	c, err := s.child(m.tmpl, extend(m.scopes, scope))
	if err != nil {
		return nil, err
	}

	used := map[string]bool{}
	for i, p := range m.params {
		switch v, ok := kwargs[p.Name]; {
		case i < len(args):
			if ok {
				return nil, errors.Errorf("macro '%s' got multiple values for argument '%s'", m.Name, p.Name)
			}
			scope[p.Name] = args[i]
		case ok:
			scope[p.Name] = v
			used[p.Name] = true
		case p.Default != nil:
			dv, err := c.eval(p.Default)
			if err != nil {
				return nil, err
			}
			scope[p.Name] = dv
		default:
			if scope[p.Name], err = c.undefined(p.Name, 0); err != nil {
				return nil, err
			}
		}
	}

	var varargs []any
	if len(args) > len(m.params) {
		varargs = append(varargs, args[len(m.params):]...)
	}
	scope["varargs"] = varargs

	extra := NewDict()
	for k, v := range kwargs {
		if k == "caller" {
			scope["caller"] = v
			continue
		}
		if !used[k] {
			extra.Set(k, v)
		}
	}
	scope["kwargs"] = extra

	if err := c.exec(m.body); err != nil {
		return nil, err
	}
	return c.out.String(), nil
}

type loopContext struct {
	items  []any
	index0 int
	depth  int
	// recurse renders the loop again over other items; nil unless the loop
	// is recursive.
	recurse func(items any) (any, error)
}

func (l *loopContext) Call(_ *State, args []any, _ map[string]any) (any, error) {
	if l.recurse == nil {
		return nil, errors.New("the loop is not recursive, so loop() cannot be called")
	}
	if len(args) != 1 {
		return nil, errors.Errorf("loop() takes exactly 1 argument but %d were given", len(args))
	}
	return l.recurse(args[0])
}

func (l *loopContext) attr(name string) (any, bool) {
	n := len(l.items)
	switch name {
	case "index":
		return int64(l.index0 + 1), true
	case "index0":
		return int64(l.index0), true
	case "revindex":
		return int64(n - l.index0), true
	case "revindex0":
		return int64(n - l.index0 - 1), true
	case "first":
		return l.index0 == 0, true
	case "last":
		return l.index0 == n-1, true
	case "length":
		return int64(n), true
	case "depth":
		return int64(l.depth), true
	case "depth0":
		return int64(l.depth - 1), true
	case "previtem":
		if l.index0 > 0 {
			return l.items[l.index0-1], true
		}
		return silentAbsent("previtem"), true
	case "nextitem":
		if l.index0 < n-1 {
			return l.items[l.index0+1], true
		}
		return silentAbsent("nextitem"), true
	case "cycle":
		return Func(func(args []any, _ map[string]any) (any, error) {
			if len(args) == 0 {
				return nil, errors.New("no items for cycling given")
			}
			return args[l.index0%len(args)], nil
		}), true
	}
	return nil, false
}

// selfRef is the value of `self`: attribute access yields the template's
// blocks as callables.
type selfRef struct {
	tmpl *Template
}

type blockCallable struct {
	block *BlockDef
	tmpl  *Template
}

func (b *blockCallable) Call(s *State, _ []any, _ map[string]any) (any, error) {
	c, err := s.child(b.tmpl, extend(s.scopes, map[string]any{}))
	if err != nil {
		return nil, err
	}
	if err := c.exec(b.block.Body); err != nil {
		return nil, err
	}
	return c.out.String(), nil
}
