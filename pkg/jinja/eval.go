package jinja

import (
	"fmt"
	"math"
	"reflect"
	"strings"

	"gitlab.com/tozd/go/errors"
)

func (s *State) eval(x Expr) (any, error) {
	switch n := x.(type) {
	case *Const:
		return n.Value, nil

	case *Name:
		return s.lookup(n.Name, n.off)

	case *ListLit:
		items, err := s.evalList(n.Items)
		return items, err

	case *TupleLit:
		items, err := s.evalList(n.Items)
		return Tuple(items), err

	case *DictLit:
		d := NewDict()
		for i := range n.Keys {
			k, err := s.eval(n.Keys[i])
			if err != nil {
				return nil, err
			}
			v, err := s.eval(n.Values[i])
			if err != nil {
				return nil, err
			}
			d.Set(hashKey(k), v)
		}
		return d, nil

	case *GetAttr:
		obj, err := s.eval(n.X)
		if err != nil {
			return nil, err
		}
		return s.getAttr(obj, n.Attr), nil

	case *GetItem:
		obj, err := s.eval(n.X)
		if err != nil {
			return nil, err
		}
		key, err := s.eval(n.Key)
		if err != nil {
			return nil, err
		}
		return s.getItem(obj, key), nil

	case *SliceExpr:
		return s.evalSlice(n)

	case *Call:
		fn, err := s.eval(n.Fn)
		if err != nil {
			return nil, err
		}
		args, kwargs, err := s.evalArgs(n.Args, n.Kwargs)
		if err != nil {
			return nil, err
		}
		return s.call(fn, args, kwargs, n.off)

	case *Filter:
		v, err := s.eval(n.X)
		if err != nil {
			return nil, err
		}
		return s.applyFilter(n, v)

	case *Test:
		return s.evalTest(n)

	case *Unary:
		return s.evalUnary(n)

	case *Binary:
		return s.evalBinary(n)

	case *CondExpr:
		test, err := s.eval(n.Test)
		if err != nil {
			return nil, err
		}
		if Truth(test) {
			return s.eval(n.Then)
		}
		if n.Else == nil {
			return silentAbsent(""), nil
		}
		return s.eval(n.Else)
	}

	return nil, s.failf(x.Offset(), "unsupported expression %T", x)
}

// evalValue evaluates an expression whose result is stored rather than
// printed.
func (s *State) evalValue(x Expr) (any, error) {
	return s.eval(x)
}

func (s *State) evalList(xs []Expr) ([]any, error) {
	out := make([]any, len(xs))
	for i, x := range xs {
		v, err := s.eval(x)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *State) evalArgs(args []Expr, kwargs []Kwarg) ([]any, map[string]any, error) {
	pos, err := s.evalList(args)
	if err != nil {
		return nil, nil, err
	}
	kw := make(map[string]any, len(kwargs))
	for _, k := range kwargs {
		v, err := s.eval(k.Value)
		if err != nil {
			return nil, nil, err
		}
		kw[k.Name] = v
	}
	return pos, kw, nil
}

func (s *State) lookup(name string, off int) (any, error) {
	for i := len(s.scopes) - 1; i >= 0; i-- {
		if v, ok := s.scopes[i][name]; ok {
			return v, nil
		}
	}
	if v, ok := s.env.Globals[name]; ok {
		return v, nil
	}
	if v, ok := builtinGlobals[name]; ok {
		return v, nil
	}
	if name == "self" {
		return &selfRef{tmpl: s.tmpl}, nil
	}
	return s.undefined(name, off)
}

// undefined resolves a name no scope defines, through the environment's
// hook. One value is created per name and render.
func (s *State) undefined(name string, off int) (any, error) {
	if v, ok := s.shared.undefined[name]; ok {
		return v, nil
	}
	pos := s.tmpl.pos(off)
	var v any
	if s.env.Undefined != nil {
		v = s.env.Undefined(name, pos)
	} else {
		v = NewAbsent(name, pos)
	}
	s.shared.undefined[name] = v
	return v, nil
}

func (s *State) call(fn any, args []any, kwargs map[string]any, off int) (any, error) {
	switch f := fn.(type) {
	case *AbsentValue:
		return f.Apply(OpCall), nil
	case Callable:
		v, err := f.Call(s, args, kwargs)
		if err != nil {
			return nil, s.fail(off, err)
		}
		return Normalize(v), nil
	}
	return nil, s.failf(off, "'%s' object is not callable", typeName(fn))
}

func (s *State) getAttr(obj any, name string) any {
	switch x := obj.(type) {
	case *AbsentValue:
		return x.Apply(OpAttr, name)
	case *Dict:
		if m := dictMethod(x, name); m != nil {
			return m
		}
		if v, ok := x.Get(name); ok {
			return v
		}
	case string:
		if m := stringMethod(x, name); m != nil {
			return m
		}
	case []any:
		if m := listMethod(x, name); m != nil {
			return m
		}
	case *loopContext:
		if v, ok := x.attr(name); ok {
			return v
		}
	case *selfRef:
		if b, ok := x.tmpl.Blocks[name]; ok {
			return &blockCallable{block: b, tmpl: x.tmpl}
		}
	case Attributed:
		if v, ok := x.Attr(name); ok {
			return v
		}
	case nil, bool, int64, float64, Tuple, Callable:
	default:
		if v, ok := reflectAttr(obj, name); ok {
			return v
		}
	}
	return silentAbsent(name)
}

func reflectAttr(obj any, name string) (any, bool) {
	rv := reflect.ValueOf(obj)
	if m := rv.MethodByName(name); m.IsValid() {
		return reflectFunc{fn: m}, true
	}
	rv = reflect.Indirect(rv)
	if rv.Kind() != reflect.Struct {
		return nil, false
	}
	f := rv.FieldByName(name)
	if !f.IsValid() || !f.CanInterface() {
		return nil, false
	}
	return Normalize(f.Interface()), true
}

func (s *State) getItem(obj, key any) any {
	switch x := obj.(type) {
	case *AbsentValue:
		return x.Apply(OpIndex, key)
	case *Dict:
		if v, ok := x.Get(hashKey(key)); ok {
			return v
		}
	case []any, Tuple:
		seq, _ := asSeq(x)
		if i, ok := toInt(key); ok {
			if i < 0 {
				i += int64(len(seq))
			}
			if i >= 0 && i < int64(len(seq)) {
				return seq[i]
			}
		}
	case string:
		if i, ok := toInt(key); ok {
			runes := []rune(x)
			if i < 0 {
				i += int64(len(runes))
			}
			if i >= 0 && i < int64(len(runes)) {
				return string(runes[i])
			}
		}
	}
	if name, ok := key.(string); ok {
		return s.getAttr(obj, name)
	}
	return silentAbsent("")
}

func (s *State) evalSlice(n *SliceExpr) (any, error) {
	obj, err := s.eval(n.X)
	if err != nil {
		return nil, err
	}
	bounds := [3]*int64{}
	for i, x := range []Expr{n.Low, n.High, n.Step} {
		if x == nil {
			continue
		}
		v, err := s.eval(x)
		if err != nil {
			return nil, err
		}
		if v == nil {
			continue
		}
		iv, ok := toInt(v)
		if !ok {
			return nil, s.failf(x.Offset(), "slice indices must be integers or None")
		}
		bounds[i] = &iv
	}

	switch x := obj.(type) {
	case *AbsentValue:
		return x.Apply(OpIndex), nil
	case string:
		runes := []rune(x)
		idx, err := sliceIndices(len(runes), bounds)
		if err != nil {
			return nil, s.fail(n.off, err)
		}
		out := make([]rune, 0, len(idx))
		for _, i := range idx {
			out = append(out, runes[i])
		}
		return string(out), nil
	case []any, Tuple:
		seq, _ := asSeq(x)
		idx, err := sliceIndices(len(seq), bounds)
		if err != nil {
			return nil, s.fail(n.off, err)
		}
		out := make([]any, 0, len(idx))
		for _, i := range idx {
			out = append(out, seq[i])
		}
		if _, ok := x.(Tuple); ok {
			return Tuple(out), nil
		}
		return out, nil
	}
	return nil, s.failf(n.off, "'%s' object is not subscriptable", typeName(obj))
}

// sliceIndices follows Python's slice.indices.
func sliceIndices(length int, b [3]*int64) ([]int, error) {
	step := int64(1)
	if b[2] != nil {
		step = *b[2]
	}
	if step == 0 {
		return nil, errors.New("slice step cannot be zero")
	}
	n := int64(length)
	norm := func(p *int64, def, lo, hi int64) int64 {
		if p == nil {
			return def
		}
		v := *p
		if v < 0 {
			v += n
		}
		if v < lo {
			v = lo
		}
		if v > hi {
			v = hi
		}
		return v
	}

	var out []int
	if step > 0 {
		start, stop := norm(b[0], 0, 0, n), norm(b[1], n, 0, n)
		for i := start; i < stop; i += step {
			out = append(out, int(i))
		}
		return out, nil
	}
	start, stop := norm(b[0], n-1, -1, n-1), norm(b[1], -1, -1, n-1)
	for i := start; i > stop; i += step {
		out = append(out, int(i))
	}
	return out, nil
}

func (s *State) applyFilter(f *Filter, v any) (any, error) {
	fn, ok := s.env.Filters[f.Name]
	if !ok {
		return nil, s.failf(f.off, "No filter named '%s'.", f.Name)
	}
	args, kwargs, err := s.evalArgs(f.Args, f.Kwargs)
	if err != nil {
		return nil, err
	}
	if a, ok := v.(*AbsentValue); ok && !absentAwareFilters[f.Name] {
		return a, nil
	}
	out, err := fn(s, v, args, kwargs)
	if err != nil {
		return nil, s.fail(f.off, err)
	}
	return Normalize(out), nil
}

func (s *State) evalTest(n *Test) (any, error) {
	fn, ok := s.env.Tests[n.Name]
	if !ok {
		return nil, s.failf(n.off, "No test named '%s'.", n.Name)
	}
	v, err := s.eval(n.X)
	if err != nil {
		return nil, err
	}
	args, err := s.evalList(n.Args)
	if err != nil {
		return nil, err
	}
	res, err := fn(v, args)
	if err != nil {
		return nil, s.fail(n.off, err)
	}
	return res != n.Negate, nil
}

func (s *State) evalUnary(n *Unary) (any, error) {
	v, err := s.eval(n.X)
	if err != nil {
		return nil, err
	}
	if n.Op == "not" {
		return !Truth(v), nil
	}
	switch x := v.(type) {
	case *AbsentValue:
		if n.Op == "-" {
			return x.Apply(OpNeg), nil
		}
		return x.Apply(OpPos), nil
	case int64:
		if n.Op == "-" {
			return -x, nil
		}
		return x, nil
	case float64:
		if n.Op == "-" {
			return -x, nil
		}
		return x, nil
	case bool:
		i, _ := toInt(x)
		if n.Op == "-" {
			return -i, nil
		}
		return i, nil
	}
	return nil, s.failf(n.off, "bad operand type for unary %s: '%s'", n.Op, typeName(v))
}

func (s *State) evalBinary(n *Binary) (any, error) {
	l, err := s.eval(n.L)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case "and":
		if !Truth(l) {
			return l, nil
		}
		return s.eval(n.R)
	case "or":
		if Truth(l) {
			return l, nil
		}
		return s.eval(n.R)
	}

	r, err := s.eval(n.R)
	if err != nil {
		return nil, err
	}

	absent, _ := l.(*AbsentValue)
	if absent == nil {
		absent, _ = r.(*AbsentValue)
	}
	if absent != nil {
		if op, ok := binaryOps[n.Op]; ok {
			return absent.Apply(op, r), nil
		}
		return absent.Compare(n.Op, r), nil
	}

	switch n.Op {
	case "==":
		return Equal(l, r), nil
	case "!=":
		return !Equal(l, r), nil
	case "<", "<=", ">", ">=":
		c, err := compare(l, r)
		if err != nil {
			return nil, s.fail(n.off, err)
		}
		switch n.Op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		}
		return c >= 0, nil
	case "in", "not in":
		ok, err := contains(r, l)
		if err != nil {
			return nil, s.fail(n.off, err)
		}
		return ok == (n.Op == "in"), nil
	}

	v, err := arith(n.Op, l, r)
	if err != nil {
		return nil, s.fail(n.off, err)
	}
	return v, nil
}

func arith(op string, l, r any) (any, error) {
	if op == "~" {
		return ToString(l) + ToString(r), nil
	}

	li, lInt := l.(int64)
	ri, rInt := r.(int64)
	lf, lNum := toFloat(l)
	rf, rNum := toFloat(r)
	bothInt := lInt && rInt

	switch op {
	case "+":
		switch {
		case bothInt:
			return li + ri, nil
		case lNum && rNum:
			return lf + rf, nil
		}
		switch x := l.(type) {
		case string:
			if y, ok := r.(string); ok {
				return x + y, nil
			}
		case []any:
			if y, ok := r.([]any); ok {
				return append(append([]any{}, x...), y...), nil
			}
		case Tuple:
			if y, ok := r.(Tuple); ok {
				return append(append(Tuple{}, x...), y...), nil
			}
		}
	case "-":
		switch {
		case bothInt:
			return li - ri, nil
		case lNum && rNum:
			return lf - rf, nil
		}
	case "*":
		switch {
		case bothInt:
			return li * ri, nil
		case lNum && rNum:
			return lf * rf, nil
		}
		if str, ok := l.(string); ok && rInt {
			return strings.Repeat(str, int(max(ri, 0))), nil
		}
		if str, ok := r.(string); ok && lInt {
			return strings.Repeat(str, int(max(li, 0))), nil
		}
		if seq, ok := l.([]any); ok && rInt {
			out := []any{}
			for i := int64(0); i < ri; i++ {
				out = append(out, seq...)
			}
			return out, nil
		}
	case "/":
		if lNum && rNum {
			if rf == 0 {
				return nil, errors.New("division by zero")
			}
			return lf / rf, nil
		}
	case "//":
		switch {
		case bothInt:
			if ri == 0 {
				return nil, errors.New("integer division or modulo by zero")
			}
			q := li / ri
			if li%ri != 0 && (li < 0) != (ri < 0) {
				q--
			}
			return q, nil
		case lNum && rNum:
			if rf == 0 {
				return nil, errors.New("float floor division by zero")
			}
			return math.Floor(lf / rf), nil
		}
	case "%":
		if format, ok := l.(string); ok {
			return pyFormat(format, r)
		}
		switch {
		case bothInt:
			if ri == 0 {
				return nil, errors.New("integer division or modulo by zero")
			}
			m := li % ri
			if m != 0 && (m < 0) != (ri < 0) {
				m += ri
			}
			return m, nil
		case lNum && rNum:
			if rf == 0 {
				return nil, errors.New("float modulo")
			}
			m := math.Mod(lf, rf)
			if m != 0 && (m < 0) != (rf < 0) {
				m += rf
			}
			return m, nil
		}
	case "**":
		if bothInt && ri >= 0 {
			out := int64(1)
			base := li
			for e := ri; e > 0; e >>= 1 {
				if e&1 == 1 {
					out *= base
				}
				base *= base
			}
			return out, nil
		}
		if lNum && rNum {
			return math.Pow(lf, rf), nil
		}
	}

	return nil, errors.Errorf("unsupported operand type(s) for %s: '%s' and '%s'", op, typeName(l), typeName(r))
}

// pyFormat implements printf style string formatting with %.
func pyFormat(format string, arg any) (string, error) {
	var args []any
	var named *Dict
	switch x := arg.(type) {
	case Tuple:
		args = x
	case *Dict:
		named = x
		args = []any{x}
	default:
		args = []any{arg}
	}

	var b strings.Builder
	next := 0
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(format) {
			return "", errors.New("incomplete format")
		}
		if format[i] == '%' {
			b.WriteByte('%')
			continue
		}

		var value any
		hasValue := false
		if format[i] == '(' && named != nil {
			end := strings.IndexByte(format[i:], ')')
			if end < 0 {
				return "", errors.New("incomplete format key")
			}
			value, hasValue = named.Get(format[i+1 : i+end])
			if !hasValue {
				return "", errors.Errorf("format key %q not found", format[i+1:i+end])
			}
			i += end + 1
		}

		spec := i
		for i < len(format) && strings.IndexByte("-+ #0123456789.", format[i]) >= 0 {
			i++
		}
		if i >= len(format) {
			return "", errors.New("incomplete format")
		}
		flags := format[spec:i]

		if !hasValue {
			if next >= len(args) {
				return "", errors.New("not enough arguments for format string")
			}
			value = args[next]
			next++
		}

		switch verb := format[i]; verb {
		case 's':
			fmt.Fprintf(&b, "%"+flags+"s", ToString(value))
		case 'r':
			fmt.Fprintf(&b, "%"+flags+"s", repr(value))
		case 'd', 'i':
			f, ok := toFloat(value)
			if !ok {
				return "", errors.Errorf("%%%c format: a number is required, not %s", verb, typeName(value))
			}
			fmt.Fprintf(&b, "%"+flags+"d", int64(f))
		case 'f', 'F', 'e', 'g':
			f, ok := toFloat(value)
			if !ok {
				return "", errors.Errorf("must be real number, not %s", typeName(value))
			}
			fmt.Fprintf(&b, "%"+flags+string(verb), f)
		default:
			return "", errors.Errorf("unsupported format character '%c'", verb)
		}
	}
	if named == nil && next < len(args) {
		return "", errors.New("not all arguments converted during string formatting")
	}
	return b.String(), nil
}
