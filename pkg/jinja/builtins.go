package jinja

import (
	"math"
	"sort"
	"strings"
	"unicode"

	"gitlab.com/tozd/go/errors"
)

// absentAwareFilters receive absent values; every other filter passes them
// through untouched.
var absentAwareFilters = map[string]bool{
	"default": true,
	"d":       true,
	"length":  true,
	"count":   true,
	"string":  true,
}

var builtinFilters = map[string]FilterFunc{
	"abs": func(_ *State, v any, _ []any, _ map[string]any) (any, error) {
		switch x := v.(type) {
		case int64:
			if x < 0 {
				return -x, nil
			}
			return x, nil
		case float64:
			return math.Abs(x), nil
		}
		return nil, errors.Errorf("bad operand type for abs(): '%s'", typeName(v))
	},
	"capitalize": func(_ *State, v any, _ []any, _ map[string]any) (any, error) {
		return capitalize(ToString(v)), nil
	},
	"count":   lengthFilter,
	"length":  lengthFilter,
	"d":       defaultFilter,
	"default": defaultFilter,
	"first": func(_ *State, v any, _ []any, _ map[string]any) (any, error) {
		items, err := Iterate(v)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return silentAbsent("first"), nil
		}
		return items[0], nil
	},
	"last": func(_ *State, v any, _ []any, _ map[string]any) (any, error) {
		items, err := Iterate(v)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return silentAbsent("last"), nil
		}
		return items[len(items)-1], nil
	},
	"float": func(_ *State, v any, args []any, _ map[string]any) (any, error) {
		if f, ok := toFloat(v); ok {
			return f, nil
		}
		if f, ok := parseNumber(ToString(v)); ok {
			return f, nil
		}
		return argOr(args, 0, 0.0), nil
	},
	"int": func(_ *State, v any, args []any, _ map[string]any) (any, error) {
		if f, ok := toFloat(v); ok {
			return int64(f), nil
		}
		if f, ok := parseNumber(ToString(v)); ok {
			return int64(f), nil
		}
		return argOr(args, 0, int64(0)), nil
	},
	"join": func(_ *State, v any, args []any, kwargs map[string]any) (any, error) {
		items, err := Iterate(v)
		if err != nil {
			return nil, err
		}
		sep := ToString(argOr(args, 0, ""))
		if s, ok := kwargs["d"]; ok {
			sep = ToString(s)
		}
		parts := make([]string, len(items))
		for i, item := range items {
			if attr, ok := kwargs["attribute"]; ok {
				item = attrOf(item, ToString(attr))
			}
			parts[i] = ToString(item)
		}
		return strings.Join(parts, sep), nil
	},
	"list": func(_ *State, v any, _ []any, _ map[string]any) (any, error) {
		items, err := Iterate(v)
		if err != nil {
			return nil, err
		}
		return append([]any{}, items...), nil
	},
	"lower": func(_ *State, v any, _ []any, _ map[string]any) (any, error) {
		return strings.ToLower(ToString(v)), nil
	},
	"upper": func(_ *State, v any, _ []any, _ map[string]any) (any, error) {
		return strings.ToUpper(ToString(v)), nil
	},
	"title": func(_ *State, v any, _ []any, _ map[string]any) (any, error) {
		return title(ToString(v)), nil
	},
	"trim": func(_ *State, v any, args []any, _ map[string]any) (any, error) {
		if len(args) > 0 {
			return strings.Trim(ToString(v), ToString(args[0])), nil
		}
		return strings.TrimSpace(ToString(v)), nil
	},
	"replace": func(_ *State, v any, args []any, _ map[string]any) (any, error) {
		if len(args) < 2 {
			return nil, errors.New("replace expects at least 2 arguments")
		}
		n := -1
		if len(args) > 2 {
			if c, ok := toInt(args[2]); ok {
				n = int(c)
			}
		}
		return strings.Replace(ToString(v), ToString(args[0]), ToString(args[1]), n), nil
	},
	"reverse": func(_ *State, v any, _ []any, _ map[string]any) (any, error) {
		if str, ok := v.(string); ok {
			runes := []rune(str)
			for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
				runes[i], runes[j] = runes[j], runes[i]
			}
			return string(runes), nil
		}
		items, err := Iterate(v)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(items))
		for i, item := range items {
			out[len(items)-1-i] = item
		}
		return out, nil
	},
	"round": func(_ *State, v any, args []any, kwargs map[string]any) (any, error) {
		f, ok := toFloat(v)
		if !ok {
			return nil, errors.Errorf("round expects a number, got '%s'", typeName(v))
		}
		precision, _ := toInt(argOr(args, 0, kwargs["precision"]))
		method := ToString(argOr(args, 1, kwargs["method"]))
		scale := math.Pow(10, float64(precision))
		switch method {
		case "ceil":
			return math.Ceil(f*scale) / scale, nil
		case "floor":
			return math.Floor(f*scale) / scale, nil
		}
		return math.RoundToEven(f*scale) / scale, nil
	},
	"safe": func(_ *State, v any, _ []any, _ map[string]any) (any, error) {
		return v, nil
	},
	"string": func(_ *State, v any, _ []any, _ map[string]any) (any, error) {
		if a, ok := v.(*AbsentValue); ok {
			return a, nil
		}
		return ToString(v), nil
	},
	"sort": func(_ *State, v any, args []any, kwargs map[string]any) (any, error) {
		items, err := Iterate(v)
		if err != nil {
			return nil, err
		}
		out := append([]any{}, items...)
		reverse := Truth(argOr(args, 0, kwargs["reverse"]))
		attr, hasAttr := kwargs["attribute"]
		var sortErr error
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i], out[j]
			if hasAttr {
				a, b = attrOf(a, ToString(attr)), attrOf(b, ToString(attr))
			}
			c, err := compare(a, b)
			if err != nil && sortErr == nil {
				sortErr = err
			}
			if reverse {
				return c > 0
			}
			return c < 0
		})
		return out, sortErr
	},
	"sum": func(_ *State, v any, args []any, kwargs map[string]any) (any, error) {
		items, err := Iterate(v)
		if err != nil {
			return nil, err
		}
		var total any = argOr(args, 1, int64(0))
		if start, ok := kwargs["start"]; ok {
			total = start
		}
		for _, item := range items {
			if attr, ok := kwargs["attribute"]; ok {
				item = attrOf(item, ToString(attr))
			}
			if total, err = arith("+", total, item); err != nil {
				return nil, err
			}
		}
		return total, nil
	},
	"unique": func(_ *State, v any, _ []any, _ map[string]any) (any, error) {
		items, err := Iterate(v)
		if err != nil {
			return nil, err
		}
		out := []any{}
		for _, item := range items {
			seen := false
			for _, o := range out {
				if Equal(o, item) {
					seen = true
					break
				}
			}
			if !seen {
				out = append(out, item)
			}
		}
		return out, nil
	},
	"items": func(_ *State, v any, _ []any, _ map[string]any) (any, error) {
		d, ok := v.(*Dict)
		if !ok {
			return nil, errors.Errorf("can only get item pairs from a mapping, not %s", typeName(v))
		}
		return dictItems(d), nil
	},
}

func lengthFilter(_ *State, v any, _ []any, _ map[string]any) (any, error) {
	n, err := Len(v)
	return int64(n), err
}

func defaultFilter(_ *State, v any, args []any, kwargs map[string]any) (any, error) {
	def := argOr(args, 0, "")
	boolean := Truth(argOr(args, 1, kwargs["boolean"]))
	if _, ok := v.(*AbsentValue); ok {
		return def, nil
	}
	if boolean && !Truth(v) {
		return def, nil
	}
	return v, nil
}

func argOr(args []any, i int, def any) any {
	if i < len(args) {
		return args[i]
	}
	return def
}

// attrOf resolves a dotted attribute path the way the attribute= argument of
// sort, join and sum does.
func attrOf(v any, path string) any {
	for _, part := range strings.Split(path, ".") {
		d, ok := v.(*Dict)
		if !ok {
			return silentAbsent(part)
		}
		if v, ok = d.Get(part); !ok {
			return silentAbsent(part)
		}
	}
	return v
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	var f float64
	var frac float64
	neg := false
	seenDigit := false
	for i, r := range s {
		switch {
		case i == 0 && (r == '-' || r == '+'):
			neg = r == '-'
		case r >= '0' && r <= '9':
			seenDigit = true
			if frac > 0 {
				f += float64(r-'0') * frac
				frac /= 10
			} else {
				f = f*10 + float64(r-'0')
			}
		case r == '.' && frac == 0:
			frac = 0.1
		default:
			return 0, false
		}
	}
	if !seenDigit {
		return 0, false
	}
	if neg {
		f = -f
	}
	return f, true
}

func capitalize(s string) string {
	runes := []rune(strings.ToLower(s))
	if len(runes) > 0 {
		runes[0] = unicode.ToUpper(runes[0])
	}
	return string(runes)
}

func title(s string) string {
	runes := []rune(s)
	start := true
	for i, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' {
			if start {
				runes[i] = unicode.ToUpper(r)
			} else {
				runes[i] = unicode.ToLower(r)
			}
			start = false
			continue
		}
		start = true
	}
	return string(runes)
}

func dictItems(d *Dict) []any {
	out := make([]any, 0, d.Len())
	for _, k := range d.keys {
		out = append(out, Tuple{k, d.values[k]})
	}
	return out
}

var builtinTests = map[string]TestFunc{
	"defined": func(v any, _ []any) (bool, error) {
		_, absent := v.(*AbsentValue)
		return !absent, nil
	},
	"undefined": func(v any, _ []any) (bool, error) {
		_, absent := v.(*AbsentValue)
		return absent, nil
	},
	"none": func(v any, _ []any) (bool, error) {
		return v == nil, nil
	},
	"boolean": func(v any, _ []any) (bool, error) {
		_, ok := v.(bool)
		return ok, nil
	},
	"true": func(v any, _ []any) (bool, error) {
		b, ok := v.(bool)
		return ok && b, nil
	},
	"false": func(v any, _ []any) (bool, error) {
		b, ok := v.(bool)
		return ok && !b, nil
	},
	"integer": func(v any, _ []any) (bool, error) {
		_, ok := v.(int64)
		return ok, nil
	},
	"float": func(v any, _ []any) (bool, error) {
		_, ok := v.(float64)
		return ok, nil
	},
	"number": func(v any, _ []any) (bool, error) {
		switch v.(type) {
		case int64, float64:
			return true, nil
		}
		return false, nil
	},
	"string": func(v any, _ []any) (bool, error) {
		_, ok := v.(string)
		return ok, nil
	},
	"mapping": func(v any, _ []any) (bool, error) {
		_, ok := v.(*Dict)
		return ok, nil
	},
	"iterable": func(v any, _ []any) (bool, error) {
		_, err := Iterate(v)
		return err == nil, nil
	},
	"sequence": func(v any, _ []any) (bool, error) {
		switch v.(type) {
		case string, []any, Tuple, *Dict:
			return true, nil
		}
		return false, nil
	},
	"callable": func(v any, _ []any) (bool, error) {
		_, ok := v.(Callable)
		return ok, nil
	},
	"sameas": func(v any, args []any) (bool, error) {
		if len(args) != 1 {
			return false, errors.New("sameas expects one argument")
		}
		return v == args[0], nil
	},
	"eq":          compareTest(func(c int) bool { return c == 0 }),
	"equalto":     compareTest(func(c int) bool { return c == 0 }),
	"==":          compareTest(func(c int) bool { return c == 0 }),
	"ne":          compareTest(func(c int) bool { return c != 0 }),
	"!=":          compareTest(func(c int) bool { return c != 0 }),
	"lt":          compareTest(func(c int) bool { return c < 0 }),
	"lessthan":    compareTest(func(c int) bool { return c < 0 }),
	"le":          compareTest(func(c int) bool { return c <= 0 }),
	"gt":          compareTest(func(c int) bool { return c > 0 }),
	"greaterthan": compareTest(func(c int) bool { return c > 0 }),
	"ge":          compareTest(func(c int) bool { return c >= 0 }),
	"in": func(v any, args []any) (bool, error) {
		if len(args) != 1 {
			return false, errors.New("in expects one argument")
		}
		return contains(args[0], v)
	},
	"divisibleby": func(v any, args []any) (bool, error) {
		a, ok1 := toInt(v)
		b, ok2 := toInt(argOr(args, 0, nil))
		if !ok1 || !ok2 || b == 0 {
			return false, errors.New("divisibleby expects integers")
		}
		return a%b == 0, nil
	},
	"even": func(v any, _ []any) (bool, error) {
		i, ok := toInt(v)
		return ok && i%2 == 0, nil
	},
	"odd": func(v any, _ []any) (bool, error) {
		i, ok := toInt(v)
		return ok && i%2 != 0, nil
	},
	"lower": func(v any, _ []any) (bool, error) {
		s, ok := v.(string)
		return ok && s == strings.ToLower(s), nil
	},
	"upper": func(v any, _ []any) (bool, error) {
		s, ok := v.(string)
		return ok && s == strings.ToUpper(s), nil
	},
}

func compareTest(ok func(int) bool) TestFunc {
	return func(v any, args []any) (bool, error) {
		if len(args) != 1 {
			return false, errors.New("comparison test expects one argument")
		}
		if _, absent := v.(*AbsentValue); absent {
			return true, nil
		}
		if Equal(v, args[0]) {
			return ok(0), nil
		}
		c, err := compare(v, args[0])
		if err != nil {
			// equality tests between unrelated types are simply false
			return ok(1) && ok(-1), nil
		}
		return ok(c), nil
	}
}

var builtinGlobals = map[string]any{
	"range": Func(func(args []any, _ map[string]any) (any, error) {
		ints := make([]int64, len(args))
		for i, a := range args {
			v, ok := toInt(a)
			if !ok {
				return nil, errors.Errorf("'%s' object cannot be interpreted as an integer", typeName(a))
			}
			ints[i] = v
		}
		var start, stop, step int64 = 0, 0, 1
		switch len(ints) {
		case 1:
			stop = ints[0]
		case 2:
			start, stop = ints[0], ints[1]
		case 3:
			start, stop, step = ints[0], ints[1], ints[2]
		default:
			return nil, errors.Errorf("range expected at most 3 arguments, got %d", len(ints))
		}
		if step == 0 {
			return nil, errors.New("range() arg 3 must not be zero")
		}
		out := []any{}
		for i := start; (step > 0 && i < stop) || (step < 0 && i > stop); i += step {
			out = append(out, i)
		}
		return out, nil
	}),
	"dict": Func(func(args []any, kwargs map[string]any) (any, error) {
		d := NewDict()
		if len(args) > 0 {
			if src, ok := args[0].(*Dict); ok {
				for _, k := range src.keys {
					d.Set(k, src.values[k])
				}
			}
		}
		keys := make([]string, 0, len(kwargs))
		for k := range kwargs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			d.Set(k, kwargs[k])
		}
		return d, nil
	}),
	"lipsum": Func(func(_ []any, _ map[string]any) (any, error) {
		return "Lorem ipsum dolor sit amet.", nil
	}),
}

func dictMethod(d *Dict, name string) Callable {
	switch name {
	case "items":
		return Func(func(_ []any, _ map[string]any) (any, error) {
			return dictItems(d), nil
		})
	case "keys":
		return Func(func(_ []any, _ map[string]any) (any, error) {
			return d.Keys(), nil
		})
	case "values":
		return Func(func(_ []any, _ map[string]any) (any, error) {
			out := make([]any, 0, d.Len())
			for _, k := range d.keys {
				out = append(out, d.values[k])
			}
			return out, nil
		})
	case "get":
		return Func(func(args []any, _ map[string]any) (any, error) {
			if len(args) == 0 {
				return nil, errors.New("get expected at least 1 argument")
			}
			if v, ok := d.Get(hashKey(args[0])); ok {
				return v, nil
			}
			return argOr(args, 1, nil), nil
		})
	}
	return nil
}

func stringMethod(s string, name string) Callable {
	simple := func(f func(string) string) Callable {
		return Func(func(_ []any, _ map[string]any) (any, error) {
			return f(s), nil
		})
	}
	strip := func(f func(string, string) string, def func(string) string) Callable {
		return Func(func(args []any, _ map[string]any) (any, error) {
			if len(args) > 0 && args[0] != nil {
				return f(s, ToString(args[0])), nil
			}
			return def(s), nil
		})
	}

	switch name {
	case "upper":
		return simple(strings.ToUpper)
	case "lower":
		return simple(strings.ToLower)
	case "title":
		return simple(title)
	case "capitalize":
		return simple(capitalize)
	case "strip":
		return strip(strings.Trim, strings.TrimSpace)
	case "lstrip":
		return strip(strings.TrimLeft, func(s string) string { return strings.TrimLeftFunc(s, unicode.IsSpace) })
	case "rstrip":
		return strip(strings.TrimRight, func(s string) string { return strings.TrimRightFunc(s, unicode.IsSpace) })
	case "split":
		return Func(func(args []any, _ map[string]any) (any, error) {
			var parts []string
			if len(args) > 0 && args[0] != nil {
				parts = strings.Split(s, ToString(args[0]))
			} else {
				parts = strings.Fields(s)
			}
			out := make([]any, len(parts))
			for i, p := range parts {
				out[i] = p
			}
			return out, nil
		})
	case "replace":
		return Func(func(args []any, _ map[string]any) (any, error) {
			if len(args) < 2 {
				return nil, errors.New("replace expected at least 2 arguments")
			}
			return strings.ReplaceAll(s, ToString(args[0]), ToString(args[1])), nil
		})
	case "startswith":
		return Func(func(args []any, _ map[string]any) (any, error) {
			return strings.HasPrefix(s, ToString(argOr(args, 0, ""))), nil
		})
	case "endswith":
		return Func(func(args []any, _ map[string]any) (any, error) {
			return strings.HasSuffix(s, ToString(argOr(args, 0, ""))), nil
		})
	case "join":
		return Func(func(args []any, _ map[string]any) (any, error) {
			items, err := Iterate(argOr(args, 0, []any{}))
			if err != nil {
				return nil, err
			}
			parts := make([]string, len(items))
			for i, item := range items {
				parts[i] = ToString(item)
			}
			return strings.Join(parts, s), nil
		})
	case "format":
		return Func(func(args []any, kwargs map[string]any) (any, error) {
			return braceFormat(s, args, kwargs)
		})
	}
	return nil
}

func listMethod(l []any, name string) Callable {
	switch name {
	case "index":
		return Func(func(args []any, _ map[string]any) (any, error) {
			for i, item := range l {
				if Equal(item, argOr(args, 0, nil)) {
					return int64(i), nil
				}
			}
			return nil, errors.Errorf("%s is not in list", repr(argOr(args, 0, nil)))
		})
	case "count":
		return Func(func(args []any, _ map[string]any) (any, error) {
			n := int64(0)
			for _, item := range l {
				if Equal(item, argOr(args, 0, nil)) {
					n++
				}
			}
			return n, nil
		})
	}
	return nil
}

// braceFormat implements str.format with positional {} and {0} fields and
// named {name} fields.
func braceFormat(format string, args []any, kwargs map[string]any) (string, error) {
	var b strings.Builder
	next := 0
	for i := 0; i < len(format); i++ {
		c := format[i]
		switch {
		case c == '{' && i+1 < len(format) && format[i+1] == '{':
			b.WriteByte('{')
			i++
		case c == '}' && i+1 < len(format) && format[i+1] == '}':
			b.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(format[i:], '}')
			if end < 0 {
				return "", errors.New("Single '{' encountered in format string")
			}
			field := format[i+1 : i+end]
			if colon := strings.IndexByte(field, ':'); colon >= 0 {
				field = field[:colon]
			}
			var v any
			switch idx, ok := parseNumber(field); {
			case field == "":
				if next >= len(args) {
					return "", errors.New("Replacement index out of range")
				}
				v = args[next]
				next++
			case ok && idx == math.Trunc(idx) && idx >= 0:
				if int(idx) >= len(args) {
					return "", errors.New("Replacement index out of range")
				}
				v = args[int(idx)]
			default:
				kv, ok := kwargs[field]
				if !ok {
					return "", errors.Errorf("KeyError: %s", repr(field))
				}
				v = kv
			}
			b.WriteString(ToString(v))
			i += end
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}
