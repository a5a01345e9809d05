package jinja

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"gitlab.com/tozd/go/errors"
)

// Values flowing through a render are nil, bool, int64, float64, string,
// []any (list), Tuple, *Dict, Callable, *AbsentValue, or whatever a caller put
// in the context.

type Tuple []any

// Dict is an insertion ordered mapping.
type Dict struct {
	keys   []any
	values map[any]any
}

func NewDict() *Dict {
	return &Dict{values: map[any]any{}}
}

// DictFrom builds a Dict from a Go map with keys in sorted order.
func DictFrom(m map[string]any) *Dict {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := NewDict()
	for _, k := range keys {
		d.Set(k, Normalize(m[k]))
	}
	return d
}

func (d *Dict) Set(k, v any) {
	if _, ok := d.values[k]; !ok {
		d.keys = append(d.keys, k)
	}
	d.values[k] = v
}

func (d *Dict) Get(k any) (any, bool) {
	v, ok := d.values[k]
	return v, ok
}

func (d *Dict) Keys() []any {
	return append([]any(nil), d.keys...)
}

func (d *Dict) Len() int {
	return len(d.keys)
}

// Callable is anything that can be invoked from a template.
type Callable interface {
	Call(s *State, args []any, kwargs map[string]any) (any, error)
}

// Attributed values resolve attribute access themselves.
type Attributed interface {
	Attr(name string) (any, bool)
}

// Func adapts a plain Go function to Callable.
type Func func(args []any, kwargs map[string]any) (any, error)

func (f Func) Call(_ *State, args []any, kwargs map[string]any) (any, error) {
	return f(args, kwargs)
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// reflectFunc calls an arbitrary Go function, converting arguments to the
// declared parameter types. Keyword arguments are not supported.
type reflectFunc struct {
	fn reflect.Value
}

func (r reflectFunc) Call(_ *State, args []any, _ map[string]any) (any, error) {
	typ := r.fn.Type()
	in := make([]reflect.Value, 0, len(args))
	for i, arg := range args {
		var want reflect.Type
		switch {
		case typ.IsVariadic() && i >= typ.NumIn()-1:
			want = typ.In(typ.NumIn() - 1).Elem()
		case i < typ.NumIn():
			want = typ.In(i)
		default:
			return nil, errors.Errorf("takes %d positional arguments but %d were given", typ.NumIn(), len(args))
		}
		v := reflect.ValueOf(arg)
		if !v.IsValid() {
			v = reflect.Zero(want)
		}
		if !v.Type().AssignableTo(want) {
			if !v.Type().ConvertibleTo(want) {
				return nil, errors.Errorf("argument %d: cannot use %s as %s", i+1, typeName(arg), want)
			}
			v = v.Convert(want)
		}
		in = append(in, v)
	}
	minArgs := typ.NumIn()
	if typ.IsVariadic() {
		minArgs--
	}
	for len(in) < minArgs {
		in = append(in, reflect.Zero(typ.In(len(in))))
	}

	out := r.fn.Call(in)
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		if out[0].Type().Implements(errorType) {
			err, _ := out[0].Interface().(error)
			return nil, err
		}
		return Normalize(out[0].Interface()), nil
	default:
		if err, ok := out[len(out)-1].Interface().(error); ok && err != nil {
			return nil, err
		}
		return Normalize(out[0].Interface()), nil
	}
}

// Normalize converts Go values into the representation used while rendering.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil, bool, int64, float64, string, Tuple, *Dict, Callable, *AbsentValue:
		return v
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = Normalize(item)
		}
		return out
	case map[string]any:
		return DictFrom(x)
	case func(args []any, kwargs map[string]any) (any, error):
		return Func(x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func:
		return reflectFunc{fn: rv}
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		return DictFrom(m)
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	}
	return v
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "NoneType"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "str"
	case []any:
		return "list"
	case Tuple:
		return "tuple"
	case *Dict:
		return "dict"
	case *AbsentValue:
		return "Undefined"
	case Callable:
		return "function"
	}
	return fmt.Sprintf("%T", v)
}

// Truth reports whether v is truthy in the Python sense.
func Truth(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case Tuple:
		return len(x) > 0
	case *Dict:
		return x.Len() > 0
	case *AbsentValue:
		return x.Truth()
	}
	return true
}

// ToString renders v the way Python's str() does.
func ToString(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return formatFloat(x)
	case string:
		return x
	case *AbsentValue:
		return ""
	case []any, Tuple, *Dict:
		return repr(v)
	case fmt.Stringer:
		return x.String()
	case Callable:
		return "<function>"
	}
	return fmt.Sprint(v)
}

func formatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	case f == math.Trunc(f) && math.Abs(f) < 1e16:
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func repr(v any) string {
	switch x := v.(type) {
	case string:
		if strings.Contains(x, "'") && !strings.Contains(x, `"`) {
			return `"` + x + `"`
		}
		return "'" + strings.NewReplacer(`\`, `\\`, "'", `\'`, "\n", `\n`).Replace(x) + "'"
	case []any:
		return "[" + joinRepr(x) + "]"
	case Tuple:
		if len(x) == 1 {
			return "(" + repr(x[0]) + ",)"
		}
		return "(" + joinRepr(x) + ")"
	case *Dict:
		parts := make([]string, 0, x.Len())
		for _, k := range x.keys {
			parts = append(parts, repr(k)+": "+repr(x.values[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case *AbsentValue:
		return "Undefined"
	}
	return ToString(v)
}

func joinRepr(items []any) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = repr(item)
	}
	return strings.Join(parts, ", ")
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Equal implements Python's == for render values.
func Equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	switch x := a.(type) {
	case nil:
		return b == nil
	case string:
		y, ok := b.(string)
		return ok && x == y
	case []any:
		y, ok := b.([]any)
		return ok && equalSeq(x, y)
	case Tuple:
		y, ok := b.(Tuple)
		return ok && equalSeq(x, y)
	case *Dict:
		y, ok := b.(*Dict)
		if !ok || x.Len() != y.Len() {
			return false
		}
		for _, k := range x.keys {
			yv, ok := y.values[k]
			if !ok || !Equal(x.values[k], yv) {
				return false
			}
		}
		return true
	}
	return a == b
}

func equalSeq(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

// compare orders two values, returning -1, 0 or 1.
func compare(a, b any) (int, error) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, nil
			case fa > fb:
				return 1, nil
			}
			return 0, nil
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb), nil
		}
	}
	if la, ok := asSeq(a); ok {
		if lb, ok := asSeq(b); ok {
			for i := 0; i < len(la) && i < len(lb); i++ {
				c, err := compare(la[i], lb[i])
				if err != nil || c != 0 {
					return c, err
				}
			}
			switch {
			case len(la) < len(lb):
				return -1, nil
			case len(la) > len(lb):
				return 1, nil
			}
			return 0, nil
		}
	}
	return 0, errors.Errorf("comparison not supported between instances of '%s' and '%s'", typeName(a), typeName(b))
}

func asSeq(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case Tuple:
		return x, true
	}
	return nil, false
}

// Iterate returns the items a for loop visits.
func Iterate(v any) ([]any, error) {
	switch x := v.(type) {
	case string:
		out := make([]any, 0, utf8.RuneCountInString(x))
		for _, r := range x {
			out = append(out, string(r))
		}
		return out, nil
	case []any:
		return x, nil
	case Tuple:
		return x, nil
	case *Dict:
		return x.Keys(), nil
	case *AbsentValue:
		return x.Iter(), nil
	}
	return nil, errors.Errorf("'%s' object is not iterable", typeName(v))
}

// Len implements len().
func Len(v any) (int, error) {
	switch x := v.(type) {
	case string:
		return utf8.RuneCountInString(x), nil
	case []any:
		return len(x), nil
	case Tuple:
		return len(x), nil
	case *Dict:
		return x.Len(), nil
	case *AbsentValue:
		return x.Len(), nil
	}
	return 0, errors.Errorf("object of type '%s' has no len()", typeName(v))
}

func contains(container, item any) (bool, error) {
	switch x := container.(type) {
	case string:
		s, ok := item.(string)
		if !ok {
			return false, errors.Errorf("'in <string>' requires string as left operand, not %s", typeName(item))
		}
		return strings.Contains(x, s), nil
	case []any, Tuple:
		seq, _ := asSeq(x)
		for _, v := range seq {
			if Equal(v, item) {
				return true, nil
			}
		}
		return false, nil
	case *Dict:
		_, ok := x.Get(hashKey(item))
		return ok, nil
	}
	return false, errors.Errorf("argument of type '%s' is not iterable", typeName(container))
}

// hashKey normalises numeric dictionary keys so that 1 and 1.0 collide.
func hashKey(k any) any {
	if f, ok := k.(float64); ok && f == math.Trunc(f) {
		return int64(f)
	}
	return k
}
