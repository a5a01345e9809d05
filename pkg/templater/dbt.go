package templater

import (
	"strings"

	"github.com/walteh/sqltmpl/pkg/jinja"
	"gitlab.com/tozd/go/errors"
)

// dbtBuiltins stands in for the functions dbt projects expect to exist, so
// models render without a dbt installation.
func dbtBuiltins(env map[string]string) map[string]any {
	return map[string]any{
		"ref": jinja.Func(func(args []any, _ map[string]any) (any, error) {
			if len(args) == 0 {
				return nil, errors.New("ref() takes at least 1 argument")
			}
			return relation{identifier: jinja.ToString(args[len(args)-1])}, nil
		}),
		"source": jinja.Func(func(args []any, _ map[string]any) (any, error) {
			if len(args) != 2 {
				return nil, errors.Errorf("source() takes 2 arguments but %d were given", len(args))
			}
			return relation{identifier: jinja.ToString(args[0]) + "_" + jinja.ToString(args[1])}, nil
		}),
		"config": jinja.Func(func([]any, map[string]any) (any, error) {
			return "", nil
		}),
		"var": jinja.Func(func(args []any, kwargs map[string]any) (any, error) {
			if len(args) > 1 {
				return args[1], nil
			}
			if v, ok := kwargs["default"]; ok {
				return v, nil
			}
			return "item", nil
		}),
		"is_incremental": jinja.Func(func([]any, map[string]any) (any, error) {
			return true, nil
		}),
		"this": relation{identifier: "this_model"},
		"env_var": jinja.Func(func(args []any, kwargs map[string]any) (any, error) {
			if len(args) == 0 {
				return nil, errors.New("env_var() takes at least 1 argument")
			}
			name := jinja.ToString(args[0])
			if v, ok := env[name]; ok {
				return v, nil
			}
			if len(args) > 1 {
				return args[1], nil
			}
			if v, ok := kwargs["default"]; ok {
				return v, nil
			}
			return nil, errors.Errorf("Env var required but not provided: '%s'", name)
		}),
	}
}

// relation stands in for the relation objects dbt hands to models. It
// renders as its identifier, and any attribute or call it does not know
// yields the relation again.
type relation struct {
	identifier string
}

func (r relation) String() string {
	return r.identifier
}

func (r relation) Attr(name string) (any, bool) {
	switch {
	case name == "identifier":
		return r.identifier, true
	case name == "schema":
		return "this_schema", true
	case name == "database":
		return "this_database", true
	case strings.HasPrefix(name, "is_"):
		return true, true
	}
	return r, true
}

func (r relation) Call(*jinja.State, []any, map[string]any) (any, error) {
	return r, nil
}
