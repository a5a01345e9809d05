// Package config loads the templater settings of a project from HCL or YAML.
package config

import (
	"bytes"
	"context"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/walteh/sqltmpl/pkg/loader"
	"github.com/walteh/sqltmpl/pkg/templater"
	"github.com/zclconf/go-cty/cty"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

// FileNames are the names Discover looks for, in order of preference.
var FileNames = []string{".sqltmpl.hcl", ".sqltmpl.yaml", ".sqltmpl.yml"}

var ErrNotFound = errors.Base("no configuration file found")

type Config struct {
	Templater *TemplaterBlock `hcl:"templater,block" yaml:"templater"`

	// Dir is the directory of the configuration file. Relative paths in the
	// file are resolved against it.
	Dir string `yaml:"-"`
}

type TemplaterBlock struct {
	Context                map[string]any `yaml:"context"`
	LargeFileSkipCharLimit *int           `hcl:"large_file_skip_char_limit,optional" yaml:"large_file_skip_char_limit"`
	IgnoreTemplating       bool           `hcl:"ignore_templating,optional" yaml:"ignore_templating"`
	ApplyDBTBuiltins       *bool          `hcl:"apply_dbt_builtins,optional" yaml:"apply_dbt_builtins"`
	Strict                 bool           `hcl:"strict,optional" yaml:"strict"`
	SearchPaths            []string       `hcl:"search_paths,optional" yaml:"search_paths"`
	MacroPaths             []string       `hcl:"macro_paths,optional" yaml:"macro_paths"`
	EnvFiles               []string       `hcl:"env_files,optional" yaml:"env_files"`

	HCLContext cty.Value `hcl:"context,optional" yaml:"-"`
}

// Load reads a configuration file. Files ending in .yaml or .yml are YAML,
// everything else is HCL. HCL expressions can read the process environment
// through the env object.
func Load(fsys afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, errors.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, errors.Errorf("parsing YAML: %w", err)
		}
	} else {
		parser := hclparse.NewParser()
		file, diags := parser.ParseHCL(data, path)
		if diags.HasErrors() {
			return nil, errors.Errorf("parsing HCL: %s", diags.Error())
		}

		evalCtx := &hcl.EvalContext{
			Variables: map[string]cty.Value{
				"env": environObject(os.Environ()),
			},
		}
		if diags := gohcl.DecodeBody(file.Body, evalCtx, &cfg); diags.HasErrors() {
			return nil, errors.Errorf("decoding HCL: %s", diags.Error())
		}

		if cfg.Templater != nil && !cfg.Templater.HCLContext.IsNull() {
			vars, ok := fromCty(cfg.Templater.HCLContext).(map[string]any)
			if !ok {
				return nil, errors.Errorf("decoding HCL: context must be an object, got %s", cfg.Templater.HCLContext.Type().FriendlyName())
			}
			cfg.Templater.Context = vars
		}
	}

	if cfg.Templater == nil {
		cfg.Templater = &TemplaterBlock{}
	}
	cfg.Dir = filepath.Dir(path)
	return &cfg, nil
}

// Discover walks up from dir to the root looking for one of FileNames.
func Discover(fsys afero.Fs, dir string) (string, error) {
	dir = filepath.Clean(dir)
	for {
		for _, name := range FileNames {
			candidate := filepath.Join(dir, name)
			ok, err := afero.Exists(fsys, candidate)
			if err != nil {
				return "", errors.Errorf("checking %s: %w", candidate, err)
			}
			if ok {
				return candidate, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.Errorf("%w: searched from %s", ErrNotFound, dir)
		}
		dir = parent
	}
}

// TemplaterConfig resolves the paths of the configuration into a templater
// configuration. Env files are read in order; the process environment wins
// over any of them.
func (me *Config) TemplaterConfig(ctx context.Context, fsys afero.Fs) (templater.Config, error) {
	t := me.Templater
	if t == nil {
		t = &TemplaterBlock{}
	}

	out := templater.DefaultConfig()
	out.Context = t.Context
	out.IgnoreTemplating = t.IgnoreTemplating
	out.Strict = t.Strict
	if t.LargeFileSkipCharLimit != nil {
		out.LargeFileSkipCharLimit = *t.LargeFileSkipCharLimit
	}
	if t.ApplyDBTBuiltins != nil {
		out.ApplyDBTBuiltins = *t.ApplyDBTBuiltins
	}

	env := map[string]string{}
	for _, f := range t.EnvFiles {
		vars, err := readEnvFile(fsys, me.resolve(f))
		if err != nil {
			return templater.Config{}, err
		}
		for k, v := range vars {
			env[k] = v
		}
	}
	for k, v := range environMap(os.Environ()) {
		env[k] = v
	}
	out.Env = env

	if len(t.SearchPaths) > 0 {
		paths := make([]string, len(t.SearchPaths))
		for i, p := range t.SearchPaths {
			paths[i] = me.resolve(p)
		}
		out.Loader = loader.New(fsys, paths...)
	}

	if len(t.MacroPaths) > 0 {
		paths := make([]string, len(t.MacroPaths))
		for i, p := range t.MacroPaths {
			paths[i] = me.resolve(p)
		}
		libs, err := loader.LoadMacroPaths(ctx, fsys, paths)
		if err != nil {
			return templater.Config{}, errors.Errorf("loading macro paths: %w", err)
		}
		out.Libraries = libs
	}

	zerolog.Ctx(ctx).Debug().
		Int("search_paths", len(t.SearchPaths)).
		Int("libraries", len(out.Libraries)).
		Int("context", len(out.Context)).
		Msg("resolved templater config")

	return out, nil
}

func (me *Config) resolve(p string) string {
	if filepath.IsAbs(p) || me.Dir == "" {
		return p
	}
	return filepath.Join(me.Dir, p)
}

func readEnvFile(fsys afero.Fs, path string) (map[string]string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, errors.Errorf("opening env file: %w", err)
	}
	defer f.Close()

	vars, err := godotenv.Parse(f)
	if err != nil {
		return nil, errors.Errorf("parsing env file %s: %w", path, err)
	}
	return vars, nil
}

func environMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}

func environObject(environ []string) cty.Value {
	vals := map[string]cty.Value{}
	for k, v := range environMap(environ) {
		vals[k] = cty.StringVal(v)
	}
	return cty.ObjectVal(vals)
}

// fromCty converts an HCL value into the plain values templates work with.
func fromCty(v cty.Value) any {
	if v.IsNull() || !v.IsKnown() {
		return nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString()
	case ty == cty.Bool:
		return v.True()
	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return i
			}
		}
		f, _ := bf.Float64()
		return f
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := []any{}
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			out = append(out, fromCty(ev))
		}
		return out
	case ty.IsMapType() || ty.IsObjectType():
		out := map[string]any{}
		for it := v.ElementIterator(); it.Next(); {
			k, ev := it.Element()
			out[k.AsString()] = fromCty(ev)
		}
		return out
	}
	return nil
}
