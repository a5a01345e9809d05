// Package shared holds the flags and setup every sqltmpl command uses.
package shared

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/walteh/sqltmpl/pkg/config"
	"github.com/walteh/sqltmpl/pkg/diagnostic"
	"github.com/walteh/sqltmpl/pkg/logging"
	"github.com/walteh/sqltmpl/pkg/templater"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/yaml.v3"
)

type Options struct {
	ConfigPath string
	Context    []string
	Debug      bool
	NoColor    bool

	Fs     afero.Fs
	Stdout io.Writer
	Stderr io.Writer
}

func NewOptions() *Options {
	return &Options{Fs: afero.NewOsFs()}
}

func (me *Options) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&me.ConfigPath, "config", "", "configuration file (default: discovered .sqltmpl.hcl or .sqltmpl.yaml)")
	cmd.PersistentFlags().StringArrayVar(&me.Context, "context", nil, "template variable as name=value; the value is parsed as YAML")
	cmd.PersistentFlags().BoolVar(&me.Debug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVar(&me.NoColor, "no-color", false, "disable colored output")
}

// Bind takes the output streams of cmd unless they were set already.
func (me *Options) Bind(cmd *cobra.Command) {
	if me.Stdout == nil {
		me.Stdout = cmd.OutOrStdout()
	}
	if me.Stderr == nil {
		me.Stderr = cmd.ErrOrStderr()
	}
	if me.Fs == nil {
		me.Fs = afero.NewOsFs()
	}
}

// ParseContext turns name=value pairs into template variables.
func ParseContext(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, errors.Errorf("invalid context %q, expected name=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, errors.Errorf("parsing context value of %s: %w", name, err)
		}
		if v == nil && raw != "null" && raw != "~" {
			v = raw
		}
		out[name] = v
	}
	return out, nil
}

// Templater builds a templater for files under dir from the configuration
// file and the --context flags. Flags override configured variables.
func (me *Options) Templater(ctx context.Context, dir string) (*templater.Templater, error) {
	cfg, err := me.loadConfig(dir)
	if err != nil {
		return nil, err
	}

	tc, err := cfg.TemplaterConfig(ctx, me.Fs)
	if err != nil {
		return nil, errors.Errorf("resolving configuration: %w", err)
	}

	overrides, err := ParseContext(me.Context)
	if err != nil {
		return nil, err
	}
	if len(overrides) > 0 {
		merged := make(map[string]any, len(tc.Context)+len(overrides))
		for k, v := range tc.Context {
			merged[k] = v
		}
		for k, v := range overrides {
			merged[k] = v
		}
		tc.Context = merged
	}

	tm, err := templater.New(ctx, tc)
	if err != nil {
		return nil, errors.Errorf("creating templater: %w", err)
	}
	return tm, nil
}

func (me *Options) loadConfig(dir string) (*config.Config, error) {
	path := me.ConfigPath
	if path == "" {
		found, err := config.Discover(me.Fs, dir)
		if errors.Is(err, config.ErrNotFound) {
			return &config.Config{}, nil
		}
		if err != nil {
			return nil, err
		}
		path = found
	}

	cfg, err := config.Load(me.Fs, path)
	if err != nil {
		return nil, errors.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

// ReadFile reads a template and returns it with an absolute directory to
// start configuration discovery from.
func (me *Options) ReadFile(name string) (src, dir string, err error) {
	data, err := afero.ReadFile(me.Fs, name)
	if err != nil {
		return "", "", errors.Errorf("reading %s: %w", name, err)
	}
	dir, err = filepath.Abs(filepath.Dir(name))
	if err != nil {
		return "", "", errors.Errorf("resolving %s: %w", name, err)
	}
	return string(data), dir, nil
}

// Report writes the violations of one file with the named formatter.
func (me *Options) Report(w io.Writer, format, file string, violations []diagnostic.Diagnostic) error {
	f, err := diagnostic.NewFormatter(format, !me.NoColor)
	if err != nil {
		return err
	}
	out, err := f.Format(diagnostic.Collect(file, violations...))
	if err != nil {
		return errors.Errorf("formatting diagnostics: %w", err)
	}
	if _, err := w.Write(out); err != nil {
		return errors.Errorf("writing diagnostics: %w", err)
	}
	return nil
}

// Logger returns ctx with the command logger attached. Logs go to w.
func (me *Options) Logger(ctx context.Context, w io.Writer) context.Context {
	return logging.WithLogger(ctx, w, logging.Options{
		Debug: me.Debug,
		Color: !me.NoColor,
	})
}
