// Package templater renders SQL templates and traces how every byte of the
// output was produced from the source.
package templater

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/walteh/sqltmpl/pkg/diagnostic"
	"github.com/walteh/sqltmpl/pkg/jinja"
	tf "github.com/walteh/sqltmpl/pkg/templatedfile"
	"gitlab.com/tozd/go/errors"
)

const DefaultLargeFileSkipCharLimit = 20000

// Library is a macro file whose top level macros become globals.
type Library struct {
	Name   string
	Source string
}

type Config struct {
	// Context holds the variables every render starts with.
	Context map[string]any
	// LargeFileSkipCharLimit is the largest number of characters a file may
	// have. Zero disables the check.
	LargeFileSkipCharLimit int
	// IgnoreTemplating renders undefined names as themselves and drops all
	// templating violations.
	IgnoreTemplating bool
	Loader           jinja.Loader
	// Libraries are loaded in order; later libraries override earlier ones.
	Libraries        []Library
	ApplyDBTBuiltins bool
	// Env backs the env_var builtin.
	Env map[string]string
	// Strict returns internal consistency failures instead of degrading to an
	// untemplated file.
	Strict bool
}

func DefaultConfig() Config {
	return Config{
		LargeFileSkipCharLimit: DefaultLargeFileSkipCharLimit,
		ApplyDBTBuiltins:       true,
	}
}

type State int

const (
	Idle State = iota
	Rendering
	Success
	SyntaxFailed
	UndefinedCollected
	Catastrophic
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Rendering:
		return "rendering"
	case Success:
		return "success"
	case SyntaxFailed:
		return "syntax_failed"
	case UndefinedCollected:
		return "undefined_collected"
	case Catastrophic:
		return "catastrophic"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Outcome is the result of processing one file. File is nil when rendering
// failed beyond recovery.
type Outcome struct {
	File       *tf.TemplatedFile
	Violations []diagnostic.Diagnostic
	State      State
}

// Templater is safe for concurrent use; every call to Process renders with
// its own copy of the environment.
type Templater struct {
	cfg Config
	env *jinja.Environment
}

func New(ctx context.Context, cfg Config) (*Templater, error) {
	env := jinja.NewEnvironment()
	env.Loader = cfg.Loader

	if cfg.ApplyDBTBuiltins {
		for name, v := range dbtBuiltins(cfg.Env) {
			env.Globals[name] = v
		}
	}

	for _, lib := range cfg.Libraries {
		exports, err := env.Exports(ctx, lib.Name, lib.Source)
		if err != nil {
			return nil, errors.Errorf("loading macro library %s: %w", lib.Name, err)
		}
		for name, v := range exports {
			env.Globals[name] = v
		}
		zerolog.Ctx(ctx).Debug().Str("library", lib.Name).Int("exports", len(exports)).Msg("loaded macro library")
	}

	return &Templater{cfg: cfg, env: env}, nil
}

type run struct {
	state      State
	violations []diagnostic.Diagnostic
	seen       map[string]bool
}

func (r *run) transition(ctx context.Context, to State) {
	zerolog.Ctx(ctx).Debug().Stringer("from", r.state).Stringer("to", to).Msg("render state")
	r.state = to
}

// Process renders src and maps the output back onto it. A *SkipFileError is
// returned for files over the size limit; other template problems are
// reported through the Outcome.
func (me *Templater) Process(ctx context.Context, fname, src string) (*Outcome, error) {
	ctx = zerolog.Ctx(ctx).With().
		Str("render_id", xid.New().String()).
		Str("file", fname).
		Logger().
		WithContext(ctx)
	log := zerolog.Ctx(ctx)

	if limit := me.cfg.LargeFileSkipCharLimit; limit > 0 {
		if n := utf8.RuneCountInString(src); n > limit {
			return nil, &SkipFileError{Name: fname, Length: n, Limit: limit}
		}
	}

	r := &run{state: Idle, seen: map[string]bool{}}

	t, err := me.env.Parse(fname, src)
	if err != nil {
		r.transition(ctx, SyntaxFailed)
		line, col := 1, 1
		msg := err.Error()
		var serr *jinja.SyntaxError
		if errors.As(err, &serr) {
			line, col, msg = serr.Line, serr.Col, serr.Message
		}
		r.violations = append(r.violations, diagnostic.NewTemplating(msg, line, col))
		return me.outcome(r, tf.NewUntemplated(fname, src)), nil
	}

	r.transition(ctx, Rendering)
	env := me.env.Clone()
	env.OnUndefined = func(uerr *jinja.UndefinedError) (string, error) {
		key := fmt.Sprintf("%s@%d:%d", uerr.Name, uerr.Line, uerr.Col)
		if !r.seen[key] {
			r.seen[key] = true
			r.violations = append(r.violations, diagnostic.NewTemplating(
				fmt.Sprintf("Undefined jinja template variable: '%s'", uerr.Name), uerr.Line, uerr.Col))
			r.transition(ctx, UndefinedCollected)
		}
		return me.placeholder(uerr), nil
	}

	templated, err := env.Render(ctx, t, me.cfg.Context)
	if err != nil {
		r.transition(ctx, Catastrophic)
		line, col := 1, 1
		var rerr *jinja.RuntimeError
		if errors.As(err, &rerr) && rerr.Line > 0 {
			line, col = rerr.Line, rerr.Col
		}
		r.violations = append(r.violations, diagnostic.NewTemplating(
			"Unrecoverable failure in Jinja templating: "+err.Error(), line, col))
		return me.outcome(r, nil), nil
	}

	file, err := me.trace(ctx, fname, src, templated)
	if err != nil {
		if me.cfg.Strict {
			return nil, err
		}
		log.Error().Err(err).Msg("falling back to untemplated file")
		file = tf.NewUntemplated(fname, src)
	}

	if r.state == Rendering {
		r.transition(ctx, Success)
	}
	return me.outcome(r, file), nil
}

func (me *Templater) outcome(r *run, file *tf.TemplatedFile) *Outcome {
	out := &Outcome{File: file, State: r.state}
	if !me.cfg.IgnoreTemplating {
		out.Violations = r.violations
	}
	return out
}

// placeholder is the text written in place of an undefined value.
func (me *Templater) placeholder(uerr *jinja.UndefinedError) string {
	if me.cfg.IgnoreTemplating {
		return strings.ReplaceAll(uerr.Name, ".", "_")
	}
	return ""
}

// trace renders an instrumented copy of src and rebuilds the slice mapping
// from what it writes. templated is the output of the plain render.
func (me *Templater) trace(ctx context.Context, fname, src, templated string) (*tf.TemplatedFile, error) {
	log := zerolog.Ctx(ctx)

	m, err := pickMarkers(src, templated)
	if err != nil {
		return nil, err
	}

	rs, err := sliceRaw(src)
	if err != nil {
		return nil, errors.Errorf("%w: slicing source: %s", ErrInternalConsistency, err)
	}

	env := me.env.Clone()
	env.OnUndefined = func(uerr *jinja.UndefinedError) (string, error) {
		return me.placeholder(uerr), nil
	}
	inst, err := env.Parse(fname, instrument(rs, m))
	if err != nil {
		return nil, errors.Errorf("%w: parsing instrumented template: %s", ErrInternalConsistency, err)
	}
	out, err := env.Render(ctx, inst, me.cfg.Context)
	if err != nil {
		return nil, errors.Errorf("%w: rendering instrumented template: %s", ErrInternalConsistency, err)
	}

	events, err := decode(out, rs, m)
	if err != nil {
		return nil, err
	}
	if n := traceLength(events); n != len(templated) {
		return nil, errors.Errorf("%w: trace accounts for %d bytes of %d", ErrInternalConsistency, n, len(templated))
	}

	sliced := rs.groupBlocks(fname, mapSlices(ctx, rs, events))
	log.Debug().
		Int("raw_slices", len(rs.slices)).
		Int("events", len(events)).
		Int("templated_slices", len(sliced)).
		Msg("traced render")

	file, err := tf.New(fname, src, templated, sliced, rs.slices)
	if err != nil {
		return nil, errors.Errorf("%w: %s", ErrInternalConsistency, err)
	}
	return file, nil
}
