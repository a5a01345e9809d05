// Package logging builds the zerolog loggers used by the command line tools.
package logging

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
)

const DefaultTimeFormat = "2006-01-02T15:04:05.0000Z"

type Options struct {
	Debug bool
	// Color enables ANSI colors in caller names and console output.
	Color bool
	// JSON writes one JSON object per line instead of console text.
	JSON bool
}

func New(w io.Writer, opts Options) zerolog.Logger {
	out := w
	if !opts.JSON {
		out = zerolog.ConsoleWriter{
			Out:          w,
			NoColor:      !opts.Color,
			PartsExclude: []string{zerolog.TimestampFieldName},
		}
	}

	level := zerolog.InfoLevel
	if opts.Debug {
		level = zerolog.DebugLevel
	}

	return zerolog.New(out).
		Level(level).
		Hook(TimeHook{}).
		Hook(CallerHook{WithColor: opts.Color})
}

// WithLogger stores a new logger in ctx.
func WithLogger(ctx context.Context, w io.Writer, opts Options) context.Context {
	return New(w, opts).WithContext(ctx)
}

type TimeHook struct {
	Format string
}

func (t TimeHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	format := t.Format
	if format == "" {
		format = DefaultTimeFormat
	}
	e.Str("time", time.Now().Format(format))
}

// CallerHook adds the package, file and line of the logging call.
type CallerHook struct {
	WithColor bool
}

func (c CallerHook) Run(e *zerolog.Event, _ zerolog.Level, _ string) {
	pc, file, line, ok := runtime.Caller(skipFrames(e) + 3)
	if !ok {
		return
	}

	var pkg string
	if fn := runtime.FuncForPC(pc); fn != nil {
		pkg, _ = SplitFuncName(fn.Name())
	}

	e.Str("caller", FormatCaller(pkg, file, line, c.WithColor))
}

// skipFrames reads the frames requested through CallerSkipFrame, which
// zerolog keeps unexported.
func skipFrames(e *zerolog.Event) int {
	if e == nil {
		return 0
	}
	field := reflect.ValueOf(e).Elem().FieldByName("skipFrame")
	if field.IsValid() {
		return int(field.Int())
	}
	return 0
}

// SplitFuncName splits a runtime function name into its package path and
// the function, with any method receiver kept on the function.
func SplitFuncName(name string) (pkg, function string) {
	lastSlash := strings.LastIndexByte(name, '/')
	if lastSlash < 0 {
		lastSlash = 0
	}

	dot := strings.IndexByte(name[lastSlash:], '.')
	if dot < 0 {
		return name, ""
	}
	dot += lastSlash

	pkg = name[:dot]
	function = name[dot+1:]

	if before, after, ok := strings.Cut(pkg, ".("); ok {
		pkg = before
		function = "(" + after + "." + function
	}

	return pkg, function
}

func FormatCaller(pkg, path string, line int, colorize bool) string {
	file := path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		file = path[i+1:]
	}

	if colorize {
		sep := color.New(color.Faint).Sprint(":")
		return fmt.Sprintf("%s%s%s%s%s", pkg, sep,
			color.New(color.Bold).Sprint(file), sep,
			color.New(color.FgHiRed, color.Bold).Sprintf("%d", line))
	}

	return fmt.Sprintf("%s:%s:%d", pkg, file, line)
}
