package lint

import (
	"context"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/walteh/sqltmpl/cmd/sqltmpl/shared"
	"github.com/walteh/sqltmpl/pkg/diagnostic"
	"github.com/walteh/sqltmpl/pkg/loader"
	"github.com/walteh/sqltmpl/pkg/templater"
	"gitlab.com/tozd/go/errors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// ErrViolations is returned when any file has templating violations.
var ErrViolations = errors.Base("templating violations found")

type Handler struct {
	opts        *shared.Options
	format      string
	parallelism int
}

func NewLintCommand(opts *shared.Options) *cobra.Command {
	me := &Handler{opts: opts}

	cmd := &cobra.Command{
		Use:   "lint <path>...",
		Short: "report templating violations; paths may be files, directories or globs",
		Args:  cobra.MinimumNArgs(1),
	}

	cmd.Flags().StringVar(&me.format, "format", "text", "violation format: text or vscode")
	cmd.Flags().IntVarP(&me.parallelism, "parallel", "p", runtime.GOMAXPROCS(0), "files processed at once")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		me.opts.Bind(cmd)
		return me.Run(cmd.Context(), args)
	}

	return cmd
}

type result struct {
	file       string
	violations []diagnostic.Diagnostic
	skipped    bool
}

// Run processes every file and prints violations in argument order. Files
// that cannot be read are reported together after all others ran.
func (me *Handler) Run(ctx context.Context, args []string) error {
	files, err := loader.Expand(me.opts.Fs, args)
	if err != nil {
		return err
	}

	results := make([]result, len(files))

	var (
		mu       sync.Mutex
		failures error
	)

	g, ctx := errgroup.WithContext(ctx)
	if me.parallelism > 0 {
		g.SetLimit(me.parallelism)
	}

	// one templater per configuration directory
	cache := newTemplaterCache(me.opts)

	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			res, err := me.lintFile(ctx, cache, file)
			if err != nil {
				mu.Lock()
				failures = multierr.Append(failures, err)
				mu.Unlock()
				return nil
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	total := 0
	for _, res := range results {
		if res.file == "" || res.skipped {
			continue
		}
		total += len(res.violations)
		if err := me.opts.Report(me.opts.Stdout, me.format, res.file, res.violations); err != nil {
			return err
		}
	}

	zerolog.Ctx(ctx).Debug().Int("files", len(files)).Int("violations", total).Msg("lint finished")

	if failures != nil {
		return failures
	}
	if total > 0 {
		return errors.Errorf("%w: %d in %d files", ErrViolations, total, len(files))
	}
	return nil
}

func (me *Handler) lintFile(ctx context.Context, cache *templaterCache, file string) (result, error) {
	src, dir, err := me.opts.ReadFile(file)
	if err != nil {
		return result{}, err
	}

	tm, err := cache.get(ctx, dir)
	if err != nil {
		return result{}, err
	}

	out, err := tm.Process(ctx, file, src)
	if err != nil {
		var skip *templater.SkipFileError
		if errors.As(err, &skip) {
			zerolog.Ctx(ctx).Warn().Str("file", file).Msg(skip.Error())
			return result{file: file, skipped: true}, nil
		}
		return result{}, errors.Errorf("processing %s: %w", file, err)
	}

	return result{file: file, violations: out.Violations}, nil
}

type templaterCache struct {
	opts *shared.Options

	mu    sync.Mutex
	byDir map[string]*templater.Templater
}

func newTemplaterCache(opts *shared.Options) *templaterCache {
	return &templaterCache{opts: opts, byDir: map[string]*templater.Templater{}}
}

func (me *templaterCache) get(ctx context.Context, dir string) (*templater.Templater, error) {
	me.mu.Lock()
	defer me.mu.Unlock()

	if tm, ok := me.byDir[dir]; ok {
		return tm, nil
	}
	tm, err := me.opts.Templater(ctx, dir)
	if err != nil {
		return nil, err
	}
	me.byDir[dir] = tm
	return tm, nil
}
