package render

import (
	"context"
	"io"

	"github.com/spf13/cobra"
	"github.com/walteh/sqltmpl/cmd/sqltmpl/shared"
	"gitlab.com/tozd/go/errors"
)

type Handler struct {
	opts   *shared.Options
	format string
}

func NewRenderCommand(opts *shared.Options) *cobra.Command {
	me := &Handler{opts: opts}

	cmd := &cobra.Command{
		Use:   "render <file>",
		Short: "print the templated output of a file",
		Args:  cobra.ExactArgs(1),
	}

	cmd.Flags().StringVar(&me.format, "format", "text", "violation format: text or vscode")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		me.opts.Bind(cmd)
		return me.Run(cmd.Context(), args[0])
	}

	return cmd
}

// Run writes the templated file to stdout and any violations to stderr. It
// fails when nothing could be rendered.
func (me *Handler) Run(ctx context.Context, file string) error {
	src, dir, err := me.opts.ReadFile(file)
	if err != nil {
		return err
	}

	tm, err := me.opts.Templater(ctx, dir)
	if err != nil {
		return err
	}

	out, err := tm.Process(ctx, file, src)
	if err != nil {
		return errors.Errorf("processing %s: %w", file, err)
	}

	if err := me.opts.Report(me.opts.Stderr, me.format, file, out.Violations); err != nil {
		return err
	}

	if out.File == nil {
		return errors.Errorf("rendering %s failed: %s", file, out.State)
	}

	if _, err := io.WriteString(me.opts.Stdout, out.File.TemplatedStr()); err != nil {
		return errors.Errorf("writing output: %w", err)
	}
	return nil
}
