package slice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/walteh/sqltmpl/cmd/sqltmpl/shared"
	tf "github.com/walteh/sqltmpl/pkg/templatedfile"
	"gitlab.com/tozd/go/errors"
)

type Handler struct {
	opts   *shared.Options
	format string
	raw    bool
}

func NewSliceCommand(opts *shared.Options) *cobra.Command {
	me := &Handler{opts: opts}

	cmd := &cobra.Command{
		Use:   "slice <file>",
		Short: "print how the templated output maps back onto the source",
		Args:  cobra.ExactArgs(1),
	}

	cmd.Flags().StringVar(&me.format, "format", "text", "output format: text or json")
	cmd.Flags().BoolVar(&me.raw, "raw", false, "print the raw source slices instead")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		me.opts.Bind(cmd)
		return me.Run(cmd.Context(), args[0])
	}

	return cmd
}

type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Slice struct {
	Type      string `json:"type"`
	Source    Span   `json:"source"`
	Templated *Span  `json:"templated,omitempty"`
	Block     string `json:"block,omitempty"`
	Text      string `json:"text"`
}

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
	if out.File == nil {
		if err := me.opts.Report(me.opts.Stderr, "text", file, out.Violations); err != nil {
			return err
		}
		return errors.Errorf("rendering %s failed: %s", file, out.State)
	}

	var slices []Slice
	if me.raw {
		slices = rawSlices(out.File)
	} else {
		slices = templatedSlices(out.File)
	}

	switch me.format {
	case "json":
		enc := json.NewEncoder(me.opts.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(slices); err != nil {
			return errors.Errorf("encoding slices: %w", err)
		}
		return nil
	case "", "text":
		return writeTable(me.opts.Stdout, slices)
	}
	return errors.Errorf("unknown format %q", me.format)
}

func rawSlices(f *tf.TemplatedFile) []Slice {
	out := make([]Slice, 0, len(f.RawSliced()))
	for _, r := range f.RawSliced() {
		out = append(out, Slice{
			Type:   string(r.SliceType),
			Source: Span{r.SourceIdx, r.End()},
			Text:   r.Raw,
		})
	}
	return out
}

func templatedSlices(f *tf.TemplatedFile) []Slice {
	src := f.SourceStr()
	templated := f.TemplatedStr()

	out := make([]Slice, 0, len(f.SlicedFile()))
	for _, s := range f.SlicedFile() {
		sl := Slice{
			Type:      string(s.SliceType),
			Source:    Span{s.SourceSlice.Start, s.SourceSlice.End},
			Templated: &Span{s.TemplatedSlice.Start, s.TemplatedSlice.End},
			Text:      templated[s.TemplatedSlice.Start:s.TemplatedSlice.End],
		}
		if s.SliceType.IsBlock() {
			sl.Block = s.Construct.String()
			sl.Text = src[s.SourceSlice.Start:s.SourceSlice.End]
		}
		out = append(out, sl)
	}
	return out
}

func writeTable(w io.Writer, slices []Slice) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tSOURCE\tTEMPLATED\tTEXT")
	for _, s := range slices {
		templated := "-"
		if s.Templated != nil {
			templated = fmt.Sprintf("%d:%d", s.Templated.Start, s.Templated.End)
		}
		fmt.Fprintf(tw, "%s\t%d:%d\t%s\t%q\n", s.Type, s.Source.Start, s.Source.End, templated, s.Text)
	}
	if err := tw.Flush(); err != nil {
		return errors.Errorf("writing slices: %w", err)
	}
	return nil
}
