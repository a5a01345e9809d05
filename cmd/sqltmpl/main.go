package main

import (
	"context"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/walteh/sqltmpl/cmd/sqltmpl/lint"
	"github.com/walteh/sqltmpl/cmd/sqltmpl/render"
	"github.com/walteh/sqltmpl/cmd/sqltmpl/shared"
	"github.com/walteh/sqltmpl/cmd/sqltmpl/slice"
	"gitlab.com/tozd/go/errors"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		println(err.Error())
		os.Exit(1)
	}
}

func newRootCommand(opts *shared.Options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sqltmpl",
		Short:         "Render jinja templated SQL and trace the output back to its source",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		rootCmd.Version = "unknown"
	} else {
		rootCmd.Version = info.Main.Version
	}

	opts.AddFlags(rootCmd)

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		cmd.SetContext(opts.Logger(cmd.Context(), cmd.ErrOrStderr()))
	}

	cmdVersion := &cobra.Command{
		Use: "raw-version",
		Run: func(cmdz *cobra.Command, args []string) {
			cmdz.Println(rootCmd.Version)
		},
		Hidden: true,
	}

	rootCmd.AddCommand(cmdVersion)
	rootCmd.AddCommand(render.NewRenderCommand(opts))
	rootCmd.AddCommand(slice.NewSliceCommand(opts))
	rootCmd.AddCommand(lint.NewLintCommand(opts))

	return rootCmd
}

func run(ctx context.Context, args []string) error {
	rootCmd := newRootCommand(shared.NewOptions())
	rootCmd.SetArgs(args)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		return errors.Errorf("failed to execute command: %w", err)
	}

	return nil
}
