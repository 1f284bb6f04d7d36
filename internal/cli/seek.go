package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/deos/internal/kernel"
)

// SeekOptions holds flags for the seek command.
type SeekOptions struct {
	*RootOptions
	Source TraceSource
	Cycle  uint64
}

// SeekResult is the kernel state at the seek target.
type SeekResult struct {
	RunSummary
	Target uint64 `json:"target"`
}

func (r SeekResult) String() string {
	return fmt.Sprintf("%s\nseek target: %s", r.RunSummary, formatCount(r.Target))
}

// NewSeekCommand creates the seek command.
func NewSeekCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SeekOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "seek <image.json>",
		Short: "Rebuild the state of a recorded run at a cycle",
		Long: `Travel to a cycle of a recorded run.

The latest snapshot at or before the target cycle is restored, and the run
is replayed forward with full verification to the first scheduling
boundary at or after it. The console output and task states at that point
are printed.

Exit codes:
  0 - The target was reached
  1 - The replay diverged before the target
  2 - Command error

Examples:
  deos seek image.json --trace run.trace.json --cycle 5000
  deos seek image.json --db ./deos.db --session 0192f3a4-... --cycle 120`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeek(opts, args[0], cmd)
		},
	}

	opts.Source.addFlags(cmd)
	cmd.Flags().Uint64Var(&opts.Cycle, "cycle", 0, "target cycle (required)")
	_ = cmd.MarkFlagRequired("cycle")

	return cmd
}

func runSeek(opts *SeekOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	img, err := LoadImage(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to load image", err)
	}
	kopts, err := kernelOptions(opts.RootOptions)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to load config", err)
	}

	ctx, stop := signalContext(cmd)
	defer stop()

	tr, err := opts.Source.Load(ctx)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to load trace", err)
	}
	k, err := kernel.FromImage(img, kopts...)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to load image", err)
	}

	slog.Info("seek starting", "image", path, "target", opts.Cycle)
	if err := k.Seek(ctx, tr, opts.Cycle); err != nil {
		if ctx.Err() != nil {
			return WrapExitError(ExitFailure, "seek interrupted", err)
		}
		return formatter.Fail(ExitFailure, "seek failed", err)
	}

	return formatter.Success(SeekResult{RunSummary: summarize(k), Target: opts.Cycle})
}
