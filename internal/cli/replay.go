package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/deos/internal/kernel"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Source TraceSource
}

// ReplayResult holds the replay outcome.
type ReplayResult struct {
	RunSummary
	Verified bool `json:"verified"`
}

func (r ReplayResult) String() string {
	status := "✓ Replay verified"
	if !r.Verified {
		status = "✗ Replay diverged"
	}
	return fmt.Sprintf("%s\n%s", r.RunSummary, status)
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <image.json>",
		Short: "Replay a recorded run and verify it",
		Long: `Re-execute an image against a recorded trace.

Every nondeterministic input is taken from the trace, and every syscall,
scheduling decision and snapshot is checked against it. The first
divergence stops the replay.

Exit codes:
  0 - The replay matched the trace
  1 - The replay diverged from the trace
  2 - Command error (image, trace or session not found, etc.)

Examples:
  deos replay image.json --trace run.trace.json
  deos replay image.json --db ./deos.db --session 0192f3a4-...
  deos replay image.json --trace run.trace.json --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	opts.Source.addFlags(cmd)

	return cmd
}

func runReplay(opts *ReplayOptions, path string, cmd *cobra.Command) error {
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

	result := ReplayResult{Verified: true}
	runErr := k.SetReplayMode(tr)
	if runErr == nil {
		slog.Info("replay starting", "image", path, "events", len(tr.Events))
		runErr = k.Run(ctx)
	}
	if runErr != nil && ctx.Err() != nil {
		return WrapExitError(ExitFailure, "replay interrupted", runErr)
	}

	result.RunSummary = summarize(k)
	result.Events, result.Snapshots = len(tr.Events), len(tr.Snapshots)
	var failure *CLIError
	if runErr != nil {
		result.Verified = false
		failure = &CLIError{Code: errorCode(runErr), Message: runErr.Error()}
		slog.Warn("replay diverged", "error", runErr)
	}

	if err := formatter.Report(result, opts.Source.SessionID, failure); err != nil {
		return err
	}
	if failure != nil {
		return WrapExitError(ExitFailure, "replay verification failed", runErr)
	}
	return nil
}
