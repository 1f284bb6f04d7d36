package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/deos/internal/kernel"
	"github.com/roach88/deos/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Input    string
	Record   bool
	Database string
	TraceOut string

	// IDGenerator allows overriding the session id generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDGenerator store.IDGenerator
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <image.json>",
		Short: "Run an image to completion",
		Long: `Run an image until every task has finished.

Console input given with --input is fed one byte per scheduling boundary.
With --record the run is recorded and stored as a session in the --db
database; --trace-out also writes the recorded trace to a file.

Exit codes:
  0 - All tasks finished without a fault
  1 - A task faulted or the run failed
  2 - Command error (invalid image, bad config, etc.)

Examples:
  deos run image.json
  deos run image.json --input "hello" --record --db ./deos.db
  deos run image.json --trace-out run.trace.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImageFile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Input, "input", "", "console input")
	cmd.Flags().BoolVar(&opts.Record, "record", false, "record the run as a stored session")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the session database (with --record)")
	cmd.Flags().StringVar(&opts.TraceOut, "trace-out", "", "write the recorded trace to this file")
	cmd.MarkFlagsRequiredTogether("record", "db")

	return cmd
}

func runImageFile(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	img, err := LoadImage(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to load image", err)
	}
	kopts, err := kernelOptions(opts.RootOptions)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to load config", err)
	}
	k, err := kernel.FromImage(img, kopts...)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to load image", err)
	}

	recording := opts.Record || opts.TraceOut != ""
	if recording {
		k.SetRecordMode(k.ImageHash())
	}
	k.Input([]byte(opts.Input)...)

	ctx, stop := signalContext(cmd)
	defer stop()

	slog.Info("run starting", "image", path, "hash", k.ImageHash(), "tasks", len(img.Tasks), "record", recording)
	runErr := k.Run(ctx)
	if runErr != nil && ctx.Err() != nil {
		slog.Info("received signal, shutting down")
		return WrapExitError(ExitFailure, "run interrupted", runErr)
	}

	summary := summarize(k)
	failure := faultFailure(k)
	if runErr != nil {
		failure = &CLIError{Code: errorCode(runErr), Message: runErr.Error()}
	}

	if recording && runErr == nil {
		tr := k.Trace()
		summary.Events, summary.Snapshots = len(tr.Events), len(tr.Snapshots)
		if opts.TraceOut != "" {
			data, err := tr.Marshal()
			if err != nil {
				return formatter.Fail(ExitCommandError, "failed to encode trace", err)
			}
			if err := writeOutput(opts.TraceOut, data); err != nil {
				return formatter.Fail(ExitCommandError, "failed to write trace", err)
			}
			summary.TraceOut = opts.TraceOut
		}
		if opts.Record {
			id, err := saveSession(ctx, opts, k)
			if err != nil {
				return formatter.Fail(ExitCommandError, "failed to store session", err)
			}
			summary.SessionID = id
		}
	}

	slog.Info("run finished", "cycle", summary.FinalCycle, "faulted", failure != nil)
	if err := formatter.Report(summary, summary.SessionID, failure); err != nil {
		return err
	}
	if failure != nil {
		return NewExitError(ExitFailure, failure.Message)
	}
	return nil
}

// saveSession stores the kernel's recorded trace and returns the new
// session id.
func saveSession(ctx context.Context, opts *RunOptions, k *kernel.Kernel) (string, error) {
	gen := opts.IDGenerator
	if gen == nil {
		gen = store.UUIDv7Generator{}
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return "", &LoadError{Code: ErrCodeStore, Message: "opening database", Err: err}
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	sess := store.Session{
		ID:         gen.Generate(),
		ImageHash:  k.ImageHash(),
		Output:     k.Output(),
		FinalCycle: k.Clock().Current(),
	}
	if f := k.FirstFault(); f != nil {
		sess.FirstFault = &store.Fault{Kind: string(f.Kind), Message: f.Message}
	}

	saved, err := st.SaveSession(ctx, sess, k.Trace())
	if errors.Is(err, store.ErrSessionExists) {
		return "", &LoadError{Code: ErrCodeStore, Message: fmt.Sprintf("session id collision: %s", sess.ID), Err: err}
	}
	if err != nil {
		return "", &LoadError{Code: ErrCodeStore, Message: "saving session", Err: err}
	}
	slog.Info("session stored", "session", saved.ID, "seq", saved.Seq, "db", opts.Database)
	return saved.ID, nil
}
