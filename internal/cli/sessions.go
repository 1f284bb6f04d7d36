package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/deos/internal/store"
)

// SessionsOptions holds flags for the sessions command.
type SessionsOptions struct {
	*RootOptions
	Database string
}

// SessionInfo is one stored session in command output.
type SessionInfo struct {
	ID         string       `json:"id"`
	Seq        int64        `json:"seq"`
	ImageHash  string       `json:"image_hash"`
	FinalCycle uint64       `json:"final_cycle"`
	Events     int          `json:"events"`
	Snapshots  int          `json:"snapshots"`
	FirstFault *store.Fault `json:"first_fault,omitempty"`
}

// SessionsResult lists stored sessions in recording order.
type SessionsResult struct {
	Sessions []SessionInfo `json:"sessions"`
	Total    int           `json:"total"`
}

func (r SessionsResult) String() string {
	if r.Total == 0 {
		return "No sessions recorded."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d session(s)\n", r.Total)
	for _, s := range r.Sessions {
		fmt.Fprintf(&b, "\n%d. %s\n", s.Seq, s.ID)
		fmt.Fprintf(&b, "  image:  %s\n", s.ImageHash)
		fmt.Fprintf(&b, "  cycles: %s\n", formatCount(s.FinalCycle))
		fmt.Fprintf(&b, "  trace:  %s events, %s snapshots\n", formatCount(s.Events), formatCount(s.Snapshots))
		if s.FirstFault != nil {
			fmt.Fprintf(&b, "  fault:  %s: %s\n", s.FirstFault.Kind, s.FirstFault.Message)
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// NewSessionsCommand creates the sessions command.
func NewSessionsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SessionsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
		Long: `List the sessions stored in a database, oldest first.

Examples:
  deos sessions --db ./deos.db
  deos sessions --db ./deos.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessions(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to the session database (required)")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runSessions(opts *SessionsOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := openExistingStore(opts.Database)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	sessions, err := st.ListSessions(ctx)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to list sessions", &LoadError{Code: ErrCodeStore, Message: "listing sessions", Err: err})
	}

	result := SessionsResult{Sessions: make([]SessionInfo, len(sessions)), Total: len(sessions)}
	for i, s := range sessions {
		result.Sessions[i] = SessionInfo{
			ID:         s.ID,
			Seq:        s.Seq,
			ImageHash:  s.ImageHash,
			FinalCycle: s.FinalCycle,
			Events:     s.EventCount,
			Snapshots:  s.SnapshotCount,
			FirstFault: s.FirstFault,
		}
	}
	return formatter.Success(result)
}
