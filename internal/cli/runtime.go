package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/deos/internal/kernel"
	"github.com/roach88/deos/internal/store"
	"github.com/roach88/deos/internal/trace"
	"github.com/roach88/deos/internal/vm"
)

// TaskReport is one task's final state in command output.
type TaskReport struct {
	ID       int    `json:"id"`
	State    string `json:"state"`
	Priority int    `json:"priority"`
	Result   string `json:"result,omitempty"`
	Fault    string `json:"fault,omitempty"`
}

func (t TaskReport) String() string {
	switch {
	case t.Fault != "":
		return fmt.Sprintf("task %d: %s fault=%s", t.ID, t.State, t.Fault)
	case t.Result != "":
		return fmt.Sprintf("task %d: %s result=%s", t.ID, t.State, t.Result)
	}
	return fmt.Sprintf("task %d: %s", t.ID, t.State)
}

func taskReports(infos []kernel.TaskInfo) []TaskReport {
	out := make([]TaskReport, len(infos))
	for i, info := range infos {
		r := TaskReport{ID: info.ID, State: info.State.String(), Priority: info.Priority}
		if info.Fault != nil {
			r.Fault = info.Fault.Error()
		} else if info.Result != nil {
			r.Result = vm.Format(info.Result)
		}
		out[i] = r
	}
	return out
}

// RunSummary is the outcome of a run, replay or seek.
type RunSummary struct {
	Output     string       `json:"output"`
	Tasks      []TaskReport `json:"tasks"`
	FinalCycle uint64       `json:"final_cycle"`
	Events     int          `json:"events,omitempty"`
	Snapshots  int          `json:"snapshots,omitempty"`
	TraceOut   string       `json:"trace_out,omitempty"`

	// SessionID is carried at the top level of JSON responses.
	SessionID string `json:"-"`
}

func summarize(k *kernel.Kernel) RunSummary {
	return RunSummary{
		Output:     k.Output(),
		Tasks:      taskReports(k.Tasks()),
		FinalCycle: k.Clock().Current(),
	}
}

func (s RunSummary) String() string {
	var b strings.Builder
	b.WriteString(s.Output)
	if s.Output != "" && !strings.HasSuffix(s.Output, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString("---\n")
	for _, t := range s.Tasks {
		fmt.Fprintf(&b, "%s\n", t)
	}
	fmt.Fprintf(&b, "final cycle: %s", formatCount(s.FinalCycle))
	if s.Events > 0 || s.Snapshots > 0 {
		fmt.Fprintf(&b, "\ntrace: %s events, %s snapshots", formatCount(s.Events), formatCount(s.Snapshots))
	}
	if s.TraceOut != "" {
		fmt.Fprintf(&b, "\ntrace written to %s", s.TraceOut)
	}
	if s.SessionID != "" {
		fmt.Fprintf(&b, "\nsession: %s", s.SessionID)
	}
	return b.String()
}

// faultFailure describes the first fault of a run, or nil.
func faultFailure(k *kernel.Kernel) *CLIError {
	f := k.FirstFault()
	if f == nil {
		return nil
	}
	return &CLIError{Code: ErrCodeFault, Message: fmt.Sprintf("task fault: %v", f)}
}

// kernelOptions resolves the configuration file into kernel options that
// log through the default logger.
func kernelOptions(opts *RootOptions) ([]kernel.Option, error) {
	cfg, err := LoadConfig(opts.Config)
	if err != nil {
		return nil, err
	}
	kopts, err := cfg.KernelOptions()
	if err != nil {
		return nil, &LoadError{Code: ErrCodeConfig, Message: "invalid configuration", Err: err}
	}
	return append(kopts, kernel.WithLogger(slog.Default())), nil
}

// signalContext derives a context from the command's that is cancelled on
// SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// openExistingStore opens a session database that must already exist.
func openExistingStore(path string) (*store.Store, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("database not found: %s", path)}
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeStore, Message: "opening database", Err: err}
	}
	return st, nil
}

// TraceSource selects a recorded trace: a trace file or a stored session.
type TraceSource struct {
	TracePath string
	Database  string
	SessionID string
}

func (s *TraceSource) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&s.TracePath, "trace", "", "path to a trace file")
	cmd.Flags().StringVar(&s.Database, "db", "", "path to the session database")
	cmd.Flags().StringVar(&s.SessionID, "session", "", "stored session id (with --db)")
	cmd.MarkFlagsMutuallyExclusive("trace", "db")
	cmd.MarkFlagsRequiredTogether("db", "session")
	cmd.MarkFlagsOneRequired("trace", "db")
}

// Load reads the selected trace.
func (s *TraceSource) Load(ctx context.Context) (*trace.Trace, error) {
	if s.TracePath != "" {
		return LoadTrace(s.TracePath)
	}
	st, err := openExistingStore(s.Database)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	tr, err := st.LoadTrace(ctx, s.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("session not found: %s", s.SessionID)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeStore, Message: "loading session", Err: err}
	}
	return tr, nil
}
