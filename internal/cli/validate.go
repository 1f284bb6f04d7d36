package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/deos/internal/config"
)

// ValidateResult reports the effective configuration.
type ValidateResult struct {
	Path   string         `json:"path"`
	Config *config.Config `json:"config"`
}

func (r ValidateResult) String() string {
	c := r.Config
	return fmt.Sprintf(`✓ %s is valid
  cycles_per_tick:   %s
  snapshot_interval: %s
  max_cycles:        %s
  policy:            %s
  priority:          %d
  event_mask:        %v`,
		r.Path, formatCount(c.CyclesPerTick), formatCount(c.SnapshotInterval),
		formatCount(c.MaxCycles), c.Policy, c.Priority, c.EventMask)
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config.cue>",
		Short: "Validate a kernel configuration file",
		Long: `Validate a CUE configuration file against the kernel schema and print
the effective settings, defaults included.

Exit codes:
  0 - Configuration is valid
  2 - Configuration is invalid or unreadable

Examples:
  deos validate ./deos.cue
  deos validate ./deos.cue --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	data, err := readInput(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to read config", err)
	}
	cfg, err := config.Parse(data, path)
	if err == nil {
		_, err = cfg.KernelOptions()
	}
	if err != nil {
		err = &LoadError{Code: ErrCodeConfig, Message: "invalid configuration", Err: err}
		return formatter.Fail(ExitCommandError, "validation failed", err)
	}

	return formatter.Success(ValidateResult{Path: path, Config: cfg})
}
