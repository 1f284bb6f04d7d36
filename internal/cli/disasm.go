package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/deos/internal/tbc"
)

// DisasmResult is the disasm command's payload.
type DisasmResult struct {
	Functions int    `json:"functions"`
	Listing   string `json:"listing"`
}

func (r DisasmResult) String() string {
	return strings.TrimSuffix(r.Listing, "\n")
}

// NewDisasmCommand creates the disasm command.
func NewDisasmCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disasm <file>",
		Short: "Print a listing of a program",
		Long: `Print a human-readable listing of a TBC container or assembly source.

The listing includes the constant pool, every function with its arity and
locals, handler tables, and each instruction with its operands.

Examples:
  deos disasm prog.tbc
  deos disasm prog.s --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDisasm(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runDisasm(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	prog, err := LoadProgram(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to load program", err)
	}
	return formatter.Success(DisasmResult{
		Functions: len(prog.Functions),
		Listing:   tbc.Disassemble(prog),
	})
}
