package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/deos/internal/tbc"
)

// AsmOptions holds flags for the asm command.
type AsmOptions struct {
	*RootOptions
	Output string
}

// AsmResult is the asm command's payload.
type AsmResult struct {
	Output    string `json:"output"`
	Bytes     int    `json:"bytes"`
	Functions int    `json:"functions"`
	Constants int    `json:"constants"`
}

func (r AsmResult) String() string {
	return fmt.Sprintf("✓ Wrote %s (%s bytes, %d functions, %d constants)",
		r.Output, formatCount(r.Bytes), r.Functions, r.Constants)
}

// NewAsmCommand creates the asm command.
func NewAsmCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AsmOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "asm <src.s>",
		Short: "Assemble source into a TBC container",
		Long: `Assemble bytecode source into a binary TBC container.

Exit codes:
  0 - Container written
  2 - Read, assembly or write error

Examples:
  deos asm ./prog.s -o prog.tbc
  deos asm ./prog.s -o prog.tbc --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsm(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (required)")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func runAsm(opts *AsmOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	data, err := readInput(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to read source", err)
	}
	prog, err := tbc.Assemble(string(data))
	if err != nil {
		err = &LoadError{Code: ErrCodeAssemble, Message: fmt.Sprintf("assembling %s", path), Err: err}
		return formatter.Fail(ExitCommandError, "assembly failed", err)
	}
	formatter.VerboseLog("Assembled %d functions from %s", len(prog.Functions), path)

	out, err := tbc.Encode(prog)
	if err != nil {
		return formatter.Fail(ExitCommandError, "encoding failed", err)
	}
	if err := writeOutput(opts.Output, out); err != nil {
		return formatter.Fail(ExitCommandError, "failed to write container", err)
	}

	return formatter.Success(AsmResult{
		Output:    opts.Output,
		Bytes:     len(out),
		Functions: len(prog.Functions),
		Constants: len(prog.Consts),
	})
}

// writeOutput writes data to path.
func writeOutput(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &LoadError{Code: ErrCodeWriteFailed, Message: fmt.Sprintf("writing %s", path), Err: err}
	}
	return nil
}
