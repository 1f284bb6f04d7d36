package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/deos/internal/kernel"
)

// ImageOptions holds flags for the image command.
type ImageOptions struct {
	*RootOptions
	Tasks  []string
	Output string
}

// ImageResult is the image command's payload.
type ImageResult struct {
	Output string `json:"output"`
	Hash   string `json:"hash"`
	Tasks  int    `json:"tasks"`
}

func (r ImageResult) String() string {
	return fmt.Sprintf("✓ Wrote %s (image %s, %d tasks)", r.Output, r.Hash, r.Tasks)
}

// NewImageCommand creates the image command.
func NewImageCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImageOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "image <program>",
		Short: "Bundle a program and its tasks into an image",
		Long: `Build a runnable image from assembly source or a TBC container.

Each --task flag spawns one task at load time:

  --task FN[:PRIORITY[:DOMAIN]]

FN is a function index. PRIORITY defaults to the configured priority and
DOMAIN to 0.

Examples:
  deos image prog.s --task 0 -o image.json
  deos image prog.tbc --task 1:200 --task 2:100:1 -o image.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImage(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Tasks, "task", nil, "task to spawn: FN[:PRIORITY[:DOMAIN]] (repeatable)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (required)")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func runImage(opts *ImageOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	cfg, err := LoadConfig(opts.Config)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to load config", err)
	}
	prog, err := LoadProgram(path)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to load program", err)
	}

	tasks := make([]kernel.ImageTask, 0, len(opts.Tasks))
	for _, spec := range opts.Tasks {
		t, err := parseTaskSpec(spec, cfg.Priority)
		if err != nil {
			return formatter.Fail(ExitCommandError, "invalid --task", err)
		}
		if _, ok := prog.Function(t.Fn); !ok {
			err := &LoadError{Code: ErrCodeInvalidImage, Message: fmt.Sprintf("task %q: no function %d", spec, t.Fn)}
			return formatter.Fail(ExitCommandError, "invalid --task", err)
		}
		tasks = append(tasks, t)
	}

	img, err := kernel.NewImage(prog, tasks...)
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to build image", err)
	}
	hash, err := img.Hash()
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to build image", err)
	}
	data, err := img.Marshal()
	if err != nil {
		return formatter.Fail(ExitCommandError, "failed to build image", err)
	}
	if err := writeOutput(opts.Output, append(data, '\n')); err != nil {
		return formatter.Fail(ExitCommandError, "failed to write image", err)
	}

	return formatter.Success(ImageResult{Output: opts.Output, Hash: hash, Tasks: len(tasks)})
}

// parseTaskSpec parses FN[:PRIORITY[:DOMAIN]].
func parseTaskSpec(spec string, defaultPriority int) (kernel.ImageTask, error) {
	parts := strings.Split(spec, ":")
	if len(parts) > 3 {
		return kernel.ImageTask{}, fmt.Errorf("task %q: want FN[:PRIORITY[:DOMAIN]]", spec)
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return kernel.ImageTask{}, fmt.Errorf("task %q: %q is not a non-negative integer", spec, p)
		}
		nums[i] = n
	}

	t := kernel.ImageTask{Fn: nums[0], Priority: defaultPriority}
	if len(nums) > 1 {
		t.Priority = nums[1]
	}
	if len(nums) > 2 {
		t.Domain = nums[2]
	}
	return t, nil
}
