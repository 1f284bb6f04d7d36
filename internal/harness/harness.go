package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/roach88/deos/internal/config"
	"github.com/roach88/deos/internal/kernel"
	"github.com/roach88/deos/internal/tbc"
	"github.com/roach88/deos/internal/trace"
	"github.com/roach88/deos/internal/vm"
)

// Harness is the scenario execution engine.
// Every scenario runs in fresh kernels; nothing is shared between runs.
type Harness struct {
	logger *slog.Logger
}

// New creates a harness that logs kernel activity to logger. A nil logger
// discards it.
func New(logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Harness{logger: logger}
}

// Run executes a test scenario with a silent logger and returns the result.
func Run(scenario *Scenario) (*Result, error) {
	return New(nil).Run(context.Background(), scenario)
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Assemble the program and build an image with the scenario's tasks
//  2. Run a kernel over the image (recording when Replay is set)
//  3. Replay the recorded trace in a fresh kernel and compare
//  4. Seek a third kernel to the requested cycle
//  5. Evaluate assertions
//
// Scenario failures (assertions, replay divergence, cycle budget) land in
// Result.Errors. Returned errors mean the scenario could not be run at all.
func (h *Harness) Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	img, opts, err := h.prepare(scenario)
	if err != nil {
		return nil, err
	}

	k, err := kernel.FromImage(img, opts...)
	if err != nil {
		return nil, fmt.Errorf("build kernel: %w", err)
	}
	if scenario.Replay {
		k.SetRecordMode(k.ImageHash())
	}
	k.Input([]byte(scenario.Input)...)

	h.logger.Info("scenario starting", "scenario", scenario.Name, "tasks", len(scenario.Tasks), "replay", scenario.Replay)

	result := NewResult()
	runErr := k.Run(ctx)
	if runErr != nil && ctx.Err() != nil {
		return nil, runErr
	}
	result.Output = k.Output()
	result.Tasks = outcomes(k.Tasks())
	result.FinalCycle = k.Clock().Current()
	if runErr != nil {
		result.AddError(fmt.Sprintf("run: %v", runErr))
	}

	if scenario.Replay && runErr == nil {
		result.Trace = k.Trace()
		if err := h.replay(ctx, img, opts, result); err != nil {
			result.AddError(fmt.Sprintf("replay: %v", err))
		} else {
			result.Replayed = true
		}
		if scenario.Seek != nil {
			out, err := h.seek(ctx, img, opts, result.Trace, *scenario.Seek)
			if err != nil {
				result.AddError(fmt.Sprintf("seek: %v", err))
			} else {
				result.SeekOutput = &out
			}
		}
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}

	h.logger.Info("scenario finished", "scenario", scenario.Name, "pass", result.Pass, "cycle", result.FinalCycle)
	return result, nil
}

// prepare assembles the scenario's program and policy and resolves its
// configuration into kernel options.
func (h *Harness) prepare(s *Scenario) (*kernel.Image, []kernel.Option, error) {
	cfg := config.Default()
	if s.Config != nil {
		data, err := json.Marshal(s.Config)
		if err != nil {
			return nil, nil, fmt.Errorf("scenario config: %w", err)
		}
		cfg, err = config.Parse(data, s.Name+".config")
		if err != nil {
			return nil, nil, fmt.Errorf("scenario config: %w", err)
		}
	}

	prog, err := tbc.Assemble(s.Program)
	if err != nil {
		return nil, nil, fmt.Errorf("assemble program: %w", err)
	}
	tasks := make([]kernel.ImageTask, len(s.Tasks))
	for i, t := range s.Tasks {
		priority := t.Priority
		if priority == 0 {
			priority = cfg.Priority
		}
		tasks[i] = kernel.ImageTask{Fn: t.Fn, Priority: priority, Domain: t.Domain}
	}
	img, err := kernel.NewImage(prog, tasks...)
	if err != nil {
		return nil, nil, err
	}

	opts, err := cfg.KernelOptions()
	if err != nil {
		return nil, nil, fmt.Errorf("scenario config: %w", err)
	}
	if s.PolicyProgram != "" {
		pp, err := tbc.Assemble(s.PolicyProgram)
		if err != nil {
			return nil, nil, fmt.Errorf("assemble policy: %w", err)
		}
		policy, err := kernel.NewBytecodePolicy(pp, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("load policy: %w", err)
		}
		opts = append(opts, kernel.WithPolicy(policy))
	}
	opts = append(opts, kernel.WithLogger(h.logger))
	return img, opts, nil
}

// replay runs the recorded trace, after a JSON round trip, in a fresh kernel
// and compares it with the recorded run.
func (h *Harness) replay(ctx context.Context, img *kernel.Image, opts []kernel.Option, result *Result) error {
	data, err := result.Trace.Marshal()
	if err != nil {
		return err
	}
	tr, err := trace.Parse(data)
	if err != nil {
		return err
	}

	k, err := kernel.FromImage(img, opts...)
	if err != nil {
		return err
	}
	if err := k.SetReplayMode(tr); err != nil {
		return err
	}
	if err := k.Run(ctx); err != nil {
		return err
	}

	if got := k.Output(); got != result.Output {
		return fmt.Errorf("output %q, recorded %q", got, result.Output)
	}
	if got := outcomes(k.Tasks()); !slices.Equal(got, result.Tasks) {
		return fmt.Errorf("task outcomes %v, recorded %v", got, result.Tasks)
	}
	if got := k.Clock().Current(); got != result.FinalCycle {
		return fmt.Errorf("final cycle %d, recorded %d", got, result.FinalCycle)
	}
	return nil
}

// seek restores a fresh kernel from tr to cycle and returns its output.
func (h *Harness) seek(ctx context.Context, img *kernel.Image, opts []kernel.Option, tr *trace.Trace, cycle uint64) (string, error) {
	k, err := kernel.FromImage(img, opts...)
	if err != nil {
		return "", err
	}
	if err := k.Seek(ctx, tr, cycle); err != nil {
		return "", err
	}
	return k.Output(), nil
}

func outcomes(infos []kernel.TaskInfo) []TaskOutcome {
	out := make([]TaskOutcome, len(infos))
	for i, info := range infos {
		o := TaskOutcome{ID: info.ID, State: info.State.String()}
		if info.Fault != nil {
			o.Fault = string(info.Fault.Kind)
		} else if info.Result != nil {
			o.Result = vm.Format(info.Result)
		}
		out[i] = o
	}
	return out
}
