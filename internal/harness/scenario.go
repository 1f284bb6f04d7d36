package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/deos/internal/kernel"
)

// Scenario defines a kernel test scenario.
// A scenario assembles a program, spawns tasks from it, feeds input, runs the
// kernel to completion and asserts on the console output and final task
// states. With Replay set it also replays the recorded trace and requires
// the replay to reproduce the recorded run.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Program is the assembly source of the program under test.
	Program string `yaml:"program,omitempty"`

	// ProgramFile names an assembly file instead of inlining it.
	// Relative paths resolve against the scenario file's directory.
	ProgramFile string `yaml:"program_file,omitempty"`

	// Tasks lists the tasks to spawn, in task-id order.
	Tasks []TaskSpec `yaml:"tasks"`

	// Config overrides kernel configuration. Keys follow the CUE config
	// schema (cycles_per_tick, snapshot_interval, policy, ...).
	Config map[string]any `yaml:"config,omitempty"`

	// PolicyProgram is the assembly of a bytecode scheduling policy. It
	// takes precedence over config.policy.
	PolicyProgram string `yaml:"policy_program,omitempty"`

	// Input is fed to the kernel before the run as host input bytes.
	Input string `yaml:"input,omitempty"`

	// Replay records the run and replays its trace in a fresh kernel.
	Replay bool `yaml:"replay,omitempty"`

	// Seek, when set, restores a fresh kernel from the recorded trace to
	// this cycle. Requires Replay.
	Seek *uint64 `yaml:"seek,omitempty"`

	// Assertions validate the outcome.
	Assertions []Assertion `yaml:"assertions"`
}

// TaskSpec is one task to spawn.
type TaskSpec struct {
	// Fn is the entry function index.
	Fn int `yaml:"fn"`

	// Priority defaults to kernel.DefaultPriority when zero.
	Priority int `yaml:"priority,omitempty"`

	// Domain is passed to scheduling policies.
	Domain int `yaml:"domain,omitempty"`
}

// Assertion validates the outcome of a scenario.
type Assertion struct {
	// Type specifies the assertion type:
	// - "output_equals": console output equals Output exactly
	// - "output_contains": console output contains Output
	// - "seek_output": output after seeking equals Output
	// - "task_state": task Task ended in State
	// - "task_result": task Task finished with a value printing as Value
	// - "fault": task Task (or any task when Task is nil) faulted with Kind
	// - "no_fault": no task faulted
	// - "event_count": the recorded trace holds Count events of type Event
	Type string `yaml:"type"`

	Output *string `yaml:"output,omitempty"`
	Task   *int    `yaml:"task,omitempty"`
	State  string  `yaml:"state,omitempty"`
	Value  *string `yaml:"value,omitempty"`
	Kind   string  `yaml:"kind,omitempty"`
	Event  string  `yaml:"event,omitempty"`
	Count  *int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertOutputEquals   = "output_equals"
	AssertOutputContains = "output_contains"
	AssertSeekOutput     = "seek_output"
	AssertTaskState      = "task_state"
	AssertTaskResult     = "task_result"
	AssertFault          = "fault"
	AssertNoFault        = "no_fault"
	AssertEventCount     = "event_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}

	// Resolve the program file relative to the scenario BEFORE validation
	if scenario.ProgramFile != "" {
		programPath := scenario.ProgramFile
		if !filepath.IsAbs(programPath) {
			programPath = filepath.Join(filepath.Dir(path), programPath)
		}
		src, err := os.ReadFile(programPath)
		if err != nil {
			return nil, fmt.Errorf("invalid scenario: program file: %w", err)
		}
		scenario.Program = string(src)
	}

	if err := validateScenario(scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return scenario, nil
}

// ParseScenario decodes scenario YAML with strict field checking. It does
// not validate; LoadScenario and Run do.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Program == "" {
		return fmt.Errorf("program or program_file is required")
	}

	if len(s.Tasks) == 0 {
		return fmt.Errorf("tasks list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if s.Seek != nil && !s.Replay {
		return fmt.Errorf("seek requires replay: true")
	}

	for i, task := range s.Tasks {
		if task.Fn < 0 {
			return fmt.Errorf("tasks[%d]: fn must be non-negative", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion, s); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, s *Scenario) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertOutputEquals, AssertOutputContains:
		if a.Output == nil {
			return fmt.Errorf("assertions[%d]: output is required for %s", index, a.Type)
		}
	case AssertSeekOutput:
		if a.Output == nil {
			return fmt.Errorf("assertions[%d]: output is required for seek_output", index)
		}
		if s.Seek == nil {
			return fmt.Errorf("assertions[%d]: seek_output needs a seek cycle", index)
		}
	case AssertTaskState:
		if a.Task == nil {
			return fmt.Errorf("assertions[%d]: task is required for task_state", index)
		}
		if _, err := kernel.ParseTaskState(a.State); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertTaskResult:
		if a.Task == nil || a.Value == nil {
			return fmt.Errorf("assertions[%d]: task and value are required for task_result", index)
		}
	case AssertFault:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for fault", index)
		}
	case AssertNoFault:
	case AssertEventCount:
		if a.Event == "" || a.Count == nil {
			return fmt.Errorf("assertions[%d]: event and count are required for event_count", index)
		}
		if *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
		if !s.Replay {
			return fmt.Errorf("assertions[%d]: event_count needs a recorded trace (replay: true)", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
