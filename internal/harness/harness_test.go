package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/deos/internal/testutil"
)

func ptr[T any](v T) *T { return &v }

func TestRun_HandlerResume(t *testing.T) {
	scenario := &Scenario{
		Name:        "handler_resume_inline",
		Description: "Handler resumes once",
		Program:     testutil.HandlerResume,
		Tasks:       []TaskSpec{{Fn: 0}},
		Assertions: []Assertion{
			{Type: AssertTaskResult, Task: ptr(0), Value: ptr("21")},
			{Type: AssertNoFault},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Errors)
	assert.Nil(t, result.Trace, "no trace unless replaying")
	assert.False(t, result.Replayed)
	require.Len(t, result.Tasks, 1)
	assert.Equal(t, TaskOutcome{ID: 0, State: "DONE", Result: "21"}, result.Tasks[0])
}

func TestRun_ReplayEcho(t *testing.T) {
	scenario := &Scenario{
		Name:        "echo_inline",
		Description: "Echo input and replay",
		Program:     testutil.Echo,
		Tasks:       []TaskSpec{{Fn: 0}},
		Input:       "hi",
		Replay:      true,
		Assertions: []Assertion{
			{Type: AssertOutputEquals, Output: ptr("hi")},
			{Type: AssertEventCount, Event: "input", Count: ptr(2)},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.True(t, result.Replayed)
	require.NotNil(t, result.Trace)
	assert.NotEmpty(t, result.Trace.ImageHash)
	assert.Positive(t, result.FinalCycle)
}

func TestRun_FailingAssertion(t *testing.T) {
	scenario := &Scenario{
		Name:        "wrong_output",
		Description: "Expects the wrong output",
		Program:     testutil.FaultAndPrint,
		Tasks:       []TaskSpec{{Fn: 0}, {Fn: 1}},
		Assertions: []Assertion{
			{Type: AssertOutputEquals, Output: ptr("nope\n")},
			{Type: AssertNoFault},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0], "assertion 0")
	assert.Contains(t, result.Errors[0], `"nope\n"`)
	assert.Contains(t, result.Errors[1], "UnhandledEffect")
	assert.Equal(t, []string{"UnhandledEffect"}, result.Faults())
}

func TestRun_CycleBudget(t *testing.T) {
	scenario := &Scenario{
		Name:        "budget",
		Description: "Runs out of cycles",
		Program:     testutil.Workers,
		Tasks:       []TaskSpec{{Fn: 0}, {Fn: 1}},
		Config:      map[string]any{"max_cycles": 5},
		Replay:      true,
		Assertions:  []Assertion{{Type: AssertNoFault}},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "cycles budget exceeded")
	assert.False(t, result.Replayed, "no replay after a failed run")
}

func TestRun_ConfigRejected(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_config",
		Description: "Unknown policy name",
		Program:     testutil.Workers,
		Tasks:       []TaskSpec{{Fn: 0}},
		Config:      map[string]any{"policy": "lottery"},
		Assertions:  []Assertion{{Type: AssertNoFault}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenario config")
}

func TestRun_AssemblyError(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_asm",
		Description: "Program does not assemble",
		Program:     "func main\n  frobnicate\n",
		Tasks:       []TaskSpec{{Fn: 0}},
		Assertions:  []Assertion{{Type: AssertNoFault}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "assemble program")
}

func TestRun_UnknownEntry(t *testing.T) {
	scenario := &Scenario{
		Name:        "bad_fn",
		Description: "Task names a missing function",
		Program:     testutil.HandlerResume,
		Tasks:       []TaskSpec{{Fn: 9}},
		Assertions:  []Assertion{{Type: AssertNoFault}},
	}

	_, err := Run(scenario)
	assert.Error(t, err)
}

func TestRun_PolicyProgramRejected(t *testing.T) {
	scenario := &Scenario{
		Name:          "bad_policy",
		Description:   "Policy image does not return a closure",
		Program:       testutil.Workers,
		Tasks:         []TaskSpec{{Fn: 0}, {Fn: 1}},
		PolicyProgram: "func main\n  const 1\n  ret\n",
		Assertions:    []Assertion{{Type: AssertNoFault}},
	}

	_, err := Run(scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load policy")
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	scenario := &Scenario{
		Name:        "cancelled",
		Description: "Context is already done",
		Program:     testutil.Workers,
		Tasks:       []TaskSpec{{Fn: 0}},
		Assertions:  []Assertion{{Type: AssertNoFault}},
	}

	_, err := New(nil).Run(ctx, scenario)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/workers_bytecode_policy.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := Run(scenario)
		require.NoError(t, err)
		assert.Equal(t, first.Output, again.Output)
		assert.Equal(t, first.FinalCycle, again.FinalCycle)
		assert.Equal(t, first.Tasks, again.Tasks)
	}
}
