// Package harness runs kernel scenarios described in YAML.
//
// A scenario assembles a program, spawns tasks, feeds host input and runs a
// kernel to completion. With replay enabled it records the run, replays the
// trace in a fresh kernel and fails unless the replay reproduces the same
// output, task outcomes and final cycle.
//
// # Scenario Format
//
//	name: echo_replay
//	description: "Echo copies input bytes and replays them from the trace"
//	program: |
//	  func main
//	    ...
//	tasks:
//	  - fn: 0
//	    priority: 100
//	config:
//	  snapshot_interval: 5
//	input: "abc"
//	replay: true
//	seek: 8
//	assertions:
//	  - type: output_equals
//	    output: "abc"
//	  - type: event_count
//	    event: input
//	    count: 3
//
// program_file may replace program; it resolves against the scenario's
// directory. config keys follow the kernel configuration schema and are
// validated by it. policy_program holds a bytecode scheduling policy.
//
// # Assertion Types
//
//   - output_equals: console output matches exactly
//   - output_contains: console output contains a substring
//   - seek_output: output of a kernel sought to the seek cycle
//   - task_state: a task ended in the given state
//   - task_result: a task finished with a value that prints as given
//   - fault: a task (or any task) faulted with the given kind
//   - no_fault: no task faulted
//   - event_count: the recorded trace holds N events of a type
//
// # Golden Files
//
// AssertGolden compares a scenario's transcript (output plus task outcomes)
// with testdata/golden/<name>.golden. Regenerate with -update.
package harness
