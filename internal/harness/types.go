package harness

import "github.com/roach88/deos/internal/trace"

// TaskOutcome is the final state of one task.
type TaskOutcome struct {
	ID     int    `json:"id"`
	State  string `json:"state"`
	Result string `json:"result,omitempty"` // vm.Format of the final value, DONE tasks only
	Fault  string `json:"fault,omitempty"`  // fault kind
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every assertion holds and replay (when requested) matched.
	Pass bool `json:"pass"`

	// Output is the console output of the (recorded) run.
	Output string `json:"output"`

	// Tasks holds the final state of every task in id order.
	Tasks []TaskOutcome `json:"tasks"`

	// FinalCycle is the virtual clock at the end of the run.
	FinalCycle uint64 `json:"final_cycle"`

	// Replayed is set when the recorded trace was replayed successfully.
	Replayed bool `json:"replayed,omitempty"`

	// SeekOutput is the console output after seeking, when requested.
	SeekOutput *string `json:"seek_output,omitempty"`

	// Trace is the recorded trace; nil unless the scenario records.
	Trace *trace.Trace `json:"-"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Tasks:  []TaskOutcome{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Task returns the outcome of task id.
func (r *Result) Task(id int) (TaskOutcome, bool) {
	if id < 0 || id >= len(r.Tasks) {
		return TaskOutcome{}, false
	}
	return r.Tasks[id], true
}

// Faults returns the fault kinds in task-id order.
func (r *Result) Faults() []string {
	var kinds []string
	for _, t := range r.Tasks {
		if t.Fault != "" {
			kinds = append(kinds, t.Fault)
		}
	}
	return kinds
}
