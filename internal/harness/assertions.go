package harness

import (
	"fmt"
	"strconv"
	"strings"
)

// AssertionError is returned when an assertion fails.
// It includes the console output to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
	Output   string // Console output for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if e.Output != "" {
		fmt.Fprintf(&buf, "\nConsole output:\n")
		for _, line := range strings.SplitAfter(e.Output, "\n") {
			if line != "" {
				fmt.Fprintf(&buf, "  | %s", strings.TrimSuffix(line, "\n"))
				buf.WriteByte('\n')
			}
		}
	}

	return buf.String()
}

func assertOutputEquals(r *Result, a Assertion) error {
	if r.Output == *a.Output {
		return nil
	}
	return &AssertionError{
		Type:     AssertOutputEquals,
		Expected: strconv.Quote(*a.Output),
		Actual:   strconv.Quote(r.Output),
		Output:   r.Output,
	}
}

func assertOutputContains(r *Result, a Assertion) error {
	if strings.Contains(r.Output, *a.Output) {
		return nil
	}
	return &AssertionError{
		Type:     AssertOutputContains,
		Expected: fmt.Sprintf("output containing %q", *a.Output),
		Actual:   "not found",
		Output:   r.Output,
	}
}

func assertSeekOutput(r *Result, a Assertion) error {
	if r.SeekOutput == nil {
		return &AssertionError{
			Type:     AssertSeekOutput,
			Expected: strconv.Quote(*a.Output),
			Actual:   "seek did not run",
		}
	}
	if *r.SeekOutput == *a.Output {
		return nil
	}
	return &AssertionError{
		Type:     AssertSeekOutput,
		Expected: strconv.Quote(*a.Output),
		Actual:   strconv.Quote(*r.SeekOutput),
		Output:   *r.SeekOutput,
	}
}

func assertTaskState(r *Result, a Assertion) error {
	t, ok := r.Task(*a.Task)
	if !ok {
		return missingTask(AssertTaskState, *a.Task, r)
	}
	if t.State == a.State {
		return nil
	}
	return &AssertionError{
		Type:     AssertTaskState,
		Expected: fmt.Sprintf("task %d in %s", *a.Task, a.State),
		Actual:   t.State,
		Output:   r.Output,
	}
}

func assertTaskResult(r *Result, a Assertion) error {
	t, ok := r.Task(*a.Task)
	if !ok {
		return missingTask(AssertTaskResult, *a.Task, r)
	}
	switch {
	case t.Fault != "":
		return &AssertionError{
			Type:     AssertTaskResult,
			Expected: fmt.Sprintf("task %d result %s", *a.Task, *a.Value),
			Actual:   "fault " + t.Fault,
			Output:   r.Output,
		}
	case t.State != "DONE":
		return &AssertionError{
			Type:     AssertTaskResult,
			Expected: fmt.Sprintf("task %d result %s", *a.Task, *a.Value),
			Actual:   "task is " + t.State,
			Output:   r.Output,
		}
	case t.Result != *a.Value:
		return &AssertionError{
			Type:     AssertTaskResult,
			Expected: fmt.Sprintf("task %d result %s", *a.Task, *a.Value),
			Actual:   t.Result,
			Output:   r.Output,
		}
	}
	return nil
}

func assertFault(r *Result, a Assertion) error {
	if a.Task != nil {
		t, ok := r.Task(*a.Task)
		if !ok {
			return missingTask(AssertFault, *a.Task, r)
		}
		if t.Fault == a.Kind {
			return nil
		}
		actual := t.Fault
		if actual == "" {
			actual = "no fault"
		}
		return &AssertionError{
			Type:     AssertFault,
			Expected: fmt.Sprintf("task %d fault %s", *a.Task, a.Kind),
			Actual:   actual,
			Output:   r.Output,
		}
	}
	for _, kind := range r.Faults() {
		if kind == a.Kind {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertFault,
		Expected: "some task with fault " + a.Kind,
		Actual:   fmt.Sprintf("faults %v", r.Faults()),
		Output:   r.Output,
	}
}

func assertNoFault(r *Result, _ Assertion) error {
	if faults := r.Faults(); len(faults) > 0 {
		return &AssertionError{
			Type:     AssertNoFault,
			Expected: "no faults",
			Actual:   fmt.Sprintf("faults %v", faults),
			Output:   r.Output,
		}
	}
	return nil
}

func assertEventCount(r *Result, a Assertion) error {
	if r.Trace == nil {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d %s events", *a.Count, a.Event),
			Actual:   "no recorded trace",
		}
	}
	count := 0
	for _, ev := range r.Trace.Events {
		if string(ev.Type) == a.Event {
			count++
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     AssertEventCount,
			Expected: fmt.Sprintf("%d %s events", *a.Count, a.Event),
			Actual:   fmt.Sprintf("%d events", count),
			Output:   r.Output,
		}
	}
	return nil
}

func missingTask(typ string, id int, r *Result) error {
	return &AssertionError{
		Type:     typ,
		Expected: fmt.Sprintf("task %d", id),
		Actual:   fmt.Sprintf("only %d tasks", len(r.Tasks)),
		Output:   r.Output,
	}
}

// EvaluateAssertions checks every assertion against the result and returns
// the messages of those that fail, in assertion order.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertOutputEquals:
			err = assertOutputEquals(result, a)
		case AssertOutputContains:
			err = assertOutputContains(result, a)
		case AssertSeekOutput:
			err = assertSeekOutput(result, a)
		case AssertTaskState:
			err = assertTaskState(result, a)
		case AssertTaskResult:
			err = assertTaskResult(result, a)
		case AssertFault:
			err = assertFault(result, a)
		case AssertNoFault:
			err = assertNoFault(result, a)
		case AssertEventCount:
			err = assertEventCount(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errors = append(errors, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errors
}
