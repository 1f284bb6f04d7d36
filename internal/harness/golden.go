package harness

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Transcript renders the observable outcome of a scenario: console output
// and final task states. Cycle counts and trace sizes are left out.
func Transcript(name string, result *Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)
	fmt.Fprintf(&b, "output: %s\n", strconv.Quote(result.Output))
	for _, t := range result.Tasks {
		switch {
		case t.Fault != "":
			fmt.Fprintf(&b, "task %d: %s fault=%s\n", t.ID, t.State, t.Fault)
		case t.Result != "":
			fmt.Fprintf(&b, "task %d: %s result=%s\n", t.ID, t.State, t.Result)
		default:
			fmt.Fprintf(&b, "task %d: %s\n", t.ID, t.State)
		}
	}
	if result.SeekOutput != nil {
		fmt.Fprintf(&b, "seek output: %s\n", strconv.Quote(*result.SeekOutput))
	}
	if result.Replayed {
		b.WriteString("replay: ok\n")
	}
	return []byte(b.String())
}

// RunWithGolden executes a scenario and compares its transcript against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if the scenario cannot be run. Test failure (via goldie)
// occurs if the transcript doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an already computed result against its golden
// transcript.
func AssertGolden(t *testing.T, scenarioName string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, Transcript(scenarioName, result))
}
