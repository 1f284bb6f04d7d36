package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/deos/internal/testutil"
)

const harnessScenarios = "../harness/testdata/scenarios"

// writeScenario writes a HandlerResume scenario that expects result want.
func writeScenario(t *testing.T, dir, name, want string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("name: " + name + "\n")
	b.WriteString("description: handler resumes the continuation\n")
	b.WriteString("program: |\n")
	for _, line := range strings.Split(strings.TrimSpace(testutil.HandlerResume), "\n") {
		b.WriteString("  " + line + "\n")
	}
	b.WriteString("tasks:\n  - fn: 0\n")
	b.WriteString("assertions:\n  - type: task_result\n    task: 0\n    value: \"" + want + "\"\n")
	return writeFile(t, dir, name+".yaml", b.String())
}

func TestTestCommandHarnessScenarios(t *testing.T) {
	output, err := execute(t, NewTestCommand(&RootOptions{Format: "text"}), harnessScenarios)
	require.NoError(t, err, output)
	assert.Contains(t, output, "✓ echo_replay")
	assert.Contains(t, output, "✓ sleeper_seek")
	assert.Contains(t, output, "Test Summary: 7 passed, 0 failed, 7 total")
	assert.Contains(t, output, "✓ All scenarios passed")
}

func TestTestCommandFilter(t *testing.T) {
	output, err := execute(t, NewTestCommand(&RootOptions{Format: "json"}), harnessScenarios, "--filter", "workers*")
	require.NoError(t, err, output)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 2, resp.Data.Passed)
	for _, s := range resp.Data.Scenarios {
		assert.True(t, strings.HasPrefix(s.Name, "workers"), s.Name)
	}
}

func TestTestCommandFailingScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "good", "21")
	writeScenario(t, dir, "bad", "22")

	output, err := execute(t, NewTestCommand(&RootOptions{Format: "text"}), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, output, "✓ good")
	assert.Contains(t, output, "✗ bad")
	assert.Contains(t, output, "Test Summary: 1 passed, 1 failed, 2 total")
}

func TestTestCommandFailingScenarioJSON(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "bad", "0")

	output, err := execute(t, NewTestCommand(&RootOptions{Format: "json"}), dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Error  *CLIError  `json:"error"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "1 scenario(s) failed", resp.Error.Message)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.NotEmpty(t, resp.Data.Scenarios[0].Errors)
}

func TestTestCommandGoldenUpdateAndCompare(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "resume", "21")

	output, err := execute(t, NewTestCommand(&RootOptions{Format: "text"}), dir, "--update")
	require.NoError(t, err, output)

	goldenPath := filepath.Join(dir, "golden", "resume.golden")
	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Equal(t, "scenario: resume\noutput: \"\"\ntask 0: DONE result=21\n", string(golden))

	output, err = execute(t, NewTestCommand(&RootOptions{Format: "text"}), dir)
	require.NoError(t, err, output)

	require.NoError(t, os.WriteFile(goldenPath, []byte("scenario: resume\n"), 0o644))
	output, err = execute(t, NewTestCommand(&RootOptions{Format: "text"}), dir)
	require.Error(t, err)
	assert.Contains(t, output, "transcript does not match golden file")
}

func TestTestCommandLoadError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "broken.yaml", "name: broken\nbogus_field: 1\n")

	output, err := execute(t, NewTestCommand(&RootOptions{Format: "text"}), dir)
	require.Error(t, err)
	assert.Contains(t, output, "✗ broken")
	assert.Contains(t, output, "failed to load scenario")
}

func TestTestCommandMissingDir(t *testing.T) {
	_, err := execute(t, NewTestCommand(&RootOptions{Format: "text"}), filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommandEmptyDir(t *testing.T) {
	output, err := execute(t, NewTestCommand(&RootOptions{Format: "text"}), t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, output, "No scenarios found.")
}

func TestFindScenarioFilesBadPattern(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "one", "21")

	_, err := findScenarioFiles(dir, "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}

func TestGoldenFilePath(t *testing.T) {
	assert.Equal(t, filepath.Join("a", "b", "golden", "echo.golden"), goldenFilePath(filepath.Join("a", "b", "echo.yaml")))
	assert.Equal(t, filepath.Join("golden", "x.golden"), goldenFilePath("x.yml"))
}
