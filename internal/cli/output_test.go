package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatterJSON(t *testing.T) {
	tests := []struct {
		name       string
		write      func(f *OutputFormatter) error
		wantStatus string
		wantCode   string
	}{
		{
			name:       "success",
			write:      func(f *OutputFormatter) error { return f.Success(map[string]int{"functions": 2}) },
			wantStatus: "ok",
		},
		{
			name:       "error",
			write:      func(f *OutputFormatter) error { return f.Error(ErrCodeAssemble, "assembly failed", nil) },
			wantStatus: "error",
			wantCode:   ErrCodeAssemble,
		},
		{
			name: "report with failure",
			write: func(f *OutputFormatter) error {
				return f.Report(RunSummary{Output: "ok\n"}, "s-1", &CLIError{Code: ErrCodeFault, Message: "task fault"})
			},
			wantStatus: "error",
			wantCode:   ErrCodeFault,
		},
		{
			name:       "report",
			write:      func(f *OutputFormatter) error { return f.Report(RunSummary{}, "", nil) },
			wantStatus: "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			require.NoError(t, tt.write(&OutputFormatter{Format: "json", Writer: buf}))

			var resp CLIResponse
			require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
			assert.Equal(t, tt.wantStatus, resp.Status)
			if tt.wantCode == "" {
				assert.Nil(t, resp.Error)
				return
			}
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestOutputFormatterReportCarriesSession(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}
	require.NoError(t, f.Report(RunSummary{Output: "<b>"}, "test-session-0001", nil))

	assert.Contains(t, buf.String(), `"session_id": "test-session-0001"`)
	assert.Contains(t, buf.String(), `"output": "<b>"`, "HTML is not escaped")
}

func TestOutputFormatterText(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, f.Success("Image valid"))
	require.NoError(t, f.Error(ErrCodeConfig, "invalid configuration", map[string]string{"field": "policy"}))
	require.NoError(t, f.Report("summary", "", &CLIError{Code: ErrCodeMismatch, Message: "diverged"}))

	out := buf.String()
	assert.Contains(t, out, "Image valid\n")
	assert.Contains(t, out, "Error [E008]: invalid configuration\n")
	assert.NotContains(t, out, "Details:", "details need verbose")
	assert.Contains(t, out, "summary\nError [E010]: diverged\n")
}

func TestOutputFormatterVerbose(t *testing.T) {
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut, Verbose: true}

	f.VerboseLog("Assembled %d functions", 3)
	assert.Empty(t, out.String(), "diagnostics never corrupt JSON output")
	assert.Equal(t, "Assembled 3 functions\n", errOut.String())

	quiet := &bytes.Buffer{}
	(&OutputFormatter{Format: "text", Writer: quiet}).VerboseLog("hidden")
	assert.Empty(t, quiet.String())

	text := &bytes.Buffer{}
	tf := &OutputFormatter{Format: "text", Writer: text, Verbose: true}
	require.NoError(t, tf.Error(ErrCodeConfig, "bad", "policy"))
	assert.Contains(t, text.String(), "Details: policy")
	assert.Equal(t, text, tf.GetErrWriter())
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	cause := &LoadError{Code: ErrCodeAssemble, Message: "assembling main.s", Err: errors.New("line 3: unknown mnemonic")}
	err := formatter.Fail(ExitCommandError, "cannot load program", cause)

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, cause)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeAssemble, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "unknown mnemonic")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

func TestFormatCount(t *testing.T) {
	assert.Equal(t, "0", formatCount(0))
	assert.Equal(t, "1,234,567", formatCount(uint64(1234567)))
	assert.Equal(t, "-1,000", formatCount(int64(-1000)))
}
