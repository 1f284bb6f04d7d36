package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/roach88/deos/internal/config"
	"github.com/roach88/deos/internal/kernel"
	"github.com/roach88/deos/internal/tbc"
	"github.com/roach88/deos/internal/trace"
)

// Error codes for CLI output.
const (
	ErrCodeGeneric      = "E001" // Generic/unknown error
	ErrCodeReadFailed   = "E002" // File read error
	ErrCodeAssemble     = "E003" // Assembly failed
	ErrCodeDecode       = "E004" // Container or document decode failed
	ErrCodeNotFound     = "E005" // Path or session not found
	ErrCodeInvalidImage = "E006" // Image failed validation
	ErrCodeWriteFailed  = "E007" // File write error
	ErrCodeConfig       = "E008" // Configuration invalid
	ErrCodeStore        = "E009" // Session store error
	ErrCodeMismatch     = "E010" // Replay diverged from its trace
	ErrCodeFault        = "E011" // A task faulted
	ErrCodeBudget       = "E012" // Cycle budget exhausted
)

// LoadError represents an error that occurred while loading an input file.
type LoadError struct {
	Code    string
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoadError) Unwrap() error { return e.Err }

func readInput(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("file not found: %s", path)}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeReadFailed, Message: fmt.Sprintf("reading %s", path), Err: err}
	}
	return data, nil
}

// LoadProgram reads a program from path. Files that start with the
// container magic are decoded; anything else is assembled as source.
func LoadProgram(path string) (*tbc.Program, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, []byte{tbc.Magic0, tbc.Magic1}) {
		prog, err := tbc.Decode(data)
		if err != nil {
			return nil, &LoadError{Code: ErrCodeDecode, Message: fmt.Sprintf("decoding %s", path), Err: err}
		}
		return prog, nil
	}
	prog, err := tbc.Assemble(string(data))
	if err != nil {
		return nil, &LoadError{Code: ErrCodeAssemble, Message: fmt.Sprintf("assembling %s", path), Err: err}
	}
	return prog, nil
}

// LoadImage reads and validates an image document.
func LoadImage(path string) (*kernel.Image, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	img, err := kernel.ParseImage(data)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeInvalidImage, Message: fmt.Sprintf("image %s", path), Err: err}
	}
	return img, nil
}

// LoadTrace reads a trace document.
func LoadTrace(path string) (*trace.Trace, error) {
	data, err := readInput(path)
	if err != nil {
		return nil, err
	}
	tr, err := trace.Parse(data)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeDecode, Message: fmt.Sprintf("trace %s", path), Err: err}
	}
	return tr, nil
}

// LoadConfig reads the configuration file, or the defaults when path is
// empty.
func LoadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeConfig, Message: "invalid configuration", Err: err}
	}
	return cfg, nil
}

// errorCode returns the code carried by err, or ErrCodeGeneric.
func errorCode(err error) string {
	var le *LoadError
	if errors.As(err, &le) {
		return le.Code
	}
	switch {
	case kernel.IsReplayMismatch(err):
		return ErrCodeMismatch
	case kernel.IsBudgetExceeded(err):
		return ErrCodeBudget
	}
	return ErrCodeGeneric
}
