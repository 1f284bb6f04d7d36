package vm

import (
	"errors"
	"fmt"
)

// Fault is an interpreter error raised at the instruction that detected it.
type Fault struct {
	// Kind identifies the fault category.
	Kind FaultKind

	// Message is a human-readable description.
	Message string

	// Fn and IP locate the faulting instruction. IP is the offset of the
	// opcode byte. Both are -1 when the fault did not come from an instruction.
	Fn int
	IP int
}

// FaultKind categorizes interpreter faults.
type FaultKind string

const (
	FaultUnhandledEffect  FaultKind = "UnhandledEffect"
	FaultContinuationUsed FaultKind = "ContinuationAlreadyUsed"
	FaultArity            FaultKind = "ArityError"
	FaultCallNonCallable  FaultKind = "CallNonCallable"
	FaultType             FaultKind = "TypeError"
	FaultRuntime          FaultKind = "RuntimeError"
	FaultImmutableBinding FaultKind = "ImmutableBindingReassigned"
	FaultEnvOutOfBounds   FaultKind = "EnvOutOfBounds"
	FaultStackUnderflow   FaultKind = "StackUnderflow"
	FaultInvalidOpcode    FaultKind = "InvalidOpcode"
	FaultBadBytecode      FaultKind = "BadBytecode"
)

func newFault(kind FaultKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...), Fn: -1, IP: -1}
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Fn >= 0 {
		return fmt.Sprintf("%s: %s (fn=%d, ip=%d)", f.Kind, f.Message, f.Fn, f.IP)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// IsFault reports whether err is a *Fault of the given kind.
func IsFault(err error, kind FaultKind) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == kind
	}
	return false
}

// AsFault extracts the *Fault from err, if any.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	ok := errors.As(err, &f)
	return f, ok
}
