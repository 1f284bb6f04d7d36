package kernel

import (
	"errors"
	"fmt"
	"math"

	"github.com/roach88/deos/internal/tbc"
	"github.com/roach88/deos/internal/vm"
)

// PolicyInput is everything a scheduling policy may look at.
//
// Runnable tasks are ordered by id. CurrentIndex is the position of the
// last-run task in that order, or 0 when it is no longer runnable.
type PolicyInput struct {
	Tick         uint64
	CurrentTask  int
	CurrentIndex int
	Runnable     int
	Domain       int
}

// Policy picks the next task among the runnable ones. It must be a pure
// function of its input: picks are recorded and must reproduce on replay.
// The kernel reduces the returned index modulo Runnable.
type Policy interface {
	Pick(in PolicyInput) (int, error)
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(in PolicyInput) (int, error)

// Pick calls f.
func (f PolicyFunc) Pick(in PolicyInput) (int, error) { return f(in) }

// RoundRobin picks the runnable task after the current one.
var RoundRobin Policy = PolicyFunc(func(in PolicyInput) (int, error) {
	return in.CurrentIndex + 1, nil
})

// First always picks the lowest runnable task id.
var First Policy = PolicyFunc(func(in PolicyInput) (int, error) {
	return 0, nil
})

// PolicyByName resolves a built-in policy. The empty name and "cyclic"
// select the kernel's built-in cyclic scan, reported as a nil Policy.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", "cyclic":
		return nil, nil
	case "round_robin":
		return RoundRobin, nil
	case "first":
		return First, nil
	}
	return nil, fmt.Errorf("unknown policy %q", name)
}

// DefaultPolicySteps bounds one evaluation of a BytecodePolicy.
const DefaultPolicySteps = 50000

// PolicyArity is the parameter count of a policy closure:
// (tick, current task, current index, runnable count, domain).
const PolicyArity = 5

var (
	ErrPolicyNotClosure = errors.New("policy entry must return a closure")
	ErrPolicyArity      = errors.New("policy arity mismatch")
	ErrPolicySyscall    = errors.New("policy syscall denied")
	ErrPolicyResult     = errors.New("policy must return a finite number")
)

// BytecodePolicy evaluates a policy written in bytecode.
//
// The policy program's function 0 runs once at construction and must return
// a closure of arity 5. Every Pick calls that closure in a fresh sandboxed
// VM: syscalls are denied and the number of steps is bounded.
type BytecodePolicy struct {
	prog     *tbc.Program
	closure  *vm.Closure
	maxSteps uint64
}

// NewBytecodePolicy loads a policy from prog. A zero maxSteps selects
// DefaultPolicySteps.
func NewBytecodePolicy(prog *tbc.Program, maxSteps uint64) (*BytecodePolicy, error) {
	if maxSteps == 0 {
		maxSteps = DefaultPolicySteps
	}
	m, err := vm.NewAtEntry(prog, 0)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	v, err := runSandboxed(m, NewBudget("policy steps", maxSteps))
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	c, ok := v.(*vm.Closure)
	if !ok {
		return nil, fmt.Errorf("load policy: %w, got %s", ErrPolicyNotClosure, vm.TypeName(v))
	}
	fn, ok := prog.Function(c.Fn)
	if !ok {
		return nil, fmt.Errorf("load policy: closure references missing function %d", c.Fn)
	}
	if fn.Arity != PolicyArity {
		return nil, fmt.Errorf("load policy: %w: %d", ErrPolicyArity, fn.Arity)
	}
	return &BytecodePolicy{prog: prog, closure: c, maxSteps: maxSteps}, nil
}

// Pick implements Policy.
func (p *BytecodePolicy) Pick(in PolicyInput) (int, error) {
	fn, _ := p.prog.Function(p.closure.Fn)
	env := vm.NewEnv(p.closure.Env, int(fn.Locals))
	args := []vm.Value{
		vm.Number(in.Tick),
		vm.Number(in.CurrentTask),
		vm.Number(in.CurrentIndex),
		vm.Number(in.Runnable),
		vm.Number(in.Domain),
	}
	for i, a := range args {
		env.Bind(i, a)
	}
	fiber := vm.NewFiber()
	fiber.Frames = append(fiber.Frames, vm.Frame{Fn: p.closure.Fn, Env: env})
	m, err := vm.New(p.prog, fiber)
	if err != nil {
		return 0, err
	}

	v, err := runSandboxed(m, NewBudget("policy steps", p.maxSteps))
	if err != nil {
		return 0, err
	}
	n, ok := v.(vm.Number)
	if !ok || math.IsNaN(float64(n)) || math.IsInf(float64(n), 0) {
		return 0, fmt.Errorf("%w, got %s", ErrPolicyResult, vm.Format(v))
	}
	return int(math.Floor(float64(n))), nil
}

func runSandboxed(m *vm.VM, b *Budget) (vm.Value, error) {
	for {
		res, err := m.Step()
		if err != nil {
			return nil, err
		}
		if err := b.Charge(1); err != nil {
			return nil, err
		}
		switch res.Status {
		case vm.StatusHalted:
			return res.Value, nil
		case vm.StatusSyscall:
			return nil, fmt.Errorf("%w: %s", ErrPolicySyscall, tbc.SyscallName(res.Sysno))
		}
	}
}

// wrapIndex reduces a picked index into [0, n).
func wrapIndex(i, n int) int {
	return ((i % n) + n) % n
}
