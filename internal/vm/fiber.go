package vm

import (
	"fmt"

	"github.com/roach88/deos/internal/tbc"
)

// Frame is one activation on a fiber's call stack.
type Frame struct {
	Fn  int
	IP  int
	Env *Env
}

// HandlerClause maps an effect-name constant to its handling closure.
type HandlerClause struct {
	EffectConst int
	Clause      *Closure
}

// HandlerFrame is an installed handler with its base watermarks and done point.
type HandlerFrame struct {
	Clauses []HandlerClause

	// OnReturn is the declared return clause. It is carried for inspection
	// and snapshots; the VM does not call it.
	OnReturn *Closure

	// BaseCallDepth and BaseValueHeight are the stack sizes at installation.
	BaseCallDepth   int
	BaseValueHeight int

	// DoneFn and DonePC locate the instruction after the handle scope.
	DoneFn int
	DonePC int
}

// YieldTarget marks where a restored fiber hands its result back to its
// parent: the done point of the handler that captured it and the call depth
// of the frame that owns that done point.
//
// Handlers counts the entries at the bottom of the fiber's handler stack
// that lie outside the captured region. They are copies of handlers the
// parent still owns, so effect lookup skips them and continues in the parent.
type YieldTarget struct {
	Fn       int
	PC       int
	Depth    int
	Handlers int
}

// NoYieldTarget is the target of fibers that were never captured.
var NoYieldTarget = YieldTarget{Fn: -1, PC: -1, Depth: -1}

// Fiber is one logical stack of execution.
type Fiber struct {
	Values   []Value
	Frames   []Frame
	Handlers []HandlerFrame
	Yielding bool
	Target   YieldTarget
	Parent   *Fiber
}

// NewFiber returns an empty fiber with no yield target.
func NewFiber() *Fiber {
	return &Fiber{Target: NoYieldTarget}
}

// EntryFiber returns a fiber whose single frame starts function fn with a
// fresh top-level Env.
func EntryFiber(prog *tbc.Program, fn int) (*Fiber, error) {
	f, ok := prog.Function(fn)
	if !ok {
		return nil, fmt.Errorf("invalid entry function index %d", fn)
	}
	fiber := NewFiber()
	fiber.Frames = append(fiber.Frames, Frame{Fn: fn, Env: NewEnv(nil, int(f.Locals))})
	return fiber, nil
}

// Top returns the current frame, or nil when the call stack is empty.
func (f *Fiber) Top() *Frame {
	if len(f.Frames) == 0 {
		return nil
	}
	return &f.Frames[len(f.Frames)-1]
}

// AtYieldTarget reports whether the top frame sits exactly on the yield target.
func (f *Fiber) AtYieldTarget() bool {
	top := f.Top()
	if top == nil {
		return false
	}
	return len(f.Frames) == f.Target.Depth && top.Fn == f.Target.Fn && top.IP == f.Target.PC
}

// outerHandlers is the number of handlers, from the bottom, that effect
// lookup skips in this fiber.
func (f *Fiber) outerHandlers() int {
	if f.Parent == nil {
		return 0
	}
	return min(max(f.Target.Handlers, 0), len(f.Handlers))
}

// FiberSnapshot is the immutable state captured by a Continuation.
//
// When an effect escapes a resumed fiber, the continuation spans several
// fibers: Parent is the snapshot of the fiber this one returns into. The
// outermost snapshot has no Parent and returns into whoever resumes it.
type FiberSnapshot struct {
	Values   []Value
	Frames   []Frame
	Handlers []HandlerFrame
	Target   YieldTarget
	Parent   *FiberSnapshot
}

// Capture copies the fiber's stacks into a snapshot with the given target.
// Envs and closures are shared; stacks are not.
func (f *Fiber) Capture(target YieldTarget) *FiberSnapshot {
	return &FiberSnapshot{
		Values:   append([]Value(nil), f.Values...),
		Frames:   append([]Frame(nil), f.Frames...),
		Handlers: append([]HandlerFrame(nil), f.Handlers...),
		Target:   target,
	}
}

// captureChain captures f and every fiber between it and owner. owner is
// captured with target; the fibers above it keep their own targets.
func captureChain(f, owner *Fiber, target YieldTarget) *FiberSnapshot {
	if f == owner {
		return f.Capture(target)
	}
	snap := f.Capture(f.Target)
	snap.Parent = captureChain(f.Parent, owner, target)
	return snap
}

// Restore builds fresh fibers from the snapshot chain and returns the
// innermost one. The snapshots are unchanged; the outermost restored fiber
// has no parent.
func (s *FiberSnapshot) Restore() *Fiber {
	f := &Fiber{
		Values:   append([]Value(nil), s.Values...),
		Frames:   append([]Frame(nil), s.Frames...),
		Handlers: append([]HandlerFrame(nil), s.Handlers...),
		Target:   s.Target,
	}
	if s.Parent != nil {
		f.Parent = s.Parent.Restore()
	}
	return f
}
