package vm

import (
	"encoding/binary"

	"github.com/roach88/deos/internal/tbc"
)

// Status is the outcome of a Step or Run.
type Status int

const (
	// StatusRunning means the VM can keep stepping.
	StatusRunning Status = iota
	// StatusHalted means the fiber finished; Result.Value holds its value.
	StatusHalted
	// StatusSafepoint means the task may be rescheduled.
	StatusSafepoint
	// StatusSyscall means Result.Sysno must be dispatched by the host.
	StatusSyscall
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusHalted:
		return "halted"
	case StatusSafepoint:
		return "safepoint"
	case StatusSyscall:
		return "syscall"
	}
	return "unknown"
}

// Result reports what a Step or Run stopped on. Cycles counts executed
// instructions; fiber merges and implicit frame pops cost nothing.
type Result struct {
	Status Status
	Value  Value
	Sysno  uint16
	Cycles int
}

// EventKind identifies an observer notification.
type EventKind int

const (
	// EventPerform fires when an effect is dispatched to a handler clause.
	EventPerform EventKind = iota
	// EventResume fires when a continuation is invoked.
	EventResume
	// EventReturn fires when a resumed fiber hands its value to its parent.
	EventReturn
)

// Event is passed to an Observer.
type Event struct {
	Kind   EventKind
	Effect string
	Argc   int
	Value  Value
}

// Observer receives effect and continuation notifications.
type Observer func(Event)

// Option configures a VM.
type Option func(*VM)

// WithObserver installs an Observer.
func WithObserver(o Observer) Option {
	return func(m *VM) {
		m.observer = o
	}
}

// WithLastValue seeds the last popped value, used when resuming a task from
// a snapshot.
func WithLastValue(v Value) Option {
	return func(m *VM) {
		m.last = v
	}
}

// VM interprets one fiber chain against an immutable Program.
//
// A VM is not safe for concurrent use. Programs are, and may be shared.
type VM struct {
	prog     *tbc.Program
	fiber    *Fiber
	last     Value
	observer Observer

	// location of the instruction being executed, for fault reports
	curFn int
	curIP int
}

// New creates a VM stepping fiber. A fiber without frames starts at
// function 0.
func New(prog *tbc.Program, fiber *Fiber, opts ...Option) (*VM, error) {
	if fiber == nil || len(fiber.Frames) == 0 {
		entry, err := EntryFiber(prog, 0)
		if err != nil {
			return nil, err
		}
		if fiber != nil {
			fiber.Frames = entry.Frames
		} else {
			fiber = entry
		}
	}
	m := &VM{prog: prog, fiber: fiber, last: Null{}, curFn: -1, curIP: -1}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// NewAtEntry creates a VM on a fresh fiber starting at function fn.
func NewAtEntry(prog *tbc.Program, fn int, opts ...Option) (*VM, error) {
	fiber, err := EntryFiber(prog, fn)
	if err != nil {
		return nil, err
	}
	return New(prog, fiber, opts...)
}

// Fiber returns the active fiber. After a continuation call this is the
// restored fiber; its Parent chain leads back to the caller.
func (m *VM) Fiber() *Fiber { return m.fiber }

// Program returns the program the VM executes.
func (m *VM) Program() *tbc.Program { return m.prog }

// LastValue returns the most recently popped or returned value.
func (m *VM) LastValue() Value { return m.last }

// Push pushes v on the active fiber's value stack.
func (m *VM) Push(v Value) {
	m.fiber.Values = append(m.fiber.Values, v)
}

// Pop removes the top of the active fiber's value stack.
func (m *VM) Pop() (Value, error) {
	n := len(m.fiber.Values)
	if n == 0 {
		return nil, m.fault(FaultStackUnderflow, "pop from empty value stack")
	}
	v := m.fiber.Values[n-1]
	m.fiber.Values[n-1] = nil
	m.fiber.Values = m.fiber.Values[:n-1]
	return v, nil
}

func (m *VM) peek() (Value, error) {
	n := len(m.fiber.Values)
	if n == 0 {
		return nil, m.fault(FaultStackUnderflow, "peek at empty value stack")
	}
	return m.fiber.Values[n-1], nil
}

func (m *VM) popN(n int) ([]Value, error) {
	if len(m.fiber.Values) < n {
		return nil, m.fault(FaultStackUnderflow, "need %d values, have %d", n, len(m.fiber.Values))
	}
	start := len(m.fiber.Values) - n
	args := append([]Value(nil), m.fiber.Values[start:]...)
	clear(m.fiber.Values[start:])
	m.fiber.Values = m.fiber.Values[:start]
	return args, nil
}

// fault builds a Fault located at the current instruction.
func (m *VM) fault(kind FaultKind, format string, args ...any) *Fault {
	f := newFault(kind, format, args...)
	f.Fn, f.IP = m.curFn, m.curIP
	return f
}

// locate stamps the current instruction onto faults raised by helpers.
func (m *VM) locate(err error) error {
	if f, ok := AsFault(err); ok && f.Fn < 0 {
		f.Fn, f.IP = m.curFn, m.curIP
	}
	return err
}

func (m *VM) emit(ev Event) {
	if m.observer != nil {
		m.observer(ev)
	}
}

// Run steps until the VM halts, reaches a safepoint, issues a syscall or
// faults. Cycles accumulates over all steps.
func (m *VM) Run() (Result, error) {
	total := 0
	for {
		res, err := m.Step()
		total += res.Cycles
		if err != nil {
			return Result{Cycles: total}, err
		}
		if res.Status != StatusRunning {
			res.Cycles = total
			return res, nil
		}
	}
}

// Step performs one unit of work: a fiber merge, an implicit return off the
// end of a function, or a single instruction.
func (m *VM) Step() (Result, error) {
	f := m.fiber
	if len(f.Frames) == 0 {
		return Result{Status: StatusHalted, Value: m.last}, nil
	}
	if f.Yielding && f.AtYieldTarget() {
		return m.returnToParent()
	}

	frame := f.Top()
	fn, ok := m.prog.Function(frame.Fn)
	if !ok {
		m.curFn, m.curIP = frame.Fn, frame.IP
		return Result{}, m.fault(FaultBadBytecode, "frame references missing function %d", frame.Fn)
	}
	if frame.IP >= len(fn.Code) {
		f.Frames = f.Frames[:len(f.Frames)-1]
		return Result{Status: StatusRunning}, nil
	}

	m.curFn, m.curIP = frame.Fn, frame.IP
	op := tbc.Opcode(fn.Code[frame.IP])
	info, ok := tbc.Lookup(op)
	if !ok {
		return Result{Cycles: 1}, m.fault(FaultInvalidOpcode, "unknown opcode 0x%02x", byte(op))
	}
	if frame.IP+info.Size() > len(fn.Code) {
		return Result{Cycles: 1}, m.fault(FaultBadBytecode, "truncated operands for %s", op)
	}
	operands := fn.Code[frame.IP+1 : frame.IP+info.Size()]
	frame.IP += info.Size()

	res, err := m.exec(op, operands, fn)
	res.Cycles = 1
	if err != nil {
		return res, m.locate(err)
	}
	return res, nil
}

func u16(b []byte, off int) int { return int(binary.LittleEndian.Uint16(b[off:])) }
func u32(b []byte, off int) int { return int(binary.LittleEndian.Uint32(b[off:])) }

// exec runs a decoded instruction. The current frame's IP already points past it.
func (m *VM) exec(op tbc.Opcode, operands []byte, fn *tbc.Function) (Result, error) {
	running := Result{Status: StatusRunning}

	switch op {
	case tbc.OpConst:
		c, ok := m.prog.Const(u16(operands, 0))
		if !ok {
			return running, m.fault(FaultBadBytecode, "constant %d out of range", u16(operands, 0))
		}
		m.Push(FromConst(c))

	case tbc.OpPop:
		v, err := m.Pop()
		if err != nil {
			return running, err
		}
		m.last = v

	case tbc.OpDup:
		v, err := m.peek()
		if err != nil {
			return running, err
		}
		m.Push(v)

	case tbc.OpSwap:
		vals, err := m.popN(2)
		if err != nil {
			return running, err
		}
		m.Push(vals[1])
		m.Push(vals[0])

	case tbc.OpLoad:
		v, err := m.fiber.Top().Env.Get(u16(operands, 0), u16(operands, 2))
		if err != nil {
			return running, err
		}
		m.Push(v)

	case tbc.OpStore:
		v, err := m.peek()
		if err != nil {
			return running, err
		}
		if err := m.fiber.Top().Env.Set(u16(operands, 0), u16(operands, 2), v); err != nil {
			return running, err
		}

	case tbc.OpAdd, tbc.OpSub, tbc.OpMul, tbc.OpDiv, tbc.OpLt, tbc.OpGt:
		if err := m.binary(op); err != nil {
			return running, err
		}

	case tbc.OpEq:
		vals, err := m.popN(2)
		if err != nil {
			return running, err
		}
		m.Push(Bool(vals[0] == vals[1]))

	case tbc.OpJmp:
		m.fiber.Top().IP = u32(operands, 0)

	case tbc.OpJmpF:
		v, err := m.Pop()
		if err != nil {
			return running, err
		}
		if !Truthy(v) {
			m.fiber.Top().IP = u32(operands, 0)
		}

	case tbc.OpClosure:
		idx := u16(operands, 0)
		if _, ok := m.prog.Function(idx); !ok {
			return running, m.fault(FaultBadBytecode, "closure references missing function %d", idx)
		}
		m.Push(&Closure{Fn: idx, Env: m.fiber.Top().Env})

	case tbc.OpCall:
		args, err := m.popN(u16(operands, 0))
		if err != nil {
			return running, err
		}
		callee, err := m.Pop()
		if err != nil {
			return running, err
		}
		return running, m.call(callee, args)

	case tbc.OpRet:
		var result Value
		if len(m.fiber.Values) == 0 {
			result = m.last
		} else {
			result, _ = m.Pop()
		}
		m.fiber.Frames = m.fiber.Frames[:len(m.fiber.Frames)-1]
		if len(m.fiber.Frames) > 0 {
			m.Push(result)
		} else {
			m.last = result
		}

	case tbc.OpHalt:
		m.fiber.Frames = nil
		return Result{Status: StatusHalted, Value: m.last}, nil

	case tbc.OpPushHandler:
		return running, m.pushHandler(fn, u16(operands, 0), u32(operands, 2))

	case tbc.OpPopHandler:
		if n := len(m.fiber.Handlers); n > 0 {
			m.fiber.Handlers = m.fiber.Handlers[:n-1]
		}

	case tbc.OpPerform:
		args, err := m.popN(u16(operands, 2))
		if err != nil {
			return running, err
		}
		return running, m.perform(u16(operands, 0), args)

	case tbc.OpHandleDone:
		// Marker only; the merge check runs before every step.

	case tbc.OpSafepoint:
		return Result{Status: StatusSafepoint}, nil

	case tbc.OpSys:
		return Result{Status: StatusSyscall, Sysno: uint16(u16(operands, 0))}, nil

	default:
		return running, m.fault(FaultInvalidOpcode, "unhandled opcode %s", op)
	}
	return running, nil
}

// binary applies an arithmetic or ordering operator to the top two values.
func (m *VM) binary(op tbc.Opcode) error {
	vals, err := m.popN(2)
	if err != nil {
		return err
	}
	a, b := vals[0], vals[1]
	if !isPrimitive(a) || !isPrimitive(b) {
		return m.fault(FaultRuntime, "binary operation on non-primitive (%s %s %s)", TypeName(a), op, TypeName(b))
	}

	switch x := a.(type) {
	case Number:
		if y, ok := b.(Number); ok {
			m.Push(numberOp(op, float64(x), float64(y)))
			return nil
		}
	case String:
		if y, ok := b.(String); ok {
			switch op {
			case tbc.OpAdd:
				m.Push(x + y)
				return nil
			case tbc.OpLt:
				m.Push(Bool(x < y))
				return nil
			case tbc.OpGt:
				m.Push(Bool(x > y))
				return nil
			}
		}
	}
	return m.fault(FaultType, "%s operands must be numbers%s, got %s and %s",
		op, stringSuffix(op), TypeName(a), TypeName(b))
}

func stringSuffix(op tbc.Opcode) string {
	switch op {
	case tbc.OpAdd, tbc.OpLt, tbc.OpGt:
		return " or both strings"
	}
	return ""
}

func numberOp(op tbc.Opcode, a, b float64) Value {
	switch op {
	case tbc.OpAdd:
		return Number(a + b)
	case tbc.OpSub:
		return Number(a - b)
	case tbc.OpMul:
		return Number(a * b)
	case tbc.OpDiv:
		return Number(a / b)
	case tbc.OpLt:
		return Bool(a < b)
	default:
		return Bool(a > b)
	}
}

// isPrimitive reports whether v may take part in arithmetic or ordering.
// Null and references may not.
func isPrimitive(v Value) bool {
	switch v.(type) {
	case Bool, Number, String:
		return true
	}
	return false
}

func (m *VM) pushHandler(fn *tbc.Function, idx, donePC int) error {
	if idx >= len(fn.Handlers) {
		return m.fault(FaultBadBytecode, "handler %d out of range", idx)
	}
	def := fn.Handlers[idx]
	top := m.fiber.Top()

	h := HandlerFrame{
		Clauses:         make([]HandlerClause, len(def.Clauses)),
		BaseCallDepth:   len(m.fiber.Frames),
		BaseValueHeight: len(m.fiber.Values),
		DoneFn:          top.Fn,
		DonePC:          donePC,
	}
	for i, c := range def.Clauses {
		h.Clauses[i] = HandlerClause{
			EffectConst: int(c.EffectConst),
			Clause:      &Closure{Fn: int(c.Fn), Env: top.Env},
		}
	}
	if def.HasReturn() {
		h.OnReturn = &Closure{Fn: int(def.ReturnFn), Env: top.Env}
	}
	m.fiber.Handlers = append(m.fiber.Handlers, h)
	return nil
}

// perform dispatches an effect to the innermost handler with a matching
// clause. Lookup starts in the active fiber and continues through its
// parents; when the handler belongs to a parent, the continuation takes the
// fibers in between with it.
func (m *VM) perform(effect int, args []Value) error {
	owner, idx, clause := m.findHandler(effect)
	if clause == nil {
		return m.fault(FaultUnhandledEffect, "no handler for effect %s", m.prog.EffectName(effect))
	}

	h := owner.Handlers[idx]
	if h.BaseCallDepth < 1 || h.BaseCallDepth > len(owner.Frames) || h.BaseValueHeight > len(owner.Values) {
		return m.fault(FaultBadBytecode, "handler watermarks (%d, %d) exceed fiber (%d, %d)",
			h.BaseCallDepth, h.BaseValueHeight, len(owner.Frames), len(owner.Values))
	}

	cont := &Continuation{
		Snap: captureChain(m.fiber, owner, YieldTarget{
			Fn:       h.DoneFn,
			PC:       h.DonePC,
			Depth:    h.BaseCallDepth,
			Handlers: idx,
		}),
	}

	clear(owner.Values[h.BaseValueHeight:])
	owner.Values = owner.Values[:h.BaseValueHeight]
	owner.Frames = owner.Frames[:h.BaseCallDepth]
	owner.Handlers = owner.Handlers[:idx]
	owner.Top().IP = h.DonePC
	m.fiber = owner

	m.emit(Event{Kind: EventPerform, Effect: m.prog.EffectName(effect), Argc: len(args)})
	return m.call(clause, append(args, cont))
}

// findHandler returns the fiber and handler index of the innermost clause
// for effect, or a nil clause.
func (m *VM) findHandler(effect int) (*Fiber, int, *Closure) {
	for f := m.fiber; f != nil; f = f.Parent {
		for i := len(f.Handlers) - 1; i >= f.outerHandlers(); i-- {
			for _, c := range f.Handlers[i].Clauses {
				if c.EffectConst == effect {
					return f, i, c.Clause
				}
			}
		}
	}
	return nil, -1, nil
}

// call invokes a closure or resumes a continuation.
func (m *VM) call(callee Value, args []Value) error {
	switch c := callee.(type) {
	case *Closure:
		fn, ok := m.prog.Function(c.Fn)
		if !ok {
			return m.fault(FaultBadBytecode, "call to missing function %d", c.Fn)
		}
		if len(args) != int(fn.Arity) {
			return m.fault(FaultArity, "function %d expects %d arguments, got %d", c.Fn, fn.Arity, len(args))
		}
		env := NewEnv(c.Env, max(int(fn.Locals), len(args)))
		for i, a := range args {
			env.Bind(i, a)
		}
		m.fiber.Frames = append(m.fiber.Frames, Frame{Fn: c.Fn, Env: env})
		return nil

	case *Continuation:
		if c.Used {
			return m.fault(FaultContinuationUsed, "continuation already resumed")
		}
		c.Used = true
		resumed := c.Snap.Restore()
		outer := resumed
		for {
			outer.Yielding = true
			if outer.Parent == nil {
				break
			}
			outer = outer.Parent
		}
		outer.Parent = m.fiber
		m.fiber = resumed

		var arg Value = Null{}
		if len(args) > 0 {
			arg = args[0]
		}
		m.Push(arg)
		m.emit(Event{Kind: EventResume, Value: arg})
		return nil
	}
	return m.fault(FaultCallNonCallable, "cannot call %s", TypeName(callee))
}

// returnToParent hands the finished fiber's value to its parent. A fiber
// without a parent ends the whole chain with that value.
func (m *VM) returnToParent() (Result, error) {
	child := m.fiber
	var v Value = Null{}
	if len(child.Values) > 0 {
		v, _ = m.Pop()
	}
	if child.Parent == nil {
		child.Frames = nil
		child.Yielding = false
		m.last = v
		return Result{Status: StatusHalted, Value: v}, nil
	}
	m.fiber = child.Parent
	m.Push(v)
	m.emit(Event{Kind: EventReturn, Value: v})
	return Result{Status: StatusRunning}, nil
}
