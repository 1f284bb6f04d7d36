package snapshot

import (
	"fmt"
	"strconv"

	"github.com/roach88/deos/internal/vm"
)

// Task is the live input to Encode: one kernel task.
type Task struct {
	ID        int
	State     string
	Priority  int
	WakeCycle uint64
	Domain    int
	Entry     int
	Last      vm.Value
	Fiber     *vm.Fiber

	// Fault ended the task at FaultCycle; nil for tasks that did not fault.
	Fault      *vm.Fault
	FaultCycle uint64
}

// Encode serializes live task state. Heap ids are assigned in first-visit
// order of a depth-first walk over the tasks in the order given, so equal
// states always produce equal output.
func Encode(cycle uint64, current int, input []int, tasks []Task) (*State, error) {
	e := &encoder{
		envs:  make(map[*vm.Env]int),
		clos:  make(map[*vm.Closure]int),
		conts: make(map[*vm.Continuation]int),
	}
	s := &State{
		Cycle:   strconv.FormatUint(cycle, 10),
		Current: current,
		Input:   append(make([]int, 0, len(input)), input...),
		Tasks:   make([]TaskState, 0, len(tasks)),
	}
	for _, t := range tasks {
		ts := TaskState{
			ID:        t.ID,
			State:     t.State,
			Priority:  t.Priority,
			WakeCycle: strconv.FormatUint(t.WakeCycle, 10),
			Domain:    t.Domain,
			Entry:     t.Entry,
		}
		if f := t.Fault; f != nil {
			ts.Fault = &FaultState{
				Kind:    string(f.Kind),
				Message: f.Message,
				Fn:      f.Fn,
				IP:      f.IP,
				Cycle:   strconv.FormatUint(t.FaultCycle, 10),
			}
		}
		var err error
		if ts.Last, err = e.slot(t.Last); err != nil {
			return nil, fmt.Errorf("task %d: %w", t.ID, err)
		}
		if ts.Fiber, err = e.fiber(t.Fiber); err != nil {
			return nil, fmt.Errorf("task %d: %w", t.ID, err)
		}
		s.Tasks = append(s.Tasks, ts)
	}
	s.Heap = e.heap
	if s.Heap == nil {
		s.Heap = []HeapEntry{}
	}
	return s, nil
}

type encoder struct {
	heap  []HeapEntry
	envs  map[*vm.Env]int
	clos  map[*vm.Closure]int
	conts map[*vm.Continuation]int
}

// reserve appends a heap entry and returns its id. Fields are filled after
// the id is known so that cycles resolve to it.
func (e *encoder) reserve(tag string) int {
	id := len(e.heap)
	e.heap = append(e.heap, HeapEntry{ID: id, Tag: tag})
	return id
}

func (e *encoder) slot(v vm.Value) (Slot, error) {
	switch x := v.(type) {
	case nil, vm.Null:
		return Slot{Kind: SlotNull}, nil
	case vm.Bool:
		return Slot{Kind: SlotBool, Bool: bool(x)}, nil
	case vm.Number:
		return Slot{Kind: SlotNumber, Num: float64(x)}, nil
	case vm.String:
		return Slot{Kind: SlotString, Str: string(x)}, nil
	case *vm.Closure:
		id, err := e.closure(x)
		return Slot{Kind: SlotClosure, ID: id}, err
	case *vm.Continuation:
		id, err := e.cont(x)
		return Slot{Kind: SlotCont, ID: id}, err
	}
	return Slot{}, fmt.Errorf("cannot serialize value of type %T", v)
}

func (e *encoder) slots(vs []vm.Value) ([]Slot, error) {
	out := make([]Slot, len(vs))
	for i, v := range vs {
		s, err := e.slot(v)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func (e *encoder) env(env *vm.Env) (int, error) {
	if env == nil {
		return -1, nil
	}
	if id, ok := e.envs[env]; ok {
		return id, nil
	}
	id := e.reserve(TagEnv)
	e.envs[env] = id

	parent, err := e.env(env.Parent)
	if err != nil {
		return 0, err
	}
	slots, err := e.slots(env.Slots)
	if err != nil {
		return 0, err
	}
	e.heap[id].Env = &EnvEntry{
		Parent:  parent,
		Slots:   slots,
		Written: append(make([]bool, 0, len(env.Written)), env.Written...),
	}
	return id, nil
}

func (e *encoder) closure(c *vm.Closure) (int, error) {
	if id, ok := e.clos[c]; ok {
		return id, nil
	}
	id := e.reserve(TagClosure)
	e.clos[c] = id

	env, err := e.env(c.Env)
	if err != nil {
		return 0, err
	}
	e.heap[id].Closure = &ClosureEntry{Fn: c.Fn, Env: env}
	return id, nil
}

func (e *encoder) cont(c *vm.Continuation) (int, error) {
	if id, ok := e.conts[c]; ok {
		return id, nil
	}
	id := e.reserve(TagCont)
	e.conts[c] = id

	entry := &ContEntry{Used: c.Used}
	entry.Target = TargetState{Fn: -1, PC: -1, Depth: -1}
	if c.Snap != nil {
		seg, err := e.segment(c.Snap)
		if err != nil {
			return 0, err
		}
		entry.SegmentState = *seg
	}
	e.heap[id].Cont = entry
	return id, nil
}

func (e *encoder) segment(s *vm.FiberSnapshot) (*SegmentState, error) {
	if s == nil {
		return nil, nil
	}
	seg := &SegmentState{Target: target(s.Target)}
	var err error
	if seg.Values, err = e.slots(s.Values); err != nil {
		return nil, err
	}
	if seg.Frames, err = e.frames(s.Frames); err != nil {
		return nil, err
	}
	if seg.Handlers, err = e.handlers(s.Handlers); err != nil {
		return nil, err
	}
	if seg.Parent, err = e.segment(s.Parent); err != nil {
		return nil, err
	}
	return seg, nil
}

func (e *encoder) frames(fs []vm.Frame) ([]FrameState, error) {
	out := make([]FrameState, len(fs))
	for i, f := range fs {
		env, err := e.env(f.Env)
		if err != nil {
			return nil, err
		}
		out[i] = FrameState{Fn: f.Fn, IP: f.IP, Env: env}
	}
	return out, nil
}

func (e *encoder) handlers(hs []vm.HandlerFrame) ([]HandlerState, error) {
	out := make([]HandlerState, len(hs))
	for i, h := range hs {
		st := HandlerState{
			Clauses:         make([]ClauseState, len(h.Clauses)),
			OnReturn:        -1,
			BaseCallDepth:   h.BaseCallDepth,
			BaseValueHeight: h.BaseValueHeight,
			DoneFn:          h.DoneFn,
			DonePC:          h.DonePC,
		}
		for j, c := range h.Clauses {
			id, err := e.closure(c.Clause)
			if err != nil {
				return nil, err
			}
			st.Clauses[j] = ClauseState{Effect: c.EffectConst, Closure: id}
		}
		if h.OnReturn != nil {
			id, err := e.closure(h.OnReturn)
			if err != nil {
				return nil, err
			}
			st.OnReturn = id
		}
		out[i] = st
	}
	return out, nil
}

func (e *encoder) fiber(f *vm.Fiber) (*FiberState, error) {
	if f == nil {
		return nil, nil
	}
	st := &FiberState{Yielding: f.Yielding, Target: target(f.Target)}
	var err error
	if st.Values, err = e.slots(f.Values); err != nil {
		return nil, err
	}
	if st.Frames, err = e.frames(f.Frames); err != nil {
		return nil, err
	}
	if st.Handlers, err = e.handlers(f.Handlers); err != nil {
		return nil, err
	}
	if st.Parent, err = e.fiber(f.Parent); err != nil {
		return nil, err
	}
	return st, nil
}

func target(t vm.YieldTarget) TargetState {
	return TargetState{Fn: t.Fn, PC: t.PC, Depth: t.Depth, Handlers: t.Handlers}
}
