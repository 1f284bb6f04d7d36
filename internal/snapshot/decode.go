package snapshot

import (
	"fmt"
	"strconv"

	"github.com/roach88/deos/internal/vm"
)

// DecodedTask is a task rebuilt from a State.
type DecodedTask struct {
	ID        int
	State     string
	Priority  int
	WakeCycle uint64
	Domain    int
	Entry     int
	Last      vm.Value
	Fiber     *vm.Fiber

	Fault      *vm.Fault
	FaultCycle uint64
}

// Decoded is the live form of a State.
type Decoded struct {
	Cycle   uint64
	Current int
	Input   []int
	Tasks   []DecodedTask
}

// Decode rebuilds live tasks from a State in two passes: placeholders for
// every heap entry first, then field resolution.
func Decode(s *State) (*Decoded, error) {
	cycle, err := strconv.ParseUint(s.Cycle, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: cycle: %w", err)
	}

	d := &decoder{objs: make([]any, len(s.Heap))}
	for i, h := range s.Heap {
		if h.ID != i {
			return nil, fmt.Errorf("decode snapshot: heap entry %d has id %d", i, h.ID)
		}
		switch h.Tag {
		case TagEnv:
			d.objs[i] = &vm.Env{}
		case TagClosure:
			d.objs[i] = &vm.Closure{}
		case TagCont:
			d.objs[i] = &vm.Continuation{}
		default:
			return nil, fmt.Errorf("decode snapshot: heap entry %d: unknown tag %q", i, h.Tag)
		}
	}
	for i, h := range s.Heap {
		if err := d.fill(i, h); err != nil {
			return nil, fmt.Errorf("decode snapshot: heap entry %d: %w", i, err)
		}
	}

	out := &Decoded{
		Cycle:   cycle,
		Current: s.Current,
		Input:   append([]int(nil), s.Input...),
	}
	for _, t := range s.Tasks {
		wake, err := strconv.ParseUint(t.WakeCycle, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode snapshot: task %d: wake cycle: %w", t.ID, err)
		}
		last, err := d.value(t.Last)
		if err != nil {
			return nil, fmt.Errorf("decode snapshot: task %d: %w", t.ID, err)
		}
		fiber, err := d.fiber(t.Fiber)
		if err != nil {
			return nil, fmt.Errorf("decode snapshot: task %d: %w", t.ID, err)
		}
		dt := DecodedTask{
			ID:        t.ID,
			State:     t.State,
			Priority:  t.Priority,
			WakeCycle: wake,
			Domain:    t.Domain,
			Entry:     t.Entry,
			Last:      last,
			Fiber:     fiber,
		}
		if f := t.Fault; f != nil {
			if dt.FaultCycle, err = strconv.ParseUint(f.Cycle, 10, 64); err != nil {
				return nil, fmt.Errorf("decode snapshot: task %d: fault cycle: %w", t.ID, err)
			}
			dt.Fault = &vm.Fault{Kind: vm.FaultKind(f.Kind), Message: f.Message, Fn: f.Fn, IP: f.IP}
		}
		out.Tasks = append(out.Tasks, dt)
	}
	return out, nil
}

type decoder struct {
	objs []any
}

func (d *decoder) fill(id int, h HeapEntry) error {
	switch obj := d.objs[id].(type) {
	case *vm.Env:
		if h.Env == nil {
			return fmt.Errorf("env entry without body")
		}
		parent, err := d.env(h.Env.Parent)
		if err != nil {
			return err
		}
		slots, err := d.values(h.Env.Slots)
		if err != nil {
			return err
		}
		if len(h.Env.Written) != len(slots) {
			return fmt.Errorf("env has %d slots but %d written flags", len(slots), len(h.Env.Written))
		}
		obj.Parent = parent
		obj.Slots = slots
		obj.Written = append([]bool(nil), h.Env.Written...)

	case *vm.Closure:
		if h.Closure == nil {
			return fmt.Errorf("closure entry without body")
		}
		env, err := d.env(h.Closure.Env)
		if err != nil {
			return err
		}
		obj.Fn = h.Closure.Fn
		obj.Env = env

	case *vm.Continuation:
		if h.Cont == nil {
			return fmt.Errorf("continuation entry without body")
		}
		snap, err := d.segment(&h.Cont.SegmentState)
		if err != nil {
			return err
		}
		obj.Used = h.Cont.Used
		obj.Snap = snap
	}
	return nil
}

func (d *decoder) segment(s *SegmentState) (*vm.FiberSnapshot, error) {
	if s == nil {
		return nil, nil
	}
	values, err := d.values(s.Values)
	if err != nil {
		return nil, err
	}
	frames, err := d.frames(s.Frames)
	if err != nil {
		return nil, err
	}
	handlers, err := d.handlers(s.Handlers)
	if err != nil {
		return nil, err
	}
	parent, err := d.segment(s.Parent)
	if err != nil {
		return nil, err
	}
	return &vm.FiberSnapshot{
		Values:   values,
		Frames:   frames,
		Handlers: handlers,
		Target:   yieldTarget(s.Target),
		Parent:   parent,
	}, nil
}

func (d *decoder) lookup(id int) (any, error) {
	if id < 0 || id >= len(d.objs) {
		return nil, fmt.Errorf("heap id %d out of range", id)
	}
	return d.objs[id], nil
}

func (d *decoder) env(id int) (*vm.Env, error) {
	if id == -1 {
		return nil, nil
	}
	obj, err := d.lookup(id)
	if err != nil {
		return nil, err
	}
	env, ok := obj.(*vm.Env)
	if !ok {
		return nil, fmt.Errorf("heap id %d is not an env", id)
	}
	return env, nil
}

func (d *decoder) closure(id int) (*vm.Closure, error) {
	obj, err := d.lookup(id)
	if err != nil {
		return nil, err
	}
	c, ok := obj.(*vm.Closure)
	if !ok {
		return nil, fmt.Errorf("heap id %d is not a closure", id)
	}
	return c, nil
}

func (d *decoder) value(s Slot) (vm.Value, error) {
	switch s.Kind {
	case SlotNull:
		return vm.Null{}, nil
	case SlotBool:
		return vm.Bool(s.Bool), nil
	case SlotNumber:
		return vm.Number(s.Num), nil
	case SlotString:
		return vm.String(s.Str), nil
	case SlotClosure:
		return d.closure(s.ID)
	case SlotCont:
		obj, err := d.lookup(s.ID)
		if err != nil {
			return nil, err
		}
		c, ok := obj.(*vm.Continuation)
		if !ok {
			return nil, fmt.Errorf("heap id %d is not a continuation", s.ID)
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown slot kind %d", s.Kind)
}

func (d *decoder) values(slots []Slot) ([]vm.Value, error) {
	if len(slots) == 0 {
		return nil, nil
	}
	out := make([]vm.Value, len(slots))
	for i, s := range slots {
		v, err := d.value(s)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (d *decoder) frames(fs []FrameState) ([]vm.Frame, error) {
	if len(fs) == 0 {
		return nil, nil
	}
	out := make([]vm.Frame, len(fs))
	for i, f := range fs {
		env, err := d.env(f.Env)
		if err != nil {
			return nil, err
		}
		out[i] = vm.Frame{Fn: f.Fn, IP: f.IP, Env: env}
	}
	return out, nil
}

func (d *decoder) handlers(hs []HandlerState) ([]vm.HandlerFrame, error) {
	if len(hs) == 0 {
		return nil, nil
	}
	out := make([]vm.HandlerFrame, len(hs))
	for i, h := range hs {
		hf := vm.HandlerFrame{
			Clauses:         make([]vm.HandlerClause, len(h.Clauses)),
			BaseCallDepth:   h.BaseCallDepth,
			BaseValueHeight: h.BaseValueHeight,
			DoneFn:          h.DoneFn,
			DonePC:          h.DonePC,
		}
		for j, c := range h.Clauses {
			cl, err := d.closure(c.Closure)
			if err != nil {
				return nil, err
			}
			hf.Clauses[j] = vm.HandlerClause{EffectConst: c.Effect, Clause: cl}
		}
		if h.OnReturn >= 0 {
			cl, err := d.closure(h.OnReturn)
			if err != nil {
				return nil, err
			}
			hf.OnReturn = cl
		}
		out[i] = hf
	}
	return out, nil
}

func (d *decoder) fiber(f *FiberState) (*vm.Fiber, error) {
	if f == nil {
		return nil, nil
	}
	values, err := d.values(f.Values)
	if err != nil {
		return nil, err
	}
	frames, err := d.frames(f.Frames)
	if err != nil {
		return nil, err
	}
	handlers, err := d.handlers(f.Handlers)
	if err != nil {
		return nil, err
	}
	parent, err := d.fiber(f.Parent)
	if err != nil {
		return nil, err
	}
	return &vm.Fiber{
		Values:   values,
		Frames:   frames,
		Handlers: handlers,
		Yielding: f.Yielding,
		Target:   yieldTarget(f.Target),
		Parent:   parent,
	}, nil
}

func yieldTarget(t TargetState) vm.YieldTarget {
	return vm.YieldTarget{Fn: t.Fn, PC: t.PC, Depth: t.Depth, Handlers: t.Handlers}
}
