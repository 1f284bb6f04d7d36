package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// State is the serialized form of every task the kernel owns.
type State struct {
	Cycle   string      `json:"cycle"`
	Current int         `json:"current"`
	Input   []int       `json:"input"`
	Tasks   []TaskState `json:"tasks"`
	Heap    []HeapEntry `json:"heap"`
}

// TaskState is one serialized task.
type TaskState struct {
	ID        int         `json:"id"`
	State     string      `json:"state"`
	Priority  int         `json:"priority"`
	WakeCycle string      `json:"wake_cycle"`
	Domain    int         `json:"domain"`
	Entry     int         `json:"entry"`
	Last      Slot        `json:"last"`
	Fault     *FaultState `json:"fault"`
	Fiber     *FiberState `json:"fiber"`
}

// FaultState is the fault that ended a task and the cycle it was raised at.
type FaultState struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Fn      int    `json:"fn"`
	IP      int    `json:"ip"`
	Cycle   string `json:"cycle"`
}

// FiberState is a serialized fiber and, inline, its parent chain.
type FiberState struct {
	Values   []Slot         `json:"values"`
	Frames   []FrameState   `json:"frames"`
	Handlers []HandlerState `json:"handlers"`
	Yielding bool           `json:"yielding"`
	Target   TargetState    `json:"target"`
	Parent   *FiberState    `json:"parent"`
}

// FrameState is a call frame; Env is a heap id.
type FrameState struct {
	Fn  int `json:"fn"`
	IP  int `json:"ip"`
	Env int `json:"env"`
}

// HandlerState is an installed handler. Closure fields are heap ids;
// OnReturn is -1 when the handler has no return clause.
type HandlerState struct {
	Clauses         []ClauseState `json:"clauses"`
	OnReturn        int           `json:"on_return"`
	BaseCallDepth   int           `json:"base_call_depth"`
	BaseValueHeight int           `json:"base_value_height"`
	DoneFn          int           `json:"done_fn"`
	DonePC          int           `json:"done_pc"`
}

// ClauseState maps an effect-name constant to a closure heap id.
type ClauseState struct {
	Effect  int `json:"effect"`
	Closure int `json:"closure"`
}

// TargetState is a fiber's yield target.
type TargetState struct {
	Fn       int `json:"fn"`
	PC       int `json:"pc"`
	Depth    int `json:"depth"`
	Handlers int `json:"handlers"`
}

// Heap entry tags.
const (
	TagEnv     = "Env"
	TagClosure = "Closure"
	TagCont    = "Cont"
)

// HeapEntry is one heap object. Exactly one of Env, Closure and Cont is set,
// selected by Tag.
type HeapEntry struct {
	ID      int           `json:"id"`
	Tag     string        `json:"tag"`
	Env     *EnvEntry     `json:"env,omitempty"`
	Closure *ClosureEntry `json:"closure,omitempty"`
	Cont    *ContEntry    `json:"cont,omitempty"`
}

// EnvEntry is a serialized Env. Parent is -1 for a top-level Env.
type EnvEntry struct {
	Parent  int    `json:"parent"`
	Slots   []Slot `json:"slots"`
	Written []bool `json:"written"`
}

// ClosureEntry is a serialized Closure.
type ClosureEntry struct {
	Fn  int `json:"fn"`
	Env int `json:"env"`
}

// ContEntry is a serialized Continuation: its used flag and its innermost
// captured fiber.
type ContEntry struct {
	Used bool `json:"used"`
	SegmentState
}

// SegmentState is one captured fiber of a continuation. Parent is the
// segment it returns into, nil for the outermost.
type SegmentState struct {
	Values   []Slot         `json:"values"`
	Frames   []FrameState   `json:"frames"`
	Handlers []HandlerState `json:"handlers"`
	Target   TargetState    `json:"target"`
	Parent   *SegmentState  `json:"parent"`
}

// SlotKind selects the meaning of a Slot.
type SlotKind int

const (
	SlotNull SlotKind = iota
	SlotBool
	SlotNumber
	SlotString
	SlotClosure
	SlotCont
)

// Slot is a serialized value: primitives inline, references by heap id.
//
// JSON form: null, true/false, a number, a string, {"tag":"Closure","id":N}
// or {"tag":"Cont","id":N}. Numbers JSON cannot carry are written as
// {"tag":"Number","repr":"NaN"|"Infinity"|"-Infinity"}.
type Slot struct {
	Kind SlotKind
	Bool bool
	Num  float64
	Str  string
	ID   int
}

type taggedSlot struct {
	Tag  string `json:"tag"`
	ID   *int   `json:"id,omitempty"`
	Repr string `json:"repr,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (s Slot) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case SlotNull:
		return []byte("null"), nil
	case SlotBool:
		if s.Bool {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case SlotNumber:
		switch {
		case math.IsNaN(s.Num):
			return marshalTagged(taggedSlot{Tag: "Number", Repr: "NaN"})
		case math.IsInf(s.Num, 1):
			return marshalTagged(taggedSlot{Tag: "Number", Repr: "Infinity"})
		case math.IsInf(s.Num, -1):
			return marshalTagged(taggedSlot{Tag: "Number", Repr: "-Infinity"})
		}
		return json.Marshal(s.Num)
	case SlotString:
		return marshalCanonicalString(s.Str)
	case SlotClosure:
		id := s.ID
		return marshalTagged(taggedSlot{Tag: TagClosure, ID: &id})
	case SlotCont:
		id := s.ID
		return marshalTagged(taggedSlot{Tag: TagCont, ID: &id})
	}
	return nil, fmt.Errorf("slot: unknown kind %d", s.Kind)
}

func marshalTagged(t taggedSlot) ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Slot) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("slot: empty input")
	}
	switch data[0] {
	case 'n':
		*s = Slot{Kind: SlotNull}
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return fmt.Errorf("slot: %w", err)
		}
		*s = Slot{Kind: SlotBool, Bool: b}
		return nil
	case '"':
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return fmt.Errorf("slot: %w", err)
		}
		*s = Slot{Kind: SlotString, Str: str}
		return nil
	case '{':
		var t taggedSlot
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("slot: %w", err)
		}
		return s.fromTagged(t)
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("slot: %w", err)
	}
	*s = Slot{Kind: SlotNumber, Num: n}
	return nil
}

func (s *Slot) fromTagged(t taggedSlot) error {
	switch t.Tag {
	case "Number":
		switch t.Repr {
		case "NaN":
			*s = Slot{Kind: SlotNumber, Num: math.NaN()}
		case "Infinity":
			*s = Slot{Kind: SlotNumber, Num: math.Inf(1)}
		case "-Infinity":
			*s = Slot{Kind: SlotNumber, Num: math.Inf(-1)}
		default:
			return fmt.Errorf("slot: unknown number repr %q", t.Repr)
		}
		return nil
	case TagClosure, TagCont:
		if t.ID == nil {
			return fmt.Errorf("slot: %s reference without id", t.Tag)
		}
		kind := SlotClosure
		if t.Tag == TagCont {
			kind = SlotCont
		}
		*s = Slot{Kind: kind, ID: *t.ID}
		return nil
	}
	return fmt.Errorf("slot: unknown tag %q", t.Tag)
}
