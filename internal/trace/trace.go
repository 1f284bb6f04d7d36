package trace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
)

// EventType is the kind of a trace event.
type EventType string

const (
	// EventInput records one external input byte entering the kernel.
	EventInput EventType = "input"
	// EventSyscall records a dispatched syscall and its result.
	EventSyscall EventType = "syscall"
	// EventSafepoint records a scheduling-policy decision.
	EventSafepoint EventType = "safepoint"
)

// Cycle is a virtual-clock value. It marshals as a decimal string.
type Cycle uint64

// MarshalJSON implements json.Marshaler.
func (c Cycle) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatUint(uint64(c), 10))), nil
}

// UnmarshalJSON accepts a decimal string or a plain number.
func (c *Cycle) UnmarshalJSON(data []byte) error {
	s := string(data)
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("cycle: %w", err)
	}
	*c = Cycle(n)
	return nil
}

// Trace is a complete record of one run.
type Trace struct {
	ImageHash string     `json:"image_hash"`
	Events    []Event    `json:"events"`
	Snapshots []Snapshot `json:"snapshots"`
}

// Snapshot is a periodic state capture. Events is the number of trace
// events recorded before it was taken.
type Snapshot struct {
	Cycle     Cycle           `json:"cycle"`
	StateHash string          `json:"state_hash"`
	Events    int             `json:"events"`
	Data      json.RawMessage `json:"data"`
}

// Event is one cycle-stamped log entry. Detail keys are flattened next to
// cycle, type and task in JSON.
type Event struct {
	Cycle  Cycle
	Type   EventType
	Task   int
	Detail map[string]any
}

var reservedKeys = []string{"cycle", "type", "task"}

// MarshalJSON writes cycle, type and task first, then detail keys in sorted
// order.
func (e Event) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `{"cycle":"%d","type":%q,"task":%d`, uint64(e.Cycle), string(e.Type), e.Task)

	keys := make([]string, 0, len(e.Detail))
	for k := range e.Detail {
		if slices.Contains(reservedKeys, k) {
			return nil, fmt.Errorf("event detail uses reserved key %q", k)
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v, err := json.Marshal(e.Detail[k])
		if err != nil {
			return nil, fmt.Errorf("event detail %q: %w", k, err)
		}
		kb, _ := json.Marshal(k)
		buf.WriteByte(',')
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out Event
	if v, ok := raw["cycle"]; ok {
		if err := out.Cycle.UnmarshalJSON(v); err != nil {
			return err
		}
	}
	if v, ok := raw["type"]; ok {
		if err := json.Unmarshal(v, &out.Type); err != nil {
			return fmt.Errorf("event type: %w", err)
		}
	}
	if v, ok := raw["task"]; ok {
		if err := json.Unmarshal(v, &out.Task); err != nil {
			return fmt.Errorf("event task: %w", err)
		}
	}
	for k, v := range raw {
		if slices.Contains(reservedKeys, k) {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("event detail %q: %w", k, err)
		}
		if out.Detail == nil {
			out.Detail = make(map[string]any)
		}
		out.Detail[k] = val
	}
	*e = out
	return nil
}

// Int returns an integer detail. JSON and CBOR decoding produce different
// numeric types; all of them are accepted.
func (e Event) Int(key string) (int, bool) {
	return toInt(e.Detail[key])
}

// Text returns a string detail.
func (e Event) Text(key string) (string, bool) {
	s, ok := e.Detail[key].(string)
	return s, ok
}

// Has reports whether the detail key is present, even if its value is null.
func (e Event) Has(key string) bool {
	_, ok := e.Detail[key]
	return ok
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	}
	return 0, false
}

// Marshal renders the trace as indented JSON.
func (t *Trace) Marshal() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// Parse reads a trace document.
func Parse(data []byte) (*Trace, error) {
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse trace: %w", err)
	}
	return &t, nil
}
