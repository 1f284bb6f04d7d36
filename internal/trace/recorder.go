package trace

import (
	"encoding/json"
	"maps"
)

// Recorder accumulates a trace in memory.
type Recorder struct {
	t Trace
}

// NewRecorder starts an empty trace for the given image.
func NewRecorder(imageHash string) *Recorder {
	return &Recorder{t: Trace{ImageHash: imageHash, Events: []Event{}, Snapshots: []Snapshot{}}}
}

// Event appends an event. The detail map is copied.
func (r *Recorder) Event(cycle uint64, typ EventType, task int, detail map[string]any) {
	r.t.Events = append(r.t.Events, Event{
		Cycle:  Cycle(cycle),
		Type:   typ,
		Task:   task,
		Detail: maps.Clone(detail),
	})
}

// Snapshot appends a state snapshot. data must be a JSON document.
func (r *Recorder) Snapshot(cycle uint64, hash string, data []byte) {
	r.t.Snapshots = append(r.t.Snapshots, Snapshot{
		Cycle:     Cycle(cycle),
		StateHash: hash,
		Events:    len(r.t.Events),
		Data:      json.RawMessage(append([]byte(nil), data...)),
	})
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int { return len(r.t.Events) }

// Trace returns a copy of the recorded trace.
func (r *Recorder) Trace() *Trace {
	return &Trace{
		ImageHash: r.t.ImageHash,
		Events:    append([]Event{}, r.t.Events...),
		Snapshots: append([]Snapshot{}, r.t.Snapshots...),
	}
}
