package trace

import "sort"

type eventKey struct {
	cycle Cycle
	typ   EventType
	task  int
}

// Index answers replay lookups over a trace. Events are consumed as they
// are matched, so repeated lookups at the same key walk forward through
// events recorded there.
type Index struct {
	t *Trace

	byKey map[eventKey][]int // event positions, in trace order
	taken map[eventKey]int

	inputs   []int // positions of input events, in trace order
	inputPos int

	snapByCycle map[Cycle]int
	snapCycles  []Cycle
	snapChecked map[Cycle]bool
}

// NewIndex builds an index over t. The trace must not be modified afterwards.
func NewIndex(t *Trace) *Index {
	ix := &Index{
		t:           t,
		byKey:       make(map[eventKey][]int),
		taken:       make(map[eventKey]int),
		snapByCycle: make(map[Cycle]int),
		snapChecked: make(map[Cycle]bool),
	}
	for i, ev := range t.Events {
		if ev.Type == EventInput {
			ix.inputs = append(ix.inputs, i)
			continue
		}
		k := eventKey{ev.Cycle, ev.Type, ev.Task}
		ix.byKey[k] = append(ix.byKey[k], i)
	}
	for i, s := range t.Snapshots {
		if _, dup := ix.snapByCycle[s.Cycle]; !dup {
			ix.snapByCycle[s.Cycle] = i
			ix.snapCycles = append(ix.snapCycles, s.Cycle)
		}
	}
	sort.Slice(ix.snapCycles, func(i, j int) bool { return ix.snapCycles[i] < ix.snapCycles[j] })
	return ix
}

// Trace returns the indexed trace.
func (ix *Index) Trace() *Trace { return ix.t }

// Next consumes and returns the next unconsumed event recorded at
// (cycle, type, task).
func (ix *Index) Next(cycle uint64, typ EventType, task int) (Event, bool) {
	k := eventKey{Cycle(cycle), typ, task}
	pos := ix.byKey[k]
	n := ix.taken[k]
	if n >= len(pos) {
		return Event{}, false
	}
	ix.taken[k] = n + 1
	return ix.t.Events[pos[n]], true
}

// TakeInputs consumes and returns every unconsumed input event recorded at
// or before cycle.
func (ix *Index) TakeInputs(cycle uint64) []Event {
	var out []Event
	for ix.inputPos < len(ix.inputs) {
		ev := ix.t.Events[ix.inputs[ix.inputPos]]
		if uint64(ev.Cycle) > cycle {
			break
		}
		out = append(out, ev)
		ix.inputPos++
	}
	return out
}

// Advance marks the first n trace events as consumed, as if they had been
// replayed.
func (ix *Index) Advance(n int) {
	for k, pos := range ix.byKey {
		ix.taken[k] = sort.SearchInts(pos, n)
	}
	ix.inputPos = sort.SearchInts(ix.inputs, n)
}

// Unconsumed returns non-input events that were never matched, in trace order.
func (ix *Index) Unconsumed() []Event {
	var positions []int
	for k, pos := range ix.byKey {
		positions = append(positions, pos[ix.taken[k]:]...)
	}
	sort.Ints(positions)
	out := make([]Event, len(positions))
	for i, p := range positions {
		out[i] = ix.t.Events[p]
	}
	return out
}

// SnapshotAt returns the snapshot recorded at exactly cycle.
func (ix *Index) SnapshotAt(cycle uint64) (Snapshot, bool) {
	i, ok := ix.snapByCycle[Cycle(cycle)]
	if !ok {
		return Snapshot{}, false
	}
	return ix.t.Snapshots[i], true
}

// LatestSnapshotAtOrBefore returns the last snapshot with Cycle <= cycle.
func (ix *Index) LatestSnapshotAtOrBefore(cycle uint64) (Snapshot, bool) {
	i := sort.Search(len(ix.snapCycles), func(i int) bool { return ix.snapCycles[i] > Cycle(cycle) })
	if i == 0 {
		return Snapshot{}, false
	}
	return ix.SnapshotAt(uint64(ix.snapCycles[i-1]))
}

// MarkSnapshot marks the snapshot recorded at cycle as checked.
func (ix *Index) MarkSnapshot(cycle uint64) {
	if _, ok := ix.snapByCycle[Cycle(cycle)]; ok {
		ix.snapChecked[Cycle(cycle)] = true
	}
}

// MarkSnapshotsThrough marks every snapshot recorded at or before cycle as
// checked.
func (ix *Index) MarkSnapshotsThrough(cycle uint64) {
	for _, c := range ix.snapCycles {
		if c > Cycle(cycle) {
			break
		}
		ix.snapChecked[c] = true
	}
}

// Unchecked returns the cycles of snapshots not yet marked, in ascending
// order.
func (ix *Index) Unchecked() []uint64 {
	var out []uint64
	for _, c := range ix.snapCycles {
		if !ix.snapChecked[c] {
			out = append(out, uint64(c))
		}
	}
	return out
}

// SnapshotCycles returns the recorded snapshot cycles in ascending order.
func (ix *Index) SnapshotCycles() []uint64 {
	out := make([]uint64, len(ix.snapCycles))
	for i, c := range ix.snapCycles {
		out[i] = uint64(c)
	}
	return out
}

// OutputBefore concatenates the "out" detail of the first n events.
func (ix *Index) OutputBefore(n int) string {
	var out []byte
	for i := 0; i < n && i < len(ix.t.Events); i++ {
		if s, ok := ix.t.Events[i].Text("out"); ok {
			out = append(out, s...)
		}
	}
	return string(out)
}
