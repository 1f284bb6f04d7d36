package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrace() *Trace {
	r := NewRecorder("abc123")
	r.Event(1, EventInput, 0, map[string]any{"byte": 97})
	r.Event(1, EventInput, 0, map[string]any{"byte": 98})
	r.Event(5, EventSyscall, 0, map[string]any{"no": 7, "res": nil, "out": "1\n"})
	r.Snapshot(6, "00000000000000aa", []byte(`{"cycle":"6"}`))
	r.Event(9, EventSyscall, 0, map[string]any{"no": 2, "res": 97})
	r.Event(9, EventSafepoint, -1, map[string]any{"pick": 1})
	r.Event(12, EventSyscall, 1, map[string]any{"no": 1, "res": nil, "out": "a"})
	r.Snapshot(12, "00000000000000bb", []byte(`{"cycle":"12"}`))
	return r.Trace()
}

func TestEventJSONShape(t *testing.T) {
	ev := Event{Cycle: 42, Type: EventSyscall, Task: 3, Detail: map[string]any{"res": nil, "no": 7, "out": "<hi>"}}
	data, err := ev.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"cycle":"42","type":"syscall","task":3,"no":7,"out":"<hi>","res":null}`, string(data))
	assert.Regexp(t, `^\{"cycle":"42","type":"syscall","task":3,"no":7,"out":`, string(data))
}

func TestEventRejectsReservedDetailKeys(t *testing.T) {
	_, err := Event{Type: EventInput, Detail: map[string]any{"task": 1}}.MarshalJSON()
	assert.Error(t, err)
}

func TestTraceRoundTrip(t *testing.T) {
	tr := sampleTrace()
	data, err := tr.Marshal()
	require.NoError(t, err)

	back, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "abc123", back.ImageHash)
	require.Len(t, back.Events, len(tr.Events))
	assert.Equal(t, Cycle(5), back.Events[2].Cycle)
	no, ok := back.Events[2].Int("no")
	assert.True(t, ok)
	assert.Equal(t, 7, no)
	out, ok := back.Events[2].Text("out")
	assert.True(t, ok)
	assert.Equal(t, "1\n", out)
	assert.True(t, back.Events[2].Has("res"))
	assert.Nil(t, back.Events[2].Detail["res"])

	require.Len(t, back.Snapshots, 2)
	assert.Equal(t, Cycle(6), back.Snapshots[0].Cycle)
	assert.Equal(t, 3, back.Snapshots[0].Events)
	assert.JSONEq(t, `{"cycle":"6"}`, string(back.Snapshots[0].Data))
}

func TestCycleAcceptsNumbers(t *testing.T) {
	var c Cycle
	require.NoError(t, c.UnmarshalJSON([]byte(`17`)))
	assert.Equal(t, Cycle(17), c)
	require.NoError(t, c.UnmarshalJSON([]byte(`"18446744073709551615"`)))
	assert.Equal(t, Cycle(18446744073709551615), c)
	assert.Error(t, c.UnmarshalJSON([]byte(`"-1"`)))
}

func TestIndexNextConsumes(t *testing.T) {
	ix := NewIndex(sampleTrace())

	ev, ok := ix.Next(5, EventSyscall, 0)
	require.True(t, ok)
	assert.Equal(t, "1\n", ev.Detail["out"])

	_, ok = ix.Next(5, EventSyscall, 0)
	assert.False(t, ok, "each event matches once")

	_, ok = ix.Next(9, EventSyscall, 1)
	assert.False(t, ok, "task is part of the key")
}

func TestIndexInputs(t *testing.T) {
	ix := NewIndex(sampleTrace())

	assert.Empty(t, ix.TakeInputs(0))
	got := ix.TakeInputs(3)
	require.Len(t, got, 2)
	b, _ := got[1].Int("byte")
	assert.Equal(t, 98, b)
	assert.Empty(t, ix.TakeInputs(100))
}

func TestIndexSnapshots(t *testing.T) {
	ix := NewIndex(sampleTrace())

	s, ok := ix.SnapshotAt(12)
	require.True(t, ok)
	assert.Equal(t, "00000000000000bb", s.StateHash)

	_, ok = ix.SnapshotAt(7)
	assert.False(t, ok)

	s, ok = ix.LatestSnapshotAtOrBefore(11)
	require.True(t, ok)
	assert.Equal(t, Cycle(6), s.Cycle)

	_, ok = ix.LatestSnapshotAtOrBefore(5)
	assert.False(t, ok)

	assert.Equal(t, []uint64{6, 12}, ix.SnapshotCycles())
}

func TestIndexUncheckedSnapshots(t *testing.T) {
	ix := NewIndex(sampleTrace())
	assert.Equal(t, []uint64{6, 12}, ix.Unchecked())

	ix.MarkSnapshot(12)
	assert.Equal(t, []uint64{6}, ix.Unchecked(), "marking one cycle leaves earlier ones")

	ix.MarkSnapshot(7)
	assert.Equal(t, []uint64{6}, ix.Unchecked(), "nothing recorded at 7")

	ix.MarkSnapshotsThrough(11)
	assert.Empty(t, ix.Unchecked())
}

func TestIndexAdvanceAndUnconsumed(t *testing.T) {
	ix := NewIndex(sampleTrace())
	ix.Advance(3)

	assert.Empty(t, ix.TakeInputs(1), "inputs before the cut are consumed")
	_, ok := ix.Next(5, EventSyscall, 0)
	assert.False(t, ok)

	left := ix.Unconsumed()
	require.Len(t, left, 3)
	assert.Equal(t, Cycle(9), left[0].Cycle)
	assert.Equal(t, EventSyscall, left[0].Type)
	assert.Equal(t, EventSafepoint, left[1].Type)
	assert.Equal(t, 1, left[2].Task)

	assert.Equal(t, "1\n", ix.OutputBefore(3))
	assert.Equal(t, "1\na", ix.OutputBefore(len(sampleTrace().Events)))
}
