package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/deos/internal/trace"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// sampleTrace builds a small trace with every event type and two snapshots.
func sampleTrace() *trace.Trace {
	r := trace.NewRecorder("00000000deadbeef")
	r.Event(0, trace.EventInput, -1, map[string]any{"byte": 97})
	r.Event(12, trace.EventSyscall, 0, map[string]any{"no": 2, "res": 97})
	r.Event(20, trace.EventSyscall, 0, map[string]any{"no": 0, "res": nil, "out": "a\n"})
	r.Snapshot(20, "00000000000000aa", []byte(`{"cycle":"20"}`))
	r.Event(31, trace.EventSafepoint, 1, map[string]any{"pick": 1, "runnable": 2})
	r.Event(40, trace.EventSyscall, 1, map[string]any{"no": 5})
	r.Snapshot(40, "00000000000000bb", []byte(`{"cycle":"40"}`))
	return r.Trace()
}
