package kernel

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/deos/internal/testutil"
	"github.com/roach88/deos/internal/trace"
	"github.com/roach88/deos/internal/vm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newImage assembles src into an image with one task per entry function.
func newImage(t *testing.T, src string, fns ...int) *Image {
	t.Helper()
	prog := testutil.MustAssemble(t, src)
	tasks := make([]ImageTask, len(fns))
	for i, fn := range fns {
		tasks[i] = ImageTask{Fn: fn, Priority: DefaultPriority}
	}
	img, err := NewImage(prog, tasks...)
	require.NoError(t, err)
	return img
}

func newKernel(t *testing.T, img *Image, opts ...Option) *Kernel {
	t.Helper()
	k, err := FromImage(img, append([]Option{WithLogger(testLogger())}, opts...)...)
	require.NoError(t, err)
	return k
}

// record runs img in record mode with the given host input.
func record(t *testing.T, img *Image, input string, opts ...Option) (*Kernel, *trace.Trace) {
	t.Helper()
	k := newKernel(t, img, opts...)
	hash, err := img.Hash()
	require.NoError(t, err)
	k.SetRecordMode(hash)
	k.Input([]byte(input)...)
	require.NoError(t, k.Run(context.Background()))
	tr := k.Trace()
	require.NotNil(t, tr)
	return k, tr
}

// replay runs img against tr and returns the kernel and Run's error.
func replay(t *testing.T, img *Image, tr *trace.Trace, opts ...Option) (*Kernel, error) {
	t.Helper()
	k := newKernel(t, img, opts...)
	require.NoError(t, k.SetReplayMode(tr))
	return k, k.Run(context.Background())
}

func TestRecordReplayEcho(t *testing.T) {
	img := newImage(t, testutil.Echo, 0)

	rec, tr := record(t, img, "abc")
	assert.Equal(t, "abc", rec.Output())
	assert.Nil(t, rec.FirstFault())

	// three input bytes, four getc calls, three putc calls
	require.Len(t, tr.Events, 10)
	for _, ev := range tr.Events[:3] {
		assert.Equal(t, trace.EventInput, ev.Type)
	}
	hash, _ := img.Hash()
	assert.Equal(t, hash, tr.ImageHash)

	// Replay from the serialized form, as a host would.
	data, err := tr.Marshal()
	require.NoError(t, err)
	parsed, err := trace.Parse(data)
	require.NoError(t, err)

	k := newKernel(t, img)
	require.NoError(t, k.SetReplayMode(parsed))
	k.Input('x', 'y') // host input is ignored during replay
	require.NoError(t, k.Run(context.Background()))

	assert.Equal(t, "abc", k.Output())
	assert.Equal(t, rec.FirstFault(), k.FirstFault())
	assert.Equal(t, rec.Clock().Current(), k.Clock().Current())
}

func TestEchoWithoutInputExitsImmediately(t *testing.T) {
	k := newKernel(t, newImage(t, testutil.Echo, 0))
	require.NoError(t, k.Run(context.Background()))
	assert.Empty(t, k.Output())
	assert.Equal(t, TaskDone, k.Tasks()[0].State)
}

func TestRecordReplayFirstFault(t *testing.T) {
	img := newImage(t, testutil.OneShotViolation, 0)

	rec, tr := record(t, img, "")
	require.NotNil(t, rec.FirstFault())
	assert.Equal(t, vm.FaultContinuationUsed, rec.FirstFault().Kind)
	assert.Empty(t, rec.Output())

	k, err := replay(t, img, tr)
	require.NoError(t, err)
	require.NotNil(t, k.FirstFault())
	assert.Equal(t, rec.FirstFault().Kind, k.FirstFault().Kind)
	assert.Equal(t, rec.FirstFault().Message, k.FirstFault().Message)
	assert.Empty(t, k.Output())
}

func TestSchedulingFairness(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   string
	}{
		{"cyclic", nil, "a\nb\na\nb\na\nb\n"},
		{"round robin", RoundRobin, "b\na\nb\na\nb\na\n"},
		{"first", First, "a\na\na\nb\nb\nb\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := newKernel(t, newImage(t, testutil.Workers, 0, 1), WithPolicy(tt.policy))
			require.NoError(t, k.Run(context.Background()))

			out := k.Output()
			assert.Equal(t, tt.want, out)
			assert.Equal(t, 3, strings.Count(out, "a"))
			assert.Equal(t, 3, strings.Count(out, "b"))
		})
	}
}

func TestRoundRobinInterleaves(t *testing.T) {
	k := newKernel(t, newImage(t, testutil.Workers, 0, 1), WithPolicy(RoundRobin))
	require.NoError(t, k.Run(context.Background()))

	out := k.Output()
	assert.Less(t, strings.Index(out, "b"), strings.LastIndex(out, "a"),
		"the second task must print before the first one finishes")
}

func TestFirstPolicyStarvesSecondTask(t *testing.T) {
	k := newKernel(t, newImage(t, testutil.Workers, 0, 1), WithPolicy(First))
	require.NoError(t, k.Run(context.Background()))

	out := k.Output()
	assert.Greater(t, strings.Index(out, "b"), strings.LastIndex(out, "a"))
}

func TestSleepSemantics(t *testing.T) {
	k := newKernel(t, newImage(t, testutil.Sleeper, 0))
	require.NoError(t, k.Run(context.Background()))

	assert.Equal(t, "1\n2\n", k.Output())
	assert.GreaterOrEqual(t, k.Clock().Current(), uint64(10))
	info := k.Tasks()[0]
	assert.Equal(t, TaskDone, info.State)
	assert.GreaterOrEqual(t, k.Clock().Current(), info.WakeCycle)
}

func TestSleepRecordReplay(t *testing.T) {
	img := newImage(t, testutil.Sleeper, 0)
	_, tr := record(t, img, "", WithSnapshotInterval(3))

	k, err := replay(t, img, tr, WithSnapshotInterval(3))
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n", k.Output())
}

func TestSleeperAlongsideWorker(t *testing.T) {
	src := testutil.Sleeper + `
func busy
  safepoint
  const "x"
  sys print
  pop
  halt
`
	k := newKernel(t, newImage(t, src, 0, 1))
	require.NoError(t, k.Run(context.Background()))

	// The sleeping task does not hold up the other one.
	assert.Equal(t, "1\nx\n2\n", k.Output())
}

func TestFaultIsolation(t *testing.T) {
	k := newKernel(t, newImage(t, testutil.FaultAndPrint, 0, 1))
	require.NoError(t, k.Run(context.Background()))

	assert.Equal(t, "ok\n", k.Output())
	require.NotNil(t, k.FirstFault())
	assert.Equal(t, vm.FaultUnhandledEffect, k.FirstFault().Kind)

	tasks := k.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, TaskDone, tasks[0].State)
	require.NotNil(t, tasks[0].Fault)
	assert.Equal(t, vm.FaultUnhandledEffect, tasks[0].Fault.Kind)
	assert.Equal(t, TaskDone, tasks[1].State)
	assert.Nil(t, tasks[1].Fault)

	var codes []string
	for _, d := range k.Diagnostics() {
		if d.Kind == DiagError {
			codes = append(codes, d.Code)
		}
	}
	assert.Equal(t, []string{"UnhandledEffect"}, codes)
}

func TestTaskResult(t *testing.T) {
	k := newKernel(t, newImage(t, testutil.StateEffects, 0))
	require.NoError(t, k.Run(context.Background()))

	info := k.Tasks()[0]
	assert.Equal(t, TaskDone, info.State)
	assert.Equal(t, vm.Number(3), info.Result)
}

func TestReplayDetectsOutputDivergence(t *testing.T) {
	img := newImage(t, testutil.Echo, 0)
	_, tr := record(t, img, "abc")

	for i, ev := range tr.Events {
		if ev.Has("out") {
			d := maps.Clone(ev.Detail)
			d["out"] = "z"
			tr.Events[i].Detail = d
			break
		}
	}

	k, err := replay(t, img, tr)
	require.Error(t, err)
	assert.True(t, IsReplayMismatch(err))

	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "output", me.What)
	assert.Equal(t, `"z"`, me.Expected)
	assert.Equal(t, `"a"`, me.Actual)

	// The session stays failed.
	assert.Equal(t, err, k.Run(context.Background()))
	assert.Equal(t, err, k.Err())
}

func TestReplayDetectsMissingEvents(t *testing.T) {
	img := newImage(t, testutil.Echo, 0)
	_, tr := record(t, img, "abc")
	tr.Events = tr.Events[:5]

	_, err := replay(t, img, tr)
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "syscall", me.What)
	assert.Equal(t, 0, me.Task)
}

func TestReplayDetectsUnconsumedEvents(t *testing.T) {
	img := newImage(t, testutil.Echo, 0)
	_, tr := record(t, img, "abc")
	tr.Events = append(tr.Events, trace.Event{
		Cycle:  99999,
		Type:   trace.EventSyscall,
		Task:   0,
		Detail: map[string]any{"no": 7, "out": "late\n"},
	})

	_, err := replay(t, img, tr)
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "trace end", me.What)
	assert.Equal(t, uint64(99999), me.Cycle)
}

func TestReplayDetectsUnreachedSnapshots(t *testing.T) {
	t.Run("shifted off every boundary", func(t *testing.T) {
		img := newImage(t, testutil.Workers, 0, 1)
		_, tr := record(t, img, "", WithSnapshotInterval(10))
		require.NotEmpty(t, tr.Snapshots)
		for i := range tr.Snapshots {
			tr.Snapshots[i].Cycle++
			tr.Snapshots[i].StateHash = "0000000000000000"
		}

		_, err := replay(t, img, tr)
		require.Error(t, err)
		assert.True(t, IsReplayMismatch(err), "got %v", err)
	})

	t.Run("past the end of the run", func(t *testing.T) {
		img := newImage(t, testutil.Workers, 0, 1)
		rec, tr := record(t, img, "", WithSnapshotInterval(10))
		last := tr.Snapshots[len(tr.Snapshots)-1]
		last.Cycle = trace.Cycle(rec.Clock().Current() + 50)
		tr.Snapshots = append(tr.Snapshots, last)

		_, err := replay(t, img, tr)
		var me *MismatchError
		require.ErrorAs(t, err, &me)
		assert.Equal(t, "snapshot", me.What)
		assert.Equal(t, rec.Clock().Current()+50, me.Cycle)
	})
}

func TestReplayRejectsForeignTrace(t *testing.T) {
	_, tr := record(t, newImage(t, testutil.Echo, 0), "abc")

	k := newKernel(t, newImage(t, testutil.Sleeper, 0))
	err := k.SetReplayMode(tr)
	require.Error(t, err)
	assert.True(t, IsReplayMismatch(err))
	assert.Equal(t, ModeLive, k.Mode())
}

func TestSnapshotsRecordedAndVerified(t *testing.T) {
	img := newImage(t, testutil.StateEffects, 0)
	_, tr := record(t, img, "", WithSnapshotInterval(5))

	require.NotEmpty(t, tr.Snapshots)
	for i := 1; i < len(tr.Snapshots); i++ {
		assert.GreaterOrEqual(t, uint64(tr.Snapshots[i].Cycle), uint64(tr.Snapshots[i-1].Cycle)+5)
	}
	for _, s := range tr.Snapshots {
		assert.Regexp(t, `^[0-9a-f]{16}$`, s.StateHash)
	}

	k, err := replay(t, img, tr)
	require.NoError(t, err)
	assert.Equal(t, vm.Number(3), k.Tasks()[0].Result)
}

func TestReplayDetectsStateHashDivergence(t *testing.T) {
	img := newImage(t, testutil.StateEffects, 0)
	_, tr := record(t, img, "", WithSnapshotInterval(5))
	require.NotEmpty(t, tr.Snapshots)
	tr.Snapshots[0].StateHash = "0000000000000000"

	_, err := replay(t, img, tr)
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "state_hash", me.What)
	assert.Equal(t, uint64(tr.Snapshots[0].Cycle), me.Cycle)
	assert.Equal(t, -1, me.Task)
}

func TestSeekMatchesDirectReplay(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		interval uint64
		target   func(end uint64) uint64
		faulted  bool
	}{
		{"workers midway", testutil.Workers, 10, func(end uint64) uint64 { return end / 2 }, false},
		{"after a fault", testutil.FaultAndPrint, 1, func(end uint64) uint64 { return end }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := newImage(t, tt.src, 0, 1)
			rec, tr := record(t, img, "", WithSnapshotInterval(tt.interval))
			require.NotEmpty(t, tr.Snapshots)

			data, err := tr.Marshal()
			require.NoError(t, err)
			parsed, err := trace.Parse(data)
			require.NoError(t, err)

			target := tt.target(rec.Clock().Current())
			ctx := context.Background()

			sought := newKernel(t, img)
			require.NoError(t, sought.Seek(ctx, parsed, target))

			direct := newKernel(t, img)
			require.NoError(t, direct.SetReplayMode(parsed))
			require.NoError(t, direct.RunUntil(ctx, target))

			assert.Equal(t, direct.Clock().Current(), sought.Clock().Current())
			assert.GreaterOrEqual(t, sought.Clock().Current(), target)
			assert.Equal(t, direct.Output(), sought.Output())
			assert.True(t, strings.HasPrefix(rec.Output(), sought.Output()))

			if tt.faulted {
				require.NotNil(t, direct.FirstFault())
				require.NotNil(t, sought.FirstFault(), "restored state keeps the first fault")
				assert.Equal(t, *direct.FirstFault(), *sought.FirstFault())
				require.NotNil(t, sought.Tasks()[0].Fault)
				assert.Equal(t, vm.FaultUnhandledEffect, sought.Tasks()[0].Fault.Kind)
			} else {
				assert.Nil(t, sought.FirstFault())
			}

			a, err := direct.Checkpoint()
			require.NoError(t, err)
			b, err := sought.Checkpoint()
			require.NoError(t, err)
			assert.Equal(t, a, b)

			// Continuing from the sought position finishes the recorded run.
			require.NoError(t, sought.Run(ctx))
			assert.Equal(t, rec.Output(), sought.Output())
		})
	}
}

func TestSeekBeforeFirstSnapshot(t *testing.T) {
	img := newImage(t, testutil.Workers, 0, 1)
	_, tr := record(t, img, "", WithSnapshotInterval(1000000))
	require.Empty(t, tr.Snapshots)

	k := newKernel(t, img)
	require.NoError(t, k.Seek(context.Background(), tr, 5))
	assert.GreaterOrEqual(t, k.Clock().Current(), uint64(5))
}

func TestCheckpointRestoreContinues(t *testing.T) {
	img := newImage(t, testutil.Workers, 0, 1)
	ctx := context.Background()

	full := newKernel(t, img)
	require.NoError(t, full.Run(ctx))

	k := newKernel(t, img)
	require.NoError(t, k.RunUntil(ctx, 40))
	st, err := k.Checkpoint()
	require.NoError(t, err)

	prog, err := img.Program()
	require.NoError(t, err)
	resumed := New(prog, WithLogger(testLogger()))
	require.NoError(t, resumed.Restore(st, k.Output()))
	assert.Equal(t, k.Clock().Current(), resumed.Clock().Current())
	require.NoError(t, resumed.Run(ctx))

	assert.Equal(t, full.Output(), resumed.Output())
	assert.Equal(t, full.Clock().Current(), resumed.Clock().Current())
}

func TestRecordReplayWithPolicy(t *testing.T) {
	img := newImage(t, testutil.Workers, 0, 1)
	rec, tr := record(t, img, "", WithPolicy(RoundRobin))

	var picks int
	for _, ev := range tr.Events {
		if ev.Type == trace.EventSafepoint {
			picks++
			assert.True(t, ev.Has("pick"))
		}
	}
	assert.Positive(t, picks)

	k, err := replay(t, img, tr, WithPolicy(RoundRobin))
	require.NoError(t, err)
	assert.Equal(t, rec.Output(), k.Output())

	_, err = replay(t, img, tr)
	assert.True(t, IsReplayMismatch(err), "replaying policy picks without the policy must diverge")
}

func TestMaxCycles(t *testing.T) {
	k := newKernel(t, newImage(t, testutil.Workers, 0, 1), WithMaxCycles(10))
	err := k.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsBudgetExceeded(err))
	assert.GreaterOrEqual(t, k.Clock().Current(), uint64(10))
}

func TestRunHonoursContext(t *testing.T) {
	k := newKernel(t, newImage(t, testutil.Workers, 0, 1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := k.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, k.Output())
}

func TestKill(t *testing.T) {
	k := newKernel(t, newImage(t, testutil.Workers, 0, 1))
	require.NoError(t, k.Kill(1))
	require.NoError(t, k.Run(context.Background()))

	assert.Equal(t, "a\na\na\n", k.Output())
	assert.ErrorIs(t, k.Kill(7), ErrNoTask)
}

func TestSpawn(t *testing.T) {
	prog := testutil.MustAssemble(t, testutil.Workers)
	k := New(prog, WithLogger(testLogger()))

	id, err := k.SpawnEntry(1, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	id, err = k.Spawn(nil, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	_, err = k.SpawnEntry(9, 1)
	assert.Error(t, err)

	tasks := k.Tasks()
	assert.Equal(t, 1, tasks[0].Entry)
	assert.Equal(t, 5, tasks[0].Priority)
	assert.Equal(t, 0, tasks[1].Entry)
	assert.Equal(t, TaskReady, tasks[1].State)

	require.NoError(t, k.Run(context.Background()))
	assert.Equal(t, "b\na\nb\na\nb\na\n", k.Output())
}

func TestDiagnostics(t *testing.T) {
	t.Run("all", func(t *testing.T) {
		k := newKernel(t, newImage(t, testutil.Workers, 0, 1))
		require.NoError(t, k.Run(context.Background()))

		kinds := map[DiagKind]int{}
		for _, d := range k.Diagnostics() {
			kinds[d.Kind]++
		}
		assert.Equal(t, 6, kinds[DiagConsole])
		assert.Positive(t, kinds[DiagTaskSwitch])
	})

	t.Run("masked with sink", func(t *testing.T) {
		var seen []Diagnostic
		k := newKernel(t, newImage(t, testutil.Workers, 0, 1),
			WithEventMask(MaskConsole),
			WithDiagnosticSink(func(d Diagnostic) { seen = append(seen, d) }))
		require.NoError(t, k.Run(context.Background()))

		diags := k.Diagnostics()
		require.Len(t, diags, 6)
		for _, d := range diags {
			assert.Equal(t, DiagConsole, d.Kind)
		}
		assert.Equal(t, diags, seen)
		assert.Equal(t, "a\n", diags[0].Text)
		assert.Equal(t, 0, diags[0].Task)
	})

	t.Run("effects", func(t *testing.T) {
		k := newKernel(t, newImage(t, testutil.HandlerResume, 0),
			WithEventMask(MaskPerform|MaskContinuation))
		require.NoError(t, k.Run(context.Background()))

		diags := k.Diagnostics()
		require.Len(t, diags, 3)
		assert.Equal(t, DiagPerform, diags[0].Kind)
		assert.Equal(t, "Foo", diags[0].Effect)
		assert.Equal(t, DiagContCall, diags[1].Kind)
		assert.Equal(t, "20", diags[1].Value)
		assert.Equal(t, DiagContReturn, diags[2].Kind)
		assert.Equal(t, "21", diags[2].Value)
		assert.Equal(t, vm.Number(21), k.Tasks()[0].Result)
	})

	t.Run("none", func(t *testing.T) {
		k := newKernel(t, newImage(t, testutil.Workers, 0, 1), WithEventMask(0))
		require.NoError(t, k.Run(context.Background()))
		assert.Empty(t, k.Diagnostics())
	})
}

func TestParseEventMask(t *testing.T) {
	m, err := ParseEventMask([]string{"console", "error"})
	require.NoError(t, err)
	assert.Equal(t, MaskConsole|MaskError, m)

	m, err = ParseEventMask([]string{"all"})
	require.NoError(t, err)
	assert.Equal(t, MaskAll, m)

	m, err = ParseEventMask([]string{"none"})
	require.NoError(t, err)
	assert.Equal(t, EventMask(0), m)

	_, err = ParseEventMask([]string{"bogus"})
	assert.Error(t, err)
}

func TestTaskStateStrings(t *testing.T) {
	for _, s := range []TaskState{TaskReady, TaskRunning, TaskBlocked, TaskDone} {
		parsed, err := ParseTaskState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseTaskState("ZOMBIE")
	assert.Error(t, err)
}
