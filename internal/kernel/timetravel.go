package kernel

import (
	"context"
	"fmt"

	"github.com/roach88/deos/internal/snapshot"
	"github.com/roach88/deos/internal/trace"
	"github.com/roach88/deos/internal/vm"
)

// Checkpoint serializes the complete task state at the current cycle.
// Only call it between runs; inside a run the state is captured at
// scheduling boundaries.
func (k *Kernel) Checkpoint() (*snapshot.State, error) {
	tasks := make([]snapshot.Task, len(k.tasks))
	for i, t := range k.tasks {
		st := snapshot.Task{
			ID:         t.id,
			State:      t.state.String(),
			Priority:   t.priority,
			WakeCycle:  t.wake,
			Domain:     t.domain,
			Entry:      t.entry,
			Last:       t.last(),
			Fault:      t.fault,
			FaultCycle: t.faultCycle,
		}
		if t.vm != nil {
			st.Fiber = t.vm.Fiber()
		}
		tasks[i] = st
	}
	return snapshot.Encode(k.clock.Current(), k.current, k.input, tasks)
}

// renderState checkpoints and renders the state, returning the canonical
// bytes and their hash.
func (k *Kernel) renderState() ([]byte, string, error) {
	st, err := k.Checkpoint()
	if err != nil {
		return nil, "", err
	}
	data, err := snapshot.Render(st)
	if err != nil {
		return nil, "", err
	}
	return data, snapshot.HashBytes(data), nil
}

// snapshotHook records a snapshot when one is due, or verifies the recorded
// snapshot for the current cycle during replay.
func (k *Kernel) snapshotHook() error {
	cycle := k.clock.Current()
	switch k.mode {
	case ModeRecord:
		if k.snapshotInterval == 0 || cycle < k.nextSnapshot {
			return nil
		}
		data, hash, err := k.renderState()
		if err != nil {
			return fmt.Errorf("snapshot at cycle %d: %w", cycle, err)
		}
		k.rec.Snapshot(cycle, hash, data)
		k.nextSnapshot = cycle + k.snapshotInterval
		k.logger.Debug("snapshot taken", "cycle", cycle, "hash", hash, "bytes", len(data))
	case ModeReplay:
		if k.verifiedAny && cycle <= k.verifiedThrough {
			return nil
		}
		snap, ok := k.replay.SnapshotAt(cycle)
		if !ok {
			return nil
		}
		_, hash, err := k.renderState()
		if err != nil {
			return fmt.Errorf("snapshot at cycle %d: %w", cycle, err)
		}
		k.verifiedAny, k.verifiedThrough = true, cycle
		k.replay.MarkSnapshot(cycle)
		if hash != snap.StateHash {
			return mismatch(cycle, -1, "state_hash", snap.StateHash, hash)
		}
		k.logger.Debug("snapshot verified", "cycle", cycle, "hash", hash)
	}
	return nil
}

// Restore replaces every task, the clock and the input queue with st, and
// resets the console output to output. Task VMs are rebuilt over the
// kernel's program. In replay mode, recorded snapshots up to the restored
// cycle count as checked.
func (k *Kernel) Restore(st *snapshot.State, output string) error {
	d, err := snapshot.Decode(st)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	tasks := make([]*task, 0, len(d.Tasks))
	var first *task
	for i, dt := range d.Tasks {
		if dt.ID != i {
			return fmt.Errorf("restore: task %d stored at position %d", dt.ID, i)
		}
		state, err := ParseTaskState(dt.State)
		if err != nil {
			return fmt.Errorf("restore: task %d: %w", dt.ID, err)
		}
		t := &task{
			id:       dt.ID,
			state:    state,
			priority: dt.Priority,
			wake:     dt.WakeCycle,
			domain:   dt.Domain,
			entry:    dt.Entry,

			fault:      dt.Fault,
			faultCycle: dt.FaultCycle,
		}
		if t.fault != nil && (first == nil || t.faultCycle < first.faultCycle) {
			first = t
		}
		if state == TaskDone || dt.Fiber == nil || len(dt.Fiber.Frames) == 0 {
			t.finish(dt.Last)
		} else {
			m, err := vm.New(k.prog, dt.Fiber, vm.WithLastValue(dt.Last), vm.WithObserver(k.observer(dt.ID)))
			if err != nil {
				return fmt.Errorf("restore: task %d: %w", dt.ID, err)
			}
			t.vm = m
		}
		tasks = append(tasks, t)
	}
	if d.Current < -1 || d.Current >= len(tasks) {
		return fmt.Errorf("restore: current task index %d out of range", d.Current)
	}

	k.tasks = tasks
	k.current = d.Current
	k.input = append([]int(nil), d.Input...)
	k.hostInput = nil
	k.clock = NewClockAt(d.Cycle, k.perTick)
	k.lastTick = k.clock.Tick()
	k.out.Reset()
	k.out.WriteString(output)
	k.firstFault = nil
	if first != nil {
		k.firstFault = first.fault
	}
	k.failed = nil
	switch k.mode {
	case ModeRecord:
		k.nextSnapshot = d.Cycle + k.snapshotInterval
	case ModeReplay:
		k.replay.MarkSnapshotsThrough(d.Cycle)
	}
	k.logger.Debug("state restored", "cycle", d.Cycle, "tasks", len(tasks))
	return nil
}

// Seek replays tr up to the first scheduling boundary at or after cycle.
//
// The kernel must hold the recorded image's tasks in their initial state.
// Seek restores the latest recorded snapshot at or before cycle, rebuilds the
// console output from the events recorded before it, and replays forward
// from there with full verification.
func (k *Kernel) Seek(ctx context.Context, tr *trace.Trace, cycle uint64) error {
	if err := k.SetReplayMode(tr); err != nil {
		return err
	}
	if snap, ok := k.replay.LatestSnapshotAtOrBefore(cycle); ok {
		st, err := snapshot.Parse(snap.Data)
		if err != nil {
			return k.fail(err)
		}
		hash, err := snapshot.Hash(st)
		if err != nil {
			return k.fail(err)
		}
		if hash != snap.StateHash {
			return k.fail(mismatch(uint64(snap.Cycle), -1, "snapshot data", snap.StateHash, hash))
		}
		if err := k.Restore(st, k.replay.OutputBefore(snap.Events)); err != nil {
			return k.fail(err)
		}
		k.replay.Advance(snap.Events)
		k.verifiedAny, k.verifiedThrough = true, uint64(snap.Cycle)
		k.logger.Info("seek restored snapshot", "snapshot_cycle", uint64(snap.Cycle), "target", cycle)
	}
	return k.RunUntil(ctx, cycle)
}
