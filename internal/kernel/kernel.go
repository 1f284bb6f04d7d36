package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/roach88/deos/internal/tbc"
	"github.com/roach88/deos/internal/trace"
	"github.com/roach88/deos/internal/vm"
)

// DefaultSnapshotInterval is the number of cycles between recorded snapshots.
const DefaultSnapshotInterval = 1000

// Mode selects how the kernel treats the trace.
type Mode int

const (
	// ModeLive runs without a trace.
	ModeLive Mode = iota
	// ModeRecord appends every nondeterministic input to a trace.
	ModeRecord
	// ModeReplay drives the run from a trace and checks it.
	ModeReplay
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeRecord:
		return "record"
	case ModeReplay:
		return "replay"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Kernel is a cooperative scheduler for tasks sharing one Program.
//
// Run must be called from one goroutine at a time. Clock().Current() may be
// read concurrently; nothing else may.
type Kernel struct {
	prog      *tbc.Program
	imageHash string
	logger    *slog.Logger
	clock     *Clock
	perTick   uint64

	tasks   []*task
	current int // index of the last task to run, -1 before the first turn

	mode   Mode
	rec    *trace.Recorder
	replay *trace.Index

	out       strings.Builder
	input     []int // bytes visible to GETC
	hostInput []int // bytes from Input, injected at the next boundary

	snapshotInterval uint64
	nextSnapshot     uint64
	verifiedAny      bool
	verifiedThrough  uint64

	maxCycles    uint64
	policy       Policy
	switchReason string

	mask     EventMask
	sink     DiagnosticSink
	diags    []Diagnostic
	lastTick uint64

	firstFault *vm.Fault
	failed     error
}

// Option configures a Kernel.
type Option func(*Kernel)

// WithLogger sets the kernel's logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) {
		k.logger = l
	}
}

// WithCyclesPerTick sets the tick length.
//
// Default: 10000 cycles (DefaultCyclesPerTick)
func WithCyclesPerTick(n uint64) Option {
	return func(k *Kernel) {
		k.perTick = n
	}
}

// WithSnapshotInterval sets how many cycles pass between recorded snapshots.
// Zero disables snapshots.
//
// Default: 1000 cycles (DefaultSnapshotInterval)
func WithSnapshotInterval(n uint64) Option {
	return func(k *Kernel) {
		k.snapshotInterval = n
	}
}

// WithEventMask selects which diagnostics are kept. Default: MaskAll.
func WithEventMask(m EventMask) Option {
	return func(k *Kernel) {
		k.mask = m
	}
}

// WithMaxCycles stops Run with a *BudgetExceededError once the clock reaches
// n. Zero means unlimited.
func WithMaxCycles(n uint64) Option {
	return func(k *Kernel) {
		k.maxCycles = n
	}
}

// WithPolicy installs a scheduling policy. A nil policy keeps the built-in
// cyclic scan.
func WithPolicy(p Policy) Option {
	return func(k *Kernel) {
		k.policy = p
	}
}

// WithDiagnosticSink forwards every kept diagnostic to s as it happens.
func WithDiagnosticSink(s DiagnosticSink) Option {
	return func(k *Kernel) {
		k.sink = s
	}
}

// New creates a kernel for prog with no tasks.
func New(prog *tbc.Program, opts ...Option) *Kernel {
	k := &Kernel{
		prog:             prog,
		logger:           slog.Default(),
		current:          -1,
		snapshotInterval: DefaultSnapshotInterval,
		mask:             MaskAll,
	}
	for _, opt := range opts {
		opt(k)
	}
	k.clock = NewClock(k.perTick)
	k.perTick = k.clock.CyclesPerTick()
	return k
}

// FromImage creates a kernel for an image and spawns its tasks in order.
func FromImage(img *Image, opts ...Option) (*Kernel, error) {
	prog, err := img.Program()
	if err != nil {
		return nil, err
	}
	hash, err := img.Hash()
	if err != nil {
		return nil, err
	}
	k := New(prog, opts...)
	k.imageHash = hash
	for _, it := range img.Tasks {
		id, err := k.SpawnEntry(it.Fn, it.Priority)
		if err != nil {
			return nil, err
		}
		k.tasks[id].domain = it.Domain
	}
	return k, nil
}

// Spawn adds a task that steps fiber. A nil or empty fiber starts at
// function 0. Task ids are assigned in spawn order starting at 0.
func (k *Kernel) Spawn(fiber *vm.Fiber, priority int) (int, error) {
	id := len(k.tasks)
	m, err := vm.New(k.prog, fiber, vm.WithObserver(k.observer(id)))
	if err != nil {
		return 0, fmt.Errorf("spawn task %d: %w", id, err)
	}
	entry := m.Fiber().Frames[0].Fn
	k.tasks = append(k.tasks, &task{
		id:       id,
		state:    TaskReady,
		priority: priority,
		entry:    entry,
		vm:       m,
	})
	k.logger.Debug("task spawned", "task", id, "entry", entry, "priority", priority)
	return id, nil
}

// SpawnEntry adds a task that starts at function fn.
func (k *Kernel) SpawnEntry(fn, priority int) (int, error) {
	fiber, err := vm.EntryFiber(k.prog, fn)
	if err != nil {
		return 0, fmt.Errorf("spawn: %w", err)
	}
	return k.Spawn(fiber, priority)
}

// SetDomain assigns a task to a scheduling domain, reported to policies.
func (k *Kernel) SetDomain(id, domain int) error {
	t, err := k.task(id)
	if err != nil {
		return err
	}
	t.domain = domain
	return nil
}

// Kill ends a task without running it further. Kills are host actions and
// are not recorded in traces.
func (k *Kernel) Kill(id int) error {
	t, err := k.task(id)
	if err != nil {
		return err
	}
	if t.state != TaskDone {
		t.finish(vm.Null{})
		k.logger.Debug("task killed", "task", id)
	}
	return nil
}

// Input queues host input bytes. They become visible to GETC at the next
// scheduling boundary. Replay ignores host input.
func (k *Kernel) Input(data ...byte) {
	if k.mode == ModeReplay {
		k.logger.Debug("host input ignored during replay", "bytes", len(data))
		return
	}
	for _, b := range data {
		k.hostInput = append(k.hostInput, int(b))
	}
}

// SetRecordMode starts a fresh trace for the image with the given hash.
func (k *Kernel) SetRecordMode(imageHash string) {
	k.mode = ModeRecord
	k.rec = trace.NewRecorder(imageHash)
	k.replay = nil
	k.nextSnapshot = k.clock.Current() + k.snapshotInterval
	k.logger.Info("recording", "image", imageHash, "snapshot_interval", k.snapshotInterval)
}

// SetReplayMode drives subsequent runs from tr. A kernel built from an image
// rejects traces recorded against a different image.
func (k *Kernel) SetReplayMode(tr *trace.Trace) error {
	if k.imageHash != "" && tr.ImageHash != k.imageHash {
		return mismatch(k.clock.Current(), -1, "image_hash", tr.ImageHash, k.imageHash)
	}
	k.mode = ModeReplay
	k.replay = trace.NewIndex(tr)
	k.rec = nil
	k.hostInput = nil
	k.verifiedAny = false
	k.logger.Info("replaying", "image", tr.ImageHash, "events", len(tr.Events), "snapshots", len(tr.Snapshots))
	return nil
}

// Run drives the scheduler until every task is done.
func (k *Kernel) Run(ctx context.Context) error {
	return k.run(ctx, 0, false)
}

// RunUntil drives the scheduler until every task is done or the first
// scheduling boundary at or after cycle.
func (k *Kernel) RunUntil(ctx context.Context, cycle uint64) error {
	return k.run(ctx, cycle, true)
}

func (k *Kernel) run(ctx context.Context, until uint64, bounded bool) error {
	if k.failed != nil {
		return k.failed
	}
	k.logger.Info("kernel run starting", "mode", k.mode, "tasks", len(k.tasks), "cycle", k.clock.Current())

	for {
		if err := ctx.Err(); err != nil {
			k.logger.Info("kernel stopping: context cancelled", "cycle", k.clock.Current())
			return err
		}
		if err := k.boundary(); err != nil {
			return k.fail(err)
		}
		if !k.hasLive() {
			break
		}
		cycle := k.clock.Current()
		if bounded && cycle >= until {
			k.logger.Debug("kernel paused", "cycle", cycle, "target", until)
			return nil
		}
		if k.maxCycles > 0 && cycle >= k.maxCycles {
			return &BudgetExceededError{What: "cycles", Used: cycle, Limit: k.maxCycles}
		}

		idx, err := k.pick()
		if err != nil {
			return k.fail(err)
		}
		if idx < 0 {
			k.idle()
			continue
		}
		if err := k.turn(idx); err != nil {
			return k.fail(err)
		}
	}

	if k.mode == ModeReplay {
		if rest := k.replay.Unconsumed(); len(rest) > 0 {
			ev := rest[0]
			return k.fail(mismatch(uint64(ev.Cycle), ev.Task, "trace end", string(ev.Type)+" event", "end of run"))
		}
		if rest := k.replay.Unchecked(); len(rest) > 0 {
			return k.fail(mismatch(rest[0], -1, "snapshot", "scheduling boundary", "never reached"))
		}
	}
	k.logger.Info("kernel run finished", "cycle", k.clock.Current(), "output_bytes", k.out.Len())
	return nil
}

// fail makes err the kernel's terminal error.
func (k *Kernel) fail(err error) error {
	k.failed = err
	if IsReplayMismatch(err) {
		k.logger.Error("replay diverged", "error", err)
		k.diag(Diagnostic{Kind: DiagError, Task: -1, Code: "ReplayMismatch", Message: err.Error()})
	} else {
		k.logger.Error("kernel failed", "error", err)
	}
	return err
}

// boundary runs the work due at every scheduling boundary: tick
// notification, snapshot recording or verification, then input injection.
func (k *Kernel) boundary() error {
	if tick := k.clock.Tick(); tick > k.lastTick {
		k.lastTick = tick
		k.diag(Diagnostic{Kind: DiagTick, Task: -1})
	}
	if err := k.snapshotHook(); err != nil {
		return err
	}
	return k.injectInput()
}

func (k *Kernel) injectInput() error {
	cycle := k.clock.Current()
	if k.mode == ModeReplay {
		for _, ev := range k.replay.TakeInputs(cycle) {
			b, ok := ev.Int("byte")
			if !ok {
				return mismatch(uint64(ev.Cycle), -1, "input", "byte", "malformed event")
			}
			k.consumeInput(b)
		}
		return nil
	}
	for _, b := range k.hostInput {
		if k.mode == ModeRecord {
			k.rec.Event(cycle, trace.EventInput, -1, map[string]any{"byte": b})
		}
		k.consumeInput(b)
	}
	k.hostInput = nil
	return nil
}

func (k *Kernel) consumeInput(b int) {
	k.input = append(k.input, b)
	k.diag(Diagnostic{Kind: DiagInputConsumed, Task: -1, Byte: b})
}

func (k *Kernel) hasLive() bool {
	for _, t := range k.tasks {
		if t.state != TaskDone {
			return true
		}
	}
	return false
}

// pick returns the index of the task to run next, or -1 when nothing is
// runnable at the current cycle.
func (k *Kernel) pick() (int, error) {
	if k.policy != nil {
		return k.pickWithPolicy()
	}
	cycle := k.clock.Current()
	n := len(k.tasks)
	for i := 1; i <= n; i++ {
		idx := (k.current + i) % n
		t := k.tasks[idx]
		switch {
		case t.state == TaskReady:
			return idx, nil
		case t.state == TaskBlocked && t.wake <= cycle:
			t.state = TaskReady
			k.logger.Debug("task woke", "task", t.id, "cycle", cycle)
			return idx, nil
		}
	}
	return -1, nil
}

func (k *Kernel) pickWithPolicy() (int, error) {
	cycle := k.clock.Current()
	var runnable []int
	for i, t := range k.tasks {
		if t.state == TaskBlocked && t.wake <= cycle {
			t.state = TaskReady
			k.logger.Debug("task woke", "task", t.id, "cycle", cycle)
		}
		if t.state == TaskReady {
			runnable = append(runnable, i)
		}
	}
	if len(runnable) == 0 {
		return -1, nil
	}

	from := runnable[0]
	in := PolicyInput{Tick: k.clock.Tick(), Runnable: len(runnable)}
	if k.current >= 0 {
		from = k.current
		for j, i := range runnable {
			if i == k.current {
				in.CurrentIndex = j
			}
		}
	}
	in.CurrentTask = k.tasks[from].id
	in.Domain = k.tasks[from].domain

	pick, err := k.policy.Pick(in)
	if err != nil {
		k.logger.Warn("policy failed, falling back to round robin", "error", err)
		k.diag(Diagnostic{Kind: DiagError, Task: in.CurrentTask, Code: "PolicyError", Message: err.Error()})
		pick = in.CurrentIndex + 1
	}
	pick = wrapIndex(pick, len(runnable))
	idx := runnable[pick]
	id := k.tasks[idx].id

	switch k.mode {
	case ModeRecord:
		k.rec.Event(cycle, trace.EventSafepoint, id, map[string]any{"pick": pick, "runnable": len(runnable)})
	case ModeReplay:
		ev, ok := k.replay.Next(cycle, trace.EventSafepoint, id)
		if !ok {
			return -1, mismatch(cycle, id, "policy pick", "recorded pick", "no event")
		}
		if recorded, _ := ev.Int("pick"); recorded != pick {
			return -1, mismatch(cycle, id, "policy pick", recorded, pick)
		}
	}
	k.diag(Diagnostic{Kind: DiagPolicyPick, Task: id, Pick: pick})
	return idx, nil
}

// idle advances the clock when nothing is runnable: to the nearest wake
// cycle if a task sleeps, by one cycle otherwise.
func (k *Kernel) idle() {
	cycle := k.clock.Current()
	var next uint64
	found := false
	for _, t := range k.tasks {
		if t.state == TaskBlocked && (!found || t.wake < next) {
			next, found = t.wake, true
		}
	}
	if found && next > cycle {
		k.clock.AdvanceTo(next)
	} else {
		k.clock.Advance(1)
	}
	k.logger.Debug("kernel idle", "from", cycle, "to", k.clock.Current())
}

// turn runs one task until it reaches a safepoint, blocks, halts or faults.
// Non-blocking syscalls resume the same task within the turn.
func (k *Kernel) turn(idx int) error {
	t := k.tasks[idx]
	if k.current >= 0 && k.current != idx {
		k.diag(Diagnostic{Kind: DiagTaskSwitch, Task: t.id, From: k.tasks[k.current].id, To: t.id, Reason: k.switchReason})
	}
	k.current = idx
	t.state = TaskRunning

	for {
		res, err := t.vm.Run()
		k.clock.Advance(uint64(res.Cycles))
		if err != nil {
			k.faultTask(t, err)
			return nil
		}
		switch res.Status {
		case vm.StatusHalted:
			t.finish(res.Value)
			k.switchReason = "exit"
			k.logger.Debug("task halted", "task", t.id, "result", vm.Format(res.Value), "cycle", k.clock.Current())
			return nil
		case vm.StatusSafepoint:
			t.state = TaskReady
			k.switchReason = "safepoint"
			return nil
		case vm.StatusSyscall:
			if err := k.syscall(t, res.Sysno); err != nil {
				return err
			}
			if t.state != TaskRunning {
				return nil
			}
		}
	}
}

// faultTask ends a task with a fault. Other tasks are unaffected.
func (k *Kernel) faultTask(t *task, err error) {
	f, ok := vm.AsFault(err)
	if !ok {
		f = &vm.Fault{Kind: vm.FaultRuntime, Message: err.Error(), Fn: -1, IP: -1}
	}
	t.fault, t.faultCycle = f, k.clock.Current()
	t.finish(vm.Null{})
	k.switchReason = "fault"
	if k.firstFault == nil {
		k.firstFault = f
	}
	k.logger.Warn("task faulted", "task", t.id, "kind", f.Kind, "error", f.Message, "cycle", k.clock.Current())
	k.diag(Diagnostic{Kind: DiagError, Task: t.id, Code: string(f.Kind), Message: f.Message})
}

func (k *Kernel) observer(id int) vm.Observer {
	return func(ev vm.Event) {
		switch ev.Kind {
		case vm.EventPerform:
			k.diag(Diagnostic{Kind: DiagPerform, Task: id, Effect: ev.Effect})
		case vm.EventResume:
			k.diag(Diagnostic{Kind: DiagContCall, Task: id, Value: vm.Format(ev.Value)})
		case vm.EventReturn:
			k.diag(Diagnostic{Kind: DiagContReturn, Task: id, Value: vm.Format(ev.Value)})
		}
	}
}

func (k *Kernel) task(id int) (*task, error) {
	if id < 0 || id >= len(k.tasks) {
		return nil, fmt.Errorf("%w: %d", ErrNoTask, id)
	}
	return k.tasks[id], nil
}

// Output returns the console output produced so far.
func (k *Kernel) Output() string {
	return k.out.String()
}

// Trace returns a copy of the trace being recorded, or nil outside record
// mode.
func (k *Kernel) Trace() *trace.Trace {
	if k.rec == nil {
		return nil
	}
	return k.rec.Trace()
}

// Tasks returns a view of every task in id order.
func (k *Kernel) Tasks() []TaskInfo {
	out := make([]TaskInfo, len(k.tasks))
	for i, t := range k.tasks {
		out[i] = t.info()
	}
	return out
}

// Clock returns the kernel's virtual clock.
func (k *Kernel) Clock() *Clock { return k.clock }

// Mode returns the current trace mode.
func (k *Kernel) Mode() Mode { return k.mode }

// Program returns the program the tasks run.
func (k *Kernel) Program() *tbc.Program { return k.prog }

// ImageHash returns the hash of the image the kernel was built from, or ""
// for kernels built with New.
func (k *Kernel) ImageHash() string { return k.imageHash }

// FirstFault returns the first task fault of the run, or nil.
func (k *Kernel) FirstFault() *vm.Fault { return k.firstFault }

// Err returns the error that ended the session, if any.
func (k *Kernel) Err() error { return k.failed }
