// Package kernel schedules cooperative tasks over the bytecode VM.
//
// A Kernel owns every piece of mutable runtime state: the task table, the
// virtual clock, the console output, the input queue and, when enabled, the
// trace recorder or replay index. There are no package-level singletons, so
// independent kernels can coexist in one process.
//
// SCHEDULING:
//
// Tasks run one at a time. A task keeps the CPU until its VM reaches a
// safepoint, issues a blocking syscall, halts or faults. Scheduling decisions
// happen only at those boundaries, and the order of picks depends only on the
// task table, the virtual clock and, if installed, a pure Policy.
//
// VIRTUAL TIME:
//
// The clock advances by one cycle per executed instruction. When no task can
// run the clock jumps to the nearest wake cycle. Wall-clock time is never
// consulted.
//
// RECORD / REPLAY:
//
// In record mode every syscall, host input byte and policy pick is appended
// to a trace, together with periodic state snapshots. In replay mode the
// same run is driven from the trace: output comes from the recorded events,
// every live result is cross-checked and snapshot hashes are recomputed.
// Any divergence is a *MismatchError and ends the session.
package kernel
