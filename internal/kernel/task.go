package kernel

import (
	"fmt"

	"github.com/roach88/deos/internal/vm"
)

// TaskState is the scheduling state of a task.
type TaskState int

const (
	// TaskReady tasks can be picked.
	TaskReady TaskState = iota
	// TaskRunning is the state of the task inside its turn.
	TaskRunning
	// TaskBlocked tasks sleep until their wake cycle.
	TaskBlocked
	// TaskDone tasks halted, exited, faulted or were killed.
	TaskDone
)

func (s TaskState) String() string {
	switch s {
	case TaskReady:
		return "READY"
	case TaskRunning:
		return "RUNNING"
	case TaskBlocked:
		return "BLOCKED"
	case TaskDone:
		return "DONE"
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

// ParseTaskState is the inverse of TaskState.String.
func ParseTaskState(s string) (TaskState, error) {
	switch s {
	case "READY":
		return TaskReady, nil
	case "RUNNING":
		return TaskRunning, nil
	case "BLOCKED":
		return TaskBlocked, nil
	case "DONE":
		return TaskDone, nil
	}
	return 0, fmt.Errorf("unknown task state %q", s)
}

// DefaultPriority is the priority of tasks spawned without one.
const DefaultPriority = 100

// task is the kernel's record of one task. The VM is dropped once the task
// is done; Result keeps its final value.
type task struct {
	id       int
	state    TaskState
	priority int
	wake     uint64
	domain   int
	entry    int

	vm         *vm.VM
	result     vm.Value
	fault      *vm.Fault
	faultCycle uint64
}

// last returns the value a snapshot stores for the task.
func (t *task) last() vm.Value {
	if t.vm != nil {
		return t.vm.LastValue()
	}
	if t.result != nil {
		return t.result
	}
	return vm.Null{}
}

// finish moves the task to DONE and releases its VM.
func (t *task) finish(result vm.Value) {
	t.state = TaskDone
	t.result = result
	t.vm = nil
}

// TaskInfo is a read-only view of a task.
type TaskInfo struct {
	ID        int
	State     TaskState
	Priority  int
	WakeCycle uint64
	Domain    int
	Entry     int

	// Result is the final value of a DONE task, nil otherwise.
	Result vm.Value

	// Fault is the fault that ended the task, if any.
	Fault *vm.Fault
}

func (t *task) info() TaskInfo {
	info := TaskInfo{
		ID:        t.id,
		State:     t.state,
		Priority:  t.priority,
		WakeCycle: t.wake,
		Domain:    t.domain,
		Entry:     t.entry,
		Fault:     t.fault,
	}
	if t.state == TaskDone {
		info.Result = t.last()
	}
	return info
}
