package kernel

import (
	"math"
	"strconv"

	"github.com/roach88/deos/internal/tbc"
	"github.com/roach88/deos/internal/trace"
	"github.com/roach88/deos/internal/vm"
)

// syscall dispatches one system call for the running task. Arguments are
// popped from the task's value stack and at most one result is pushed. A
// stack underflow faults the task; a trace divergence is returned.
func (k *Kernel) syscall(t *task, no uint16) error {
	m := t.vm
	cycle := k.clock.Current()

	var res vm.Value = vm.Null{}
	var out string
	getc := -1

	switch no {
	case tbc.SysPrint:
		v, err := m.Pop()
		if err != nil {
			k.faultTask(t, err)
			return nil
		}
		out = vm.Format(v) + "\n"
	case tbc.SysPutc:
		v, err := m.Pop()
		if err != nil {
			k.faultTask(t, err)
			return nil
		}
		out = string(rune(byte(intArg(v))))
	case tbc.SysGetc:
		if len(k.input) > 0 {
			getc = k.input[0]
			k.input = k.input[1:]
		}
		res = vm.Number(getc)
	case tbc.SysYield:
		t.state = TaskReady
		k.switchReason = "yield"
	case tbc.SysSleep:
		v, err := m.Pop()
		if err != nil {
			k.faultTask(t, err)
			return nil
		}
		t.wake = cycle + uint64(max(0, intArg(v)))
		t.state = TaskBlocked
		k.switchReason = "sleep"
		k.logger.Debug("task sleeping", "task", t.id, "wake", t.wake)
	case tbc.SysExit:
		// The exit code is accepted and ignored.
		if len(m.Fiber().Values) > 0 {
			_, _ = m.Pop()
		}
	default:
		k.logger.Debug("unknown syscall", "task", t.id, "no", no)
	}

	detail := map[string]any{"no": int(no)}
	if no == tbc.SysGetc {
		detail["res"] = getc
	}
	if out != "" {
		detail["out"] = out
	}

	switch k.mode {
	case ModeRecord:
		k.rec.Event(cycle, trace.EventSyscall, t.id, detail)
	case ModeReplay:
		recorded, err := k.checkSyscall(cycle, t.id, no, getc, out)
		if err != nil {
			return err
		}
		out = recorded
	}

	if out != "" {
		k.out.WriteString(out)
		k.diag(Diagnostic{Kind: DiagConsole, Task: t.id, Text: out})
	}

	if no == tbc.SysExit {
		t.finish(vm.Null{})
		k.switchReason = "exit"
		k.logger.Debug("task exited", "task", t.id, "cycle", cycle)
		return nil
	}
	m.Push(res)
	return nil
}

// checkSyscall matches a live syscall against the next event recorded for
// the task at this cycle and returns the recorded output.
func (k *Kernel) checkSyscall(cycle uint64, id int, no uint16, getc int, out string) (string, error) {
	ev, ok := k.replay.Next(cycle, trace.EventSyscall, id)
	if !ok {
		return "", mismatch(cycle, id, "syscall", "recorded event", tbc.SyscallName(no))
	}
	if recNo, _ := ev.Int("no"); recNo != int(no) {
		return "", mismatch(cycle, id, "syscall", tbc.SyscallName(uint16(recNo)), tbc.SyscallName(no))
	}
	if no == tbc.SysGetc {
		if recRes, _ := ev.Int("res"); recRes != getc {
			return "", mismatch(cycle, id, "getc result", recRes, getc)
		}
	}
	recOut, _ := ev.Text("out")
	if recOut != out {
		return "", mismatch(cycle, id, "output", strconv.Quote(recOut), strconv.Quote(out))
	}
	return recOut, nil
}

// intArg converts a syscall argument to an integer. Non-numbers and
// non-finite numbers count as 0; fractions round down.
func intArg(v vm.Value) int {
	n, ok := v.(vm.Number)
	if !ok {
		return 0
	}
	f := float64(n)
	switch {
	case math.IsNaN(f) || math.IsInf(f, 0):
		return 0
	case f > math.MaxInt32:
		return math.MaxInt32
	case f < math.MinInt32:
		return math.MinInt32
	}
	return int(math.Floor(f))
}
