package vm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/deos/internal/tbc"
	"github.com/roach88/deos/internal/testutil"
)

// runToHalt steps a program from function 0, skipping safepoints, until it
// halts. Syscalls fail the test.
func runToHalt(t *testing.T, src string, opts ...Option) (Value, error) {
	t.Helper()
	prog := testutil.MustAssemble(t, src)
	m, err := NewAtEntry(prog, 0, opts...)
	require.NoError(t, err)

	for range 10_000 {
		res, err := m.Run()
		if err != nil {
			return nil, err
		}
		switch res.Status {
		case StatusHalted:
			return res.Value, nil
		case StatusSafepoint:
			continue
		default:
			t.Fatalf("unexpected status %s", res.Status)
		}
	}
	t.Fatal("program did not halt")
	return nil, nil
}

func TestHandlerWithoutResume(t *testing.T) {
	v, err := runToHalt(t, testutil.HandlerNoResume)
	require.NoError(t, err)
	assert.Equal(t, Number(11), v)
}

func TestHandlerWithResume(t *testing.T) {
	v, err := runToHalt(t, testutil.HandlerResume)
	require.NoError(t, err)
	assert.Equal(t, Number(21), v)
}

func TestOneShotEnforcement(t *testing.T) {
	prog := testutil.MustAssemble(t, testutil.OneShotViolation)
	m, err := NewAtEntry(prog, 0)
	require.NoError(t, err)

	var status Status
	for {
		res, err := m.Run()
		if err != nil {
			assert.True(t, IsFault(err, FaultContinuationUsed), "got %v", err)
			f, ok := AsFault(err)
			require.True(t, ok)
			assert.Equal(t, 1, f.Fn, "fault raised inside the clause")
			break
		}
		status = res.Status
		require.NotEqual(t, StatusSyscall, status, "print must not be reached")
		require.NotEqual(t, StatusHalted, status)
	}
}

func TestStateViaEffects(t *testing.T) {
	v, err := runToHalt(t, testutil.StateEffects)
	require.NoError(t, err)
	assert.Equal(t, Number(3), v)
}

func TestObserverSeesPerformAndResume(t *testing.T) {
	var events []Event
	_, err := runToHalt(t, testutil.HandlerResume, WithObserver(func(ev Event) {
		events = append(events, ev)
	}))
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.Equal(t, Event{Kind: EventPerform, Effect: "Foo", Argc: 1}, events[0])
	assert.Equal(t, Event{Kind: EventResume, Value: Number(20)}, events[1])
	assert.Equal(t, Event{Kind: EventReturn, Value: Number(21)}, events[2])
}

func TestUnhandledEffect(t *testing.T) {
	_, err := runToHalt(t, "func main\n safepoint\n perform Missing 0\n halt\n")
	require.Error(t, err)
	assert.True(t, IsFault(err, FaultUnhandledEffect))
	assert.Contains(t, err.Error(), "Missing")
}

func TestInnermostHandlerWins(t *testing.T) {
	src := `
func main
  push_handler outer
  .handler outer done=d1
  .clause outer Foo outer_clause
  push_handler inner
  .handler inner done=d2
  .clause inner Foo inner_clause
  perform Foo 0
  pop_handler
d2:
  handle_done
  pop_handler
d1:
  handle_done
  pop
  halt

func outer_clause arity=1
  const "outer"
  ret

func inner_clause arity=1
  const "inner"
  ret
`
	v, err := runToHalt(t, src)
	require.NoError(t, err)
	assert.Equal(t, String("inner"), v)
}

func TestResumeAcrossTwoHandlerScopes(t *testing.T) {
	// handle { handle { 100 + perform Bar() } with { Foo(k) => k(1) } }
	// with { Bar(k) => k(5) + 1000 }
	// Bar skips the inner handler; resuming must run both scopes to the outer
	// done point before returning to the clause.
	src := `
func main
  push_handler outer
  .handler outer done=d1
  .clause outer Bar bar
  push_handler inner
  .handler inner done=d2
  .clause inner Foo foo
  const 100
  perform Bar 0
  add
  pop_handler
d2:
  handle_done
  pop_handler
d1:
  handle_done
  pop
  halt

func foo arity=1
  load 0 0
  const 1
  call 1
  ret

func bar arity=1
  load 0 0
  const 5
  call 1
  const 1000
  add
  ret
`
	v, err := runToHalt(t, src)
	require.NoError(t, err)
	assert.Equal(t, Number(1105), v)
}

func TestEffectEscapingResumedContinuation(t *testing.T) {
	v, err := runToHalt(t, testutil.EscapingEffect)
	require.NoError(t, err)
	assert.Equal(t, Number(1111), v, "both clauses finish after their resumes return")
}

func TestEffectPerformedInsideClause(t *testing.T) {
	// handle { handle { handle { perform A() } with { X(k) => 0 } }
	//   with { A(k) => k(perform B()) * 2 } } with { B(k) => k(3) + 1 }
	// B's continuation holds the A clause frame, which finishes before B's
	// clause adds 1.
	src := `
func main
  push_handler hb
  .handler hb done=d1
  .clause hb B b
  push_handler ha
  .handler ha done=d2
  .clause ha A a
  push_handler hx
  .handler hx done=d3
  .clause hx X x
  perform A 0
  pop_handler
d3:
  handle_done
  pop_handler
d2:
  handle_done
  pop_handler
d1:
  handle_done
  pop
  halt

func a arity=1
  load 0 0
  perform B 0
  call 1
  const 2
  mul
  ret

func b arity=1
  load 0 0
  const 3
  call 1
  const 1
  add
  ret

func x arity=1
  const 0
  ret
`
	v, err := runToHalt(t, src)
	require.NoError(t, err)
	assert.Equal(t, Number(7), v)
}

func TestEscapingEffectRestoresFiberChain(t *testing.T) {
	prog := testutil.MustAssemble(t, testutil.EscapingEffect)
	m, err := NewAtEntry(prog, 0)
	require.NoError(t, err)

	deepest := 0
	for range 10_000 {
		res, err := m.Step()
		require.NoError(t, err)
		depth := 0
		for f := m.Fiber().Parent; f != nil; f = f.Parent {
			depth++
		}
		deepest = max(deepest, depth)
		if res.Status == StatusHalted {
			assert.Equal(t, Number(1111), res.Value)
			break
		}
	}
	assert.Equal(t, 2, deepest, "resuming Bar rebuilds the Foo fiber and the fiber it returns into")
	assert.Nil(t, m.Fiber().Parent)
}

func TestReturnClauseInstalledButNotCalled(t *testing.T) {
	src := `
func main
  push_handler h
  .handler h done=done return=wrap
  const 5
  pop_handler
done:
  handle_done
  pop
  halt

func wrap arity=1
  load 0 0
  const 100
  mul
  ret
`
	prog := testutil.MustAssemble(t, src)
	m, err := NewAtEntry(prog, 0)
	require.NoError(t, err)

	_, err = m.Step()
	require.NoError(t, err)
	require.Len(t, m.Fiber().Handlers, 1)
	require.NotNil(t, m.Fiber().Handlers[0].OnReturn)
	assert.Equal(t, 1, m.Fiber().Handlers[0].OnReturn.Fn)

	v, err := runToHalt(t, src)
	require.NoError(t, err)
	assert.Equal(t, Number(5), v)
}

func TestRecursiveFrameDoesNotMergeEarly(t *testing.T) {
	// f(n) installs a handler for E only when n > 1, recurses down to 0 and
	// performs E there. The resumed fiber passes f's done point at two deeper
	// levels before it reaches the one that owns the handler; only the call
	// depth tells them apart. Resuming with 7 must yield 7 + 1 + 1.
	src := `
func main locals=1
  closure f
  store 0 0
  pop
  load 0 0
  const 2
  call 1
  pop
  halt

func f arity=1
  load 0 0
  const 1
  gt
  jmpf body
  push_handler h
  .handler h done=done
  .clause h E e
body:
  load 0 0
  const 0
  gt
  jmpf leaf
  load 1 0
  load 0 0
  const 1
  sub
  call 1
  const 1
  add
  jmp out
leaf:
  perform E 0
out:
  load 0 0
  const 1
  gt
  jmpf done
  pop_handler
done:
  handle_done
  ret

func e arity=1
  load 0 0
  const 7
  call 1
  ret
`
	v, err := runToHalt(t, src)
	require.NoError(t, err)
	assert.Equal(t, Number(9), v)
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		op   string
		want Value
	}{
		{"add numbers", "2", "3", "add", Number(5)},
		{"sub", "2", "3", "sub", Number(-1)},
		{"mul", "4", "2.5", "mul", Number(10)},
		{"div", "1", "4", "div", Number(0.25)},
		{"concat", `"ab"`, `"cd"`, "add", String("abcd")},
		{"lt numbers", "1", "2", "lt", Bool(true)},
		{"gt strings", `"b"`, `"a"`, "gt", Bool(true)},
		{"eq numbers", "1", "1", "eq", Bool(true)},
		{"eq mixed", "1", `"1"`, "eq", Bool(false)},
		{"eq null", "null", "null", "eq", Bool(true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := "func main\n const " + tt.a + "\n const " + tt.b + "\n " + tt.op + "\n pop\n halt\n"
			v, err := runToHalt(t, src)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestDivisionByZeroIsInfinite(t *testing.T) {
	v, err := runToHalt(t, "func main\n const 1\n const 0\n div\n pop\n halt\n")
	require.NoError(t, err)
	assert.True(t, math.IsInf(float64(v.(Number)), 1))
}

func TestNaNIsNotEqualToItself(t *testing.T) {
	v, err := runToHalt(t, "func main\n const NaN\n dup\n eq\n pop\n halt\n")
	require.NoError(t, err)
	assert.Equal(t, Bool(false), v)
}

func TestOperandFaults(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind FaultKind
	}{
		{"number plus string", "const 1\n const \"x\"\n add", FaultType},
		{"string minus string", "const \"a\"\n const \"b\"\n sub", FaultType},
		{"bool plus bool", "const true\n const false\n add", FaultType},
		{"null operand", "const null\n const 1\n add", FaultRuntime},
		{"closure operand", "closure main\n const 1\n lt", FaultRuntime},
		{"call a number", "const 1\n call 0", FaultCallNonCallable},
		{"arity mismatch", "closure main\n const 1\n call 1", FaultArity},
		{"pop empty", "pop", FaultStackUnderflow},
		{"env depth", "load 3 0", FaultEnvOutOfBounds},
		{"env slot", "load 0 9", FaultEnvOutOfBounds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runToHalt(t, "func main\n "+tt.body+"\n halt\n")
			require.Error(t, err)
			f, ok := AsFault(err)
			require.True(t, ok, "want *Fault, got %T", err)
			assert.Equal(t, tt.kind, f.Kind)
			assert.Equal(t, 0, f.Fn)
		})
	}
}

func TestWriteOnceBinding(t *testing.T) {
	src := "func main locals=1\n const 1\n store 0 0\n const 2\n store 0 0\n halt\n"
	_, err := runToHalt(t, src)
	require.Error(t, err)
	assert.True(t, IsFault(err, FaultImmutableBinding))
}

func TestInvalidOpcode(t *testing.T) {
	prog := &tbc.Program{Functions: []tbc.Function{{Code: []byte{0x7f}}}}
	m, err := New(prog, nil)
	require.NoError(t, err)

	_, err = m.Run()
	require.Error(t, err)
	assert.True(t, IsFault(err, FaultInvalidOpcode))
}

func TestTruncatedOperand(t *testing.T) {
	prog := &tbc.Program{Functions: []tbc.Function{{Code: []byte{byte(tbc.OpConst), 0x00}}}}
	m, err := New(prog, nil)
	require.NoError(t, err)

	_, err = m.Run()
	assert.True(t, IsFault(err, FaultBadBytecode))
}

func TestFallingOffFunctionEndHalts(t *testing.T) {
	v, err := runToHalt(t, "func main\n const 5\n pop\n")
	require.NoError(t, err)
	assert.Equal(t, Number(5), v)
}

func TestReturnWithEmptyStackUsesLastValue(t *testing.T) {
	src := `
func main
  closure f
  call 0
  pop
  halt

func f
  const 42
  pop
  ret
`
	v, err := runToHalt(t, src)
	require.NoError(t, err)
	assert.Equal(t, Number(42), v)
}

func TestJumpIfFalseTruthiness(t *testing.T) {
	tests := []struct {
		lit   string
		taken bool
	}{
		{"false", true},
		{"null", true},
		{"true", false},
		{"0", false},
		{`""`, false},
	}
	for _, tt := range tests {
		t.Run(tt.lit, func(t *testing.T) {
			src := "func main\n const " + tt.lit + "\n jmpf t\n const \"fell\"\n pop\n halt\nt:\n const \"jumped\"\n pop\n halt\n"
			v, err := runToHalt(t, src)
			require.NoError(t, err)
			if tt.taken {
				assert.Equal(t, String("jumped"), v)
			} else {
				assert.Equal(t, String("fell"), v)
			}
		})
	}
}

func TestSyscallAndSafepointStatus(t *testing.T) {
	prog := testutil.MustAssemble(t, "func main\n safepoint\n const 1\n sys print\n halt\n")
	m, err := NewAtEntry(prog, 0)
	require.NoError(t, err)

	res, err := m.Run()
	require.NoError(t, err)
	assert.Equal(t, StatusSafepoint, res.Status)
	assert.Equal(t, 1, res.Cycles)

	res, err = m.Run()
	require.NoError(t, err)
	assert.Equal(t, StatusSyscall, res.Status)
	assert.Equal(t, tbc.SysPrint, res.Sysno)
	assert.Equal(t, 2, res.Cycles)

	v, err := m.Pop()
	require.NoError(t, err)
	assert.Equal(t, Number(1), v)
}

func TestContinuationSnapshotIsIndependent(t *testing.T) {
	f := NewFiber()
	f.Values = []Value{Number(1), Number(2)}
	f.Frames = []Frame{{Fn: 0, IP: 3, Env: NewEnv(nil, 0)}}

	snap := f.Capture(YieldTarget{Fn: 0, PC: 9, Depth: 1})
	f.Values[0] = String("mutated")
	f.Frames[0].IP = 99

	restored := snap.Restore()
	assert.Equal(t, []Value{Number(1), Number(2)}, restored.Values)
	assert.Equal(t, 3, restored.Frames[0].IP)
	assert.Same(t, f.Frames[0].Env, restored.Frames[0].Env, "envs are shared, not copied")

	restored.Values[0] = String("again")
	assert.Equal(t, Number(1), snap.Values[0])
}
