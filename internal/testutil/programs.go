package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/deos/internal/tbc"
)

// Sample programs in assembly form. Each comment gives the source-level
// program it stands for.

// HandlerNoResume evaluates handle { perform Foo(10) } with { Foo(x, k) => x + 1 }.
// Result: 11.
const HandlerNoResume = `
func main
  safepoint
  push_handler h
  .handler h done=done
  .clause h Foo foo
  const 10
  perform Foo 1
  pop_handler
done:
  handle_done
  pop
  halt

func foo arity=2
  safepoint
  load 0 0
  const 1
  add
  ret
`

// HandlerResume evaluates handle { 1 + perform Foo(10) } with { Foo(x, k) => k(x * 2) }.
// Result: 21.
const HandlerResume = `
func main
  safepoint
  push_handler h
  .handler h done=done
  .clause h Foo foo
  const 1
  const 10
  perform Foo 1
  add
  pop_handler
done:
  handle_done
  pop
  halt

func foo arity=2
  safepoint
  load 0 1
  load 0 0
  const 2
  mul
  call 1
  ret
`

// OneShotViolation evaluates handle { perform Foo(0) } with { Foo(x, k) => k(1) + k(2) }
// and prints the result. The second resume faults, so nothing is printed.
const OneShotViolation = `
func main
  safepoint
  push_handler h
  .handler h done=done
  .clause h Foo foo
  const 0
  perform Foo 1
  pop_handler
done:
  handle_done
  sys print
  pop
  halt

func foo arity=2
  safepoint
  load 0 1
  const 1
  call 1
  load 0 1
  const 2
  call 1
  add
  ret
`

// StateEffects threads state through Get/Put effects in state-passing style:
//
//	(handle {
//	   Put(Get() + 1); Put(Get() + 1); Put(Get() + 1); Get()
//	 } with {
//	   Get(k) => fun(s) => k(s)(s);
//	   Put(v, k) => fun(s) => k(null)(v);
//	   return(x) => fun(s) => x;
//	 })(0)
//
// The return clause is declared with return=finish but the VM does not run
// it; the body calls finish on Get's result before the done point.
//
// Result: 3.
const StateEffects = `
func main
  safepoint
  push_handler h
  .handler h done=done return=finish
  .clause h Get get
  .clause h Put put
  perform Get 0
  const 1
  add
  perform Put 1
  pop
  perform Get 0
  const 1
  add
  perform Put 1
  pop
  perform Get 0
  const 1
  add
  perform Put 1
  pop
  perform Get 0
  pop_handler
  closure finish
  swap
  call 1
done:
  handle_done
  const 0
  call 1
  pop
  halt

func get arity=1        ; (k)
  safepoint
  closure get_s
  ret

func get_s arity=1      ; (s), k at depth 1
  safepoint
  load 1 0
  load 0 0
  call 1
  load 0 0
  call 1
  ret

func put arity=2        ; (v, k)
  safepoint
  closure put_s
  ret

func put_s arity=1      ; (s), v and k at depth 1
  safepoint
  load 1 1
  const null
  call 1
  load 1 0
  call 1
  ret

func finish arity=1     ; (x)
  safepoint
  closure finish_s
  ret

func finish_s arity=1   ; (s), x at depth 1
  safepoint
  load 1 0
  ret
`

// EscapingEffect evaluates
//
//	handle {
//	  handle { perform Foo() + perform Bar() } with { Foo(k) => k(1) + 1000 }
//	} with { Bar(k) => k(10) + 100 }
//
// Bar is performed from the resumed Foo continuation and handled outside it.
// Result: 1111.
const EscapingEffect = `
func main
  safepoint
  push_handler outer
  .handler outer done=d1
  .clause outer Bar bar
  push_handler inner
  .handler inner done=d2
  .clause inner Foo foo
  perform Foo 0
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
  safepoint
  load 0 0
  const 1
  call 1
  const 1000
  add
  ret

func bar arity=1
  safepoint
  load 0 0
  const 10
  call 1
  const 100
  add
  ret
`

// Workers holds two busy loops that each print their letter three times
// and exit: function 0 prints "a", function 1 prints "b".
const Workers = `
func worker_a
  safepoint
  const 3
loop:
  safepoint
  dup
  const 0
  gt
  jmpf end
  const "a"
  sys print
  pop
  const 1
  sub
  jmp loop
end:
  pop
  const 0
  sys exit

func worker_b
  safepoint
  const 3
loop:
  safepoint
  dup
  const 0
  gt
  jmpf end
  const "b"
  sys print
  pop
  const 1
  sub
  jmp loop
end:
  pop
  const 0
  sys exit
`

// Sleeper runs print(1); sleep(10); print(2).
const Sleeper = `
func main
  safepoint
  const 1
  sys print
  pop
  const 10
  sys sleep
  pop
  const 2
  sys print
  pop
  halt
`

// Echo copies input bytes to the console until the input queue is empty.
const Echo = `
func main
  safepoint
loop:
  safepoint
  sys getc
  dup
  const -1
  eq
  jmpf put
  pop
  halt
put:
  sys putc
  pop
  jmp loop
`

// FaultAndPrint has a task that performs an unhandled effect (function 0)
// and a task that prints "ok" (function 1).
const FaultAndPrint = `
func bad
  safepoint
  perform Boom 0
  halt

func good
  safepoint
  const "ok"
  sys print
  pop
  halt
`

// Closures builds an Env that holds a closure over itself:
// let f = fun() => f; f
const Closures = `
func main locals=1
  safepoint
  closure self
  store 0 0
  pop
  load 0 0
  pop
  halt

func self
  load 1 0
  ret
`

// MustAssemble assembles src or fails the test.
func MustAssemble(t testing.TB, src string) *tbc.Program {
	t.Helper()
	p, err := tbc.Assemble(src)
	require.NoError(t, err)
	return p
}

// MustEncode assembles src and returns its container bytes.
func MustEncode(t testing.TB, src string) []byte {
	t.Helper()
	data, err := tbc.Encode(MustAssemble(t, src))
	require.NoError(t, err)
	return data
}
