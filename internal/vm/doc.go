// Package vm implements the effect-handler bytecode interpreter.
//
// A VM steps exactly one Fiber at a time. Fibers own a value stack, a call
// stack of Frames and a stack of HandlerFrames. Effects are dispatched by
// searching the handler stack from the top, capturing the rest of the
// computation as a one-shot Continuation and cutting the live fiber back to
// the handler's base watermarks. Invoking a continuation restores a fresh
// fiber from its snapshot and links the caller as the parent; when the
// restored fiber reaches its yield target the result flows back into the
// parent.
//
// A restored fiber only searches the handlers installed inside the captured
// region, then its parents. An effect handled by a parent's handler takes
// the fibers in between into its continuation.
//
// # Determinism
//
// The interpreter has no hidden inputs. Given the same Program and the same
// Fiber state it performs the same sequence of steps, which is what the kernel
// relies on for record and replay.
//
// # Faults
//
// Every interpreter error is a *Fault carrying a FaultKind and the location of
// the instruction that detected it. Faults are never recovered inside the VM.
package vm
