// Package snapshot serializes kernel task state into a canonical, hashable
// form and reconstructs live fibers from it.
//
// Heap objects (Env, Closure, Continuation) are addressed by integer ids
// assigned on first visit during a depth-first walk. Every reference is
// replaced by its id, so reference cycles (an Env holding a Closure over that
// same Env) serialize to a finite, canonical structure. Primitive values are
// embedded inline.
//
// The canonical text form is JSON with a fixed field order, no HTML escaping
// and literal U+2028/U+2029. Its hash is FNV-1a 64, rendered as 16 lowercase
// hex digits. The hash depends only on serialized content, never on memory
// addresses.
//
// Decoding runs in two passes: allocate one placeholder per heap entry, then
// fill each placeholder, resolving ids against the placeholder table.
package snapshot
