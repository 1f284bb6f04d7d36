// Package tbc implements the TBC bytecode container: the binary format
// exchanged between the compiler front end, the kernel, and stored images.
//
// # Layout
//
// All multi-byte integers are little-endian.
//
//	header     u8 0xDE, u8 0x05, u8 major, u8 minor
//	consts     u16 count, then per constant: u8 tag + payload
//	             NULL   (tag 0): no payload
//	             BOOL   (tag 1): u8 (0 = false)
//	             NUMBER (tag 2): f64
//	             STRING (tag 3): u16 length + UTF-8 bytes
//	functions  u16 count, then per function:
//	             u16 arity, u16 locals, u32 code length, code bytes,
//	             u16 handler count, then per handler:
//	               u32 done pc, u16 return fn (0xFFFF = none), u16 clause count,
//	               then per clause: u16 effect-name const, u16 clause fn
//	exports    u16 count (always 0)
//
// The package also carries the opcode table shared by the interpreter, a
// disassembler, and a small line-oriented assembler used by tests, scenario
// files, and the CLI in place of the source-language compiler.
package tbc
