package tbc

import (
	"fmt"
	"strconv"
	"strings"
)

// Opcode is a single bytecode instruction.
type Opcode byte

const (
	OpConst     Opcode = 0x01 // CONST <const:u16>
	OpPop       Opcode = 0x02
	OpDup       Opcode = 0x03
	OpSwap      Opcode = 0x04
	OpLoad      Opcode = 0x05 // LOAD <depth:u16> <slot:u16>
	OpStore     Opcode = 0x06 // STORE <depth:u16> <slot:u16>, leaves the value on the stack
	OpJmp       Opcode = 0x07 // JMP <pc:u32>
	OpJmpF      Opcode = 0x08 // JMPF <pc:u32>
	OpClosure   Opcode = 0x09 // CLOSURE <fn:u16>
	OpCall      Opcode = 0x0a // CALL <argc:u16>
	OpRet       Opcode = 0x0b
	OpSys       Opcode = 0x0c // SYS <sysno:u16>
	OpSafepoint Opcode = 0x0d
	OpHalt      Opcode = 0x0e

	OpAdd Opcode = 0x10
	OpSub Opcode = 0x11
	OpMul Opcode = 0x12
	OpDiv Opcode = 0x13
	OpEq  Opcode = 0x14
	OpLt  Opcode = 0x15
	OpGt  Opcode = 0x16

	OpPushHandler Opcode = 0x20 // PUSH_HANDLER <handler:u16> <donePC:u32>
	OpPopHandler  Opcode = 0x21
	OpPerform     Opcode = 0x22 // PERFORM <effect const:u16> <argc:u16>
	OpHandleDone  Opcode = 0x23
)

// OpInfo describes an opcode's mnemonic and operand widths in bytes.
type OpInfo struct {
	Name     string
	Operands []int
}

// Size returns the encoded instruction size including the opcode byte.
func (i OpInfo) Size() int {
	n := 1
	for _, w := range i.Operands {
		n += w
	}
	return n
}

var opTable = map[Opcode]OpInfo{
	OpConst:       {"const", []int{2}},
	OpPop:         {"pop", nil},
	OpDup:         {"dup", nil},
	OpSwap:        {"swap", nil},
	OpLoad:        {"load", []int{2, 2}},
	OpStore:       {"store", []int{2, 2}},
	OpJmp:         {"jmp", []int{4}},
	OpJmpF:        {"jmpf", []int{4}},
	OpClosure:     {"closure", []int{2}},
	OpCall:        {"call", []int{2}},
	OpRet:         {"ret", nil},
	OpSys:         {"sys", []int{2}},
	OpSafepoint:   {"safepoint", nil},
	OpHalt:        {"halt", nil},
	OpAdd:         {"add", nil},
	OpSub:         {"sub", nil},
	OpMul:         {"mul", nil},
	OpDiv:         {"div", nil},
	OpEq:          {"eq", nil},
	OpLt:          {"lt", nil},
	OpGt:          {"gt", nil},
	OpPushHandler: {"push_handler", []int{2, 4}},
	OpPopHandler:  {"pop_handler", nil},
	OpPerform:     {"perform", []int{2, 2}},
	OpHandleDone:  {"handle_done", nil},
}

var opByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opTable))
	for op, info := range opTable {
		m[info.Name] = op
	}
	return m
}()

// Lookup returns the table entry for op.
func Lookup(op Opcode) (OpInfo, bool) {
	info, ok := opTable[op]
	return info, ok
}

func (op Opcode) String() string {
	if info, ok := opTable[op]; ok {
		return strings.ToUpper(info.Name)
	}
	return fmt.Sprintf("OP_0x%02x", byte(op))
}

// Syscall numbers (the kernel ABI).
const (
	SysPutc  uint16 = 1
	SysGetc  uint16 = 2
	SysYield uint16 = 3
	SysSleep uint16 = 4
	SysExit  uint16 = 5
	SysPrint uint16 = 7
)

var sysNames = map[uint16]string{
	SysPutc:  "putc",
	SysGetc:  "getc",
	SysYield: "yield",
	SysSleep: "sleep",
	SysExit:  "exit",
	SysPrint: "print",
}

// SyscallName returns the mnemonic for a syscall number.
func SyscallName(no uint16) string {
	if name, ok := sysNames[no]; ok {
		return name
	}
	return strconv.Itoa(int(no))
}

// ParseSyscall accepts a syscall mnemonic or a decimal number.
func ParseSyscall(s string) (uint16, error) {
	for no, name := range sysNames {
		if name == s {
			return no, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown syscall %q", s)
	}
	return uint16(n), nil
}
