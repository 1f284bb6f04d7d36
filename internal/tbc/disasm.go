package tbc

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Disassemble renders a human-readable listing of the program.
// The listing is stable and suitable for golden files.
func Disassemble(p *Program) string {
	var b strings.Builder

	fmt.Fprintf(&b, "consts %d\n", len(p.Consts))
	for i, c := range p.Consts {
		fmt.Fprintf(&b, "  %d  %s\n", i, c.Literal())
	}

	for i := range p.Functions {
		f := &p.Functions[i]
		fmt.Fprintf(&b, "fn %d arity=%d locals=%d\n", i, f.Arity, f.Locals)
		for j, h := range f.Handlers {
			ret := "-"
			if h.HasReturn() {
				ret = fmt.Sprintf("fn %d", h.ReturnFn)
			}
			fmt.Fprintf(&b, "  handler %d done=%04d return=%s\n", j, h.DonePC, ret)
			for _, c := range h.Clauses {
				fmt.Fprintf(&b, "    clause %s -> fn %d\n", p.EffectName(int(c.EffectConst)), c.Fn)
			}
		}
		disassembleCode(&b, p, f.Code)
	}
	return b.String()
}

func disassembleCode(b *strings.Builder, p *Program, code []byte) {
	pc := 0
	for pc < len(code) {
		op := Opcode(code[pc])
		info, ok := Lookup(op)
		if !ok || pc+info.Size() > len(code) {
			fmt.Fprintf(b, "  %04d  .byte 0x%02x\n", pc, code[pc])
			pc++
			continue
		}

		fmt.Fprintf(b, "  %04d  %s", pc, info.Name)
		off := pc + 1
		operands := make([]int, len(info.Operands))
		for i, w := range info.Operands {
			if w == 2 {
				operands[i] = int(binary.LittleEndian.Uint16(code[off:]))
			} else {
				operands[i] = int(binary.LittleEndian.Uint32(code[off:]))
			}
			fmt.Fprintf(b, " %d", operands[i])
			off += w
		}

		switch op {
		case OpConst:
			if c, ok := p.Const(operands[0]); ok {
				fmt.Fprintf(b, "  ; %s", c.Literal())
			}
		case OpPerform:
			fmt.Fprintf(b, "  ; %s", p.EffectName(operands[0]))
		case OpSys:
			fmt.Fprintf(b, "  ; %s", SyscallName(uint16(operands[0])))
		}
		b.WriteByte('\n')
		pc += info.Size()
	}
}
