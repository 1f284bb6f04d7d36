package tbc

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Assemble translates the line-oriented assembly form into a Program.
//
// The syntax is one statement per line; ';' starts a comment outside string
// literals:
//
//	func NAME [arity=N] [locals=N]   start a function (indices follow declaration order)
//	NAME:                            define a label in the current function
//	.handler H done=LABEL [return=F] declare handler H of the current function
//	.clause H EFFECT F               bind EFFECT to function F in handler H
//	MNEMONIC [OPERANDS...]           one instruction
//
// Operands are literals (const), integers (load, store, call, perform argc),
// labels (jmp, jmpf), function names (closure), handler names (push_handler),
// effect names (perform) and syscall names or numbers (sys). Constants are
// pooled and deduplicated.
func Assemble(src string) (*Program, error) {
	a := &assembler{prog: &Program{}, funcIndex: make(map[string]int)}
	lines := strings.Split(src, "\n")

	// Function names may be referenced before they are declared.
	for i, raw := range lines {
		toks, err := tokenize(raw)
		if err != nil {
			return nil, asmErr(i+1, "%v", err)
		}
		if len(toks) >= 1 && toks[0] == "func" {
			if len(toks) < 2 {
				return nil, asmErr(i+1, "func requires a name")
			}
			if _, dup := a.funcIndex[toks[1]]; dup {
				return nil, asmErr(i+1, "duplicate function %q", toks[1])
			}
			a.funcIndex[toks[1]] = len(a.funcIndex)
		}
	}

	for i, raw := range lines {
		toks, _ := tokenize(raw)
		if len(toks) == 0 {
			continue
		}
		if err := a.statement(i+1, toks); err != nil {
			return nil, err
		}
	}
	if err := a.finish(); err != nil {
		return nil, err
	}
	if len(a.prog.Functions) == 0 {
		return nil, fmt.Errorf("asm: no functions")
	}
	return a.prog, nil
}

type fixupKind int

const (
	fixLabel   fixupKind = iota // u32 code offset of a label
	fixHandler                  // u16 handler index followed by its u32 done offset
)

type fixup struct {
	line int
	at   int
	kind fixupKind
	name string
}

type asmHandler struct {
	line int
	done string
}

type asmFunc struct {
	line        int
	fn          Function
	labels      map[string]int
	handlerIdx  map[string]int
	handlerDecl []asmHandler
	fixups      []fixup
}

type assembler struct {
	prog      *Program
	funcIndex map[string]int
	cur       *asmFunc
}

func asmErr(line int, format string, args ...any) error {
	return fmt.Errorf("asm: line %d: %s", line, fmt.Sprintf(format, args...))
}

// tokenize splits a line into fields, keeping quoted strings whole and
// dropping comments.
func tokenize(line string) ([]string, error) {
	var toks []string
	s := line
	for {
		s = strings.TrimLeft(s, " \t\r")
		if s == "" || s[0] == ';' {
			return toks, nil
		}
		if s[0] == '"' {
			q, err := strconv.QuotedPrefix(s)
			if err != nil {
				return nil, fmt.Errorf("bad string literal: %s", s)
			}
			toks = append(toks, q)
			s = s[len(q):]
			continue
		}
		end := strings.IndexAny(s, " \t\r;")
		if end < 0 {
			end = len(s)
		}
		toks = append(toks, s[:end])
		s = s[end:]
	}
}

func (a *assembler) statement(line int, toks []string) error {
	head := toks[0]
	switch {
	case head == "func":
		return a.beginFunc(line, toks[1:])
	case a.cur == nil:
		return asmErr(line, "%q outside of a function", head)
	case strings.HasSuffix(head, ":") && len(toks) == 1:
		name := strings.TrimSuffix(head, ":")
		if _, dup := a.cur.labels[name]; dup {
			return asmErr(line, "duplicate label %q", name)
		}
		a.cur.labels[name] = len(a.cur.fn.Code)
		return nil
	case head == ".handler":
		return a.handlerDirective(line, toks[1:])
	case head == ".clause":
		return a.clauseDirective(line, toks[1:])
	}
	return a.instruction(line, head, toks[1:])
}

func (a *assembler) beginFunc(line int, args []string) error {
	if err := a.finish(); err != nil {
		return err
	}
	a.cur = &asmFunc{
		line:       line,
		labels:     make(map[string]int),
		handlerIdx: make(map[string]int),
	}
	for _, kv := range args[1:] {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return asmErr(line, "expected key=value, got %q", kv)
		}
		n, err := parseU16(val)
		if err != nil {
			return asmErr(line, "%s: %v", key, err)
		}
		switch key {
		case "arity":
			a.cur.fn.Arity = n
		case "locals":
			a.cur.fn.Locals = n
		default:
			return asmErr(line, "unknown function attribute %q", key)
		}
	}
	a.cur.fn.Locals = max(a.cur.fn.Locals, a.cur.fn.Arity)
	return nil
}

func (a *assembler) handlerDirective(line int, args []string) error {
	if len(args) < 2 {
		return asmErr(line, ".handler requires a name and done=LABEL")
	}
	name := args[0]
	if _, dup := a.cur.handlerIdx[name]; dup {
		return asmErr(line, "duplicate handler %q", name)
	}
	h := Handler{ReturnFn: NoFunction}
	decl := asmHandler{line: line}
	for _, kv := range args[1:] {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return asmErr(line, "expected key=value, got %q", kv)
		}
		switch key {
		case "done":
			decl.done = val
		case "return":
			fn, err := a.funcRef(val)
			if err != nil {
				return asmErr(line, "%v", err)
			}
			h.ReturnFn = fn
		default:
			return asmErr(line, "unknown handler attribute %q", key)
		}
	}
	if decl.done == "" {
		return asmErr(line, "handler %q has no done label", name)
	}
	a.cur.handlerIdx[name] = len(a.cur.fn.Handlers)
	a.cur.fn.Handlers = append(a.cur.fn.Handlers, h)
	a.cur.handlerDecl = append(a.cur.handlerDecl, decl)
	return nil
}

func (a *assembler) clauseDirective(line int, args []string) error {
	if len(args) != 3 {
		return asmErr(line, ".clause requires HANDLER EFFECT FUNCTION")
	}
	idx, ok := a.cur.handlerIdx[args[0]]
	if !ok {
		return asmErr(line, "unknown handler %q", args[0])
	}
	fn, err := a.funcRef(args[2])
	if err != nil {
		return asmErr(line, "%v", err)
	}
	eff, err := a.constant(StringConst(args[1]))
	if err != nil {
		return asmErr(line, "%v", err)
	}
	h := &a.cur.fn.Handlers[idx]
	h.Clauses = append(h.Clauses, Clause{EffectConst: eff, Fn: fn})
	return nil
}

func (a *assembler) instruction(line int, mnemonic string, args []string) error {
	op, ok := opByName[strings.ToLower(mnemonic)]
	if !ok {
		return asmErr(line, "unknown mnemonic %q", mnemonic)
	}
	info := opTable[op]
	if want := sourceArgs(op); len(args) != want {
		return asmErr(line, "%s takes %d operands, got %d", info.Name, want, len(args))
	}

	f := a.cur
	at := len(f.fn.Code) + 1
	code := append(f.fn.Code, byte(op))

	switch op {
	case OpConst:
		c, err := ParseLiteral(args[0])
		if err != nil {
			return asmErr(line, "%v", err)
		}
		idx, err := a.constant(c)
		if err != nil {
			return asmErr(line, "%v", err)
		}
		code = binary.LittleEndian.AppendUint16(code, idx)

	case OpLoad, OpStore:
		depth, err := parseU16(args[0])
		if err != nil {
			return asmErr(line, "depth: %v", err)
		}
		slot, err := parseU16(args[1])
		if err != nil {
			return asmErr(line, "slot: %v", err)
		}
		code = binary.LittleEndian.AppendUint16(code, depth)
		code = binary.LittleEndian.AppendUint16(code, slot)

	case OpJmp, OpJmpF:
		f.fixups = append(f.fixups, fixup{line: line, at: at, kind: fixLabel, name: args[0]})
		code = binary.LittleEndian.AppendUint32(code, 0)

	case OpClosure:
		fn, err := a.funcRef(args[0])
		if err != nil {
			return asmErr(line, "%v", err)
		}
		code = binary.LittleEndian.AppendUint16(code, fn)

	case OpCall:
		n, err := parseU16(args[0])
		if err != nil {
			return asmErr(line, "argc: %v", err)
		}
		code = binary.LittleEndian.AppendUint16(code, n)

	case OpSys:
		no, err := ParseSyscall(args[0])
		if err != nil {
			return asmErr(line, "%v", err)
		}
		code = binary.LittleEndian.AppendUint16(code, no)

	case OpPushHandler:
		f.fixups = append(f.fixups, fixup{line: line, at: at, kind: fixHandler, name: args[0]})
		code = binary.LittleEndian.AppendUint16(code, 0)
		code = binary.LittleEndian.AppendUint32(code, 0)

	case OpPerform:
		eff, err := a.constant(StringConst(args[0]))
		if err != nil {
			return asmErr(line, "%v", err)
		}
		argc, err := parseU16(args[1])
		if err != nil {
			return asmErr(line, "argc: %v", err)
		}
		code = binary.LittleEndian.AppendUint16(code, eff)
		code = binary.LittleEndian.AppendUint16(code, argc)
	}

	f.fn.Code = code
	return nil
}

// sourceArgs is the number of arguments a mnemonic takes in source form.
// push_handler names its handler; the done offset comes from .handler.
func sourceArgs(op Opcode) int {
	if op == OpPushHandler {
		return 1
	}
	return len(opTable[op].Operands)
}

// finish resolves the current function's fixups and appends it.
func (a *assembler) finish() error {
	f := a.cur
	if f == nil {
		return nil
	}
	a.cur = nil

	for i, decl := range f.handlerDecl {
		pc, ok := f.labels[decl.done]
		if !ok {
			return asmErr(decl.line, "undefined done label %q", decl.done)
		}
		f.fn.Handlers[i].DonePC = uint32(pc)
	}
	for _, fx := range f.fixups {
		switch fx.kind {
		case fixLabel:
			pc, ok := f.labels[fx.name]
			if !ok {
				return asmErr(fx.line, "undefined label %q", fx.name)
			}
			binary.LittleEndian.PutUint32(f.fn.Code[fx.at:], uint32(pc))
		case fixHandler:
			idx, ok := f.handlerIdx[fx.name]
			if !ok {
				return asmErr(fx.line, "undefined handler %q", fx.name)
			}
			binary.LittleEndian.PutUint16(f.fn.Code[fx.at:], uint16(idx))
			binary.LittleEndian.PutUint32(f.fn.Code[fx.at+2:], f.fn.Handlers[idx].DonePC)
		}
	}
	a.prog.Functions = append(a.prog.Functions, f.fn)
	return nil
}

func (a *assembler) constant(c Const) (uint16, error) {
	for i, existing := range a.prog.Consts {
		if existing.Same(c) {
			return uint16(i), nil
		}
	}
	if len(a.prog.Consts) >= math.MaxUint16 {
		return 0, fmt.Errorf("constant pool full")
	}
	a.prog.Consts = append(a.prog.Consts, c)
	return uint16(len(a.prog.Consts) - 1), nil
}

func (a *assembler) funcRef(name string) (uint16, error) {
	if idx, ok := a.funcIndex[name]; ok {
		return uint16(idx), nil
	}
	if n, err := parseU16(name); err == nil {
		return n, nil
	}
	return 0, fmt.Errorf("unknown function %q", name)
}

// ParseLiteral parses a constant literal: null, true, false, a number or a
// double-quoted string.
func ParseLiteral(s string) (Const, error) {
	switch s {
	case "null":
		return NullConst(), nil
	case "true":
		return BoolConst(true), nil
	case "false":
		return BoolConst(false), nil
	}
	if strings.HasPrefix(s, `"`) {
		str, err := strconv.Unquote(s)
		if err != nil {
			return Const{}, fmt.Errorf("bad string literal %s", s)
		}
		return StringConst(str), nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Const{}, fmt.Errorf("bad literal %q", s)
	}
	return NumberConst(n), nil
}

func parseU16(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("expected integer 0..65535, got %q", s)
	}
	return uint16(n), nil
}
