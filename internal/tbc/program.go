package tbc

import (
	"fmt"
	"math"
	"strconv"
)

// NoFunction marks a handler without a return clause.
const NoFunction uint16 = 0xFFFF

// ConstKind is the tag byte of a constant pool entry.
type ConstKind uint8

const (
	ConstNull   ConstKind = 0
	ConstBool   ConstKind = 1
	ConstNumber ConstKind = 2
	ConstString ConstKind = 3
)

// Const is a constant pool entry. Only the field selected by Kind is meaningful.
type Const struct {
	Kind   ConstKind
	Bool   bool
	Number float64
	String string
}

// NullConst returns the null constant.
func NullConst() Const { return Const{Kind: ConstNull} }

// BoolConst returns a boolean constant.
func BoolConst(b bool) Const { return Const{Kind: ConstBool, Bool: b} }

// NumberConst returns a numeric constant.
func NumberConst(n float64) Const { return Const{Kind: ConstNumber, Number: n} }

// StringConst returns a string constant.
func StringConst(s string) Const { return Const{Kind: ConstString, String: s} }

// Same reports whether two constants are interchangeable in the pool.
// Numbers compare by bit pattern so that NaN payloads and -0 stay distinct.
func (c Const) Same(o Const) bool {
	if c.Kind != o.Kind {
		return false
	}
	switch c.Kind {
	case ConstNull:
		return true
	case ConstBool:
		return c.Bool == o.Bool
	case ConstNumber:
		return math.Float64bits(c.Number) == math.Float64bits(o.Number)
	case ConstString:
		return c.String == o.String
	}
	return false
}

// Literal renders the constant the way the assembler accepts it.
func (c Const) Literal() string {
	switch c.Kind {
	case ConstNull:
		return "null"
	case ConstBool:
		return strconv.FormatBool(c.Bool)
	case ConstNumber:
		return strconv.FormatFloat(c.Number, 'g', -1, 64)
	case ConstString:
		return strconv.Quote(c.String)
	}
	return fmt.Sprintf("<const kind %d>", c.Kind)
}

// Clause binds an effect name (a string constant) to the function that handles it.
type Clause struct {
	EffectConst uint16
	Fn          uint16
}

// Handler is one entry of a function's handler table.
type Handler struct {
	DonePC   uint32
	ReturnFn uint16
	Clauses  []Clause
}

// HasReturn reports whether the handler declares a return clause.
//
// The VM installs the return clause with the handler but never calls it.
// Code that wants it applied calls it on the body's value before the done
// point.
func (h Handler) HasReturn() bool { return h.ReturnFn != NoFunction }

// Function is one compiled function body.
type Function struct {
	Arity    uint16
	Locals   uint16
	Code     []byte
	Handlers []Handler
}

// Program is a decoded container: the constant pool and the function table.
// A Program is immutable once built and may be shared by any number of
// interpreters.
type Program struct {
	Consts    []Const
	Functions []Function
}

// Function returns the function at index fn.
func (p *Program) Function(fn int) (*Function, bool) {
	if fn < 0 || fn >= len(p.Functions) {
		return nil, false
	}
	return &p.Functions[fn], true
}

// Const returns the constant at index idx.
func (p *Program) Const(idx int) (Const, bool) {
	if idx < 0 || idx >= len(p.Consts) {
		return Const{}, false
	}
	return p.Consts[idx], true
}

// EffectName returns the string behind an effect-name constant, or a
// placeholder for malformed references.
func (p *Program) EffectName(idx int) string {
	c, ok := p.Const(idx)
	if !ok || c.Kind != ConstString {
		return fmt.Sprintf("#%d", idx)
	}
	return c.String
}
