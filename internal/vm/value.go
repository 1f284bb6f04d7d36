package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/roach88/deos/internal/tbc"
)

// Value is a sealed interface over the runtime value kinds.
// Only Null, Bool, Number, String, *Closure and *Continuation implement it.
type Value interface {
	value() // Sealed
}

// Null is the null value.
type Null struct{}

func (Null) value() {}

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}

// Number is an IEEE-754 double.
type Number float64

func (Number) value() {}

// String is an immutable UTF-8 string.
type String string

func (String) value() {}

// Closure pairs a function index with the Env active when it was created.
// The Env is captured by reference.
type Closure struct {
	Fn  int
	Env *Env
}

func (*Closure) value() {}

// Continuation is a one-shot capture of a fiber at a perform site.
type Continuation struct {
	Used bool
	Snap *FiberSnapshot
}

func (*Continuation) value() {}

// FromConst converts a constant pool entry into a runtime value.
func FromConst(c tbc.Const) Value {
	switch c.Kind {
	case tbc.ConstBool:
		return Bool(c.Bool)
	case tbc.ConstNumber:
		return Number(c.Number)
	case tbc.ConstString:
		return String(c.String)
	default:
		return Null{}
	}
}

// Truthy reports whether v counts as true for conditional jumps.
// Everything except false and null is truthy.
func Truthy(v Value) bool {
	switch x := v.(type) {
	case nil, Null:
		return false
	case Bool:
		return bool(x)
	default:
		return true
	}
}

// TypeName returns the kind name used in fault messages.
func TypeName(v Value) string {
	switch v.(type) {
	case nil, Null:
		return "null"
	case Bool:
		return "boolean"
	case Number:
		return "number"
	case String:
		return "string"
	case *Closure:
		return "closure"
	case *Continuation:
		return "continuation"
	}
	return fmt.Sprintf("%T", v)
}

// Format renders v the way PRINT writes it.
func Format(v Value) string {
	switch x := v.(type) {
	case nil, Null:
		return "null"
	case Bool:
		return strconv.FormatBool(bool(x))
	case Number:
		return FormatNumber(float64(x))
	case String:
		return string(x)
	case *Closure:
		return fmt.Sprintf("<closure fn#%d>", x.Fn)
	case *Continuation:
		return fmt.Sprintf("<cont used=%t>", x.Used)
	}
	return fmt.Sprintf("<%T>", v)
}

// FormatNumber renders a double in the shortest round-tripping form:
// integral values have no fraction, very large and very small magnitudes use
// exponent notation, and non-finite values print as NaN and Infinity.
func FormatNumber(n float64) string {
	switch {
	case math.IsNaN(n):
		return "NaN"
	case math.IsInf(n, 1):
		return "Infinity"
	case math.IsInf(n, -1):
		return "-Infinity"
	case n == 0:
		return "0"
	}
	abs := math.Abs(n)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	s := strconv.FormatFloat(n, 'e', -1, 64)
	// Go pads the exponent to two digits.
	mant, exp, _ := strings.Cut(s, "e")
	sign := exp[:1]
	digits := strings.TrimLeft(exp[1:], "0")
	if digits == "" {
		digits = "0"
	}
	return mant + "e" + sign + digits
}
