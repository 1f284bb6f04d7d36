package tbc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// Header bytes.
const (
	Magic0       byte = 0xDE
	Magic1       byte = 0x05
	VersionMajor byte = 0x00
	VersionMinor byte = 0x01
)

// Container decoding errors.
var (
	ErrBadMagic        = errors.New("invalid TBC magic")
	ErrUnknownConstTag = errors.New("unknown constant tag")
	ErrTruncated       = errors.New("unexpected end of TBC data")
	ErrExports         = errors.New("non-empty export table")
)

// Encode serializes a program into the binary container format.
func Encode(p *Program) ([]byte, error) {
	if len(p.Consts) > math.MaxUint16 {
		return nil, fmt.Errorf("encode: %d constants exceed u16", len(p.Consts))
	}
	if len(p.Functions) > math.MaxUint16 {
		return nil, fmt.Errorf("encode: %d functions exceed u16", len(p.Functions))
	}

	buf := make([]byte, 0, 256)
	buf = append(buf, Magic0, Magic1, VersionMajor, VersionMinor)

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p.Consts)))
	for i, c := range p.Consts {
		switch c.Kind {
		case ConstNull:
			buf = append(buf, byte(ConstNull))
		case ConstBool:
			b := byte(0)
			if c.Bool {
				b = 1
			}
			buf = append(buf, byte(ConstBool), b)
		case ConstNumber:
			buf = append(buf, byte(ConstNumber))
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(c.Number))
		case ConstString:
			if len(c.String) > math.MaxUint16 {
				return nil, fmt.Errorf("encode: const %d: string of %d bytes exceeds u16", i, len(c.String))
			}
			buf = append(buf, byte(ConstString))
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(c.String)))
			buf = append(buf, c.String...)
		default:
			return nil, fmt.Errorf("encode: const %d: %w %d", i, ErrUnknownConstTag, c.Kind)
		}
	}

	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p.Functions)))
	for i, f := range p.Functions {
		if uint64(len(f.Code)) > math.MaxUint32 {
			return nil, fmt.Errorf("encode: function %d: code too large", i)
		}
		if len(f.Handlers) > math.MaxUint16 {
			return nil, fmt.Errorf("encode: function %d: too many handlers", i)
		}
		buf = binary.LittleEndian.AppendUint16(buf, f.Arity)
		buf = binary.LittleEndian.AppendUint16(buf, f.Locals)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.Code)))
		buf = append(buf, f.Code...)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(f.Handlers)))
		for j, h := range f.Handlers {
			if len(h.Clauses) > math.MaxUint16 {
				return nil, fmt.Errorf("encode: function %d handler %d: too many clauses", i, j)
			}
			buf = binary.LittleEndian.AppendUint32(buf, h.DonePC)
			buf = binary.LittleEndian.AppendUint16(buf, h.ReturnFn)
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(h.Clauses)))
			for _, cl := range h.Clauses {
				buf = binary.LittleEndian.AppendUint16(buf, cl.EffectConst)
				buf = binary.LittleEndian.AppendUint16(buf, cl.Fn)
			}
		}
	}

	// Export table, currently always empty.
	buf = binary.LittleEndian.AppendUint16(buf, 0)
	return buf, nil
}

// reader walks a container with bounds checking. The first failure sticks.
type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("%w at offset %d (need %d bytes)", ErrTruncated, r.off, n)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) f64() float64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b))
}

// Decode parses a binary container. Code bytes are copied, so the result
// does not alias data.
func Decode(data []byte) (*Program, error) {
	r := &reader{data: data}

	header := r.take(4)
	if r.err != nil {
		return nil, fmt.Errorf("decode header: %w", r.err)
	}
	if header[0] != Magic0 || header[1] != Magic1 {
		return nil, fmt.Errorf("decode: %w: got 0x%02x 0x%02x", ErrBadMagic, header[0], header[1])
	}

	p := &Program{}
	constCount := int(r.u16())
	p.Consts = make([]Const, 0, constCount)
	for i := 0; i < constCount && r.err == nil; i++ {
		tag := ConstKind(r.u8())
		switch tag {
		case ConstNull:
			p.Consts = append(p.Consts, NullConst())
		case ConstBool:
			p.Consts = append(p.Consts, BoolConst(r.u8() != 0))
		case ConstNumber:
			p.Consts = append(p.Consts, NumberConst(r.f64()))
		case ConstString:
			n := int(r.u16())
			b := r.take(n)
			if r.err == nil && !utf8.Valid(b) {
				return nil, fmt.Errorf("decode const %d: string is not valid UTF-8", i)
			}
			p.Consts = append(p.Consts, StringConst(string(b)))
		default:
			if r.err == nil {
				return nil, fmt.Errorf("decode const %d: %w %d", i, ErrUnknownConstTag, tag)
			}
		}
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode consts: %w", r.err)
	}

	fnCount := int(r.u16())
	p.Functions = make([]Function, 0, fnCount)
	for i := 0; i < fnCount && r.err == nil; i++ {
		var f Function
		f.Arity = r.u16()
		f.Locals = r.u16()
		codeLen := r.u32()
		if uint64(codeLen) > uint64(len(data)) {
			return nil, fmt.Errorf("decode function %d: %w (code length %d)", i, ErrTruncated, codeLen)
		}
		code := r.take(int(codeLen))
		f.Code = append([]byte(nil), code...)

		handlerCount := int(r.u16())
		for j := 0; j < handlerCount && r.err == nil; j++ {
			h := Handler{
				DonePC:   r.u32(),
				ReturnFn: r.u16(),
			}
			clauseCount := int(r.u16())
			for k := 0; k < clauseCount && r.err == nil; k++ {
				h.Clauses = append(h.Clauses, Clause{EffectConst: r.u16(), Fn: r.u16()})
			}
			f.Handlers = append(f.Handlers, h)
		}
		p.Functions = append(p.Functions, f)
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode functions: %w", r.err)
	}

	// Older writers may omit the export table entirely.
	if len(data)-r.off >= 2 {
		if n := r.u16(); n != 0 {
			return nil, fmt.Errorf("decode: %w (%d entries)", ErrExports, n)
		}
	}

	return p, nil
}
