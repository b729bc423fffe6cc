package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/jitx86/internal/asm"
)

// encoding is one instruction lowered to its byte fields. Len is exact as
// soon as the encoding exists; only the values of relocated or
// layout-dependent fields are filled in later.
type encoding struct {
	pfx      prefix
	hasModRM bool
	modrm    byte
	hasSIB   bool
	sib      byte
	disp     int32
	dispLen  int
	imm      int64
	immLen   int

	// RIP-relative data reference at the displacement.
	ripSym    asm.Symbol
	ripAddend int64

	// Relocated immediate (absolute constant or call target).
	immSym    asm.Symbol
	immKind   asm.RelocKind
	immAddend int64

	approx bool
}

func (e *encoding) Len() int {
	n := e.pfx.Len() + e.dispLen + e.immLen
	if e.hasModRM {
		n++
	}
	if e.hasSIB {
		n++
	}
	return n
}

// immOffset is the position of the immediate relative to the first byte.
func (e *encoding) immOffset() int { return e.Len() - e.immLen }

// appendTo writes the encoding, placed at offset, to buf and returns the
// relocations it needs.
func (e *encoding) appendTo(buf []byte, offset int) ([]byte, []asm.Relocation) {
	var relocs []asm.Relocation
	buf = append(buf, e.pfx.bytes()...)
	buf = append(buf, e.pfx.opcode...)
	if e.hasModRM {
		buf = append(buf, e.modrm)
	}
	if e.hasSIB {
		buf = append(buf, e.sib)
	}
	if e.dispLen > 0 {
		disp := e.disp
		if e.ripSym != "" {
			relocs = append(relocs, asm.Relocation{
				Offset: offset + e.Len() - e.immLen - e.dispLen,
				Target: e.ripSym,
				Kind:   asm.RelocRel32,
				Addend: e.ripAddend - 4 - int64(e.immLen),
			})
			disp = 0
		}
		buf = appendLE(buf, int64(disp), e.dispLen)
	}
	if e.immLen > 0 {
		imm := e.imm
		if e.immSym != "" {
			relocs = append(relocs, asm.Relocation{
				Offset: offset + e.immOffset(),
				Target: e.immSym,
				Kind:   e.immKind,
				Addend: e.immAddend,
			})
			imm = 0
		}
		buf = appendLE(buf, imm, e.immLen)
	}
	return buf, relocs
}

func appendLE(buf []byte, v int64, n int) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	return append(buf, tmp[:n]...)
}

// encoder lowers instructions. Features and frame are the only inputs
// besides the instruction itself, which keeps estimates and final
// encodings in agreement.
type encoder struct {
	feats Features
	frame asm.FrameLayout
}

// opcode returns a private copy of the opcode bytes for size with the
// condition code folded in.
func (x *encoder) opcode(h *header, f *Form) ([]byte, error) {
	src := f.Opcode
	if h.attr.Size() == S8 && len(f.Opcode8) > 0 {
		src = f.Opcode8
	}
	op := append([]byte(nil), src...)
	if f.CC {
		if h.cond > CondG {
			return nil, fmt.Errorf("%s needs a condition code", h.op)
		}
		op[len(op)-1] += byte(h.cond)
	}
	return op, nil
}

func (x *encoder) form(h *header, shape Shape) (*Form, error) {
	f := h.cap.Form(shape)
	if f == nil {
		return nil, fmt.Errorf("%s has no %s form", h.op, shape)
	}
	return f, nil
}

func (x *encoder) encode(ins instr) (encoding, error) {
	h := ins.hdr()
	switch i := ins.(type) {
	case *insNone:
		f, err := x.form(h, ShapeNone)
		if err != nil {
			return encoding{}, err
		}
		return x.bare(h, f)
	case *insReg:
		f, err := x.form(h, ShapeReg)
		if err != nil {
			return encoding{}, err
		}
		return x.regForm(h, f, NoReg, i.reg, NoReg)
	case *insRegReg:
		f, err := x.form(h, ShapeRegReg)
		if err != nil {
			return encoding{}, err
		}
		vvvv := NoReg
		if f.NDS && usesVEX(f, x.feats) {
			vvvv = i.dst
		}
		if f.RegDst {
			return x.regForm(h, f, i.dst, i.src, vvvv)
		}
		return x.regForm(h, f, i.src, i.dst, vvvv)
	case *insRegImm:
		return x.regImm(h, i)
	case *insRegMem:
		f, err := x.form(h, ShapeRegMem)
		if err != nil {
			return encoding{}, err
		}
		vvvv := NoReg
		if f.NDS && usesVEX(f, x.feats) {
			vvvv = i.dst
		}
		return x.memForm(h, f, i.dst, i.mem, vvvv, nil)
	case *insMemReg:
		f, err := x.form(h, ShapeMemReg)
		if err != nil {
			return encoding{}, err
		}
		return x.memForm(h, f, i.src, i.mem, NoReg, nil)
	case *insMem:
		f, err := x.form(h, ShapeMem)
		if err != nil {
			return encoding{}, err
		}
		return x.memForm(h, f, NoReg, i.mem, NoReg, nil)
	case *insMemImm:
		f, err := x.form(h, ShapeMemImm)
		if err != nil {
			return encoding{}, err
		}
		plan, err := planImmediate(f, h.attr.Size(), i.imm)
		if err != nil {
			return encoding{}, err
		}
		return x.memForm(h, f, NoReg, i.mem, NoReg, &plan)
	case *insRegRegReg:
		f, err := x.form(h, ShapeRegRegReg)
		if err != nil {
			return encoding{}, err
		}
		if f.VEX == nil {
			return encoding{}, fmt.Errorf("%s: three-register form needs a VEX encoding", h.op)
		}
		if f.VEX.ndd {
			return x.regForm(h, f, i.dst, i.a, i.b)
		}
		return x.regForm(h, f, i.dst, i.b, i.a)
	case *insCall:
		return x.call(h, i)
	case *insJump:
		return x.jump(h, i.short)
	}
	return encoding{}, fmt.Errorf("unknown instruction %T", ins)
}

func (x *encoder) bare(h *header, f *Form) (encoding, error) {
	op, err := x.opcode(h, f)
	if err != nil {
		return encoding{}, err
	}
	pfx, err := computePrefix(f, op, x.feats, noOperands(), h.attr.Size())
	if err != nil {
		return encoding{}, err
	}
	return encoding{pfx: pfx}, nil
}

// byteOperand reports whether the register in operand position n is an
// 8-bit register.
func byteOperand(h *header, n int) bool {
	size := h.attr.Size()
	if n == 1 && h.cap.SrcSize != 0 {
		size = h.cap.sourceSize(size)
	}
	return size == S8
}

// regForm encodes a register-direct ModRM instruction. reg is NoReg when the
// form carries an opcode extension or adds the register to the opcode.
func (x *encoder) regForm(h *header, f *Form, reg, rm, vvvv Reg) (encoding, error) {
	op, err := x.opcode(h, f)
	if err != nil {
		return encoding{}, err
	}
	ops := noOperands()
	ops.vvvv = vvvv

	if f.PlusR {
		op[len(op)-1] += rm.code()
		ops.rm = rm
		ops.rm8 = byteOperand(h, 0)
		pfx, err := computePrefix(f, op, x.feats, ops, h.attr.Size())
		if err != nil {
			return encoding{}, err
		}
		return encoding{pfx: pfx}, nil
	}

	var regField byte
	if f.ext >= 0 {
		regField = byte(f.ext)
		ops.rm8 = byteOperand(h, 0)
	} else {
		regField = reg.code()
		ops.reg = reg
		// The destination is operand 0; with regdst it sits in ModRM.reg.
		if f.RegDst {
			ops.reg8 = byteOperand(h, 0)
			ops.rm8 = byteOperand(h, 1)
		} else {
			ops.reg8 = byteOperand(h, 1)
			ops.rm8 = byteOperand(h, 0)
		}
	}
	ops.rm = rm
	pfx, err := computePrefix(f, op, x.feats, ops, h.attr.Size())
	if err != nil {
		return encoding{}, err
	}
	return encoding{
		pfx:      pfx,
		hasModRM: true,
		modrm:    0xC0 | regField<<3 | rm.code(),
	}, nil
}

// memForm encodes a ModRM memory instruction. reg is NoReg for forms with an
// opcode extension; imm is the planned immediate, if any.
func (x *encoder) memForm(h *header, f *Form, reg Reg, mem Memory, vvvv Reg, imm *immPlan) (encoding, error) {
	am, err := resolveAddress(mem, x.frame)
	if err != nil {
		return encoding{}, err
	}
	op, err := x.opcode(h, f)
	if err != nil {
		return encoding{}, err
	}
	if imm != nil && imm.short {
		op = append([]byte(nil), f.Short...)
	}

	ops := noOperands()
	ops.rm = am.base
	ops.index = am.index
	ops.vvvv = vvvv

	var regField byte
	if f.ext >= 0 {
		regField = byte(f.ext)
	} else {
		if reg == NoReg {
			return encoding{}, fmt.Errorf("%s: memory form needs a register operand", h.op)
		}
		regField = reg.code()
		ops.reg = reg
		ops.reg8 = h.attr.Size() == S8
	}

	pfx, err := computePrefix(f, op, x.feats, ops, h.attr.Size())
	if err != nil {
		return encoding{}, err
	}
	enc := encoding{
		pfx:      pfx,
		hasModRM: true,
		modrm:    am.modrm(regField),
		hasSIB:   am.hasSIB,
		sib:      am.sib,
		disp:     am.disp,
		dispLen:  am.dispLen,
		approx:   am.approx,
	}
	if am.ripRel {
		enc.ripSym = am.sym
		enc.ripAddend = int64(am.disp)
	}
	if imm != nil {
		enc.imm = imm.value
		enc.immLen = imm.n
	}
	return enc, nil
}

func (x *encoder) regImm(h *header, i *insRegImm) (encoding, error) {
	f, err := x.form(h, ShapeRegImm)
	if err != nil {
		return encoding{}, err
	}
	plan, err := planImmediate(f, h.attr.Size(), i.imm)
	if err != nil {
		return encoding{}, err
	}

	var enc encoding
	switch {
	case plan.sext:
		// mov r64, simm32: C7 /0 instead of the ten-byte B8+r form.
		ops := noOperands()
		ops.rm = i.dst
		op := append([]byte(nil), f.Sext...)
		pfx, err := computePrefix(f, op, x.feats, ops, h.attr.Size())
		if err != nil {
			return encoding{}, err
		}
		enc = encoding{pfx: pfx, hasModRM: true, modrm: 0xC0 | i.dst.code()}
	case f.PlusR:
		enc, err = x.regForm(h, f, NoReg, i.dst, NoReg)
	case plan.short:
		sf := *f
		sf.Opcode = f.Short
		sf.Opcode8 = nil
		enc, err = x.regForm(h, &sf, NoReg, i.dst, NoReg)
	default:
		enc, err = x.regForm(h, f, NoReg, i.dst, NoReg)
	}
	if err != nil {
		return encoding{}, err
	}
	enc.imm = plan.value
	enc.immLen = plan.n
	if plan.sym != "" {
		enc.immSym = plan.sym
		enc.immKind = asm.RelocAbs64
		enc.immAddend = plan.value
	}
	return enc, nil
}

// immPlan is the chosen immediate encoding.
type immPlan struct {
	n     int
	value int64
	short bool // sign-extended imm8 opcode
	sext  bool // sign-extended imm32 instead of a full-width move
	sym   asm.Symbol
}

func fitsSize(v int64, size Size) bool {
	switch size {
	case S8:
		return v >= math.MinInt8 && v <= math.MaxUint8
	case S16:
		return v >= math.MinInt16 && v <= math.MaxUint16
	case S32:
		return v >= math.MinInt32 && v <= math.MaxUint32
	}
	return true
}

func planImmediate(f *Form, size Size, imm Imm) (immPlan, error) {
	plan := immPlan{value: imm.Value()}
	sym, reloc := imm.Symbol()
	if reloc && f.imm != immV {
		return immPlan{}, fmt.Errorf("symbol immediate %s needs a 64-bit move", imm)
	}

	switch f.imm {
	case immByte:
		if !fitsSize(plan.value, S8) {
			return immPlan{}, fmt.Errorf("immediate %s does not fit in a byte", imm)
		}
		plan.n = 1
	case immZ:
		if len(f.Short) > 0 && size != S8 && imm.fitsInt8() {
			plan.short = true
			plan.n = 1
			return plan, nil
		}
		switch size {
		case S8:
			plan.n = 1
		case S16:
			plan.n = 2
		default:
			plan.n = 4
		}
		if size == S64 && !imm.fitsInt32() {
			return immPlan{}, fmt.Errorf("immediate %s does not fit in a sign-extended imm32", imm)
		}
		if !fitsSize(plan.value, size) {
			return immPlan{}, fmt.Errorf("immediate %s does not fit in %d bits", imm, size.Bits())
		}
	case immV:
		switch {
		case reloc:
			if size != S64 {
				return immPlan{}, fmt.Errorf("symbol immediate %s needs a 64-bit move", imm)
			}
			plan.n = 8
			plan.sym = sym
		case size == S64 && imm.fitsInt32() && len(f.Sext) > 0:
			plan.sext = true
			plan.n = 4
		case size == S64:
			plan.n = 8
		default:
			if !fitsSize(plan.value, size) {
				return immPlan{}, fmt.Errorf("immediate %s does not fit in %d bits", imm, size.Bits())
			}
			plan.n = int(size)
		}
	default:
		return immPlan{}, fmt.Errorf("form takes no immediate")
	}
	return plan, nil
}

func (x *encoder) call(h *header, c *insCall) (encoding, error) {
	switch t := c.target.(type) {
	case CallSymbol:
		f, err := x.form(h, ShapeCall)
		if err != nil {
			return encoding{}, err
		}
		enc, err := x.bare(h, f)
		if err != nil {
			return encoding{}, err
		}
		enc.immLen = 4
		enc.immSym = asm.Symbol(t)
		enc.immKind = asm.RelocRel32
		enc.immAddend = -4
		return enc, nil
	case CallLabel:
		f, err := x.form(h, ShapeCall)
		if err != nil {
			return encoding{}, err
		}
		enc, err := x.bare(h, f)
		if err != nil {
			return encoding{}, err
		}
		enc.immLen = 4
		return enc, nil
	case CallReg:
		f, err := x.form(h, ShapeReg)
		if err != nil {
			return encoding{}, err
		}
		return x.regForm(h, f, NoReg, Reg(t), NoReg)
	case CallMem:
		f, err := x.form(h, ShapeMem)
		if err != nil {
			return encoding{}, err
		}
		return x.memForm(h, f, NoReg, t.Memory, NoReg, nil)
	}
	return encoding{}, fmt.Errorf("unknown call target %T", c.target)
}

// jump encodes a relative jump with a zero displacement of the chosen width.
func (x *encoder) jump(h *header, short bool) (encoding, error) {
	f, err := x.form(h, ShapeJump)
	if err != nil {
		return encoding{}, err
	}
	src := f.Long
	n := 4
	if short {
		src = f.Opcode
		n = 1
	}
	op := append([]byte(nil), src...)
	if f.CC {
		if h.cond > CondG {
			return encoding{}, fmt.Errorf("%s needs a condition code", h.op)
		}
		op[len(op)-1] += byte(h.cond)
	}
	return encoding{pfx: prefix{opcode: op}, immLen: n}, nil
}

// jumpLen is the encoded length of a relative jump form.
func jumpLen(f *Form, short bool) int {
	if short {
		return len(f.Opcode) + 1
	}
	return len(f.Long) + 4
}
