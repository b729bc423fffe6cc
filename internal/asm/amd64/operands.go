package amd64

import (
	"fmt"
	"math"
	"strings"

	"github.com/tinyrange/jitx86/internal/asm"
)

// Reg is a machine register. General-purpose registers use their hardware
// numbers (0-15); vector registers follow at X0.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
	X0
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15

	NoReg Reg = 0xff
)

const numRegs = 32

func (r Reg) code() byte { return byte(r) & 7 }
func (r Reg) high() bool { return r != NoReg && byte(r)&8 != 0 }

// hw returns the 4-bit register number used by ModRM, SIB and VEX.vvvv.
func (r Reg) hw() byte { return byte(r) & 15 }

func (r Reg) IsGP() bool     { return r <= R15 }
func (r Reg) IsVector() bool { return r >= X0 && r <= X15 }

var gpNames = [16][4]string{
	{"al", "ax", "eax", "rax"},
	{"cl", "cx", "ecx", "rcx"},
	{"dl", "dx", "edx", "rdx"},
	{"bl", "bx", "ebx", "rbx"},
	{"spl", "sp", "esp", "rsp"},
	{"bpl", "bp", "ebp", "rbp"},
	{"sil", "si", "esi", "rsi"},
	{"dil", "di", "edi", "rdi"},
	{"r8b", "r8w", "r8d", "r8"},
	{"r9b", "r9w", "r9d", "r9"},
	{"r10b", "r10w", "r10d", "r10"},
	{"r11b", "r11w", "r11d", "r11"},
	{"r12b", "r12w", "r12d", "r12"},
	{"r13b", "r13w", "r13d", "r13"},
	{"r14b", "r14w", "r14d", "r14"},
	{"r15b", "r15w", "r15d", "r15"},
}

// Name returns the assembler name of r when used at size.
func (r Reg) Name(size Size) string {
	switch {
	case r.IsGP():
		switch size {
		case S8:
			return gpNames[r][0]
		case S16:
			return gpNames[r][1]
		case S32:
			return gpNames[r][2]
		default:
			return gpNames[r][3]
		}
	case r.IsVector():
		if size == S256 {
			return fmt.Sprintf("ymm%d", r-X0)
		}
		return fmt.Sprintf("xmm%d", r-X0)
	}
	return fmt.Sprintf("Reg(%d)", uint8(r))
}

func (r Reg) String() string { return r.Name(S64) }

// ParseReg accepts any GPR alias (rax, eax, ax, al, r8d...) or xmmN/ymmN.
func ParseReg(s string) (Reg, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for idx, names := range gpNames {
		for _, name := range names {
			if name == s {
				return Reg(idx), nil
			}
		}
	}
	var n int
	if _, err := fmt.Sscanf(s, "xmm%d", &n); err == nil && n >= 0 && n < 16 {
		return X0 + Reg(n), nil
	}
	if _, err := fmt.Sscanf(s, "ymm%d", &n); err == nil && n >= 0 && n < 16 {
		return X0 + Reg(n), nil
	}
	return NoReg, fmt.Errorf("unknown register %q", s)
}

// Size is an operand size class in bytes.
type Size uint8

const (
	S8   Size = 1
	S16  Size = 2
	S32  Size = 4
	S64  Size = 8
	S128 Size = 16
	S256 Size = 32
)

func (s Size) Bits() int { return int(s) * 8 }

func (s Size) String() string { return fmt.Sprintf("%d", s.Bits()) }

// Attr is an operand size combined with the reference kind the instruction
// produces in its destination.
type Attr uint16

const (
	A8   = Attr(S8)
	A16  = Attr(S16)
	A32  = Attr(S32)
	A64  = Attr(S64)
	A128 = Attr(S128)
	A256 = Attr(S256)

	// GCRef is a 64-bit object reference.
	GCRef = A64 | Attr(asm.RefObject)<<8
	// ByRef is a 64-bit interior pointer.
	ByRef = A64 | Attr(asm.RefInterior)<<8
)

func (a Attr) Size() Size { return Size(a & 0xff) }

func (a Attr) Ref() asm.RefKind { return asm.RefKind(a >> 8) }

func (a Attr) WithRef(kind asm.RefKind) Attr { return a&0xff | Attr(kind)<<8 }

func (a Attr) String() string {
	if a.Ref() == asm.RefNone {
		return a.Size().String()
	}
	return a.Size().String() + ":" + a.Ref().String()
}

// Memory is a symbolic memory operand. It is exactly one of AbsMem,
// FrameMem or BaseMem.
type Memory interface {
	isMemory()
	String() string
}

// AbsMem refers to a data-section address. It encodes RIP-relative and
// always carries a relocation.
type AbsMem struct {
	Sym  asm.Symbol
	Disp int32
}

// FrameMem refers to a frame local, resolved through the frame layout.
type FrameMem struct {
	Local asm.LocalID
	Off   int32
}

// BaseMem is [base + index*scale + disp]. Either base or index may be absent.
type BaseMem struct {
	base     Reg
	index    Reg
	disp     int32
	scale    uint8
	hasBase  bool
	hasIndex bool
}

func (AbsMem) isMemory()   {}
func (FrameMem) isMemory() {}
func (BaseMem) isMemory()  {}

// Abs constructs a data-section reference.
func Abs(sym asm.Symbol, disp int32) AbsMem { return AbsMem{Sym: sym, Disp: disp} }

// Local constructs a frame-relative operand.
func Local(id asm.LocalID, off int32) FrameMem { return FrameMem{Local: id, Off: off} }

// Mem constructs a memory operand referencing [base].
func Mem(base Reg) BaseMem {
	return BaseMem{
		base:    base,
		index:   NoReg,
		scale:   1,
		hasBase: true,
	}
}

// MemIndex constructs a memory operand referencing [base + index*scale].
func MemIndex(base Reg, index Reg, scale uint8) BaseMem {
	if scale == 0 {
		scale = 1
	}
	return BaseMem{
		base:     base,
		index:    index,
		scale:    scale,
		hasBase:  true,
		hasIndex: true,
	}
}

// MemScaled constructs [index*scale + disp] with no base register.
func MemScaled(index Reg, scale uint8) BaseMem {
	if scale == 0 {
		scale = 1
	}
	return BaseMem{
		base:     NoReg,
		index:    index,
		scale:    scale,
		hasIndex: true,
	}
}

// WithDisp returns a copy of the memory operand with the supplied displacement.
func (m BaseMem) WithDisp(disp int32) BaseMem {
	m.disp = disp
	return m
}

func (m BaseMem) Base() (Reg, bool)  { return m.base, m.hasBase }
func (m BaseMem) Index() (Reg, bool) { return m.index, m.hasIndex }
func (m BaseMem) Scale() uint8       { return m.scale }
func (m BaseMem) Disp() int32        { return m.disp }

func (m AbsMem) String() string {
	if m.Disp == 0 {
		return fmt.Sprintf("[%s]", m.Sym)
	}
	return fmt.Sprintf("[%s%+d]", m.Sym, m.Disp)
}

func (m FrameMem) String() string {
	if m.Off == 0 {
		return fmt.Sprintf("[local%d]", m.Local)
	}
	return fmt.Sprintf("[local%d%+d]", m.Local, m.Off)
}

func (m BaseMem) String() string {
	var b strings.Builder
	b.WriteByte('[')
	if m.hasBase {
		b.WriteString(m.base.Name(S64))
	}
	if m.hasIndex {
		if m.hasBase {
			b.WriteByte('+')
		}
		b.WriteString(m.index.Name(S64))
		if m.scale > 1 {
			fmt.Fprintf(&b, "*%d", m.scale)
		}
	}
	if m.disp != 0 || (!m.hasBase && !m.hasIndex) {
		fmt.Fprintf(&b, "%+#x", m.disp)
	}
	b.WriteByte(']')
	return b.String()
}

// Imm is an immediate operand: a small inline value, or a boxed payload for
// values wider than 32 bits and symbol-relative constants.
type Imm struct {
	small int32
	big   *bigImm
}

type bigImm struct {
	value int64
	sym   asm.Symbol
}

// ImmInt returns an immediate holding v.
func ImmInt(v int64) Imm {
	if v >= math.MinInt32 && v <= math.MaxInt32 {
		return Imm{small: int32(v)}
	}
	return Imm{big: &bigImm{value: v}}
}

// ImmSym returns an immediate holding the address of sym plus addend. It
// always encodes full width with an absolute relocation.
func ImmSym(sym asm.Symbol, addend int64) Imm {
	return Imm{big: &bigImm{value: addend, sym: sym}}
}

func (i Imm) Value() int64 {
	if i.big != nil {
		return i.big.value
	}
	return int64(i.small)
}

func (i Imm) Symbol() (asm.Symbol, bool) {
	if i.big == nil || i.big.sym == "" {
		return "", false
	}
	return i.big.sym, true
}

func (i Imm) isReloc() bool {
	_, ok := i.Symbol()
	return ok
}

func (i Imm) fitsInt8() bool {
	v := i.Value()
	return !i.isReloc() && v >= math.MinInt8 && v <= math.MaxInt8
}

func (i Imm) fitsInt32() bool {
	v := i.Value()
	return !i.isReloc() && v >= math.MinInt32 && v <= math.MaxInt32
}

func (i Imm) String() string {
	if sym, ok := i.Symbol(); ok {
		if i.big.value == 0 {
			return "$" + string(sym)
		}
		return fmt.Sprintf("$%s%+d", sym, i.big.value)
	}
	return fmt.Sprintf("%#x", i.Value())
}

// Cond is a condition code in hardware order.
type Cond uint8

const (
	CondO Cond = iota
	CondNO
	CondB
	CondAE
	CondE
	CondNE
	CondBE
	CondA
	CondS
	CondNS
	CondP
	CondNP
	CondL
	CondGE
	CondLE
	CondG

	// Always marks an unconditional jump.
	Always Cond = 0xff
)

var condNames = [16]string{"o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}

func (c Cond) String() string {
	if c == Always {
		return "mp"
	}
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("Cond(%d)", uint8(c))
}

// Invert returns the condition that holds exactly when c does not.
func (c Cond) Invert() Cond {
	if c == Always {
		return c
	}
	return c ^ 1
}

// ParseCond accepts the hardware names plus the usual aliases (z, nz, c, nc...).
func ParseCond(s string) (Cond, error) {
	s = strings.ToLower(s)
	for idx, name := range condNames {
		if name == s {
			return Cond(idx), nil
		}
	}
	switch s {
	case "z":
		return CondE, nil
	case "nz":
		return CondNE, nil
	case "c", "nae":
		return CondB, nil
	case "nc", "nb":
		return CondAE, nil
	case "na":
		return CondBE, nil
	case "nbe":
		return CondA, nil
	case "nge":
		return CondL, nil
	case "nl":
		return CondGE, nil
	case "ng":
		return CondLE, nil
	case "nle":
		return CondG, nil
	case "", "always", "mp":
		return Always, nil
	}
	return Always, fmt.Errorf("unknown condition %q", s)
}
