package amd64

import (
	"fmt"
	"strings"

	"github.com/tinyrange/jitx86/internal/asm"
)

// Shape is the operand shape of an instruction.
type Shape uint8

const (
	ShapeNone Shape = iota
	ShapeReg
	ShapeRegReg
	ShapeRegImm
	ShapeRegMem
	ShapeMemReg
	ShapeMem
	ShapeMemImm
	ShapeRegRegReg
	ShapeCall
	ShapeJump

	numShapes
)

var shapeKeys = [numShapes]string{
	ShapeNone:      "none",
	ShapeReg:       "r",
	ShapeRegReg:    "rr",
	ShapeRegImm:    "ri",
	ShapeRegMem:    "rm",
	ShapeMemReg:    "mr",
	ShapeMem:       "m",
	ShapeMemImm:    "mi",
	ShapeRegRegReg: "rrr",
	ShapeCall:      "call",
	ShapeJump:      "rel",
}

func (s Shape) String() string {
	if s < numShapes {
		return shapeKeys[s]
	}
	return fmt.Sprintf("Shape(%d)", uint8(s))
}

func parseShapeKey(key string) (Shape, error) {
	for idx, k := range shapeKeys {
		if k == key {
			return Shape(idx), nil
		}
	}
	return 0, fmt.Errorf("unknown operand shape %q", key)
}

// writesReg reports whether the shape has a register destination.
func (s Shape) writesReg() bool {
	switch s {
	case ShapeReg, ShapeRegReg, ShapeRegImm, ShapeRegMem, ShapeRegRegReg:
		return true
	}
	return false
}

// header holds the fields every instruction variant carries.
type header struct {
	op    Op
	cap   *Capability
	attr  Attr
	cond  Cond
	group *Group
	index int

	est    int // pass-1 size
	estOff int // pass-1 offset, relative to the start of the region
	size   int // current size during layout, final after emission
	rel    int // offset from the start of the group
	approx bool
	elided bool
}

func (h *header) hdr() *header { return h }

// instr is the closed set of instruction variants, one per Shape.
type instr interface {
	hdr() *header
	shape() Shape
	String() string
}

type insNone struct {
	header
}

type insReg struct {
	header
	reg Reg
}

type insRegReg struct {
	header
	dst Reg
	src Reg
}

type insRegImm struct {
	header
	dst Reg
	imm Imm
}

type insRegMem struct {
	header
	dst Reg
	mem Memory
}

type insMemReg struct {
	header
	mem Memory
	src Reg
}

type insMem struct {
	header
	mem Memory
}

type insMemImm struct {
	header
	mem Memory
	imm Imm
}

type insRegRegReg struct {
	header
	dst Reg
	a   Reg
	b   Reg
}

type insCall struct {
	header
	target CallTarget
	ret    asm.RefKind
}

type insJump struct {
	header
	label    *Label
	count    int
	relative bool
	state    JumpState
	short    bool
	keepLong bool
	backward bool
}

func (*insNone) shape() Shape      { return ShapeNone }
func (*insReg) shape() Shape       { return ShapeReg }
func (*insRegReg) shape() Shape    { return ShapeRegReg }
func (*insRegImm) shape() Shape    { return ShapeRegImm }
func (*insRegMem) shape() Shape    { return ShapeRegMem }
func (*insMemReg) shape() Shape    { return ShapeMemReg }
func (*insMem) shape() Shape       { return ShapeMem }
func (*insMemImm) shape() Shape    { return ShapeMemImm }
func (*insRegRegReg) shape() Shape { return ShapeRegRegReg }
func (*insJump) shape() Shape      { return ShapeJump }

func (c *insCall) shape() Shape {
	switch c.target.(type) {
	case CallReg:
		return ShapeReg
	case CallMem:
		return ShapeMem
	}
	return ShapeCall
}

// mnemonic returns the assembler mnemonic, folding the condition code into
// conditional opcodes.
func (h *header) mnemonic() string {
	switch h.op {
	case JCC:
		return "j" + h.cond.String()
	case CMOV:
		return "cmov" + h.cond.String()
	case SET:
		return "set" + h.cond.String()
	}
	return h.op.String()
}

// regSize is the size used to name the n-th register operand.
func (h *header) regSize(n int, r Reg) Size {
	size := h.attr.Size()
	if r.IsVector() {
		if size == S256 {
			return S256
		}
		return S128
	}
	if size > S64 || size == 0 {
		size = S64
	}
	if n == 1 && h.cap.SrcSize != 0 {
		return h.cap.sourceSize(size)
	}
	return size
}

func formatOperands(mn string, ops ...string) string {
	if len(ops) == 0 {
		return mn
	}
	return mn + " " + strings.Join(ops, ", ")
}

func (i *insNone) String() string { return i.mnemonic() }

func (i *insReg) String() string {
	return formatOperands(i.mnemonic(), i.reg.Name(i.regSize(0, i.reg)))
}

func (i *insRegReg) String() string {
	return formatOperands(i.mnemonic(), i.dst.Name(i.regSize(0, i.dst)), i.src.Name(i.regSize(1, i.src)))
}

func (i *insRegImm) String() string {
	return formatOperands(i.mnemonic(), i.dst.Name(i.regSize(0, i.dst)), i.imm.String())
}

func (i *insRegMem) String() string {
	return formatOperands(i.mnemonic(), i.dst.Name(i.regSize(0, i.dst)), i.mem.String())
}

func (i *insMemReg) String() string {
	return formatOperands(i.mnemonic(), i.mem.String(), i.src.Name(i.regSize(1, i.src)))
}

func (i *insMem) String() string { return formatOperands(i.mnemonic(), i.mem.String()) }

func (i *insMemImm) String() string {
	return formatOperands(i.mnemonic(), i.mem.String(), i.imm.String())
}

func (i *insRegRegReg) String() string {
	return formatOperands(i.mnemonic(),
		i.dst.Name(i.regSize(0, i.dst)),
		i.a.Name(i.regSize(0, i.a)),
		i.b.Name(i.regSize(0, i.b)))
}

func (i *insCall) String() string { return formatOperands("call", i.target.String()) }

func (i *insJump) String() string {
	if i.relative {
		return formatOperands(i.mnemonic(), fmt.Sprintf("%+d", i.count))
	}
	return formatOperands(i.mnemonic(), i.label.String())
}

// CallTarget is the destination of a call. It is exactly one of
// CallSymbol, CallLabel, CallReg or CallMem.
type CallTarget interface {
	isCallTarget()
	String() string
}

// CallSymbol calls an external symbol through a rel32 relocation.
type CallSymbol asm.Symbol

// CallLabel calls a label in the same program.
type CallLabel struct{ *Label }

// CallReg calls the address held in a register.
type CallReg Reg

// CallMem calls the address loaded from memory.
type CallMem struct{ Memory }

func (CallSymbol) isCallTarget() {}
func (CallLabel) isCallTarget()  {}
func (CallReg) isCallTarget()    {}
func (CallMem) isCallTarget()    {}

func (s CallSymbol) String() string { return string(s) }
func (r CallReg) String() string    { return Reg(r).String() }

// JumpState tracks how far the short/long decision of a jump has progressed.
type JumpState uint8

const (
	// JumpUnplaced is a forward jump whose target is not placed yet. It is
	// sized long.
	JumpUnplaced JumpState = iota
	JumpShort
	JumpLong
	// JumpBound is a jump whose form can no longer change.
	JumpBound
)

func (s JumpState) String() string {
	switch s {
	case JumpUnplaced:
		return "unplaced"
	case JumpShort:
		return "short"
	case JumpLong:
		return "long"
	case JumpBound:
		return "bound"
	}
	return fmt.Sprintf("JumpState(%d)", uint8(s))
}

// Label names the start of a group.
type Label struct {
	id    int
	name  string
	group *Group
}

// Bound reports whether the label has been placed.
func (l *Label) Bound() bool { return l.group != nil }

func (l *Label) Name() string { return l.name }

func (l *Label) String() string {
	if l.name != "" {
		return l.name
	}
	return fmt.Sprintf("L%d", l.id)
}
