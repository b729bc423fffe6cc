package amd64

import "github.com/tinyrange/jitx86/internal/asm"

// Convenience builders for the instructions generated code uses most. They
// are thin wrappers over the Ins* family.

func (e *Emitter) MovReg(attr Attr, dst, src Reg) error {
	return e.InsRR(MOV, attr, dst, src)
}

func (e *Emitter) MovImmediate(attr Attr, dst Reg, value int64) error {
	return e.InsRI(MOV, attr, dst, ImmInt(value))
}

// MovAddress loads the absolute address of sym plus addend into dst.
func (e *Emitter) MovAddress(dst Reg, sym asm.Symbol, addend int64) error {
	return e.InsRI(MOV, A64, dst, ImmSym(sym, addend))
}

func (e *Emitter) MovFromMemory(attr Attr, dst Reg, mem Memory) error {
	return e.InsRM(MOV, attr, dst, mem)
}

func (e *Emitter) MovToMemory(attr Attr, mem Memory, src Reg) error {
	return e.InsMR(MOV, attr, mem, src)
}

func (e *Emitter) MovZX8(attr Attr, dst Reg, mem Memory) error {
	return e.InsRM(MOVZXB, attr, dst, mem)
}

func (e *Emitter) MovZX16(attr Attr, dst Reg, mem Memory) error {
	return e.InsRM(MOVZXW, attr, dst, mem)
}

func (e *Emitter) LoadAddress(dst Reg, mem Memory) error {
	return e.InsRM(LEA, A64, dst, mem)
}

func (e *Emitter) AddRegImm(attr Attr, reg Reg, value int32) error {
	return e.InsRI(ADD, attr, reg, ImmInt(int64(value)))
}

func (e *Emitter) AddRegReg(attr Attr, dst, src Reg) error {
	return e.InsRR(ADD, attr, dst, src)
}

func (e *Emitter) SubRegImm(attr Attr, reg Reg, value int32) error {
	return e.InsRI(SUB, attr, reg, ImmInt(int64(value)))
}

func (e *Emitter) SubRegReg(attr Attr, dst, src Reg) error {
	return e.InsRR(SUB, attr, dst, src)
}

func (e *Emitter) ImulRegReg(attr Attr, dst, src Reg) error {
	return e.InsRR(IMUL, attr, dst, src)
}

func (e *Emitter) CmpRegImm(attr Attr, reg Reg, value int32) error {
	return e.InsRI(CMP, attr, reg, ImmInt(int64(value)))
}

func (e *Emitter) CmpRegReg(attr Attr, a, b Reg) error {
	return e.InsRR(CMP, attr, a, b)
}

func (e *Emitter) TestRegReg(attr Attr, a, b Reg) error {
	return e.InsRR(TEST, attr, a, b)
}

// Zero clears reg with a 32-bit xor, which also clears its upper half.
func (e *Emitter) Zero(reg Reg) error {
	return e.InsRR(XOR, A32, reg, reg)
}

func (e *Emitter) ShlRegImm(attr Attr, reg Reg, count uint8) error {
	return e.InsRI(SHL, attr, reg, ImmInt(int64(count)))
}

func (e *Emitter) ShrRegImm(attr Attr, reg Reg, count uint8) error {
	return e.InsRI(SHR, attr, reg, ImmInt(int64(count)))
}

func (e *Emitter) Push(reg Reg) error { return e.InsR(PUSH, A64, reg) }
func (e *Emitter) Pop(reg Reg) error  { return e.InsR(POP, A64, reg) }
func (e *Emitter) Ret() error         { return e.Ins(RET, 0) }

func (e *Emitter) CallSymbol(sym asm.Symbol, ret asm.RefKind) error {
	return e.Call(CallSymbol(sym), ret)
}

func (e *Emitter) CallReg(reg Reg, ret asm.RefKind) error {
	return e.Call(CallReg(reg), ret)
}

func (e *Emitter) JumpIfEqual(l *Label) error          { return e.Jump(CondE, l) }
func (e *Emitter) JumpIfNotEqual(l *Label) error       { return e.Jump(CondNE, l) }
func (e *Emitter) JumpIfZero(l *Label) error           { return e.Jump(CondE, l) }
func (e *Emitter) JumpIfNotZero(l *Label) error        { return e.Jump(CondNE, l) }
func (e *Emitter) JumpIfLess(l *Label) error           { return e.Jump(CondL, l) }
func (e *Emitter) JumpIfGreater(l *Label) error        { return e.Jump(CondG, l) }
func (e *Emitter) JumpIfAbove(l *Label) error          { return e.Jump(CondA, l) }
func (e *Emitter) JumpIfAboveOrEqual(l *Label) error   { return e.Jump(CondAE, l) }
func (e *Emitter) JumpIfBelowOrEqual(l *Label) error   { return e.Jump(CondBE, l) }
func (e *Emitter) JumpIfNegative(l *Label) error       { return e.Jump(CondS, l) }
func (e *Emitter) JumpAlways(l *Label) error           { return e.Jump(Always, l) }
