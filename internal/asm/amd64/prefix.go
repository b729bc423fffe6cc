package amd64

import "fmt"

// prefixOperands are the register fields that feed REX or VEX bits. Unused
// fields are NoReg.
type prefixOperands struct {
	reg   Reg // ModRM.reg
	rm    Reg // ModRM.rm register, memory base, or the +r register
	index Reg // SIB index
	vvvv  Reg // VEX.vvvv source

	// reg8/rm8 mark 8-bit register operands; SPL, BPL, SIL and DIL are only
	// reachable with a REX prefix.
	reg8 bool
	rm8  bool
}

func noOperands() prefixOperands {
	return prefixOperands{reg: NoReg, rm: NoReg, index: NoReg, vvvv: NoReg}
}

// prefix is the output of computePrefix: every byte before the opcode plus
// the opcode bytes that remain once a VEX prefix has absorbed the escape.
type prefix struct {
	buf    [5]byte
	n      int
	opcode []byte
	vex    bool
}

func (p prefix) Len() int { return p.n + len(p.opcode) }

func (p prefix) bytes() []byte { return p.buf[:p.n] }

func (p *prefix) push(b byte) {
	p.buf[p.n] = b
	p.n++
}

// usesVEX reports whether form is emitted with a VEX prefix under feats.
func usesVEX(f *Form, feats Features) bool {
	if f.VEX != nil {
		return true
	}
	return f.Vexable && feats.PreferVEX
}

func wantW(mode rexWMode, size Size) bool {
	switch mode {
	case rexWAlways:
		return true
	case rexWNever:
		return false
	}
	return size == S64
}

func needsByteREX(r Reg) bool {
	return r.IsGP() && r >= RSP && r <= RDI
}

// computePrefix derives the legacy or VEX prefix bytes for one encoding of
// opcode. It is a pure function of its arguments; the size estimate and the
// final encoding both call it and must agree byte for byte.
func computePrefix(f *Form, opcode []byte, feats Features, ops prefixOperands, size Size) (prefix, error) {
	if usesVEX(f, feats) {
		return computeVEX(f, opcode, ops, size)
	}

	var p prefix
	if size == S16 {
		p.push(0x66)
	}
	if len(f.Prefix) == 1 {
		p.push(f.Prefix[0])
	}

	rex := byte(0)
	if wantW(f.rexW, size) {
		rex |= 0x08
	}
	if ops.reg != NoReg && ops.reg.high() {
		rex |= 0x04
	}
	if ops.index != NoReg && ops.index.high() {
		rex |= 0x02
	}
	if ops.rm != NoReg && ops.rm.high() {
		rex |= 0x01
	}
	force := (ops.reg8 && needsByteREX(ops.reg)) || (ops.rm8 && needsByteREX(ops.rm))
	if rex != 0 || force {
		p.push(0x40 | rex)
	}
	p.opcode = opcode
	return p, nil
}

func computeVEX(f *Form, opcode []byte, ops prefixOperands, size Size) (prefix, error) {
	var (
		mmmmm byte
		pp    byte
		w     bool
	)
	if f.VEX != nil {
		mmmmm = f.VEX.mmmmm
		pp = f.VEX.pp
		w = wantW(f.VEX.w, size)
	} else {
		// Legacy SSE form: the escape bytes become the map and the
		// mandatory prefix becomes pp.
		switch {
		case len(opcode) >= 3 && opcode[0] == 0x0F && opcode[1] == 0x38:
			mmmmm, opcode = 2, opcode[2:]
		case len(opcode) >= 3 && opcode[0] == 0x0F && opcode[1] == 0x3A:
			mmmmm, opcode = 3, opcode[2:]
		case len(opcode) >= 2 && opcode[0] == 0x0F:
			mmmmm, opcode = 1, opcode[1:]
		default:
			return prefix{}, fmt.Errorf("opcode % X has no VEX map", opcode)
		}
		if len(f.Prefix) == 1 {
			switch f.Prefix[0] {
			case 0x66:
				pp = 1
			case 0xF3:
				pp = 2
			case 0xF2:
				pp = 3
			default:
				return prefix{}, fmt.Errorf("prefix %02X has no VEX pp encoding", f.Prefix[0])
			}
		}
		w = wantW(f.rexW, size)
	}

	r := ops.reg != NoReg && ops.reg.high()
	x := ops.index != NoReg && ops.index.high()
	b := ops.rm != NoReg && ops.rm.high()

	vvvv := byte(0x0F)
	if ops.vvvv != NoReg {
		vvvv = ^ops.vvvv.hw() & 0x0F
	}
	var l byte
	if size == S256 {
		l = 1
	}

	var p prefix
	p.vex = true
	if !x && !b && !w && mmmmm == 1 {
		p.push(0xC5)
		p.push(inv(r)<<7 | vvvv<<3 | l<<2 | pp)
	} else {
		p.push(0xC4)
		p.push(inv(r)<<7 | inv(x)<<6 | inv(b)<<5 | mmmmm)
		var wbit byte
		if w {
			wbit = 1
		}
		p.push(wbit<<7 | vvvv<<3 | l<<2 | pp)
	}
	p.opcode = opcode
	return p, nil
}

func inv(bit bool) byte {
	if bit {
		return 0
	}
	return 1
}
