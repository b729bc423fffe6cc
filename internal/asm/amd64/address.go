package amd64

import (
	"fmt"
	"math"

	"github.com/tinyrange/jitx86/internal/asm"
)

// addrMode is a memory operand lowered to ModRM/SIB/displacement form. The
// ModRM.reg field is filled in by the caller.
type addrMode struct {
	mod     byte
	rm      byte
	sib     byte
	hasSIB  bool
	disp    int32
	dispLen int

	// base and index feed REX.B / REX.X (or their VEX complements).
	base  Reg
	index Reg

	// ripRel operands carry a rel32 relocation against sym at the
	// displacement; disp is then the offset from sym.
	ripRel bool
	sym    asm.Symbol

	// approx is set when the operand is a frame local that has no slot yet
	// and the mode is a worst-case placeholder.
	approx bool
}

// Len is the number of ModRM, SIB and displacement bytes.
func (a addrMode) Len() int {
	n := 1 + a.dispLen
	if a.hasSIB {
		n++
	}
	return n
}

func (a addrMode) modrm(reg byte) byte {
	return a.mod<<6 | (reg&7)<<3 | a.rm
}

func scaleBits(scale uint8) (byte, error) {
	switch scale {
	case 1:
		return 0, nil
	case 2:
		return 1, nil
	case 4:
		return 2, nil
	case 8:
		return 3, nil
	}
	return 0, fmt.Errorf("invalid scale %d", scale)
}

// unresolvedLocal is the placeholder for a frame local whose slot is not
// known: [rsp + disp32] through a SIB byte, the longest frame encoding.
var unresolvedLocal = addrMode{
	mod:     2,
	rm:      4,
	sib:     0x24,
	hasSIB:  true,
	dispLen: 4,
	base:    RSP,
	index:   NoReg,
	approx:  true,
}

// resolveAddress canonicalizes mem. A nil frame, or one without a slot for
// the local, yields the unresolved placeholder; callers that need final
// bytes must reject approximate modes.
func resolveAddress(mem Memory, frame asm.FrameLayout) (addrMode, error) {
	switch m := mem.(type) {
	case AbsMem:
		if m.Sym == "" {
			return addrMode{}, fmt.Errorf("data reference without a symbol")
		}
		return addrMode{
			mod:     0,
			rm:      5,
			dispLen: 4,
			disp:    m.Disp,
			base:    NoReg,
			index:   NoReg,
			ripRel:  true,
			sym:     m.Sym,
		}, nil
	case FrameMem:
		var slot asm.FrameSlot
		ok := false
		if frame != nil {
			slot, ok = frame.Resolve(m.Local)
		}
		if !ok {
			return unresolvedLocal, nil
		}
		disp := int64(slot.Offset) + int64(m.Off)
		if disp < math.MinInt32 || disp > math.MaxInt32 {
			return addrMode{}, fmt.Errorf("local %d offset %d out of range", m.Local, disp)
		}
		base := RSP
		if slot.Base == asm.FrameFP {
			base = RBP
		}
		return encodeBaseMem(Mem(base).WithDisp(int32(disp)))
	case BaseMem:
		return encodeBaseMem(m)
	case nil:
		return addrMode{}, fmt.Errorf("missing memory operand")
	}
	return addrMode{}, fmt.Errorf("unsupported memory operand %T", mem)
}

func encodeBaseMem(m BaseMem) (addrMode, error) {
	if m.hasBase && !m.base.IsGP() {
		return addrMode{}, fmt.Errorf("base register %s is not a general-purpose register", m.base)
	}
	if m.hasIndex {
		if !m.index.IsGP() {
			return addrMode{}, fmt.Errorf("index register %s is not a general-purpose register", m.index)
		}
		if m.index == RSP {
			return addrMode{}, fmt.Errorf("rsp cannot be used as index register")
		}
	}

	a := addrMode{
		base:  NoReg,
		index: NoReg,
		disp:  m.disp,
	}

	if !m.hasBase {
		if !m.hasIndex {
			return addrMode{}, fmt.Errorf("memory operand needs a base or index register")
		}
		// [index*scale + disp32]: SIB with no base always takes a disp32.
		bits, err := scaleBits(m.scale)
		if err != nil {
			return addrMode{}, err
		}
		a.mod = 0
		a.rm = 4
		a.hasSIB = true
		a.sib = bits<<6 | m.index.code()<<3 | 5
		a.dispLen = 4
		a.index = m.index
		return a, nil
	}

	a.base = m.base
	code := m.base.code()

	switch {
	case m.disp == 0 && code != 5:
		a.mod = 0
	case m.disp >= math.MinInt8 && m.disp <= math.MaxInt8:
		// Covers [rbp]/[r13] with zero displacement: mod 00 there means
		// RIP-relative or disp32-only, so an explicit disp8 of zero is needed.
		a.mod = 1
		a.dispLen = 1
	default:
		a.mod = 2
		a.dispLen = 4
	}

	if m.hasIndex || code == 4 {
		// rm=100 selects a SIB byte; [rsp]/[r12] can only be reached this way.
		indexCode := byte(4)
		var bits byte
		if m.hasIndex {
			var err error
			if bits, err = scaleBits(m.scale); err != nil {
				return addrMode{}, err
			}
			indexCode = m.index.code()
			a.index = m.index
		}
		a.rm = 4
		a.hasSIB = true
		a.sib = bits<<6 | indexCode<<3 | code
		return a, nil
	}

	a.rm = code
	return a, nil
}
