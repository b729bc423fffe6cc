package amd64

// widens reports whether a register-to-register move of h changes bits
// beyond the moved value: 32-bit GPR moves zero the upper half, extending
// moves fill the upper bits, and VEX.128 moves clear the upper YMM lane.
func (e *Emitter) widens(h *header) bool {
	size := h.attr.Size()
	if h.cap.widensAt(size) {
		return true
	}
	f := h.cap.Form(ShapeRegReg)
	return f != nil && size == S128 && usesVEX(f, e.enc.feats)
}

// elidable reports whether the move can be dropped because its destination
// already holds the value. It never looks across a point where control can
// enter from elsewhere.
func (e *Emitter) elidable(i *insRegReg) bool {
	h := &i.header
	if h.cap.Class() != ClassMove || h.cond != Always {
		return false
	}
	g := h.group
	if g.joins[h.index] {
		return false
	}
	if h.index == 0 && !g.extend {
		return false
	}
	if e.widens(h) {
		return false
	}
	if i.dst == i.src {
		return true
	}

	p, ok := e.previous(g, h.index).(*insRegReg)
	if !ok || p.op != h.op || p.attr.Size() != h.attr.Size() || p.cond != Always {
		return false
	}
	same := p.dst == i.dst && p.src == i.src
	swapped := p.dst == i.src && p.src == i.dst
	if !same && !swapped {
		return false
	}
	if e.widens(&p.header) {
		return false
	}
	return e.pending.regs[i.src] == h.attr.Ref()
}

// previous returns the instruction built immediately before index idx of g,
// following a continuation into the group before it.
func (e *Emitter) previous(g *Group, idx int) instr {
	if idx > 0 {
		return g.instrs[idx-1]
	}
	if !g.extend || g.num == 0 {
		return nil
	}
	before := e.groups[g.num-1]
	if len(before.instrs) == 0 {
		return nil
	}
	return before.instrs[len(before.instrs)-1]
}
