package amd64

import (
	"maps"
	"slices"

	"github.com/tinyrange/jitx86/internal/asm"
)

// callerSaved is the System V AMD64 set of registers a call may clobber.
var callerSaved = func() regSet {
	var set regSet
	for _, r := range []Reg{RAX, RCX, RDX, RSI, RDI, R8, R9, R10, R11} {
		set |= 1 << r
	}
	for r := X0; r <= X15; r++ {
		set |= 1 << r
	}
	return set
}()

// liveState maps registers and frame slots to the reference kind they hold.
// Absent slots hold no reference.
type liveState struct {
	regs  [numRegs]asm.RefKind
	slots map[asm.LocalID]asm.RefKind
}

func newLiveState() liveState {
	return liveState{slots: make(map[asm.LocalID]asm.RefKind)}
}

func (s *liveState) clone() liveState {
	c := liveState{regs: s.regs, slots: make(map[asm.LocalID]asm.RefKind, len(s.slots))}
	for id, k := range s.slots {
		c.slots[id] = k
	}
	return c
}

type recordFunc func(loc asm.Location, kind asm.RefKind)

func (s *liveState) setReg(r Reg, kind asm.RefKind, record recordFunc) {
	if r >= numRegs || s.regs[r] == kind {
		return
	}
	s.regs[r] = kind
	if record != nil {
		record(asm.RegLocation(uint8(r)), kind)
	}
}

func (s *liveState) setSlot(id asm.LocalID, kind asm.RefKind, record recordFunc) {
	if s.slots[id] == kind {
		return
	}
	if kind == asm.RefNone {
		delete(s.slots, id)
	} else {
		s.slots[id] = kind
	}
	if record != nil {
		record(asm.SlotLocation(id), kind)
	}
}

// trackedSlot returns the local a memory operand stores to as a whole.
// Stores at a sub-offset do not change what the slot holds.
func trackedSlot(m Memory) (asm.LocalID, bool) {
	fm, ok := m.(FrameMem)
	if !ok || fm.Off != 0 {
		return 0, false
	}
	return fm.Local, true
}

// applyEffect applies the liveness effect of ins to s: implicit clobbers
// first, then the definitions of its destination. record, if set, sees
// every change.
func applyEffect(s *liveState, ins instr, record recordFunc) {
	h := ins.hdr()
	h.cap.clobbers.each(func(r Reg) { s.setReg(r, asm.RefNone, record) })

	ref := h.attr.Ref()
	writes := !h.cap.NoWrite

	switch i := ins.(type) {
	case *insCall:
		callerSaved.each(func(r Reg) { s.setReg(r, asm.RefNone, record) })
		s.setReg(RAX, i.ret, record)
	case *insRegReg:
		if h.cap.Class() == ClassXchg {
			a, b := s.regs[i.dst], s.regs[i.src]
			s.setReg(i.dst, b, record)
			s.setReg(i.src, a, record)
			return
		}
		if writes {
			s.setReg(i.dst, ref, record)
		}
	case *insReg:
		if writes {
			s.setReg(i.reg, ref, record)
		}
	case *insRegImm:
		if writes {
			s.setReg(i.dst, ref, record)
		}
	case *insRegMem:
		if writes {
			s.setReg(i.dst, ref, record)
		}
	case *insRegRegReg:
		if writes {
			s.setReg(i.dst, ref, record)
		}
	case *insMemReg:
		id, ok := trackedSlot(i.mem)
		if h.cap.Class() == ClassXchg {
			old := s.regs[i.src]
			if ok {
				s.setReg(i.src, s.slots[id], record)
				s.setSlot(id, old, record)
			} else {
				s.setReg(i.src, ref, record)
			}
			return
		}
		if writes && ok {
			s.setSlot(id, ref, record)
		}
	case *insMem:
		if id, ok := trackedSlot(i.mem); ok && writes {
			s.setSlot(id, ref, record)
		}
	case *insMemImm:
		if id, ok := trackedSlot(i.mem); ok && writes {
			s.setSlot(id, ref, record)
		}
	}
}

// gcTracker turns liveness changes into a delta stream during final
// emission.
type gcTracker struct {
	state  liveState
	deltas []asm.GCDelta
}

func newGCTracker() *gcTracker {
	return &gcTracker{state: newLiveState()}
}

// recorder returns a recordFunc that appends deltas at offset. Changes at
// the same offset and location coalesce into one delta.
func (t *gcTracker) recorder(offset int) recordFunc {
	return func(loc asm.Location, kind asm.RefKind) {
		for i := len(t.deltas) - 1; i >= 0 && t.deltas[i].Offset == offset; i-- {
			if t.deltas[i].Loc == loc {
				t.deltas[i].Kind = kind
				return
			}
		}
		t.deltas = append(t.deltas, asm.GCDelta{Offset: offset, Loc: loc, Kind: kind})
	}
}

// step applies ins, which ends at offset, and records its deltas.
func (t *gcTracker) step(ins instr, offset int) {
	applyEffect(&t.state, ins, t.recorder(offset))
}

// enter switches the tracker to entry, the state a group is entered with,
// recording the difference at offset. Layout order is not build order once
// cold code moves to the end, so the state left by the previous group in
// the layout does not carry over.
func (t *gcTracker) enter(entry liveState, offset int) {
	record := t.recorder(offset)
	for r := Reg(0); r < numRegs; r++ {
		t.state.setReg(r, entry.regs[r], record)
	}
	ids := slices.Collect(maps.Keys(t.state.slots))
	for id := range entry.slots {
		if _, ok := t.state.slots[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		t.state.setSlot(id, entry.slots[id], record)
	}
}
