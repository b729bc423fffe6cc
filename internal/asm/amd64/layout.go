package amd64

import (
	"fmt"

	"github.com/tinyrange/jitx86/internal/asm"
)

// maxShrinkPasses caps branch demotion. Every forward jump gets one
// attempt; jumps that would only fit after later demotions stay long.
const maxShrinkPasses = 1

// Finish lays out every group, shortens forward jumps where the final
// distance allows it, and encodes the program. The Emitter cannot be used
// for building afterwards.
func (e *Emitter) Finish() (asm.Program, error) {
	if err := e.check(); err != nil {
		return asm.Program{}, err
	}
	e.finished = true

	if err := e.layout(); err != nil {
		return asm.Program{}, e.fail(err)
	}
	e.stats.Demoted, e.stats.ShrinkPasses = e.shrinkBranches()
	e.lockBranches()

	prog, err := e.emit()
	if err != nil {
		return asm.Program{}, e.fail(err)
	}

	for _, rel := range prog.Relocations() {
		if e.cfg.Relocs == nil {
			break
		}
		if err := e.cfg.Relocs.AddRelocation(rel); err != nil {
			return asm.Program{}, e.fail(fmt.Errorf("relocation sink: %w", err))
		}
	}
	for _, d := range prog.GCDeltas() {
		if e.cfg.GCInfo == nil {
			break
		}
		if err := e.cfg.GCInfo.AddGCDelta(d); err != nil {
			return asm.Program{}, e.fail(fmt.Errorf("gc info sink: %w", err))
		}
	}

	e.log.Debug("layout finalized",
		"groups", e.stats.Groups,
		"instructions", e.stats.Instructions,
		"elided", e.stats.Elided,
		"estimated", e.stats.EstimatedSize,
		"bytes", e.stats.Size,
		"demoted", e.stats.Demoted,
	)
	return prog, nil
}

// layout orders the groups (hot region first), computes the final size of
// every non-jump instruction and assigns offsets.
func (e *Emitter) layout() error {
	for _, j := range e.jumps {
		if !j.relative && j.label.group == nil {
			return asm.Internalf(asm.PhaseLayout, j.op.String(), "jump to unbound label %s", j.label)
		}
		if j.relative && j.index+j.count >= len(j.group.instrs) {
			return asm.Internalf(asm.PhaseLayout, j.op.String(), "relative target %+d past end of group %d", j.count, j.group.num)
		}
	}

	for _, g := range e.groups {
		for _, ins := range g.instrs {
			if c, ok := ins.(*insCall); ok {
				if l, ok := c.target.(CallLabel); ok && l.group == nil {
					return asm.Internalf(asm.PhaseLayout, CALL.String(), "call of unbound label %s", l.Label)
				}
			}
		}
	}

	e.order = e.order[:0]
	for _, cold := range []bool{false, true} {
		for _, g := range e.groups {
			if g.cold == cold {
				e.order = append(e.order, g)
			}
		}
	}

	offset := 0
	for pos, g := range e.order {
		g.pos = pos
		g.offset = offset
		g.next = nil
		if pos > 0 {
			e.order[pos-1].next = g
		}
		g.size = 0
		for _, ins := range g.instrs {
			h := ins.hdr()
			size, err := e.finalSize(ins)
			if err != nil {
				return err
			}
			h.size = size
			h.rel = g.size
			g.size += size
			e.stats.EstimatedSize += h.est
		}
		offset += g.size
		e.stats.Instructions += len(g.instrs)
	}
	e.stats.Groups = len(e.order)

	// Forward jumps leaving their region keep the long form.
	for _, j := range e.jumps {
		if !j.relative && j.label.group.cold != j.group.cold {
			j.keepLong = true
		}
	}
	return nil
}

// finalSize re-encodes ins now that the frame is complete and checks it
// against the pass-1 estimate.
func (e *Emitter) finalSize(ins instr) (int, error) {
	h := ins.hdr()
	if h.elided {
		return 0, nil
	}
	if _, ok := ins.(*insJump); ok {
		return h.size, nil
	}
	enc, err := e.enc.encode(ins)
	if err != nil {
		return 0, asm.Internalf(asm.PhaseLayout, h.op.String(), "%s: %w", ins, err)
	}
	if enc.approx {
		return 0, asm.Internalf(asm.PhaseLayout, h.op.String(), "%s: frame local has no slot", ins)
	}
	size := enc.Len()
	if size > h.est {
		return 0, asm.Internalf(asm.PhaseLayout, h.op.String(), "%s: final size %d exceeds estimate %d", ins, size, h.est)
	}
	if size != h.est && !h.approx {
		return 0, asm.Internalf(asm.PhaseLayout, h.op.String(), "%s: final size %d differs from estimate %d", ins, size, h.est)
	}
	return size, nil
}

// target returns the current offset a jump lands on.
func (e *Emitter) target(j *insJump) int {
	if j.relative {
		g := j.group
		return g.offset + g.instrs[j.index+j.count].hdr().rel
	}
	return j.label.group.offset
}

// shrinkBranches demotes long forward jumps whose displacement fits in a
// byte. Each demotion moves everything after it closer, so later jumps are
// checked against updated offsets; earlier ones are not revisited.
func (e *Emitter) shrinkBranches() (demoted, passes int) {
	for passes < maxShrinkPasses {
		passes++
		n := 0
		for _, g := range e.order {
			for _, ins := range g.instrs {
				j, ok := ins.(*insJump)
				if !ok || j.state != JumpUnplaced || j.keepLong {
					continue
				}
				// The displacement is measured from the end of the jump,
				// and both ends move together when it shrinks.
				disp := e.target(j) - (g.offset + j.rel + j.size)
				if disp < -128 || disp > 127 {
					continue
				}
				short := jumpLen(j.cap.Form(ShapeJump), true)
				delta := j.size - short
				j.short = true
				j.state = JumpShort
				j.size = short
				e.shift(g, j.index, delta)
				n++
				e.log.Debug("branch demoted", "jump", j.String(), "offset", g.offset+j.rel, "saved", delta)
			}
		}
		demoted += n
		if n == 0 {
			break
		}
	}
	return demoted, passes
}

// shift moves everything after instruction idx of g back by delta bytes.
func (e *Emitter) shift(g *Group, idx, delta int) {
	for _, ins := range g.instrs[idx+1:] {
		ins.hdr().rel -= delta
	}
	g.size -= delta
	for _, later := range e.order[g.pos+1:] {
		later.offset -= delta
	}
}

// lockBranches fixes the form of every jump. Running shrinkBranches again
// afterwards changes nothing.
func (e *Emitter) lockBranches() {
	for _, j := range e.jumps {
		if j.state == JumpUnplaced {
			j.short = false
		}
		j.state = JumpBound
		e.stats.Jumps++
		if j.short {
			e.stats.ShortJumps++
		}
	}
}

// emit walks the layout and produces the final bytes, relocations, spans
// and GC deltas.
func (e *Emitter) emit() (asm.Program, error) {
	var (
		code   []byte
		relocs []asm.Relocation
		spans  []asm.Span
		gc     = newGCTracker()
	)
	for _, g := range e.order {
		if !g.extend {
			gc.enter(g.entry, g.offset)
		}
		for _, ins := range g.instrs {
			h := ins.hdr()
			off := g.offset + h.rel
			if len(code) != off {
				return asm.Program{}, asm.Internalf(asm.PhaseEmit, h.op.String(), "%s: placed at %#x but code ends at %#x", ins, off, len(code))
			}
			spans = append(spans, asm.Span{
				Offset: off,
				Len:    h.size,
				Name:   ins.String(),
				Group:  g.num,
				Elided: h.elided,
			})
			if h.elided {
				e.stats.Elided++
				gc.step(ins, off)
				continue
			}

			enc, err := e.enc.encode(ins)
			if err != nil {
				return asm.Program{}, asm.Internalf(asm.PhaseEmit, h.op.String(), "%s: %w", ins, err)
			}
			if enc.approx {
				return asm.Program{}, asm.Internalf(asm.PhaseEmit, h.op.String(), "%s: frame local has no slot", ins)
			}
			if enc.Len() != h.size {
				return asm.Program{}, asm.Internalf(asm.PhaseEmit, h.op.String(), "%s: encoded %d bytes, laid out %d", ins, enc.Len(), h.size)
			}

			switch i := ins.(type) {
			case *insJump:
				disp := int64(e.target(i) - (off + h.size))
				if i.short && (disp < -128 || disp > 127) {
					return asm.Program{}, asm.Internalf(asm.PhaseEmit, h.op.String(), "%s: short displacement %d out of range", ins, disp)
				}
				enc.imm = disp
			case *insCall:
				if l, ok := i.target.(CallLabel); ok {
					enc.imm = int64(l.group.offset - (off + h.size))
				}
			}

			var rs []asm.Relocation
			code, rs = enc.appendTo(code, off)
			relocs = append(relocs, rs...)
			gc.step(ins, off+h.size)
		}
	}
	e.stats.Size = len(code)
	return asm.NewProgram(code, relocs, gc.deltas, spans), nil
}
