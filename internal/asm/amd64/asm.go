package amd64

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/jitx86/internal/asm"
)

// Config configures an Emitter.
type Config struct {
	// Features are the ISA extensions the code may use.
	Features Features

	// Table overrides the embedded capability table.
	Table *Table

	// Frame resolves frame locals. It may gain slots while instructions
	// are being built; every local must resolve by Finish.
	Frame asm.FrameLayout

	// Relocs and GCInfo receive the side tables when Finish succeeds.
	Relocs asm.RelocSink
	GCInfo asm.GCInfoSink

	Logger *slog.Logger
}

// Stats summarizes a finished emission.
type Stats struct {
	Groups        int
	Instructions  int
	Elided        int
	Jumps         int
	ShortJumps    int
	Demoted       int
	ShrinkPasses  int
	EstimatedSize int
	Size          int
}

// Emitter builds the instruction list of one compiled method and encodes
// it. An Emitter is not safe for concurrent use; independent compilations
// use independent Emitters.
type Emitter struct {
	table *Table
	enc   encoder
	log   *slog.Logger
	cfg   Config

	groups  []*Group
	order   []*Group
	cur     *Group
	cold    bool
	labels  []*Label
	jumps   []*insJump
	estSize [2]int
	pending liveState

	err      error
	finished bool
	stats    Stats
}

var errFinished = errors.New("emitter already finished")

// NewEmitter returns an Emitter positioned at the start of the hot region.
func NewEmitter(cfg Config) *Emitter {
	e := &Emitter{
		table:   cfg.Table,
		enc:     encoder{feats: cfg.Features, frame: cfg.Frame},
		log:     cfg.Logger,
		cfg:     cfg,
		pending: newLiveState(),
	}
	if e.table == nil {
		e.table = DefaultTable()
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if cfg.Features.PreferVEX && !cfg.Features.AVX {
		e.err = asm.Internalf(asm.PhaseBuild, "", "VEX encoding preferred without AVX")
	}
	e.newGroup(false)
	return e
}

// Err returns the error that aborted emission, if any.
func (e *Emitter) Err() error { return e.err }

// Features returns the ISA features the emitter encodes for.
func (e *Emitter) Features() Features { return e.enc.feats }

// Table is the capability table the Emitter validates against.
func (e *Emitter) Table() *Table { return e.table }

// EstimatedSize is the pass-1 size of everything built so far.
func (e *Emitter) EstimatedSize() int { return e.estSize[0] + e.estSize[1] }

// Stats returns layout statistics. They are complete after Finish.
func (e *Emitter) Stats() Stats { return e.stats }

func (e *Emitter) fail(err error) error {
	if e.err == nil {
		e.err = err
	}
	return e.err
}

func (e *Emitter) ice(phase asm.Phase, op Op, format string, args ...any) error {
	name := ""
	if op < numOps {
		name = op.String()
	}
	return e.fail(asm.Internalf(phase, name, format, args...))
}

func (e *Emitter) check() error {
	if e.err != nil {
		return e.err
	}
	if e.finished {
		return e.fail(asm.Internalf(asm.PhaseBuild, "", "%w", errFinished))
	}
	return nil
}

func (e *Emitter) newGroup(extend bool) *Group {
	if g := e.cur; g != nil && len(g.instrs) == 0 && (g.cold == e.cold || len(g.labels) == 0) {
		g.extend = g.extend && extend
		if g.cold != e.cold {
			g.cold = e.cold
			g.estStart = e.estSize[g.region()]
		}
		return g
	}
	g := &Group{
		num:    len(e.groups),
		extend: extend,
		cold:   e.cold,
		entry:  e.pending.clone(),
	}
	g.estStart = e.estSize[g.region()]
	e.groups = append(e.groups, g)
	e.cur = g
	return g
}

// Split ends the current group. The next group continues it in straight
// line, so peephole state carries over.
func (e *Emitter) Split() {
	if e.check() == nil {
		e.newGroup(true)
	}
}

// Cold moves emission to the cold region, laid out after all hot code.
func (e *Emitter) Cold() {
	if e.check() == nil && !e.cold {
		e.cold = true
		e.newGroup(false)
	}
}

// Hot moves emission back to the hot region.
func (e *Emitter) Hot() {
	if e.check() == nil && e.cold {
		e.cold = false
		e.newGroup(false)
	}
}

// NewLabel allocates an unbound label.
func (e *Emitter) NewLabel() *Label {
	return e.NewNamedLabel("")
}

func (e *Emitter) NewNamedLabel(name string) *Label {
	l := &Label{id: len(e.labels), name: name}
	e.labels = append(e.labels, l)
	return l
}

// Bind places l at the next instruction, which starts a new group that
// control may enter from elsewhere.
func (e *Emitter) Bind(l *Label) error {
	if err := e.check(); err != nil {
		return err
	}
	if l == nil {
		return e.ice(asm.PhaseBuild, numOps, "bind of nil label")
	}
	if l.group != nil {
		return e.ice(asm.PhaseBuild, numOps, "label %s bound twice", l)
	}
	g := e.newGroup(false)
	l.group = g
	g.labels = append(g.labels, l)
	return nil
}

// Ins builds an instruction without operands.
func (e *Emitter) Ins(op Op, attr Attr) error {
	return e.build(&insNone{header: header{op: op, attr: attr, cond: Always}})
}

// InsR builds a single-register instruction.
func (e *Emitter) InsR(op Op, attr Attr, reg Reg) error {
	return e.build(&insReg{header: header{op: op, attr: attr, cond: Always}, reg: reg})
}

// InsRR builds a register-to-register instruction; dst is the first
// operand in Intel order.
func (e *Emitter) InsRR(op Op, attr Attr, dst, src Reg) error {
	return e.build(&insRegReg{header: header{op: op, attr: attr, cond: Always}, dst: dst, src: src})
}

func (e *Emitter) InsRI(op Op, attr Attr, dst Reg, imm Imm) error {
	return e.build(&insRegImm{header: header{op: op, attr: attr, cond: Always}, dst: dst, imm: imm})
}

// InsRM builds an instruction whose destination register is loaded from,
// or combined with, memory.
func (e *Emitter) InsRM(op Op, attr Attr, dst Reg, mem Memory) error {
	return e.build(&insRegMem{header: header{op: op, attr: attr, cond: Always}, dst: dst, mem: mem})
}

// InsMR builds an instruction with a memory destination and register source.
func (e *Emitter) InsMR(op Op, attr Attr, mem Memory, src Reg) error {
	return e.build(&insMemReg{header: header{op: op, attr: attr, cond: Always}, mem: mem, src: src})
}

func (e *Emitter) InsM(op Op, attr Attr, mem Memory) error {
	return e.build(&insMem{header: header{op: op, attr: attr, cond: Always}, mem: mem})
}

func (e *Emitter) InsMI(op Op, attr Attr, mem Memory, imm Imm) error {
	return e.build(&insMemImm{header: header{op: op, attr: attr, cond: Always}, mem: mem, imm: imm})
}

// InsRRR builds a three-register VEX instruction: dst, first source, second
// source.
func (e *Emitter) InsRRR(op Op, attr Attr, dst, a, b Reg) error {
	return e.build(&insRegRegReg{header: header{op: op, attr: attr, cond: Always}, dst: dst, a: a, b: b})
}

// InsRCond builds a conditional single-register instruction (SETcc).
func (e *Emitter) InsRCond(op Op, cond Cond, attr Attr, reg Reg) error {
	return e.build(&insReg{header: header{op: op, attr: attr, cond: cond}, reg: reg})
}

func (e *Emitter) InsMCond(op Op, cond Cond, attr Attr, mem Memory) error {
	return e.build(&insMem{header: header{op: op, attr: attr, cond: cond}, mem: mem})
}

// InsRRCond builds a conditional register move (CMOVcc).
func (e *Emitter) InsRRCond(op Op, cond Cond, attr Attr, dst, src Reg) error {
	return e.build(&insRegReg{header: header{op: op, attr: attr, cond: cond}, dst: dst, src: src})
}

func (e *Emitter) InsRMCond(op Op, cond Cond, attr Attr, dst Reg, mem Memory) error {
	return e.build(&insRegMem{header: header{op: op, attr: attr, cond: cond}, dst: dst, mem: mem})
}

// Call builds a call. ret is the reference kind the callee leaves in RAX.
func (e *Emitter) Call(target CallTarget, ret asm.RefKind) error {
	if target == nil {
		return e.ice(asm.PhaseBuild, CALL, "missing call target")
	}
	if l, ok := target.(CallLabel); ok && l.Label == nil {
		return e.ice(asm.PhaseBuild, CALL, "call of nil label")
	}
	return e.build(&insCall{header: header{op: CALL, attr: A64, cond: Always}, target: target, ret: ret})
}

// Jump builds a jump to l. cond is Always for an unconditional jump.
func (e *Emitter) Jump(cond Cond, l *Label) error {
	return e.jump(cond, &insJump{label: l})
}

// JumpLong builds a jump to l that is never shortened.
func (e *Emitter) JumpLong(cond Cond, l *Label) error {
	return e.jump(cond, &insJump{label: l, keepLong: true})
}

// JumpRel builds a jump to the instruction count places away in the current
// group: 0 is the jump itself, negative values go backwards.
func (e *Emitter) JumpRel(cond Cond, count int) error {
	return e.jump(cond, &insJump{count: count, relative: true})
}

func (e *Emitter) jump(cond Cond, j *insJump) error {
	j.op = JCC
	if cond == Always {
		j.op = JMP
	}
	j.cond = cond
	if !j.relative && j.label == nil {
		return e.ice(asm.PhaseBuild, j.op, "jump to nil label")
	}
	return e.build(j)
}

// build validates ins, runs move elision, estimates its size and appends it
// to the current group.
func (e *Emitter) build(ins instr) error {
	if err := e.check(); err != nil {
		return err
	}
	h := ins.hdr()
	cap, err := e.table.Lookup(h.op)
	if err != nil {
		return e.ice(asm.PhaseBuild, h.op, "%w", err)
	}
	h.cap = cap
	if err := e.validate(ins); err != nil {
		return e.ice(asm.PhaseBuild, h.op, "%s: %w", ins, err)
	}

	if e.cur.canAutoSplit() {
		e.newGroup(true)
	}
	g := e.cur
	h.group = g
	h.index = len(g.instrs)
	h.estOff = g.estStart + g.estLen

	if rr, ok := ins.(*insRegReg); ok && e.elidable(rr) {
		h.elided = true
	}

	if j, ok := ins.(*insJump); ok {
		if err := e.placeJump(j); err != nil {
			return e.ice(asm.PhaseBuild, h.op, "%s: %w", ins, err)
		}
		e.jumps = append(e.jumps, j)
	}

	if !h.elided {
		enc, err := e.enc.encode(ins)
		if err != nil {
			return e.ice(asm.PhaseBuild, h.op, "%s: %w", ins, err)
		}
		h.est = enc.Len()
		h.approx = enc.approx
	}
	h.size = h.est

	g.instrs = append(g.instrs, ins)
	g.estLen += h.est
	e.estSize[g.region()] += h.est
	applyEffect(&e.pending, ins, nil)
	return nil
}

// validate checks the opcode, shape, size and register classes against the
// capability table.
func (e *Emitter) validate(ins instr) error {
	h := ins.hdr()
	cap := h.cap
	if !e.enc.feats.Has(cap.Feature()) {
		return fmt.Errorf("requires %s", cap.Feature())
	}
	shape := ins.shape()
	f := cap.Form(shape)
	if f == nil {
		return fmt.Errorf("no %s form", shape)
	}
	if cap.sizes == 0 {
		h.attr = Attr(0).WithRef(h.attr.Ref())
	} else if !cap.SupportsSize(h.attr.Size()) {
		return fmt.Errorf("unsupported operand size %s", h.attr.Size())
	}
	if f.CC && (h.cond == Always || h.cond > CondG) {
		return fmt.Errorf("missing condition code")
	}
	if !f.CC && h.cond != Always && shape != ShapeJump {
		return fmt.Errorf("opcode takes no condition code")
	}

	checkReg := func(n int, r Reg) error {
		switch cap.kind(n) {
		case kindVec:
			if !r.IsVector() {
				return fmt.Errorf("operand %d: %s is not a vector register", n, r)
			}
		default:
			if !r.IsGP() {
				return fmt.Errorf("operand %d: %s is not a general-purpose register", n, r)
			}
		}
		return nil
	}
	checkMem := func(m Memory) error {
		if m == nil {
			return fmt.Errorf("missing memory operand")
		}
		_, err := resolveAddress(m, nil)
		return err
	}

	switch i := ins.(type) {
	case *insReg:
		return checkReg(0, i.reg)
	case *insRegReg:
		if err := checkReg(0, i.dst); err != nil {
			return err
		}
		return checkReg(1, i.src)
	case *insRegImm:
		if err := checkReg(0, i.dst); err != nil {
			return err
		}
		_, err := planImmediate(f, h.attr.Size(), i.imm)
		return err
	case *insRegMem:
		if err := checkReg(0, i.dst); err != nil {
			return err
		}
		return checkMem(i.mem)
	case *insMemReg:
		if err := checkMem(i.mem); err != nil {
			return err
		}
		return checkReg(1, i.src)
	case *insMem:
		return checkMem(i.mem)
	case *insMemImm:
		if err := checkMem(i.mem); err != nil {
			return err
		}
		_, err := planImmediate(f, h.attr.Size(), i.imm)
		return err
	case *insRegRegReg:
		for n, r := range []Reg{i.dst, i.a, i.b} {
			if err := checkReg(n, r); err != nil {
				return err
			}
		}
	case *insCall:
		switch t := i.target.(type) {
		case CallReg:
			if !Reg(t).IsGP() {
				return fmt.Errorf("call target %s is not a general-purpose register", Reg(t))
			}
		case CallMem:
			return checkMem(t.Memory)
		case CallSymbol:
			if t == "" {
				return fmt.Errorf("call of empty symbol")
			}
		}
	}
	return nil
}

// placeJump decides the form of a jump at build time. Backward jumps are
// final here; forward jumps start long.
func (e *Emitter) placeJump(j *insJump) error {
	g := j.group
	f := j.cap.Form(ShapeJump)
	shortLen := jumpLen(f, true)

	var targetEst int
	switch {
	case j.relative && j.count > 0:
		g.markJoin(j.index + j.count)
		j.state = JumpUnplaced
		return nil
	case j.relative:
		idx := j.index + j.count
		if idx < 0 {
			return fmt.Errorf("relative target %d before start of group", j.count)
		}
		if idx == j.index {
			targetEst = j.estOff
		} else {
			target := g.instrs[idx].hdr()
			if target.elided {
				return fmt.Errorf("relative target %d is an elided instruction", j.count)
			}
			targetEst = target.estOff
		}
	case j.label.group == nil:
		j.state = JumpUnplaced
		return nil
	default:
		tg := j.label.group
		if tg.cold != g.cold {
			j.keepLong = true
		}
		targetEst = tg.estStart
	}

	j.backward = true
	disp := targetEst - (j.estOff + shortLen)
	if !j.keepLong && disp >= -128 && disp <= 127 {
		j.short = true
		j.state = JumpShort
	} else {
		j.state = JumpLong
	}
	return nil
}
