package amd64

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/jitx86/internal/asm"
)

// VerifyCase is one opcode, shape and size combination of the capability
// table.
type VerifyCase struct {
	Op    Op
	Shape Shape
	Size  Size
}

func (c VerifyCase) String() string {
	if c.Size == 0 {
		return fmt.Sprintf("%s/%s", c.Op, c.Shape)
	}
	return fmt.Sprintf("%s/%s/%s", c.Op, c.Shape, c.Size)
}

// VerifyMismatch is an encoding that did not decode back to what was built.
type VerifyMismatch struct {
	VerifyCase
	Text    string
	Bytes   []byte
	Decoded string
	Reason  string
}

func (m VerifyMismatch) String() string {
	return fmt.Sprintf("%s: %s [% x] decoded %q: %s", m.VerifyCase, m.Text, m.Bytes, m.Decoded, m.Reason)
}

// VerifyReport summarizes a VerifyTable run.
type VerifyReport struct {
	Checked int
	// Unverified lists VEX encodings, which x86asm cannot decode.
	Unverified []VerifyCase
	// Skipped lists cases whose ISA feature was not enabled.
	Skipped    []VerifyCase
	Mismatches []VerifyMismatch
}

func (r VerifyReport) OK() bool { return len(r.Mismatches) == 0 }

// VerifyOptions configures VerifyTable.
type VerifyOptions struct {
	// Table defaults to the embedded capability table.
	Table    *Table
	Features Features
	// Progress is called after every case.
	Progress func(done, total int)
}

// VerifyCases lists every combination VerifyTable checks, in table order.
func VerifyCases(table *Table) []VerifyCase {
	if table == nil {
		table = DefaultTable()
	}
	var cases []VerifyCase
	for op := Op(0); op < numOps; op++ {
		c, err := table.Lookup(op)
		if err != nil {
			continue
		}
		sizes := c.Sizes()
		if len(sizes) == 0 {
			sizes = []Size{0}
		}
		for _, shape := range c.Shapes() {
			for _, size := range sizes {
				cases = append(cases, VerifyCase{Op: op, Shape: shape, Size: size})
			}
		}
	}
	return cases
}

// VerifyTable encodes one instruction per opcode, shape and size with
// registers that need REX and SIB bytes, decodes it with x86asm and checks
// the mnemonic and every operand. It returns an error only when the table
// itself cannot be used.
func VerifyTable(opts VerifyOptions) (VerifyReport, error) {
	table := opts.Table
	if table == nil {
		table = DefaultTable()
	}
	var report VerifyReport
	cases := VerifyCases(table)
	for idx, vc := range cases {
		c, err := table.Lookup(vc.Op)
		if err != nil {
			return report, err
		}
		switch {
		case !opts.Features.Has(c.Feature()):
			report.Skipped = append(report.Skipped, vc)
		default:
			report.Checked++
			if m, unverified := verifyCase(table, opts.Features, c, vc); unverified {
				report.Unverified = append(report.Unverified, vc)
			} else if m != nil {
				report.Mismatches = append(report.Mismatches, *m)
			}
		}
		if opts.Progress != nil {
			opts.Progress(idx+1, len(cases))
		}
	}
	return report, nil
}

var (
	verifyGP  = [3]Reg{R9, RSI, R11}
	verifyVec = [3]Reg{X9, X2, X11}
	verifyMem = MemIndex(R13, RCX, 4).WithDisp(0x40)
	verifyImm = ImmInt(0x12)
)

func verifyReg(c *Capability, n int) Reg {
	if c.kind(n) == kindVec {
		return verifyVec[n]
	}
	return verifyGP[n]
}

func buildCase(e *Emitter, c *Capability, vc VerifyCase) error {
	attr := Attr(vc.Size)
	cond := Always
	if c.Form(vc.Shape).CC {
		cond = CondNE
	}
	r0, r1, r2 := verifyReg(c, 0), verifyReg(c, 1), verifyReg(c, 2)
	switch vc.Shape {
	case ShapeNone:
		return e.Ins(vc.Op, attr)
	case ShapeReg:
		if vc.Op == CALL {
			return e.Call(CallReg(r0), asm.RefNone)
		}
		return e.InsRCond(vc.Op, cond, attr, r0)
	case ShapeRegReg:
		return e.InsRRCond(vc.Op, cond, attr, r0, r1)
	case ShapeRegImm:
		return e.InsRI(vc.Op, attr, r0, verifyImm)
	case ShapeRegMem:
		return e.InsRMCond(vc.Op, cond, attr, r0, verifyMem)
	case ShapeMemReg:
		return e.InsMR(vc.Op, attr, verifyMem, r1)
	case ShapeMem:
		if vc.Op == CALL {
			return e.Call(CallMem{verifyMem}, asm.RefNone)
		}
		return e.InsMCond(vc.Op, cond, attr, verifyMem)
	case ShapeMemImm:
		return e.InsMI(vc.Op, attr, verifyMem, verifyImm)
	case ShapeRegRegReg:
		return e.InsRRR(vc.Op, attr, r0, r1, r2)
	case ShapeCall:
		return e.Call(CallSymbol("target"), asm.RefNone)
	case ShapeJump:
		l := e.NewLabel()
		if err := e.Jump(cond, l); err != nil {
			return err
		}
		return e.Bind(l)
	}
	return fmt.Errorf("no builder for shape %s", vc.Shape)
}

// verifyCase returns a mismatch, nil when the case round-trips, or true
// when the encoding is VEX and cannot be decoded by x86asm.
func verifyCase(table *Table, feats Features, c *Capability, vc VerifyCase) (*VerifyMismatch, bool) {
	m := &VerifyMismatch{VerifyCase: vc}
	e := NewEmitter(Config{Features: feats, Table: table})
	if err := buildCase(e, c, vc); err != nil {
		m.Reason = err.Error()
		return m, false
	}
	prog, err := e.Finish()
	if err != nil {
		m.Reason = err.Error()
		return m, false
	}
	spans := prog.Spans()
	m.Bytes = prog.Bytes()
	m.Text = spans[0].Name

	// x86asm has no VEX decoder; it reads C4/C5 as legacy opcodes.
	if usesVEX(c.Form(vc.Shape), feats) {
		return nil, true
	}
	inst, err := x86asm.Decode(m.Bytes, 64)
	if err != nil {
		m.Reason = err.Error()
		return m, false
	}
	m.Decoded = x86asm.IntelSyntax(inst, 0, nil)
	if inst.Len != len(m.Bytes) {
		m.Reason = fmt.Sprintf("decoded %d of %d bytes", inst.Len, len(m.Bytes))
		return m, false
	}
	if names := refNames(c, vc); !slices.Contains(names, inst.Op.String()) {
		m.Reason = fmt.Sprintf("opcode %s, want one of %v", inst.Op, names)
		return m, false
	}
	h := &header{op: vc.Op, cap: c, attr: Attr(vc.Size)}
	args := wantArgs(h, vc)
	if f := c.Form(vc.Shape); f.NDS && usesVEX(f, feats) && len(args) > 0 {
		// The VEX rendering repeats the destination as the first source.
		args = append([]x86asm.Arg{args[0]}, args...)
	}
	for n, want := range args {
		if reason := compareArg(inst.Args[n], want, vc.Size); reason != "" {
			m.Reason = fmt.Sprintf("operand %d: %s", n, reason)
			return m, false
		}
	}
	return nil, false
}

// refNames are the x86asm opcode names an entry may decode as.
func refNames(c *Capability, vc VerifyCase) []string {
	if c.Form(vc.Shape).CC {
		h := header{op: vc.Op, cond: CondNE}
		return []string{strings.ToUpper(h.mnemonic())}
	}
	if len(c.Ref) > 0 {
		return c.Ref
	}
	return []string{strings.ToUpper(c.Name)}
}

func wantArgs(h *header, vc VerifyCase) []x86asm.Arg {
	c := h.cap
	reg := func(n int) x86asm.Arg {
		r := verifyReg(c, n)
		return x86Reg(r, h.regSize(n, r))
	}
	mem := x86asm.Mem{Base: x86asm.R13, Index: x86asm.RCX, Scale: 4, Disp: 0x40}
	imm := x86asm.Imm(verifyImm.Value())
	switch vc.Shape {
	case ShapeReg:
		return []x86asm.Arg{reg(0)}
	case ShapeRegReg:
		return []x86asm.Arg{reg(0), reg(1)}
	case ShapeRegImm:
		return []x86asm.Arg{reg(0), imm}
	case ShapeRegMem:
		return []x86asm.Arg{reg(0), mem}
	case ShapeMemReg:
		return []x86asm.Arg{mem, reg(1)}
	case ShapeMem:
		return []x86asm.Arg{mem}
	case ShapeMemImm:
		return []x86asm.Arg{mem, imm}
	case ShapeRegRegReg:
		return []x86asm.Arg{
			x86Reg(verifyReg(c, 0), h.regSize(0, verifyReg(c, 0))),
			x86Reg(verifyReg(c, 1), h.regSize(0, verifyReg(c, 1))),
			x86Reg(verifyReg(c, 2), h.regSize(0, verifyReg(c, 2))),
		}
	}
	return nil
}

// x86Reg names r at size the way x86asm reports it.
func x86Reg(r Reg, size Size) x86asm.Reg {
	if r.IsVector() {
		return x86asm.X0 + x86asm.Reg(r-X0)
	}
	switch size {
	case S8:
		switch {
		case r < RSP:
			return x86asm.AL + x86asm.Reg(r)
		case r <= RDI:
			return x86asm.SPB + x86asm.Reg(r-RSP)
		default:
			return x86asm.R8B + x86asm.Reg(r-R8)
		}
	case S16:
		return x86asm.AX + x86asm.Reg(r)
	case S32:
		return x86asm.EAX + x86asm.Reg(r)
	}
	return x86asm.RAX + x86asm.Reg(r)
}

func compareArg(got, want x86asm.Arg, size Size) string {
	switch want := want.(type) {
	case x86asm.Reg:
		if got != want {
			return fmt.Sprintf("register %v, want %v", got, want)
		}
	case x86asm.Mem:
		m, ok := got.(x86asm.Mem)
		if !ok {
			return fmt.Sprintf("%v is not memory", got)
		}
		if m.Base != want.Base || int32(m.Disp) != int32(want.Disp) {
			return fmt.Sprintf("memory %v, want %v", m, want)
		}
		if want.Index != 0 && (m.Index != want.Index || m.Scale != want.Scale) {
			return fmt.Sprintf("memory index %v*%d, want %v*%d", m.Index, m.Scale, want.Index, want.Scale)
		}
	case x86asm.Imm:
		imm, ok := got.(x86asm.Imm)
		if !ok {
			return fmt.Sprintf("%v is not an immediate", got)
		}
		mask := int64(-1)
		if size != 0 && size < S64 {
			mask = 1<<size.Bits() - 1
		}
		if int64(imm)&mask != int64(want)&mask {
			return fmt.Sprintf("immediate %#x, want %#x", int64(imm), int64(want))
		}
	}
	return ""
}
