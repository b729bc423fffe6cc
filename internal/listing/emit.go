package listing

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tinyrange/jitx86/internal/asm"
	"github.com/tinyrange/jitx86/internal/asm/amd64"
)

type operandKind uint8

const (
	operandReg operandKind = iota
	operandImm
	operandMem
	operandName
)

type operand struct {
	kind operandKind
	reg  amd64.Reg
	// size is the width implied by a register name or a ptr keyword.
	size amd64.Size
	imm  amd64.Imm
	mem  amd64.Memory
	name string
}

// mnemonic is an instruction name with its dotted suffixes: an operand
// size, a reference kind or "long" for jumps.
type mnemonic struct {
	op   amd64.Op
	cond amd64.Cond
	cc   bool
	size amd64.Size
	ref  asm.RefKind
	long bool
}

func parseMnemonic(text string) (mnemonic, error) {
	parts := strings.Split(strings.ToLower(text), ".")
	var m mnemonic
	if err := m.parseOp(parts[0]); err != nil {
		return m, err
	}
	for _, suffix := range parts[1:] {
		switch suffix {
		case "8", "16", "32", "64", "128", "256":
			bits, _ := strconv.Atoi(suffix)
			m.size = amd64.Size(bits / 8)
		case "long":
			m.long = true
		default:
			ref, err := asm.ParseRefKind(suffix)
			if err != nil {
				return m, fmt.Errorf("unknown suffix %q", suffix)
			}
			m.ref = ref
		}
	}
	return m, nil
}

func (m *mnemonic) parseOp(name string) error {
	if op, err := amd64.ParseOp(name); err == nil {
		m.op = op
		return nil
	}
	for _, p := range []struct {
		prefix string
		op     amd64.Op
	}{
		{"cmov", amd64.CMOV},
		{"set", amd64.SET},
		{"j", amd64.JCC},
	} {
		if !strings.HasPrefix(name, p.prefix) {
			continue
		}
		cond, err := amd64.ParseCond(strings.TrimPrefix(name, p.prefix))
		if err != nil {
			continue
		}
		m.op, m.cond, m.cc = p.op, cond, true
		return nil
	}
	return fmt.Errorf("unknown instruction %q", name)
}

func (m mnemonic) attr(ops []operand) amd64.Attr {
	size := m.size
	if size == 0 {
		size = impliedSize(ops)
	}
	return amd64.Attr(size).WithRef(m.ref)
}

// impliedSize prefers a general-purpose register, then a vector register,
// then a ptr keyword. Mixed forms such as cvtsi2sd take the integer width.
func impliedSize(ops []operand) amd64.Size {
	var vec, mem amd64.Size
	for _, o := range ops {
		switch {
		case o.kind == operandReg && o.reg.IsGP():
			return o.size
		case o.kind == operandReg && vec == 0:
			vec = o.size
		case o.kind == operandMem && mem == 0:
			mem = o.size
		}
	}
	switch {
	case vec != 0:
		return vec
	case mem != 0:
		return mem
	}
	return amd64.S64
}

func emitLine(e *amd64.Emitter, labels map[string]*amd64.Label, text string) error {
	text = stripComment(text)
	if text == "" {
		return nil
	}
	if name, ok := labelName(text); ok {
		return e.Bind(labels[name])
	}
	switch strings.ToLower(text) {
	case "split":
		e.Split()
		return nil
	case "cold":
		e.Cold()
		return nil
	case "hot":
		e.Hot()
		return nil
	}

	head, rest, _ := strings.Cut(text, " ")
	m, err := parseMnemonic(head)
	if err != nil {
		return err
	}
	var ops []operand
	for _, field := range splitOperands(rest) {
		o, err := parseOperand(field)
		if err != nil {
			return err
		}
		ops = append(ops, o)
	}

	switch m.op {
	case amd64.JMP, amd64.JCC:
		return emitJump(e, labels, m, ops)
	case amd64.CALL:
		return emitCall(e, labels, m, ops)
	}
	return emitIns(e, m, ops)
}

func emitJump(e *amd64.Emitter, labels map[string]*amd64.Label, m mnemonic, ops []operand) error {
	cond := amd64.Always
	if m.cc {
		cond = m.cond
	}
	if len(ops) != 1 {
		return fmt.Errorf("jump takes one operand")
	}
	switch ops[0].kind {
	case operandImm:
		return e.JumpRel(cond, int(ops[0].imm.Value()))
	case operandName:
		l, ok := labels[ops[0].name]
		if !ok {
			return fmt.Errorf("undefined label %q", ops[0].name)
		}
		if m.long {
			return e.JumpLong(cond, l)
		}
		return e.Jump(cond, l)
	}
	return fmt.Errorf("jump target must be a label or an instruction count")
}

func emitCall(e *amd64.Emitter, labels map[string]*amd64.Label, m mnemonic, ops []operand) error {
	if len(ops) != 1 {
		return fmt.Errorf("call takes one operand")
	}
	o := ops[0]
	switch o.kind {
	case operandReg:
		return e.Call(amd64.CallReg(o.reg), m.ref)
	case operandMem:
		return e.Call(amd64.CallMem{Memory: o.mem}, m.ref)
	case operandName:
		if l, ok := labels[o.name]; ok {
			return e.Call(amd64.CallLabel{Label: l}, m.ref)
		}
		return e.Call(amd64.CallSymbol(o.name), m.ref)
	}
	return fmt.Errorf("cannot call %s", o.kindName())
}

func emitIns(e *amd64.Emitter, m mnemonic, ops []operand) error {
	attr := m.attr(ops)
	cond := amd64.Always
	if m.cc {
		cond = m.cond
	}
	// Variable shifts name cl explicitly but encode the one-operand form.
	if len(ops) == 2 && ops[1].kind == operandReg && ops[1].reg == amd64.RCX && ops[1].size == amd64.S8 {
		if c, err := e.Table().Lookup(m.op); err == nil && c.Class() == amd64.ClassShift {
			ops = ops[:1]
		}
	}

	shape := make([]operandKind, len(ops))
	for i, o := range ops {
		shape[i] = o.kind
	}
	switch {
	case len(ops) == 0:
		return e.Ins(m.op, attr)
	case match(shape, operandReg):
		return e.InsRCond(m.op, cond, attr, ops[0].reg)
	case match(shape, operandMem):
		return e.InsMCond(m.op, cond, attr, ops[0].mem)
	case match(shape, operandReg, operandReg):
		return e.InsRRCond(m.op, cond, attr, ops[0].reg, ops[1].reg)
	case match(shape, operandReg, operandImm):
		if m.op == amd64.MOV {
			if _, ok := ops[1].imm.Symbol(); !ok {
				return e.MovImmediate(attr, ops[0].reg, ops[1].imm.Value())
			}
		}
		return e.InsRI(m.op, attr, ops[0].reg, ops[1].imm)
	case match(shape, operandReg, operandMem):
		return e.InsRMCond(m.op, cond, attr, ops[0].reg, ops[1].mem)
	case match(shape, operandMem, operandReg):
		return e.InsMR(m.op, attr, ops[0].mem, ops[1].reg)
	case match(shape, operandMem, operandImm):
		return e.InsMI(m.op, attr, ops[0].mem, ops[1].imm)
	case match(shape, operandReg, operandReg, operandReg):
		return e.InsRRR(m.op, attr, ops[0].reg, ops[1].reg, ops[2].reg)
	}
	names := make([]string, len(ops))
	for i, o := range ops {
		names[i] = o.kindName()
	}
	return fmt.Errorf("%s does not take operands (%s)", m.op, strings.Join(names, ", "))
}

func match(shape []operandKind, want ...operandKind) bool {
	if len(shape) != len(want) {
		return false
	}
	for i := range want {
		if shape[i] != want[i] {
			return false
		}
	}
	return true
}

func (o operand) kindName() string {
	switch o.kind {
	case operandReg:
		return "register"
	case operandImm:
		return "immediate"
	case operandMem:
		return "memory"
	default:
		return "name"
	}
}

func stripComment(text string) string {
	if i := strings.IndexByte(text, ';'); i >= 0 {
		text = text[:i]
	}
	return strings.TrimSpace(text)
}

// splitOperands splits on commas outside brackets.
func splitOperands(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, c := range s {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	if last := strings.TrimSpace(s[start:]); last != "" || len(out) > 0 {
		out = append(out, last)
	}
	return out
}

var ptrSizes = map[string]amd64.Size{
	"byte":    amd64.S8,
	"word":    amd64.S16,
	"dword":   amd64.S32,
	"qword":   amd64.S64,
	"xmmword": amd64.S128,
	"ymmword": amd64.S256,
}

func parseOperand(s string) (operand, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return operand{}, fmt.Errorf("empty operand")
	}
	var size amd64.Size
	if word, rest, ok := strings.Cut(s, " "); ok {
		if sz, isPtr := ptrSizes[strings.ToLower(word)]; isPtr {
			size = sz
			s = strings.TrimSpace(rest)
			if len(s) >= 3 && strings.EqualFold(s[:3], "ptr") {
				s = strings.TrimSpace(s[3:])
			}
		}
	}
	if strings.HasPrefix(s, "[") {
		if !strings.HasSuffix(s, "]") {
			return operand{}, fmt.Errorf("unterminated memory operand %q", s)
		}
		mem, err := parseMemory(s[1 : len(s)-1])
		if err != nil {
			return operand{}, err
		}
		return operand{kind: operandMem, mem: mem, size: size}, nil
	}
	if size != 0 {
		return operand{}, fmt.Errorf("%q: ptr size on a non-memory operand", s)
	}
	if strings.HasPrefix(s, "&") {
		sym, addend, err := parseSymbolRef(s[1:])
		if err != nil {
			return operand{}, err
		}
		return operand{kind: operandImm, imm: amd64.ImmSym(sym, addend)}, nil
	}
	if v, err := strconv.ParseInt(s, 0, 64); err == nil {
		return operand{kind: operandImm, imm: amd64.ImmInt(v)}, nil
	}
	if u, err := strconv.ParseUint(s, 0, 64); err == nil {
		return operand{kind: operandImm, imm: amd64.ImmInt(int64(u))}, nil
	}
	if r, size, ok := parseReg(s); ok {
		return operand{kind: operandReg, reg: r, size: size}, nil
	}
	if !isIdent(s) {
		return operand{}, fmt.Errorf("cannot parse operand %q", s)
	}
	return operand{kind: operandName, name: s}, nil
}

// parseReg returns the register and the width its name implies.
func parseReg(s string) (amd64.Reg, amd64.Size, bool) {
	r, err := amd64.ParseReg(s)
	if err != nil {
		return amd64.NoReg, 0, false
	}
	s = strings.ToLower(s)
	switch {
	case strings.HasPrefix(s, "ymm"):
		return r, amd64.S256, true
	case strings.HasPrefix(s, "xmm"):
		return r, amd64.S128, true
	}
	for _, size := range []amd64.Size{amd64.S8, amd64.S16, amd64.S32, amd64.S64} {
		if r.Name(size) == s {
			return r, size, true
		}
	}
	return r, amd64.S64, true
}

func parseSymbolRef(s string) (asm.Symbol, int64, error) {
	name, addend := s, int64(0)
	if i := strings.IndexAny(s, "+-"); i > 0 {
		v, err := strconv.ParseInt(s[i:], 0, 64)
		if err != nil {
			return "", 0, fmt.Errorf("bad addend in %q", s)
		}
		name, addend = s[:i], v
	}
	if !isIdent(name) {
		return "", 0, fmt.Errorf("bad symbol %q", name)
	}
	return asm.Symbol(name), addend, nil
}

// parseMemory accepts sums of a base register, index*scale, a
// displacement, one frame local (localN) or one data symbol.
func parseMemory(s string) (amd64.Memory, error) {
	var (
		base, index = amd64.NoReg, amd64.NoReg
		scale       = uint8(1)
		disp        int64
		sym         string
		local       = -1
		hasReg      bool
	)
	for _, term := range splitTerms(s) {
		neg := strings.HasPrefix(term, "-")
		body := strings.TrimSpace(strings.TrimLeft(term, "+-"))
		if v, err := strconv.ParseInt(body, 0, 64); err == nil {
			if neg {
				v = -v
			}
			disp += v
			continue
		}
		if neg {
			return nil, fmt.Errorf("only displacements may be subtracted in [%s]", s)
		}
		if regName, scaleText, ok := strings.Cut(body, "*"); ok {
			r, _, isReg := parseReg(strings.TrimSpace(regName))
			n, err := strconv.ParseUint(strings.TrimSpace(scaleText), 10, 8)
			if !isReg || err != nil {
				return nil, fmt.Errorf("bad index term %q", body)
			}
			if index != amd64.NoReg {
				return nil, fmt.Errorf("two index registers in [%s]", s)
			}
			index, scale, hasReg = r, uint8(n), true
			continue
		}
		if r, _, ok := parseReg(body); ok {
			switch {
			case base == amd64.NoReg:
				base = r
			case index == amd64.NoReg:
				index = r
			default:
				return nil, fmt.Errorf("too many registers in [%s]", s)
			}
			hasReg = true
			continue
		}
		if strings.EqualFold(body, "rip") {
			continue
		}
		if n, ok := strings.CutPrefix(body, "local"); ok {
			if id, err := strconv.Atoi(n); err == nil {
				if local >= 0 {
					return nil, fmt.Errorf("two locals in [%s]", s)
				}
				local = id
				continue
			}
		}
		if !isIdent(body) || sym != "" {
			return nil, fmt.Errorf("bad memory term %q", body)
		}
		sym = body
	}
	if disp < -1<<31 || disp > 1<<31-1 {
		return nil, fmt.Errorf("displacement %d out of range", disp)
	}
	d := int32(disp)
	switch {
	case sym != "":
		if hasReg || local >= 0 {
			return nil, fmt.Errorf("symbol %q cannot be combined with registers or locals", sym)
		}
		return amd64.Abs(asm.Symbol(sym), d), nil
	case local >= 0:
		if hasReg {
			return nil, fmt.Errorf("local%d cannot be combined with registers", local)
		}
		return amd64.Local(asm.LocalID(local), d), nil
	case base != amd64.NoReg && index != amd64.NoReg:
		return amd64.MemIndex(base, index, scale).WithDisp(d), nil
	case base != amd64.NoReg:
		return amd64.Mem(base).WithDisp(d), nil
	case index != amd64.NoReg:
		return amd64.MemScaled(index, scale).WithDisp(d), nil
	}
	return nil, fmt.Errorf("memory operand [%s] has no base", s)
}

// splitTerms splits an address expression before every + or -.
func splitTerms(s string) []string {
	var terms []string
	start := 0
	for i := 1; i < len(s); i++ {
		if s[i] == '+' || s[i] == '-' {
			terms = append(terms, strings.TrimSpace(s[start:i]))
			start = i
		}
	}
	return append(terms, strings.TrimSpace(s[start:]))
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c == '_' || c == '.' || c == '$':
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
