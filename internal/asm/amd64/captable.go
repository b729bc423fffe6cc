package amd64

import (
	_ "embed"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"
)

//go:embed captable.yaml
var defaultTableYAML []byte

// Op identifies an opcode in the capability table.
type Op uint16

const (
	ADD Op = iota
	OR
	ADC
	SBB
	AND
	SUB
	XOR
	CMP
	TEST
	MOV
	MOVZXB
	MOVZXW
	MOVSXB
	MOVSXW
	MOVSXD
	LEA
	XCHG
	CMOV
	SET
	SHL
	SHR
	SAR
	ROL
	ROR
	INC
	DEC
	NEG
	NOT
	IMUL
	MUL
	IMUL1
	DIV
	IDIV
	CQO
	PUSH
	POP
	BSWAP
	POPCNT
	TZCNT
	RET
	NOP
	INT3
	UD2
	SYSCALL
	CALL
	JMP
	JCC
	MOVSD
	MOVSS
	MOVAPS
	MOVUPS
	MOVAPD
	MOVDQA
	MOVDQU
	ADDSD
	SUBSD
	MULSD
	DIVSD
	SQRTSD
	ADDSS
	SUBSS
	MULSS
	DIVSS
	ADDPS
	MULPS
	XORPS
	XORPD
	ANDPS
	PXOR
	PADDD
	PADDQ
	UCOMISD
	UCOMISS
	CVTSI2SD
	CVTTSD2SI
	MOVI2X
	MOVX2I
	VMOVDQU
	VMOVDQA
	VMOVAPS
	VMOVUPS
	VADDPS
	VADDPD
	VSUBPS
	VMULPS
	VDIVPS
	VXORPS
	VANDPS
	VPXOR
	VPADDD
	VPSHUFB
	VZEROUPPER
	ANDN
	SHLX
	SARX
	SHRX

	numOps
)

var opNames = [numOps]string{
	ADD: "add", OR: "or", ADC: "adc", SBB: "sbb", AND: "and", SUB: "sub", XOR: "xor", CMP: "cmp", TEST: "test",
	MOV: "mov", MOVZXB: "movzxb", MOVZXW: "movzxw", MOVSXB: "movsxb", MOVSXW: "movsxw", MOVSXD: "movsxd",
	LEA: "lea", XCHG: "xchg", CMOV: "cmov", SET: "set",
	SHL: "shl", SHR: "shr", SAR: "sar", ROL: "rol", ROR: "ror",
	INC: "inc", DEC: "dec", NEG: "neg", NOT: "not",
	IMUL: "imul", MUL: "mul", IMUL1: "imul1", DIV: "div", IDIV: "idiv", CQO: "cqo",
	PUSH: "push", POP: "pop", BSWAP: "bswap", POPCNT: "popcnt", TZCNT: "tzcnt",
	RET: "ret", NOP: "nop", INT3: "int3", UD2: "ud2", SYSCALL: "syscall",
	CALL: "call", JMP: "jmp", JCC: "jcc",
	MOVSD: "movsd", MOVSS: "movss", MOVAPS: "movaps", MOVUPS: "movups", MOVAPD: "movapd", MOVDQA: "movdqa", MOVDQU: "movdqu",
	ADDSD: "addsd", SUBSD: "subsd", MULSD: "mulsd", DIVSD: "divsd", SQRTSD: "sqrtsd",
	ADDSS: "addss", SUBSS: "subss", MULSS: "mulss", DIVSS: "divss",
	ADDPS: "addps", MULPS: "mulps", XORPS: "xorps", XORPD: "xorpd", ANDPS: "andps",
	PXOR: "pxor", PADDD: "paddd", PADDQ: "paddq",
	UCOMISD: "ucomisd", UCOMISS: "ucomiss", CVTSI2SD: "cvtsi2sd", CVTTSD2SI: "cvttsd2si",
	MOVI2X: "movi2x", MOVX2I: "movx2i",
	VMOVDQU: "vmovdqu", VMOVDQA: "vmovdqa", VMOVAPS: "vmovaps", VMOVUPS: "vmovups",
	VADDPS: "vaddps", VADDPD: "vaddpd", VSUBPS: "vsubps", VMULPS: "vmulps", VDIVPS: "vdivps",
	VXORPS: "vxorps", VANDPS: "vandps", VPXOR: "vpxor", VPADDD: "vpaddd", VPSHUFB: "vpshufb",
	VZEROUPPER: "vzeroupper", ANDN: "andn", SHLX: "shlx", SARX: "sarx", SHRX: "shrx",
}

func (op Op) String() string {
	if op < numOps {
		return opNames[op]
	}
	return fmt.Sprintf("Op(%d)", uint16(op))
}

// ParseOp looks an opcode up by its table name.
func ParseOp(name string) (Op, error) {
	name = strings.ToLower(name)
	for idx, n := range opNames {
		if n == name {
			return Op(idx), nil
		}
	}
	return 0, fmt.Errorf("unknown opcode %q", name)
}

// Class groups opcodes by how the emitter treats them.
type Class uint8

const (
	ClassALU Class = iota
	ClassMove
	ClassLEA
	ClassXchg
	ClassShift
	ClassUnary
	ClassMulDiv
	ClassStack
	ClassCmov
	ClassSetcc
	ClassBranch
	ClassCall
	ClassMisc
	ClassVector
)

var classNames = map[string]Class{
	"alu":    ClassALU,
	"move":   ClassMove,
	"lea":    ClassLEA,
	"xchg":   ClassXchg,
	"shift":  ClassShift,
	"unary":  ClassUnary,
	"muldiv": ClassMulDiv,
	"stack":  ClassStack,
	"cmov":   ClassCmov,
	"setcc":  ClassSetcc,
	"branch": ClassBranch,
	"call":   ClassCall,
	"misc":   ClassMisc,
	"vector": ClassVector,
}

// FlagEffect describes how an opcode touches the arithmetic flags.
type FlagEffect uint8

const (
	FlagsReads FlagEffect = 1 << iota
	FlagsWrites
)

func (f FlagEffect) String() string {
	switch f {
	case FlagsReads:
		return "r"
	case FlagsWrites:
		return "w"
	case FlagsReads | FlagsWrites:
		return "rw"
	}
	return "-"
}

type sizeSet uint8

func sizeBit(s Size) sizeSet {
	switch s {
	case S8:
		return 1 << 0
	case S16:
		return 1 << 1
	case S32:
		return 1 << 2
	case S64:
		return 1 << 3
	case S128:
		return 1 << 4
	case S256:
		return 1 << 5
	}
	return 0
}

func (s sizeSet) has(size Size) bool { return s&sizeBit(size) != 0 }

type regSet uint32

func (s regSet) has(r Reg) bool { return r < numRegs && s&(1<<r) != 0 }

func (s regSet) each(fn func(Reg)) {
	for r := Reg(0); r < numRegs; r++ {
		if s.has(r) {
			fn(r)
		}
	}
}

type regKind uint8

const (
	kindGP regKind = iota
	kindVec
)

type immKind uint8

const (
	immNone immKind = iota
	immByte
	immZ
	immV
)

type rexWMode uint8

const (
	rexWSize rexWMode = iota
	rexWNever
	rexWAlways
)

// Capability is the consumed metadata for one opcode.
type Capability struct {
	Name      string           `yaml:"name"`
	ClassName string           `yaml:"class"`
	SizeList  []int            `yaml:"sizes"`
	FlagsName string           `yaml:"flags"`
	NoWrite   bool             `yaml:"nowrite"`
	Widens    []string         `yaml:"widens"`
	Clobbers  []string         `yaml:"clobbers"`
	Requires  string           `yaml:"requires"`
	Vector    bool             `yaml:"vector"`
	Regs      string           `yaml:"regs"`
	SrcSize   int              `yaml:"srcsize"`
	Ref       []string         `yaml:"ref"`
	Forms     map[string]*Form `yaml:"forms"`

	op       Op
	class    Class
	sizes    sizeSet
	flags    FlagEffect
	widens   sizeSet
	clobbers regSet
	feature  Feature
	kinds    []regKind
	forms    [numShapes]*Form
}

// Form is the encoding of one opcode/shape pair.
type Form struct {
	Opcode  hexBytes `yaml:"op"`
	Opcode8 hexBytes `yaml:"op8"`
	Ext     *uint8   `yaml:"ext"`
	Imm     string   `yaml:"imm"`
	Short   hexBytes `yaml:"short"`
	Sext    hexBytes `yaml:"sext"`
	Long    hexBytes `yaml:"long"`
	PlusR   bool     `yaml:"plusr"`
	RegDst  bool     `yaml:"regdst"`
	Prefix  hexBytes `yaml:"prefix"`
	RexW    string   `yaml:"rexw"`
	CC      bool     `yaml:"cc"`
	Vexable bool     `yaml:"vexable"`
	NDS     bool     `yaml:"nds"`
	VEX     *VEXForm `yaml:"vex"`

	ext  int8
	imm  immKind
	rexW rexWMode
}

// VEXForm describes the fields of a VEX-only encoding.
type VEXForm struct {
	Map   string `yaml:"map"`
	PP    string `yaml:"pp"`
	W     string `yaml:"w"`
	Order string `yaml:"order"`

	mmmmm byte
	pp    byte
	w     rexWMode
	ndd   bool
}

type hexBytes []byte

func (h *hexBytes) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: opcode bytes must be a scalar", value.Line)
	}
	var out []byte
	for _, field := range strings.Fields(value.Value) {
		b, err := hex.DecodeString(field)
		if err != nil || len(b) != 1 {
			return fmt.Errorf("line %d: invalid opcode byte %q", value.Line, field)
		}
		out = append(out, b[0])
	}
	*h = out
	return nil
}

// Table is the capability table: every opcode the emitter can encode.
type Table struct {
	Version string        `yaml:"version"`
	Entries []*Capability `yaml:"opcodes"`

	byOp [numOps]*Capability
}

var (
	defaultTable     *Table
	defaultTableErr  error
	defaultTableOnce sync.Once
)

// DefaultTable returns the embedded capability table.
func DefaultTable() *Table {
	defaultTableOnce.Do(func() {
		defaultTable, defaultTableErr = LoadTable(defaultTableYAML)
	})
	if defaultTableErr != nil {
		panic(fmt.Sprintf("embedded capability table: %v", defaultTableErr))
	}
	return defaultTable
}

// LoadTable decodes and validates a capability table. Every Op must have
// exactly one entry.
func LoadTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode capability table: %w", err)
	}
	if err := t.normalize(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Table) normalize() error {
	if !semver.IsValid(t.Version) {
		return fmt.Errorf("capability table version %q is not a semantic version", t.Version)
	}
	if semver.Major(t.Version) != "v1" {
		return fmt.Errorf("capability table version %s unsupported (want v1.x)", t.Version)
	}
	for _, c := range t.Entries {
		op, err := ParseOp(c.Name)
		if err != nil {
			return err
		}
		if t.byOp[op] != nil {
			return fmt.Errorf("opcode %s listed twice", c.Name)
		}
		c.op = op
		if err := c.normalize(); err != nil {
			return fmt.Errorf("opcode %s: %w", c.Name, err)
		}
		t.byOp[op] = c
	}
	for op := Op(0); op < numOps; op++ {
		if t.byOp[op] == nil {
			return fmt.Errorf("opcode %s missing from capability table", op)
		}
	}
	return nil
}

func (c *Capability) normalize() error {
	class, ok := classNames[c.ClassName]
	if !ok {
		return fmt.Errorf("unknown class %q", c.ClassName)
	}
	c.class = class

	for _, bits := range c.SizeList {
		bit := sizeBit(Size(bits / 8))
		if bit == 0 || bits%8 != 0 {
			return fmt.Errorf("invalid size %d", bits)
		}
		c.sizes |= bit
	}

	switch c.FlagsName {
	case "":
	case "r":
		c.flags = FlagsReads
	case "w":
		c.flags = FlagsWrites
	case "rw":
		c.flags = FlagsReads | FlagsWrites
	default:
		return fmt.Errorf("invalid flags %q", c.FlagsName)
	}

	for _, w := range c.Widens {
		if w == "all" {
			c.widens = 0xff
			continue
		}
		bits, err := strconv.Atoi(w)
		if err != nil || sizeBit(Size(bits/8)) == 0 {
			return fmt.Errorf("invalid widening size %q", w)
		}
		c.widens |= sizeBit(Size(bits / 8))
	}

	var err error
	if c.clobbers, err = parseRegSet(c.Clobbers); err != nil {
		return err
	}
	if c.feature, err = ParseFeature(c.Requires); err != nil {
		return err
	}

	for _, k := range c.Regs {
		switch k {
		case 'g':
			c.kinds = append(c.kinds, kindGP)
		case 'x':
			c.kinds = append(c.kinds, kindVec)
		default:
			return fmt.Errorf("invalid register kind %q", k)
		}
	}

	if len(c.Forms) == 0 {
		return fmt.Errorf("no forms")
	}
	for key, f := range c.Forms {
		shape, err := parseShapeKey(key)
		if err != nil {
			return err
		}
		if err := f.normalize(); err != nil {
			return fmt.Errorf("form %s: %w", key, err)
		}
		c.forms[shape] = f
	}
	return nil
}

func (f *Form) normalize() error {
	f.ext = -1
	if f.Ext != nil {
		if *f.Ext > 7 {
			return fmt.Errorf("opcode extension %d out of range", *f.Ext)
		}
		f.ext = int8(*f.Ext)
	}
	switch f.Imm {
	case "":
		f.imm = immNone
	case "ib":
		f.imm = immByte
	case "iz":
		f.imm = immZ
	case "iv":
		f.imm = immV
	default:
		return fmt.Errorf("invalid immediate kind %q", f.Imm)
	}
	switch f.RexW {
	case "", "size":
		f.rexW = rexWSize
	case "never":
		f.rexW = rexWNever
	case "always":
		f.rexW = rexWAlways
	default:
		return fmt.Errorf("invalid rexw %q", f.RexW)
	}
	if len(f.Prefix) > 1 {
		return fmt.Errorf("at most one mandatory prefix")
	}
	if len(f.Opcode) == 0 {
		return fmt.Errorf("missing opcode")
	}
	if f.VEX != nil {
		if err := f.VEX.normalize(); err != nil {
			return err
		}
	}
	return nil
}

func (v *VEXForm) normalize() error {
	switch strings.ToUpper(v.Map) {
	case "", "0F":
		v.mmmmm = 1
	case "0F38":
		v.mmmmm = 2
	case "0F3A":
		v.mmmmm = 3
	default:
		return fmt.Errorf("invalid VEX map %q", v.Map)
	}
	pp, err := ppBits(strings.ToUpper(v.PP))
	if err != nil {
		return err
	}
	v.pp = pp
	switch v.W {
	case "", "0":
		v.w = rexWNever
	case "1":
		v.w = rexWAlways
	case "size":
		v.w = rexWSize
	default:
		return fmt.Errorf("invalid VEX.W %q", v.W)
	}
	switch v.Order {
	case "", "nds":
	case "ndd":
		v.ndd = true
	default:
		return fmt.Errorf("invalid VEX operand order %q", v.Order)
	}
	return nil
}

func ppBits(prefix string) (byte, error) {
	switch prefix {
	case "", "NONE":
		return 0, nil
	case "66":
		return 1, nil
	case "F3":
		return 2, nil
	case "F2":
		return 3, nil
	}
	return 0, fmt.Errorf("invalid VEX pp %q", prefix)
}

func parseRegSet(names []string) (regSet, error) {
	var set regSet
	for _, name := range names {
		r, err := ParseReg(name)
		if err != nil {
			return 0, err
		}
		set |= 1 << r
	}
	return set, nil
}

// Lookup returns the capability entry for op.
func (t *Table) Lookup(op Op) (*Capability, error) {
	if op >= numOps || t.byOp[op] == nil {
		return nil, fmt.Errorf("opcode %d not in capability table", op)
	}
	return t.byOp[op], nil
}

func (c *Capability) Op() Op               { return c.op }
func (c *Capability) Class() Class         { return c.class }
func (c *Capability) Flags() FlagEffect    { return c.flags }
func (c *Capability) Feature() Feature     { return c.feature }
func (c *Capability) Form(s Shape) *Form   { return c.forms[s] }
func (c *Capability) SupportsSize(s Size) bool { return c.sizes == 0 || c.sizes.has(s) }

// Sizes lists the operand sizes the opcode accepts, smallest first.
func (c *Capability) Sizes() []Size {
	var out []Size
	for _, s := range []Size{S8, S16, S32, S64, S128, S256} {
		if c.sizes.has(s) {
			out = append(out, s)
		}
	}
	return out
}

// Shapes lists the operand shapes the opcode has encodings for.
func (c *Capability) Shapes() []Shape {
	var out []Shape
	for s := Shape(0); s < numShapes; s++ {
		if c.forms[s] != nil {
			out = append(out, s)
		}
	}
	return out
}

// widensAt reports whether a register-to-register move of this opcode at
// size changes bits outside the moved value.
func (c *Capability) widensAt(size Size) bool { return c.widens.has(size) }

// kind returns the register class of the n-th register operand.
func (c *Capability) kind(n int) regKind {
	if n < len(c.kinds) {
		return c.kinds[n]
	}
	if c.Vector {
		return kindVec
	}
	return kindGP
}

// sourceSize is the size of the source operand of widening moves.
func (c *Capability) sourceSize(size Size) Size {
	if c.SrcSize != 0 {
		return Size(c.SrcSize / 8)
	}
	return size
}
