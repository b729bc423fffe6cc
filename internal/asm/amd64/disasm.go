package amd64

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/jitx86/internal/asm"
)

// Syntax selects the assembler dialect of a listing.
type Syntax uint8

const (
	SyntaxIntel Syntax = iota
	SyntaxATT
	SyntaxGo
)

func (s Syntax) String() string {
	switch s {
	case SyntaxATT:
		return "att"
	case SyntaxGo:
		return "go"
	default:
		return "intel"
	}
}

func ParseSyntax(s string) (Syntax, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "intel":
		return SyntaxIntel, nil
	case "att", "gnu":
		return SyntaxATT, nil
	case "go", "plan9":
		return SyntaxGo, nil
	}
	return SyntaxIntel, fmt.Errorf("unknown syntax %q", s)
}

// DisasmOptions configures Disassemble.
type DisasmOptions struct {
	Syntax Syntax
	// Base is the address printed for the first byte.
	Base uint64
	// Color emits ANSI styles.
	Color bool
	// NoGC hides the liveness annotations.
	NoGC bool
}

var (
	styleAddr    = ansi.Style{}.Faint()
	styleBytes   = ansi.Style{}.ForegroundColor(ansi.BrightBlack)
	styleGroup   = ansi.Style{}.Bold().ForegroundColor(ansi.Blue)
	styleElided  = ansi.Style{}.Faint().ForegroundColor(ansi.Yellow)
	styleReloc   = ansi.Style{}.ForegroundColor(ansi.Magenta)
	styleGC      = ansi.Style{}.ForegroundColor(ansi.Cyan)
	styleUnknown = ansi.Style{}.ForegroundColor(ansi.Red)
)

type listing struct {
	w     *bufio.Writer
	opts  DisasmOptions
	code  []byte
	rels  []asm.Relocation
	delta []asm.GCDelta
}

func (l *listing) style(s ansi.Style, text string) string {
	if !l.opts.Color {
		return text
	}
	return s.Styled(text)
}

// Disassemble writes a listing of prog to w: one line per instruction with
// its address and bytes, the relocations patched inside it and the GC
// liveness changes that take effect after it. Elided moves are listed as
// comments. Bytes x86asm cannot decode fall back to the emitter's own
// rendering of the instruction.
func Disassemble(w io.Writer, prog asm.Program, opts DisasmOptions) error {
	l := &listing{
		w:     bufio.NewWriter(w),
		opts:  opts,
		code:  prog.Bytes(),
		rels:  prog.Relocations(),
		delta: prog.GCDeltas(),
	}
	group := -1
	for _, span := range prog.Spans() {
		if span.Group != group {
			group = span.Group
			fmt.Fprintf(l.w, "%s\n", l.style(styleGroup, fmt.Sprintf("group %d:", group)))
		}
		if span.Elided {
			fmt.Fprintf(l.w, "  %s\n", l.style(styleElided, fmt.Sprintf("0x%06x  ; elided %s", opts.Base+uint64(span.Offset), span.Name)))
			continue
		}
		if err := l.instruction(span); err != nil {
			return err
		}
	}
	if len(l.delta) > 0 && !opts.NoGC {
		fmt.Fprintf(l.w, "%s\n", l.style(styleGC, "; live at exit "+l.liveNames(prog.LiveAt(prog.Len()))))
	}
	return l.w.Flush()
}

func (l *listing) instruction(span asm.Span) error {
	if span.Offset < 0 || span.Offset+span.Len > len(l.code) {
		return fmt.Errorf("disassemble: span %q at %#x outside code", span.Name, span.Offset)
	}
	raw := l.code[span.Offset : span.Offset+span.Len]
	pc := l.opts.Base + uint64(span.Offset)

	text, ok := l.decode(raw, pc)
	if !ok {
		text = l.style(styleUnknown, span.Name)
	}
	addr := fmt.Sprintf("0x%06x", pc)
	hex := fmt.Sprintf("%-30s", fmt.Sprintf("% x", raw))
	fmt.Fprintf(l.w, "  %s  %s %s", l.style(styleAddr, addr), l.style(styleBytes, hex), text)

	var notes []string
	for _, rel := range l.rels {
		if rel.Offset >= span.Offset && rel.Offset < span.Offset+span.Len {
			notes = append(notes, l.style(styleReloc, fmt.Sprintf("%s %s%+d", rel.Kind, rel.Target, rel.Addend)))
		}
	}
	if !l.opts.NoGC {
		end := span.Offset + span.Len
		for _, d := range l.delta {
			if d.Offset == end {
				notes = append(notes, l.style(styleGC, l.deltaName(d)))
			}
		}
	}
	if len(notes) > 0 {
		fmt.Fprintf(l.w, "  ; %s", strings.Join(notes, ", "))
	}
	_, err := l.w.WriteString("\n")
	return err
}

// decode returns the rendering of raw when x86asm decodes it as exactly one
// instruction. VEX encodings are left to the emitter's rendering since
// x86asm reads C4/C5 as legacy opcodes.
func (l *listing) decode(raw []byte, pc uint64) (string, bool) {
	if len(raw) > 0 && (raw[0] == 0xC4 || raw[0] == 0xC5) {
		return "", false
	}
	inst, err := x86asm.Decode(raw, 64)
	if err != nil || inst.Len != len(raw) {
		return "", false
	}
	switch l.opts.Syntax {
	case SyntaxATT:
		return x86asm.GNUSyntax(inst, pc, nil), true
	case SyntaxGo:
		return x86asm.GoSyntax(inst, pc, nil), true
	default:
		return x86asm.IntelSyntax(inst, pc, nil), true
	}
}

func locationName(loc asm.Location) string {
	if loc.IsSlot() {
		return loc.String()
	}
	return Reg(loc.Reg()).String()
}

func (l *listing) deltaName(d asm.GCDelta) string {
	if d.Kind == asm.RefNone {
		return "gc " + locationName(d.Loc) + " dead"
	}
	return "gc " + locationName(d.Loc) + "=" + d.Kind.String()
}

func (l *listing) liveNames(live asm.LiveSet) string {
	names := make([]string, 0, len(live))
	for loc, kind := range live {
		names = append(names, locationName(loc)+"="+kind.String())
	}
	sort.Strings(names)
	return "{" + strings.Join(names, " ") + "}"
}
