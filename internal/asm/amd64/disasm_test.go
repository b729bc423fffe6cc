package amd64

import (
	"bytes"
	"strings"
	"testing"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/jitx86/internal/asm"
)

func listingProgram(t *testing.T) asm.Program {
	t.Helper()
	e := NewEmitter(Config{Features: Features{BMI1: true}})
	must(t,
		e.MovFromMemory(GCRef, RAX, Mem(RDI)),
		e.MovReg(GCRef, RAX, RAX),
		e.CallSymbol("f", asm.RefObject),
		e.InsRRR(ANDN, A64, RDX, RBX, RCX),
		e.Ret(),
	)
	return mustFinish(t, e)
}

func TestDisassembleListing(t *testing.T) {
	prog := listingProgram(t)
	var buf bytes.Buffer
	if err := Disassemble(&buf, prog, DisasmOptions{Base: 0x1000}); err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"group 0:",
		"  0x001000  48 8b 07 ",
		"  0x001003  e8 00 00 00 00 ",
		"mov rax, qword ptr [rdi]",
		"; gc rax=object",
		"; elided mov rax, rax",
		"rel32 f-4",
		"andn rdx, rbx, rcx",
		"ret",
		"; live at exit {rax=object}",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("listing missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("plain listing contains escape sequences:\n%s", out)
	}
}

func TestDisassembleColorStrips(t *testing.T) {
	prog := listingProgram(t)
	var plain, color bytes.Buffer
	if err := Disassemble(&plain, prog, DisasmOptions{}); err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	if err := Disassemble(&color, prog, DisasmOptions{Color: true}); err != nil {
		t.Fatalf("Disassemble failed: %v", err)
	}
	if !strings.Contains(color.String(), "\x1b[") {
		t.Fatalf("color listing has no escape sequences")
	}
	if got, want := ansi.Strip(color.String()), plain.String(); got != want {
		t.Fatalf("stripped listing differs:\n%s\nwant:\n%s", got, want)
	}
}

func TestDisassembleSyntax(t *testing.T) {
	prog := listingProgram(t)
	tests := []struct {
		syntax string
		want   string
	}{
		{"intel", "qword ptr [rdi]"},
		{"att", "(%rdi),%rax"},
		{"go", "(DI), AX"},
	}
	for _, tc := range tests {
		t.Run(tc.syntax, func(t *testing.T) {
			syntax, err := ParseSyntax(tc.syntax)
			if err != nil {
				t.Fatalf("ParseSyntax failed: %v", err)
			}
			var buf bytes.Buffer
			if err := Disassemble(&buf, prog, DisasmOptions{Syntax: syntax, NoGC: true}); err != nil {
				t.Fatalf("Disassemble failed: %v", err)
			}
			if !strings.Contains(buf.String(), tc.want) {
				t.Fatalf("listing missing %q:\n%s", tc.want, buf.String())
			}
			if strings.Contains(buf.String(), "; gc") {
				t.Fatalf("NoGC listing has gc notes:\n%s", buf.String())
			}
		})
	}
	if _, err := ParseSyntax("masm"); err == nil {
		t.Fatalf("expected error for unknown syntax")
	}
}
