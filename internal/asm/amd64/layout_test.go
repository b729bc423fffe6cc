package amd64

import (
	"bytes"
	"testing"

	"github.com/tinyrange/jitx86/internal/asm"
)

func TestBackwardJumpShort(t *testing.T) {
	e := NewEmitter(Config{})
	loop := e.NewNamedLabel("loop")
	must(t,
		e.Bind(loop),
		e.AddRegImm(A64, RAX, 1),
		e.SubRegImm(A64, RDI, 1),
		e.TestRegReg(A64, RDI, RDI),
		e.JumpIfNotEqual(loop),
		e.Ret(),
	)
	prog := mustFinish(t, e)
	want := decodeHex(t, "48 83 c0 01 48 83 ef 01 48 85 ff 75 f3 c3")
	if got := prog.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("bytes=% x, want % x", got, want)
	}
}

func TestBackwardJumpLong(t *testing.T) {
	e := NewEmitter(Config{})
	loop := e.NewLabel()
	must(t, e.Bind(loop))
	for i := 0; i < 30; i++ {
		must(t, e.AddRegImm(A64, RAX, 0x1000))
	}
	must(t, e.JumpIfNotEqual(loop), e.Ret())
	prog := mustFinish(t, e)

	code := prog.Bytes()
	if got, want := len(code), 30*7+6+1; got != want {
		t.Fatalf("len=%d, want %d", got, want)
	}
	// -216 from the end of the jump.
	if got, want := code[210:216], decodeHex(t, "0f 85 28 ff ff ff"); !bytes.Equal(got, want) {
		t.Fatalf("jump=% x, want % x", got, want)
	}
	if got := e.Stats().Demoted; got != 0 {
		t.Fatalf("demoted=%d, want 0", got)
	}
}

func TestForwardJumpDemotion(t *testing.T) {
	tests := []struct {
		name  string
		cond  Cond
		want  string
		saved int
	}{
		{"jcc", CondE, "48 85 ff 74 04 48 83 c0 01 c3", 4},
		{"jmp", Always, "48 85 ff eb 04 48 83 c0 01 c3", 3},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEmitter(Config{})
			done := e.NewNamedLabel("done")
			must(t,
				e.TestRegReg(A64, RDI, RDI),
				e.Jump(tc.cond, done),
				e.AddRegImm(A64, RAX, 1),
				e.Bind(done),
				e.Ret(),
			)
			estimate := e.EstimatedSize()
			prog := mustFinish(t, e)
			if got, want := prog.Bytes(), decodeHex(t, tc.want); !bytes.Equal(got, want) {
				t.Fatalf("bytes=% x, want % x", got, want)
			}
			if got, want := estimate-prog.Len(), tc.saved; got != want {
				t.Fatalf("saved=%d, want %d", got, want)
			}
			stats := e.Stats()
			if stats.Demoted != 1 || stats.ShortJumps != 1 || stats.Jumps != 1 {
				t.Fatalf("stats=%+v, want one demoted short jump", stats)
			}
		})
	}
}

func TestJumpLongIsKept(t *testing.T) {
	e := NewEmitter(Config{})
	done := e.NewLabel()
	must(t,
		e.JumpLong(CondE, done),
		e.Bind(done),
		e.Ret(),
	)
	prog := mustFinish(t, e)
	if got, want := prog.Bytes(), decodeHex(t, "0f 84 00 00 00 00 c3"); !bytes.Equal(got, want) {
		t.Fatalf("bytes=% x, want % x", got, want)
	}
}

func TestColdJumpStaysLong(t *testing.T) {
	e := NewEmitter(Config{})
	slow := e.NewNamedLabel("slow")
	must(t,
		e.TestRegReg(A64, RDI, RDI),
		e.JumpIfEqual(slow),
		e.Ret(),
	)
	e.Cold()
	must(t, e.Bind(slow), e.Ins(UD2, 0))
	prog := mustFinish(t, e)
	want := decodeHex(t, "48 85 ff 0f 84 01 00 00 00 c3 0f 0b")
	if got := prog.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("bytes=% x, want % x", got, want)
	}
}

func TestColdRegionLaidOutLast(t *testing.T) {
	e := NewEmitter(Config{})
	slow := e.NewLabel()
	back := e.NewLabel()
	must(t, e.JumpIfEqual(slow), e.Bind(back))
	e.Cold()
	must(t, e.Bind(slow), e.Zero(RAX), e.JumpAlways(back))
	e.Hot()
	must(t, e.Ret())
	prog := mustFinish(t, e)

	// je slow; back: ret; slow: xor eax, eax; jmp back.
	want := decodeHex(t, "0f 84 01 00 00 00 c3 31 c0 e9 f8 ff ff ff")
	if got := prog.Bytes(); !bytes.Equal(got, want) {
		t.Fatalf("bytes=% x, want % x", got, want)
	}
}

func TestShrinkSinglePass(t *testing.T) {
	e := NewEmitter(Config{})
	far := e.NewNamedLabel("far")
	near := e.NewNamedLabel("near")
	must(t,
		e.JumpIfEqual(far),
		e.JumpAlways(near),
		e.Bind(near),
	)
	// 124 bytes: far is 129 bytes away while the second jump is long and
	// 126 once it is short.
	for i := 0; i < 17; i++ {
		must(t, e.AddRegImm(A64, RAX, 0x1000))
	}
	must(t,
		e.AddRegImm(A64, RAX, 1),
		e.Ins(NOP, 0),
		e.Bind(far),
		e.Ret(),
	)
	prog := mustFinish(t, e)

	code := prog.Bytes()
	if got, want := len(code), 6+2+124+1; got != want {
		t.Fatalf("len=%d, want %d", got, want)
	}
	if got, want := code[:8], decodeHex(t, "0f 84 7e 00 00 00 eb 00"); !bytes.Equal(got, want) {
		t.Fatalf("jumps=% x, want % x", got, want)
	}
	if got, want := e.Stats().Demoted, 1; got != want {
		t.Fatalf("demoted=%d, want %d", got, want)
	}
}

func TestShrinkIdempotent(t *testing.T) {
	e := NewEmitter(Config{})
	a := e.NewLabel()
	b := e.NewLabel()
	must(t,
		e.JumpIfZero(a),
		e.AddRegImm(A64, RAX, 1),
		e.Bind(a),
		e.JumpAlways(b),
		e.SubRegImm(A64, RAX, 1),
		e.Bind(b),
		e.Ret(),
	)
	prog := mustFinish(t, e)

	demoted, passes := e.shrinkBranches()
	if demoted != 0 || passes != 1 {
		t.Fatalf("second shrink demoted=%d passes=%d, want 0 and 1", demoted, passes)
	}
	again, err := e.emit()
	if err != nil {
		t.Fatalf("re-emit failed: %v", err)
	}
	if !bytes.Equal(again.Bytes(), prog.Bytes()) {
		t.Fatalf("re-emit=% x, want % x", again.Bytes(), prog.Bytes())
	}
}

func TestRelativeJumps(t *testing.T) {
	t.Run("forward", func(t *testing.T) {
		e := NewEmitter(Config{})
		must(t,
			e.TestRegReg(A64, RDI, RDI),
			e.JumpRel(CondE, 2),
			e.AddRegImm(A64, RAX, 1),
			e.Ret(),
		)
		prog := mustFinish(t, e)
		if got, want := prog.Bytes(), decodeHex(t, "48 85 ff 74 04 48 83 c0 01 c3"); !bytes.Equal(got, want) {
			t.Fatalf("bytes=% x, want % x", got, want)
		}
	})
	t.Run("backward", func(t *testing.T) {
		e := NewEmitter(Config{})
		must(t,
			e.AddRegImm(A64, RAX, 1),
			e.SubRegImm(A64, RDI, 1),
			e.JumpRel(CondNE, -2),
			e.Ret(),
		)
		prog := mustFinish(t, e)
		if got, want := prog.Bytes(), decodeHex(t, "48 83 c0 01 48 83 ef 01 75 f6 c3"); !bytes.Equal(got, want) {
			t.Fatalf("bytes=% x, want % x", got, want)
		}
	})
	t.Run("past end", func(t *testing.T) {
		e := NewEmitter(Config{})
		must(t, e.JumpRel(Always, 5), e.Ret())
		if _, err := e.Finish(); err == nil || !asm.IsInternal(err) {
			t.Fatalf("Finish=%v, want internal error", err)
		}
	})
	t.Run("before start", func(t *testing.T) {
		e := NewEmitter(Config{})
		if err := e.JumpRel(Always, -1); err == nil || !asm.IsInternal(err) {
			t.Fatalf("JumpRel=%v, want internal error", err)
		}
	})
}

func TestUnboundLabel(t *testing.T) {
	e := NewEmitter(Config{})
	l := e.NewNamedLabel("nowhere")
	must(t, e.JumpAlways(l), e.Ret())
	if _, err := e.Finish(); err == nil || !asm.IsInternal(err) {
		t.Fatalf("Finish=%v, want internal error", err)
	}
}

func TestBindTwice(t *testing.T) {
	e := NewEmitter(Config{})
	l := e.NewLabel()
	must(t, e.Bind(l), e.Ret())
	if err := e.Bind(l); err == nil || !asm.IsInternal(err) {
		t.Fatalf("Bind=%v, want internal error", err)
	}
}

func TestCallLabel(t *testing.T) {
	e := NewEmitter(Config{})
	callee := e.NewNamedLabel("callee")
	must(t,
		e.Call(CallLabel{callee}, asm.RefNone),
		e.Ret(),
		e.Bind(callee),
		e.Zero(RAX),
		e.Ret(),
	)
	prog := mustFinish(t, e)
	if got, want := prog.Bytes(), decodeHex(t, "e8 01 00 00 00 c3 31 c0 c3"); !bytes.Equal(got, want) {
		t.Fatalf("bytes=% x, want % x", got, want)
	}
	if got := len(prog.Relocations()); got != 0 {
		t.Fatalf("relocations=%d, want 0", got)
	}
}

func TestAutoSplit(t *testing.T) {
	e := NewEmitter(Config{})
	for i := 0; i < 300; i++ {
		must(t, e.AddRegImm(A64, RAX, 1))
	}
	must(t, e.Ret())
	prog := mustFinish(t, e)
	if got, want := e.Stats().Groups, 2; got != want {
		t.Fatalf("groups=%d, want %d", got, want)
	}
	if got, want := prog.Len(), 300*4+1; got != want {
		t.Fatalf("len=%d, want %d", got, want)
	}
}

func TestAutoSplitWaitsForRelativeTarget(t *testing.T) {
	e := NewEmitter(Config{})
	for i := 0; i < maxGroupInstrs-1; i++ {
		must(t, e.Ins(NOP, 0))
	}
	must(t, e.JumpRel(Always, 3))
	for i := 0; i < 3; i++ {
		must(t, e.Ins(NOP, 0))
	}
	if got, want := len(e.groups), 1; got != want {
		t.Fatalf("groups=%d, want %d before the target is built", got, want)
	}
	must(t, e.Ret())
	mustFinish(t, e)
	if got, want := e.Stats().Groups, 2; got != want {
		t.Fatalf("groups=%d, want %d", got, want)
	}
}

func TestMoveElision(t *testing.T) {
	tests := []struct {
		name   string
		feats  Features
		build  func(e *Emitter) error
		want   string
		elided int
	}{
		{
			name: "self move",
			build: func(e *Emitter) error {
				return first(e.AddRegImm(A64, RAX, 1), e.MovReg(A64, RAX, RAX))
			},
			want:   "48 83 c0 01",
			elided: 1,
		},
		{
			name: "swapped pair",
			build: func(e *Emitter) error {
				return first(e.MovReg(A64, RAX, RDI), e.MovReg(A64, RDI, RAX))
			},
			want:   "48 89 f8",
			elided: 1,
		},
		{
			name: "repeated move",
			build: func(e *Emitter) error {
				return first(e.MovReg(A64, RAX, RDI), e.MovReg(A64, RAX, RDI))
			},
			want:   "48 89 f8",
			elided: 1,
		},
		{
			name: "32-bit moves zero the upper half",
			build: func(e *Emitter) error {
				return first(e.MovReg(A32, RAX, RDI), e.MovReg(A32, RDI, RAX))
			},
			want: "89 f8 89 c7",
		},
		{
			name: "32-bit self move",
			build: func(e *Emitter) error {
				return first(e.AddRegImm(A64, RAX, 1), e.MovReg(A32, RAX, RAX))
			},
			want: "48 83 c0 01 89 c0",
		},
		{
			name: "load then store",
			build: func(e *Emitter) error {
				return first(e.MovFromMemory(A64, RAX, Mem(RDI)), e.MovToMemory(A64, Mem(RDI), RAX))
			},
			want: "48 8b 07 48 89 07",
		},
		{
			name: "different sizes",
			build: func(e *Emitter) error {
				return first(e.MovReg(A64, RAX, RDI), e.MovReg(A16, RDI, RAX))
			},
			want: "48 89 f8 66 89 c7",
		},
		{
			name: "reference kind differs",
			build: func(e *Emitter) error {
				return first(e.MovReg(GCRef, RAX, RDI), e.MovReg(A64, RDI, RAX))
			},
			want: "48 89 f8 48 89 c7",
		},
		{
			name: "reference kind matches",
			build: func(e *Emitter) error {
				return first(e.MovReg(GCRef, RAX, RDI), e.MovReg(GCRef, RDI, RAX))
			},
			want:   "48 89 f8",
			elided: 1,
		},
		{
			name: "across a label",
			build: func(e *Emitter) error {
				l := e.NewLabel()
				return first(e.MovReg(A64, RAX, RDI), e.Bind(l), e.MovReg(A64, RDI, RAX))
			},
			want: "48 89 f8 48 89 c7",
		},
		{
			name: "continuation group",
			build: func(e *Emitter) error {
				if err := e.MovReg(A64, RAX, RDI); err != nil {
					return err
				}
				e.Split()
				return e.MovReg(A64, RDI, RAX)
			},
			want:   "48 89 f8",
			elided: 1,
		},
		{
			name: "forward relative target",
			build: func(e *Emitter) error {
				return first(
					e.AddRegImm(A64, RAX, 1),
					e.JumpRel(CondE, 1),
					e.MovReg(A64, RAX, RAX),
				)
			},
			want: "48 83 c0 01 74 00 48 89 c0",
		},
		{
			name: "sse move",
			build: func(e *Emitter) error {
				return first(e.InsRR(MOVAPS, A128, X0, X1), e.InsRR(MOVAPS, A128, X1, X0))
			},
			want:   "0f 28 c1",
			elided: 1,
		},
		{
			name:  "vex move clears the upper lane",
			feats: vex,
			build: func(e *Emitter) error {
				return first(e.InsRR(MOVAPS, A128, X0, X1), e.InsRR(MOVAPS, A128, X1, X0))
			},
			want: "c5 f8 28 c1 c5 f8 28 c8",
		},
		{
			name: "conditional move",
			build: func(e *Emitter) error {
				return first(e.AddRegImm(A64, RAX, 1), e.InsRRCond(CMOV, CondE, A64, RAX, RAX))
			},
			want: "48 83 c0 01 48 0f 44 c0",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEmitter(Config{Features: tc.feats})
			must(t, tc.build(e))
			prog := mustFinish(t, e)
			if got, want := prog.Bytes(), decodeHex(t, tc.want); !bytes.Equal(got, want) {
				t.Fatalf("bytes=% x, want % x", got, want)
			}
			if got, want := e.Stats().Elided, tc.elided; got != want {
				t.Fatalf("elided=%d, want %d", got, want)
			}
		})
	}
}

func TestJumpToElidedMove(t *testing.T) {
	e := NewEmitter(Config{})
	must(t,
		e.MovReg(A64, RAX, RDI),
		e.MovReg(A64, RDI, RAX),
	)
	if err := e.JumpRel(Always, -1); err == nil || !asm.IsInternal(err) {
		t.Fatalf("JumpRel=%v, want internal error", err)
	}
}

// first returns the first non-nil error.
func first(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
