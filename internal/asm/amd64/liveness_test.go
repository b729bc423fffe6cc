package amd64

import (
	"testing"

	"github.com/tinyrange/jitx86/internal/asm"
)

func reg(r Reg) asm.Location { return asm.RegLocation(uint8(r)) }

func TestGCDeltas(t *testing.T) {
	frame := asm.NewFrame()
	must(t, frame.Assign(1, asm.FrameSlot{Base: asm.FrameFP, Offset: -8}))

	e := NewEmitter(Config{Frame: frame})
	must(t,
		e.MovFromMemory(GCRef, RAX, Mem(RDI)),  // 0..3
		e.MovReg(GCRef, RBX, RAX),              // 3..6
		e.CallSymbol("f", asm.RefNone),         // 6..11
		e.MovToMemory(GCRef, Local(1, 0), RBX), // 11..15
		e.Zero(RBX),                            // 15..17
		e.Ret(),                                // 17..18
	)
	prog := mustFinish(t, e)

	want := []asm.GCDelta{
		{Offset: 3, Loc: reg(RAX), Kind: asm.RefObject},
		{Offset: 6, Loc: reg(RBX), Kind: asm.RefObject},
		{Offset: 11, Loc: reg(RAX), Kind: asm.RefNone},
		{Offset: 15, Loc: asm.SlotLocation(1), Kind: asm.RefObject},
		{Offset: 17, Loc: reg(RBX), Kind: asm.RefNone},
	}
	got := prog.GCDeltas()
	if len(got) != len(want) {
		t.Fatalf("deltas=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delta[%d]=%v, want %v", i, got[i], want[i])
		}
	}

	tests := []struct {
		offset int
		want   asm.LiveSet
	}{
		{0, asm.LiveSet{}},
		{5, asm.LiveSet{reg(RAX): asm.RefObject}},
		{6, asm.LiveSet{reg(RAX): asm.RefObject, reg(RBX): asm.RefObject}},
		{11, asm.LiveSet{reg(RBX): asm.RefObject}},
		{15, asm.LiveSet{reg(RBX): asm.RefObject, asm.SlotLocation(1): asm.RefObject}},
		{17, asm.LiveSet{asm.SlotLocation(1): asm.RefObject}},
	}
	for _, tc := range tests {
		if got := prog.LiveAt(tc.offset); !got.Equal(tc.want) {
			t.Fatalf("LiveAt(%d)=%v, want %v", tc.offset, got, tc.want)
		}
	}
}

func TestGCCallResultCoalesces(t *testing.T) {
	e := NewEmitter(Config{})
	must(t,
		e.MovFromMemory(GCRef, RAX, Mem(RDI)),
		e.CallSymbol("alloc", asm.RefObject),
		e.Ret(),
	)
	prog := mustFinish(t, e)
	deltas := prog.GCDeltas()
	if got, want := len(deltas), 2; got != want {
		t.Fatalf("deltas=%v, want %d", deltas, want)
	}
	if got, want := deltas[1], (asm.GCDelta{Offset: 8, Loc: reg(RAX), Kind: asm.RefObject}); got != want {
		t.Fatalf("call delta=%v, want %v", got, want)
	}
}

func TestGCExchange(t *testing.T) {
	frame := asm.NewFrame()
	must(t, frame.Assign(2, asm.FrameSlot{Base: asm.FrameSP, Offset: 16}))

	e := NewEmitter(Config{Frame: frame})
	must(t,
		e.MovFromMemory(ByRef, RAX, Mem(RDI)),
		e.InsRR(XCHG, A64, RAX, RBX),
		e.InsMR(XCHG, A64, Local(2, 0), RBX),
		e.Ret(),
	)
	prog := mustFinish(t, e)
	live := prog.LiveAt(prog.Len())
	want := asm.LiveSet{asm.SlotLocation(2): asm.RefInterior}
	if !live.Equal(want) {
		t.Fatalf("live=%v, want %v", live, want)
	}
}

func TestGCClobbers(t *testing.T) {
	e := NewEmitter(Config{})
	must(t,
		e.MovFromMemory(GCRef, RDX, Mem(RDI)),
		e.MovFromMemory(GCRef, RCX, Mem(RDI)),
		e.InsR(MUL, A64, RSI),
		e.Ret(),
	)
	prog := mustFinish(t, e)
	want := asm.LiveSet{reg(RCX): asm.RefObject}
	if live := prog.LiveAt(prog.Len()); !live.Equal(want) {
		t.Fatalf("live=%v, want %v", live, want)
	}
}

func TestGCNoWriteKeepsDestination(t *testing.T) {
	e := NewEmitter(Config{})
	must(t,
		e.MovFromMemory(GCRef, RAX, Mem(RDI)),
		e.CmpRegImm(A64, RAX, 0),
		e.TestRegReg(A64, RAX, RAX),
		e.Ret(),
	)
	prog := mustFinish(t, e)
	want := asm.LiveSet{reg(RAX): asm.RefObject}
	if live := prog.LiveAt(prog.Len()); !live.Equal(want) {
		t.Fatalf("live=%v, want %v", live, want)
	}
}

func TestGCSubOffsetStoreKeepsSlot(t *testing.T) {
	frame := asm.NewFrame()
	must(t, frame.Assign(4, asm.FrameSlot{Base: asm.FrameFP, Offset: -32}))

	e := NewEmitter(Config{Frame: frame})
	must(t,
		e.MovToMemory(GCRef, Local(4, 0), RAX),
		e.MovToMemory(A32, Local(4, 8), RCX),
		e.Ret(),
	)
	prog := mustFinish(t, e)
	want := asm.LiveSet{asm.SlotLocation(4): asm.RefObject}
	if live := prog.LiveAt(prog.Len()); !live.Equal(want) {
		t.Fatalf("live=%v, want %v", live, want)
	}
}

// TestGCReplayMatchesBuildState checks that replaying the delta stream of a
// hot-only program ends in the state the emitter tracked while building.
func TestGCReplayMatchesBuildState(t *testing.T) {
	frame := asm.NewFrame()
	for id := asm.LocalID(0); id < 4; id++ {
		must(t, frame.Assign(id, asm.FrameSlot{Base: asm.FrameFP, Offset: -8 * int32(id+1)}))
	}

	e := NewEmitter(Config{Frame: frame})
	gp := []Reg{RAX, RBX, RCX, RDX, RSI, RDI, R8, R12, R15}
	attrs := []Attr{A64, GCRef, ByRef, A32}
	skip := e.NewLabel()
	for i := 0; i < 64; i++ {
		dst := gp[i%len(gp)]
		src := gp[(i*5+3)%len(gp)]
		attr := attrs[(i*7)%len(attrs)]
		var err error
		switch i % 8 {
		case 0:
			err = e.MovReg(attr, dst, src)
		case 1:
			err = e.MovFromMemory(attr, dst, Mem(src).WithDisp(int32(i)))
		case 2:
			err = e.MovToMemory(attr, Local(asm.LocalID(i%4), 0), src)
		case 3:
			err = e.CallSymbol("helper", attr.Ref())
		case 4:
			err = e.InsRR(XCHG, A64, dst, src)
		case 5:
			err = e.LoadAddress(dst, Local(asm.LocalID(i%4), 0))
		case 6:
			err = e.JumpIfZero(skip)
		case 7:
			err = e.InsRR(ADD, attr, dst, src)
		}
		must(t, err)
	}
	must(t, e.Bind(skip), e.Ret())
	pending := e.pending
	prog := mustFinish(t, e)

	want := asm.LiveSet{}
	for r := Reg(0); r < numRegs; r++ {
		if k := pending.regs[r]; k != asm.RefNone {
			want[reg(r)] = k
		}
	}
	for id, k := range pending.slots {
		want[asm.SlotLocation(id)] = k
	}
	if live := prog.LiveAt(prog.Len()); !live.Equal(want) {
		t.Fatalf("replayed=%v, want %v", live, want)
	}
}

func TestGCColdEntryState(t *testing.T) {
	e := NewEmitter(Config{})
	slow := e.NewNamedLabel("slow")
	must(t,
		e.MovFromMemory(GCRef, RBX, Mem(RDI)),
		e.Jump(CondE, slow),
	)
	e.Cold()
	must(t,
		e.Bind(slow),
		e.MovImmediate(A64, RCX, 1),
		e.Ret(),
	)
	e.Hot()
	must(t,
		e.Zero(RBX),
		e.MovFromMemory(GCRef, RAX, Mem(RDI)),
		e.Ret(),
	)
	prog := mustFinish(t, e)

	entry := slow.group.Offset()
	if entry == 0 || entry >= prog.Len() {
		t.Fatalf("cold entry at %d in %d bytes", entry, prog.Len())
	}
	tests := []struct {
		name   string
		offset int
		want   asm.LiveSet
	}{
		{"hot tail", entry - 1, asm.LiveSet{reg(RAX): asm.RefObject}},
		{"cold entry", entry, asm.LiveSet{reg(RBX): asm.RefObject}},
		{"cold exit", prog.Len(), asm.LiveSet{reg(RBX): asm.RefObject}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := prog.LiveAt(tc.offset); !got.Equal(tc.want) {
				t.Fatalf("LiveAt(%d)=%v, want %v", tc.offset, got, tc.want)
			}
		})
	}
}
