package asm

import (
	"encoding/binary"
	"errors"
	"strings"
	"testing"
)

func TestLink(t *testing.T) {
	code := make([]byte, 16)
	code[0] = 0xe8
	prog := NewProgram(code, []Relocation{
		{Offset: 1, Target: "f", Kind: RelocRel32, Addend: -4},
		{Offset: 8, Target: "table", Kind: RelocAbs64, Addend: 0x10},
	}, nil, nil)

	out, err := prog.Link(0x1000, map[Symbol]uint64{"f": 0x1100, "table": 0x9000})
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	if got, want := int32(binary.LittleEndian.Uint32(out[1:])), int32(0x1100-4-0x1001); got != want {
		t.Fatalf("rel32=%#x, want %#x", got, want)
	}
	if got, want := binary.LittleEndian.Uint64(out[8:]), uint64(0x9010); got != want {
		t.Fatalf("abs64=%#x, want %#x", got, want)
	}
	if got, want := out[0], byte(0xe8); got != want {
		t.Fatalf("opcode byte=%#x, want %#x", got, want)
	}
	if prog.Bytes()[1] != 0 {
		t.Fatalf("Link modified the program bytes")
	}
}

func TestLinkErrors(t *testing.T) {
	tests := []struct {
		name    string
		rel     Relocation
		symbols map[Symbol]uint64
		want    string
	}{
		{"undefined", Relocation{Offset: 0, Target: "missing", Kind: RelocRel32}, nil, "undefined symbol"},
		{"out of range", Relocation{Offset: 0, Target: "far", Kind: RelocRel32}, map[Symbol]uint64{"far": 1 << 40}, "out of rel32 range"},
		{"outside code", Relocation{Offset: 4, Target: "x", Kind: RelocAbs64}, map[Symbol]uint64{"x": 1}, "outside code"},
		{"bad kind", Relocation{Offset: 0, Target: "x", Kind: RelocInvalid}, map[Symbol]uint64{"x": 1}, "unsupported"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			prog := NewProgram(make([]byte, 8), []Relocation{tc.rel}, nil, nil)
			_, err := prog.Link(0, tc.symbols)
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error=%q, want substring %q", err, tc.want)
			}
		})
	}
}

func TestRelocationString(t *testing.T) {
	tests := []struct {
		rel  Relocation
		want string
	}{
		{Relocation{Offset: 3, Target: "f", Kind: RelocRel32, Addend: -4}, "0x3 rel32 f-4"},
		{Relocation{Offset: 0x10, Target: "tbl", Kind: RelocAbs64}, "0x10 abs64 tbl"},
		{Relocation{Kind: RelocKind(9), Target: "x"}, "0x0 RelocKind(9) x"},
	}
	for _, tc := range tests {
		if got := tc.rel.String(); got != tc.want {
			t.Fatalf("String()=%q, want %q", got, tc.want)
		}
	}
}

func TestLiveAt(t *testing.T) {
	rax, slot := RegLocation(0), SlotLocation(3)
	prog := NewProgram(make([]byte, 12), nil, []GCDelta{
		{Offset: 2, Loc: rax, Kind: RefObject},
		{Offset: 5, Loc: slot, Kind: RefInterior},
		{Offset: 9, Loc: rax, Kind: RefNone},
	}, nil)

	tests := []struct {
		offset int
		want   LiveSet
	}{
		{0, LiveSet{}},
		{2, LiveSet{rax: RefObject}},
		{4, LiveSet{rax: RefObject}},
		{5, LiveSet{rax: RefObject, slot: RefInterior}},
		{12, LiveSet{slot: RefInterior}},
	}
	for _, tc := range tests {
		if got := prog.LiveAt(tc.offset); !got.Equal(tc.want) {
			t.Fatalf("LiveAt(%d)=%v, want %v", tc.offset, got, tc.want)
		}
	}
	if got, want := prog.LiveAt(12).String(), "{slot3=interior}"; got != want {
		t.Fatalf("String()=%q, want %q", got, want)
	}
}

func TestProgramClone(t *testing.T) {
	prog := NewProgram([]byte{0x90, 0xc3}, nil, nil, []Span{{Offset: 0, Len: 1, Name: "nop"}})
	clone := prog.Clone()
	b := clone.Bytes()
	b[0] = 0xcc
	if got, want := prog.Bytes()[0], byte(0x90); got != want {
		t.Fatalf("byte 0=%#x, want %#x", got, want)
	}
	if got, want := clone.Spans()[0].Name, "nop"; got != want {
		t.Fatalf("span name=%q, want %q", got, want)
	}
}

func TestParseRefKind(t *testing.T) {
	for _, kind := range []RefKind{RefNone, RefObject, RefInterior} {
		got, err := ParseRefKind(kind.String())
		if err != nil {
			t.Fatalf("ParseRefKind(%q) failed: %v", kind, err)
		}
		if got != kind {
			t.Fatalf("ParseRefKind(%q)=%v, want %v", kind, got, kind)
		}
	}
	if got, _ := ParseRefKind("byref"); got != RefInterior {
		t.Fatalf("ParseRefKind(byref)=%v, want interior", got)
	}
	if _, err := ParseRefKind("weak"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestFrameAssign(t *testing.T) {
	f := NewFrame()
	slot := FrameSlot{Base: FrameFP, Offset: -16}
	if err := f.Assign(1, slot); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if err := f.Assign(1, slot); err != nil {
		t.Fatalf("reassigning the same slot failed: %v", err)
	}
	if err := f.Assign(1, FrameSlot{Base: FrameSP, Offset: 8}); err == nil {
		t.Fatalf("expected error rebinding local 1")
	}
	if got, ok := f.Resolve(1); !ok || got != slot {
		t.Fatalf("Resolve(1)=%v,%v, want %v", got, ok, slot)
	}
	if _, ok := f.Resolve(2); ok {
		t.Fatalf("Resolve(2) succeeded for an unassigned local")
	}
	var nilFrame *Frame
	if _, ok := nilFrame.Resolve(1); ok {
		t.Fatalf("nil frame resolved a local")
	}
}

func TestInternalError(t *testing.T) {
	cause := errors.New("bad operand")
	err := error(&InternalError{Phase: PhaseLayout, Op: "jmp", Err: cause})
	if got, want := err.Error(), "internal compiler error (layout jmp): bad operand"; got != want {
		t.Fatalf("Error()=%q, want %q", got, want)
	}
	wrapped := errors.Join(errors.New("compile"), err)
	if !IsInternal(wrapped) {
		t.Fatalf("IsInternal(%v)=false", wrapped)
	}
	if !errors.Is(wrapped, cause) {
		t.Fatalf("cause not reachable through Unwrap")
	}
	if IsInternal(cause) {
		t.Fatalf("plain error reported as internal")
	}
	if got, want := Internalf(PhaseEmit, "", "n=%d", 3).Error(), "internal compiler error (emit): n=3"; got != want {
		t.Fatalf("Error()=%q, want %q", got, want)
	}
}
