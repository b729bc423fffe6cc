package asm

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Symbol names an address that is only known once code has been placed:
// a data-section entry, a runtime helper or another compiled method.
type Symbol string

// RelocKind selects how a relocation patches the code bytes.
type RelocKind uint8

const (
	RelocInvalid RelocKind = iota
	// RelocAbs64 stores the absolute 64-bit address of the target.
	RelocAbs64
	// RelocRel32 stores target+addend minus the address of the patched field.
	RelocRel32
)

func (k RelocKind) String() string {
	switch k {
	case RelocAbs64:
		return "abs64"
	case RelocRel32:
		return "rel32"
	default:
		return fmt.Sprintf("RelocKind(%d)", uint8(k))
	}
}

// Width returns the number of bytes the relocation patches.
func (k RelocKind) Width() int {
	switch k {
	case RelocAbs64:
		return 8
	case RelocRel32:
		return 4
	default:
		return 0
	}
}

// Relocation is a deferred patch at Offset in the code buffer.
type Relocation struct {
	Offset int
	Target Symbol
	Kind   RelocKind
	Addend int64
}

func (r Relocation) String() string {
	if r.Addend == 0 {
		return fmt.Sprintf("%#x %s %s", r.Offset, r.Kind, r.Target)
	}
	return fmt.Sprintf("%#x %s %s%+d", r.Offset, r.Kind, r.Target, r.Addend)
}

// Span describes one instruction of a finalized program.
type Span struct {
	Offset int
	Len    int
	Name   string
	Group  int
	Elided bool
}

// Program is the output of one emission: code bytes plus the side tables
// the runtime needs to run it.
type Program struct {
	code        []byte
	relocations []Relocation
	gcDeltas    []GCDelta
	spans       []Span
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int {
	return len(p.code)
}

func (p Program) Relocations() []Relocation {
	return append([]Relocation(nil), p.relocations...)
}

func (p Program) GCDeltas() []GCDelta {
	return append([]GCDelta(nil), p.gcDeltas...)
}

// Spans lists every built instruction in address order, including elided ones.
func (p Program) Spans() []Span {
	return append([]Span(nil), p.spans...)
}

// Link returns a copy of the code with every relocation applied as if the
// first byte were loaded at base.
func (p Program) Link(base uint64, symbols map[Symbol]uint64) ([]byte, error) {
	out := append([]byte(nil), p.code...)
	for _, rel := range p.relocations {
		addr, ok := symbols[rel.Target]
		if !ok {
			return nil, fmt.Errorf("link: undefined symbol %q", rel.Target)
		}
		if rel.Offset < 0 || rel.Offset+rel.Kind.Width() > len(out) {
			return nil, fmt.Errorf("link: relocation %s outside code (len %d)", rel, len(out))
		}
		switch rel.Kind {
		case RelocAbs64:
			binary.LittleEndian.PutUint64(out[rel.Offset:], addr+uint64(rel.Addend))
		case RelocRel32:
			site := base + uint64(rel.Offset)
			delta := int64(addr) + rel.Addend - int64(site)
			if delta < -1<<31 || delta > 1<<31-1 {
				return nil, fmt.Errorf("link: relocation %s out of rel32 range", rel)
			}
			binary.LittleEndian.PutUint32(out[rel.Offset:], uint32(int32(delta)))
		default:
			return nil, fmt.Errorf("link: unsupported relocation kind %s", rel.Kind)
		}
	}
	return out, nil
}

// LiveAt replays the GC delta stream up to and including offset.
func (p Program) LiveAt(offset int) LiveSet {
	live := make(LiveSet)
	idx := sort.Search(len(p.gcDeltas), func(i int) bool { return p.gcDeltas[i].Offset > offset })
	for _, d := range p.gcDeltas[:idx] {
		live.Apply(d)
	}
	return live
}

func (p Program) Clone() Program {
	return Program{
		code:        append([]byte(nil), p.code...),
		relocations: append([]Relocation(nil), p.relocations...),
		gcDeltas:    append([]GCDelta(nil), p.gcDeltas...),
		spans:       append([]Span(nil), p.spans...),
	}
}

func NewProgram(code []byte, relocations []Relocation, deltas []GCDelta, spans []Span) Program {
	return Program{
		code:        append([]byte(nil), code...),
		relocations: append([]Relocation(nil), relocations...),
		gcDeltas:    append([]GCDelta(nil), deltas...),
		spans:       append([]Span(nil), spans...),
	}
}

// RelocSink persists relocation records for a later linking step.
type RelocSink interface {
	AddRelocation(rel Relocation) error
}

// GCInfoSink persists the liveness delta stream for stack walking.
type GCInfoSink interface {
	AddGCDelta(delta GCDelta) error
}
