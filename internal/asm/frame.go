package asm

import "fmt"

// FrameBase selects the register a frame slot is addressed from.
type FrameBase uint8

const (
	FrameFP FrameBase = iota
	FrameSP
)

func (b FrameBase) String() string {
	if b == FrameSP {
		return "sp"
	}
	return "fp"
}

// FrameSlot is a resolved local: Offset bytes from Base.
type FrameSlot struct {
	Base   FrameBase
	Offset int32
}

// FrameLayout resolves symbolic locals. A local may stay unresolved while
// instructions referencing it are built; it must resolve before final
// emission.
type FrameLayout interface {
	Resolve(id LocalID) (FrameSlot, bool)
}

// Frame is a FrameLayout whose slots are assigned explicitly.
type Frame struct {
	slots map[LocalID]FrameSlot
}

func NewFrame() *Frame {
	return &Frame{slots: make(map[LocalID]FrameSlot)}
}

// Assign binds id to slot. Rebinding a local to a different slot is an error.
func (f *Frame) Assign(id LocalID, slot FrameSlot) error {
	if prev, ok := f.slots[id]; ok && prev != slot {
		return fmt.Errorf("local %d already assigned to %s%+d", id, prev.Base, prev.Offset)
	}
	f.slots[id] = slot
	return nil
}

func (f *Frame) Resolve(id LocalID) (FrameSlot, bool) {
	if f == nil {
		return FrameSlot{}, false
	}
	slot, ok := f.slots[id]
	return slot, ok
}

var (
	_ FrameLayout = (*Frame)(nil)
)
