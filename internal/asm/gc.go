package asm

import (
	"fmt"
	"sort"
	"strings"
)

// RefKind is the reference-tracking state of a register or stack slot.
type RefKind uint8

const (
	// RefNone means the location holds no reference. A delta carrying
	// RefNone clears the location.
	RefNone RefKind = iota
	// RefObject is a pointer to the start of a managed object.
	RefObject
	// RefInterior points somewhere inside a managed object.
	RefInterior
)

func (k RefKind) String() string {
	switch k {
	case RefNone:
		return "none"
	case RefObject:
		return "object"
	case RefInterior:
		return "interior"
	default:
		return fmt.Sprintf("RefKind(%d)", uint8(k))
	}
}

// ParseRefKind maps the names returned by RefKind.String back to values.
func ParseRefKind(s string) (RefKind, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return RefNone, nil
	case "object", "gcref", "ref":
		return RefObject, nil
	case "interior", "byref":
		return RefInterior, nil
	}
	return RefNone, fmt.Errorf("unknown reference kind %q", s)
}

// LocalID identifies a frame-relative local or spill temporary.
type LocalID int32

// Location is either a register (by hardware number) or a stack slot.
type Location struct {
	slot  bool
	reg   uint8
	local LocalID
}

func RegLocation(reg uint8) Location { return Location{reg: reg} }

func SlotLocation(id LocalID) Location { return Location{slot: true, local: id} }

func (l Location) IsSlot() bool { return l.slot }

func (l Location) Reg() uint8 { return l.reg }

func (l Location) Slot() LocalID { return l.local }

func (l Location) String() string {
	if l.slot {
		return fmt.Sprintf("slot%d", l.local)
	}
	return fmt.Sprintf("r%d", l.reg)
}

// GCDelta records that Loc holds Kind from Offset onwards.
type GCDelta struct {
	Offset int
	Loc    Location
	Kind   RefKind
}

func (d GCDelta) String() string {
	if d.Kind == RefNone {
		return fmt.Sprintf("%#x %s cleared", d.Offset, d.Loc)
	}
	return fmt.Sprintf("%#x %s %s", d.Offset, d.Loc, d.Kind)
}

// LiveSet maps every location currently holding a reference to its kind.
type LiveSet map[Location]RefKind

func (s LiveSet) Apply(d GCDelta) {
	if d.Kind == RefNone {
		delete(s, d.Loc)
		return
	}
	s[d.Loc] = d.Kind
}

func (s LiveSet) Equal(other LiveSet) bool {
	if len(s) != len(other) {
		return false
	}
	for loc, kind := range s {
		if other[loc] != kind {
			return false
		}
	}
	return true
}

func (s LiveSet) String() string {
	parts := make([]string, 0, len(s))
	for loc, kind := range s {
		parts = append(parts, loc.String()+"="+kind.String())
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, " ") + "}"
}
