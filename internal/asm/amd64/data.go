package amd64

import (
	"fmt"

	"github.com/tinyrange/jitx86/internal/asm"
)

// DataSection lays out named data blobs for AbsMem operands and symbol
// immediates. Blobs keep the order they were added in.
type DataSection struct {
	buf     []byte
	names   []asm.Symbol
	offsets map[asm.Symbol]int
}

func NewDataSection() *DataSection {
	return &DataSection{offsets: make(map[asm.Symbol]int)}
}

// Add appends data under sym, aligned to align bytes (16 when zero).
func (d *DataSection) Add(sym asm.Symbol, data []byte, align int) error {
	if sym == "" {
		return fmt.Errorf("data section: empty symbol")
	}
	if _, ok := d.offsets[sym]; ok {
		return fmt.Errorf("data section: symbol %q defined twice", sym)
	}
	if align <= 0 {
		align = 16
	}
	if align&(align-1) != 0 {
		return fmt.Errorf("data section: alignment %d is not a power of two", align)
	}
	for len(d.buf)%align != 0 {
		d.buf = append(d.buf, 0)
	}
	d.offsets[sym] = len(d.buf)
	d.names = append(d.names, sym)
	d.buf = append(d.buf, data...)
	return nil
}

func (d *DataSection) Len() int {
	if d == nil {
		return 0
	}
	return len(d.buf)
}

func (d *DataSection) Bytes() []byte { return append([]byte(nil), d.buf...) }

func (d *DataSection) Names() []asm.Symbol { return append([]asm.Symbol(nil), d.names...) }

// Offset returns the position of sym within the section.
func (d *DataSection) Offset(sym asm.Symbol) (int, bool) {
	if d == nil {
		return 0, false
	}
	off, ok := d.offsets[sym]
	return off, ok
}

// Symbols returns the address of every blob when the section is loaded at
// base, merged over extra.
func (d *DataSection) Symbols(base uint64, extra map[asm.Symbol]uint64) map[asm.Symbol]uint64 {
	out := make(map[asm.Symbol]uint64, len(extra))
	for sym, addr := range extra {
		out[sym] = addr
	}
	if d == nil {
		return out
	}
	for sym, off := range d.offsets {
		out[sym] = base + uint64(off)
	}
	return out
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
