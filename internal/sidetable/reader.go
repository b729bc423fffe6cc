package sidetable

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/jitx86/internal/asm"
)

// Record is one decoded entry. Exactly one of Relocation and GCDelta is
// meaningful, selected by Kind.
type Record struct {
	Kind       Kind
	Method     string
	Relocation asm.Relocation
	GCDelta    asm.GCDelta
}

// ErrHole is returned by Decode at a zeroed header, left where a record
// write failed.
var ErrHole = errors.New("sidetable: unwritten record")

// Decode calls fn for every record of r in stream order. A stream that ends
// inside a record is an error.
func Decode(r io.Reader, fn func(Record) error) error {
	br := bufio.NewReader(r)
	var header [headerSize]byte
	for pos := int64(0); ; {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("sidetable: read header at %#x: %w", pos, err)
		}
		kind, methodLength, payloadLength, offset := decodeHeader(header)
		if header == ([headerSize]byte{}) {
			return fmt.Errorf("%w at %#x", ErrHole, pos)
		}
		if kind == KindInvalid {
			return fmt.Errorf("sidetable: invalid record at %#x", pos)
		}
		body := make([]byte, int(methodLength)+int(payloadLength))
		if _, err := io.ReadFull(br, body); err != nil {
			return fmt.Errorf("sidetable: read %s record at %#x: %w", kind, pos, err)
		}
		rec, err := decodeRecord(kind, string(body[:methodLength]), int(offset), body[methodLength:])
		if err != nil {
			return fmt.Errorf("sidetable: record at %#x: %w", pos, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
		pos += int64(headerSize + len(body))
	}
}

func decodeRecord(kind Kind, method string, offset int, payload []byte) (Record, error) {
	rec := Record{Kind: kind, Method: method}
	switch kind {
	case KindRelocation:
		if len(payload) < relocFixedSize {
			return rec, fmt.Errorf("relocation payload of %d bytes", len(payload))
		}
		rec.Relocation = asm.Relocation{
			Offset: offset,
			Kind:   asm.RelocKind(payload[0]),
			Addend: int64(binary.LittleEndian.Uint64(payload[1:9])),
			Target: asm.Symbol(payload[relocFixedSize:]),
		}
	case KindGCDelta:
		if len(payload) != gcDeltaSize {
			return rec, fmt.Errorf("gc delta payload of %d bytes", len(payload))
		}
		loc := asm.RegLocation(payload[2])
		if payload[0]&gcFlagSlot != 0 {
			loc = asm.SlotLocation(asm.LocalID(int32(binary.LittleEndian.Uint32(payload[4:8]))))
		}
		rec.GCDelta = asm.GCDelta{Offset: offset, Loc: loc, Kind: asm.RefKind(payload[1])}
	default:
		return rec, fmt.Errorf("unknown kind %s", kind)
	}
	return rec, nil
}

// Tables holds a decoded stream indexed by method.
type Tables struct {
	methods []string
	relocs  map[string][]asm.Relocation
	deltas  map[string][]asm.GCDelta
}

// Load decodes the whole stream.
func Load(r io.Reader) (*Tables, error) {
	t := &Tables{
		relocs: make(map[string][]asm.Relocation),
		deltas: make(map[string][]asm.GCDelta),
	}
	seen := make(map[string]bool)
	err := Decode(r, func(rec Record) error {
		if !seen[rec.Method] {
			seen[rec.Method] = true
			t.methods = append(t.methods, rec.Method)
		}
		switch rec.Kind {
		case KindRelocation:
			t.relocs[rec.Method] = append(t.relocs[rec.Method], rec.Relocation)
		case KindGCDelta:
			t.deltas[rec.Method] = append(t.deltas[rec.Method], rec.GCDelta)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// LoadFile decodes the stream stored at path.
func LoadFile(path string) (*Tables, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}

// Methods lists the method names in the order they first appeared.
func (t *Tables) Methods() []string { return append([]string(nil), t.methods...) }

func (t *Tables) Relocations(method string) []asm.Relocation {
	return append([]asm.Relocation(nil), t.relocs[method]...)
}

func (t *Tables) GCDeltas(method string) []asm.GCDelta {
	return append([]asm.GCDelta(nil), t.deltas[method]...)
}

// LiveAt replays the delta stream of method up to and including offset.
// Deltas are applied in stream order, which for one method is the order
// the emitter produced them.
func (t *Tables) LiveAt(method string, offset int) (asm.LiveSet, error) {
	deltas, ok := t.deltas[method]
	if !ok && !t.known(method) {
		return nil, ErrUnknownMethod
	}
	live := make(asm.LiveSet)
	for _, d := range deltas {
		if d.Offset > offset {
			break
		}
		live.Apply(d)
	}
	return live, nil
}

func (t *Tables) known(method string) bool {
	for _, m := range t.methods {
		if m == method {
			return true
		}
	}
	return false
}

var ErrUnknownMethod = errors.New("sidetable: unknown method")
