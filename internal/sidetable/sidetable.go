// Package sidetable persists the relocation and GC liveness streams of
// emitted methods so a later linking step or a stack walker can consume
// them without the Program in memory.
//
// A stream is a sequence of records. Every record starts with a 16-byte
// header:
//   - 2 bytes kind (0 = invalid, 1 = relocation, 2 = gc delta)
//   - 2 bytes method name length
//   - 4 bytes payload length
//   - 8 bytes code offset the record applies to
//
// followed by the method name and the payload. All integers are little
// endian.
//
// Writers reserve space by atomically advancing the stream offset, so sinks
// for different methods may be fed from different goroutines. A write that
// fails after its space was reserved leaves a zeroed range; readers stop
// there with ErrHole and Writer.Close reports the failed write.
package sidetable

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/jitx86/internal/asm"
)

type Kind uint16

const (
	KindInvalid Kind = iota
	KindRelocation
	KindGCDelta
)

func (k Kind) String() string {
	switch k {
	case KindRelocation:
		return "relocation"
	case KindGCDelta:
		return "gcdelta"
	default:
		return fmt.Sprintf("Kind(%d)", uint16(k))
	}
}

const (
	headerSize = 16

	// relocation payload: kind, addend, then the target name.
	relocFixedSize = 1 + 8
	// gc delta payload: flags, ref kind, register, pad, local id.
	gcDeltaSize = 8

	gcFlagSlot = 1 << 0
)

func encodeHeader(kind Kind, method string, payload int, offset int) []byte {
	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(method)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(payload))
	binary.LittleEndian.PutUint64(header[8:16], uint64(offset))
	return header
}

func decodeHeader(header [headerSize]byte) (kind Kind, methodLength uint16, payloadLength uint32, offset uint64) {
	kind = Kind(binary.LittleEndian.Uint16(header[0:2]))
	methodLength = binary.LittleEndian.Uint16(header[2:4])
	payloadLength = binary.LittleEndian.Uint32(header[4:8])
	offset = binary.LittleEndian.Uint64(header[8:16])
	return
}

func encodeRelocation(rel asm.Relocation) []byte {
	payload := make([]byte, relocFixedSize, relocFixedSize+len(rel.Target))
	payload[0] = byte(rel.Kind)
	binary.LittleEndian.PutUint64(payload[1:9], uint64(rel.Addend))
	return append(payload, rel.Target...)
}

func encodeGCDelta(d asm.GCDelta) []byte {
	payload := make([]byte, gcDeltaSize)
	if d.Loc.IsSlot() {
		payload[0] = gcFlagSlot
		binary.LittleEndian.PutUint32(payload[4:8], uint32(d.Loc.Slot()))
	} else {
		payload[2] = d.Loc.Reg()
	}
	payload[1] = byte(d.Kind)
	return payload
}

// Writer appends records to an io.WriterAt.
type Writer struct {
	w      io.WriterAt
	closer io.Closer
	offset atomic.Int64

	mu     sync.Mutex
	failed error
}

func NewWriter(w io.WriterAt) *Writer {
	return &Writer{w: w}
}

// Create truncates path and returns a Writer over it. Closing the Writer
// closes the file.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{w: f, closer: f}, nil
}

// Size is the number of bytes reserved so far.
func (w *Writer) Size() int64 { return w.offset.Load() }

// Close closes the underlying file, if any. It returns the first failed
// record write, since the stream then has a hole.
func (w *Writer) Close() error {
	var err error
	if w.closer != nil {
		err = w.closer.Close()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed != nil {
		return w.failed
	}
	return err
}

func (w *Writer) write(kind Kind, method string, offset int, payload []byte) error {
	if len(method) > math.MaxUint16 {
		return fmt.Errorf("sidetable: method name of %d bytes too long", len(method))
	}
	if offset < 0 {
		return fmt.Errorf("sidetable: negative code offset %d", offset)
	}
	header := encodeHeader(kind, method, len(payload), offset)
	record := make([]byte, 0, headerSize+len(method)+len(payload))
	record = append(record, header...)
	record = append(record, method...)
	record = append(record, payload...)

	size := int64(len(record))
	off := w.offset.Add(size) - size
	if _, err := w.w.WriteAt(record, off); err != nil {
		err = fmt.Errorf("sidetable: write %s record at %#x: %w", kind, off, err)
		w.mu.Lock()
		if w.failed == nil {
			w.failed = err
		}
		w.mu.Unlock()
		return err
	}
	return nil
}

// Method returns a sink that tags every record with name. It satisfies
// both asm.RelocSink and asm.GCInfoSink.
func (w *Writer) Method(name string) *MethodSink {
	return &MethodSink{w: w, name: name}
}

type MethodSink struct {
	w    *Writer
	name string
}

func (s *MethodSink) AddRelocation(rel asm.Relocation) error {
	return s.w.write(KindRelocation, s.name, rel.Offset, encodeRelocation(rel))
}

func (s *MethodSink) AddGCDelta(d asm.GCDelta) error {
	return s.w.write(KindGCDelta, s.name, d.Offset, encodeGCDelta(d))
}

// Buffer is an in-memory io.WriterAt for streams that are not backed by a
// file.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("sidetable: negative offset %d", off)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	end := int(off) + len(p)
	if end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	return copy(b.data[off:], p), nil
}

func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...)
}

var (
	_ asm.RelocSink  = (*MethodSink)(nil)
	_ asm.GCInfoSink = (*MethodSink)(nil)
	_ io.WriterAt    = (*Buffer)(nil)
)
