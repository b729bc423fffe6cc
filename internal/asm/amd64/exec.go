//go:build linux && amd64

package amd64

import (
	"fmt"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/tinyrange/jitx86/internal/asm"
	"golang.org/x/sys/unix"
)

// maxCallArguments bounds Func.Call; the first six go in registers, the
// rest on the stack.
const maxCallArguments = 9

// Func is a linked program mapped executable in this process.
type Func struct {
	entry uintptr
	mem   []byte
	prog  asm.Program
}

var _ asm.NativeFunc = (*Func)(nil)

// Call executes the code with integer arguments in the System V AMD64
// argument registers and returns RAX.
func (fn *Func) Call(args ...uintptr) uintptr {
	if fn == nil || fn.entry == 0 {
		panic("amd64.Func: call on released or zero function")
	}
	if len(args) > maxCallArguments {
		panic(fmt.Sprintf("amd64.Func: at most %d arguments, got %d", maxCallArguments, len(args)))
	}
	r1, _, _ := purego.SyscallN(fn.entry, args...)
	return r1
}

// Entry returns the address of the first code byte.
func (fn *Func) Entry() uintptr { return fn.entry }

// Program returns a deep copy of the Program backing the function.
func (fn *Func) Program() asm.Program { return fn.prog.Clone() }

// Release unmaps the code and data.
func (fn *Func) Release() error {
	if fn.mem == nil {
		return nil
	}
	err := unix.Munmap(fn.mem)
	fn.mem = nil
	fn.entry = 0
	if err != nil {
		return fmt.Errorf("munmap code region: %w", err)
	}
	return nil
}

// Load maps prog into executable memory. data, if non-nil, is placed on the
// pages after the code and stays writable; its symbols and those in
// symbols resolve the relocations.
func Load(prog asm.Program, data *DataSection, symbols map[asm.Symbol]uint64) (*Func, error) {
	size := prog.Len()
	if size == 0 {
		return nil, fmt.Errorf("empty code")
	}

	pageSize := unix.Getpagesize()
	codeAllocSize := alignUp(size, pageSize)
	dataSize := 0
	if data != nil {
		dataSize = data.Len()
	}
	allocSize := alignUp(codeAllocSize+dataSize, pageSize)

	mem, err := unix.Mmap(-1, 0, allocSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap code region: %w", err)
	}
	release := true
	defer func() {
		if release {
			_ = unix.Munmap(mem)
		}
	}()

	base := uintptr(unsafe.Pointer(&mem[0]))
	resolved := data.Symbols(uint64(base)+uint64(codeAllocSize), symbols)
	code, err := prog.Link(uint64(base), resolved)
	if err != nil {
		return nil, err
	}
	copy(mem, code)
	if data != nil {
		copy(mem[codeAllocSize:], data.buf)
	}

	if err := unix.Mprotect(mem[:codeAllocSize], unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return nil, fmt.Errorf("mprotect code region: %w", err)
	}

	release = false
	return &Func{entry: base, mem: mem, prog: prog.Clone()}, nil
}

// Compile finishes e and loads the program without external symbols.
func Compile(e *Emitter, data *DataSection) (*Func, error) {
	prog, err := e.Finish()
	if err != nil {
		return nil, fmt.Errorf("emit program: %w", err)
	}
	return Load(prog, data, nil)
}

func MustCompile(e *Emitter) *Func {
	fn, err := Compile(e, nil)
	if err != nil {
		panic(err)
	}
	return fn
}

// DataAddress returns the loaded address of a data symbol.
func (fn *Func) DataAddress(data *DataSection, sym asm.Symbol) (uintptr, bool) {
	off, ok := data.Offset(sym)
	if !ok || fn.mem == nil {
		return 0, false
	}
	codeAllocSize := alignUp(fn.prog.Len(), unix.Getpagesize())
	return fn.entry + uintptr(codeAllocSize+off), true
}
