package asm

// NativeFunc is a linked program mapped into executable memory.
type NativeFunc interface {
	// Call executes the code with integer arguments passed in the
	// System V AMD64 argument registers.
	Call(args ...uintptr) uintptr

	// Entry returns the address of the first code byte.
	Entry() uintptr

	// Program returns a copy of the Program the code was linked from.
	Program() Program

	// Release unmaps the code.
	Release() error
}
