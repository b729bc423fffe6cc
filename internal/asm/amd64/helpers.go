//go:build linux && amd64

package amd64

// MustCompileUnaryInt64 finishes e into a function taking and returning an
// int64 in RDI and RAX. The mapping lives until the process exits.
func MustCompileUnaryInt64(e *Emitter) func(int64) int64 {
	fn := MustCompile(e)
	return func(arg int64) int64 {
		return int64(fn.Call(uintptr(arg)))
	}
}

// MustCompileUnaryInt32 truncates the result to the low 32 bits of RAX.
func MustCompileUnaryInt32(e *Emitter) func(int32) int32 {
	fn := MustCompile(e)
	return func(arg int32) int32 {
		return int32(uint32(fn.Call(uintptr(uint32(arg)))))
	}
}

func MustCompileBinaryInt64(e *Emitter) func(int64, int64) int64 {
	fn := MustCompile(e)
	return func(a, b int64) int64 {
		return int64(fn.Call(uintptr(a), uintptr(b)))
	}
}
