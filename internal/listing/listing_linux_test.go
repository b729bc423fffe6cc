//go:build linux && amd64

package listing

import (
	"testing"

	"github.com/tinyrange/jitx86/internal/asm/amd64"
)

func TestListingExecutes(t *testing.T) {
	l := mustParse(t, `
name: addconst
data:
  - {name: bias, quads: [100]}
code:
  - lea rax, [rdi+rsi]
  - add rax, [rip+bias]
  - cmp rax, 200
  - jl done
  - mov rax, -1
  - done:
  - ret
`)
	prog, data, err := l.Build(amd64.Config{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	fn, err := amd64.Load(prog, data, nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer fn.Release()

	tests := []struct {
		a, b uintptr
		want int64
	}{
		{2, 3, 105},
		{0, 0, 100},
		{60, 40, -1},
	}
	for _, tc := range tests {
		if got := int64(fn.Call(tc.a, tc.b)); got != tc.want {
			t.Fatalf("addconst(%d, %d)=%d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}
