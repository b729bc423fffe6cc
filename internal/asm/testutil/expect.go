package testutil

import (
	"fmt"
	"testing"
)

// Expectation is what one emitted instruction must decode to. An empty
// Mnemonic accepts any; Contains is matched against the normalized text.
type Expectation struct {
	Name     string
	Mnemonic string
	Contains []string
}

func (e Expectation) check(line DisasmLine) error {
	if e.Mnemonic != "" && line.Mnemonic != e.Mnemonic {
		return fmt.Errorf("decoded as %s, want %s", line.Mnemonic, e.Mnemonic)
	}
	for _, want := range e.Contains {
		if !line.Contains(want) {
			return fmt.Errorf("%q not in %q", want, line.Normalized)
		}
	}
	return nil
}

// VerifyExpectations matches lines against expect one to one, in emission
// order. Lines past the last expectation are the zero fill of the .text
// section and are not checked.
func VerifyExpectations(t *testing.T, lines []DisasmLine, expect []Expectation) {
	t.Helper()
	if len(lines) < len(expect) {
		t.Fatalf("decoded %d instructions, emitted %d", len(lines), len(expect))
	}
	for i, exp := range expect {
		if err := exp.check(lines[i]); err != nil {
			t.Fatalf("%s at %#x: %v\n%s", exp.Name, lines[i].Offset, err, lines[i].Text)
		}
	}
}
