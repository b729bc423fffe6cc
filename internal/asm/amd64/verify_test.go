package amd64

import "testing"

func TestVerifyTable(t *testing.T) {
	cases := VerifyCases(nil)
	var calls, last int
	report, err := VerifyTable(VerifyOptions{
		Features: AllFeatures(),
		Progress: func(done, total int) {
			calls++
			last = done
			if total != len(cases) {
				t.Fatalf("progress total=%d, want %d", total, len(cases))
			}
		},
	})
	if err != nil {
		t.Fatalf("VerifyTable failed: %v", err)
	}
	for _, m := range report.Mismatches {
		t.Errorf("%s", m)
	}
	if got, want := calls, len(cases); got != want {
		t.Fatalf("progress calls=%d, want %d", got, want)
	}
	if got, want := last, len(cases); got != want {
		t.Fatalf("last progress=%d, want %d", got, want)
	}
	if got := len(report.Skipped); got != 0 {
		t.Fatalf("skipped=%v, want none", report.Skipped)
	}
	if got, want := report.Checked, len(cases); got != want {
		t.Fatalf("checked=%d, want %d", got, want)
	}
	table := DefaultTable()
	for _, vc := range report.Unverified {
		c, err := table.Lookup(vc.Op)
		if err != nil {
			t.Fatalf("Lookup(%s) failed: %v", vc.Op, err)
		}
		if !usesVEX(c.Form(vc.Shape), AllFeatures()) {
			t.Errorf("legacy encoding %s left unverified", vc)
		}
	}
}

func TestVerifyTableSkipsMissingFeatures(t *testing.T) {
	report, err := VerifyTable(VerifyOptions{})
	if err != nil {
		t.Fatalf("VerifyTable failed: %v", err)
	}
	if !report.OK() {
		t.Fatalf("mismatches: %v", report.Mismatches)
	}
	if got, want := report.Checked+len(report.Skipped), len(VerifyCases(nil)); got != want {
		t.Fatalf("checked+skipped=%d, want %d", got, want)
	}
	skipped := map[Op]bool{}
	for _, vc := range report.Skipped {
		skipped[vc.Op] = true
	}
	for _, op := range []Op{POPCNT, TZCNT, VMOVDQU, VADDPS, VPSHUFB, ANDN, SHLX} {
		if !skipped[op] {
			t.Errorf("%s not skipped without its feature", op)
		}
	}
	if skipped[ADD] || skipped[MOVSD] {
		t.Fatalf("baseline opcode skipped: %v", report.Skipped)
	}
}

func TestVerifyCasesCoverTable(t *testing.T) {
	seen := map[Op]bool{}
	for _, vc := range VerifyCases(nil) {
		seen[vc.Op] = true
	}
	for op := Op(0); op < numOps; op++ {
		if !seen[op] {
			t.Errorf("%s has no verify case", op)
		}
	}
}

func TestX86RegNames(t *testing.T) {
	tests := []struct {
		reg  Reg
		size Size
		want string
	}{
		{RAX, S8, "AL"},
		{RSI, S8, "SIB"},
		{R12, S8, "R12B"},
		{RDX, S16, "DX"},
		{R9, S32, "R9L"},
		{R15, S64, "R15"},
		{X7, S128, "X7"},
		{X14, S256, "X14"},
	}
	for _, tc := range tests {
		if got := x86Reg(tc.reg, tc.size).String(); got != tc.want {
			t.Fatalf("x86Reg(%s, %s)=%s, want %s", tc.reg, tc.size, got, tc.want)
		}
	}
}
