package amd64

import (
	"fmt"
	"strings"

	"golang.org/x/sys/cpu"
)

// Feature is an optional instruction-set extension an opcode may require.
type Feature uint8

const (
	FeatureNone Feature = iota
	FeatureAVX
	FeatureAVX2
	FeatureBMI1
	FeatureBMI2
	FeaturePOPCNT
)

var featureNames = map[string]Feature{
	"":       FeatureNone,
	"avx":    FeatureAVX,
	"avx2":   FeatureAVX2,
	"bmi1":   FeatureBMI1,
	"bmi2":   FeatureBMI2,
	"popcnt": FeaturePOPCNT,
}

func (f Feature) String() string {
	for name, v := range featureNames {
		if v == f && name != "" {
			return name
		}
	}
	return "baseline"
}

func ParseFeature(s string) (Feature, error) {
	f, ok := featureNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return FeatureNone, fmt.Errorf("unknown ISA feature %q", s)
	}
	return f, nil
}

// Features are the ISA extensions the generated code may use. They are
// read-only once an Emitter is created.
type Features struct {
	AVX    bool
	AVX2   bool
	BMI1   bool
	BMI2   bool
	POPCNT bool

	// PreferVEX encodes vexable SSE forms with a VEX prefix. Requires AVX.
	PreferVEX bool
}

// Has reports whether f is available.
func (fs Features) Has(f Feature) bool {
	switch f {
	case FeatureNone:
		return true
	case FeatureAVX:
		return fs.AVX
	case FeatureAVX2:
		return fs.AVX2
	case FeatureBMI1:
		return fs.BMI1
	case FeatureBMI2:
		return fs.BMI2
	case FeaturePOPCNT:
		return fs.POPCNT
	}
	return false
}

func (fs Features) String() string {
	var parts []string
	for _, f := range []Feature{FeatureAVX, FeatureAVX2, FeatureBMI1, FeatureBMI2, FeaturePOPCNT} {
		if fs.Has(f) {
			parts = append(parts, f.String())
		}
	}
	if fs.PreferVEX {
		parts = append(parts, "vex")
	}
	if len(parts) == 0 {
		return "baseline"
	}
	return strings.Join(parts, ",")
}

// AllFeatures enables every extension without preferring VEX for SSE forms.
func AllFeatures() Features {
	return Features{AVX: true, AVX2: true, BMI1: true, BMI2: true, POPCNT: true}
}

// DetectFeatures reports the extensions of the running CPU.
func DetectFeatures() Features {
	return Features{
		AVX:       cpu.X86.HasAVX,
		AVX2:      cpu.X86.HasAVX2,
		BMI1:      cpu.X86.HasBMI1,
		BMI2:      cpu.X86.HasBMI2,
		POPCNT:    cpu.X86.HasPOPCNT,
		PreferVEX: cpu.X86.HasAVX,
	}
}

// ParseFeatures parses a comma-separated list such as "avx,avx2,vex".
// "native" selects DetectFeatures and "all" selects AllFeatures.
func ParseFeatures(list string) (Features, error) {
	var fs Features
	for _, name := range strings.Split(list, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case "", "baseline":
			continue
		case "native":
			fs = DetectFeatures()
			continue
		case "all":
			pref := fs.PreferVEX
			fs = AllFeatures()
			fs.PreferVEX = pref
			continue
		case "vex":
			fs.PreferVEX = true
			continue
		}
		f, err := ParseFeature(name)
		if err != nil {
			return Features{}, err
		}
		switch f {
		case FeatureAVX:
			fs.AVX = true
		case FeatureAVX2:
			fs.AVX2 = true
		case FeatureBMI1:
			fs.BMI1 = true
		case FeatureBMI2:
			fs.BMI2 = true
		case FeaturePOPCNT:
			fs.POPCNT = true
		}
	}
	if fs.PreferVEX && !fs.AVX {
		return Features{}, fmt.Errorf("vex encoding requires avx")
	}
	return fs, nil
}
