// Package listing reads YAML instruction listings and replays them into an
// amd64 Emitter.
//
// A listing looks like:
//
//	name: strlen
//	features: bmi1,popcnt
//	locals:
//	  - {id: 1, base: fp, offset: -8}
//	data:
//	  - {name: msg, string: "hi\n", align: 1}
//	code:
//	  - xor eax, eax
//	  - loop:
//	  - cmp byte [rdi+rax], 0
//	  - je done
//	  - inc rax
//	  - jmp loop
//	  - done:
//	  - ret
//
// Every code line is a label ("name:"), a directive (split, cold, hot) or
// one instruction in Intel operand order.
package listing

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/jitx86/internal/asm"
	"github.com/tinyrange/jitx86/internal/asm/amd64"
)

// Listing is one decoded listing file.
type Listing struct {
	Name     string  `yaml:"name"`
	Features string  `yaml:"features"`
	Locals   []Local `yaml:"locals"`
	Data     []Data  `yaml:"data"`
	Code     []Line  `yaml:"code"`
}

// Local binds a frame local to a slot.
type Local struct {
	ID     asm.LocalID `yaml:"id"`
	Base   string      `yaml:"base"`
	Offset int32       `yaml:"offset"`
}

// Data is one data-section blob. Exactly one of String, Hex and Quads is
// set.
type Data struct {
	Name   string  `yaml:"name"`
	String *string `yaml:"string"`
	Hex    string  `yaml:"hex"`
	Quads  []int64 `yaml:"quads"`
	Align  int     `yaml:"align"`
}

// Line is one code line together with its position in the file.
type Line struct {
	Text string
	Pos  int
}

// UnmarshalYAML accepts a scalar or, for labels written as "- name:", a
// mapping with one key and no value.
func (l *Line) UnmarshalYAML(value *yaml.Node) error {
	l.Pos = value.Line
	switch {
	case value.Kind == yaml.ScalarNode:
		l.Text = value.Value
	case value.Kind == yaml.MappingNode && len(value.Content) == 2 &&
		value.Content[1].Tag == "!!null" && value.Content[1].Value == "":
		l.Text = value.Content[0].Value + ":"
	default:
		return fmt.Errorf("line %d: code entries must be strings", value.Line)
	}
	return nil
}

// Parse decodes a listing and checks everything that does not need an
// Emitter.
func Parse(data []byte) (*Listing, error) {
	var l Listing
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	if err := l.normalize(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Load reads and parses the listing at path.
func Load(path string) (*Listing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	l, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return l, nil
}

func (l *Listing) normalize() error {
	if l.Name == "" {
		l.Name = "main"
	}
	if len(l.Code) == 0 {
		return fmt.Errorf("listing %q has no code", l.Name)
	}
	if _, err := amd64.ParseFeatures(l.Features); err != nil {
		return fmt.Errorf("listing %q: %w", l.Name, err)
	}
	for i := range l.Locals {
		loc := &l.Locals[i]
		loc.Base = strings.ToLower(loc.Base)
		switch loc.Base {
		case "", "fp", "rbp":
			loc.Base = "fp"
		case "sp", "rsp":
			loc.Base = "sp"
		default:
			return fmt.Errorf("local %d: unknown base %q", loc.ID, loc.Base)
		}
	}
	seen := make(map[string]bool)
	for _, d := range l.Data {
		if d.Name == "" {
			return fmt.Errorf("data entry without a name")
		}
		if seen[d.Name] {
			return fmt.Errorf("data %q defined twice", d.Name)
		}
		seen[d.Name] = true
		set := 0
		if d.String != nil {
			set++
		}
		if d.Hex != "" {
			set++
		}
		if d.Quads != nil {
			set++
		}
		if set != 1 {
			return fmt.Errorf("data %q: exactly one of string, hex and quads must be set", d.Name)
		}
	}
	return nil
}

// FeatureSet is the parsed features line.
func (l *Listing) FeatureSet() amd64.Features {
	fs, _ := amd64.ParseFeatures(l.Features)
	return fs
}

// Frame builds the frame layout declared by the listing.
func (l *Listing) Frame() (*asm.Frame, error) {
	frame := asm.NewFrame()
	for _, loc := range l.Locals {
		base := asm.FrameFP
		if loc.Base == "sp" {
			base = asm.FrameSP
		}
		if err := frame.Assign(loc.ID, asm.FrameSlot{Base: base, Offset: loc.Offset}); err != nil {
			return nil, err
		}
	}
	return frame, nil
}

// DataSection lays out the listing's data blobs.
func (l *Listing) DataSection() (*amd64.DataSection, error) {
	ds := amd64.NewDataSection()
	for _, d := range l.Data {
		var blob []byte
		switch {
		case d.String != nil:
			blob = []byte(*d.String)
		case d.Hex != "":
			b, err := hex.DecodeString(strings.Join(strings.Fields(d.Hex), ""))
			if err != nil {
				return nil, fmt.Errorf("data %q: %w", d.Name, err)
			}
			blob = b
		default:
			for _, q := range d.Quads {
				blob = appendQuad(blob, q)
			}
		}
		if err := ds.Add(asm.Symbol(d.Name), blob, d.Align); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

func appendQuad(b []byte, v int64) []byte {
	for i := 0; i < 8; i++ {
		b = append(b, byte(uint64(v)>>(8*i)))
	}
	return b
}

// Build emits the listing with cfg and returns the finished program and its
// data section. When cfg carries no features or frame, the listing's own
// are used.
func (l *Listing) Build(cfg amd64.Config) (asm.Program, *amd64.DataSection, error) {
	if cfg.Features == (amd64.Features{}) {
		cfg.Features = l.FeatureSet()
	}
	if cfg.Frame == nil {
		frame, err := l.Frame()
		if err != nil {
			return asm.Program{}, nil, err
		}
		cfg.Frame = frame
	}
	data, err := l.DataSection()
	if err != nil {
		return asm.Program{}, nil, err
	}
	e := amd64.NewEmitter(cfg)
	if err := l.Emit(e); err != nil {
		return asm.Program{}, nil, err
	}
	prog, err := e.Finish()
	if err != nil {
		return asm.Program{}, nil, fmt.Errorf("listing %q: %w", l.Name, err)
	}
	return prog, data, nil
}

// Emit replays every code line into e.
func (l *Listing) Emit(e *amd64.Emitter) error {
	labels := make(map[string]*amd64.Label)
	for _, line := range l.Code {
		name, ok := labelName(line.Text)
		if !ok {
			continue
		}
		if _, dup := labels[name]; dup {
			return fmt.Errorf("line %d: label %q defined twice", line.Pos, name)
		}
		labels[name] = e.NewNamedLabel(name)
	}
	for _, line := range l.Code {
		if err := emitLine(e, labels, line.Text); err != nil {
			return fmt.Errorf("line %d: %q: %w", line.Pos, line.Text, err)
		}
	}
	return nil
}

func labelName(text string) (string, bool) {
	text = stripComment(text)
	if !strings.HasSuffix(text, ":") {
		return "", false
	}
	name := strings.TrimSuffix(text, ":")
	if name == "" || strings.ContainsAny(name, " \t,[]") {
		return "", false
	}
	return name, true
}
