package amd64

import (
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/jitx86/internal/asm"
)

const (
	elfHeaderSize        = 64
	elfProgramHeaderSize = 56
)

var defaultStandaloneELFConfig = StandaloneELFConfig{
	BaseAddress:      0x401000,
	SegmentOffset:    0x1000,
	SegmentAlignment: 0x1000,
	SegmentFlags:     elf.PF_R | elf.PF_W | elf.PF_X,
}

// StandaloneELFConfig controls how StandaloneELF lays out the executable.
type StandaloneELFConfig struct {
	// BaseAddress is the virtual address of the first code byte. Relocations
	// are resolved against it.
	BaseAddress uint64
	// SegmentOffset is the file offset of the loadable segment. It must be
	// aligned to SegmentAlignment and leave room for the headers.
	SegmentOffset uint64
	SegmentAlignment uint64
	// SegmentFlags defaults to RWX so the data section stays writable.
	SegmentFlags elf.ProgFlag
	// Symbols resolves references that are not in the data section.
	Symbols map[asm.Symbol]uint64
}

func DefaultStandaloneELFConfig() StandaloneELFConfig {
	return defaultStandaloneELFConfig
}

// StandaloneELF wraps prog and data in a single-segment static executable
// whose entry point is the first code byte. The data section follows the
// code, aligned to 16 bytes.
func StandaloneELF(prog asm.Program, data *DataSection, cfg StandaloneELFConfig) ([]byte, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	codeLen := alignUp(prog.Len(), 16)
	symbols := data.Symbols(cfg.BaseAddress+uint64(codeLen), cfg.Symbols)
	code, err := prog.Link(cfg.BaseAddress, symbols)
	if err != nil {
		return nil, err
	}

	segment := make([]byte, codeLen)
	copy(segment, code)
	if data != nil {
		segment = append(segment, data.buf...)
	}
	fileSize := uint64(len(segment))

	prefix := make([]byte, int(cfg.SegmentOffset))
	fillELFHeader(prefix[:elfHeaderSize], cfg)
	fillProgramHeader(prefix[elfHeaderSize:elfHeaderSize+elfProgramHeaderSize], cfg, fileSize, fileSize)

	return append(prefix, segment...), nil
}

func (cfg StandaloneELFConfig) withDefaults() StandaloneELFConfig {
	defaults := DefaultStandaloneELFConfig()
	if cfg.BaseAddress == 0 {
		cfg.BaseAddress = defaults.BaseAddress
	}
	if cfg.SegmentOffset == 0 {
		cfg.SegmentOffset = defaults.SegmentOffset
	}
	if cfg.SegmentAlignment == 0 {
		cfg.SegmentAlignment = defaults.SegmentAlignment
	}
	if cfg.SegmentFlags == 0 {
		cfg.SegmentFlags = defaults.SegmentFlags
	}
	return cfg
}

func (cfg StandaloneELFConfig) validate() error {
	headerSize := uint64(elfHeaderSize + elfProgramHeaderSize)
	if cfg.SegmentOffset < headerSize {
		return fmt.Errorf("segment offset %#x too small for ELF headers (%#x)", cfg.SegmentOffset, headerSize)
	}
	if cfg.SegmentAlignment == 0 || cfg.SegmentAlignment&(cfg.SegmentAlignment-1) != 0 {
		return fmt.Errorf("segment alignment %#x is not a power of two", cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("segment offset %#x must be aligned to %#x", cfg.SegmentOffset, cfg.SegmentAlignment)
	}
	if cfg.BaseAddress < cfg.SegmentOffset {
		return fmt.Errorf("base address %#x must be >= segment offset %#x", cfg.BaseAddress, cfg.SegmentOffset)
	}
	if (cfg.BaseAddress-cfg.SegmentOffset)%cfg.SegmentAlignment != 0 {
		return fmt.Errorf("base address %#x must satisfy alignment relative to offset %#x (align %#x)", cfg.BaseAddress, cfg.SegmentOffset, cfg.SegmentAlignment)
	}
	if cfg.SegmentOffset > uint64(maxInt) {
		return fmt.Errorf("segment offset %#x exceeds platform limits", cfg.SegmentOffset)
	}
	return nil
}

func fillELFHeader(buf []byte, cfg StandaloneELFConfig) {
	clear(buf)
	copy(buf, elf.ELFMAG)
	buf[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	buf[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	buf[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[24:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(buf[32:], uint64(elfHeaderSize))
	binary.LittleEndian.PutUint16(buf[52:], uint16(elfHeaderSize))
	binary.LittleEndian.PutUint16(buf[54:], uint16(elfProgramHeaderSize))
	binary.LittleEndian.PutUint16(buf[56:], 1)
	// No section table.
}

func fillProgramHeader(buf []byte, cfg StandaloneELFConfig, fileSize uint64, memSize uint64) {
	clear(buf)
	binary.LittleEndian.PutUint32(buf[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(buf[4:], uint32(cfg.SegmentFlags))
	binary.LittleEndian.PutUint64(buf[8:], cfg.SegmentOffset)
	binary.LittleEndian.PutUint64(buf[16:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(buf[24:], cfg.BaseAddress)
	binary.LittleEndian.PutUint64(buf[32:], fileSize)
	binary.LittleEndian.PutUint64(buf[40:], memSize)
	binary.LittleEndian.PutUint64(buf[48:], cfg.SegmentAlignment)
}

func init() {
	if err := defaultStandaloneELFConfig.validate(); err != nil {
		panic(err)
	}
}

const maxInt = int(^uint(0) >> 1)
