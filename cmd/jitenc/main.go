// Command jitenc encodes an instruction listing and prints its annotated
// disassembly. It can also write the raw code, the side tables or a
// standalone ELF, and check the embedded capability table against the
// reference decoder.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/jitx86/internal/asm/amd64"
	"github.com/tinyrange/jitx86/internal/listing"
	"github.com/tinyrange/jitx86/internal/sidetable"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "jitenc: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) (retErr error) {
	fs := flag.NewFlagSet("jitenc", flag.ContinueOnError)
	fs.SetOutput(stderr)

	features := fs.String("features", "", "ISA features: comma list of avx,avx2,bmi1,bmi2,popcnt,vex or native/all (default: the listing's)")
	syntax := fs.String("syntax", "intel", "disassembly syntax: intel, att or go")
	base := fs.Uint64("base", 0, "address the listing is printed at")
	out := fs.String("o", "", "write the unlinked code bytes to this file")
	elfOut := fs.String("elf", "", "write a standalone ELF executable to this file")
	tables := fs.String("tables", "", "write the relocation and GC side tables to this file")
	verify := fs.Bool("verify", false, "check every capability table entry against the reference decoder and exit")
	color := fs.String("color", "auto", "color the listing: auto, always or never")
	quiet := fs.Bool("q", false, "do not print the listing")
	debug := fs.Bool("debug", false, "enable debug logging")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: jitenc [flags] listing.yaml\n")
		fmt.Fprintf(stderr, "       jitenc -verify [-features list]\n\n")
		fmt.Fprintf(stderr, "Encode an x86-64 instruction listing.\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if *verify {
		feats := amd64.AllFeatures()
		if *features != "" {
			var err error
			if feats, err = amd64.ParseFeatures(*features); err != nil {
				return err
			}
		}
		return runVerify(feats, stdout, stderr)
	}

	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("listing file required")
	}
	l, err := listing.Load(fs.Arg(0))
	if err != nil {
		return err
	}

	cfg := amd64.Config{Logger: logger}
	if *features != "" {
		if cfg.Features, err = amd64.ParseFeatures(*features); err != nil {
			return err
		}
	}

	if *tables != "" {
		w, err := sidetable.Create(*tables)
		if err != nil {
			return fmt.Errorf("create side tables: %w", err)
		}
		defer func() {
			if err := w.Close(); err != nil && retErr == nil {
				retErr = fmt.Errorf("close side tables: %w", err)
			}
		}()
		sink := w.Method(l.Name)
		cfg.Relocs = sink
		cfg.GCInfo = sink
	}

	prog, data, err := l.Build(cfg)
	if err != nil {
		return err
	}
	logger.Debug("listing encoded", "name", l.Name, "bytes", prog.Len(), "relocations", len(prog.Relocations()))

	if !*quiet {
		sx, err := amd64.ParseSyntax(*syntax)
		if err != nil {
			return err
		}
		useColor, err := colorEnabled(*color, stdout)
		if err != nil {
			return err
		}
		opts := amd64.DisasmOptions{Syntax: sx, Base: *base, Color: useColor}
		if err := amd64.Disassemble(stdout, prog, opts); err != nil {
			return err
		}
	}

	if *out != "" {
		if err := os.WriteFile(*out, prog.Bytes(), 0o644); err != nil {
			return fmt.Errorf("write code: %w", err)
		}
	}
	if *elfOut != "" {
		image, err := amd64.StandaloneELF(prog, data, amd64.StandaloneELFConfig{})
		if err != nil {
			return fmt.Errorf("build ELF: %w", err)
		}
		if err := os.WriteFile(*elfOut, image, 0o755); err != nil {
			return fmt.Errorf("write ELF: %w", err)
		}
	}
	return nil
}

func colorEnabled(mode string, w io.Writer) (bool, error) {
	switch mode {
	case "always":
		return true, nil
	case "never":
		return false, nil
	case "auto":
		f, ok := w.(*os.File)
		return ok && term.IsTerminal(int(f.Fd())), nil
	}
	return false, fmt.Errorf("unknown color mode %q", mode)
}

func runVerify(feats amd64.Features, stdout, stderr io.Writer) (retErr error) {
	total := len(amd64.VerifyCases(nil))
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(stderr),
		progressbar.OptionSetDescription("verify"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	defer func() {
		if err := bar.Close(); err != nil && retErr == nil {
			retErr = fmt.Errorf("progress: %w", err)
		}
	}()

	var barErr error
	report, err := amd64.VerifyTable(amd64.VerifyOptions{
		Features: feats,
		Progress: func(done, _ int) {
			if err := bar.Set(done); err != nil && barErr == nil {
				barErr = err
			}
		},
	})
	if err != nil {
		return err
	}
	if barErr != nil {
		return fmt.Errorf("progress: %w", barErr)
	}
	if err := bar.Finish(); err != nil {
		return fmt.Errorf("progress: %w", err)
	}

	for _, m := range report.Mismatches {
		fmt.Fprintf(stdout, "MISMATCH %s\n", m)
	}
	fmt.Fprintf(stdout, "checked %d, unverified %d, skipped %d, mismatches %d\n",
		report.Checked, len(report.Unverified), len(report.Skipped), len(report.Mismatches))
	if !report.OK() {
		return fmt.Errorf("%d capability table entries do not round-trip", len(report.Mismatches))
	}
	return nil
}
