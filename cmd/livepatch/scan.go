package main

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/pboyd/livepatch"
	"github.com/scott-cotton/cli"
	"go.uber.org/zap"
)

func scan(cfg *ScanConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Scan.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: no files given", cli.ErrUsage)
	}
	settings, log, err := cfg.settings()
	if err != nil {
		return err
	}
	defer log.Sync()
	if cfg.Arch != "" {
		settings.Arch = cfg.Arch
	}
	base, err := strconv.ParseUint(cfg.Base, 0, 64)
	if err != nil {
		return fmt.Errorf("%w: bad base address %q: %w", cli.ErrUsage, cfg.Base, err)
	}
	builder, err := settings.Builder()
	if err != nil {
		return fmt.Errorf("%w: %w", cli.ErrUsage, err)
	}

	for _, file := range args {
		if err := scanFile(cc.Out, log, settings.Arch, builder, uintptr(base), file); err != nil {
			return err
		}
	}
	return nil
}

func scanFile(w io.Writer, log *zap.Logger, arch string, builder livepatch.Builder, base uintptr, file string) error {
	code, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("could not read %q: %w", file, err)
	}
	log.Debug("scanning", zap.String("file", file), zap.Int("size", len(code)))

	rec, err := builder.Build(livepatch.NewBufferMemory(base, code), base)
	if err != nil {
		fmt.Fprintf(w, "%s: %s\n", file, color.RedString(err.Error()))
		return nil
	}

	fmt.Fprintf(w, "%s: %s\n", file, color.GreenString(rec.String()))
	for _, part := range []struct {
		label string
		code  []byte
	}{
		{"find", rec.Original()},
		{"repl", rec.Replacement()},
	} {
		fmt.Fprintln(w, color.New(color.Bold).Sprint(part.label))
		fmt.Fprint(w, livepatch.HexDump(rec.Addr(), part.code))
		listing, err := livepatch.Disassemble(arch, rec.Addr(), part.code)
		if err != nil {
			return err
		}
		fmt.Fprint(w, listing)
	}
	return nil
}
