package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/fatih/color"
	"github.com/pboyd/livepatch"
	"github.com/scott-cotton/cli"
	"go.uber.org/zap"
)

var probes = []int{0, 0x40, 0x41}

func demo(cfg *DemoConfig, cc *cli.Context, args []string) error {
	_, err := cfg.Demo.Parse(cc, args)
	if err != nil {
		return err
	}
	settings, log, err := cfg.settings()
	if err != nil {
		return err
	}
	defer log.Sync()
	if cfg.Strategy != "" {
		settings.Strategy = cfg.Strategy
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("%w: %w", cli.ErrUsage, err)
	}

	code, pad, err := livepatch.SampleCode(runtime.GOARCH)
	if err != nil {
		return err
	}

	var (
		addr    uintptr
		mapping livepatch.AliasMapping
	)
	switch settings.Strategy {
	case livepatch.StrategyAlias:
		m, err := livepatch.NewDualMapping(len(code))
		if err != nil {
			return err
		}
		defer m.Close()
		if addr, err = m.Load(code); err != nil {
			return err
		}
		mapping = m
	default:
		c, err := livepatch.LoadCode(code, pad)
		if err != nil {
			return err
		}
		defer c.Free()
		addr = c.Addr()
	}
	threshold := livepatch.FuncAt[func(int) int](addr)

	// Only the sample itself may be written through the alias.
	symbols := livepatch.StaticSymbols{
		livepatch.SampleSymbol:          addr,
		livepatch.SampleSymbol + ".end": addr + uintptr(len(code)),
	}
	if settings.SegmentStart == "" {
		settings.SegmentStart = livepatch.SampleSymbol
		settings.SegmentEnd = livepatch.SampleSymbol + ".end"
	}

	p, err := livepatch.New(livepatch.SampleSymbol,
		livepatch.WithConfig(settings),
		livepatch.WithResolver(livepatch.NewResolver(symbols)),
		livepatch.WithAliasMapping(mapping),
		livepatch.WithLogger(log),
	)
	if err != nil {
		return err
	}

	log.Info("loaded sample", zap.String("strategy", settings.Strategy), zap.String("addr", fmt.Sprintf("0x%x", addr)))
	report(cc.Out, "original", threshold)

	if err := p.Activate(); err != nil {
		fmt.Fprintln(cc.Out, color.RedString("activate failed: %v", err))
		return err
	}
	report(cc.Out, "patched", threshold)

	if err := p.Deactivate(); err != nil {
		fmt.Fprintln(cc.Out, color.RedString("deactivate failed: %v", err))
		return err
	}
	report(cc.Out, "reverted", threshold)

	return nil
}

func report(w io.Writer, label string, threshold func(int) int) {
	fmt.Fprintf(w, "%-9s", color.New(color.Bold).Sprint(label))
	for _, x := range probes {
		result := threshold(x)
		s := fmt.Sprintf(" f(0x%x)=%d", x, result)
		if result == 1 {
			s = color.GreenString(s)
		}
		fmt.Fprint(w, s)
	}
	fmt.Fprintln(w)
}
