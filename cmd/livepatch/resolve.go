package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/pboyd/livepatch"
	"github.com/scott-cotton/cli"
)

func resolve(cfg *ResolveConfig, cc *cli.Context, args []string) error {
	args, err := cfg.Resolve.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return fmt.Errorf("%w: no symbols given", cli.ErrUsage)
	}

	r := livepatch.NewResolver()
	for _, name := range args {
		addr, err := r.Resolve(name)
		if err != nil {
			fmt.Fprintf(cc.Out, "%s %s\n", name, color.RedString("not found"))
			continue
		}

		fr, err := livepatch.FuncRange(addr)
		if err != nil {
			fmt.Fprintf(cc.Out, "%s 0x%x\n", name, addr)
			continue
		}
		fmt.Fprintf(cc.Out, "%s 0x%x %s\n", name, addr, color.CyanString(fr.String()))
	}

	text, err := r.Segment("runtime.text", "runtime.etext")
	if err == nil {
		fmt.Fprintf(cc.Out, "text segment %v\n", text)
	}
	return nil
}
