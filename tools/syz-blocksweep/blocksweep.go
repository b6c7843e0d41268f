// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// syz-blocksweep statically sweeps a binary and prints the basic blocks
// that would be instrumented.
//
// Usage:
//
//	syz-blocksweep [-filter filter.yaml] [-disasm] ./binary
package main

import (
	"flag"
	"fmt"

	"github.com/google/blockcov/pkg/binimage"
	"github.com/google/blockcov/pkg/covfilter"
	"github.com/google/blockcov/pkg/disasm"
	"github.com/google/blockcov/pkg/sweep"
	"github.com/google/blockcov/pkg/symbolizer"
	"github.com/google/blockcov/pkg/tool"
)

func main() {
	var (
		flagFilter = flag.String("filter", "", "symbol filter rules file (optional)")
		flagDisasm = flag.Bool("disasm", false, "print instructions of every block")
	)
	args := tool.Init("[flags] binary")
	if len(args) != 1 {
		flag.Usage()
		tool.Failf("want exactly one binary")
	}
	var filter *covfilter.Filter
	if *flagFilter != "" {
		var err error
		if filter, err = covfilter.Load(*flagFilter); err != nil {
			tool.Fail(err)
		}
	}
	symb := symbolizer.Default()
	mod, err := binimage.Open(args[0], symb)
	if err != nil {
		tool.Fail(err)
	}
	defer mod.Close()
	blocks, stats, err := sweep.SweepModule(mod, filter)
	if err != nil {
		tool.Fail(err)
	}
	for _, b := range blocks {
		where := "?"
		if frames, err := symb.Symbolize(mod.Path, mod.Symbols.Table(), b.Offset); err == nil {
			where = frames[0].String()
		}
		fmt.Printf("0x%08x %4v %v\n", b.Offset, b.Size, where)
		if *flagDisasm {
			if err := printBlock(mod, b); err != nil {
				tool.Fail(err)
			}
		}
	}
	fmt.Printf("%v: %v %v, %v blocks, %v symbols (%v skipped), %v regions, %v sancov leaders\n",
		mod.Path, mod.Format, mod.Arch, len(blocks), stats.Symbols, stats.SkippedSymbols,
		stats.Regions, stats.SancovLeaders)
	for _, kind := range []binimage.SancovKind{binimage.SancovPCs, binimage.SancovInline8bitCounters,
		binimage.SancovBoolFlags} {
		if n, ok := mod.SancovTableSize(kind); ok {
			fmt.Printf("sancov %v: %v entries\n", kind, n)
		}
	}
}

func printBlock(mod *binimage.Module, b sweep.Block) error {
	code, err := mod.ReadImage(b.Offset, b.Size)
	if err != nil {
		return err
	}
	dec := disasm.NewDecoder(mod.Arch, code, b.Offset)
	for {
		inst, ok := dec.Next()
		if !ok {
			break
		}
		fmt.Printf("\t0x%08x  %-30v %v\n", inst.Addr, dec.Text(inst.Addr), inst.Flow)
	}
	return nil
}
