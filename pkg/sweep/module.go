// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package sweep

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/blockcov/pkg/binimage"
	"github.com/google/blockcov/pkg/log"
)

type SymbolFilter interface {
	IncludesSymbol(module, symbol string) bool
}

type Stats struct {
	Symbols        int
	SkippedSymbols int
	Regions        int
	SancovLeaders  int
}

// SweepModule sweeps all function symbols of the module accepted by filter (nil accepts all).
// Modules without function symbols are swept over executable sections,
// seeded with the section start and the entry point.
// Sanitizer coverage PC table entries are used as extra leaders.
func SweepModule(mod *binimage.Module, filter SymbolFilter) ([]Block, *Stats, error) {
	stats := new(Stats)
	var codes []Code
	for _, r := range mod.ExecRegions() {
		data, err := mod.ReadAt(r.FileOffset, r.Size)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, Code{Arch: mod.Arch, Offset: r.ImageOffset, Data: data})
	}
	sancov := mod.SancovLeaders()
	stats.SancovLeaders = len(sancov)
	opts := Options{IsNoReturn: mod.IsNoReturn}
	var funcs []*binimage.Symbol
	for _, sym := range mod.Symbols.Symbols() {
		if !sym.PLT {
			funcs = append(funcs, sym)
		}
	}
	var blocks []Block
	if len(funcs) != 0 {
		for _, sym := range funcs {
			if filter != nil && !filter.IncludesSymbol(mod.Path, sym.Name) {
				stats.SkippedSymbols++
				continue
			}
			code, ok := findCode(codes, sym.ImageOffset)
			if !ok {
				log.Logf(2, "%v: symbol %v is not in an executable section", mod.Path, sym)
				stats.SkippedSymbols++
				continue
			}
			region := Region{Start: sym.ImageOffset, Size: min(sym.Size, code.End()-sym.ImageOffset)}
			res, err := Sweep(code, region, leadersIn(sancov, region), opts)
			if err != nil {
				return nil, nil, fmt.Errorf("%v: failed to sweep %v: %w", mod.Path, sym, err)
			}
			stats.Symbols++
			blocks = append(blocks, res...)
		}
	} else {
		entry, hasEntry := mod.Entry()
		for i, r := range mod.ExecRegions() {
			if isPLTSection(r.Name) {
				continue
			}
			region := Region{Start: r.ImageOffset, Size: r.Size}
			extra := leadersIn(sancov, region)
			if hasEntry && region.Contains(entry) {
				extra = append(extra, entry)
			}
			res, err := Sweep(codes[i], region, extra, opts)
			if err != nil {
				return nil, nil, fmt.Errorf("%v: failed to sweep %v: %w", mod.Path, r.Name, err)
			}
			stats.Regions++
			blocks = append(blocks, res...)
		}
	}
	return Normalize(blocks), stats, nil
}

// Normalize sorts blocks, removes duplicate offsets and clips overlapping blocks.
func Normalize(blocks []Block) []Block {
	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].Offset != blocks[j].Offset {
			return blocks[i].Offset < blocks[j].Offset
		}
		return blocks[i].Size < blocks[j].Size
	})
	res := blocks[:0]
	for _, b := range blocks {
		if len(res) != 0 {
			last := &res[len(res)-1]
			if last.Offset == b.Offset {
				continue
			}
			if last.End() > b.Offset {
				last.Size = b.Offset - last.Offset
			}
		}
		res = append(res, b)
	}
	return res
}

func findCode(codes []Code, off uint64) (Code, bool) {
	for _, code := range codes {
		if off >= code.Offset && off < code.End() {
			return code, true
		}
	}
	return Code{}, false
}

func leadersIn(sorted []uint64, region Region) []uint64 {
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= region.Start })
	j := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= region.End() })
	return append([]uint64(nil), sorted[i:j]...)
}

func isPLTSection(name string) bool {
	return name == ".plt" || strings.HasPrefix(name, ".plt.")
}
