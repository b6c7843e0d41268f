// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package binimage

import (
	"debug/pe"
	"errors"
	"sort"

	"github.com/google/blockcov/pkg/disasm"
	"github.com/google/blockcov/pkg/log"
)

func (mod *Module) parsePE() error {
	file, err := pe.NewFile(mod.r)
	if err != nil {
		return err
	}
	if mod.Arch, err = disasm.ArchFromPE(file.Machine); err != nil {
		return err
	}
	var entry, headers uint32
	switch oh := file.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		mod.Base, entry, headers = uint64(oh.ImageBase), oh.AddressOfEntryPoint, oh.SizeOfHeaders
	case *pe.OptionalHeader64:
		mod.Base, entry, headers = oh.ImageBase, oh.AddressOfEntryPoint, oh.SizeOfHeaders
	default:
		return errors.New("missing optional header")
	}
	if entry != 0 {
		mod.entry, mod.hasEntry = uint64(entry), true
	}
	mod.segments = append(mod.segments, segment{
		fileSize: uint64(headers),
		vaddr:    mod.Base,
		memSize:  uint64(headers),
	})
	for _, sect := range file.Sections {
		size := uint64(min(sect.VirtualSize, sect.Size))
		if sect.VirtualSize == 0 {
			size = uint64(sect.Size)
		}
		mod.segments = append(mod.segments, segment{
			fileOffset: uint64(sect.Offset),
			fileSize:   size,
			vaddr:      mod.Base + uint64(sect.VirtualAddress),
			memSize:    uint64(sect.VirtualSize),
		})
		if sect.Characteristics&pe.IMAGE_SCN_MEM_EXECUTE == 0 || size == 0 {
			continue
		}
		mod.exec = append(mod.exec, Region{
			Name:        sect.Name,
			FileOffset:  uint64(sect.Offset),
			ImageOffset: uint64(sect.VirtualAddress),
			Size:        size,
		})
	}
	sortRegions(mod.exec)
	syms := mod.peCOFFSymbols(file)
	markNoReturn(syms)
	mod.addSymbols(syms)
	mod.peSancov(file, mod.Base)
	return nil
}

// peCOFFSymbols loads function symbols from the COFF symbol table (MinGW builds).
// COFF symbols have no size, a function extends to the next function in the same section.
func (mod *Module) peCOFFSymbols(file *pe.File) []*Symbol {
	type funcSym struct {
		name string
		sect int
		rva  uint64
	}
	var funcs []funcSym
	for _, sym := range file.Symbols {
		const dtypeFunction = 2
		if sym.SectionNumber <= 0 || int(sym.SectionNumber) > len(file.Sections) ||
			(sym.Type>>4)&3 != dtypeFunction || sym.Name == "" {
			continue
		}
		sect := file.Sections[sym.SectionNumber-1]
		funcs = append(funcs, funcSym{
			name: sym.Name,
			sect: int(sym.SectionNumber),
			rva:  uint64(sect.VirtualAddress) + uint64(sym.Value),
		})
	}
	sort.SliceStable(funcs, func(i, j int) bool {
		return funcs[i].rva < funcs[j].rva
	})
	svc := mod.symb
	var syms []*Symbol
	for i, fn := range funcs {
		if i > 0 && funcs[i-1].rva == fn.rva {
			continue
		}
		sect := file.Sections[fn.sect-1]
		end := uint64(sect.VirtualAddress) + uint64(sect.VirtualSize)
		for j := i + 1; j < len(funcs); j++ {
			if funcs[j].rva != fn.rva && funcs[j].sect == fn.sect {
				end = min(end, funcs[j].rva)
				break
			}
		}
		if end <= fn.rva {
			continue
		}
		fileOff := uint64(sect.Offset) + fn.rva - uint64(sect.VirtualAddress)
		sym, err := NewSymbol(fn.name, fileOff, fn.rva, end-fn.rva)
		if err != nil {
			log.Logf(2, "%v: skipping symbol %q: %v", mod.Path, fn.name, err)
			continue
		}
		sym.Name = svc.Intern(sym.Name)
		sym.Demangled = svc.Demangle(sym.Name)
		syms = append(syms, sym)
	}
	return syms
}
