// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package binimage

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/blockcov/pkg/disasm"
	"github.com/google/blockcov/pkg/log"
)

func (mod *Module) parseELF() error {
	file, err := elf.NewFile(mod.r)
	if err != nil {
		return err
	}
	if mod.Arch, err = disasm.ArchFromELF(file.Machine); err != nil {
		return err
	}
	haveLoad := false
	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if !haveLoad || prog.Vaddr < mod.Base {
			mod.Base = prog.Vaddr
		}
		haveLoad = true
		mod.segments = append(mod.segments, segment{
			fileOffset: prog.Off,
			fileSize:   prog.Filesz,
			vaddr:      prog.Vaddr,
			memSize:    prog.Memsz,
			align:      prog.Align,
		})
	}
	if !haveLoad {
		return errors.New("no loadable segments")
	}
	if file.Entry >= mod.Base && file.Entry != 0 {
		mod.entry, mod.hasEntry = file.Entry-mod.Base, true
	}
	mod.exec = mod.elfExecRegions(file)

	raw, err := file.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		log.Logf(1, "%v: failed to read symbol table: %v", mod.Path, err)
	}
	dyn, err := file.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		log.Logf(1, "%v: failed to read dynamic symbol table: %v", mod.Path, err)
	}
	all := append(raw[:len(raw):len(raw)], dyn...)
	syms := mod.elfFuncSymbols(file, all)
	syms = append(syms, mod.elfPLTSymbols(file, dyn)...)
	markNoReturn(syms)
	mod.addSymbols(syms)
	mod.elfDWARFNoReturn(file)
	mod.elfSancov(file, all)
	return nil
}

func (mod *Module) elfExecRegions(file *elf.File) []Region {
	var regions []Region
	for _, sect := range file.Sections {
		if sect.Type != elf.SHT_PROGBITS || sect.Flags&elf.SHF_EXECINSTR == 0 ||
			sect.Flags&elf.SHF_ALLOC == 0 || sect.Size == 0 || sect.Addr < mod.Base {
			continue
		}
		regions = append(regions, Region{
			Name:        sect.Name,
			FileOffset:  sect.Offset,
			ImageOffset: sect.Addr - mod.Base,
			Size:        sect.Size,
		})
	}
	if len(regions) != 0 {
		return sortRegions(regions)
	}
	// No section headers, use executable segments.
	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD || prog.Flags&elf.PF_X == 0 || prog.Filesz == 0 {
			continue
		}
		regions = append(regions, Region{
			Name:        fmt.Sprintf("segment@0x%x", prog.Vaddr),
			FileOffset:  prog.Off,
			ImageOffset: prog.Vaddr - mod.Base,
			Size:        prog.Filesz,
		})
	}
	return sortRegions(regions)
}

func (mod *Module) elfFuncSymbols(file *elf.File, raw []elf.Symbol) []*Symbol {
	svc := mod.symb
	seen := make(map[uint64]bool)
	var syms []*Symbol
	for _, s := range raw {
		typ := elf.ST_TYPE(s.Info)
		if s.Size == 0 || typ != elf.STT_FUNC && typ != elf.STT_GNU_IFUNC ||
			s.Section == elf.SHN_UNDEF || seen[s.Value] {
			continue
		}
		sym, err := mod.elfSymbol(file, s)
		if err != nil {
			log.Logf(2, "%v: skipping symbol %q: %v", mod.Path, s.Name, err)
			continue
		}
		seen[s.Value] = true
		sym.Name = svc.Intern(sym.Name)
		sym.Demangled = svc.Demangle(sym.Name)
		syms = append(syms, sym)
	}
	return syms
}

func (mod *Module) elfSymbol(file *elf.File, s elf.Symbol) (*Symbol, error) {
	if int(s.Section) >= len(file.Sections) {
		return nil, fmt.Errorf("section index %v is out of range", s.Section)
	}
	sect := file.Sections[s.Section]
	if sect.Type == elf.SHT_NOBITS {
		return nil, fmt.Errorf("symbol is in NOBITS section %v", sect.Name)
	}
	if s.Value < mod.Base || s.Value < sect.Addr {
		return nil, fmt.Errorf("value 0x%x is below the image base", s.Value)
	}
	return NewSymbol(s.Name, sect.Offset+(s.Value-sect.Addr), s.Value-mod.Base, s.Size)
}

const pltEntrySize = 16

// elfPLTSymbols creates name@plt symbols for PLT stubs using .rela.plt.
// Lazy binding stubs in .plt are preceded by the resolver stub,
// while .plt.sec (IBT) stubs are not.
func (mod *Module) elfPLTSymbols(file *elf.File, dyn []elf.Symbol) []*Symbol {
	rela := file.Section(".rela.plt")
	if rela == nil || file.Class != elf.ELFCLASS64 {
		return nil
	}
	var plt *elf.Section
	var header uint64
	if plt = file.Section(".plt.sec"); plt == nil {
		if plt = file.Section(".plt"); plt == nil {
			return nil
		}
		header = pltEntrySize
		if mod.Arch == disasm.ARM64 {
			header = 2 * pltEntrySize
		}
	}
	data, err := rela.Data()
	if err != nil {
		log.Logf(1, "%v: failed to read .rela.plt: %v", mod.Path, err)
		return nil
	}
	var syms []*Symbol
	for i := 0; (i+1)*24 <= len(data); i++ {
		info := file.ByteOrder.Uint64(data[i*24+8:])
		symIdx := int(elf.R_SYM64(info))
		if symIdx == 0 || symIdx > len(dyn) {
			continue
		}
		addr := plt.Addr + header + uint64(i)*pltEntrySize
		if addr+pltEntrySize > plt.Addr+plt.Size {
			break
		}
		// DynamicSymbols omits the null symbol.
		name := dyn[symIdx-1].Name + "@plt"
		sym, err := NewSymbol(name, plt.Offset+addr-plt.Addr, addr-mod.Base, pltEntrySize)
		if err != nil {
			continue
		}
		sym.PLT = true
		syms = append(syms, sym)
	}
	return syms
}

// elfDWARFNoReturn marks DW_AT_noreturn subprograms.
func (mod *Module) elfDWARFNoReturn(file *elf.File) {
	if file.Section(".debug_info") == nil {
		return
	}
	dw, err := file.DWARF()
	if err != nil {
		log.Logf(1, "%v: failed to load DWARF: %v", mod.Path, err)
		return
	}
	r := dw.Reader()
	for {
		e, err := r.Next()
		if err != nil {
			log.Logf(1, "%v: failed to read DWARF: %v", mod.Path, err)
			return
		}
		if e == nil {
			return
		}
		if e.Tag != dwarf.TagSubprogram {
			continue
		}
		if nr, _ := e.Val(dwarf.AttrNoreturn).(bool); !nr {
			continue
		}
		pc, ok := e.Val(dwarf.AttrLowpc).(uint64)
		if !ok || pc < mod.Base {
			continue
		}
		mod.noreturn[pc-mod.Base] = true
		if sym := mod.Symbols.Find(pc - mod.Base); sym != nil && sym.ImageOffset == pc-mod.Base {
			sym.NoReturn = true
		}
	}
}

// readVA reads size bytes at link-time virtual address va.
func (mod *Module) readVA(va, size uint64) ([]byte, error) {
	if va < mod.Base {
		return nil, fmt.Errorf("address 0x%x is below the image base", va)
	}
	return mod.ReadImage(va-mod.Base, size)
}

// elfRelativeRelocs returns addends of R_*_RELATIVE relocations keyed by the patched address.
// Position independent images keep pointers in data sections zeroed in the file.
func elfRelativeRelocs(file *elf.File) map[uint64]uint64 {
	var relative uint32
	switch file.Machine {
	case elf.EM_X86_64:
		relative = uint32(elf.R_X86_64_RELATIVE)
	case elf.EM_AARCH64:
		relative = uint32(elf.R_AARCH64_RELATIVE)
	default:
		return nil
	}
	sect := file.Section(".rela.dyn")
	if sect == nil || file.Class != elf.ELFCLASS64 {
		return nil
	}
	data, err := sect.Data()
	if err != nil {
		return nil
	}
	res := make(map[uint64]uint64)
	for i := 0; (i+1)*24 <= len(data); i++ {
		ent := data[i*24:]
		if elf.R_TYPE64(file.ByteOrder.Uint64(ent[8:])) != relative {
			continue
		}
		res[file.ByteOrder.Uint64(ent)] = file.ByteOrder.Uint64(ent[16:])
	}
	return res
}

func readPointers(data []byte, order binary.ByteOrder, ptrSize int) []uint64 {
	var res []uint64
	for i := 0; i+ptrSize <= len(data); i += ptrSize {
		if ptrSize == 8 {
			res = append(res, order.Uint64(data[i:]))
		} else {
			res = append(res, uint64(order.Uint32(data[i:])))
		}
	}
	return res
}
