// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package binimage

import (
	"debug/elf"
	"debug/pe"
	"encoding/binary"
	"sort"

	"github.com/google/blockcov/pkg/disasm"
	"github.com/google/blockcov/pkg/log"
)

// SancovKind is a kind of -fsanitize-coverage table.
type SancovKind int

const (
	SancovPCs SancovKind = iota
	SancovInline8bitCounters
	SancovBoolFlags
)

type sancovDesc struct {
	kind  SancovKind
	name  string
	start string
	stop  string
	// Section holding the table in PE images.
	peSection string
	// MSVC-style grouped sections may be padded with zeros.
	skipZeroPadding bool
}

var sancovTables = []sancovDesc{
	{SancovPCs, "pcs", "__start___sancov_pcs", "__stop___sancov_pcs", ".SCOVP$M", true},
	{SancovInline8bitCounters, "inline-8bit-counters", "__start___sancov_cntrs", "__stop___sancov_cntrs",
		".SCOV$CM", true},
	{SancovBoolFlags, "bool-flags", "__start___sancov_bools", "__stop___sancov_bools", ".SCOV$BM", true},
}

func (kind SancovKind) String() string {
	for _, desc := range sancovTables {
		if desc.kind == kind {
			return desc.name
		}
	}
	return "unknown"
}

type sancovTable struct {
	desc    sancovDesc
	va      uint64
	data    []byte
	entries uint64
	pcs     []uint64
}

// SancovTableSize returns the number of entries in the table of the given kind.
func (mod *Module) SancovTableSize(kind SancovKind) (uint64, bool) {
	table := mod.sancov[kind]
	if table == nil {
		return 0, false
	}
	return table.entries, true
}

// SancovLeaders returns sorted image offsets listed in the PC table
// (-fsanitize-coverage=pc-table). These are starts of instrumented blocks.
func (mod *Module) SancovLeaders() []uint64 {
	table := mod.sancov[SancovPCs]
	if table == nil {
		return nil
	}
	var res []uint64
	for _, pc := range table.pcs {
		if pc < mod.Base {
			continue
		}
		res = append(res, pc-mod.Base)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

func (mod *Module) ptrSize() int {
	if mod.Arch == disasm.AMD64 || mod.Arch == disasm.ARM64 {
		return 8
	}
	return 4
}

func (mod *Module) elfSancov(file *elf.File, syms []elf.Symbol) {
	values := make(map[string]uint64)
	for _, sym := range syms {
		if sym.Section != elf.SHN_UNDEF {
			values[sym.Name] = sym.Value
		}
	}
	var relocs map[uint64]uint64
	for _, desc := range sancovTables {
		start, ok1 := values[desc.start]
		stop, ok2 := values[desc.stop]
		if !ok1 || !ok2 || stop <= start {
			continue
		}
		data, err := mod.readVA(start, stop-start)
		if err != nil {
			log.Logf(1, "%v: failed to read sancov %v table: %v", mod.Path, desc.name, err)
			continue
		}
		if desc.kind == SancovPCs && relocs == nil {
			relocs = elfRelativeRelocs(file)
		}
		mod.addSancov(desc, start, data, file.ByteOrder, relocs, false)
	}
}

func (mod *Module) peSancov(file *pe.File, imageBase uint64) {
	for _, desc := range sancovTables {
		sect := file.Section(desc.peSection)
		if sect == nil {
			continue
		}
		data, err := sect.Data()
		if err != nil {
			log.Logf(1, "%v: failed to read sancov %v table: %v", mod.Path, desc.name, err)
			continue
		}
		if uint32(len(data)) > sect.VirtualSize {
			data = data[:sect.VirtualSize]
		}
		mod.addSancov(desc, imageBase+uint64(sect.VirtualAddress), data, binary.LittleEndian, nil,
			desc.skipZeroPadding)
	}
}

func (mod *Module) addSancov(desc sancovDesc, va uint64, data []byte, order binary.ByteOrder,
	relocs map[uint64]uint64, skipZeroPadding bool) {
	table := &sancovTable{
		desc: desc,
		va:   va,
		data: data,
	}
	if desc.kind != SancovPCs {
		table.entries = uint64(len(data))
		mod.sancov[desc.kind] = table
		log.Logf(1, "%v: sancov %v table with %v entries", mod.Path, desc.name, table.entries)
		return
	}
	ptrSize := mod.ptrSize()
	// Entries are (pc, flags) pairs.
	vals := readPointers(data, order, ptrSize)
	for i := 0; i+1 < len(vals); i += 2 {
		pc := vals[i]
		if pc == 0 {
			if addend, ok := relocs[va+uint64(i*ptrSize)]; ok {
				pc = addend
			}
		}
		if pc == 0 {
			if !skipZeroPadding {
				table.entries++
			}
			continue
		}
		table.entries++
		table.pcs = append(table.pcs, pc)
	}
	mod.sancov[desc.kind] = table
	log.Logf(1, "%v: sancov %v table with %v entries", mod.Path, desc.name, table.entries)
}
