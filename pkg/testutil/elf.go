// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package testutil

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// ELFImage describes a small ELF64 little-endian image for tests.
// Every section gets its own PT_LOAD segment, file offsets are congruent
// to addresses modulo the page size like in real linker output.
type ELFImage struct {
	Machine  elf.Machine
	Type     elf.Type
	Entry    uint64
	Sections []ELFSection
	Symbols  []ELFSymbol
	// DynSymbols go to .dynsym/.dynstr.
	DynSymbols []ELFSymbol
	// PLTRelocs are symbol names for .rela.plt entries (JUMP_SLOT), in order.
	// Names are resolved against DynSymbols.
	PLTRelocs []string
	// HeaderSegment adds a read-only PT_LOAD for the ELF and program headers
	// at vaddr 0, like ld emits for shared objects.
	HeaderSegment bool
}

type ELFSection struct {
	Name  string
	Addr  uint64
	Data  []byte
	Exec  bool
	Write bool
	// NoBits makes the section SHT_NOBITS (.bss-like) with len(Data) size.
	NoBits bool
}

type ELFSymbol struct {
	Name    string
	Section string // empty means SHN_UNDEF
	Value   uint64
	Size    uint64
	Type    elf.SymType
	Bind    elf.SymBind
	// BadSection stores an out-of-range section index.
	BadSection bool
}

const elfPage = 0x1000

type elfSect struct {
	name    string
	typ     elf.SectionType
	flags   elf.SectionFlag
	addr    uint64
	off     uint64
	data    []byte
	size    uint64
	link    uint32
	info    uint32
	align   uint64
	entsize uint64
}

func (img *ELFImage) Bytes() []byte {
	machine := img.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_X86_64
	}
	typ := img.Type
	if typ == elf.ET_NONE {
		typ = elf.ET_DYN
	}
	sects := []*elfSect{{}}
	index := map[string]int{}
	for _, s := range img.Sections {
		flags := elf.SHF_ALLOC
		if s.Exec {
			flags |= elf.SHF_EXECINSTR
		}
		if s.Write {
			flags |= elf.SHF_WRITE
		}
		st := &elfSect{
			name:  s.Name,
			typ:   elf.SHT_PROGBITS,
			flags: flags,
			addr:  s.Addr,
			data:  s.Data,
			size:  uint64(len(s.Data)),
			align: 16,
		}
		if s.NoBits {
			st.typ = elf.SHT_NOBITS
			st.data = nil
		}
		index[s.Name] = len(sects)
		sects = append(sects, st)
	}
	symIndex := func(name string, bad bool) uint16 {
		if bad {
			return 0xff00 - 1
		}
		if name == "" {
			return uint16(elf.SHN_UNDEF)
		}
		return uint16(index[name])
	}
	addSymtab := func(name, strName string, typ elf.SectionType, syms []ELFSymbol) {
		strtab := []byte{0}
		symtab := make([]byte, 24)
		for _, sym := range syms {
			nameOff := len(strtab)
			strtab = append(append(strtab, sym.Name...), 0)
			symType := sym.Type
			if symType == elf.STT_NOTYPE && sym.Section != "" {
				symType = elf.STT_FUNC
			}
			bind := sym.Bind
			if bind == elf.STB_LOCAL {
				bind = elf.STB_GLOBAL
			}
			var ent [24]byte
			binary.LittleEndian.PutUint32(ent[0:], uint32(nameOff))
			ent[4] = elf.ST_INFO(bind, symType)
			binary.LittleEndian.PutUint16(ent[6:], symIndex(sym.Section, sym.BadSection))
			binary.LittleEndian.PutUint64(ent[8:], sym.Value)
			binary.LittleEndian.PutUint64(ent[16:], sym.Size)
			symtab = append(symtab, ent[:]...)
		}
		strIdx := len(sects) + 1
		index[name] = len(sects)
		sects = append(sects, &elfSect{
			name: name, typ: typ, data: symtab, size: uint64(len(symtab)),
			link: uint32(strIdx), info: 1, align: 8, entsize: 24,
		}, &elfSect{
			name: strName, typ: elf.SHT_STRTAB, data: strtab, size: uint64(len(strtab)), align: 1,
		})
	}
	if len(img.Symbols) != 0 {
		addSymtab(".symtab", ".strtab", elf.SHT_SYMTAB, img.Symbols)
	}
	if len(img.DynSymbols) != 0 {
		addSymtab(".dynsym", ".dynstr", elf.SHT_DYNSYM, img.DynSymbols)
		if len(img.PLTRelocs) != 0 {
			var rela []byte
			for i, name := range img.PLTRelocs {
				symIdx := 0
				for j, sym := range img.DynSymbols {
					if sym.Name == name {
						symIdx = j + 1
					}
				}
				var ent [24]byte
				binary.LittleEndian.PutUint64(ent[0:], uint64(0x4000+8*i))
				binary.LittleEndian.PutUint64(ent[8:], elf.R_INFO(uint32(symIdx), uint32(elf.R_X86_64_JMP_SLOT)))
				rela = append(rela, ent[:]...)
			}
			sects = append(sects, &elfSect{
				name: ".rela.plt", typ: elf.SHT_RELA, flags: elf.SHF_ALLOC | elf.SHF_INFO_LINK,
				data: rela, size: uint64(len(rela)), link: uint32(index[".dynsym"]), align: 8, entsize: 24,
			})
		}
	}
	shstrtab := []byte{0}
	nameOffs := make([]uint32, len(sects)+1)
	for i, s := range sects {
		if i == 0 {
			continue
		}
		nameOffs[i] = uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, s.name...), 0)
	}
	nameOffs[len(sects)] = uint32(len(shstrtab))
	shstrtab = append(append(shstrtab, ".shstrtab"...), 0)
	sects = append(sects, &elfSect{
		name: ".shstrtab", typ: elf.SHT_STRTAB, data: shstrtab, size: uint64(len(shstrtab)), align: 1,
	})

	var loads []*elfSect
	for _, s := range sects {
		if s.flags&elf.SHF_ALLOC != 0 && s.typ != elf.SHT_RELA {
			loads = append(loads, s)
		}
	}
	const ehsize, phentsize, shentsize = 64, 56, 64
	phnum := len(loads)
	if img.HeaderSegment {
		phnum++
	}
	headerSize := uint64(ehsize + phentsize*phnum)
	off := headerSize
	for _, s := range sects[1:] {
		if s.typ == elf.SHT_NOBITS {
			s.off = off
			continue
		}
		if s.flags&elf.SHF_ALLOC != 0 && s.typ != elf.SHT_RELA {
			for off%elfPage != s.addr%elfPage {
				off++
			}
		} else {
			off = (off + 7) &^ 7
		}
		s.off = off
		off += uint64(len(s.data))
	}
	shoff := (off + 7) &^ 7

	buf := new(bytes.Buffer)
	hdr := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     ehsize,
		Shoff:     shoff,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(phnum),
		Shentsize: shentsize,
		Shnum:     uint16(len(sects)),
		Shstrndx:  uint16(len(sects) - 1),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	binary.Write(buf, binary.LittleEndian, hdr)
	if img.HeaderSegment {
		binary.Write(buf, binary.LittleEndian, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(elf.PF_R),
			Filesz: headerSize,
			Memsz:  headerSize,
			Align:  elfPage,
		})
	}
	for _, s := range loads {
		flags := elf.PF_R
		if s.flags&elf.SHF_EXECINSTR != 0 {
			flags |= elf.PF_X
		}
		if s.flags&elf.SHF_WRITE != 0 {
			flags |= elf.PF_W
		}
		filesz := uint64(len(s.data))
		binary.Write(buf, binary.LittleEndian, elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(flags),
			Off:    s.off,
			Vaddr:  s.addr,
			Paddr:  s.addr,
			Filesz: filesz,
			Memsz:  s.size,
			Align:  elfPage,
		})
	}
	for _, s := range sects[1:] {
		if s.typ == elf.SHT_NOBITS {
			continue
		}
		for uint64(buf.Len()) < s.off {
			buf.WriteByte(0)
		}
		buf.Write(s.data)
	}
	for uint64(buf.Len()) < shoff {
		buf.WriteByte(0)
	}
	for i, s := range sects {
		binary.Write(buf, binary.LittleEndian, elf.Section64{
			Name:      nameOffs[i],
			Type:      uint32(s.typ),
			Flags:     uint64(s.flags),
			Addr:      s.addr,
			Off:       s.off,
			Size:      s.size,
			Link:      s.link,
			Info:      s.info,
			Addralign: s.align,
			Entsize:   s.entsize,
		})
	}
	return buf.Bytes()
}

// WriteFile writes the image into a temp dir and returns the absolute path.
func (img *ELFImage) WriteFile(t testing.TB, name string) string {
	file := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(file, img.Bytes(), 0755); err != nil {
		t.Fatal(err)
	}
	return file
}
