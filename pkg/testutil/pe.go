// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package testutil

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
)

// PEImage describes a small PE32+ image for tests.
type PEImage struct {
	Machine   uint16
	ImageBase uint64
	Entry     uint32 // RVA
	Sections  []PESection
	Symbols   []PESymbol
	// NoOptionalHeader produces an image without the optional header.
	NoOptionalHeader bool
}

type PESection struct {
	Name string // at most 8 bytes
	RVA  uint32
	Data []byte
	Exec bool
}

// PESymbol is a COFF symbol, Value is relative to the section start.
type PESymbol struct {
	Name    string // at most 8 bytes
	Section int    // 1-based section number
	Value   uint32
	Func    bool
}

const peFileAlign = 0x200

func (img *PEImage) Bytes() []byte {
	machine := img.Machine
	if machine == 0 {
		machine = pe.IMAGE_FILE_MACHINE_AMD64
	}
	const dosSize = 0x40
	optSize := binary.Size(pe.OptionalHeader64{})
	if img.NoOptionalHeader {
		optSize = 0
	}
	hdrSize := dosSize + 4 + binary.Size(pe.FileHeader{}) + optSize +
		len(img.Sections)*binary.Size(pe.SectionHeader32{})
	off := uint32((hdrSize + peFileAlign - 1) &^ (peFileAlign - 1))
	var headers []pe.SectionHeader32
	var sizeOfImage uint32
	for _, s := range img.Sections {
		raw := uint32((len(s.Data) + peFileAlign - 1) &^ (peFileAlign - 1))
		h := pe.SectionHeader32{
			VirtualSize:      uint32(len(s.Data)),
			VirtualAddress:   s.RVA,
			SizeOfRawData:    raw,
			PointerToRawData: off,
			Characteristics:  pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_CNT_INITIALIZED_DATA,
		}
		if s.Exec {
			h.Characteristics = pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_CNT_CODE
		}
		copy(h.Name[:], s.Name)
		headers = append(headers, h)
		off += raw
		if end := s.RVA + uint32(len(s.Data)); end > sizeOfImage {
			sizeOfImage = end
		}
	}
	symOff := off
	fh := pe.FileHeader{
		Machine:              machine,
		NumberOfSections:     uint16(len(img.Sections)),
		SizeOfOptionalHeader: uint16(optSize),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE,
	}
	if len(img.Symbols) != 0 {
		fh.PointerToSymbolTable = symOff
		fh.NumberOfSymbols = uint32(len(img.Symbols))
	}

	buf := new(bytes.Buffer)
	var dos [dosSize]byte
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3c:], dosSize)
	buf.Write(dos[:])
	buf.WriteString("PE\x00\x00")
	binary.Write(buf, binary.LittleEndian, fh)
	if !img.NoOptionalHeader {
		oh := pe.OptionalHeader64{
			Magic:               0x20b,
			AddressOfEntryPoint: img.Entry,
			ImageBase:           img.ImageBase,
			SectionAlignment:    0x1000,
			FileAlignment:       peFileAlign,
			SizeOfImage:         sizeOfImage,
			SizeOfHeaders:       uint32(hdrSize),
			NumberOfRvaAndSizes: 16,
		}
		binary.Write(buf, binary.LittleEndian, oh)
	}
	for _, h := range headers {
		binary.Write(buf, binary.LittleEndian, h)
	}
	for i, s := range img.Sections {
		for uint32(buf.Len()) < headers[i].PointerToRawData {
			buf.WriteByte(0)
		}
		buf.Write(s.Data)
	}
	for uint32(buf.Len()) < symOff {
		buf.WriteByte(0)
	}
	if len(img.Symbols) != 0 {
		for _, sym := range img.Symbols {
			cs := pe.COFFSymbol{
				Value:         sym.Value,
				SectionNumber: int16(sym.Section),
				StorageClass:  2, // IMAGE_SYM_CLASS_EXTERNAL
			}
			if sym.Func {
				cs.Type = 0x20 // DTYPE_FUNCTION << 4
			}
			copy(cs.Name[:], sym.Name)
			binary.Write(buf, binary.LittleEndian, cs)
		}
		// Empty string table.
		binary.Write(buf, binary.LittleEndian, uint32(4))
	}
	return buf.Bytes()
}
