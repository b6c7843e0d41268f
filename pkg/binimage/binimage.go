// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package binimage parses on-disk ELF and PE executables: image layout,
// function symbols and sanitizer coverage tables.
//
// All offsets exported by the package are image offsets, that is, offsets
// from the lowest loadable virtual address of the image (the module base),
// unless they are explicitly called file offsets.
package binimage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/google/blockcov/pkg/disasm"
	"github.com/google/blockcov/pkg/symbolizer"
)

var ErrUnknownFormat = errors.New("unknown binary format")

// ParseError is returned for files that are not usable executable images.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %v: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type Format int

const (
	FormatELF Format = iota
	FormatPE
)

func (f Format) String() string {
	if f == FormatPE {
		return "PE"
	}
	return "ELF"
}

// Region is a contiguous executable range of the image.
type Region struct {
	Name        string
	FileOffset  uint64
	ImageOffset uint64
	Size        uint64
}

func (r Region) End() uint64 {
	return r.ImageOffset + r.Size
}

type segment struct {
	fileOffset uint64
	fileSize   uint64
	vaddr      uint64
	memSize    uint64
	align      uint64
}

type Module struct {
	Path    string
	Format  Format
	Arch    disasm.Arch
	// Base is the preferred virtual address of image offset 0.
	Base    uint64
	Symbols *SymbolIndex

	entry    uint64
	hasEntry bool
	exec     []Region
	segments []segment
	noreturn map[uint64]bool
	sancov   map[SancovKind]*sancovTable
	r        io.ReaderAt
	closer   io.Closer
	symb     *symbolizer.Service
}

// Open parses the executable at path. The file stays open until Close.
// Symbol names are demangled and interned by symb.
func Open(path string, symb *symbolizer.Service) (*Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	mod, err := Parse(f, path, symb)
	if err != nil {
		f.Close()
		return nil, err
	}
	mod.closer = f
	return mod, nil
}

// Parse parses an ELF or PE image read from r.
func Parse(r io.ReaderAt, path string, symb *symbolizer.Service) (*Module, error) {
	var magic [4]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil {
		return nil, &ParseError{path, fmt.Errorf("%w: %w", ErrUnknownFormat, err)}
	}
	mod := &Module{
		Path:     path,
		noreturn: make(map[uint64]bool),
		sancov:   make(map[SancovKind]*sancovTable),
		r:        r,
		symb:     symb,
	}
	var err error
	switch {
	case bytes.Equal(magic[:], []byte("\x7fELF")):
		mod.Format = FormatELF
		err = mod.parseELF()
	case magic[0] == 'M' && magic[1] == 'Z':
		mod.Format = FormatPE
		err = mod.parsePE()
	default:
		err = ErrUnknownFormat
	}
	if err != nil {
		return nil, &ParseError{path, err}
	}
	return mod, nil
}

func (mod *Module) Close() error {
	if mod.closer == nil {
		return nil
	}
	return mod.closer.Close()
}

// Entry returns image offset of the entry point.
func (mod *Module) Entry() (uint64, bool) {
	return mod.entry, mod.hasEntry
}

func (mod *Module) ExecRegions() []Region {
	return mod.exec
}

// ReadAt reads size bytes at the file offset.
func (mod *Module) ReadAt(fileOffset, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	n, err := mod.r.ReadAt(buf, int64(fileOffset))
	if n == len(buf) {
		return buf, nil
	}
	return nil, fmt.Errorf("failed to read 0x%x bytes at 0x%x from %v: %w", size, fileOffset, mod.Path, err)
}

// ReadImage reads size bytes at the image offset.
func (mod *Module) ReadImage(imageOffset, size uint64) ([]byte, error) {
	fileOffset, ok := mod.FileOffset(imageOffset)
	if !ok {
		return nil, fmt.Errorf("image offset 0x%x is not backed by %v", imageOffset, mod.Path)
	}
	return mod.ReadAt(fileOffset, size)
}

// FileOffset translates an image offset to the file offset.
func (mod *Module) FileOffset(imageOffset uint64) (uint64, bool) {
	vaddr := mod.Base + imageOffset
	for _, seg := range mod.segments {
		if vaddr >= seg.vaddr && vaddr < seg.vaddr+seg.fileSize {
			return seg.fileOffset + vaddr - seg.vaddr, true
		}
	}
	return 0, false
}

// IsNoReturn says if the function at image offset off never returns.
func (mod *Module) IsNoReturn(off uint64) bool {
	return mod.noreturn[off]
}

// LoadBias returns the runtime address of image offset 0 given one runtime
// mapping of the file: the mapping starts at mapStart and maps the file from mapFileOffset.
func (mod *Module) LoadBias(mapStart, mapFileOffset uint64) (uint64, error) {
	var best *segment
	var bestDist uint64
	for i := range mod.segments {
		seg := &mod.segments[i]
		// Mappings start at a page boundary, so the mapping offset may be below
		// the segment offset by up to one (maximum) page.
		if mapFileOffset >= seg.fileOffset+max(seg.fileSize, 1) || seg.fileOffset >= mapFileOffset+maxPageSize {
			continue
		}
		dist := seg.fileOffset - mapFileOffset
		if mapFileOffset > seg.fileOffset {
			dist = mapFileOffset - seg.fileOffset
		}
		if best == nil || dist < bestDist {
			best, bestDist = seg, dist
		}
	}
	if best == nil {
		return 0, fmt.Errorf("%v: no segment maps file offset 0x%x", mod.Path, mapFileOffset)
	}
	// mapStart is the runtime address of best.vaddr + (mapFileOffset - best.fileOffset).
	bias := mapStart - (best.vaddr + mapFileOffset - best.fileOffset)
	return bias + mod.Base, nil
}

const maxPageSize = 64 << 10

func (mod *Module) addSymbols(syms []*Symbol) {
	mod.Symbols = NewSymbolIndex(syms)
	for _, sym := range syms {
		if sym.NoReturn {
			mod.noreturn[sym.ImageOffset] = true
		}
	}
}

func sortRegions(regions []Region) []Region {
	sort.Slice(regions, func(i, j int) bool {
		return regions[i].ImageOffset < regions[j].ImageOffset
	})
	return regions
}
