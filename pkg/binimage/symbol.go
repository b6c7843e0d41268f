// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package binimage

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/blockcov/pkg/symbolizer"
)

type Symbol struct {
	Name        string
	Demangled   string
	FileOffset  uint64
	ImageOffset uint64
	Size        uint64
	// PLT marks synthetic name@plt stubs.
	PLT      bool
	NoReturn bool
}

func NewSymbol(name string, fileOffset, imageOffset, size uint64) (*Symbol, error) {
	if name == "" {
		return nil, fmt.Errorf("symbol at image offset 0x%x has empty name", imageOffset)
	}
	if size == 0 {
		return nil, fmt.Errorf("symbol %v has zero size", name)
	}
	if fileOffset > math.MaxUint64-size {
		return nil, fmt.Errorf("symbol %v: file offset 0x%x + size 0x%x overflows", name, fileOffset, size)
	}
	if imageOffset > math.MaxUint64-size {
		return nil, fmt.Errorf("symbol %v: image offset 0x%x + size 0x%x overflows", name, imageOffset, size)
	}
	return &Symbol{
		Name:        name,
		Demangled:   name,
		FileOffset:  fileOffset,
		ImageOffset: imageOffset,
		Size:        size,
	}, nil
}

func (sym *Symbol) ContainsFileOffset(off uint64) bool {
	return off >= sym.FileOffset && off < sym.FileOffset+sym.Size
}

func (sym *Symbol) ContainsImageOffset(off uint64) bool {
	return off >= sym.ImageOffset && off < sym.ImageOffset+sym.Size
}

func (sym *Symbol) End() uint64 {
	return sym.ImageOffset + sym.Size
}

func (sym *Symbol) String() string {
	return fmt.Sprintf("%v [0x%x-0x%x)", sym.Demangled, sym.ImageOffset, sym.End())
}

// SymbolIndex is an ordered index over symbols keyed by image offset.
type SymbolIndex struct {
	syms    []*Symbol
	byName  map[string]*Symbol
	maxSize uint64
}

func NewSymbolIndex(syms []*Symbol) *SymbolIndex {
	idx := &SymbolIndex{
		syms:   append([]*Symbol(nil), syms...),
		byName: make(map[string]*Symbol),
	}
	sort.SliceStable(idx.syms, func(i, j int) bool {
		a, b := idx.syms[i], idx.syms[j]
		if a.ImageOffset != b.ImageOffset {
			return a.ImageOffset < b.ImageOffset
		}
		return a.Size > b.Size
	})
	for _, sym := range idx.syms {
		if _, ok := idx.byName[sym.Name]; !ok {
			idx.byName[sym.Name] = sym
		}
		idx.maxSize = max(idx.maxSize, sym.Size)
	}
	return idx
}

// Find returns the innermost symbol that contains off, or nil.
func (idx *SymbolIndex) Find(off uint64) *Symbol {
	i := sort.Search(len(idx.syms), func(i int) bool {
		return idx.syms[i].ImageOffset > off
	})
	for i--; i >= 0; i-- {
		sym := idx.syms[i]
		if sym.ContainsImageOffset(off) {
			return sym
		}
		if off-sym.ImageOffset >= idx.maxSize {
			break
		}
	}
	return nil
}

func (idx *SymbolIndex) ByName(name string) *Symbol {
	return idx.byName[name]
}

func (idx *SymbolIndex) Symbols() []*Symbol {
	return idx.syms
}

func (idx *SymbolIndex) Len() int {
	return len(idx.syms)
}

// Table adapts the index to symbolizer lookups.
func (idx *SymbolIndex) Table() symbolizer.Table {
	return symbolTable{idx}
}

type symbolTable struct {
	idx *SymbolIndex
}

func (t symbolTable) Find(off uint64) (string, uint64, bool) {
	sym := t.idx.Find(off)
	if sym == nil {
		return "", 0, false
	}
	return sym.Demangled, sym.ImageOffset, true
}
