// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package binimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"testing"
	"unsafe"

	"github.com/google/blockcov/pkg/disasm"
	"github.com/google/blockcov/pkg/symbolizer"
	"github.com/google/blockcov/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSymb = symbolizer.NewService(new(symbolizer.Lock))

func testELF() *testutil.ELFImage {
	text := make([]byte, 0x40)
	copy(text, []byte{0x48, 0x89, 0xe5, 0x89, 0xc8, 0xc3})
	return &testutil.ELFImage{
		Type:  elf.ET_EXEC,
		Entry: 0x401000,
		Sections: []testutil.ELFSection{
			{Name: ".text", Addr: 0x401000, Data: text, Exec: true},
			{Name: ".plt", Addr: 0x401100, Data: make([]byte, 48), Exec: true},
			{Name: ".data", Addr: 0x403000, Data: make([]byte, 16), Write: true},
		},
		Symbols: []testutil.ELFSymbol{
			{Name: "main", Section: ".text", Value: 0x401000, Size: 6},
			{Name: "_ZN3foo3barEv", Section: ".text", Value: 0x401010, Size: 4},
			{Name: "empty", Section: ".text", Value: 0x401020, Size: 0},
			{Name: "object", Section: ".data", Value: 0x403000, Size: 8, Type: elf.STT_OBJECT},
			{Name: "broken", Section: ".text", Value: 0x401030, Size: 4, BadSection: true},
			{Name: "imported", Type: elf.STT_FUNC, Size: 4},
		},
		DynSymbols: []testutil.ELFSymbol{
			{Name: "main", Section: ".text", Value: 0x401000, Size: 6},
			{Name: "puts", Type: elf.STT_FUNC},
			{Name: "abort", Type: elf.STT_FUNC},
		},
		PLTRelocs: []string{"puts", "abort"},
	}
}

func TestParseELF(t *testing.T) {
	mod, err := Open(testELF().WriteFile(t, "test.elf"), testSymb)
	require.NoError(t, err)
	defer mod.Close()

	assert.Equal(t, FormatELF, mod.Format)
	assert.Equal(t, disasm.AMD64, mod.Arch)
	assert.Equal(t, uint64(0x401000), mod.Base)
	entry, ok := mod.Entry()
	assert.True(t, ok)
	assert.Equal(t, uint64(0), entry)

	var names []string
	for _, sym := range mod.Symbols.Symbols() {
		names = append(names, sym.Name)
	}
	assert.Equal(t, []string{"main", "_ZN3foo3barEv", "puts@plt", "abort@plt"}, names)

	main := mod.Symbols.ByName("main")
	require.NotNil(t, main)
	assert.Equal(t, uint64(0), main.ImageOffset)
	assert.Equal(t, uint64(0x1000), main.FileOffset)
	assert.Equal(t, uint64(6), main.Size)
	assert.False(t, main.PLT)

	bar := mod.Symbols.ByName("_ZN3foo3barEv")
	require.NotNil(t, bar)
	assert.Equal(t, "foo::bar()", bar.Demangled)
	assert.Equal(t, uint64(0x10), bar.ImageOffset)

	puts := mod.Symbols.ByName("puts@plt")
	require.NotNil(t, puts)
	assert.True(t, puts.PLT)
	assert.False(t, puts.NoReturn)
	assert.Equal(t, uint64(0x110), puts.ImageOffset)
	abort := mod.Symbols.ByName("abort@plt")
	require.NotNil(t, abort)
	assert.True(t, abort.NoReturn)
	assert.Equal(t, uint64(0x120), abort.ImageOffset)
	assert.True(t, mod.IsNoReturn(0x120))
	assert.False(t, mod.IsNoReturn(0x110))

	code, err := mod.ReadAt(main.FileOffset, main.Size)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x48, 0x89, 0xe5, 0x89, 0xc8, 0xc3}, code)
	code, err = mod.ReadImage(3, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 0xc8, 0xc3}, code)
	_, err = mod.ReadImage(0x1000, 1)
	assert.Error(t, err)

	regions := mod.ExecRegions()
	require.Len(t, regions, 2)
	assert.Equal(t, Region{Name: ".text", FileOffset: 0x1000, ImageOffset: 0, Size: 0x40}, regions[0])
	assert.Equal(t, ".plt", regions[1].Name)
	assert.Equal(t, uint64(0x100), regions[1].ImageOffset)
}

func TestLoadBias(t *testing.T) {
	mod, err := Parse(bytes.NewReader(testELF().Bytes()), "test.elf", testSymb)
	require.NoError(t, err)
	base, err := mod.LoadBias(0x555555555000, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x555555555000), base)
	base, err = mod.LoadBias(0x555555557000, 0x2000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x555555555000), base)
	_, err = mod.LoadBias(0x555555557000, 0x100000)
	assert.Error(t, err)
}

func TestLoadBiasHeaderSegment(t *testing.T) {
	img := testELF()
	img.Type = elf.ET_DYN
	img.HeaderSegment = true
	for i := range img.Sections {
		img.Sections[i].Addr -= 0x400000
	}
	img.Entry -= 0x400000
	mod, err := Parse(bytes.NewReader(img.Bytes()), "test.so", testSymb)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), mod.Base)
	// .text is mapped at file offset 0x1000.
	base, err := mod.LoadBias(0x7f0000001000, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7f0000000000), base)
}

func TestSymbolsInterned(t *testing.T) {
	svc := symbolizer.NewService(new(symbolizer.Lock))
	mod, err := Parse(bytes.NewReader(testELF().Bytes()), "test.elf", svc)
	require.NoError(t, err)
	bar := mod.Symbols.ByName("_ZN3foo3barEv")
	require.NotNil(t, bar)
	// The name is the copy owned by svc.
	interned := svc.Intern("_ZN3foo3barEv")
	assert.Equal(t, unsafe.StringData(interned), unsafe.StringData(bar.Name))
	assert.Equal(t, unsafe.StringData(svc.Intern("foo::bar()")), unsafe.StringData(bar.Demangled))
	other := symbolizer.NewService(new(symbolizer.Lock))
	assert.NotEqual(t, unsafe.StringData(other.Intern("_ZN3foo3barEv")), unsafe.StringData(bar.Name))
}

func TestParseErrors(t *testing.T) {
	for name, data := range map[string][]byte{
		"empty": nil,
		"text":  []byte("hello world"),
	} {
		_, err := Parse(bytes.NewReader(data), name, testSymb)
		var perr *ParseError
		require.True(t, errors.As(err, &perr), name)
		assert.Equal(t, name, perr.Path)
		assert.True(t, errors.Is(err, ErrUnknownFormat), name)
	}

	noLoad := &testutil.ELFImage{}
	_, err := Parse(bytes.NewReader(noLoad.Bytes()), "noload", testSymb)
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, err.Error(), "no loadable segments")

	mips := testELF()
	mips.Machine = elf.EM_MIPS
	_, err = Parse(bytes.NewReader(mips.Bytes()), "mips", testSymb)
	assert.True(t, errors.As(err, &perr))

	_, err = Open("/nonexistent/binary", testSymb)
	assert.Error(t, err)
}

func TestSancov(t *testing.T) {
	pcs := new(bytes.Buffer)
	for _, v := range []uint64{0x1010, 1, 0x1000, 0, 0, 0} {
		binary.Write(pcs, binary.LittleEndian, v)
	}
	img := &testutil.ELFImage{
		Sections: []testutil.ELFSection{
			{Name: ".rodata", Addr: 0, Data: make([]byte, 16)},
			{Name: ".text", Addr: 0x1000, Data: make([]byte, 0x20), Exec: true},
			{Name: "__sancov_pcs", Addr: 0x3000, Data: pcs.Bytes()},
			{Name: "__sancov_cntrs", Addr: 0x3100, Data: make([]byte, 8), Write: true},
		},
		Symbols: []testutil.ELFSymbol{
			{Name: "__start___sancov_pcs", Section: "__sancov_pcs", Value: 0x3000, Type: elf.STT_OBJECT},
			{Name: "__stop___sancov_pcs", Section: "__sancov_pcs", Value: 0x3030, Type: elf.STT_OBJECT},
			{Name: "__start___sancov_cntrs", Section: "__sancov_cntrs", Value: 0x3100, Type: elf.STT_OBJECT},
			{Name: "__stop___sancov_cntrs", Section: "__sancov_cntrs", Value: 0x3108, Type: elf.STT_OBJECT},
		},
	}
	mod, err := Parse(bytes.NewReader(img.Bytes()), "sancov", testSymb)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), mod.Base)
	assert.Equal(t, 0, mod.Symbols.Len())
	assert.Equal(t, []uint64{0x1000, 0x1010}, mod.SancovLeaders())
	n, ok := mod.SancovTableSize(SancovPCs)
	assert.True(t, ok)
	assert.Equal(t, uint64(3), n)
	n, ok = mod.SancovTableSize(SancovInline8bitCounters)
	assert.True(t, ok)
	assert.Equal(t, uint64(8), n)
	_, ok = mod.SancovTableSize(SancovBoolFlags)
	assert.False(t, ok)
	assert.Equal(t, "inline-8bit-counters", SancovInline8bitCounters.String())
	_, ok = mod.Entry()
	assert.False(t, ok)
}

func TestParsePE(t *testing.T) {
	img := &testutil.PEImage{
		ImageBase: 0x140000000,
		Entry:     0x1000,
		Sections: []testutil.PESection{
			{Name: ".text", RVA: 0x1000, Data: make([]byte, 0x40), Exec: true},
			{Name: ".data", RVA: 0x2000, Data: make([]byte, 0x10)},
		},
		Symbols: []testutil.PESymbol{
			{Name: "main", Section: 1, Value: 0, Func: true},
			{Name: "helper", Section: 1, Value: 0x20, Func: true},
			{Name: "abort", Section: 1, Value: 0x30, Func: true},
			{Name: "global", Section: 2, Value: 0},
		},
	}
	mod, err := Parse(bytes.NewReader(img.Bytes()), "test.exe", testSymb)
	require.NoError(t, err)
	assert.Equal(t, FormatPE, mod.Format)
	assert.Equal(t, disasm.AMD64, mod.Arch)
	assert.Equal(t, uint64(0x140000000), mod.Base)
	entry, ok := mod.Entry()
	assert.True(t, ok)
	assert.Equal(t, uint64(0x1000), entry)

	require.Equal(t, 3, mod.Symbols.Len())
	main := mod.Symbols.ByName("main")
	require.NotNil(t, main)
	assert.Equal(t, uint64(0x1000), main.ImageOffset)
	assert.Equal(t, uint64(0x20), main.Size)
	assert.Equal(t, uint64(0x200), main.FileOffset)
	helper := mod.Symbols.ByName("helper")
	require.NotNil(t, helper)
	assert.Equal(t, uint64(0x10), helper.Size)
	abort := mod.Symbols.ByName("abort")
	require.NotNil(t, abort)
	assert.Equal(t, uint64(0x10), abort.Size)
	assert.True(t, abort.NoReturn)
	assert.True(t, mod.IsNoReturn(0x1030))

	regions := mod.ExecRegions()
	require.Len(t, regions, 1)
	assert.Equal(t, uint64(0x1000), regions[0].ImageOffset)
	assert.Equal(t, uint64(0x40), regions[0].Size)

	base, err := mod.LoadBias(0x7ff600000000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7ff600000000), base)
	fileOff, ok := mod.FileOffset(0x1010)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x210), fileOff)
}

func TestParsePENoOptionalHeader(t *testing.T) {
	img := &testutil.PEImage{NoOptionalHeader: true}
	_, err := Parse(bytes.NewReader(img.Bytes()), "bad.exe", testSymb)
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	assert.Contains(t, err.Error(), "missing optional header")
}
