// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package disasm

import (
	"debug/elf"
	"math/rand"
	"testing"

	"github.com/google/blockcov/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestX86Flow(t *testing.T) {
	type test struct {
		code      []byte
		flow      Flow
		len       int
		target    uint64
		hasTarget bool
		interrupt InterruptKind
	}
	const pc = 0x1000
	tests := []test{
		{code: []byte{0x48, 0x89, 0xe5}, flow: Next, len: 3},
		{code: []byte{0x74, 0x08}, flow: ConditionalBranch, len: 2, target: pc + 10, hasTarget: true},
		{code: []byte{0x0f, 0x85, 0x00, 0x01, 0x00, 0x00}, flow: ConditionalBranch, len: 6,
			target: pc + 6 + 0x100, hasTarget: true},
		{code: []byte{0xeb, 0xfe}, flow: UnconditionalBranch, len: 2, target: pc, hasTarget: true},
		{code: []byte{0xe9, 0xfb, 0xff, 0xff, 0xff}, flow: UnconditionalBranch, len: 5, target: pc, hasTarget: true},
		{code: []byte{0xff, 0xe0}, flow: IndirectBranch, len: 2},
		{code: []byte{0xe8, 0x10, 0x00, 0x00, 0x00}, flow: Call, len: 5, target: pc + 0x15, hasTarget: true},
		{code: []byte{0xff, 0xd0}, flow: IndirectCall, len: 2},
		{code: []byte{0xc3}, flow: Return, len: 1},
		{code: []byte{0xcc}, flow: Interrupt, len: 1, interrupt: DebugTrap},
		{code: []byte{0xcd, 0x80}, flow: Interrupt, len: 2, interrupt: OtherInterrupt},
		{code: []byte{0x0f, 0x05}, flow: Interrupt, len: 2, interrupt: OtherInterrupt},
		{code: []byte{0x0f, 0x0b}, flow: Exception, len: 2},
		{code: []byte{0xf4}, flow: Exception, len: 1},
		{code: []byte{0xe2, 0xfe}, flow: ConditionalBranch, len: 2, target: pc, hasTarget: true},
	}
	for _, test := range tests {
		inst, ok := NewDecoder(AMD64, test.code, pc).Next()
		require.True(t, ok)
		assert.False(t, inst.Invalid, "% x", test.code)
		assert.Equal(t, test.flow, inst.Flow, "% x", test.code)
		assert.Equal(t, test.len, inst.Len, "% x", test.code)
		assert.Equal(t, test.hasTarget, inst.HasTarget, "% x", test.code)
		if test.hasTarget {
			assert.Equal(t, test.target, inst.Target, "% x", test.code)
		}
		assert.Equal(t, test.interrupt, inst.Interrupt, "% x", test.code)
	}
}

func TestX86Truncated(t *testing.T) {
	code := []byte{0x90, 0xe8, 0x00}
	d := NewDecoder(AMD64, code, 0x400000)
	inst, ok := d.Next()
	require.True(t, ok)
	assert.Equal(t, Next, inst.Flow)
	inst, ok = d.Next()
	require.True(t, ok)
	assert.True(t, inst.Invalid)
	assert.Equal(t, Exception, inst.Flow)
	assert.Equal(t, uint64(0x400001), inst.Addr)
	assert.Equal(t, 1, inst.Len)
	inst, ok = d.Next()
	require.True(t, ok)
	assert.True(t, inst.Invalid)
	_, ok = d.Next()
	assert.False(t, ok)
	_, ok = d.DecodeAt(0x3fffff)
	assert.False(t, ok)
	_, ok = d.DecodeAt(0x400003)
	assert.False(t, ok)
}

func TestI386Wrap(t *testing.T) {
	// jmp -0x10 from the bottom of the address space wraps in 32-bit mode.
	inst, ok := NewDecoder(I386, []byte{0xeb, 0xee}, 0).Next()
	require.True(t, ok)
	assert.Equal(t, UnconditionalBranch, inst.Flow)
	assert.Equal(t, uint64(0xfffffff0), inst.Target)
}

func TestResumable(t *testing.T) {
	// mov rbp,rsp; mov eax,ecx; ret
	code := []byte{0x48, 0x89, 0xe5, 0x89, 0xc8, 0xc3}
	d := NewDecoder(AMD64, code, 0x10)
	inst, ok := d.DecodeAt(0x13)
	require.True(t, ok)
	assert.Equal(t, 2, inst.Len)
	d.Seek(0x15)
	inst, ok = d.Next()
	require.True(t, ok)
	assert.Equal(t, Return, inst.Flow)
	assert.Contains(t, d.Text(0x15), "0x15: ret")
	assert.Equal(t, "", d.Text(0x16))
}

func TestARM64Flow(t *testing.T) {
	type test struct {
		code      []byte
		flow      Flow
		target    uint64
		hasTarget bool
		interrupt InterruptKind
	}
	const pc = 0x2000
	tests := []test{
		{code: []byte{0x1f, 0x20, 0x03, 0xd5}, flow: Next},
		{code: []byte{0xc0, 0x03, 0x5f, 0xd6}, flow: Return},
		{code: []byte{0x00, 0x00, 0x20, 0xd4}, flow: Interrupt, interrupt: DebugTrap},
		{code: []byte{0x01, 0x00, 0x00, 0xd4}, flow: Interrupt, interrupt: OtherInterrupt},
		{code: []byte{0x02, 0x00, 0x00, 0x14}, flow: UnconditionalBranch, target: pc + 8, hasTarget: true},
		{code: []byte{0xff, 0xff, 0xff, 0x17}, flow: UnconditionalBranch, target: pc - 4, hasTarget: true},
		{code: []byte{0x04, 0x00, 0x00, 0x94}, flow: Call, target: pc + 16, hasTarget: true},
		{code: []byte{0x40, 0x00, 0x00, 0x54}, flow: ConditionalBranch, target: pc + 8, hasTarget: true},
		{code: []byte{0x4e, 0x00, 0x00, 0x54}, flow: UnconditionalBranch, target: pc + 8, hasTarget: true},
		{code: []byte{0x60, 0x00, 0x00, 0xb4}, flow: ConditionalBranch, target: pc + 12, hasTarget: true},
		{code: []byte{0x40, 0x00, 0x00, 0x36}, flow: ConditionalBranch, target: pc + 8, hasTarget: true},
		{code: []byte{0x00, 0x02, 0x1f, 0xd6}, flow: IndirectBranch},
		{code: []byte{0x00, 0x01, 0x3f, 0xd6}, flow: IndirectCall},
	}
	for _, test := range tests {
		inst, ok := NewDecoder(ARM64, test.code, pc).Next()
		require.True(t, ok)
		assert.False(t, inst.Invalid, "% x", test.code)
		assert.Equal(t, 4, inst.Len)
		assert.Equal(t, test.flow, inst.Flow, "% x", test.code)
		assert.Equal(t, test.hasTarget, inst.HasTarget, "% x", test.code)
		if test.hasTarget {
			assert.Equal(t, test.target, inst.Target, "% x", test.code)
		}
		assert.Equal(t, test.interrupt, inst.Interrupt, "% x", test.code)
	}
}

func TestARM64Invalid(t *testing.T) {
	d := NewDecoder(ARM64, []byte{0x00, 0x00, 0x00, 0x00, 0xc0, 0x03}, 0)
	inst, ok := d.Next()
	require.True(t, ok)
	assert.True(t, inst.Invalid)
	assert.Equal(t, 4, inst.Len)
	inst, ok = d.Next()
	require.True(t, ok)
	assert.True(t, inst.Invalid)
	assert.Equal(t, 2, inst.Len)
	_, ok = d.Next()
	assert.False(t, ok)
}

func TestArch(t *testing.T) {
	assert.Equal(t, []byte{0xcc}, AMD64.TrapInstruction())
	assert.Equal(t, uint64(1), AMD64.TrapAdjust())
	assert.Equal(t, []byte{0x00, 0x00, 0x20, 0xd4}, ARM64.TrapInstruction())
	assert.Equal(t, uint64(0), ARM64.TrapAdjust())
	assert.Equal(t, uint64(4), ARM64.InstructionAlign())
	arch, err := ArchFromELF(elf.EM_AARCH64)
	require.NoError(t, err)
	assert.Equal(t, ARM64, arch)
	_, err = ArchFromELF(elf.EM_MIPS)
	assert.Error(t, err)
	arch, err = ArchFromPE(0x8664)
	require.NoError(t, err)
	assert.Equal(t, AMD64, arch)
	arch, err = ParseArch("386")
	require.NoError(t, err)
	assert.Equal(t, I386, arch)
	assert.Equal(t, "arm64", ARM64.String())
	// Trap instructions decode as debug traps.
	for _, arch := range []Arch{AMD64, I386, ARM64} {
		inst, ok := NewDecoder(arch, arch.TrapInstruction(), 0).Next()
		require.True(t, ok)
		assert.Equal(t, Interrupt, inst.Flow, arch)
		assert.Equal(t, DebugTrap, inst.Interrupt, arch)
		assert.Equal(t, len(arch.TrapInstruction()), inst.Len, arch)
	}
}

func TestRandomCode(t *testing.T) {
	r := rand.New(testutil.RandSource(t))
	for i := 0; i < testutil.IterCount(); i++ {
		for _, arch := range []Arch{AMD64, I386, ARM64} {
			code := testutil.RandCode(r, 64)
			start := uint64(r.Intn(1 << 20))
			d := NewDecoder(arch, code, start)
			pc := start
			for {
				inst, ok := d.Next()
				if !ok {
					break
				}
				if inst.Addr != pc || inst.Len <= 0 || inst.End() > d.End() {
					t.Fatalf("bad instruction %+v at 0x%x in [0x%x-0x%x)", inst, pc, start, d.End())
				}
				pc = inst.End()
			}
			assert.Equal(t, d.End(), pc)
		}
	}
}
