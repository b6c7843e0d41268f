// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package sweep discovers basic blocks in machine code by a worklist disassembly sweep.
//
// The sweep only needs to find block entry points for breakpoint placement,
// so fall-through successors are added as leaders only after conditional branches.
// Code following an unconditional jump that is not itself a branch target
// stays in the preceding block.
package sweep

import (
	"fmt"
	"sort"

	"github.com/google/blockcov/pkg/disasm"
	"github.com/google/blockcov/pkg/log"
)

// Code is a window of machine code, Data[0] is at image offset Offset.
type Code struct {
	Arch   disasm.Arch
	Offset uint64
	Data   []byte
}

func (c Code) End() uint64 {
	return c.Offset + uint64(len(c.Data))
}

// Region is the [Start, Start+Size) range of image offsets to sweep.
type Region struct {
	Start uint64
	Size  uint64
}

func (r Region) End() uint64 {
	return r.Start + r.Size
}

func (r Region) Contains(off uint64) bool {
	return off >= r.Start && off < r.End()
}

type Block struct {
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
}

func (b Block) End() uint64 {
	return b.Offset + b.Size
}

type Options struct {
	// IsNoReturn says if a call to the target never returns.
	IsNoReturn func(target uint64) bool
}

// Sweep discovers blocks in region of code starting from the region start
// and the extra leaders that fall into the region.
// Returned blocks are sorted by offset and do not overlap.
func Sweep(code Code, region Region, extraLeaders []uint64, opts Options) ([]Block, error) {
	if region.Size == 0 {
		return nil, fmt.Errorf("empty sweep region at 0x%x", region.Start)
	}
	if region.Start < code.Offset || region.End() > code.End() || region.End() < region.Start {
		return nil, fmt.Errorf("sweep region [0x%x-0x%x) is outside of code [0x%x-0x%x)",
			region.Start, region.End(), code.Offset, code.End())
	}
	s := &sweeper{
		dec:     disasm.NewDecoder(code.Arch, code.Data, code.Offset),
		region:  region,
		opts:    opts,
		align:   code.Arch.InstructionAlign(),
		leaders: make(map[uint64]bool),
	}
	s.push(region.Start)
	for _, leader := range extraLeaders {
		s.push(leader)
	}
	for len(s.work) != 0 {
		pc := s.work[len(s.work)-1]
		s.work = s.work[:len(s.work)-1]
		if s.leaders[pc] {
			continue
		}
		s.leaders[pc] = true
		s.discover(pc)
	}
	return s.extents(), nil
}

type sweeper struct {
	dec     *disasm.Decoder
	region  Region
	opts    Options
	align   uint64
	work    []uint64
	leaders map[uint64]bool
}

func (s *sweeper) push(pc uint64) {
	if !s.region.Contains(pc) || pc%s.align != 0 || s.leaders[pc] {
		return
	}
	s.work = append(s.work, pc)
}

// discover decodes forward from the leader until the block terminator
// and pushes the successor leaders.
func (s *sweeper) discover(pc uint64) {
	for s.region.Contains(pc) {
		inst, ok := s.next(pc)
		if !ok {
			return
		}
		switch inst.Flow {
		case disasm.ConditionalBranch:
			if inst.HasTarget {
				s.push(inst.Target)
			}
			s.push(inst.End())
			return
		case disasm.UnconditionalBranch:
			if inst.HasTarget {
				s.push(inst.Target)
			}
			return
		}
		if s.terminates(inst) {
			return
		}
		pc = inst.End()
	}
}

// next decodes a valid instruction at pc that fits into the region.
func (s *sweeper) next(pc uint64) (disasm.Inst, bool) {
	inst, ok := s.dec.DecodeAt(pc)
	if !ok || inst.Invalid || inst.End() > s.region.End() {
		return inst, false
	}
	return inst, true
}

func (s *sweeper) terminates(inst disasm.Inst) bool {
	switch inst.Flow {
	case disasm.ConditionalBranch, disasm.UnconditionalBranch, disasm.IndirectBranch,
		disasm.Return, disasm.Exception:
		return true
	case disasm.Interrupt:
		return inst.Interrupt == disasm.DebugTrap
	case disasm.Call:
		return inst.HasTarget && s.opts.IsNoReturn != nil && s.opts.IsNoReturn(inst.Target)
	}
	return false
}

// extents computes block sizes: a block extends from its leader up to
// the terminator or the next leader, whichever comes first.
// Instructions crossing the next leader are excluded.
func (s *sweeper) extents() []Block {
	leaders := make([]uint64, 0, len(s.leaders))
	for pc := range s.leaders {
		leaders = append(leaders, pc)
	}
	sort.Slice(leaders, func(i, j int) bool { return leaders[i] < leaders[j] })
	blocks := make([]Block, 0, len(leaders))
	for i, start := range leaders {
		limit := s.region.End()
		if i+1 < len(leaders) {
			limit = leaders[i+1]
		}
		pc := start
		for pc < limit {
			inst, ok := s.next(pc)
			if !ok || inst.End() > limit {
				break
			}
			pc = inst.End()
			if s.terminates(inst) {
				break
			}
		}
		if pc == start {
			log.Logf(1, "sweep: dropping empty block at 0x%x", start)
			continue
		}
		blocks = append(blocks, Block{Offset: start, Size: pc - start})
	}
	return blocks
}
