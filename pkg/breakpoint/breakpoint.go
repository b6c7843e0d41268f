// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package breakpoint manages software breakpoints in a traced process.
//
// Every breakpoint runs a small state machine:
//
//	Armed --hit--> Hit (original code restored, waiting for a single-step)
//	Hit --rearm--> Armed
//	Armed --hit, one-shot--> removed
//
// A hit reported for an address that has no armed breakpoint is a race with
// another thread that already consumed the trap; such hits have no effect.
package breakpoint

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/google/blockcov/pkg/log"
)

// Memory gives access to the address space of the traced process.
type Memory interface {
	ReadMemory(addr uint64, data []byte) error
	WriteMemory(addr uint64, data []byte) error
}

// ICacheFlusher is implemented by memories that need an explicit instruction
// cache flush after code modification.
type ICacheFlusher interface {
	FlushICache(addr uint64, size int) error
}

type State int

const (
	Armed State = iota
	Hit
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Hit:
		return "hit"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Breakpoint struct {
	Addr     uint64
	Original []byte
	State    State
	Hits     uint64
}

// Outcome says what a trap at a breakpoint address turned out to be.
type Outcome int

const (
	// Race: no armed breakpoint at the address.
	Race Outcome = iota
	// Removed: a one-shot breakpoint was hit and removed.
	Removed
	// PendingRearm: a persistent breakpoint was hit, the original code is in
	// place and the breakpoint must be re-armed after the thread steps over it.
	PendingRearm
)

func (o Outcome) String() string {
	switch o {
	case Race:
		return "race"
	case Removed:
		return "removed"
	case PendingRearm:
		return "pending-rearm"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

type Breakpoints struct {
	trap []byte
	bps  map[uint64]*Breakpoint
}

func New(trap []byte) *Breakpoints {
	if len(trap) == 0 {
		panic("empty trap instruction")
	}
	return &Breakpoints{
		trap: append([]byte{}, trap...),
		bps:  make(map[uint64]*Breakpoint),
	}
}

// Trap returns the trap instruction bytes.
func (b *Breakpoints) Trap() []byte {
	return b.trap
}

// Set installs a breakpoint at va. Setting an existing breakpoint is a no-op.
func (b *Breakpoints) Set(mem Memory, va uint64) error {
	if b.bps[va] != nil {
		return nil
	}
	orig := make([]byte, len(b.trap))
	if err := mem.ReadMemory(va, orig); err != nil {
		return fmt.Errorf("breakpoint at 0x%x: failed to read code: %w", va, err)
	}
	if err := b.write(mem, va, b.trap); err != nil {
		return err
	}
	b.bps[va] = &Breakpoint{Addr: va, Original: orig}
	return nil
}

// SetBatch installs breakpoints at base+offsets with a single read and write
// of the whole covered span. Returns the number of new breakpoints.
// Offsets must not produce overlapping traps.
func (b *Breakpoints) SetBatch(mem Memory, base uint64, offsets []uint64) (int, error) {
	var addrs []uint64
	for _, off := range offsets {
		if va := base + off; b.bps[va] == nil {
			addrs = append(addrs, va)
		}
	}
	if len(addrs) == 0 {
		return 0, nil
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	start, end := addrs[0], addrs[len(addrs)-1]+uint64(len(b.trap))
	span := make([]byte, end-start)
	if err := mem.ReadMemory(start, span); err != nil {
		return 0, fmt.Errorf("breakpoints at [0x%x-0x%x): failed to read code: %w", start, end, err)
	}
	// Breakpoints inside the span that are already armed have the trap in span.
	added := make([]*Breakpoint, 0, len(addrs))
	for i, va := range addrs {
		if i > 0 && va == addrs[i-1] {
			continue
		}
		pos := va - start
		bp := &Breakpoint{
			Addr:     va,
			Original: append([]byte{}, span[pos:pos+uint64(len(b.trap))]...),
		}
		copy(span[pos:], b.trap)
		added = append(added, bp)
	}
	if err := b.write(mem, start, span); err != nil {
		return 0, err
	}
	for _, bp := range added {
		b.bps[bp.Addr] = bp
	}
	log.Logf(3, "installed %v breakpoints in [0x%x-0x%x)", len(added), start, end)
	return len(added), nil
}

// Clear removes the breakpoint at va and restores the original code.
// Returns false without touching memory if there is no breakpoint.
func (b *Breakpoints) Clear(mem Memory, va uint64) (bool, error) {
	bp := b.bps[va]
	if bp == nil {
		return false, nil
	}
	if bp.State == Armed {
		if err := b.write(mem, va, bp.Original); err != nil {
			return false, err
		}
	}
	delete(b.bps, va)
	return true, nil
}

// Forget drops breakpoints in [start, end) without touching memory,
// used when the code was unmapped.
func (b *Breakpoints) Forget(start, end uint64) int {
	n := 0
	for va := range b.bps {
		if va >= start && va < end {
			delete(b.bps, va)
			n++
		}
	}
	return n
}

// Hit handles a trap that was executed at va. For a one-shot hit the
// breakpoint is removed, otherwise it moves to Hit until Rearm.
func (b *Breakpoints) Hit(mem Memory, va uint64, persistent bool) (Outcome, error) {
	bp := b.bps[va]
	if bp == nil || bp.State != Armed {
		return Race, nil
	}
	if err := b.write(mem, va, bp.Original); err != nil {
		return Race, err
	}
	bp.Hits++
	if !persistent {
		delete(b.bps, va)
		return Removed, nil
	}
	bp.State = Hit
	return PendingRearm, nil
}

// Rearm puts the trap back after a Hit.
func (b *Breakpoints) Rearm(mem Memory, va uint64) error {
	bp := b.bps[va]
	if bp == nil || bp.State != Hit {
		return nil
	}
	if err := b.write(mem, va, b.trap); err != nil {
		return err
	}
	bp.State = Armed
	return nil
}

// IsTrap says if code at va currently holds the trap instruction.
// Used to tell program traps from breakpoints consumed by other threads.
func (b *Breakpoints) IsTrap(mem Memory, va uint64) (bool, error) {
	code := make([]byte, len(b.trap))
	if err := mem.ReadMemory(va, code); err != nil {
		return false, fmt.Errorf("failed to read code at 0x%x: %w", va, err)
	}
	return bytes.Equal(code, b.trap), nil
}

func (b *Breakpoints) Has(va uint64) bool {
	return b.bps[va] != nil
}

func (b *Breakpoints) Get(va uint64) *Breakpoint {
	return b.bps[va]
}

func (b *Breakpoints) Len() int {
	return len(b.bps)
}

// Original returns the code bytes replaced by the breakpoint at va.
func (b *Breakpoints) Original(va uint64) ([]byte, bool) {
	bp := b.bps[va]
	if bp == nil {
		return nil, false
	}
	return bp.Original, true
}

func (b *Breakpoints) write(mem Memory, va uint64, data []byte) error {
	if err := mem.WriteMemory(va, data); err != nil {
		return fmt.Errorf("breakpoint at 0x%x: failed to write code: %w", va, err)
	}
	if flusher, ok := mem.(ICacheFlusher); ok {
		if err := flusher.FlushICache(va, len(data)); err != nil {
			return fmt.Errorf("breakpoint at 0x%x: failed to flush icache: %w", va, err)
		}
	}
	return nil
}
