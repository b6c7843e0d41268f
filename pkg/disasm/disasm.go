// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package disasm decodes machine code and classifies instructions by their effect on control flow.
// Decoding itself is done by golang.org/x/arch.
package disasm

import (
	"fmt"
)

type Flow int

const (
	Next Flow = iota
	ConditionalBranch
	UnconditionalBranch
	IndirectBranch
	Call
	IndirectCall
	Return
	Interrupt
	Exception
)

var flowNames = [...]string{
	Next:                "next",
	ConditionalBranch:   "conditional branch",
	UnconditionalBranch: "unconditional branch",
	IndirectBranch:      "indirect branch",
	Call:                "call",
	IndirectCall:        "indirect call",
	Return:              "return",
	Interrupt:           "interrupt",
	Exception:           "exception",
}

func (f Flow) String() string {
	if int(f) < len(flowNames) {
		return flowNames[f]
	}
	return fmt.Sprintf("flow(%d)", int(f))
}

type InterruptKind int

const (
	NoInterrupt InterruptKind = iota
	// DebugTrap is a breakpoint instruction (int3, brk).
	DebugTrap
	// OtherInterrupt are system calls and software interrupts that return to the next instruction.
	OtherInterrupt
)

type Inst struct {
	Addr      uint64
	Len       int
	Invalid   bool
	Flow      Flow
	Interrupt InterruptKind
	// Target is the static branch or call target, valid if HasTarget.
	Target    uint64
	HasTarget bool
}

func (inst *Inst) End() uint64 {
	return inst.Addr + uint64(inst.Len)
}

// Decoder decodes instructions from a code window mapped at start.
type Decoder struct {
	arch  Arch
	code  []byte
	start uint64
	pc    uint64
}

func NewDecoder(arch Arch, code []byte, start uint64) *Decoder {
	return &Decoder{
		arch:  arch,
		code:  code,
		start: start,
		pc:    start,
	}
}

func (d *Decoder) Arch() Arch {
	return d.arch
}

func (d *Decoder) Start() uint64 {
	return d.start
}

func (d *Decoder) End() uint64 {
	return d.start + uint64(len(d.code))
}

func (d *Decoder) Contains(addr uint64) bool {
	return addr >= d.start && addr < d.End()
}

// Seek moves the cursor to addr.
func (d *Decoder) Seek(addr uint64) {
	d.pc = addr
}

// Next decodes the instruction at the cursor and advances it.
// Returns false at the end of the window.
func (d *Decoder) Next() (Inst, bool) {
	inst, ok := d.DecodeAt(d.pc)
	if ok {
		d.pc = inst.End()
	}
	return inst, ok
}

// DecodeAt decodes the instruction at addr.
// Returns false if addr is outside of the window.
// Bytes that do not form a valid instruction, including instructions
// truncated by the window end, are returned as an Invalid instruction
// of minimal length with Exception flow.
func (d *Decoder) DecodeAt(addr uint64) (Inst, bool) {
	if !d.Contains(addr) {
		return Inst{}, false
	}
	src := d.code[addr-d.start:]
	var inst Inst
	var err error
	switch d.arch {
	case AMD64:
		inst, err = decodeX86(src, addr, 64)
	case I386:
		inst, err = decodeX86(src, addr, 32)
	case ARM64:
		inst, err = decodeARM64(src, addr)
	default:
		err = fmt.Errorf("unsupported arch %v", d.arch)
	}
	if err != nil {
		size := int(d.arch.InstructionAlign())
		if size > len(src) {
			size = len(src)
		}
		return Inst{
			Addr:    addr,
			Len:     size,
			Invalid: true,
			Flow:    Exception,
		}, true
	}
	return inst, true
}

// Text returns the instruction at addr in assembly syntax.
func (d *Decoder) Text(addr uint64) string {
	if !d.Contains(addr) {
		return ""
	}
	src := d.code[addr-d.start:]
	var text string
	switch d.arch {
	case AMD64, I386:
		text = textX86(src, addr, map[Arch]int{AMD64: 64, I386: 32}[d.arch])
	case ARM64:
		text = textARM64(src)
	}
	if text == "" {
		text = "(bad)"
	}
	return fmt.Sprintf("0x%x: %v", addr, text)
}
