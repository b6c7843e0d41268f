// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package disasm

import (
	"golang.org/x/arch/x86/x86asm"
)

func decodeX86(src []byte, pc uint64, mode int) (Inst, error) {
	insn, err := x86asm.Decode(src, mode)
	if err != nil {
		return Inst{}, err
	}
	// Truncated input decodes as a 1-byte instruction with no opcode and no error.
	if insn.Op == 0 {
		return Inst{}, x86asm.ErrTruncated
	}
	inst := Inst{
		Addr: pc,
		Len:  insn.Len,
		Flow: Next,
	}
	target := func() bool {
		rel, ok := insn.Args[0].(x86asm.Rel)
		if !ok {
			return false
		}
		inst.Target = pc + uint64(insn.Len) + uint64(int64(rel))
		if mode == 32 {
			inst.Target &= 0xffffffff
		}
		inst.HasTarget = true
		return true
	}
	switch insn.Op {
	case x86asm.JMP:
		if target() {
			inst.Flow = UnconditionalBranch
		} else {
			inst.Flow = IndirectBranch
		}
	case x86asm.LJMP:
		inst.Flow = IndirectBranch
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JG,
		x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JS, x86asm.JCXZ, x86asm.JECXZ,
		x86asm.JRCXZ, x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE, x86asm.XBEGIN:
		inst.Flow = ConditionalBranch
		target()
	case x86asm.CALL:
		if target() {
			inst.Flow = Call
		} else {
			inst.Flow = IndirectCall
		}
	case x86asm.LCALL:
		inst.Flow = IndirectCall
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ,
		x86asm.SYSRET, x86asm.SYSEXIT:
		inst.Flow = Return
	case x86asm.INT:
		inst.Flow = Interrupt
		inst.Interrupt = OtherInterrupt
		if imm, ok := insn.Args[0].(x86asm.Imm); ok && imm == 3 {
			inst.Interrupt = DebugTrap
		}
	case x86asm.INTO, x86asm.SYSCALL, x86asm.SYSENTER:
		inst.Flow = Interrupt
		inst.Interrupt = OtherInterrupt
	case x86asm.UD0, x86asm.UD1, x86asm.UD2, x86asm.HLT:
		inst.Flow = Exception
	}
	return inst, nil
}

func textX86(src []byte, pc uint64, mode int) string {
	insn, err := x86asm.Decode(src, mode)
	if err != nil {
		return ""
	}
	return x86asm.IntelSyntax(insn, pc, nil)
}
