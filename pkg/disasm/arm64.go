// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package disasm

import (
	"golang.org/x/arch/arm64/arm64asm"
)

func decodeARM64(src []byte, pc uint64) (Inst, error) {
	insn, err := arm64asm.Decode(src)
	if err != nil {
		return Inst{}, err
	}
	inst := Inst{
		Addr: pc,
		Len:  4,
		Flow: Next,
	}
	target := func() {
		for _, arg := range insn.Args {
			if rel, ok := arg.(arm64asm.PCRel); ok {
				inst.Target = pc + uint64(int64(rel))
				inst.HasTarget = true
				return
			}
		}
	}
	switch insn.Op {
	case arm64asm.B:
		inst.Flow = UnconditionalBranch
		// B.cond has the condition as the first argument, AL/NV always branch.
		if cond, ok := insn.Args[0].(arm64asm.Cond); ok && cond.Value>>1 != 7 {
			inst.Flow = ConditionalBranch
		}
		target()
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		inst.Flow = ConditionalBranch
		target()
	case arm64asm.BL:
		inst.Flow = Call
		target()
	case arm64asm.BR:
		inst.Flow = IndirectBranch
	case arm64asm.BLR:
		inst.Flow = IndirectCall
	case arm64asm.RET, arm64asm.ERET:
		inst.Flow = Return
	case arm64asm.BRK:
		inst.Flow = Interrupt
		inst.Interrupt = DebugTrap
	case arm64asm.SVC, arm64asm.HVC, arm64asm.SMC:
		inst.Flow = Interrupt
		inst.Interrupt = OtherInterrupt
	case arm64asm.HLT, arm64asm.DCPS1:
		inst.Flow = Exception
	}
	return inst, nil
}

func textARM64(src []byte) string {
	insn, err := arm64asm.Decode(src)
	if err != nil {
		return ""
	}
	return insn.String()
}
