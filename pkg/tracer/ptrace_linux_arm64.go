// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tracer

import (
	"github.com/google/blockcov/pkg/disasm"
	"golang.org/x/sys/unix"
)

const ptraceArch = disasm.ARM64

func syscallNumber(regs *unix.PtraceRegs) uint64 {
	return regs.Regs[8]
}
