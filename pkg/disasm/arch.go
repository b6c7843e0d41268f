// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package disasm

import (
	"debug/elf"
	"debug/pe"
	"fmt"
	"runtime"
)

type Arch int

const (
	ArchUnknown Arch = iota
	AMD64
	I386
	ARM64
)

type archDesc struct {
	name  string
	trap  []byte
	align uint64
	// Distance from the trap instruction to the PC reported on the trap.
	adjust uint64
}

var archs = map[Arch]archDesc{
	AMD64: {name: "amd64", trap: []byte{0xcc}, align: 1, adjust: 1},
	I386:  {name: "386", trap: []byte{0xcc}, align: 1, adjust: 1},
	// BRK #0, the kernel reports PC of the brk itself.
	ARM64: {name: "arm64", trap: []byte{0x00, 0x00, 0x20, 0xd4}, align: 4, adjust: 0},
}

func (a Arch) String() string {
	if desc, ok := archs[a]; ok {
		return desc.name
	}
	return fmt.Sprintf("arch(%d)", int(a))
}

// TrapInstruction returns bytes of the software breakpoint instruction.
func (a Arch) TrapInstruction() []byte {
	return archs[a].trap
}

// TrapAdjust returns the value to subtract from the PC reported by a trap
// to get the address of the trap instruction.
func (a Arch) TrapAdjust() uint64 {
	return archs[a].adjust
}

func (a Arch) InstructionAlign() uint64 {
	if desc, ok := archs[a]; ok {
		return desc.align
	}
	return 1
}

func HostArch() Arch {
	arch, err := ParseArch(runtime.GOARCH)
	if err != nil {
		return ArchUnknown
	}
	return arch
}

func ParseArch(name string) (Arch, error) {
	for arch, desc := range archs {
		if desc.name == name {
			return arch, nil
		}
	}
	return ArchUnknown, fmt.Errorf("unsupported arch %q", name)
}

func ArchFromELF(machine elf.Machine) (Arch, error) {
	switch machine {
	case elf.EM_X86_64:
		return AMD64, nil
	case elf.EM_386:
		return I386, nil
	case elf.EM_AARCH64:
		return ARM64, nil
	}
	return ArchUnknown, fmt.Errorf("unsupported ELF machine %v", machine)
}

func ArchFromPE(machine uint16) (Arch, error) {
	switch machine {
	case pe.IMAGE_FILE_MACHINE_AMD64:
		return AMD64, nil
	case pe.IMAGE_FILE_MACHINE_I386:
		return I386, nil
	case pe.IMAGE_FILE_MACHINE_ARM64:
		return ARM64, nil
	}
	return ArchUnknown, fmt.Errorf("unsupported PE machine 0x%x", machine)
}
