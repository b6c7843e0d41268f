// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux && (amd64 || arm64)

package tracer

import (
	"golang.org/x/sys/unix"
)

// mapsChanged says if the syscall may have changed executable mappings.
func mapsChanged(nr uint64) bool {
	switch nr {
	case unix.SYS_MMAP, unix.SYS_MUNMAP, unix.SYS_MPROTECT, unix.SYS_MREMAP,
		unix.SYS_SHMAT, unix.SYS_SHMDT, unix.SYS_PKEY_MPROTECT:
		return true
	}
	return false
}
