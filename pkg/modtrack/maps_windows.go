// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package modtrack

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// ToolhelpModules enumerates modules of a process with a Toolhelp32 snapshot.
// Each module is reported as a single executable mapping of its whole image.
type ToolhelpModules struct {
	pid uint32
}

func NewToolhelpModules(pid int) *ToolhelpModules {
	return &ToolhelpModules{pid: uint32(pid)}
}

func (tm *ToolhelpModules) Mappings() ([]Mapping, error) {
	snap, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPMODULE|windows.TH32CS_SNAPMODULE32, tm.pid)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot modules of process %v: %w", tm.pid, err)
	}
	defer windows.CloseHandle(snap)
	var res []Mapping
	entry := windows.ModuleEntry32{Size: uint32(unsafe.Sizeof(windows.ModuleEntry32{}))}
	for err = windows.Module32First(snap, &entry); err == nil; err = windows.Module32Next(snap, &entry) {
		start := uint64(entry.ModBaseAddr)
		res = append(res, Mapping{
			Start: start,
			End:   start + uint64(entry.ModBaseSize),
			Exec:  true,
			Path:  windows.UTF16ToString(entry.ExePath[:]),
		})
	}
	if !errors.Is(err, windows.ERROR_NO_MORE_FILES) {
		return nil, fmt.Errorf("failed to enumerate modules of process %v: %w", tm.pid, err)
	}
	return res, nil
}

func NewMapsSource(pid int) (MapsSource, error) {
	return NewToolhelpModules(pid), nil
}
