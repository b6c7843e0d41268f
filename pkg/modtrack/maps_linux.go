// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package modtrack

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// ProcMaps reads mappings from /proc/<pid>/maps.
type ProcMaps struct {
	proc procfs.Proc
}

func NewProcMaps(pid int) (*ProcMaps, error) {
	return NewProcMapsFS(procfs.DefaultMountPoint, pid)
}

// NewProcMapsFS reads maps from procfs mounted at mount.
func NewProcMapsFS(mount string, pid int) (*ProcMaps, error) {
	fs, err := procfs.NewFS(mount)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return nil, fmt.Errorf("failed to open process %v: %w", pid, err)
	}
	return &ProcMaps{proc: proc}, nil
}

func (pm *ProcMaps) Mappings() ([]Mapping, error) {
	maps, err := pm.proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("failed to read maps of process %v: %w", pm.proc.PID, err)
	}
	res := make([]Mapping, 0, len(maps))
	for _, m := range maps {
		res = append(res, Mapping{
			Start:  uint64(m.StartAddr),
			End:    uint64(m.EndAddr),
			Offset: uint64(m.Offset),
			Exec:   m.Perms != nil && m.Perms.Execute,
			Path:   m.Pathname,
		})
	}
	return res, nil
}

// NewMapsSource returns the mappings source for the process.
func NewMapsSource(pid int) (MapsSource, error) {
	return NewProcMaps(pid)
}
