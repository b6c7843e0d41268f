// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build !linux && !windows

package modtrack

import (
	"fmt"
	"runtime"
)

func NewMapsSource(pid int) (MapsSource, error) {
	return nil, fmt.Errorf("module tracking is not supported on %v", runtime.GOOS)
}
