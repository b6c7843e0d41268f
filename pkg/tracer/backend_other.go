// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build !(linux && (amd64 || arm64)) && !(windows && amd64)

package tracer

import (
	"fmt"
	"runtime"
)

func NewBackend() (Backend, error) {
	return nil, fmt.Errorf("tracing is not supported on %v/%v", runtime.GOOS, runtime.GOARCH)
}
