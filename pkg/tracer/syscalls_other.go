// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build !linux || !(amd64 || arm64)

package tracer

// Module loads are reported as separate events.
func mapsChanged(nr uint64) bool {
	return false
}
