// Copyright 2022 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package testutil

import (
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
)

func IterCount() int {
	iters := 1000
	if testing.Short() {
		iters /= 10
	}
	if RaceEnabled {
		iters /= 10
	}
	return iters
}

func RandSource(t *testing.T) rand.Source {
	seed := time.Now().UnixNano()
	if fixed := os.Getenv("BLOCKCOV_SEED"); fixed != "" {
		seed, _ = strconv.ParseInt(fixed, 0, 64)
	}
	if os.Getenv("CI") != "" {
		seed = 0 // required for deterministic coverage reports
	}
	t.Logf("seed=%v", seed)
	return rand.NewSource(seed)
}

// RandCode returns a random byte sequence that looks like a code region:
// up to maxLen bytes, biased towards control-flow opcodes so that decoders
// and sweeps see plenty of branches.
func RandCode(r *rand.Rand, maxLen int) []byte {
	opcodes := []byte{0x74, 0x75, 0xeb, 0xe8, 0xe9, 0xc3, 0xcc, 0xff, 0x0f}
	code := make([]byte, r.Intn(maxLen)+1)
	r.Read(code)
	for i := range code {
		if r.Intn(4) == 0 {
			code[i] = opcodes[r.Intn(len(opcodes))]
		}
	}
	return code
}

type Writer struct {
	testing.TB
}

func (w *Writer) Write(data []byte) (int, error) {
	w.TB.Logf("%s", data)
	return len(data), nil
}
