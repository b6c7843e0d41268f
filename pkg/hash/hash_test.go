// Copyright 2026 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package hash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "module.so")
	data := []byte("\x7fELF some module contents")
	require.NoError(t, os.WriteFile(file, data, 0644))
	sig, err := File(file)
	require.NoError(t, err)
	assert.Equal(t, Hash(data), sig)
	assert.Equal(t, Hash(data[:4], data[4:]), sig)

	_, err = File(file + ".missing")
	assert.Error(t, err)
}

func TestFromString(t *testing.T) {
	sig := Hash([]byte("foo"))
	sig1, err := FromString(sig.String())
	require.NoError(t, err)
	assert.Equal(t, sig, sig1)
	_, err = FromString("abcd")
	assert.Error(t, err)
	_, err = FromString("zz")
	assert.Error(t, err)
}
