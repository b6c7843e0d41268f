// Copyright 2017 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package osutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsExist(t *testing.T) {
	if f := os.Args[0]; !IsExist(f) {
		t.Fatalf("executable %v does not exist", f)
	}
	if f := os.Args[0] + "-foo-bar-buz"; IsExist(f) {
		t.Fatalf("file %v exists", f)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "sub", "cover.json")
	require.NoError(t, WriteFileAtomic(file, []byte("first")))
	require.NoError(t, WriteFileAtomic(file, []byte("second")))
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
	files, err := ListDir(filepath.Dir(file))
	require.NoError(t, err)
	assert.Equal(t, []string{"cover.json"}, files)
}

func TestAbs(t *testing.T) {
	_, err := Abs("")
	assert.Error(t, err)
	abs, err := Abs("a/../b")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(abs))
	assert.Equal(t, "b", filepath.Base(abs))
}

func TestPrependContext(t *testing.T) {
	err := PrependContext("run 1", &VerboseError{Title: "failed", Output: []byte("log tail")})
	assert.Equal(t, "run 1: failed\nlog tail", err.Error())
	err = PrependContext("run 2", os.ErrNotExist)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, "run 2: file does not exist", err.Error())
	assert.Equal(t, "quiet", (&VerboseError{Title: "quiet"}).Error())
}
