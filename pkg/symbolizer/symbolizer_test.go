// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symbolizer

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type table struct {
	starts []uint64
	names  []string
	calls  int
}

func (t *table) Find(off uint64) (string, uint64, bool) {
	t.calls++
	i := sort.Search(len(t.starts), func(i int) bool { return t.starts[i] > off }) - 1
	if i < 0 {
		return "", 0, false
	}
	return t.names[i], t.starts[i], true
}

func TestDemangle(t *testing.T) {
	s := NewService(new(Lock))
	assert.Equal(t, "foo::bar()", s.Demangle("_ZN3foo3barEv"))
	assert.Equal(t, "main", s.Demangle("main"))
	assert.Equal(t, "foo::bar()", s.Demangle("_ZN3foo3barEv"))
}

func TestSymbolize(t *testing.T) {
	s := NewService(new(Lock))
	tab := &table{starts: []uint64{0x10, 0x40}, names: []string{"first", "second"}}
	frames, err := s.Symbolize("/bin/a", tab, 0x10, 0x42)
	require.NoError(t, err)
	assert.Equal(t, []Frame{{PC: 0x10, Func: "first"}, {PC: 0x42, Func: "second", Offset: 2}}, frames)
	assert.Equal(t, "second+0x2", frames[1].String())
	_, err = s.Symbolize("/bin/a", tab, 0x10)
	require.NoError(t, err)
	assert.Equal(t, 2, tab.calls)
	_, err = s.Symbolize("/bin/a", tab, 0x1)
	assert.Error(t, err)
	_, err = s.Symbolize("/bin/a", tab, 0x1)
	assert.Error(t, err)
	assert.Equal(t, 3, tab.calls)

	// Another module with the same offsets is resolved separately.
	_, err = s.Symbolize("/bin/b", tab, 0x10)
	require.NoError(t, err)
	assert.Equal(t, 4, tab.calls)

	s.Forget("/bin/a")
	_, err = s.Symbolize("/bin/a", tab, 0x10)
	require.NoError(t, err)
	assert.Equal(t, 5, tab.calls)
}

func TestSharedLock(t *testing.T) {
	lock := new(Lock)
	s1, s2 := NewService(lock), NewService(lock)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s1.Demangle("_ZN3foo3barEv")
		}()
		go func() {
			defer wg.Done()
			s2.Demangle("_ZN3baz3quxEv")
		}()
	}
	wg.Wait()
	assert.Same(t, Default(), Default())
}

func TestInterner(t *testing.T) {
	var in Interner
	a := in.Do(string([]byte("name")))
	b := in.Do(string([]byte("name")))
	assert.Equal(t, a, b)
}
