// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package symbolizer

import (
	"strings"
	"sync"
)

// Cache keeps resolved frames per module and module offset.
// Failed lookups are cached too.
type Cache struct {
	mu      sync.RWMutex
	modules map[string]map[uint64]cacheVal
}

type cacheVal struct {
	frames []Frame
	err    error
}

func (c *Cache) Symbolize(inner func(string, uint64) ([]Frame, error), bin string, pc uint64) ([]Frame, error) {
	c.mu.RLock()
	val, ok := c.modules[bin][pc]
	c.mu.RUnlock()
	if ok {
		return val.frames, val.err
	}
	frames, err := inner(bin, pc)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.modules == nil {
		c.modules = make(map[string]map[uint64]cacheVal)
	}
	mod := c.modules[bin]
	if mod == nil {
		mod = make(map[uint64]cacheVal)
		c.modules[bin] = mod
	}
	mod[pc] = cacheVal{frames, err}
	return frames, err
}

// Forget drops all results for bin, e.g. after the file was rebuilt.
func (c *Cache) Forget(bin string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.modules, bin)
}

// Interner deduplicates strings. Interned strings are cloned,
// so they don't keep large source buffers alive. Safe for concurrent use.
type Interner struct {
	m sync.Map
}

func (in *Interner) Do(s string) string {
	if interned, ok := in.m.Load(s); ok {
		return interned.(string)
	}
	s = strings.Clone(s)
	in.m.Store(s, s)
	return s
}
