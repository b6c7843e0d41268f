// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package recorder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/blockcov/pkg/disasm"
	"github.com/google/blockcov/pkg/hash"
	"github.com/google/blockcov/pkg/osutil"
	"github.com/google/blockcov/pkg/sweep"
	"github.com/ulikunitz/xz"
)

// Bump when sweep results for the same binary change.
const cacheVersion = "1"

// ModuleCache stores block sets of modules keyed by file contents.
// Entries are xz-compressed JSON files in the cache directory.
type ModuleCache struct {
	dir string
	// Distinguishes block sets swept with different symbol filters.
	salt []byte
	// Set when filter rules depend on the module path, then identical files
	// at different paths may have different block sets.
	byPath bool
}

// CachedModule is the sweep result of one module file.
type CachedModule struct {
	Arch   disasm.Arch
	Blocks []sweep.Block
}

type cacheEntry struct {
	Path   string        `json:"path"`
	Arch   string        `json:"arch"`
	Blocks []sweep.Block `json:"blocks"`
}

func NewModuleCache(dir string, salt []byte, byPath bool) (*ModuleCache, error) {
	if err := osutil.MkdirAll(dir); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	return &ModuleCache{dir: dir, salt: salt, byPath: byPath}, nil
}

// Key returns the cache key of the module file.
func (mc *ModuleCache) Key(path string) (hash.Sig, error) {
	sig, err := hash.File(path)
	if err != nil {
		return hash.Sig{}, err
	}
	if mc.byPath {
		return hash.Hash([]byte(cacheVersion), sig[:], mc.salt, []byte(path)), nil
	}
	return hash.Hash([]byte(cacheVersion), sig[:], mc.salt), nil
}

func (mc *ModuleCache) file(key hash.Sig) string {
	return filepath.Join(mc.dir, key.String()+".json.xz")
}

// Get returns the cached module, or nil on a cache miss.
func (mc *ModuleCache) Get(key hash.Sig) (*CachedModule, error) {
	f, err := os.Open(mc.file(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := xz.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("corrupted cache entry %v: %w", f.Name(), err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("corrupted cache entry %v: %w", f.Name(), err)
	}
	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("corrupted cache entry %v: %w", f.Name(), err)
	}
	arch, err := disasm.ParseArch(entry.Arch)
	if err != nil {
		return nil, fmt.Errorf("corrupted cache entry %v: %w", f.Name(), err)
	}
	return &CachedModule{Arch: arch, Blocks: entry.Blocks}, nil
}

func (mc *ModuleCache) Put(key hash.Sig, path string, cm *CachedModule) error {
	data, err := json.Marshal(cacheEntry{Path: path, Arch: cm.Arch.String(), Blocks: cm.Blocks})
	if err != nil {
		return err
	}
	buf := new(bytes.Buffer)
	w, err := xz.NewWriter(buf)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return osutil.WriteFileAtomic(mc.file(key), buf.Bytes())
}
