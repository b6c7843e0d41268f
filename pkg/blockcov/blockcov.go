// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package blockcov holds block coverage of a command: for every module
// the set of instrumented block offsets with a hit count for each.
package blockcov

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/google/blockcov/pkg/modtrack"
	"github.com/google/blockcov/pkg/osutil"
	"github.com/google/blockcov/pkg/sweep"
)

// ModuleCov maps block image offsets to hit counts.
// The set of offsets is fixed when the module is registered.
type ModuleCov map[uint64]uint32

func NewModuleCov(blocks []sweep.Block) ModuleCov {
	mc := make(ModuleCov, len(blocks))
	for _, b := range blocks {
		mc[b.Offset] = 0
	}
	return mc
}

// Increment bumps the count of the block at off.
// Returns false if off is not a block of the module.
func (mc ModuleCov) Increment(off uint64) bool {
	cnt, ok := mc[off]
	if !ok {
		return false
	}
	if cnt != math.MaxUint32 {
		mc[off] = cnt + 1
	}
	return true
}

// Reached returns the number of blocks with a non-zero count.
func (mc ModuleCov) Reached() int {
	n := 0
	for _, cnt := range mc {
		if cnt != 0 {
			n++
		}
	}
	return n
}

// Covered returns sorted offsets of reached blocks.
func (mc ModuleCov) Covered() []uint64 {
	var res []uint64
	for off, cnt := range mc {
		if cnt != 0 {
			res = append(res, off)
		}
	}
	sortOffsets(res)
	return res
}

func (mc ModuleCov) Offsets() []uint64 {
	res := make([]uint64, 0, len(mc))
	for off := range mc {
		res = append(res, off)
	}
	sortOffsets(res)
	return res
}

func (mc ModuleCov) Copy() ModuleCov {
	c := make(ModuleCov, len(mc))
	for off, cnt := range mc {
		c[off] = cnt
	}
	return c
}

type CommandBlockCov struct {
	modules map[modtrack.ModulePath]ModuleCov
}

func New() *CommandBlockCov {
	return &CommandBlockCov{
		modules: make(map[modtrack.ModulePath]ModuleCov),
	}
}

// AddModule registers blocks of the module. The first registration wins:
// returns false and leaves the module alone if it is already known.
func (cov *CommandBlockCov) AddModule(path modtrack.ModulePath, blocks []sweep.Block) bool {
	if _, ok := cov.modules[path]; ok {
		return false
	}
	cov.modules[path] = NewModuleCov(blocks)
	return true
}

func (cov *CommandBlockCov) Increment(path modtrack.ModulePath, off uint64) bool {
	mc := cov.modules[path]
	if mc == nil {
		return false
	}
	return mc.Increment(off)
}

// IncrementVA bumps the block at the runtime address va of img.
func (cov *CommandBlockCov) IncrementVA(img *modtrack.ModuleImage, va uint64) bool {
	if !img.Contains(va) {
		return false
	}
	return cov.Increment(img.Path, img.VAToOffset(va))
}

func (cov *CommandBlockCov) Module(path modtrack.ModulePath) ModuleCov {
	return cov.modules[path]
}

func (cov *CommandBlockCov) Len() int {
	return len(cov.modules)
}

// Merge adds other to cov: the union of block offsets with summed counts.
func (cov *CommandBlockCov) Merge(other *CommandBlockCov) {
	cov.merge(other, func(a, b uint32) uint32 {
		if sum := a + b; sum >= a {
			return sum
		}
		return math.MaxUint32
	})
}

// MergeMax is Merge that keeps the maximum count of each block.
func (cov *CommandBlockCov) MergeMax(other *CommandBlockCov) {
	cov.merge(other, func(a, b uint32) uint32 { return max(a, b) })
}

func (cov *CommandBlockCov) merge(other *CommandBlockCov, combine func(a, b uint32) uint32) {
	for path, omc := range other.modules {
		mc := cov.modules[path]
		if mc == nil {
			cov.modules[path] = omc.Copy()
			continue
		}
		for off, cnt := range omc {
			mc[off] = combine(mc[off], cnt)
		}
	}
}

// Modules returns module paths in sorted order.
func (cov *CommandBlockCov) Modules() []modtrack.ModulePath {
	res := make([]modtrack.ModulePath, 0, len(cov.modules))
	for path := range cov.modules {
		res = append(res, path)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].String() < res[j].String()
	})
	return res
}

type Entry struct {
	Path   modtrack.ModulePath
	Offset uint64
	Count  uint32
}

// Entries enumerates all blocks sorted by module path and offset.
func (cov *CommandBlockCov) Entries() []Entry {
	var res []Entry
	for _, path := range cov.Modules() {
		mc := cov.modules[path]
		for _, off := range mc.Offsets() {
			res = append(res, Entry{path, off, mc[off]})
		}
	}
	return res
}

type ModuleSummary struct {
	Path    modtrack.ModulePath
	Blocks  int
	Reached int
}

func (s ModuleSummary) Percent() float64 {
	if s.Blocks == 0 {
		return 0
	}
	return float64(s.Reached) * 100 / float64(s.Blocks)
}

func (s ModuleSummary) String() string {
	return fmt.Sprintf("%v: %v/%v blocks (%.1f%%)", s.Path, s.Reached, s.Blocks, s.Percent())
}

func (cov *CommandBlockCov) Summary() []ModuleSummary {
	var res []ModuleSummary
	for _, path := range cov.Modules() {
		mc := cov.modules[path]
		res = append(res, ModuleSummary{
			Path:    path,
			Blocks:  len(mc),
			Reached: mc.Reached(),
		})
	}
	return res
}

type jsonBlock struct {
	Offset uint64 `json:"offset"`
	Count  uint32 `json:"count"`
}

type jsonModule struct {
	Path   modtrack.ModulePath `json:"path"`
	Blocks []jsonBlock         `json:"blocks"`
}

type jsonCov struct {
	Modules []jsonModule `json:"modules"`
}

func (cov *CommandBlockCov) MarshalJSON() ([]byte, error) {
	res := jsonCov{Modules: []jsonModule{}}
	for _, path := range cov.Modules() {
		mc := cov.modules[path]
		jm := jsonModule{Path: path, Blocks: []jsonBlock{}}
		for _, off := range mc.Offsets() {
			jm.Blocks = append(jm.Blocks, jsonBlock{off, mc[off]})
		}
		res.Modules = append(res.Modules, jm)
	}
	return json.Marshal(res)
}

func (cov *CommandBlockCov) UnmarshalJSON(data []byte) error {
	var in jsonCov
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	modules := make(map[modtrack.ModulePath]ModuleCov)
	for _, jm := range in.Modules {
		if jm.Path.IsZero() {
			return fmt.Errorf("module without path")
		}
		if modules[jm.Path] != nil {
			return fmt.Errorf("duplicate module %v", jm.Path)
		}
		mc := make(ModuleCov, len(jm.Blocks))
		for _, b := range jm.Blocks {
			mc[b.Offset] = b.Count
		}
		modules[jm.Path] = mc
	}
	cov.modules = modules
	return nil
}

func Load(file string) (*CommandBlockCov, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	cov := New()
	if err := json.Unmarshal(data, cov); err != nil {
		return nil, fmt.Errorf("failed to parse %v: %w", file, err)
	}
	return cov, nil
}

func (cov *CommandBlockCov) Save(file string) error {
	data, err := json.MarshalIndent(cov, "", "\t")
	if err != nil {
		return err
	}
	return osutil.WriteFileAtomic(file, append(data, '\n'))
}

func sortOffsets(offs []uint64) {
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
}
