// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package modtrack tracks executable modules mapped into a live process.
package modtrack

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ModulePath is an absolute clean path to a module file.
// It is comparable and can be used as a map key.
type ModulePath struct {
	path string
}

func NewModulePath(path string) (ModulePath, error) {
	if !filepath.IsAbs(path) {
		return ModulePath{}, fmt.Errorf("module path %q is not absolute", path)
	}
	path = filepath.Clean(path)
	name := filepath.Base(path)
	if name == "" || name == "." || name == string(filepath.Separator) || path == filepath.VolumeName(path)+`\` {
		return ModulePath{}, fmt.Errorf("module path %q has no file name", path)
	}
	return ModulePath{path}, nil
}

// MustModulePath is NewModulePath that panics on errors, for tests and constants.
func MustModulePath(path string) ModulePath {
	p, err := NewModulePath(path)
	if err != nil {
		panic(err)
	}
	return p
}

func (p ModulePath) String() string {
	return p.path
}

// Name returns the file name.
func (p ModulePath) Name() string {
	return filepath.Base(p.path)
}

func (p ModulePath) Dir() string {
	return filepath.Dir(p.path)
}

func (p ModulePath) IsZero() bool {
	return p.path == ""
}

func (p ModulePath) MarshalText() ([]byte, error) {
	return []byte(p.path), nil
}

func (p *ModulePath) UnmarshalText(text []byte) error {
	res, err := NewModulePath(string(text))
	if err != nil {
		return err
	}
	*p = res
	return nil
}

// ModuleImage is one file-backed executable mapping of a module.
type ModuleImage struct {
	Path ModulePath
	// Base is the virtual address of image offset 0.
	Base uint64
	// Start/End is the mapped [Start, End) address range.
	Start uint64
	End   uint64
}

var errEmptyMapping = errors.New("empty mapping")

func NewModuleImage(path ModulePath, base, start, end uint64) (*ModuleImage, error) {
	if path.IsZero() {
		return nil, errors.New("no module path")
	}
	if start >= end {
		return nil, errEmptyMapping
	}
	if base > start {
		return nil, fmt.Errorf("%v: base 0x%x is above the mapping start 0x%x", path, base, start)
	}
	return &ModuleImage{
		Path:  path,
		Base:  base,
		Start: start,
		End:   end,
	}, nil
}

func (img *ModuleImage) VAToOffset(va uint64) uint64 {
	return va - img.Base
}

func (img *ModuleImage) OffsetToVA(off uint64) uint64 {
	return img.Base + off
}

func (img *ModuleImage) Contains(va uint64) bool {
	return va >= img.Start && va < img.End
}

func (img *ModuleImage) String() string {
	return fmt.Sprintf("%v@0x%x [0x%x-0x%x)", img.Path, img.Base, img.Start, img.End)
}

type imageKey struct {
	base uint64
	path ModulePath
}

func (img *ModuleImage) key() imageKey {
	return imageKey{img.Base, img.Path}
}

// LoadEvents is the difference between two address space snapshots.
// Images are identified by (base, path). Executable windows that appear or
// disappear for an image present in both snapshots are reported separately.
type LoadEvents struct {
	Loaded   []*ModuleImage
	Unloaded []*ModuleImage
	// AddedWindows and RemovedWindows belong to images that stay loaded,
	// e.g. after mprotect of a part of a module.
	AddedWindows   []*ModuleImage
	RemovedWindows []*ModuleImage
}

type windowKey struct {
	imageKey
	start, end uint64
}

func (img *ModuleImage) windowKey() windowKey {
	return windowKey{img.key(), img.Start, img.End}
}

func NewLoadEvents(before, after []*ModuleImage) *LoadEvents {
	keys := func(images []*ModuleImage) (map[imageKey]bool, map[windowKey]bool) {
		res := make(map[imageKey]bool)
		windows := make(map[windowKey]bool)
		for _, img := range images {
			res[img.key()] = true
			windows[img.windowKey()] = true
		}
		return res, windows
	}
	beforeKeys, beforeWindows := keys(before)
	afterKeys, afterWindows := keys(after)
	ev := new(LoadEvents)
	for _, img := range after {
		switch {
		case !beforeKeys[img.key()]:
			ev.Loaded = append(ev.Loaded, img)
		case !beforeWindows[img.windowKey()]:
			ev.AddedWindows = append(ev.AddedWindows, img)
		}
	}
	for _, img := range before {
		switch {
		case !afterKeys[img.key()]:
			ev.Unloaded = append(ev.Unloaded, img)
		case !afterWindows[img.windowKey()]:
			ev.RemovedWindows = append(ev.RemovedWindows, img)
		}
	}
	return ev
}

func (ev *LoadEvents) Empty() bool {
	return len(ev.Loaded) == 0 && len(ev.Unloaded) == 0 &&
		len(ev.AddedWindows) == 0 && len(ev.RemovedWindows) == 0
}
