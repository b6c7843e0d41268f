// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package modtrack

import (
	"sort"
	"strings"

	"github.com/google/blockcov/pkg/binimage"
	"github.com/google/blockcov/pkg/log"
	"github.com/google/blockcov/pkg/symbolizer"
)

// Mapping is one memory mapping record of a process.
type Mapping struct {
	Start  uint64
	End    uint64
	Offset uint64 // file offset of Start
	Exec   bool
	Path   string // empty for anonymous mappings
}

type MapsSource interface {
	Mappings() ([]Mapping, error)
}

// Resolver computes the address of image offset 0 of the module mapped by m.
type Resolver interface {
	ResolveBase(m Mapping) (uint64, error)
}

type ResolverFunc func(m Mapping) (uint64, error)

func (f ResolverFunc) ResolveBase(m Mapping) (uint64, error) {
	return f(m)
}

// FileResolver resolves bases by parsing mapped files.
func FileResolver(symb *symbolizer.Service) Resolver {
	return ResolverFunc(func(m Mapping) (uint64, error) {
		mod, err := binimage.Open(m.Path, symb)
		if err != nil {
			return 0, err
		}
		defer mod.Close()
		return mod.LoadBias(m.Start, m.Offset)
	})
}

type Tracker struct {
	src      MapsSource
	resolver Resolver
	images   []*ModuleImage
	// Resolution results for mappings present in the last snapshot.
	resolved map[Mapping]*ModuleImage
}

func NewTracker(src MapsSource, resolver Resolver) *Tracker {
	return &Tracker{
		src:      src,
		resolver: resolver,
		resolved: make(map[Mapping]*ModuleImage),
	}
}

// Update re-reads the process mappings and returns images loaded and unloaded
// since the previous call.
func (t *Tracker) Update() (*LoadEvents, error) {
	mappings, err := t.src.Mappings()
	if err != nil {
		return nil, err
	}
	var images []*ModuleImage
	resolved := make(map[Mapping]*ModuleImage)
	for _, m := range mappings {
		if !m.Exec || !isFileMapping(m.Path) {
			continue
		}
		img, ok := t.resolved[m]
		if !ok {
			img = t.newImage(m)
		}
		resolved[m] = img
		if img != nil {
			images = append(images, img)
		}
	}
	sort.Slice(images, func(i, j int) bool {
		return images[i].Start < images[j].Start
	})
	ev := NewLoadEvents(t.images, images)
	t.images = images
	t.resolved = resolved
	return ev, nil
}

func (t *Tracker) newImage(m Mapping) *ModuleImage {
	path, err := NewModulePath(m.Path)
	if err != nil {
		return nil
	}
	base, err := t.resolver.ResolveBase(m)
	if err != nil {
		log.Logf(2, "ignoring mapping %v [0x%x-0x%x): %v", m.Path, m.Start, m.End, err)
		return nil
	}
	img, err := NewModuleImage(path, base, m.Start, m.End)
	if err != nil {
		log.Logf(2, "ignoring mapping %v [0x%x-0x%x): %v", m.Path, m.Start, m.End, err)
		return nil
	}
	return img
}

// FindImage returns the tracked image that contains va, or nil.
func (t *Tracker) FindImage(va uint64) *ModuleImage {
	i := sort.Search(len(t.images), func(i int) bool {
		return t.images[i].Start > va
	})
	if i == 0 {
		return nil
	}
	if img := t.images[i-1]; img.Contains(va) {
		return img
	}
	return nil
}

// Images returns tracked images sorted by start address.
func (t *Tracker) Images() []*ModuleImage {
	return t.images
}

func isFileMapping(path string) bool {
	return path != "" && !strings.HasPrefix(path, "[") && !strings.HasSuffix(path, " (deleted)")
}
