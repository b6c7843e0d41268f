// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package recorder records block coverage of a command: it sweeps every
// executable module the command maps, puts a breakpoint at each block leader
// and counts breakpoint hits.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/blockcov/pkg/binimage"
	"github.com/google/blockcov/pkg/blockcov"
	"github.com/google/blockcov/pkg/breakpoint"
	"github.com/google/blockcov/pkg/covfilter"
	"github.com/google/blockcov/pkg/disasm"
	"github.com/google/blockcov/pkg/log"
	"github.com/google/blockcov/pkg/modtrack"
	"github.com/google/blockcov/pkg/stat"
	"github.com/google/blockcov/pkg/sweep"
	"github.com/google/blockcov/pkg/symbolizer"
	"github.com/google/blockcov/pkg/tracer"
	"golang.org/x/sync/errgroup"
)

var (
	statModules = stat.New("modules", "Modules instrumented with breakpoints",
		stat.Console, stat.Prometheus("blockcov_modules"))
	statSkipped = stat.New("skipped modules", "Modules left uninstrumented (filtered, unparsable or empty)",
		stat.Prometheus("blockcov_skipped_modules"))
	statBlocks = stat.New("blocks", "Breakpoints installed at block leaders",
		stat.Console, stat.Prometheus("blockcov_blocks"))
	statHits = stat.New("hits", "Breakpoint hits",
		stat.Console, stat.Rate{}, stat.Prometheus("blockcov_hits"))
	statRaces = stat.New("races", "Traps at already restored breakpoints",
		stat.Prometheus("blockcov_races"))
	statProgramTraps = stat.New("program traps", "Trap instructions of the program itself",
		stat.Prometheus("blockcov_program_traps"))
	statCacheHits = stat.New("cache hits", "Modules found in the block set cache",
		stat.Prometheus("blockcov_cache_hits"))
	statSweepTime = stat.New("sweep time", "Time to sweep one module (ms)",
		stat.Distribution{}, stat.Prometheus("blockcov_sweep_ms"))
)

type Recorder struct {
	cfg    *Config
	filter *covfilter.Filter
	cache  *ModuleCache
	symb   *symbolizer.Service
	// Overridden in tests.
	newBackend func() (tracer.Backend, error)
	newSource  func(proc tracer.Process) (modtrack.MapsSource, error)
}

func New(cfg *Config) (*Recorder, error) {
	if cfg == nil {
		cfg = new(Config)
	}
	if err := cfg.complete(); err != nil {
		return nil, err
	}
	filter, err := covfilter.New(&covfilter.Config{Rules: cfg.Filter})
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		cfg:        cfg,
		filter:     filter,
		symb:       symbolizer.Default(),
		newBackend: tracer.NewBackend,
		newSource:  defaultSource,
	}
	if cfg.CacheDir != "" {
		// Symbol rules change the sweep result, so they are part of the key.
		salt, err := json.Marshal(cfg.Filter)
		if err != nil {
			return nil, err
		}
		byPath := false
		for _, rule := range cfg.Filter {
			byPath = byPath || rule.Module != ""
		}
		if r.cache, err = NewModuleCache(cfg.CacheDir, salt, byPath); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func defaultSource(proc tracer.Process) (modtrack.MapsSource, error) {
	// The Windows backend knows modules from its own debug events.
	if src, ok := proc.(modtrack.MapsSource); ok {
		return src, nil
	}
	return modtrack.NewMapsSource(proc.Pid())
}

// Record runs cmd to completion and returns its block coverage.
// An error means there is no coverage for this run, as opposed to
// coverage with no reached blocks.
func (r *Recorder) Record(ctx context.Context, cmd *tracer.Command) (*blockcov.CommandBlockCov, error) {
	backend, err := r.newBackend()
	if err != nil {
		return nil, err
	}
	s := r.newSession()
	start := time.Now()
	status, err := tracer.New(backend).Run(ctx, cmd, s)
	if err != nil {
		return nil, fmt.Errorf("failed to record %v: %w", cmd, err)
	}
	log.Logf(0, "recorded %v: %v, %v modules, %v breakpoints, %v hits in %v",
		cmd, status, s.cov.Len(), s.installed, s.hits, time.Since(start))
	return s.cov, nil
}

func (r *Recorder) newSession() *session {
	return &session{
		Recorder: r,
		cov:      blockcov.New(),
		modules:  make(map[modtrack.ModulePath]*moduleState),
	}
}

type moduleState struct {
	// Image base of the instrumented load, zero blocks means skipped.
	base   uint64
	blocks []sweep.Block
	// Unset after exec, the next load of the module is instrumented.
	loaded bool
	// Offsets that got a breakpoint during the current load at base.
	armed map[uint64]bool
}

// session is the per-run tracer.Handler.
type session struct {
	*Recorder
	cov       *blockcov.CommandBlockCov
	bps       *breakpoint.Breakpoints
	tracker   *modtrack.Tracker
	modules   map[modtrack.ModulePath]*moduleState
	installed int
	hits      int
}

func (s *session) Attached(proc tracer.Process) error {
	if err := s.attach(proc); err != nil {
		return err
	}
	log.Logf(0, "pid %v: %v modules, %v breakpoints at start", proc.Pid(), s.cov.Len(), s.bps.Len())
	return nil
}

// Exec starts over with the new program image. Module block sets are kept:
// coverage of a module path accumulates across all images of the run.
func (s *session) Exec(proc tracer.Process) error {
	for _, ms := range s.modules {
		ms.loaded, ms.armed = false, nil
	}
	if err := s.attach(proc); err != nil {
		return fmt.Errorf("failed to instrument the exec'ed image: %w", err)
	}
	log.Logf(0, "pid %v: exec, %v modules, %v breakpoints", proc.Pid(), s.cov.Len(), s.bps.Len())
	return nil
}

func (s *session) attach(proc tracer.Process) error {
	arch := proc.Arch()
	if len(arch.TrapInstruction()) == 0 {
		return fmt.Errorf("no trap instruction for %v", arch)
	}
	src, err := s.newSource(proc)
	if err != nil {
		return err
	}
	s.tracker = modtrack.NewTracker(src, modtrack.FileResolver(s.symb))
	s.bps = breakpoint.New(arch.TrapInstruction())
	return s.ModulesChanged(proc)
}

func (s *session) ModulesChanged(proc tracer.Process) error {
	ev, err := s.tracker.Update()
	if err != nil {
		return fmt.Errorf("failed to read modules of pid %v: %w", proc.Pid(), err)
	}
	for _, img := range ev.Unloaded {
		n := s.bps.Forget(img.Start, img.End)
		log.Logf(1, "unloaded %v, dropped %v breakpoints", img, n)
		if ms := s.modules[img.Path]; ms != nil && ms.base == img.Base {
			ms.armed = nil
		}
	}
	for _, img := range ev.RemovedWindows {
		s.dropWindow(proc, img)
	}
	if len(ev.Loaded) != 0 {
		if err := s.sweepNew(proc.Arch(), ev.Loaded); err != nil {
			return err
		}
	}
	for _, img := range append(ev.Loaded, ev.AddedWindows...) {
		if err := s.install(proc, img); err != nil {
			return err
		}
	}
	return nil
}

// dropWindow removes breakpoints of a window that is no longer executable,
// except for the parts still covered by other windows of the same load.
// The code is restored if the memory is still there (mprotect), so that
// the window can be instrumented again when it becomes executable.
// Blocks that were already hit stay armed and are not instrumented again.
func (s *session) dropWindow(proc tracer.Process, img *modtrack.ModuleImage) {
	ms := s.modules[img.Path]
	if ms == nil || ms.base != img.Base {
		return
	}
	cleared, forgotten := 0, 0
	for off := range ms.armed {
		va := img.OffsetToVA(off)
		if !img.Contains(va) || !s.bps.Has(va) {
			continue
		}
		if cur := s.tracker.FindImage(va); cur != nil && cur.Path == img.Path && cur.Base == img.Base {
			continue
		}
		delete(ms.armed, off)
		if _, err := s.bps.Clear(proc, va); err != nil {
			forgotten += s.bps.Forget(va, va+1)
			continue
		}
		cleared++
	}
	log.Logf(1, "window %v is gone: %v breakpoints removed, %v forgotten", img, cleared, forgotten)
}

// sweepNew sweeps modules of the loaded images that were not seen before.
// Sweeps run in parallel, the results are registered serially.
func (s *session) sweepNew(arch disasm.Arch, loaded []*modtrack.ModuleImage) error {
	var todo []*modtrack.ModuleImage
	seen := make(map[modtrack.ModulePath]bool)
	for _, img := range loaded {
		if s.modules[img.Path] != nil || seen[img.Path] {
			continue
		}
		seen[img.Path] = true
		if !s.filter.IncludesModule(img.Path.String()) {
			log.Logf(1, "%v: excluded by the filter", img.Path)
			statSkipped.Add(1)
			s.modules[img.Path] = &moduleState{base: img.Base, loaded: true}
			continue
		}
		todo = append(todo, img)
	}
	results := make([][]sweep.Block, len(todo))
	var eg errgroup.Group
	eg.SetLimit(s.cfg.SweepProcs)
	for i, img := range todo {
		eg.Go(func() error {
			blocks, err := s.sweep(img.Path, arch)
			if err != nil {
				log.Logf(0, "%v: not instrumented: %v", img.Path, err)
				return nil
			}
			results[i] = blocks
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	for i, img := range todo {
		blocks := results[i]
		if len(blocks) == 0 {
			log.Logf(1, "%v: no blocks", img.Path)
			statSkipped.Add(1)
		} else if s.cov.AddModule(img.Path, blocks) {
			statModules.Add(1)
		}
		s.modules[img.Path] = &moduleState{base: img.Base, blocks: blocks, loaded: true}
	}
	return nil
}

// sweep returns blocks of the module file, consulting the cache if configured.
func (s *session) sweep(path modtrack.ModulePath, arch disasm.Arch) ([]sweep.Block, error) {
	if s.cache == nil {
		cm, err := s.sweepFile(path)
		if err != nil {
			return nil, err
		}
		return checkArch(cm, arch)
	}
	key, err := s.cache.Key(path.String())
	if err != nil {
		return nil, err
	}
	cm, err := s.cache.Get(key)
	if err != nil {
		log.Logf(0, "%v: %v, sweeping again", path, err)
	}
	if cm != nil {
		statCacheHits.Add(1)
		return checkArch(cm, arch)
	}
	if cm, err = s.sweepFile(path); err != nil {
		return nil, err
	}
	if err := s.cache.Put(key, path.String(), cm); err != nil {
		log.Errorf("failed to cache %v: %v", path, err)
	}
	return checkArch(cm, arch)
}

func (s *session) sweepFile(path modtrack.ModulePath) (*CachedModule, error) {
	start := time.Now()
	mod, err := binimage.Open(path.String(), s.symb)
	if err != nil {
		return nil, err
	}
	defer mod.Close()
	blocks, stats, err := sweep.SweepModule(mod, s.filter)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	statSweepTime.Add(int(elapsed.Milliseconds()))
	log.Logf(1, "%v: %v blocks, %v symbols (%v filtered), %v sancov leaders in %v",
		path, len(blocks), stats.Symbols, stats.SkippedSymbols, stats.SancovLeaders, elapsed)
	return &CachedModule{Arch: mod.Arch, Blocks: blocks}, nil
}

func checkArch(cm *CachedModule, arch disasm.Arch) ([]sweep.Block, error) {
	if cm.Arch != arch {
		return nil, fmt.Errorf("module arch %v does not match process arch %v", cm.Arch, arch)
	}
	return cm.Blocks, nil
}

// install puts breakpoints at the module blocks that fall into the image.
// Only the first load of a module path is instrumented, other executable
// windows of the same load are instrumented too. A block is armed at most
// once per load, even if its window is remapped.
func (s *session) install(proc tracer.Process, img *modtrack.ModuleImage) error {
	ms := s.modules[img.Path]
	if ms == nil || len(ms.blocks) == 0 {
		return nil
	}
	if !ms.loaded {
		ms.base, ms.loaded = img.Base, true
	}
	if ms.base != img.Base {
		log.Logf(1, "%v: already instrumented at 0x%x, ignoring the load at 0x%x",
			img.Path, ms.base, img.Base)
		return nil
	}
	if ms.armed == nil {
		ms.armed = make(map[uint64]bool)
	}
	var offsets []uint64
	for _, b := range ms.blocks {
		if !ms.armed[b.Offset] && img.Contains(img.OffsetToVA(b.Offset)) {
			offsets = append(offsets, b.Offset)
		}
	}
	n, err := s.bps.SetBatch(proc, img.Base, offsets)
	if err != nil {
		return fmt.Errorf("failed to instrument %v: %w", img, err)
	}
	for _, off := range offsets {
		ms.armed[off] = true
	}
	s.installed += n
	statBlocks.Add(n)
	log.Logf(1, "instrumented %v: %v breakpoints", img, n)
	return nil
}

func (s *session) Trap(proc tracer.Process, tid int, va uint64) (tracer.TrapAction, error) {
	if !s.bps.Has(va) {
		trap, err := s.bps.IsTrap(proc, va)
		if err != nil {
			return tracer.TrapRace, err
		}
		if trap {
			statProgramTraps.Add(1)
			return tracer.TrapProgram, nil
		}
		statRaces.Add(1)
		return tracer.TrapRace, nil
	}
	outcome, err := s.bps.Hit(proc, va, s.cfg.CountHits)
	if err != nil {
		return tracer.TrapRace, err
	}
	if outcome == breakpoint.Race {
		statRaces.Add(1)
		return tracer.TrapRace, nil
	}
	s.hits++
	statHits.Add(1)
	if img := s.tracker.FindImage(va); img != nil {
		if !s.cov.IncrementVA(img, va) {
			log.Logf(3, "thread %v: hit at untracked 0x%x in %v", tid, va, img)
		}
	}
	if outcome == breakpoint.PendingRearm {
		return tracer.TrapStep, nil
	}
	return tracer.TrapContinue, nil
}

func (s *session) Stepped(proc tracer.Process, tid int, va uint64) error {
	return s.bps.Rearm(proc, va)
}
