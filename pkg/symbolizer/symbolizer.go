// Copyright 2016 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package symbolizer provides the process-wide symbol service: name demangling,
// string interning and offset-to-function resolution for instrumented modules.
// All queries go through a Lock, the service must not be re-entered from a query.
package symbolizer

import (
	"fmt"
	"sync"

	"github.com/ianlancetaylor/demangle"
)

type Frame struct {
	PC     uint64
	Func   string
	Offset uint64 // PC offset from the start of Func
}

// Table is a function lookup over one module.
// Find returns name and start offset of the function containing off.
type Table interface {
	Find(off uint64) (name string, start uint64, ok bool)
}

// Lock serializes symbol queries.
type Lock struct {
	mu sync.Mutex
}

// Acquire takes the lock and returns the release function.
func (l *Lock) Acquire() func() {
	l.mu.Lock()
	return l.mu.Unlock
}

type Service struct {
	lock     *Lock
	names    Interner
	cache    Cache
	demangle sync.Map
}

var (
	defaultOnce    sync.Once
	defaultService *Service
)

// Default returns the process-wide service, created on first use.
func Default() *Service {
	defaultOnce.Do(func() {
		defaultService = NewService(new(Lock))
	})
	return defaultService
}

// NewService creates a service that serializes on lock.
// Services sharing a lock never run queries concurrently.
func NewService(lock *Lock) *Service {
	if lock == nil {
		panic("symbolizer: nil lock")
	}
	return &Service{lock: lock}
}

// Intern returns a deduplicated copy of s.
func (s *Service) Intern(name string) string {
	return s.names.Do(name)
}

// Demangle returns the demangled form of a C++/Rust symbol name,
// or name itself if it is not mangled.
func (s *Service) Demangle(name string) string {
	if v, ok := s.demangle.Load(name); ok {
		return v.(string)
	}
	release := s.lock.Acquire()
	res := Demangle(name)
	release()
	res = s.names.Do(res)
	s.demangle.Store(s.names.Do(name), res)
	return res
}

// Symbolize resolves module offsets of bin to functions using table.
// Results are cached per (bin, pc).
func (s *Service) Symbolize(bin string, table Table, pcs ...uint64) ([]Frame, error) {
	inner := func(bin string, pc uint64) ([]Frame, error) {
		release := s.lock.Acquire()
		defer release()
		name, start, ok := table.Find(pc)
		if !ok {
			return nil, fmt.Errorf("no symbol for 0x%x in %v", pc, bin)
		}
		return []Frame{{PC: pc, Func: s.names.Do(name), Offset: pc - start}}, nil
	}
	var frames []Frame
	for _, pc := range pcs {
		res, err := s.cache.Symbolize(inner, bin, pc)
		if err != nil {
			return nil, err
		}
		frames = append(frames, res...)
	}
	return frames, nil
}

// Forget drops cached results for bin.
func (s *Service) Forget(bin string) {
	s.cache.Forget(bin)
}

// Demangle demangles name without locking.
func Demangle(name string) string {
	if d, err := demangle.ToString(name); err == nil {
		return d
	}
	return name
}

func (f Frame) String() string {
	if f.Offset == 0 {
		return f.Func
	}
	return fmt.Sprintf("%v+0x%x", f.Func, f.Offset)
}
