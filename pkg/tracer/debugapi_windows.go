// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build windows && amd64

package tracer

import (
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"unsafe"

	"github.com/google/blockcov/pkg/disasm"
	"github.com/google/blockcov/pkg/log"
	"github.com/google/blockcov/pkg/modtrack"
	"golang.org/x/sys/windows"
)

var (
	modkernel32               = windows.NewLazySystemDLL("kernel32.dll")
	procWaitForDebugEvent     = modkernel32.NewProc("WaitForDebugEvent")
	procContinueDebugEvent    = modkernel32.NewProc("ContinueDebugEvent")
	procFlushInstructionCache = modkernel32.NewProc("FlushInstructionCache")
	procSuspendThread         = modkernel32.NewProc("SuspendThread")
	procGetThreadContext      = modkernel32.NewProc("GetThreadContext")
	procSetThreadContext      = modkernel32.NewProc("SetThreadContext")
)

const (
	exceptionDebugEvent     = 1
	createThreadDebugEvent  = 2
	createProcessDebugEvent = 3
	exitThreadDebugEvent    = 4
	exitProcessDebugEvent   = 5
	loadDLLDebugEvent       = 6
	unloadDLLDebugEvent     = 7

	dbgContinue            = 0x00010002
	dbgExceptionNotHandled = 0x80010001
	exceptionBreakpoint    = 0x80000003
	exceptionSingleStep    = 0x80000004

	contextControl = 0x00100001 // CONTEXT_AMD64 | CONTEXT_CONTROL
	trapFlag       = 0x100
)

type debugEvent struct {
	Code      uint32
	ProcessID uint32
	ThreadID  uint32
	_         uint32
	U         [20]uint64
}

type exceptionRecord struct {
	Code             uint32
	Flags            uint32
	Record           uintptr
	Address          uintptr
	NumberParameters uint32
	_                uint32
	Information      [15]uintptr
}

type exceptionDebugInfo struct {
	Record      exceptionRecord
	FirstChance uint32
}

type createThreadDebugInfo struct {
	Thread          windows.Handle
	ThreadLocalBase uintptr
	StartAddress    uintptr
}

type createProcessDebugInfo struct {
	File                windows.Handle
	Process             windows.Handle
	Thread              windows.Handle
	BaseOfImage         uintptr
	DebugInfoFileOffset uint32
	DebugInfoSize       uint32
	ThreadLocalBase     uintptr
	StartAddress        uintptr
	ImageName           uintptr
	Unicode             uint16
}

type loadDLLDebugInfo struct {
	File                windows.Handle
	BaseOfDll           uintptr
	DebugInfoFileOffset uint32
	DebugInfoSize       uint32
	ImageName           uintptr
	Unicode             uint16
}

// threadContext is the x64 CONTEXT structure, only control registers are named.
type threadContext struct {
	_            [6]uint64
	ContextFlags uint32
	_            uint32
	_            [6]uint16
	EFlags       uint32
	_            [6]uint64  // debug registers
	_            [16]uint64 // general purpose registers
	Rip          uint64
	_            [122]uint64
}

// DebugAPIBackend traces a process with the Win32 debugging API.
// Loaded modules are tracked from debug events, so it also serves
// as the module map source of the process.
type DebugAPIBackend struct {
	pi       windows.ProcessInformation
	stdio    *stdio
	threads  map[int]windows.Handle
	modules  map[uint64]winModule
	seenInit bool
	// Threads suspended by SuspendOthers.
	suspended []windows.Handle
	killOnce  sync.Once
	exited    bool
}

type winModule struct {
	path string
	size uint64
}

func NewBackend() (Backend, error) {
	return NewDebugAPIBackend(), nil
}

func NewDebugAPIBackend() *DebugAPIBackend {
	return &DebugAPIBackend{
		threads: make(map[int]windows.Handle),
		modules: make(map[uint64]winModule),
	}
}

func (b *DebugAPIBackend) Start(cmd *Command) error {
	bin, err := exec.LookPath(cmd.Path)
	if err != nil {
		return err
	}
	io, err := newStdio(cmd)
	if err != nil {
		return err
	}
	defer io.started()
	for _, f := range io.files {
		if err := windows.SetHandleInformation(windows.Handle(f.Fd()),
			windows.HANDLE_FLAG_INHERIT, windows.HANDLE_FLAG_INHERIT); err != nil {
			io.wait()
			return err
		}
	}
	si := &windows.StartupInfo{
		Flags:     windows.STARTF_USESTDHANDLES,
		StdInput:  windows.Handle(io.files[0].Fd()),
		StdOutput: windows.Handle(io.files[1].Fd()),
		StdErr:    windows.Handle(io.files[2].Fd()),
	}
	si.Cb = uint32(unsafe.Sizeof(*si))
	cmdline, err := windows.UTF16PtrFromString(windows.ComposeCommandLine(append([]string{bin}, cmd.Args...)))
	if err != nil {
		io.wait()
		return err
	}
	var dir *uint16
	if cmd.Dir != "" {
		if dir, err = windows.UTF16PtrFromString(cmd.Dir); err != nil {
			io.wait()
			return err
		}
	}
	var env *uint16
	if cmd.Env != nil {
		block := windows.StringToUTF16(strings.Join(cmd.Env, "\x00") + "\x00")
		env = &block[0]
	}
	flags := uint32(windows.DEBUG_ONLY_THIS_PROCESS | windows.CREATE_UNICODE_ENVIRONMENT)
	if err := windows.CreateProcess(nil, cmdline, nil, nil, true, flags, env, dir, si, &b.pi); err != nil {
		io.wait()
		return fmt.Errorf("CreateProcess failed: %w", err)
	}
	b.stdio = io
	log.Logf(1, "started %v as pid %v", bin, b.pi.ProcessId)
	return nil
}

func (b *DebugAPIBackend) Pid() int {
	return int(b.pi.ProcessId)
}

func (b *DebugAPIBackend) Arch() disasm.Arch {
	return disasm.AMD64
}

func (b *DebugAPIBackend) Wait() (*Event, error) {
	for {
		var de debugEvent
		if r, _, err := procWaitForDebugEvent.Call(uintptr(unsafe.Pointer(&de)), windows.INFINITE); r == 0 {
			return nil, fmt.Errorf("WaitForDebugEvent failed: %w", err)
		}
		ev := b.event(&de)
		if ev != nil {
			return ev, nil
		}
		if err := b.cont(int(de.ThreadID), dbgContinue); err != nil {
			return nil, err
		}
	}
}

func (b *DebugAPIBackend) event(de *debugEvent) *Event {
	tid := int(de.ThreadID)
	u := unsafe.Pointer(&de.U[0])
	switch de.Code {
	case createProcessDebugEvent:
		info := (*createProcessDebugInfo)(u)
		b.threads[tid] = info.Thread
		b.addModule(uint64(info.BaseOfImage), info.File)
		return nil
	case createThreadDebugEvent:
		b.threads[tid] = (*createThreadDebugInfo)(u).Thread
		// The parallel loader starts worker threads before the initial breakpoint.
		if !b.seenInit {
			return nil
		}
		return &Event{Kind: EventThreadCreate, Tid: tid}
	case exitThreadDebugEvent:
		delete(b.threads, tid)
		if !b.seenInit {
			return nil
		}
		return &Event{Kind: EventThreadExit, Tid: tid}
	case exitProcessDebugEvent:
		b.exited = true
		return &Event{Kind: EventExit, Tid: tid, ExitCode: int(*(*uint32)(u))}
	case loadDLLDebugEvent:
		info := (*loadDLLDebugInfo)(u)
		base := uint64(info.BaseOfDll)
		path := b.addModule(base, info.File)
		if !b.seenInit {
			return nil
		}
		return &Event{Kind: EventModuleLoad, Tid: tid, Addr: base, Path: path}
	case unloadDLLDebugEvent:
		base := uint64(*(*uintptr)(u))
		mod := b.modules[base]
		delete(b.modules, base)
		if !b.seenInit {
			return nil
		}
		return &Event{Kind: EventModuleUnload, Tid: tid, Addr: base, Path: mod.path}
	case exceptionDebugEvent:
		info := (*exceptionDebugInfo)(u)
		ev := &Event{
			Kind:        EventException,
			Tid:         tid,
			Signal:      int(info.Record.Code),
			Addr:        uint64(info.Record.Address),
			FirstChance: info.FirstChance != 0,
		}
		switch info.Record.Code {
		case exceptionBreakpoint:
			if !b.seenInit {
				b.seenInit = true
				ev.Kind = EventInitialStop
			} else {
				ev.Kind = EventBreakpoint
			}
		case exceptionSingleStep:
			ev.Kind = EventSingleStep
		}
		return ev
	}
	// Debug strings and RIP events.
	return nil
}

func (b *DebugAPIBackend) addModule(base uint64, file windows.Handle) string {
	path := ""
	if file != 0 {
		path = finalPath(file)
		windows.CloseHandle(file)
	}
	size, err := b.imageSize(base)
	if err != nil {
		log.Logf(1, "module at 0x%x: %v", base, err)
	}
	b.modules[base] = winModule{path: path, size: size}
	return path
}

func finalPath(file windows.Handle) string {
	buf := make([]uint16, windows.MAX_LONG_PATH)
	n, err := windows.GetFinalPathNameByHandle(file, &buf[0], uint32(len(buf)), 0)
	if err != nil || int(n) >= len(buf) {
		return ""
	}
	path := windows.UTF16ToString(buf[:n])
	path = strings.TrimPrefix(path, `\\?\UNC\`)
	return strings.TrimPrefix(path, `\\?\`)
}

// imageSize reads SizeOfImage from the PE headers mapped at base.
func (b *DebugAPIBackend) imageSize(base uint64) (uint64, error) {
	var buf [4]byte
	if err := b.ReadMemory(base+0x3c, buf[:]); err != nil {
		return 0, err
	}
	nt := base + uint64(leUint32(buf[:]))
	// Signature, file header, then SizeOfImage at offset 56 of the optional header.
	if err := b.ReadMemory(nt+4+20+56, buf[:]); err != nil {
		return 0, err
	}
	return uint64(leUint32(buf[:])), nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// Mappings returns loaded modules as executable mappings of whole images.
func (b *DebugAPIBackend) Mappings() ([]modtrack.Mapping, error) {
	var res []modtrack.Mapping
	for base, mod := range b.modules {
		if mod.path == "" || mod.size == 0 {
			continue
		}
		res = append(res, modtrack.Mapping{
			Start: base,
			End:   base + mod.size,
			Exec:  true,
			Path:  mod.path,
		})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Start < res[j].Start })
	return res, nil
}

func (b *DebugAPIBackend) cont(tid int, status uint32) error {
	r, _, err := procContinueDebugEvent.Call(uintptr(b.pi.ProcessId), uintptr(tid), uintptr(status))
	if r == 0 {
		return fmt.Errorf("ContinueDebugEvent failed: %w", err)
	}
	return nil
}

func continueStatus(ev *Event, deliver bool) uint32 {
	if deliver && ev.Kind != EventInitialStop {
		return dbgExceptionNotHandled
	}
	return dbgContinue
}

func (b *DebugAPIBackend) Resume(ev *Event, deliver bool) error {
	return b.cont(ev.Tid, continueStatus(ev, deliver))
}

func (b *DebugAPIBackend) SingleStep(ev *Event, deliver bool) error {
	err := b.updateContext(ev.Tid, func(ctx *threadContext) {
		ctx.EFlags |= trapFlag
	})
	if err != nil {
		return err
	}
	return b.cont(ev.Tid, continueStatus(ev, deliver))
}

func (b *DebugAPIBackend) PC(tid int) (uint64, error) {
	var pc uint64
	err := b.withContext(tid, func(ctx *threadContext) {
		pc = ctx.Rip
	})
	return pc, err
}

func (b *DebugAPIBackend) SetPC(tid int, pc uint64) error {
	return b.updateContext(tid, func(ctx *threadContext) {
		ctx.Rip = pc
	})
}

func (b *DebugAPIBackend) withContext(tid int, fn func(ctx *threadContext)) error {
	thread, ok := b.threads[tid]
	if !ok {
		return fmt.Errorf("unknown thread %v", tid)
	}
	// CONTEXT must be 16-byte aligned.
	var buf [unsafe.Sizeof(threadContext{}) + 16]byte
	off := (16 - uintptr(unsafe.Pointer(&buf[0]))&15) & 15
	ctx := (*threadContext)(unsafe.Pointer(&buf[off]))
	ctx.ContextFlags = contextControl
	if r, _, err := procGetThreadContext.Call(uintptr(thread), uintptr(unsafe.Pointer(ctx))); r == 0 {
		return fmt.Errorf("GetThreadContext failed: %w", err)
	}
	fn(ctx)
	return nil
}

func (b *DebugAPIBackend) updateContext(tid int, fn func(ctx *threadContext)) error {
	var err error
	ctxErr := b.withContext(tid, func(ctx *threadContext) {
		fn(ctx)
		if r, _, e := procSetThreadContext.Call(uintptr(b.threads[tid]), uintptr(unsafe.Pointer(ctx))); r == 0 {
			err = fmt.Errorf("SetThreadContext failed: %w", e)
		}
	})
	if ctxErr != nil {
		return ctxErr
	}
	return err
}

func (b *DebugAPIBackend) ReadMemory(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var n uintptr
	err := windows.ReadProcessMemory(b.pi.Process, uintptr(addr), &data[0], uintptr(len(data)), &n)
	if err == nil && int(n) != len(data) {
		err = fmt.Errorf("short read: %v/%v", n, len(data))
	}
	if err != nil {
		return fmt.Errorf("failed to read 0x%x bytes at 0x%x: %w", len(data), addr, err)
	}
	return nil
}

func (b *DebugAPIBackend) WriteMemory(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var n uintptr
	err := windows.WriteProcessMemory(b.pi.Process, uintptr(addr), &data[0], uintptr(len(data)), &n)
	if err == nil && int(n) != len(data) {
		err = fmt.Errorf("short write: %v/%v", n, len(data))
	}
	if err != nil {
		return fmt.Errorf("failed to write 0x%x bytes at 0x%x: %w", len(data), addr, err)
	}
	return nil
}

func (b *DebugAPIBackend) FlushICache(addr uint64, size int) error {
	r, _, err := procFlushInstructionCache.Call(uintptr(b.pi.Process), uintptr(addr), uintptr(size))
	if r == 0 {
		return fmt.Errorf("FlushInstructionCache failed: %w", err)
	}
	return nil
}

// SuspendOthers keeps other threads from running through restored code
// while tid steps over it.
func (b *DebugAPIBackend) SuspendOthers(tid int) error {
	var errs []error
	for other, thread := range b.threads {
		if other == tid {
			continue
		}
		if r, _, err := procSuspendThread.Call(uintptr(thread)); int32(r) == -1 {
			errs = append(errs, fmt.Errorf("SuspendThread(%v) failed: %w", other, err))
			continue
		}
		b.suspended = append(b.suspended, thread)
	}
	return errors.Join(errs...)
}

func (b *DebugAPIBackend) ResumeOthers(tid int) error {
	var errs []error
	for _, thread := range b.suspended {
		if _, err := windows.ResumeThread(thread); err != nil {
			errs = append(errs, err)
		}
	}
	b.suspended = nil
	return errors.Join(errs...)
}

func (b *DebugAPIBackend) Kill() error {
	var err error
	b.killOnce.Do(func() {
		err = windows.TerminateProcess(b.pi.Process, 1)
	})
	return err
}

func (b *DebugAPIBackend) Close() error {
	if b.exited {
		// Lets the system release the debuggee.
		b.cont(int(b.pi.ThreadId), dbgContinue)
	}
	if b.stdio != nil {
		b.stdio.wait()
	}
	windows.CloseHandle(b.pi.Thread)
	return windows.CloseHandle(b.pi.Process)
}
