// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

//go:build linux && (amd64 || arm64)

package tracer

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/google/blockcov/pkg/disasm"
	"github.com/google/blockcov/pkg/log"
	"golang.org/x/sys/unix"
)

// PtraceBackend traces a process with ptrace(2).
// Every syscall of the target stops it, so that changes of the address
// space are noticed right after mmap-family syscalls return.
type PtraceBackend struct {
	pid      int
	proc     *os.Process
	stdio    *stdio
	mem      *os.File
	attached bool
	killed   atomic.Bool
	threads  map[int]*ptraceThread
	// Any thread in ptrace-stop, required for peek/poke.
	stopped int
}

type ptraceThread struct {
	started   bool
	inSyscall bool
	syscall   uint64
	stepping  bool
}

const ptraceOptions = unix.PTRACE_O_TRACESYSGOOD | unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_EXITKILL

// si_code values of breakpoint traps.
const (
	siKernel  = 0x80 // int3 on x86
	trapBrkpt = 1    // brk on arm64
)

func NewBackend() (Backend, error) {
	return NewPtraceBackend(), nil
}

func NewPtraceBackend() *PtraceBackend {
	return &PtraceBackend{
		threads: make(map[int]*ptraceThread),
	}
}

func (b *PtraceBackend) Start(cmd *Command) error {
	bin, err := exec.LookPath(cmd.Path)
	if err != nil {
		return err
	}
	io, err := newStdio(cmd)
	if err != nil {
		return err
	}
	env := cmd.Env
	if env == nil {
		env = os.Environ()
	}
	proc, err := os.StartProcess(bin, append([]string{cmd.Path}, cmd.Args...), &os.ProcAttr{
		Dir:   cmd.Dir,
		Env:   env,
		Files: io.files,
		Sys: &syscall.SysProcAttr{
			Ptrace:  true,
			Setpgid: true,
		},
	})
	io.started()
	if err != nil {
		io.wait()
		return err
	}
	b.pid = proc.Pid
	b.proc = proc
	b.stdio = io
	b.threads[b.pid] = &ptraceThread{started: true}
	log.Logf(1, "started %v as pid %v", bin, b.pid)
	return nil
}

func (b *PtraceBackend) Pid() int {
	return b.pid
}

func (b *PtraceBackend) Arch() disasm.Arch {
	return ptraceArch
}

func (b *PtraceBackend) Wait() (*Event, error) {
	for {
		var ws unix.WaitStatus
		// Threads of the target share its process group, untraced
		// descendants are not our children.
		tid, err := unix.Wait4(-b.pid, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("wait4 failed: %w", err)
		}
		ev, err := b.event(tid, ws)
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
	}
}

func (b *PtraceBackend) event(tid int, ws unix.WaitStatus) (*Event, error) {
	if ws.Exited() || ws.Signaled() {
		delete(b.threads, tid)
		if tid != b.pid {
			return &Event{Kind: EventThreadExit, Tid: tid}, nil
		}
		ev := &Event{Kind: EventExit, Tid: tid}
		if ws.Exited() {
			ev.ExitCode = ws.ExitStatus()
		} else {
			ev.Signal = int(ws.Signal())
		}
		return ev, nil
	}
	if !ws.Stopped() {
		return nil, nil
	}
	b.stopped = tid
	sig := ws.StopSignal()
	th := b.threads[tid]
	if th == nil {
		// The new thread stop may come before the clone event of the parent.
		th = new(ptraceThread)
		b.threads[tid] = th
	}
	if !th.started && sig == unix.SIGSTOP {
		th.started = true
		return &Event{Kind: EventThreadCreate, Tid: tid}, nil
	}
	if !b.attached {
		b.attached = true
		if sig != unix.SIGTRAP {
			return &Event{Kind: EventSignal, Tid: tid, Signal: int(sig)}, nil
		}
		if err := unix.PtraceSetOptions(tid, ptraceOptions); err != nil {
			return nil, fmt.Errorf("failed to set ptrace options: %w", err)
		}
		b.openMem()
		return &Event{Kind: EventInitialStop, Tid: tid}, nil
	}
	switch {
	case sig == unix.SIGTRAP|0x80:
		th.inSyscall = !th.inSyscall
		if !th.inSyscall {
			return &Event{Kind: EventSyscallExit, Tid: tid, Syscall: th.syscall}, nil
		}
		var regs unix.PtraceRegs
		if err := unix.PtraceGetRegs(tid, &regs); err != nil {
			log.Logf(1, "failed to get registers of thread %v: %v", tid, err)
		}
		th.syscall = syscallNumber(&regs)
		return &Event{Kind: EventSyscallEnter, Tid: tid, Syscall: th.syscall}, nil
	case sig == unix.SIGTRAP && ws.TrapCause() == unix.PTRACE_EVENT_CLONE:
		msg, err := unix.PtraceGetEventMsg(tid)
		if err == nil && b.threads[int(msg)] == nil {
			b.threads[int(msg)] = new(ptraceThread)
		}
		return nil, b.cont(tid, th, 0)
	case sig == unix.SIGTRAP && ws.TrapCause() == unix.PTRACE_EVENT_EXEC:
		b.exec(tid, th)
		return &Event{Kind: EventExec, Tid: tid}, nil
	case sig == unix.SIGTRAP && ws.TrapCause() > 0:
		return nil, b.cont(tid, th, 0)
	case sig == unix.SIGTRAP && th.stepping:
		th.stepping = false
		return &Event{Kind: EventSingleStep, Tid: tid, Signal: int(sig)}, nil
	case sig == unix.SIGTRAP:
		code, err := siginfoCode(tid)
		if err != nil {
			return nil, err
		}
		if code == siKernel || code == trapBrkpt {
			return &Event{Kind: EventBreakpoint, Tid: tid, Signal: int(sig)}, nil
		}
	}
	return &Event{Kind: EventSignal, Tid: tid, Signal: int(sig)}, nil
}

// openMem opens the memory of the current program image.
func (b *PtraceBackend) openMem() {
	if b.mem != nil {
		b.mem.Close()
		b.mem = nil
	}
	mem, err := os.OpenFile(fmt.Sprintf("/proc/%v/mem", b.pid), os.O_RDWR, 0)
	if err != nil {
		log.Logf(1, "failed to open target memory, falling back to peek/poke: %v", err)
		return
	}
	b.mem = mem
}

// exec handles the exec event stop. The exec'ing thread took over the pid,
// the other threads are gone (their exits may still be reported).
// The thread is inside execve and stops again at its exit.
func (b *PtraceBackend) exec(tid int, th *ptraceThread) {
	if former, err := unix.PtraceGetEventMsg(tid); err == nil && int(former) != tid {
		if prev := b.threads[int(former)]; prev != nil {
			th = prev
		}
	}
	th.started = true
	th.stepping = false
	b.threads = map[int]*ptraceThread{tid: th}
	b.openMem()
}

func siginfoCode(tid int) (int32, error) {
	var si unix.Siginfo
	if err := ptrace(unix.PTRACE_GETSIGINFO, tid, 0, uintptr(unsafe.Pointer(&si))); err != nil {
		return 0, fmt.Errorf("failed to get siginfo of thread %v: %w", tid, err)
	}
	return si.Code, nil
}

func ptrace(req, tid int, addr, data uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, uintptr(req), uintptr(tid), addr, data, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func signalOf(ev *Event, deliver bool) int {
	if !deliver {
		return 0
	}
	switch ev.Kind {
	case EventSignal, EventBreakpoint, EventSingleStep:
		return ev.Signal
	}
	return 0
}

func (b *PtraceBackend) Resume(ev *Event, deliver bool) error {
	th := b.threads[ev.Tid]
	if th == nil {
		return nil
	}
	th.stepping = false
	return b.cont(ev.Tid, th, signalOf(ev, deliver))
}

func (b *PtraceBackend) SingleStep(ev *Event, deliver bool) error {
	th := b.threads[ev.Tid]
	if th == nil {
		return fmt.Errorf("no thread %v", ev.Tid)
	}
	th.stepping = true
	return b.cont(ev.Tid, th, signalOf(ev, deliver))
}

func (b *PtraceBackend) cont(tid int, th *ptraceThread, sig int) error {
	var err error
	if th.stepping {
		err = ptrace(unix.PTRACE_SINGLESTEP, tid, 0, uintptr(sig))
	} else {
		err = unix.PtraceSyscall(tid, sig)
	}
	if errors.Is(err, unix.ESRCH) && b.killed.Load() {
		return nil
	}
	return err
}

func (b *PtraceBackend) PC(tid int) (uint64, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return 0, err
	}
	return regs.PC(), nil
}

func (b *PtraceBackend) SetPC(tid int, pc uint64) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return err
	}
	regs.SetPC(pc)
	return unix.PtraceSetRegs(tid, &regs)
}

func (b *PtraceBackend) ReadMemory(addr uint64, data []byte) error {
	if b.mem != nil {
		if _, err := b.mem.ReadAt(data, int64(addr)); err == nil {
			return nil
		}
	}
	n, err := unix.PtracePeekData(b.stopped, uintptr(addr), data)
	if err == nil && n != len(data) {
		err = fmt.Errorf("short read: %v/%v", n, len(data))
	}
	if err != nil {
		return fmt.Errorf("failed to read 0x%x bytes at 0x%x: %w", len(data), addr, err)
	}
	return nil
}

func (b *PtraceBackend) WriteMemory(addr uint64, data []byte) error {
	if b.mem != nil {
		if _, err := b.mem.WriteAt(data, int64(addr)); err == nil {
			return nil
		}
	}
	n, err := unix.PtracePokeData(b.stopped, uintptr(addr), data)
	if err == nil && n != len(data) {
		err = fmt.Errorf("short write: %v/%v", n, len(data))
	}
	if err != nil {
		return fmt.Errorf("failed to write 0x%x bytes at 0x%x: %w", len(data), addr, err)
	}
	return nil
}

// FlushICache is a no-op: the kernel synchronizes caches on ptrace writes.
func (b *PtraceBackend) FlushICache(addr uint64, size int) error {
	return nil
}

// Other threads keep running while one is single-stepped, hits they miss
// in that window are not counted.
func (b *PtraceBackend) SuspendOthers(tid int) error {
	return nil
}

func (b *PtraceBackend) ResumeOthers(tid int) error {
	return nil
}

func (b *PtraceBackend) Kill() error {
	b.killed.Store(true)
	err := unix.Kill(b.pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (b *PtraceBackend) Close() error {
	if b.mem != nil {
		b.mem.Close()
	}
	if b.stdio != nil {
		b.stdio.wait()
	}
	if b.proc != nil {
		return b.proc.Release()
	}
	return nil
}
