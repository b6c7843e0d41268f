// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package tracer runs a command under a debugger and dispatches its debug events.
// OS specifics live behind the Backend interface: ptrace on Linux and
// the Win32 debugging API on Windows.
package tracer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/google/blockcov/pkg/disasm"
	"github.com/google/blockcov/pkg/log"
)

type Command struct {
	Path string
	Args []string // not including the program name
	Env  []string // nil means the current environment
	Dir  string
	// Stdout/Stderr default to discarding output.
	Stdout io.Writer
	Stderr io.Writer
}

func (cmd *Command) String() string {
	return fmt.Sprintf("%v %q", cmd.Path, cmd.Args)
}

type EventKind int

const (
	EventInitialStop EventKind = iota
	EventSyscallEnter
	EventSyscallExit
	EventBreakpoint
	EventSingleStep
	EventModuleLoad
	EventModuleUnload
	EventThreadCreate
	EventThreadExit
	EventSignal
	EventException
	EventExec
	EventExit
)

var eventNames = [...]string{
	EventInitialStop:  "initial-stop",
	EventSyscallEnter: "syscall-enter",
	EventSyscallExit:  "syscall-exit",
	EventBreakpoint:   "breakpoint",
	EventSingleStep:   "single-step",
	EventModuleLoad:   "module-load",
	EventModuleUnload: "module-unload",
	EventThreadCreate: "thread-create",
	EventThreadExit:   "thread-exit",
	EventSignal:       "signal",
	EventException:    "exception",
	EventExec:         "exec",
	EventExit:         "exit",
}

func (kind EventKind) String() string {
	if kind >= 0 && int(kind) < len(eventNames) {
		return eventNames[kind]
	}
	return fmt.Sprintf("EventKind(%d)", int(kind))
}

type Event struct {
	Kind EventKind
	Tid  int
	// Signal number for EventSignal, exception code for EventException,
	// terminating signal for EventExit.
	Signal      int
	FirstChance bool
	// Syscall number for syscall events.
	Syscall uint64
	// Exit code for EventExit.
	ExitCode int
	// Exception address or module base address.
	Addr uint64
	// Module file for EventModuleLoad, if known.
	Path string
}

func (ev *Event) String() string {
	switch ev.Kind {
	case EventSyscallEnter, EventSyscallExit:
		return fmt.Sprintf("%v tid=%v nr=%v", ev.Kind, ev.Tid, ev.Syscall)
	case EventSignal:
		return fmt.Sprintf("%v tid=%v sig=%v", ev.Kind, ev.Tid, ev.Signal)
	case EventException:
		return fmt.Sprintf("%v tid=%v code=0x%x addr=0x%x first=%v", ev.Kind, ev.Tid, uint32(ev.Signal), ev.Addr, ev.FirstChance)
	case EventModuleLoad, EventModuleUnload:
		return fmt.Sprintf("%v %v@0x%x", ev.Kind, ev.Path, ev.Addr)
	case EventExit:
		return fmt.Sprintf("%v code=%v sig=%v", ev.Kind, ev.ExitCode, ev.Signal)
	}
	return fmt.Sprintf("%v tid=%v", ev.Kind, ev.Tid)
}

// Process is the part of the traced process visible to handlers.
type Process interface {
	Pid() int
	Arch() disasm.Arch
	ReadMemory(addr uint64, data []byte) error
	WriteMemory(addr uint64, data []byte) error
	FlushICache(addr uint64, size int) error
}

// Backend controls a traced process. All methods except Kill must be called
// from the thread that called Start.
type Backend interface {
	Process
	// Start spawns the command stopped before its first user instruction.
	// The first event returned by Wait must be EventInitialStop.
	Start(cmd *Command) error
	// Wait blocks until the next debug event.
	Wait() (*Event, error)
	// Resume continues the thread stopped with ev. If deliver is set the
	// signal or exception of ev is passed to the program.
	Resume(ev *Event, deliver bool) error
	// SingleStep is Resume that stops the thread after one instruction.
	SingleStep(ev *Event, deliver bool) error
	PC(tid int) (uint64, error)
	SetPC(tid int, pc uint64) error
	// SuspendOthers/ResumeOthers stop and restart all threads except tid
	// where the OS would otherwise run them during a single-step.
	SuspendOthers(tid int) error
	ResumeOthers(tid int) error
	// Kill terminates the process. Safe to call from any goroutine.
	Kill() error
	// Close releases resources after the process exited.
	Close() error
}

type TrapAction int

const (
	// TrapContinue: the trap was a breakpoint that is gone now,
	// re-execute the original instruction.
	TrapContinue TrapAction = iota
	// TrapStep: as TrapContinue, but the breakpoint needs to be re-armed
	// after the original instruction executes.
	TrapStep
	// TrapRace: the breakpoint was already consumed by another thread.
	TrapRace
	// TrapProgram: the program executed its own trap instruction.
	TrapProgram
)

// Handler reacts to events of the traced process.
// Handler errors abort the run.
type Handler interface {
	// Attached is called once at the initial stop.
	Attached(proc Process) error
	// ModulesChanged is called when modules may have been mapped or unmapped.
	ModulesChanged(proc Process) error
	// Trap is called for a trap instruction executed at va by thread tid.
	Trap(proc Process, tid int, va uint64) (TrapAction, error)
	// Stepped is called once a thread stepped over the original
	// instruction at va after a TrapStep.
	Stepped(proc Process, tid int, va uint64) error
	// Exec is called when the process replaced its program image.
	// All code patches and mappings of the old image are gone.
	Exec(proc Process) error
}

var ErrNoInitialStop = errors.New("target did not stop at the initial breakpoint")

type State int

const (
	StateSpawning State = iota
	StateInitialBreak
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateInitialBreak:
		return "initial-break"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type ExitStatus struct {
	Code   int
	Signal int // set if the process was terminated by a signal
}

func (st *ExitStatus) String() string {
	if st.Signal != 0 {
		return fmt.Sprintf("killed by signal %v", st.Signal)
	}
	return fmt.Sprintf("exit status %v", st.Code)
}

type Tracer struct {
	backend Backend
	handler Handler
	state   State
	// Threads stepping over an original instruction: tid -> breakpoint address.
	stepping map[int]uint64
}

func New(backend Backend) *Tracer {
	return &Tracer{backend: backend}
}

func (t *Tracer) State() State {
	return t.state
}

// Run executes cmd under the tracer until it exits.
// Cancellation of ctx kills the target.
func (t *Tracer) Run(ctx context.Context, cmd *Command, handler Handler) (*ExitStatus, error) {
	// ptrace requests must come from the thread that started the tracee,
	// debug events are delivered to the thread that created the process.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	t.handler = handler
	t.state = StateSpawning
	t.stepping = make(map[int]uint64)
	if err := t.backend.Start(cmd); err != nil {
		return nil, fmt.Errorf("failed to start %v: %w", cmd.Path, err)
	}
	defer t.backend.Close()
	stop := context.AfterFunc(ctx, func() {
		log.Logf(0, "killing pid %v: %v", t.backend.Pid(), context.Cause(ctx))
		t.kill()
	})
	defer stop()

	t.state = StateInitialBreak
	ev, err := t.backend.Wait()
	if err != nil {
		t.abort()
		return nil, fmt.Errorf("failed to wait for the initial stop: %w", err)
	}
	if ev.Kind != EventInitialStop {
		t.drain(ev)
		return nil, fmt.Errorf("%w: got %v", ErrNoInitialStop, ev)
	}
	log.Logf(1, "pid %v stopped at the initial breakpoint", t.backend.Pid())
	if err := handler.Attached(t.backend); err != nil {
		t.abort()
		return nil, err
	}
	t.resume(ev, false)
	t.state = StateRunning
	for {
		ev, err := t.backend.Wait()
		if err != nil {
			t.abort()
			return nil, fmt.Errorf("failed to wait for debug events: %w", err)
		}
		if ev.Kind == EventExit {
			t.state = StateExited
			st := &ExitStatus{Code: ev.ExitCode, Signal: ev.Signal}
			log.Logf(0, "pid %v: %v", t.backend.Pid(), st)
			if err := ctx.Err(); err != nil {
				return st, fmt.Errorf("recording was canceled: %w", err)
			}
			return st, nil
		}
		if err := t.dispatch(ev); err != nil {
			t.abort()
			return nil, err
		}
	}
}

func (t *Tracer) dispatch(ev *Event) error {
	log.Logf(3, "event: %v", ev)
	switch ev.Kind {
	case EventSyscallEnter:
		t.resume(ev, false)
	case EventSyscallExit:
		if mapsChanged(ev.Syscall) {
			if err := t.handler.ModulesChanged(t.backend); err != nil {
				return err
			}
		}
		t.resume(ev, false)
	case EventModuleLoad, EventModuleUnload:
		if err := t.handler.ModulesChanged(t.backend); err != nil {
			return err
		}
		t.resume(ev, false)
	case EventBreakpoint:
		return t.breakpoint(ev)
	case EventSingleStep:
		va, ok := t.stepping[ev.Tid]
		if !ok {
			// Trap flag set by the program itself.
			t.resume(ev, true)
			return nil
		}
		delete(t.stepping, ev.Tid)
		if err := t.handler.Stepped(t.backend, ev.Tid, va); err != nil {
			return err
		}
		if err := t.backend.ResumeOthers(ev.Tid); err != nil {
			log.Errorf("failed to resume threads: %v", err)
		}
		t.resume(ev, false)
	case EventThreadCreate:
		log.Logf(2, "new thread %v", ev.Tid)
		t.resume(ev, false)
	case EventThreadExit:
		log.Logf(2, "thread %v exited", ev.Tid)
		if va, ok := t.stepping[ev.Tid]; ok {
			delete(t.stepping, ev.Tid)
			if err := t.handler.Stepped(t.backend, ev.Tid, va); err != nil {
				return err
			}
			if err := t.backend.ResumeOthers(ev.Tid); err != nil {
				log.Errorf("failed to resume threads: %v", err)
			}
		}
		t.resume(ev, false)
	case EventExec:
		log.Logf(1, "pid %v: exec", t.backend.Pid())
		// The other threads are gone, the exec'ing one is not stepping anymore.
		clear(t.stepping)
		if err := t.handler.Exec(t.backend); err != nil {
			return err
		}
		t.resume(ev, false)
	case EventSignal, EventException:
		log.Logf(2, "delivering %v", ev)
		t.resume(ev, true)
	default:
		log.Logf(2, "ignoring %v", ev)
		t.resume(ev, false)
	}
	return nil
}

func (t *Tracer) breakpoint(ev *Event) error {
	pc, err := t.backend.PC(ev.Tid)
	if err != nil {
		log.Errorf("failed to read pc of thread %v: %v", ev.Tid, err)
		t.resume(ev, true)
		return nil
	}
	va := pc - uint64(t.backend.Arch().TrapAdjust())
	action, err := t.handler.Trap(t.backend, ev.Tid, va)
	if err != nil {
		return err
	}
	switch action {
	case TrapRace:
		if !t.longInt3(pc) {
			log.Logf(3, "thread %v: lost breakpoint race at 0x%x", ev.Tid, va)
			break
		}
		fallthrough
	case TrapProgram:
		log.Logf(2, "thread %v: program trap at 0x%x", ev.Tid, va)
		t.resume(ev, true)
		return nil
	}
	if va != pc {
		if err := t.backend.SetPC(ev.Tid, va); err != nil {
			return fmt.Errorf("failed to rewind thread %v to 0x%x: %w", ev.Tid, va, err)
		}
	}
	if action != TrapStep {
		t.resume(ev, false)
		return nil
	}
	if err := t.backend.SuspendOthers(ev.Tid); err != nil {
		log.Errorf("failed to suspend threads: %v", err)
	}
	t.stepping[ev.Tid] = va
	if err := t.backend.SingleStep(ev, false); err != nil {
		log.Errorf("failed to single-step thread %v: %v", ev.Tid, err)
	}
	return nil
}

// longInt3 says if the trap reported at pc came from the program's own
// two-byte "int 3" (CD 03), which also ends up in the int3 handler.
func (t *Tracer) longInt3(pc uint64) bool {
	if arch := t.backend.Arch(); arch != disasm.AMD64 && arch != disasm.I386 || pc < 2 {
		return false
	}
	var code [2]byte
	if err := t.backend.ReadMemory(pc-2, code[:]); err != nil {
		return false
	}
	return code == [2]byte{0xcd, 0x03}
}

// resume continues the event's thread. Failures are not fatal: the next
// wait will report the thread again or the process exit.
func (t *Tracer) resume(ev *Event, deliver bool) {
	var err error
	if _, ok := t.stepping[ev.Tid]; ok {
		err = t.backend.SingleStep(ev, deliver)
	} else {
		err = t.backend.Resume(ev, deliver)
	}
	if err != nil {
		log.Errorf("failed to resume after %v: %v", ev, err)
	}
}

func (t *Tracer) kill() {
	if err := t.backend.Kill(); err != nil {
		log.Logf(1, "failed to kill pid %v: %v", t.backend.Pid(), err)
	}
}

// abort kills the process and waits for it to go away.
func (t *Tracer) abort() {
	t.drain(nil)
}

func (t *Tracer) drain(ev *Event) {
	t.state = StateExited
	if ev != nil && ev.Kind == EventExit {
		return
	}
	t.kill()
	for {
		ev, err := t.backend.Wait()
		if err != nil || ev.Kind == EventExit {
			return
		}
		t.backend.Resume(ev, false)
	}
}
