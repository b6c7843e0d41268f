// Copyright 2025 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package tracer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/blockcov/pkg/disasm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	arch     disasm.Arch
	events   []*Event
	pcs      map[int]uint64
	code     map[uint64]byte
	calls    []string
	startErr error
	pcErr    error

	mu     sync.Mutex
	killed bool
	kill   chan struct{}
}

func newFakeBackend(arch disasm.Arch, events ...*Event) *fakeBackend {
	return &fakeBackend{
		arch:   arch,
		events: events,
		pcs:    make(map[int]uint64),
		code:   make(map[uint64]byte),
		kill:   make(chan struct{}),
	}
}

func (fb *fakeBackend) log(format string, args ...any) {
	fb.calls = append(fb.calls, fmt.Sprintf(format, args...))
}

func (fb *fakeBackend) Pid() int { return 42 }
func (fb *fakeBackend) Arch() disasm.Arch { return fb.arch }

func (fb *fakeBackend) ReadMemory(addr uint64, data []byte) error {
	for i := range data {
		data[i] = fb.code[addr+uint64(i)]
	}
	return nil
}

func (fb *fakeBackend) WriteMemory(addr uint64, data []byte) error { return nil }
func (fb *fakeBackend) FlushICache(addr uint64, size int) error { return nil }

func (fb *fakeBackend) Start(cmd *Command) error {
	fb.log("start %v", cmd.Path)
	return fb.startErr
}

func (fb *fakeBackend) Wait() (*Event, error) {
	if len(fb.events) != 0 {
		ev := fb.events[0]
		fb.events = fb.events[1:]
		return ev, nil
	}
	<-fb.kill
	return &Event{Kind: EventExit, Signal: 9}, nil
}

func (fb *fakeBackend) Resume(ev *Event, deliver bool) error {
	fb.log("resume %v deliver=%v", ev.Tid, deliver)
	return nil
}

func (fb *fakeBackend) SingleStep(ev *Event, deliver bool) error {
	fb.log("step %v deliver=%v", ev.Tid, deliver)
	return nil
}

func (fb *fakeBackend) PC(tid int) (uint64, error) {
	return fb.pcs[tid], fb.pcErr
}

func (fb *fakeBackend) SetPC(tid int, pc uint64) error {
	fb.log("setpc %v 0x%x", tid, pc)
	fb.pcs[tid] = pc
	return nil
}

func (fb *fakeBackend) SuspendOthers(tid int) error {
	fb.log("suspend-others %v", tid)
	return nil
}

func (fb *fakeBackend) ResumeOthers(tid int) error {
	fb.log("resume-others %v", tid)
	return nil
}

func (fb *fakeBackend) Kill() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if !fb.killed {
		fb.killed = true
		close(fb.kill)
	}
	return nil
}

func (fb *fakeBackend) Close() error {
	return nil
}

type fakeHandler struct {
	actions   map[uint64]TrapAction
	attachErr error
	trapErr   error
	attached  int
	execs     int
	changes   int
	traps     []uint64
	stepped   []uint64
}

func (fh *fakeHandler) Attached(proc Process) error {
	fh.attached++
	return fh.attachErr
}

func (fh *fakeHandler) ModulesChanged(proc Process) error {
	fh.changes++
	return nil
}

func (fh *fakeHandler) Trap(proc Process, tid int, va uint64) (TrapAction, error) {
	fh.traps = append(fh.traps, va)
	return fh.actions[va], fh.trapErr
}

func (fh *fakeHandler) Stepped(proc Process, tid int, va uint64) error {
	fh.stepped = append(fh.stepped, va)
	return nil
}

func (fh *fakeHandler) Exec(proc Process) error {
	fh.execs++
	return nil
}

var testCmd = &Command{Path: "/bin/prog"}

func TestRun(t *testing.T) {
	fb := newFakeBackend(disasm.AMD64,
		&Event{Kind: EventInitialStop, Tid: 1},
		&Event{Kind: EventSyscallEnter, Tid: 1, Syscall: 0},
		&Event{Kind: EventSyscallExit, Tid: 1, Syscall: 0},
		&Event{Kind: EventModuleLoad, Tid: 1, Addr: 0x7f0000000000},
		&Event{Kind: EventThreadCreate, Tid: 2},
		&Event{Kind: EventBreakpoint, Tid: 2},
		&Event{Kind: EventBreakpoint, Tid: 1},
		&Event{Kind: EventSignal, Tid: 1, Signal: 10},
		&Event{Kind: EventThreadExit, Tid: 2},
		&Event{Kind: EventExit, Tid: 1, ExitCode: 3},
	)
	fb.pcs[1] = 0x1001
	fb.pcs[2] = 0x2001
	fh := &fakeHandler{actions: map[uint64]TrapAction{
		0x1000: TrapContinue,
		0x2000: TrapRace,
	}}
	tr := New(fb)
	st, err := tr.Run(context.Background(), testCmd, fh)
	require.NoError(t, err)
	assert.Equal(t, &ExitStatus{Code: 3}, st)
	assert.Equal(t, "exit status 3", st.String())
	assert.Equal(t, StateExited, tr.State())
	assert.Equal(t, 1, fh.attached)
	changes := 1
	if mapsChanged(0) {
		changes++
	}
	assert.Equal(t, changes, fh.changes)
	assert.Equal(t, []uint64{0x2000, 0x1000}, fh.traps)
	assert.Equal(t, []string{
		"start /bin/prog",
		"resume 1 deliver=false",
		"resume 1 deliver=false",
		"resume 1 deliver=false",
		"resume 1 deliver=false",
		"resume 2 deliver=false",
		"setpc 2 0x2000",
		"resume 2 deliver=false",
		"setpc 1 0x1000",
		"resume 1 deliver=false",
		"resume 1 deliver=true",
		"resume 2 deliver=false",
	}, fb.calls)
}

func TestRunStep(t *testing.T) {
	fb := newFakeBackend(disasm.AMD64,
		&Event{Kind: EventInitialStop, Tid: 1},
		&Event{Kind: EventBreakpoint, Tid: 1},
		&Event{Kind: EventSignal, Tid: 1, Signal: 17},
		&Event{Kind: EventSingleStep, Tid: 1},
		&Event{Kind: EventSingleStep, Tid: 1},
		&Event{Kind: EventBreakpoint, Tid: 3},
		&Event{Kind: EventThreadExit, Tid: 3},
		&Event{Kind: EventExit, Tid: 1},
	)
	fb.pcs[1] = 0x1001
	fb.pcs[3] = 0x3001
	fh := &fakeHandler{actions: map[uint64]TrapAction{
		0x1000: TrapStep,
		0x3000: TrapStep,
	}}
	_, err := New(fb).Run(context.Background(), testCmd, fh)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x1000, 0x3000}, fh.stepped)
	assert.Equal(t, []string{
		"start /bin/prog",
		"resume 1 deliver=false",
		"setpc 1 0x1000",
		"suspend-others 1",
		"step 1 deliver=false",
		// A signal arrives before the step completes.
		"step 1 deliver=true",
		"resume-others 1",
		"resume 1 deliver=false",
		// Trap flag set by the program.
		"resume 1 deliver=true",
		"setpc 3 0x3000",
		"suspend-others 3",
		"step 3 deliver=false",
		// The thread exits instead of stepping.
		"resume-others 3",
		"resume 3 deliver=false",
	}, fb.calls)
}

func TestRunProgramTrap(t *testing.T) {
	fb := newFakeBackend(disasm.ARM64,
		&Event{Kind: EventInitialStop, Tid: 1},
		&Event{Kind: EventBreakpoint, Tid: 1},
		&Event{Kind: EventBreakpoint, Tid: 1},
		&Event{Kind: EventExit, Tid: 1},
	)
	fb.pcs[1] = 0x1000
	fh := &fakeHandler{actions: map[uint64]TrapAction{
		0x1000: TrapProgram,
	}}
	_, err := New(fb).Run(context.Background(), testCmd, fh)
	require.NoError(t, err)
	// No pc adjustment on arm64.
	assert.Equal(t, []uint64{0x1000, 0x1000}, fh.traps)
	assert.Equal(t, []string{
		"start /bin/prog",
		"resume 1 deliver=false",
		"resume 1 deliver=true",
		"resume 1 deliver=true",
	}, fb.calls)
}

func TestRunLongInt3(t *testing.T) {
	fb := newFakeBackend(disasm.AMD64,
		&Event{Kind: EventInitialStop, Tid: 1},
		&Event{Kind: EventBreakpoint, Tid: 1},
		&Event{Kind: EventBreakpoint, Tid: 2},
		&Event{Kind: EventExit, Tid: 1},
	)
	// int $3 of the program, the pc points past both bytes.
	fb.code[0x1000] = 0xcd
	fb.code[0x1001] = 0x03
	fb.pcs[1] = 0x1002
	// A breakpoint that another thread consumed, the pc is not moved.
	fb.code[0x2000] = 0x48
	fb.pcs[2] = 0x2001
	fh := &fakeHandler{actions: map[uint64]TrapAction{
		0x1001: TrapRace,
		0x2000: TrapRace,
	}}
	_, err := New(fb).Run(context.Background(), testCmd, fh)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"start /bin/prog",
		"resume 1 deliver=false",
		"resume 1 deliver=true",
		"setpc 2 0x2000",
		"resume 2 deliver=false",
	}, fb.calls)
	assert.Equal(t, uint64(0x1002), fb.pcs[1])
}

func TestRunExec(t *testing.T) {
	fb := newFakeBackend(disasm.AMD64,
		&Event{Kind: EventInitialStop, Tid: 1},
		&Event{Kind: EventBreakpoint, Tid: 2},
		// Thread 1 execs while thread 2 steps over a breakpoint.
		&Event{Kind: EventExec, Tid: 1},
		&Event{Kind: EventThreadExit, Tid: 2},
		&Event{Kind: EventExit, Tid: 1},
	)
	fb.pcs[2] = 0x2001
	fh := &fakeHandler{actions: map[uint64]TrapAction{
		0x2000: TrapStep,
	}}
	_, err := New(fb).Run(context.Background(), testCmd, fh)
	require.NoError(t, err)
	assert.Equal(t, 1, fh.attached)
	assert.Equal(t, 1, fh.execs)
	// Breakpoints of the old image are gone, nothing to re-arm.
	assert.Empty(t, fh.stepped)
	assert.Equal(t, []string{
		"start /bin/prog",
		"resume 1 deliver=false",
		"setpc 2 0x2000",
		"suspend-others 2",
		"step 2 deliver=false",
		"resume 1 deliver=false",
		"resume 2 deliver=false",
	}, fb.calls)
}

func TestRunNoInitialStop(t *testing.T) {
	fb := newFakeBackend(disasm.AMD64,
		&Event{Kind: EventSignal, Tid: 1, Signal: 11},
	)
	fh := new(fakeHandler)
	tr := New(fb)
	_, err := tr.Run(context.Background(), testCmd, fh)
	assert.ErrorIs(t, err, ErrNoInitialStop)
	assert.True(t, fb.killed)
	assert.Equal(t, 0, fh.attached)
	assert.Equal(t, StateExited, tr.State())
}

func TestRunStartError(t *testing.T) {
	fb := newFakeBackend(disasm.AMD64)
	fb.startErr = errors.New("no such file")
	_, err := New(fb).Run(context.Background(), testCmd, new(fakeHandler))
	assert.ErrorIs(t, err, fb.startErr)
}

func TestRunHandlerError(t *testing.T) {
	fb := newFakeBackend(disasm.AMD64,
		&Event{Kind: EventInitialStop, Tid: 1},
		&Event{Kind: EventBreakpoint, Tid: 1},
		&Event{Kind: EventSignal, Tid: 1},
	)
	fb.pcs[1] = 0x1001
	fh := &fakeHandler{trapErr: errors.New("failed to write memory")}
	_, err := New(fb).Run(context.Background(), testCmd, fh)
	assert.ErrorIs(t, err, fh.trapErr)
	assert.True(t, fb.killed)

	fb = newFakeBackend(disasm.AMD64, &Event{Kind: EventInitialStop, Tid: 1})
	fh = &fakeHandler{attachErr: errors.New("bad module")}
	_, err = New(fb).Run(context.Background(), testCmd, fh)
	assert.ErrorIs(t, err, fh.attachErr)
	assert.True(t, fb.killed)
}

func TestRunPCError(t *testing.T) {
	fb := newFakeBackend(disasm.AMD64,
		&Event{Kind: EventInitialStop, Tid: 1},
		&Event{Kind: EventBreakpoint, Tid: 1},
		&Event{Kind: EventExit, Tid: 1},
	)
	fb.pcErr = errors.New("no such thread")
	fh := new(fakeHandler)
	_, err := New(fb).Run(context.Background(), testCmd, fh)
	require.NoError(t, err)
	assert.Empty(t, fh.traps)
}

func TestRunCancel(t *testing.T) {
	fb := newFakeBackend(disasm.AMD64, &Event{Kind: EventInitialStop, Tid: 1})
	ctx, cancel := context.WithCancel(context.Background())
	fh := new(fakeHandler)
	done := make(chan struct{})
	var st *ExitStatus
	var err error
	go func() {
		st, err = New(fb).Run(ctx, testCmd, fh)
		close(done)
	}()
	cancel()
	<-done
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, st)
	assert.Equal(t, "killed by signal 9", st.String())
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "breakpoint tid=5", (&Event{Kind: EventBreakpoint, Tid: 5}).String())
	assert.Equal(t, "syscall-exit tid=1 nr=9", (&Event{Kind: EventSyscallExit, Tid: 1, Syscall: 9}).String())
	assert.Equal(t, "exception tid=1 code=0xc0000005 addr=0x10 first=true",
		(&Event{Kind: EventException, Tid: 1, Signal: 0xc0000005, Addr: 0x10, FirstChance: true}).String())
	assert.Equal(t, "EventKind(100)", EventKind(100).String())
}
