// Package sched implements tasks, the signal protocol between them and the
// round-robin scheduler. Tasks live in a handle-keyed table; the scheduler
// orders the runnable ones in a singly-linked ring.
package sched

import (
	"vexos/kernel"
	"vexos/kernel/gdt"
	"vexos/kernel/irq"
	"vexos/kernel/kfmt"
	"vexos/kernel/kmalloc"
	"vexos/kernel/mm"
	"vexos/kernel/mm/pmm"
	"vexos/kernel/mm/vmm"
)

const (
	// DefaultKernStackSize is the size of the per-task kernel stack. It
	// doubles as the esp0 stack for interrupts that cross into ring 0.
	DefaultKernStackSize = 0x2000

	// maxOwnedFrames bounds the owned-frame table of a task.
	maxOwnedFrames = 256
)

// Signal is a task lifecycle state delivered from one task to another. The
// three states are mutually exclusive; at most one is received at a time for
// a given waiting pair.
type Signal uint32

const (
	// SignalReady means the task has been enqueued but has not run yet.
	SignalReady Signal = 0x1

	// SignalRunning means the task has executed at least once.
	SignalRunning Signal = 0x2

	// SignalTerminated means the task is being destroyed. It carries the
	// 32-bit exit value.
	SignalTerminated Signal = 0x4
)

// waitEntry records that the owning task is waiting for one of the states in
// mask from the task named by target. received stays zero until a matching
// signal arrives.
type waitEntry struct {
	target   kernel.Handle
	mask     Signal
	received Signal
	value    uint32
}

// Task is a single unit of scheduling: one thread of control owning one
// address space, one kernel stack and zero or more physical frames.
type Task struct {
	handle kernel.Handle
	isUser bool

	regs irq.Regs

	// pd is owned exclusively by this task unless it points at the
	// global kernel directory.
	pd *vmm.PageDirectory

	// kernelStackAlloc points at the low end of the kernel stack
	// allocation; the stack grows down from KernelStackBase.
	kernelStackAlloc uintptr

	parent kernel.Handle

	// ownedFrames records the physical frames this task must release on
	// destruction. Frame 0 hosts the kernel image and is never owned by a
	// task, so the zero value marks an empty slot.
	ownedFrames [maxOwnedFrames]mm.Frame

	// waitingOn lists the signals this task is blocked on; listeners
	// back-references the tasks that wait on this one.
	waitingOn []waitEntry
	listeners []kernel.Handle
}

var (
	errOwnedFramesFull  = &kernel.Error{Module: "sched", Message: "owned-frame table is full"}
	errFrameRecorded    = &kernel.Error{Module: "sched", Message: "frame is already recorded as owned"}
	errFrameNotRecorded = &kernel.Error{Module: "sched", Message: "frame is not recorded as owned"}
	errNoWaitEntry      = &kernel.Error{Module: "sched", Message: "no waiting entry for task"}
	errStackAlloc       = &kernel.Error{Module: "sched", Message: "cannot allocate kernel stack"}
)

// NewTask creates a task with an exclusive page directory and a fresh kernel
// stack and enters it into the task table. The task is not runnable until it
// is registered with the scheduler. The register snapshot is seeded with the
// segment selectors for the task's privilege ring; the entry point stays zero
// until SetEntry.
func NewTask(isUser bool, pd *vmm.PageDirectory, parent *Task) *Task {
	stack := kmalloc.Malloc(DefaultKernStackSize)
	if stack == 0 {
		kfmt.Panic(errStackAlloc)
	}

	task := &Task{
		isUser:           isUser,
		pd:               pd,
		kernelStackAlloc: stack,
	}
	if parent != nil {
		task.parent = parent.handle
	}

	if isUser {
		userData := uint16(gdt.UserDataSeg | gdt.Ring3)
		task.regs.SS = uint32(userData)
		task.regs.DS, task.regs.ES, task.regs.FS, task.regs.GS = userData, userData, userData, userData
		task.regs.CS = gdt.UserCodeSeg | gdt.Ring3
	} else {
		task.regs.SS = gdt.KernDataSeg
		task.regs.DS, task.regs.ES, task.regs.FS, task.regs.GS = gdt.KernDataSeg, gdt.KernDataSeg, gdt.KernDataSeg, gdt.KernDataSeg
		task.regs.CS = gdt.KernCodeSeg
	}

	nextTaskHandle++
	task.handle = nextTaskHandle
	tasks[task.handle] = task
	return task
}

// Handle returns the task's identifier at the syscall boundary.
func (t *Task) Handle() kernel.Handle { return t.handle }

// IsUser returns true for ring-3 tasks.
func (t *Task) IsUser() bool { return t.isUser }

// Regs returns the task's saved register snapshot.
func (t *Task) Regs() *irq.Regs { return &t.regs }

// PageDir returns the task's address space.
func (t *Task) PageDir() *vmm.PageDirectory { return t.pd }

// Parent returns the handle of the task that created this one. The handle is
// reported even if the parent has already exited.
func (t *Task) Parent() kernel.Handle { return t.parent }

// SetEntry configures the address the task starts executing at.
func (t *Task) SetEntry(entry uintptr) {
	t.regs.EIP = uint32(entry)
}

// SetArg sets the initial value of the first-argument register. On i386 the
// first argument is passed in EAX.
func (t *Task) SetArg(arg uint32) {
	t.regs.EAX = arg
}

// KernelStackBase returns the high end of the kernel stack; the stack grows
// down from here.
func (t *Task) KernelStackBase() uintptr {
	base := t.kernelStackAlloc + DefaultKernStackSize
	if base%4 != 0 {
		kfmt.Panic(&kernel.Error{Module: "sched", Message: "kernel stack is not word-aligned"})
	}
	return base
}

// FrameIsRecorded returns true if frame is in the task's owned-frame table.
func (t *Task) FrameIsRecorded(frame mm.Frame) bool {
	for _, f := range t.ownedFrames {
		if f == frame {
			return true
		}
	}
	return false
}

// RecordOwnedFrame enters frame into the owned-frame table and reserves it in
// the frame allocator. Exhausting the table is fatal.
func (t *Task) RecordOwnedFrame(frame mm.Frame) {
	if t.FrameIsRecorded(frame) {
		kfmt.Panic(errFrameRecorded)
	}

	for i, f := range t.ownedFrames {
		if f == 0 {
			t.ownedFrames[i] = frame
			pmm.SetFrameUsed(frame)
			return
		}
	}

	kfmt.Panic(errOwnedFramesFull)
}

// RemoveOwnedFrame drops frame from the owned-frame table and returns it to
// the frame allocator.
func (t *Task) RemoveOwnedFrame(frame mm.Frame) {
	if !t.FrameIsRecorded(frame) {
		kfmt.Panic(errFrameNotRecorded)
	}

	for i, f := range t.ownedFrames {
		if f == frame {
			t.ownedFrames[i] = 0
			pmm.SetFrameFree(frame)
			return
		}
	}
}

// WaitOn registers that this task is waiting for one of the states in mask
// from other. An existing entry for other has mask OR-ed in; the task is also
// entered into other's listener list so signals can find it.
//
// A signal the target has already passed through does not satisfy the wait:
// only states entered after this call are observed.
func (t *Task) WaitOn(other *Task, mask Signal) {
	for i := range t.waitingOn {
		if t.waitingOn[i].target == other.handle {
			t.waitingOn[i].mask |= mask
			other.addListener(t.handle)
			return
		}
	}

	t.waitingOn = append(t.waitingOn, waitEntry{target: other.handle, mask: mask})
	other.addListener(t.handle)
}

// SendSignal delivers the state kind with the supplied value to every
// listener whose waiting entry for this task includes kind in its mask. A
// listener holds at most one received signal per entry; a later send
// overwrites an earlier one (last-writer-wins for a single waiting pair).
func (t *Task) SendSignal(kind Signal, value uint32) {
	for _, lh := range t.listeners {
		listener, alive := tasks[lh]
		if !alive {
			continue
		}

		for i := range listener.waitingOn {
			entry := &listener.waitingOn[i]
			if entry.target == t.handle && entry.mask&kind != 0 {
				entry.received = kind
				entry.value = value
			}
		}
	}
}

// ReceivedSignal returns any waiting entry that has received its signal.
// There is no ordering guarantee when several entries are fulfilled.
func (t *Task) ReceivedSignal() (Signal, uint32, kernel.Handle, bool) {
	for i := range t.waitingOn {
		if t.waitingOn[i].received != 0 {
			entry := &t.waitingOn[i]
			return entry.received, entry.value, entry.target, true
		}
	}
	return 0, 0, 0, false
}

// CanRun returns true if the task is not blocked: it waits on nothing, or at
// least one of its waiting entries has received a signal.
func (t *Task) CanRun() bool {
	if len(t.waitingOn) == 0 {
		return true
	}

	_, _, _, received := t.ReceivedSignal()
	return received
}

// RemoveSignal drops the waiting entry for the task named by from. Removing
// an entry that does not exist is a kernel bug.
func (t *Task) RemoveSignal(from kernel.Handle) {
	for i := range t.waitingOn {
		if t.waitingOn[i].target == from {
			t.waitingOn = append(t.waitingOn[:i], t.waitingOn[i+1:]...)
			if target, alive := tasks[from]; alive {
				target.removeListener(t.handle)
			}
			return
		}
	}

	kfmt.Panic(errNoWaitEntry)
}

func (t *Task) addListener(h kernel.Handle) {
	for _, existing := range t.listeners {
		if existing == h {
			return
		}
	}
	t.listeners = append(t.listeners, h)
}

func (t *Task) removeListener(h kernel.Handle) {
	for i, existing := range t.listeners {
		if existing == h {
			t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
			return
		}
	}
}
