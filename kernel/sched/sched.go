package sched

import (
	"vexos/kernel"
	"vexos/kernel/channel"
	"vexos/kernel/cpu"
	"vexos/kernel/gdt"
	"vexos/kernel/irq"
	"vexos/kernel/kfmt"
	"vexos/kernel/kmalloc"
	"vexos/kernel/mm/pmm"
	"vexos/kernel/mm/vmm"
	"vexos/kernel/timer"
)

// eflagsIF is the interrupt-enable bit in EFLAGS. It is forced on in the
// restored frame so the next timer tick can preempt the resumed task.
const eflagsIF = 0x200

// taskNode is one link of the scheduler ring.
type taskNode struct {
	task *Task
	next *taskNode
}

var (
	// taskQueue points at the ring node of the current task.
	taskQueue *taskNode

	// kernelTask is the main kernel task: the final fallback when no user
	// task is runnable. Its page directory is the global kernel directory
	// and survives the task.
	kernelTask *Task

	// tasks resolves handles to tasks. Entries exist from NewTask until
	// destruction.
	tasks          map[kernel.Handle]*Task
	nextTaskHandle kernel.Handle

	// switchTaskFn consumes the register frame of the next task when the
	// current one is destroyed and there is no interrupted frame to
	// restore into. The platform layer installs the real trampoline.
	switchTaskFn = func(regs *irq.Regs) {}

	errNotKernelTask = &kernel.Error{Module: "sched", Message: "current task is not the kernel task"}
	errEmptyQueue    = &kernel.Error{Module: "sched", Message: "scheduler ring is empty"}
	errBadSelector   = &kernel.Error{Module: "sched", Message: "saved frame holds an invalid segment selector"}
)

// Init creates the main kernel task, enters it into the ring and hooks the
// scheduler to timer callback slot 0.
func Init() {
	tasks = make(map[kernel.Handle]*Task)
	nextTaskHandle = 0

	kernelTask = NewTask(false, vmm.GetKernelPageDirectory(), nil)
	gdt.SetKernelStack(kernelTask.KernelStackBase())

	taskQueue = &taskNode{task: kernelTask}
	taskQueue.next = taskQueue

	timer.RegisterCallback(0, func(regs *irq.Regs) {
		Schedule(regs, 0)
	})
}

// Destroy tears the scheduler down. Only the kernel task may remain in the
// ring at this point.
func Destroy() {
	if taskQueue == nil {
		return
	}
	if taskQueue.next != taskQueue {
		kfmt.Panic(&kernel.Error{Module: "sched", Message: "tasks other than the kernel task remain"})
	}

	timer.UnregisterCallback(0)
	destroyTask(kernelTask)
	taskQueue = nil
	kernelTask = nil
	tasks = nil
}

// RegisterTask appends task to the ring and sends it the Ready signal.
func RegisterTask(t *Task) {
	guard := cpu.SuspendInterrupts()
	defer guard.Resume()

	tail := taskQueue
	for tail.next != taskQueue {
		tail = tail.next
	}
	tail.next = &taskNode{task: t, next: taskQueue}

	t.SendSignal(SignalReady, 0)
}

// GetCurrentTask returns the task the scheduler ran last.
func GetCurrentTask() *Task {
	return taskQueue.task
}

// GetMainKernelTask returns the main kernel task.
func GetMainKernelTask() *Task {
	return kernelTask
}

// Lookup resolves a task handle. It fails for handles of destroyed tasks.
func Lookup(h kernel.Handle) (*Task, bool) {
	t, found := tasks[h]
	return t, found
}

// IsRunningTask returns true if the task named by h is in the scheduler
// ring.
func IsRunningTask(h kernel.Handle) bool {
	t, found := tasks[h]
	if !found {
		return false
	}

	node := taskQueue
	for {
		if node.task == t {
			return true
		}
		node = node.next
		if node == taskQueue {
			return false
		}
	}
}

// Children returns the handles of every ring task whose parent is t.
func (t *Task) Children() []kernel.Handle {
	var children []kernel.Handle

	node := taskQueue
	for {
		if node.task.parent == t.handle {
			children = append(children, node.task.handle)
		}
		node = node.next
		if node == taskQueue {
			return children
		}
	}
}

// Schedule switches to the next runnable task in the ring.
//
// When regs is non-nil it is the register frame saved on exception entry (a
// timer tick or a voluntary yield): the frame is saved into the current task,
// the ring rotates to the chosen task and its frame is restored into regs for
// the return from interrupt. When regs is nil the current task is being
// destroyed: its node is detached, the Terminated signal carrying exitValue
// is delivered to its listeners and the task is deleted before switching.
func Schedule(regs *irq.Regs, exitValue uint32) {
	guard := cpu.SuspendInterrupts()
	defer guard.Resume()

	if taskQueue == nil || taskQueue.task == nil {
		kfmt.Panic(errEmptyQueue)
	}

	current := taskQueue.task
	if regs != nil {
		validateRegs(current, regs)
	} else {
		// Notify listeners before the runnable walk so a task blocked
		// on this termination is eligible to run next.
		current.SendSignal(SignalTerminated, exitValue)
	}

	// The kernel task alone in the ring; nothing to switch to.
	if taskQueue.next == taskQueue {
		if current != kernelTask {
			kfmt.Panic(errNotKernelTask)
		}
		return
	}

	// Walk the ring for the next runnable task, strictly in ring order.
	node := taskQueue.next
	for node != taskQueue && !node.task.CanRun() {
		node = node.next
	}

	if node == taskQueue {
		// Every other task is blocked on a signal that has not
		// arrived. The kernel task is always runnable, so this can
		// only be the kernel task itself; warn and let it proceed.
		if current != kernelTask {
			kfmt.Panic(errNotKernelTask)
		}
		kfmt.Printf("[sched] deadlock: every task is waiting on a signal; kernel task continues\n")
		return
	}

	next := node.task

	if regs != nil {
		// Save the interrupted frame and rotate the ring so the
		// chosen task becomes the head.
		current.regs = *regs
		taskQueue = node
	} else {
		// Detach the current node and destroy the task; its listeners
		// were notified above.
		prev := taskQueue
		for prev.next != taskQueue {
			prev = prev.next
		}
		prev.next = taskQueue.next
		taskQueue = node

		destroyTask(current)
	}

	// If the chosen task was blocked and a signal arrived, complete its
	// wait: status, signal kind and value land in the registers the wait
	// syscall reports results from, and the fulfilled entry is dropped.
	if kind, value, from, ok := next.ReceivedSignal(); ok {
		next.regs.EAX = 0 // K_OK
		next.regs.EBX = uint32(kind)
		next.regs.ECX = value
		next.RemoveSignal(from)
	}

	gdt.SetKernelStack(next.KernelStackBase())
	next.SendSignal(SignalRunning, 0)
	vmm.SwitchPageDirectory(next.pd)
	next.regs.EFlags |= eflagsIF

	if regs != nil {
		*regs = next.regs
	} else {
		jumpArgs := next.regs
		switchTaskFn(&jumpArgs)
	}
}

// validateRegs checks the segment selectors of a saved frame before trusting
// it. User frames must additionally carry the ring-3 stack selector pushed by
// the privilege crossing.
func validateRegs(t *Task, regs *irq.Regs) {
	for _, sel := range []uint32{regs.CS, uint32(regs.DS), uint32(regs.GS), uint32(regs.FS), uint32(regs.ES)} {
		if !gdt.SelectorIsValid(sel) {
			kfmt.Panic(errBadSelector)
		}
	}

	if t.isUser {
		// If the iret crosses rings the SS pop is 32 bits wide with
		// the high-order 16 bits ignored, so only the bottom 16 bits
		// are checked.
		if uint16(regs.SS) != gdt.UserDataSeg|gdt.Ring3 {
			kfmt.Panic(errBadSelector)
		}
	}
}

// destroyTask releases everything the task owns: its channel endpoints, its
// kernel stack, its recorded frames and its address space (unless that is the
// global kernel directory, which survives). The task's wait registrations in
// other tasks are dropped and the handle becomes invalid.
func destroyTask(t *Task) {
	channel.CloseOwnedBy(t.handle)

	kmalloc.Free(t.kernelStackAlloc)
	t.kernelStackAlloc = 0

	for i, frame := range t.ownedFrames {
		if frame != 0 {
			t.ownedFrames[i] = 0
			pmm.SetFrameFree(frame)
		}
	}

	for _, entry := range t.waitingOn {
		if target, alive := tasks[entry.target]; alive {
			target.removeListener(t.handle)
		}
	}
	t.waitingOn = nil

	if t.pd != vmm.GetKernelPageDirectory() {
		// The exclusive directory dies with the task; dropping the
		// last reference releases it.
		t.pd = nil
	}

	delete(tasks, t.handle)
}

// PrintTasksMappingPhysical prints a header naming paddr followed by the full
// mapped-page listing of every ring task. The listings are not filtered to the
// entries that map the super-page containing paddr. Diagnostic helper for the
// fault path.
func PrintTasksMappingPhysical(paddr uintptr) {
	kfmt.Printf("Checking vaddrs mapping to paddr 0x%x\n", paddr)

	node := taskQueue
	for {
		kfmt.Printf("task %d\n", uint32(node.task.handle))
		node.task.pd.DumpMappedPages()
		node = node.next
		if node == taskQueue {
			return
		}
	}
}
