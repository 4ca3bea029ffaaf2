// Package exceptions is the common entry for every trap: timer ticks, CPU
// exceptions and the syscall vector all arrive here with a saved register
// frame. The dispatcher resolves each trap to a HandlerOutcome and applies
// it, so no handler ever aborts from within.
package exceptions

import (
	"vexos/kernel"
	"vexos/kernel/irq"
	"vexos/kernel/kfmt"
	"vexos/kernel/mm/pmm"
	"vexos/kernel/mm/vmm"
	"vexos/kernel/sched"
)

// userFaultExitValue is the exit value delivered to listeners of a task
// killed by an unhandled exception.
const userFaultExitValue = 1

var errUnhandledException = &kernel.Error{Module: "exceptions", Message: "unhandled exception in kernel mode"}

// Trap services one interrupt. The trampoline has saved all registers into
// regs and the CPU runs with interrupts disabled. The kernel directory is
// installed for the duration of the handler; on exit the directory of
// whichever task is current (the scheduler may have rotated) is restored.
func Trap(regs *irq.Regs) {
	vmm.SwitchPageDirectory(vmm.GetKernelPageDirectory())

	outcome := dispatch(regs)

	if terminate, exitValue := outcome.IsTerminate(); terminate {
		// Destroys the current task and switches to the next runnable
		// one.
		sched.Schedule(nil, exitValue)
	} else if panics, cause := outcome.IsPanic(); panics {
		kfmt.Panic(cause)
	}

	vmm.SwitchPageDirectory(sched.GetCurrentTask().PageDir())
}

func dispatch(regs *irq.Regs) irq.HandlerOutcome {
	// Vectors with a registered handler (the timer and the syscall trap)
	// are serviced directly regardless of the interrupted ring.
	if handler := irq.HandlerFor(uint16(regs.IntNo)); handler != nil {
		return handler(regs)
	}

	if sched.GetCurrentTask().IsUser() {
		return dispatchUserException(regs)
	}
	return dispatchKernelException(regs)
}

// dispatchUserException handles an exception raised by a user task. The
// task is terminated with exit value 1 and the system continues.
func dispatchUserException(regs *irq.Regs) irq.HandlerOutcome {
	if regs.IntNo == uint32(irq.PageFaultException) {
		vmm.DumpPageFault(regs)
		return irq.TerminateCurrent(userFaultExitValue)
	}

	printUnhandled(regs)
	regs.Dump()
	sched.GetCurrentTask().PageDir().DumpMappedPages()

	return irq.TerminateCurrent(userFaultExitValue)
}

// dispatchKernelException handles an exception raised in kernel mode. There
// is no task to sacrifice; the system halts.
func dispatchKernelException(regs *irq.Regs) irq.HandlerOutcome {
	if regs.IntNo == uint32(irq.PageFaultException) {
		vmm.DumpPageFault(regs)
		return irq.Panic(errUnhandledException)
	}

	printUnhandled(regs)
	regs.Dump()
	sched.GetCurrentTask().PageDir().DumpMappedPages()
	pmm.Dump()

	return irq.Panic(errUnhandledException)
}

func printUnhandled(regs *irq.Regs) {
	kind := "interrupt"
	name := "Unknown"
	if regs.IntNo < 32 {
		kind = "exception"
		name = irq.ExceptionName(regs.IntNo)
	}
	kfmt.Printf("unhandled %s %d in task %d: %s\n",
		kind, regs.IntNo, uint32(sched.GetCurrentTask().Handle()), name)
}
