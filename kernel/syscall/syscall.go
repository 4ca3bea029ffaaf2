// Package syscall dispatches the numbered system calls. The caller places
// the syscall number in EAX and up to four arguments in EBX, ECX, EDX and
// ESI; the result status is returned in EAX with additional outputs in EBX
// and ECX. Argument registers are untrusted data: bad alignment, unmapped
// addresses and unknown handles come back as status codes, never as kernel
// faults.
package syscall

import (
	"encoding/binary"

	"vexos/device/uart"
	"vexos/kernel"
	"vexos/kernel/channel"
	"vexos/kernel/irq"
	"vexos/kernel/kfmt"
	"vexos/kernel/mm"
	"vexos/kernel/mm/pmm"
	"vexos/kernel/mm/vmm"
	"vexos/kernel/sched"
)

// Syscall numbers.
const (
	SysDebugWrite = iota
	SysProcessKill
	SysAllocPage
	SysPageSize
	SysProcessCreate
	SysMapPage
	SysProcessStart
	SysUnmapPage
	SysProcessInfo
	SysDebugRead
	SysProcessWait
	SysChannelCreate
	SysHandleClose
	SysChannelRead
	SysChannelWrite
	SysTransferHandle

	numSyscalls
)

// Exit statuses returned in EAX.
const (
	StatusOK                = 0
	StatusOOMPhys           = 1
	StatusOOMVirt           = 2
	StatusVPageMapped       = 3
	StatusBufferTooSmall    = 4
	StatusInvalidHandle     = 5
	StatusUnalignedPageAddr = 6
	StatusUnableToRead      = 7
	StatusInvalidArg        = 8
)

// AllocPage flags.
const (
	AllocAnon    = 0x1
	AllocCurrent = 0x2
)

// MapPage flags.
const (
	SwapOwner = 0x1
	MapAnon   = 0x2
)

// ProcessInfo kinds.
const (
	ProcCurrent  = 0
	ProcParent   = 1
	ProcChildren = 2
)

// Signal mask covering all defined task signals.
const signalMaskAll = uint32(sched.SignalReady | sched.SignalRunning | sched.SignalTerminated)

// freePageLowerBound is the lowest super-page index handed to the user when
// anonymously allocating. The zero page is technically usable but keeping it
// unmapped makes nil dereferences fault.
const freePageLowerBound = 1

// maxDebugWriteLen bounds the string DebugWrite accepts from user memory.
const maxDebugWriteLen = 4096

var errUnknownSyscall = &kernel.Error{Module: "syscall", Message: "unknown syscall number"}

type handlerFn func(*irq.Regs) irq.HandlerOutcome

var syscallHandlers = [numSyscalls]handlerFn{
	SysDebugWrite:     sysDebugWrite,
	SysProcessKill:    sysProcessKill,
	SysAllocPage:      sysAllocPage,
	SysPageSize:       sysPageSize,
	SysProcessCreate:  sysProcessCreate,
	SysMapPage:        sysMapPage,
	SysProcessStart:   sysProcessStart,
	SysUnmapPage:      sysUnmapPage,
	SysProcessInfo:    sysProcessInfo,
	SysDebugRead:      sysDebugRead,
	SysProcessWait:    sysProcessWait,
	SysChannelCreate:  sysChannelCreate,
	SysHandleClose:    sysHandleClose,
	SysChannelRead:    sysChannelRead,
	SysChannelWrite:   sysChannelWrite,
	SysTransferHandle: sysTransferHandle,
}

// Init routes the syscall trap vector to the dispatcher.
func Init() {
	irq.HandleInterrupt(irq.SyscallVector, Dispatch)
}

// Dispatch services one syscall trap. Unknown syscall numbers are fatal.
func Dispatch(regs *irq.Regs) irq.HandlerOutcome {
	if regs.EAX < numSyscalls && syscallHandlers[regs.EAX] != nil {
		return syscallHandlers[regs.EAX](regs)
	}

	kfmt.Printf("unknown syscall %d\n", regs.EAX)
	return irq.Panic(errUnknownSyscall)
}

// sysDebugWrite prints the NUL-terminated string at EBX in the caller's
// address space.
func sysDebugWrite(regs *irq.Regs) irq.HandlerOutcome {
	str, ok := vmm.ReadCString(sched.GetCurrentTask().PageDir(), uintptr(regs.EBX), maxDebugWriteLen)
	if !ok {
		regs.EAX = StatusInvalidArg
		return irq.Continue()
	}

	kfmt.Printf("%s", str)
	regs.EAX = StatusOK
	return irq.Continue()
}

// sysProcessKill terminates the calling task with the exit value in EBX. It
// does not return to the caller.
func sysProcessKill(regs *irq.Regs) irq.HandlerOutcome {
	return irq.TerminateCurrent(regs.EBX)
}

// sysAllocPage reserves a physical frame and maps it into a task's address
// space. EBX holds the requested virtual address (ignored with AllocAnon),
// ECX the target task handle (ignored with AllocCurrent) and EDX the flags.
// On success EBX returns the virtual address mapped.
func sysAllocPage(regs *irq.Regs) irq.HandlerOutcome {
	vaddr := uintptr(regs.EBX)
	flags := regs.EDX

	task := sched.GetCurrentTask()
	if flags&AllocCurrent == 0 {
		var found bool
		if task, found = sched.Lookup(kernel.Handle(regs.ECX)); !found {
			regs.EAX = StatusInvalidHandle
			return irq.Continue()
		}
	}

	frame, err := pmm.NextFreeFrame()
	if err != nil {
		regs.EAX = StatusOOMPhys
		return irq.Continue()
	}

	pd := task.PageDir()
	if flags&AllocAnon != 0 {
		page, err := pd.NextFreeEntry(freePageLowerBound)
		if err != nil {
			regs.EAX = StatusOOMVirt
			return irq.Continue()
		}
		vaddr = page.Address()
	} else {
		if vaddr%mm.PageSize != 0 {
			regs.EAX = StatusUnalignedPageAddr
			return irq.Continue()
		}
		if pd.IsMapped(vaddr) {
			regs.EAX = StatusVPageMapped
			return irq.Continue()
		}
	}

	pd.Map(vaddr, frame.Address(), vmm.FlagUserAccessible)
	task.RecordOwnedFrame(frame)

	regs.EAX = StatusOK
	regs.EBX = uint32(vaddr)
	return irq.Continue()
}

// sysPageSize returns the fixed super-page size.
func sysPageSize(regs *irq.Regs) irq.HandlerOutcome {
	regs.EAX = uint32(mm.PageSize)
	return irq.Continue()
}

// sysProcessCreate clones the kernel directory into a fresh user task. The
// new task is not runnable until ProcessStart. EBX returns its handle.
func sysProcessCreate(regs *irq.Regs) irq.HandlerOutcome {
	userPD := vmm.GetKernelPageDirectory().Clone()
	task := sched.NewTask(true, userPD, sched.GetCurrentTask())

	regs.EAX = StatusOK
	regs.EBX = uint32(task.Handle())
	return irq.Continue()
}

// sysMapPage aliases an already-mapped page of one task into the address
// space of another, so both virtual pages share one physical frame. EBX is
// the virtual address in the caller, ECX the other task's handle, EDX the
// virtual address in the other task (ignored with MapAnon) and ESI the flags.
// Exactly one of the two virtual pages must be mapped; the other side becomes
// the alias. EBX returns the virtual address mapped in the other task.
func sysMapPage(regs *irq.Regs) irq.HandlerOutcome {
	vaddr1 := uintptr(regs.EBX)
	vaddr2 := uintptr(regs.EDX)
	flags := regs.ESI

	task1 := sched.GetCurrentTask()
	task2, found := sched.Lookup(kernel.Handle(regs.ECX))
	if !found {
		regs.EAX = StatusInvalidHandle
		return irq.Continue()
	}

	if task1 == task2 {
		regs.EAX = StatusOK
		regs.EBX = uint32(vaddr2)
		return irq.Continue()
	}

	pd1, pd2 := task1.PageDir(), task2.PageDir()

	if flags&MapAnon != 0 {
		page, err := pd2.NextFreeEntry(freePageLowerBound)
		if err != nil {
			regs.EAX = StatusOOMVirt
			return irq.Continue()
		}
		vaddr2 = page.Address()
	}

	if vaddr1%mm.PageSize != 0 || vaddr2%mm.PageSize != 0 {
		regs.EAX = StatusUnalignedPageAddr
		return irq.Continue()
	}

	// Exactly one side must have a physical frame behind it.
	var (
		paddr      uintptr
		dirToMap   *vmm.PageDirectory
		vaddrToMap uintptr
		curOwner   *sched.Task
		newOwner   *sched.Task
	)
	switch {
	case pd1.IsMapped(vaddr1) && !pd2.IsMapped(vaddr2):
		paddr = pd1.PhysicalOf(vaddr1)
		dirToMap, vaddrToMap = pd2, vaddr2
		curOwner, newOwner = task1, task2
	case !pd1.IsMapped(vaddr1) && pd2.IsMapped(vaddr2):
		paddr = pd2.PhysicalOf(vaddr2)
		dirToMap, vaddrToMap = pd1, vaddr1
		curOwner, newOwner = task2, task1
	default:
		regs.EAX = StatusVPageMapped
		return irq.Continue()
	}

	dirToMap.Map(vaddrToMap, paddr, vmm.FlagUserAccessible)

	if flags&SwapOwner != 0 {
		frame := mm.FrameFromAddress(paddr)
		curOwner.RemoveOwnedFrame(frame)
		newOwner.RecordOwnedFrame(frame)
	}

	regs.EAX = StatusOK
	regs.EBX = uint32(vaddr2)
	return irq.Continue()
}

// sysProcessStart configures the entry point (ECX) and initial argument
// (EDX) of the task named by EBX and registers it with the scheduler.
func sysProcessStart(regs *irq.Regs) irq.HandlerOutcome {
	task, found := sched.Lookup(kernel.Handle(regs.EBX))
	if !found {
		regs.EAX = StatusInvalidHandle
		return irq.Continue()
	}
	if sched.IsRunningTask(task.Handle()) {
		regs.EAX = StatusInvalidArg
		return irq.Continue()
	}

	task.SetEntry(uintptr(regs.ECX))
	task.SetArg(regs.EDX)
	sched.RegisterTask(task)

	regs.EAX = StatusOK
	return irq.Continue()
}

// sysUnmapPage removes the mapping for the caller's virtual address in EBX.
// The underlying frame is freed iff the caller is its recorded owner.
func sysUnmapPage(regs *irq.Regs) irq.HandlerOutcome {
	vaddr := uintptr(regs.EBX)
	task := sched.GetCurrentTask()
	pd := task.PageDir()

	if vaddr%mm.PageSize != 0 {
		regs.EAX = StatusUnalignedPageAddr
		return irq.Continue()
	}
	if !pd.IsMapped(vaddr) {
		regs.EAX = StatusInvalidArg
		return irq.Continue()
	}

	frame := mm.FrameFromAddress(pd.PhysicalOf(vaddr))
	if task.FrameIsRecorded(frame) {
		task.RemoveOwnedFrame(frame)
	}

	pd.Unmap(vaddr)

	regs.EAX = StatusOK
	return irq.Continue()
}

// sysProcessInfo writes information about a task to the user buffer at EDX
// of size ESI. ECX selects the kind: the packed (handle, parent) record of
// the current task, the parent handle of the task named by EBX, or the
// packed child handles of the task named by EBX. EBX returns the bytes
// written, or the bytes required when the buffer is too small.
func sysProcessInfo(regs *irq.Regs) irq.HandlerOutcome {
	kind := regs.ECX
	bufAddr := uintptr(regs.EDX)
	bufSize := uintptr(regs.ESI)

	task := sched.GetCurrentTask()
	if kind != ProcCurrent {
		handle := kernel.Handle(regs.EBX)
		if !sched.IsRunningTask(handle) {
			regs.EAX = StatusInvalidHandle
			return irq.Continue()
		}
		task, _ = sched.Lookup(handle)
	}

	var packed []byte
	switch kind {
	case ProcCurrent:
		packed = make([]byte, 8)
		binary.LittleEndian.PutUint32(packed, uint32(task.Handle()))
		binary.LittleEndian.PutUint32(packed[4:], uint32(task.Parent()))
	case ProcParent:
		packed = make([]byte, 4)
		binary.LittleEndian.PutUint32(packed, uint32(task.Parent()))
	case ProcChildren:
		children := task.Children()
		packed = make([]byte, 4*len(children))
		for i, child := range children {
			binary.LittleEndian.PutUint32(packed[4*i:], uint32(child))
		}
	default:
		regs.EAX = StatusInvalidArg
		return irq.Continue()
	}

	if bufSize < uintptr(len(packed)) {
		regs.EAX = StatusBufferTooSmall
		regs.EBX = uint32(len(packed))
		return irq.Continue()
	}

	if !vmm.CopyToSpace(sched.GetCurrentTask().PageDir(), bufAddr, packed) {
		regs.EAX = StatusInvalidArg
		return irq.Continue()
	}

	regs.EAX = StatusOK
	regs.EBX = uint32(len(packed))
	return irq.Continue()
}

// sysDebugRead performs a non-blocking read of one character from the serial
// input into the user byte at EBX.
func sysDebugRead(regs *irq.Regs) irq.HandlerOutcome {
	c, ok := uart.TryRead()
	if !ok {
		regs.EAX = StatusUnableToRead
		return irq.Continue()
	}

	if !vmm.CopyToSpace(sched.GetCurrentTask().PageDir(), uintptr(regs.EBX), []byte{c}) {
		regs.EAX = StatusInvalidArg
		return irq.Continue()
	}

	regs.EAX = StatusOK
	return irq.Continue()
}

// sysProcessWait blocks the caller until the task named by EBX delivers one
// of the signals in the ECX mask. On wake EAX holds StatusOK, EBX the signal
// kind received and ECX the value delivered. A zero mask completes
// immediately.
func sysProcessWait(regs *irq.Regs) irq.HandlerOutcome {
	mask := regs.ECX

	if mask&^signalMaskAll != 0 {
		regs.EAX = StatusInvalidArg
		return irq.Continue()
	}
	if mask == 0 {
		regs.EAX = StatusOK
		return irq.Continue()
	}

	handle := kernel.Handle(regs.EBX)
	if !sched.IsRunningTask(handle) {
		regs.EAX = StatusInvalidHandle
		return irq.Continue()
	}
	target, _ := sched.Lookup(handle)

	current := sched.GetCurrentTask()
	current.WaitOn(target, sched.Signal(mask))

	// Yield. The scheduler skips this task until a matching signal
	// arrives and fills EAX/EBX/ECX in the saved frame when it resumes.
	sched.Schedule(regs, 0)
	return irq.Continue()
}

// sysChannelCreate creates an endpoint pair owned by the caller. The two
// handles are returned in EAX and EBX.
func sysChannelCreate(regs *irq.Regs) irq.HandlerOutcome {
	h1, h2 := channel.Create(sched.GetCurrentTask().Handle())
	regs.EAX = uint32(h1)
	regs.EBX = uint32(h2)
	return irq.Continue()
}

// sysHandleClose closes the channel endpoint named by EBX.
func sysHandleClose(regs *irq.Regs) irq.HandlerOutcome {
	h := kernel.Handle(regs.EBX)
	if !channel.Valid(h) {
		regs.EAX = StatusInvalidHandle
		return irq.Continue()
	}

	channel.Close(h)
	regs.EAX = StatusOK
	return irq.Continue()
}

// sysChannelRead reads EDX bytes from the endpoint named by EBX into the
// user buffer at ECX. If fewer bytes are buffered the read fails with
// StatusBufferTooSmall and EBX reports the bytes currently available.
func sysChannelRead(regs *irq.Regs) irq.HandlerOutcome {
	h := kernel.Handle(regs.EBX)
	dst := uintptr(regs.ECX)
	count := uintptr(regs.EDX)

	if !channel.Valid(h) {
		regs.EAX = StatusInvalidHandle
		return irq.Continue()
	}

	pd := sched.GetCurrentTask().PageDir()
	if !userRangeMapped(pd, dst, count) {
		regs.EAX = StatusInvalidArg
		return irq.Continue()
	}

	buf := make([]byte, count)
	_, avail, ok := channel.Read(h, buf)
	if !ok {
		regs.EAX = StatusBufferTooSmall
		regs.EBX = uint32(avail)
		return irq.Continue()
	}

	vmm.CopyToSpace(pd, dst, buf)
	regs.EAX = StatusOK
	return irq.Continue()
}

// sysChannelWrite appends EDX bytes from the user buffer at ECX to the peer
// of the endpoint named by EBX. Writes against a closed peer are silently
// dropped.
func sysChannelWrite(regs *irq.Regs) irq.HandlerOutcome {
	h := kernel.Handle(regs.EBX)
	src := uintptr(regs.ECX)
	count := uintptr(regs.EDX)

	if !channel.Valid(h) {
		regs.EAX = StatusInvalidHandle
		return irq.Continue()
	}

	buf := make([]byte, count)
	if !vmm.CopyFromSpace(sched.GetCurrentTask().PageDir(), src, buf) {
		regs.EAX = StatusInvalidArg
		return irq.Continue()
	}

	channel.Write(h, buf)
	regs.EAX = StatusOK
	return irq.Continue()
}

// sysTransferHandle moves ownership of the endpoint named by ECX to the task
// named by EBX. The peer endpoint is not notified.
func sysTransferHandle(regs *irq.Regs) irq.HandlerOutcome {
	recipient := kernel.Handle(regs.EBX)
	endpoint := kernel.Handle(regs.ECX)

	if _, found := sched.Lookup(recipient); !found {
		regs.EAX = StatusInvalidHandle
		return irq.Continue()
	}
	if !channel.Valid(endpoint) {
		regs.EAX = StatusInvalidHandle
		return irq.Continue()
	}

	channel.TransferOwner(endpoint, recipient)
	regs.EAX = StatusOK
	return irq.Continue()
}

// userRangeMapped reports whether [addr, addr+size) falls entirely inside
// pages mapped in pd.
func userRangeMapped(pd *vmm.PageDirectory, addr, size uintptr) bool {
	if size == 0 {
		return true
	}

	for page := mm.PageAddress(addr); page < addr+size; page += mm.PageSize {
		if !pd.IsMapped(page) {
			return false
		}
	}
	return true
}
