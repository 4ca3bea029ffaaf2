package syscall_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vexos/device/uart"
	"vexos/kernel"
	"vexos/kernel/channel"
	"vexos/kernel/exceptions"
	"vexos/kernel/irq"
	"vexos/kernel/kmalloc"
	"vexos/kernel/mm"
	"vexos/kernel/mm/pmm"
	"vexos/kernel/mm/vmm"
	"vexos/kernel/multiboot"
	"vexos/kernel/sched"
	"vexos/kernel/syscall"
	"vexos/kernel/timer"
)

const kernelEnd = uintptr(0x100000)

func bootKernel(t *testing.T) {
	t.Helper()

	info := &multiboot.Info{
		Flags:    multiboot.FlagMemInfo | multiboot.FlagMemMap,
		MemUpper: 64 * 1024,
		MemoryMap: []multiboot.MemoryMapEntry{
			{PhysAddress: 0, Length: 64 * 1024 * 1024, Type: multiboot.MemAvailable},
		},
	}
	require.Nil(t, multiboot.SetInfo(info, multiboot.BootloaderMagic))

	mm.InitPhysMem()
	require.Nil(t, pmm.Init(0, kernelEnd))
	require.Nil(t, vmm.Init(0, kernelEnd))
	kmalloc.Init(kernelEnd, mm.PageSize-kernelEnd)
	irq.Reset()
	timer.Reset()
	timer.Init()
	syscall.Init()
	sched.Init()
	channel.Init()
	uart.ResetModel()
}

// invoke dispatches one syscall from the current task and returns the
// register frame afterwards.
func invoke(t *testing.T, num uint32, args ...uint32) *irq.Regs {
	t.Helper()

	regs := *sched.GetCurrentTask().Regs()
	regs.EAX = num
	for i, arg := range args {
		switch i {
		case 0:
			regs.EBX = arg
		case 1:
			regs.ECX = arg
		case 2:
			regs.EDX = arg
		case 3:
			regs.ESI = arg
		}
	}

	outcome := syscall.Dispatch(&regs)
	if terminate, exitValue := outcome.IsTerminate(); terminate {
		sched.Schedule(nil, exitValue)
	}
	return &regs
}

// rotate forces one scheduler rotation, as a timer tick would.
func rotate(t *testing.T) {
	t.Helper()

	regs := *sched.GetCurrentTask().Regs()
	sched.Schedule(&regs, 0)
}

// stage copies bytes into the shared kernel super-page so both the test and
// any address space that inherited the kernel mapping can see them.
func stage(addr uintptr, data []byte) {
	copy(mm.PhysBytes(addr, uintptr(len(data))), data)
}

func TestPageSize(t *testing.T) {
	bootKernel(t)

	regs := invoke(t, syscall.SysPageSize)
	assert.Equal(t, uint32(0x400000), regs.EAX)
}

func TestAllocPageAnonymous(t *testing.T) {
	bootKernel(t)

	usedBefore := pmm.NumUsedFrames()

	regs := invoke(t, syscall.SysAllocPage, 0, 0, syscall.AllocAnon|syscall.AllocCurrent)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	assert.Equal(t, uint32(0x400000), regs.EBX, "the first free super-page index >= 1")
	assert.Equal(t, usedBefore+1, pmm.NumUsedFrames())

	pd := sched.GetCurrentTask().PageDir()
	assert.True(t, pd.IsMapped(0x400000))
}

func TestAllocPageExplicitAddress(t *testing.T) {
	bootKernel(t)

	regs := invoke(t, syscall.SysAllocPage, 0x800000, 0, syscall.AllocCurrent)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	assert.Equal(t, uint32(0x800000), regs.EBX)

	// The same address again: already mapped.
	regs = invoke(t, syscall.SysAllocPage, 0x800000, 0, syscall.AllocCurrent)
	assert.Equal(t, uint32(syscall.StatusVPageMapped), regs.EAX)

	// Unaligned addresses are rejected.
	regs = invoke(t, syscall.SysAllocPage, 0x800123, 0, syscall.AllocCurrent)
	assert.Equal(t, uint32(syscall.StatusUnalignedPageAddr), regs.EAX)

	// Unknown handles are rejected when AllocCurrent is absent.
	regs = invoke(t, syscall.SysAllocPage, 0, 9999, 0)
	assert.Equal(t, uint32(syscall.StatusInvalidHandle), regs.EAX)
}

func TestUnmapPageFreesOwnedFrame(t *testing.T) {
	bootKernel(t)

	regs := invoke(t, syscall.SysAllocPage, 0, 0, syscall.AllocAnon|syscall.AllocCurrent)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	vaddr := regs.EBX

	usedBefore := pmm.NumUsedFrames()
	regs = invoke(t, syscall.SysUnmapPage, vaddr)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)

	assert.Equal(t, usedBefore-1, pmm.NumUsedFrames(), "the owner's frame is freed on unmap")
	assert.False(t, sched.GetCurrentTask().PageDir().IsMapped(uintptr(vaddr)))

	// The page is no longer mapped, so a second unmap is rejected.
	regs = invoke(t, syscall.SysUnmapPage, vaddr)
	assert.Equal(t, uint32(syscall.StatusInvalidArg), regs.EAX, "unmapping an unmapped page fails cleanly")
}

func TestProcessCreateAndStart(t *testing.T) {
	bootKernel(t)

	regs := invoke(t, syscall.SysProcessCreate)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	handle := kernel.Handle(regs.EBX)
	require.NotZero(t, handle)

	assert.False(t, sched.IsRunningTask(handle), "a created task is not yet runnable")

	regs = invoke(t, syscall.SysProcessStart, uint32(handle), 0x400000, 99)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	assert.True(t, sched.IsRunningTask(handle))

	task, found := sched.Lookup(handle)
	require.True(t, found)
	assert.Equal(t, uint32(0x400000), task.Regs().EIP)
	assert.Equal(t, uint32(99), task.Regs().EAX)
	assert.True(t, task.IsUser())
	assert.Equal(t, sched.GetMainKernelTask().Handle(), task.Parent())
}

func TestMapPageAliasesFrames(t *testing.T) {
	bootKernel(t)

	// Current task allocates a page; a second task gets an anonymous
	// alias of it.
	regs := invoke(t, syscall.SysAllocPage, 0, 0, syscall.AllocAnon|syscall.AllocCurrent)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	srcVaddr := regs.EBX

	regs = invoke(t, syscall.SysProcessCreate)
	other := kernel.Handle(regs.EBX)
	otherTask, _ := sched.Lookup(other)

	regs = invoke(t, syscall.SysMapPage, srcVaddr, uint32(other), 0, syscall.MapAnon)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	aliasVaddr := uintptr(regs.EBX)

	srcPhys := sched.GetCurrentTask().PageDir().PhysicalOf(uintptr(srcVaddr))
	assert.Equal(t, srcPhys, otherTask.PageDir().PhysicalOf(aliasVaddr),
		"both virtual pages share one physical frame")

	// The frame still belongs to the caller; no SwapOwner was requested.
	assert.True(t, sched.GetCurrentTask().FrameIsRecorded(mm.FrameFromAddress(srcPhys)))
}

func TestMapPageSwapOwner(t *testing.T) {
	bootKernel(t)

	regs := invoke(t, syscall.SysAllocPage, 0, 0, syscall.AllocAnon|syscall.AllocCurrent)
	srcVaddr := regs.EBX

	regs = invoke(t, syscall.SysProcessCreate)
	other := kernel.Handle(regs.EBX)
	otherTask, _ := sched.Lookup(other)

	regs = invoke(t, syscall.SysMapPage, srcVaddr, uint32(other), 0, syscall.MapAnon|syscall.SwapOwner)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)

	frame := mm.FrameFromAddress(otherTask.PageDir().PhysicalOf(uintptr(regs.EBX)))
	assert.False(t, sched.GetCurrentTask().FrameIsRecorded(frame))
	assert.True(t, otherTask.FrameIsRecorded(frame))
}

func TestMapPageArgumentValidation(t *testing.T) {
	bootKernel(t)

	regs := invoke(t, syscall.SysProcessCreate)
	other := kernel.Handle(regs.EBX)

	// Neither side mapped.
	regs = invoke(t, syscall.SysMapPage, 0x800000, uint32(other), 0xc00000, 0)
	assert.Equal(t, uint32(syscall.StatusVPageMapped), regs.EAX)

	// Unaligned source.
	regs = invoke(t, syscall.SysMapPage, 0x800123, uint32(other), 0xc00000, 0)
	assert.Equal(t, uint32(syscall.StatusUnalignedPageAddr), regs.EAX)

	// Unknown handle.
	regs = invoke(t, syscall.SysMapPage, 0x800000, 4242, 0xc00000, 0)
	assert.Equal(t, uint32(syscall.StatusInvalidHandle), regs.EAX)

	// Same task on both sides: OK without effect.
	self := sched.GetCurrentTask().Handle()
	regs = invoke(t, syscall.SysMapPage, 0x800000, uint32(self), 0xc00000, 0)
	assert.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	assert.False(t, sched.GetCurrentTask().PageDir().IsMapped(0xc00000))
}

func TestDebugWriteAndRead(t *testing.T) {
	bootKernel(t)

	stage(0x7000, []byte("serial says hi\x00"))
	regs := invoke(t, syscall.SysDebugWrite, 0x7000)
	assert.Equal(t, uint32(syscall.StatusOK), regs.EAX)

	// Nothing queued: the non-blocking read reports failure.
	regs = invoke(t, syscall.SysDebugRead, 0x7100)
	assert.Equal(t, uint32(syscall.StatusUnableToRead), regs.EAX)

	uart.InjectInput([]byte{'z'})
	regs = invoke(t, syscall.SysDebugRead, 0x7100)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	assert.Equal(t, byte('z'), mm.PhysBytes(0x7100, 1)[0])
}

func TestProcessInfo(t *testing.T) {
	bootKernel(t)

	regs := invoke(t, syscall.SysProcessCreate)
	child := kernel.Handle(regs.EBX)
	invoke(t, syscall.SysProcessStart, uint32(child), 0x400000, 0)

	// Info about the current task: packed (handle, parent).
	regs = invoke(t, syscall.SysProcessInfo, 0, syscall.ProcCurrent, 0x7200, 8)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	assert.Equal(t, uint32(8), regs.EBX)
	buf := mm.PhysBytes(0x7200, 8)
	self := uint32(sched.GetCurrentTask().Handle())
	assert.Equal(t, self, uint32(buf[0])|uint32(buf[1])<<8|uint32(buf[2])<<16|uint32(buf[3])<<24)

	// A too-small buffer reports the required size.
	regs = invoke(t, syscall.SysProcessInfo, 0, syscall.ProcCurrent, 0x7200, 4)
	assert.Equal(t, uint32(syscall.StatusBufferTooSmall), regs.EAX)
	assert.Equal(t, uint32(8), regs.EBX)

	// The child's parent is the current task.
	regs = invoke(t, syscall.SysProcessInfo, uint32(child), syscall.ProcParent, 0x7300, 4)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	buf = mm.PhysBytes(0x7300, 4)
	assert.Equal(t, self, uint32(buf[0])|uint32(buf[1])<<8|uint32(buf[2])<<16|uint32(buf[3])<<24)

	// The current task's children: a packed array of handles.
	selfHandle := uint32(sched.GetCurrentTask().Handle())
	regs = invoke(t, syscall.SysProcessInfo, selfHandle, syscall.ProcChildren, 0x7400, 64)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	assert.Equal(t, uint32(4), regs.EBX)
	buf = mm.PhysBytes(0x7400, 4)
	assert.Equal(t, uint32(child), uint32(buf[0])|uint32(buf[1])<<8|uint32(buf[2])<<16|uint32(buf[3])<<24)

	// Dead or unknown handles fail.
	regs = invoke(t, syscall.SysProcessInfo, 31337, syscall.ProcParent, 0x7300, 4)
	assert.Equal(t, uint32(syscall.StatusInvalidHandle), regs.EAX)
}

func TestChannelEndToEnd(t *testing.T) {
	bootKernel(t)

	// Task A is the kernel task; task B is a user task.
	regs := invoke(t, syscall.SysProcessCreate)
	bHandle := kernel.Handle(regs.EBX)
	invoke(t, syscall.SysProcessStart, uint32(bHandle), 0x400000, 0)

	// A creates the channel and hands the second endpoint to B.
	regs = invoke(t, syscall.SysChannelCreate)
	h1 := regs.EAX
	h2 := regs.EBX
	require.NotZero(t, h1)
	require.NotZero(t, h2)

	regs = invoke(t, syscall.SysTransferHandle, uint32(bHandle), h2)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	owner, _ := channel.Owner(kernel.Handle(h2))
	assert.Equal(t, bHandle, owner)

	// A writes; too-small reads on A's own endpoint report zero bytes.
	stage(0x7000, []byte("hello"))
	regs = invoke(t, syscall.SysChannelWrite, h1, 0x7000, 5)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)

	regs = invoke(t, syscall.SysChannelRead, h1, 0x7100, 3)
	assert.Equal(t, uint32(syscall.StatusBufferTooSmall), regs.EAX)
	assert.Equal(t, uint32(0), regs.EBX)

	// B runs and drains the five bytes, then answers.
	rotate(t)
	require.Equal(t, bHandle, sched.GetCurrentTask().Handle())

	regs = invoke(t, syscall.SysChannelRead, h2, 0x7200, 5)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	assert.Equal(t, "hello", string(mm.PhysBytes(0x7200, 5)))

	stage(0x7300, []byte("hi"))
	regs = invoke(t, syscall.SysChannelWrite, h2, 0x7300, 2)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)

	// Back to A; the reply is waiting.
	rotate(t)
	require.Equal(t, sched.GetMainKernelTask(), sched.GetCurrentTask())

	regs = invoke(t, syscall.SysChannelRead, h1, 0x7400, 2)
	require.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	assert.Equal(t, "hi", string(mm.PhysBytes(0x7400, 2)))

	// Close both ends.
	regs = invoke(t, syscall.SysHandleClose, h1)
	assert.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	regs = invoke(t, syscall.SysHandleClose, h2)
	assert.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	regs = invoke(t, syscall.SysHandleClose, h1)
	assert.Equal(t, uint32(syscall.StatusInvalidHandle), regs.EAX, "the destroyed pair leaves no handles behind")
}

func TestProcessWaitAndKill(t *testing.T) {
	bootKernel(t)

	// The parent creates and starts a child.
	regs := invoke(t, syscall.SysProcessCreate)
	child := kernel.Handle(regs.EBX)
	invoke(t, syscall.SysProcessStart, uint32(child), 0x400000, 0)

	parent := sched.GetCurrentTask()

	// Waiting with an empty mask completes immediately with no state
	// change.
	regs = invoke(t, syscall.SysProcessWait, uint32(child), 0)
	assert.Equal(t, uint32(syscall.StatusOK), regs.EAX)
	assert.Equal(t, parent, sched.GetCurrentTask())

	// Waiting on the child blocks the parent; the child is scheduled.
	invoke(t, syscall.SysProcessWait, uint32(child), uint32(sched.SignalTerminated))
	require.Equal(t, child, sched.GetCurrentTask().Handle())

	// The child kills itself with exit value 42. The parent resumes with
	// the terminate signal and the exit value in its registers.
	trapRegs := *sched.GetCurrentTask().Regs()
	trapRegs.IntNo = irq.SyscallVector
	trapRegs.EAX = syscall.SysProcessKill
	trapRegs.EBX = 42
	exceptions.Trap(&trapRegs)

	require.Equal(t, parent, sched.GetCurrentTask())
	assert.Equal(t, uint32(syscall.StatusOK), parent.Regs().EAX)
	assert.Equal(t, uint32(sched.SignalTerminated), parent.Regs().EBX)
	assert.Equal(t, uint32(42), parent.Regs().ECX)

	assert.False(t, sched.IsRunningTask(child))

	// Waiting on the dead handle now fails.
	regs = invoke(t, syscall.SysProcessWait, uint32(child), uint32(sched.SignalTerminated))
	assert.Equal(t, uint32(syscall.StatusInvalidHandle), regs.EAX)

	// Unknown mask bits are rejected.
	regs = invoke(t, syscall.SysProcessWait, uint32(parent.Handle()), 0x80)
	assert.Equal(t, uint32(syscall.StatusInvalidArg), regs.EAX)
}

func TestChannelHandleValidation(t *testing.T) {
	bootKernel(t)

	regs := invoke(t, syscall.SysChannelRead, 777, 0x7000, 1)
	assert.Equal(t, uint32(syscall.StatusInvalidHandle), regs.EAX)

	regs = invoke(t, syscall.SysChannelWrite, 777, 0x7000, 1)
	assert.Equal(t, uint32(syscall.StatusInvalidHandle), regs.EAX)

	regs = invoke(t, syscall.SysTransferHandle, 31337, 777)
	assert.Equal(t, uint32(syscall.StatusInvalidHandle), regs.EAX)
}

func TestUnknownSyscallIsFatal(t *testing.T) {
	bootKernel(t)

	regs := *sched.GetCurrentTask().Regs()
	regs.EAX = 0xffff

	outcome := syscall.Dispatch(&regs)
	panics, cause := outcome.IsPanic()
	require.True(t, panics)
	assert.NotNil(t, cause)
}
