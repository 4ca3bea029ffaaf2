// Package kmain drives kernel initialization: it consumes the bootloader
// handoff, brings up the memory subsystems, installs the trap handlers,
// starts the scheduler and hands the initial ramdisk to the first user task.
package kmain

import (
	"vexos/kernel"
	"vexos/kernel/channel"
	"vexos/kernel/cpu"
	"vexos/kernel/hal"
	"vexos/kernel/irq"
	"vexos/kernel/kfmt"
	"vexos/kernel/kmalloc"
	"vexos/kernel/mm"
	"vexos/kernel/mm/pmm"
	"vexos/kernel/mm/vmm"
	"vexos/kernel/multiboot"
	"vexos/kernel/sched"
	"vexos/kernel/syscall"
	"vexos/kernel/timer"
)

const (
	// The kernel image occupies the start of super-page 0; the rest of
	// that page backs the kernel heap.
	kernelImageStart = uintptr(0)
	kernelImageEnd   = uintptr(0x100000)
)

// idleFn is what the kernel task does once initialization completes. The
// platform layer installs the real halt loop; tests leave the default so
// Kmain returns.
var idleFn = func() {}

// Kmain initializes the kernel from the bootloader handoff and starts the
// first user task. It only returns in hosted test builds.
func Kmain(info *multiboot.Info, magic uint32) {
	hal.DetectHardware()

	if err := multiboot.SetInfo(info, magic); err != nil {
		kfmt.Panic(err)
	}

	kfmt.Printf("Kernel is %d KB large (physical range: 0x%x - 0x%x)\n",
		(kernelImageEnd-kernelImageStart)>>10, kernelImageStart, kernelImageEnd)

	mm.InitPhysMem()
	if err := pmm.Init(kernelImageStart, kernelImageEnd); err != nil {
		kfmt.Panic(err)
	}
	if err := vmm.Init(kernelImageStart, kernelImageEnd); err != nil {
		kfmt.Panic(err)
	}

	kmalloc.Init(kernelImageEnd, mm.PageSize-kernelImageEnd)
	kmalloc.SetGrowFn(growHeap)

	// Start from clean vector and callback tables before installing the
	// handlers.
	irq.Reset()
	timer.Reset()

	timer.Init()
	syscall.Init()
	sched.Init()
	channel.Init()

	startUserboot()

	// The timer preempts from here on; the kernel task stays in the ring
	// as the fallback when every user task is blocked.
	cpu.EnableInterrupts()
	idleFn()
}

// growHeap feeds the kernel heap another super-page when it runs out. The
// new frame is mapped right after the current heap region in the kernel
// directory.
func growHeap(regionEnd uintptr) (uintptr, bool) {
	if regionEnd%mm.PageSize != 0 {
		return 0, false
	}

	frame, err := pmm.NextFreeFrame()
	if err != nil {
		return 0, false
	}

	pmm.SetFrameUsed(frame)
	vmm.GetKernelPageDirectory().Map(regionEnd, frame.Address(), 0)
	return mm.PageSize, true
}

// startUserboot loads the initial ramdisk into a fresh user address space
// and registers the first user task. The kernel does not guarantee which
// super-page the program lands on, so userboot must be position-independent.
func startUserboot() {
	modules := multiboot.Modules()
	if len(modules) == 0 {
		kfmt.Printf("no initrd module; staying in the kernel task\n")
		return
	}
	for _, extra := range modules[1:] {
		kfmt.Printf("ignoring extra boot module at 0x%x\n", extra.Start)
	}

	initrd := &modules[0]
	size := uintptr(len(initrd.Data))
	if size > mm.PageSize {
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: "initrd does not fit in a single super-page"})
	}
	kfmt.Printf("Initrd start: 0x%x\n", initrd.Start)
	kfmt.Printf("Initrd size: %d\n", uint32(size))

	// The first user task gets exactly one mapped page holding the
	// ramdisk contents; anything more must be requested via syscalls.
	userPD := vmm.GetKernelPageDirectory().Clone()

	freeVPage, err := userPD.NextFreeEntry(1)
	if err != nil {
		kfmt.Panic(err)
	}
	userStart := freeVPage.Address()

	frame, err := pmm.NextFreeFrame()
	if err != nil {
		kfmt.Panic(err)
	}
	userPD.Map(userStart, frame.Address(), vmm.FlagUserAccessible)

	if !vmm.CopyToSpace(userPD, userStart, initrd.Data) {
		kfmt.Panic(&kernel.Error{Module: "kmain", Message: "cannot copy initrd into user space"})
	}

	kfmt.Printf("userboot entry: 0x%x\n", userStart)

	task := sched.NewTask(true, userPD, sched.GetMainKernelTask())
	task.SetEntry(userStart)

	// Recording the frame keeps the reservation bitmap in sync and
	// releases the page if the task dies.
	task.RecordOwnedFrame(frame)

	sched.RegisterTask(task)
	kfmt.Printf("initial user task: %d\n", uint32(task.Handle()))
}
