// Package pmm implements the physical frame allocator. Frame reservations are
// tracked in a bitmap with one bit per 4 MiB frame, indexed from low physical
// addresses.
package pmm

import (
	"vexos/kernel"
	"vexos/kernel/kfmt"
	"vexos/kernel/mm"
	"vexos/kernel/multiboot"
)

// ErrOutOfMemory is returned by NextFreeFrame when all frames are reserved.
var ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

var (
	// numFrames is the number of physical frames actually backed by RAM.
	// It may be smaller than mm.NumPageDirEntries.
	numFrames uint32

	// frameBitmap tracks frame reservations; a set bit marks a used frame.
	frameBitmap [mm.NumPageDirEntries / 8]uint8
)

// NumFrames returns the number of physical frames backed by RAM.
func NumFrames() uint32 { return numFrames }

// FrameIsUsed returns true if the supplied frame is marked as reserved.
func FrameIsUsed(frame mm.Frame) bool {
	return frameBitmap[frame/8]&(1<<(frame%8)) != 0
}

// SetFrameUsed marks the supplied frame as reserved. Reserving a frame that
// is already reserved is an allocator bug and panics.
func SetFrameUsed(frame mm.Frame) {
	if FrameIsUsed(frame) {
		kfmt.Panic(&kernel.Error{Module: "pmm", Message: "frame is already marked as used"})
	}
	frameBitmap[frame/8] |= 1 << (frame % 8)
}

// SetFrameFree returns the supplied frame to the free pool. Freeing a frame
// that is not reserved is an allocator bug and panics.
func SetFrameFree(frame mm.Frame) {
	if !FrameIsUsed(frame) {
		kfmt.Panic(&kernel.Error{Module: "pmm", Message: "frame is already free"})
	}
	frameBitmap[frame/8] &^= 1 << (frame % 8)
}

// NumFreeFrames returns the number of frames available for reservation.
func NumFreeFrames() uint32 {
	numZeroBits := func(x uint8) uint32 {
		var n uint32
		for x = ^x; x != 0; x >>= 1 {
			n += uint32(x & 1)
		}
		return n
	}

	var num uint32
	for i := uint32(0); i < numFrames/8; i++ {
		num += numZeroBits(frameBitmap[i])
	}

	if rem := numFrames % 8; rem != 0 {
		tail := frameBitmap[numFrames/8] | ^uint8(1<<rem-1)
		num += numZeroBits(tail)
	}

	return num
}

// NumUsedFrames returns the number of reserved frames.
func NumUsedFrames() uint32 {
	return numFrames - NumFreeFrames()
}

// NextFreeFrame returns the lowest-numbered free frame. The scan skips fully
// reserved bitmap bytes before testing individual bits.
func NextFreeFrame() (mm.Frame, *kernel.Error) {
	lastByte := (numFrames + 7) / 8
	for i := uint32(0); i < lastByte; i++ {
		x := frameBitmap[i]
		if x == 0xff {
			continue
		}

		var idx uint32
		for ; x&1 != 0; x >>= 1 {
			idx++
		}

		frame := mm.Frame(i*8 + idx)
		if uint32(frame) >= numFrames {
			break
		}
		return frame, nil
	}

	return 0, ErrOutOfMemory
}

// Init sets up the frame bitmap from the bootloader-provided memory bounds
// and memory map and reserves the frame hosting the kernel image.
//
// The memory map is applied in two passes: the first pass frees the frames of
// every available region, the second reserves the frames touched by any
// non-available region. Regions are address-ordered but may abut within one
// frame, so non-available wins on overlap. The kernel frame is reserved last,
// regardless of the map contents.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	totalMem := roundUpToFrame(uintptr(multiboot.MemUpper()) * 1024)
	numFrames = uint32(totalMem >> mm.PageShift)
	if numFrames == 0 || numFrames > mm.NumPageDirEntries {
		return &kernel.Error{Module: "pmm", Message: "unexpected physical frame count"}
	}

	// Initially mark everything as used, then clear the bits covered by
	// backing RAM.
	for i := range frameBitmap {
		frameBitmap[i] = 0xff
	}
	for i := uint32(0); i < numFrames/8; i++ {
		frameBitmap[i] = 0
	}
	if rem := numFrames % 8; rem != 0 {
		frameBitmap[numFrames/8] = ^uint8(1<<rem - 1)
	}

	kernelFrame := mm.FrameFromAddress(kernelStart)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length == 0 {
			return true
		}

		start := mm.FrameFromAddress(uintptr(region.PhysAddress))
		end := mm.FrameFromAddress(roundUpToFrame(uintptr(region.PhysAddress + region.Length)))
		for frame := start; frame < end && uint32(frame) < numFrames; frame++ {
			if FrameIsUsed(frame) {
				SetFrameFree(frame)
			}
		}
		return true
	})

	// Reserving must run after the free pass: an available region can be
	// immediately followed by a reserved start address within one frame.
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable || region.Length == 0 {
			return true
		}

		start := mm.FrameFromAddress(uintptr(region.PhysAddress))
		end := mm.FrameFromAddress(roundUpToFrame(uintptr(region.PhysAddress + region.Length)))
		for frame := start; frame < end && uint32(frame) < numFrames; frame++ {
			if !FrameIsUsed(frame) {
				SetFrameUsed(frame)
			}
		}
		return true
	})

	if kernelEnd-kernelStart > mm.PageSize {
		return &kernel.Error{Module: "pmm", Message: "kernel image does not fit in a single frame"}
	}
	if !FrameIsUsed(kernelFrame) {
		SetFrameUsed(kernelFrame)
	}

	printStats()
	return nil
}

// Dump prints the raw reservation bitmap for the backed frames.
func Dump() {
	kfmt.Printf("Physical 4M frames:\n")
	for i := uint32(0); i < numFrames; i += 8 {
		kfmt.Printf("  0x%2x\n", frameBitmap[i/8])
	}
}

func printStats() {
	kfmt.Printf("[pmm] frame stats: free: %d/%d (%d reserved)\n",
		NumFreeFrames(), numFrames, NumUsedFrames())
}

func roundUpToFrame(addr uintptr) uintptr {
	return (addr + mm.PageSize - 1) & ^(mm.PageSize - 1)
}
