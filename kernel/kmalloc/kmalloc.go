// Package kmalloc implements the fixed-region kernel heap. The heap lives in
// the kernel address space immediately after the kernel image and is chained
// as shadow headers placed right before each allocation. On exhaustion the
// heap may invoke a grow callback to request that another super-page be
// appended to its region.
package kmalloc

import (
	"encoding/binary"

	"vexos/kernel"
	"vexos/kernel/kfmt"
	"vexos/kernel/mm"
	"vexos/kernel/mm/vmm"
)

const (
	// hdrSize is the size of the shadow header before each allocation.
	// Headers and allocation sizes are both multiples of hdrSize, which
	// doubles as the minimum alignment.
	hdrSize = uintptr(4)

	// usedBit flags an allocated block; the remaining bits hold the size.
	usedBit = uint32(1 << 31)
)

// GrowFn is invoked when the heap runs out of room. It receives the current
// region end and returns the number of bytes appended to the region, or false
// if the region cannot grow.
type GrowFn func(regionEnd uintptr) (uintptr, bool)

var (
	regionStart uintptr
	regionSize  uintptr
	growFn      GrowFn

	errCorruptHeader = &kernel.Error{Module: "kmalloc", Message: "corrupt allocation header"}
)

// Init sets up the heap over the region [start, start+size). The region must
// be mapped in the kernel directory and start must be hdrSize-aligned.
func Init(start, size uintptr) {
	if start%hdrSize != 0 || size <= hdrSize {
		kfmt.Panic(&kernel.Error{Module: "kmalloc", Message: "bad heap region"})
	}

	regionStart = start
	regionSize = size
	growFn = nil
	writeHeader(start, size-hdrSize, false)
}

// SetGrowFn installs the callback the heap invokes on exhaustion.
func SetGrowFn(fn GrowFn) { growFn = fn }

// Malloc allocates size bytes with the minimum 4-byte alignment. It returns
// the allocation address or 0 if the heap is exhausted.
func Malloc(size uintptr) uintptr {
	return MallocAligned(size, hdrSize)
}

// MallocAligned allocates size bytes whose address is a multiple of align.
// align must be a power of two; the effective alignment is at least 4 bytes.
// It returns the allocation address or 0 on failure.
func MallocAligned(size, align uintptr) uintptr {
	if align == 0 || align&(align-1) != 0 {
		return 0
	}
	if align < hdrSize {
		align = hdrSize
	}
	size = roundUp(size, hdrSize)
	if size == 0 {
		size = hdrSize
	}

	if addr := allocFrom(size, align); addr != 0 {
		return addr
	}

	// Out of room; ask the collaborator for more and retry once.
	if growFn != nil {
		if extra, ok := growFn(regionStart + regionSize); ok && extra > hdrSize {
			writeHeader(regionStart+regionSize, extra-hdrSize, false)
			regionSize += extra
			mergeFreeBlocks()
			return allocFrom(size, align)
		}
	}

	return 0
}

// Free returns the allocation at addr to the heap and coalesces adjacent free
// blocks. Freeing address 0 is a no-op.
func Free(addr uintptr) {
	if addr == 0 {
		return
	}

	hdrAddr := addr - hdrSize
	size, used := readHeader(hdrAddr)
	if !used {
		kfmt.Panic(errCorruptHeader)
	}

	writeHeader(hdrAddr, size, false)
	mergeFreeBlocks()
}

// AvailMemory returns the number of bytes available for allocation, not
// counting header overhead of future allocations.
func AvailMemory() uintptr {
	var avail uintptr
	iterBlocks(func(hdrAddr, size uintptr, used bool) bool {
		if !used {
			avail += size
		}
		return true
	})
	return avail
}

// allocFrom walks the header chain looking for the first free block that can
// satisfy the request, splitting off leading alignment padding and trailing
// slack as new free blocks.
func allocFrom(size, align uintptr) uintptr {
	mergeFreeBlocks()

	var result uintptr
	iterBlocks(func(hdrAddr, blockSize uintptr, used bool) bool {
		if used {
			return true
		}

		dataStart := hdrAddr + hdrSize
		aligned := roundUp(dataStart, align)

		// Leading padding must be able to hold its own header chain
		// entry; bump to the next alignment boundary until it can.
		for aligned != dataStart && aligned-dataStart < 2*hdrSize {
			aligned += align
		}
		pad := aligned - dataStart

		if blockSize < pad+size {
			return true
		}

		if pad != 0 {
			writeHeader(hdrAddr, pad-hdrSize, false)
			hdrAddr += pad
			blockSize -= pad
		}

		// Split off the tail if the remainder can hold a header plus
		// a minimum allocation.
		if blockSize >= size+2*hdrSize {
			writeHeader(hdrAddr+hdrSize+size, blockSize-size-hdrSize, false)
			blockSize = size
		}

		writeHeader(hdrAddr, blockSize, true)
		result = hdrAddr + hdrSize
		return false
	})

	return result
}

// mergeFreeBlocks coalesces runs of adjacent free blocks into single blocks.
func mergeFreeBlocks() {
	regionEnd := regionStart + regionSize

	addr := regionStart
	for addr < regionEnd {
		size, used := readHeader(addr)
		next := addr + hdrSize + size
		if used || next >= regionEnd {
			addr = next
			continue
		}

		nextSize, nextUsed := readHeader(next)
		if nextUsed {
			addr = next + hdrSize + nextSize
			continue
		}

		writeHeader(addr, size+hdrSize+nextSize, false)
	}
}

// iterBlocks walks the header chain invoking fn for each block until fn
// returns false.
func iterBlocks(fn func(hdrAddr, size uintptr, used bool) bool) {
	regionEnd := regionStart + regionSize
	for addr := regionStart; addr < regionEnd; {
		size, used := readHeader(addr)
		if addr+hdrSize+size > regionEnd {
			kfmt.Panic(errCorruptHeader)
		}
		if !fn(addr, size, used) {
			return
		}
		addr += hdrSize + size
	}
}

func readHeader(addr uintptr) (size uintptr, used bool) {
	raw := binary.LittleEndian.Uint32(headerBytes(addr))
	return uintptr(raw &^ usedBit), raw&usedBit != 0
}

func writeHeader(addr, size uintptr, used bool) {
	raw := uint32(size)
	if used {
		raw |= usedBit
	}
	binary.LittleEndian.PutUint32(headerBytes(addr), raw)
}

// headerBytes resolves a heap virtual address through the kernel directory.
// Sizes are multiples of hdrSize so a header never straddles a super-page.
func headerBytes(addr uintptr) []byte {
	return mm.PhysBytes(vmm.GetKernelPageDirectory().PhysicalOf(addr), hdrSize)
}

func roundUp(v, multiple uintptr) uintptr {
	return (v + multiple - 1) & ^(multiple - 1)
}
