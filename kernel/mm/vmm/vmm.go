// Package vmm implements the per-address-space page directory and the
// process-wide current-directory state. The system maps memory exclusively
// through 4 MiB super-page entries, so a directory is a single-level table of
// 1024 entries.
package vmm

import (
	"vexos/kernel"
	"vexos/kernel/cpu"
	"vexos/kernel/kfmt"
	"vexos/kernel/mm"
)

// PageDirectoryEntryFlag describes a flag that can be applied to a page
// directory entry.
type PageDirectoryEntryFlag uint32

// Page directory entry flags, low bits to high.
const (
	FlagPresent PageDirectoryEntryFlag = 1 << iota
	FlagRW
	FlagUserAccessible
	FlagWriteThrough
	FlagCacheDisable
	FlagAccessed
	FlagDirty
	FlagHugePage
	FlagGlobal
)

// entryFrameMask extracts the physical super-page base from an entry. With
// 4 MiB pages bits 21:12 of the entry are reserved.
const entryFrameMask = uint32(0xffc00000)

// ErrNoFreeVirtualPage is returned when an address space has no unmapped
// super-page slot left.
var ErrNoFreeVirtualPage = &kernel.Error{Module: "vmm", Message: "out of virtual pages"}

var (
	kernelDir PageDirectory

	// currentDir tracks the directory the MMU is walking. It is set to
	// the kernel directory during boot, restored to the kernel directory
	// on every exception entry and switched to the chosen task's
	// directory on every scheduler exit.
	currentDir *PageDirectory

	// nextDirBase hands out the pseudo-physical base address registered
	// with the page-table base register when a directory is activated.
	nextDirBase = uintptr(0x1000)
)

// PageDirectory is one address space: a 4096-byte, 4 KiB-aligned array with
// one entry per 4 MiB super-page of the 32-bit virtual space.
type PageDirectory struct {
	entries [mm.NumPageDirEntries]uint32

	// base is the address loaded into the page-table base register when
	// this directory is activated.
	base uintptr
}

// NewPageDirectory allocates an empty page directory.
func NewPageDirectory() *PageDirectory {
	pd := &PageDirectory{base: nextDirBase}
	nextDirBase += 0x1000
	return pd
}

func (pd *PageDirectory) entryFor(vaddr uintptr) *uint32 {
	if vaddr%mm.PageSize != 0 {
		kfmt.Panic(&kernel.Error{Module: "vmm", Message: "virtual address is not super-page aligned"})
	}
	return &pd.entries[vaddr>>mm.PageShift]
}

// Map establishes a mapping between a 4 MiB-aligned virtual address and a
// 4 MiB-aligned physical address. The entry must not already be present and
// the global bit must not be requested; violating either is a kernel bug.
// Interrupts are disabled for the duration of the update.
func (pd *PageDirectory) Map(vaddr, paddr uintptr, flags PageDirectoryEntryFlag) {
	guard := cpu.SuspendInterrupts()
	defer guard.Resume()

	// With 4 MiB pages bits 21:12 of the entry are reserved so the
	// physical address must be super-page aligned as well.
	if paddr%mm.PageSize != 0 {
		kfmt.Panic(&kernel.Error{Module: "vmm", Message: "physical address is not super-page aligned"})
	}

	pde := pd.entryFor(vaddr)
	if *pde&uint32(FlagPresent) != 0 {
		kfmt.Panic(&kernel.Error{Module: "vmm", Message: "directory entry for virtual address is already present"})
	}

	*pde = uint32(paddr) | uint32(FlagPresent|FlagHugePage|FlagRW|flags)
	if *pde&uint32(FlagGlobal) != 0 {
		kfmt.Panic(&kernel.Error{Module: "vmm", Message: "the global bit must never be set"})
	}

	cpu.FlushTLBEntry(vaddr)
}

// Unmap removes the mapping for a 4 MiB-aligned virtual address. The entry
// must be present. Interrupts are disabled for the duration of the update.
func (pd *PageDirectory) Unmap(vaddr uintptr) {
	guard := cpu.SuspendInterrupts()
	defer guard.Resume()

	pde := pd.entryFor(vaddr)
	if *pde&uint32(FlagPresent) == 0 {
		kfmt.Panic(&kernel.Error{Module: "vmm", Message: "directory entry for virtual address is not present"})
	}

	*pde = 0

	cpu.FlushTLBEntry(vaddr)
}

// IsMapped returns true if the super-page holding vaddr is present.
func (pd *PageDirectory) IsMapped(vaddr uintptr) bool {
	return *pd.entryFor(mm.PageAddress(vaddr))&uint32(FlagPresent) != 0
}

// PhysicalOf returns the physical address that backs vaddr. The super-page
// holding vaddr must be mapped.
func (pd *PageDirectory) PhysicalOf(vaddr uintptr) uintptr {
	pde := pd.entryFor(mm.PageAddress(vaddr))
	if *pde&uint32(FlagPresent) == 0 {
		kfmt.Panic(&kernel.Error{Module: "vmm", Message: "no physical page behind virtual address"})
	}
	return uintptr(*pde&entryFrameMask) + mm.PageOffset(vaddr)
}

// NumFreeEntries returns the number of unmapped super-page slots.
func (pd *PageDirectory) NumFreeEntries() int {
	var n int
	for _, pde := range pd.entries {
		if pde&uint32(FlagPresent) == 0 {
			n++
		}
	}
	return n
}

// NextFreeEntry returns the first unmapped super-page at or above
// lowerBound.
func (pd *PageDirectory) NextFreeEntry(lowerBound mm.Page) (mm.Page, *kernel.Error) {
	for i := lowerBound; i < mm.NumPageDirEntries; i++ {
		if pd.entries[i]&uint32(FlagPresent) == 0 {
			return i, nil
		}
	}
	return 0, ErrNoFreeVirtualPage
}

// Clone returns a new directory with identical entries. New address spaces
// inherit the kernel mapping and any shared user mappings this way.
func (pd *PageDirectory) Clone() *PageDirectory {
	clone := NewPageDirectory()
	clone.entries = pd.entries
	return clone
}

// Clear zeroes all entries. Only the kernel directory is cleared, during
// initialization.
func (pd *PageDirectory) Clear() {
	for i := range pd.entries {
		pd.entries[i] = 0
	}
}

// DumpMappedPages prints every present entry with its decoded flags.
func (pd *PageDirectory) DumpMappedPages() {
	kfmt.Printf("Mapped pages:\n")
	for i, pde := range pd.entries {
		if pde == 0 {
			continue
		}
		kfmt.Printf("%d) 0x%8x (vaddr 0x%8x => paddr 0x%8x, %s, %s, %s)\n",
			i, pde, mm.Page(i).Address(), pde&entryFrameMask,
			presentStr(pde), writableStr(pde), userStr(pde))
	}
}

func presentStr(pde uint32) string {
	if pde&uint32(FlagPresent) != 0 {
		return "present"
	}
	return "not present"
}

func writableStr(pde uint32) string {
	if pde&uint32(FlagRW) != 0 {
		return "writable"
	}
	return "read-only"
}

func userStr(pde uint32) string {
	if pde&uint32(FlagUserAccessible) != 0 {
		return "user-accessible"
	}
	return "user-inaccessible"
}

// SwitchPageDirectory installs pd as the current directory and loads its base
// into the page-table base register.
func SwitchPageDirectory(pd *PageDirectory) {
	currentDir = pd
	cpu.SwitchPDT(pd.base)
}

// GetCurrentPageDirectory returns the directory the MMU is walking.
func GetCurrentPageDirectory() *PageDirectory {
	return currentDir
}

// GetKernelPageDirectory returns the global kernel directory.
func GetKernelPageDirectory() *PageDirectory {
	return &kernelDir
}

// Init sets up the kernel page directory, identity-maps the super-page
// hosting the kernel image and activates the directory.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	if kernelStart%mm.PageSize != 0 {
		return &kernel.Error{Module: "vmm", Message: "kernel image does not start on a super-page boundary"}
	}
	if kernelEnd-kernelStart > mm.PageSize {
		return &kernel.Error{Module: "vmm", Message: "kernel image does not fit in a single super-page"}
	}

	if kernelDir.base == 0 {
		kernelDir.base = nextDirBase
		nextDirBase += 0x1000
	}
	kernelDir.Clear()
	kernelDir.Map(kernelStart, kernelStart, 0)
	SwitchPageDirectory(&kernelDir)
	return nil
}
