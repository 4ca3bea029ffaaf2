package vmm

import (
	"vexos/kernel/kfmt"
	"vexos/kernel/mm"
)

// tempMap establishes an anonymous mapping in the current directory to the
// physical super-page that backs vaddr in otherPD and returns the address in
// the current space that aliases vaddr. The caller unmaps the returned page
// when done.
func tempMap(otherPD *PageDirectory, vaddr uintptr) uintptr {
	if otherPD == currentDir {
		kfmt.Panic(errTempMapCurrent)
	}

	pageVaddr := mm.PageAddress(vaddr)
	offset := vaddr - pageVaddr
	paddr := otherPD.PhysicalOf(pageVaddr)

	freePage, err := currentDir.NextFreeEntry(0)
	if err != nil {
		kfmt.Panic(err)
	}

	newPageVaddr := freePage.Address()
	currentDir.Map(newPageVaddr, mm.PageAddress(paddr), 0)
	return newPageVaddr + offset
}

// memcpyCurrent copies size bytes between two virtual ranges that are both
// mapped in the current directory. The ranges may cross super-page
// boundaries.
func memcpyCurrent(dst, src, size uintptr) {
	for size > 0 {
		chunk := size
		if room := mm.PageSize - mm.PageOffset(src); chunk > room {
			chunk = room
		}
		if room := mm.PageSize - mm.PageOffset(dst); chunk > room {
			chunk = room
		}

		copy(mm.PhysBytes(currentDir.PhysicalOf(dst), chunk),
			mm.PhysBytes(currentDir.PhysicalOf(src), chunk))

		dst += chunk
		src += chunk
		size -= chunk
	}
}

// memcpyBetween copies size bytes from src interpreted in srcPD to dst
// interpreted in dstPD. Ranges in a non-current directory are reached by
// transiently mapping their backing super-page into the current directory,
// so at most two transient mappings are made.
func memcpyBetween(srcPD, dstPD *PageDirectory, dst, src, size uintptr) {
	if size == 0 {
		return
	}
	if size > mm.PageSize {
		kfmt.Panic(errCopyTooLarge)
	}

	if srcPD == dstPD && srcPD == currentDir {
		memcpyCurrent(dst, src, size)
		return
	}

	curSrc := src
	if srcPD != currentDir {
		curSrc = tempMap(srcPD, src)
	}

	curDst := dst
	if dstPD != currentDir {
		curDst = tempMap(dstPD, dst)
	}

	memcpyCurrent(curDst, curSrc, size)

	if srcPD != currentDir {
		currentDir.Unmap(mm.PageAddress(curSrc))
	}
	if dstPD != currentDir {
		currentDir.Unmap(mm.PageAddress(curDst))
	}
}

// Memcpy copies size bytes from src, interpreted in the current directory,
// to dst, interpreted in pd. If pd is the current directory this degenerates
// to a plain byte copy.
func (pd *PageDirectory) Memcpy(dst, src, size uintptr) {
	memcpyBetween(currentDir, pd, dst, src, size)
}
