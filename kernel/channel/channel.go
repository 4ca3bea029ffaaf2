// Package channel implements bidirectional byte-stream channels. A channel is
// a pair of endpoints; writing on one endpoint appends to the peer's buffer
// and reading consumes from one's own buffer. Endpoints are identified by
// opaque handles resolved through a kernel-global table and each endpoint is
// owned by a task; ownership is the unit of transfer and cleanup.
package channel

import (
	"vexos/kernel"
	"vexos/kernel/cpu"
)

// defaultCapacity is the initial capacity of an endpoint buffer.
const defaultCapacity = 8

// endpoint holds one end of a channel. peer is the handle of the other end
// and is zero iff this end has been closed; partner keeps the pair linkage so
// the channel object can be destroyed once both ends are closed.
type endpoint struct {
	peer    kernel.Handle
	partner kernel.Handle
	buf     []byte
	owner   kernel.Handle
}

var (
	endpoints  map[kernel.Handle]*endpoint
	nextHandle kernel.Handle
)

// Init sets up the endpoint table. It must be invoked before any channel is
// created.
func Init() {
	endpoints = make(map[kernel.Handle]*endpoint)
	nextHandle = 0
}

// Destroy drops the endpoint table.
func Destroy() {
	endpoints = nil
}

// NumEndpoints returns the number of live endpoints.
func NumEndpoints() int {
	return len(endpoints)
}

// Create allocates a linked endpoint pair, both owned by the supplied task.
func Create(owner kernel.Handle) (kernel.Handle, kernel.Handle) {
	guard := cpu.SuspendInterrupts()
	defer guard.Resume()

	h1 := allocHandle()
	h2 := allocHandle()

	endpoints[h1] = &endpoint{peer: h2, partner: h2, owner: owner, buf: make([]byte, 0, defaultCapacity)}
	endpoints[h2] = &endpoint{peer: h1, partner: h1, owner: owner, buf: make([]byte, 0, defaultCapacity)}
	return h1, h2
}

// Valid returns true if h names a live endpoint.
func Valid(h kernel.Handle) bool {
	_, found := endpoints[h]
	return found
}

// Owner returns the task that owns endpoint h.
func Owner(h kernel.Handle) (kernel.Handle, bool) {
	end, found := endpoints[h]
	if !found {
		return 0, false
	}
	return end.owner, true
}

// Write appends src to the peer's buffer. If this end has been closed the
// write is silently dropped: the reader's close is asynchronous with respect
// to the writer. Returns false only if h does not name a live endpoint.
func Write(h kernel.Handle, src []byte) bool {
	end, found := endpoints[h]
	if !found {
		return false
	}

	peer, found := endpoints[end.peer]
	if !found || peer.peer == 0 {
		// This end or the peer is closed; drop the bytes.
		return true
	}

	peer.buf = append(peer.buf, src...)
	return true
}

// Read consumes len(dst) bytes from this endpoint's buffer into dst. If the
// buffer holds fewer bytes the buffer is left untouched and the second return
// value reports how many bytes are available. The first return value is false
// only if h does not name a live endpoint.
func Read(h kernel.Handle, dst []byte) (bool, int, bool) {
	end, found := endpoints[h]
	if !found {
		return false, 0, false
	}

	if len(end.buf) < len(dst) {
		return true, len(end.buf), false
	}

	copy(dst, end.buf)
	remaining := copy(end.buf, end.buf[len(dst):])
	end.buf = end.buf[:remaining]
	return true, len(dst), true
}

// Close closes endpoint h. It returns true if this call destroyed the whole
// channel, i.e. the other end was already closed. Closing an already-closed
// or unknown endpoint returns false and has no other effect.
func Close(h kernel.Handle) bool {
	guard := cpu.SuspendInterrupts()
	defer guard.Resume()

	return closeLocked(h)
}

func closeLocked(h kernel.Handle) bool {
	end, found := endpoints[h]
	if !found || end.peer == 0 {
		return false
	}

	end.peer = 0

	partner, found := endpoints[end.partner]
	if found && partner.peer == 0 {
		// Both ends are now closed; destroy the channel.
		delete(endpoints, h)
		delete(endpoints, end.partner)
		return true
	}

	return false
}

// TransferOwner reassigns endpoint h to newOwner. The peer is not notified.
func TransferOwner(h, newOwner kernel.Handle) bool {
	end, found := endpoints[h]
	if !found {
		return false
	}

	end.owner = newOwner
	return true
}

// CloseOwnedBy closes every endpoint owned by the supplied task, following
// the usual close rules. Invoked when a task is destroyed.
func CloseOwnedBy(owner kernel.Handle) {
	guard := cpu.SuspendInterrupts()
	defer guard.Resume()

	for h, end := range endpoints {
		if end.owner == owner {
			closeLocked(h)
		}
	}
}

func allocHandle() kernel.Handle {
	nextHandle++
	return nextHandle
}
