// Package irq defines the register frame pushed by the trap entry code, the
// exception vocabulary and the handler outcome type used by the exception
// dispatcher.
package irq

import "vexos/kernel/kfmt"

// Regs contains a snapshot of the register values when an interrupt occurred.
// The trampoline for every vector pushes the segment and general registers in
// this order followed by the vector number and error code; the CPU itself has
// already pushed EIP, CS and EFLAGS, plus UserESP and SS if the exception
// crossed a privilege boundary. The field offsets are part of the trap ABI.
type Regs struct {
	GS, FS, ES, DS uint16

	EDI, ESI, EBP, ESP uint32
	EBX, EDX, ECX, EAX uint32

	IntNo   uint32
	ErrCode uint32

	// Pushed by the processor automatically.
	EIP, CS, EFlags, UserESP, SS uint32
}

// Dump outputs the register values to the active console.
func (r *Regs) Dump() {
	kfmt.Printf("EAX = %8x EBX = %8x ECX = %8x EDX = %8x\n", r.EAX, r.EBX, r.ECX, r.EDX)
	kfmt.Printf("ESI = %8x EDI = %8x EBP = %8x ESP = %8x\n", r.ESI, r.EDI, r.EBP, r.ESP)
	kfmt.Printf("EIP = %8x EFL = %8x\n", r.EIP, r.EFlags)
	kfmt.Printf("CS = %4x DS = %4x ES = %4x FS = %4x GS = %4x SS = %4x\n",
		r.CS, uint32(r.DS), uint32(r.ES), uint32(r.FS), uint32(r.GS), r.SS)
	kfmt.Printf("int = %d err = %d useresp = %8x\n", r.IntNo, r.ErrCode, r.UserESP)
}
