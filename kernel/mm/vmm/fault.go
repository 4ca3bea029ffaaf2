package vmm

import (
	"vexos/kernel/cpu"
	"vexos/kernel/irq"
	"vexos/kernel/kfmt"
)

// Page-fault error code bits.
const (
	faultPresent     = 1 << 0
	faultWrite       = 1 << 1
	faultUser        = 1 << 2
	faultReservedBit = 1 << 3
	faultInstrFetch  = 1 << 4
)

// readCR2Fn is swapped by tests that exercise the fault path.
var readCR2Fn = cpu.ReadCR2

// DumpPageFault prints a structured diagnostic for a page fault: the
// faulting address, the decoded error bits, the register state and the
// mapped-page listing of the current directory. The exception dispatcher
// decides afterwards whether the faulting task is terminated or the system
// halts.
func DumpPageFault(regs *irq.Regs) {
	faultAddr := readCR2Fn()

	action := "read from"
	if regs.ErrCode&faultWrite != 0 {
		action = "write to"
	}
	kfmt.Printf("Page fault while trying to %s 0x%x\n- IP:0x%x\n", action, faultAddr, regs.EIP)

	if regs.ErrCode&faultPresent != 0 {
		kfmt.Printf("- The page was present\n")
	} else {
		kfmt.Printf("- The page was not present\n")
	}

	if regs.ErrCode&faultReservedBit != 0 {
		kfmt.Printf("- Reserved bit was set\n")
	}

	if regs.ErrCode&faultInstrFetch != 0 {
		kfmt.Printf("- Caused by an instruction fetch\n")
	}

	if regs.ErrCode&faultUser != 0 {
		kfmt.Printf("- CPU was in user-mode\n")
	} else {
		kfmt.Printf("- CPU was in supervisor mode\n")
	}

	regs.Dump()
	currentDir.DumpMappedPages()
}
