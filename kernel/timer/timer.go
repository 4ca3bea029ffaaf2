// Package timer programs the programmable interval timer and fans the timer
// interrupt out to a table of numbered callbacks. The scheduler owns callback
// slot 0.
package timer

import (
	"vexos/kernel"
	"vexos/kernel/cpu"
	"vexos/kernel/irq"
	"vexos/kernel/kfmt"
)

const (
	pitCmd  = 0x43
	pitSet  = 0x36
	pitData = 0x40

	// Frequency is the tick rate the PIT is programmed to, in Hz.
	Frequency = 50

	pitQuotient = 1193180

	maxCallbacks = 256
)

// Callback is invoked on every timer tick with the interrupted register
// frame.
type Callback func(*irq.Regs)

var (
	tick      uint32
	callbacks [maxCallbacks]Callback
)

// Ticks returns the number of timer interrupts serviced since boot.
func Ticks() uint32 { return tick }

// Reset clears the tick counter and the callback table. Runs before Init as
// part of the explicit init/teardown lifecycle.
func Reset() {
	tick = 0
	for i := range callbacks {
		callbacks[i] = nil
	}
}

// RegisterCallback installs callback in the given slot. Double registration
// of a slot is a kernel bug.
func RegisterCallback(num uint8, callback Callback) {
	if callbacks[num] != nil {
		kfmt.Panic(&kernel.Error{Module: "timer", Message: "timer callback slot is already taken"})
	}
	callbacks[num] = callback
}

// UnregisterCallback removes the callback in the given slot.
func UnregisterCallback(num uint8) {
	if callbacks[num] == nil {
		kfmt.Panic(&kernel.Error{Module: "timer", Message: "timer callback slot is empty"})
	}
	callbacks[num] = nil
}

// OnTick services one timer interrupt: it advances the tick counter and
// invokes every registered callback.
func OnTick(regs *irq.Regs) irq.HandlerOutcome {
	tick++

	for _, callback := range callbacks {
		if callback != nil {
			callback(regs)
		}
	}

	return irq.Continue()
}

// Init programs the PIT divisor for the configured frequency and routes the
// timer vector to OnTick.
func Init() {
	divisor := uint32(pitQuotient / Frequency)

	cpu.PortWriteByte(pitCmd, pitSet)
	cpu.PortWriteByte(pitData, uint8(divisor&0xff))
	cpu.PortWriteByte(pitData, uint8((divisor>>8)&0xff))

	irq.HandleInterrupt(irq.TimerVector, OnTick)
}
