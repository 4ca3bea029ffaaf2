// Package uart drives the 16550 UART behind COM1. The console is strictly
// byte-oriented: non-blocking TryPut/TryRead probes plus blocking variants
// that spin on the line-status register.
package uart

import (
	"vexos/device"
	"vexos/kernel"
)

const (
	com1 = 0x3f8

	regData       = 0
	regIntEnable  = 1
	regFifoCtrl   = 2
	regLineCtrl   = 3
	regModemCtrl  = 4
	regLineStatus = 5

	lsrDataReady    = 0x01
	lsrTransmitFree = 0x20
)

// The port access functions default to an in-memory 16550 model so the
// console can be exercised on a host; the platform layer swaps in real port
// I/O.
var (
	portRead  = modelRead
	portWrite = modelWrite
)

// model16550 simulates the UART register file: reads of the data register
// drain an input queue and writes to it accumulate in an output buffer. The
// transmitter is always ready.
type model16550 struct {
	rx   []byte
	tx   []byte
	regs [8]uint8
}

var model model16550

// modelRead and modelWrite receive absolute port numbers and index the
// register file relative to COM1.
func modelRead(port uint16) uint8 {
	switch reg := port - com1; reg {
	case regData:
		if len(model.rx) == 0 {
			return 0
		}
		b := model.rx[0]
		model.rx = model.rx[1:]
		return b
	case regLineStatus:
		status := uint8(lsrTransmitFree)
		if len(model.rx) > 0 {
			status |= lsrDataReady
		}
		return status
	default:
		return model.regs[reg]
	}
}

func modelWrite(port uint16, value uint8) {
	reg := port - com1
	if reg == regData {
		model.tx = append(model.tx, value)
		return
	}
	model.regs[reg] = value
}

// InjectInput queues bytes on the modeled receive line.
func InjectInput(p []byte) {
	model.rx = append(model.rx, p...)
}

// TxBytes returns the bytes transmitted so far by the modeled UART.
func TxBytes() []byte {
	return model.tx
}

// ResetModel clears the modeled UART state.
func ResetModel() {
	model = model16550{}
}

func received() bool {
	return portRead(com1+regLineStatus)&lsrDataReady != 0
}

func transmitEmpty() bool {
	return portRead(com1+regLineStatus)&lsrTransmitFree != 0
}

// TryRead reads one character without blocking. It returns false if nothing
// has been received.
func TryRead() (byte, bool) {
	if !received() {
		return 0, false
	}
	return portRead(com1 + regData), true
}

// TryPut transmits one character without blocking. It returns false if the
// transmitter is busy.
func TryPut(c byte) bool {
	if !transmitEmpty() {
		return false
	}
	portWrite(com1+regData, c)
	return true
}

// Read blocks until a character is received.
func Read() byte {
	for !received() {
	}
	return portRead(com1 + regData)
}

// Put blocks until the transmitter is free, then sends c.
func Put(c byte) {
	for !transmitEmpty() {
	}
	portWrite(com1+regData, c)
}

// Device exposes the UART as a console driver.
type Device struct{}

// Write implements io.Writer so the device can serve as the kfmt output sink.
func (d *Device) Write(p []byte) (int, error) {
	for _, c := range p {
		Put(c)
	}
	return len(p), nil
}

// DriverName returns the name of the driver.
func (d *Device) DriverName() string { return "uart_16550" }

// DriverVersion returns the driver version.
func (d *Device) DriverVersion() (uint16, uint16, uint16) { return 0, 1, 0 }

// DriverInit programs the UART: 38400 baud, 8 data bits, no parity, one stop
// bit, FIFOs enabled.
func (d *Device) DriverInit() *kernel.Error {
	portWrite(com1+regIntEnable, 0x00)  // Disable all interrupts
	portWrite(com1+regLineCtrl, 0x80)   // Enable DLAB (set baud rate divisor)
	portWrite(com1+regData, 0x03)       // Set divisor to 3 (lo byte) 38400 baud
	portWrite(com1+regIntEnable, 0x00)  //                  (hi byte)
	portWrite(com1+regLineCtrl, 0x03)   // 8 bits, no parity, one stop bit
	portWrite(com1+regFifoCtrl, 0xc7)   // Enable FIFO, clear, 14-byte threshold
	portWrite(com1+regModemCtrl, 0x0b)  // IRQs enabled, RTS/DSR set
	return nil
}

func probeForDevice() device.Driver {
	return &Device{}
}

func init() {
	device.RegisterDriver(&device.DriverInfo{Order: 0, Probe: probeForDevice})
}
