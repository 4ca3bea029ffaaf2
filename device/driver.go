// Package device defines the interface implemented by all device drivers and
// the registry the HAL scans at boot.
package device

import "vexos/kernel"

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver.
	DriverInit() *kernel.Error
}

// ProbeFn checks for the presence of a particular piece of hardware and
// returns a driver for it, or nil if the hardware is not present.
type ProbeFn func() Driver

// DriverInfo describes a registered driver probe.
type DriverInfo struct {
	// Order defines the detection priority; lower probes first.
	Order int

	// Probe detects the hardware and instantiates the driver.
	Probe ProbeFn
}

var registeredDrivers []*DriverInfo

// RegisterDriver adds a driver probe to the registry. Drivers register
// themselves via their package init.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of registered driver probes.
func DriverList() []*DriverInfo {
	return registeredDrivers
}
