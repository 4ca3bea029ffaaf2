// Package hal probes the registered device drivers and wires the first
// console device it finds to the kernel formatter.
package hal

import (
	"io"
	"sort"

	"vexos/device"
	"vexos/kernel/kfmt"
)

// activeDrivers tracks all initialized device drivers.
var activeDrivers []device.Driver

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers. The first successfully initialized driver that implements
// io.Writer becomes the kfmt output sink; buffered early output is flushed to
// it.
func DetectHardware() {
	drivers := device.DriverList()
	sort.Slice(drivers, func(i, j int) bool { return drivers[i].Order < drivers[j].Order })

	for _, info := range drivers {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		if err := drv.DriverInit(); err != nil {
			kfmt.Printf("[hal] %s: init failed: %s\n", drv.DriverName(), err.Message)
			continue
		}

		activeDrivers = append(activeDrivers, drv)

		if w, isWriter := drv.(io.Writer); isWriter && kfmt.GetOutputSink() == nil {
			kfmt.SetOutputSink(w)
		}

		major, minor, patch := drv.DriverVersion()
		kfmt.Printf("[hal] %s(%d.%d.%d): initialized\n", drv.DriverName(), major, minor, patch)
	}
}

// ActiveDrivers returns the drivers initialized by DetectHardware.
func ActiveDrivers() []device.Driver {
	return activeDrivers
}
