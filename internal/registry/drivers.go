// Package registry links every driver backend into the binary.
package registry

import (
	_ "github.com/Alia5/uvperf/driver/sim"   // Register the simulated backend
	_ "github.com/Alia5/uvperf/driver/usbfs" // Register the Linux usbfs backend
)
