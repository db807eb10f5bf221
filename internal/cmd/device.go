package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Alia5/uvperf/driver"
)

// Hex is an integer flag that also accepts 0x-prefixed values.
type Hex uint16

func (h *Hex) UnmarshalText(text []byte) error {
	n, err := strconv.ParseUint(strings.TrimSpace(string(text)), 0, 16)
	if err != nil {
		return fmt.Errorf("invalid number %q", text)
	}
	*h = Hex(n)
	return nil
}

func (h Hex) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("0x%04x", uint16(h))), nil
}

// ErrNoDevice is returned when no listed device matches the selector.
var ErrNoDevice = errors.New("no matching device")

// DeviceSelector picks a backend and one of its devices.
type DeviceSelector struct {
	Driver string `help:"USB backend (usbfs, sim)" default:"usbfs" env:"UVPERF_DRIVER"`
	Vid    Hex    `help:"Vendor ID; 0 matches any" default:"0x1004" env:"UVPERF_VID"`
	Pid    Hex    `help:"Product ID; 0 matches any" default:"0xa000" env:"UVPERF_PID"`
	Index  int    `help:"Pick the n-th matching device" default:"0" env:"UVPERF_INDEX"`
}

func (d DeviceSelector) backend() (driver.Driver, error) {
	drv := driver.Lookup(d.Driver)
	if drv == nil {
		return nil, fmt.Errorf("unknown driver %q (available: %s)", d.Driver, strings.Join(driver.Names(), ", "))
	}
	return drv, nil
}

func (d DeviceSelector) matches(info driver.Info) bool {
	if d.Vid != 0 && uint16(d.Vid) != info.VendorID {
		return false
	}
	if d.Pid != 0 && uint16(d.Pid) != info.ProductID {
		return false
	}
	return true
}

// find lists the backend and returns the selected device.
func (d DeviceSelector) find(ctx context.Context, drv driver.Driver) (driver.Info, error) {
	infos, err := drv.List(ctx)
	if err != nil {
		return driver.Info{}, fmt.Errorf("list devices: %w", err)
	}
	n := 0
	for _, info := range infos {
		if !d.matches(info) {
			continue
		}
		if n == d.Index {
			return info, nil
		}
		n++
	}
	return driver.Info{}, fmt.Errorf("%w: %04x:%04x #%d (%d candidates)", ErrNoDevice, uint16(d.Vid), uint16(d.Pid), d.Index, n)
}
