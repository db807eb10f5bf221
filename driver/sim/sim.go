// Package sim is an in-process backend serving simulated usb.Device
// implementations. Transfers on one pipe complete in submission order; an IN
// request the device NAKs is retried until data arrives, the request times
// out or the pipe is aborted.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/Alia5/uvperf/device/benchmark"
	"github.com/Alia5/uvperf/driver"
	"github.com/Alia5/uvperf/usb"
)

// Factory creates a fresh simulated device for every Open.
type Factory func() usb.Device

type entry struct {
	info    driver.Info
	factory Factory
}

// Driver lists and opens registered simulated devices.
type Driver struct {
	mu      sync.Mutex
	entries []entry
}

// New returns an empty Driver.
func New() *Driver { return &Driver{} }

func init() {
	d := New()
	d.Add("benchmark", func() usb.Device { return benchmark.New(nil) })
	driver.Register("sim", d)
}

// Add registers a device. It is assigned the next address on bus 1.
func (d *Driver) Add(name string, f Factory) driver.Info {
	desc := f().GetDescriptor()
	d.mu.Lock()
	defer d.mu.Unlock()
	info := driver.Info{
		Bus:       1,
		Address:   uint8(len(d.entries) + 1),
		VendorID:  desc.Device.IDVendor,
		ProductID: desc.Device.IDProduct,
		Path:      "sim:" + name,
	}
	d.entries = append(d.entries, entry{info: info, factory: f})
	return info
}

func (d *Driver) List(context.Context) ([]driver.Info, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]driver.Info, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.info
	}
	return out, nil
}

// Open instantiates the device matching info by path, or by bus and address.
func (d *Driver) Open(_ context.Context, info driver.Info) (driver.Device, error) {
	d.mu.Lock()
	var f Factory
	for _, e := range d.entries {
		if (info.Path != "" && e.info.Path == info.Path) ||
			(info.Path == "" && e.info.Bus == info.Bus && e.info.Address == info.Address) {
			f = e.factory
			break
		}
	}
	d.mu.Unlock()
	if f == nil {
		return nil, fmt.Errorf("simulated device %s: %w", info, driver.ErrNotFound)
	}

	dev := f()
	// The descriptor goes through its wire form, as a real backend reads it.
	desc, err := usb.ParseDescriptor(dev.GetDescriptor().Bytes())
	if err != nil {
		return nil, fmt.Errorf("simulated device descriptor: %w", err)
	}
	return newDevice(dev, desc), nil
}
