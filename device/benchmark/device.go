// Package benchmark provides a simulated benchmark firmware: a vendor
// interface with bulk and isochronous endpoint pairs that streams the
// verification pattern on IN, swallows OUT data, and echoes OUT to IN in
// loop mode.
package benchmark

import (
	"sync"

	"github.com/Alia5/uvperf/bench"
	"github.com/Alia5/uvperf/device"
	"github.com/Alia5/uvperf/usb"
)

// Endpoint addresses of the simulated firmware.
const (
	EPBulkIn  = 0x81
	EPBulkOut = 0x01
	EPIsoIn   = 0x82
	EPIsoOut  = 0x02
)

// DefaultLoopLimit bounds the loop FIFO; OUT data beyond it is dropped.
const DefaultLoopLimit = 4 << 20

// Benchmark implements usb.Device and usb.ControlHandler.
type Benchmark struct {
	descriptor usb.Descriptor

	mu       sync.Mutex
	test     bench.TestType
	sources  map[uint8]*patternSource
	loop     loopFIFO
	received uint64
}

// New returns a Benchmark device in read test mode.
func New(o *device.CreateOptions) *Benchmark {
	d := &Benchmark{
		descriptor: defaultDescriptor(),
		test:       bench.TestRead,
		sources:    make(map[uint8]*patternSource),
		loop:       loopFIFO{limit: DefaultLoopLimit},
	}
	if o != nil {
		if o.IdVendor != nil {
			d.descriptor.Device.IDVendor = *o.IdVendor
		}
		if o.IdProduct != nil {
			d.descriptor.Device.IDProduct = *o.IdProduct
		}
		if o.MaxPacketSize != nil {
			for i := range d.descriptor.Interfaces[0].Endpoints {
				d.descriptor.Interfaces[0].Endpoints[i].WMaxPacketSize = *o.MaxPacketSize
			}
		}
	}
	for _, ic := range d.descriptor.Interfaces {
		for _, p := range ic.Pipes() {
			if p.IsIn() {
				d.sources[p.Address] = newPatternSource(int(p.MaxPacketSize))
			}
		}
	}
	return d
}

func (d *Benchmark) GetDescriptor() *usb.Descriptor { return &d.descriptor }

// TestType returns the active test mode.
func (d *Benchmark) TestType() bench.TestType {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.test
}

// Received returns the number of OUT bytes consumed.
func (d *Benchmark) Received() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.received
}

// HandleControl answers the vendor set-test and get-test requests with the
// active test type. Everything else stalls.
func (d *Benchmark) HandleControl(setup usb.SetupPacket, _ []byte) ([]byte, bool) {
	if setup.RequestType != usb.RequestDirIn|usb.RequestTypeVendor|usb.RecipientDevice || setup.Length < 1 {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch setup.Request {
	case bench.RequestSetTest:
		t := bench.TestType(setup.Value)
		if t != bench.TestRead && t != bench.TestWrite && t != bench.TestLoop {
			return nil, false
		}
		if t != d.test {
			d.loop.reset()
		}
		d.test = t
		return []byte{byte(t)}, true
	case bench.RequestGetTest:
		return []byte{byte(d.test)}, true
	}
	return nil, false
}

// HandleTransfer serves the bulk and isochronous endpoints.
func (d *Benchmark) HandleTransfer(ep uint8, out []byte, length int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if ep&usb.EndpointDirMask == 0 {
		d.received += uint64(len(out))
		if d.test == bench.TestLoop {
			d.loop.push(out)
		}
		return nil
	}

	var src device.Source
	if d.test == bench.TestLoop {
		src = &d.loop
	} else if ps, ok := d.sources[ep]; ok {
		src = ps
	} else {
		return nil
	}
	buf := make([]byte, length)
	n := src.Fill(buf)
	if n < 0 {
		return nil
	}
	return buf[:n]
}

// patternSource streams consecutive pattern chunks.
type patternSource struct {
	pattern bench.Pattern
	key     byte
}

func newPatternSource(mps int) *patternSource {
	return &patternSource{pattern: bench.NewPattern(mps), key: 1}
}

func (s *patternSource) Fill(dst []byte) int {
	s.key = s.pattern.Fill(dst, s.key)
	return len(dst)
}

// loopFIFO holds OUT data until it is read back.
type loopFIFO struct {
	buf     []byte
	limit   int
	dropped uint64
}

func (f *loopFIFO) push(p []byte) {
	room := f.limit - len(f.buf)
	if room < len(p) {
		f.dropped += uint64(len(p) - max(room, 0))
		p = p[:max(room, 0)]
	}
	f.buf = append(f.buf, p...)
}

func (f *loopFIFO) Fill(dst []byte) int {
	if len(f.buf) == 0 {
		return -1
	}
	n := copy(dst, f.buf)
	f.buf = f.buf[n:]
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return n
}

func (f *loopFIFO) reset() {
	f.buf = nil
}

func defaultDescriptor() usb.Descriptor {
	return usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BDeviceClass:       0xff,
			BMaxPacketSize0:    0x40,
			IDVendor:           0x1004,
			IDProduct:          0xa000,
			BcdDevice:          0x0100,
			IManufacturer:      0x01,
			IProduct:           0x02,
			BNumConfigurations: 0x01,
		},
		Config: usb.ConfigHeader{
			BConfigurationValue: 0x01,
			BMAttributes:        0x80, // bus powered
			BMaxPower:           0x32, // 100 mA
		},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{
					BInterfaceNumber:  0x00,
					BAlternateSetting: 0x00,
					BInterfaceClass:   0xff,
				},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: EPBulkIn, BMAttributes: 0x02, WMaxPacketSize: 0x0200},
					{BEndpointAddress: EPBulkOut, BMAttributes: 0x02, WMaxPacketSize: 0x0200},
				},
			},
			{
				Descriptor: usb.InterfaceDescriptor{
					BInterfaceNumber:  0x00,
					BAlternateSetting: 0x01,
					BInterfaceClass:   0xff,
				},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: EPIsoIn, BMAttributes: 0x05, WMaxPacketSize: 0x0400, BInterval: 0x01},
					{BEndpointAddress: EPIsoOut, BMAttributes: 0x05, WMaxPacketSize: 0x0400, BInterval: 0x01},
				},
			},
		},
		Strings: map[uint8]string{
			1: "uvperf",
			2: "Simulated Benchmark Device",
		},
	}
}
