package testing

import (
	"errors"
	"sync"
	"time"

	"github.com/Alia5/uvperf/driver"
	"github.com/Alia5/uvperf/usb"
)

// MockDevice is a scripted driver.Device. Unset hooks succeed with the full
// requested length.
type MockDevice struct {
	Desc *usb.Descriptor

	OnRead    func(ep uint8, buf []byte) (int, error)
	OnWrite   func(ep uint8, buf []byte) (int, error)
	OnControl func(setup usb.SetupPacket, data []byte) (int, error)
	// OnWait scripts the completion of an asynchronous transfer.
	OnWait func(x *MockTransfer, length int) (int, error)
	// OnSubmit may fail a submission.
	OnSubmit func(x *MockTransfer, length int) error

	mu        sync.Mutex
	Resets    map[uint8]int
	Aborts    map[uint8]int
	Policies  map[uint8]driver.PipePolicy
	Claimed   map[uint8]bool
	Alt       map[uint8]uint8
	Transfers []*MockTransfer
	Closed    bool
}

// NewMockDevice returns a device exposing desc.
func NewMockDevice(desc *usb.Descriptor) *MockDevice {
	return &MockDevice{
		Desc:     desc,
		Resets:   map[uint8]int{},
		Aborts:   map[uint8]int{},
		Policies: map[uint8]driver.PipePolicy{},
		Claimed:  map[uint8]bool{},
		Alt:      map[uint8]uint8{},
	}
}

func (m *MockDevice) Descriptor() *usb.Descriptor { return m.Desc }

func (m *MockDevice) ClaimInterface(intf uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Claimed[intf] {
		return driver.ErrBusy
	}
	m.Claimed[intf] = true
	return nil
}

func (m *MockDevice) ReleaseInterface(intf uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Claimed, intf)
	return nil
}

func (m *MockDevice) SetAltSetting(intf, alt uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Alt[intf] = alt
	return nil
}

func (m *MockDevice) SetPipePolicy(ep uint8, p driver.PipePolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Policies[ep] = p
	return nil
}

func (m *MockDevice) Control(setup usb.SetupPacket, data []byte, _ time.Duration) (int, error) {
	if m.OnControl != nil {
		return m.OnControl(setup, data)
	}
	return 0, driver.ErrStall
}

func (m *MockDevice) Read(ep uint8, buf []byte, _ time.Duration) (int, error) {
	if m.OnRead != nil {
		return m.OnRead(ep, buf)
	}
	return len(buf), nil
}

func (m *MockDevice) Write(ep uint8, buf []byte, _ time.Duration) (int, error) {
	if m.OnWrite != nil {
		return m.OnWrite(ep, buf)
	}
	return len(buf), nil
}

func (m *MockDevice) NewTransfer(pipe usb.Pipe, buf []byte, isoPackets int) (driver.Transfer, error) {
	x := &MockTransfer{dev: m, Pipe: pipe, Buf: buf, Packets: isoPackets}
	m.mu.Lock()
	m.Transfers = append(m.Transfers, x)
	m.mu.Unlock()
	return x, nil
}

func (m *MockDevice) AbortPipe(ep uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Aborts[ep]++
	return nil
}

func (m *MockDevice) ResetPipe(ep uint8) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Resets[ep]++
	return nil
}

func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// ResetCount returns how often ep was reset.
func (m *MockDevice) ResetCount(ep uint8) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Resets[ep]
}

// AbortCount returns how often ep was aborted.
func (m *MockDevice) AbortCount(ep uint8) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Aborts[ep]
}

// TransferCount returns the number of allocated transfers.
func (m *MockDevice) TransferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Transfers)
}

// MockTransfer is the driver.Transfer of a MockDevice.
type MockTransfer struct {
	dev     *MockDevice
	Pipe    usb.Pipe
	Buf     []byte
	Packets int

	InFlight bool
	Length   int
	Submits  int
	Freed    bool
	Iso      []driver.IsoPacket
}

func (x *MockTransfer) Submit(length int) error {
	if x.InFlight {
		return driver.ErrInFlight
	}
	if x.dev.OnSubmit != nil {
		if err := x.dev.OnSubmit(x, length); err != nil {
			return err
		}
	}
	x.InFlight = true
	x.Length = length
	x.Submits++
	return nil
}

func (x *MockTransfer) Wait(_ time.Duration) (int, error) {
	if !x.InFlight {
		return 0, driver.ErrNotFound
	}
	n, err := x.Length, error(nil)
	if x.dev.OnWait != nil {
		n, err = x.dev.OnWait(x, x.Length)
	}
	if errors.Is(err, driver.ErrWaitTimeout) {
		return 0, err
	}
	x.InFlight = false
	return n, err
}

func (x *MockTransfer) IsoPackets() []driver.IsoPacket { return x.Iso }

func (x *MockTransfer) Cancel() error { return nil }

func (x *MockTransfer) Free() error {
	if x.InFlight {
		return driver.ErrInFlight
	}
	x.Freed = true
	return nil
}

// BulkDescriptor returns a descriptor with one interface holding a bulk IN
// and a bulk OUT endpoint of the given max packet size.
func BulkDescriptor(mps uint16) *usb.Descriptor {
	return &usb.Descriptor{
		Device: usb.DeviceDescriptor{BcdUSB: 0x0200, BMaxPacketSize0: 64, IDVendor: 0x1004, IDProduct: 0xa000},
		Config: usb.ConfigHeader{BConfigurationValue: 1, BMAttributes: 0x80, BMaxPower: 50},
		Interfaces: []usb.InterfaceConfig{{
			Descriptor: usb.InterfaceDescriptor{BInterfaceClass: 0xff},
			Endpoints: []usb.EndpointDescriptor{
				{BEndpointAddress: 0x81, BMAttributes: 0x02, WMaxPacketSize: mps},
				{BEndpointAddress: 0x01, BMAttributes: 0x02, WMaxPacketSize: mps},
			},
		}},
	}
}
