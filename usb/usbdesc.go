// Package usb contains USB descriptor types, a raw descriptor parser and
// helpers for reasoning about pipes.
package usb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// USB descriptor type constants
const (
	DeviceDescType       = 0x01
	ConfigDescType       = 0x02
	StringDescType       = 0x03
	InterfaceDescType    = 0x04
	EndpointDescType     = 0x05
	SSEndpointCompanType = 0x30
)

// Descriptor lengths in bytes (fixed by USB 2.0 chapter 9)
const (
	DeviceDescLen       = 18
	ConfigDescLen       = 9
	InterfaceDescLen    = 9
	EndpointDescLen     = 7
	SSEndpointCompanLen = 6
)

// ErrShortDescriptor is returned when raw descriptor data ends mid-descriptor.
var ErrShortDescriptor = errors.New("usb: short descriptor")

// Descriptor holds the device descriptor and the interfaces of the active
// configuration. Every alternate setting is its own InterfaceConfig entry.
type Descriptor struct {
	Device     DeviceDescriptor
	Config     ConfigHeader
	Interfaces []InterfaceConfig
	Strings    map[uint8]string
}

// InterfaceConfig holds the descriptors of one interface alternate setting.
type InterfaceConfig struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor
}

// DeviceDescriptor represents the standard USB device descriptor.
// BLength is computed dynamically; BDescriptorType is implied DeviceDescType.
type DeviceDescriptor struct {
	BcdUSB             uint16 // LE
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16 // LE
	IDProduct          uint16 // LE
	BcdDevice          uint16 // LE
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
}

func (d DeviceDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(DeviceDescLen)
	b.WriteByte(DeviceDescType)
	_ = binary.Write(b, binary.LittleEndian, d.BcdUSB)
	b.WriteByte(d.BDeviceClass)
	b.WriteByte(d.BDeviceSubClass)
	b.WriteByte(d.BDeviceProtocol)
	b.WriteByte(d.BMaxPacketSize0)
	_ = binary.Write(b, binary.LittleEndian, d.IDVendor)
	_ = binary.Write(b, binary.LittleEndian, d.IDProduct)
	_ = binary.Write(b, binary.LittleEndian, d.BcdDevice)
	b.WriteByte(d.IManufacturer)
	b.WriteByte(d.IProduct)
	b.WriteByte(d.ISerialNumber)
	b.WriteByte(d.BNumConfigurations)
}

// ConfigHeader represents the USB configuration descriptor header (9 bytes).
type ConfigHeader struct {
	WTotalLength        uint16 // LE, patched by Bytes
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BMAttributes        uint8
	BMaxPower           uint8
}

func (h ConfigHeader) Write(b *bytes.Buffer) {
	b.WriteByte(ConfigDescLen)
	b.WriteByte(ConfigDescType)
	_ = binary.Write(b, binary.LittleEndian, h.WTotalLength)
	b.WriteByte(h.BNumInterfaces)
	b.WriteByte(h.BConfigurationValue)
	b.WriteByte(h.IConfiguration)
	b.WriteByte(h.BMAttributes)
	b.WriteByte(h.BMaxPower)
}

// InterfaceDescriptor (9 bytes) for each interface altsetting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

func (i InterfaceDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(InterfaceDescLen)
	b.WriteByte(InterfaceDescType)
	b.WriteByte(i.BInterfaceNumber)
	b.WriteByte(i.BAlternateSetting)
	b.WriteByte(i.BNumEndpoints)
	b.WriteByte(i.BInterfaceClass)
	b.WriteByte(i.BInterfaceSubClass)
	b.WriteByte(i.BInterfaceProtocol)
	b.WriteByte(i.IInterface)
}

// EndpointDescriptor (7 bytes) for each endpoint, plus the optional
// SuperSpeed endpoint companion that follows it.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16 // LE
	BInterval        uint8

	Companion *SSEndpointCompanion
}

func (e EndpointDescriptor) Write(b *bytes.Buffer) {
	b.WriteByte(EndpointDescLen)
	b.WriteByte(EndpointDescType)
	b.WriteByte(e.BEndpointAddress)
	b.WriteByte(e.BMAttributes)
	_ = binary.Write(b, binary.LittleEndian, e.WMaxPacketSize)
	b.WriteByte(e.BInterval)
	if e.Companion != nil {
		e.Companion.Write(b)
	}
}

// SSEndpointCompanion is the SuperSpeed endpoint companion descriptor.
type SSEndpointCompanion struct {
	BMaxBurst         uint8
	BMAttributes      uint8
	WBytesPerInterval uint16 // LE
}

func (c SSEndpointCompanion) Write(b *bytes.Buffer) {
	b.WriteByte(SSEndpointCompanLen)
	b.WriteByte(SSEndpointCompanType)
	b.WriteByte(c.BMaxBurst)
	b.WriteByte(c.BMAttributes)
	_ = binary.Write(b, binary.LittleEndian, c.WBytesPerInterval)
}

// Bytes returns the device descriptor followed by the configuration
// descriptor with WTotalLength and BNumInterfaces filled in, the same
// layout usbfs exposes when reading a device node.
func (d Descriptor) Bytes() []byte {
	var body bytes.Buffer
	ifaces := map[uint8]struct{}{}
	for _, ic := range d.Interfaces {
		ifaces[ic.Descriptor.BInterfaceNumber] = struct{}{}
		desc := ic.Descriptor
		desc.BNumEndpoints = uint8(len(ic.Endpoints))
		desc.Write(&body)
		for _, ep := range ic.Endpoints {
			ep.Write(&body)
		}
	}

	hdr := d.Config
	hdr.WTotalLength = uint16(ConfigDescLen + body.Len())
	hdr.BNumInterfaces = uint8(len(ifaces))

	var b bytes.Buffer
	dev := d.Device
	if dev.BNumConfigurations == 0 {
		dev.BNumConfigurations = 1
	}
	dev.Write(&b)
	hdr.Write(&b)
	b.Write(body.Bytes())
	return b.Bytes()
}

// ParseDescriptor decodes raw descriptor data as read from a usbfs device
// node: one device descriptor followed by configuration descriptors. Only
// the first configuration is retained. Unknown class descriptors are skipped.
func ParseDescriptor(raw []byte) (*Descriptor, error) {
	if len(raw) < DeviceDescLen {
		return nil, ErrShortDescriptor
	}
	if raw[1] != DeviceDescType {
		return nil, fmt.Errorf("usb: expected device descriptor, got type 0x%02x", raw[1])
	}
	d := &Descriptor{
		Device: DeviceDescriptor{
			BcdUSB:             binary.LittleEndian.Uint16(raw[2:]),
			BDeviceClass:       raw[4],
			BDeviceSubClass:    raw[5],
			BDeviceProtocol:    raw[6],
			BMaxPacketSize0:    raw[7],
			IDVendor:           binary.LittleEndian.Uint16(raw[8:]),
			IDProduct:          binary.LittleEndian.Uint16(raw[10:]),
			BcdDevice:          binary.LittleEndian.Uint16(raw[12:]),
			IManufacturer:      raw[14],
			IProduct:           raw[15],
			ISerialNumber:      raw[16],
			BNumConfigurations: raw[17],
		},
	}

	rest := raw[raw[0]:]
	if len(rest) == 0 {
		return d, nil
	}
	if len(rest) < ConfigDescLen || rest[1] != ConfigDescType {
		return nil, fmt.Errorf("usb: malformed configuration descriptor: %w", ErrShortDescriptor)
	}
	d.Config = ConfigHeader{
		WTotalLength:        binary.LittleEndian.Uint16(rest[2:]),
		BNumInterfaces:      rest[4],
		BConfigurationValue: rest[5],
		IConfiguration:      rest[6],
		BMAttributes:        rest[7],
		BMaxPower:           rest[8],
	}
	total := int(d.Config.WTotalLength)
	if total > len(rest) {
		return nil, ErrShortDescriptor
	}

	var cur *InterfaceConfig
	var lastEp *EndpointDescriptor
	for off := int(rest[0]); off < total; {
		l := int(rest[off])
		if l < 2 || off+l > total {
			return nil, ErrShortDescriptor
		}
		b := rest[off : off+l]
		switch b[1] {
		case InterfaceDescType:
			if l < InterfaceDescLen {
				return nil, ErrShortDescriptor
			}
			d.Interfaces = append(d.Interfaces, InterfaceConfig{
				Descriptor: InterfaceDescriptor{
					BInterfaceNumber:   b[2],
					BAlternateSetting:  b[3],
					BNumEndpoints:      b[4],
					BInterfaceClass:    b[5],
					BInterfaceSubClass: b[6],
					BInterfaceProtocol: b[7],
					IInterface:         b[8],
				},
			})
			cur = &d.Interfaces[len(d.Interfaces)-1]
			lastEp = nil
		case EndpointDescType:
			if l < EndpointDescLen {
				return nil, ErrShortDescriptor
			}
			if cur == nil {
				return nil, errors.New("usb: endpoint descriptor outside interface")
			}
			cur.Endpoints = append(cur.Endpoints, EndpointDescriptor{
				BEndpointAddress: b[2],
				BMAttributes:     b[3],
				WMaxPacketSize:   binary.LittleEndian.Uint16(b[4:]),
				BInterval:        b[6],
			})
			lastEp = &cur.Endpoints[len(cur.Endpoints)-1]
		case SSEndpointCompanType:
			if l >= SSEndpointCompanLen && lastEp != nil {
				lastEp.Companion = &SSEndpointCompanion{
					BMaxBurst:         b[2],
					BMAttributes:      b[3],
					WBytesPerInterval: binary.LittleEndian.Uint16(b[4:]),
				}
			}
		}
		off += l
	}
	return d, nil
}

// FindInterface returns the alternate setting alt of interface intf, or nil.
func (d *Descriptor) FindInterface(intf, alt uint8) *InterfaceConfig {
	for i := range d.Interfaces {
		ic := &d.Interfaces[i]
		if ic.Descriptor.BInterfaceNumber == intf && ic.Descriptor.BAlternateSetting == alt {
			return ic
		}
	}
	return nil
}
