package usb

import "fmt"

// TransferType is the endpoint transfer class from bmAttributes bits 0..1.
type TransferType uint8

const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "Control"
	case TransferIsochronous:
		return "Isochronous"
	case TransferBulk:
		return "Bulk"
	case TransferInterrupt:
		return "Interrupt"
	default:
		return "Unknown"
	}
}

// Direction of a pipe relative to the host.
type Direction uint8

const (
	DirOut Direction = 0x00
	DirIn  Direction = 0x80
)

func (d Direction) String() string {
	if d == DirIn {
		return "in"
	}
	return "out"
}

// EndpointDirMask selects the direction bit of an endpoint address.
const EndpointDirMask = 0x80

// Pipe describes one endpoint of the selected interface alternate setting.
type Pipe struct {
	Address       uint8
	Type          TransferType
	MaxPacketSize uint16
	Interval      uint8
	// MaxBytesPerInterval is the payload an isochronous or interrupt pipe
	// may move per service interval.
	MaxBytesPerInterval uint32
}

// Direction reports whether the pipe is IN or OUT.
func (p Pipe) Direction() Direction {
	return Direction(p.Address & EndpointDirMask)
}

// IsIn is shorthand for p.Direction() == DirIn.
func (p Pipe) IsIn() bool { return p.Address&EndpointDirMask != 0 }

func (p Pipe) String() string {
	return fmt.Sprintf("%s %s EP%02Xh", p.Type, p.Direction(), p.Address)
}

// PipeFromEndpoint builds a Pipe from an endpoint descriptor. For high-speed
// high-bandwidth endpoints wMaxPacketSize bits 11..12 carry the number of
// additional transactions per microframe; a SuperSpeed companion, when
// present, is authoritative.
func PipeFromEndpoint(ep EndpointDescriptor) Pipe {
	base := uint32(ep.WMaxPacketSize & 0x07ff)
	mult := uint32((ep.WMaxPacketSize>>11)&0x03) + 1
	p := Pipe{
		Address:             ep.BEndpointAddress,
		Type:                TransferType(ep.BMAttributes & 0x03),
		MaxPacketSize:       ep.WMaxPacketSize & 0x07ff,
		Interval:            ep.BInterval,
		MaxBytesPerInterval: base * mult,
	}
	if ep.Companion != nil && ep.Companion.WBytesPerInterval != 0 {
		p.MaxBytesPerInterval = uint32(ep.Companion.WBytesPerInterval)
	}
	if p.Type == TransferBulk || p.Type == TransferControl {
		p.MaxBytesPerInterval = base
	}
	return p
}

// Pipes returns the pipes of an interface alternate setting.
func (ic InterfaceConfig) Pipes() []Pipe {
	out := make([]Pipe, 0, len(ic.Endpoints))
	for _, ep := range ic.Endpoints {
		out = append(out, PipeFromEndpoint(ep))
	}
	return out
}
