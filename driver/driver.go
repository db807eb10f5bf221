// Package driver defines the capability set the benchmark core consumes from
// a USB backend, and a registry through which backends make themselves
// available by name.
//
// A backend provides device enumeration, device open, synchronous pipe I/O,
// asynchronous transfers bound to caller-owned buffers, pipe abort/reset and
// control transfers. The core never depends on a specific backend.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/Alia5/uvperf/usb"
)

// Info identifies an attached device as reported by Driver.List.
type Info struct {
	Bus       uint8
	Address   uint8
	VendorID  uint16
	ProductID uint16
	// Path is backend specific (a usbfs node path, a simulated device name).
	Path string
}

func (i Info) String() string {
	return fmt.Sprintf("%03d:%03d %04x:%04x %s", i.Bus, i.Address, i.VendorID, i.ProductID, i.Path)
}

// Driver enumerates and opens devices.
type Driver interface {
	List(ctx context.Context) ([]Info, error)
	Open(ctx context.Context, info Info) (Device, error)
}

// PipePolicy carries per-pipe transfer policies.
type PipePolicy struct {
	// RawIO asks the backend to hand buffers to the controller without
	// splitting them into max-packet sized requests.
	RawIO bool
	// IsoASAP schedules isochronous transfers at the next available frame
	// rather than a computed start frame.
	IsoASAP bool
}

// Device is an opened USB device.
//
// Read, Write, AbortPipe and ResetPipe may be called concurrently for
// different pipes. AbortPipe and ResetPipe may also be called concurrently
// with transfers on the same pipe.
type Device interface {
	// Descriptor returns the device and active configuration descriptors.
	Descriptor() *usb.Descriptor

	ClaimInterface(intf uint8) error
	ReleaseInterface(intf uint8) error
	SetAltSetting(intf, alt uint8) error
	SetPipePolicy(ep uint8, policy PipePolicy) error

	// Control performs a control transfer on EP0 and returns the number of
	// data stage bytes moved.
	Control(setup usb.SetupPacket, data []byte, timeout time.Duration) (int, error)

	// Read and Write are blocking transfers on a bulk or interrupt pipe.
	Read(ep uint8, buf []byte, timeout time.Duration) (int, error)
	Write(ep uint8, buf []byte, timeout time.Duration) (int, error)

	// NewTransfer allocates an asynchronous transfer handle bound to buf.
	// isoPackets must be non-zero for isochronous pipes and is the number of
	// equally sized packets buf is split into.
	NewTransfer(pipe usb.Pipe, buf []byte, isoPackets int) (Transfer, error)

	// AbortPipe cancels every outstanding transfer on ep without waiting.
	AbortPipe(ep uint8) error
	// ResetPipe clears a halt/stall condition on ep.
	ResetPipe(ep uint8) error

	Close() error
}

// IsoPacket is the per-packet result of an isochronous transfer.
type IsoPacket struct {
	Length       int
	ActualLength int
	// Status is zero on success, a backend status code otherwise.
	Status int
}

// Transfer is a reusable asynchronous request handle bound to one pipe and
// one buffer. It is not safe for concurrent use except Cancel.
type Transfer interface {
	// Submit queues the first length bytes of the bound buffer. A nil
	// error means the request is in flight.
	Submit(length int) error
	// Wait blocks until the in-flight request completes or timeout expires.
	// An expired wait returns ErrWaitTimeout and leaves the request in flight.
	Wait(timeout time.Duration) (int, error)
	// IsoPackets returns the packet results of the last completed request.
	IsoPackets() []IsoPacket
	// Cancel asks the backend to cancel the in-flight request. Completion
	// is still observed through Wait.
	Cancel() error
	// Free releases backend resources. The handle must not be in flight.
	Free() error
}
