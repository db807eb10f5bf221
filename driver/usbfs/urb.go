//go:build linux

package usbfs

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Alia5/uvperf/driver"
	"github.com/Alia5/uvperf/usb"
)

// URB types and flags of struct usbdevfs_urb.
const (
	urbTypeIso       = 0
	urbTypeInterrupt = 1
	urbTypeControl   = 2
	urbTypeBulk      = 3

	urbFlagIsoASAP = 0x02
)

// urb matches struct usbdevfs_urb. Isochronous packet descriptors follow it
// in the same allocation.
type urb struct {
	typ             uint8
	endpoint        uint8
	status          int32
	flags           uint32
	buffer          uintptr
	bufferLength    int32
	actualLength    int32
	startFrame      int32
	numberOfPackets int32
	errorCount      int32
	signr           uint32
	userContext     uintptr
}

// isoPacketDesc matches struct usbdevfs_iso_packet_desc.
type isoPacketDesc struct {
	length       uint32
	actualLength uint32
	status       uint32
}

var (
	urbSize     = unsafe.Sizeof(urb{})
	isoDescSize = unsafe.Sizeof(isoPacketDesc{})
)

// ctrlTransfer matches struct usbdevfs_ctrltransfer.
type ctrlTransfer struct {
	requestType uint8
	request     uint8
	value       uint16
	index       uint16
	length      uint16
	timeout     uint32
	data        uintptr
}

// bulkTransfer matches struct usbdevfs_bulktransfer.
type bulkTransfer struct {
	endpoint uint32
	length   uint32
	timeout  uint32
	data     uintptr
}

type setInterface struct {
	intf uint32
	alt  uint32
}

// usbIoctl matches struct usbdevfs_ioctl.
type usbIoctl struct {
	ifno int32
	code int32
	data uintptr
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return int(r), errno
	}
	return int(r), nil
}

func urbType(t usb.TransferType) uint8 {
	switch t {
	case usb.TransferIsochronous:
		return urbTypeIso
	case usb.TransferInterrupt:
		return urbTypeInterrupt
	case usb.TransferControl:
		return urbTypeControl
	default:
		return urbTypeBulk
	}
}

// statusError maps a usbfs errno, as returned by an ioctl or stored
// negated in urb.status, to the driver error classes.
func statusError(op string, errno unix.Errno) error {
	var class error
	switch errno {
	case unix.ETIMEDOUT:
		class = driver.ErrTimeout
	case unix.ENOENT, unix.ECONNRESET:
		class = driver.ErrCancelled
	case unix.ESHUTDOWN:
		class = driver.ErrAborted
	case unix.EPIPE:
		class = driver.ErrStall
	case unix.ENODEV:
		class = driver.ErrNoDevice
	case unix.EOVERFLOW:
		class = driver.ErrOverflow
	case unix.EBUSY:
		class = driver.ErrBusy
	default:
		class = driver.ErrIO
	}
	return &driver.StatusError{Class: class, Status: int(errno), Op: op}
}

func wrapErr(op string, err error) error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return statusError(op, errno)
	}
	return fmt.Errorf("%s: %w", op, err)
}
