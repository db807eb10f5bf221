//go:build linux

package usbfs

import "unsafe"

// ioctl request encoding shared by the architectures Go supports on Linux
// except mips, ppc and sparc:
//
//	bits 0-7:   command number
//	bits 8-15:  type
//	bits 16-29: argument size
//	bits 30-31: direction
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30

	usbdevfsType = 'U'
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | usbdevfsType<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

func sizeOf[T any]() uintptr {
	var v T
	return unsafe.Sizeof(v)
}

var (
	ioctlControl       = ioc(iocRead|iocWrite, 0, sizeOf[ctrlTransfer]())
	ioctlBulk          = ioc(iocRead|iocWrite, 2, sizeOf[bulkTransfer]())
	ioctlSetInterface  = ioc(iocRead, 4, sizeOf[setInterface]())
	ioctlSubmitURB     = ioc(iocRead, 10, sizeOf[urb]())
	ioctlDiscardURB    = ioc(iocNone, 11, 0)
	ioctlReapURBNDelay = ioc(iocWrite, 13, sizeOf[uintptr]())
	ioctlClaim         = ioc(iocRead, 15, sizeOf[uint32]())
	ioctlRelease       = ioc(iocRead, 16, sizeOf[uint32]())
	ioctlIoctl         = ioc(iocRead|iocWrite, 18, sizeOf[usbIoctl]())
	ioctlClearHalt     = ioc(iocRead, 21, sizeOf[uint32]())

	// Sub-commands passed through ioctlIoctl.
	ioctlDisconnect = ioc(iocNone, 22, 0)
	ioctlConnect    = ioc(iocNone, 23, 0)
)
