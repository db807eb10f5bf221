// Package usbfs is the Linux backend. It talks to /dev/bus/usb device nodes
// with usbdevfs ioctls; asynchronous transfers are URBs collected by one
// reaper goroutine per device. On other systems the package registers
// nothing.
package usbfs
