//go:build linux

package usbfs

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/Alia5/uvperf/driver"
	"github.com/Alia5/uvperf/usb"
)

const reapPollInterval = 100 * time.Millisecond

// reapEvents is the poll event usbfs raises while a completed URB waits to
// be reaped.
const reapEvents = unix.POLLOUT

// device is an opened usbfs node. Completed URBs are collected by a single
// reaper goroutine and handed to the owning transfer.
type device struct {
	fd     int
	info   driver.Info
	desc   *usb.Descriptor
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[uintptr]*transfer
	policies map[uint8]driver.PipePolicy
	detached map[uint8]bool
	claimed  map[uint8]bool

	gone   atomic.Bool
	closed chan struct{}
	reaped chan struct{}
}

func newDevice(fd int, info driver.Info, desc *usb.Descriptor, logger *slog.Logger) *device {
	d := &device{
		fd:       fd,
		info:     info,
		desc:     desc,
		logger:   logger,
		pending:  make(map[uintptr]*transfer),
		policies: make(map[uint8]driver.PipePolicy),
		detached: make(map[uint8]bool),
		claimed:  make(map[uint8]bool),
		closed:   make(chan struct{}),
		reaped:   make(chan struct{}),
	}
	go d.reap()
	return d
}

func (d *device) Descriptor() *usb.Descriptor { return d.desc }

// ClaimInterface claims intf, detaching a bound kernel driver once if the
// interface is busy.
func (d *device) ClaimInterface(intf uint8) error {
	n := uint32(intf)
	_, err := ioctl(d.fd, ioctlClaim, unsafe.Pointer(&n))
	if errors.Is(err, unix.EBUSY) {
		cmd := usbIoctl{ifno: int32(intf), code: int32(ioctlDisconnect)}
		if _, derr := ioctl(d.fd, ioctlIoctl, unsafe.Pointer(&cmd)); derr == nil {
			d.mu.Lock()
			d.detached[intf] = true
			d.mu.Unlock()
			d.logger.Info("Detached kernel driver", "interface", intf)
			_, err = ioctl(d.fd, ioctlClaim, unsafe.Pointer(&n))
		}
	}
	if err != nil {
		return wrapErr("claim interface", err)
	}
	d.mu.Lock()
	d.claimed[intf] = true
	d.mu.Unlock()
	return nil
}

// ReleaseInterface releases intf and reattaches a kernel driver detached by
// ClaimInterface.
func (d *device) ReleaseInterface(intf uint8) error {
	n := uint32(intf)
	var errs error
	if _, err := ioctl(d.fd, ioctlRelease, unsafe.Pointer(&n)); err != nil {
		errs = multierr.Append(errs, wrapErr("release interface", err))
	}
	d.mu.Lock()
	reattach := d.detached[intf]
	delete(d.detached, intf)
	delete(d.claimed, intf)
	d.mu.Unlock()
	if reattach {
		cmd := usbIoctl{ifno: int32(intf), code: int32(ioctlConnect)}
		if _, err := ioctl(d.fd, ioctlIoctl, unsafe.Pointer(&cmd)); err != nil {
			errs = multierr.Append(errs, wrapErr("reattach kernel driver", err))
		}
	}
	return errs
}

func (d *device) SetAltSetting(intf, alt uint8) error {
	si := setInterface{intf: uint32(intf), alt: uint32(alt)}
	if _, err := ioctl(d.fd, ioctlSetInterface, unsafe.Pointer(&si)); err != nil {
		return wrapErr("set alternate setting", err)
	}
	return nil
}

// SetPipePolicy records the policy of ep. usbfs submits every URB whole, so
// RawIO needs no action; IsoASAP is applied to isochronous URBs.
func (d *device) SetPipePolicy(ep uint8, p driver.PipePolicy) error {
	d.mu.Lock()
	d.policies[ep] = p
	d.mu.Unlock()
	if p.RawIO {
		d.logger.Debug("Raw I/O requested, usbfs URBs are never split", "ep", fmt.Sprintf("%02Xh", ep))
	}
	return nil
}

func (d *device) policy(ep uint8) driver.PipePolicy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.policies[ep]
}

func (d *device) Control(setup usb.SetupPacket, data []byte, timeout time.Duration) (int, error) {
	ct := ctrlTransfer{
		requestType: setup.RequestType,
		request:     setup.Request,
		value:       setup.Value,
		index:       setup.Index,
		length:      uint16(min(int(setup.Length), len(data))),
		timeout:     uint32(timeout.Milliseconds()),
	}
	if len(data) > 0 {
		ct.data = uintptr(unsafe.Pointer(&data[0]))
	}
	n, err := ioctl(d.fd, ioctlControl, unsafe.Pointer(&ct))
	if err != nil {
		return 0, wrapErr("control transfer", err)
	}
	return n, nil
}

func (d *device) bulk(ep uint8, buf []byte, timeout time.Duration) (int, error) {
	bt := bulkTransfer{
		endpoint: uint32(ep),
		length:   uint32(len(buf)),
		timeout:  uint32(timeout.Milliseconds()),
	}
	if len(buf) > 0 {
		bt.data = uintptr(unsafe.Pointer(&buf[0]))
	}
	n, err := ioctl(d.fd, ioctlBulk, unsafe.Pointer(&bt))
	if err != nil {
		return 0, wrapErr(fmt.Sprintf("bulk transfer EP%02Xh", ep), err)
	}
	return n, nil
}

func (d *device) Read(ep uint8, buf []byte, timeout time.Duration) (int, error) {
	return d.bulk(ep|usb.EndpointDirMask, buf, timeout)
}

func (d *device) Write(ep uint8, buf []byte, timeout time.Duration) (int, error) {
	return d.bulk(ep&^usb.EndpointDirMask, buf, timeout)
}

func (d *device) NewTransfer(pipe usb.Pipe, buf []byte, isoPackets int) (driver.Transfer, error) {
	if pipe.Type == usb.TransferIsochronous && isoPackets <= 0 {
		return nil, fmt.Errorf("isochronous transfer needs a packet count: %w", driver.ErrIO)
	}
	if pipe.Type != usb.TransferIsochronous {
		isoPackets = 0
	}
	mem := make([]byte, urbSize+uintptr(isoPackets)*isoDescSize)
	return &transfer{
		dev:     d,
		pipe:    pipe,
		buf:     buf,
		mem:     mem,
		u:       (*urb)(unsafe.Pointer(&mem[0])),
		packets: isoPackets,
		done:    make(chan struct{}, 1),
	}, nil
}

// AbortPipe discards every URB pending on ep. The discarded URBs complete
// with a cancelled status.
func (d *device) AbortPipe(ep uint8) error {
	d.mu.Lock()
	var victims []*transfer
	for _, x := range d.pending {
		if x.pipe.Address == ep {
			victims = append(victims, x)
		}
	}
	d.mu.Unlock()

	var errs error
	for _, x := range victims {
		errs = multierr.Append(errs, x.Cancel())
	}
	return errs
}

func (d *device) ResetPipe(ep uint8) error {
	n := uint32(ep)
	if _, err := ioctl(d.fd, ioctlClearHalt, unsafe.Pointer(&n)); err != nil {
		return wrapErr("clear halt", err)
	}
	return nil
}

// Close discards pending URBs, releases claimed interfaces and closes the
// node.
func (d *device) Close() error {
	select {
	case <-d.closed:
		return driver.ErrClosed
	default:
	}

	d.mu.Lock()
	var pending []*transfer
	for _, x := range d.pending {
		pending = append(pending, x)
	}
	var claimed []uint8
	for intf := range d.claimed {
		claimed = append(claimed, intf)
	}
	d.mu.Unlock()

	var errs error
	for _, x := range pending {
		errs = multierr.Append(errs, x.Cancel())
	}
	for _, intf := range claimed {
		errs = multierr.Append(errs, d.ReleaseInterface(intf))
	}
	close(d.closed)
	<-d.reaped
	errs = multierr.Append(errs, unix.Close(d.fd))
	return errs
}

// reap collects completed URBs until the device is closed or disappears.
func (d *device) reap() {
	defer close(d.reaped)
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: reapEvents}}
	for {
		select {
		case <-d.closed:
			return
		default:
		}
		fds[0].Revents = 0
		n, err := unix.Poll(fds, int(reapPollInterval.Milliseconds()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			d.logger.Error("Poll failed", "error", err)
			d.failAll(wrapErr("poll", err))
			return
		}
		if n == 0 {
			continue
		}
		switch pollState(fds[0].Revents) {
		case pollGone:
			d.gone.Store(true)
			d.logger.Error("Device disconnected", "device", d.info)
			d.failAll(statusError("reap", unix.ENODEV))
			return
		case pollReady:
			d.drain()
		}
	}
}

const (
	pollIdle = iota
	pollReady
	pollGone
)

// pollState classifies the revents of the device node.
func pollState(revents int16) int {
	switch {
	case revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0:
		return pollGone
	case revents&reapEvents != 0:
		return pollReady
	}
	return pollIdle
}

// drain reaps every URB that is ready.
func (d *device) drain() {
	for {
		var ptr uintptr
		if _, err := ioctl(d.fd, ioctlReapURBNDelay, unsafe.Pointer(&ptr)); err != nil {
			if !errors.Is(err, unix.EAGAIN) {
				d.logger.Debug("Reap stopped", "error", err)
			}
			return
		}
		d.mu.Lock()
		x := d.pending[ptr]
		delete(d.pending, ptr)
		d.mu.Unlock()
		if x == nil {
			d.logger.Warn("Reaped unknown URB")
			continue
		}
		x.complete()
	}
}

func (d *device) failAll(err error) {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[uintptr]*transfer)
	d.mu.Unlock()
	for _, x := range pending {
		x.fail(err)
	}
}

// transfer is a reusable URB bound to one caller buffer.
type transfer struct {
	dev     *device
	pipe    usb.Pipe
	buf     []byte
	mem     []byte
	u       *urb
	packets int

	inFlight bool
	done     chan struct{}
	n        int
	err      error
	iso      []driver.IsoPacket
}

func (x *transfer) key() uintptr { return uintptr(unsafe.Pointer(x.u)) }

func (x *transfer) descs() []isoPacketDesc {
	if x.packets == 0 {
		return nil
	}
	return unsafe.Slice((*isoPacketDesc)(unsafe.Add(unsafe.Pointer(x.u), urbSize)), x.packets)
}

func (x *transfer) Submit(length int) error {
	if x.inFlight {
		return driver.ErrInFlight
	}
	if x.dev.gone.Load() {
		return statusError("submit", unix.ENODEV)
	}
	length = min(length, len(x.buf))

	*x.u = urb{
		typ:      urbType(x.pipe.Type),
		endpoint: x.pipe.Address,
	}
	if length > 0 {
		x.u.buffer = uintptr(unsafe.Pointer(&x.buf[0]))
	}
	x.u.bufferLength = int32(length)
	if x.packets > 0 {
		x.u.numberOfPackets = int32(x.packets)
		if x.dev.policy(x.pipe.Address).IsoASAP {
			x.u.flags |= urbFlagIsoASAP
		}
		per := uint32(length / x.packets)
		descs := x.descs()
		for i := range descs {
			descs[i] = isoPacketDesc{length: per}
		}
	}

	select {
	case <-x.done:
	default:
	}
	x.n, x.err, x.iso = 0, nil, nil

	x.dev.mu.Lock()
	x.dev.pending[x.key()] = x
	x.dev.mu.Unlock()

	if _, err := ioctl(x.dev.fd, ioctlSubmitURB, unsafe.Pointer(x.u)); err != nil {
		x.dev.mu.Lock()
		delete(x.dev.pending, x.key())
		x.dev.mu.Unlock()
		return wrapErr(fmt.Sprintf("submit URB EP%02Xh", x.pipe.Address), err)
	}
	x.inFlight = true
	return nil
}

// complete runs on the reaper goroutine.
func (x *transfer) complete() {
	u := x.u
	x.n = int(u.actualLength)
	if u.status != 0 {
		x.err = statusError(fmt.Sprintf("URB EP%02Xh", x.pipe.Address), unix.Errno(-u.status))
	}
	if x.packets > 0 {
		descs := x.descs()
		x.iso = make([]driver.IsoPacket, len(descs))
		for i, p := range descs {
			x.iso[i] = driver.IsoPacket{
				Length:       int(p.length),
				ActualLength: int(p.actualLength),
				Status:       int(int32(p.status)),
			}
		}
	}
	x.done <- struct{}{}
}

func (x *transfer) fail(err error) {
	x.n, x.err = 0, err
	x.done <- struct{}{}
}

// Wait blocks until the reaper delivered the completion. A timeout of zero
// or less waits forever.
func (x *transfer) Wait(timeout time.Duration) (int, error) {
	if !x.inFlight {
		return 0, fmt.Errorf("wait on idle transfer: %w", driver.ErrNotFound)
	}
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case <-x.done:
		x.inFlight = false
		return x.n, x.err
	case <-expire:
		return 0, driver.ErrWaitTimeout
	}
}

func (x *transfer) IsoPackets() []driver.IsoPacket { return x.iso }

// Cancel discards the URB. A URB that already completed is not an error.
func (x *transfer) Cancel() error {
	x.dev.mu.Lock()
	_, pending := x.dev.pending[x.key()]
	x.dev.mu.Unlock()
	if !pending {
		return nil
	}
	if _, err := ioctl(x.dev.fd, ioctlDiscardURB, unsafe.Pointer(x.u)); err != nil && !errors.Is(err, unix.EINVAL) {
		return wrapErr("discard URB", err)
	}
	return nil
}

func (x *transfer) Free() error {
	if x.inFlight {
		return driver.ErrInFlight
	}
	x.buf = nil
	x.mem = nil
	x.u = nil
	return nil
}
