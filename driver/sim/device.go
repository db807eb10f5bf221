package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Alia5/uvperf/driver"
	"github.com/Alia5/uvperf/usb"
)

// nakInterval is the retry period of a NAKed IN request.
const nakInterval = 50 * time.Microsecond

// queueDepth bounds the outstanding asynchronous requests per pipe.
const queueDepth = 1024

type device struct {
	dev  usb.Device
	desc *usb.Descriptor

	// io serializes calls into dev.
	io sync.Mutex

	mu       sync.Mutex
	pipes    map[uint8]*pipe
	claimed  map[uint8]bool
	alts     map[uint8]uint8
	policies map[uint8]driver.PipePolicy
	closed   chan struct{}
	wg       sync.WaitGroup
}

// pipe is the per-endpoint state. Requests queued on it run in order on
// one goroutine.
type pipe struct {
	abort  chan struct{}
	queue  chan *transfer
	resets int
}

func newDevice(dev usb.Device, desc *usb.Descriptor) *device {
	return &device{
		dev:      dev,
		desc:     desc,
		pipes:    make(map[uint8]*pipe),
		claimed:  make(map[uint8]bool),
		alts:     make(map[uint8]uint8),
		policies: make(map[uint8]driver.PipePolicy),
		closed:   make(chan struct{}),
	}
}

func (d *device) Descriptor() *usb.Descriptor { return d.desc }

func (d *device) ClaimInterface(intf uint8) error {
	if d.desc.FindInterface(intf, 0) == nil {
		return driver.ErrNotFound
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.claimed[intf] {
		return driver.ErrBusy
	}
	d.claimed[intf] = true
	return nil
}

func (d *device) ReleaseInterface(intf uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claimed, intf)
	return nil
}

func (d *device) SetAltSetting(intf, alt uint8) error {
	if d.desc.FindInterface(intf, alt) == nil {
		return driver.ErrNotFound
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alts[intf] = alt
	return nil
}

func (d *device) SetPipePolicy(ep uint8, p driver.PipePolicy) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policies[ep] = p
	return nil
}

// maxPacket returns the max packet size of ep in the active alternate
// setting, or 0.
func (d *device) maxPacket(ep uint8) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ic := range d.desc.Interfaces {
		if ic.Descriptor.BAlternateSetting != d.alts[ic.Descriptor.BInterfaceNumber] {
			continue
		}
		for _, p := range ic.Pipes() {
			if p.Address == ep {
				return int(p.MaxPacketSize)
			}
		}
	}
	return 0
}

// checkRaw rejects IN requests a raw pipe cannot take: with raw I/O the
// request length must be a multiple of the max packet size.
func (d *device) checkRaw(ep uint8, n int) error {
	if ep&usb.EndpointDirMask == 0 {
		return nil
	}
	d.mu.Lock()
	raw := d.policies[ep].RawIO
	d.mu.Unlock()
	if !raw {
		return nil
	}
	if mps := d.maxPacket(ep); mps > 0 && n%mps != 0 {
		return fmt.Errorf("raw read of %d bytes is not a multiple of %d: %w", n, mps, driver.ErrIO)
	}
	return nil
}

func (d *device) Control(setup usb.SetupPacket, data []byte, _ time.Duration) (int, error) {
	h, ok := d.dev.(usb.ControlHandler)
	if !ok {
		return 0, driver.ErrStall
	}
	var out []byte
	if !setup.IsIn() {
		out = data[:min(int(setup.Length), len(data))]
	}
	d.io.Lock()
	in, ok := h.HandleControl(setup, out)
	d.io.Unlock()
	if !ok {
		return 0, driver.ErrStall
	}
	if setup.IsIn() {
		return copy(data[:min(int(setup.Length), len(data))], in), nil
	}
	return len(out), nil
}

func (d *device) pipeFor(ep uint8) (*pipe, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case <-d.closed:
		return nil, driver.ErrClosed
	default:
	}
	p, ok := d.pipes[ep]
	if !ok {
		p = &pipe{abort: make(chan struct{}), queue: make(chan *transfer, queueDepth)}
		d.pipes[ep] = p
		d.wg.Add(1)
		go d.serve(p)
	}
	return p, nil
}

func (d *device) abortChan(p *pipe) <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return p.abort
}

// exchange moves one request through the device. IN requests the device
// NAKs are retried until deadline (zero for none) or abort.
func (d *device) exchange(ep uint8, buf []byte, deadline time.Time, abort <-chan struct{}) (int, error) {
	for {
		select {
		case <-abort:
			return 0, driver.ErrCancelled
		case <-d.closed:
			return 0, driver.ErrNoDevice
		default:
		}

		d.io.Lock()
		if ep&usb.EndpointDirMask == 0 {
			d.dev.HandleTransfer(ep, buf, 0)
			d.io.Unlock()
			return len(buf), nil
		}
		data := d.dev.HandleTransfer(ep, nil, len(buf))
		d.io.Unlock()
		if data != nil {
			if len(data) > len(buf) {
				return copy(buf, data), driver.ErrOverflow
			}
			return copy(buf, data), nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return 0, driver.ErrTimeout
		}
		t := time.NewTimer(nakInterval)
		select {
		case <-abort:
			t.Stop()
			return 0, driver.ErrCancelled
		case <-d.closed:
			t.Stop()
			return 0, driver.ErrNoDevice
		case <-t.C:
		}
	}
}

func (d *device) sync(ep uint8, buf []byte, timeout time.Duration) (int, error) {
	p, err := d.pipeFor(ep)
	if err != nil {
		return 0, err
	}
	if err := d.checkRaw(ep, len(buf)); err != nil {
		return 0, err
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	return d.exchange(ep, buf, deadline, d.abortChan(p))
}

func (d *device) Read(ep uint8, buf []byte, timeout time.Duration) (int, error) {
	return d.sync(ep|usb.EndpointDirMask, buf, timeout)
}

func (d *device) Write(ep uint8, buf []byte, timeout time.Duration) (int, error) {
	return d.sync(ep&^usb.EndpointDirMask, buf, timeout)
}

func (d *device) NewTransfer(p usb.Pipe, buf []byte, isoPackets int) (driver.Transfer, error) {
	if p.Type == usb.TransferIsochronous && isoPackets <= 0 {
		return nil, errors.New("isochronous transfer needs a packet count")
	}
	if p.Type != usb.TransferIsochronous {
		isoPackets = 0
	}
	return &transfer{dev: d, pipe: p, buf: buf, packets: isoPackets, done: make(chan struct{}, 1)}, nil
}

// AbortPipe cancels the queued and running requests of ep.
func (d *device) AbortPipe(ep uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pipes[ep]; ok {
		close(p.abort)
		p.abort = make(chan struct{})
	}
	return nil
}

func (d *device) ResetPipe(ep uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pipes[ep]; ok {
		p.resets++
	}
	return nil
}

func (d *device) Close() error {
	d.mu.Lock()
	select {
	case <-d.closed:
		d.mu.Unlock()
		return driver.ErrClosed
	default:
	}
	close(d.closed)
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

// serve runs the queued requests of p in order.
func (d *device) serve(p *pipe) {
	defer d.wg.Done()
	for {
		select {
		case <-d.closed:
			for {
				select {
				case x := <-p.queue:
					x.finish(0, driver.ErrNoDevice)
				default:
					return
				}
			}
		case x := <-p.queue:
			x.run()
		}
	}
}

type transfer struct {
	dev     *device
	pipe    usb.Pipe
	buf     []byte
	packets int
	abort   <-chan struct{}
	length  int

	inFlight bool
	done     chan struct{}
	n        int
	err      error
	iso      []driver.IsoPacket
}

func (x *transfer) Submit(length int) error {
	if x.inFlight {
		return driver.ErrInFlight
	}
	p, err := x.dev.pipeFor(x.pipe.Address)
	if err != nil {
		return err
	}
	select {
	case <-x.done:
	default:
	}
	x.length = min(length, len(x.buf))
	x.abort = x.dev.abortChan(p)
	x.n, x.err, x.iso = 0, nil, nil
	select {
	case p.queue <- x:
	default:
		return driver.ErrBusy
	}
	x.inFlight = true
	return nil
}

// run executes the request on the pipe goroutine.
func (x *transfer) run() {
	if x.packets == 0 {
		if err := x.dev.checkRaw(x.pipe.Address, x.length); err != nil {
			x.finish(0, err)
			return
		}
		n, err := x.dev.exchange(x.pipe.Address, x.buf[:x.length], time.Time{}, x.abort)
		x.finish(n, err)
		return
	}

	per := x.length / x.packets
	iso := make([]driver.IsoPacket, x.packets)
	total := 0
	for i := range iso {
		select {
		case <-x.abort:
			x.iso = iso
			x.finish(total, driver.ErrCancelled)
			return
		default:
		}
		pkt := x.buf[i*per : (i+1)*per]
		iso[i].Length = per
		x.dev.io.Lock()
		if x.pipe.IsIn() {
			iso[i].ActualLength = copy(pkt, x.dev.dev.HandleTransfer(x.pipe.Address, nil, per))
		} else {
			x.dev.dev.HandleTransfer(x.pipe.Address, pkt, 0)
			iso[i].ActualLength = per
		}
		x.dev.io.Unlock()
		total += iso[i].ActualLength
	}
	x.iso = iso
	x.finish(total, nil)
}

func (x *transfer) finish(n int, err error) {
	x.n, x.err = n, err
	x.done <- struct{}{}
}

func (x *transfer) Wait(timeout time.Duration) (int, error) {
	if !x.inFlight {
		return 0, driver.ErrNotFound
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

// Cancel aborts the whole pipe; the simulated queue has no per-request
// cancellation.
func (x *transfer) Cancel() error {
	if !x.inFlight {
		return nil
	}
	return x.dev.AbortPipe(x.pipe.Address)
}

func (x *transfer) Free() error {
	if x.inFlight {
		return driver.ErrInFlight
	}
	x.buf = nil
	return nil
}
