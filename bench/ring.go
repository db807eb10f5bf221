package bench

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/Alia5/uvperf/driver"
	"github.com/Alia5/uvperf/usb"
)

// SlotState is the lifecycle state of a ring slot.
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotInFlight
	SlotCompleted
)

func (s SlotState) String() string {
	switch s {
	case SlotInFlight:
		return "in-flight"
	case SlotCompleted:
		return "completed"
	default:
		return "idle"
	}
}

// IsoResults aggregates per-packet isochronous results.
type IsoResults struct {
	Good  uint64
	Bad   uint64
	Total uint64
	Bytes uint64
}

func (r *IsoResults) add(o IsoResults) {
	r.Good += o.Good
	r.Bad += o.Bad
	r.Total += o.Total
	r.Bytes += o.Bytes
}

// Slot is one reusable transfer of the ring: a view into the session arena
// and a lazily allocated driver transfer.
type Slot struct {
	index  int
	buf    []byte
	xfer   driver.Transfer
	state  SlotState
	length int
	err    error
}

func (s *Slot) Index() int        { return s.index }
func (s *Slot) Buffer() []byte    { return s.buf }
func (s *Slot) State() SlotState  { return s.state }
func (s *Slot) Err() error        { return s.err }
func (s *Slot) RequestedLen() int { return s.length }

// Completion is a reaped slot.
type Completion struct {
	Slot *Slot
	N    int
	Iso  IsoResults
}

// Data returns the transferred bytes of the completed slot.
func (c Completion) Data() []byte {
	if c.Slot == nil {
		return nil
	}
	return c.Slot.buf[:c.N]
}

// Ring keeps up to len(slots) transfers in flight and reaps them strictly in
// submission order.
type Ring struct {
	dev        driver.Device
	pipe       usb.Pipe
	isoPackets int
	slots      []Slot

	nextSubmit  int
	nextWait    int
	outstanding int
}

// NewRing creates a ring of count slots over arena. Transfer handles are
// allocated on first submit.
func NewRing(dev driver.Device, pipe usb.Pipe, arena *Arena, isoPackets int) *Ring {
	r := &Ring{
		dev:        dev,
		pipe:       pipe,
		isoPackets: isoPackets,
		slots:      make([]Slot, arena.Count()),
	}
	for i := range r.slots {
		r.slots[i] = Slot{index: i, buf: arena.Slot(i)}
	}
	return r
}

func (r *Ring) Len() int         { return len(r.slots) }
func (r *Ring) Outstanding() int { return r.outstanding }
func (r *Ring) Full() bool       { return r.outstanding == len(r.slots) }

// Slot returns slot i.
func (r *Ring) Slot(i int) *Slot { return &r.slots[i] }

// Submit queues the next slot for length bytes. fill, if not nil, is called
// with the payload before submission. A failed submission leaves the slot
// idle and the outstanding count unchanged.
func (r *Ring) Submit(length int, fill func([]byte)) (*Slot, error) {
	if r.Full() {
		return nil, ErrWindowFull
	}
	s := &r.slots[r.nextSubmit]
	if s.xfer == nil {
		x, err := r.dev.NewTransfer(r.pipe, s.buf, r.isoPackets)
		if err != nil {
			s.err = err
			return s, fmt.Errorf("allocate transfer for slot %d: %w", s.index, err)
		}
		s.xfer = x
	}
	length = min(length, len(s.buf))
	if fill != nil {
		fill(s.buf[:length])
	}
	if err := s.xfer.Submit(length); err != nil {
		s.state = SlotIdle
		s.err = err
		return s, err
	}
	s.state = SlotInFlight
	s.length = length
	s.err = nil
	r.outstanding++
	r.nextSubmit = (r.nextSubmit + 1) % len(r.slots)
	return s, nil
}

// ReapOldest waits for the least recently submitted slot. It is only valid
// while the window is full. If the wait expires the slot stays in flight and
// driver.ErrWaitTimeout is returned; any other completion returns the slot
// to idle. A slot that completed with an error is no longer owned by the
// OS and is reused by the next Submit.
func (r *Ring) ReapOldest(timeout time.Duration) (Completion, error) {
	if !r.Full() {
		return Completion{}, ErrWindowNotFull
	}
	s := &r.slots[r.nextWait]
	n, err := s.xfer.Wait(timeout)
	if errors.Is(err, driver.ErrWaitTimeout) {
		s.err = err
		return Completion{Slot: s}, err
	}

	s.state = SlotCompleted
	s.err = err
	c := Completion{Slot: s}
	if err == nil {
		c.N = n
		if r.pipe.Type == usb.TransferIsochronous {
			c.Iso = r.isoResults(s, n)
		}
	}
	s.state = SlotIdle
	r.outstanding--
	r.nextWait = (r.nextWait + 1) % len(r.slots)
	return c, err
}

func (r *Ring) isoResults(s *Slot, n int) IsoResults {
	if !r.pipe.IsIn() {
		t := uint64(r.isoPackets)
		return IsoResults{Good: t, Total: t, Bytes: uint64(n)}
	}
	var res IsoResults
	for _, p := range s.xfer.IsoPackets() {
		res.Total++
		switch {
		case p.Status != 0:
			res.Bad++
		case p.ActualLength > 0:
			res.Good++
			res.Bytes += uint64(p.ActualLength)
		}
	}
	return res
}

// Drain cancels and collects every in-flight slot and frees all transfer
// handles. The pipe is aborted unless pipeAborted reports that someone else
// already did. Each in-flight slot is waited on for at most timeout.
func (r *Ring) Drain(timeout time.Duration, pipeAborted bool) error {
	var errs error
	if r.outstanding > 0 && !pipeAborted {
		if err := r.dev.AbortPipe(r.pipe.Address); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("abort %s: %w", r.pipe, err))
		}
	}
	for i := range r.slots {
		s := &r.slots[i]
		if s.xfer == nil {
			continue
		}
		if s.state == SlotInFlight {
			if _, err := s.xfer.Wait(timeout); errors.Is(err, driver.ErrWaitTimeout) {
				errs = multierr.Append(errs, fmt.Errorf("slot %d still in flight: %w", i, err))
				continue
			}
			s.state = SlotIdle
		}
		if err := s.xfer.Free(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("free slot %d: %w", i, err))
		}
		s.xfer = nil
	}
	r.outstanding = 0
	r.nextSubmit = 0
	r.nextWait = 0
	return errs
}
