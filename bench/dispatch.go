package bench

import (
	"github.com/Alia5/uvperf/usb"
)

// result is the outcome of one dispatched transfer.
type result struct {
	n         int
	requested int
	data      []byte
	iso       IsoResults
}

// dispatcher issues one transfer per call, synchronously or by keeping the
// ring full and reaping its oldest slot.
type dispatcher struct {
	s *Session
}

func (d dispatcher) length() int {
	if d.s.pipe.IsIn() {
		return d.s.cfg.readLength()
	}
	return d.s.cfg.writeLength()
}

func (d dispatcher) dispatch() (result, error) {
	if d.s.cfg.Mode == ModeAsync {
		return d.async()
	}
	return d.sync()
}

func (d dispatcher) sync() (result, error) {
	s := d.s
	buf := s.arena.Slot(0)[:d.length()]
	if s.pipe.IsIn() {
		n, err := s.dev.Read(s.pipe.Address, buf, s.cfg.Timeout)
		if err != nil {
			return result{requested: len(buf)}, err
		}
		return result{n: n, requested: len(buf), data: buf[:n]}, nil
	}
	d.recordOut(buf)
	n, err := s.dev.Write(s.pipe.Address, buf, s.cfg.Timeout)
	if err != nil {
		if n == 0 {
			d.retractOut(buf)
		}
		return result{requested: len(buf)}, err
	}
	return result{n: n, requested: len(buf), data: buf[:n]}, nil
}

// async tops the window up and reaps the oldest slot, so the ring always
// runs one reap behind full occupancy.
func (d dispatcher) async() (result, error) {
	r := d.s.ring
	length := d.length()
	var fill func([]byte)
	var filled []byte
	if !d.s.pipe.IsIn() {
		fill = func(p []byte) {
			filled = p
			d.recordOut(p)
		}
	}
	for !r.Full() {
		filled = nil
		if _, err := r.Submit(length, fill); err != nil {
			d.retractOut(filled)
			return result{requested: length}, err
		}
	}
	c, err := r.ReapOldest(d.s.cfg.Timeout)
	if err != nil {
		return result{requested: length}, err
	}
	return result{n: c.N, requested: c.Slot.RequestedLen(), data: c.Data(), iso: c.Iso}, nil
}

// recordOut hands an OUT payload to the loop log and the payload logger
// before it is sent.
func (d dispatcher) recordOut(p []byte) {
	if d.s.loop != nil {
		d.s.loop.Append(p)
	}
	if d.s.payload != nil {
		d.s.payload.Log(usb.DirOut, d.s.pipe.Address, p)
	}
}

// retractOut takes back a payload recordOut saw that was never sent.
func (d dispatcher) retractOut(p []byte) {
	if d.s.loop != nil && len(p) > 0 {
		d.s.loop.Retract(p)
	}
}
