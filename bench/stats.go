package bench

import (
	"sync"
	"time"

	"github.com/Alia5/uvperf/usb"
)

// Counters is the runtime state of a session. Workers update it under the
// Monitor lock; everyone else reads copies.
type Counters struct {
	TotalBytes      uint64
	Transfers       uint64
	ShortTransfers  uint64
	ZeroLength      uint64
	LastTransferred int
	WindowBytes     uint64

	FirstTransfer  time.Time
	WindowStart    time.Time
	LastCompletion time.Time

	RunningTimeouts int
	TotalTimeouts   uint64
	RunningErrors   int
	TotalErrors     uint64

	Iso IsoResults

	Mismatches      uint64
	MismatchedBytes uint64
	LoopUnderruns   uint64
	// LoopSkipped counts recorded OUT bytes that never came back.
	LoopSkipped uint64
}

// Started reports whether the first successful transfer was seen.
func (c Counters) Started() bool { return !c.FirstTransfer.IsZero() }

// Elapsed is the time between the first and the last completion.
func (c Counters) Elapsed() time.Duration {
	if !c.Started() {
		return 0
	}
	return c.LastCompletion.Sub(c.FirstTransfer)
}

// AverageRate returns the lifetime throughput in bytes per second.
func AverageRate(c Counters) float64 {
	el := c.Elapsed().Seconds()
	if el <= 0 {
		return 0
	}
	return float64(c.TotalBytes) / el
}

// CurrentRate returns the throughput of the window since the last snapshot.
func CurrentRate(c Counters) float64 {
	if c.WindowStart.IsZero() {
		return 0
	}
	el := c.LastCompletion.Sub(c.WindowStart).Seconds()
	if el <= 0 {
		return 0
	}
	return float64(c.WindowBytes) / el
}

// Synchronizing reports whether no rate can be computed yet: no transfer
// completed, or the window started after the last completion.
func Synchronizing(c Counters) bool {
	if !c.Started() || c.FirstTransfer.After(c.LastCompletion) {
		return true
	}
	return !c.WindowStart.IsZero() && c.WindowStart.After(c.LastCompletion)
}

// EndpointStatus is the status of one session at snapshot time.
type EndpointStatus struct {
	Pipe          usb.Pipe
	Test          TestType
	Counters      Counters
	Average       float64
	Current       float64
	Synchronizing bool
	Running       bool
}

// RunningStatusReport is what the status display consumes.
type RunningStatusReport struct {
	At        time.Time
	Endpoints []EndpointStatus
}

// Average returns the sum of the endpoint average rates.
func (r RunningStatusReport) Average() float64 {
	var sum float64
	for _, e := range r.Endpoints {
		sum += e.Average
	}
	return sum
}

// Current returns the sum of the endpoint current rates.
func (r RunningStatusReport) Current() float64 {
	var sum float64
	for _, e := range r.Endpoints {
		sum += e.Current
	}
	return sum
}

// Synchronizing reports whether any endpoint is still synchronizing.
func (r RunningStatusReport) Synchronizing() bool {
	for _, e := range r.Endpoints {
		if e.Synchronizing {
			return true
		}
	}
	return len(r.Endpoints) == 0
}

// Monitor owns the lock shared by all sessions of a run.
type Monitor struct {
	mu  sync.Mutex
	now func() time.Time
}

// NewMonitor returns a Monitor using the wall clock.
func NewMonitor() *Monitor {
	return &Monitor{now: time.Now}
}

// SetClock replaces the time source.
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

func (m *Monitor) update(s *Session, fn func(c *Counters)) {
	m.mu.Lock()
	fn(&s.counters)
	m.mu.Unlock()
}

// Snapshot copies the counters of every session and restarts the current
// window of the sessions that are not synchronizing.
func (m *Monitor) Snapshot(sessions ...*Session) RunningStatusReport {
	rep := RunningStatusReport{Endpoints: make([]EndpointStatus, 0, len(sessions))}

	m.mu.Lock()
	rep.At = m.now()
	for _, s := range sessions {
		c := s.counters
		st := EndpointStatus{Pipe: s.pipe, Test: s.cfg.Test, Counters: c, Synchronizing: Synchronizing(c)}
		if !st.Synchronizing {
			s.counters.WindowStart = time.Time{}
			s.counters.WindowBytes = 0
		}
		rep.Endpoints = append(rep.Endpoints, st)
	}
	m.mu.Unlock()

	for i := range rep.Endpoints {
		e := &rep.Endpoints[i]
		e.Average = AverageRate(e.Counters)
		e.Current = CurrentRate(e.Counters)
		e.Running = sessions[i].running.Load()
	}
	return rep
}

// Counters returns a copy of the counters of s.
func (m *Monitor) Counters(s *Session) Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.counters
}
