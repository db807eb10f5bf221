package bench

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Alia5/uvperf/driver"
	"github.com/Alia5/uvperf/usb"
)

// State is the worker state.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// StopReason is why a worker left the running state.
type StopReason int32

const (
	ReasonNone StopReason = iota
	ReasonTimeout
	ReasonError
	ReasonUserAbort
	ReasonCompleted
	ReasonCancelled
)

func (r StopReason) String() string {
	switch r {
	case ReasonTimeout:
		return "timeout"
	case ReasonError:
		return "error"
	case ReasonUserAbort:
		return "user abort"
	case ReasonCompleted:
		return "completed"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// Failed reports whether the worker stopped because of transfer failures.
func (r StopReason) Failed() bool { return r == ReasonTimeout || r == ReasonError }

// Worker drives one session until it is cancelled, exceeds its retry limit
// or completes its repeat count.
type Worker struct {
	s      *Session
	d      dispatcher
	state  atomic.Int32
	reason atomic.Int32
	done   chan struct{}
	err    error
}

// NewWorker prepares a worker for s. No data moves until Start or Run.
func NewWorker(s *Session) *Worker {
	return &Worker{s: s, d: dispatcher{s: s}, done: make(chan struct{})}
}

// Start runs the worker on its own goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.s.running.Store(true)
	go w.Run(ctx)
}

// Done is closed once the worker stopped.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) Session() *Session  { return w.s }
func (w *Worker) State() State       { return State(w.state.Load()) }
func (w *Worker) Reason() StopReason { return StopReason(w.reason.Load()) }

// Err returns the drain error. Valid after Done is closed.
func (w *Worker) Err() error { return w.err }

// Run is the worker loop. It returns when the worker stopped.
func (w *Worker) Run(ctx context.Context) StopReason {
	s := w.s
	s.running.Store(true)
	defer func() {
		s.running.Store(false)
		close(w.done)
	}()
	w.state.Store(int32(StateRunning))
	s.logger.Info("Worker started", "test", s.cfg.Test, "mode", s.cfg.Mode)

	var completed uint64
	reason := ReasonNone
	for reason == ReasonNone {
		if ctx.Err() != nil {
			reason = cancelReason(ctx)
			break
		}
		start := s.monitor.now()
		res, err := w.d.dispatch()
		if err != nil {
			if ctx.Err() != nil {
				reason = cancelReason(ctx)
				break
			}
			reason = w.fail(err)
			if reason == ReasonNone {
				w.record(start, result{requested: res.requested}, false)
			}
			continue
		}

		w.inspect(res)
		w.record(start, res, true)
		completed++
		if s.cfg.Repeat > 0 && completed >= s.cfg.Repeat {
			reason = ReasonCompleted
		}
	}

	w.reason.Store(int32(reason))
	w.state.Store(int32(StateDraining))
	s.logger.Info("Worker draining", "reason", reason)
	if s.ring != nil {
		if err := s.ring.Drain(s.cfg.Timeout, s.abortIssued.Load()); err != nil {
			w.err = err
			s.logger.Error("Drain failed", "error", err)
		}
	}
	w.state.Store(int32(StateStopped))
	s.logger.Info("Worker stopped", "reason", reason)
	return reason
}

func cancelReason(ctx context.Context) StopReason {
	if IsUserAbort(ctx) {
		return ReasonUserAbort
	}
	return ReasonCancelled
}

// fail classifies a failed transfer and returns a stop reason once the
// running count of its class exceeds the retry limit.
func (w *Worker) fail(err error) StopReason {
	s := w.s
	if driver.IsTimeout(err) {
		var running int
		s.monitor.update(s, func(c *Counters) {
			c.RunningTimeouts++
			c.TotalTimeouts++
			running = c.RunningTimeouts
		})
		s.logger.Warn("Transfer timed out", "running", running, "retry", s.cfg.Retry, "error", err)
		if running > s.cfg.Retry {
			return ReasonTimeout
		}
		return ReasonNone
	}

	var running int
	s.monitor.update(s, func(c *Counters) {
		c.RunningErrors++
		c.TotalErrors++
		running = c.RunningErrors
	})
	s.logger.Error("Transfer failed", "running", running, "retry", s.cfg.Retry, "error", err)
	if rerr := s.dev.ResetPipe(s.pipe.Address); rerr != nil {
		s.logger.Warn("Pipe reset failed", "error", rerr)
	}
	if running > s.cfg.Retry {
		return ReasonError
	}
	return ReasonNone
}

// inspect logs and verifies the payload of a successful transfer.
func (w *Worker) inspect(res result) {
	s := w.s
	if !s.pipe.IsIn() {
		return
	}
	if s.payload != nil && res.n > 0 {
		s.payload.Log(usb.DirIn, s.pipe.Address, res.data)
	}
	if !s.cfg.Verify || res.n == 0 {
		return
	}

	if s.loop != nil {
		bad, skipped, err := s.loop.Match(res.data)
		if skipped > 0 {
			s.logger.Warn("Loop data resynchronized, OUT data never arrived", "skipped", skipped)
			s.monitor.update(s, func(c *Counters) { c.LoopSkipped += uint64(skipped) })
		}
		if errors.Is(err, ErrLoopUnderrun) {
			s.logger.Warn("Loop data received before it was sent", "bytes", res.n)
			s.monitor.update(s, func(c *Counters) { c.LoopUnderruns++ })
		}
		if bad > 0 {
			s.logger.Warn("Loop data mismatch", "bytes", bad, "length", res.n)
			s.monitor.update(s, func(c *Counters) {
				c.Mismatches++
				c.MismatchedBytes += uint64(bad)
			})
		}
		return
	}
	if s.verifier == nil {
		return
	}
	rep := s.verifier.Check(res.data)
	if rep.OK() {
		return
	}
	s.logger.Warn("Data mismatch", "chunks", rep.BadChunks, "of", rep.Chunks, "offset", rep.FirstBad)
	for _, m := range rep.Details {
		s.logger.Debug("Mismatch", "detail", m.String())
	}
	s.monitor.update(s, func(c *Counters) {
		c.Mismatches += uint64(rep.BadChunks)
		c.MismatchedBytes += uint64(rep.BadBytes)
	})
}

// record accounts one dispatched transfer. The first success restarts every
// rate counter at the start of its iteration; failures before that are only
// counted by fail.
func (w *Worker) record(start time.Time, res result, success bool) {
	s := w.s
	now := s.monitor.now()
	s.monitor.update(s, func(c *Counters) {
		if success {
			c.RunningTimeouts = 0
			c.RunningErrors = 0
		}
		n := uint64(res.n)
		if !c.Started() {
			if !success {
				return
			}
			c.FirstTransfer = start
			c.WindowStart = start
			c.LastCompletion = now
			c.TotalBytes = n
			c.WindowBytes = n
			c.Transfers = 1
			c.ShortTransfers = 0
			c.ZeroLength = 0
			c.Iso = IsoResults{}
		} else {
			if c.WindowStart.IsZero() {
				c.WindowStart = c.LastCompletion
				c.WindowBytes = 0
			}
			c.LastCompletion = now
			c.TotalBytes += n
			c.WindowBytes += n
			c.Transfers++
		}
		c.LastTransferred = res.n
		c.Iso.add(res.iso)
		if success && res.n < res.requested {
			c.ShortTransfers++
			if res.n == 0 {
				c.ZeroLength++
			}
		}
	})
}

// String is used in log lines.
func (w *Worker) String() string {
	return fmt.Sprintf("%s worker (%s)", w.s.pipe, w.State())
}
