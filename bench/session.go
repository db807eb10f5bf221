package bench

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/Alia5/uvperf/driver"
	"github.com/Alia5/uvperf/usb"
)

// PayloadLogger receives a copy of every transferred payload.
type PayloadLogger interface {
	Log(dir usb.Direction, ep uint8, data []byte)
}

// Session is the per-endpoint state of a benchmark run.
type Session struct {
	cfg     Config
	pipe    usb.Pipe
	dev     driver.Device
	monitor *Monitor
	logger  *slog.Logger
	payload PayloadLogger

	bufferLength int
	isoPackets   int
	arena        *Arena
	ring         *Ring
	verifier     *Verifier
	loop         *LoopLog

	counters    Counters
	running     atomic.Bool
	abortIssued atomic.Bool
}

// NewSession validates cfg against pipe and allocates the session arena.
// Isochronous pipes always run asynchronously; their buffer length must be
// a whole number of service intervals and the packet count a non-zero
// multiple of 8. On error no driver resources have been allocated.
func NewSession(cfg Config, pipe usb.Pipe, dev driver.Device, monitor *Monitor, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("pipe", fmt.Sprintf("EP%02Xh", pipe.Address))
	if monitor == nil {
		monitor = NewMonitor()
	}

	if cfg.BufferCount < 1 {
		return nil, configErr(pipe.Address, nil, "buffer count must be at least 1, got %d", cfg.BufferCount)
	}
	if cfg.BufferLength < 0 || cfg.ReadLength < 0 || cfg.WriteLength < 0 {
		return nil, configErr(pipe.Address, nil, "negative transfer length")
	}
	if pipe.MaxPacketSize == 0 {
		logger.Warn("Pipe reports a max packet size of 0")
	}

	s := &Session{
		cfg:     cfg,
		pipe:    pipe,
		dev:     dev,
		monitor: monitor,
		logger:  logger,
	}

	if pipe.Type == usb.TransferIsochronous {
		s.cfg.Mode = ModeAsync
		mbpi := int(pipe.MaxBytesPerInterval)
		if mbpi == 0 {
			return nil, configErr(pipe.Address, nil, "isochronous pipe has no bandwidth in the selected alternate setting")
		}
		if cfg.IsoPackets > 0 {
			s.cfg.BufferLength = cfg.IsoPackets * mbpi
			s.cfg.ReadLength = 0
			s.cfg.WriteLength = 0
		}
	}

	s.bufferLength = max(s.cfg.BufferLength, s.cfg.ReadLength, s.cfg.WriteLength)
	if s.bufferLength == 0 {
		return nil, configErr(pipe.Address, nil, "buffer length must be positive")
	}

	if pipe.Type == usb.TransferIsochronous {
		mbpi := int(pipe.MaxBytesPerInterval)
		if s.bufferLength%mbpi != 0 {
			return nil, configErr(pipe.Address, nil,
				"buffer length %d is not a multiple of the %d bytes per interval", s.bufferLength, mbpi)
		}
		s.isoPackets = s.bufferLength / mbpi
		if s.isoPackets == 0 || s.isoPackets%8 != 0 {
			return nil, configErr(pipe.Address, nil,
				"isochronous packet count %d must be a non-zero multiple of 8", s.isoPackets)
		}
		s.cfg.ReadLength = s.bufferLength
		s.cfg.WriteLength = s.bufferLength
	}

	count := s.cfg.BufferCount
	if s.cfg.Mode == ModeSync {
		count = 1
	}
	s.arena = NewArena(s.bufferLength, count)

	if !pipe.IsIn() {
		fillLoopFrames(s.arena.Bytes(), int(pipe.MaxPacketSize))
	}
	if cfg.Verify && pipe.IsIn() {
		s.verifier = NewVerifier(NewPattern(int(pipe.MaxPacketSize)), cfg.VerifyDetails)
	}
	if s.cfg.Mode == ModeAsync {
		s.ring = NewRing(dev, pipe, s.arena, s.isoPackets)
	}

	logger.Debug("Session created",
		"type", pipe.Type,
		"mode", s.cfg.Mode,
		"bufferLength", s.bufferLength,
		"bufferCount", count,
		"isoPackets", s.isoPackets)
	return s, nil
}

// SetLoopLog attaches the log shared by the two sessions of a loop test.
// It must be called before the worker starts.
func (s *Session) SetLoopLog(l *LoopLog) { s.loop = l }

// SetPayloadLogger attaches a payload logger. It must be called before the
// worker starts.
func (s *Session) SetPayloadLogger(p PayloadLogger) { s.payload = p }

func (s *Session) Pipe() usb.Pipe       { return s.pipe }
func (s *Session) Config() Config       { return s.cfg }
func (s *Session) BufferLength() int    { return s.bufferLength }
func (s *Session) IsoPackets() int      { return s.isoPackets }
func (s *Session) Ring() *Ring          { return s.ring }
func (s *Session) Running() bool        { return s.running.Load() }
func (s *Session) Counters() Counters   { return s.monitor.Counters(s) }
func (s *Session) Logger() *slog.Logger { return s.logger }

// AbortPipe cancels every in-flight transfer of the session. The worker's
// drain then skips its own abort.
func (s *Session) AbortPipe() error {
	s.abortIssued.Store(true)
	return s.dev.AbortPipe(s.pipe.Address)
}

// Close releases the arena. It must only be called after the worker stopped.
func (s *Session) Close() error {
	var err error
	if s.ring != nil {
		err = s.ring.Drain(s.cfg.Timeout, s.abortIssued.Load())
	}
	s.ring = nil
	s.arena.Free()
	return err
}
