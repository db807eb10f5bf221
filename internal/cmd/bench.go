package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Alia5/uvperf/bench"
	"github.com/Alia5/uvperf/driver"
	"github.com/Alia5/uvperf/internal/devlock"
	"github.com/Alia5/uvperf/internal/log"

	"go.uber.org/multierr"
)

// abortGrace is how long stopping workers get before their pipes are
// aborted.
const abortGrace = time.Second

var errPeerStopped = errors.New("another endpoint stopped")

// Bench runs a transfer benchmark against one interface of a device.
type Bench struct {
	DeviceSelector `embed:""`

	Interface uint8 `help:"Interface number" default:"0" env:"UVPERF_INTERFACE"`
	Alt       uint8 `help:"Alternate setting" default:"0" env:"UVPERF_ALT"`
	Endpoint  Hex   `help:"Endpoint address; 0 picks the first endpoint the test needs" default:"0" env:"UVPERF_ENDPOINT"`

	Test    string        `help:"Test type" enum:"read,write,loop" default:"read" env:"UVPERF_TEST"`
	Mode    string        `help:"Transfer mode" enum:"sync,async" default:"sync" env:"UVPERF_MODE"`
	Timeout time.Duration `help:"Transfer timeout" default:"3s" env:"UVPERF_TIMEOUT"`

	BufferLength bench.Size `help:"Transfer buffer size (accepts 4k, 1MiB, ...)" default:"1024" env:"UVPERF_BUFFER_LENGTH"`
	BufferCount  int        `help:"Transfers kept in flight in async mode" default:"1" env:"UVPERF_BUFFER_COUNT"`
	ReadLength   bench.Size `help:"IN transfer size; 0 uses the buffer length" default:"0" env:"UVPERF_READ_LENGTH"`
	WriteLength  bench.Size `help:"OUT transfer size; 0 uses the buffer length" default:"0" env:"UVPERF_WRITE_LENGTH"`
	Repeat       uint64     `help:"Stop after this many transfers per endpoint; 0 runs until stopped" default:"0" env:"UVPERF_REPEAT"`
	Retry        int        `help:"Consecutive failures tolerated per endpoint" default:"0" env:"UVPERF_RETRY"`

	Verify        bool `help:"Verify IN data against the device pattern" default:"true" negatable:"" env:"UVPERF_VERIFY"`
	VerifyDetails bool `help:"Log every mismatching byte" default:"false" env:"UVPERF_VERIFY_DETAILS"`
	IsoPackets    int  `help:"Packets per isochronous transfer; 0 derives it from the buffer length" default:"0" env:"UVPERF_ISO_PACKETS"`
	RawIO         bool `help:"Enable raw I/O on the benchmark pipes" default:"false" env:"UVPERF_RAW_IO"`
	IsoASAP       bool `help:"Schedule isochronous transfers as soon as possible" default:"false" env:"UVPERF_ISO_ASAP"`
	SkipTestMode  bool `help:"Do not send the vendor set-test request" default:"false" env:"UVPERF_SKIP_TEST_MODE"`

	TimeLimit    time.Duration `help:"Stop after this long; 0 runs until stopped" default:"0s" env:"UVPERF_TIME_LIMIT"`
	Refresh      time.Duration `help:"Status refresh period" default:"1s" env:"UVPERF_REFRESH"`
	Report       string        `help:"Write the final report to this file" env:"UVPERF_REPORT"`
	ReportFormat string        `help:"Report format" enum:"yaml,json,toml" default:"yaml" env:"UVPERF_REPORT_FORMAT"`
	LockDir      string        `help:"Directory for device lock files" env:"UVPERF_LOCK_DIR"`

	out io.Writer
	in  *os.File
}

func (b *Bench) config() (bench.Config, error) {
	mode, err := bench.ParseMode(b.Mode)
	if err != nil {
		return bench.Config{}, err
	}
	test, err := bench.ParseTestType(b.Test)
	if err != nil {
		return bench.Config{}, err
	}
	return bench.Config{
		Mode:          mode,
		Timeout:       b.Timeout,
		BufferLength:  int(b.BufferLength),
		BufferCount:   b.BufferCount,
		ReadLength:    int(b.ReadLength),
		WriteLength:   int(b.WriteLength),
		Repeat:        b.Repeat,
		Retry:         b.Retry,
		Verify:        b.Verify,
		VerifyDetails: b.VerifyDetails,
		Test:          test,
		IsoPackets:    b.IsoPackets,
		RawIO:         b.RawIO,
		IsoASAP:       b.IsoASAP,
	}, nil
}

// Run is called by Kong when the bench command is executed.
func (b *Bench) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	go func() {
		select {
		case <-sigCtx.Done():
			cancel(bench.ErrUserAbort)
		case <-ctx.Done():
		}
	}()

	return b.run(ctx, cancel, logger, rawLogger)
}

func (b *Bench) run(ctx context.Context, cancel context.CancelCauseFunc, logger *slog.Logger, rawLogger log.RawLogger) (err error) {
	out := b.out
	if out == nil {
		out = os.Stdout
	}
	in := b.in
	if in == nil {
		in = os.Stdin
	}

	cfg, err := b.config()
	if err != nil {
		return err
	}
	drv, err := b.backend()
	if err != nil {
		return err
	}
	info, err := b.find(ctx, drv)
	if err != nil {
		return err
	}

	lock, err := devlock.Acquire(b.LockDir, info)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, lock.Release()) }()

	dev, err := drv.Open(ctx, info)
	if err != nil {
		return fmt.Errorf("open %s: %w", info, err)
	}
	defer func() { err = multierr.Append(err, dev.Close()) }()
	logger = logger.With("device", info.String())

	ic := dev.Descriptor().FindInterface(b.Interface, b.Alt)
	if ic == nil {
		return fmt.Errorf("device has no interface %d alt %d", b.Interface, b.Alt)
	}
	if err := dev.ClaimInterface(b.Interface); err != nil {
		return fmt.Errorf("claim interface %d: %w", b.Interface, err)
	}
	defer func() { err = multierr.Append(err, dev.ReleaseInterface(b.Interface)) }()
	if err := dev.SetAltSetting(b.Interface, b.Alt); err != nil {
		return fmt.Errorf("set interface %d alt %d: %w", b.Interface, b.Alt, err)
	}

	pipes, err := selectPipes(ic, cfg.Test, uint8(b.Endpoint))
	if err != nil {
		return err
	}
	if !b.SkipTestMode {
		if err := bench.SetTestMode(dev, b.Interface, cfg.Test); err != nil {
			return err
		}
	}
	if cfg.RawIO || cfg.IsoASAP {
		for _, p := range pipes {
			if err := dev.SetPipePolicy(p.Address, driver.PipePolicy{RawIO: cfg.RawIO, IsoASAP: cfg.IsoASAP}); err != nil {
				logger.Warn("Failed to set pipe policy", "pipe", p, "error", err)
			}
		}
	}

	mon := bench.NewMonitor()
	var loop *bench.LoopLog
	if cfg.Test == bench.TestLoop {
		loop = bench.NewLoopLog(0)
	}
	sessions := make([]*bench.Session, 0, len(pipes))
	defer func() {
		for _, s := range sessions {
			err = multierr.Append(err, s.Close())
		}
	}()
	for _, p := range pipes {
		s, err := bench.NewSession(cfg, p, dev, mon, logger)
		if err != nil {
			return err
		}
		if loop != nil {
			s.SetLoopLog(loop)
		}
		if rawLogger != nil {
			s.SetPayloadLogger(rawLogger)
		}
		sessions = append(sessions, s)
	}

	workers := make([]*bench.Worker, len(sessions))
	for i, s := range sessions {
		workers[i] = bench.NewWorker(s)
	}

	restore := watchQuit(in, func() { cancel(bench.ErrUserAbort) })
	defer restore()
	if b.TimeLimit > 0 {
		t := time.AfterFunc(b.TimeLimit, func() { cancel(bench.ErrTimeLimit) })
		defer t.Stop()
	}

	started := time.Now()
	logger.Info("Starting benchmark", "test", cfg.Test, "mode", cfg.Mode, "endpoints", len(workers))
	for _, w := range workers {
		w.Start(ctx)
		go func(w *bench.Worker) {
			<-w.Done()
			cancel(errPeerStopped)
		}(w)
	}
	allDone := make(chan struct{})
	go func() {
		for _, w := range workers {
			<-w.Done()
		}
		close(allDone)
	}()

	refresh := b.Refresh
	if refresh <= 0 {
		refresh = time.Second
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
status:
	for {
		select {
		case <-ticker.C:
			fmt.Fprintln(out, statusLine(mon.Snapshot(sessions...)))
		case <-ctx.Done():
			break status
		}
	}

	logger.Info("Stopping benchmark", "cause", context.Cause(ctx))
	select {
	case <-allDone:
	case <-time.After(abortGrace):
		for _, s := range sessions {
			if !s.Running() {
				continue
			}
			logger.Warn("Aborting pipe", "pipe", s.Pipe())
			if err := s.AbortPipe(); err != nil {
				logger.Error("Abort failed", "pipe", s.Pipe(), "error", err)
			}
		}
		<-allDone
	}

	rep := newReport(info, b.Driver, cfg, started, time.Now(), workers)
	rep.Print(out)
	if b.Report != "" {
		if werr := rep.Write(b.Report, b.ReportFormat); werr != nil {
			err = multierr.Append(err, fmt.Errorf("write report: %w", werr))
		} else {
			logger.Info("Report written", "file", b.Report)
		}
	}

	for _, w := range workers {
		if w.Reason().Failed() {
			err = multierr.Append(err, fmt.Errorf("EP%02Xh stopped: %s", w.Session().Pipe().Address, w.Reason()))
		}
		err = multierr.Append(err, w.Err())
	}
	return err
}
