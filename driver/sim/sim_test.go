package sim_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/uvperf/bench"
	"github.com/Alia5/uvperf/device/benchmark"
	"github.com/Alia5/uvperf/driver"
	"github.com/Alia5/uvperf/driver/sim"
	"github.com/Alia5/uvperf/usb"
)

func open(t *testing.T) driver.Device {
	t.Helper()
	d := sim.New()
	info := d.Add("benchmark", func() usb.Device { return benchmark.New(nil) })

	infos, err := d.List(t.Context())
	require.NoError(t, err)
	require.Equal(t, []driver.Info{info}, infos)

	dev, err := d.Open(t.Context(), info)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Close() })
	require.NoError(t, dev.ClaimInterface(0))
	return dev
}

func TestRegistered(t *testing.T) {
	assert.NotNil(t, driver.Lookup("sim"))
}

func TestOpenUnknown(t *testing.T) {
	_, err := sim.New().Open(t.Context(), driver.Info{Bus: 9, Address: 9})
	assert.ErrorIs(t, err, driver.ErrNotFound)
}

func TestClaimAndAlt(t *testing.T) {
	dev := open(t)
	assert.ErrorIs(t, dev.ClaimInterface(0), driver.ErrBusy)
	assert.ErrorIs(t, dev.ClaimInterface(3), driver.ErrNotFound)
	assert.NoError(t, dev.SetAltSetting(0, 1))
	assert.ErrorIs(t, dev.SetAltSetting(0, 7), driver.ErrNotFound)
	require.NoError(t, dev.ReleaseInterface(0))
	require.NoError(t, dev.ClaimInterface(0))
}

func TestSyncReadVerifies(t *testing.T) {
	dev := open(t)
	require.NoError(t, bench.SetTestMode(dev, 0, bench.TestRead))

	v := bench.NewVerifier(bench.NewPattern(512), false)
	buf := make([]byte, 4096)
	for i := 0; i < 10; i++ {
		n, err := dev.Read(benchmark.EPBulkIn, buf, time.Second)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		assert.True(t, v.Check(buf[:n]).OK())
	}
}

func TestLoopReadTimesOutWithoutData(t *testing.T) {
	dev := open(t)
	require.NoError(t, bench.SetTestMode(dev, 0, bench.TestLoop))

	_, err := dev.Read(benchmark.EPBulkIn, make([]byte, 64), 5*time.Millisecond)
	assert.ErrorIs(t, err, driver.ErrTimeout)

	n, err := dev.Write(benchmark.EPBulkOut, []byte{0, 1, 2, 3}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 64)
	n, err = dev.Read(benchmark.EPBulkIn, buf, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3}, buf[:n])
}

func TestAsyncOrderAndAbort(t *testing.T) {
	dev := open(t)
	require.NoError(t, bench.SetTestMode(dev, 0, bench.TestLoop))
	in := usb.Pipe{Address: benchmark.EPBulkIn, Type: usb.TransferBulk, MaxPacketSize: 512}
	out := usb.Pipe{Address: benchmark.EPBulkOut, Type: usb.TransferBulk, MaxPacketSize: 512}

	var reads []driver.Transfer
	var bufs [][]byte
	for i := 0; i < 3; i++ {
		bufs = append(bufs, make([]byte, 2))
		x, err := dev.NewTransfer(in, bufs[i], 0)
		require.NoError(t, err)
		require.NoError(t, x.Submit(2))
		reads = append(reads, x)
	}

	_, err := reads[0].Wait(5 * time.Millisecond)
	assert.ErrorIs(t, err, driver.ErrWaitTimeout)

	w, err := dev.NewTransfer(out, []byte{1, 1, 2, 2}, 0)
	require.NoError(t, err)
	require.NoError(t, w.Submit(4))
	n, err := w.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	for i, want := range [][]byte{{1, 1}, {2, 2}} {
		n, err := reads[i].Wait(time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, bufs[i][:n])
	}

	require.NoError(t, dev.AbortPipe(benchmark.EPBulkIn))
	_, err = reads[2].Wait(time.Second)
	assert.ErrorIs(t, err, driver.ErrCancelled)
	assert.True(t, driver.IsTimeout(err))
	for _, x := range reads {
		assert.NoError(t, x.Free())
	}
}

func TestIsoTransfer(t *testing.T) {
	dev := open(t)
	require.NoError(t, dev.SetAltSetting(0, 1))
	require.NoError(t, bench.SetTestMode(dev, 0, bench.TestRead))

	alt := dev.Descriptor().FindInterface(0, 1)
	require.NotNil(t, alt)
	pipe := alt.Pipes()[0]
	require.Equal(t, usb.TransferIsochronous, pipe.Type)

	buf := make([]byte, 8*int(pipe.MaxBytesPerInterval))
	x, err := dev.NewTransfer(pipe, buf, 8)
	require.NoError(t, err)
	require.NoError(t, x.Submit(len(buf)))
	n, err := x.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	require.Len(t, x.IsoPackets(), 8)
	for _, p := range x.IsoPackets() {
		assert.Equal(t, int(pipe.MaxBytesPerInterval), p.ActualLength)
		assert.Zero(t, p.Status)
	}

	_, err = dev.NewTransfer(pipe, buf, 0)
	assert.Error(t, err)
}

func TestBenchSessionOverSim(t *testing.T) {
	dev := open(t)
	require.NoError(t, bench.SetTestMode(dev, 0, bench.TestRead))
	pipe := dev.Descriptor().FindInterface(0, 0).Pipes()[0]

	cfg := bench.DefaultConfig()
	cfg.Mode = bench.ModeAsync
	cfg.BufferCount = 4
	cfg.BufferLength = 4096
	cfg.Repeat = 50
	s, err := bench.NewSession(cfg, pipe, dev, nil, nil)
	require.NoError(t, err)

	w := bench.NewWorker(s)
	assert.Equal(t, bench.ReasonCompleted, w.Run(t.Context()))
	require.NoError(t, w.Err())
	c := s.Counters()
	assert.Equal(t, uint64(50*4096), c.TotalBytes)
	assert.Zero(t, c.Mismatches)
	require.NoError(t, s.Close())
}

func TestRawIORequiresWholePackets(t *testing.T) {
	dev := open(t)
	require.NoError(t, bench.SetTestMode(dev, 0, bench.TestRead))
	require.NoError(t, dev.SetPipePolicy(benchmark.EPBulkIn, driver.PipePolicy{RawIO: true}))

	_, err := dev.Read(benchmark.EPBulkIn, make([]byte, 1000), time.Second)
	assert.ErrorIs(t, err, driver.ErrIO)

	n, err := dev.Read(benchmark.EPBulkIn, make([]byte, 1024), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1024, n)
}
