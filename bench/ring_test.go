package bench_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/uvperf/bench"
	"github.com/Alia5/uvperf/driver"
	th "github.com/Alia5/uvperf/internal/testing"
	"github.com/Alia5/uvperf/usb"
)

var bulkIn = usb.Pipe{Address: 0x81, Type: usb.TransferBulk, MaxPacketSize: 512, MaxBytesPerInterval: 512}

func TestRingInvariant(t *testing.T) {
	dev := th.NewMockDevice(th.BulkDescriptor(512))
	var order []int
	dev.OnWait = func(x *th.MockTransfer, length int) (int, error) {
		order = append(order, int(x.Buf[0]))
		return length, nil
	}
	arena := bench.NewArena(64, 4)
	r := bench.NewRing(dev, bulkIn, arena, 0)

	_, err := r.ReapOldest(0)
	assert.ErrorIs(t, err, bench.ErrWindowNotFull)

	for i := 0; i < 4; i++ {
		s, err := r.Submit(64, func(b []byte) { b[0] = byte(i) })
		require.NoError(t, err)
		assert.Equal(t, i, s.Index())
		assert.Equal(t, bench.SlotInFlight, s.State())
		assert.Equal(t, i+1, r.Outstanding())
	}
	assert.True(t, r.Full())
	_, err = r.Submit(64, nil)
	assert.ErrorIs(t, err, bench.ErrWindowFull)

	for i := 0; i < 10; i++ {
		c, err := r.ReapOldest(0)
		require.NoError(t, err)
		// the first four slots were submitted with 64 bytes, resubmissions with 32
		want := 64
		if i >= 4 {
			want = 32
		}
		assert.Equal(t, want, c.N)
		assert.Equal(t, want, c.Slot.RequestedLen())
		assert.Equal(t, i%4, c.Slot.Index())
		assert.Equal(t, bench.SlotIdle, c.Slot.State())
		assert.Equal(t, 3, r.Outstanding())

		s, err := r.Submit(32, func(b []byte) { b[0] = byte(i + 4) })
		require.NoError(t, err)
		assert.Equal(t, i%4, s.Index())
		assert.Equal(t, 4, r.Outstanding())
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
	// handles are allocated once per slot and reused
	assert.Equal(t, 4, dev.TransferCount())
}

func TestRingSubmitFailureKeepsSlotIdle(t *testing.T) {
	dev := th.NewMockDevice(th.BulkDescriptor(512))
	boom := errors.New("submit refused")
	fail := true
	dev.OnSubmit = func(*th.MockTransfer, int) error {
		if fail {
			return boom
		}
		return nil
	}
	r := bench.NewRing(dev, bulkIn, bench.NewArena(64, 2), 0)

	s, err := r.Submit(64, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, bench.SlotIdle, s.State())
	assert.Zero(t, r.Outstanding())

	fail = false
	s, err = r.Submit(64, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Index())
}

func TestRingWaitExpiryKeepsSlotInFlight(t *testing.T) {
	dev := th.NewMockDevice(th.BulkDescriptor(512))
	expire := true
	dev.OnWait = func(_ *th.MockTransfer, length int) (int, error) {
		if expire {
			return 0, driver.ErrWaitTimeout
		}
		return length, nil
	}
	r := bench.NewRing(dev, bulkIn, bench.NewArena(64, 1), 0)
	_, err := r.Submit(64, nil)
	require.NoError(t, err)

	c, err := r.ReapOldest(0)
	assert.ErrorIs(t, err, driver.ErrWaitTimeout)
	assert.True(t, driver.IsTimeout(err))
	assert.Equal(t, bench.SlotInFlight, c.Slot.State())
	assert.Equal(t, 1, r.Outstanding())

	expire = false
	c, err = r.ReapOldest(0)
	require.NoError(t, err)
	assert.Equal(t, 64, c.N)
	assert.Zero(t, r.Outstanding())
}

func TestRingCompletionErrorRecyclesSlot(t *testing.T) {
	dev := th.NewMockDevice(th.BulkDescriptor(512))
	dev.OnWait = func(*th.MockTransfer, int) (int, error) { return 0, driver.ErrStall }
	r := bench.NewRing(dev, bulkIn, bench.NewArena(64, 1), 0)
	_, err := r.Submit(64, nil)
	require.NoError(t, err)

	c, err := r.ReapOldest(0)
	assert.ErrorIs(t, err, driver.ErrStall)
	assert.Equal(t, bench.SlotIdle, c.Slot.State())
	assert.ErrorIs(t, c.Slot.Err(), driver.ErrStall)
	assert.Zero(t, r.Outstanding())

	s, err := r.Submit(64, nil)
	require.NoError(t, err)
	assert.Equal(t, c.Slot, s)
	assert.Equal(t, bench.SlotInFlight, s.State())
	assert.Equal(t, 1, dev.TransferCount())
}

func TestRingIsoResults(t *testing.T) {
	dev := th.NewMockDevice(th.BulkDescriptor(512))
	dev.OnWait = func(x *th.MockTransfer, length int) (int, error) {
		x.Iso = []driver.IsoPacket{
			{Length: 256, ActualLength: 256},
			{Length: 256, ActualLength: 0},
			{Length: 256, ActualLength: 100, Status: -71},
			{Length: 256, ActualLength: 128},
		}
		return 384, nil
	}
	pipe := usb.Pipe{Address: 0x82, Type: usb.TransferIsochronous, MaxPacketSize: 256, MaxBytesPerInterval: 256}
	r := bench.NewRing(dev, pipe, bench.NewArena(1024, 1), 4)
	_, err := r.Submit(1024, nil)
	require.NoError(t, err)

	c, err := r.ReapOldest(0)
	require.NoError(t, err)
	assert.Equal(t, bench.IsoResults{Good: 2, Bad: 1, Total: 4, Bytes: 384}, c.Iso)

	out := usb.Pipe{Address: 0x02, Type: usb.TransferIsochronous, MaxPacketSize: 256, MaxBytesPerInterval: 256}
	r = bench.NewRing(dev, out, bench.NewArena(1024, 1), 4)
	dev.OnWait = nil
	_, err = r.Submit(1024, nil)
	require.NoError(t, err)
	c, err = r.ReapOldest(0)
	require.NoError(t, err)
	assert.Equal(t, bench.IsoResults{Good: 4, Total: 4, Bytes: 1024}, c.Iso)
}

func TestRingDrain(t *testing.T) {
	dev := th.NewMockDevice(th.BulkDescriptor(512))
	r := bench.NewRing(dev, bulkIn, bench.NewArena(64, 3), 0)
	for i := 0; i < 3; i++ {
		_, err := r.Submit(64, nil)
		require.NoError(t, err)
	}

	require.NoError(t, r.Drain(0, false))
	assert.Equal(t, 1, dev.AbortCount(0x81))
	assert.Zero(t, r.Outstanding())
	for _, x := range dev.Transfers {
		assert.True(t, x.Freed)
		assert.False(t, x.InFlight)
	}

	// nothing in flight, nothing to abort
	_, err := r.Submit(64, nil)
	require.NoError(t, err)
	require.NoError(t, r.Drain(0, true))
	assert.Equal(t, 1, dev.AbortCount(0x81))
}

func TestRingDrainReportsStuckSlots(t *testing.T) {
	dev := th.NewMockDevice(th.BulkDescriptor(512))
	dev.OnWait = func(*th.MockTransfer, int) (int, error) { return 0, driver.ErrWaitTimeout }
	r := bench.NewRing(dev, bulkIn, bench.NewArena(64, 2), 0)
	for i := 0; i < 2; i++ {
		_, err := r.Submit(64, nil)
		require.NoError(t, err)
	}

	err := r.Drain(0, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, driver.ErrWaitTimeout)
	for _, x := range dev.Transfers {
		assert.False(t, x.Freed)
	}
}
