package bench_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/uvperf/bench"
	th "github.com/Alia5/uvperf/internal/testing"
)

func TestRates(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		c       bench.Counters
		avg     float64
		current float64
		sync    bool
	}{
		{name: "not started", sync: true},
		{
			name: "zero elapsed",
			c:    bench.Counters{TotalBytes: 512, WindowBytes: 512, FirstTransfer: t0, WindowStart: t0, LastCompletion: t0},
		},
		{
			name:    "steady",
			c:       bench.Counters{TotalBytes: 4000, WindowBytes: 1000, FirstTransfer: t0, WindowStart: t0.Add(3 * time.Second), LastCompletion: t0.Add(4 * time.Second)},
			avg:     1000,
			current: 1000,
		},
		{
			name: "window not started",
			c:    bench.Counters{TotalBytes: 2000, FirstTransfer: t0, LastCompletion: t0.Add(2 * time.Second)},
			avg:  1000,
		},
		{
			name: "window newer than last completion",
			c:    bench.Counters{TotalBytes: 2000, WindowBytes: 10, FirstTransfer: t0, WindowStart: t0.Add(3 * time.Second), LastCompletion: t0.Add(2 * time.Second)},
			avg:  1000,
			sync: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.avg, bench.AverageRate(tt.c), 1e-9)
			assert.InDelta(t, tt.current, bench.CurrentRate(tt.c), 1e-9)
			assert.GreaterOrEqual(t, bench.CurrentRate(tt.c), 0.0)
			assert.Equal(t, tt.sync, bench.Synchronizing(tt.c))
		})
	}
}

func TestMonitorSnapshotResetsWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	mon := bench.NewMonitor()
	mon.SetClock(func() time.Time {
		now = now.Add(100 * time.Millisecond)
		return now
	})

	dev := th.NewMockDevice(th.BulkDescriptor(512))
	cfg := bench.DefaultConfig()
	cfg.BufferLength = 512
	cfg.Verify = false
	cfg.Repeat = 5
	s, err := bench.NewSession(cfg, bulkIn, dev, mon, nil)
	require.NoError(t, err)

	rep := mon.Snapshot(s)
	assert.True(t, rep.Synchronizing())

	bench.NewWorker(s).Run(t.Context())

	rep = mon.Snapshot(s)
	require.Len(t, rep.Endpoints, 1)
	ep := rep.Endpoints[0]
	assert.False(t, ep.Synchronizing)
	assert.Equal(t, uint64(5*512), ep.Counters.WindowBytes)
	assert.Greater(t, ep.Average, 0.0)
	assert.Greater(t, ep.Current, 0.0)
	assert.InDelta(t, ep.Average, rep.Average(), 1e-9)

	c := mon.Counters(s)
	assert.True(t, c.WindowStart.IsZero())
	assert.Zero(t, c.WindowBytes)
	assert.Equal(t, uint64(5*512), c.TotalBytes)

	rep = mon.Snapshot(s)
	assert.Zero(t, rep.Endpoints[0].Current)
	assert.Equal(t, ep.Average, rep.Endpoints[0].Average)
}
