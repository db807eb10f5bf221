package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/uvperf/bench"
	"github.com/Alia5/uvperf/device/benchmark"
	"github.com/Alia5/uvperf/usb"

	_ "github.com/Alia5/uvperf/driver/sim"
)

func simBench(t *testing.T) *Bench {
	t.Helper()
	return &Bench{
		DeviceSelector: DeviceSelector{Driver: "sim", Vid: 0x1004, Pid: 0xa000},
		Test:           "read",
		Mode:           "async",
		Timeout:        time.Second,
		BufferLength:   4096,
		BufferCount:    4,
		Verify:         true,
		Refresh:        10 * time.Millisecond,
		ReportFormat:   "json",
		LockDir:        t.TempDir(),
		out:            &bytes.Buffer{},
	}
}

func runBench(t *testing.T, b *Bench) error {
	t.Helper()
	ctx, cancel := context.WithCancelCause(t.Context())
	defer cancel(nil)
	return b.run(ctx, cancel, discardLogger(), nil)
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestBenchRunReadCompletes(t *testing.T) {
	b := simBench(t)
	b.Repeat = 20
	b.Report = filepath.Join(t.TempDir(), "report.json")

	require.NoError(t, runBench(t, b))

	data, err := os.ReadFile(b.Report)
	require.NoError(t, err)
	var rep Report
	require.NoError(t, json.Unmarshal(data, &rep))

	assert.Equal(t, "read", rep.Test)
	assert.Equal(t, "async", rep.Mode)
	require.Len(t, rep.Endpoints, 1)
	ep := rep.Endpoints[0]
	assert.Equal(t, "81h", ep.Endpoint)
	assert.Equal(t, "completed", ep.StopReason)
	assert.Equal(t, uint64(20), ep.Transfers)
	assert.Equal(t, uint64(20*4096), ep.Bytes)
	assert.Zero(t, ep.Mismatches)
	assert.Contains(t, b.out.(*bytes.Buffer).String(), "EP81h")
}

func TestBenchRunLoop(t *testing.T) {
	b := simBench(t)
	b.Test = "loop"
	b.Mode = "sync"
	b.BufferLength = 512
	b.Repeat = 100

	require.NoError(t, runBench(t, b))
	out := b.out.(*bytes.Buffer).String()
	assert.Contains(t, out, "EP01h")
	assert.Contains(t, out, "EP81h")
	assert.Contains(t, out, "mismatches 0")
}

func TestBenchRunTimeLimit(t *testing.T) {
	b := simBench(t)
	b.TimeLimit = 50 * time.Millisecond
	b.Report = filepath.Join(t.TempDir(), "report.json")

	require.NoError(t, runBench(t, b))

	data, err := os.ReadFile(b.Report)
	require.NoError(t, err)
	var rep Report
	require.NoError(t, json.Unmarshal(data, &rep))
	require.Len(t, rep.Endpoints, 1)
	assert.Equal(t, "user abort", rep.Endpoints[0].StopReason)
	assert.NotZero(t, rep.Endpoints[0].Transfers)
}

func TestBenchRunErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(b *Bench)
	}{
		{"unknown driver", func(b *Bench) { b.Driver = "nope" }},
		{"no device", func(b *Bench) { b.Vid = 0xdead }},
		{"no interface", func(b *Bench) { b.Interface = 3 }},
		{"bad endpoint", func(b *Bench) { b.Endpoint = 0x01 }},
		{"bad mode", func(b *Bench) { b.Mode = "bulk" }},
		{"iso geometry", func(b *Bench) { b.Alt = 1; b.BufferLength = 1000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := simBench(t)
			b.Repeat = 1
			tt.modify(b)
			assert.Error(t, runBench(t, b))
		})
	}
}

func TestBenchIsoGeometryIsConfigurationError(t *testing.T) {
	b := simBench(t)
	b.Alt = 1
	b.BufferLength = 1000
	var cerr *bench.ConfigurationError
	assert.ErrorAs(t, runBench(t, b), &cerr)
}

func TestSelectPipes(t *testing.T) {
	desc := benchmark.New(nil).GetDescriptor()
	bulk := desc.FindInterface(0, 0)
	iso := desc.FindInterface(0, 1)
	require.NotNil(t, bulk)
	require.NotNil(t, iso)

	tests := []struct {
		name string
		ic   *usb.InterfaceConfig
		test bench.TestType
		ep   uint8
		want []uint8
		err  bool
	}{
		{"read picks in", bulk, bench.TestRead, 0, []uint8{0x81}, false},
		{"write picks out", bulk, bench.TestWrite, 0, []uint8{0x01}, false},
		{"loop picks both", bulk, bench.TestLoop, 0, []uint8{0x01, 0x81}, false},
		{"explicit read", bulk, bench.TestRead, 0x81, []uint8{0x81}, false},
		{"loop pairs explicit", bulk, bench.TestLoop, 0x81, []uint8{0x01, 0x81}, false},
		{"wrong direction", bulk, bench.TestRead, 0x01, nil, true},
		{"missing endpoint", bulk, bench.TestRead, 0x83, nil, true},
		{"iso read", iso, bench.TestRead, 0, []uint8{0x82}, false},
		{"no test", bulk, bench.TestNone, 0, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pipes, err := selectPipes(tt.ic, tt.test, tt.ep)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			var got []uint8
			for _, p := range pipes {
				got = append(got, p.Address)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHexUnmarshal(t *testing.T) {
	var h Hex
	require.NoError(t, h.UnmarshalText([]byte("0x1004")))
	assert.Equal(t, Hex(0x1004), h)
	require.NoError(t, h.UnmarshalText([]byte("129")))
	assert.Equal(t, Hex(0x81), h)
	assert.Error(t, h.UnmarshalText([]byte("0x10000")))

	b, err := Hex(0xa000).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "0xa000", string(b))
}
