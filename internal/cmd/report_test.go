package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"

	"github.com/Alia5/uvperf/bench"
	"github.com/Alia5/uvperf/usb"
)

func sampleReport() Report {
	return Report{
		Device:   "001:001 1004:a000 sim:benchmark",
		Driver:   "sim",
		Test:     "read",
		Mode:     "async",
		Started:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Finished: time.Date(2026, 1, 2, 3, 4, 15, 0, time.UTC),
		Endpoints: []EndpointReport{{
			Endpoint:       "81h",
			Type:           "Bulk",
			StopReason:     "completed",
			Bytes:          10_000_000,
			Transfers:      2442,
			BytesPerSecond: 1_000_000,
			Elapsed:        "10s",
		}},
	}
}

func TestReportMarshal(t *testing.T) {
	r := sampleReport()
	for _, format := range []string{"json", "yaml", "yml", "toml"} {
		t.Run(format, func(t *testing.T) {
			data, err := r.Marshal(format)
			require.NoError(t, err)
			assert.Contains(t, string(data), "81h")
			assert.Contains(t, string(data), "bytesPerSecond")
		})
	}
	data, err := r.Marshal("json")
	require.NoError(t, err)
	assert.NotContains(t, string(data), "loopUnderruns")

	_, err = r.Marshal("xml")
	assert.Error(t, err)
}

func TestReportWriteYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "report.yaml")
	require.NoError(t, sampleReport().Write(path, "yaml"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Report
	require.NoError(t, yaml.Unmarshal(data, &got))
	assert.Equal(t, sampleReport(), got)
}

func TestReportPrint(t *testing.T) {
	var buf bytes.Buffer
	sampleReport().Print(&buf)
	out := buf.String()
	assert.Contains(t, out, "read test on 001:001 1004:a000 sim:benchmark")
	assert.Contains(t, out, "9.5 MiB")
	assert.Contains(t, out, "2,442 transfers")
	assert.Contains(t, out, "1.0 MB/s")
	assert.Contains(t, out, "8 Mbps")
	assert.NotContains(t, out, "iso packets")
	assert.NotContains(t, out, "loop underruns")
}

func TestReportPrintIso(t *testing.T) {
	r := sampleReport()
	r.Endpoints[0].Type = "Isochronous"
	r.Endpoints[0].IsoTotal = 3000
	r.Endpoints[0].IsoGood = 2990
	r.Endpoints[0].IsoBad = 10
	r.Endpoints[0].ShortTransfers = 4

	var buf bytes.Buffer
	r.Print(&buf)
	assert.Contains(t, buf.String(), "iso packets total 3,000, good 2,990, bad 10")
	assert.Contains(t, buf.String(), "short 4,")

	// packets that all came back empty are still reported
	r.Endpoints[0].IsoGood = 0
	r.Endpoints[0].IsoBad = 0
	buf.Reset()
	r.Print(&buf)
	assert.Contains(t, buf.String(), "iso packets total 3,000, good 0, bad 0")
}

func TestStatusLine(t *testing.T) {
	in := usb.Pipe{Address: 0x81, Type: usb.TransferBulk}
	out := usb.Pipe{Address: 0x01, Type: usb.TransferBulk}

	sync := statusLine(bench.RunningStatusReport{Endpoints: []bench.EndpointStatus{
		{Pipe: in, Synchronizing: true, Counters: bench.Counters{TotalTimeouts: 2}},
	}})
	assert.Equal(t, "EP81h synchronizing (timeouts 2, errors 0)", sync)

	line := statusLine(bench.RunningStatusReport{Endpoints: []bench.EndpointStatus{
		{Pipe: out, Average: 1_000_000, Current: 2_000_000, Counters: bench.Counters{Transfers: 1234}},
		{Pipe: in, Average: 500_000, Current: 0, Counters: bench.Counters{Transfers: 10, TotalErrors: 1, Mismatches: 3}},
	}})
	assert.Contains(t, line, "EP01h avg 1.0 MB/s cur 2.0 MB/s xfers 1,234")
	assert.Contains(t, line, "EP81h avg 500 kB/s cur 0 B/s xfers 10 timeouts 0 errors 1 mismatches 3")
	assert.Contains(t, line, "total 1.5 MB/s")

	iso := usb.Pipe{Address: 0x82, Type: usb.TransferIsochronous}
	line = statusLine(bench.RunningStatusReport{Endpoints: []bench.EndpointStatus{
		{Pipe: iso, Average: 1000, Current: 1000, Counters: bench.Counters{
			Transfers:      5,
			ShortTransfers: 2,
			Iso:            bench.IsoResults{Total: 1200, Good: 1100, Bad: 3},
		}},
	}})
	assert.Equal(t, "EP82h avg 1.0 kB/s cur 1.0 kB/s xfers 5 short 2 iso 1,200/1,100/3", line)
}

func TestConfigInitBench(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, (&ConfigInit{Command: "bench", Format: "yaml", Output: dest}).Run())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, yaml.Unmarshal(data, &m))
	assert.Equal(t, "usbfs", m["driver"])
	assert.Equal(t, "0x1004", m["vid"])
	assert.Equal(t, "0xa000", m["pid"])
	assert.Equal(t, "1KiB", m["bufferLength"])
	assert.Equal(t, "0", m["readLength"])
	assert.Equal(t, "0x0000", m["endpoint"])
	assert.Equal(t, "3s", m["timeout"])
	assert.Equal(t, true, m["verify"])
	assert.Equal(t, "read", m["test"])
	assert.NotContains(t, m, "out")

	assert.Error(t, (&ConfigInit{Command: "bench", Format: "yaml", Output: dest}).Run())
	assert.NoError(t, (&ConfigInit{Command: "bench", Format: "yaml", Output: dest, Force: true}).Run())
}

func TestConfigInitTOMLRoundTrip(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "bench.toml")
	require.NoError(t, (&ConfigInit{Command: "bench", Format: "toml", Output: dest}).Run())

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	tree, err := toml.LoadBytes(data)
	require.NoError(t, err)

	var size bench.Size
	require.NoError(t, size.UnmarshalText([]byte(tree.Get("bufferLength").(string))))
	assert.Equal(t, bench.Size(bench.DefaultConfig().BufferLength), size)
	var vid Hex
	require.NoError(t, vid.UnmarshalText([]byte(tree.Get("vid").(string))))
	assert.Equal(t, Hex(0x1004), vid)
}

func TestBenchDefaultsMatchFlags(t *testing.T) {
	var cli struct {
		Bench Bench `cmd:""`
		List  List  `cmd:""`
	}
	parser, err := kong.New(&cli)
	require.NoError(t, err)

	_, err = parser.Parse([]string{"bench"})
	require.NoError(t, err)
	assert.Equal(t, benchDefaults(), cli.Bench)

	_, err = parser.Parse([]string{"list"})
	require.NoError(t, err)
	assert.Equal(t, defaultSelector(), cli.List.DeviceSelector)
}

func TestListSim(t *testing.T) {
	var buf bytes.Buffer
	l := &List{DeviceSelector: DeviceSelector{Driver: "sim", Vid: 0x1004, Pid: 0xa000}, out: &buf}
	require.NoError(t, l.Run(discardLogger()))
	out := buf.String()
	assert.Contains(t, out, "1004:a000")
	assert.Contains(t, out, "interface 0 alt 0")
	assert.Contains(t, out, "EP81h in  Bulk        mps  512")
	assert.Contains(t, out, "EP82h in  Isochronous mps 1024 interval 1, 1.0 KiB per interval")

	buf.Reset()
	l.Vid = 0xdead
	require.NoError(t, l.Run(discardLogger()))
	assert.Contains(t, buf.String(), "no devices found on sim")
}
