package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Alia5/uvperf/bench"
	"github.com/Alia5/uvperf/driver"
	"github.com/Alia5/uvperf/internal/configpaths"

	"github.com/dustin/go-humanize"
)

// Report is the final result of a benchmark run.
type Report struct {
	Device    string           `json:"device" yaml:"device" toml:"device"`
	Driver    string           `json:"driver" yaml:"driver" toml:"driver"`
	Test      string           `json:"test" yaml:"test" toml:"test"`
	Mode      string           `json:"mode" yaml:"mode" toml:"mode"`
	Started   time.Time        `json:"started" yaml:"started" toml:"started"`
	Finished  time.Time        `json:"finished" yaml:"finished" toml:"finished"`
	Endpoints []EndpointReport `json:"endpoints" yaml:"endpoints" toml:"endpoints"`
}

// EndpointReport holds the lifetime counters of one endpoint.
type EndpointReport struct {
	Endpoint        string  `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Type            string  `json:"type" yaml:"type" toml:"type"`
	StopReason      string  `json:"stopReason" yaml:"stopReason" toml:"stopReason"`
	Bytes           uint64  `json:"bytes" yaml:"bytes" toml:"bytes"`
	Transfers       uint64  `json:"transfers" yaml:"transfers" toml:"transfers"`
	ShortTransfers  uint64  `json:"shortTransfers" yaml:"shortTransfers" toml:"shortTransfers"`
	ZeroLength      uint64  `json:"zeroLength" yaml:"zeroLength" toml:"zeroLength"`
	Timeouts        uint64  `json:"timeouts" yaml:"timeouts" toml:"timeouts"`
	Errors          uint64  `json:"errors" yaml:"errors" toml:"errors"`
	Mismatches      uint64  `json:"mismatches" yaml:"mismatches" toml:"mismatches"`
	MismatchedBytes uint64  `json:"mismatchedBytes" yaml:"mismatchedBytes" toml:"mismatchedBytes"`
	LoopUnderruns   uint64  `json:"loopUnderruns,omitempty" yaml:"loopUnderruns,omitempty" toml:"loopUnderruns,omitempty"`
	LoopSkipped     uint64  `json:"loopSkipped,omitempty" yaml:"loopSkipped,omitempty" toml:"loopSkipped,omitempty"`
	IsoTotal        uint64  `json:"isoTotal,omitempty" yaml:"isoTotal,omitempty" toml:"isoTotal,omitempty"`
	IsoGood         uint64  `json:"isoGood,omitempty" yaml:"isoGood,omitempty" toml:"isoGood,omitempty"`
	IsoBad          uint64  `json:"isoBad,omitempty" yaml:"isoBad,omitempty" toml:"isoBad,omitempty"`
	BytesPerSecond  float64 `json:"bytesPerSecond" yaml:"bytesPerSecond" toml:"bytesPerSecond"`
	Elapsed         string  `json:"elapsed" yaml:"elapsed" toml:"elapsed"`
}

func newReport(info driver.Info, drv string, cfg bench.Config, started, finished time.Time, workers []*bench.Worker) Report {
	r := Report{
		Device:   info.String(),
		Driver:   drv,
		Test:     cfg.Test.String(),
		Mode:     cfg.Mode.String(),
		Started:  started,
		Finished: finished,
	}
	for _, w := range workers {
		s := w.Session()
		c := s.Counters()
		r.Endpoints = append(r.Endpoints, EndpointReport{
			Endpoint:        fmt.Sprintf("%02Xh", s.Pipe().Address),
			Type:            s.Pipe().Type.String(),
			StopReason:      w.Reason().String(),
			Bytes:           c.TotalBytes,
			Transfers:       c.Transfers,
			ShortTransfers:  c.ShortTransfers,
			ZeroLength:      c.ZeroLength,
			Timeouts:        c.TotalTimeouts,
			Errors:          c.TotalErrors,
			Mismatches:      c.Mismatches,
			MismatchedBytes: c.MismatchedBytes,
			LoopUnderruns:   c.LoopUnderruns,
			LoopSkipped:     c.LoopSkipped,
			IsoTotal:        c.Iso.Total,
			IsoGood:         c.Iso.Good,
			IsoBad:          c.Iso.Bad,
			BytesPerSecond:  bench.AverageRate(c),
			Elapsed:         c.Elapsed().Round(time.Millisecond).String(),
		})
	}
	return r
}

// Print writes the human readable summary.
func (r Report) Print(w io.Writer) {
	fmt.Fprintf(w, "%s test on %s (%s, %s mode)\n", r.Test, r.Device, r.Driver, r.Mode)
	for _, ep := range r.Endpoints {
		fmt.Fprintf(w, "  EP%s %-11s %s in %s transfers over %s: avg %s (%s), stopped: %s\n",
			ep.Endpoint, ep.Type,
			humanize.IBytes(ep.Bytes), humanize.Comma(int64(ep.Transfers)), ep.Elapsed,
			formatRate(ep.BytesPerSecond), formatBits(ep.BytesPerSecond), ep.StopReason)
		fmt.Fprintf(w, "    short %d, zero-length %d, timeouts %d, errors %d, mismatches %d (%s)\n",
			ep.ShortTransfers, ep.ZeroLength, ep.Timeouts, ep.Errors, ep.Mismatches, humanize.IBytes(ep.MismatchedBytes))
		if ep.IsoTotal > 0 {
			fmt.Fprintf(w, "    iso packets total %s, good %s, bad %s\n",
				humanize.Comma(int64(ep.IsoTotal)), humanize.Comma(int64(ep.IsoGood)), humanize.Comma(int64(ep.IsoBad)))
		}
		if ep.LoopUnderruns > 0 || ep.LoopSkipped > 0 {
			fmt.Fprintf(w, "    loop underruns %d, never echoed %s\n", ep.LoopUnderruns, humanize.IBytes(ep.LoopSkipped))
		}
	}
}

// Marshal encodes the report as json, yaml or toml.
func (r Report) Marshal(format string) ([]byte, error) {
	return marshalAs(r, format)
}

// Write stores the report at path.
func (r Report) Write(path, format string) error {
	data, err := r.Marshal(format)
	if err != nil {
		return err
	}
	if err := configpaths.EnsureDir(path); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
