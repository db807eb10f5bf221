package cmd

import (
	"fmt"
	"strings"

	"github.com/Alia5/uvperf/bench"

	"github.com/dustin/go-humanize"
)

func isQuitKey(b byte) bool { return b == 'q' || b == 'Q' }

func formatRate(bytesPerSec float64) string {
	if bytesPerSec <= 0 {
		return "0 B/s"
	}
	return humanize.Bytes(uint64(bytesPerSec)) + "/s"
}

func formatBits(bytesPerSec float64) string {
	return humanize.SIWithDigits(bytesPerSec*8, 2, "bps")
}

// statusLine renders one refresh of the running status.
func statusLine(rep bench.RunningStatusReport) string {
	var b strings.Builder
	for i, ep := range rep.Endpoints {
		if i > 0 {
			b.WriteString(" | ")
		}
		c := ep.Counters
		if ep.Synchronizing {
			fmt.Fprintf(&b, "EP%02Xh synchronizing (timeouts %d, errors %d)",
				ep.Pipe.Address, c.TotalTimeouts, c.TotalErrors)
			continue
		}
		fmt.Fprintf(&b, "EP%02Xh avg %s cur %s xfers %s",
			ep.Pipe.Address, formatRate(ep.Average), formatRate(ep.Current), humanize.Comma(int64(c.Transfers)))
		if c.ShortTransfers > 0 {
			fmt.Fprintf(&b, " short %s", humanize.Comma(int64(c.ShortTransfers)))
		}
		if c.Iso.Total > 0 {
			fmt.Fprintf(&b, " iso %s/%s/%s", humanize.Comma(int64(c.Iso.Total)),
				humanize.Comma(int64(c.Iso.Good)), humanize.Comma(int64(c.Iso.Bad)))
		}
		if c.TotalTimeouts > 0 || c.TotalErrors > 0 {
			fmt.Fprintf(&b, " timeouts %d errors %d", c.TotalTimeouts, c.TotalErrors)
		}
		if c.Mismatches > 0 {
			fmt.Fprintf(&b, " mismatches %d", c.Mismatches)
		}
	}
	if len(rep.Endpoints) > 1 && !rep.Synchronizing() {
		fmt.Fprintf(&b, " | total %s", formatRate(rep.Average()))
	}
	return b.String()
}
