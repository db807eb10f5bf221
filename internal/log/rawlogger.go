package log

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Alia5/uvperf/usb"
)

// RawLogger dumps transfer payloads.
type RawLogger interface {
	Log(dir usb.Direction, ep uint8, data []byte)
}

type rawLogger struct {
	w   io.Writer
	max int
	mu  sync.Mutex
}

// NewRaw creates a RawLogger writing to w. A nil writer yields a no-op
// logger. Payloads longer than limit bytes are truncated; limit <= 0 dumps them
// whole.
func NewRaw(w io.Writer, limit int) RawLogger {
	return &rawLogger{w: w, max: limit}
}

// Log emits one line per payload with timestamp, direction, endpoint and a
// hex dump.
func (r *rawLogger) Log(dir usb.Direction, ep uint8, data []byte) {
	if len(data) == 0 || r.w == nil {
		return
	}

	shown := data
	if r.max > 0 && len(shown) > r.max {
		shown = shown[:r.max]
	}

	var hexbuf bytes.Buffer
	const hexdigits = "0123456789abcdef"
	for i, b := range shown {
		if i > 0 {
			hexbuf.WriteByte(' ')
		}
		hexbuf.WriteByte(hexdigits[b>>4])
		hexbuf.WriteByte(hexdigits[b&0x0f])
	}
	if len(shown) < len(data) {
		hexbuf.WriteString(" ...")
	}

	line := fmt.Sprintf("%s %-3s EP%02Xh %d bytes: %s\n",
		time.Now().Format("15:04:05.000000"),
		dir,
		ep,
		len(data),
		hexbuf.String())

	r.mu.Lock()
	_, _ = r.w.Write([]byte(line))
	r.mu.Unlock()
}
