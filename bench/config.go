// Package bench is the transfer pipeline of the benchmark: endpoint sessions
// with a fixed ring of reusable transfer slots, the worker loop that keeps
// them busy and recovers from transfer failures, the deterministic pattern
// verifier and the statistics monitor polled by the status display.
package bench

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects how transfers are issued.
type Mode int

const (
	// ModeSync issues one blocking transfer per iteration.
	ModeSync Mode = iota
	// ModeAsync keeps BufferCount transfers in flight.
	ModeAsync
)

func (m Mode) String() string {
	if m == ModeAsync {
		return "async"
	}
	return "sync"
}

// ParseMode parses "sync" or "async".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "sync", "":
		return ModeSync, nil
	case "async":
		return ModeAsync, nil
	}
	return ModeSync, fmt.Errorf("unknown transfer mode %q", s)
}

// TestType is the device test mode. The values are the wValue of the
// vendor set-test request.
type TestType uint8

const (
	TestNone  TestType = 0x00
	TestRead  TestType = 0x01
	TestWrite TestType = 0x02
	TestLoop  TestType = TestRead | TestWrite
)

func (t TestType) String() string {
	switch t {
	case TestRead:
		return "read"
	case TestWrite:
		return "write"
	case TestLoop:
		return "loop"
	default:
		return "none"
	}
}

// ParseTestType parses "read", "write" or "loop".
func ParseTestType(s string) (TestType, error) {
	switch strings.ToLower(s) {
	case "read", "in":
		return TestRead, nil
	case "write", "out":
		return TestWrite, nil
	case "loop":
		return TestLoop, nil
	}
	return TestNone, fmt.Errorf("unknown test type %q", s)
}

// Config is the per-endpoint test configuration. Zero lengths default to
// BufferLength.
type Config struct {
	Mode    Mode
	Timeout time.Duration

	BufferLength int
	BufferCount  int
	ReadLength   int
	WriteLength  int

	// Repeat stops the worker after that many successful transfers; 0 runs
	// until cancelled or the retry limit is exceeded.
	Repeat uint64
	// Retry is the number of consecutive failures of one class tolerated.
	Retry int

	Verify        bool
	VerifyDetails bool
	Test          TestType

	// IsoPackets fixes the number of packets per isochronous transfer;
	// 0 derives it from BufferLength.
	IsoPackets int
	RawIO      bool
	IsoASAP    bool
}

// DefaultConfig mirrors the defaults of the command line.
func DefaultConfig() Config {
	return Config{
		Mode:         ModeSync,
		Timeout:      3 * time.Second,
		BufferLength: 1024,
		BufferCount:  1,
		Verify:       true,
		Test:         TestRead,
	}
}

func (c Config) readLength() int {
	if c.ReadLength > 0 {
		return c.ReadLength
	}
	return c.BufferLength
}

func (c Config) writeLength() int {
	if c.WriteLength > 0 {
		return c.WriteLength
	}
	return c.BufferLength
}
