package bench

import (
	"fmt"
	"strconv"

	units "github.com/docker/go-units"
)

// Size is a byte count that accepts human readable units ("4k", "1MiB",
// "512") when parsed from text.
type Size int

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Size) UnmarshalText(text []byte) error {
	n, err := units.RAMInBytes(string(text))
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

var sizeUnits = []struct {
	n   int64
	sym string
}{
	{units.GiB, "GiB"},
	{units.MiB, "MiB"},
	{units.KiB, "KiB"},
}

// MarshalText implements encoding.TextMarshaler. Whole multiples of a binary
// unit come out as "1KiB", anything else as plain bytes.
func (s Size) MarshalText() ([]byte, error) {
	for _, u := range sizeUnits {
		if s != 0 && int64(s)%u.n == 0 {
			return fmt.Appendf(nil, "%d%s", int64(s)/u.n, u.sym), nil
		}
	}
	return strconv.AppendInt(nil, int64(s), 10), nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}
