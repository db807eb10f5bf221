package bench

import "fmt"

// Pattern is the reference chunk data is verified against. Byte 0 is always
// zero and byte 1 is the rolling key; the remaining bytes continue a counter
// that skips zero.
type Pattern []byte

// NewPattern returns the reference chunk for an endpoint with the given max
// packet size. Sizes below 2 cannot carry a key and yield a nil Pattern.
func NewPattern(size int) Pattern {
	if size < 2 {
		return nil
	}
	p := make(Pattern, size)
	var c byte
	for i := 1; i < size; i++ {
		c++
		if c == 0 {
			c = 1
		}
		p[i] = c
	}
	return p
}

// nextKey advances a rolling key, skipping zero.
func nextKey(k byte) byte {
	k++
	if k == 0 {
		k = 1
	}
	return k
}

// Fill writes consecutive pattern chunks into dst starting with key and
// returns the key for the next chunk. Devices use it to produce the stream
// a Verifier accepts.
func (p Pattern) Fill(dst []byte, key byte) byte {
	if len(p) < 2 {
		return key
	}
	for off := 0; off < len(dst); off += len(p) {
		n := copy(dst[off:], p)
		if n > 1 {
			dst[off+1] = key
		}
		key = nextKey(key)
	}
	return key
}

// ByteMismatch is one differing byte of a failed chunk.
type ByteMismatch struct {
	Offset   int
	Expected byte
	Got      byte
}

func (m ByteMismatch) String() string {
	return fmt.Sprintf("@%d expected %02X got %02X", m.Offset, m.Expected, m.Got)
}

// MismatchReport is the result of one Verifier.Check call.
type MismatchReport struct {
	Chunks    int
	BadChunks int
	// FirstBad is the data offset of the first failed chunk, -1 if none.
	FirstBad int
	// BadBytes counts the differing bytes of all failed chunks.
	BadBytes int
	// Details is only populated when the verifier reports details.
	Details []ByteMismatch
}

// OK reports whether every chunk matched.
func (r MismatchReport) OK() bool { return r.BadChunks == 0 }

// Verifier checks received data against a Pattern.
type Verifier struct {
	pattern Pattern
	details bool
}

// NewVerifier returns a Verifier for pattern. With details set every
// differing byte is collected.
func NewVerifier(pattern Pattern, details bool) *Verifier {
	return &Verifier{pattern: pattern, details: details}
}

// Pattern returns the reference chunk.
func (v *Verifier) Pattern() Pattern { return v.pattern }

// Check splits data into pattern sized chunks and compares each one. The key
// is seeded from the first chunk, then expected to increment per chunk. A key
// byte of zero is accepted as a roll marker. After a failed chunk the key is
// seeded again from the next one, so a single corrupted chunk is reported
// exactly once. A trailing single byte is not checked.
func (v *Verifier) Check(data []byte) MismatchReport {
	rep := MismatchReport{FirstBad: -1}
	p := v.pattern
	if len(p) < 2 {
		return rep
	}
	var key byte
	seed := true
	for off := 0; len(data)-off > 1; {
		n := min(len(p), len(data)-off)
		chunk := data[off : off+n]
		switch {
		case seed:
			key = chunk[1]
			seed = false
		case chunk[1] == 0:
			key = 0
		default:
			key = nextKey(key)
		}

		bad := chunk[0] != p[0] || chunk[1] != key
		for i := 2; !bad && i < n; i++ {
			bad = chunk[i] != p[i]
		}
		if bad {
			rep.BadChunks++
			if rep.FirstBad < 0 {
				rep.FirstBad = off
			}
			d := diff(chunk, p, key, off)
			rep.BadBytes += len(d)
			if v.details {
				rep.Details = append(rep.Details, d...)
			}
			seed = true
		}
		rep.Chunks++
		off += n
	}
	return rep
}

func diff(chunk []byte, p Pattern, key byte, base int) []ByteMismatch {
	var out []ByteMismatch
	for i := range chunk {
		want := p[i]
		if i == 1 {
			want = key
		}
		if chunk[i] != want {
			out = append(out, ByteMismatch{Offset: base + i, Expected: want, Got: chunk[i]})
		}
	}
	return out
}

// fillLoopFrames pre-fills an OUT buffer with max-packet sized frames: byte 0
// is zero, byte 1 the frame index modulo 256 and the rest a counter seeded at
// 2 that wraps to 1.
func fillLoopFrames(buf []byte, mps int) {
	if mps < 2 {
		return
	}
	for idx, off := 0, 0; off < len(buf); idx, off = idx+1, off+mps {
		frame := buf[off:min(off+mps, len(buf))]
		frame[0] = 0
		if len(frame) > 1 {
			frame[1] = byte(idx)
		}
		c := byte(2)
		for i := 2; i < len(frame); i++ {
			frame[i] = c
			c = nextKey(c)
		}
	}
}
