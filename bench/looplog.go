package bench

import (
	"bytes"
	"sync"
)

// DefaultLoopLogLimit bounds the bytes a LoopLog retains.
const DefaultLoopLogLimit = 16 << 20

// LoopLog records the payloads submitted by the OUT side of a loop test so
// the IN side can compare echoed data byte for byte, in order. It owns
// copies of the payloads; callers may reuse their buffers after Append.
type LoopLog struct {
	mu      sync.Mutex
	frames  [][]byte
	head    int // consumed bytes of frames[0]
	size    int
	limit   int
	dropped uint64
	skipped uint64
}

// NewLoopLog returns a log retaining at most limit bytes. A full log drops
// the oldest data.
func NewLoopLog(limit int) *LoopLog {
	if limit <= 0 {
		limit = DefaultLoopLogLimit
	}
	return &LoopLog{limit: limit}
}

// Append records a copy of p.
func (l *LoopLog) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	c := make([]byte, len(p))
	copy(c, p)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, c)
	l.size += len(c)
	for l.size > l.limit && len(l.frames) > 0 {
		n := len(l.frames[0]) - l.head
		if l.size-n < l.limit {
			l.head += l.size - l.limit
			l.dropped += uint64(l.size - l.limit)
			l.size = l.limit
			break
		}
		l.frames[0] = nil
		l.frames = l.frames[1:]
		l.head = 0
		l.size -= n
		l.dropped += uint64(n)
	}
}

// loopResyncFrames bounds how far ahead Match looks for the frame a
// mismatching piece of data continues.
const loopResyncFrames = 64

// Match consumes len(p) bytes of recorded data and returns the number of
// differing bytes. When data does not match the oldest recorded frame, a
// later frame whose start matches it is searched for; if found, the frames
// before it never reached the device and are skipped instead of compared.
// If fewer bytes were recorded than received, the available prefix is
// compared and ErrLoopUnderrun is returned.
func (l *LoopLog) Match(p []byte) (bad, skipped int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	off := 0
	for off < len(p) && len(l.frames) > 0 {
		f := l.frames[0][l.head:]
		n := min(len(f), len(p)-off)
		if !bytes.Equal(f[:n], p[off:off+n]) {
			if j := l.resync(p[off:]); j > 0 {
				skipped += l.skip(j)
				continue
			}
			for i := 0; i < n; i++ {
				if f[i] != p[off+i] {
					bad++
				}
			}
		}
		off += n
		l.size -= n
		l.head += n
		if l.head == len(l.frames[0]) {
			l.frames[0] = nil
			l.frames = l.frames[1:]
			l.head = 0
		}
	}
	l.skipped += uint64(skipped)
	if off < len(p) {
		return bad, skipped, ErrLoopUnderrun
	}
	return bad, skipped, nil
}

// resync returns the index of the first later frame that starts with p, or 0.
func (l *LoopLog) resync(p []byte) int {
	for j := 1; j < len(l.frames) && j <= loopResyncFrames; j++ {
		f := l.frames[j]
		n := min(len(f), len(p))
		if n >= 2 && bytes.Equal(f[:n], p[:n]) {
			return j
		}
	}
	return 0
}

// skip discards the first j frames and returns the discarded byte count.
func (l *LoopLog) skip(j int) int {
	n := len(l.frames[0]) - l.head
	for i := 1; i < j; i++ {
		n += len(l.frames[i])
	}
	for i := 0; i < j; i++ {
		l.frames[i] = nil
	}
	l.frames = l.frames[j:]
	l.head = 0
	l.size -= n
	return n
}

// Retract removes the most recent Append of p if none of it was matched
// yet. It is used when a payload was recorded but never sent.
func (l *LoopLog) Retract(p []byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	last := len(l.frames) - 1
	if last < 0 || (last == 0 && l.head > 0) || !bytes.Equal(l.frames[last], p) {
		return false
	}
	l.frames[last] = nil
	l.frames = l.frames[:last]
	l.size -= len(p)
	return true
}

// Len returns the number of recorded bytes not yet matched.
func (l *LoopLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Dropped returns the number of bytes discarded because the log was full.
func (l *LoopLog) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Skipped returns the number of recorded bytes Match skipped while
// resynchronizing.
func (l *LoopLog) Skipped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skipped
}
