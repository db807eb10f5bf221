package bench_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alia5/uvperf/bench"
)

func TestLoopLogMatch(t *testing.T) {
	l := bench.NewLoopLog(0)
	l.Append([]byte{1, 2, 3})
	l.Append([]byte{4, 5})
	assert.Equal(t, 5, l.Len())

	bad, skipped, err := l.Match([]byte{1, 2})
	require.NoError(t, err)
	assert.Zero(t, bad)
	assert.Zero(t, skipped)

	bad, skipped, err = l.Match([]byte{3, 9, 5})
	require.NoError(t, err)
	assert.Equal(t, 1, bad)
	assert.Zero(t, skipped)
	assert.Zero(t, l.Len())

	bad, _, err = l.Match([]byte{1})
	assert.ErrorIs(t, err, bench.ErrLoopUnderrun)
	assert.Zero(t, bad)
}

func TestLoopLogOwnsCopies(t *testing.T) {
	l := bench.NewLoopLog(0)
	buf := []byte{7, 7}
	l.Append(buf)
	buf[0] = 0

	bad, _, err := l.Match([]byte{7, 7})
	require.NoError(t, err)
	assert.Zero(t, bad)
}

func TestLoopLogLimit(t *testing.T) {
	l := bench.NewLoopLog(4)
	l.Append([]byte{1, 2, 3})
	l.Append([]byte{4, 5, 6})
	assert.Equal(t, 4, l.Len())
	assert.Equal(t, uint64(2), l.Dropped())

	bad, _, err := l.Match([]byte{3, 4, 5, 6})
	require.NoError(t, err)
	assert.Zero(t, bad)
}

func TestLoopLogSkipsLostFrame(t *testing.T) {
	a := []byte{0, 0, 2, 3}
	b := []byte{0, 1, 2, 3}
	l := bench.NewLoopLog(0)
	for _, f := range [][]byte{a, b, a, b, a} {
		l.Append(f)
	}

	// The third frame never reached the device.
	for i, f := range [][]byte{a, b, b, a} {
		bad, skipped, err := l.Match(f)
		require.NoError(t, err)
		assert.Zero(t, bad, "frame %d", i)
		if i == 2 {
			assert.Equal(t, len(a), skipped)
		} else {
			assert.Zero(t, skipped, "frame %d", i)
		}
	}
	assert.Zero(t, l.Len())
	assert.Equal(t, uint64(len(a)), l.Skipped())
}

func TestLoopLogCorruptFrameDoesNotResync(t *testing.T) {
	l := bench.NewLoopLog(0)
	l.Append([]byte{0, 0, 2, 3})
	l.Append([]byte{0, 1, 2, 3})

	bad, skipped, err := l.Match([]byte{0, 0, 2, 9})
	require.NoError(t, err)
	assert.Equal(t, 1, bad)
	assert.Zero(t, skipped)

	bad, skipped, err = l.Match([]byte{0, 1, 2, 3})
	require.NoError(t, err)
	assert.Zero(t, bad)
	assert.Zero(t, skipped)
}

func TestLoopLogRetract(t *testing.T) {
	l := bench.NewLoopLog(0)
	l.Append([]byte{1, 2})
	l.Append([]byte{3, 4})

	assert.False(t, l.Retract([]byte{1, 2}))
	assert.True(t, l.Retract([]byte{3, 4}))
	assert.Equal(t, 2, l.Len())

	_, _, err := l.Match([]byte{1})
	require.NoError(t, err)
	assert.False(t, l.Retract([]byte{1, 2}), "partially matched frame")
}
