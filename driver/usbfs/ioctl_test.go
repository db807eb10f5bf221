//go:build linux && (amd64 || arm64)

package usbfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/Alia5/uvperf/driver"
	th "github.com/Alia5/uvperf/internal/testing"
	"github.com/Alia5/uvperf/usb"
)

func TestIoctlNumbers(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"CONTROL", ioctlControl, 0xc0185500},
		{"BULK", ioctlBulk, 0xc0185502},
		{"SETINTERFACE", ioctlSetInterface, 0x80085504},
		{"SUBMITURB", ioctlSubmitURB, 0x8038550a},
		{"DISCARDURB", ioctlDiscardURB, 0x0000550b},
		{"REAPURBNDELAY", ioctlReapURBNDelay, 0x4008550d},
		{"CLAIMINTERFACE", ioctlClaim, 0x8004550f},
		{"RELEASEINTERFACE", ioctlRelease, 0x80045510},
		{"IOCTL", ioctlIoctl, 0xc0105512},
		{"CLEAR_HALT", ioctlClearHalt, 0x80045515},
		{"DISCONNECT", ioctlDisconnect, 0x00005516},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.got, tt.name)
	}
	assert.Equal(t, uintptr(56), urbSize)
	assert.Equal(t, uintptr(12), isoDescSize)
}

func TestStatusError(t *testing.T) {
	tests := []struct {
		errno unix.Errno
		class error
	}{
		{unix.ETIMEDOUT, driver.ErrTimeout},
		{unix.ENOENT, driver.ErrCancelled},
		{unix.ECONNRESET, driver.ErrCancelled},
		{unix.EPIPE, driver.ErrStall},
		{unix.ENODEV, driver.ErrNoDevice},
		{unix.EOVERFLOW, driver.ErrOverflow},
		{unix.EPROTO, driver.ErrIO},
	}
	for _, tt := range tests {
		err := wrapErr("bulk", tt.errno)
		assert.ErrorIs(t, err, tt.class, tt.errno.Error())
		var se *driver.StatusError
		assert.ErrorAs(t, err, &se)
		assert.Equal(t, int(tt.errno), se.Status)
	}
	assert.True(t, driver.IsTimeout(wrapErr("bulk", unix.ENOENT)))
}

func TestURBType(t *testing.T) {
	assert.Equal(t, uint8(urbTypeIso), urbType(usb.TransferIsochronous))
	assert.Equal(t, uint8(urbTypeBulk), urbType(usb.TransferBulk))
	assert.Equal(t, uint8(urbTypeInterrupt), urbType(usb.TransferInterrupt))
}

func TestList(t *testing.T) {
	root := t.TempDir()
	d := &Driver{Root: root}
	infos, err := d.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, infos)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "003"), 0o755))
	node := filepath.Join(root, "003", "012")
	require.NoError(t, os.WriteFile(node, th.BulkDescriptor(512).Bytes(), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "003", "013"), []byte{1, 2}, 0o644))

	infos, err = d.List(t.Context())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, driver.Info{Bus: 3, Address: 12, VendorID: 0x1004, ProductID: 0xa000, Path: node}, infos[0])
}

func TestPollState(t *testing.T) {
	assert.Equal(t, pollIdle, pollState(0))
	assert.Equal(t, pollReady, pollState(unix.POLLOUT))
	assert.Equal(t, pollGone, pollState(unix.POLLOUT|unix.POLLHUP))
	assert.Equal(t, pollGone, pollState(unix.POLLERR))

	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	defer unix.Close(p[0])
	defer unix.Close(p[1])

	fds := []unix.PollFd{{Fd: int32(p[1]), Events: reapEvents}}
	n, err := unix.Poll(fds, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, pollReady, pollState(fds[0].Revents))
}
