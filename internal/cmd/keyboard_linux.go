//go:build linux

package cmd

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// watchQuit puts the terminal on in into non-canonical mode and calls quit
// when 'q' is pressed. Output processing and signals stay enabled so log
// lines and Ctrl-C behave as usual. The returned func restores the terminal.
func watchQuit(in *os.File, quit func()) (restore func()) {
	fd := int(in.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	old, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return func() {}
	}
	cb := *old
	cb.Lflag &^= unix.ICANON | unix.ECHO
	cb.Cc[unix.VMIN] = 0
	cb.Cc[unix.VTIME] = 1
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &cb); err != nil {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		buf := make([]byte, 1)
		for {
			select {
			case <-done:
				return
			default:
			}
			n, _ := in.Read(buf)
			if n == 1 && isQuitKey(buf[0]) {
				quit()
				return
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, old)
	}
}
