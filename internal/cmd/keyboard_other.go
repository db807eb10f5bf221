//go:build !linux

package cmd

import (
	"bufio"
	"os"

	"golang.org/x/term"
)

// watchQuit calls quit when a line starting with 'q' is entered on in.
func watchQuit(in *os.File, quit func()) (restore func()) {
	if !term.IsTerminal(int(in.Fd())) {
		return func() {}
	}
	go func() {
		r := bufio.NewReader(in)
		for {
			line, err := r.ReadString('\n')
			if len(line) > 0 && isQuitKey(line[0]) {
				quit()
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return func() {}
}
