package cmd

import (
	"fmt"

	"github.com/Alia5/uvperf/bench"
	"github.com/Alia5/uvperf/usb"
)

// selectPipes returns the pipes a test runs on. With ep == 0 the first IN
// and/or OUT pipe of the alternate setting is used; a loop test with an
// explicit endpoint pairs it with the opposite direction of the same number.
func selectPipes(ic *usb.InterfaceConfig, test bench.TestType, ep uint8) ([]usb.Pipe, error) {
	pipes := ic.Pipes()
	find := func(match func(usb.Pipe) bool) (usb.Pipe, bool) {
		for _, p := range pipes {
			if p.Type == usb.TransferControl {
				continue
			}
			if match(p) {
				return p, true
			}
		}
		return usb.Pipe{}, false
	}
	byDir := func(dir usb.Direction) func(usb.Pipe) bool {
		return func(p usb.Pipe) bool {
			if p.Direction() != dir {
				return false
			}
			return ep == 0 || p.Address&0x0f == ep&0x0f
		}
	}

	var want []usb.Direction
	switch test {
	case bench.TestRead:
		want = []usb.Direction{usb.DirIn}
	case bench.TestWrite:
		want = []usb.Direction{usb.DirOut}
	case bench.TestLoop:
		want = []usb.Direction{usb.DirOut, usb.DirIn}
	default:
		return nil, fmt.Errorf("unsupported test type %s", test)
	}
	if ep != 0 && test != bench.TestLoop && usb.Direction(ep&usb.EndpointDirMask) != want[0] {
		return nil, fmt.Errorf("endpoint %02Xh cannot run a %s test", ep, test)
	}

	out := make([]usb.Pipe, 0, len(want))
	for _, dir := range want {
		p, ok := find(byDir(dir))
		if !ok {
			if ep != 0 {
				return nil, fmt.Errorf("interface %d alt %d has no %s endpoint %02Xh",
					ic.Descriptor.BInterfaceNumber, ic.Descriptor.BAlternateSetting, dir, ep&0x0f|uint8(dir))
			}
			return nil, fmt.Errorf("interface %d alt %d has no %s endpoint",
				ic.Descriptor.BInterfaceNumber, ic.Descriptor.BAlternateSetting, dir)
		}
		out = append(out, p)
	}
	return out, nil
}
