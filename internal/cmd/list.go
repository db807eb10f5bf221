package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Alia5/uvperf/driver"
	"github.com/Alia5/uvperf/usb"

	"github.com/dustin/go-humanize"
)

// List enumerates devices and dumps their interfaces and endpoints.
type List struct {
	DeviceSelector `embed:""`

	All bool `help:"List every device instead of only the selected vendor/product" default:"false" env:"UVPERF_LIST_ALL"`

	out io.Writer
}

// Run is called by Kong when the list command is executed.
func (l *List) Run(logger *slog.Logger) error {
	out := l.out
	if out == nil {
		out = os.Stdout
	}
	ctx := context.Background()

	drv, err := l.backend()
	if err != nil {
		return err
	}
	infos, err := drv.List(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	shown := 0
	for _, info := range infos {
		if !l.All && !l.matches(info) {
			continue
		}
		shown++
		dev, err := drv.Open(ctx, info)
		if err != nil {
			logger.Warn("Cannot open device", "device", info.String(), "error", err)
			fmt.Fprintf(out, "%s (not accessible)\n", info)
			continue
		}
		printDevice(out, info, dev.Descriptor())
		if err := dev.Close(); err != nil {
			logger.Debug("Close failed", "device", info.String(), "error", err)
		}
	}
	if shown == 0 {
		fmt.Fprintf(out, "no devices found on %s\n", l.Driver)
	}
	return nil
}

func printDevice(w io.Writer, info driver.Info, d *usb.Descriptor) {
	fmt.Fprintf(w, "%s", info)
	if s := describeStrings(d); s != "" {
		fmt.Fprintf(w, " %s", s)
	}
	fmt.Fprintf(w, " (USB %x.%02x)\n", d.Device.BcdUSB>>8, d.Device.BcdUSB&0xff)
	for _, ic := range d.Interfaces {
		id := ic.Descriptor
		fmt.Fprintf(w, "  interface %d alt %d class %02x/%02x/%02x\n",
			id.BInterfaceNumber, id.BAlternateSetting, id.BInterfaceClass, id.BInterfaceSubClass, id.BInterfaceProtocol)
		for _, p := range ic.Pipes() {
			fmt.Fprintf(w, "    EP%02Xh %-3s %-11s mps %4d", p.Address, p.Direction(), p.Type, p.MaxPacketSize)
			if p.Type == usb.TransferIsochronous || p.Type == usb.TransferInterrupt {
				fmt.Fprintf(w, " interval %d, %s per interval", p.Interval, humanize.IBytes(uint64(p.MaxBytesPerInterval)))
			}
			fmt.Fprintln(w)
		}
	}
}

func describeStrings(d *usb.Descriptor) string {
	if d.Strings == nil {
		return ""
	}
	mfr := d.Strings[d.Device.IManufacturer]
	prod := d.Strings[d.Device.IProduct]
	switch {
	case mfr != "" && prod != "":
		return mfr + " " + prod
	case prod != "":
		return prod
	default:
		return mfr
	}
}
