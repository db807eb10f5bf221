//go:build linux

package usbfs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/Alia5/uvperf/driver"
	"github.com/Alia5/uvperf/usb"
)

// DefaultRoot is where usbfs device nodes live.
const DefaultRoot = "/dev/bus/usb"

// Driver enumerates and opens usbfs device nodes below Root.
type Driver struct {
	Root   string
	Logger *slog.Logger
}

func init() {
	driver.Register("usbfs", &Driver{Root: DefaultRoot})
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// List reads the descriptors of every node below Root. Nodes that can not
// be read are skipped.
func (d *Driver) List(ctx context.Context) ([]driver.Info, error) {
	nodes, err := filepath.Glob(filepath.Join(d.Root, "[0-9][0-9][0-9]", "[0-9][0-9][0-9]"))
	if err != nil {
		return nil, err
	}
	sort.Strings(nodes)

	var out []driver.Info
	for _, node := range nodes {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		info, err := nodeInfo(node)
		if err != nil {
			d.logger().Debug("Skipping device node", "path", node, "error", err)
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func nodeInfo(node string) (driver.Info, error) {
	bus, err := strconv.ParseUint(filepath.Base(filepath.Dir(node)), 10, 8)
	if err != nil {
		return driver.Info{}, err
	}
	addr, err := strconv.ParseUint(filepath.Base(node), 10, 8)
	if err != nil {
		return driver.Info{}, err
	}
	raw, err := os.ReadFile(node)
	if err != nil {
		return driver.Info{}, err
	}
	desc, err := usb.ParseDescriptor(raw)
	if err != nil {
		return driver.Info{}, err
	}
	return driver.Info{
		Bus:       uint8(bus),
		Address:   uint8(addr),
		VendorID:  desc.Device.IDVendor,
		ProductID: desc.Device.IDProduct,
		Path:      node,
	}, nil
}

// Open opens the node of info read-write.
func (d *Driver) Open(_ context.Context, info driver.Info) (driver.Device, error) {
	path := info.Path
	if path == "" {
		path = filepath.Join(d.Root, fmt.Sprintf("%03d", info.Bus), fmt.Sprintf("%03d", info.Address))
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, wrapErr("open", err))
	}
	raw, err := io.ReadAll(fdReader(fd))
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("read descriptors of %s: %w", path, err)
	}
	desc, err := usb.ParseDescriptor(raw)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("parse descriptors of %s: %w", path, err)
	}
	info.Path = path
	d.logger().Debug("Opened device", "device", info)
	return newDevice(fd, info, desc, d.logger().With("device", path)), nil
}

type fdReader int

func (r fdReader) Read(p []byte) (int, error) {
	n, err := unix.Read(int(r), p)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	if n < 0 {
		n = 0
	}
	return n, err
}
