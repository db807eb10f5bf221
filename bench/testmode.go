package bench

import (
	"time"

	"github.com/Alia5/uvperf/driver"
	"github.com/Alia5/uvperf/usb"
)

// Vendor requests understood by the benchmark firmware.
const (
	RequestSetTest = 0x0E
	RequestGetTest = 0x0F
)

const controlTimeout = time.Second

func testModeRequest(req uint8, t TestType, intf uint8) usb.SetupPacket {
	return usb.SetupPacket{
		RequestType: usb.RequestDirIn | usb.RequestTypeVendor | usb.RecipientDevice,
		Request:     req,
		Value:       uint16(t),
		Index:       uint16(intf),
		Length:      1,
	}
}

// SetTestMode tells the device which test to run on interface intf. The
// device answers with exactly one byte.
func SetTestMode(dev driver.Device, intf uint8, t TestType) error {
	var b [1]byte
	n, err := dev.Control(testModeRequest(RequestSetTest, t, intf), b[:], controlTimeout)
	if err != nil {
		return configErr(0, err, "set test type %s", t)
	}
	if n != 1 {
		return configErr(0, nil, "set test type %s: device returned %d bytes", t, n)
	}
	return nil
}

// GetTestMode reads the active test type of interface intf.
func GetTestMode(dev driver.Device, intf uint8) (TestType, error) {
	var b [1]byte
	n, err := dev.Control(testModeRequest(RequestGetTest, TestNone, intf), b[:], controlTimeout)
	if err != nil {
		return TestNone, configErr(0, err, "get test type")
	}
	if n != 1 {
		return TestNone, configErr(0, nil, "get test type: device returned %d bytes", n)
	}
	return TestType(b[0]), nil
}
