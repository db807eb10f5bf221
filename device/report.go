// Package device holds what simulated devices share: creation options and
// the payload source abstraction their IN endpoints are built on.
package device

// Source produces IN payloads.
type Source interface {
	// Fill writes the next payload into dst and returns its length. A
	// negative length means no data is ready.
	Fill(dst []byte) int
}

// CreateOptions overrides parts of a simulated device's default descriptor.
type CreateOptions struct {
	IdVendor  *uint16
	IdProduct *uint16
	// MaxPacketSize overrides the bulk endpoint packet size.
	MaxPacketSize *uint16
}
