package usb

// Device is the minimal interface an in-process simulated device implements.
// It only handles non-EP0 (bulk/interrupt/isochronous) transfers.
type Device interface {
	// HandleTransfer processes one non-EP0 transfer. ep is the endpoint
	// address including the direction bit.
	// For IN transfers, return up to max bytes of payload, an empty non-nil
	// slice for a zero-length packet, or nil when no data is ready yet (NAK);
	// for OUT, consume out and return nil.
	HandleTransfer(ep uint8, out []byte, max int) []byte
	GetDescriptor() *Descriptor
}

// ControlHandler is implemented by simulated devices that answer
// class or vendor requests on EP0. For IN requests the returned slice is
// the data stage; ok=false stalls the request.
type ControlHandler interface {
	HandleControl(setup SetupPacket, out []byte) (in []byte, ok bool)
}
