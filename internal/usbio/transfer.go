package usbio

import "context"

// InTransferEndpoint is the subset of *gousb.InEndpoint the engine needs.
// Abstracting it lets the engine be tested with a fake device instead of
// real hardware or a real libusb context, the same way the teacher's
// queue runner depends on an interfaces.Backend rather than a concrete
// storage type.
type InTransferEndpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// OutTransferEndpoint is the subset of *gousb.OutEndpoint the engine
// needs. gousb's OutEndpoint has no context-aware write, so cancellation
// is implemented by cancelling the goroutine's context and letting the
// blocked Write return on its own once the transfer unblocks or the
// device is closed; see Endpoint.CancelAll.
type OutTransferEndpoint interface {
	Write(buf []byte) (int, error)
}

// InTransferEndpoint and OutTransferEndpoint are satisfied by *gousb.InEndpoint
// and *gousb.OutEndpoint respectively (both implement exactly the methods
// above), so a caller holding opened gousb endpoints can pass them
// directly to NewEndpoint without an adapter shim.
