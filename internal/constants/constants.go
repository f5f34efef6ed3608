package constants

import "time"

// Protocol-fixed sizes, per the CDUS/CUSE wire contract and the USB side
// of the bridge. These are not tunables: changing TDSize or TDsPerEndpoint
// changes the admission arithmetic in the endpoint engine. The FIFO sizes
// below are fixed values; only OutFIFOSize is derived, from InFIFOSize and
// MaxPayload.
const (
	// MaxPayload is the largest READ/WRITE body the server ever negotiates
	// with the kernel (128 KiB).
	MaxPayload = 0x20000

	// TDSize is the buffer size of one transfer descriptor (64 KiB).
	TDSize = 65536

	// TDsPerEndpoint is the fixed pool size per endpoint.
	TDsPerEndpoint = 10

	// InFIFOSize is the ring buffer capacity for a source (IN) endpoint.
	InFIFOSize = 262144

	// OutFIFOSize is the ring buffer capacity for a sink (OUT) endpoint.
	// One extra MaxPayload over InFIFOSize so a full-size WRITE can always
	// be admitted before the previous WRITE has fully drained into TDs.
	OutFIFOSize = InFIFOSize + MaxPayload

	// CharDeviceMajor is the CUSE INIT reply's dev_major.
	CharDeviceMajor = 456

	// CuseProtocolMajor and CuseProtocolMinor are the minimum kernel
	// protocol version accepted at INIT; earlier minors lack event fields
	// in POLL requests.
	CuseProtocolMajor = 7
	CuseProtocolMinor = 21
)

// Timer durations reused by the single per-file timerfd.
const (
	// PartialReadWindow bounds how long a READ waits for more data once
	// some, but not all, of the requested size has arrived.
	PartialReadWindow = 10 * time.Millisecond

	// ReleaseDrainGrace bounds how long RELEASE waits for in-flight OUT
	// data to drain before forcing the file closed.
	ReleaseDrainGrace = 1 * time.Second
)

// EndpointNamePattern documents the character-device naming convention;
// callers format it as fmt.Sprintf(EndpointNamePattern, kind, dir, num)
// where kind is "bulk"/"interrupt" and dir is "in"/"out".
const EndpointNamePattern = "usbpiper_%s_%s_%02d"
