package usbpiper

import "github.com/billauer/usbpiper/internal/constants"

// Re-exported for callers of the public API who need the protocol-fixed
// sizes without importing the internal package directly.
const (
	MaxPayload         = constants.MaxPayload
	TDSize             = constants.TDSize
	TDsPerEndpoint     = constants.TDsPerEndpoint
	InFIFOSize         = constants.InFIFOSize
	OutFIFOSize        = constants.OutFIFOSize
	CharDeviceMajor    = constants.CharDeviceMajor
	CuseProtocolMajor  = constants.CuseProtocolMajor
	CuseProtocolMinor  = constants.CuseProtocolMinor
	PartialReadWindow  = constants.PartialReadWindow
	ReleaseDrainGrace  = constants.ReleaseDrainGrace
)
