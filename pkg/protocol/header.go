package protocol

import "errors"

// Protocol version
const Version uint8 = 1

// Sentinel errors shared across packages.
var (
	ErrBadSegment         = errors.New("malformed segment")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrSessionClosed      = errors.New("session closed")
	ErrDeliveryFailed     = errors.New("delivery failed: retries exhausted")
	ErrWindowTimeout      = errors.New("timed out waiting for send window")
	ErrChannelClosed      = errors.New("channel closed")
)

// Segment types
const (
	TypeData uint8 = 0x01 // reliable payload, acknowledged per sequence
	TypeAck  uint8 = 0x02 // acknowledges one DATA sequence
	TypePing uint8 = 0x04 // liveness/RTT probe
	TypePong uint8 = 0x05 // answer to PING, echoes seq and payload
)

// Flags (4 bits, stored in lower nibble of first byte alongside version).
// All bits are currently reserved for extensions; they round-trip through
// the codec untouched.
const FlagMask uint8 = 0x0F
