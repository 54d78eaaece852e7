package protocol

import "strings"

// GATT identifiers of the OTA service.
const (
	ServiceUUID = "0192fa61-3a6f-7278-9c88-293869284c63"
	ControlUUID = "0192fa61-6877-7864-8506-20d94dcb9538"
	DataUUID    = "0192fa61-6877-7d9a-afa5-3b58f345ea41"
	StatusUUID  = "0192fa61-6877-79e4-a88a-2e99fa9c548d"
)

// Command is an ASCII control command written to the control characteristic.
type Command string

// Control commands
const (
	CommandStart Command = "start"
	CommandAbort Command = "abort"
)

// ParseCommand returns the command carried by a control write.
// Unknown values are reported with ok=false and must be ignored by callers.
func ParseCommand(value []byte) (cmd Command, ok bool) {
	switch Command(value) {
	case CommandStart:
		return CommandStart, true
	case CommandAbort:
		return CommandAbort, true
	default:
		return "", false
	}
}

// Bytes returns the wire form of the command.
func (c Command) Bytes() []byte {
	return []byte(c)
}

// Wire sizes
const (
	HeaderSize      = 20
	ChunkHeaderSize = 8
	StatusSize      = 2
)

// HeaderMagic is the sentinel every update header must start with.
const HeaderMagic uint32 = 0x12345678

// Default transfer parameters
const (
	// DefaultMTU is the ATT MTU most centrals negotiate with NimBLE peripherals.
	DefaultMTU = 247
	// ATTOverhead is the ATT write request header (opcode + handle).
	ATTOverhead = 3
)

// ChunkPayloadSize returns the largest chunk payload that fits a single
// write for the given ATT MTU.
func ChunkPayloadSize(mtu int) int {
	size := mtu - ATTOverhead - ChunkHeaderSize
	if size < 1 {
		return 1
	}
	return size
}

// NormalizeUUID lowercases a UUID string for comparison with BlueZ values.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(uuid)
}
