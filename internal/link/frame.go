// Package link carries the OTA characteristics over a SLIP-framed serial
// line, for devices whose radio is a BLE-UART bridge. Each frame is one
// characteristic write or notification: [channel u8][payload].
package link

import (
	"fmt"

	"github.com/pkg/errors"
)

// Channel identifies what a frame carries.
type Channel byte

// Link channels
const (
	ChannelControl    Channel = 0x01
	ChannelData       Channel = 0x02
	ChannelStatus     Channel = 0x03
	ChannelQuery      Channel = 0x04
	ChannelConnect    Channel = 0x10
	ChannelDisconnect Channel = 0x11
)

func (c Channel) String() string {
	switch c {
	case ChannelControl:
		return "control"
	case ChannelData:
		return "data"
	case ChannelStatus:
		return "status"
	case ChannelQuery:
		return "query"
	case ChannelConnect:
		return "connect"
	case ChannelDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("channel(0x%02X)", byte(c))
	}
}

// MaxFrame bounds a decoded frame: the largest ATT write plus the channel.
const MaxFrame = 512 + 1

// ErrEmptyFrame is returned for a frame without a channel byte.
var ErrEmptyFrame = errors.New("empty link frame")

// Frame is one decoded link message.
type Frame struct {
	Channel Channel
	Payload []byte
}

// Encode returns the unframed wire form.
func (f Frame) Encode() []byte {
	out := make([]byte, 1+len(f.Payload))
	out[0] = byte(f.Channel)
	copy(out[1:], f.Payload)
	return out
}

// DecodeFrame parses b. The payload is copied.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) == 0 {
		return Frame{}, ErrEmptyFrame
	}
	payload := make([]byte, len(b)-1)
	copy(payload, b[1:])
	return Frame{Channel: Channel(b[0]), Payload: payload}, nil
}
