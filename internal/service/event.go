package service

import "fmt"

// Kind identifies the transport event being routed.
type Kind int

const (
	// KindControl is a write to the control characteristic.
	KindControl Kind = iota
	// KindData is a write to the data characteristic.
	KindData
	// KindConnect is raised when a client connects.
	KindConnect
	// KindDisconnect is raised when the client goes away.
	KindDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindData:
		return "data"
	case KindConnect:
		return "connect"
	case KindDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one message from a transport.
type Event struct {
	Kind    Kind
	Payload []byte
}

// Control returns a control write event.
func Control(payload []byte) Event {
	return Event{Kind: KindControl, Payload: payload}
}

// Data returns a data write event.
func Data(payload []byte) Event {
	return Event{Kind: KindData, Payload: payload}
}

// Connected returns a connect event.
func Connected() Event {
	return Event{Kind: KindConnect}
}

// Disconnected returns a disconnect event.
func Disconnected() Event {
	return Event{Kind: KindDisconnect}
}
