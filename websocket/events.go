package websocket

import "fmt"

// EventKind enumerates the lifecycle events a Client emits.
type EventKind int

const (
	// EventProbe reports the reachability probe that precedes every attempt.
	EventProbe EventKind = iota
	EventOpen
	EventMessage
	EventClose
	EventPing
	EventPong
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventProbe:
		return "probe"
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventPing:
		return "ping"
	case EventPong:
		return "pong"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is one lifecycle notification. Generation identifies the Start call
// whose connection attempt produced it.
type Event struct {
	Kind       EventKind
	Generation uint64

	// Payload holds the frame data for EventMessage.
	Payload []byte
	// Body holds the probe response body for a successful EventProbe.
	Body string
	// Err is set for EventError and for a failed EventProbe.
	Err error
	// WasConnected reports, for EventClose, whether the handle had been open.
	WasConnected bool
}

// Handler receives events. Events from one connection handle are delivered
// in order and never concurrently; the handler must not block for long and
// must not call Start.
type Handler func(Event)
