package log

import (
	"time"

	"github.com/rasta-protocol/rasta-go/pkg/diagnostics"
)

// Event represents a protocol log event captured at any transport layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies one connection attempt or accepted connection (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// Direction indicates message flow.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// ChannelID is the transport channel identifier (-1 when not channel related).
	ChannelID int `cbor:"6,keyasint"`

	// SocketID is the transport socket identifier (-1 when not socket related).
	SocketID int `cbor:"7,keyasint"`

	// RemoteAddr is the peer address (IP:port).
	RemoteAddr string `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"12,keyasint,omitempty"`
	Diagnostics *DiagnosticsEvent `cbor:"13,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionIn indicates incoming data.
	DirectionIn Direction = 0
	// DirectionOut indicates outgoing data.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which transport entity captured the event.
type Layer uint8

const (
	// LayerSocket is a local listening or bound endpoint.
	LayerSocket Layer = 0
	// LayerChannel is a point-to-point transport channel.
	LayerChannel Layer = 1
	// LayerSession is the optional TLS/DTLS session of a channel.
	LayerSession Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerSocket:
		return "SOCKET"
	case LayerChannel:
		return "CHANNEL"
	case LayerSession:
		return "SESSION"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryData indicates payload bytes sent or received.
	CategoryData Category = 0
	// CategoryState indicates a state change.
	CategoryState Category = 1
	// CategoryError indicates an error event.
	CategoryError Category = 2
	// CategoryDiagnostics indicates a completed diagnostics window.
	CategoryDiagnostics Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryData:
		return "DATA"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	case CategoryDiagnostics:
		return "DIAGNOSTICS"
	default:
		return "UNKNOWN"
	}
}

// MaxFrameData is the number of payload bytes kept in a FrameEvent.
const MaxFrameData = 256

// FrameEvent captures payload bytes at the channel or session layer.
type FrameEvent struct {
	// Size is the payload size in bytes.
	Size int `cbor:"1,keyasint"`

	// Data is the payload (may be truncated for large payloads).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// NewFrameEvent copies at most MaxFrameData bytes of data.
func NewFrameEvent(data []byte) *FrameEvent {
	f := &FrameEvent{Size: len(data)}
	n := len(data)
	if n > MaxFrameData {
		n = MaxFrameData
		f.Truncated = true
	}
	f.Data = append([]byte(nil), data[:n]...)
	return f
}

// StateChangeEvent captures channel, socket and session lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityChannel indicates a transport channel state change.
	StateEntityChannel StateEntity = 0
	// StateEntitySession indicates a secure session state change.
	StateEntitySession StateEntity = 1
	// StateEntitySocket indicates a transport socket state change.
	StateEntitySocket StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityChannel:
		return "CHANNEL"
	case StateEntitySession:
		return "SESSION"
	case StateEntitySocket:
		return "SOCKET"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the OS error number (if applicable).
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}

// DiagnosticsEvent carries a completed diagnostics window of a channel.
type DiagnosticsEvent struct {
	// Window is the configured N_diagnose.
	Window uint32 `cbor:"1,keyasint"`

	// Record is the channel's record at window completion.
	Record diagnostics.Record `cbor:"2,keyasint"`
}
