package transport

import (
	"net/netip"

	"github.com/rasta-protocol/rasta-go/pkg/diagnostics"
)

// Datagram is one unit of received payload together with its sender. Data is
// an owned copy; callers may keep it.
type Datagram struct {
	Data []byte
	From netip.AddrPort
}

// Handler receives channel events on the reactor goroutine. Implementations
// must not block.
type Handler interface {
	// OnStateChange is called when a channel changes state. err is the cause
	// of a drop to StateDisconnected and nil for explicit closes.
	OnStateChange(ch *Channel, old, new ChannelState, err error)

	// OnData is called for every payload received on a connected channel.
	OnData(ch *Channel, dg Datagram)
}

// DiagnosticsHandler is notified when a channel completes a diagnostics window.
type DiagnosticsHandler interface {
	OnDiagnostics(ch *Channel, record diagnostics.Record)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	StateChange func(ch *Channel, old, new ChannelState, err error)
	Data        func(ch *Channel, dg Datagram)
}

// OnStateChange implements Handler.
func (f HandlerFuncs) OnStateChange(ch *Channel, old, new ChannelState, err error) {
	if f.StateChange != nil {
		f.StateChange(ch, old, new, err)
	}
}

// OnData implements Handler.
func (f HandlerFuncs) OnData(ch *Channel, dg Datagram) {
	if f.Data != nil {
		f.Data(ch, dg)
	}
}

// DiagnosticsFunc adapts a function to DiagnosticsHandler.
type DiagnosticsFunc func(ch *Channel, record diagnostics.Record)

// OnDiagnostics implements DiagnosticsHandler.
func (f DiagnosticsFunc) OnDiagnostics(ch *Channel, record diagnostics.Record) {
	f(ch, record)
}

var (
	_ Handler            = HandlerFuncs{}
	_ DiagnosticsHandler = DiagnosticsFunc(nil)
)
