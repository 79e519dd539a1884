package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/rasta-protocol/rasta-go/pkg/diagnostics"
	"github.com/rasta-protocol/rasta-go/pkg/log"
	"github.com/rasta-protocol/rasta-go/pkg/reactor"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Handle is the registry of one transport instance: its sockets, its
// redundancy channels in configuration order, the reactor driving them and
// the upper-layer handler. All methods except NewHandle must be called on
// the reactor goroutine.
type Handle struct {
	loop        reactor.Reactor
	logger      *zap.Logger
	plog        log.Logger
	handler     Handler
	diagHandler DiagnosticsHandler
	window      uint32

	sockets    map[int]*Socket
	redundancy [][]*Channel
	closed     bool
}

// Option configures a Handle.
type Option func(*Handle)

// WithLogger sets the operational logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handle) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithProtocolLogger sets the protocol event logger.
func WithProtocolLogger(l log.Logger) Option {
	return func(h *Handle) {
		if l != nil {
			h.plog = l
		}
	}
}

// WithHandler sets the upper-layer handler.
func WithHandler(handler Handler) Option {
	return func(h *Handle) {
		h.handler = handler
	}
}

// WithDiagnosticsHandler sets the receiver of completed diagnostics windows.
func WithDiagnosticsHandler(d DiagnosticsHandler) Option {
	return func(h *Handle) {
		h.diagHandler = d
	}
}

// WithDiagnosticsWindow sets N_diagnose. Zero disables window reporting.
func WithDiagnosticsWindow(n uint32) Option {
	return func(h *Handle) {
		h.window = n
	}
}

// NewHandle creates an empty transport instance driven by r.
func NewHandle(r reactor.Reactor, opts ...Option) *Handle {
	h := &Handle{
		loop:    r,
		logger:  zap.NewNop(),
		plog:    log.NoopLogger{},
		handler: HandlerFuncs{},
		window:  diagnostics.DefaultWindow,
		sockets: make(map[int]*Socket),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.handler == nil {
		h.handler = HandlerFuncs{}
	}
	return h
}

// Reactor returns the reactor driving this handle.
func (h *Handle) Reactor() reactor.Reactor { return h.loop }

// Logger returns the operational logger.
func (h *Handle) Logger() *zap.Logger { return h.logger }

// Handler returns the upper-layer handler.
func (h *Handle) Handler() Handler { return h.handler }

// SetHandler replaces the upper-layer handler, typically with a decorator
// wrapping the previous one.
func (h *Handle) SetHandler(handler Handler) {
	if handler == nil {
		handler = HandlerFuncs{}
	}
	h.handler = handler
}

// SetDiagnosticsHandler replaces the receiver of completed diagnostics windows.
func (h *Handle) SetDiagnosticsHandler(d DiagnosticsHandler) {
	h.diagHandler = d
}

// AddRedundancyChannel appends a redundancy channel made of the given
// transport channels and returns its index.
func (h *Handle) AddRedundancyChannel(chs ...*Channel) int {
	red := make([]*Channel, len(chs))
	copy(red, chs)
	h.redundancy = append(h.redundancy, red)
	return len(h.redundancy) - 1
}

// Socket returns the socket with the given id, or nil.
func (h *Handle) Socket(id int) *Socket {
	return h.sockets[id]
}

// Sockets returns all sockets ordered by id.
func (h *Handle) Sockets() []*Socket {
	out := make([]*Socket, 0, len(h.sockets))
	for _, s := range h.sockets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Channels returns the redundancy channels in configuration order.
func (h *Handle) Channels() [][]*Channel {
	out := make([][]*Channel, len(h.redundancy))
	for i, red := range h.redundancy {
		out[i] = append([]*Channel(nil), red...)
	}
	return out
}

// Channel returns the transport channel with the given id, or nil.
func (h *Handle) Channel(id int) *Channel {
	for _, red := range h.redundancy {
		for _, ch := range red {
			if ch.id == id {
				return ch
			}
		}
	}
	return nil
}

// Serve binds s to ip:port and, for stream sockets, starts listening.
func (h *Handle) Serve(s *Socket, ip string, port uint16) error {
	if err := s.Bind(ip, port); err != nil {
		return err
	}
	return s.Listen()
}

// Close closes every channel and then every socket. It is idempotent.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	var errs []error
	for _, red := range h.redundancy {
		for _, ch := range red {
			errs = append(errs, ch.Close())
		}
	}
	for _, s := range h.Sockets() {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// ChannelSnapshot is a point-in-time view of one transport channel.
type ChannelSnapshot struct {
	Redundancy  int                `yaml:"redundancy"`
	ID          int                `yaml:"id"`
	Remote      string             `yaml:"remote"`
	Peer        string             `yaml:"peer,omitempty"`
	State       string             `yaml:"state"`
	Session     string             `yaml:"session,omitempty"`
	Socket      int                `yaml:"socket"`
	Descriptor  int                `yaml:"descriptor"`
	Dialled     bool               `yaml:"dialled"`
	Diagnostics diagnostics.Record `yaml:"diagnostics"`
}

// Snapshot returns a view of every channel in configuration order.
func (h *Handle) Snapshot() []ChannelSnapshot {
	var out []ChannelSnapshot
	for r, red := range h.redundancy {
		for _, ch := range red {
			snap := ChannelSnapshot{
				Redundancy:  r,
				ID:          ch.id,
				Remote:      ch.remote.String(),
				State:       ch.state.String(),
				Socket:      ch.socketID,
				Descriptor:  ch.Descriptor(),
				Dialled:     ch.dialled,
				Diagnostics: ch.diag,
			}
			if ch.peer.IsValid() {
				snap.Peer = ch.peer.String()
			}
			if ch.sec.Enabled() {
				snap.Session = ch.SessionState().String()
			}
			out = append(out, snap)
		}
	}
	return out
}

// routeInbound hands an accepted connection to the matching channel, or
// closes it when the sender is unknown.
func (h *Handle) routeInbound(s *Socket, fd int, peer netip.AddrPort) {
	ch := h.channelFor(peer)
	if ch == nil {
		unix.Close(fd)
		h.logger.Warn("dropping connection from unknown peer",
			zap.Int("socket", s.id), zap.Stringer("peer", peer))
		h.errorEvent(log.LayerSocket, -1, s.id, peer, "accept", ErrUnroutable)
		return
	}
	ch.adopt(s, fd, peer)
}

// routeDatagram hands a received datagram to the matching channel, or drops it.
func (h *Handle) routeDatagram(s *Socket, dg Datagram) {
	ch := h.channelFor(dg.From)
	if ch == nil {
		h.logger.Debug("dropping datagram from unknown peer",
			zap.Int("socket", s.id), zap.Stringer("peer", dg.From), zap.Int("size", len(dg.Data)))
		h.errorEvent(log.LayerSocket, -1, s.id, dg.From, "receive", ErrUnroutable)
		return
	}
	ch.deliver(s, dg)
}

// socketClosed drops the datagram channels that borrowed the socket's descriptor.
func (h *Handle) socketClosed(s *Socket) {
	for _, red := range h.redundancy {
		for _, ch := range red {
			if ch.kind == KindUDP && ch.socketID == s.id && ch.state != StateDisconnected {
				ch.fail(fmt.Errorf("socket %d: %w", s.id, ErrClosed))
			}
		}
	}
}

func (h *Handle) emit(e log.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	h.plog.Log(e)
}

func (h *Handle) errorEvent(layer log.Layer, channelID, socketID int, remote netip.AddrPort, context string, err error) {
	e := log.Event{
		Layer:     layer,
		Category:  log.CategoryError,
		ChannelID: channelID,
		SocketID:  socketID,
		Error: &log.ErrorEventData{
			Layer:   layer,
			Message: err.Error(),
			Code:    errno(err),
			Context: context,
		},
	}
	if remote.IsValid() {
		e.RemoteAddr = remote.String()
	}
	h.emit(e)
}
