package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/rasta-protocol/rasta-go/pkg/diagnostics"
	"github.com/rasta-protocol/rasta-go/pkg/log"
	"github.com/rasta-protocol/rasta-go/pkg/reactor"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// maxPendingOut bounds the unsent bytes queued behind a partial stream write.
	maxPendingOut = 1 << 20

	// maxPendingDatagrams bounds routed datagrams not yet received.
	maxPendingDatagrams = 256

	resolveTimeout = 5 * time.Second
)

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithSender replaces the send capability chosen from the security mode.
func WithSender(s Sender) ChannelOption {
	return func(c *Channel) {
		c.sender = s
	}
}

// WithSocket associates the channel with a socket. Datagram channels send
// and receive through that socket's descriptor.
func WithSocket(id int) ChannelOption {
	return func(c *Channel) {
		c.socketID = id
	}
}

// WithKind selects stream (default) or datagram transport.
func WithKind(k Kind) ChannelOption {
	return func(c *Channel) {
		c.kind = k
	}
}

// WithAddress supplies the address host already resolved to, so NewChannel
// does not resolve on the calling goroutine. addr must be IPv4.
func WithAddress(addr netip.Addr) ChannelOption {
	return func(c *Channel) {
		c.remote = netip.AddrPortFrom(addr.Unmap(), 0)
	}
}

// Channel is a logical connection to one configured remote peer.
//
// A stream channel owns its descriptor; a datagram channel borrows the
// descriptor of its associated socket. With security enabled the channel
// owns one Session per connection; a closed session is never reused, every
// connection gets a new one. The struct itself lives for the whole process
// and is reused by Redial.
//
// Methods must be called on the reactor goroutine.
type Channel struct {
	h        *Handle
	id       int
	host     string
	remote   netip.AddrPort
	kind     Kind
	sec      *Security
	sender   Sender
	socketID int

	state   ChannelState
	dialled bool
	connID  uuid.UUID
	peer    netip.AddrPort

	fd          int
	reg         reactor.Registration
	session     *Session
	idleSession SessionState
	reported    SessionState
	dconn       *datagramConn

	out     []byte
	pending []Datagram
	buf     []byte

	diag diagnostics.Record
}

// NewChannel creates a channel to host:port. host is a dotted IPv4 address
// or a name resolved once, here, unless WithAddress supplies the address; a
// resolution failure is returned and not retried. Callers on the reactor
// goroutine resolve names beforehand with Resolve.
func NewChannel(h *Handle, id int, host string, port uint16, sec *Security, opts ...ChannelOption) (*Channel, error) {
	c := &Channel{
		h:           h,
		id:          id,
		host:        host,
		sec:         sec,
		socketID:    -1,
		fd:          -1,
		idleSession: SessionReady,
		reported:    SessionClosed,
		diag:        diagnostics.New(time.Now()),
	}
	for _, opt := range opts {
		opt(c)
	}

	addr := c.remote.Addr()
	switch {
	case !addr.IsValid():
		var err error
		if addr, err = Resolve(context.Background(), host); err != nil {
			return nil, fmt.Errorf("channel %d: %w", id, err)
		}
	case !addr.Is4():
		return nil, fmt.Errorf("channel %d: %w: %s is not IPv4", id, ErrResolve, addr)
	}
	c.remote = netip.AddrPortFrom(addr, port)

	switch {
	case c.kind == KindTCP && sec.Mode() == SecurityDTLS:
		return nil, fmt.Errorf("channel %d: dtls requires a udp channel", id)
	case c.kind == KindUDP && sec.Mode() == SecurityTLS:
		return nil, fmt.Errorf("channel %d: tls requires a tcp channel", id)
	}
	if c.sender == nil {
		c.sender = DefaultSender(sec)
	}
	return c, nil
}

// Resolve maps host to its IPv4 address. A dotted address is parsed; a name
// is looked up, bounded by ctx and a fixed timeout.
func Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		addr = addr.Unmap()
		if !addr.Is4() {
			return netip.Addr{}, fmt.Errorf("%w: %s is not IPv4", ErrResolve, host)
		}
		return addr, nil
	}

	ctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %s: %v", ErrResolve, host, err)
	}
	for _, a := range addrs {
		if a = a.Unmap(); a.Is4() {
			return a, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %s has no IPv4 address", ErrResolve, host)
}

// ID returns the channel identifier.
func (c *Channel) ID() int { return c.id }

// Host returns the configured host.
func (c *Channel) Host() string { return c.host }

// Remote returns the configured remote address. It never changes.
func (c *Channel) Remote() netip.AddrPort { return c.remote }

// Peer returns the address of the current or last connection's peer.
func (c *Channel) Peer() netip.AddrPort { return c.peer }

// Kind returns the channel kind.
func (c *Channel) Kind() Kind { return c.kind }

// Security returns the shared security context, nil for plain channels.
func (c *Channel) Security() *Security { return c.sec }

// State returns the connection state.
func (c *Channel) State() ChannelState { return c.state }

// Connected reports whether application data may flow.
func (c *Channel) Connected() bool { return c.state == StateConnected }

// Dialled reports whether the current connection was initiated locally.
func (c *Channel) Dialled() bool { return c.dialled }

// ConnectionID identifies the current connection attempt.
func (c *Channel) ConnectionID() uuid.UUID { return c.connID }

// Sender returns the channel's send capability.
func (c *Channel) Sender() Sender { return c.sender }

// SocketID returns the associated socket, or -1.
func (c *Channel) SocketID() int { return c.socketID }

// SetSocket associates the channel with a socket. It does not affect an
// existing connection.
func (c *Channel) SetSocket(id int) { c.socketID = id }

// Descriptor returns the descriptor carrying the channel's traffic, or -1.
// For datagram channels this is the associated socket's descriptor.
func (c *Channel) Descriptor() int {
	if c.kind == KindTCP {
		return c.fd
	}
	if c.state == StateDisconnected {
		return -1
	}
	if s := c.h.Socket(c.socketID); s != nil {
		return s.Descriptor()
	}
	return -1
}

// SessionState returns the state of the secure session. A channel that has
// not connected yet reports SessionReady.
func (c *Channel) SessionState() SessionState {
	if c.session != nil {
		return c.session.State()
	}
	return c.idleSession
}

// Diagnostics returns a copy of the diagnostics record.
func (c *Channel) Diagnostics() diagnostics.Record { return c.diag }

// RecordDelay accounts the delivery delay of a message relative to its
// first arrival on any channel of the redundancy channel.
func (c *Channel) RecordDelay(d time.Duration) { c.diag.Drift(d) }

// RecordMissed accounts a message this channel never delivered.
func (c *Channel) RecordMissed() { c.diag.Missed() }

// Connect starts a non-blocking connection attempt and returns immediately.
// Completion is reported through the handler. An error means the attempt
// could not even be issued; the channel stays disconnected.
func (c *Channel) Connect() error {
	if c.state != StateDisconnected {
		return fmt.Errorf("channel %d: %w", c.id, ErrAlreadyConnected)
	}
	c.connID = uuid.New()
	c.dialled = true
	c.peer = c.remote

	if c.kind == KindUDP {
		return c.connectDatagram()
	}

	fd, err := newSocketFD(KindTCP)
	if err != nil {
		return fmt.Errorf("channel %d: %w", c.id, err)
	}
	if err := unix.Connect(fd, sockaddr(c.remote)); err != nil && !errors.Is(err, unix.EINPROGRESS) {
		if errors.Is(classify("connect", err), ErrResourceExhausted) {
			unix.Close(fd)
			return fmt.Errorf("channel %d: %w", c.id, classify("connect", err))
		}
		// Refused before the call returned: report it like a late failure.
		c.fd = fd
		c.setState(StateConnecting, nil)
		connErr := fmt.Errorf("connect %s: %w", c.remote, err)
		attempt := c.connID
		c.h.loop.Post(func() {
			if c.connID == attempt && c.state == StateConnecting {
				c.fail(connErr)
			}
		})
		return nil
	}
	reg, err := c.h.loop.Register(fd, reactor.Writable, c.onReady)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("channel %d: register: %w", c.id, err)
	}
	c.fd, c.reg = fd, reg

	c.h.logger.Debug("connecting", zap.Int("channel", c.id), zap.Stringer("remote", c.remote), zap.Int("fd", fd))
	c.setState(StateConnecting, nil)
	return nil
}

func (c *Channel) connectDatagram() error {
	sock := c.h.Socket(c.socketID)
	if sock == nil || !sock.Bound() {
		return fmt.Errorf("channel %d: %w", c.id, ErrNoSocket)
	}

	c.setState(StateConnecting, nil)
	if c.sec.Mode() == SecurityDTLS {
		c.startDatagramSession(sock, c.remote, true)
		return nil
	}
	c.setState(StateConnected, nil)
	return nil
}

// Redial releases any existing descriptor and session and issues a new
// Connect. The old descriptor is always released before a new one is
// requested.
func (c *Channel) Redial() error {
	c.release()
	c.setState(StateDisconnected, nil)
	return c.Connect()
}

// Close releases the descriptor and session. It is idempotent.
func (c *Channel) Close() error {
	c.release()
	c.dialled = false
	c.setState(StateDisconnected, nil)
	return nil
}

// Send hands data to the channel's Sender. It returns ErrWouldBlock when the
// data could not be queued; a fatal write error drops the channel.
func (c *Channel) Send(data []byte) error {
	if c.state != StateConnected {
		return fmt.Errorf("channel %d: %w", c.id, ErrNotConnected)
	}
	if err := c.sender.Send(c, data); err != nil {
		if !errors.Is(err, ErrWouldBlock) && c.fatalSendError() {
			c.fail(err)
		}
		return err
	}
	c.frameEvent(log.DirectionOut, data)
	return nil
}

// fatalSendError reports whether a failed send broke the connection. A
// plain datagram channel survives a failed sendto.
func (c *Channel) fatalSendError() bool {
	if c.session != nil {
		return true
	}
	return c.kind == KindTCP
}

// Receive reads one payload without blocking. It returns ErrWouldBlock when
// nothing is pending and io.EOF when the peer closed the stream.
func (c *Channel) Receive() (Datagram, error) {
	if c.state != StateConnected {
		return Datagram{}, ErrNotConnected
	}

	var dg Datagram
	switch {
	case c.session != nil:
		data, err := c.session.Read()
		if err != nil {
			return c.receiveFailed(err)
		}
		dg = Datagram{Data: data, From: c.peer}

	case c.kind == KindUDP:
		if len(c.pending) == 0 {
			return Datagram{}, ErrWouldBlock
		}
		dg = c.pending[0]
		c.pending[0] = Datagram{}
		c.pending = c.pending[1:]

	default:
		if c.buf == nil {
			c.buf = make([]byte, maxDatagramSize)
		}
		n, err := unix.Read(c.fd, c.buf)
		if err != nil {
			return c.receiveFailed(classify("read", err))
		}
		if n == 0 {
			return c.receiveFailed(io.EOF)
		}
		data := make([]byte, n)
		copy(data, c.buf[:n])
		dg = Datagram{Data: data, From: c.peer}
	}

	c.received(dg)
	return dg, nil
}

func (c *Channel) receiveFailed(err error) (Datagram, error) {
	if !errors.Is(err, ErrWouldBlock) && !isOrderlyClose(err) {
		c.diag.Failed()
	}
	return Datagram{}, err
}

func (c *Channel) received(dg Datagram) {
	now := time.Now()
	c.diag.Received(len(dg.Data), now)
	c.frameEvent(log.DirectionIn, dg.Data)

	if !c.diag.Complete(c.h.window) {
		return
	}
	record := c.diag
	c.h.emit(log.Event{
		Timestamp:    now,
		ConnectionID: c.connID.String(),
		Layer:        log.LayerChannel,
		Category:     log.CategoryDiagnostics,
		ChannelID:    c.id,
		SocketID:     c.socketID,
		RemoteAddr:   c.peer.String(),
		Diagnostics:  &log.DiagnosticsEvent{Window: c.h.window, Record: record},
	})
	if c.h.diagHandler != nil {
		c.h.diagHandler.OnDiagnostics(c, record)
	}
	c.diag.Reset(now)
}

// onReady is the reactor handler of a stream channel's descriptor.
func (c *Channel) onReady(ready reactor.Interest) {
	switch c.state {
	case StateConnecting:
		if err := socketError(c.fd); err != nil {
			c.fail(fmt.Errorf("connect %s: %w", c.remote, err))
			return
		}
		if c.sec.Enabled() {
			c.startStreamSession(true)
			return
		}
		if err := c.reg.Modify(reactor.Readable); err != nil {
			c.fail(err)
			return
		}
		c.h.logger.Info("channel connected", zap.Int("channel", c.id), zap.Stringer("remote", c.remote))
		c.setState(StateConnected, nil)

	case StateConnected:
		if ready&reactor.Writable != 0 {
			c.flush()
		}
		if ready&reactor.Readable != 0 {
			c.drain()
		}
	}
}

// drain delivers every pending payload to the handler.
func (c *Channel) drain() {
	for c.state == StateConnected {
		dg, err := c.Receive()
		switch {
		case err == nil:
			c.h.handler.OnData(c, dg)
		case errors.Is(err, ErrWouldBlock):
			return
		default:
			c.fail(err)
			return
		}
	}
}

// adopt takes over a connection accepted on s. A connection that is still
// up is released first; the latest connection wins.
func (c *Channel) adopt(s *Socket, fd int, peer netip.AddrPort) {
	if c.kind != KindTCP {
		unix.Close(fd)
		c.h.logger.Warn("stream connection for datagram channel", zap.Int("channel", c.id), zap.Stringer("peer", peer))
		c.h.errorEvent(log.LayerChannel, c.id, s.id, peer, "accept", ErrUnroutable)
		return
	}
	if c.state != StateDisconnected {
		c.h.logger.Info("replacing connection", zap.Int("channel", c.id), zap.Stringer("peer", peer))
		c.dialled = false
		c.release()
		c.setState(StateDisconnected, nil)
	}

	c.dialled = false
	c.connID = uuid.New()
	c.fd = fd
	c.peer = peer
	c.socketID = s.id

	if c.sec.Enabled() {
		c.setState(StateConnecting, nil)
		c.startStreamSession(false)
		return
	}

	reg, err := c.h.loop.Register(fd, reactor.Readable, c.onReady)
	if err != nil {
		c.fail(fmt.Errorf("register: %w", err))
		return
	}
	c.reg = reg
	c.h.logger.Info("channel accepted", zap.Int("channel", c.id), zap.Stringer("peer", peer))
	c.setState(StateConnected, nil)
}

// deliver takes a datagram routed to this channel by socket s.
func (c *Channel) deliver(s *Socket, dg Datagram) {
	if c.kind != KindUDP {
		c.h.errorEvent(log.LayerChannel, c.id, s.id, dg.From, "receive", ErrUnroutable)
		return
	}

	if c.sec.Mode() == SecurityDTLS {
		if c.session == nil || c.session.State() == SessionClosed {
			// A peer is starting a handshake: become the server side.
			if c.state != StateDisconnected {
				c.dialled = false
				c.release()
				c.setState(StateDisconnected, nil)
			}
			c.dialled = false
			c.connID = uuid.New()
			c.socketID = s.id
			c.peer = dg.From
			c.setState(StateConnecting, nil)
			c.startDatagramSession(s, dg.From, false)
		}
		c.dconn.feed(dg.Data)
		return
	}

	if len(c.pending) >= maxPendingDatagrams {
		c.h.logger.Debug("receive queue full, dropping datagram", zap.Int("channel", c.id))
		c.diag.Failed()
		return
	}
	c.peer = dg.From
	c.pending = append(c.pending, dg)
	if c.state != StateConnected {
		c.connID = uuid.New()
		c.socketID = s.id
		c.setState(StateConnected, nil)
	}
	c.drain()
}

func (c *Channel) startStreamSession(client bool) {
	if c.reg != nil {
		c.reg.Cancel()
		c.reg = nil
	}
	conn, err := fileConn(c.fd)
	if err != nil {
		c.fail(err)
		return
	}
	c.session = newSession(c.sec, conn, client, c.sessionNotify)
	c.sessionEvent(SessionClosed, SessionReady, "")
}

func (c *Channel) startDatagramSession(s *Socket, remote netip.AddrPort, client bool) {
	c.dconn = newDatagramConn(s, remote)
	c.session = newSession(c.sec, c.dconn, client, c.sessionNotify)
	c.sessionEvent(SessionClosed, SessionReady, "")
}

// sessionNotify runs on session helper goroutines.
func (c *Channel) sessionNotify(s *Session) {
	c.h.loop.Post(func() { c.onSession(s) })
}

func (c *Channel) onSession(s *Session) {
	if c.session != s {
		return
	}

	switch s.State() {
	case SessionReady:
		state, err := s.Step()
		switch state {
		case SessionEstablished:
			c.sessionEvent(SessionReady, SessionEstablished, "")
			if c.kind == KindUDP {
				if sock := c.h.Socket(c.socketID); sock != nil {
					sock.sessionEstablished()
				}
			}
			c.h.logger.Info("secure channel established",
				zap.Int("channel", c.id), zap.Stringer("peer", c.peer), zap.Bool("client", s.Client()))
			c.setState(StateConnected, nil)
			c.drain()
		case SessionClosed:
			c.sessionEvent(SessionReady, SessionClosed, err.Error())
			c.fail(err)
		}

	case SessionEstablished:
		c.drain()
	}
}

func (c *Channel) writePlain(data []byte) error {
	if c.kind == KindUDP {
		sock := c.h.Socket(c.socketID)
		if sock == nil {
			return ErrNoSocket
		}
		return sock.sendTo(data, c.peer)
	}
	return c.writeStream(data)
}

// writeStream writes without blocking. A partial write queues the rest and
// arms write readiness; later sends queue behind it.
func (c *Channel) writeStream(data []byte) error {
	if len(c.out) > 0 {
		if len(c.out)+len(data) > maxPendingOut {
			return ErrWouldBlock
		}
		c.out = append(c.out, data...)
		return nil
	}

	n, err := unix.SendmsgN(c.fd, data, nil, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) {
			return classify("write", err)
		}
		return ErrWouldBlock
	}
	if n == len(data) {
		return nil
	}

	c.out = append(c.out[:0], data[n:]...)
	return c.reg.Modify(reactor.Readable | reactor.Writable)
}

func (c *Channel) flush() {
	for len(c.out) > 0 {
		n, err := unix.SendmsgN(c.fd, c.out, nil, nil, unix.MSG_NOSIGNAL)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return
			}
			c.fail(classify("write", err))
			return
		}
		c.out = c.out[n:]
	}
	c.out = nil
	if err := c.reg.Modify(reactor.Readable); err != nil {
		c.fail(err)
	}
}

// release frees the descriptor and session without changing state.
func (c *Channel) release() {
	if c.reg != nil {
		c.reg.Cancel()
		c.reg = nil
	}
	if c.session != nil {
		c.session.Close()
		if c.reported != SessionClosed {
			c.sessionEvent(c.reported, SessionClosed, "released")
		}
		c.session = nil
		c.idleSession = SessionClosed
	}
	// The session closes its datagram conn after sending the close alert.
	c.dconn = nil
	if c.kind == KindTCP && c.fd >= 0 {
		unix.Close(c.fd)
	}
	c.fd = -1
	c.out = nil
	c.pending = nil
}

// fail drops the connection because of err.
func (c *Channel) fail(err error) {
	c.release()
	if isOrderlyClose(err) {
		c.h.logger.Info("peer closed channel", zap.Int("channel", c.id), zap.Stringer("peer", c.peer))
	} else {
		c.h.logger.Warn("channel failed", zap.Int("channel", c.id), zap.Stringer("peer", c.peer), zap.Error(err))
		c.h.errorEvent(log.LayerChannel, c.id, c.socketID, c.peer, "channel", err)
	}
	c.setState(StateDisconnected, err)
}

func (c *Channel) setState(state ChannelState, err error) {
	old := c.state
	if old == state {
		return
	}
	c.state = state

	reason := ""
	if err != nil {
		reason = err.Error()
	}
	c.h.emit(log.Event{
		ConnectionID: c.connID.String(),
		Layer:        log.LayerChannel,
		Category:     log.CategoryState,
		ChannelID:    c.id,
		SocketID:     c.socketID,
		RemoteAddr:   c.peer.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityChannel,
			OldState: old.String(),
			NewState: state.String(),
			Reason:   reason,
		},
	})
	c.h.handler.OnStateChange(c, old, state, err)
}

func (c *Channel) sessionEvent(old, state SessionState, reason string) {
	c.reported = state
	c.h.emit(log.Event{
		ConnectionID: c.connID.String(),
		Layer:        log.LayerSession,
		Category:     log.CategoryState,
		ChannelID:    c.id,
		SocketID:     c.socketID,
		RemoteAddr:   c.peer.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: old.String(),
			NewState: state.String(),
			Reason:   reason,
		},
	})
}

func (c *Channel) frameEvent(dir log.Direction, data []byte) {
	c.h.emit(log.Event{
		ConnectionID: c.connID.String(),
		Direction:    dir,
		Layer:        log.LayerChannel,
		Category:     log.CategoryData,
		ChannelID:    c.id,
		SocketID:     c.socketID,
		RemoteAddr:   c.peer.String(),
		Frame:        log.NewFrameEvent(data),
	})
}
