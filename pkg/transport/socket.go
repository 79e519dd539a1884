package transport

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/rasta-protocol/rasta-go/pkg/log"
	"github.com/rasta-protocol/rasta-go/pkg/reactor"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	// MaxPendingConnections is the listen backlog.
	MaxPendingConnections = 5

	// AcceptRetryDelay is how long accepting pauses after descriptor exhaustion.
	AcceptRetryDelay = 100 * time.Millisecond

	maxDatagramSize = 64 * 1024
)

// Socket is a local bound endpoint. Stream sockets accept inbound channels;
// datagram sockets receive for, and send on behalf of, the channels
// associated with them.
//
// The descriptor is valid exactly while the socket is bound. Methods must be
// called on the reactor goroutine.
type Socket struct {
	h    *Handle
	id   int
	kind Kind
	sec  *Security

	// mu guards fd against DTLS writers on helper goroutines.
	mu    sync.RWMutex
	fd    int
	local netip.AddrPort

	listening   bool
	acceptReg   reactor.Registration
	recvReg     reactor.Registration
	acceptPause reactor.Timer
	buf         []byte

	secureState SessionState
}

// NewSocket creates a socket and registers it with h under id. It does not
// touch the network.
func NewSocket(h *Handle, id int, kind Kind, sec *Security) *Socket {
	s := &Socket{
		h:           h,
		id:          id,
		kind:        kind,
		sec:         sec,
		fd:          -1,
		secureState: SessionClosed,
	}
	if sec.Mode() == SecurityDTLS {
		s.secureState = SessionReady
	}
	h.sockets[id] = s
	return s
}

// ID returns the socket identifier.
func (s *Socket) ID() int { return s.id }

// Kind returns the socket kind.
func (s *Socket) Kind() Kind { return s.kind }

// Security returns the shared security context, nil for plain sockets.
func (s *Socket) Security() *Security { return s.sec }

// Descriptor returns the OS descriptor, or -1 when unbound.
func (s *Socket) Descriptor() int { return s.fd }

// Bound reports whether the socket holds a bound descriptor.
func (s *Socket) Bound() bool { return s.fd >= 0 }

// Listening reports whether Listen completed.
func (s *Socket) Listening() bool { return s.listening }

// LocalAddr returns the bound address, including an ephemeral port.
func (s *Socket) LocalAddr() netip.AddrPort { return s.local }

// Bind binds the socket to ip:port. An empty ip binds all interfaces. On
// failure the descriptor stays invalid.
func (s *Socket) Bind(ip string, port uint16) error {
	if s.fd >= 0 {
		return fmt.Errorf("socket %d: %w", s.id, ErrAlreadyBound)
	}

	addr := netip.IPv4Unspecified()
	if ip != "" {
		parsed, err := netip.ParseAddr(ip)
		if err != nil || !parsed.Unmap().Is4() {
			return fmt.Errorf("socket %d: bind address %q is not IPv4", s.id, ip)
		}
		addr = parsed.Unmap()
	}

	fd, err := newSocketFD(s.kind)
	if err != nil {
		return fmt.Errorf("socket %d: %w", s.id, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("socket %d: %w", s.id, classify("setsockopt", err))
	}
	if err := unix.Bind(fd, sockaddr(netip.AddrPortFrom(addr, port))); err != nil {
		unix.Close(fd)
		return fmt.Errorf("socket %d: bind %s:%d: %w", s.id, addr, port, err)
	}

	s.mu.Lock()
	s.fd = fd
	s.mu.Unlock()
	s.local = localAddr(fd)

	if s.kind == KindUDP {
		reg, err := s.h.loop.Register(fd, reactor.Readable, s.onReadable)
		if err != nil {
			s.Close()
			return fmt.Errorf("socket %d: register: %w", s.id, err)
		}
		s.recvReg = reg
		s.buf = make([]byte, maxDatagramSize)
	}

	s.h.logger.Info("socket bound",
		zap.Int("socket", s.id), zap.Stringer("kind", s.kind), zap.Stringer("local", s.local))
	s.stateEvent("UNBOUND", "BOUND", "")
	return nil
}

// Listen starts accepting inbound stream connections. Calling Listen on an
// unbound socket is a programming error and panics. Listening is a no-op for
// datagram sockets, which receive as soon as they are bound.
func (s *Socket) Listen() error {
	if s.fd < 0 {
		panic(fmt.Sprintf("transport: listen on unbound socket %d", s.id))
	}
	if s.listening {
		return nil
	}
	if s.kind == KindUDP {
		s.listening = true
		return nil
	}

	if err := unix.Listen(s.fd, MaxPendingConnections); err != nil {
		return fmt.Errorf("socket %d: %w", s.id, classify("listen", err))
	}
	reg, err := s.h.loop.Register(s.fd, reactor.Acceptable, s.onAcceptable)
	if err != nil {
		return fmt.Errorf("socket %d: register: %w", s.id, err)
	}
	s.acceptReg = reg
	s.listening = true
	s.stateEvent("BOUND", "LISTENING", "")
	return nil
}

// Accept accepts one pending connection without blocking. It returns
// ErrWouldBlock when nothing is pending and an error wrapping
// ErrResourceExhausted when the process is out of descriptors or memory; the
// socket keeps listening in both cases.
func (s *Socket) Accept() (int, netip.AddrPort, error) {
	if s.fd < 0 {
		return -1, netip.AddrPort{}, ErrNotBound
	}
	nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if errors.Is(err, unix.ECONNABORTED) {
			return -1, netip.AddrPort{}, ErrWouldBlock
		}
		return -1, netip.AddrPort{}, classify("accept", err)
	}
	return nfd, addrPort(sa), nil
}

// ReceiveFrom reads one datagram without blocking.
func (s *Socket) ReceiveFrom() (Datagram, error) {
	if s.fd < 0 {
		return Datagram{}, ErrNotBound
	}
	n, sa, err := unix.Recvfrom(s.fd, s.buf, 0)
	if err != nil {
		return Datagram{}, classify("recvfrom", err)
	}
	data := make([]byte, n)
	copy(data, s.buf[:n])
	return Datagram{Data: data, From: addrPort(sa)}, nil
}

// IsSecureSessionReady reports whether a DTLS session on this socket has
// completed its handshake. It is always false for other socket kinds.
func (s *Socket) IsSecureSessionReady() bool {
	return s.sec.Mode() == SecurityDTLS && s.secureState == SessionEstablished
}

// SecureState returns the socket's DTLS state. A DTLS socket starts Ready,
// becomes Established with its first peer session and is Closed for good
// once the socket is closed.
func (s *Socket) SecureState() SessionState { return s.secureState }

// Close releases the descriptor. Closing an unbound socket is a no-op.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	if s.acceptPause != nil {
		s.acceptPause.Stop()
		s.acceptPause = nil
	}
	for _, reg := range []reactor.Registration{s.acceptReg, s.recvReg} {
		if reg != nil {
			reg.Cancel()
		}
	}
	s.acceptReg, s.recvReg = nil, nil

	s.mu.Lock()
	err := unix.Close(s.fd)
	s.fd = -1
	s.mu.Unlock()

	s.listening = false
	if s.sec.Mode() == SecurityDTLS {
		s.setSecureState(SessionClosed, "socket closed")
	}
	s.h.socketClosed(s)
	s.h.logger.Info("socket closed", zap.Int("socket", s.id))
	s.stateEvent("BOUND", "UNBOUND", "")
	if err != nil {
		return fmt.Errorf("socket %d: close: %w", s.id, err)
	}
	return nil
}

// sendTo writes one datagram to remote. It is safe for concurrent use.
func (s *Socket) sendTo(p []byte, remote netip.AddrPort) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fd < 0 {
		return ErrClosed
	}
	if err := unix.Sendto(s.fd, p, 0, sockaddr(remote)); err != nil {
		return classify("sendto", err)
	}
	return nil
}

func (s *Socket) onAcceptable(reactor.Interest) {
	for s.fd >= 0 {
		fd, peer, err := s.Accept()
		switch {
		case err == nil:
			s.h.routeInbound(s, fd, peer)
		case errors.Is(err, ErrWouldBlock):
			return
		case errors.Is(err, ErrResourceExhausted):
			s.h.logger.Error("accept failed, pausing", zap.Int("socket", s.id), zap.Error(err))
			s.h.errorEvent(log.LayerSocket, -1, s.id, netip.AddrPort{}, "accept", err)
			s.pauseAccept()
			return
		default:
			s.h.logger.Warn("accept failed", zap.Int("socket", s.id), zap.Error(err))
			s.h.errorEvent(log.LayerSocket, -1, s.id, netip.AddrPort{}, "accept", err)
			return
		}
	}
}

// pauseAccept disarms the level-triggered accept registration for
// AcceptRetryDelay so the reactor does not spin while descriptors are short.
func (s *Socket) pauseAccept() {
	if s.acceptReg == nil || s.acceptPause != nil {
		return
	}
	if err := s.acceptReg.Modify(0); err != nil {
		return
	}
	s.acceptPause = s.h.loop.AfterFunc(AcceptRetryDelay, func() {
		s.acceptPause = nil
		if s.acceptReg != nil {
			s.acceptReg.Modify(reactor.Acceptable)
		}
	})
}

func (s *Socket) onReadable(reactor.Interest) {
	for s.fd >= 0 {
		dg, err := s.ReceiveFrom()
		switch {
		case err == nil:
			s.h.routeDatagram(s, dg)
		case errors.Is(err, ErrWouldBlock):
			return
		default:
			s.h.logger.Warn("receive failed", zap.Int("socket", s.id), zap.Error(err))
			s.h.errorEvent(log.LayerSocket, -1, s.id, netip.AddrPort{}, "receive", err)
			return
		}
	}
}

// sessionEstablished records that a DTLS peer session on this socket
// completed its handshake.
func (s *Socket) sessionEstablished() {
	if s.sec.Mode() == SecurityDTLS && s.secureState == SessionReady {
		s.setSecureState(SessionEstablished, "peer session established")
	}
}

func (s *Socket) setSecureState(state SessionState, reason string) {
	old := s.secureState
	if old == state {
		return
	}
	s.secureState = state
	s.h.emit(log.Event{
		Layer:     log.LayerSession,
		Category:  log.CategoryState,
		ChannelID: -1,
		SocketID:  s.id,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySession,
			OldState: old.String(),
			NewState: state.String(),
			Reason:   reason,
		},
	})
}

func (s *Socket) stateEvent(old, new, reason string) {
	s.h.emit(log.Event{
		Layer:     log.LayerSocket,
		Category:  log.CategoryState,
		ChannelID: -1,
		SocketID:  s.id,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntitySocket,
			OldState: old,
			NewState: new,
			Reason:   reason,
		},
	})
}
