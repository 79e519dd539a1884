package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// maxRecordSize bounds one decrypted read.
	maxRecordSize = 64 * 1024

	// inboundQueue is the number of decrypted reads buffered per session.
	inboundQueue = 64

	// outboundQueue is the number of payloads waiting for the writer.
	outboundQueue = 64
)

type handshakeResult struct {
	conn net.Conn
	err  error
}

// Session is the secure session adapter wrapping one raw connection.
//
// The blocking handshake, encryption and decryption run on helper goroutines;
// their progress is reported through notify and consumed on the reactor
// goroutine by Step, Read and Write, which never block. State is only read
// and written on the reactor goroutine.
type Session struct {
	id     uuid.UUID
	client bool
	sec    *Security
	notify func(*Session)

	state SessionState

	raw    net.Conn
	conn   net.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	results  chan handshakeResult
	writeErr error

	inbound  chan []byte
	readErr  error
	outbound chan []byte
	done     chan struct{}
}

// newSession starts a client or server handshake over raw. notify is called
// from helper goroutines whenever Step or Read may make progress.
func newSession(sec *Security, raw net.Conn, client bool, notify func(*Session)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       uuid.New(),
		client:   client,
		sec:      sec,
		notify:   notify,
		state:    SessionReady,
		raw:      raw,
		ctx:      ctx,
		cancel:   cancel,
		results:  make(chan handshakeResult, 1),
		inbound:  make(chan []byte, inboundQueue),
		outbound: make(chan []byte, outboundQueue),
		done:     make(chan struct{}),
	}
	go s.handshake()
	return s
}

func (s *Session) handshake() {
	conn, err := s.sec.handshake(s.ctx, s.raw, s.client)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	s.results <- handshakeResult{conn: conn, err: err}
	s.mu.Unlock()

	s.notify(s)
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Client reports whether this side initiated the handshake.
func (s *Session) Client() bool { return s.client }

// State returns the current session state.
func (s *Session) State() SessionState { return s.state }

// Step advances the handshake without blocking. It returns the resulting
// state; a failed handshake moves the session straight to SessionClosed and
// returns an error wrapping ErrHandshakeFailed.
func (s *Session) Step() (SessionState, error) {
	if s.state != SessionReady {
		return s.state, nil
	}

	select {
	case r := <-s.results:
		if r.err != nil {
			s.teardown()
			return s.state, fmt.Errorf("%w: %v", ErrHandshakeFailed, r.err)
		}
		s.conn = r.conn
		s.state = SessionEstablished
		go s.pump()
		go s.writer()
		return s.state, nil
	default:
		return s.state, nil
	}
}

// pump moves decrypted data to the inbound queue until the connection fails.
func (s *Session) pump() {
	defer func() {
		close(s.inbound)
		s.notify(s)
	}()

	buf := make([]byte, maxRecordSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case s.inbound <- data:
				s.notify(s)
			case <-s.ctx.Done():
				s.readErr = ErrClosed
				return
			}
		}
		if err != nil {
			s.readErr = err
			return
		}
	}
}

// writer drains the outbound queue. The first failed write is recorded and
// reported through notify; the reactor picks it up on the next Read or Write.
func (s *Session) writer() {
	for {
		select {
		case data := <-s.outbound:
			err := s.conn.SetWriteDeadline(time.Now().Add(s.sec.WriteTimeout()))
			if err == nil {
				_, err = s.conn.Write(data)
			}
			if err != nil {
				s.mu.Lock()
				s.writeErr = err
				s.mu.Unlock()
				s.notify(s)
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) failedWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeErr
}

// Read returns the next decrypted payload without blocking. It returns
// ErrWouldBlock when nothing is pending and io.EOF after the peer's orderly
// close. Any error other than ErrWouldBlock closes the session, including a
// write that failed in the background.
func (s *Session) Read() ([]byte, error) {
	switch s.state {
	case SessionReady:
		return nil, ErrWouldBlock
	case SessionClosed:
		return nil, ErrClosed
	}

	if err := s.failedWrite(); err != nil {
		s.teardown()
		return nil, fmt.Errorf("secure write: %w", err)
	}

	select {
	case data, ok := <-s.inbound:
		if ok {
			return data, nil
		}
		err := s.readErr
		s.teardown()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	default:
		return nil, ErrWouldBlock
	}
}

// Write queues a copy of data for encryption and returns at once. It
// returns ErrWouldBlock when the queue is full. Each queued write is bounded
// by the configured write timeout; a failed write closes the session.
func (s *Session) Write(data []byte) error {
	if s.state != SessionEstablished {
		return ErrNotConnected
	}
	if err := s.failedWrite(); err != nil {
		s.teardown()
		return fmt.Errorf("secure write: %w", err)
	}

	select {
	case s.outbound <- bytes.Clone(data):
		return nil
	default:
		return ErrWouldBlock
	}
}

// Close tears the session down. It is idempotent.
func (s *Session) Close() error {
	s.teardown()
	return nil
}

func (s *Session) teardown() {
	if s.state == SessionClosed {
		return
	}
	s.state = SessionClosed

	var pending net.Conn
	s.mu.Lock()
	s.closed = true
	select {
	case r := <-s.results:
		pending = r.conn
	default:
	}
	s.mu.Unlock()

	s.cancel()

	// Closing a secure conn may write a close alert; keep that off the
	// reactor goroutine.
	conn := s.conn
	go func() {
		defer close(s.done)
		if pending != nil {
			pending.Close()
		}
		if conn != nil {
			conn.Close()
		}
		s.raw.Close()
	}()
}

// Done is closed once a torn-down session has released its connections.
func (s *Session) Done() <-chan struct{} { return s.done }
