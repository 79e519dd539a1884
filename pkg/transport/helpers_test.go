//go:build linux

package transport

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rasta-protocol/rasta-go/pkg/cert"
	"github.com/rasta-protocol/rasta-go/pkg/reactor"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

type stateEvent struct {
	channel int
	old     ChannelState
	new     ChannelState
	err     error
}

// env runs a Handle on its own reactor and records handler callbacks.
type env struct {
	t      *testing.T
	loop   *reactor.Loop
	h      *Handle
	events chan stateEvent
	data   chan Datagram
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()

	loop, err := reactor.NewLoop()
	require.NoError(t, err)

	e := &env{
		t:      t,
		loop:   loop,
		events: make(chan stateEvent, 256),
		data:   make(chan Datagram, 256),
	}
	handler := HandlerFuncs{
		StateChange: func(ch *Channel, old, new ChannelState, err error) {
			e.events <- stateEvent{channel: ch.ID(), old: old, new: new, err: err}
		},
		Data: func(ch *Channel, dg Datagram) {
			e.data <- dg
		},
	}
	e.h = NewHandle(loop, append([]Option{WithHandler(handler)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()

	t.Cleanup(func() {
		callCtx, callCancel := context.WithTimeout(context.Background(), testTimeout)
		reactor.Call(callCtx, loop, func() { e.h.Close() })
		callCancel()
		cancel()
		<-done
		loop.Close()
	})
	return e
}

// do runs fn on the reactor goroutine.
func (e *env) do(fn func()) {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(e.t, reactor.Call(ctx, e.loop, fn))
}

// waitState waits for channel id to enter state and returns the transition.
func (e *env) waitState(id int, state ChannelState) stateEvent {
	e.t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case ev := <-e.events:
			if ev.channel == id && ev.new == state {
				return ev
			}
		case <-deadline:
			e.t.Fatalf("channel %d did not reach %s", id, state)
			return stateEvent{}
		}
	}
}

func (e *env) waitData() Datagram {
	e.t.Helper()
	select {
	case dg := <-e.data:
		return dg
	case <-time.After(testTimeout):
		e.t.Fatal("no data received")
		return Datagram{}
	}
}

// noEvent asserts that no state change arrives within a short period.
func (e *env) noEvent() {
	e.t.Helper()
	select {
	case ev := <-e.events:
		e.t.Fatalf("unexpected state change %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func (e *env) socket(id int, kind Kind, sec *Security) *Socket {
	e.t.Helper()
	var s *Socket
	var err error
	e.do(func() {
		s = NewSocket(e.h, id, kind, sec)
		err = e.h.Serve(s, "127.0.0.1", 0)
	})
	require.NoError(e.t, err)
	return s
}

func (e *env) channel(id int, host string, port uint16, sec *Security, opts ...ChannelOption) *Channel {
	e.t.Helper()
	var ch *Channel
	var err error
	e.do(func() {
		ch, err = NewChannel(e.h, id, host, port, sec, opts...)
		if err == nil {
			e.h.AddRedundancyChannel(ch)
		}
	})
	require.NoError(e.t, err)
	return ch
}

// freePort returns a loopback TCP port nothing listens on.
func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return uint16(port)
}

func openFDs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)
	return len(entries)
}

func tlsSecurity(t *testing.T, verify VerifyMode) *Security {
	t.Helper()
	id, err := cert.GenerateSelfSigned("rasta-test", []string{"127.0.0.1"}, time.Hour)
	require.NoError(t, err)
	pair := id.TLSCertificate()

	sec, err := NewSecurity(SecurityConfig{
		Mode:             SecurityTLS,
		Certificate:      &pair,
		RootCAs:          id.Pool(),
		Verify:           verify,
		HandshakeTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return sec
}

func pskSecurity(t *testing.T, passphrase string) *Security {
	t.Helper()
	sec, err := NewSecurity(SecurityConfig{
		Mode:             SecurityDTLS,
		PSKIdentity:      "rasta-node",
		PSKPassphrase:    passphrase,
		HandshakeTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return sec
}
