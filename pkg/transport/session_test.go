package transport

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// notifier counts session notifications.
func notifier() (func(*Session), chan struct{}) {
	ch := make(chan struct{}, 256)
	return func(*Session) {
		select {
		case ch <- struct{}{}:
		default:
		}
	}, ch
}

// waitFor polls cond after every notification until it holds.
func waitFor(t *testing.T, notify <-chan struct{}, cond func() bool) {
	t.Helper()
	deadline := time.After(testTimeout)
	for !cond() {
		select {
		case <-notify:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatal("condition not reached")
		}
	}
}

func TestSessionHandshakeFailure(t *testing.T) {
	sec := tlsSecurity(t, VerifyRequire)
	raw, peer := net.Pipe()
	require.NoError(t, peer.Close())

	notify, events := notifier()
	s := newSession(sec, raw, true, notify)
	assert.Equal(t, SessionReady, s.State())
	assert.True(t, s.Client())

	var (
		state SessionState
		err   error
	)
	waitFor(t, events, func() bool {
		state, err = s.Step()
		assert.NotEqual(t, SessionEstablished, state)
		return state != SessionReady
	})
	assert.Equal(t, SessionClosed, state)
	assert.True(t, errors.Is(err, ErrHandshakeFailed), "got %v", err)

	state, err = s.Step()
	assert.Equal(t, SessionClosed, state)
	assert.NoError(t, err)

	_, err = s.Read()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Write([]byte("x")), ErrNotConnected)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Equal(t, SessionClosed, s.State())
}

func TestSessionCloseBeforeHandshake(t *testing.T) {
	sec := tlsSecurity(t, VerifyNone)
	raw, peer := net.Pipe()
	defer peer.Close()

	notify, _ := notifier()
	s := newSession(sec, raw, true, notify)
	_, err := s.Read()
	assert.ErrorIs(t, err, ErrWouldBlock)

	require.NoError(t, s.Close())
	assert.Equal(t, SessionClosed, s.State())

	// The peer never answers; the handshake goroutine must still exit.
	state, err := s.Step()
	assert.Equal(t, SessionClosed, state)
	assert.NoError(t, err)
}

func TestSessionExchange(t *testing.T) {
	secCfg := tlsSecurity(t, VerifyRequire)
	sec := *secCfg
	sec.serverName = "127.0.0.1"

	a, b := net.Pipe()
	clientNotify, clientEvents := notifier()
	serverNotify, serverEvents := notifier()
	client := newSession(&sec, a, true, clientNotify)
	server := newSession(&sec, b, false, serverNotify)
	assert.NotEqual(t, client.ID(), server.ID())

	step := func(s *Session, events chan struct{}) {
		waitFor(t, events, func() bool {
			state, err := s.Step()
			require.NoError(t, err)
			return state == SessionEstablished
		})
	}
	step(client, clientEvents)
	step(server, serverEvents)

	require.NoError(t, client.Write([]byte("hello")))

	var got []byte
	waitFor(t, serverEvents, func() bool {
		data, err := server.Read()
		if errors.Is(err, ErrWouldBlock) {
			return false
		}
		require.NoError(t, err)
		got = data
		return true
	})
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, client.Close())
	assert.Equal(t, SessionClosed, client.State())

	var readErr error
	waitFor(t, serverEvents, func() bool {
		_, readErr = server.Read()
		return !errors.Is(readErr, ErrWouldBlock)
	})
	assert.True(t, errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrClosedPipe), "got %v", readErr)
	assert.Equal(t, SessionClosed, server.State())
}
