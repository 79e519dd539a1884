//go:build linux

package transport

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUDPChannel(t *testing.T) {
	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	peerPort := uint16(peer.LocalAddr().(*net.UDPAddr).Port)

	e := newEnv(t)
	e.do(func() {
		orphan, err := NewChannel(e.h, 9, "127.0.0.1", peerPort, nil, WithKind(KindUDP))
		require.NoError(t, err)
		assert.ErrorIs(t, orphan.Connect(), ErrNoSocket)
	})

	sock := e.socket(1, KindUDP, nil)
	ch := e.channel(1, "127.0.0.1", peerPort, nil, WithKind(KindUDP), WithSocket(1))

	e.do(func() {
		require.NoError(t, ch.Connect())
		assert.True(t, ch.Connected())
		assert.Equal(t, sock.Descriptor(), ch.Descriptor())
		require.NoError(t, ch.Send([]byte("hi")))
	})
	e.waitState(1, StateConnected)

	buf := make([]byte, 64)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(testTimeout)))
	n, from, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf[:n]))
	assert.Equal(t, int(sock.LocalAddr().Port()), from.Port)

	_, err = peer.WriteToUDP([]byte("back"), from)
	require.NoError(t, err)
	dg := e.waitData()
	assert.Equal(t, []byte("back"), dg.Data)
	assert.Equal(t, peerPort, dg.From.Port())

	// Closing the socket drops the channels borrowing it.
	e.do(func() { require.NoError(t, sock.Close()) })
	ev := e.waitState(1, StateDisconnected)
	assert.ErrorIs(t, ev.err, ErrClosed)
}

func TestUDPDatagramConnectsPassiveChannel(t *testing.T) {
	e := newEnv(t)
	sock := e.socket(1, KindUDP, nil)
	ch := e.channel(1, "127.0.0.1", 1, nil, WithKind(KindUDP), WithSocket(1))

	peer, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(sock.LocalAddr()))
	require.NoError(t, err)
	defer peer.Close()

	_, err = peer.Write([]byte("hello"))
	require.NoError(t, err)
	e.waitState(1, StateConnected)
	assert.Equal(t, []byte("hello"), e.waitData().Data)

	e.do(func() {
		assert.False(t, ch.Dialled())
		assert.Equal(t, peer.LocalAddr().String(), ch.Peer().String())
		require.NoError(t, ch.Send([]byte("reply")))
	})
	buf := make([]byte, 16)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(testTimeout)))
	n, err := peer.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(buf[:n]))
}

// dtlsPair sets up two nodes, each with a DTLS socket and a channel to the other.
func dtlsPair(t *testing.T, serverSec, clientSec *Security) (server, client *env, serverSock, clientSock *Socket, serverCh, clientCh *Channel) {
	server = newEnv(t)
	serverSock = server.socket(1, KindUDP, serverSec)
	client = newEnv(t)
	clientSock = client.socket(1, KindUDP, clientSec)

	serverCh = server.channel(1, "127.0.0.1", clientSock.LocalAddr().Port(), serverSec,
		WithKind(KindUDP), WithSocket(1))
	clientCh = client.channel(2, "127.0.0.1", serverSock.LocalAddr().Port(), clientSec,
		WithKind(KindUDP), WithSocket(1))
	return
}

func TestDTLSChannel(t *testing.T) {
	sec := pskSecurity(t, "correct horse")
	server, client, serverSock, clientSock, serverCh, clientCh := dtlsPair(t, sec, sec)

	server.do(func() {
		assert.Equal(t, SessionReady, serverSock.SecureState())
		assert.False(t, serverSock.IsSecureSessionReady())
	})

	client.do(func() { require.NoError(t, clientCh.Connect()) })
	client.waitState(2, StateConnected)
	server.waitState(1, StateConnected)

	server.do(func() {
		assert.True(t, serverSock.IsSecureSessionReady())
		assert.Equal(t, SessionEstablished, serverCh.SessionState())
		assert.False(t, serverCh.Dialled())
	})
	client.do(func() {
		assert.True(t, clientSock.IsSecureSessionReady())
		require.NoError(t, clientCh.Send([]byte("secure hello")))
	})
	assert.Equal(t, []byte("secure hello"), server.waitData().Data)

	server.do(func() { require.NoError(t, serverCh.Send([]byte("secure reply"))) })
	assert.Equal(t, []byte("secure reply"), client.waitData().Data)

	server.do(func() {
		require.NoError(t, serverSock.Close())
		assert.Equal(t, SessionClosed, serverSock.SecureState())
		assert.False(t, serverSock.IsSecureSessionReady())
		assert.Equal(t, StateDisconnected, serverCh.State())
		assert.Equal(t, SessionClosed, serverCh.SessionState())
	})
}

func TestDTLSWrongKeyNeverConnects(t *testing.T) {
	_, client, _, clientSock, _, clientCh := dtlsPair(t, pskSecurity(t, "one"), pskSecurity(t, "two"))

	client.do(func() { require.NoError(t, clientCh.Connect()) })
	ev := client.waitFailure(2)
	assert.True(t, errors.Is(ev.err, ErrHandshakeFailed), "got %v", ev.err)
	client.do(func() {
		assert.Equal(t, SessionClosed, clientCh.SessionState())
		assert.False(t, clientSock.IsSecureSessionReady())
	})
}
