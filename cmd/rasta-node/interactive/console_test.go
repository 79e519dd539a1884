//go:build linux

package interactive

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rasta-protocol/rasta-go/pkg/connection"
	"github.com/rasta-protocol/rasta-go/pkg/reactor"
	"github.com/rasta-protocol/rasta-go/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is written from the reactor goroutine by Handler.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

type fixture struct {
	console *Console
	out     *syncBuffer
	peer    *net.UDPConn
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	loop, err := reactor.NewLoop()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()

	peer, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	out := &syncBuffer{}
	h := transport.NewHandle(loop)
	c := newConsole(h, nil, out)
	c.sup = connection.Attach(h)
	h.SetHandler(c.Handler(h.Handler()))

	peerPort := uint16(peer.LocalAddr().(*net.UDPAddr).Port)
	call := func(fn func()) {
		callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer callCancel()
		require.NoError(t, reactor.Call(callCtx, loop, fn))
	}
	call(func() {
		s := transport.NewSocket(h, 1, transport.KindUDP, nil)
		require.NoError(t, h.Serve(s, "127.0.0.1", 0))

		udp, err := transport.NewChannel(h, 1, "127.0.0.1", peerPort, nil,
			transport.WithKind(transport.KindUDP), transport.WithSocket(1))
		require.NoError(t, err)
		tcp, err := transport.NewChannel(h, 2, "127.0.0.1", 1, nil)
		require.NoError(t, err)
		h.AddRedundancyChannel(udp, tcp)
	})

	t.Cleanup(func() {
		c.sup.Stop()
		call(func() { h.Close() })
		cancel()
		<-done
		loop.Close()
		peer.Close()
	})
	return &fixture{console: c, out: out, peer: peer}
}

func (f *fixture) exec(line string) string {
	f.out.Reset()
	f.console.Exec(context.Background(), line)
	return f.out.String()
}

func TestConsoleStatusAndSockets(t *testing.T) {
	f := newFixture(t)

	out := f.exec("status")
	assert.Contains(t, out, "[1] red=0 DISCONNECTED")
	assert.Contains(t, out, "[2] red=0 DISCONNECTED")
	assert.Contains(t, out, "127.0.0.1:1")

	out = f.exec("sockets")
	assert.Contains(t, out, "[1] udp 127.0.0.1:")
}

func TestConsoleSend(t *testing.T) {
	f := newFixture(t)

	assert.Contains(t, f.exec("send 1 hello"), "not connected")

	// Redial connects a connectionless channel immediately.
	assert.Contains(t, f.exec("redial 1"), "Channel 1: redial issued")
	assert.Contains(t, f.out.String(), "[ch 1] DISCONNECTED -> ")

	out := f.exec("send 1 hello   rasta")
	assert.Contains(t, out, "[ch 1] -> 13 bytes")

	require.NoError(t, f.peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 64)
	n, from, err := f.peer.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello   rasta", string(buf[:n]))

	// An answer from the peer is printed by the console handler.
	_, err = f.peer.WriteToUDP([]byte("pong"), from)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return strings.Contains(f.out.String(), `[ch 1] <- 4 bytes: "pong"`)
	}, 5*time.Second, 10*time.Millisecond)

	assert.Contains(t, f.exec("diag 1"), "Channel 1 diagnostics:")
	assert.Contains(t, f.out.String(), "missed_ratio: 0.0000")

	assert.Contains(t, f.exec("close 1"), "Channel 1: close issued")
	assert.Contains(t, f.exec("send 1 again"), "not connected")
}

func TestConsoleErrors(t *testing.T) {
	f := newFixture(t)

	assert.Contains(t, f.exec("diag"), "Usage: diag <ch>")
	assert.Contains(t, f.exec("diag x"), "Invalid channel id: x")
	assert.Contains(t, f.exec("diag 9"), "Unknown channel: 9")
	assert.Contains(t, f.exec("send 1"), "Usage: send <ch> <text>")
	assert.Contains(t, f.exec("close 9"), "unknown channel 9")
	assert.Contains(t, f.exec("frobnicate"), "Unknown command: frobnicate")
	assert.Contains(t, f.exec("redials"), "No channel has dropped")
	assert.Contains(t, f.exec("help"), "RaSTA Node Commands")

	assert.False(t, f.console.Exec(context.Background(), "   "))
	assert.True(t, f.console.Exec(context.Background(), "quit"))
}
