package transport

import (
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/pion/transport/v2/packetio"
)

// maxBufferedDatagrams bounds the inbound queue of one datagram session.
const maxBufferedDatagrams = 1 << 20

// datagramConn presents one peer of a shared UDP socket as a net.Conn for the
// DTLS library. Inbound datagrams are fed by the socket after
// demultiplexing; writes go straight to the socket descriptor.
type datagramConn struct {
	sock   *Socket
	remote netip.AddrPort
	buf    *packetio.Buffer
	closed atomic.Bool
}

func newDatagramConn(sock *Socket, remote netip.AddrPort) *datagramConn {
	buf := packetio.NewBuffer()
	buf.SetLimitSize(maxBufferedDatagrams)
	return &datagramConn{sock: sock, remote: remote, buf: buf}
}

// feed queues one inbound datagram. Datagrams beyond the buffer limit are
// dropped, as the network would.
func (c *datagramConn) feed(p []byte) {
	if c.closed.Load() {
		return
	}
	_, _ = c.buf.Write(p)
}

func (c *datagramConn) Read(p []byte) (int, error) {
	return c.buf.Read(p)
}

func (c *datagramConn) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	if err := c.sock.sendTo(p, c.remote); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *datagramConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.buf.Close()
}

func (c *datagramConn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.sock.LocalAddr())
}

func (c *datagramConn) RemoteAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.remote)
}

func (c *datagramConn) SetDeadline(t time.Time) error {
	return c.buf.SetReadDeadline(t)
}

func (c *datagramConn) SetReadDeadline(t time.Time) error {
	return c.buf.SetReadDeadline(t)
}

// SetWriteDeadline is a no-op: sendto on the non-blocking socket never waits.
func (c *datagramConn) SetWriteDeadline(time.Time) error {
	return nil
}

var _ net.Conn = (*datagramConn)(nil)
