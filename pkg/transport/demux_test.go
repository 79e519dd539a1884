package transport

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustChannel(t *testing.T, h *Handle, id int, host string) *Channel {
	t.Helper()
	ch, err := NewChannel(h, id, host, 8888, nil)
	require.NoError(t, err)
	return ch
}

func TestFindChannelByIPAddress(t *testing.T) {
	h := NewHandle(nil)
	h.AddRedundancyChannel(mustChannel(t, h, 1, "10.0.0.1"), mustChannel(t, h, 2, "10.0.0.2"))
	h.AddRedundancyChannel(mustChannel(t, h, 3, "10.0.0.3"))

	tests := []struct {
		name      string
		sender    string
		red, chIx int
	}{
		{"FirstChannel", "10.0.0.1:9000", 0, 0},
		{"SecondTransportChannel", "10.0.0.2:9000", 0, 1},
		{"SecondRedundancyChannel", "10.0.0.3:1", 1, 0},
		{"PortIgnored", "10.0.0.2:65535", 0, 1},
		{"MappedIPv6", "[::ffff:10.0.0.3]:9000", 1, 0},
		{"Unknown", "10.0.0.9:9000", NotFound, NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, c := h.FindChannelByIPAddress(netip.MustParseAddrPort(tt.sender))
			assert.Equal(t, tt.red, r)
			assert.Equal(t, tt.chIx, c)
		})
	}

	r, c := h.FindChannelByIPAddress(netip.AddrPort{})
	assert.Equal(t, NotFound, r)
	assert.Equal(t, NotFound, c)
}

func TestFindChannelByIPAddressIndependentOfOrder(t *testing.T) {
	hosts := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	orders := [][]int{
		{0, 1, 2}, {0, 2, 1}, {1, 0, 2},
		{1, 2, 0}, {2, 0, 1}, {2, 1, 0},
	}
	layouts := map[string]func(h *Handle, chs []*Channel){
		"OneGroup": func(h *Handle, chs []*Channel) {
			h.AddRedundancyChannel(chs...)
		},
		"GroupPerChannel": func(h *Handle, chs []*Channel) {
			for _, ch := range chs {
				h.AddRedundancyChannel(ch)
			}
		},
		"SplitGroups": func(h *Handle, chs []*Channel) {
			h.AddRedundancyChannel(chs[0])
			h.AddRedundancyChannel(chs[1:]...)
		},
	}

	for name, layout := range layouts {
		for _, order := range orders {
			t.Run(fmt.Sprintf("%s/%v", name, order), func(t *testing.T) {
				h := NewHandle(nil)
				chs := make([]*Channel, len(order))
				for i, ix := range order {
					chs[i] = mustChannel(t, h, ix+1, hosts[ix])
				}
				layout(h, chs)

				for ix, host := range hosts {
					r, c := h.FindChannelByIPAddress(netip.MustParseAddrPort(host + ":4000"))
					require.NotEqual(t, NotFound, r, host)
					ch := h.Channels()[r][c]
					assert.Equal(t, ix+1, ch.ID())
					assert.Equal(t, netip.MustParseAddr(host), ch.Remote().Addr())
					assert.Same(t, ch, h.channelFor(netip.MustParseAddrPort(host+":1")))
				}
			})
		}
	}
}

func TestFindChannelByIPAddressFirstMatchWins(t *testing.T) {
	h := NewHandle(nil)
	h.AddRedundancyChannel(mustChannel(t, h, 1, "10.0.0.1"))
	h.AddRedundancyChannel(mustChannel(t, h, 2, "10.0.0.5"), mustChannel(t, h, 3, "10.0.0.1"))

	r, c := h.FindChannelByIPAddress(netip.MustParseAddrPort("10.0.0.1:4000"))
	assert.Equal(t, 0, r)
	assert.Equal(t, 0, c)
	assert.Equal(t, 1, h.channelFor(netip.MustParseAddrPort("10.0.0.1:4000")).ID())
	assert.Nil(t, h.channelFor(netip.MustParseAddrPort("192.168.1.1:4000")))
}

func TestNewChannel(t *testing.T) {
	h := NewHandle(nil)

	ch, err := NewChannel(h, 7, "localhost", 9000, nil)
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:9000"), ch.Remote())
	assert.Equal(t, StateDisconnected, ch.State())
	assert.Equal(t, -1, ch.Descriptor())
	assert.Equal(t, -1, ch.SocketID())
	assert.Equal(t, KindTCP, ch.Kind())
	assert.IsType(t, PlainSender{}, ch.sender)

	_, err = NewChannel(h, 8, "::1", 9000, nil)
	assert.True(t, errors.Is(err, ErrResolve), "got %v", err)

	ch, err = NewChannel(h, 11, "peer.invalid", 9000, nil, WithAddress(netip.MustParseAddr("10.1.2.3")))
	require.NoError(t, err, "a supplied address is not looked up")
	assert.Equal(t, "peer.invalid", ch.Host())
	assert.Equal(t, netip.MustParseAddrPort("10.1.2.3:9000"), ch.Remote())

	_, err = NewChannel(h, 12, "peer.invalid", 9000, nil, WithAddress(netip.MustParseAddr("fe80::1")))
	assert.True(t, errors.Is(err, ErrResolve), "got %v", err)

	dtlsSec := pskSecurity(t, "secret")
	_, err = NewChannel(h, 9, "127.0.0.1", 9000, dtlsSec)
	assert.Error(t, err, "dtls on a stream channel")

	ch, err = NewChannel(h, 10, "127.0.0.1", 9000, dtlsSec, WithKind(KindUDP), WithSocket(3))
	require.NoError(t, err)
	assert.Equal(t, 3, ch.SocketID())
	assert.IsType(t, SecureSender{}, ch.sender)
	assert.Equal(t, SessionReady, ch.SessionState())
}

func TestResolve(t *testing.T) {
	addr, err := Resolve(context.Background(), "10.0.0.7")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.7"), addr)

	addr, err = Resolve(context.Background(), "::ffff:10.0.0.8")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.8"), addr)

	addr, err = Resolve(context.Background(), "localhost")
	require.NoError(t, err)
	assert.True(t, addr.IsLoopback())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Resolve(ctx, "peer.invalid")
	assert.True(t, errors.Is(err, ErrResolve), "got %v", err)
}
