package config

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/rasta-protocol/rasta-go/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func channelsOnly(hosts ...string) *Config {
	group := RedundancyGroup{}
	for i, host := range hosts {
		group.TransportChannels = append(group.TransportChannels, ChannelConfig{
			ID:   i + 1,
			Host: host,
			Port: uint16(8001 + i),
			Dial: i == 0,
		})
	}
	return &Config{
		Transport:  TransportConfig{Kind: "tcp"},
		Redundancy: []RedundancyGroup{group},
	}
}

func TestResolve(t *testing.T) {
	cfg := channelsOnly("10.0.0.1", "localhost", "10.0.0.1")

	hosts, err := cfg.Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, hosts, 2)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), hosts["10.0.0.1"])
	assert.True(t, hosts["localhost"].IsLoopback())

	_, err = channelsOnly("::1").Resolve(context.Background())
	assert.True(t, errors.Is(err, transport.ErrResolve), "got %v", err)
}

func TestBuildUsesResolvedHosts(t *testing.T) {
	cfg := channelsOnly("peer-a.invalid", "10.0.0.2")
	hosts := Hosts{
		"peer-a.invalid": netip.MustParseAddr("10.0.0.1"),
		"10.0.0.2":       netip.MustParseAddr("10.0.0.2"),
	}

	h := transport.NewHandle(nil)
	topo, err := cfg.Build(h, nil, hosts)
	require.NoError(t, err)
	require.Len(t, topo.Dial, 1)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.1:8001"), topo.Dial[0].Remote())
	assert.Equal(t, "peer-a.invalid", topo.Dial[0].Host())

	chs := h.Channels()
	require.Len(t, chs, 1)
	require.Len(t, chs[0], 2)
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.2:8002"), chs[0][1].Remote())
	assert.IsType(t, transport.PlainSender{}, chs[0][0].Sender())

	_, err = cfg.Build(transport.NewHandle(nil), nil, Hosts{})
	assert.True(t, errors.Is(err, transport.ErrResolve), "got %v", err)
}

func TestBuildLogsSendsAtDebugLevel(t *testing.T) {
	cfg := channelsOnly("10.0.0.1")
	hosts := Hosts{"10.0.0.1": netip.MustParseAddr("10.0.0.1")}

	core, _ := observer.New(zapcore.DebugLevel)
	h := transport.NewHandle(nil, transport.WithLogger(zap.New(core)))
	_, err := cfg.Build(h, nil, hosts)
	require.NoError(t, err)

	sender, ok := h.Channels()[0][0].Sender().(transport.LoggingSender)
	require.True(t, ok, "debug logging wraps the sender")
	assert.IsType(t, transport.PlainSender{}, sender.Next)

	core, _ = observer.New(zapcore.InfoLevel)
	h = transport.NewHandle(nil, transport.WithLogger(zap.New(core)))
	_, err = cfg.Build(h, nil, hosts)
	require.NoError(t, err)
	assert.IsType(t, transport.PlainSender{}, h.Channels()[0][0].Sender())
}
