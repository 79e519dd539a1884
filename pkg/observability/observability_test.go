//go:build linux

package observability

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rasta-protocol/rasta-go/pkg/config"
	"github.com/rasta-protocol/rasta-go/pkg/diagnostics"
	"github.com/rasta-protocol/rasta-go/pkg/reactor"
	"github.com/rasta-protocol/rasta-go/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zap.DebugLevel,
		" INFO ":  zap.InfoLevel,
		"warning": zap.WarnLevel,
		"error":   zap.ErrorLevel,
		"bogus":   zap.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestSetupLoggerFileOutputs(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain", "node.log")
	rotated := filepath.Join(dir, "rotated.log")

	for _, tc := range []struct {
		path string
		rot  config.RotationConfig
	}{
		{plain, config.RotationConfig{}},
		{rotated, config.RotationConfig{Enable: true, MaxSizeMB: 1}},
	} {
		logger, err := SetupLogger(config.LogConfig{
			Level:    "debug",
			Format:   "json",
			Outputs:  []string{tc.path},
			Rotation: tc.rot,
		})
		require.NoError(t, err)
		logger.Info("channel connected", zap.Int("channel", 3))
		require.NoError(t, logger.Sync())

		data, err := os.ReadFile(tc.path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"msg":"channel connected"`)
		assert.Contains(t, string(data), `"channel":3`)
	}
}

func TestSetupLoggerLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.log")
	logger, err := SetupLogger(config.LogConfig{Level: "warn", Outputs: []string{path}})
	require.NoError(t, err)

	logger.Info("quiet")
	logger.Warn("loud")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "quiet")
	assert.Contains(t, string(data), "loud")
}

func gauge(t *testing.T, families []*dto.MetricFamily, name, channel string) float64 {
	t.Helper()
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "channel" && l.GetValue() == channel {
					if m.Gauge != nil {
						return m.GetGauge().GetValue()
					}
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	t.Fatalf("metric %s{channel=%q} not found", name, channel)
	return 0
}

func TestCollector(t *testing.T) {
	loop, err := reactor.NewLoop()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop.Run(ctx)
	}()

	received := make(chan struct{}, 16)
	h := transport.NewHandle(loop,
		transport.WithDiagnosticsWindow(2),
		transport.WithHandler(transport.HandlerFuncs{
			Data: func(*transport.Channel, transport.Datagram) { received <- struct{}{} },
		}))
	collector := NewCollector(h)

	var sock *transport.Socket
	call := func(fn func()) {
		callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer callCancel()
		require.NoError(t, reactor.Call(callCtx, loop, fn))
	}
	call(func() {
		h.SetDiagnosticsHandler(collector)
		sock = transport.NewSocket(h, 1, transport.KindUDP, nil)
		require.NoError(t, h.Serve(sock, "127.0.0.1", 0))
		ch, err := transport.NewChannel(h, 5, "127.0.0.1", 1, nil,
			transport.WithKind(transport.KindUDP), transport.WithSocket(1))
		require.NoError(t, err)
		h.AddRedundancyChannel(ch)
	})
	t.Cleanup(func() {
		call(func() { h.Close() })
		cancel()
		<-done
		loop.Close()
	})

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(collector))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Equal(t, 0.0, gauge(t, families, "rasta_channel_connected", "5"))

	peer, err := net.DialUDP("udp4", nil, net.UDPAddrFromAddrPort(sock.LocalAddr()))
	require.NoError(t, err)
	defer peer.Close()
	for _, msg := range []string{"one", "two", "three"} {
		_, err := peer.Write([]byte(msg))
		require.NoError(t, err)
		select {
		case <-received:
		case <-time.After(5 * time.Second):
			t.Fatal("datagram not delivered")
		}
	}

	families, err = reg.Gather()
	require.NoError(t, err)
	assert.Equal(t, 1.0, gauge(t, families, "rasta_channel_connected", "5"))
	assert.Equal(t, 3.0, gauge(t, families, "rasta_channel_packets_received_total", "5"))
	assert.Equal(t, 11.0, gauge(t, families, "rasta_channel_bytes_received_total", "5"))
	assert.Equal(t, 1.0, gauge(t, families, "rasta_channel_window_messages", "5"), "window of 2 was reset")
	assert.Equal(t, 1.0, gauge(t, families, "rasta_channel_diagnosis_windows_total", "5"))
}

func TestCollectorOnDiagnostics(t *testing.T) {
	h := transport.NewHandle(nil)
	c := NewCollector(h)
	ch, err := transport.NewChannel(h, 9, "127.0.0.1", 1, nil)
	require.NoError(t, err)

	c.OnDiagnostics(ch, diagnostics.Record{NDiagnose: 3, NMissed: 1})
	c.OnDiagnostics(ch, diagnostics.Record{NDiagnose: 4})

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c.windows))
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Equal(t, 2.0, gauge(t, families, "rasta_channel_diagnosis_windows_total", "9"))
}
