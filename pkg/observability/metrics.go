package observability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rasta-protocol/rasta-go/pkg/connection"
	"github.com/rasta-protocol/rasta-go/pkg/diagnostics"
	"github.com/rasta-protocol/rasta-go/pkg/reactor"
	"github.com/rasta-protocol/rasta-go/pkg/transport"
	"go.uber.org/zap"
)

const namespace = "rasta"

var channelLabels = []string{"channel", "redundancy", "remote"}

// Collector exports per-channel transport state and diagnostics. Channel
// state is read on the handle's reactor goroutine at scrape time.
type Collector struct {
	h       *transport.Handle
	sup     *connection.Supervisor
	timeout time.Duration

	connected     *prometheus.Desc
	packets       *prometheus.Desc
	bytes         *prometheus.Desc
	receiveErrors *prometheus.Desc
	nDiagnose     *prometheus.Desc
	nMissed       *prometheus.Desc
	meanDrift     *prometheus.Desc
	driftVariance *prometheus.Desc
	redials       *prometheus.Desc

	windows     *prometheus.CounterVec
	missedRatio *prometheus.HistogramVec
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithSupervisor also exports the supervisor's redial counts.
func WithSupervisor(s *connection.Supervisor) CollectorOption {
	return func(c *Collector) {
		c.sup = s
	}
}

// WithScrapeTimeout bounds how long a scrape waits for the reactor.
func WithScrapeTimeout(d time.Duration) CollectorOption {
	return func(c *Collector) {
		c.timeout = d
	}
}

// NewCollector creates a collector for the channels of h.
func NewCollector(h *transport.Handle, opts ...CollectorOption) *Collector {
	desc := func(name, help string, labels []string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "channel", name), help, labels, nil)
	}
	c := &Collector{
		h:       h,
		timeout: 2 * time.Second,

		connected:     desc("connected", "Whether the transport channel is connected.", channelLabels),
		packets:       desc("packets_received_total", "Messages received on the channel.", channelLabels),
		bytes:         desc("bytes_received_total", "Payload bytes received on the channel.", channelLabels),
		receiveErrors: desc("receive_errors_total", "Failed receives on the channel.", channelLabels),
		nDiagnose:     desc("window_messages", "Messages received in the current diagnosis window.", channelLabels),
		nMissed:       desc("window_missed", "Messages missed in the current diagnosis window.", channelLabels),
		meanDrift:     desc("drift_mean_seconds", "Mean delivery delay in the current diagnosis window.", channelLabels),
		driftVariance: desc("drift_variance_ms2", "Delivery delay variance in the current diagnosis window.", channelLabels),
		redials:       desc("redials_total", "Redials issued by the supervisor.", []string{"channel"}),

		windows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "diagnosis_windows_total",
				Help:      "Completed diagnosis windows.",
			},
			[]string{"channel"},
		),
		missedRatio: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "channel",
				Name:      "window_missed_ratio",
				Help:      "Share of missed messages per completed diagnosis window.",
				Buckets:   []float64{0, 0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"channel"},
		),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.connected, c.packets, c.bytes, c.receiveErrors,
		c.nDiagnose, c.nMissed, c.meanDrift, c.driftVariance, c.redials,
	} {
		ch <- d
	}
	c.windows.Describe(ch)
	c.missedRatio.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var snap []transport.ChannelSnapshot
	if err := reactor.Call(ctx, c.h.Reactor(), func() { snap = c.h.Snapshot() }); err == nil {
		for _, s := range snap {
			labels := []string{strconv.Itoa(s.ID), strconv.Itoa(s.Redundancy), s.Remote}
			d := s.Diagnostics

			connected := 0.0
			if s.State == transport.StateConnected.String() {
				connected = 1
			}
			ch <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, connected, labels...)
			ch <- prometheus.MustNewConstMetric(c.packets, prometheus.CounterValue, float64(d.PacketsReceived), labels...)
			ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(d.BytesReceived), labels...)
			ch <- prometheus.MustNewConstMetric(c.receiveErrors, prometheus.CounterValue, float64(d.ReceiveErrors), labels...)
			ch <- prometheus.MustNewConstMetric(c.nDiagnose, prometheus.GaugeValue, float64(d.NDiagnose), labels...)
			ch <- prometheus.MustNewConstMetric(c.nMissed, prometheus.GaugeValue, float64(d.NMissed), labels...)
			ch <- prometheus.MustNewConstMetric(c.meanDrift, prometheus.GaugeValue, d.MeanDrift().Seconds(), labels...)
			ch <- prometheus.MustNewConstMetric(c.driftVariance, prometheus.GaugeValue, d.DriftVariance(), labels...)
		}
	}

	if c.sup != nil {
		for _, s := range c.sup.Stats() {
			ch <- prometheus.MustNewConstMetric(c.redials, prometheus.CounterValue, float64(s.Redials), strconv.Itoa(s.Channel))
		}
	}

	c.windows.Collect(ch)
	c.missedRatio.Collect(ch)
}

// OnDiagnostics implements transport.DiagnosticsHandler.
func (c *Collector) OnDiagnostics(ch *transport.Channel, record diagnostics.Record) {
	id := strconv.Itoa(ch.ID())
	c.windows.WithLabelValues(id).Inc()
	c.missedRatio.WithLabelValues(id).Observe(record.MissedRatio())
}

// ServeMetrics serves reg on addr at /metrics until ctx is done.
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var (
	_ prometheus.Collector         = (*Collector)(nil)
	_ transport.DiagnosticsHandler = (*Collector)(nil)
)
