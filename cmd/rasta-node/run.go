package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rasta-protocol/rasta-go/cmd/rasta-node/interactive"
	"github.com/rasta-protocol/rasta-go/pkg/config"
	"github.com/rasta-protocol/rasta-go/pkg/connection"
	"github.com/rasta-protocol/rasta-go/pkg/discovery"
	"github.com/rasta-protocol/rasta-go/pkg/log"
	"github.com/rasta-protocol/rasta-go/pkg/observability"
	"github.com/rasta-protocol/rasta-go/pkg/reactor"
	"github.com/rasta-protocol/rasta-go/pkg/transport"
	"go.uber.org/zap"
)

// shutdownTimeout bounds closing the handle on the reactor goroutine.
const shutdownTimeout = 5 * time.Second

// node is a running rasta-node.
type node struct {
	cfg    *config.Config
	logger *zap.Logger

	loop      *reactor.Loop
	handle    *transport.Handle
	sup       *connection.Supervisor
	collector *observability.Collector
	plog      *log.FileLogger
	console   *interactive.Console
}

// newNode sets up logging, the reactor and the transport handle. Nothing is
// bound or dialled yet.
func newNode(cfg *config.Config, interactiveMode bool) (*node, error) {
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logger = logger.With(zap.String("node", cfg.Node))

	loop, err := reactor.NewLoop(reactor.WithLogger(logger.Named("reactor")))
	if err != nil {
		return nil, fmt.Errorf("reactor: %w", err)
	}

	n := &node{cfg: cfg, logger: logger, loop: loop}

	var protocol log.Logger = log.NewZapAdapter(logger)
	if cfg.ProtocolLog != "" {
		rot := cfg.Log.Rotation
		n.plog, err = log.NewRotatingFileLogger(cfg.ProtocolLog, log.RotationOptions{
			MaxSizeMB:  max(rot.MaxSizeMB, 10),
			MaxBackups: rot.MaxBackups,
			MaxAgeDays: rot.MaxAgeDays,
			Compress:   rot.Compress,
		})
		if err != nil {
			loop.Close()
			return nil, fmt.Errorf("protocol log: %w", err)
		}
		protocol = log.NewMultiLogger(n.plog, protocol)
	}

	n.handle = transport.NewHandle(loop,
		transport.WithLogger(logger),
		transport.WithProtocolLogger(protocol),
		transport.WithDiagnosticsWindow(cfg.Diagnostics.Window),
	)

	n.sup = connection.Attach(n.handle,
		connection.WithLogger(logger.Named("supervisor")),
		connection.WithBackoff(cfg.Backoff()),
	)
	if interactiveMode {
		n.console, err = interactive.New(n.handle, n.sup)
		if err != nil {
			loop.Close()
			if n.plog != nil {
				n.plog.Close()
			}
			return nil, err
		}
		n.handle.SetHandler(n.console.Handler(n.handle.Handler()))
	}
	n.collector = observability.NewCollector(n.handle, observability.WithSupervisor(n.sup))
	n.handle.SetDiagnosticsHandler(n.collector)
	return n, nil
}

// start binds the sockets, declares the channels and dials. It must be
// called while the reactor runs.
func (n *node) start(ctx context.Context) ([]discovery.SocketInfo, error) {
	sec, err := n.cfg.Security()
	if err != nil {
		return nil, fmt.Errorf("security: %w", err)
	}

	hosts, err := n.cfg.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	var (
		infos    []discovery.SocketInfo
		buildErr error
	)
	err = reactor.Call(ctx, n.loop, func() {
		topo, err := n.cfg.Build(n.handle, sec, hosts)
		if err != nil {
			buildErr = err
			return
		}
		for _, s := range topo.Sockets {
			n.logger.Info("socket ready",
				zap.Int("socket", s.ID()),
				zap.Stringer("kind", s.Kind()),
				zap.Stringer("local", s.LocalAddr()),
			)
		}
		for _, ch := range topo.Dial {
			// A failed first attempt is already scheduled for redial.
			if err := n.sup.Dial(ch); err != nil {
				n.logger.Warn("dial failed", zap.Int("channel", ch.ID()), zap.Error(err))
			}
		}
		infos = discovery.SocketInfos(n.cfg.Node, topo.Sockets)
	})
	if err != nil {
		return nil, err
	}
	return infos, buildErr
}

// close releases everything newNode and start created. The reactor must
// still be running for the handle to be closed on its goroutine.
func (n *node) close() {
	n.sup.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := reactor.Call(ctx, n.loop, func() { n.handle.Close() }); err != nil {
		n.logger.Warn("handle close", zap.Error(err))
	}
}

func runNode(ctx context.Context, cfg *config.Config, interactiveMode bool) error {
	n, err := newNode(cfg, interactiveMode)
	if err != nil {
		return err
	}
	logger := n.logger
	defer logger.Sync()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- n.loop.Run(loopCtx)
	}()
	defer func() {
		n.close()
		stopLoop()
		if err := <-loopDone; err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("reactor stopped", zap.Error(err))
		}
		n.loop.Close()
		if n.plog != nil {
			n.plog.Close()
		}
	}()

	infos, err := n.start(ctx)
	if err != nil {
		return err
	}
	logger.Info("node started", zap.Int("sockets", len(infos)))

	if n.plog != nil {
		go n.rotateOnHangup(ctx)
	}

	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			n.collector,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		go func() {
			if err := observability.ServeMetrics(ctx, cfg.Metrics.Listen, reg, logger); err != nil {
				logger.Error("metrics endpoint", zap.Error(err))
			}
		}()
	}

	if cfg.Discovery.Enable {
		adv := discovery.NewAdvertiser(
			discovery.AdvertiserConfig{Interface: cfg.Discovery.Interface, TTL: discovery.DefaultTTL},
			discovery.WithAdvertiserLogger(logger.Named("discovery")),
		)
		defer adv.StopAll()

		instance := cfg.Discovery.Instance
		if instance == "" {
			instance = cfg.Node
		}
		for _, info := range infos {
			info.Node = instance
			if err := adv.Advertise(info); err != nil {
				logger.Warn("mdns advertisement failed", zap.Int("socket", info.SocketID), zap.Error(err))
			}
		}
	}

	if n.console != nil {
		go n.console.Run(ctx, cancel)
	} else {
		fmt.Fprintf(os.Stderr, "rasta-node %s running, press Ctrl+C to stop\n", cfg.Node)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// rotateOnHangup starts a new protocol log file on every SIGHUP.
func (n *node) rotateOnHangup(ctx context.Context) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := n.plog.Rotate(); err != nil {
				n.logger.Warn("protocol log rotation failed", zap.Error(err))
				continue
			}
			n.logger.Info("protocol log rotated", zap.String("path", n.cfg.ProtocolLog))
		}
	}
}
