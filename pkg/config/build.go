package config

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/rasta-protocol/rasta-go/pkg/connection"
	"github.com/rasta-protocol/rasta-go/pkg/transport"
	"go.uber.org/zap"
)

// Security builds the shared security context. It is nil for plain transport.
func (c *Config) Security() (*transport.Security, error) {
	mode, err := transport.ParseSecurityMode(c.Transport.TLS.Mode)
	if err != nil {
		return nil, err
	}
	verify, err := transport.ParseVerifyMode(c.Transport.TLS.Verify)
	if err != nil {
		return nil, err
	}
	tls := c.Transport.TLS
	return transport.NewSecurity(transport.SecurityConfig{
		Mode:             mode,
		CertFile:         tls.CertFile,
		KeyFile:          tls.KeyFile,
		CAFile:           tls.CAFile,
		ServerName:       tls.ServerName,
		Verify:           verify,
		PSKIdentity:      tls.PSKIdentity,
		PSKPassphrase:    tls.PSKPassphrase,
		HandshakeTimeout: c.Transport.HandshakeTimeout,
		WriteTimeout:     c.Transport.WriteTimeout,
	})
}

// Backoff returns the redial backoff settings.
func (c *Config) Backoff() connection.BackoffConfig {
	return connection.BackoffConfig{
		Initial:    c.Redial.Initial,
		Max:        c.Redial.Max,
		Multiplier: c.Redial.Multiplier,
		Jitter:     c.Redial.Jitter,
	}
}

// Topology is what Build created.
type Topology struct {
	Sockets []*transport.Socket
	// Dial lists the channels this node connects on its own.
	Dial []*transport.Channel
}

// Hosts maps configured channel hosts to their IPv4 addresses.
type Hosts map[string]netip.Addr

// Resolve looks up every channel host once. Name lookups block, so call it
// before handing the result to Build on the reactor goroutine.
func (c *Config) Resolve(ctx context.Context) (Hosts, error) {
	hosts := make(Hosts)
	for _, group := range c.Redundancy {
		for _, cc := range group.TransportChannels {
			if _, ok := hosts[cc.Host]; ok {
				continue
			}
			addr, err := transport.Resolve(ctx, cc.Host)
			if err != nil {
				return nil, fmt.Errorf("transport channel %d: %w", cc.ID, err)
			}
			hosts[cc.Host] = addr
		}
	}
	return hosts, nil
}

// Build creates, binds and listens on the configured sockets and registers
// the configured redundancy channels with h. It must run on h's reactor
// goroutine; channel addresses come from hosts, as returned by Resolve.
// Nothing is dialled. With debug logging enabled on h every send is logged.
func (c *Config) Build(h *transport.Handle, sec *transport.Security, hosts Hosts) (*Topology, error) {
	kind, err := transport.ParseKind(c.Transport.Kind)
	if err != nil {
		return nil, err
	}

	topo := &Topology{}
	for _, sc := range c.Sockets {
		s := transport.NewSocket(h, sc.ID, kind, sec)
		if err := h.Serve(s, sc.Bind, sc.Port); err != nil {
			return topo, err
		}
		topo.Sockets = append(topo.Sockets, s)
	}

	var sender transport.Sender
	if h.Logger().Core().Enabled(zap.DebugLevel) {
		sender = transport.LoggingSender{Next: transport.DefaultSender(sec), Logger: h.Logger()}
	}

	for r, group := range c.Redundancy {
		chs := make([]*transport.Channel, 0, len(group.TransportChannels))
		for _, cc := range group.TransportChannels {
			addr, ok := hosts[cc.Host]
			if !ok {
				return topo, fmt.Errorf("redundancy channel %d: %w: %s was not resolved", r, transport.ErrResolve, cc.Host)
			}
			opts := []transport.ChannelOption{
				transport.WithKind(kind),
				transport.WithSocket(cc.Socket),
				transport.WithAddress(addr),
			}
			if sender != nil {
				opts = append(opts, transport.WithSender(sender))
			}
			ch, err := transport.NewChannel(h, cc.ID, cc.Host, cc.Port, sec, opts...)
			if err != nil {
				return topo, fmt.Errorf("redundancy channel %d: %w", r, err)
			}
			chs = append(chs, ch)
			if cc.Dial {
				topo.Dial = append(topo.Dial, ch)
			}
		}
		h.AddRedundancyChannel(chs...)
	}
	return topo, nil
}
