package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
	"github.com/rasta-protocol/rasta-go/pkg/transport"
	"go.uber.org/zap"
)

// Registration is a live service registration.
type Registration interface {
	SetText(text []string)
	Shutdown()
}

// RegisterFunc publishes one service instance.
type RegisterFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface, ttl time.Duration) (Registration, error)

// BrowseFunc streams resolved entries of service until ctx is done.
type BrowseFunc func(ctx context.Context, service, domain string, ifaces []net.Interface, entries, removed chan<- ServiceEntry) error

// Advertiser publishes transport sockets over mDNS.
type Advertiser struct {
	config   AdvertiserConfig
	register RegisterFunc
	logger   *zap.Logger

	mu      sync.Mutex
	servers map[int]Registration // keyed by socket id
	infos   map[int]SocketInfo
}

// AdvertiserOption configures an Advertiser.
type AdvertiserOption func(*Advertiser)

// WithRegisterFunc replaces the zeroconf registration.
func WithRegisterFunc(fn RegisterFunc) AdvertiserOption {
	return func(a *Advertiser) {
		a.register = fn
	}
}

// WithAdvertiserLogger sets the operational logger.
func WithAdvertiserLogger(logger *zap.Logger) AdvertiserOption {
	return func(a *Advertiser) {
		a.logger = logger
	}
}

// NewAdvertiser creates a new mDNS advertiser.
func NewAdvertiser(config AdvertiserConfig, opts ...AdvertiserOption) *Advertiser {
	a := &Advertiser{
		config:   config,
		register: zeroconfRegister,
		logger:   zap.NewNop(),
		servers:  make(map[int]Registration),
		infos:    make(map[int]SocketInfo),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Advertise starts advertising a socket. An existing advertisement of the
// same socket id is replaced.
func (a *Advertiser) Advertise(info SocketInfo) error {
	if info.Port == 0 {
		return fmt.Errorf("%w: socket %d has no port", ErrInvalidSocket, info.SocketID)
	}
	instance := info.InstanceName()
	if err := ValidateInstanceName(instance); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if server, exists := a.servers[info.SocketID]; exists {
		server.Shutdown()
		delete(a.servers, info.SocketID)
		delete(a.infos, info.SocketID)
	}

	ifaces, err := interfaces(a.config.Interface)
	if err != nil {
		return err
	}

	text := TXTRecordsToStrings(EncodeSocketTXT(info))
	server, err := a.register(instance, info.ServiceType(), Domain, int(info.Port), text, ifaces, a.config.TTL)
	if err != nil {
		return fmt.Errorf("failed to register socket %d: %w", info.SocketID, err)
	}

	a.servers[info.SocketID] = server
	a.infos[info.SocketID] = info
	a.logger.Info("advertising socket",
		zap.String("instance", instance),
		zap.String("service", info.ServiceType()),
		zap.Uint16("port", info.Port),
	)
	return nil
}

// Update replaces the TXT records of an advertised socket.
func (a *Advertiser) Update(info SocketInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	server, exists := a.servers[info.SocketID]
	if !exists {
		return ErrNotFound
	}
	server.SetText(TXTRecordsToStrings(EncodeSocketTXT(info)))
	a.infos[info.SocketID] = info
	return nil
}

// Stop stops advertising a socket.
func (a *Advertiser) Stop(socketID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	server, exists := a.servers[socketID]
	if !exists {
		return ErrNotFound
	}
	server.Shutdown()
	delete(a.servers, socketID)
	delete(a.infos, socketID)
	return nil
}

// StopAll stops all advertisements.
func (a *Advertiser) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, server := range a.servers {
		server.Shutdown()
		delete(a.servers, id)
		delete(a.infos, id)
	}
}

// Advertised returns the advertised sockets ordered by id.
func (a *Advertiser) Advertised() []SocketInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]SocketInfo, 0, len(a.infos))
	for _, info := range a.infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SocketID < out[j].SocketID })
	return out
}

// SocketInfos describes the bound sockets in socks. Unbound sockets are
// skipped. It reads socket state and must run on the reactor goroutine.
func SocketInfos(node string, socks []*transport.Socket) []SocketInfo {
	var out []SocketInfo
	for _, s := range socks {
		if !s.Bound() {
			continue
		}
		out = append(out, SocketInfo{
			Node:     node,
			SocketID: s.ID(),
			Kind:     s.Kind(),
			Security: s.Security().Mode(),
			Port:     s.LocalAddr().Port(),
		})
	}
	return out
}

// Browser finds transport sockets of other nodes.
type Browser struct {
	config BrowserConfig
	browse BrowseFunc
}

// BrowserOption configures a Browser.
type BrowserOption func(*Browser)

// WithBrowseFunc replaces the zeroconf browser.
func WithBrowseFunc(fn BrowseFunc) BrowserOption {
	return func(b *Browser) {
		b.browse = fn
	}
}

// NewBrowser creates a new mDNS browser.
func NewBrowser(config BrowserConfig, opts ...BrowserOption) *Browser {
	if config.BrowseTimeout <= 0 {
		config.BrowseTimeout = BrowseTimeout
	}
	b := &Browser{config: config, browse: zeroconfBrowse}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Browse searches for sockets of the given kind. Services are aggregated by
// instance name: addresses seen on several interfaces are combined and a
// service is emitted once. The channel closes when ctx is done.
func (b *Browser) Browse(ctx context.Context, kind transport.Kind) (<-chan *Service, error) {
	ifaces, err := interfaces(b.config.Interface)
	if err != nil {
		return nil, err
	}

	out := make(chan *Service)
	entries := make(chan ServiceEntry)
	removed := make(chan ServiceEntry)

	go func() {
		defer close(out)

		services := make(map[string]*Service)
		for {
			select {
			case entry := <-entries:
				svc, err := entryToService(entry, kind)
				if err != nil {
					continue
				}
				if existing, found := services[svc.Instance]; found {
					existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
					continue
				}
				services[svc.Instance] = svc
				emitted := *svc
				emitted.Addresses = append([]string(nil), svc.Addresses...)
				select {
				case out <- &emitted:
				case <-ctx.Done():
					return
				}

			case entry := <-removed:
				if existing, found := services[entry.Instance]; found {
					existing.Addresses = removeAddresses(existing.Addresses, entry.Addrs)
					if len(existing.Addresses) == 0 {
						delete(services, entry.Instance)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = b.browse(ctx, ServiceType(kind), Domain, ifaces, entries, removed)
	}()

	return out, nil
}

// Find returns the socket advertised by node with the given id.
func (b *Browser) Find(ctx context.Context, kind transport.Kind, node string, socketID int) (*Service, error) {
	ctx, cancel := context.WithTimeout(ctx, b.config.BrowseTimeout)
	defer cancel()

	found, err := b.Browse(ctx, kind)
	if err != nil {
		return nil, err
	}
	want := InstanceName(node, socketID)
	for svc := range found {
		if svc.Instance == want {
			return svc, nil
		}
	}
	return nil, ErrNotFound
}

func entryToService(entry ServiceEntry, kind transport.Kind) (*Service, error) {
	info, err := DecodeSocketTXT(StringsToTXTRecords(entry.Text))
	if err != nil {
		return nil, err
	}
	info.Kind = kind
	info.Port = entry.Port

	return &Service{
		SocketInfo: info,
		Instance:   entry.Instance,
		Host:       entry.Host,
		Addresses:  mergeAddresses(nil, entry.Addrs),
	}, nil
}

func interfaces(name string) ([]net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", name, err)
	}
	return []net.Interface{*iface}, nil
}

func zeroconfRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface, ttl time.Duration) (Registration, error) {
	var opts []zeroconf.ServerOption
	if ttl > 0 {
		opts = append(opts, zeroconf.TTL(uint32(ttl.Seconds())))
	}
	server, err := zeroconf.Register(instance, service, domain, port, text, ifaces, opts...)
	if err != nil {
		return nil, err
	}
	return server, nil
}

func zeroconfBrowse(ctx context.Context, service, domain string, ifaces []net.Interface, entries, removed chan<- ServiceEntry) error {
	var opts []zeroconf.ClientOption
	if len(ifaces) > 0 {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	zEntries := make(chan *zeroconf.ServiceEntry)
	zRemoved := make(chan *zeroconf.ServiceEntry)
	go forwardEntries(ctx, service, zEntries, entries)
	go forwardEntries(ctx, service, zRemoved, removed)

	return zeroconf.Browse(ctx, service, domain, zEntries, zRemoved, opts...)
}

func forwardEntries(ctx context.Context, service string, in <-chan *zeroconf.ServiceEntry, out chan<- ServiceEntry) {
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return
			}
			entry := ServiceEntry{
				Instance: e.Instance,
				Service:  service,
				Host:     e.HostName,
				Port:     uint16(e.Port),
				Text:     e.Text,
			}
			for _, ip := range e.AddrIPv4 {
				entry.Addrs = append(entry.Addrs, ip.String())
			}
			for _, ip := range e.AddrIPv6 {
				entry.Addrs = append(entry.Addrs, ip.String())
			}
			select {
			case out <- entry:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// mergeAddresses adds new addresses to existing list, avoiding duplicates.
func mergeAddresses(existing, new []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range new {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

// removeAddresses drops gone from addresses.
func removeAddresses(addresses, gone []string) []string {
	toRemove := make(map[string]bool, len(gone))
	for _, addr := range gone {
		toRemove[addr] = true
	}
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}
