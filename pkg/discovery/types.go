package discovery

import (
	"errors"
	"time"

	"github.com/rasta-protocol/rasta-go/pkg/transport"
)

// Service type constants for mDNS.
const (
	// ServiceTypeTCP is the service type of stream transport sockets.
	ServiceTypeTCP = "_rasta._tcp"

	// ServiceTypeUDP is the service type of datagram transport sockets.
	ServiceTypeUDP = "_rasta._udp"

	// Domain is the mDNS domain.
	Domain = "local"
)

// TXT record keys.
const (
	TXTKeyVersion  = "txtvers"
	TXTKeyNode     = "node"
	TXTKeySocketID = "id"
	TXTKeySecurity = "sec"
)

// TXTVersion is the TXT record format this package writes.
const TXTVersion = "1"

const (
	// DefaultTTL is the DNS record TTL of advertised sockets.
	DefaultTTL = 120 * time.Second

	// BrowseTimeout is the default timeout of Find.
	BrowseTimeout = 10 * time.Second

	// MaxInstanceNameLen is the DNS label limit.
	MaxInstanceNameLen = 63
)

// Errors.
var (
	ErrNotFound            = errors.New("service not found")
	ErrMissingRequired     = errors.New("missing required TXT record")
	ErrInvalidTXTRecord    = errors.New("invalid TXT record")
	ErrInstanceNameTooLong = errors.New("instance name too long")
	ErrInvalidSocket       = errors.New("invalid socket info")
)

// SocketInfo describes one advertised transport socket.
type SocketInfo struct {
	Node     string                 `yaml:"node"`
	SocketID int                    `yaml:"id"`
	Kind     transport.Kind         `yaml:"-"`
	Security transport.SecurityMode `yaml:"-"`
	Port     uint16                 `yaml:"port"`
}

// InstanceName returns the DNS-SD instance name of the socket.
func (i SocketInfo) InstanceName() string {
	return InstanceName(i.Node, i.SocketID)
}

// ServiceType returns the DNS-SD service type of the socket.
func (i SocketInfo) ServiceType() string {
	return ServiceType(i.Kind)
}

// Service is a transport socket found by browsing.
type Service struct {
	SocketInfo `yaml:",inline"`

	Instance  string   `yaml:"instance"`
	Host      string   `yaml:"host"`
	Addresses []string `yaml:"addresses"`
}

// ServiceEntry is a resolved DNS-SD entry, independent of the mDNS library.
type ServiceEntry struct {
	Instance string
	Service  string
	Host     string
	Port     uint16
	Text     []string
	Addrs    []string
}

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// TTL is the DNS record TTL.
	TTL time.Duration
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{TTL: DefaultTTL}
}

// BrowserConfig configures browser behavior.
type BrowserConfig struct {
	// Interface specifies which network interface to use.
	// Empty string means all interfaces.
	Interface string

	// BrowseTimeout bounds Find.
	BrowseTimeout time.Duration
}

// DefaultBrowserConfig returns the default browser configuration.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{BrowseTimeout: BrowseTimeout}
}

// ServiceType maps a transport kind to its DNS-SD service type.
func ServiceType(k transport.Kind) string {
	if k == transport.KindUDP {
		return ServiceTypeUDP
	}
	return ServiceTypeTCP
}
