// Package config loads the node configuration: logging, sockets, redundancy
// channels and their transport security.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rasta-protocol/rasta-go/pkg/diagnostics"
	"github.com/rasta-protocol/rasta-go/pkg/transport"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. RASTA_LOG_LEVEL=debug.
const EnvPrefix = "RASTA"

// Config is the root node configuration.
type Config struct {
	// Node names this node in logs and mDNS advertisements.
	Node string `mapstructure:"node" yaml:"node"`

	Log LogConfig `mapstructure:"log" yaml:"log"`

	// ProtocolLog is the path of the CBOR protocol event log. Empty disables it.
	ProtocolLog string `mapstructure:"protocol_log" yaml:"protocol_log,omitempty"`

	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery" yaml:"discovery"`
	Transport   TransportConfig   `mapstructure:"transport" yaml:"transport"`
	Sockets     []SocketConfig    `mapstructure:"sockets" yaml:"sockets"`
	Redundancy  []RedundancyGroup `mapstructure:"redundancy_channels" yaml:"redundancy_channels"`
	Redial      RedialConfig      `mapstructure:"redial" yaml:"redial"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics" yaml:"diagnostics"`
}

// LogConfig defines operational logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs" yaml:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	Development bool           `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable" yaml:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the HTTP address of /metrics. Empty disables the endpoint.
	Listen string `mapstructure:"listen" yaml:"listen,omitempty"`
}

// DiscoveryConfig configures mDNS advertisement of bound sockets.
type DiscoveryConfig struct {
	Enable    bool   `mapstructure:"enable" yaml:"enable"`
	Instance  string `mapstructure:"instance" yaml:"instance,omitempty"`
	Interface string `mapstructure:"interface" yaml:"interface,omitempty"`
}

// TransportConfig selects the transport kind and security of all channels.
type TransportConfig struct {
	// Kind: tcp or udp
	Kind string    `mapstructure:"kind" yaml:"kind"`
	TLS  TLSConfig `mapstructure:"tls" yaml:"tls"`

	WriteTimeout     time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
}

// TLSConfig references key material by path.
type TLSConfig struct {
	// Mode: none, tls or dtls
	Mode       string `mapstructure:"mode" yaml:"mode"`
	CertFile   string `mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile    string `mapstructure:"key_file" yaml:"key_file,omitempty"`
	CAFile     string `mapstructure:"ca_file" yaml:"ca_file,omitempty"`
	ServerName string `mapstructure:"server_name" yaml:"server_name,omitempty"`
	// Verify: none, peer or require
	Verify        string `mapstructure:"verify" yaml:"verify,omitempty"`
	PSKIdentity   string `mapstructure:"psk_identity" yaml:"psk_identity,omitempty"`
	PSKPassphrase string `mapstructure:"psk_passphrase" yaml:"psk_passphrase,omitempty"`
}

// SocketConfig describes one local endpoint.
type SocketConfig struct {
	ID   int    `mapstructure:"id" yaml:"id"`
	Bind string `mapstructure:"bind" yaml:"bind"`
	Port uint16 `mapstructure:"port" yaml:"port"`
}

// RedundancyGroup is one redundancy channel made of transport channels.
type RedundancyGroup struct {
	TransportChannels []ChannelConfig `mapstructure:"transport_channels" yaml:"transport_channels"`
}

// ChannelConfig describes one transport channel to a peer.
type ChannelConfig struct {
	ID   int    `mapstructure:"id" yaml:"id"`
	Host string `mapstructure:"host" yaml:"host"`
	Port uint16 `mapstructure:"port" yaml:"port"`
	// Socket is the local socket a udp channel sends through; 0 means the
	// first configured socket.
	Socket int `mapstructure:"socket" yaml:"socket,omitempty"`
	// Dial makes this node initiate the connection.
	Dial bool `mapstructure:"dial" yaml:"dial"`
}

// RedialConfig tunes the redial backoff.
type RedialConfig struct {
	Initial    time.Duration `mapstructure:"initial" yaml:"initial"`
	Max        time.Duration `mapstructure:"max" yaml:"max"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Jitter     float64       `mapstructure:"jitter" yaml:"jitter"`
}

// DiagnosticsConfig sets the diagnosis window.
type DiagnosticsConfig struct {
	// Window is N_diagnose, the number of messages per diagnosis window.
	Window uint32 `mapstructure:"window" yaml:"window"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Node: "rasta-node",
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Transport: TransportConfig{
			Kind:             "tcp",
			TLS:              TLSConfig{Mode: "none", Verify: "peer"},
			WriteTimeout:     transport.DefaultWriteTimeout,
			HandshakeTimeout: transport.DefaultHandshakeTimeout,
		},
		Sockets: []SocketConfig{{ID: 1, Bind: "0.0.0.0", Port: 8001}},
		Redial: RedialConfig{
			Initial:    500 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 2,
			Jitter:     0.25,
		},
		Diagnostics: DiagnosticsConfig{Window: diagnostics.DefaultWindow},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// rasta.yaml in the usual locations. Environment variables override file
// values; a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("node", cfg.Node)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("protocol_log", cfg.ProtocolLog)
	v.SetDefault("metrics.listen", cfg.Metrics.Listen)
	v.SetDefault("discovery.enable", cfg.Discovery.Enable)
	v.SetDefault("discovery.instance", cfg.Discovery.Instance)
	v.SetDefault("discovery.interface", cfg.Discovery.Interface)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.tls.mode", cfg.Transport.TLS.Mode)
	v.SetDefault("transport.tls.verify", cfg.Transport.TLS.Verify)
	v.SetDefault("transport.tls.cert_file", "")
	v.SetDefault("transport.tls.key_file", "")
	v.SetDefault("transport.tls.ca_file", "")
	v.SetDefault("transport.tls.server_name", "")
	v.SetDefault("transport.tls.psk_identity", "")
	v.SetDefault("transport.tls.psk_passphrase", "")
	v.SetDefault("transport.write_timeout", cfg.Transport.WriteTimeout)
	v.SetDefault("transport.handshake_timeout", cfg.Transport.HandshakeTimeout)
	v.SetDefault("sockets", cfg.Sockets)
	v.SetDefault("redial.initial", cfg.Redial.Initial)
	v.SetDefault("redial.max", cfg.Redial.Max)
	v.SetDefault("redial.multiplier", cfg.Redial.Multiplier)
	v.SetDefault("redial.jitter", cfg.Redial.Jitter)
	v.SetDefault("diagnostics.window", cfg.Diagnostics.Window)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rasta")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".rasta"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalises the configuration and rejects inconsistent values.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if strings.TrimSpace(c.Node) == "" {
		c.Node = "rasta-node"
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	kind, err := transport.ParseKind(c.Transport.Kind)
	if err != nil {
		return fmt.Errorf("transport.kind: %w", err)
	}
	c.Transport.TLS.Mode = strings.ToLower(strings.TrimSpace(c.Transport.TLS.Mode))
	mode, err := transport.ParseSecurityMode(c.Transport.TLS.Mode)
	if err != nil {
		return fmt.Errorf("transport.tls.mode: %w", err)
	}
	if _, err := transport.ParseVerifyMode(c.Transport.TLS.Verify); err != nil {
		return fmt.Errorf("transport.tls.verify: %w", err)
	}
	switch {
	case mode == transport.SecurityTLS && kind != transport.KindTCP:
		return errors.New("transport.tls.mode tls requires transport.kind tcp")
	case mode == transport.SecurityDTLS && kind != transport.KindUDP:
		return errors.New("transport.tls.mode dtls requires transport.kind udp")
	}

	sockets := make(map[int]bool, len(c.Sockets))
	for i, s := range c.Sockets {
		if sockets[s.ID] {
			return fmt.Errorf("sockets[%d]: duplicate id %d", i, s.ID)
		}
		sockets[s.ID] = true
		if s.Bind != "" {
			addr, err := netip.ParseAddr(s.Bind)
			if err != nil || !addr.Unmap().Is4() {
				return fmt.Errorf("sockets[%d]: bind %q is not an IPv4 address", i, s.Bind)
			}
		}
	}

	channels := make(map[int]bool)
	for r := range c.Redundancy {
		group := c.Redundancy[r].TransportChannels
		if len(group) == 0 {
			return fmt.Errorf("redundancy_channels[%d]: no transport channels", r)
		}
		for t := range group {
			ch := &group[t]
			where := fmt.Sprintf("redundancy_channels[%d].transport_channels[%d]", r, t)
			if channels[ch.ID] {
				return fmt.Errorf("%s: duplicate id %d", where, ch.ID)
			}
			channels[ch.ID] = true
			if strings.TrimSpace(ch.Host) == "" {
				return fmt.Errorf("%s: host is required", where)
			}
			if ch.Port == 0 {
				return fmt.Errorf("%s: port is required", where)
			}
			if ch.Socket == 0 && len(c.Sockets) > 0 {
				ch.Socket = c.Sockets[0].ID
			}
			if kind == transport.KindUDP && !sockets[ch.Socket] {
				return fmt.Errorf("%s: udp channel needs a configured socket, got %d", where, ch.Socket)
			}
		}
	}

	if c.Redial.Max > 0 && c.Redial.Initial > c.Redial.Max {
		return fmt.Errorf("redial.initial %s exceeds redial.max %s", c.Redial.Initial, c.Redial.Max)
	}
	if c.Diagnostics.Window == 0 {
		c.Diagnostics.Window = diagnostics.DefaultWindow
	}
	return nil
}

// YAML renders the configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
