package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/rasta-protocol/rasta-go/pkg/cert"
	"github.com/rasta-protocol/rasta-go/pkg/version"
	"golang.org/x/crypto/hkdf"
)

// Security defaults.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 2 * time.Second

	// pskSalt is the HKDF salt of the DTLS pre-shared key derivation.
	pskSalt = "rasta-dtls-psk"
	pskSize = 32
)

// SecurityConfig is the externally validated TLS/DTLS configuration. Key
// material is referenced by path; Certificate and RootCAs take precedence
// over the file paths when set.
type SecurityConfig struct {
	// Mode selects plain, TLS (stream) or DTLS (datagram) sessions.
	Mode SecurityMode

	// CertFile and KeyFile hold this endpoint's PEM certificate and key.
	CertFile string
	KeyFile  string

	// CAFile holds the PEM trust anchors for peer verification.
	CAFile string

	// ServerName is the expected name in the server certificate.
	ServerName string

	// Verify selects how the peer certificate is checked.
	Verify VerifyMode

	// PSKIdentity and PSKPassphrase enable DTLS pre-shared key mode.
	PSKIdentity   string
	PSKPassphrase string

	// HandshakeTimeout bounds one handshake attempt.
	HandshakeTimeout time.Duration

	// WriteTimeout bounds one encrypted write.
	WriteTimeout time.Duration

	Certificate *tls.Certificate
	RootCAs     *x509.CertPool
}

// Security is an immutable TLS/DTLS context shared by pointer across all
// channels and sockets. A nil *Security means plain transport.
type Security struct {
	mode       SecurityMode
	verify     VerifyMode
	serverName string

	certificate *tls.Certificate
	roots       *x509.CertPool

	pskIdentity []byte
	psk         []byte

	handshakeTimeout time.Duration
	writeTimeout     time.Duration
}

// NewSecurity builds the shared security context. SecurityNone yields nil.
func NewSecurity(cfg SecurityConfig) (*Security, error) {
	if cfg.Mode == SecurityNone {
		return nil, nil
	}
	if cfg.Mode != SecurityTLS && cfg.Mode != SecurityDTLS {
		return nil, fmt.Errorf("unknown security mode %d", cfg.Mode)
	}

	s := &Security{
		mode:             cfg.Mode,
		verify:           cfg.Verify,
		serverName:       cfg.ServerName,
		certificate:      cfg.Certificate,
		roots:            cfg.RootCAs,
		handshakeTimeout: cfg.HandshakeTimeout,
		writeTimeout:     cfg.WriteTimeout,
	}
	if s.handshakeTimeout <= 0 {
		s.handshakeTimeout = DefaultHandshakeTimeout
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = DefaultWriteTimeout
	}

	if s.certificate == nil && cfg.CertFile != "" {
		pair, err := cert.LoadKeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		s.certificate = &pair
	}
	if s.roots == nil && cfg.CAFile != "" {
		pool, err := cert.LoadPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		s.roots = pool
	}

	if cfg.PSKIdentity != "" || cfg.PSKPassphrase != "" {
		if cfg.Mode != SecurityDTLS {
			return nil, errors.New("pre-shared keys are only supported with dtls")
		}
		if cfg.PSKIdentity == "" || cfg.PSKPassphrase == "" {
			return nil, errors.New("psk identity and passphrase are both required")
		}
		key, err := DerivePSK(cfg.PSKPassphrase, cfg.PSKIdentity)
		if err != nil {
			return nil, err
		}
		s.pskIdentity = []byte(cfg.PSKIdentity)
		s.psk = key
	}

	if s.certificate == nil && s.psk == nil {
		return nil, fmt.Errorf("%s requires a certificate or a pre-shared key", cfg.Mode)
	}
	if s.verify != VerifyNone && s.psk == nil && s.roots == nil {
		return nil, fmt.Errorf("verify mode %s requires a CA file", s.verify)
	}
	return s, nil
}

// DerivePSK derives the DTLS pre-shared key from a passphrase with
// HKDF-SHA256, using the identity as context info.
func DerivePSK(passphrase, identity string) ([]byte, error) {
	key := make([]byte, pskSize)
	r := hkdf.New(sha256.New, []byte(passphrase), []byte(pskSalt), []byte(identity))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive psk: %w", err)
	}
	return key, nil
}

// Mode returns the security mode. It is SecurityNone for a nil receiver.
func (s *Security) Mode() SecurityMode {
	if s == nil {
		return SecurityNone
	}
	return s.mode
}

// Enabled reports whether sessions are encrypted.
func (s *Security) Enabled() bool {
	return s.Mode() != SecurityNone
}

// HandshakeTimeout returns the bound on one handshake attempt.
func (s *Security) HandshakeTimeout() time.Duration {
	if s == nil {
		return DefaultHandshakeTimeout
	}
	return s.handshakeTimeout
}

// WriteTimeout returns the bound on one encrypted write.
func (s *Security) WriteTimeout() time.Duration {
	if s == nil {
		return DefaultWriteTimeout
	}
	return s.writeTimeout
}

// handshake runs a blocking client or server handshake over raw and returns
// the encrypted connection. It is only ever called off the reactor goroutine.
func (s *Security) handshake(ctx context.Context, raw net.Conn, client bool) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	defer cancel()

	name := s.serverName
	if name == "" && raw.RemoteAddr() != nil {
		// Peers are configured by address; verify against it.
		if host, _, err := net.SplitHostPort(raw.RemoteAddr().String()); err == nil {
			name = host
		}
	}

	switch s.mode {
	case SecurityTLS:
		var conn *tls.Conn
		if client {
			conn = tls.Client(raw, s.clientTLSConfig(name))
		} else {
			conn = tls.Server(raw, s.serverTLSConfig())
		}
		if err := conn.HandshakeContext(ctx); err != nil {
			return nil, err
		}
		return conn, nil

	case SecurityDTLS:
		cfg := s.dtlsConfig(client, name)
		var (
			conn *dtls.Conn
			err  error
		)
		if client {
			conn, err = dtls.ClientWithContext(ctx, raw, cfg)
		} else {
			conn, err = dtls.ServerWithContext(ctx, raw, cfg)
		}
		if err != nil {
			return nil, err
		}
		return conn, nil

	default:
		return nil, fmt.Errorf("no handshake for mode %s", s.mode)
	}
}

// serverTLSConfig creates the TLS configuration of the accepting side.
func (s *Security) serverTLSConfig() *tls.Config {
	cfg := &tls.Config{
		// TLS 1.3 only - no fallback
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,

		ClientCAs:  s.roots,
		NextProtos: version.SupportedALPNProtocols(),

		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},

		// Session tickets disabled (no resumption)
		SessionTicketsDisabled: true,
	}
	if s.certificate != nil {
		cfg.Certificates = []tls.Certificate{*s.certificate}
	}

	switch s.verify {
	case VerifyRequire:
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	case VerifyPeer:
		cfg.ClientAuth = tls.VerifyClientCertIfGiven
	default:
		cfg.ClientAuth = tls.NoClientCert
	}
	return cfg
}

// clientTLSConfig creates the TLS configuration of the dialling side.
func (s *Security) clientTLSConfig(serverName string) *tls.Config {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,

		RootCAs:    s.roots,
		ServerName: serverName,
		NextProtos: version.SupportedALPNProtocols(),

		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},

		SessionTicketsDisabled: true,

		InsecureSkipVerify: s.verify == VerifyNone,
	}
	if s.certificate != nil {
		cfg.Certificates = []tls.Certificate{*s.certificate}
	}
	return cfg
}

// dtlsConfig creates the DTLS configuration for either side.
func (s *Security) dtlsConfig(client bool, serverName string) *dtls.Config {
	cfg := &dtls.Config{
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ServerName:           serverName,
	}

	if s.psk != nil {
		key := s.psk
		cfg.PSK = func([]byte) ([]byte, error) { return key, nil }
		cfg.PSKIdentityHint = s.pskIdentity
		cfg.CipherSuites = []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_GCM_SHA256}
		return cfg
	}

	if s.certificate != nil {
		cfg.Certificates = []tls.Certificate{*s.certificate}
	}
	cfg.RootCAs = s.roots
	cfg.ClientCAs = s.roots
	cfg.InsecureSkipVerify = s.verify == VerifyNone

	if !client {
		switch s.verify {
		case VerifyRequire:
			cfg.ClientAuth = dtls.RequireAndVerifyClientCert
		case VerifyPeer:
			cfg.ClientAuth = dtls.VerifyClientCertIfGiven
		default:
			cfg.ClientAuth = dtls.NoClientCert
		}
	}
	return cfg
}
