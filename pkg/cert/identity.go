package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// DefaultValidity is the validity period of generated certificates.
const DefaultValidity = 365 * 24 * time.Hour

// Errors returned when loading trust material.
var (
	ErrInvalidCert = errors.New("invalid certificate")
	ErrEmptyPool   = errors.New("no certificates in CA file")
)

// Identity is an ECDSA P-256 certificate and its private key.
type Identity struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
}

// GenerateSelfSigned creates a self-signed identity usable both as a TLS/DTLS
// endpoint certificate and as its own trust anchor. Hosts that parse as IP
// addresses become IP SANs, the rest DNS SANs.
func GenerateSelfSigned(commonName string, hosts []string, validity time.Duration) (*Identity, error) {
	if validity <= 0 {
		validity = DefaultValidity
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{"RaSTA"}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else if h != "" {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &Identity{Certificate: c, PrivateKey: key}, nil
}

// TLSCertificate returns the identity as a tls.Certificate.
func (id *Identity) TLSCertificate() tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{id.Certificate.Raw},
		PrivateKey:  id.PrivateKey,
		Leaf:        id.Certificate,
	}
}

// Pool returns a certificate pool trusting only this identity.
func (id *Identity) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(id.Certificate)
	return pool
}

// Write stores the certificate and key as PEM files.
func (id *Identity) Write(certPath, keyPath string) error {
	if err := WriteCertFile(certPath, id.Certificate); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := WriteKeyFile(keyPath, id.PrivateKey); err != nil {
		return fmt.Errorf("write key: %w", err)
	}
	return nil
}

// LoadKeyPair reads a PEM certificate chain and private key and checks the
// leaf's validity period.
func LoadKeyPair(certPath, keyPath string) (tls.Certificate, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load key pair %s: %w", certPath, err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %v", ErrInvalidCert, err)
	}
	if err := CheckValidity(leaf, time.Now()); err != nil {
		return tls.Certificate{}, fmt.Errorf("%s: %w", certPath, err)
	}
	pair.Leaf = leaf
	return pair, nil
}

// LoadPool reads all PEM certificates in path into a pool. A bundle without
// a certificate, or with one that does not parse, is rejected rather than
// silently trusting fewer anchors.
func LoadPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	certs, err := DecodeCertsPEM(data)
	if errors.Is(err, ErrInvalidPEM) {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyPool)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	pool := x509.NewCertPool()
	for _, c := range certs {
		pool.AddCert(c)
	}
	return pool, nil
}
