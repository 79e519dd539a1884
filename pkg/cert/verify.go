package cert

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"time"
)

// Verification errors.
var (
	ErrCertExpired     = errors.New("certificate has expired")
	ErrCertNotYetValid = errors.New("certificate is not yet valid")
)

// CheckValidity reports whether c is inside its validity period at now.
func CheckValidity(c *x509.Certificate, now time.Time) error {
	if c == nil {
		return ErrInvalidCert
	}
	if now.Before(c.NotBefore) {
		return ErrCertNotYetValid
	}
	if now.After(c.NotAfter) {
		return ErrCertExpired
	}
	return nil
}

// CertificateInfo is a human-readable summary of a certificate.
type CertificateInfo struct {
	CommonName  string    `yaml:"common_name"`
	Issuer      string    `yaml:"issuer"`
	NotBefore   time.Time `yaml:"not_before"`
	NotAfter    time.Time `yaml:"not_after"`
	IsCA        bool      `yaml:"is_ca"`
	DNSNames    []string  `yaml:"dns_names,omitempty"`
	IPAddresses []string  `yaml:"ip_addresses,omitempty"`
	Fingerprint string    `yaml:"sha256"`
}

// Info extracts a summary from c.
func Info(c *x509.Certificate) *CertificateInfo {
	if c == nil {
		return nil
	}
	sum := sha256.Sum256(c.Raw)
	info := &CertificateInfo{
		CommonName:  c.Subject.CommonName,
		Issuer:      c.Issuer.CommonName,
		NotBefore:   c.NotBefore,
		NotAfter:    c.NotAfter,
		IsCA:        c.IsCA,
		DNSNames:    c.DNSNames,
		Fingerprint: hex.EncodeToString(sum[:]),
	}
	for _, ip := range c.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info
}
