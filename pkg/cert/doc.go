// Package cert loads and generates the certificate material used by the
// TLS and DTLS sessions of the transport layer. Material is referenced by
// file path in configuration; GenerateSelfSigned produces test and lab
// identities.
package cert
