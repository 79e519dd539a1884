// Package version provides RaSTA protocol version parsing, comparison, ALPN
// helpers and the build version of the binaries.
package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
)

// Current is the RaSTA protocol version implemented by this library.
const Current = "03.03"

// alpnPrefix prefixes the major version in TLS application protocol names.
const alpnPrefix = "rasta/"

// ProtocolVersion represents a parsed "major.minor" protocol version.
type ProtocolVersion struct {
	Major uint16
	Minor uint16
}

// Parse parses a "major.minor" version string. Leading zeros are allowed.
func Parse(s string) (ProtocolVersion, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok || strings.Contains(minor, ".") {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: expected major.minor", s)
	}

	maj, err := strconv.ParseUint(major, 10, 16)
	if err != nil {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: bad major component", s)
	}
	mnr, err := strconv.ParseUint(minor, 10, 16)
	if err != nil {
		return ProtocolVersion{}, fmt.Errorf("invalid version %q: bad minor component", s)
	}

	return ProtocolVersion{Major: uint16(maj), Minor: uint16(mnr)}, nil
}

// ParseWire parses the four digit form carried in RaSTA messages, e.g. "0303".
func ParseWire(s string) (ProtocolVersion, error) {
	if len(s) != 4 {
		return ProtocolVersion{}, fmt.Errorf("invalid wire version %q: expected 4 digits", s)
	}
	return Parse(s[:2] + "." + s[2:])
}

// String returns the version as "MM.mm".
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%02d.%02d", v.Major, v.Minor)
}

// Wire returns the four digit form, e.g. "0303".
func (v ProtocolVersion) Wire() string {
	return fmt.Sprintf("%02d%02d", v.Major%100, v.Minor%100)
}

// Compatible returns true if the other version has the same major version.
func (v ProtocolVersion) Compatible(other ProtocolVersion) bool {
	return v.Major == other.Major
}

// ALPNProtocol returns the ALPN protocol string for a major version: "rasta/N".
func ALPNProtocol(major uint16) string {
	return alpnPrefix + strconv.FormatUint(uint64(major), 10)
}

// MajorFromALPN extracts the major version from an ALPN protocol string.
func MajorFromALPN(alpn string) (uint16, error) {
	suffix, ok := strings.CutPrefix(alpn, alpnPrefix)
	if !ok {
		return 0, fmt.Errorf("not a RaSTA ALPN protocol: %q", alpn)
	}
	if suffix == "" {
		return 0, fmt.Errorf("empty major version in ALPN: %q", alpn)
	}

	major, err := strconv.ParseUint(suffix, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid major version in ALPN %q: %w", alpn, err)
	}
	return uint16(major), nil
}

// SupportedALPNProtocols returns the ALPN protocol strings for all supported
// major versions.
func SupportedALPNProtocols() []string {
	current, _ := Parse(Current)
	return []string{ALPNProtocol(current.Major)}
}

// Build returns the module version the running binary was built from, or
// "(devel)" for local builds.
func Build() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "(devel)"
	}
	return info.Main.Version
}
