package transport

import "fmt"

// ChannelState is the connection state of a transport channel.
type ChannelState int32

const (
	// StateDisconnected indicates no connection.
	StateDisconnected ChannelState = iota

	// StateConnecting indicates a connect or secure handshake in progress.
	StateConnecting

	// StateConnected indicates application data may flow.
	StateConnected
)

// String returns the channel state name.
func (s ChannelState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// SessionState is the lifecycle state of a secure session.
//
// Transitions are Ready to Established on handshake success, Ready to Closed
// on handshake failure or close, and Established to Closed on close or a
// fatal I/O error. Closed is terminal.
type SessionState int32

const (
	// SessionReady indicates the handshake has not completed yet.
	SessionReady SessionState = iota

	// SessionEstablished indicates the handshake completed.
	SessionEstablished

	// SessionClosed indicates the session is torn down.
	SessionClosed
)

// String returns the session state name.
func (s SessionState) String() string {
	switch s {
	case SessionReady:
		return "READY"
	case SessionEstablished:
		return "ESTABLISHED"
	case SessionClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Kind selects stream or datagram transport.
type Kind int

const (
	KindTCP Kind = iota
	KindUDP
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// ParseKind parses "tcp" or "udp".
func ParseKind(s string) (Kind, error) {
	switch s {
	case "tcp", "":
		return KindTCP, nil
	case "udp":
		return KindUDP, nil
	default:
		return 0, fmt.Errorf("unknown transport kind %q", s)
	}
}

// SecurityMode selects the secure session flavour.
type SecurityMode int

const (
	SecurityNone SecurityMode = iota
	SecurityTLS
	SecurityDTLS
)

// String returns the mode name.
func (m SecurityMode) String() string {
	switch m {
	case SecurityNone:
		return "none"
	case SecurityTLS:
		return "tls"
	case SecurityDTLS:
		return "dtls"
	default:
		return "unknown"
	}
}

// ParseSecurityMode parses "none", "tls" or "dtls".
func ParseSecurityMode(s string) (SecurityMode, error) {
	switch s {
	case "none", "":
		return SecurityNone, nil
	case "tls":
		return SecurityTLS, nil
	case "dtls":
		return SecurityDTLS, nil
	default:
		return 0, fmt.Errorf("unknown security mode %q", s)
	}
}

// VerifyMode selects how strictly the peer certificate is checked.
type VerifyMode int

const (
	// VerifyNone accepts any peer certificate.
	VerifyNone VerifyMode = iota

	// VerifyPeer verifies a presented certificate. Servers do not demand one.
	VerifyPeer

	// VerifyRequire demands and verifies a peer certificate on both sides.
	VerifyRequire
)

// String returns the mode name.
func (m VerifyMode) String() string {
	switch m {
	case VerifyNone:
		return "none"
	case VerifyPeer:
		return "peer"
	case VerifyRequire:
		return "require"
	default:
		return "unknown"
	}
}

// ParseVerifyMode parses "none", "peer" or "require".
func ParseVerifyMode(s string) (VerifyMode, error) {
	switch s {
	case "none":
		return VerifyNone, nil
	case "peer", "":
		return VerifyPeer, nil
	case "require":
		return VerifyRequire, nil
	default:
		return 0, fmt.Errorf("unknown verify mode %q", s)
	}
}
