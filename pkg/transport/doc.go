// Package transport is the transport layer below the RaSTA redundancy layer.
//
// A Handle holds the sockets and the redundancy channels of one node. A
// Socket is a local endpoint: a listening TCP socket that accepts peers, or
// a bound UDP socket shared by datagram channels. A Channel is a logical
// connection to one configured peer. Channels connect without blocking,
// redial on demand and report every state change to a Handler.
//
// Inbound connections and datagrams are attributed to a channel by the
// sender's IPv4 address alone; see Handle.FindChannelByIPAddress.
//
// Channels may be secured with TLS 1.3 (TCP) or DTLS 1.2 (UDP). A secure
// session moves from SessionReady to SessionEstablished and ends in
// SessionClosed; a closed session is never reused. A channel is only
// StateConnected once its session is established.
//
// Everything in this package runs on a single reactor goroutine (see
// package reactor). Code on other goroutines uses reactor.Call.
package transport
