// Package discovery advertises bound RaSTA transport sockets over mDNS/DNS-SD
// and browses for the sockets of other nodes.
//
// # Service types
//
// Stream sockets are published as _rasta._tcp and datagram sockets as
// _rasta._udp. One service instance is registered per bound socket.
// Instance name format: <node>-<socket id>
//
// # TXT records
//
//   - txtvers: record format version, currently 1
//   - node: node name
//   - id: transport socket identifier
//   - sec: session security, one of none, tls, dtls
//
// Browsing only reports the advertised address and socket metadata.
// Channels are still declared in configuration; a node never connects to a
// peer just because it was discovered.
package discovery
