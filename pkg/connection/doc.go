// Package connection decides when transport channels are redialled.
//
// The transport layer only redials on request. A Supervisor sits between a
// transport.Handle and its handler and redials channels that this node
// dialled and that dropped because of an error. Passive channels are left to
// the peer, and explicit closes are never undone.
//
// # Backoff
//
// Redials are spaced by exponential backoff:
//
//  1. Initial delay: 500 milliseconds
//  2. Exponential increase: 1s, 2s, 4s, 8s, 16s
//  3. Maximum delay: 30 seconds, repeated until a connection succeeds
//  4. Reset to the initial delay once the channel is connected
//
// Jitter spreads simultaneous redials of many channels:
//
//	actual_delay = base_delay + random(0, base_delay * 0.25)
package connection
