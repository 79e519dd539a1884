// Package log provides structured protocol logging for the RaSTA transport.
//
// This package defines the Logger interface and Event types for capturing
// transport events at the socket, channel and session layers. It is separate
// from operational logging (zap): protocol capture provides a complete
// machine-readable event trace for debugging and post-incident analysis.
//
// # Basic Usage
//
// Owners pass a Logger to the transport handle:
//
//	// For development: protocol events as zap debug entries
//	h := transport.NewHandle(loop, transport.WithProtocolLogger(log.NewZapAdapter(logger)))
//
//	// For production: binary file with rotation
//	fl, _ := log.NewRotatingFileLogger("/var/log/rasta/node.rlog", log.RotationOptions{MaxSizeMB: 64, MaxBackups: 5})
//
//	// Both
//	pl := log.NewMultiLogger(log.NewZapAdapter(logger), fl)
//
// # Event Types
//
//   - FrameEvent: payload bytes sent or received on a channel
//   - StateChangeEvent: channel, socket and secure session transitions
//   - ErrorEventData: accept failures, unroutable traffic, I/O errors
//   - DiagnosticsEvent: a completed diagnostics window (clause 6.6.3.2)
//
// # File Format
//
// Log files are a stream of CBOR items with integer keys, conventionally
// with a .rlog extension. OpenRotated reads a log together with its rotated
// (optionally gzipped) backups. The rasta-log tool views, filters and exports
// them.
package log
