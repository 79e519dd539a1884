package transport

import (
	"go.uber.org/zap"
)

// Sender is the send capability of a channel. It is chosen once, when the
// channel is created, from the security mode.
type Sender interface {
	Send(ch *Channel, data []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ch *Channel, data []byte) error

// Send implements Sender.
func (f SenderFunc) Send(ch *Channel, data []byte) error { return f(ch, data) }

// PlainSender writes unencrypted: to the channel's stream, or as a datagram
// through the associated socket.
type PlainSender struct{}

// Send implements Sender.
func (PlainSender) Send(ch *Channel, data []byte) error {
	return ch.writePlain(data)
}

// SecureSender writes through the channel's established secure session.
type SecureSender struct{}

// Send implements Sender.
func (SecureSender) Send(ch *Channel, data []byte) error {
	if ch.session == nil {
		return ErrNotConnected
	}
	return ch.session.Write(data)
}

// DefaultSender returns the sender matching sec.
func DefaultSender(sec *Security) Sender {
	if sec.Enabled() {
		return SecureSender{}
	}
	return PlainSender{}
}

// LoggingSender logs every send at debug level before passing it on.
type LoggingSender struct {
	Next   Sender
	Logger *zap.Logger
}

// Send implements Sender.
func (s LoggingSender) Send(ch *Channel, data []byte) error {
	err := s.Next.Send(ch, data)
	if s.Logger != nil {
		s.Logger.Debug("send",
			zap.Int("channel", ch.ID()),
			zap.Stringer("peer", ch.Peer()),
			zap.Int("size", len(data)),
			zap.Error(err))
	}
	return err
}

var (
	_ Sender = PlainSender{}
	_ Sender = SecureSender{}
	_ Sender = LoggingSender{}
	_ Sender = SenderFunc(nil)
)
