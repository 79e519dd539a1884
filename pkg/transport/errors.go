package transport

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Transport errors.
var (
	// ErrWouldBlock reports that a non-blocking operation made no progress.
	// It is the normal flow of the reactor model, not a failure.
	ErrWouldBlock = errors.New("operation would block")

	ErrNotBound          = errors.New("socket not bound")
	ErrAlreadyBound      = errors.New("socket already bound")
	ErrClosed            = errors.New("closed")
	ErrNotConnected      = errors.New("not connected")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrHandshakeFailed   = errors.New("secure handshake failed")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrUnroutable        = errors.New("no channel for sender")
	ErrNoSocket          = errors.New("channel has no associated socket")
	ErrResolve           = errors.New("cannot resolve host")
)

// classify maps a raw syscall error onto the transport taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return ErrWouldBlock
	case errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE),
		errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.ENOMEM):
		return fmt.Errorf("%s: %w: %w", op, ErrResourceExhausted, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// errno extracts the OS error number, if any.
func errno(err error) *int {
	var e unix.Errno
	if errors.As(err, &e) {
		n := int(e)
		return &n
	}
	return nil
}

// isOrderlyClose reports whether err is a peer's orderly shutdown.
func isOrderlyClose(err error) bool {
	return errors.Is(err, io.EOF)
}
