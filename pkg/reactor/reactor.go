package reactor

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Interest is a set of readiness conditions.
type Interest uint32

const (
	// Readable reports that a read will not block.
	Readable Interest = 1 << iota

	// Writable reports that a write will not block. A pending non-blocking
	// connect completes (successfully or not) with the descriptor writable.
	Writable
)

// Acceptable is readiness of a listening descriptor to accept a connection.
// The kernel reports it as read readiness.
const Acceptable = Readable

// String returns a readable representation like "READ|WRITE".
func (i Interest) String() string {
	var parts []string
	if i&Readable != 0 {
		parts = append(parts, "READ")
	}
	if i&Writable != 0 {
		parts = append(parts, "WRITE")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// Handler is invoked on the reactor goroutine with the conditions that are ready.
type Handler func(ready Interest)

// Registration ties a descriptor to its handler.
type Registration interface {
	// FD returns the registered descriptor.
	FD() int

	// Modify replaces the interest set. An empty set pauses the
	// registration: its handler is not called until interest is restored.
	Modify(interest Interest) error

	// Cancel removes the registration. It is idempotent and must be called
	// before the descriptor is closed or duplicated.
	Cancel() error
}

// Timer is a pending AfterFunc invocation.
type Timer interface {
	// Stop prevents the function from being posted. It reports whether the
	// call stopped the timer.
	Stop() bool
}

// Reactor is the event loop contract consumed by the transport layer.
type Reactor interface {
	// Register starts delivering readiness for fd to h.
	Register(fd int, interest Interest, h Handler) (Registration, error)

	// Post schedules fn to run on the reactor goroutine. It may be called from
	// any goroutine.
	Post(fn func())

	// AfterFunc posts fn once d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

// Reactor errors.
var (
	ErrClosed     = errors.New("reactor closed")
	ErrRegistered = errors.New("descriptor already registered")
	ErrRunning    = errors.New("reactor already running")
)

// Call runs fn on the reactor goroutine and waits for it to finish. It must not
// be called from the reactor goroutine itself.
func Call(ctx context.Context, r Reactor, fn func()) error {
	done := make(chan struct{})
	r.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
