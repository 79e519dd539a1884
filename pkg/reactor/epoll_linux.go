//go:build linux

package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const maxEvents = 64

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for loop diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Loop is a level-triggered epoll reactor. Handlers and posted functions run
// sequentially on the goroutine executing Run.
type Loop struct {
	epfd   int
	wakefd int
	logger *zap.Logger

	mu      sync.Mutex
	regs    map[int]*registration
	nextGen int32
	posted  []func()
	closed  bool

	running atomic.Bool
	done    chan struct{}
}

var _ Reactor = (*Loop)(nil)

// NewLoop creates the epoll instance and its wakeup descriptor.
func NewLoop(opts ...Option) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl wakeup: %w", err)
	}

	l := &Loop{
		epfd:   epfd,
		wakefd: wakefd,
		logger: zap.NewNop(),
		regs:   make(map[int]*registration),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Register implements Reactor.
func (l *Loop) Register(fd int, interest Interest, h Handler) (Registration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if _, ok := l.regs[fd]; ok {
		return nil, fmt.Errorf("%w: fd %d", ErrRegistered, fd)
	}

	l.nextGen++
	r := &registration{loop: l, fd: fd, gen: l.nextGen, interest: interest, handler: h}
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd), Pad: r.gen}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	l.regs[fd] = r
	return r, nil
}

// Post implements Reactor.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.wake()
}

// AfterFunc implements Reactor.
func (l *Loop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &timer{}
	t.t = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Load() {
				return
			}
			fn()
		})
	})
	return t
}

// Run dispatches readiness notifications until ctx is cancelled or the loop
// is closed.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(l.done)

	stop := context.AfterFunc(ctx, l.wake)
	defer stop()

	events := make([]unix.EpollEvent, maxEvents)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.isClosed() {
			return nil
		}

		n, err := unix.EpollWait(l.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			l.logger.Error("epoll_wait failed", zap.Error(err))
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == l.wakefd {
				l.drainWake()
				continue
			}
			l.dispatch(ev)
		}
		l.runPosted()
	}
}

// Close stops the loop and releases the epoll and wakeup descriptors.
// Registered descriptors are not closed. Close must not be called from a
// handler; cancel the context passed to Run instead.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.posted = nil
	l.regs = make(map[int]*registration)
	l.mu.Unlock()

	l.wake()
	if l.running.Load() {
		<-l.done
	}

	err := unix.Close(l.epfd)
	if werr := unix.Close(l.wakefd); err == nil {
		err = werr
	}
	return err
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Loop) dispatch(ev unix.EpollEvent) {
	l.mu.Lock()
	r, ok := l.regs[int(ev.Fd)]
	l.mu.Unlock()
	// A stale event for a descriptor that was cancelled, or reused by a
	// newer registration, in the same wait batch.
	if !ok || r.gen != ev.Pad {
		return
	}

	// A paused registration hears nothing, not even an error or hangup.
	interest := r.currentInterest()
	if interest == 0 {
		return
	}
	var ready Interest
	if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		ready |= Readable
	}
	if ev.Events&unix.EPOLLOUT != 0 {
		ready |= Writable
	}
	if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ready |= interest
	}
	ready &= interest
	if ready == 0 {
		return
	}
	r.handler(ready)
}

func (l *Loop) runPosted() {
	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()

	for _, fn := range posted {
		fn()
	}
}

func (l *Loop) wake() {
	var buf [8]byte
	buf[0] = 1
	// EAGAIN means the counter is saturated and a wakeup is already pending.
	_, _ = unix.Write(l.wakefd, buf[:])
}

func (l *Loop) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(l.wakefd, buf[:])
}

// epollEvents maps interest to epoll flags. Error and hangup are always
// reported; a paused registration takes them edge-triggered so a broken
// descriptor wakes the loop once instead of on every wait.
func epollEvents(interest Interest) uint32 {
	if interest == 0 {
		return unix.EPOLLET
	}
	var events uint32
	if interest&Readable != 0 {
		events |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	return events
}

type registration struct {
	loop     *Loop
	fd       int
	gen      int32
	interest Interest
	handler  Handler
	canceled bool
}

func (r *registration) FD() int { return r.fd }

func (r *registration) currentInterest() Interest {
	r.loop.mu.Lock()
	defer r.loop.mu.Unlock()
	return r.interest
}

func (r *registration) Modify(interest Interest) error {
	l := r.loop
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.canceled || l.closed {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(r.fd), Pad: r.gen}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, r.fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", r.fd, err)
	}
	r.interest = interest
	return nil
}

func (r *registration) Cancel() error {
	l := r.loop
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.canceled {
		return nil
	}
	r.canceled = true
	if l.closed {
		return nil
	}
	if cur, ok := l.regs[r.fd]; ok && cur == r {
		delete(l.regs, r.fd)
	}
	err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, r.fd, nil)
	if err != nil && !errors.Is(err, unix.ENOENT) && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll_ctl del fd %d: %w", r.fd, err)
	}
	return nil
}

type timer struct {
	t       *time.Timer
	stopped atomic.Bool
}

func (t *timer) Stop() bool {
	t.stopped.Store(true)
	return t.t.Stop()
}
