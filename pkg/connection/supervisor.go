package connection

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rasta-protocol/rasta-go/pkg/reactor"
	"github.com/rasta-protocol/rasta-go/pkg/transport"
	"go.uber.org/zap"
)

// ErrStopped is returned by Dial after Stop.
var ErrStopped = errors.New("supervisor stopped")

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBackoff sets the redial backoff of every channel.
func WithBackoff(cfg BackoffConfig) Option {
	return func(s *Supervisor) {
		s.backoff = cfg
	}
}

// Stats describes the redial activity of one channel.
type Stats struct {
	Channel   int           `yaml:"channel"`
	Attempts  int           `yaml:"attempts"`
	Redials   uint64        `yaml:"redials"`
	Pending   bool          `yaml:"pending"`
	NextDelay time.Duration `yaml:"next_delay"`
	LastError string        `yaml:"last_error,omitempty"`
}

type supervised struct {
	backoff *Backoff
	timer   reactor.Timer
	redials uint64
	lastErr error
}

// Supervisor is a transport.Handler decorator that redials dropped
// channels. Handler methods run on the reactor goroutine; Stats may be
// called from anywhere.
type Supervisor struct {
	loop    reactor.Reactor
	next    transport.Handler
	logger  *zap.Logger
	backoff BackoffConfig

	mu       sync.Mutex
	channels map[int]*supervised
	stopped  bool
}

// NewSupervisor creates a supervisor passing every event on to next.
func NewSupervisor(r reactor.Reactor, next transport.Handler, opts ...Option) *Supervisor {
	s := &Supervisor{
		loop:     r,
		next:     next,
		logger:   zap.NewNop(),
		channels: make(map[int]*supervised),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.next == nil {
		s.next = transport.HandlerFuncs{}
	}
	return s
}

// Attach installs a supervisor in front of h's current handler.
func Attach(h *transport.Handle, opts ...Option) *Supervisor {
	s := NewSupervisor(h.Reactor(), h.Handler(), append([]Option{WithLogger(h.Logger())}, opts...)...)
	h.SetHandler(s)
	return s
}

// Dial connects ch and keeps redialling it until it connects. It returns
// the error of the first attempt, if any; the retry is already scheduled.
func (s *Supervisor) Dial(ch *transport.Channel) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	err := ch.Connect()
	if err != nil {
		s.schedule(ch, err)
	}
	return err
}

// OnStateChange implements transport.Handler.
func (s *Supervisor) OnStateChange(ch *transport.Channel, old, new transport.ChannelState, err error) {
	s.next.OnStateChange(ch, old, new, err)

	switch new {
	case transport.StateConnected:
		s.mu.Lock()
		if st := s.channels[ch.ID()]; st != nil {
			st.backoff.Reset()
			st.lastErr = nil
			s.stopTimer(st)
		}
		s.mu.Unlock()

	case transport.StateDisconnected:
		if err == nil {
			s.cancel(ch.ID())
			return
		}
		if !ch.Dialled() {
			return
		}
		s.schedule(ch, err)
	}
}

// OnData implements transport.Handler.
func (s *Supervisor) OnData(ch *transport.Channel, dg transport.Datagram) {
	s.next.OnData(ch, dg)
}

// schedule arms one redial of ch after the next backoff delay.
func (s *Supervisor) schedule(ch *transport.Channel, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	st := s.entry(ch.ID())
	st.lastErr = cause
	if st.timer != nil {
		return
	}

	delay := st.backoff.Next()
	s.logger.Info("scheduling redial",
		zap.Int("channel", ch.ID()),
		zap.Stringer("remote", ch.Remote()),
		zap.Int("attempt", st.backoff.Attempts()),
		zap.Duration("delay", delay),
		zap.Error(cause))

	st.timer = s.loop.AfterFunc(delay, func() { s.redial(ch, st) })
}

func (s *Supervisor) redial(ch *transport.Channel, st *supervised) {
	s.mu.Lock()
	st.timer = nil
	if s.stopped || !ch.Dialled() || ch.State() != transport.StateDisconnected {
		s.mu.Unlock()
		return
	}
	st.redials++
	s.mu.Unlock()

	if err := ch.Redial(); err != nil {
		s.logger.Warn("redial failed", zap.Int("channel", ch.ID()), zap.Error(err))
		s.schedule(ch, err)
	}
}

// cancel drops any pending redial of a channel that was closed on purpose.
func (s *Supervisor) cancel(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.channels[id]; st != nil {
		s.stopTimer(st)
	}
}

func (s *Supervisor) stopTimer(st *supervised) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

func (s *Supervisor) entry(id int) *supervised {
	st, ok := s.channels[id]
	if !ok {
		st = &supervised{backoff: NewBackoff(s.backoff)}
		s.channels[id] = st
	}
	return st
}

// Stop cancels every pending redial. Later drops are not redialled.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for _, st := range s.channels {
		s.stopTimer(st)
	}
}

// Stats returns the redial activity of every channel that dropped at least
// once, ordered by channel id.
func (s *Supervisor) Stats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Stats, 0, len(s.channels))
	for id, st := range s.channels {
		stats := Stats{
			Channel:   id,
			Attempts:  st.backoff.Attempts(),
			Redials:   st.redials,
			Pending:   st.timer != nil,
			NextDelay: st.backoff.Current(),
		}
		if st.lastErr != nil {
			stats.LastError = st.lastErr.Error()
		}
		out = append(out, stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

var _ transport.Handler = (*Supervisor)(nil)
