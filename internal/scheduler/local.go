package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"support-agent/internal/domain"
)

// FireFunc receives the event of a timer that was not superseded.
type FireFunc func(ctx context.Context, ev domain.ScheduledEvent)

type localTimer struct {
	timer   *time.Timer
	gen     uint64
	first   time.Time
	version int64
}

// Local is an in-process scheduler for the long-running server. A new
// Schedule call for a conversation replaces its timer; a timer that fires
// after being replaced does nothing.
type Local struct {
	delay   time.Duration
	maxWait time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	fire     FireFunc
	timers   map[string]*localTimer
	gen      uint64
	stopped  bool
	inflight sync.WaitGroup
}

type LocalOption func(*Local)

// WithMaxWait caps how long a conversation can be held back by a customer
// who keeps typing. Zero disables the cap.
func WithMaxWait(d time.Duration) LocalOption {
	return func(l *Local) {
		if d > 0 {
			l.maxWait = d
		}
	}
}

func WithLocalLogger(lg *slog.Logger) LocalOption {
	return func(l *Local) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// NewLocal creates a Local scheduler that fires delay after the latest
// Schedule call for a conversation.
func NewLocal(delay time.Duration, opts ...LocalOption) (*Local, error) {
	if delay <= 0 {
		return nil, errors.New("scheduler: delay must be positive")
	}
	l := &Local{
		delay:  delay,
		logger: slog.Default(),
		now:    time.Now,
		timers: make(map[string]*localTimer),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Bind sets the function run when a timer fires. It must be called before
// the first Schedule.
func (l *Local) Bind(fn FireFunc) {
	l.mu.Lock()
	l.fire = fn
	l.mu.Unlock()
}

// Schedule replaces any pending timer for conversationID unless that timer
// carries a higher version.
func (l *Local) Schedule(_ context.Context, conversationID string, version int64) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("scheduler: conversation id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return errors.New("scheduler: stopped")
	}
	if l.fire == nil {
		return errors.New("scheduler: no fire function bound")
	}

	now := l.now()
	first := now
	if prev, ok := l.timers[conversationID]; ok {
		// Appends and schedules can interleave across ingests. The armed
		// timer already owns every fragment up to its version.
		if prev.version > version {
			l.logger.Debug("newer timer kept", "chat_id", conversationID, "version", version, "armed_version", prev.version)
			return nil
		}
		prev.timer.Stop()
		first = prev.first
		l.logger.Debug("pending timer replaced", "chat_id", conversationID, "version", prev.version)
	}

	wait := l.delay
	if l.maxWait > 0 {
		if remaining := first.Add(l.maxWait).Sub(now); remaining < wait {
			wait = max(remaining, 0)
		}
	}

	l.gen++
	gen := l.gen
	l.timers[conversationID] = &localTimer{
		gen:     gen,
		first:   first,
		version: version,
		timer: time.AfterFunc(wait, func() {
			l.run(conversationID, gen, version)
		}),
	}
	return nil
}

func (l *Local) run(conversationID string, gen uint64, version int64) {
	l.mu.Lock()
	t, ok := l.timers[conversationID]
	if !ok || t.gen != gen || l.stopped {
		l.mu.Unlock()
		return
	}
	delete(l.timers, conversationID)
	fire := l.fire
	l.inflight.Add(1)
	l.mu.Unlock()

	defer l.inflight.Done()
	fire(context.Background(), domain.ScheduledEvent{
		Source:  domain.SchedulerSource,
		ChatID:  conversationID,
		Version: version,
	})
}

// Pending reports how many conversations have a timer armed.
func (l *Local) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

// Stop disarms every pending timer and waits for running callbacks until ctx
// is done. Pending batches stay in the store.
func (l *Local) Stop(ctx context.Context) error {
	l.mu.Lock()
	l.stopped = true
	for id, t := range l.timers {
		t.timer.Stop()
		delete(l.timers, id)
	}
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
