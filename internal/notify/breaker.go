package notify

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Allow while deliveries are being skipped.
var ErrBreakerOpen = errors.New("notification sink circuit is open")

// BreakerState is the current mode of a Breaker.
type BreakerState int

const (
	// BreakerClosed delivers every notification and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen skips deliveries until the open timeout elapses.
	BreakerOpen
	// BreakerHalfOpen lets trial deliveries through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a Breaker. Zero values take the defaults 5, 1 and 30s.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

// Breaker stops a failing sink from slowing down every transition. It trips
// after FailureThreshold consecutive failures, stays open for OpenTimeout,
// then closes again after SuccessThreshold successful trial deliveries. Safe for
// concurrent use.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Allow returns ErrBreakerOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	if b.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// Record feeds the outcome of a delivery into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()

	if err == nil {
		switch b.state {
		case BreakerClosed:
			b.failures = 0
		case BreakerHalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = BreakerClosed
				b.failures = 0
				b.successes = 0
			}
		}
		return
	}

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh()
	return b.state
}

// trip opens the breaker. Must be called with lock held.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.successes = 0
}

// refresh moves an expired open breaker to half-open. Must be called with lock held.
func (b *Breaker) refresh() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}
