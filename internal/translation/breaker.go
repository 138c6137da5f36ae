package translation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sgu731/studycap/internal/sched"
)

var ErrCircuitOpen = errors.New("translation circuit open")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
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

type BreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
	// HalfOpenMax successful probes close the breaker again.
	HalfOpenMax int
	Clock       sched.Clock
	Logger      *slog.Logger
}

// Breaker guards a Translator so that an unreachable backend is not called
// every debounce window. Canceled requests do not count as failures.
type Breaker struct {
	next         Translator
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	clock        sched.Clock
	logger       *slog.Logger

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int
}

func NewBreaker(next Translator, cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = sched.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		next:         next,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		clock:        cfg.Clock,
		logger:       logger.With(slog.String("component", "translation-breaker")),
	}
}

func (b *Breaker) Translate(ctx context.Context, req Request) (string, error) {
	probe, err := b.admit()
	if err != nil {
		return "", err
	}
	out, err := b.next.Translate(ctx, req)
	b.record(err, probe)
	return out, err
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.clock.Now().Sub(b.openedAt) >= b.resetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.clock.Now().Sub(b.openedAt) < b.resetTimeout {
			return false, ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.probes = 0
		b.probeWins = 0
		b.logger.Info("translation breaker half-open")
	case BreakerHalfOpen:
		if b.probes >= b.halfOpenMax {
			return false, ErrCircuitOpen
		}
	}
	probe := b.state == BreakerHalfOpen
	if probe {
		b.probes++
	}
	return probe, nil
}

func (b *Breaker) record(err error, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil && errors.Is(err, context.Canceled) {
		if probe {
			b.probes--
		}
		return
	}
	if err != nil {
		if probe {
			b.trip()
			return
		}
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip()
		}
		return
	}
	if probe {
		b.probeWins++
		if b.probeWins >= b.halfOpenMax {
			b.state = BreakerClosed
			b.failures = 0
			b.logger.Info("translation breaker closed")
		}
		return
	}
	b.failures = 0
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.clock.Now()
	b.failures = b.maxFailures
	b.logger.Warn("translation breaker opened", slog.Duration("reset_timeout", b.resetTimeout))
}
