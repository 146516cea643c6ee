package mesh

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// BreakerState is the state of one host's circuit.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 60 * time.Second
	DefaultSuccessThreshold = 2
)

type circuit struct {
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// Breaker is a per-host circuit breaker. After FailureThreshold consecutive
// failures a host is skipped for OpenTimeout, then tried again; SuccessThreshold
// trial successes close it again and any trial failure reopens it.
type Breaker struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	SuccessThreshold int

	mu       sync.Mutex
	circuits map[string]*circuit
	now      func() time.Time
	logger   zerolog.Logger
}

// NewBreaker creates a breaker with the default thresholds.
func NewBreaker(logger zerolog.Logger) *Breaker {
	return &Breaker{
		FailureThreshold: DefaultFailureThreshold,
		OpenTimeout:      DefaultOpenTimeout,
		SuccessThreshold: DefaultSuccessThreshold,
		circuits:         map[string]*circuit{},
		now:              time.Now,
		logger:           logger.With().Str("component", "breaker").Logger(),
	}
}

func (b *Breaker) get(host string) *circuit {
	c, ok := b.circuits[host]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[host] = c
	}
	return c
}

// Allow reports whether a call to host may proceed. An open circuit whose
// timeout has elapsed moves to half-open and allows the call.
func (b *Breaker) Allow(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(host)
	if c.state != StateOpen {
		return true
	}
	if b.now().Sub(c.openedAt) < b.OpenTimeout {
		return false
	}
	c.state = StateHalfOpen
	c.successes = 0
	b.logger.Info().Str("host", host).Msg("circuit half-open")
	return true
}

// Success records a successful call.
func (b *Breaker) Success(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(host)
	if c.state == StateHalfOpen {
		c.successes++
		if c.successes >= b.SuccessThreshold {
			c.state = StateClosed
			c.failures = 0
			c.successes = 0
			b.logger.Info().Str("host", host).Msg("circuit closed")
		}
		return
	}
	c.failures = 0
}

// Failure records a failed call.
func (b *Breaker) Failure(host string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(host)
	c.failures++
	if c.state == StateHalfOpen || c.failures >= b.FailureThreshold {
		if c.state != StateOpen {
			b.logger.Warn().Str("host", host).Int("failures", c.failures).Msg("circuit open")
		}
		c.state = StateOpen
		c.openedAt = b.now()
		c.successes = 0
	}
}

// State returns the current state for host.
func (b *Breaker) State(host string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.circuits[host]; ok {
		return c.state
	}
	return StateClosed
}
