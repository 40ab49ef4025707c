// internal/replay/breaker.go
package replay

import (
	"errors"
	"sync"
	"time"

	"github.com/FairForge/spillway/internal/metrics"
)

// Circuit breaker states
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// ErrCircuitOpen means the drain loop is paused for the cool-down.
var ErrCircuitOpen = errors.New("replay: circuit open")

// BreakerConfig configures the replay circuit breaker
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	CoolDown         time.Duration `json:"cool_down"`
}

// DefaultBreakerConfig returns sensible defaults
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		CoolDown:         30 * time.Second,
	}
}

// Breaker pauses the whole drain loop when the downstream shows
// sustained distress, so a recovering cluster is not re-overloaded by
// its own backlog. Consecutive retryable failures trip it; after the
// cool-down one batch probes half-open.
type Breaker struct {
	config      *BreakerConfig
	state       string
	failures    int
	successes   int
	probing     bool
	lastFailure time.Time
	mu          sync.RWMutex
}

// NewBreaker creates a circuit breaker
func NewBreaker(config *BreakerConfig) *Breaker {
	if config == nil {
		config = DefaultBreakerConfig()
	}
	return &Breaker{
		config: config,
		state:  CircuitClosed,
	}
}

// State returns the current circuit state
func (b *Breaker) State() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state == CircuitOpen {
		if time.Since(b.lastFailure) > b.config.CoolDown {
			return CircuitHalfOpen
		}
	}
	return b.state
}

// Allow checks whether a drain cycle may run. In half-open state only
// one probe batch is admitted at a time; the next one must wait for
// the previous probe's outcome.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if time.Since(b.lastFailure) <= b.config.CoolDown {
			return ErrCircuitOpen
		}
		b.state = CircuitHalfOpen
		b.probing = true
		return nil
	case CircuitHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// ReleaseProbe frees the half-open probe slot when an admitted cycle
// produced no outcome, such as an empty batch.
func (b *Breaker) ReleaseProbe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// RecordSuccess records a non-retryable (terminal) outcome
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false

	if b.state == CircuitHalfOpen {
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = CircuitClosed
			b.successes = 0
			metrics.BreakerOpen.Set(0)
		}
	}
}

// RecordFailure records a retryable downstream failure. A failed
// half-open probe reopens the circuit immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	b.successes = 0
	b.probing = false

	if b.state == CircuitHalfOpen {
		b.state = CircuitOpen
		b.failures = 0
		metrics.BreakerOpen.Set(1)
		return
	}

	b.failures++
	if b.failures >= b.config.FailureThreshold {
		b.state = CircuitOpen
		metrics.BreakerOpen.Set(1)
	}
}
