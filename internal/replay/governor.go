// internal/replay/governor.go
package replay

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/FairForge/spillway/internal/metrics"
)

// GovernorConfig configures the replay rate budget
type GovernorConfig struct {
	RatePerSecond    float64 `json:"rate_per_second"`
	MinRatePerSecond float64 `json:"min_rate_per_second"`
	IncreaseStep     float64 `json:"increase_step"`
	HealthyInterval  int     `json:"healthy_interval"`
}

// DefaultGovernorConfig returns sensible defaults
func DefaultGovernorConfig() *GovernorConfig {
	return &GovernorConfig{
		RatePerSecond:    100,
		MinRatePerSecond: 1,
		IncreaseStep:     5,
		HealthyInterval:  20,
	}
}

// Governor is the adaptive replay rate budget: additive increase on
// sustained downstream health, multiplicative decrease on distress.
// The budget is shared by all drain workers.
type Governor struct {
	config  *GovernorConfig
	limiter *rate.Limiter
	current float64
	healthy int
	mu      sync.Mutex
}

// NewGovernor creates a rate governor
func NewGovernor(config *GovernorConfig) *Governor {
	if config == nil {
		config = DefaultGovernorConfig()
	}
	g := &Governor{
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(config.RatePerSecond), burstFor(config.RatePerSecond)),
		current: config.RatePerSecond,
	}
	metrics.ReplayRateLimit.Set(g.current)
	return g
}

func burstFor(perSecond float64) int {
	burst := int(perSecond / 10)
	if burst < 1 {
		burst = 1
	}
	return burst
}

// Wait blocks until the budget admits one resubmission.
func (g *Governor) Wait(ctx context.Context) error {
	return g.limiter.Wait(ctx)
}

// Rate returns the current budget in requests per second.
func (g *Governor) Rate() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// OnSuccess restores the budget gradually: one additive step after a
// sustained run of healthy outcomes.
func (g *Governor) OnSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.healthy++
	if g.healthy < g.config.HealthyInterval {
		return
	}
	g.healthy = 0

	next := g.current + g.config.IncreaseStep
	if next > g.config.RatePerSecond {
		next = g.config.RatePerSecond
	}
	g.set(next)
}

// OnFailure halves the budget down to the configured floor.
func (g *Governor) OnFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.healthy = 0

	next := g.current / 2
	if next < g.config.MinRatePerSecond {
		next = g.config.MinRatePerSecond
	}
	g.set(next)
}

// set must be called with g.mu held.
func (g *Governor) set(perSecond float64) {
	if perSecond == g.current {
		return
	}
	g.current = perSecond
	g.limiter.SetLimit(rate.Limit(perSecond))
	g.limiter.SetBurst(burstFor(perSecond))
	metrics.ReplayRateLimit.Set(perSecond)
}
