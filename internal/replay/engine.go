package replay

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/spillway/internal/buffer"
	"github.com/FairForge/spillway/internal/metrics"
	"github.com/FairForge/spillway/internal/routing"
)

// ReplayMarkerHeader tags resubmitted requests for observability only;
// the routing layer treats them like first-pass traffic.
const ReplayMarkerHeader = "X-Spillway-Replay"

// Config configures the replay engine
type Config struct {
	BatchSize      int           `json:"batch_size"`
	Workers        int           `json:"workers"`
	CycleInterval  time.Duration `json:"cycle_interval"`
	CycleDeadline  time.Duration `json:"cycle_deadline"`
	RequestTimeout time.Duration `json:"request_timeout"`
	BaseBackoff    time.Duration `json:"base_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      50,
		Workers:        4,
		CycleInterval:  time.Second,
		CycleDeadline:  30 * time.Second,
		RequestTimeout: 10 * time.Second,
		BaseBackoff:    time.Second,
		MaxBackoff:     time.Minute,
	}
}

// ApplyDefaults fills in default values
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.BatchSize == 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.Workers == 0 {
		c.Workers = defaults.Workers
	}
	if c.CycleInterval == 0 {
		c.CycleInterval = defaults.CycleInterval
	}
	if c.CycleDeadline == 0 {
		c.CycleDeadline = defaults.CycleDeadline
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = defaults.BaseBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
}

// Engine drains the buffer and resubmits requests through the routing
// layer under the governor's rate budget. Records are claimed
// at-least-once; duplicate delivery is tolerated, never prevented.
type Engine struct {
	config   *Config
	store    buffer.Store
	router   routing.Client
	governor *Governor
	breaker  *Breaker
	logger   *zap.Logger
}

// NewEngine creates a replay engine
func NewEngine(config *Config, store buffer.Store, router routing.Client,
	governor *Governor, breaker *Breaker, logger *zap.Logger) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	config.ApplyDefaults()
	if governor == nil {
		governor = NewGovernor(nil)
	}
	if breaker == nil {
		breaker = NewBreaker(nil)
	}
	return &Engine{
		config:   config,
		store:    store,
		router:   router,
		governor: governor,
		breaker:  breaker,
		logger:   logger,
	}
}

// Run drains continuously until the context is canceled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.config.CycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.DrainCycle(ctx); err != nil && !errors.Is(err, ErrCircuitOpen) {
				e.logger.Error("drain cycle failed", zap.Error(err))
			}
		}
	}
}

// DrainCycle claims one bounded batch and processes it. It returns the
// number of records handled; ErrCircuitOpen means the cycle was paused
// for the breaker cool-down.
func (e *Engine) DrainCycle(ctx context.Context) (int, error) {
	if err := e.breaker.Allow(); err != nil {
		return 0, err
	}
	// The half-open probe slot is held for the whole cycle; outcomes
	// recorded below settle the breaker state before it is released.
	defer e.breaker.ReleaseProbe()

	cctx, cancel := context.WithTimeout(ctx, e.config.CycleDeadline)
	defer cancel()

	batch, err := e.store.DequeueBatch(cctx, e.config.BatchSize)
	if err != nil {
		return 0, err
	}

	e.observeBacklog(cctx)

	if len(batch) == 0 {
		return 0, nil
	}

	work := make(chan *buffer.Record)
	var wg sync.WaitGroup
	for i := 0; i < e.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range work {
				e.process(cctx, rec)
			}
		}()
	}
	for _, rec := range batch {
		work <- rec
	}
	close(work)
	wg.Wait()

	return len(batch), nil
}

// process handles one claimed record through to a store outcome.
func (e *Engine) process(ctx context.Context, rec *buffer.Record) {
	if rec.Expired(time.Now()) {
		// TTL drop: counted separately, never merged into replayed.
		if err := e.ack(rec.ID); err != nil {
			e.logger.Error("failed to remove expired record",
				zap.String("id", rec.ID), zap.Error(err))
			return
		}
		metrics.Dropped.Inc()
		e.logger.Warn("dropped expired record",
			zap.String("id", rec.ID),
			zap.Time("ttl_deadline", rec.TTLDeadline),
		)
		return
	}

	if err := e.governor.Wait(ctx); err != nil {
		// Cycle deadline hit while waiting for budget: nack, don't
		// abandon the claim silently.
		e.nack(rec, e.config.BaseBackoff)
		return
	}

	resp, err := e.resubmit(ctx, rec)
	if err != nil || isRetryable(resp) {
		if resp != nil {
			_ = resp.Body.Close()
		}
		e.deferRecord(rec, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := e.ack(rec.ID); err != nil {
			e.logger.Error("ack failed after successful replay",
				zap.String("id", rec.ID), zap.Error(err))
			return
		}
		metrics.Replayed.Inc()
	} else {
		// Permanent rejection: downstream answered, retrying cannot
		// change the outcome.
		if err := e.ack(rec.ID); err != nil {
			e.logger.Error("ack failed after permanent rejection",
				zap.String("id", rec.ID), zap.Error(err))
			return
		}
		metrics.Rejected.Inc()
		e.logger.Warn("record permanently rejected",
			zap.String("id", rec.ID),
			zap.Int("status", resp.StatusCode),
		)
	}

	e.breaker.RecordSuccess()
	e.governor.OnSuccess()
}

// resubmit reconstructs the original request and sends it back through
// the routing layer, never directly to backend workers.
func (e *Engine) resubmit(ctx context.Context, rec *buffer.Record) (*http.Response, error) {
	body, err := buffer.ExpandBody(rec.Body)
	if err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, e.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, rec.Method, rec.Path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, values := range rec.Headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	req.Header.Set(ReplayMarkerHeader, "true")

	return e.router.Resubmit(rctx, req)
}

// deferRecord records a retryable downstream failure: nack with backoff
// proportional to the attempt count, shrink the rate budget, feed the
// breaker.
func (e *Engine) deferRecord(rec *buffer.Record, cause error) {
	metrics.Deferred.Inc()
	e.breaker.RecordFailure()
	e.governor.OnFailure()

	backoff := backoffFor(rec.AttemptCount, e.config.BaseBackoff, e.config.MaxBackoff)
	e.nack(rec, backoff)

	e.logger.Info("replay deferred",
		zap.String("id", rec.ID),
		zap.Int("attempt", rec.AttemptCount),
		zap.Duration("retry_after", backoff),
		zap.Error(cause),
	)
}

// ack and nack run on a fresh context so a record claimed before the
// cycle deadline still reaches a store outcome after it.
func (e *Engine) ack(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := e.store.Ack(ctx, id)
	if errors.Is(err, buffer.ErrNotFound) {
		// Duplicate delivery already resolved by another worker.
		return nil
	}
	return err
}

func (e *Engine) nack(rec *buffer.Record, retryAfter time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.Nack(ctx, rec.ID, retryAfter); err != nil && !errors.Is(err, buffer.ErrNotFound) {
		e.logger.Error("nack failed", zap.String("id", rec.ID), zap.Error(err))
	}
}

func (e *Engine) observeBacklog(ctx context.Context) {
	if lag, err := e.store.Lag(ctx); err == nil {
		metrics.BufferLag.Set(float64(lag))
	}
	if age, err := e.store.OldestAge(ctx); err == nil {
		metrics.BufferOldestAge.Set(age.Seconds())
	}
}

// isRetryable reports whether the downstream response signals
// transient distress rather than a terminal outcome.
func isRetryable(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	return resp.StatusCode >= 500 ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode == http.StatusRequestTimeout
}

// backoffFor grows exponentially with the consecutive attempt count.
func backoffFor(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}
