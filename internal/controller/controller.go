package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/spillway/internal/buffer"
	"github.com/FairForge/spillway/internal/metrics"
	"github.com/FairForge/spillway/internal/routing"
)

// Config configures the mode controller
type Config struct {
	DivertWeight   int           `json:"divert_weight"`
	CoolDown       time.Duration `json:"cool_down"`
	DwellTime      time.Duration `json:"dwell_time"`
	ReconcileEvery time.Duration `json:"reconcile_every"`
	DriftGrace     time.Duration `json:"drift_grace"`
	LagPollEvery   time.Duration `json:"lag_poll_every"`
	CommandRetries int           `json:"command_retries"`
	CommandBackoff time.Duration `json:"command_backoff"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DivertWeight:   50,
		CoolDown:       2 * time.Minute,
		DwellTime:      30 * time.Second,
		ReconcileEvery: 15 * time.Second,
		DriftGrace:     30 * time.Second,
		LagPollEvery:   5 * time.Second,
		CommandRetries: 5,
		CommandBackoff: time.Second,
	}
}

// ApplyDefaults fills in default values
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.DivertWeight == 0 {
		c.DivertWeight = defaults.DivertWeight
	}
	if c.CoolDown == 0 {
		c.CoolDown = defaults.CoolDown
	}
	if c.DwellTime == 0 {
		c.DwellTime = defaults.DwellTime
	}
	if c.ReconcileEvery == 0 {
		c.ReconcileEvery = defaults.ReconcileEvery
	}
	if c.DriftGrace == 0 {
		c.DriftGrace = defaults.DriftGrace
	}
	if c.LagPollEvery == 0 {
		c.LagPollEvery = defaults.LagPollEvery
	}
	if c.CommandRetries == 0 {
		c.CommandRetries = defaults.CommandRetries
	}
	if c.CommandBackoff == 0 {
		c.CommandBackoff = defaults.CommandBackoff
	}
}

// Controller owns the diversion mode state machine:
// NORMAL -> DIVERTING -> DRAINING -> NORMAL. It is the single writer of
// mode and target weight; all mutation flows through its event loop.
type Controller struct {
	config     *Config
	store      buffer.Store
	router     routing.Client
	stateStore StateStore
	logger     *zap.Logger

	events chan AlertEvent

	mu              sync.Mutex
	mode            Mode
	targetWeight    int
	version         uint64
	lastTransition  time.Time
	enteredDraining time.Time
	driftSince      time.Time
	clock           func() time.Time
}

// New creates a controller. A persisted DIVERTING snapshot is demoted
// to DRAINING: after a crash-restart the alert state is stale, and
// resuming diversion without a fresh HighLoad would be unsafe.
func New(config *Config, store buffer.Store, router routing.Client,
	stateStore StateStore, logger *zap.Logger) (*Controller, error) {
	if config == nil {
		config = DefaultConfig()
	}
	config.ApplyDefaults()

	c := &Controller{
		config:     config,
		store:      store,
		router:     router,
		stateStore: stateStore,
		logger:     logger,
		events:     make(chan AlertEvent, 16),
		mode:       ModeNormal,
		clock:      time.Now,
	}

	if stateStore != nil {
		snap, ok, err := stateStore.Load()
		if err != nil {
			return nil, err
		}
		if ok {
			c.version = snap.Version
			c.lastTransition = snap.LastTransition
			switch snap.Mode {
			case ModeDiverting:
				c.mode = ModeDraining
				c.targetWeight = 0
				c.enteredDraining = c.clock()
				logger.Warn("restarted while diverting, demoting to draining until a fresh alert arrives")
			default:
				c.mode = snap.Mode
				c.targetWeight = snap.TargetWeight
				if snap.Mode == ModeDraining {
					c.enteredDraining = c.clock()
				}
			}
		}
	}

	c.publishGauges()
	return c, nil
}

// Mode returns the current mode and target weight.
func (c *Controller) Mode() (Mode, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode, c.targetWeight
}

// Version returns the last issued command version.
func (c *Controller) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Submit queues an alert event for the controller loop. Events beyond
// the queue depth are dropped with a log line; the evaluator re-fires
// on the next evaluation anyway.
func (c *Controller) Submit(ev AlertEvent) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("alert queue full, dropping event", zap.String("kind", ev.Kind))
	}
}

// Run processes alert events, drain-completion polls, and
// reconciliation ticks until the context is canceled.
func (c *Controller) Run(ctx context.Context) {
	reconcile := time.NewTicker(c.config.ReconcileEvery)
	defer reconcile.Stop()
	lagPoll := time.NewTicker(c.config.LagPollEvery)
	defer lagPoll.Stop()

	// Re-assert the persisted weight once at startup in case the
	// routing layer restarted while we were down.
	c.reconcile(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.handleAlert(ctx, ev)
		case <-lagPoll.C:
			c.checkDrained(ctx)
		case <-reconcile.C:
			c.reconcile(ctx)
		}
	}
}

// handleAlert applies one mode transition. Duplicate and out-of-order
// events are no-ops.
func (c *Controller) handleAlert(ctx context.Context, ev AlertEvent) {
	c.mu.Lock()

	switch ev.Kind {
	case AlertHighLoad:
		switch c.mode {
		case ModeDiverting:
			c.mu.Unlock()
			c.logger.Debug("duplicate high_load while diverting, ignoring")
			return
		case ModeDraining:
			if c.clock().Sub(c.enteredDraining) < c.config.CoolDown {
				c.mu.Unlock()
				c.logger.Info("high_load during cool-down, holding in draining",
					zap.Duration("cool_down", c.config.CoolDown))
				return
			}
		}
		c.transitionLocked(ModeDiverting, c.config.DivertWeight)
		cmd := c.commandLocked()
		c.mu.Unlock()
		go c.issueCommand(ctx, cmd)

	case AlertRecovered:
		if c.mode != ModeDiverting {
			c.mu.Unlock()
			c.logger.Debug("recovered while not diverting, ignoring",
				zap.String("mode", c.mode.String()))
			return
		}
		c.transitionLocked(ModeDraining, 0)
		c.enteredDraining = c.clock()
		cmd := c.commandLocked()
		c.mu.Unlock()
		go c.issueCommand(ctx, cmd)

	default:
		c.mu.Unlock()
		c.logger.Warn("unknown alert kind", zap.String("kind", ev.Kind))
	}
}

// checkDrained completes DRAINING -> NORMAL once the backlog reaches
// zero lag and the dwell time has elapsed.
func (c *Controller) checkDrained(ctx context.Context) {
	c.mu.Lock()
	if c.mode != ModeDraining {
		c.mu.Unlock()
		return
	}
	if c.clock().Sub(c.enteredDraining) < c.config.DwellTime {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	lag, err := c.store.Lag(ctx)
	if err != nil {
		c.logger.Error("lag probe failed", zap.Error(err))
		return
	}
	if lag > 0 {
		return
	}

	c.mu.Lock()
	if c.mode != ModeDraining {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(ModeNormal, 0)
	c.mu.Unlock()
	c.logger.Info("backlog drained, back to normal")
}

// reconcile heals drift between the target weight and what the routing
// layer actually applies (crash-restart, manual intervention).
func (c *Controller) reconcile(ctx context.Context) {
	c.mu.Lock()
	target := c.targetWeight
	c.mu.Unlock()

	applied, err := c.router.AppliedWeight(ctx)
	if err != nil {
		c.logger.Warn("applied-weight probe failed", zap.Error(err))
		return
	}

	c.mu.Lock()
	if applied == target {
		c.driftSince = time.Time{}
		c.mu.Unlock()
		return
	}
	now := c.clock()
	if c.driftSince.IsZero() {
		c.driftSince = now
		c.mu.Unlock()
		return
	}
	if now.Sub(c.driftSince) < c.config.DriftGrace {
		c.mu.Unlock()
		return
	}
	// Drift outlasted the grace period: re-issue with a fresh version
	// so a routing layer that lost state accepts it.
	c.driftSince = time.Time{}
	c.version++
	c.persistLocked()
	cmd := c.commandLocked()
	c.mu.Unlock()

	c.logger.Warn("weight drift detected, re-issuing command",
		zap.Int("applied", applied),
		zap.Int("target", cmd.BufferWeight),
		zap.Uint64("version", cmd.Version),
	)
	go c.issueCommand(ctx, cmd)
}

// transitionLocked must be called with c.mu held.
func (c *Controller) transitionLocked(to Mode, weight int) {
	from := c.mode
	c.mode = to
	c.targetWeight = weight
	c.version++
	c.lastTransition = c.clock()
	c.persistLocked()
	c.publishGauges()

	c.logger.Info("mode transition",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("target_weight", weight),
		zap.Uint64("version", c.version),
	)
}

// commandLocked must be called with c.mu held.
func (c *Controller) commandLocked() routing.WeightCommand {
	return routing.WeightCommand{BufferWeight: c.targetWeight, Version: c.version}
}

// persistLocked must be called with c.mu held.
func (c *Controller) persistLocked() {
	if c.stateStore == nil {
		return
	}
	snap := Snapshot{
		Mode:           c.mode,
		TargetWeight:   c.targetWeight,
		Version:        c.version,
		LastTransition: c.lastTransition,
	}
	if err := c.stateStore.Save(snap); err != nil {
		c.logger.Error("failed to persist mode snapshot", zap.Error(err))
	}
}

func (c *Controller) publishGauges() {
	metrics.Mode.Set(float64(c.mode))
	metrics.TargetWeight.Set(float64(c.targetWeight))
}

// issueCommand delivers a weight command with bounded exponential
// backoff. Callers dispatch it on its own goroutine so the event loop
// keeps serving alerts; the monotonic version makes a late or
// reordered delivery a stale no-op at the routing layer. Exhausting
// the budget is logged, never fatal: the reconciliation tick keeps
// re-asserting state in the background.
func (c *Controller) issueCommand(ctx context.Context, cmd routing.WeightCommand) {
	backoff := c.config.CommandBackoff
	var lastErr error

	for attempt := 0; attempt < c.config.CommandRetries; attempt++ {
		err := c.router.SetWeight(ctx, cmd)
		if err == nil || errors.Is(err, routing.ErrStaleVersion) {
			// Stale version means a duplicate of a command the routing
			// layer already applied.
			return
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	metrics.WeightCommandFailures.Inc()
	c.logger.Error("weight command exhausted retries, deferring to reconciliation",
		zap.Int("weight", cmd.BufferWeight),
		zap.Uint64("version", cmd.Version),
		zap.Error(lastErr),
	)
}
