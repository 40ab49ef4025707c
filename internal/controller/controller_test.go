package controller

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/spillway/internal/buffer"
	"github.com/FairForge/spillway/internal/routing"
)

// fakeRouter records weight commands and serves a configurable
// applied weight. A non-nil block channel holds every SetWeight call
// until it is closed.
type fakeRouter struct {
	commands []routing.WeightCommand
	applied  int
	failures int
	block    chan struct{}
	mu       sync.Mutex
}

func (f *fakeRouter) SetWeight(_ context.Context, cmd routing.WeightCommand) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return routing.ErrUnreachable
	}
	f.commands = append(f.commands, cmd)
	f.applied = cmd.BufferWeight
	return nil
}

func (f *fakeRouter) AppliedWeight(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied, nil
}

func (f *fakeRouter) Resubmit(context.Context, *http.Request) (*http.Response, error) {
	return nil, routing.ErrUnreachable
}

func (f *fakeRouter) commandLog() []routing.WeightCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]routing.WeightCommand, len(f.commands))
	copy(out, f.commands)
	return out
}

// awaitCommands waits for the background delivery goroutines to land
// at least n commands, then returns the log.
func awaitCommands(t *testing.T, router *fakeRouter, n int) []routing.WeightCommand {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(router.commandLog()) >= n
	}, time.Second, 5*time.Millisecond)
	return router.commandLog()
}

func newTestController(t *testing.T, router *fakeRouter, store buffer.Store) *Controller {
	t.Helper()
	if store == nil {
		store = buffer.NewMemoryStore(nil)
	}
	cfg := DefaultConfig()
	cfg.CommandBackoff = time.Millisecond
	c, err := New(cfg, store, router, nil, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestController_HighLoad(t *testing.T) {
	t.Run("normal to diverting issues a versioned weight command", func(t *testing.T) {
		router := &fakeRouter{}
		c := newTestController(t, router, nil)

		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad, ObservedAt: time.Now()})

		mode, weight := c.Mode()
		assert.Equal(t, ModeDiverting, mode)
		assert.Equal(t, 50, weight)

		cmds := awaitCommands(t, router, 1)
		require.Len(t, cmds, 1)
		assert.Equal(t, 50, cmds[0].BufferWeight)
		assert.Equal(t, uint64(1), cmds[0].Version)
	})

	t.Run("duplicate high_load while diverting is a no-op", func(t *testing.T) {
		router := &fakeRouter{}
		c := newTestController(t, router, nil)

		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad})
		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad})

		assert.Len(t, awaitCommands(t, router, 1), 1)
		assert.Equal(t, uint64(1), c.Version())
	})

	t.Run("high_load during cool-down stays in draining", func(t *testing.T) {
		router := &fakeRouter{}
		c := newTestController(t, router, nil)

		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad})
		c.handleAlert(context.Background(), AlertEvent{Kind: AlertRecovered})
		require.Len(t, awaitCommands(t, router, 2), 2)

		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad})

		mode, _ := c.Mode()
		assert.Equal(t, ModeDraining, mode)
		assert.Len(t, router.commandLog(), 2)
	})

	t.Run("high_load after the cool-down starts a new cycle", func(t *testing.T) {
		router := &fakeRouter{}
		c := newTestController(t, router, nil)

		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad})
		c.handleAlert(context.Background(), AlertEvent{Kind: AlertRecovered})

		// Move past the cool-down.
		c.mu.Lock()
		c.enteredDraining = time.Now().Add(-c.config.CoolDown - time.Second)
		c.mu.Unlock()

		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad})

		mode, weight := c.Mode()
		assert.Equal(t, ModeDiverting, mode)
		assert.Equal(t, 50, weight)
	})
}

func TestController_Recovered(t *testing.T) {
	t.Run("diverting to draining zeroes the weight but keeps draining", func(t *testing.T) {
		router := &fakeRouter{}
		c := newTestController(t, router, nil)

		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad})
		awaitCommands(t, router, 1)
		c.handleAlert(context.Background(), AlertEvent{Kind: AlertRecovered})

		mode, weight := c.Mode()
		assert.Equal(t, ModeDraining, mode)
		assert.Equal(t, 0, weight)

		cmds := awaitCommands(t, router, 2)
		require.Len(t, cmds, 2)
		assert.Equal(t, 0, cmds[1].BufferWeight)
		assert.Equal(t, uint64(2), cmds[1].Version)
	})

	t.Run("recovered while normal is a no-op", func(t *testing.T) {
		router := &fakeRouter{}
		c := newTestController(t, router, nil)

		c.handleAlert(context.Background(), AlertEvent{Kind: AlertRecovered})

		mode, _ := c.Mode()
		assert.Equal(t, ModeNormal, mode)
		assert.Empty(t, router.commandLog())
	})

	t.Run("duplicate recovered while draining is a no-op", func(t *testing.T) {
		router := &fakeRouter{}
		c := newTestController(t, router, nil)

		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad})
		c.handleAlert(context.Background(), AlertEvent{Kind: AlertRecovered})
		c.handleAlert(context.Background(), AlertEvent{Kind: AlertRecovered})

		assert.Len(t, awaitCommands(t, router, 2), 2)
	})
}

func TestController_DrainCompletion(t *testing.T) {
	t.Run("draining ends at zero lag after the dwell time", func(t *testing.T) {
		router := &fakeRouter{}
		store := buffer.NewMemoryStore(nil)
		c := newTestController(t, router, store)

		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad})
		c.handleAlert(context.Background(), AlertEvent{Kind: AlertRecovered})

		c.mu.Lock()
		c.enteredDraining = time.Now().Add(-c.config.DwellTime - time.Second)
		c.mu.Unlock()

		c.checkDrained(context.Background())

		mode, weight := c.Mode()
		assert.Equal(t, ModeNormal, mode)
		assert.Equal(t, 0, weight)
	})

	t.Run("draining holds while lag is nonzero", func(t *testing.T) {
		router := &fakeRouter{}
		store := buffer.NewMemoryStore(nil)
		_, err := store.Enqueue(context.Background(),
			buffer.NewRecord("POST", "/orders", http.Header{}, nil, time.Minute))
		require.NoError(t, err)

		c := newTestController(t, router, store)
		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad})
		c.handleAlert(context.Background(), AlertEvent{Kind: AlertRecovered})

		c.mu.Lock()
		c.enteredDraining = time.Now().Add(-c.config.DwellTime - time.Second)
		c.mu.Unlock()

		c.checkDrained(context.Background())

		mode, _ := c.Mode()
		assert.Equal(t, ModeDraining, mode)
	})

	t.Run("draining holds until the dwell time passes", func(t *testing.T) {
		router := &fakeRouter{}
		c := newTestController(t, router, nil)

		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad})
		c.handleAlert(context.Background(), AlertEvent{Kind: AlertRecovered})

		c.checkDrained(context.Background())

		mode, _ := c.Mode()
		assert.Equal(t, ModeDraining, mode)
	})
}

func TestController_CommandRetry(t *testing.T) {
	t.Run("transient routing failures are retried", func(t *testing.T) {
		router := &fakeRouter{failures: 2}
		c := newTestController(t, router, nil)

		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad})

		cmds := awaitCommands(t, router, 1)
		require.Len(t, cmds, 1)
		assert.Equal(t, 50, cmds[0].BufferWeight)
	})

	t.Run("exhausted retries do not block the transition", func(t *testing.T) {
		router := &fakeRouter{failures: 100}
		c := newTestController(t, router, nil)

		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad})

		mode, _ := c.Mode()
		assert.Equal(t, ModeDiverting, mode)
		assert.Empty(t, router.commandLog())
	})

	t.Run("slow command delivery does not stall alert handling", func(t *testing.T) {
		router := &fakeRouter{block: make(chan struct{})}
		c := newTestController(t, router, nil)

		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad})
		c.handleAlert(context.Background(), AlertEvent{Kind: AlertRecovered})

		// Both transitions landed while delivery was still held up.
		mode, weight := c.Mode()
		assert.Equal(t, ModeDraining, mode)
		assert.Equal(t, 0, weight)
		assert.Empty(t, router.commandLog())

		close(router.block)

		// Versioning makes delivery order irrelevant to the routing
		// layer, so only the set of versions matters here.
		cmds := awaitCommands(t, router, 2)
		assert.ElementsMatch(t, []uint64{1, 2},
			[]uint64{cmds[0].Version, cmds[1].Version})
	})
}

func TestController_Reconcile(t *testing.T) {
	t.Run("re-issues the command once drift outlasts the grace period", func(t *testing.T) {
		router := &fakeRouter{}
		c := newTestController(t, router, nil)

		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad})
		require.Len(t, awaitCommands(t, router, 1), 1)

		// Simulate the routing layer losing its weight.
		router.mu.Lock()
		router.applied = 0
		router.mu.Unlock()

		c.reconcile(context.Background()) // drift observed, grace starts

		c.mu.Lock()
		c.driftSince = time.Now().Add(-c.config.DriftGrace - time.Second)
		c.mu.Unlock()

		c.reconcile(context.Background())

		cmds := awaitCommands(t, router, 2)
		require.Len(t, cmds, 2)
		assert.Equal(t, 50, cmds[1].BufferWeight)
		assert.Greater(t, cmds[1].Version, cmds[0].Version)
	})

	t.Run("matching weight clears drift tracking", func(t *testing.T) {
		router := &fakeRouter{}
		c := newTestController(t, router, nil)

		c.handleAlert(context.Background(), AlertEvent{Kind: AlertHighLoad})
		awaitCommands(t, router, 1)
		c.reconcile(context.Background())

		c.mu.Lock()
		drift := c.driftSince
		c.mu.Unlock()
		assert.True(t, drift.IsZero())
		assert.Len(t, router.commandLog(), 1)
	})
}

func TestController_Restart(t *testing.T) {
	t.Run("persisted diverting demotes to draining", func(t *testing.T) {
		dir := t.TempDir()
		stateStore, err := NewFileStateStore(dir + "/mode.json")
		require.NoError(t, err)

		require.NoError(t, stateStore.Save(Snapshot{
			Mode:         ModeDiverting,
			TargetWeight: 50,
			Version:      7,
		}))

		c, err := New(DefaultConfig(), buffer.NewMemoryStore(nil), &fakeRouter{}, stateStore, zap.NewNop())
		require.NoError(t, err)

		mode, weight := c.Mode()
		assert.Equal(t, ModeDraining, mode)
		assert.Equal(t, 0, weight)
		assert.Equal(t, uint64(7), c.Version())
	})

	t.Run("persisted normal is restored as-is", func(t *testing.T) {
		dir := t.TempDir()
		stateStore, err := NewFileStateStore(dir + "/mode.json")
		require.NoError(t, err)

		require.NoError(t, stateStore.Save(Snapshot{Mode: ModeNormal, Version: 3}))

		c, err := New(DefaultConfig(), buffer.NewMemoryStore(nil), &fakeRouter{}, stateStore, zap.NewNop())
		require.NoError(t, err)

		mode, _ := c.Mode()
		assert.Equal(t, ModeNormal, mode)
	})

	t.Run("missing snapshot starts normal", func(t *testing.T) {
		dir := t.TempDir()
		stateStore, err := NewFileStateStore(dir + "/mode.json")
		require.NoError(t, err)

		c, err := New(DefaultConfig(), buffer.NewMemoryStore(nil), &fakeRouter{}, stateStore, zap.NewNop())
		require.NoError(t, err)

		mode, _ := c.Mode()
		assert.Equal(t, ModeNormal, mode)
		assert.Equal(t, uint64(0), c.Version())
	})
}

func TestController_Submit(t *testing.T) {
	t.Run("events flow through the loop in arrival order", func(t *testing.T) {
		router := &fakeRouter{}
		c := newTestController(t, router, nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go c.Run(ctx)

		c.Submit(AlertEvent{Kind: AlertHighLoad, ObservedAt: time.Now()})

		require.Eventually(t, func() bool {
			mode, _ := c.Mode()
			return mode == ModeDiverting
		}, time.Second, 10*time.Millisecond)

		c.Submit(AlertEvent{Kind: AlertRecovered, ObservedAt: time.Now()})

		require.Eventually(t, func() bool {
			mode, _ := c.Mode()
			return mode == ModeDraining
		}, time.Second, 10*time.Millisecond)
	})
}
