package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker(t *testing.T) {
	t.Run("starts closed", func(t *testing.T) {
		b := NewBreaker(nil)
		assert.Equal(t, CircuitClosed, b.State())
		assert.NoError(t, b.Allow())
	})

	t.Run("trips after the failure threshold", func(t *testing.T) {
		b := NewBreaker(&BreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			CoolDown:         time.Hour,
		})

		b.RecordFailure()
		b.RecordFailure()
		assert.NoError(t, b.Allow())

		b.RecordFailure()
		assert.Equal(t, CircuitOpen, b.State())
		assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	})

	t.Run("success resets the consecutive failure count", func(t *testing.T) {
		b := NewBreaker(&BreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			CoolDown:         time.Hour,
		})

		b.RecordFailure()
		b.RecordFailure()
		b.RecordSuccess()
		b.RecordFailure()
		b.RecordFailure()
		assert.Equal(t, CircuitClosed, b.State())
	})

	t.Run("half-open after the cool-down, closes on probe success", func(t *testing.T) {
		b := NewBreaker(&BreakerConfig{
			FailureThreshold: 1,
			SuccessThreshold: 2,
			CoolDown:         10 * time.Millisecond,
		})

		b.RecordFailure()
		assert.Equal(t, CircuitOpen, b.State())

		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, CircuitHalfOpen, b.State())
		assert.NoError(t, b.Allow())

		b.RecordSuccess()
		b.RecordSuccess()
		assert.Equal(t, CircuitClosed, b.State())
	})

	t.Run("half-open reopens on failure", func(t *testing.T) {
		b := NewBreaker(&BreakerConfig{
			FailureThreshold: 1,
			SuccessThreshold: 1,
			CoolDown:         10 * time.Millisecond,
		})

		b.RecordFailure()
		time.Sleep(20 * time.Millisecond)
		assert.NoError(t, b.Allow())

		b.RecordFailure()
		assert.Equal(t, CircuitOpen, b.State())
	})

	t.Run("a single failed probe reopens below the failure threshold", func(t *testing.T) {
		b := NewBreaker(&BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			CoolDown:         10 * time.Millisecond,
		})

		for i := 0; i < 5; i++ {
			b.RecordFailure()
		}
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, b.Allow())

		b.RecordFailure()
		assert.Equal(t, CircuitOpen, b.State())
		assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	})

	t.Run("half-open admits one probe at a time", func(t *testing.T) {
		b := NewBreaker(&BreakerConfig{
			FailureThreshold: 1,
			SuccessThreshold: 2,
			CoolDown:         10 * time.Millisecond,
		})

		b.RecordFailure()
		time.Sleep(20 * time.Millisecond)

		require.NoError(t, b.Allow())
		assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

		// An outcome frees the slot for the next probe.
		b.RecordSuccess()
		assert.NoError(t, b.Allow())
	})

	t.Run("an idle probe cycle releases the slot", func(t *testing.T) {
		b := NewBreaker(&BreakerConfig{
			FailureThreshold: 1,
			SuccessThreshold: 1,
			CoolDown:         10 * time.Millisecond,
		})

		b.RecordFailure()
		time.Sleep(20 * time.Millisecond)

		require.NoError(t, b.Allow())
		b.ReleaseProbe()
		assert.NoError(t, b.Allow())
	})
}
