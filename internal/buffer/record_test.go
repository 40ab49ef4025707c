package buffer

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord(t *testing.T) {
	t.Run("assigns id and deadlines", func(t *testing.T) {
		h := http.Header{}
		h.Set("Content-Type", "text/plain")

		rec := NewRecord("PUT", "/widgets/9", h, []byte("hello"), time.Minute)
		assert.NotEmpty(t, rec.ID)
		assert.False(t, rec.EnqueuedAt.IsZero())
		assert.True(t, rec.TTLDeadline.After(rec.EnqueuedAt))
		assert.Equal(t, 0, rec.AttemptCount)
	})

	t.Run("body survives compaction round trip", func(t *testing.T) {
		body := []byte(`{"customer":"c-22","items":[1,2,3]}`)
		rec := NewRecord("POST", "/orders", http.Header{}, body, time.Minute)
		assert.NotEqual(t, body, rec.Body)

		expanded, err := ExpandBody(rec.Body)
		require.NoError(t, err)
		assert.Equal(t, body, expanded)
	})

	t.Run("empty body stays empty", func(t *testing.T) {
		rec := NewRecord("GET", "/ping", http.Header{}, nil, time.Minute)
		assert.Nil(t, rec.Body)

		expanded, err := ExpandBody(rec.Body)
		require.NoError(t, err)
		assert.Nil(t, expanded)
	})
}

func TestRecord_Expired(t *testing.T) {
	rec := NewRecord("GET", "/ping", http.Header{}, nil, time.Minute)

	assert.False(t, rec.Expired(time.Now()))
	assert.True(t, rec.Expired(time.Now().Add(2*time.Minute)))
}
