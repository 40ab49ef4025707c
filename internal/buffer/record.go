package buffer

import (
	"net/http"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
)

// Record is an immutable buffered request. Once enqueued it is owned by
// the store; consumers hold an at-least-once-delivered copy and must
// tolerate redelivery.
type Record struct {
	ID           string      `json:"id"`
	EnqueuedAt   time.Time   `json:"enqueued_at"`
	Method       string      `json:"method"`
	Path         string      `json:"path"` // request-URI: path plus any query string
	Headers      http.Header `json:"headers"`
	Body         []byte      `json:"body,omitempty"` // snappy-compacted
	AttemptCount int         `json:"attempt_count"`
	TTLDeadline  time.Time   `json:"ttl_deadline"`
}

// NewRecord creates a record with a fresh id and enqueue timestamp.
func NewRecord(method, path string, headers http.Header, body []byte, ttl time.Duration) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:          uuid.New().String(),
		EnqueuedAt:  now,
		Method:      method,
		Path:        path,
		Headers:     headers,
		Body:        CompactBody(body),
		TTLDeadline: now.Add(ttl),
	}
}

// Expired reports whether the record's TTL deadline has passed.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.TTLDeadline)
}

// CompactBody snappy-compresses a request body for storage.
func CompactBody(body []byte) []byte {
	if len(body) == 0 {
		return nil
	}
	return snappy.Encode(nil, body)
}

// ExpandBody reverses CompactBody.
func ExpandBody(compacted []byte) ([]byte, error) {
	if len(compacted) == 0 {
		return nil, nil
	}
	return snappy.Decode(nil, compacted)
}
