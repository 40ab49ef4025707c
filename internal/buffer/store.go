package buffer

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable means the store could not durably complete the
	// operation; callers must fail closed rather than assume success.
	ErrUnavailable = errors.New("buffer: store unavailable")

	// ErrNotFound means the record id is unknown or already acked.
	ErrNotFound = errors.New("buffer: record not found")
)

// Store is an append-only, at-least-once queue of buffered requests.
// DequeueBatch delivers records without removing them; removal requires
// an explicit Ack. A record delivered but neither acked nor nacked
// becomes eligible for redelivery after the visibility timeout.
type Store interface {
	// Enqueue durably records a request. An error means nothing was
	// recorded.
	Enqueue(ctx context.Context, rec *Record) (string, error)

	// DequeueBatch claims up to maxN undelivered records. Each carries
	// its attempt count including this delivery.
	DequeueBatch(ctx context.Context, maxN int) ([]*Record, error)

	// Ack permanently removes a record. Records are acked only on a
	// non-retryable outcome (success, permanent rejection, TTL drop).
	Ack(ctx context.Context, id string) error

	// Nack makes a claimed record eligible for redelivery after
	// retryAfter.
	Nack(ctx context.Context, id string, retryAfter time.Duration) error

	// Lag returns the number of pending (unacked) records.
	Lag(ctx context.Context) (int64, error)

	// OldestAge returns the age of the oldest pending record, or zero
	// when the buffer is empty.
	OldestAge(ctx context.Context) (time.Duration, error)
}
