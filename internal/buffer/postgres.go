package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresConfig holds connection settings for the durable backend
type PostgresConfig struct {
	Host              string
	Port              int
	Database          string
	User              string
	Password          string
	SSLMode           string
	VisibilityTimeout time.Duration
}

// PostgresStore is the replicated durable backend. Enqueue is a single
// INSERT (atomic from the caller's perspective); claims use
// FOR UPDATE SKIP LOCKED so concurrent drain workers never block each
// other on the same rows.
type PostgresStore struct {
	db  *sql.DB
	vis time.Duration
}

// NewPostgresStore opens a connection and ensures the schema exists.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("buffer: open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("buffer: ping postgres: %w", err)
	}

	s := &PostgresStore{db: db, vis: cfg.VisibilityTimeout}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	query := `
        CREATE TABLE IF NOT EXISTS buffered_requests (
            id            UUID PRIMARY KEY,
            enqueued_at   TIMESTAMPTZ NOT NULL,
            method        TEXT NOT NULL,
            path          TEXT NOT NULL,
            headers       JSONB NOT NULL,
            body          BYTEA,
            attempt_count INT NOT NULL DEFAULT 0,
            ttl_deadline  TIMESTAMPTZ NOT NULL,
            visible_at    TIMESTAMPTZ NOT NULL
        );
        CREATE INDEX IF NOT EXISTS idx_buffered_requests_visible
            ON buffered_requests (visible_at, enqueued_at);
    `
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("buffer: ensure schema: %w", err)
	}
	return nil
}

// Enqueue implements Store.
func (s *PostgresStore) Enqueue(ctx context.Context, rec *Record) (string, error) {
	headers, err := json.Marshal(rec.Headers)
	if err != nil {
		return "", fmt.Errorf("buffer: encode headers: %w", err)
	}

	query := `
        INSERT INTO buffered_requests
            (id, enqueued_at, method, path, headers, body, attempt_count, ttl_deadline, visible_at)
        VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $2)
    `
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.EnqueuedAt, rec.Method, rec.Path, headers, rec.Body, rec.TTLDeadline)
	if err != nil {
		return "", fmt.Errorf("buffer: enqueue: %w (%w)", err, ErrUnavailable)
	}
	return rec.ID, nil
}

// DequeueBatch implements Store.
func (s *PostgresStore) DequeueBatch(ctx context.Context, maxN int) ([]*Record, error) {
	query := `
        UPDATE buffered_requests
        SET visible_at = now() + $2::interval,
            attempt_count = attempt_count + 1
        WHERE id IN (
            SELECT id FROM buffered_requests
            WHERE visible_at <= now()
            ORDER BY enqueued_at
            LIMIT $1
            FOR UPDATE SKIP LOCKED
        )
        RETURNING id, enqueued_at, method, path, headers, body, attempt_count, ttl_deadline
    `
	rows, err := s.db.QueryContext(ctx, query, maxN, fmt.Sprintf("%f seconds", s.vis.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("buffer: dequeue: %w (%w)", err, ErrUnavailable)
	}
	defer func() { _ = rows.Close() }()

	var records []*Record
	for rows.Next() {
		rec := &Record{Headers: http.Header{}}
		var headers []byte
		if err := rows.Scan(&rec.ID, &rec.EnqueuedAt, &rec.Method, &rec.Path,
			&headers, &rec.Body, &rec.AttemptCount, &rec.TTLDeadline); err != nil {
			return nil, fmt.Errorf("buffer: scan record: %w", err)
		}
		if err := json.Unmarshal(headers, &rec.Headers); err != nil {
			return nil, fmt.Errorf("buffer: decode headers: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Ack implements Store.
func (s *PostgresStore) Ack(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM buffered_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("buffer: ack: %w (%w)", err, ErrUnavailable)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Nack implements Store.
func (s *PostgresStore) Nack(ctx context.Context, id string, retryAfter time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE buffered_requests SET visible_at = now() + $2::interval WHERE id = $1`,
		id, fmt.Sprintf("%f seconds", retryAfter.Seconds()))
	if err != nil {
		return fmt.Errorf("buffer: nack: %w (%w)", err, ErrUnavailable)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Lag implements Store.
func (s *PostgresStore) Lag(ctx context.Context) (int64, error) {
	var lag int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM buffered_requests`).Scan(&lag)
	if err != nil {
		return 0, fmt.Errorf("buffer: lag: %w (%w)", err, ErrUnavailable)
	}
	return lag, nil
}

// OldestAge implements Store.
func (s *PostgresStore) OldestAge(ctx context.Context) (time.Duration, error) {
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT min(enqueued_at) FROM buffered_requests`).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("buffer: oldest age: %w (%w)", err, ErrUnavailable)
	}
	if !oldest.Valid {
		return 0, nil
	}
	return time.Since(oldest.Time), nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
