package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/textproto"
	"time"

	"go.uber.org/zap"

	"github.com/FairForge/spillway/internal/buffer"
	"github.com/FairForge/spillway/internal/metrics"
)

// Config configures the ingest service
type Config struct {
	MaxBodyBytes    int64         `json:"max_body_bytes"`
	TTL             time.Duration `json:"ttl"`
	RedactHeaders   []string      `json:"redact_headers"`
	TokenizeHeaders []string      `json:"tokenize_headers"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MaxBodyBytes: 1 << 20,
		TTL:          15 * time.Minute,
		RedactHeaders: []string{
			"Authorization", "Proxy-Authorization",
			"Cookie", "Set-Cookie", "X-Api-Key",
		},
	}
}

// Service is the fast-acknowledging front for diverted traffic. It
// responds once the request is durably enqueued, and fails closed when
// the store cannot guarantee durability.
type Service struct {
	config   *Config
	store    buffer.Store
	logger   *zap.Logger
	redact   map[string]bool
	tokenize map[string]bool
}

// NewService creates an ingest service
func NewService(config *Config, store buffer.Store, logger *zap.Logger) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Service{
		config:   config,
		store:    store,
		logger:   logger,
		redact:   make(map[string]bool),
		tokenize: make(map[string]bool),
	}
	for _, h := range config.RedactHeaders {
		s.redact[textproto.CanonicalMIMEHeaderKey(h)] = true
	}
	for _, h := range config.TokenizeHeaders {
		s.tokenize[textproto.CanonicalMIMEHeaderKey(h)] = true
	}
	return s
}

// Accept handles one diverted request. 202 means the record is durable;
// anything else means it is not and the caller must not assume delivery.
func (s *Service) Accept(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxBodyBytes+1))
	if err != nil {
		metrics.IngestRejections.WithLabelValues("read_error").Inc()
		http.Error(w, "ingest: failed to read body", http.StatusBadRequest)
		return
	}
	if int64(len(body)) > s.config.MaxBodyBytes {
		metrics.IngestRejections.WithLabelValues("body_too_large").Inc()
		http.Error(w, "ingest: body exceeds size cap", http.StatusRequestEntityTooLarge)
		return
	}

	rec := buffer.NewRecord(r.Method, r.URL.RequestURI(), s.normalizeHeaders(r.Header), body, s.config.TTL)

	id, err := s.store.Enqueue(r.Context(), rec)
	if err != nil {
		// Fail closed: a request that cannot be durably recorded must
		// not be acknowledged as accepted.
		metrics.IngestRejections.WithLabelValues("store_unavailable").Inc()
		s.logger.Error("enqueue failed, rejecting",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		w.Header().Set("Retry-After", "1")
		http.Error(w, "ingest: buffer unavailable", http.StatusServiceUnavailable)
		return
	}

	metrics.Enqueued.Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
}

// normalizeHeaders copies headers, stripping redacted ones and
// replacing tokenized ones with a stable digest.
func (s *Service) normalizeHeaders(in http.Header) http.Header {
	out := http.Header{}
	for key, values := range in {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		switch {
		case s.redact[canonical]:
			// stripped
		case s.tokenize[canonical]:
			for _, v := range values {
				out.Add(canonical, tokenizeValue(v))
			}
		default:
			for _, v := range values {
				out.Add(canonical, v)
			}
		}
	}
	return out
}

func tokenizeValue(v string) string {
	sum := sha256.Sum256([]byte(v))
	return "redacted:" + hex.EncodeToString(sum[:4])
}

// Healthy reports whether the store answered an introspection probe.
func (s *Service) Healthy(r *http.Request) bool {
	_, err := s.store.Lag(r.Context())
	return err == nil
}
