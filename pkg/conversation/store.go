package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/harun/curie/internal/observability"
	"github.com/harun/curie/internal/tracing"
	"github.com/harun/curie/pkg/kvstore"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTTL is how long a saved thread survives without being rewritten.
const DefaultTTL = 24 * time.Hour

// StoreError reports a failed persistence read or write.
type StoreError struct {
	Op    string // load, save, delete, ttl
	Key   string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Cause)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// StoreConfig configures a Store.
type StoreConfig struct {
	KV     kvstore.Store
	TTL    time.Duration
	Logger zerolog.Logger
}

// Store loads and saves threads as JSON message arrays.
type Store struct {
	kv     kvstore.Store
	ttl    time.Duration
	logger zerolog.Logger
}

// NewStore creates a Store over cfg.KV.
func NewStore(cfg StoreConfig) *Store {
	observability.EnsureRegistered()

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		kv:     cfg.KV,
		ttl:    ttl,
		logger: cfg.Logger,
	}
}

// Load returns the thread saved under key. A missing or expired key is
// reported as ok=false with a nil error.
func (s *Store) Load(ctx context.Context, key string) (thread Thread, ok bool, err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStore, "conversation.load", attribute.String("key", key))
	start := time.Now()
	defer func() {
		observability.RecordStoreLoad(s.kv.Backend(), time.Since(start), err == nil)
		tracing.EndSpan(span, err)
	}()

	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, false, &StoreError{Op: "load", Key: key, Cause: err}
	}
	if !found {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().Str("key", key).Msg("No persisted thread")
		return nil, false, nil
	}

	if err := json.Unmarshal(raw, &thread); err != nil {
		return nil, false, &StoreError{Op: "load", Key: key, Cause: fmt.Errorf("corrupt thread: %w", err)}
	}
	return thread, true, nil
}

// Save writes thread under key with the configured TTL.
func (s *Store) Save(ctx context.Context, key string, thread Thread) (err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerStore, "conversation.save",
		attribute.String("key", key),
		attribute.Int("messages", len(thread)),
	)
	start := time.Now()
	defer func() {
		observability.RecordStoreSave(s.kv.Backend(), time.Since(start), err == nil)
		tracing.EndSpan(span, err)
	}()

	if thread == nil {
		thread = Thread{}
	}
	raw, err := json.Marshal(thread)
	if err != nil {
		return &StoreError{Op: "save", Key: key, Cause: err}
	}
	if err := s.kv.SetWithExpiry(ctx, key, raw, s.ttl); err != nil {
		return &StoreError{Op: "save", Key: key, Cause: err}
	}
	return nil
}

// Delete removes the thread saved under key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.kv.Delete(ctx, key); err != nil {
		return &StoreError{Op: "delete", Key: key, Cause: err}
	}
	return nil
}

// TTL reports the remaining lifetime of key; ok is false when it is absent.
func (s *Store) TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error) {
	ttl, err = s.kv.TTL(ctx, key)
	if errors.Is(err, kvstore.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &StoreError{Op: "ttl", Key: key, Cause: err}
	}
	return ttl, true, nil
}

// KV exposes the underlying key/value store for auxiliary caches.
func (s *Store) KV() kvstore.Store {
	return s.kv
}
