package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/lyzr/stateflow/common/config"
	"github.com/lyzr/stateflow/common/errs"
)

// ErrNotFound is returned when a block key does not exist
var ErrNotFound = errors.New("block not found")

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Store is content-addressed block storage. Writes are idempotent by
// content hash; blocks are never mutated in place.
type Store interface {
	// Put writes data under key and returns its sha256 hex checksum
	Put(ctx context.Context, key string, data []byte) (string, error)

	// Get reads a block and verifies it against the expected checksum.
	// An empty checksum skips verification.
	Get(ctx context.Context, key, checksum string) ([]byte, error)

	// Head reports whether the key exists
	Head(ctx context.Context, key string) (bool, error)

	// Delete removes a block (GC worker only)
	Delete(ctx context.Context, key string) error
}

// Checksum returns the sha256 hex digest of data
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RetryingStore wraps a Store with bounded retry on reads. Checksum
// mismatches and missing keys are retried with exponential backoff plus
// jitter; a mismatch that survives all attempts is storage corruption.
type RetryingStore struct {
	inner    Store
	attempts int
	base     time.Duration
	cap      time.Duration
	logger   Logger
}

// NewRetryingStore wraps inner with the configured retry policy
func NewRetryingStore(inner Store, cfg config.BlobConfig, logger Logger) *RetryingStore {
	return &RetryingStore{
		inner:    inner,
		attempts: cfg.RetryAttempts,
		base:     cfg.RetryBase,
		cap:      cfg.RetryCap,
		logger:   logger,
	}
}

// Put passes through; writes are idempotent by content hash
func (s *RetryingStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	return s.inner.Put(ctx, key, data)
}

// Get reads with bounded retry. Exhausted retries on a checksum mismatch
// return ErrStorageCorruption; exhausted retries on a missing key return
// ErrStateHydration.
func (s *RetryingStore) Get(ctx context.Context, key, checksum string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < s.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.backoff(attempt)):
			}
		}

		data, err := s.inner.Get(ctx, key, checksum)
		if err == nil {
			return data, nil
		}
		lastErr = err
		s.logger.Warn("block read failed, retrying", "key", key, "attempt", attempt+1, "error", err)
	}

	if errors.Is(lastErr, errs.ErrStorageCorruption) {
		return nil, fmt.Errorf("block %s corrupt after %d attempts: %w", key, s.attempts, errs.ErrStorageCorruption)
	}
	return nil, fmt.Errorf("block %s unreadable after %d attempts: %w", key, s.attempts, errs.ErrStateHydration)
}

// Head passes through
func (s *RetryingStore) Head(ctx context.Context, key string) (bool, error) {
	return s.inner.Head(ctx, key)
}

// Delete passes through
func (s *RetryingStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

// backoff computes exponential backoff with jitter, capped
func (s *RetryingStore) backoff(attempt int) time.Duration {
	d := s.base << (attempt - 1)
	if d > s.cap {
		d = s.cap
	}
	// Full jitter keeps concurrent hydrations from synchronizing
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}
