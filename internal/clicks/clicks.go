// Package clicks owns the per-link click counters and click limits kept in
// the fast store.
//
// Counters are only ever written by an atomic increment. Every read or write
// fails open: when the store is unavailable the service logs and reports
// "unknown" (zero count, no limit) rather than blocking link resolution.
package clicks

import (
	"context"
	"log/slog"
	"time"

	"github.com/sundayezeilo/shortlink/internal/keyspace"
)

// counterStore is the subset of the fast store client used here.
type counterStore interface {
	Increment(ctx context.Context, key string) (int64, error)
	IncrementWithin(ctx context.Context, key string, limit int64) (int64, bool, error)
	GetInt(ctx context.Context, key string) (int64, bool, error)
	SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Service tracks click counts and limits.
type Service struct {
	store  counterStore
	logger *slog.Logger
}

// NewService creates a click accounting service. A nil logger uses slog.Default.
func NewService(store counterStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// LimitExceeded reports whether count breaks maxClicks. A non-positive
// maxClicks means unlimited.
func LimitExceeded(count, maxClicks int64) bool {
	if maxClicks <= 0 {
		return false
	}
	return count > maxClicks
}

// IncrementAndGetCount increments the counter for shortKey and returns the new
// value. A return of 0 means the store could not be reached and the count is
// unknown; it never means "zero clicks".
func (s *Service) IncrementAndGetCount(ctx context.Context, shortKey string) int64 {
	n, err := s.store.Increment(ctx, keyspace.Counter(shortKey))
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to increment click counter",
			"short_key", shortKey,
			"error", err.Error(),
		)
		return 0
	}

	s.logger.DebugContext(ctx, "click counted", "short_key", shortKey, "count", n)
	return n
}

// GetCount returns the current counter value, or 0 on a miss or failure.
func (s *Service) GetCount(ctx context.Context, shortKey string) int64 {
	n, _, err := s.store.GetInt(ctx, keyspace.Counter(shortKey))
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to read click counter",
			"short_key", shortKey,
			"error", err.Error(),
		)
		return 0
	}
	return n
}

// SetLimit stores maxClicks as the limit for shortKey. A non-positive value
// removes the limit.
func (s *Service) SetLimit(ctx context.Context, shortKey string, maxClicks int64) error {
	key := keyspace.Limit(shortKey)

	if maxClicks <= 0 {
		if err := s.store.Delete(ctx, key); err != nil {
			s.logger.ErrorContext(ctx, "failed to remove click limit",
				"short_key", shortKey,
				"error", err.Error(),
			)
			return err
		}
		s.logger.DebugContext(ctx, "click limit removed", "short_key", shortKey)
		return nil
	}

	if err := s.store.SetWithTTL(ctx, key, maxClicks, 0); err != nil {
		s.logger.ErrorContext(ctx, "failed to set click limit",
			"short_key", shortKey,
			"max_clicks", maxClicks,
			"error", err.Error(),
		)
		return err
	}
	s.logger.DebugContext(ctx, "click limit set", "short_key", shortKey, "max_clicks", maxClicks)
	return nil
}

// GetLimit returns the stored limit for shortKey; 0 means unlimited or unknown.
func (s *Service) GetLimit(ctx context.Context, shortKey string) int64 {
	n, _, err := s.store.GetInt(ctx, keyspace.Limit(shortKey))
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to read click limit",
			"short_key", shortKey,
			"error", err.Error(),
		)
		return 0
	}
	if n < 0 {
		return 0
	}
	return n
}

// IsLimitExceeded is LimitExceeded with a warning logged on breach.
func (s *Service) IsLimitExceeded(shortKey string, currentCount, maxClicks int64) bool {
	exceeded := LimitExceeded(currentCount, maxClicks)
	if exceeded {
		s.logger.Warn("click limit exceeded",
			"short_key", shortKey,
			"count", currentCount,
			"max_clicks", maxClicks,
		)
	}
	return exceeded
}

// Admit records one click for shortKey unless that click would exceed
// maxClicks. The check and the increment happen in one atomic store step, so
// concurrent callers can never push the counter past the limit. It returns the
// post-increment count and whether the click was admitted.
//
// When the store is unavailable the click is admitted with count 0.
func (s *Service) Admit(ctx context.Context, shortKey string, maxClicks int64) (int64, bool) {
	count, ok, err := s.store.IncrementWithin(ctx, keyspace.Counter(shortKey), maxClicks)
	if err != nil {
		s.logger.ErrorContext(ctx, "click admission degraded to fail-open",
			"short_key", shortKey,
			"max_clicks", maxClicks,
			"error", err.Error(),
		)
		return 0, true
	}

	if !ok {
		s.IsLimitExceeded(shortKey, count+1, maxClicks)
		return count, false
	}
	return count, true
}

// InvalidateMetadata drops the cached snapshot for shortKey so the next
// resolution re-reads durable storage.
func (s *Service) InvalidateMetadata(ctx context.Context, shortKey string) {
	if err := s.store.Delete(ctx, keyspace.Metadata(shortKey)); err != nil {
		s.logger.ErrorContext(ctx, "failed to invalidate cached metadata",
			"short_key", shortKey,
			"error", err.Error(),
		)
	}
}

// Clear removes the counter and limit for shortKey.
func (s *Service) Clear(ctx context.Context, shortKey string) error {
	if err := s.store.Delete(ctx, keyspace.Counter(shortKey), keyspace.Limit(shortKey)); err != nil {
		s.logger.ErrorContext(ctx, "failed to clear click accounting",
			"short_key", shortKey,
			"error", err.Error(),
		)
		return err
	}
	return nil
}
