// Package metacache keeps a reduced projection of each link in the fast store
// so resolution can skip durable storage on hot paths.
//
// The cache is best-effort: read faults degrade to a miss and write faults are
// only logged. Durable storage stays the source of truth for metadata.
package metacache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sundayezeilo/shortlink/internal/keyspace"
)

const (
	DefaultTTL = time.Hour

	// schemaVersion is bumped whenever Snapshot's encoding changes; entries
	// written under another version read as misses.
	schemaVersion = 1
)

// Snapshot is the cached projection of a link. It carries the owner's
// identifier only, never the owner record.
type Snapshot struct {
	Version     int        `json:"v"`
	ID          uuid.UUID  `json:"id"`
	ShortKey    string     `json:"short_key"`
	OriginalURL string     `json:"original_url"`
	IsPrivate   bool       `json:"is_private"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	OwnerID     *string    `json:"owner_id,omitempty"`
	MaxClicks   int64      `json:"max_clicks"`
}

// Expired reports whether the link's expiry is before now.
func (s Snapshot) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// VisibleTo reports whether callerID may resolve the link. Public links are
// visible to everyone; private links only to their owner.
func (s Snapshot) VisibleTo(callerID string) bool {
	if !s.IsPrivate {
		return true
	}
	if callerID == "" || s.OwnerID == nil {
		return false
	}
	return *s.OwnerID == callerID
}

type snapshotStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Cache reads and writes Snapshots.
type Cache struct {
	store  snapshotStore
	ttl    time.Duration
	logger *slog.Logger
}

// Config holds configuration for the cache.
type Config struct {
	TTL    time.Duration // default: 1h
	Logger *slog.Logger
}

// New creates a metadata cache backed by store.
func New(store snapshotStore, config *Config) *Cache {
	if config == nil {
		config = &Config{}
	}

	ttl := config.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Cache{store: store, ttl: ttl, logger: logger}
}

// TTL returns the default time-to-live applied by Put.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the cached snapshot for shortKey. ok is false on a miss, on a
// store failure and on an entry that cannot be decoded.
func (c *Cache) Get(ctx context.Context, shortKey string) (Snapshot, bool) {
	raw, found, err := c.store.Get(ctx, keyspace.Metadata(shortKey))
	if err != nil {
		c.logger.WarnContext(ctx, "metadata cache read failed, treating as miss",
			"short_key", shortKey,
			"error", err.Error(),
		)
		return Snapshot{}, false
	}
	if !found {
		c.logger.DebugContext(ctx, "metadata cache miss", "short_key", shortKey)
		return Snapshot{}, false
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		c.logger.WarnContext(ctx, "undecodable metadata cache entry",
			"short_key", shortKey,
			"error", err.Error(),
		)
		return Snapshot{}, false
	}
	if snap.Version != schemaVersion || snap.ShortKey != shortKey {
		c.logger.WarnContext(ctx, "stale metadata cache entry",
			"short_key", shortKey,
			"version", snap.Version,
		)
		return Snapshot{}, false
	}
	return snap, true
}

// Put stores snap under shortKey for ttl (the cache default when ttl <= 0).
// A nil snapshot is ignored.
func (c *Cache) Put(ctx context.Context, shortKey string, snap *Snapshot, ttl time.Duration) {
	if snap == nil {
		c.logger.WarnContext(ctx, "refusing to cache nil snapshot", "short_key", shortKey)
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	entry := *snap
	entry.Version = schemaVersion
	raw, err := json.Marshal(entry)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to encode snapshot",
			"short_key", shortKey,
			"error", err.Error(),
		)
		return
	}

	if err := c.store.SetWithTTL(ctx, keyspace.Metadata(shortKey), raw, ttl); err != nil {
		c.logger.WarnContext(ctx, "failed to cache snapshot",
			"short_key", shortKey,
			"error", err.Error(),
		)
		return
	}
	c.logger.DebugContext(ctx, "snapshot cached", "short_key", shortKey, "ttl", ttl.String())
}

// Invalidate removes the cached snapshot for shortKey.
func (c *Cache) Invalidate(ctx context.Context, shortKey string) {
	if err := c.store.Delete(ctx, keyspace.Metadata(shortKey)); err != nil {
		c.logger.WarnContext(ctx, "failed to invalidate snapshot",
			"short_key", shortKey,
			"error", err.Error(),
		)
	}
}
