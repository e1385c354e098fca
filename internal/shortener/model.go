package shortener

import (
	"time"

	"github.com/google/uuid"

	"github.com/sundayezeilo/shortlink/internal/metacache"
)

// Link is the durable record of a short link.
type Link struct {
	ID          uuid.UUID
	ShortKey    string
	OriginalURL string
	IsPrivate   bool
	ExpiresAt   *time.Time
	OwnerID     *string
	MaxClicks   int64 // 0 = unlimited
	ClickCount  int64 // persisted count, merged from the fast store by reconciliation
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Snapshot projects the link into its cacheable form.
func (l Link) Snapshot() metacache.Snapshot {
	return metacache.Snapshot{
		ID:          l.ID,
		ShortKey:    l.ShortKey,
		OriginalURL: l.OriginalURL,
		IsPrivate:   l.IsPrivate,
		ExpiresAt:   l.ExpiresAt,
		OwnerID:     l.OwnerID,
		MaxClicks:   l.MaxClicks,
	}
}

// OwnedBy reports whether callerID owns the link.
func (l Link) OwnedBy(callerID string) bool {
	return callerID != "" && l.OwnerID != nil && *l.OwnerID == callerID
}

// Resolution is the result of a successful resolve.
type Resolution struct {
	Link       metacache.Snapshot
	ClickCount int64 // post-increment count; 0 when the fast store was unavailable
}
