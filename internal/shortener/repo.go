package shortener

import "context"

// Repository is the durable storage for links. Lookups of a missing short key
// fail with errx.NotFound; a duplicate short key on create fails with
// errx.Conflict.
type Repository interface {
	Create(ctx context.Context, link Link) (Link, error)
	FindByShortKey(ctx context.Context, shortKey string) (Link, error)
	ExistsByShortKey(ctx context.Context, shortKey string) (bool, error)
	// MergeClickCount raises the persisted click count to count. It never
	// lowers it and reports whether a row changed.
	MergeClickCount(ctx context.Context, shortKey string, count int64) (bool, error)
	UpdateMaxClicks(ctx context.Context, shortKey string, maxClicks int64) (Link, error)
	Delete(ctx context.Context, shortKey string) error
}
