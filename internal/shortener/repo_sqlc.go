package shortener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	db "github.com/sundayezeilo/shortlink/internal/db/sqlc"
	"github.com/sundayezeilo/shortlink/internal/errx"
	"github.com/sundayezeilo/shortlink/internal/idgen"
)

// querier is an internal interface that abstracts *db.Queries
type querier interface {
	CreateLink(ctx context.Context, arg db.CreateLinkParams) (db.Link, error)
	GetLinkByShortKey(ctx context.Context, shortKey string) (db.Link, error)
	ShortKeyExists(ctx context.Context, shortKey string) (bool, error)
	MergeClickCount(ctx context.Context, arg db.MergeClickCountParams) (int64, error)
	UpdateMaxClicks(ctx context.Context, arg db.UpdateMaxClicksParams) (db.Link, error)
	DeleteLink(ctx context.Context, shortKey string) (int64, error)
}

// DefaultQueryTimeout bounds each repository call when no timeout is configured.
const DefaultQueryTimeout = 2 * time.Second

type repo struct {
	q            querier
	ids          idgen.Generator
	queryTimeout time.Duration
}

// RepositoryConfig holds configuration for the repository
type RepositoryConfig struct {
	IDGenerator  idgen.Generator
	QueryTimeout time.Duration // default: 2s
}

// NewRepository creates a PostgreSQL-backed Repository.
func NewRepository(q querier, config *RepositoryConfig) Repository {
	if config == nil {
		config = &RepositoryConfig{}
	}

	// UUID v7 keeps inserts roughly ordered in the primary key index.
	if config.IDGenerator == nil {
		config.IDGenerator = idgen.NewV7(idgen.WithRetries(1))
	}

	timeout := config.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}

	return &repo{
		q:            q,
		ids:          config.IDGenerator,
		queryTimeout: timeout,
	}
}

func (r *repo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.queryTimeout)
}

func mustTime(ts pgtype.Timestamptz, field string) (time.Time, error) {
	if !ts.Valid {
		return time.Time{}, fmt.Errorf("%s unexpectedly NULL", field)
	}
	return ts.Time, nil
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	s := t.String
	return &s
}

func toTimestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func toText(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func toDomainLink(x db.Link) (Link, error) {
	createdAt, err := mustTime(x.CreatedAt, "created_at")
	if err != nil {
		return Link{}, err
	}
	updatedAt, err := mustTime(x.UpdatedAt, "updated_at")
	if err != nil {
		return Link{}, err
	}

	return Link{
		ID:          x.ID,
		ShortKey:    x.ShortKey,
		OriginalURL: x.OriginalUrl,
		IsPrivate:   x.IsPrivate,
		ExpiresAt:   timePtr(x.ExpiresAt),
		OwnerID:     textPtr(x.OwnerID),
		MaxClicks:   x.MaxClicks,
		ClickCount:  x.ClickCount,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}

func mapRepoError(op string, err error) error {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return errx.E(op, errx.NotFound, err)

	case isShortKeyUniqueViolation(err):
		return errx.E(op, errx.Conflict, err)

	case isCheckViolation(err):
		return errx.E(op, errx.Invalid, err)

	default:
		return errx.E(op, errx.Unavailable, err)
	}
}

func (r *repo) Create(ctx context.Context, link Link) (Link, error) {
	const op = "shortener.repo.Create"

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if link.ID == uuid.Nil {
		id, err := r.ids.Generate()
		if err != nil {
			return Link{}, errx.E(op, errx.Unavailable, err)
		}
		link.ID = id
	}

	row, err := r.q.CreateLink(ctx, db.CreateLinkParams{
		ID:          link.ID,
		ShortKey:    link.ShortKey,
		OriginalUrl: link.OriginalURL,
		IsPrivate:   link.IsPrivate,
		ExpiresAt:   toTimestamptz(link.ExpiresAt),
		OwnerID:     toText(link.OwnerID),
		MaxClicks:   link.MaxClicks,
	})
	if err != nil {
		return Link{}, mapRepoError(op, err)
	}

	created, err := toDomainLink(row)
	if err != nil {
		return Link{}, errx.E(op, errx.Internal, err)
	}
	return created, nil
}

func (r *repo) FindByShortKey(ctx context.Context, shortKey string) (Link, error) {
	const op = "shortener.repo.FindByShortKey"

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	row, err := r.q.GetLinkByShortKey(ctx, shortKey)
	if err != nil {
		return Link{}, mapRepoError(op, err)
	}

	link, err := toDomainLink(row)
	if err != nil {
		return Link{}, errx.E(op, errx.Internal, err)
	}
	return link, nil
}

func (r *repo) ExistsByShortKey(ctx context.Context, shortKey string) (bool, error) {
	const op = "shortener.repo.ExistsByShortKey"

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	exists, err := r.q.ShortKeyExists(ctx, shortKey)
	if err != nil {
		return false, mapRepoError(op, err)
	}
	return exists, nil
}

func (r *repo) MergeClickCount(ctx context.Context, shortKey string, count int64) (bool, error) {
	const op = "shortener.repo.MergeClickCount"

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.q.MergeClickCount(ctx, db.MergeClickCountParams{
		ClickCount: count,
		ShortKey:   shortKey,
	})
	if err != nil {
		return false, mapRepoError(op, err)
	}
	return n > 0, nil
}

func (r *repo) UpdateMaxClicks(ctx context.Context, shortKey string, maxClicks int64) (Link, error) {
	const op = "shortener.repo.UpdateMaxClicks"

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	row, err := r.q.UpdateMaxClicks(ctx, db.UpdateMaxClicksParams{
		ShortKey:  shortKey,
		MaxClicks: maxClicks,
	})
	if err != nil {
		return Link{}, mapRepoError(op, err)
	}

	link, err := toDomainLink(row)
	if err != nil {
		return Link{}, errx.E(op, errx.Internal, err)
	}
	return link, nil
}

func (r *repo) Delete(ctx context.Context, shortKey string) error {
	const op = "shortener.repo.Delete"

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.q.DeleteLink(ctx, shortKey)
	if err != nil {
		return mapRepoError(op, err)
	}
	if n == 0 {
		return errx.E(op, errx.NotFound, pgx.ErrNoRows)
	}
	return nil
}
