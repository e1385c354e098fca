package shortener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sundayezeilo/shortlink/internal/errx"
	"github.com/sundayezeilo/shortlink/internal/metacache"
	"github.com/sundayezeilo/shortlink/keygen"
)

const (
	MinKeyLength         = 4
	MaxKeyLength         = 32
	MaxURLLength         = 2048
	MaxExpiryDays        = 3650
	DefaultKeyMaxRetries = 5
	DefaultExpiryDays    = 30
	DefaultLoadTimeout   = 2 * time.Second
)

var (
	// ErrExpired is wrapped by the NotFound error returned for expired links.
	ErrExpired = errors.New("link expired")
	// ErrPrivateLink is wrapped by the Forbidden error returned when a caller
	// may not see a private link.
	ErrPrivateLink = errors.New("link is private")
	// ErrClickLimitExceeded is wrapped by the LimitExceeded error returned once
	// a link has used up its clicks.
	ErrClickLimitExceeded = errors.New("click limit exceeded")
)

// Resolution outcomes reported to the Observer.
const (
	OutcomeResolved      = "resolved"
	OutcomeNotFound      = "not_found"
	OutcomeExpired       = "expired"
	OutcomeForbidden     = "forbidden"
	OutcomeLimitExceeded = "limit_exceeded"
	OutcomeError         = "error"
)

// CreateLinkRequest represents the parameters for creating a new link.
type CreateLinkRequest struct {
	OriginalURL   string
	OwnerID       string // empty for anonymous callers
	IsPrivate     bool   // ignored for anonymous callers
	ExpiresInDays *int   // nil: default expiry for anonymous links, none otherwise
	MaxClicks     int64  // 0 = unlimited
}

// Service defines the business logic operations for short links.
type Service interface {
	Create(ctx context.Context, req CreateLinkRequest) (Link, error)
	Resolve(ctx context.Context, shortKey, callerID string) (Resolution, error)
	Get(ctx context.Context, shortKey, callerID string) (Link, error)
	UpdateMaxClicks(ctx context.Context, shortKey, callerID string, maxClicks int64) (Link, error)
	Delete(ctx context.Context, shortKey, callerID string) error
}

// ClickAccounting is the click counter and limit store used by the service.
type ClickAccounting interface {
	GetCount(ctx context.Context, shortKey string) int64
	GetLimit(ctx context.Context, shortKey string) int64
	SetLimit(ctx context.Context, shortKey string, maxClicks int64) error
	Admit(ctx context.Context, shortKey string, maxClicks int64) (int64, bool)
	InvalidateMetadata(ctx context.Context, shortKey string)
	Clear(ctx context.Context, shortKey string) error
}

// MetadataCache holds link snapshots in front of the repository.
type MetadataCache interface {
	Get(ctx context.Context, shortKey string) (metacache.Snapshot, bool)
	Put(ctx context.Context, shortKey string, snap *metacache.Snapshot, ttl time.Duration)
	Invalidate(ctx context.Context, shortKey string)
}

// Observer receives resolution events. A nil Observer records nothing.
type Observer interface {
	ObserveResolution(outcome string)
	ObserveCacheLookup(hit bool)
}

type nopObserver struct{}

func (nopObserver) ObserveResolution(string) {}
func (nopObserver) ObserveCacheLookup(bool)  {}

type service struct {
	repo          Repository
	clicks        ClickAccounting
	cache         MetadataCache
	keys          keygen.Generator
	keyLength     int
	keyMaxRetries int
	defaultExpiry time.Duration
	metadataTTL   time.Duration
	loadTimeout   time.Duration
	observer      Observer
	logger        *slog.Logger
	now           func() time.Time
	misses        singleflight.Group
}

// ServiceConfig holds configuration for the service.
type ServiceConfig struct {
	KeyGenerator  keygen.Generator
	KeyLength     int           // default: keygen.DefaultLength
	KeyMaxRetries int           // attempts when generating a unique key (default: 5)
	DefaultExpiry time.Duration // expiry of anonymous links (default: 30 days)
	MetadataTTL   time.Duration // 0 uses the cache default
	LoadTimeout   time.Duration // bound on a shared storage load after a cache miss (default: 2s)
	Observer      Observer
	Logger        *slog.Logger
	Now           func() time.Time
}

// NewService creates a new service instance.
func NewService(repo Repository, clicks ClickAccounting, cache MetadataCache, config *ServiceConfig) Service {
	if config == nil {
		config = &ServiceConfig{}
	}

	keys := config.KeyGenerator
	if keys == nil {
		keys = keygen.NewAlphanumeric()
	}

	keyLength := config.KeyLength
	if keyLength < MinKeyLength || keyLength > MaxKeyLength {
		keyLength = keygen.DefaultLength
	}

	retries := config.KeyMaxRetries
	if retries <= 0 {
		retries = DefaultKeyMaxRetries
	}

	expiry := config.DefaultExpiry
	if expiry <= 0 {
		expiry = DefaultExpiryDays * 24 * time.Hour
	}

	loadTimeout := config.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = DefaultLoadTimeout
	}

	observer := config.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := config.Now
	if now == nil {
		now = time.Now
	}

	return &service{
		repo:          repo,
		clicks:        clicks,
		cache:         cache,
		keys:          keys,
		keyLength:     keyLength,
		keyMaxRetries: retries,
		defaultExpiry: expiry,
		metadataTTL:   config.MetadataTTL,
		loadTimeout:   loadTimeout,
		observer:      observer,
		logger:        logger,
		now:           now,
	}
}

// Create stores a new link under a freshly generated short key.
func (s *service) Create(ctx context.Context, req CreateLinkRequest) (Link, error) {
	const op = "shortener.service.Create"

	if err := validateURL(req.OriginalURL); err != nil {
		return Link{}, errx.E(op, errx.Invalid, err)
	}
	if req.MaxClicks < 0 {
		return Link{}, errx.E(op, errx.Invalid, errors.New("max clicks cannot be negative"))
	}
	if d := req.ExpiresInDays; d != nil && (*d <= 0 || *d > MaxExpiryDays) {
		return Link{}, errx.E(op, errx.Invalid,
			fmt.Errorf("expiration must be between 1 and %d days", MaxExpiryDays))
	}

	link := Link{
		OriginalURL: req.OriginalURL,
		MaxClicks:   req.MaxClicks,
	}

	now := s.now().UTC()
	if req.OwnerID == "" {
		expires := now.Add(s.defaultExpiry)
		link.ExpiresAt = &expires
	} else {
		owner := req.OwnerID
		link.OwnerID = &owner
		link.IsPrivate = req.IsPrivate
		if req.ExpiresInDays != nil {
			expires := now.AddDate(0, 0, *req.ExpiresInDays)
			link.ExpiresAt = &expires
		}
	}

	created, err := s.insertWithUniqueKey(ctx, link)
	if err != nil {
		return Link{}, errx.E(op, errx.KindOf(err), err)
	}

	if created.MaxClicks > 0 {
		if err := s.clicks.SetLimit(ctx, created.ShortKey, created.MaxClicks); err != nil {
			s.logger.WarnContext(ctx, "click limit not seeded, snapshot limit still applies",
				"short_key", created.ShortKey,
				"max_clicks", created.MaxClicks,
				"error", err.Error(),
			)
		}
	}

	s.logger.InfoContext(ctx, "link created",
		"short_key", created.ShortKey,
		"private", created.IsPrivate,
		"max_clicks", created.MaxClicks,
	)
	return created, nil
}

func (s *service) insertWithUniqueKey(ctx context.Context, link Link) (Link, error) {
	const op = "shortener.service.insertWithUniqueKey"

	for range s.keyMaxRetries {
		key, err := s.keys.Generate(s.keyLength)
		if err != nil {
			return Link{}, errx.E(op, errx.Internal, err)
		}

		taken, err := s.repo.ExistsByShortKey(ctx, key)
		if err != nil {
			return Link{}, errx.E(op, errx.KindOf(err), err)
		}
		if taken {
			continue
		}

		link.ShortKey = key
		created, err := s.repo.Create(ctx, link)
		if err == nil {
			return created, nil
		}

		// Lost a race with a concurrent insert of the same key.
		if !errx.Is(err, errx.Conflict) {
			return Link{}, errx.E(op, errx.KindOf(err), err)
		}
	}

	return Link{}, errx.E(op, errx.Unavailable,
		errors.New("could not generate unique short key after retries"))
}

// Resolve checks expiry, visibility and click limit for shortKey on behalf of
// callerID and counts the click.
func (s *service) Resolve(ctx context.Context, shortKey, callerID string) (Resolution, error) {
	const op = "shortener.service.Resolve"

	if shortKey == "" {
		s.observer.ObserveResolution(OutcomeNotFound)
		return Resolution{}, errx.E(op, errx.NotFound, errors.New("short key cannot be empty"))
	}

	snap, err := s.snapshot(ctx, shortKey)
	if err != nil {
		if errx.Is(err, errx.NotFound) {
			s.observer.ObserveResolution(OutcomeNotFound)
		} else {
			s.observer.ObserveResolution(OutcomeError)
		}
		return Resolution{}, errx.E(op, errx.KindOf(err), err)
	}

	if snap.Expired(s.now()) {
		s.observer.ObserveResolution(OutcomeExpired)
		return Resolution{}, errx.E(op, errx.NotFound, ErrExpired)
	}

	if !snap.VisibleTo(callerID) {
		s.observer.ObserveResolution(OutcomeForbidden)
		return Resolution{}, errx.E(op, errx.Forbidden, ErrPrivateLink)
	}

	limit := s.clicks.GetLimit(ctx, shortKey)
	if limit <= 0 {
		limit = snap.MaxClicks
	}

	count, admitted := s.clicks.Admit(ctx, shortKey, limit)
	if !admitted {
		s.clicks.InvalidateMetadata(ctx, shortKey)
		s.observer.ObserveResolution(OutcomeLimitExceeded)
		return Resolution{}, errx.E(op, errx.LimitExceeded, ErrClickLimitExceeded)
	}

	s.observer.ObserveResolution(OutcomeResolved)
	return Resolution{Link: snap, ClickCount: count}, nil
}

// snapshot returns the cached snapshot for shortKey, loading it from the
// repository on a miss. Concurrent misses for one key share a single load.
// The load is detached from any one caller's cancellation and bounded by the
// load timeout; each caller still stops waiting when its own ctx is done.
func (s *service) snapshot(ctx context.Context, shortKey string) (metacache.Snapshot, error) {
	const op = "shortener.service.snapshot"

	if snap, ok := s.cache.Get(ctx, shortKey); ok {
		s.observer.ObserveCacheLookup(true)
		return snap, nil
	}
	s.observer.ObserveCacheLookup(false)

	detached := context.WithoutCancel(ctx)
	ch := s.misses.DoChan(shortKey, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(detached, s.loadTimeout)
		defer cancel()

		link, err := s.repo.FindByShortKey(loadCtx, shortKey)
		if err != nil {
			return nil, err
		}
		snap := link.Snapshot()
		s.cache.Put(loadCtx, shortKey, &snap, s.metadataTTL)
		return snap, nil
	})

	select {
	case <-ctx.Done():
		return metacache.Snapshot{}, errx.E(op, errx.Unavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return metacache.Snapshot{}, res.Err
		}
		return res.Val.(metacache.Snapshot), nil
	}
}

// Get returns the link with its click count brought up to date with the live
// counter. Private links are only visible to their owner.
func (s *service) Get(ctx context.Context, shortKey, callerID string) (Link, error) {
	const op = "shortener.service.Get"

	if shortKey == "" {
		return Link{}, errx.E(op, errx.Invalid, errors.New("short key cannot be empty"))
	}

	link, err := s.repo.FindByShortKey(ctx, shortKey)
	if err != nil {
		return Link{}, errx.E(op, errx.KindOf(err), err)
	}
	if !link.Snapshot().VisibleTo(callerID) {
		return Link{}, errx.E(op, errx.Forbidden, ErrPrivateLink)
	}

	if live := s.clicks.GetCount(ctx, shortKey); live > link.ClickCount {
		link.ClickCount = live
	}
	return link, nil
}

// UpdateMaxClicks changes the click limit of a link owned by callerID.
func (s *service) UpdateMaxClicks(ctx context.Context, shortKey, callerID string, maxClicks int64) (Link, error) {
	const op = "shortener.service.UpdateMaxClicks"

	if maxClicks < 0 {
		return Link{}, errx.E(op, errx.Invalid, errors.New("max clicks cannot be negative"))
	}
	if err := s.authorizeOwner(ctx, shortKey, callerID); err != nil {
		return Link{}, errx.E(op, errx.KindOf(err), err)
	}

	updated, err := s.repo.UpdateMaxClicks(ctx, shortKey, maxClicks)
	if err != nil {
		return Link{}, errx.E(op, errx.KindOf(err), err)
	}

	if err := s.clicks.SetLimit(ctx, shortKey, maxClicks); err != nil {
		s.logger.ErrorContext(ctx, "click limit out of sync with stored link",
			"short_key", shortKey,
			"max_clicks", maxClicks,
			"error", err.Error(),
		)
	}
	s.cache.Invalidate(ctx, shortKey)

	if live := s.clicks.GetCount(ctx, shortKey); live > updated.ClickCount {
		updated.ClickCount = live
	}
	return updated, nil
}

// Delete removes a link owned by callerID together with its counters and
// cached metadata.
func (s *service) Delete(ctx context.Context, shortKey, callerID string) error {
	const op = "shortener.service.Delete"

	if err := s.authorizeOwner(ctx, shortKey, callerID); err != nil {
		return errx.E(op, errx.KindOf(err), err)
	}

	if err := s.repo.Delete(ctx, shortKey); err != nil {
		return errx.E(op, errx.KindOf(err), err)
	}

	if err := s.clicks.Clear(ctx, shortKey); err != nil {
		s.logger.WarnContext(ctx, "stale click accounting left after delete",
			"short_key", shortKey,
			"error", err.Error(),
		)
	}
	s.cache.Invalidate(ctx, shortKey)

	s.logger.InfoContext(ctx, "link deleted", "short_key", shortKey)
	return nil
}

func (s *service) authorizeOwner(ctx context.Context, shortKey, callerID string) error {
	const op = "shortener.service.authorizeOwner"

	if shortKey == "" {
		return errx.E(op, errx.Invalid, errors.New("short key cannot be empty"))
	}
	if callerID == "" {
		return errx.E(op, errx.Unauthorized, errors.New("authentication required"))
	}

	link, err := s.repo.FindByShortKey(ctx, shortKey)
	if err != nil {
		return errx.E(op, errx.KindOf(err), err)
	}
	if !link.OwnedBy(callerID) {
		return errx.E(op, errx.Forbidden, errors.New("caller does not own link"))
	}
	return nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("url cannot be empty")
	}
	if len(rawURL) > MaxURLLength {
		return errors.New("url too long (max 2048 characters)")
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid url format")
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return errors.New("url scheme must be http or https")
	}
	if parsedURL.Host == "" {
		return errors.New("url must include host")
	}
	return nil
}
