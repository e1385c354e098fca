// Package reconcile periodically copies click counters from the fast store
// into durable storage.
//
// The merge is monotonic: a persisted count is only ever raised. Runs are
// serialized within a process by a mutex and across processes by a lock key in
// the fast store, so at most one run is active at a time.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sundayezeilo/shortlink/internal/errx"
	"github.com/sundayezeilo/shortlink/internal/idgen"
	"github.com/sundayezeilo/shortlink/internal/keyspace"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultLockTTL  = 4 * time.Minute
)

var (
	// ErrRunInProgress is returned when a run is already active in this process.
	ErrRunInProgress = errors.New("reconciliation already running")
	// ErrLockHeld is returned when another process holds the run lock.
	ErrLockHeld = errors.New("reconciliation lock held elsewhere")
)

// counterStore is the subset of the fast store client used here.
type counterStore interface {
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
	GetInt(ctx context.Context, key string) (int64, bool, error)
	SetIfAbsent(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	DeleteIfEquals(ctx context.Context, key, value string) (bool, error)
}

// CountMerger persists a click count if it is greater than the stored one.
type CountMerger interface {
	MergeClickCount(ctx context.Context, shortKey string, count int64) (bool, error)
}

// Observer receives the outcome of every run. A nil Observer records nothing.
type Observer interface {
	ObserveReconcile(scanned, merged, failed int, took time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ObserveReconcile(int, int, int, time.Duration, error) {}

// Report summarizes one run.
type Report struct {
	Scanned   int // counter keys found
	Merged    int // persisted counts raised
	Unchanged int // persisted count already >= live count, or link gone
	Failed    int // keys whose read or write failed
	Took      time.Duration
}

// Config holds configuration for the scheduler.
type Config struct {
	Interval time.Duration // default: 5m
	LockTTL  time.Duration // default: 4m; a run never outlives its lock
	Tokens   idgen.Generator
	Observer Observer
	Logger   *slog.Logger
}

// Scheduler runs reconciliation on a fixed interval.
type Scheduler struct {
	store    counterStore
	durable  CountMerger
	interval time.Duration
	lockTTL  time.Duration
	maxRun   time.Duration
	tokens   idgen.Generator
	observer Observer
	logger   *slog.Logger

	running sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler. It does nothing until Start is called.
func New(store counterStore, durable CountMerger, config *Config) *Scheduler {
	if config == nil {
		config = &Config{}
	}

	interval := config.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	lockTTL := config.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}

	tokens := config.Tokens
	if tokens == nil {
		tokens = idgen.NewV4()
	}

	observer := config.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		store:    store,
		durable:  durable,
		interval: interval,
		lockTTL:  lockTTL,
		maxRun:   min(interval, lockTTL),
		tokens:   tokens,
		observer: observer,
		logger:   logger,
	}
}

// Start launches the background loop. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)

	s.logger.Info("reconciliation scheduler started", "interval", s.interval.String())
}

// Stop cancels any in-flight run and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.logger.Info("reconciliation scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunInProgress) && !errors.Is(err, ErrLockHeld) {
				s.logger.Error("reconciliation run failed", "error", err.Error())
			}
		}
	}
}

// RunOnce performs a single reconciliation pass. It returns ErrRunInProgress
// if a run is already active in this process and ErrLockHeld if another
// process holds the lock.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	const op = "reconcile.Scheduler.RunOnce"

	if !s.running.TryLock() {
		return Report{}, ErrRunInProgress
	}
	defer s.running.Unlock()

	// Bounded by the lock TTL as well, so the lock cannot lapse mid-run.
	ctx, cancel := context.WithTimeout(ctx, s.maxRun)
	defer cancel()

	start := time.Now()
	report, err := s.run(ctx)
	report.Took = time.Since(start)

	if errors.Is(err, ErrLockHeld) {
		s.logger.DebugContext(ctx, "reconciliation skipped, lock held elsewhere")
		return report, err
	}

	s.observer.ObserveReconcile(report.Scanned, report.Merged, report.Failed, report.Took, err)
	if err != nil {
		return report, errx.E(op, errx.KindOf(err), err)
	}

	s.logger.InfoContext(ctx, "reconciliation finished",
		"scanned", report.Scanned,
		"merged", report.Merged,
		"unchanged", report.Unchanged,
		"failed", report.Failed,
		"took_ms", report.Took.Milliseconds(),
	)
	return report, nil
}

func (s *Scheduler) run(ctx context.Context) (Report, error) {
	var report Report

	token, err := s.tokens.Generate()
	if err != nil {
		return report, errx.E("reconcile.lock", errx.Internal, err)
	}
	owner := token.String()

	acquired, err := s.store.SetIfAbsent(ctx, keyspace.ReconcileLock, owner, s.lockTTL)
	if err != nil {
		return report, err
	}
	if !acquired {
		return report, ErrLockHeld
	}
	defer func() {
		// The run context may already be done; release on a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if _, err := s.store.DeleteIfEquals(releaseCtx, keyspace.ReconcileLock, owner); err != nil {
			s.logger.Warn("failed to release reconciliation lock", "error", err.Error())
		}
	}()

	keys, err := s.store.ScanPrefix(ctx, keyspace.CounterPrefix)
	if err != nil {
		return report, err
	}
	report.Scanned = len(keys)

	for _, key := range keys {
		if ctx.Err() != nil {
			return report, errx.E("reconcile.run", errx.Unavailable, ctx.Err())
		}

		shortKey, ok := keyspace.ShortKeyFromCounter(key)
		if !ok {
			continue
		}

		merged, err := s.reconcileKey(ctx, key, shortKey)
		switch {
		case err != nil:
			report.Failed++
		case merged:
			report.Merged++
		default:
			report.Unchanged++
		}
	}
	return report, nil
}

func (s *Scheduler) reconcileKey(ctx context.Context, key, shortKey string) (bool, error) {
	live, found, err := s.store.GetInt(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read click counter",
			"short_key", shortKey,
			"error", err.Error(),
		)
		return false, err
	}
	if !found || live <= 0 {
		return false, nil
	}

	merged, err := s.durable.MergeClickCount(ctx, shortKey, live)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to persist click count",
			"short_key", shortKey,
			"count", live,
			"error", err.Error(),
		)
		return false, err
	}
	if merged {
		s.logger.DebugContext(ctx, "click count persisted", "short_key", shortKey, "count", live)
	}
	return merged, nil
}
