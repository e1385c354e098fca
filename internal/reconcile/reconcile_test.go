package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/sundayezeilo/shortlink/internal/faststore"
)

// memoryStore is a durable store double that applies the monotonic rule.
type memoryStore struct {
	mu     sync.Mutex
	counts map[string]int64
	failOn map[string]bool
	calls  int
	block  chan struct{}
}

func newMemoryStore(counts map[string]int64) *memoryStore {
	return &memoryStore{counts: counts, failOn: map[string]bool{}}
}

func (m *memoryStore) MergeClickCount(ctx context.Context, shortKey string, count int64) (bool, error) {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.failOn[shortKey] {
		return false, errors.New("connection reset")
	}
	current, ok := m.counts[shortKey]
	if !ok || current >= count {
		return false, nil
	}
	m.counts[shortKey] = count
	return true, nil
}

func (m *memoryStore) get(shortKey string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[shortKey]
}

type recordingObserver struct {
	mu   sync.Mutex
	runs int
	errs int
}

func (r *recordingObserver) ObserveReconcile(scanned, merged, failed int, took time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	if err != nil {
		r.errs++
	}
}

func newTestScheduler(t *testing.T, durable CountMerger, cfg *Config) (*Scheduler, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	store := faststore.New(rdb, &faststore.ClientConfig{OpTimeout: 5 * time.Second})
	return New(store, durable, cfg), mr
}

func TestRunOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("merge is monotonic", func(t *testing.T) {
		durable := newMemoryStore(map[string]int64{"lower": 10, "higher": 10})
		s, mr := newTestScheduler(t, durable, nil)
		_ = mr.Set("clicks:lower", "7")
		_ = mr.Set("clicks:higher", "15")

		report, err := s.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce() unexpected error: %v", err)
		}

		if got := durable.get("lower"); got != 10 {
			t.Errorf("persisted lower = %d, want 10", got)
		}
		if got := durable.get("higher"); got != 15 {
			t.Errorf("persisted higher = %d, want 15", got)
		}
		if report.Scanned != 2 || report.Merged != 1 || report.Unchanged != 1 || report.Failed != 0 {
			t.Errorf("report = %+v", report)
		}
	})

	t.Run("ignores other namespaces", func(t *testing.T) {
		durable := newMemoryStore(map[string]int64{"k": 0})
		s, mr := newTestScheduler(t, durable, nil)
		_ = mr.Set("limit:k", "50")
		_ = mr.Set("shorturl:k", "{}")

		report, err := s.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce() unexpected error: %v", err)
		}
		if report.Scanned != 0 || durable.get("k") != 0 {
			t.Errorf("report = %+v, persisted = %d", report, durable.get("k"))
		}
	})

	t.Run("per-key failure does not stop the run", func(t *testing.T) {
		durable := newMemoryStore(map[string]int64{"a": 0, "b": 0, "c": 0})
		durable.failOn["b"] = true
		s, mr := newTestScheduler(t, durable, nil)
		for _, k := range []string{"a", "b", "c"} {
			_ = mr.Set("clicks:"+k, "3")
		}

		report, err := s.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce() unexpected error: %v", err)
		}
		if report.Failed != 1 || report.Merged != 2 {
			t.Errorf("report = %+v, want 1 failed and 2 merged", report)
		}
		if durable.get("a") != 3 || durable.get("c") != 3 {
			t.Error("healthy keys were not persisted")
		}
	})

	t.Run("store failure aborts the run", func(t *testing.T) {
		obs := &recordingObserver{}
		s, mr := newTestScheduler(t, newMemoryStore(nil), &Config{Observer: obs})
		mr.SetError("connection refused")

		if _, err := s.RunOnce(ctx); err == nil {
			t.Fatal("RunOnce() expected error, got nil")
		}
		if obs.errs != 1 {
			t.Errorf("observer saw %d failed runs, want 1", obs.errs)
		}

		mr.SetError("")
		if _, err := s.RunOnce(ctx); err != nil {
			t.Errorf("RunOnce() after recovery unexpected error: %v", err)
		}
	})

	t.Run("lock held by another process skips the run", func(t *testing.T) {
		durable := newMemoryStore(map[string]int64{"k": 0})
		s, mr := newTestScheduler(t, durable, nil)
		_ = mr.Set("clicks:k", "4")
		_ = mr.Set("lock:reconcile", "other-process")

		if _, err := s.RunOnce(ctx); !errors.Is(err, ErrLockHeld) {
			t.Fatalf("RunOnce() error = %v, want ErrLockHeld", err)
		}
		if durable.get("k") != 0 {
			t.Error("run proceeded without the lock")
		}
		if got, _ := mr.Get("lock:reconcile"); got != "other-process" {
			t.Errorf("foreign lock overwritten: %q", got)
		}
	})

	t.Run("lock is released after a run", func(t *testing.T) {
		s, mr := newTestScheduler(t, newMemoryStore(nil), nil)

		if _, err := s.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce() unexpected error: %v", err)
		}
		if mr.Exists("lock:reconcile") {
			t.Error("lock key still present after run")
		}
	})

	t.Run("overlapping runs are rejected", func(t *testing.T) {
		durable := newMemoryStore(map[string]int64{"k": 0})
		durable.block = make(chan struct{})
		s, mr := newTestScheduler(t, durable, nil)
		_ = mr.Set("clicks:k", "1")

		first := make(chan error, 1)
		go func() {
			_, err := s.RunOnce(ctx)
			first <- err
		}()

		// Wait until the first run holds the fast-store lock.
		deadline := time.Now().Add(2 * time.Second)
		for !mr.Exists("lock:reconcile") && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}

		if _, err := s.RunOnce(ctx); !errors.Is(err, ErrRunInProgress) {
			t.Errorf("second RunOnce() error = %v, want ErrRunInProgress", err)
		}

		close(durable.block)
		if err := <-first; err != nil {
			t.Errorf("first RunOnce() unexpected error: %v", err)
		}
	})
}

func TestRunBoundedByLock(t *testing.T) {
	t.Run("run never outlives the lock", func(t *testing.T) {
		tests := []struct {
			name     string
			interval time.Duration
			lockTTL  time.Duration
			want     time.Duration
		}{
			{"lock shorter than interval", 5 * time.Minute, 4 * time.Minute, 4 * time.Minute},
			{"interval shorter than lock", time.Minute, 4 * time.Minute, time.Minute},
			{"defaults", 0, 0, DefaultLockTTL},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				s := New(nil, nil, &Config{Interval: tt.interval, LockTTL: tt.lockTTL})
				if s.maxRun != tt.want {
					t.Errorf("maxRun = %v, want %v", s.maxRun, tt.want)
				}
			})
		}
	})

	t.Run("stalled merge is cut off at the lock ttl", func(t *testing.T) {
		durable := newMemoryStore(map[string]int64{"k": 0})
		durable.block = make(chan struct{})
		t.Cleanup(func() { close(durable.block) })

		s, mr := newTestScheduler(t, durable, &Config{
			Interval: time.Minute,
			LockTTL:  100 * time.Millisecond,
		})
		_ = mr.Set("clicks:k", "3")

		start := time.Now()
		report, err := s.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce() unexpected error: %v", err)
		}
		if took := time.Since(start); took > time.Second {
			t.Errorf("run took %v, want it bounded by the lock ttl", took)
		}
		if report.Failed != 1 {
			t.Errorf("Failed = %d, want 1", report.Failed)
		}
		if mr.Exists("lock:reconcile") {
			t.Error("lock not released after a cut-off run")
		}
	})
}

func TestSchedulerLifecycle(t *testing.T) {
	durable := newMemoryStore(map[string]int64{"k": 0})
	obs := &recordingObserver{}
	s, mr := newTestScheduler(t, durable, &Config{Interval: 20 * time.Millisecond, Observer: obs})
	_ = mr.Set("clicks:k", "8")

	s.Start(context.Background())
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for durable.get("k") != 8 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	if got := durable.get("k"); got != 8 {
		t.Errorf("persisted = %d, want 8", got)
	}

	obs.mu.Lock()
	runs := obs.runs
	obs.mu.Unlock()
	time.Sleep(60 * time.Millisecond)
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.runs != runs {
		t.Error("scheduler kept running after Stop()")
	}
}
