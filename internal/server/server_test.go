package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sundayezeilo/shortlink/internal/config"
	"github.com/sundayezeilo/shortlink/internal/errx"
	"github.com/sundayezeilo/shortlink/internal/metacache"
	"github.com/sundayezeilo/shortlink/internal/metrics"
	"github.com/sundayezeilo/shortlink/internal/reconcile"
	"github.com/sundayezeilo/shortlink/internal/shortener"
)

const testSecret = "server-test-secret-0123"

// stubService resolves "priv01" for "owner" only and everything else as missing.
type stubService struct {
	shortener.Service
}

func (stubService) Resolve(ctx context.Context, shortKey, callerID string) (shortener.Resolution, error) {
	if shortKey == "priv01" && callerID == "owner" {
		return shortener.Resolution{Link: metacache.Snapshot{OriginalURL: "https://example.com/private"}}, nil
	}
	if shortKey == "priv01" {
		return shortener.Resolution{}, errx.E("stub", errx.Forbidden, shortener.ErrPrivateLink)
	}
	return shortener.Resolution{}, errx.E("stub", errx.NotFound, errors.New("missing"))
}

type stubReconciler struct {
	report reconcile.Report
	err    error
}

func (s stubReconciler) RunOnce(ctx context.Context) (reconcile.Report, error) {
	return s.report, s.err
}

func newTestServer(deps Deps) http.Handler {
	cfg := &config.Config{
		Auth: config.AuthConfig{JWTSecret: testSecret},
		App:  config.AppConfig{ServiceName: "shortlink-test", ServiceVersion: "1.2.3"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if deps.Handler == nil {
		deps.Handler = shortener.NewHandler(shortener.HandlerConfig{Service: stubService{}, Logger: logger})
	}
	return New(cfg, logger, deps).Handler()
}

func bearer(t *testing.T, subject string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + token
}

func TestHealth(t *testing.T) {
	t.Run("all dependencies up", func(t *testing.T) {
		h := newTestServer(Deps{Checks: map[string]Pinger{
			"postgres": PingFunc(func(ctx context.Context) error { return nil }),
			"redis":    PingFunc(func(ctx context.Context) error { return nil }),
		}})

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x/health", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		var body healthResponse
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Service != "shortlink-test" || body.Version != "1.2.3" || body.Checks["redis"] != "up" {
			t.Errorf("body = %+v", body)
		}
	})

	t.Run("a dependency down", func(t *testing.T) {
		h := newTestServer(Deps{Checks: map[string]Pinger{
			"redis": PingFunc(func(ctx context.Context) error { return errors.New("connection refused") }),
		}})

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x/health", nil))

		if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"redis":"down"`) {
			t.Errorf("got %d %s", rec.Code, rec.Body.String())
		}
	})
}

func TestResolveRoute(t *testing.T) {
	h := newTestServer(Deps{})

	t.Run("owner is redirected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/priv01", nil)
		req.Header.Set("Authorization", bearer(t, "owner"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusFound {
			t.Errorf("status = %d, want 302", rec.Code)
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Error("request ID header missing")
		}
	})

	t.Run("anonymous caller sees 404", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/priv01", nil))

		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("bad token is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/priv01", nil)
		req.Header.Set("Authorization", "Bearer nonsense")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", rec.Code)
		}
	})
}

func TestReconcileRoute(t *testing.T) {
	tests := []struct {
		name       string
		rec        Reconciler
		wantStatus int
	}{
		{"success", stubReconciler{report: reconcile.Report{Scanned: 3, Merged: 2}}, http.StatusOK},
		{"already running", stubReconciler{err: reconcile.ErrRunInProgress}, http.StatusConflict},
		{"store down", stubReconciler{err: errx.E("op", errx.Unavailable, errors.New("down"))}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(Deps{Reconciler: tt.rec})

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x/reconcile", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	t.Run("route absent without a reconciler", func(t *testing.T) {
		h := newTestServer(Deps{})

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/x/reconcile", nil))

		if rec.Code != http.StatusMethodNotAllowed && rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404 or 405", rec.Code)
		}
	})
}

func TestMetricsRoute(t *testing.T) {
	h := newTestServer(Deps{Metrics: metrics.New("shortlink")})

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope01", nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `shortlink_http_requests_total{code="404",method="get"} 1`) {
		t.Errorf("request metric missing:\n%s", rec.Body.String())
	}
}
