package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/sundayezeilo/shortlink/internal/app"
	"github.com/sundayezeilo/shortlink/internal/config"
	db "github.com/sundayezeilo/shortlink/internal/db/sqlc"
	"github.com/sundayezeilo/shortlink/internal/keyspace"
)

const jwtSecret = "e2e-secret-0123456789abcdef"

// testApp holds a fully wired application backed by real containers.
type testApp struct {
	app    *app.App
	server *httptest.Server
	client *http.Client
}

// setupTestApp starts PostgreSQL and Redis and wires the application against them.
func setupTestApp(t *testing.T) *testApp {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Errorf("failed to terminate postgres container: %v", err)
		}
	})

	pgHost, err := pgContainer.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get postgres host: %v", err)
	}
	pgPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("failed to get postgres port: %v", err)
	}

	redisContainer, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := redisContainer.Terminate(context.Background()); err != nil {
			t.Errorf("failed to terminate redis container: %v", err)
		}
	})

	redisHost, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get redis host: %v", err)
	}
	redisPort, err := redisContainer.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("failed to get redis port: %v", err)
	}

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:            "8080",
			Host:            "localhost",
			BaseURL:         "http://localhost:8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Database: config.DatabaseConfig{
			Host:     pgHost,
			Port:     pgPort.Port(),
			User:     "testuser",
			Password: "testpass",
			Name:     "testdb",
			SSLMode:  "disable",
			MaxConns: 10,
			MinConns: 2,
			Migrate:  true,

			QueryTimeout: 2 * time.Second,
		},
		Redis: config.RedisConfig{
			Addr:        redisHost + ":" + redisPort.Port(),
			PoolSize:    20,
			OpTimeout:   time.Second,
			DialTimeout: 5 * time.Second,
		},
		Cache:     config.CacheConfig{MetadataTTL: time.Hour},
		Reconcile: config.ReconcileConfig{Interval: time.Minute, LockTTL: 30 * time.Second},
		Links:     config.LinksConfig{KeyLength: 6, KeyMaxRetries: 5, DefaultExpiryDays: 30},
		Auth:      config.AuthConfig{JWTSecret: jwtSecret},
		App: config.AppConfig{
			Environment:    "test",
			LogLevel:       "error",
			ServiceName:    "shortlink-test",
			ServiceVersion: "test",
		},
	}

	a, err := app.NewWithConfig(ctx, cfg, setupTestLogger())
	if err != nil {
		t.Fatalf("failed to wire application: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown() })

	srv := httptest.NewServer(a.Server.Handler())
	t.Cleanup(srv.Close)

	return &testApp{
		app:    a,
		server: srv,
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (ta *testApp) do(t *testing.T, method, path string, body any, caller string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ta.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != "" {
		req.Header.Set("Authorization", "Bearer "+signToken(t, caller))
	}

	resp, err := ta.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (ta *testApp) createLink(t *testing.T, body map[string]any, caller string) map[string]any {
	t.Helper()

	resp := ta.do(t, http.MethodPost, "/api/links", body, caller)
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("create status = %d, want 201; body: %s", resp.StatusCode, raw)
	}
	return decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

func signToken(t *testing.T, subject string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestHealthCheck_E2E(t *testing.T) {
	ta := setupTestApp(t)

	resp := ta.do(t, http.MethodGet, "/x/health", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}

	body := decode(t, resp)
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got %v", body["status"])
	}
	checks, _ := body["checks"].(map[string]any)
	if checks["postgres"] != "up" || checks["redis"] != "up" {
		t.Errorf("expected both dependencies up, got %v", checks)
	}
}

func TestCreateAndResolve_E2E(t *testing.T) {
	ta := setupTestApp(t)

	t.Run("anonymous link resolves and counts", func(t *testing.T) {
		link := ta.createLink(t, map[string]any{"url": "https://example.com/docs"}, "")

		key, _ := link["short_key"].(string)
		if len(key) != 6 {
			t.Fatalf("expected 6-character key, got %q", key)
		}
		if link["is_private"] != false {
			t.Error("anonymous link must be public")
		}
		if link["expires_at"] == nil {
			t.Error("anonymous link must carry the default expiry")
		}

		for range 3 {
			resp := ta.do(t, http.MethodGet, "/"+key, nil, "")
			if resp.StatusCode != http.StatusFound {
				t.Fatalf("resolve status = %d, want 302", resp.StatusCode)
			}
			if got := resp.Header.Get("Location"); got != "https://example.com/docs" {
				t.Errorf("Location = %q, want original url", got)
			}
		}

		resp := ta.do(t, http.MethodGet, "/api/links/"+key, nil, "")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get status = %d, want 200", resp.StatusCode)
		}
		if got := decode(t, resp)["click_count"]; got != float64(3) {
			t.Errorf("click_count = %v, want 3", got)
		}
	})

	t.Run("unknown and malformed keys are 404", func(t *testing.T) {
		for _, path := range []string{"/zzzzzz", "/bad-key!"} {
			if resp := ta.do(t, http.MethodGet, path, nil, ""); resp.StatusCode != http.StatusNotFound {
				t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
			}
		}
	})

	t.Run("invalid url is rejected", func(t *testing.T) {
		resp := ta.do(t, http.MethodPost, "/api/links", map[string]any{"url": "not-a-url"}, "")
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestClickLimit_E2E(t *testing.T) {
	ta := setupTestApp(t)

	link := ta.createLink(t, map[string]any{
		"url":        "https://example.com/limited",
		"max_clicks": 10,
	}, "owner-1")
	key := link["short_key"].(string)

	var admitted, rejected atomic.Int64
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			req, _ := http.NewRequest(http.MethodGet, ta.server.URL+"/"+key, nil)
			resp, err := ta.client.Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			switch resp.StatusCode {
			case http.StatusFound:
				admitted.Add(1)
			case http.StatusNotFound:
				rejected.Add(1)
			}
		})
	}
	wg.Wait()

	if admitted.Load() != 10 {
		t.Errorf("admitted = %d, want exactly 10", admitted.Load())
	}
	if rejected.Load() != 40 {
		t.Errorf("rejected = %d, want 40", rejected.Load())
	}

	t.Run("raising the limit reopens the link", func(t *testing.T) {
		resp := ta.do(t, http.MethodPatch, "/api/links/"+key, map[string]any{"max_clicks": 11}, "owner-1")
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("update status = %d, want 200", resp.StatusCode)
		}
		if resp := ta.do(t, http.MethodGet, "/"+key, nil, ""); resp.StatusCode != http.StatusFound {
			t.Errorf("resolve after raise = %d, want 302", resp.StatusCode)
		}
		if resp := ta.do(t, http.MethodGet, "/"+key, nil, ""); resp.StatusCode != http.StatusNotFound {
			t.Errorf("resolve past new limit = %d, want 404", resp.StatusCode)
		}
	})
}

func TestPrivateLinks_E2E(t *testing.T) {
	ta := setupTestApp(t)

	link := ta.createLink(t, map[string]any{
		"url":        "https://example.com/secret",
		"is_private": true,
	}, "alice")
	key := link["short_key"].(string)

	if link["expires_at"] != nil {
		t.Errorf("authenticated link without expiry got expires_at %v", link["expires_at"])
	}

	tests := []struct {
		name   string
		caller string
		want   int
	}{
		{"owner resolves", "alice", http.StatusFound},
		{"anonymous is hidden", "", http.StatusNotFound},
		{"stranger is hidden", "bob", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := ta.do(t, http.MethodGet, "/"+key, nil, tt.caller); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	t.Run("only the owner can delete", func(t *testing.T) {
		if resp := ta.do(t, http.MethodDelete, "/api/links/"+key, nil, ""); resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("anonymous delete = %d, want 401", resp.StatusCode)
		}
		if resp := ta.do(t, http.MethodDelete, "/api/links/"+key, nil, "bob"); resp.StatusCode != http.StatusForbidden {
			t.Errorf("stranger delete = %d, want 403", resp.StatusCode)
		}
		if resp := ta.do(t, http.MethodDelete, "/api/links/"+key, nil, "alice"); resp.StatusCode != http.StatusNoContent {
			t.Errorf("owner delete = %d, want 204", resp.StatusCode)
		}
		if resp := ta.do(t, http.MethodGet, "/"+key, nil, "alice"); resp.StatusCode != http.StatusNotFound {
			t.Errorf("resolve after delete = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("forged token is rejected", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodGet, ta.server.URL+"/api/links/"+key, nil)
		req.Header.Set("Authorization", "Bearer not.a.token")
		resp, err := ta.client.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})
}

func TestReconcile_E2E(t *testing.T) {
	ta := setupTestApp(t)
	ctx := context.Background()

	link := ta.createLink(t, map[string]any{"url": "https://example.com/counted"}, "")
	key := link["short_key"].(string)

	for range 4 {
		ta.do(t, http.MethodGet, "/"+key, nil, "")
	}

	queries := db.New(ta.app.DBPool)
	before, err := queries.GetLinkByShortKey(ctx, key)
	if err != nil {
		t.Fatalf("failed to read link: %v", err)
	}
	if before.ClickCount != 0 {
		t.Fatalf("persisted click_count before reconcile = %d, want 0", before.ClickCount)
	}

	resp := ta.do(t, http.MethodPost, "/x/reconcile", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reconcile status = %d, want 200", resp.StatusCode)
	}
	report := decode(t, resp)
	if report["merged"] != float64(1) || report["failed"] != float64(0) {
		t.Errorf("report = %v, want one merged and none failed", report)
	}

	after, err := queries.GetLinkByShortKey(ctx, key)
	if err != nil {
		t.Fatalf("failed to read link: %v", err)
	}
	if after.ClickCount != 4 {
		t.Errorf("persisted click_count = %d, want 4", after.ClickCount)
	}

	t.Run("durable count never goes backwards", func(t *testing.T) {
		if err := ta.app.Store.Delete(ctx, keyspace.Counter(key)); err != nil {
			t.Fatalf("failed to drop counter: %v", err)
		}
		ta.do(t, http.MethodGet, "/"+key, nil, "")

		if resp := ta.do(t, http.MethodPost, "/x/reconcile", nil, ""); resp.StatusCode != http.StatusOK {
			t.Fatalf("reconcile status = %d, want 200", resp.StatusCode)
		}
		got, err := queries.GetLinkByShortKey(ctx, key)
		if err != nil {
			t.Fatalf("failed to read link: %v", err)
		}
		if got.ClickCount != 4 {
			t.Errorf("persisted click_count = %d, want 4", got.ClickCount)
		}
	})
}

func setupTestLogger() *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	})
	return slog.New(handler)
}
