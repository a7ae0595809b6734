package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/marcus/tdsync/internal/ratelimit"
	"github.com/marcus/tdsync/internal/serverdb"
	"github.com/marcus/tdsync/internal/wire"
	_ "modernc.org/sqlite"
)

func TestLimiterAllowDeny(t *testing.T) {
	l := ratelimit.New(5, time.Minute)

	for i := 0; i < 5; i++ {
		if !l.Allow("k1") {
			t.Fatalf("expected allow on request %d", i+1)
		}
	}
	if l.Allow("k1") {
		t.Fatal("expected deny after limit reached")
	}
}

func TestLimiterKeyIsolation(t *testing.T) {
	l := ratelimit.New(2, time.Minute)

	for i := 0; i < 2; i++ {
		l.Allow("key1")
	}
	if l.Allow("key1") {
		t.Fatal("expected key1 denied")
	}
	if !l.Allow("key2") {
		t.Fatal("expected key2 allowed")
	}
}

func TestLimiterReset(t *testing.T) {
	l := ratelimit.New(3, time.Minute)

	for i := 0; i < 3; i++ {
		l.Allow("k1")
	}
	if l.Allow("k1") {
		t.Fatal("expected deny after limit")
	}

	l.Reset()
	if !l.Allow("k1") {
		t.Fatal("expected allow after reset")
	}
}

func TestRegistryRouteIsolation(t *testing.T) {
	reg := ratelimit.NewRegistry()
	reg.Register(RoutePush, 2, time.Minute)
	reg.Register(RoutePull, 2, time.Minute)

	// Exhaust push for this key; pull (same numeric limit, same key) must
	// still have its own counter — route isolation is the whole point of
	// per-route Limiter instances.
	reg.Allow(RoutePush, "same-key")
	reg.Allow(RoutePush, "same-key")
	if reg.Allow(RoutePush, "same-key") {
		t.Fatal("expected push denied after its own limit")
	}
	if !reg.Allow(RoutePull, "same-key") {
		t.Fatal("expected pull unaffected by push's counter")
	}
}

func testStore(t *testing.T) *serverdb.ServerDB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := serverdb.Open(dbPath)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAuthRateLimitMiddleware(t *testing.T) {
	const limit = 3
	reg := ratelimit.NewRegistry()
	reg.Register(RouteAuth, limit, time.Minute)
	store := testStore(t)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := authRateLimitMiddleware(reg, store)(inner)

	for i := 0; i < limit; i++ {
		req := httptest.NewRequest("POST", "/v1/auth/login/start", nil)
		req.RemoteAddr = "1.2.3.4:1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	req := httptest.NewRequest("POST", "/v1/auth/login/start", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/healthz", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", w.Code)
	}
}

func TestAuthRateLimitDifferentIPs(t *testing.T) {
	const limit = 3
	reg := ratelimit.NewRegistry()
	reg.Register(RouteAuth, limit, time.Minute)
	store := testStore(t)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := authRateLimitMiddleware(reg, store)(inner)

	for i := 0; i < limit; i++ {
		req := httptest.NewRequest("POST", "/v1/auth/login/start", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
	}

	req := httptest.NewRequest("POST", "/v1/auth/login/start", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("different IP: expected 200, got %d", w.Code)
	}
}

func TestWithRateLimitIntegration(t *testing.T) {
	const pushLimit = 3
	srv, store := newTestServerWithConfig(t, func(cfg *Config) {
		cfg.RateLimitPush = pushLimit
		cfg.RateLimitOther = 100000
	})
	_, token := createTestUser(t, store, "ratelimit@test.com")
	projectID := createTestProject(t, srv, token, "rl-test")

	for i := 0; i < pushLimit; i++ {
		push := wire.PushRequest{
			ClientID:       "dev1",
			ClientCommitID: fmt.Sprintf("c%d", i+1),
			Operations:     []wire.Op{upsertOp(fmt.Sprintf("t_%03d", i+1), `{"title":"test"}`, nil)},
		}
		w := doRequest(srv, "POST", fmt.Sprintf("/v1/projects/%s/sync/push", projectID), token, push)
		if w.Code != http.StatusOK {
			t.Fatalf("push %d: expected 200, got %d: %s", i+1, w.Code, w.Body.String())
		}
	}

	push := wire.PushRequest{
		ClientID:       "dev1",
		ClientCommitID: "overflow",
		Operations:     []wire.Op{upsertOp("t_overflow", `{"title":"over"}`, nil)},
	}
	w := doRequest(srv, "POST", fmt.Sprintf("/v1/projects/%s/sync/push", projectID), token, push)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", w.Code, w.Body.String())
	}
}
