package api

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/marcus/tdsync/internal/ratelimit"
	"github.com/marcus/tdsync/internal/serverdb"
)

// Route names double as rate-limiter keys. Each gets its own isolated
// Limiter (own bucket map) from the registry, so two routes configured with
// the same numeric limit never share a counter.
const (
	RouteAuth  = "auth"
	RoutePush  = "push"
	RoutePull  = "pull"
	RouteOther = "other"
)

// newLimiterRegistry builds one isolated fixed-window limiter per route,
// sized from cfg.
func newLimiterRegistry(cfg Config) *ratelimit.Registry {
	reg := ratelimit.NewRegistry()
	reg.Register(RouteAuth, cfg.RateLimitAuth, time.Minute)
	reg.Register(RoutePush, cfg.RateLimitPush, time.Minute)
	reg.Register(RoutePull, cfg.RateLimitPull, time.Minute)
	reg.Register(RouteOther, cfg.RateLimitOther, time.Minute)
	return reg
}

// authRateLimitMiddleware rate-limits auth endpoints by IP address.
// Applied globally; only acts on /auth/ and /v1/auth/ paths.
func authRateLimitMiddleware(reg *ratelimit.Registry, store *serverdb.ServerDB) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if strings.HasPrefix(path, "/auth/") || strings.HasPrefix(path, "/v1/auth/") {
				host, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					host = r.RemoteAddr
				}
				key := "ip:" + host
				if !reg.Allow(RouteAuth, key) {
					if err := store.InsertRateLimitEvent("", host, RouteAuth); err != nil {
						slog.Error("log rate limit event", "err", err)
					}
					writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// withRateLimit wraps an authenticated handler with per-route, per-key rate
// limiting. The key is derived from the AuthUser's KeyID in the request
// context.
func (s *Server) withRateLimit(handler http.HandlerFunc, route string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user := getUserFromContext(r.Context())
		if user == nil {
			handler(w, r)
			return
		}
		if !s.limiters.Allow(route, user.KeyID) {
			ip := clientIP(r)
			if err := s.store.InsertRateLimitEvent(user.KeyID, ip, route); err != nil {
				slog.Error("log rate limit event", "err", err)
			}
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		handler(w, r)
	}
}

// clientIP extracts the client IP from the request, checking X-Forwarded-For first.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
