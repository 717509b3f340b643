// Package web serves the sign-in, session and profile HTTP API.
package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/btouchard/larder/internal/auth"
	"github.com/btouchard/larder/internal/config"
	"github.com/btouchard/larder/internal/notify"
	"github.com/btouchard/larder/internal/profile"
	"github.com/btouchard/larder/internal/web/middleware"
)

// Deps holds what the handlers need.
type Deps struct {
	Auth     *auth.Service
	Profiles *profile.Service
	Notifier notify.Notifier

	// SurfaceID names the header surface rendered by /api/session.
	SurfaceID   string
	InitTimeout time.Duration
	RateLimit   config.RateLimitConfig

	// MCP is mounted at /mcp behind bearer auth when set.
	MCP     http.Handler
	Version string
}

// NewRouter builds the HTTP routes.
func NewRouter(d Deps) http.Handler {
	h := &handlers{deps: d}
	if h.deps.InitTimeout <= 0 {
		h.deps.InitTimeout = 10 * time.Second
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(requestLogger)

	r.Get("/health", h.health)

	// Sign-in endpoints get their own, smaller per-IP budget.
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(authLimits(d.RateLimit)))
		r.Post("/auth/otp", h.requestOTP)
		r.Post("/auth/verify", h.verify)
		r.Get("/auth/verify", h.verify)
		r.Post("/auth/refresh", h.refresh)
		r.Post("/auth/signout", h.signOut)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(d.RateLimit))
		r.Get("/api/session", h.session)

		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerAuth(d.Auth))
			r.Get("/api/profile", h.getProfile)
			r.Put("/api/profile", h.putProfile)
			if d.MCP != nil {
				r.Handle("/mcp", d.MCP)
			}
		})
	})

	return r
}

// authLimits is a tenth of the general budget, never below one request per
// minute.
func authLimits(cfg config.RateLimitConfig) config.RateLimitConfig {
	if cfg.RequestsPerMinute <= 0 {
		return cfg
	}
	return config.RateLimitConfig{
		RequestsPerMinute: max(cfg.RequestsPerMinute/10, 1),
		Burst:             max(cfg.Burst/5, 1),
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logger(r).Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}
