/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address for rate-limit keys
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontends
  6. RateLimit:  Mutating routes only, keyed by member or client address

ROUTE GROUPS:
  /api/members/*   Balances, log, earning, allocation, conversion
  /api/timebank/*  Escrowed service exchanges
  /api/events/*    Issuance events and purchases
  /api/admin/*     Audit, repair and maintenance triggers
  /metrics         Prometheus exposition (when a collector is configured)
  /healthz         Liveness plus a store ping

SECURITY NOTE:
  No authentication middleware. Callers are trusted services that pass the
  acting member explicitly.
*/
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/warp/points-ledger/ratelimit"
)

// RouterOptions carries the optional collaborators of the router.
type RouterOptions struct {
	AllowedOrigins []string
	Limiter        ratelimit.Limiter // nil disables rate limiting
	Metrics        MetricsExporter   // nil disables /metrics
	Health         Pinger            // nil reports healthy without a check
}

// Pinger is implemented by *sqlite.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MetricsExporter is implemented by *metrics.Collector.
type MetricsExporter interface {
	Handler() http.Handler
	RateLimited(route string)
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
	}))

	limit := rateLimit(opts.Limiter, opts.Metrics, h.Log)

	r.Route("/api", func(r chi.Router) {
		r.Route("/members/{id}", func(r chi.Router) {
			r.With(limit).Post("/earn", h.Earn)
			r.Get("/balances", h.ListBalances)
			r.Get("/balances/{currency}", h.GetBalance)
			r.Get("/transactions", h.ListTransactions)
			r.With(limit).Post("/allocations", h.Allocate)
			r.Get("/allocations", h.ListAllocations)
			r.With(limit).Post("/reclaim", h.Reclaim)
			r.With(limit).Post("/conversions", h.Convert)
			r.Get("/timebank", h.ListMemberTimebank)
		})

		r.Route("/timebank", func(r chi.Router) {
			r.With(limit).Post("/", h.RequestService)
			r.Get("/{id}", h.GetTimebank)
			r.With(limit).Post("/{id}/confirm", h.ConfirmService)
		})

		r.Route("/events", func(r chi.Router) {
			r.Get("/", h.ListEvents)
			r.Post("/", h.CreateEvent)
			r.Get("/{id}", h.GetEvent)
			r.Post("/{id}/status", h.SetEventStatus)
			r.With(limit).Post("/{id}/purchases", h.Purchase)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/audit/{id}/{currency}", h.AuditBalance)
			r.Post("/repair/{id}/{currency}", h.RepairBalance)
			r.Post("/allocations/expire", h.ExpireAllocations)
			r.Post("/targets/{type}/{id}/reclaim", h.ReclaimTarget)
			r.Get("/timebank/stale", h.StaleTimebank)
		})
	})

	r.Get("/healthz", healthz(opts.Health, h.Log))
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	return r
}

// rateLimit keys requests by the member in the path when there is one and
// by client address otherwise. Limiter failures let the request through.
func rateLimit(l ratelimit.Limiter, m MetricsExporter, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := chi.RouteContext(r.Context()).RoutePattern()
			key := route + "|addr:" + clientHost(r.RemoteAddr)
			if strings.HasPrefix(route, "/api/members/") {
				key = route + "|member:" + chi.URLParam(r, "id")
			}

			d, err := l.Allow(r.Context(), key)
			if err != nil {
				log.WithError(err).WithField("route", route).Warn("rate limiter unavailable, admitting request")
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				if m != nil {
					m.RateLimited(route)
				}
				secs := int((d.RetryAfter + time.Second - 1) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, http.StatusTooManyRequests, ErrorDTO{Error: "rate limit exceeded", Code: "rate_limited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func healthz(p Pinger, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				log.WithError(err).Warn("health check failed")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func clientHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
