/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, the middleware stack and the route table.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:    unique id per request, echoed in logs
  2. RequestLog:   zap access log + Prometheus request metrics
  3. Recoverer:    panic recovery (500 instead of crash)
  4. CORS:         cross-origin requests for the dashboard frontend
  5. Authenticate: bearer token claims (anonymous when absent)

ROUTE GROUPS:
  /healthz, /metrics    operations, no auth
  /api/auth/token       DEV_TOKENS only, role=user tokens
  /api/scenarios/*      DEV_TOKENS only, demo data
  /api/users (POST)     registration, anonymous allowed
  /api/*                authenticated user routes
  /api/admin/*          role=admin only, includes order confirmation
                        and direct purchases

SEE ALSO:
  - handlers.go: handler implementations
  - auth.go: token middleware
  - cmd/server/main.go: server startup
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/warp/affiliate-ledger/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLog(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(h.auth.Authenticate)

		r.Post("/auth/token", h.IssueToken)
		r.Post("/users", h.Register)

		// Development only
		r.Get("/scenarios", h.ListScenarios)
		r.Post("/scenarios/load", h.LoadScenario)

		// User routes
		r.Group(func(r chi.Router) {
			r.Use(RequireUser)

			r.Route("/users/{id}", func(r chi.Router) {
				r.Get("/", h.GetUser)
				r.Post("/referrer", h.SetReferrer)
				r.Get("/ancestors", h.Ancestors)
				r.Get("/dashboard", h.Dashboard)
				r.Get("/balance", h.GetBalance)
				r.Get("/earnings", h.ListEarnings)
				r.Get("/withdrawals", h.ListWithdrawals)
				r.Get("/orders", h.ListOrders)
			})

			r.Route("/orders", func(r chi.Router) {
				r.Post("/", h.CreateOrder)
				r.Get("/{id}", h.GetOrder)
			})

			r.Post("/purchases/preview", h.PreviewPurchase)

			r.Route("/withdrawals", func(r chi.Router) {
				r.Post("/", h.RequestWithdrawal)
				r.Post("/{id}/cancel", h.CancelWithdrawal)
			})
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)

			r.Get("/stats", h.AdminStats)
			r.Get("/orders", h.AdminOrders)
			r.Post("/orders/{id}/confirm", h.ConfirmOrder)
			r.Post("/orders/{id}/fail", h.FailOrder)
			r.Post("/purchases", h.CreatePurchase)
			r.Get("/users", h.AdminUsers)
			r.Post("/users/{id}/active", h.SetActive)
			r.Post("/users/{id}/recompute", h.RecomputeTotals)
			r.Get("/earnings", h.AdminEarnings)
			r.Post("/earnings/pay", h.MarkPaid)
			r.Get("/withdrawals", h.AdminWithdrawals)
			r.Post("/withdrawals/{id}/approve", h.ApproveWithdrawal)
			r.Post("/withdrawals/{id}/reject", h.RejectWithdrawal)
		})
	})

	return r
}

// requestLog writes one zap line per request and feeds the HTTP metrics,
// labelled by route pattern so ids do not explode cardinality.
func requestLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			metrics.HTTPResponseTime.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())

			log.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", elapsed))
		})
	}
}
