/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Respect X-Forwarded-For behind the proxy
  3. requestLog: Structured request logging (zap)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the admin frontend

ROUTE GROUPS:
  /post/allocate        Allocation webhook (POST body or GET params)
  /availability/*       Read-only availability views
  /allocations/*        Stored allocation records
  /closures/*           Office closure CRUD
  /capacity_overrides/* Capacity override CRUD
  /health               Liveness + store ping

SECURITY NOTE:
  No authentication middleware; the service runs behind a gateway that
  terminates auth.

SEE ALSO:
  - handlers.go, admin.go: handler implementations
  - cmd/server/main.go: server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLog(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// The CRM's workflow webhook POSTs here; the GET variant exists for
	// manual reruns.
	r.Route("/post/allocate", func(r chi.Router) {
		r.Post("/", h.Allocate)
		r.Get("/", h.AllocateQuery)
	})

	r.Route("/availability", func(r chi.Router) {
		r.Get("/earliest", h.Earliest)
		r.Get("/schedule", h.Schedule)
	})

	r.Get("/allocations/{dealID}", h.GetAllocation)

	r.Route("/closures", func(r chi.Router) {
		r.Get("/", h.ListClosures)
		r.Post("/", h.CreateClosure)
		r.Put("/{id}", h.UpdateClosure)
		r.Delete("/{id}", h.DeleteClosure)
	})
	r.Route("/capacity_overrides", func(r chi.Router) {
		r.Get("/", h.ListOverrides)
		r.Post("/", h.CreateOverride)
		r.Put("/{id}", h.UpdateOverride)
		r.Delete("/{id}", h.DeleteOverride)
	})

	r.Get("/health", h.Health)

	return r
}

// requestLog emits one structured line per request.
func requestLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote", r.RemoteAddr))
		})
	}
}
