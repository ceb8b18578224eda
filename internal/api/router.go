// Package api is the thin HTTP/SSE surface: bearer-auth middleware,
// JSON endpoints backed by the SessionManager, and the two SSE
// endpoints (per-request and persistent), wrapped uniformly in the
// {ok,data,error} envelope.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/forwarder"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/logx"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/pool"
	"github.com/gicoi-lab/openclaw-webchat-bridge/internal/session"
)

// Deps wires the API surface to the components it fronts.
type Deps struct {
	Sessions       *session.Manager
	Pool           *pool.Pool
	Forwarder      *forwarder.Forwarder
	StreamingOn    bool
	CORSOrigins    []string
	StartedAt      time.Time
	GatewayWSURL   string
}

// NewRouter builds the bridge's chi.Router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			AllowCredentials: true,
		}))
	}
	r.Use(middleware.RequestID)
	r.Use(requestLogger)

	h := &handlers{deps: d}

	r.Get("/health", h.health)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Post("/api/auth/verify", h.verifyToken)

	r.Group(func(ar chi.Router) {
		ar.Use(BearerAuth)
		ar.Get("/api/sessions", h.listSessions)
		ar.Post("/api/sessions", h.createSession)
		ar.Get("/api/sessions/{key}/messages", h.listMessages)
		ar.Post("/api/sessions/{key}/messages", h.sendMessage)
		ar.Post("/api/sessions/{key}/messages/stream", h.streamMessage)
		ar.Patch("/api/sessions/{key}", h.patchSession)
		ar.Delete("/api/sessions/{key}", h.deleteSession)
		ar.Get("/api/events", h.events)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		logx.Log.Info().Str("component", "api").Str("method", r.Method).Str("path", r.URL.Path).Msg("http")
	})
}
