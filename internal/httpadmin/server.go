// Package httpadmin implements the HTTP admin surface: the
// operator/OSS-facing REST API for inspecting and forcing changes to
// registration state, sitting entirely outside the SIP signalling path.
// It is chi-routed (chi.NewRouter, r.Route, r.Use) and authenticated with
// an OIDC bearer token, with a static-token dev-mode fallback for
// deployments with no OIDC provider configured.
package httpadmin

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sipmesh/scscf/internal/audit"
	"github.com/sipmesh/scscf/internal/auth"
	"github.com/sipmesh/scscf/internal/config"
	"github.com/sipmesh/scscf/pkg/aor"
	"github.com/sipmesh/scscf/pkg/registrar"
)

// Server is the admin HTTP surface.
type Server struct {
	Router    *chi.Mux
	logger    *slog.Logger
	startedAt time.Time
}

// NewServer builds the admin HTTP surface and mounts every operator route.
// oidcAuth may be nil when OIDC is not configured, leaving the static
// admin token as the only auth path.
func NewServer(cfg *config.Config, logger *slog.Logger, metricsReg *prometheus.Registry, oidcAuth *auth.OIDCAuthenticator, aorStore *aor.Store, reg *registrar.Registrar, auditWriter *audit.Writer) *Server {
	s := &Server{Router: chi.NewRouter(), logger: logger, startedAt: time.Now()}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/healthz", s.handleHealthz)
	s.Router.Handle(cfg.MetricsPath, promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	h := &handlers{store: aorStore, registrar: reg, audit: auditWriter, logger: logger}

	s.Router.Route("/", func(r chi.Router) {
		r.Use(auth.Middleware(oidcAuth, cfg.AdminStaticToken, logger))

		r.Route("/registrations/{impu}", func(r chi.Router) {
			r.Put("/", h.putRegistration)
			r.Delete("/", h.deleteRegistration)
		})

		r.Route("/impu/{impu}", func(r chi.Router) {
			r.Delete("/", h.deleteImpu)
			r.Get("/bindings", h.getBindings)
			r.Get("/subscriptions", h.getSubscriptions)
		})
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, map[string]string{"status": "ok", "uptime": time.Since(s.startedAt).Truncate(time.Second).String()})
}
