package api

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the engine's debug/query
// API.
//
// Route layout:
//
//	GET /healthz                      – liveness probe (no authentication)
//	GET /metrics                      – Prometheus scrape target (no authentication)
//	GET /api/v1/types                 – list/search types (JWT required)
//	GET /api/v1/types/{id}            – show one type (JWT required)
//	GET /api/v1/dumps                 – list loaded dumps (JWT required)
//	GET /api/v1/dumps/{id}/revmap     – flattened reverse map (JWT required)
//	GET /api/v1/findings              – query page-integrity findings (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting).
//
// metricsHandler, when non-nil, is mounted at /metrics unauthenticated;
// pass nil to omit the route entirely (e.g. when no Metrics instance was
// configured).
func NewRouter(srv *Server, pubKey *rsa.PublicKey, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/types", srv.handleListTypes)
		r.Get("/types/{id}", func(w http.ResponseWriter, req *http.Request) {
			srv.handleShowType(w, req, chi.URLParam(req, "id"))
		})
		r.Get("/dumps", srv.handleListDumps)
		r.Get("/dumps/{id}/revmap", func(w http.ResponseWriter, req *http.Request) {
			srv.handleDumpRevMap(w, req, chi.URLParam(req, "id"))
		})
		r.Get("/findings", srv.handleGetFindings)
	})

	return r
}
