// Package http wires the launch engine, trust registry and tool key
// manager into an HTTP surface.
package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/courseloop/courseloop/internal/lti/engine"
	"github.com/courseloop/courseloop/internal/lti/toolkeys"
	"github.com/courseloop/courseloop/internal/lti/trust"
)

// Deps collects everything the router serves.
type Deps struct {
	Engine   *engine.Engine
	Registry trust.Registry
	ToolKeys *toolkeys.Manager

	CORSOrigins []string
}

// NewRouter builds the service router:
//
//	POST|GET /lti/login            login initiation from platforms
//	POST     /lti/launch           id_token callback
//	GET      /.well-known/jwks.json  tool public keys
//	/admin/...                     trust registry CRUD
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Platforms send the initiation via GET redirect or POST form.
	r.Get("/lti/login", loginInitiation(d.Engine))
	r.Post("/lti/login", loginInitiation(d.Engine))
	r.Post("/lti/launch", launchCallback(d.Engine))

	if d.ToolKeys != nil {
		h := &toolkeys.Handler{Manager: d.ToolKeys}
		r.Method(http.MethodGet, "/.well-known/jwks.json", h)
		r.Method(http.MethodHead, "/.well-known/jwks.json", h)
	}

	if d.Registry != nil {
		r.Mount("/admin", AdminRoutes(d.Registry))
	}

	return r
}
