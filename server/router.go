package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes constructs the HTTP router with the authnz endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(middleware.StripSlashes)
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/", a.handleLanding)
	r.Get("/healthz", a.handleHealth)

	r.Route("/authnz", func(r chi.Router) {
		r.Get("/", a.handleIndex)
		r.Get("/login", a.handleLogin)
		r.Post("/login", a.handleLogin)
		r.Post("/logout", a.handleLogout)

		r.Get("/{provider}/login", a.handleLogin)
		r.Post("/{provider}/login", a.handleLogin)
		r.Get("/{provider}/callback", a.handleCallback)
		r.Post("/{provider}/disconnect", a.handleDisconnect)
		r.Delete("/{provider}/disconnect", a.handleDisconnect)
	})

	return r
}
