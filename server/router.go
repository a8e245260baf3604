package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the OAuth and MCP endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(CORSMiddleware(a.Config.Server.CORSOrigins))

	r.Get("/.well-known/oauth-authorization-server", a.handleDiscovery)
	r.Get("/authorize", a.handleAuthorize)
	r.Post("/token", a.handleToken)
	r.Post("/register", a.handleRegister)

	r.Group(func(r chi.Router) {
		if a.Config.OAuth.Enabled {
			r.Use(BearerAuthMiddleware(a.Store))
		}
		switch a.Config.Transport.Mode {
		case TransportHTTP:
			r.Post("/mcp", a.handleRPCDirect)
		default:
			r.Get("/sse", a.handleSSE)
			r.Post("/messages", a.handleMessages)
		}
	})

	return r
}
