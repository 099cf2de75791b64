package api

import (
	"net/http"

	"bartleby/internal/auth"
	"bartleby/internal/service"
	"bartleby/internal/ws"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type Dependencies struct {
	Submissions *service.SubmissionService
	Forms       *service.FormService
	Hub         *ws.Hub
	JWT         *auth.JWTConfig
	Log         *zap.Logger
}

func Routes(d Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestLogger(d.Log))
	// anonymous requests pass; admin routes check the role below
	r.Use(d.JWT.Middleware)

	// Public form endpoints
	r.Get("/forms/{key}", d.getForm)
	r.Post("/forms/{key}/submissions", d.submitForm)

	// Administration
	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireAdmin)
		r.Put("/forms", d.saveForm)
		r.Get("/forms/{key}/results", d.formResults)
		r.Put("/users", d.saveUser)
		r.Put("/groups", d.saveGroup)
		r.Post("/import", d.importBundle)
	})

	// WebSocket endpoint
	r.With(auth.RequireAdmin).Get("/ws", d.wsHandler)

	return r
}
