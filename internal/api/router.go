package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires all HTTP routes for the engine.
func NewRouter(app *App) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/ping", app.PingHandler)

	r.Route("/api", func(r chi.Router) {
		r.Post("/videos", app.SubmitVideoHandler)
		r.Get("/videos", app.ListVideosHandler)
		r.Get("/videos/{videoID}", app.VideoStatusHandler)
		r.Delete("/videos/{videoID}", app.CancelVideoHandler)
		r.Get("/videos/{videoID}/events", app.VideoEventsHandler)
		r.Get("/videos/{videoID}/ws", app.VideoSocketHandler)
		r.Get("/products", app.ProductSearchHandler)
	})

	return r
}
