package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1363V4/datastar-job/internal/auth"
)

type RouterOptions struct {
	StaticDir string
	IndexFile string
	Gatherer  prometheus.Gatherer
	Limiter   *ChatLimiter
}

func NewRouter(apiHandler *APIHandler, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Get("/healthz", apiHandler.HealthHandler)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// Page routes share the chat cookie
	r.Group(func(r chi.Router) {
		r.Use(auth.ChatIDMiddleware)

		if opts.IndexFile != "" {
			r.Get("/", func(w http.ResponseWriter, req *http.Request) {
				http.ServeFile(w, req, opts.IndexFile)
			})
		}
		if opts.StaticDir != "" {
			r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(opts.StaticDir))))
		}

		r.Get("/load", apiHandler.LoadHandler)
		r.With(opts.Limiter.Middleware).Post("/message", apiHandler.MessageHandler)
	})

	return r
}
