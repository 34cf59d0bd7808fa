package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// publicPaths are served without an API key.
var publicPaths = map[string]bool{
	"/version": true,
	"/healthz": true,
	"/metrics": true,
}

// SetupRouter sets up HTTP routes
func SetupRouter(handler *Handler, apiKey string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /version", handler.GetVersion)
	mux.HandleFunc("GET /healthz", handler.Health)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /batches", handler.CreateBatch)
	mux.HandleFunc("GET /batches/{id}", handler.GetBatch)
	mux.HandleFunc("GET /submissions", handler.ListSubmissions)
	mux.HandleFunc("POST /query", handler.Query)
	mux.HandleFunc("POST /imports", handler.Import)

	wrapped := AuthMiddleware(apiKey, mux)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			mux.ServeHTTP(w, r)
			return
		}
		wrapped.ServeHTTP(w, r)
	})
}
