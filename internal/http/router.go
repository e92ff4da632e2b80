package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/davidbmar/nvidia-parakeet/internal/api/ws"
	"github.com/davidbmar/nvidia-parakeet/internal/config"
)

// NewRouter constructs the public HTTP router: health endpoints, a service
// descriptor, the connection status endpoint and the WebSocket upgrade route.
func NewRouter(cfg *config.Configuration, manager *ws.Manager) http.Handler {
	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// Service descriptor
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"service":          cfg.Service.Name,
			"protocol_version": ws.ProtocolVersion,
			"websocket":        "/ws/transcribe",
			"status":           "/ws/status",
		})
	})

	// WebSocket routes
	r.Route("/ws", func(r chi.Router) {
		r.Get("/transcribe", manager.ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, map[string]any{
				"active_connections": manager.ActiveConnections(),
				"clients":            manager.Status(),
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}
