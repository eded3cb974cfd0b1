package api

import (
	"net/http"

	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/guard"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/replyio"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Manager     *guard.Manager[any]
	Service     *replyio.Service         // Optional: enables /replyio routes
	Breakers    *circuitbreaker.Registry // Optional
	Invalidator *cache.Invalidator       // Optional: broadcasts cache deletions
}

// NewHandler builds the routed, traced handler.
func NewHandler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()
	h := &Handler{
		Manager:     cfg.Manager,
		Service:     cfg.Service,
		Breakers:    cfg.Breakers,
		Invalidator: cfg.Invalidator,
	}
	h.RegisterRoutes(mux)
	return observability.HTTPMiddleware(mux)
}

// StartHTTPServer creates and starts the stats HTTP server.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: NewHandler(cfg),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	return server
}
