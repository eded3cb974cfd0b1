package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/circuitbreaker"
	"github.com/oriys/quasar/internal/guard"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/ratelimit"
	"github.com/oriys/quasar/internal/replyio"
	"github.com/oriys/quasar/internal/retry"
)

// Handler serves health, stats and administrative routes.
type Handler struct {
	Manager     *guard.Manager[any]
	Service     *replyio.Service
	Breakers    *circuitbreaker.Registry
	Invalidator *cache.Invalidator
}

// RegisterRoutes registers all routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /stats", h.Stats)
	mux.Handle("GET /metrics", metrics.PrometheusHandler())

	mux.HandleFunc("DELETE /limits", h.ClearLimits)
	mux.HandleFunc("PUT /limits/{provider}", h.SetLimit)
	mux.HandleFunc("DELETE /cache", h.InvalidateCache)

	if h.Service != nil {
		mux.HandleFunc("GET /replyio/campaigns/{id}", h.GetCampaign)
		mux.HandleFunc("DELETE /replyio/cache", h.InvalidateCredential)
	}
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	limiter := h.Manager.Limiter().Stats(r.Context())
	if limiter.Degraded {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"limiter_degraded": limiter.Degraded,
		"queue_depth":      h.Manager.Queue().Len(),
		"cache_entries":    h.Manager.Cache().Len(),
	})
}

// Stats handles GET /stats. ?entries=true adds per-entry cache diagnostics.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"guard": h.Manager.Stats(r.Context()),
	}
	if h.Breakers != nil {
		resp["breakers"] = h.Breakers.Snapshot()
	}
	if entries, _ := strconv.ParseBool(r.URL.Query().Get("entries")); entries {
		resp["entries"] = h.Manager.Cache().Inspect()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ClearLimits handles DELETE /limits?provider=&credential=
func (h *Handler) ClearLimits(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	credential := r.URL.Query().Get("credential")
	if provider == "" && credential != "" {
		http.Error(w, "credential requires provider", http.StatusBadRequest)
		return
	}
	if err := h.Manager.Limiter().Clear(r.Context(), provider, credential); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// SetLimit handles PUT /limits/{provider}, replacing the provider's quota.
func (h *Handler) SetLimit(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	var cfg ratelimit.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.Manager.Limiter().SetProviderConfig(provider, cfg)
	logging.Op().Info("provider quota updated", "provider", provider, "max_requests", cfg.MaxRequests, "window", cfg.Window)
	writeJSON(w, http.StatusOK, h.Manager.Limiter().ConfigFor(provider))
}

// InvalidateCache handles DELETE /cache?key= or ?prefix=
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	prefix := r.URL.Query().Get("prefix")
	if key == "" && prefix == "" {
		http.Error(w, "key or prefix is required", http.StatusBadRequest)
		return
	}

	removed := 0
	pattern := key
	if key != "" {
		if h.Manager.Invalidate(key) {
			removed = 1
		}
	} else {
		removed = h.Manager.InvalidatePrefix(prefix)
		pattern = prefix + "*"
	}

	if h.Invalidator != nil {
		if err := h.Invalidator.Publish(r.Context(), pattern); err != nil {
			logging.Op().Warn("cache invalidation not broadcast", "pattern", pattern, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// GetCampaign handles GET /replyio/campaigns/{id}. The caller's Reply.io key
// travels in the X-Api-Key header.
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return
	}
	credential := r.Header.Get("X-Api-Key")
	if credential == "" {
		http.Error(w, "X-Api-Key header is required", http.StatusUnauthorized)
		return
	}

	c, err := h.Service.Campaign(r.Context(), credential, id)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// InvalidateCredential handles DELETE /replyio/cache, dropping everything
// cached for the credential in the X-Api-Key header.
func (h *Handler) InvalidateCredential(w http.ResponseWriter, r *http.Request) {
	credential := r.Header.Get("X-Api-Key")
	if credential == "" {
		http.Error(w, "X-Api-Key header is required", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": h.Service.InvalidateCredential(credential)})
}

func statusFor(err error) int {
	var ce *retry.Error
	switch {
	case errors.As(err, &ce) && ce.Kind == retry.KindNotFound:
		return http.StatusNotFound
	case errors.As(err, &ce) && ce.Kind == retry.KindAuth:
		return http.StatusUnauthorized
	case errors.Is(err, ratelimit.ErrQueueTimeout), errors.Is(err, circuitbreaker.ErrOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
