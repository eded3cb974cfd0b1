package guard

import (
	"context"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
)

// WarmEntry is one value to preload.
type WarmEntry[V any] struct {
	Key      string
	Identity domain.Identity
	Fetch    FetchFunc[V]
	TTL      time.Duration
}

// WarmResult counts the outcome of a WarmCache batch.
type WarmResult struct {
	Warmed int `json:"warmed"`
	Failed int `json:"failed"`
}

// WarmCache loads each entry through Get at low priority. A failing entry is
// logged and counted; the rest of the batch still runs.
func (m *Manager[V]) WarmCache(ctx context.Context, entries []WarmEntry[V]) WarmResult {
	var res WarmResult
	for _, e := range entries {
		if ctx.Err() != nil {
			res.Failed += len(entries) - res.Warmed - res.Failed
			break
		}
		if _, err := m.Get(ctx, e.Key, e.Identity, e.Fetch, e.TTL, domain.PriorityLow); err != nil {
			res.Failed++
			logging.Op().Warn("cache warm failed", "key", e.Key, "provider", e.Identity.Provider, "error", err)
			continue
		}
		res.Warmed++
	}
	logging.Op().Info("cache warmed", "warmed", res.Warmed, "failed", res.Failed)
	return res
}
