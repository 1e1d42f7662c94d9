package cache

import (
	"encoding/json"
	"net/http"
)

// Handler exposes cache accounting over the admin API.
type Handler struct {
	cache   Cache
	backend string
}

// NewHandler creates a stats handler. backend names the implementation in
// the response ("memory" or "redis").
func NewHandler(c Cache, backend string) *Handler {
	return &Handler{cache: c, backend: backend}
}

type statsResponse struct {
	Backend  string  `json:"backend"`
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRatio float64 `json:"hit_ratio"`
}

// HandleStats handles GET /api/cache/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	s := h.cache.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statsResponse{
		Backend:  h.backend,
		Hits:     s.Hits,
		Misses:   s.Misses,
		HitRatio: s.HitRatio(),
	})
}
