package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/logus2k/agent-gateway/internal/domain"
	"github.com/logus2k/agent-gateway/internal/pool"
)

// HealthStatus reports the pool's current pressure so an operator can
// tell "up" from "up but saturated" without scraping /metrics.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	PoolSize  int       `json:"pool_size"`
	PoolUsage float64   `json:"pool_utilization"`
}

func healthHandler(p *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := HealthStatus{
			Status:    "healthy",
			Timestamp: time.Now().UTC(),
		}
		if p != nil {
			status.PoolSize = p.Size()
			status.PoolUsage = p.Utilization()
			if status.PoolUsage >= 1.0 {
				status.Status = "degraded"
			}
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// presetSummary is the public, safe-to-expose projection of an
// AgentPreset: no system prompt, no sampling overrides.
type presetSummary struct {
	Name         string `json:"name"`
	MemoryPolicy string `json:"memory_policy"`
}

func presetsHandler(presets map[string]*domain.AgentPreset) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make([]presetSummary, 0, len(presets))
		for _, p := range presets {
			out = append(out, presetSummary{Name: p.Name, MemoryPolicy: string(p.MemoryPolicy)})
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
