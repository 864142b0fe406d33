package gateway

import (
	"encoding/json"
	"net/http"
	"time"
)

type HealthReport struct {
	Status         string         `json:"status"`
	ActiveSessions int            `json:"active_sessions"`
	Transports     map[string]int `json:"transports"`
	Strategy       string         `json:"strategy"`
	UptimeSeconds  int64          `json:"uptime_seconds"`
}

// Health summarizes the gateway. Status is "draining" once shutdown began.
func (e *Engine) Health() HealthReport {
	r := HealthReport{
		Status:     "ok",
		Transports: make(map[string]int, len(e.transports)),
		Strategy:   e.cfg.Load().Recognition.Strategy,
	}
	if e.draining.Load() {
		r.Status = "draining"
	}
	for _, t := range e.transports {
		n := t.ActiveSessions()
		r.Transports[t.Name()] = n
		r.ActiveSessions += n
	}
	if !e.started.IsZero() {
		r.UptimeSeconds = int64(time.Since(e.started) / time.Second)
	}
	return r
}

func (e *Engine) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	report := e.Health()
	w.Header().Set("Content-Type", "application/json")
	if report.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}
