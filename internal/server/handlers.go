package server

import (
	"context"
	"encoding/json"
	"net/http"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if a.Probe != nil && !a.Probe.Live() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "dead"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ready := true
	checks := make(map[string]any)

	if a.Probe != nil {
		if a.Probe.Ready() {
			checks["reconciler"] = map[string]string{"status": "running"}
		} else {
			ready = false
			checks["reconciler"] = map[string]string{"status": "not_running"}
		}
	}

	if a.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := a.DB.Ping(ctx)
		cancel()
		if err != nil {
			ready = false
			checks["database"] = map[string]string{"status": "unhealthy", "error": err.Error()}
		} else {
			checks["database"] = map[string]string{"status": "healthy"}
		}
	}

	if ready {
		checks["status"] = "ready"
		writeJSON(w, http.StatusOK, checks)
		return
	}
	checks["status"] = "not_ready"
	writeJSON(w, http.StatusServiceUnavailable, checks)
}
