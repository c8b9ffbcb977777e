package recorder

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// RegisterHandlers mounts the recording control endpoints on mux
func (r *Recorder) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/recording/start", r.handleStart)
	mux.HandleFunc("/api/recording/stop", r.handleStop)
	mux.HandleFunc("/api/recording/status", r.handleStatus)
}

func (r *Recorder) handleStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename, err := r.Start()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(time.Now().Unix()),
	})
}

func (r *Recorder) handleStop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename, err := r.Stop()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       filename,
		"stats":      r.Status(),
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (r *Recorder) handleStatus(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, r.Status())
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
