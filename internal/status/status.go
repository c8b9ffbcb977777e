// Package status serves the /api/status and /health endpoints.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/udp-video/internal/logger"
)

// Provider returns one section of the status document. Values must be
// JSON scalars, slices or nested map[string]any.
type Provider func() map[string]any

// Reporter collects status sections from the running components
type Reporter struct {
	role    string
	started time.Time

	mu       sync.RWMutex
	sections map[string]Provider
}

// NewReporter creates a reporter for role ("sender" or "receiver")
func NewReporter(role string) *Reporter {
	return &Reporter{
		role:     role,
		started:  time.Now(),
		sections: make(map[string]Provider),
	}
}

// Add registers a named section, replacing any previous one
func (r *Reporter) Add(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sections[name] = p
}

// Snapshot builds the full status document
func (r *Reporter) Snapshot() map[string]any {
	r.mu.RLock()
	names := make([]string, 0, len(r.sections))
	for name := range r.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	providers := make([]Provider, len(names))
	for i, name := range names {
		providers[i] = r.sections[name]
	}
	r.mu.RUnlock()

	doc := map[string]any{
		"role":           r.role,
		"uptime_seconds": time.Since(r.started).Seconds(),
		"timestamp":      float64(time.Now().Unix()),
	}
	for i, name := range names {
		doc[name] = providers[i]()
	}
	return doc
}

// RegisterHandlers mounts /api/status and /health on mux
func (r *Reporter) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", r.handleStatus)
	mux.HandleFunc("/health", r.handleHealth)
}

func (r *Reporter) handleStatus(w http.ResponseWriter, req *http.Request) {
	doc := r.Snapshot()
	if wantsProtobuf(req.Header.Get("Accept")) {
		data, err := encodeProto(doc)
		if err != nil {
			logger.Error("Status", "Protobuf marshal error: %v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/protobuf")
		_, _ = w.Write(data)
		return
	}
	writeJSON(w, doc)
}

func (r *Reporter) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"role":   r.role,
	})
}

func wantsProtobuf(accept string) bool {
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func encodeProto(doc map[string]any) ([]byte, error) {
	st, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, fmt.Errorf("build status struct: %w", err)
	}
	return proto.Marshal(st)
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}

// Serve runs an HTTP server for h on addr until ctx is cancelled
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		// Streaming handlers end with the request context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	defer stop()

	logger.Info("HTTP", "Listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server %s: %w", addr, err)
	}
	return nil
}
