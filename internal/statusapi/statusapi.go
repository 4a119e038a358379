// Package statusapi provides the optional informational HTTP surface (spec
// §1 "the HTTP/JSON surface" is an external collaborator out of core
// scope; this is the thin operability slice configured by http_bind that
// the core server itself owns): GET /healthz and GET /stats.
//
// Adapted from the teacher's cmd/node health/info endpoints
// (mux.HandleFunc("/health", ...), handleNodeInfo) — same plain
// net/http.ServeMux texture, reporting Blob Store / Turn Store counters
// instead of shard/node counts. Every response carries an X-Request-Id
// header from google/uuid for request correlation, adapted from the
// teacher's cluster.NodeInfo JSON-over-HTTP responses.
//
// This surface never touches the binary protocol's storage operations
// beyond read-only Stats() calls; it is deliberately unauthenticated (spec
// §1 Non-goals: "access-control on the binary surface" — doubly so here).
package statusapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/cxdb/internal/blobstore"
	"github.com/dreamware/cxdb/internal/turnstore"
)

// Handler serves /healthz and /stats.
type Handler struct {
	blobs     *blobstore.Store
	turns     *turnstore.Store
	startedAt time.Time
}

// NewHandler constructs the status HTTP handler.
func NewHandler(blobs *blobstore.Store, turns *turnstore.Store) *Handler {
	return &Handler{blobs: blobs, turns: turns, startedAt: time.Now()}
}

// Mux builds a ServeMux wired with this handler's routes.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/stats", h.handleStats)
	return mux
}

func (h *Handler) withRequestID(w http.ResponseWriter) {
	w.Header().Set("X-Request-Id", uuid.NewString())
	w.Header().Set("Content-Type", "application/json")
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	h.withRequestID(w)
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"uptime_sec": int(time.Since(h.startedAt).Seconds()),
	})
}

// statsResponse is the JSON body of GET /stats.
type statsResponse struct {
	BlobCount    int   `json:"blob_count"`
	PackBytes    int64 `json:"pack_bytes"`
	TurnCount    int   `json:"turn_count"`
	ContextCount int   `json:"context_count"`
}

func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	h.withRequestID(w)
	blobStats := h.blobs.Stats()
	turnStats := h.turns.Stats()
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(statsResponse{
		BlobCount:    blobStats.BlobCount,
		PackBytes:    blobStats.PackBytes,
		TurnCount:    turnStats.TurnCount,
		ContextCount: turnStats.ContextCount,
	})
}
