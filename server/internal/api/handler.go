package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tunnelvision/tunnelvision/pkg/wire"
	"github.com/tunnelvision/tunnelvision/server/internal/registry"
	"github.com/tunnelvision/tunnelvision/server/internal/store"
)

// Greeting is the body of GET /api/hello.
const Greeting = "Hello, Client!"

// Handler serves /api/*.
type Handler struct {
	store   *store.Store
	viewers *registry.Registry
	hosts   *registry.Registry
	version string
	started time.Time
}

// New creates the API router over st and the two session registries.
func New(st *store.Store, viewers, hosts *registry.Registry, version string) http.Handler {
	h := &Handler{
		store:   st,
		viewers: viewers,
		hosts:   hosts,
		version: version,
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})

	r.Get("/api/hello", h.hello)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/channels", h.listChannels)
		r.Get("/channels/*", h.getChannel)
		r.Get("/snapshot", h.snapshot)
	})
	return r
}

// --- route handlers ---------------------------------------------------------

func (h *Handler) hello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(Greeting)) //nolint:errcheck
}

// health returns GET /api/v1/health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	jsonResp(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		ChannelCount:  h.store.Count(),
		ViewerCount:   h.viewers.Count(),
		HostCount:     h.hosts.Count(),
		UptimeSeconds: time.Since(h.started).Seconds(),
		Version:       h.version,
	})
}

// listChannels returns GET /api/v1/channels, ordered by key.
func (h *Handler) listChannels(w http.ResponseWriter, r *http.Request) {
	chans := h.store.Snapshot()
	out := make([]ChannelSummary, 0, len(chans))
	for _, c := range chans {
		out = append(out, ChannelSummary{
			Channel:      c.Key,
			Sequence:     c.Sequence,
			PayloadBytes: len(c.Payload),
			UpdatedAt:    c.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	jsonResp(w, http.StatusOK, out)
}

// getChannel returns GET /api/v1/channels/{key}. Keys may contain slashes.
func (h *Handler) getChannel(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if key == "" {
		h.listChannels(w, r)
		return
	}
	c, ok := h.store.Get(key)
	if !ok {
		jsonErr(w, http.StatusNotFound, "channel not found")
		return
	}
	jsonResp(w, http.StatusOK, ChannelResponse{
		Channel:   c.Key,
		Sequence:  c.Sequence,
		Payload:   c.Payload,
		UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// snapshot returns GET /api/v1/snapshot.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	chans := h.store.Snapshot()
	states := make([]wire.ChannelState, 0, len(chans))
	for _, c := range chans {
		states = append(states, wire.ChannelState{Channel: c.Key, Payload: c.Payload, Sequence: c.Sequence})
	}
	jsonResp(w, http.StatusOK, SnapshotResponse{
		Channels:    states,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
