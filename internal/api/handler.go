package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/eugenenazirov/kapeta-config/pkg/flatten"
	"github.com/eugenenazirov/kapeta-config/pkg/provider"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

// PropertySource is the read side of the merged property space.
type PropertySource interface {
	Name() string
	Snapshot() *flatten.Properties
}

// IdentitySource reports who this block instance is.
type IdentitySource interface {
	Identity() provider.Identity
}

// Handler serves the block's own endpoints from the resolved properties.
type Handler struct {
	properties PropertySource
	identity   IdentitySource

	clock func() time.Time
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(properties PropertySource, identity IdentitySource, opts ...HandlerOption) *Handler {
	h := &Handler{
		properties: properties,
		identity:   identity,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// handleHealth answers the daemon's health probe. The block is healthy once
// its property space has been loaded.
func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	id := h.identity.Identity()
	resp := healthResponse{
		Status:     "ok",
		Timestamp:  h.clock(),
		BlockRef:   id.BlockRef,
		SystemID:   id.SystemID,
		InstanceID: id.InstanceID,
	}
	if h.properties.Snapshot() == nil {
		resp.Status = "starting"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	snapshot := h.properties.Snapshot()
	if snapshot == nil {
		writeError(w, http.StatusServiceUnavailable, "Not loaded", "properties have not been loaded yet")
		return
	}

	resp := configResponse{
		Provider: h.properties.Name(),
		Count:    snapshot.Len(),
	}
	if r.URL.Query().Get("format") == "tree" {
		resp.Properties = snapshot.Tree()
	} else {
		resp.Properties = snapshot.Map()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetProperty(w http.ResponseWriter, r *http.Request) {
	snapshot := h.properties.Snapshot()
	if snapshot == nil {
		writeError(w, http.StatusServiceUnavailable, "Not loaded", "properties have not been loaded yet")
		return
	}

	key := r.PathValue("key")
	value, ok := snapshot.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown property", key+" is not defined")
		return
	}
	writeJSON(w, http.StatusOK, propertyResponse{Key: key, Value: value})
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type healthResponse struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	BlockRef   string    `json:"blockRef,omitempty"`
	SystemID   string    `json:"systemId,omitempty"`
	InstanceID string    `json:"instanceId,omitempty"`
}

type configResponse struct {
	Provider   string `json:"provider"`
	Count      int    `json:"count"`
	Properties any    `json:"properties"`
}

type propertyResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, errorResponse{
		Error:   message,
		Details: details,
	})
}
