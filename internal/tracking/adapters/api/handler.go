package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"geotrackd/internal/common/contextx"
	"geotrackd/internal/common/log"
	"geotrackd/internal/common/ws"
	"geotrackd/internal/tracking/app"
	"geotrackd/internal/tracking/domain"
	"geotrackd/internal/tracking/view"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Handler exposes the tracker over HTTP: permission and tracking gestures go
// through the view, raw location reads go to the coordinator, and /v1/stream
// attaches live viewers to the hub.
type Handler struct {
	coordinator *app.Coordinator
	trackerView *view.View
	history     RecentHistory
	hub         *ws.Hub
	logger      *slog.Logger
}

// RecentHistory is the read side of the history archive. Nil disables the
// history endpoint.
type RecentHistory interface {
	Recent(ctx context.Context, limit int) ([]domain.PositionSample, error)
}

func NewHandler(coordinator *app.Coordinator, trackerView *view.View, history RecentHistory, hub *ws.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		trackerView: trackerView,
		history:     history,
		hub:         hub,
		logger:      logger,
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/permissions/request", h.handleRequestPermissions)
	mux.HandleFunc("/v1/tracking/start", h.handleStart)
	mux.HandleFunc("/v1/tracking/stop", h.handleStop)
	mux.HandleFunc("/v1/tracking", h.handleStatus)
	mux.HandleFunc("/v1/location/current", h.handleCurrent)
	mux.HandleFunc("/v1/location/last", h.handleLast)
	mux.HandleFunc("/v1/location/history", h.handleHistory)
	mux.HandleFunc("/v1/view", h.handleView)
	mux.HandleFunc("/v1/view/acknowledge", h.handleAcknowledge)
	mux.HandleFunc("/v1/stream", h.handleStream)
	return mux
}

func (h *Handler) handleRequestPermissions(w http.ResponseWriter, r *http.Request) {
	ctx := contextx.WithNewRequestID(r.Context())
	if r.Method != http.MethodPost {
		writeJSONError(ctx, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	h.trackerView.RequestPermission(ctx)
	auth := h.coordinator.Authorization()

	writeJSON(ctx, w, http.StatusOK, map[string]any{
		"foreground": auth.Foreground,
		"background": auth.Background,
		"granted":    auth.Granted(),
	})
}

type startRequest struct {
	Confirmed bool `json:"confirmed"`
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := contextx.WithNewRequestID(r.Context())
	if r.Method != http.MethodPost {
		writeJSONError(ctx, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error(ctx, h.logger, "invalid_body", "Unable to decode start request body", err)
		writeJSONError(ctx, w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	h.trackerView.Start(ctx, func() bool { return req.Confirmed })
	writeJSON(ctx, w, http.StatusOK, h.trackerView.Snapshot())
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx := contextx.WithNewRequestID(r.Context())
	if r.Method != http.MethodPost {
		writeJSONError(ctx, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	h.trackerView.Stop(ctx)
	writeJSON(ctx, w, http.StatusOK, h.trackerView.Snapshot())
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := contextx.WithNewRequestID(r.Context())
	if r.Method != http.MethodGet {
		writeJSONError(ctx, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	auth := h.coordinator.Authorization()
	writeJSON(ctx, w, http.StatusOK, map[string]any{
		"tracking":        h.coordinator.IsTracking(),
		"foreground_only": auth.ForegroundOnly(),
		"viewers":         h.hub.Count(),
	})
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	ctx := contextx.WithNewRequestID(r.Context())
	if r.Method != http.MethodGet {
		writeJSONError(ctx, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sample, err := h.coordinator.CurrentLocation(ctx)
	if err != nil {
		writeJSONError(ctx, w, http.StatusBadGateway, "position fetch failed")
		return
	}
	writeJSON(ctx, w, http.StatusOK, sampleJSON(sample))
}

func (h *Handler) handleLast(w http.ResponseWriter, r *http.Request) {
	ctx := contextx.WithNewRequestID(r.Context())
	if r.Method != http.MethodGet {
		writeJSONError(ctx, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	sample, ok := h.coordinator.LastSample()
	if !ok {
		writeJSONError(ctx, w, http.StatusNotFound, "no position sample available")
		return
	}
	writeJSON(ctx, w, http.StatusOK, sampleJSON(sample))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	ctx := contextx.WithNewRequestID(r.Context())
	if r.Method != http.MethodGet {
		writeJSONError(ctx, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.history == nil {
		writeJSONError(ctx, w, http.StatusNotFound, "history archive not configured")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			writeJSONError(ctx, w, http.StatusBadRequest, "limit must be an int in [1, 500]")
			return
		}
		limit = n
	}

	samples, err := h.history.Recent(ctx, limit)
	if err != nil {
		log.Error(ctx, h.logger, "history_query_fail", "Failed to query position history", err)
		writeJSONError(ctx, w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]map[string]any, 0, len(samples))
	for _, s := range samples {
		out = append(out, sampleJSON(s))
	}
	writeJSON(ctx, w, http.StatusOK, map[string]any{"samples": out})
}

func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	ctx := contextx.WithNewRequestID(r.Context())
	if r.Method != http.MethodGet {
		writeJSONError(ctx, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(ctx, w, http.StatusOK, h.trackerView.Snapshot())
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	ctx := contextx.WithNewRequestID(r.Context())
	if r.Method != http.MethodPost {
		writeJSONError(ctx, w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	h.trackerView.AcknowledgeNotice()
	writeJSON(ctx, w, http.StatusOK, h.trackerView.Snapshot())
}

// handleStream upgrades the connection and parks it in the hub. The read
// loop exists only to notice the client going away.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := contextx.WithNewRequestID(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(ctx, h.logger, "stream_upgrade_fail", "WebSocket upgrade failed", err)
		return
	}

	viewerID := uuid.NewString()
	h.hub.Add(viewerID, conn)

	go func() {
		defer h.hub.Remove(viewerID)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
