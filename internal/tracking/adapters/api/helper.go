package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"geotrackd/internal/common/contextx"
	"geotrackd/internal/tracking/domain"
)

func writeJSONError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]any{
		"error":      message,
		"code":       status,
		"request_id": contextx.GetRequestID(ctx),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func sampleJSON(s domain.PositionSample) map[string]any {
	out := map[string]any{
		"latitude":       s.Latitude,
		"longitude":      s.Longitude,
		"captured_at_ms": s.CapturedAt.UnixMilli(),
	}
	if s.HasAccuracy {
		out["accuracy"] = s.Accuracy
	}
	return out
}
