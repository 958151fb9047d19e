package api

import (
	"context"

	"geotrackd/internal/common/ws"
	"geotrackd/internal/tracking/domain"
	"geotrackd/internal/tracking/view"
)

// StreamSink pushes every delivered sample to the connected viewers. It
// satisfies domain.SampleSink; broadcast failures only drop the dead
// connection, so Store never fails.
type StreamSink struct {
	hub *ws.Hub
}

func NewStreamSink(hub *ws.Hub) *StreamSink {
	return &StreamSink{hub: hub}
}

func (s *StreamSink) Store(ctx context.Context, sample domain.PositionSample) error {
	s.hub.Broadcast(map[string]any{
		"type":           "position_update",
		"latitude":       view.Coordinate(sample.Latitude),
		"longitude":      view.Coordinate(sample.Longitude),
		"accuracy":       view.AccuracyLabel(sample),
		"captured_at_ms": sample.CapturedAt.UnixMilli(),
	})
	return nil
}
