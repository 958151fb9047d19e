package repository

import (
	"context"
	"fmt"
	"time"

	"geotrackd/internal/common/db"
	"geotrackd/internal/tracking/domain"

	"github.com/google/uuid"
)

// HistoryRepository archives every delivered sample into position_history
// and serves the bounded recent-history query. It satisfies
// domain.SampleSink.
type HistoryRepository struct {
	db db.Querier
}

func NewHistoryRepository(q db.Querier) *HistoryRepository {
	return &HistoryRepository{db: q}
}

// Store inserts one position_history row. Accuracy is nullable: samples
// without an estimate archive NULL rather than a fake zero.
func (r *HistoryRepository) Store(ctx context.Context, sample domain.PositionSample) error {
	var accuracy *float64
	if sample.HasAccuracy {
		accuracy = &sample.Accuracy
	}

	capturedAt := sample.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO position_history (id, latitude, longitude, accuracy_meters, captured_at, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, uuid.NewString(), sample.Latitude, sample.Longitude, accuracy, capturedAt)
	if err != nil {
		return fmt.Errorf("insert position_history: %w", err)
	}
	return nil
}

// Recent returns up to limit samples, newest first.
func (r *HistoryRepository) Recent(ctx context.Context, limit int) ([]domain.PositionSample, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx, `
		SELECT latitude, longitude, accuracy_meters, captured_at
		FROM position_history
		ORDER BY captured_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query position_history: %w", err)
	}
	defer rows.Close()

	var samples []domain.PositionSample
	for rows.Next() {
		var (
			s        domain.PositionSample
			accuracy *float64
		)
		if err := rows.Scan(&s.Latitude, &s.Longitude, &accuracy, &s.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan position_history row: %w", err)
		}
		if accuracy != nil {
			s.Accuracy = *accuracy
			s.HasAccuracy = true
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate position_history: %w", err)
	}
	return samples, nil
}
