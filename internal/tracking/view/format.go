package view

import (
	"fmt"
	"strconv"

	"geotrackd/internal/tracking/domain"
)

// Coordinate renders a latitude or longitude with six decimal places.
func Coordinate(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// AccuracyLabel renders the accuracy as "±<1-decimal>m", or "Unknown" when
// the sample carries no accuracy estimate.
func AccuracyLabel(sample domain.PositionSample) string {
	if !sample.HasAccuracy {
		return "Unknown"
	}
	return fmt.Sprintf("±%.1fm", sample.Accuracy)
}
