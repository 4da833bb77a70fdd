package anomaly

import (
	"fmt"

	"github.com/emads/emads/internal/analytics/ml"
	"github.com/emads/emads/internal/models"
)

// FeatureFunc extracts the isolation forest feature vector from a reading.
type FeatureFunc func(models.Reading) []float64

// EnergyFeature is the default single-feature extractor.
func EnergyFeature(r models.Reading) []float64 {
	return []float64{r.EnergyWh}
}

// DataPoints converts readings to forest input.
func DataPoints(readings []models.Reading, features FeatureFunc) []ml.DataPoint {
	if features == nil {
		features = EnergyFeature
	}
	points := make([]ml.DataPoint, len(readings))
	for i, r := range readings {
		points[i] = ml.DataPoint{
			Features:  features(r),
			Timestamp: r.Timestamp,
			Value:     r.EnergyWh,
		}
	}
	return points
}

func scoreIsolation(readings []models.Reading, forest *ml.IsolationForest, features FeatureFunc) ([]score, error) {
	if forest == nil || !forest.Fitted() {
		return nil, ml.ErrModelUnavailable
	}
	results, err := forest.BatchPredict(DataPoints(readings, features))
	if err != nil {
		return nil, fmt.Errorf("isolation predict: %w", err)
	}
	out := make([]score, len(results))
	for i, r := range results {
		out[i] = score{
			raw:       r.Score,
			decision:  r.Decision,
			anomalous: r.IsAnomaly,
			scored:    true,
		}
	}
	return out, nil
}
