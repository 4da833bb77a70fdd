package anomaly

import (
	"math"

	"github.com/emads/emads/internal/analytics/ml"
	"github.com/emads/emads/internal/models"
)

// scoreStatistical computes the rolling z-score verdict for each reading. The
// window includes the current sample. Returns ErrInsufficientData when the
// series is shorter than the window.
func scoreStatistical(readings []models.Reading, cfg StatisticalConfig) ([]score, error) {
	out := make([]score, len(readings))
	for i := range out {
		out[i] = unscored
	}
	if len(readings) < cfg.Window {
		return out, ErrInsufficientData
	}

	values := energyValues(readings)
	for i := cfg.Window - 1; i < len(values); i++ {
		z, ok := rollingZ(values[i-cfg.Window+1:i+1], values[i])
		if !ok {
			continue
		}
		raw := math.Abs(z) / cfg.Threshold
		out[i] = ratioScore(raw, math.Abs(z) > cfg.Threshold)
	}
	return out, nil
}

// rollingZ returns the z-score of v against window, or false when the
// window's standard deviation is zero.
func rollingZ(window []float64, v float64) (float64, bool) {
	std := ml.SampleStdDev(window)
	if std == 0 || math.IsNaN(std) {
		return 0, false
	}
	return (v - ml.Mean(window)) / std, true
}

func energyValues(readings []models.Reading) []float64 {
	values := make([]float64, len(readings))
	for i, r := range readings {
		values[i] = r.EnergyWh
	}
	return values
}
