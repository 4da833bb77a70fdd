package anomaly

import (
	"math"

	"github.com/emads/emads/internal/analytics/ml"
	"github.com/emads/emads/internal/models"
)

type hourStats struct {
	mean float64
	std  float64
	ok   bool
}

// scorePattern compares each reading in the trailing window with the
// hour-of-day baseline built from the readings before that window. The
// trailing window ends at the newest reading. Returns ErrInsufficientData
// when the window holds fewer than cfg.MinReadings readings.
func scorePattern(readings []models.Reading, cfg PatternConfig) ([]score, error) {
	out := make([]score, len(readings))
	for i := range out {
		out[i] = unscored
	}
	if len(readings) == 0 {
		return out, ErrInsufficientData
	}

	end := readings[len(readings)-1].Timestamp
	cutoff := end.Add(-cfg.Window)

	var windowIdx []int
	byHour := make(map[int][]float64)
	for i, r := range readings {
		if r.Timestamp.After(cutoff) {
			windowIdx = append(windowIdx, i)
			continue
		}
		h := r.Timestamp.Hour()
		byHour[h] = append(byHour[h], r.EnergyWh)
	}
	if len(windowIdx) < cfg.MinReadings {
		return out, ErrInsufficientData
	}

	stats := make(map[int]hourStats, len(byHour))
	for h, vals := range byHour {
		if len(vals) < 2 {
			continue
		}
		std := ml.SampleStdDev(vals)
		stats[h] = hourStats{mean: ml.Mean(vals), std: std, ok: std > 0}
	}

	for _, i := range windowIdx {
		st, found := stats[readings[i].Timestamp.Hour()]
		if !found || !st.ok {
			continue
		}
		dev := math.Abs(readings[i].EnergyWh-st.mean) / st.std
		out[i] = ratioScore(dev/cfg.K, dev > cfg.K)
	}
	return out, nil
}
