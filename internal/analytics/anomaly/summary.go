package anomaly

import (
	"github.com/emads/emads/internal/analytics/ml"
	"github.com/emads/emads/internal/models"
)

// Summary holds headline statistics for a scored batch.
type Summary struct {
	Total       int     `json:"total"`
	Anomalies   int     `json:"anomalies"`
	AnomalyRate float64 `json:"anomaly_rate"`
	LongestRun  int     `json:"longest_run"`
	MeanWh      float64 `json:"mean_wh"`
	PeakWh      float64 `json:"peak_wh"`
}

// Summarize computes batch statistics. AnomalyRate is a percentage.
func Summarize(scored []models.ScoredReading) Summary {
	s := Summary{Total: len(scored)}
	if len(scored) == 0 {
		return s
	}

	flags := make([]bool, len(scored))
	values := make([]float64, len(scored))
	for i, sr := range scored {
		flags[i] = sr.IsAnomaly
		values[i] = sr.EnergyWh
		if sr.IsAnomaly {
			s.Anomalies++
		}
		if sr.EnergyWh > s.PeakWh {
			s.PeakWh = sr.EnergyWh
		}
	}
	s.AnomalyRate = float64(s.Anomalies) / float64(s.Total) * 100
	s.LongestRun = LongestRun(flags)
	s.MeanWh = ml.Mean(values)
	return s
}
