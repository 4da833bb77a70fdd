package anomaly

import (
	"github.com/emads/emads/internal/models"
)

// scoreSpikes flags readings whose percent increase over the baseline exceeds
// cfg.Threshold. The baseline is the previous reading, except that while a
// spike is open it stays at the last pre-spike reading so a plateau of high
// values is flagged as a whole. A plateau longer than MaxPlateau readings
// becomes the new baseline.
func scoreSpikes(readings []models.Reading, cfg SpikeConfig) []score {
	out := make([]score, len(readings))
	for i := range out {
		out[i] = unscored
	}
	if len(readings) < 2 {
		return out
	}

	base := 0
	open := 0
	for i := 1; i < len(readings); i++ {
		prev := readings[base].EnergyWh
		if prev <= 0 {
			base, open = i, 0
			continue
		}

		pct := PercentChange(prev, readings[i].EnergyWh)
		if pct < 0 {
			pct = 0
		}
		flagged := pct > cfg.Threshold
		out[i] = ratioScore(pct/cfg.Threshold, flagged)

		if !flagged {
			base, open = i, 0
			continue
		}
		open++
		if cfg.MaxPlateau > 0 && open >= cfg.MaxPlateau {
			base, open = i, 0
		}
	}
	return out
}

// PercentChange returns the percent change from prev to cur, or 0 when prev
// is not positive.
func PercentChange(prev, cur float64) float64 {
	if prev <= 0 {
		return 0
	}
	return (cur - prev) / prev * 100
}
