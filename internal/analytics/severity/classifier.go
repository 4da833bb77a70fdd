package severity

import (
	"math"

	"github.com/emads/emads/internal/analytics/ml"
	"github.com/emads/emads/internal/models"
)

// Package severity maps anomaly scores to display tiers.
//
// Tiers are percentile-relative: the cutoffs are the 0.5th, 1st and 2nd
// percentiles of a score distribution (more negative = more anomalous).
// In batch mode that distribution is the current evaluation batch, so the
// same score can land in different tiers across runs. In model mode the
// distribution is the training-set decision scores of the isolation model,
// which gives a stable baseline across runs.
//
// A reading whose energy is within ZOverride standard deviations of the
// batch mean is always normal, whatever its percentile rank.

// Mode selects the score distribution used for the percentile cutoffs.
type Mode string

const (
	ModeBatch Mode = "batch"
	ModeModel Mode = "model"
)

// Config holds the percentile cutoffs and the z override.
type Config struct {
	HighPercentile   float64
	MediumPercentile float64
	LowPercentile    float64
	ZOverride        float64
	Mode             Mode
}

// DefaultConfig returns the standard 0.5 / 1 / 2 percentile tiers.
func DefaultConfig() Config {
	return Config{
		HighPercentile:   0.5,
		MediumPercentile: 1.0,
		LowPercentile:    2.0,
		ZOverride:        2.0,
		Mode:             ModeBatch,
	}
}

// Thresholds are score cutoffs; High <= Medium <= Low always holds.
type Thresholds struct {
	High   float64 `json:"high"`
	Medium float64 `json:"medium"`
	Low    float64 `json:"low"`
}

// Tier returns the percentile tier for a score, before the z override.
func (t Thresholds) Tier(score float64) models.Severity {
	switch {
	case score <= t.High:
		return models.SeverityHigh
	case score <= t.Medium:
		return models.SeverityMedium
	case score <= t.Low:
		return models.SeverityLow
	default:
		return models.SeverityNormal
	}
}

// Classifier assigns severities to scored readings.
type Classifier struct {
	cfg Config
}

// NewClassifier creates a classifier. Invalid percentiles fall back to defaults.
func NewClassifier(cfg Config) *Classifier {
	d := DefaultConfig()
	if cfg.HighPercentile <= 0 || cfg.MediumPercentile < cfg.HighPercentile || cfg.LowPercentile < cfg.MediumPercentile {
		cfg.HighPercentile, cfg.MediumPercentile, cfg.LowPercentile = d.HighPercentile, d.MediumPercentile, d.LowPercentile
	}
	if cfg.ZOverride <= 0 {
		cfg.ZOverride = d.ZOverride
	}
	if cfg.Mode == "" {
		cfg.Mode = d.Mode
	}
	return &Classifier{cfg: cfg}
}

// Mode returns the configured baseline mode.
func (c *Classifier) Mode() Mode { return c.cfg.Mode }

// ComputeThresholds derives the three cutoffs from a score distribution.
func (c *Classifier) ComputeThresholds(scores []float64) Thresholds {
	t := Thresholds{
		High:   ml.Percentile(scores, c.cfg.HighPercentile),
		Medium: ml.Percentile(scores, c.cfg.MediumPercentile),
		Low:    ml.Percentile(scores, c.cfg.LowPercentile),
	}
	// interpolation keeps the order; guard against NaN from empty input
	if math.IsNaN(t.High) {
		t = Thresholds{High: math.Inf(-1), Medium: math.Inf(-1), Low: math.Inf(-1)}
	}
	return t
}

// Classify returns a copy of scored with Severity set on every reading.
// baseline is used as the score distribution in model mode; an empty
// baseline falls back to the batch.
func (c *Classifier) Classify(scored []models.ScoredReading, baseline []float64) ([]models.ScoredReading, Thresholds) {
	out := make([]models.ScoredReading, len(scored))
	copy(out, scored)
	if len(out) == 0 {
		return out, c.ComputeThresholds(nil)
	}

	scores := make([]float64, len(out))
	energy := make([]float64, len(out))
	for i, sr := range out {
		scores[i] = sr.AnomalyScore
		energy[i] = sr.EnergyWh
	}

	dist := scores
	if c.cfg.Mode == ModeModel && len(baseline) > 0 {
		dist = baseline
	}
	th := c.ComputeThresholds(dist)

	mean := ml.Mean(energy)
	std := ml.SampleStdDev(energy)
	for i := range out {
		tier := th.Tier(out[i].AnomalyScore)
		if tier != models.SeverityNormal && c.mild(out[i].EnergyWh, mean, std) {
			tier = models.SeverityNormal
		}
		out[i].Severity = tier
	}
	return out, th
}

// mild reports whether v is within the z override of the batch mean.
func (c *Classifier) mild(v, mean, std float64) bool {
	if std == 0 || math.IsNaN(std) {
		return true
	}
	return math.Abs((v-mean)/std) < c.cfg.ZOverride
}
