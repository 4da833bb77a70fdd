package anomaly

import (
	"errors"
	"time"

	"github.com/emads/emads/internal/models"
)

// Package anomaly scores energy readings for abnormality.
//
// Responsibilities:
//   - Score every reading of a batch with one or more detection methods
//   - Keep results interpretable (which method fired, by how much)
//   - Treat short batches as a no-op instead of an error
//   - Group readings per sensor so baselines never mix sensors
//
// Detection Methods:
//
//   1. Statistical (rolling z-score)
//      - Trailing window of N samples (default 24), sample std
//      - Anomalous when |z| > threshold (default 4.0)
//      - Raw score = |z| / threshold
//
//   2. Isolation forest
//      - Pre-trained model from internal/analytics/lifecycle
//      - Raw score = s(x), decision = threshold - s(x)
//
//   3. Spike
//      - Percent increase over the last pre-spike reading
//      - Default threshold 50% (300% in strict mode)
//      - Raw score = percent / threshold
//
//   4. Unusual hourly pattern
//      - Per hour-of-day baseline from history before the trailing window
//      - Flag window readings deviating more than k std (default 2)
//
// Score Convention:
//   AnomalyScore is decision-style for every method: 0 is the boundary and
//   more negative is more anomalous. Ratio methods map raw r to 1 - r.
//
// Consecutive runs are computed over the flag series after scoring; see runs.go.

// Method names a detection method.
type Method string

const (
	MethodStatistical Method = "statistical"
	MethodIsolation   Method = "isolation_forest"
	MethodSpike       Method = "spike"
	MethodPattern     Method = "hourly_pattern"
)

// ErrInsufficientData signals a method had fewer readings than its minimum
// window. The engine treats it as a no-op.
var ErrInsufficientData = errors.New("insufficient data for detection window")

// StatisticalConfig configures the rolling z-score method.
type StatisticalConfig struct {
	Window    int
	Threshold float64
}

// SpikeConfig configures spike detection. Threshold is a percentage.
type SpikeConfig struct {
	Threshold  float64
	MaxPlateau int
}

// PatternConfig configures the unusual hourly pattern check.
type PatternConfig struct {
	Window      time.Duration
	K           float64
	MinReadings int
}

// Config holds per-method parameters.
type Config struct {
	Statistical StatisticalConfig
	Spike       SpikeConfig
	Pattern     PatternConfig
	MinRun      int
}

// Default thresholds.
const (
	DefaultWindow          = 24
	DefaultZThreshold      = 4.0
	DefaultSpikePercent    = 50.0
	StrictSpikePercent     = 300.0
	DefaultPatternK        = 2.0
	DefaultPatternReadings = 24
	DefaultMinRun          = 8
)

// DefaultConfig returns the alerting defaults.
func DefaultConfig() Config {
	return Config{
		Statistical: StatisticalConfig{Window: DefaultWindow, Threshold: DefaultZThreshold},
		Spike:       SpikeConfig{Threshold: DefaultSpikePercent, MaxPlateau: DefaultWindow},
		Pattern: PatternConfig{
			Window:      24 * time.Hour,
			K:           DefaultPatternK,
			MinReadings: DefaultPatternReadings,
		},
		MinRun: DefaultMinRun,
	}
}

// score is one method's verdict for one reading.
type score struct {
	raw       float64
	decision  float64
	anomalous bool
	scored    bool
}

// ratioScore converts a ratio-style raw score (>= 1 anomalous) to a verdict.
func ratioScore(raw float64, anomalous bool) score {
	return score{raw: raw, decision: 1 - raw, anomalous: anomalous, scored: true}
}

// unscored is the verdict for readings a method could not evaluate.
var unscored = score{raw: 0, decision: 1}

// Result is the output of Engine.Score.
type Result struct {
	Readings []models.ScoredReading
	// Skipped lists methods that were a no-op because of insufficient data.
	Skipped []Method
}

// Flags returns the anomaly flag series of the result.
func (r Result) Flags() []bool {
	flags := make([]bool, len(r.Readings))
	for i, sr := range r.Readings {
		flags[i] = sr.IsAnomaly
	}
	return flags
}

// Anomalies returns only the flagged readings.
func (r Result) Anomalies() []models.ScoredReading {
	out := make([]models.ScoredReading, 0)
	for _, sr := range r.Readings {
		if sr.IsAnomaly {
			out = append(out, sr)
		}
	}
	return out
}
