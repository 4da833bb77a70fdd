package severity

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emads/emads/internal/models"
)

func batch() []models.ScoredReading {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.ScoredReading, 200)
	for i := range out {
		out[i] = models.ScoredReading{
			Reading: models.Reading{
				Timestamp: start.Add(time.Duration(i) * time.Hour),
				EnergyWh:  1000 + float64(i%10),
			},
			AnomalyScore: 1 - float64(i%10)/10,
		}
	}
	out[50].EnergyWh = 5000
	out[50].AnomalyScore = -3
	return out
}

func TestThresholdsAreOrdered(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	rng := rand.New(rand.NewSource(1))

	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(500)
		scores := make([]float64, n)
		for i := range scores {
			scores[i] = rng.NormFloat64() * 3
		}
		th := c.ComputeThresholds(scores)
		assert.LessOrEqual(t, th.High, th.Medium, "trial %d", trial)
		assert.LessOrEqual(t, th.Medium, th.Low, "trial %d", trial)
	}
}

func TestClassify_OutlierIsHigh(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	out, th := c.Classify(batch(), nil)

	require.Len(t, out, 200)
	assert.Equal(t, models.SeverityHigh, out[50].Severity)
	assert.Less(t, th.High, 0.1)
	for i, sr := range out {
		if i == 50 {
			continue
		}
		assert.Equal(t, models.SeverityNormal, sr.Severity, "index %d", i)
	}
}

func TestClassify_ZOverrideKeepsMildPointsNormal(t *testing.T) {
	in := batch()
	// extreme score, but energy right on the batch mean
	in[60].AnomalyScore = -10
	in[60].EnergyWh = 1024

	c := NewClassifier(DefaultConfig())
	out, _ := c.Classify(in, nil)
	assert.Equal(t, models.SeverityNormal, out[60].Severity)
}

func TestClassify_DoesNotMutateInput(t *testing.T) {
	in := batch()
	c := NewClassifier(DefaultConfig())
	_, _ = c.Classify(in, nil)
	assert.Equal(t, models.Severity(""), in[50].Severity)
}

func TestClassify_ModelBaseline(t *testing.T) {
	in := batch()
	// a baseline where every batch score looks ordinary
	baseline := []float64{-100, -90, -80, -70}

	c := NewClassifier(Config{Mode: ModeModel})
	out, th := c.Classify(in, baseline)
	assert.Less(t, th.Low, -3.0)
	assert.Equal(t, models.SeverityNormal, out[50].Severity)

	// empty baseline falls back to the batch
	out, _ = c.Classify(in, nil)
	assert.Equal(t, models.SeverityHigh, out[50].Severity)
}

func TestClassify_Empty(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	out, _ := c.Classify(nil, nil)
	assert.Empty(t, out)
}

func TestTier(t *testing.T) {
	th := Thresholds{High: -2, Medium: -1, Low: 0}
	assert.Equal(t, models.SeverityHigh, th.Tier(-2))
	assert.Equal(t, models.SeverityMedium, th.Tier(-1.5))
	assert.Equal(t, models.SeverityLow, th.Tier(0))
	assert.Equal(t, models.SeverityNormal, th.Tier(0.01))
}
