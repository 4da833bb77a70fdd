package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/emads/emads/internal/alerting"
	"github.com/emads/emads/internal/analytics/anomaly"
	"github.com/emads/emads/internal/analytics/ml"
	"github.com/emads/emads/internal/metrics"
	"github.com/emads/emads/internal/models"
	"github.com/emads/emads/internal/notify"
)

type ruleResult struct {
	outcome  models.RuleOutcome
	created  []models.Alert
	notified int
	warnings []string
}

// scoredBatch is the output of a rule's detection step.
type scoredBatch struct {
	readings []models.ScoredReading
	skipped  bool
	minRun   int
}

func (o *Orchestrator) runRule(ctx context.Context, t models.AlertType, w Window, logger *zap.Logger) ruleResult {
	res := ruleResult{outcome: models.RuleOutcome{Rule: t}}
	fail := func(err error) ruleResult {
		res.outcome.Error = err.Error()
		res.warnings = append(res.warnings, fmt.Sprintf("%s: %v", t, err))
		logger.Error("rule failed", zap.String("rule", string(t)), zap.Error(err))
		return res
	}

	batch, err := o.detect(ctx, t, w)
	if err != nil {
		return fail(err)
	}
	res.outcome.Scored = len(batch.readings)
	res.outcome.Skipped = batch.skipped

	for _, ev := range events(batch.readings, batch.minRun) {
		last := ev[len(ev)-1]
		if last.Timestamp.Before(w.Start) || ev[0].Timestamp.After(w.End) {
			continue
		}
		res.outcome.Candidates++

		alert, created, err := o.Deduplicator.Submit(ctx, o.candidate(t, ev))
		if err != nil {
			return fail(err)
		}
		if !created {
			res.outcome.Deduplicated++
			continue
		}
		res.outcome.Created++

		ok, err := o.Dispatcher.Dispatch(ctx, alert.ID)
		switch {
		case errors.Is(err, notify.ErrNoRecipients):
		case err != nil:
			res.warnings = append(res.warnings, fmt.Sprintf("notify %s: %v", alert.ID, err))
		case ok:
			res.notified++
			alert.Notified = true
		}
		res.created = append(res.created, *alert)
	}

	logger.Debug("rule finished",
		zap.String("rule", string(t)),
		zap.Int("scored", res.outcome.Scored),
		zap.Int("candidates", res.outcome.Candidates),
		zap.Int("created", res.outcome.Created),
	)
	return res
}

// detect fetches the history a rule needs, scores it and classifies severity.
func (o *Orchestrator) detect(ctx context.Context, t models.AlertType, w Window) (scoredBatch, error) {
	switch t {
	case models.AlertConsecutiveAnomalies:
		return o.score(ctx, w.Start.Add(-o.cfg.Warmup), w.End,
			anomaly.Options{Methods: o.cfg.ConsecutiveMethods, Strict: o.cfg.Strict}, nil, o.Engine.Config().MinRun)

	case models.AlertEnergySpike:
		return o.score(ctx, w.Start.Add(-o.cfg.Warmup), w.End,
			anomaly.Options{Methods: []anomaly.Method{anomaly.MethodSpike}, Strict: o.cfg.Strict}, nil, 1)

	case models.AlertUnusualPattern:
		start := w.End.Add(-o.cfg.PatternHistory)
		if w.Start.Before(start) {
			start = w.Start
		}
		return o.score(ctx, start, w.End,
			anomaly.Options{Methods: []anomaly.Method{anomaly.MethodPattern}}, nil, 1)

	case models.AlertIsolationForest:
		if o.Models == nil {
			return scoredBatch{}, fmt.Errorf("model manager not configured: %w", ml.ErrModelUnavailable)
		}
		training, err := o.Readings.FetchReadings(ctx, "", w.End.Add(-o.cfg.TrainingWindow), w.End)
		if err != nil {
			return scoredBatch{}, fmt.Errorf("fetch training readings: %w", err)
		}
		forest, err := o.Models.Get(ctx, ml.ArtifactKind, training)
		if err != nil {
			return scoredBatch{}, err
		}
		return o.score(ctx, w.Start.Add(-o.cfg.Warmup), w.End,
			anomaly.Options{Methods: []anomaly.Method{anomaly.MethodIsolation}, Model: forest}, forest.TrainingDecisions(), 1)
	}
	return scoredBatch{}, fmt.Errorf("unknown rule %q", t)
}

func (o *Orchestrator) score(ctx context.Context, start, end time.Time, opts anomaly.Options, baseline []float64, minRun int) (scoredBatch, error) {
	readings, err := o.Readings.FetchReadings(ctx, "", start, end)
	if err != nil {
		return scoredBatch{}, fmt.Errorf("fetch readings: %w", err)
	}
	res, err := o.Engine.Score(ctx, readings, opts)
	if err != nil {
		return scoredBatch{}, err
	}
	for _, m := range opts.Methods {
		metrics.ReadingsScoredTotal.WithLabelValues(string(m)).Add(float64(len(readings)))
	}
	classified, _ := o.Classifier.Classify(res.Readings, baseline)
	return scoredBatch{
		readings: classified,
		skipped:  len(res.Skipped) == len(opts.Methods),
		minRun:   minRun,
	}, nil
}

// events splits flagged readings into maximal per-sensor runs of at least
// minRun readings. Input order within a sensor must be chronological.
func events(scored []models.ScoredReading, minRun int) [][]models.ScoredReading {
	var order []string
	bySensor := make(map[string][]models.ScoredReading)
	for _, sr := range scored {
		if _, ok := bySensor[sr.SensorID]; !ok {
			order = append(order, sr.SensorID)
		}
		bySensor[sr.SensorID] = append(bySensor[sr.SensorID], sr)
	}

	var out [][]models.ScoredReading
	for _, id := range order {
		series := bySensor[id]
		flags := make([]bool, len(series))
		for i, sr := range series {
			flags[i] = sr.IsAnomaly
		}
		for _, r := range anomaly.Runs(flags, minRun) {
			out = append(out, series[r.Start:r.End+1])
		}
	}
	return out
}

// candidate summarises one event. The event is keyed by its first reading
// and carries its last one, so a run that keeps growing or loses its head
// to a sliding window maps onto the alert already raised for it.
func (o *Orchestrator) candidate(t models.AlertType, ev []models.ScoredReading) alerting.Candidate {
	first := ev[0]
	peak := first
	worst := first
	sev := models.SeverityNormal
	for _, sr := range ev {
		if sr.EnergyWh > peak.EnergyWh {
			peak = sr
		}
		if sr.AnomalyScore < worst.AnomalyScore {
			worst = sr
		}
		if sr.Severity.Rank() > sev.Rank() {
			sev = sr.Severity
		}
	}
	// Flagged readings the classifier considers mild still raise a low alert.
	if sev == models.SeverityNormal {
		sev = models.SeverityLow
	}
	score := worst.AnomalyScore

	return alerting.Candidate{
		SensorID:     first.SensorID,
		Type:         t,
		DetectedAt:   first.Timestamp,
		Until:        ev[len(ev)-1].Timestamp,
		Severity:     sev,
		EnergyWh:     peak.EnergyWh,
		AnomalyScore: &score,
		Count:        len(ev),
		Message:      o.message(t, ev, peak, worst),
	}
}

func (o *Orchestrator) message(t models.AlertType, ev []models.ScoredReading, peak, worst models.ScoredReading) string {
	sensor := sensorName(ev[0].SensorID)
	at := ev[0].Timestamp.UTC().Format(time.RFC3339)
	switch t {
	case models.AlertConsecutiveAnomalies:
		return fmt.Sprintf("%d successive anomalies on %s starting %s", len(ev), sensor, at)
	case models.AlertEnergySpike:
		threshold := o.Engine.Config().Spike.Threshold
		if o.cfg.Strict {
			threshold = anomaly.StrictSpikePercent
		}
		return fmt.Sprintf("Energy spike on %s at %s: %.0f Wh, %.0f%% above baseline",
			sensor, at, peak.EnergyWh, peak.RawScore*threshold)
	case models.AlertUnusualPattern:
		return fmt.Sprintf("Unusual consumption on %s for hour %02d:00: %.0f Wh",
			sensor, ev[0].Timestamp.UTC().Hour(), peak.EnergyWh)
	case models.AlertIsolationForest:
		return fmt.Sprintf("Isolation forest flagged %d readings on %s starting %s (score %.3f)",
			len(ev), sensor, at, worst.AnomalyScore)
	}
	return fmt.Sprintf("%s on %s at %s", t.Title(), sensor, at)
}

func sensorName(id string) string {
	if id == "" {
		return "hostel"
	}
	return id
}
