package anomaly

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/emads/emads/internal/analytics/ml"
	"github.com/emads/emads/internal/models"
)

// Options selects the methods applied by Engine.Score.
type Options struct {
	Methods []Method
	// Model is required when MethodIsolation is selected.
	Model    *ml.IsolationForest
	Features FeatureFunc
	// Strict raises the spike threshold to StrictSpikePercent.
	Strict bool
}

// Engine scores batches of readings.
type Engine struct {
	cfg    Config
	logger *zap.Logger
}

// NewEngine creates a scoring engine. Zero config fields fall back to defaults.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	d := DefaultConfig()
	if cfg.Statistical.Window <= 1 {
		cfg.Statistical.Window = d.Statistical.Window
	}
	if cfg.Statistical.Threshold <= 0 {
		cfg.Statistical.Threshold = d.Statistical.Threshold
	}
	if cfg.Spike.Threshold <= 0 {
		cfg.Spike.Threshold = d.Spike.Threshold
	}
	if cfg.Spike.MaxPlateau <= 0 {
		cfg.Spike.MaxPlateau = d.Spike.MaxPlateau
	}
	if cfg.Pattern.Window <= 0 {
		cfg.Pattern.Window = d.Pattern.Window
	}
	if cfg.Pattern.K <= 0 {
		cfg.Pattern.K = d.Pattern.K
	}
	if cfg.Pattern.MinReadings <= 0 {
		cfg.Pattern.MinReadings = d.Pattern.MinReadings
	}
	if cfg.MinRun <= 0 {
		cfg.MinRun = d.MinRun
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Config returns the effective engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Score produces one ScoredReading per input reading, in input order.
// Readings are evaluated per sensor in timestamp order. Methods without
// enough data are reported in Result.Skipped and leave readings normal.
func (e *Engine) Score(ctx context.Context, readings []models.Reading, opts Options) (Result, error) {
	methods := opts.Methods
	if len(methods) == 0 {
		methods = []Method{MethodStatistical}
	}

	res := Result{Readings: make([]models.ScoredReading, len(readings))}
	skipped := make(map[Method]bool)

	for _, idx := range groupBySensor(readings) {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		series := make([]models.Reading, len(idx))
		for j, i := range idx {
			series[j] = readings[i]
		}

		verdicts := make(map[Method][]score, len(methods))
		for _, m := range methods {
			scores, err := e.scoreMethod(series, m, opts)
			if errors.Is(err, ErrInsufficientData) {
				skipped[m] = true
				e.logger.Debug("detection skipped",
					zap.String("method", string(m)),
					zap.String("sensor_id", series[0].SensorID),
					zap.Int("readings", len(series)))
				continue
			}
			if err != nil {
				return Result{}, fmt.Errorf("%s: %w", m, err)
			}
			verdicts[m] = scores
		}

		for j, i := range idx {
			res.Readings[i] = combine(series[j], methods, verdicts, j)
		}
	}

	for _, m := range methods {
		if skipped[m] {
			res.Skipped = append(res.Skipped, m)
		}
	}
	return res, nil
}

func (e *Engine) scoreMethod(series []models.Reading, m Method, opts Options) ([]score, error) {
	switch m {
	case MethodStatistical:
		return scoreStatistical(series, e.cfg.Statistical)
	case MethodSpike:
		cfg := e.cfg.Spike
		if opts.Strict {
			cfg.Threshold = StrictSpikePercent
		}
		return scoreSpikes(series, cfg), nil
	case MethodPattern:
		return scorePattern(series, e.cfg.Pattern)
	case MethodIsolation:
		return scoreIsolation(series, opts.Model, opts.Features)
	default:
		return nil, fmt.Errorf("unknown detection method %q", m)
	}
}

// combine merges per-method verdicts for reading j. The most anomalous
// flagged verdict wins; otherwise the lowest decision among scored verdicts.
func combine(r models.Reading, methods []Method, verdicts map[Method][]score, j int) models.ScoredReading {
	out := models.ScoredReading{
		Reading:      r,
		AnomalyScore: unscored.decision,
		RawScore:     unscored.raw,
		Severity:     models.SeverityNormal,
		Method:       string(methods[0]),
	}

	var best *score
	var bestMethod Method
	for _, m := range methods {
		scores, ok := verdicts[m]
		if !ok {
			continue
		}
		s := scores[j]
		if !s.scored {
			continue
		}
		switch {
		case best == nil,
			s.anomalous && !best.anomalous,
			s.anomalous == best.anomalous && s.decision < best.decision:
			best, bestMethod = &s, m
		}
	}
	if best == nil {
		return out
	}

	out.AnomalyScore = best.decision
	out.RawScore = best.raw
	out.IsAnomaly = best.anomalous
	out.Method = string(bestMethod)
	return out
}

// groupBySensor returns reading indices per sensor, each sorted by timestamp.
// Groups are ordered by first appearance.
func groupBySensor(readings []models.Reading) [][]int {
	order := make([]string, 0)
	groups := make(map[string][]int)
	for i, r := range readings {
		if _, ok := groups[r.SensorID]; !ok {
			order = append(order, r.SensorID)
		}
		groups[r.SensorID] = append(groups[r.SensorID], i)
	}

	out := make([][]int, 0, len(order))
	for _, id := range order {
		idx := groups[id]
		sort.SliceStable(idx, func(a, b int) bool {
			return readings[idx[a]].Timestamp.Before(readings[idx[b]].Timestamp)
		})
		out = append(out, idx)
	}
	return out
}
