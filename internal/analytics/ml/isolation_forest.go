package ml

import (
	"errors"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
)

// Defaults mirror the reference isolation forest configuration used for
// hourly hostel consumption.
const (
	DefaultNumTrees      = 100
	DefaultMaxSamples    = 256
	DefaultContamination = 0.01
	DefaultSeed          = 42
)

// ErrNotFitted is returned when scoring with a forest that has no trees.
var ErrNotFitted = errors.New("isolation forest is not fitted")

// ErrEmptyTrainingSet is returned by Fit when no data points are supplied.
var ErrEmptyTrainingSet = errors.New("isolation forest needs at least one training point")

// ErrModelUnavailable is returned when isolation scoring is requested but no
// trained model exists and no training data was supplied to build one.
var ErrModelUnavailable = errors.New("no trained model available")

// IsolationTree represents a single tree in the Isolation Forest
type IsolationTree struct {
	splitFeature int
	splitValue   float64
	left         *IsolationTree
	right        *IsolationTree
	size         int
	isLeaf       bool
}

// Config controls forest construction.
type Config struct {
	NumTrees      int
	MaxSamples    int
	Contamination float64
	Seed          int64
}

// DefaultForestConfig returns the configuration used when none is supplied.
func DefaultForestConfig() Config {
	return Config{
		NumTrees:      DefaultNumTrees,
		MaxSamples:    DefaultMaxSamples,
		Contamination: DefaultContamination,
		Seed:          DefaultSeed,
	}
}

// IsolationForest implements the Isolation Forest algorithm for anomaly detection.
//
// Scores follow decision-function semantics: Decision = threshold - s(x),
// where s(x) = 2^(-E[h(x)]/c(psi)) and threshold is the (1-contamination)
// quantile of s over the training set. Negative decisions are outliers.
type IsolationForest struct {
	cfg           Config
	trees         []*IsolationTree
	subSampleSize int
	maxDepth      int
	numFeatures   int
	threshold     float64
	trainScores   []float64
	trainedAt     time.Time
	rng           *rand.Rand
	clock         clockwork.Clock
}

// ForestOption customises an IsolationForest.
type ForestOption func(*IsolationForest)

// WithClock sets the clock that stamps TrainedAt.
func WithClock(c clockwork.Clock) ForestOption {
	return func(f *IsolationForest) { f.clock = c }
}

// DataPoint represents a multi-dimensional data point
type DataPoint struct {
	Features  []float64
	Timestamp time.Time // Optional timestamp for time-series use
	Value     float64   // Optional scalar value for time-series use
}

// AnomalyResult contains the scores for one data point.
type AnomalyResult struct {
	Score      float64 // s(x) in (0, 1], higher = more isolated
	Decision   float64 // threshold - Score, negative = outlier
	IsAnomaly  bool
	PathLength float64
}

// NewIsolationForest creates an unfitted forest. Zero fields in cfg fall back
// to the defaults.
func NewIsolationForest(cfg Config, opts ...ForestOption) *IsolationForest {
	d := DefaultForestConfig()
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = d.NumTrees
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = d.MaxSamples
	}
	if cfg.Contamination <= 0 || cfg.Contamination >= 0.5 {
		cfg.Contamination = d.Contamination
	}
	f := &IsolationForest{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Config returns the effective configuration.
func (f *IsolationForest) Config() Config { return f.cfg }

// Fitted reports whether the forest has been trained.
func (f *IsolationForest) Fitted() bool { return len(f.trees) > 0 }

// TrainedAt is the time Fit completed.
func (f *IsolationForest) TrainedAt() time.Time { return f.trainedAt }

// Threshold is the s(x) cutoff derived from the contamination rate.
func (f *IsolationForest) Threshold() float64 { return f.threshold }

// TrainingDecisions returns the decision scores of the training set, used as
// a long-lived baseline for severity classification.
func (f *IsolationForest) TrainingDecisions() []float64 {
	out := make([]float64, len(f.trainScores))
	for i, s := range f.trainScores {
		out[i] = f.threshold - s
	}
	return out
}

// normalizeDataPoints ensures every DataPoint has a populated Features slice.
// If Features is empty we use [Value] as a 1-D feature vector.
func normalizeDataPoints(data []DataPoint) []DataPoint {
	normalized := make([]DataPoint, len(data))
	for i, dp := range data {
		if len(dp.Features) == 0 {
			dp.Features = []float64{dp.Value}
		}
		normalized[i] = dp
	}
	return normalized
}

// Fit trains the Isolation Forest on the given data. Refitting replaces the
// previous trees; the RNG is reseeded so the same input yields the same model.
func (f *IsolationForest) Fit(data []DataPoint) error {
	if len(data) == 0 {
		return ErrEmptyTrainingSet
	}

	data = normalizeDataPoints(data)
	f.rng = rand.New(rand.NewSource(f.cfg.Seed))
	f.numFeatures = len(data[0].Features)

	f.subSampleSize = f.cfg.MaxSamples
	if f.subSampleSize > len(data) {
		f.subSampleSize = len(data)
	}
	f.maxDepth = int(math.Ceil(math.Log2(math.Max(float64(f.subSampleSize), 2))))

	f.trees = make([]*IsolationTree, 0, f.cfg.NumTrees)
	for i := 0; i < f.cfg.NumTrees; i++ {
		sample := f.sampleData(data)
		f.trees = append(f.trees, f.buildTree(sample, 0))
	}

	f.trainScores = make([]float64, len(data))
	for i, dp := range data {
		f.trainScores[i], _ = f.score(dp)
	}
	f.threshold = Percentile(f.trainScores, 100*(1-f.cfg.Contamination))
	f.trainedAt = f.clock.Now().UTC()

	return nil
}

// Predict calculates the anomaly score for a single data point
func (f *IsolationForest) Predict(point DataPoint) (AnomalyResult, error) {
	if !f.Fitted() {
		return AnomalyResult{}, ErrNotFitted
	}
	if len(point.Features) == 0 {
		point.Features = []float64{point.Value}
	}

	score, avgPath := f.score(point)
	decision := f.threshold - score

	// Ties with the cutoff are outliers so equal-valued extremes are
	// flagged together. Scores at or below 0.5 are never anomalous.
	isAnomaly := decision <= 0 && score > 0.5

	return AnomalyResult{
		Score:      score,
		Decision:   decision,
		IsAnomaly:  isAnomaly,
		PathLength: avgPath,
	}, nil
}

// BatchPredict predicts anomaly scores for multiple data points
func (f *IsolationForest) BatchPredict(points []DataPoint) ([]AnomalyResult, error) {
	results := make([]AnomalyResult, len(points))
	for i, point := range points {
		r, err := f.Predict(point)
		if err != nil {
			return nil, err
		}
		results[i] = r
	}
	return results, nil
}

// score returns s(x) and the mean path length across trees.
func (f *IsolationForest) score(point DataPoint) (float64, float64) {
	total := 0.0
	for _, tree := range f.trees {
		total += f.pathLength(tree, point, 0)
	}
	avg := total / float64(len(f.trees))

	c := averagePathLength(f.subSampleSize)
	if c == 0 {
		return 0.5, avg
	}
	return math.Pow(2, -avg/c), avg
}

// sampleData draws subSampleSize points without replacement.
func (f *IsolationForest) sampleData(data []DataPoint) []DataPoint {
	// Fisher-Yates shuffle and take first sampleSize elements
	shuffled := make([]DataPoint, len(data))
	copy(shuffled, data)

	for i := len(shuffled) - 1; i > 0; i-- {
		j := f.rng.Intn(i + 1)
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	}

	return shuffled[:f.subSampleSize]
}

// buildTree recursively builds an isolation tree
func (f *IsolationForest) buildTree(data []DataPoint, depth int) *IsolationTree {
	if len(data) <= 1 || depth >= f.maxDepth || allIdentical(data) {
		return &IsolationTree{
			size:   len(data),
			isLeaf: true,
		}
	}

	// Only split on features that still vary in this node.
	candidates := make([]int, 0, f.numFeatures)
	for j := 0; j < f.numFeatures; j++ {
		lo, hi := featureRange(data, j)
		if hi > lo {
			candidates = append(candidates, j)
		}
	}
	splitFeature := candidates[f.rng.Intn(len(candidates))]

	minVal, maxVal := featureRange(data, splitFeature)
	splitValue := minVal + f.rng.Float64()*(maxVal-minVal)

	left, right := splitData(data, splitFeature, splitValue)

	// If split didn't partition the data, make it a leaf
	if len(left) == 0 || len(right) == 0 {
		return &IsolationTree{
			size:   len(data),
			isLeaf: true,
		}
	}

	return &IsolationTree{
		splitFeature: splitFeature,
		splitValue:   splitValue,
		left:         f.buildTree(left, depth+1),
		right:        f.buildTree(right, depth+1),
		size:         len(data),
	}
}

// pathLength calculates the path length for a data point in a tree
func (f *IsolationForest) pathLength(tree *IsolationTree, point DataPoint, currentDepth int) float64 {
	if tree.isLeaf {
		// Add average path length for remaining points in leaf
		return float64(currentDepth) + averagePathLength(tree.size)
	}

	if point.Features[tree.splitFeature] < tree.splitValue {
		return f.pathLength(tree.left, point, currentDepth+1)
	}
	return f.pathLength(tree.right, point, currentDepth+1)
}

// averagePathLength is c(n), the average path length of an unsuccessful
// search in a binary search tree of n points.
func averagePathLength(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}

	// c(n) = 2H(n-1) - (2(n-1)/n)
	return 2*harmonicNumber(n-1) - (2 * float64(n-1) / float64(n))
}

// harmonicNumber approximates H(n) ≈ ln(n) + Euler-Mascheroni constant.
func harmonicNumber(n int) float64 {
	return math.Log(float64(n)) + 0.5772156649
}

func allIdentical(data []DataPoint) bool {
	if len(data) <= 1 {
		return true
	}

	first := data[0].Features
	for i := 1; i < len(data); i++ {
		for j := range first {
			if math.Abs(data[i].Features[j]-first[j]) > 1e-10 {
				return false
			}
		}
	}
	return true
}

func featureRange(data []DataPoint, feature int) (float64, float64) {
	minVal := data[0].Features[feature]
	maxVal := data[0].Features[feature]

	for _, point := range data {
		val := point.Features[feature]
		if val < minVal {
			minVal = val
		}
		if val > maxVal {
			maxVal = val
		}
	}

	return minVal, maxVal
}

func splitData(data []DataPoint, feature int, splitValue float64) ([]DataPoint, []DataPoint) {
	left := make([]DataPoint, 0, len(data))
	right := make([]DataPoint, 0, len(data))

	for _, point := range data {
		if point.Features[feature] < splitValue {
			left = append(left, point)
		} else {
			right = append(right, point)
		}
	}

	return left, right
}

// Anomalies returns the indices of points classified as outliers, most
// anomalous first.
func (f *IsolationForest) Anomalies(points []DataPoint) ([]int, error) {
	results, err := f.BatchPredict(points)
	if err != nil {
		return nil, err
	}

	idx := make([]int, 0)
	for i, r := range results {
		if r.IsAnomaly {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return results[idx[a]].Decision < results[idx[b]].Decision
	})
	return idx, nil
}
