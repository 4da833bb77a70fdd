package ml

import (
	"encoding/json"
	"fmt"
	"time"
)

// ArtifactKind names the serialized forest in the model store.
const ArtifactKind = "isolation_forest"

type treeNode struct {
	Feature int       `json:"f,omitempty"`
	Split   float64   `json:"v,omitempty"`
	Size    int       `json:"n"`
	Leaf    bool      `json:"l,omitempty"`
	Left    *treeNode `json:"lt,omitempty"`
	Right   *treeNode `json:"rt,omitempty"`
}

type forestArtifact struct {
	Config        Config      `json:"config"`
	SubSampleSize int         `json:"sub_sample_size"`
	MaxDepth      int         `json:"max_depth"`
	NumFeatures   int         `json:"num_features"`
	Threshold     float64     `json:"threshold"`
	TrainScores   []float64   `json:"train_scores"`
	TrainedAt     time.Time   `json:"trained_at"`
	Trees         []*treeNode `json:"trees"`
}

func toNode(t *IsolationTree) *treeNode {
	if t == nil {
		return nil
	}
	return &treeNode{
		Feature: t.splitFeature,
		Split:   t.splitValue,
		Size:    t.size,
		Leaf:    t.isLeaf,
		Left:    toNode(t.left),
		Right:   toNode(t.right),
	}
}

func fromNode(n *treeNode) *IsolationTree {
	if n == nil {
		return nil
	}
	return &IsolationTree{
		splitFeature: n.Feature,
		splitValue:   n.Split,
		size:         n.Size,
		isLeaf:       n.Leaf,
		left:         fromNode(n.Left),
		right:        fromNode(n.Right),
	}
}

// MarshalJSON serializes a fitted forest so it can be stored as a model artifact.
func (f *IsolationForest) MarshalJSON() ([]byte, error) {
	if !f.Fitted() {
		return nil, ErrNotFitted
	}
	a := forestArtifact{
		Config:        f.cfg,
		SubSampleSize: f.subSampleSize,
		MaxDepth:      f.maxDepth,
		NumFeatures:   f.numFeatures,
		Threshold:     f.threshold,
		TrainScores:   f.trainScores,
		TrainedAt:     f.trainedAt,
		Trees:         make([]*treeNode, len(f.trees)),
	}
	for i, t := range f.trees {
		a.Trees[i] = toNode(t)
	}
	return json.Marshal(a)
}

// UnmarshalJSON restores a forest produced by MarshalJSON.
func (f *IsolationForest) UnmarshalJSON(data []byte) error {
	var a forestArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("decode forest artifact: %w", err)
	}
	if len(a.Trees) == 0 {
		return fmt.Errorf("decode forest artifact: %w", ErrNotFitted)
	}
	restored := NewIsolationForest(a.Config)
	restored.subSampleSize = a.SubSampleSize
	restored.maxDepth = a.MaxDepth
	restored.numFeatures = a.NumFeatures
	restored.threshold = a.Threshold
	restored.trainScores = a.TrainScores
	restored.trainedAt = a.TrainedAt
	restored.trees = make([]*IsolationTree, len(a.Trees))
	for i, n := range a.Trees {
		restored.trees[i] = fromNode(n)
	}
	*f = *restored
	return nil
}
