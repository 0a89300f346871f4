package scoring

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"indiaoptions-bot/pkg/types"
)

// LogisticModel is a logistic regression over the engineered feature
// vector, trained offline on the persisted chain snapshots and trade
// outcomes. Weights are loaded from a JSON file.
type LogisticModel struct {
	version string
	weights []float64
	bias    float64
}

type modelFile struct {
	Version        string    `json:"version"`
	FeatureVersion string    `json:"feature_version"`
	Weights        []float64 `json:"weights"`
	Bias           float64   `json:"bias"`
}

// LoadModel reads model weights from path. The file's feature_version must
// match the vector layout this build engineers.
func LoadModel(path string) (*LogisticModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	var mf modelFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse model: %w", err)
	}
	if mf.FeatureVersion != FeatureVersion {
		return nil, fmt.Errorf("model feature version %q, want %q", mf.FeatureVersion, FeatureVersion)
	}
	want := len(Features(types.Signal{}))
	if len(mf.Weights) != want {
		return nil, fmt.Errorf("model has %d weights, want %d", len(mf.Weights), want)
	}
	return &LogisticModel{version: mf.Version, weights: mf.Weights, bias: mf.Bias}, nil
}

func (m *LogisticModel) Version() string { return m.version }

// Predict returns sigmoid(w·x + b).
func (m *LogisticModel) Predict(features []float64) (float64, error) {
	if len(features) != len(m.weights) {
		return 0, fmt.Errorf("feature vector has %d entries, want %d", len(features), len(m.weights))
	}
	z := m.bias
	for i, w := range m.weights {
		z += w * features[i]
	}
	return 1 / (1 + math.Exp(-z)), nil
}
