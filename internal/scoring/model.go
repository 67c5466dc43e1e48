package scoring

import (
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/davidahmann/orca/internal/crypto"
	"github.com/davidahmann/orca/internal/features"
	"gopkg.in/yaml.v3"
)

// ModelSpec is a logistic model exported by the training pipeline.
type ModelSpec struct {
	ModelID      string             `yaml:"model_id"`
	ModelVersion string             `yaml:"model_version"`
	Intercept    float64            `yaml:"intercept"`
	Weights      map[string]float64 `yaml:"weights"`
}

// LogisticScorer predicts sigmoid(intercept + sum(w_i * x_i)). Features that
// are missing or non-numeric contribute 0.
type LogisticScorer struct {
	spec ModelSpec
	hash string
}

func NewLogisticScorer(spec ModelSpec) (*LogisticScorer, error) {
	if len(spec.Weights) == 0 {
		return nil, fmt.Errorf("model %q has no weights", spec.ModelID)
	}
	for name, w := range spec.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("model %q weight %q is not finite", spec.ModelID, name)
		}
	}
	return &LogisticScorer{spec: spec}, nil
}

// LoadModel reads a YAML model file.
func LoadModel(path string) (*LogisticScorer, error) {
	// #nosec G304 -- path comes from operator-configured model path.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var spec ModelSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse model %s: %w", path, err)
	}
	scorer, err := NewLogisticScorer(spec)
	if err != nil {
		return nil, err
	}
	scorer.hash = crypto.DigestWithPrefix(data)
	return scorer, nil
}

func (m *LogisticScorer) ModelID() string {
	if m == nil {
		return ""
	}
	return m.spec.ModelID
}

// Hash is the digest of the model file, empty for scorers not built by
// LoadModel.
func (m *LogisticScorer) Hash() string {
	if m == nil {
		return ""
	}
	return m.hash
}

func (m *LogisticScorer) PredictRiskScore(in map[string]any) (float64, error) {
	if m == nil {
		return 0, ErrScorerUnavailable
	}
	z := m.spec.Intercept
	for _, name := range m.featureNames() {
		x, ok := features.Number(in[name])
		if !ok {
			continue
		}
		z += m.spec.Weights[name] * x
	}
	return Clamp(1 / (1 + math.Exp(-z))), nil
}

// FeatureImportance returns |w| normalised to sum to 1.
func (m *LogisticScorer) FeatureImportance() map[string]float64 {
	out := make(map[string]float64, len(m.spec.Weights))
	total := 0.0
	for _, w := range m.spec.Weights {
		total += math.Abs(w)
	}
	for name, w := range m.spec.Weights {
		if total == 0 {
			out[name] = 0
			continue
		}
		out[name] = math.Abs(w) / total
	}
	return out
}

// featureNames keeps summation order fixed so predictions are reproducible
// bit for bit.
func (m *LogisticScorer) featureNames() []string {
	names := make([]string, 0, len(m.spec.Weights))
	for name := range m.spec.Weights {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
