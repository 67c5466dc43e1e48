// Package scoring holds the risk-score capabilities the rule evaluator
// consumes. The model itself is a black box behind RiskScorer.
package scoring

import (
	"errors"
	"math"
)

var ErrScorerUnavailable = errors.New("risk scorer unavailable")

// RiskScorer is the external model capability.
type RiskScorer interface {
	PredictRiskScore(features map[string]any) (float64, error)
	FeatureImportance() map[string]float64
}

// ConstantScorer always predicts the same score. It stands in for a model when
// none is configured.
type ConstantScorer struct {
	Score      float64
	Importance map[string]float64
}

func (c ConstantScorer) PredictRiskScore(map[string]any) (float64, error) {
	return Clamp(c.Score), nil
}

func (c ConstantScorer) FeatureImportance() map[string]float64 {
	out := make(map[string]float64, len(c.Importance))
	for k, v := range c.Importance {
		out[k] = v
	}
	return out
}

// Clamp bounds a score to [0, 1]. NaN maps to 0.
func Clamp(score float64) float64 {
	switch {
	case math.IsNaN(score), score < 0:
		return 0
	case score > 1:
		return 1
	default:
		return score
	}
}
