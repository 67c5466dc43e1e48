package scoring

import "fmt"

type SourceKind string

const (
	SourceRuleBased  SourceKind = "rule"
	SourceModelBased SourceKind = "model"
	SourceBlended    SourceKind = "blended"
)

// ScoreSource decides how the tier score and an optional model score combine
// into the emitted risk score.
type ScoreSource interface {
	Kind() SourceKind
	// ModelScore returns the model prediction, ok=false when the source does
	// not consult a model.
	ModelScore(features map[string]any) (score float64, ok bool, err error)
	Combine(tierScore, modelScore float64) float64
	Importance() map[string]float64
}

type RuleBased struct{}

func (RuleBased) Kind() SourceKind { return SourceRuleBased }

func (RuleBased) ModelScore(map[string]any) (float64, bool, error) { return 0, false, nil }

func (RuleBased) Combine(tierScore, _ float64) float64 { return Clamp(tierScore) }

func (RuleBased) Importance() map[string]float64 { return nil }

type ModelBased struct {
	Scorer RiskScorer
}

func (ModelBased) Kind() SourceKind { return SourceModelBased }

func (m ModelBased) ModelScore(in map[string]any) (float64, bool, error) {
	return predict(m.Scorer, in)
}

func (ModelBased) Combine(_, modelScore float64) float64 { return Clamp(modelScore) }

func (m ModelBased) Importance() map[string]float64 { return importance(m.Scorer) }

// Blended weights the model by Weight and the tier by 1-Weight.
type Blended struct {
	Scorer RiskScorer
	Weight float64
}

func (Blended) Kind() SourceKind { return SourceBlended }

func (b Blended) ModelScore(in map[string]any) (float64, bool, error) {
	return predict(b.Scorer, in)
}

func (b Blended) Combine(tierScore, modelScore float64) float64 {
	w := Clamp(b.Weight)
	return Clamp(w*modelScore + (1-w)*tierScore)
}

func (b Blended) Importance() map[string]float64 { return importance(b.Scorer) }

// NewSource selects a strategy by configured kind.
func NewSource(kind SourceKind, scorer RiskScorer, weight float64) (ScoreSource, error) {
	switch kind {
	case "", SourceRuleBased:
		return RuleBased{}, nil
	case SourceModelBased:
		if scorer == nil {
			return nil, fmt.Errorf("score source %q requires a scorer", kind)
		}
		return ModelBased{Scorer: scorer}, nil
	case SourceBlended:
		if scorer == nil {
			return nil, fmt.Errorf("score source %q requires a scorer", kind)
		}
		if weight < 0 || weight > 1 {
			return nil, fmt.Errorf("blend weight %v outside [0, 1]", weight)
		}
		return Blended{Scorer: scorer, Weight: weight}, nil
	default:
		return nil, fmt.Errorf("unknown score source %q", kind)
	}
}

// ModelIdentity returns the id and content hash of the model behind source.
// Both are empty for rule-based sources and scorers that carry no identity.
func ModelIdentity(source ScoreSource) (id, hash string) {
	var scorer RiskScorer
	switch s := source.(type) {
	case ModelBased:
		scorer = s.Scorer
	case Blended:
		scorer = s.Scorer
	}
	ident, ok := scorer.(interface {
		ModelID() string
		Hash() string
	})
	if !ok {
		return "", ""
	}
	return ident.ModelID(), ident.Hash()
}

func predict(scorer RiskScorer, in map[string]any) (float64, bool, error) {
	if scorer == nil {
		return 0, false, ErrScorerUnavailable
	}
	score, err := scorer.PredictRiskScore(in)
	if err != nil {
		return 0, false, err
	}
	return Clamp(score), true, nil
}

func importance(scorer RiskScorer) map[string]float64 {
	if scorer == nil {
		return nil
	}
	return scorer.FeatureImportance()
}
