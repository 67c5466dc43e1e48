package decision

import (
	"fmt"
	"maps"
	"sort"

	"github.com/davidahmann/orca/internal/crypto"
	"github.com/davidahmann/orca/pkg/types"
)

const DecisionSchema = "ap2.decision.v1"

// BuildDecisionID computes the deterministic decision_id of d for the given
// evaluation input. Replaying the same input yields the same id; distinct
// transactions never share one.
func BuildDecisionID(d types.Decision, input map[string]any) (string, error) {
	inputDigest, err := crypto.CanonicalDigest(input)
	if err != nil {
		return "", fmt.Errorf("input digest: %w", err)
	}
	signingView := map[string]any{
		"schema":       DecisionSchema,
		"input_digest": inputDigest,
		"decision":     string(d.Decision),
		"risk_score":   d.RiskScore,
		"reasons":      d.Reasons,
		"actions":      d.Actions,
		"meta":         withoutKey(d.Meta, types.MetaDecisionID),
	}
	return crypto.CanonicalDigest(signingView)
}

// ToResponse maps a decision onto the external output contract. meta gains
// risk_score and decision_id.
func ToResponse(d types.Decision, decisionID string) (types.DecisionResponse, error) {
	meta := make(map[string]any, len(d.Meta)+2)
	maps.Copy(meta, d.Meta)
	meta[types.MetaRiskScore] = d.RiskScore
	if decisionID != "" {
		meta[types.MetaDecisionID] = decisionID
	}
	return types.NewDecisionResponse(d.Decision, cloneStrings(d.Reasons), cloneStrings(d.Actions), meta)
}

// BuildExplanation derives the rationale document for d. Factors lead with
// the matched tier, then feature importances in descending weight.
func BuildExplanation(d types.Decision, decisionID string, importance map[string]float64, feats map[string]any) types.Explanation {
	factors := []types.ExplanationFactor{}
	if tier := metaString(d.Meta, types.MetaTierID); tier != "" {
		factor := types.ExplanationFactor{Name: "tier:" + tier, Weight: 1}
		if len(d.Reasons) > 0 {
			factor.Value = d.Reasons[0]
		}
		factors = append(factors, factor)
	}
	if ms, ok := d.Meta["model_score"]; ok {
		factors = append(factors, types.ExplanationFactor{Name: "model_score", Weight: 1, Value: ms})
	}

	names := make([]string, 0, len(importance))
	for name := range importance {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if importance[names[i]] != importance[names[j]] {
			return importance[names[i]] > importance[names[j]]
		}
		return names[i] < names[j]
	})
	for _, name := range names {
		factors = append(factors, types.ExplanationFactor{Name: name, Weight: importance[name], Value: feats[name]})
	}

	return types.Explanation{
		DecisionID: decisionID,
		TraceID:    d.TraceID(),
		Decision:   d.Decision,
		RiskScore:  d.RiskScore,
		Summary:    metaString(d.Meta, types.MetaExplain),
		Factors:    factors,
		Policy: types.ExplanationPolicy{
			PolicyID:      metaString(d.Meta, types.MetaPolicyID),
			PolicyVersion: metaString(d.Meta, types.MetaPolicyVersion),
			PolicyHash:    metaString(d.Meta, types.MetaPolicyHash),
		},
		ScoreSource: metaString(d.Meta, types.MetaScoreSource),
	}
}

func metaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

func withoutKey(m map[string]any, key string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k != key {
			out[k] = v
		}
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
