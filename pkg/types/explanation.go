package types

// ExplanationFactor is one weighted contributor to a decision.
type ExplanationFactor struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Value  any     `json:"value,omitempty"`
}

type ExplanationPolicy struct {
	PolicyID      string `json:"policy_id"`
	PolicyVersion string `json:"policy_version"`
	PolicyHash    string `json:"policy_hash"`
}

// Explanation is the human- and machine-readable rationale for a decision.
type Explanation struct {
	DecisionID  string              `json:"decision_id"`
	TraceID     string              `json:"trace_id"`
	Decision    Verdict             `json:"decision"`
	RiskScore   float64             `json:"risk_score"`
	Summary     string              `json:"summary"`
	Factors     []ExplanationFactor `json:"factors"`
	Policy      ExplanationPolicy   `json:"policy"`
	ScoreSource string              `json:"score_source,omitempty"`
}
