package policy

import "github.com/davidahmann/orca/pkg/types"

type TierKind string

const (
	TierAmountBelow TierKind = "amount_below"
	TierAmountAbove TierKind = "amount_above"
	TierExpression  TierKind = "expression"
	TierDefault     TierKind = "default"
)

// Document is the on-disk YAML policy.
type Document struct {
	PolicyID        string     `yaml:"policy_id"`
	PolicyVersion   string     `yaml:"policy_version"`
	ReviewThreshold *float64   `yaml:"review_threshold"`
	Tiers           []TierSpec `yaml:"tiers"`
}

type TierSpec struct {
	ID          string   `yaml:"id"`
	Kind        TierKind `yaml:"kind"`
	Threshold   *float64 `yaml:"threshold"`
	Expression  string   `yaml:"expression"`
	Verdict     string   `yaml:"verdict"`
	RiskScore   float64  `yaml:"risk_score"`
	Reason      string   `yaml:"reason"`
	Action      string   `yaml:"action"`
	RoutingHint string   `yaml:"routing_hint"`
	Explain     string   `yaml:"explain"`
}

// Outcome is what a matched tier contributes to the decision.
type Outcome struct {
	Verdict     types.Verdict
	RiskScore   float64
	Reason      string
	Action      string
	RoutingHint string
	Explain     string
}

// Input is the view of a feature set that tiers match against.
type Input struct {
	Amount        float64
	Currency      string
	Features      map[string]any
	ModelScore    float64
	HasModelScore bool
}

// Tier is one entry of the ordered cascade. First match wins.
type Tier interface {
	TierID() string
	Kind() TierKind
	Match(in Input) (bool, error)
	Outcome() Outcome
}

// Policy is a compiled tier cascade.
type Policy struct {
	PolicyID        string
	PolicyVersion   string
	Hash            string
	ReviewThreshold float64
	Tiers           []Tier
}
