package policy

import (
	_ "embed"
	"fmt"
	"math"
	"os"

	"github.com/davidahmann/orca/internal/crypto"
	"github.com/davidahmann/orca/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	DefaultReviewThreshold = 0.8
	DefaultRoutingHint     = "STANDARD_ROUTING"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// DefaultPolicyBytes returns the built-in policy document.
func DefaultPolicyBytes() []byte {
	out := make([]byte, len(defaultPolicyYAML))
	copy(out, defaultPolicyYAML)
	return out
}

// DefaultPolicy is the built-in three-tier amount cascade.
func DefaultPolicy() Policy {
	p, err := ParsePolicy(defaultPolicyYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in policy is invalid: %v", err))
	}
	return p
}

// LoadPolicy loads a YAML policy and computes its hash from raw bytes.
func LoadPolicy(path string) (Policy, error) {
	// #nosec G304 -- path comes from operator-configured policy path.
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, err
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return Policy{}, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func ParsePolicy(data []byte) (Policy, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Policy{}, err
	}
	return Compile(doc, crypto.DigestWithPrefix(data))
}

// Compile validates a document and turns each tier spec into its variant.
func Compile(doc Document, hash string) (Policy, error) {
	if doc.PolicyID == "" {
		return Policy{}, fmt.Errorf("policy_id is required")
	}
	if len(doc.Tiers) == 0 {
		return Policy{}, fmt.Errorf("policy %s has no tiers", doc.PolicyID)
	}

	threshold := DefaultReviewThreshold
	if doc.ReviewThreshold != nil {
		threshold = *doc.ReviewThreshold
		if threshold <= 0 || threshold > 1 {
			return Policy{}, fmt.Errorf("review_threshold %v outside (0, 1]", threshold)
		}
	}

	p := Policy{
		PolicyID:        doc.PolicyID,
		PolicyVersion:   doc.PolicyVersion,
		Hash:            hash,
		ReviewThreshold: threshold,
		Tiers:           make([]Tier, 0, len(doc.Tiers)),
	}

	seen := map[string]bool{}
	for i, spec := range doc.Tiers {
		if spec.ID == "" {
			return Policy{}, fmt.Errorf("tier %d: id is required", i)
		}
		if seen[spec.ID] {
			return Policy{}, fmt.Errorf("tier %s: duplicate id", spec.ID)
		}
		seen[spec.ID] = true

		isLast := i == len(doc.Tiers)-1
		if spec.Kind == TierDefault && !isLast {
			return Policy{}, fmt.Errorf("tier %s: default tier must be last", spec.ID)
		}
		if isLast && spec.Kind != TierDefault {
			return Policy{}, fmt.Errorf("tier %s: cascade must end with a default tier", spec.ID)
		}

		tier, err := compileTier(spec)
		if err != nil {
			return Policy{}, err
		}
		p.Tiers = append(p.Tiers, tier)
	}
	return p, nil
}

func compileTier(spec TierSpec) (Tier, error) {
	result, err := outcomeFromSpec(spec)
	if err != nil {
		return nil, err
	}

	switch spec.Kind {
	case TierAmountBelow, TierAmountAbove:
		if spec.Threshold == nil {
			return nil, fmt.Errorf("tier %s: threshold is required for %s", spec.ID, spec.Kind)
		}
		if spec.Kind == TierAmountBelow {
			return AmountBelow{ID: spec.ID, Threshold: *spec.Threshold, Result: result}, nil
		}
		return AmountAbove{ID: spec.ID, Threshold: *spec.Threshold, Result: result}, nil
	case TierExpression:
		if spec.Expression == "" {
			return nil, fmt.Errorf("tier %s: expression is required", spec.ID)
		}
		return compileExpression(spec.ID, spec.Expression, result)
	case TierDefault:
		return Default{ID: spec.ID, Result: result}, nil
	default:
		return nil, fmt.Errorf("tier %s: unknown kind %q", spec.ID, spec.Kind)
	}
}

func outcomeFromSpec(spec TierSpec) (Outcome, error) {
	verdict := types.Verdict(spec.Verdict)
	if !verdict.Valid() {
		return Outcome{}, fmt.Errorf("tier %s: unknown verdict %q", spec.ID, spec.Verdict)
	}
	if math.IsNaN(spec.RiskScore) || spec.RiskScore < 0 || spec.RiskScore > 1 {
		return Outcome{}, fmt.Errorf("tier %s: risk_score %v outside [0, 1]", spec.ID, spec.RiskScore)
	}
	if spec.Reason == "" {
		return Outcome{}, fmt.Errorf("tier %s: reason is required", spec.ID)
	}
	if spec.Action == "" {
		return Outcome{}, fmt.Errorf("tier %s: action is required", spec.ID)
	}
	// Emitted decisions always carry a routing hint and an explanation.
	routing := spec.RoutingHint
	if routing == "" {
		routing = DefaultRoutingHint
	}
	explain := spec.Explain
	if explain == "" {
		explain = spec.Reason
	}
	return Outcome{
		Verdict:     verdict,
		RiskScore:   spec.RiskScore,
		Reason:      spec.Reason,
		Action:      spec.Action,
		RoutingHint: routing,
		Explain:     explain,
	}, nil
}
