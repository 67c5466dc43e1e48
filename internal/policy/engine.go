package policy

import (
	"log/slog"

	"github.com/davidahmann/orca/internal/features"
	"github.com/davidahmann/orca/internal/scoring"
	"github.com/davidahmann/orca/pkg/types"
)

const (
	ReasonModelRisk   = "model_risk"
	ReasonNoTierMatch = "no_tier_matched"

	ActionStepUp3DS     = "STEP_UP:3DS"
	ActionManualReview  = "ROUTE:MANUAL_REVIEW"
	RoutingHighRisk     = "HIGH_RISK_ROUTING"
	RoutingManualReview = "MANUAL_REVIEW_ROUTING"
)

// approveMargin keeps APPROVE scores strictly under the lowest REVIEW or
// DECLINE score.
const approveMargin = 0.01

type Evaluator struct {
	policy    Policy
	source    scoring.ScoreSource
	logger    *slog.Logger
	ceiling   float64
	modelID   string
	modelHash string
}

type Option func(*Evaluator)

func WithScoreSource(source scoring.ScoreSource) Option {
	return func(e *Evaluator) {
		if source != nil {
			e.source = source
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEvaluator builds an evaluator for p. The default score source is
// rule based.
func NewEvaluator(p Policy, opts ...Option) *Evaluator {
	if p.ReviewThreshold <= 0 || p.ReviewThreshold > 1 {
		p.ReviewThreshold = DefaultReviewThreshold
	}
	e := &Evaluator{policy: p, source: scoring.RuleBased{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	e.ceiling = approveCeiling(e.policy)
	e.modelID, e.modelHash = scoring.ModelIdentity(e.source)
	return e
}

// approveCeiling is the lowest score any REVIEW or DECLINE outcome of p can
// carry, including the no-match fallback.
func approveCeiling(p Policy) float64 {
	ceiling := p.ReviewThreshold
	for _, tier := range p.Tiers {
		out := tier.Outcome()
		if out.Verdict != types.VerdictApprove && out.RiskScore < ceiling {
			ceiling = out.RiskScore
		}
	}
	return ceiling
}

func (e *Evaluator) Policy() Policy { return e.policy }

func (e *Evaluator) Source() scoring.ScoreSource { return e.source }

// Evaluate maps a feature set to a decision. It never fails: a missing amount
// reads as 0, model errors fall back to the tier score and tier errors count
// as no match.
func (e *Evaluator) Evaluate(fs features.FeatureSet) types.Decision {
	traceID := fs.TraceID()
	in := Input{Amount: fs.Amount(), Currency: fs.Currency(), Features: fs.Map()}

	modelScore, hasModel, err := e.source.ModelScore(in.Features)
	if err != nil {
		e.logger.Warn("model score unavailable, using tier score", "trace_id", traceID, "score_source", e.source.Kind(), "error", err)
	}
	in.ModelScore, in.HasModelScore = modelScore, hasModel

	tierID, out := e.match(in, traceID)

	score := out.RiskScore
	if hasModel {
		score = e.source.Combine(out.RiskScore, modelScore)
	}
	verdict := out.Verdict
	reasons := []string{out.Reason}
	actions := []string{out.Action}
	routing := out.RoutingHint
	explain := out.Explain

	if verdict != types.VerdictApprove && score < out.RiskScore {
		score = out.RiskScore
	}
	if hasModel && verdict == types.VerdictApprove && modelScore >= e.policy.ReviewThreshold {
		verdict = types.VerdictReview
		reasons = append(reasons, ReasonModelRisk)
		actions = []string{ActionStepUp3DS}
		routing = RoutingHighRisk
		explain = joinExplain(explain, "model risk score exceeds review threshold")
		if score < e.policy.ReviewThreshold {
			score = e.policy.ReviewThreshold
		}
	}
	if verdict == types.VerdictApprove && score >= e.ceiling {
		score = max(e.ceiling-approveMargin, 0)
	}

	meta := map[string]any{
		types.MetaTraceID:       traceID,
		types.MetaRoutingHint:   routing,
		types.MetaExplain:       explain,
		types.MetaPolicyID:      e.policy.PolicyID,
		types.MetaPolicyVersion: e.policy.PolicyVersion,
		types.MetaPolicyHash:    e.policy.Hash,
		types.MetaTierID:        tierID,
		types.MetaScoreSource:   string(e.source.Kind()),
	}
	if hasModel {
		meta["model_score"] = modelScore
		if e.modelID != "" {
			meta[types.MetaModelID] = e.modelID
		}
		if e.modelHash != "" {
			meta[types.MetaModelHash] = e.modelHash
		}
	}

	return types.Decision{
		Decision:  verdict,
		RiskScore: scoring.Clamp(score),
		Reasons:   reasons,
		Actions:   actions,
		Meta:      meta,
	}
}

func (e *Evaluator) match(in Input, traceID string) (string, Outcome) {
	for _, tier := range e.policy.Tiers {
		ok, err := tier.Match(in)
		if err != nil {
			e.logger.Warn("tier evaluation failed, skipping", "trace_id", traceID, "tier_id", tier.TierID(), "error", err)
			continue
		}
		if ok {
			return tier.TierID(), tier.Outcome()
		}
	}
	// Only reachable for hand-built policies without a default tier.
	return "", Outcome{
		Verdict:     types.VerdictReview,
		RiskScore:   e.policy.ReviewThreshold,
		Reason:      ReasonNoTierMatch,
		Action:      ActionManualReview,
		RoutingHint: RoutingManualReview,
		Explain:     "No policy tier matched the transaction",
	}
}

func joinExplain(base, extra string) string {
	if base == "" {
		return extra
	}
	return base + "; " + extra
}
