package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

type Verdict string

const (
	VerdictApprove Verdict = "APPROVE"
	VerdictDecline Verdict = "DECLINE"
	VerdictReview  Verdict = "REVIEW"
)

// Valid reports whether v is one of the three terminal classifications.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictApprove, VerdictDecline, VerdictReview:
		return true
	default:
		return false
	}
}

const DefaultCurrency = "USD"

// Meta keys every emitted decision carries.
const (
	MetaTraceID       = "trace_id"
	MetaRoutingHint   = "routing_hint"
	MetaExplain       = "explain"
	MetaRiskScore     = "risk_score"
	MetaDecisionID    = "decision_id"
	MetaPolicyID      = "policy_id"
	MetaPolicyVersion = "policy_version"
	MetaPolicyHash    = "policy_hash"
	MetaTierID        = "tier_id"
	MetaScoreSource   = "score_source"
	MetaModelID       = "model_id"
	MetaModelHash     = "model_hash"
)

// Decision is the canonical in-memory outcome for one transaction.
type Decision struct {
	Decision  Verdict        `json:"decision"`
	RiskScore float64        `json:"risk_score"`
	Reasons   []string       `json:"reasons"`
	Actions   []string       `json:"actions"`
	Meta      map[string]any `json:"meta"`
}

// TraceID returns meta.trace_id, or "" when absent.
func (d Decision) TraceID() string {
	s, _ := d.Meta[MetaTraceID].(string)
	return s
}

// Check enforces the field invariants of a Decision.
func (d Decision) Check() error {
	if !d.Decision.Valid() {
		return &InputValidationError{Field: "decision", Msg: fmt.Sprintf("unknown verdict %q", d.Decision)}
	}
	if math.IsNaN(d.RiskScore) || d.RiskScore < 0 || d.RiskScore > 1 {
		return &InputValidationError{Field: "risk_score", Msg: "must be within [0, 1]"}
	}
	if len(d.Reasons) == 0 {
		return &InputValidationError{Field: "reasons", Msg: "at least one reason is required"}
	}
	if len(d.Actions) == 0 {
		return &InputValidationError{Field: "actions", Msg: "at least one action is required"}
	}
	if d.TraceID() == "" {
		return &InputValidationError{Field: "meta.trace_id", Msg: "is required"}
	}
	return nil
}

// DecisionRequest is the external input contract. TraceID is the optional
// top-level trace id; it wins over features.trace_id and context.trace_id.
type DecisionRequest struct {
	CartTotal float64        `json:"cart_total"`
	Currency  string         `json:"currency"`
	TraceID   string         `json:"trace_id,omitempty"`
	Features  map[string]any `json:"features"`
	Context   map[string]any `json:"context"`
}

// NewDecisionRequest applies defaults and validates. No partially-valid
// request is ever returned.
func NewDecisionRequest(cartTotal float64, currency string, features, context map[string]any) (DecisionRequest, error) {
	req := DecisionRequest{
		CartTotal: cartTotal,
		Currency:  currency,
		Features:  features,
		Context:   context,
	}
	req.applyDefaults()
	if err := req.Validate(); err != nil {
		return DecisionRequest{}, err
	}
	return req, nil
}

func (r *DecisionRequest) applyDefaults() {
	if r.Currency == "" {
		r.Currency = DefaultCurrency
	}
	if r.Features == nil {
		r.Features = map[string]any{}
	}
	if r.Context == nil {
		r.Context = map[string]any{}
	}
}

func (r DecisionRequest) Validate() error {
	if math.IsNaN(r.CartTotal) || math.IsInf(r.CartTotal, 0) {
		return &InputValidationError{Field: "cart_total", Msg: "must be a finite number"}
	}
	if r.CartTotal <= 0 {
		return &InputValidationError{Field: "cart_total", Msg: "must be greater than 0"}
	}
	return nil
}

type rawDecisionRequest struct {
	CartTotal *float64       `json:"cart_total"`
	Currency  string         `json:"currency"`
	TraceID   string         `json:"trace_id"`
	Features  map[string]any `json:"features"`
	Context   map[string]any `json:"context"`
}

// ParseDecisionRequest decodes a JSON DecisionRequest. cart_total is required.
func ParseDecisionRequest(data []byte) (DecisionRequest, error) {
	var raw rawDecisionRequest
	if err := decodeStrictObject(data, &raw); err != nil {
		return DecisionRequest{}, &InputValidationError{Field: "body", Msg: err.Error()}
	}
	if raw.CartTotal == nil {
		return DecisionRequest{}, &InputValidationError{Field: "cart_total", Msg: "is required"}
	}
	req, err := NewDecisionRequest(*raw.CartTotal, raw.Currency, raw.Features, raw.Context)
	if err != nil {
		return DecisionRequest{}, err
	}
	req.TraceID = raw.TraceID
	return req, nil
}

func (r *DecisionRequest) UnmarshalJSON(data []byte) error {
	parsed, err := ParseDecisionRequest(data)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// DecisionResponse is the external output contract and the payload the
// contract validator checks before anything is emitted.
type DecisionResponse struct {
	Decision Verdict        `json:"decision"`
	Reasons  []string       `json:"reasons"`
	Actions  []string       `json:"actions"`
	Meta     map[string]any `json:"meta"`
}

func NewDecisionResponse(decision Verdict, reasons, actions []string, meta map[string]any) (DecisionResponse, error) {
	if decision == "" {
		return DecisionResponse{}, &InputValidationError{Field: "decision", Msg: "is required"}
	}
	if !decision.Valid() {
		return DecisionResponse{}, &InputValidationError{Field: "decision", Msg: fmt.Sprintf("unknown verdict %q", decision)}
	}
	if reasons == nil {
		reasons = []string{}
	}
	if actions == nil {
		actions = []string{}
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return DecisionResponse{Decision: decision, Reasons: reasons, Actions: actions, Meta: meta}, nil
}

type rawDecisionResponse struct {
	Decision *Verdict       `json:"decision"`
	Reasons  []string       `json:"reasons"`
	Actions  []string       `json:"actions"`
	Meta     map[string]any `json:"meta"`
}

// ParseDecisionResponse decodes a JSON DecisionResponse. decision is required.
func ParseDecisionResponse(data []byte) (DecisionResponse, error) {
	var raw rawDecisionResponse
	if err := decodeStrictObject(data, &raw); err != nil {
		return DecisionResponse{}, &InputValidationError{Field: "body", Msg: err.Error()}
	}
	if raw.Decision == nil {
		return DecisionResponse{}, &InputValidationError{Field: "decision", Msg: "is required"}
	}
	return NewDecisionResponse(*raw.Decision, raw.Reasons, raw.Actions, raw.Meta)
}

func (r *DecisionResponse) UnmarshalJSON(data []byte) error {
	parsed, err := ParseDecisionResponse(data)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func decodeStrictObject(data []byte, target any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return errors.New("expected a JSON object")
	}
	return json.Unmarshal(trimmed, target)
}
