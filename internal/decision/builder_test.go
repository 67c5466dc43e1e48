package decision

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/davidahmann/orca/pkg/types"
)

func sampleDecision() types.Decision {
	return types.Decision{
		Decision:  types.VerdictApprove,
		RiskScore: 0.3,
		Reasons:   []string{"standard_amount"},
		Actions:   []string{"ROUTE:PROCESSOR_A"},
		Meta: map[string]any{
			"trace_id":       "demo-123",
			"routing_hint":   "LOW_RISK_ROUTING",
			"explain":        "Standard transaction amount within normal range",
			"policy_id":      "orca-checkout-default",
			"policy_version": "2024-01-15",
			"policy_hash":    "sha256:policy",
			"tier_id":        "standard-amount",
			"score_source":   "rule",
		},
	}
}

func sampleInput() map[string]any {
	return map[string]any{"amount": 664.0, "currency": "USD", "trace_id": "demo-123"}
}

func TestBuildDecisionDeterministicID(t *testing.T) {
	idA, err := BuildDecisionID(sampleDecision(), sampleInput())
	if err != nil {
		t.Fatalf("build id: %v", err)
	}
	idB, err := BuildDecisionID(sampleDecision(), sampleInput())
	if err != nil {
		t.Fatalf("build id: %v", err)
	}
	if idA == "" || idA != idB {
		t.Fatalf("decision id not deterministic: %s %s", idA, idB)
	}

	changed := sampleDecision()
	changed.RiskScore = 0.31
	idC, err := BuildDecisionID(changed, sampleInput())
	if err != nil {
		t.Fatalf("build id: %v", err)
	}
	if idA == idC {
		t.Fatalf("decision id should change when risk score changes")
	}

	withID := sampleDecision()
	withID.Meta["decision_id"] = idA
	idD, err := BuildDecisionID(withID, sampleInput())
	if err != nil {
		t.Fatalf("build id: %v", err)
	}
	if idD != idA {
		t.Fatalf("decision id must not depend on itself")
	}

	otherOrder := sampleInput()
	otherOrder["order_id"] = "o-2"
	idE, err := BuildDecisionID(sampleDecision(), otherOrder)
	if err != nil {
		t.Fatalf("build id: %v", err)
	}
	if idE == idA {
		t.Fatalf("distinct inputs with the same outcome must not share an id")
	}

	if _, err := BuildDecisionID(sampleDecision(), map[string]any{"bad": math.Inf(1)}); err == nil {
		t.Fatalf("expected error for non-finite input")
	}
}

func TestToResponse(t *testing.T) {
	d := sampleDecision()
	resp, err := ToResponse(d, "sha256:abc")
	if err != nil {
		t.Fatalf("to response: %v", err)
	}
	if resp.Decision != types.VerdictApprove || resp.Reasons[0] != "standard_amount" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Meta["risk_score"] != 0.3 || resp.Meta["decision_id"] != "sha256:abc" {
		t.Fatalf("unexpected meta %v", resp.Meta)
	}
	if _, ok := d.Meta["risk_score"]; ok {
		t.Fatalf("ToResponse must not mutate the decision meta")
	}
	resp.Reasons[0] = "mutated"
	if d.Reasons[0] != "standard_amount" {
		t.Fatalf("response must not alias decision reasons")
	}
}

func TestBuildExplanation(t *testing.T) {
	d := sampleDecision()
	d.Meta["model_score"] = 0.42
	exp := BuildExplanation(d, "sha256:abc", map[string]float64{"velocity": 0.2, "account_age": 0.8}, map[string]any{"velocity": 3})

	if exp.TraceID != "demo-123" || exp.Summary != d.Meta["explain"] {
		t.Fatalf("unexpected explanation %+v", exp)
	}
	if len(exp.Factors) != 4 {
		t.Fatalf("expected 4 factors, got %+v", exp.Factors)
	}
	if exp.Factors[0].Name != "tier:standard-amount" || exp.Factors[1].Name != "model_score" {
		t.Fatalf("unexpected leading factors %+v", exp.Factors)
	}
	if exp.Factors[2].Name != "account_age" || exp.Factors[3].Name != "velocity" {
		t.Fatalf("expected importance ordering, got %+v", exp.Factors)
	}
	if exp.Policy.PolicyHash != "sha256:policy" {
		t.Fatalf("unexpected policy %+v", exp.Policy)
	}
}

func TestBuildEvent(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	ev, err := BuildEvent("", "", "demo-123", map[string]any{"decision": "APPROVE"}, now)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if ev.Type != DefaultEventType || ev.Source != DefaultEventSource || ev.SpecVersion != "1.0" {
		t.Fatalf("unexpected envelope %+v", ev)
	}
	if ev.ID == "" || ev.Time != "2024-06-01T12:00:00Z" {
		t.Fatalf("unexpected id/time %s %s", ev.ID, ev.Time)
	}
	var data map[string]any
	if err := json.Unmarshal(ev.Data, &data); err != nil || data["decision"] != "APPROVE" {
		t.Fatalf("unexpected data %s", ev.Data)
	}

	other, err := BuildEvent("", "", "demo-123", map[string]any{}, now)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	if other.ID == ev.ID {
		t.Fatalf("event ids must be unique")
	}
}
