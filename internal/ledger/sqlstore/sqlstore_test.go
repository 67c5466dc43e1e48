package sqlstore

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/davidahmann/orca/internal/ledger"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	s, err := OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := ledger.Migrate(s.DB(), ledger.DBSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

var _ ledger.Store = (*Store)(nil)

func TestStoreCRUD(t *testing.T) {
	s := openTestStore(t)

	policy := ledger.PolicyVersionRecord{
		PolicyHash:    "sha256:ph",
		PolicyID:      "orca-checkout-default",
		PolicyVersion: "2024-01-15",
		PolicyYAML:    "policy_id: orca-checkout-default\n",
		CreatedAt:     "2024-06-01T00:00:00Z",
	}
	if err := s.PutPolicyVersion(policy); err != nil {
		t.Fatalf("put policy: %v", err)
	}
	if got, ok := s.GetPolicyVersion("sha256:ph"); !ok || got.PolicyID != policy.PolicyID {
		t.Fatalf("get policy mismatch: ok=%v got=%+v", ok, got)
	}

	dec := ledger.DecisionRecord{
		DecisionID:      "sha256:d1",
		TraceID:         "demo-123",
		PolicyHash:      "sha256:ph",
		Verdict:         "REVIEW",
		RiskScore:       0.7,
		BodyJSON:        []byte(`{"decision":"REVIEW"}`),
		ExplanationJSON: []byte(`{"summary":"x"}`),
		CreatedAt:       "2024-06-01T00:00:01Z",
	}
	if err := s.PutDecision(dec); err != nil {
		t.Fatalf("put decision: %v", err)
	}
	got, ok := s.GetDecision("sha256:d1")
	if !ok {
		t.Fatalf("expected decision")
	}
	if got.TraceID != "demo-123" || got.RiskScore != 0.7 || string(got.BodyJSON) != string(dec.BodyJSON) || string(got.ExplanationJSON) != string(dec.ExplanationJSON) {
		t.Fatalf("get decision mismatch: %+v", got)
	}

	if _, ok := s.GetDecision("missing"); ok {
		t.Fatalf("expected missing decision")
	}
}

func TestPutDecisionIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	dec := ledger.DecisionRecord{DecisionID: "d1", TraceID: "t1", PolicyHash: "ph", Verdict: "APPROVE", RiskScore: 0.1, BodyJSON: []byte(`{}`), CreatedAt: "a"}
	if err := s.PutDecision(dec); err != nil {
		t.Fatalf("put: %v", err)
	}
	dec.CreatedAt = "b"
	if err := s.PutDecision(dec); err != nil {
		t.Fatalf("put again: %v", err)
	}
	got, _ := s.GetDecision("d1")
	if got.CreatedAt != "a" {
		t.Fatalf("expected first write to win, got %+v", got)
	}
	if got.ExplanationJSON != nil {
		t.Fatalf("expected nil explanation, got %s", got.ExplanationJSON)
	}
}

func TestPutDecisionRejectsInvalidRows(t *testing.T) {
	s := openTestStore(t)
	if err := s.PutDecision(ledger.DecisionRecord{}); err == nil {
		t.Fatalf("expected missing id error")
	}
	bad := ledger.DecisionRecord{DecisionID: "d1", TraceID: "t", PolicyHash: "ph", Verdict: "MAYBE", BodyJSON: []byte(`{}`), CreatedAt: "a"}
	if err := s.PutDecision(bad); err == nil {
		t.Fatalf("expected verdict check constraint error")
	}
	bad.Verdict, bad.RiskScore = "APPROVE", 1.5
	if err := s.PutDecision(bad); err == nil {
		t.Fatalf("expected risk_score check constraint error")
	}
	if err := s.PutPolicyVersion(ledger.PolicyVersionRecord{}); err == nil {
		t.Fatalf("expected missing policy hash error")
	}
}

func TestListDecisionsByTrace(t *testing.T) {
	s := openTestStore(t)
	for i, trace := range []string{"t1", "t2", "t1", "t1"} {
		rec := ledger.DecisionRecord{
			DecisionID: fmt.Sprintf("d%d", i),
			TraceID:    trace,
			PolicyHash: "ph",
			Verdict:    "APPROVE",
			RiskScore:  0.3,
			BodyJSON:   []byte(`{}`),
			CreatedAt:  fmt.Sprintf("2024-06-01T00:00:0%dZ", 9-i),
		}
		if err := s.PutDecision(rec); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got, err := s.ListDecisionsByTrace("t1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"d3", "d2", "d0"}
	if len(got) != len(want) {
		t.Fatalf("expected %d records, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].DecisionID != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], got[i].DecisionID)
		}
	}

	limited, err := s.ListDecisionsByTrace("t1", 1)
	if err != nil || len(limited) != 1 || limited[0].DecisionID != "d3" {
		t.Fatalf("unexpected limited list %+v err=%v", limited, err)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	s := openTestStore(t)
	err := s.WithTx(func(tx ledger.Tx) error {
		if err := tx.PutPolicyVersion(ledger.PolicyVersionRecord{PolicyHash: "ph", PolicyID: "p", PolicyVersion: "1", PolicyYAML: "y", CreatedAt: "a"}); err != nil {
			return err
		}
		if _, ok := tx.GetPolicyVersion("ph"); !ok {
			return errors.New("expected policy inside tx")
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected tx error")
	}
	if _, ok := s.GetPolicyVersion("ph"); ok {
		t.Fatalf("expected rollback")
	}

	if err := s.WithTx(func(tx ledger.Tx) error {
		if err := tx.PutDecision(ledger.DecisionRecord{DecisionID: "d1", TraceID: "t", PolicyHash: "ph", Verdict: "DECLINE", RiskScore: 0.9, BodyJSON: []byte(`{}`), CreatedAt: "a"}); err != nil {
			return err
		}
		if _, ok := tx.GetDecision("d1"); !ok {
			return errors.New("expected decision inside tx")
		}
		return nil
	}); err != nil {
		t.Fatalf("withtx: %v", err)
	}
	if _, ok := s.GetDecision("d1"); !ok {
		t.Fatalf("expected committed decision")
	}
}

func TestEventOutbox(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutPolicyVersion(ledger.PolicyVersionRecord{PolicyHash: "ph", PolicyID: "p", PolicyVersion: "1", PolicyYAML: "y", CreatedAt: "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("put policy: %v", err)
	}
	for _, id := range []string{"d1", "d2"} {
		dec := ledger.DecisionRecord{DecisionID: id, TraceID: "t", PolicyHash: "ph", Verdict: "APPROVE", RiskScore: 0.1, BodyJSON: []byte(`{}`), CreatedAt: "2024-01-01T00:00:00Z"}
		if err := s.PutDecision(dec); err != nil {
			t.Fatalf("put decision: %v", err)
		}
	}

	first := ledger.EventOutboxRecord{EventID: "e1", DecisionID: "d1", EventJSON: []byte(`{"id":"e1"}`), Status: ledger.OutboxStatusPending, NextAttemptAt: "2024-01-01T00:00:00Z", CreatedAt: "2024-01-01T00:00:01Z", UpdatedAt: "2024-01-01T00:00:01Z"}
	later := ledger.EventOutboxRecord{EventID: "e2", DecisionID: "d2", EventJSON: []byte(`{"id":"e2"}`), Status: ledger.OutboxStatusPending, NextAttemptAt: "2024-01-01T01:00:00Z", CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z"}
	for _, rec := range []ledger.EventOutboxRecord{first, later} {
		if err := s.PutEventOutbox(rec); err != nil {
			t.Fatalf("put outbox: %v", err)
		}
	}

	due, err := s.ListEventOutboxDue("2024-01-01T00:30:00Z", 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].EventID != "e1" || string(due[0].EventJSON) != `{"id":"e1"}` || due[0].LastError != nil {
		t.Fatalf("unexpected due %+v", due)
	}

	msg := "broker down"
	sentAt := "2024-01-01T00:31:00Z"
	first.Status = ledger.OutboxStatusSent
	first.AttemptCount = 2
	first.LastError = &msg
	first.SentAt = &sentAt
	if err := s.PutEventOutbox(first); err != nil {
		t.Fatalf("upsert outbox: %v", err)
	}
	got, ok := s.GetEventOutbox("e1")
	if !ok || got.Status != ledger.OutboxStatusSent || got.AttemptCount != 2 || got.LastError == nil || *got.LastError != msg {
		t.Fatalf("unexpected outbox record %+v", got)
	}
	if due, _ := s.ListEventOutboxDue("2024-01-01T02:00:00Z", 0); len(due) != 1 || due[0].EventID != "e2" {
		t.Fatalf("expected only e2 due, got %+v", due)
	}

	if err := s.PutEventOutbox(ledger.EventOutboxRecord{EventID: "e3", DecisionID: "missing", EventJSON: []byte(`{}`), Status: ledger.OutboxStatusPending, NextAttemptAt: "x", CreatedAt: "x", UpdatedAt: "x"}); err == nil {
		t.Fatalf("expected foreign key error")
	}
	if err := s.PutEventOutbox(ledger.EventOutboxRecord{}); err == nil {
		t.Fatalf("expected missing event_id error")
	}
}
