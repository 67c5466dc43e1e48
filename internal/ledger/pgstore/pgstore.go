package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	_ "github.com/lib/pq"

	"github.com/davidahmann/orca/internal/ledger"
)

type Store struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) WithTx(fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return err
	}
	wrapped := &Tx{tx: tx}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *Store) PutPolicyVersion(policy ledger.PolicyVersionRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutPolicyVersion(policy) })
}

func (s *Store) GetPolicyVersion(policyHash string) (ledger.PolicyVersionRecord, bool) {
	return scanPolicy(s.db.QueryRow(selectPolicy, policyHash))
}

func (s *Store) PutDecision(decision ledger.DecisionRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutDecision(decision) })
}

func (s *Store) GetDecision(decisionID string) (ledger.DecisionRecord, bool) {
	rec, err := scanDecision(s.db.QueryRow(selectDecision+` WHERE decision_id = $1`, decisionID))
	if err != nil {
		return ledger.DecisionRecord{}, false
	}
	return rec, true
}

func (s *Store) ListDecisionsByTrace(traceID string, limit int) ([]ledger.DecisionRecord, error) {
	if limit <= 0 {
		limit = ledger.DefaultListLimit
	}
	rows, err := s.db.Query(selectDecision+`
WHERE trace_id = $1
ORDER BY created_at ASC, decision_id ASC
LIMIT $2`, traceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.DecisionRecord{}
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutEventOutbox(rec ledger.EventOutboxRecord) error {
	return s.WithTx(func(tx ledger.Tx) error { return tx.PutEventOutbox(rec) })
}

func (s *Store) GetEventOutbox(eventID string) (ledger.EventOutboxRecord, bool) {
	rec, err := scanOutbox(s.db.QueryRow(selectOutbox+` WHERE event_id = $1`, eventID))
	if err != nil {
		return ledger.EventOutboxRecord{}, false
	}
	return rec, true
}

func (s *Store) ListEventOutboxDue(now string, limit int) ([]ledger.EventOutboxRecord, error) {
	if limit <= 0 {
		limit = ledger.DefaultListLimit
	}
	rows, err := s.db.Query(selectOutbox+`
WHERE status = 'pending' AND next_attempt_at <= $1::timestamptz
ORDER BY created_at ASC, event_id ASC
LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.EventOutboxRecord{}
	for rows.Next() {
		rec, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type Tx struct {
	tx *sql.Tx
}

func (t *Tx) PutPolicyVersion(policy ledger.PolicyVersionRecord) error {
	if policy.PolicyHash == "" {
		return errors.New("missing policy_hash")
	}
	_, err := t.tx.Exec(`INSERT INTO orca_policy_versions(policy_hash, policy_id, policy_version, policy_yaml, created_at) VALUES($1,$2,$3,$4,$5::timestamptz) ON CONFLICT(policy_hash) DO NOTHING`,
		policy.PolicyHash, policy.PolicyID, policy.PolicyVersion, policy.PolicyYAML, policy.CreatedAt,
	)
	return err
}

func (t *Tx) GetPolicyVersion(policyHash string) (ledger.PolicyVersionRecord, bool) {
	return scanPolicy(t.tx.QueryRow(selectPolicy, policyHash))
}

func (t *Tx) PutDecision(decision ledger.DecisionRecord) error {
	if decision.DecisionID == "" {
		return errors.New("missing decision_id")
	}
	if !json.Valid(decision.BodyJSON) {
		return errors.New("invalid body_json")
	}
	var explanation *string
	if len(decision.ExplanationJSON) > 0 {
		if !json.Valid(decision.ExplanationJSON) {
			return errors.New("invalid explanation_json")
		}
		s := string(decision.ExplanationJSON)
		explanation = &s
	}
	_, err := t.tx.Exec(`INSERT INTO orca_decisions(decision_id, trace_id, policy_hash, verdict, risk_score, body_json, explanation_json, created_at) VALUES($1,$2,$3,$4::orca_verdict,$5,$6::jsonb,$7::jsonb,$8::timestamptz) ON CONFLICT(decision_id) DO NOTHING`,
		decision.DecisionID, decision.TraceID, decision.PolicyHash, decision.Verdict, decision.RiskScore, string(decision.BodyJSON), explanation, decision.CreatedAt,
	)
	return err
}

func (t *Tx) GetDecision(decisionID string) (ledger.DecisionRecord, bool) {
	rec, err := scanDecision(t.tx.QueryRow(selectDecision+` WHERE decision_id = $1`, decisionID))
	if err != nil {
		return ledger.DecisionRecord{}, false
	}
	return rec, true
}

func (t *Tx) PutEventOutbox(rec ledger.EventOutboxRecord) error {
	if rec.EventID == "" {
		return errors.New("missing event_id")
	}
	if !json.Valid(rec.EventJSON) {
		return errors.New("invalid event_json")
	}
	_, err := t.tx.Exec(
		`INSERT INTO orca_event_outbox(event_id, decision_id, event_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at)
VALUES($1,$2,$3::jsonb,$4,$5,$6::timestamptz,$7,$8::timestamptz,$9::timestamptz,$10::timestamptz)
ON CONFLICT(event_id) DO UPDATE SET
  status=excluded.status,
  attempt_count=excluded.attempt_count,
  next_attempt_at=excluded.next_attempt_at,
  last_error=excluded.last_error,
  sent_at=excluded.sent_at,
  updated_at=excluded.updated_at`,
		rec.EventID,
		rec.DecisionID,
		string(rec.EventJSON),
		rec.Status,
		rec.AttemptCount,
		rec.NextAttemptAt,
		rec.LastError,
		rec.SentAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

func (t *Tx) GetEventOutbox(eventID string) (ledger.EventOutboxRecord, bool) {
	rec, err := scanOutbox(t.tx.QueryRow(selectOutbox+` WHERE event_id = $1`, eventID))
	if err != nil {
		return ledger.EventOutboxRecord{}, false
	}
	return rec, true
}

const selectPolicy = `SELECT policy_hash, policy_id, policy_version, policy_yaml, created_at::text FROM orca_policy_versions WHERE policy_hash = $1`

const selectDecision = `SELECT decision_id, trace_id, policy_hash, verdict::text, risk_score, body_json::text, explanation_json::text, created_at::text FROM orca_decisions`

const selectOutbox = `SELECT event_id, decision_id, event_json::text, status, attempt_count, next_attempt_at::text, last_error, sent_at::text, created_at::text, updated_at::text FROM orca_event_outbox`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (ledger.PolicyVersionRecord, bool) {
	var rec ledger.PolicyVersionRecord
	if err := row.Scan(&rec.PolicyHash, &rec.PolicyID, &rec.PolicyVersion, &rec.PolicyYAML, &rec.CreatedAt); err != nil {
		return ledger.PolicyVersionRecord{}, false
	}
	return rec, true
}

func scanDecision(row rowScanner) (ledger.DecisionRecord, error) {
	var rec ledger.DecisionRecord
	var body string
	var explanation sql.NullString
	if err := row.Scan(&rec.DecisionID, &rec.TraceID, &rec.PolicyHash, &rec.Verdict, &rec.RiskScore, &body, &explanation, &rec.CreatedAt); err != nil {
		return ledger.DecisionRecord{}, err
	}
	rec.BodyJSON = []byte(body)
	if explanation.Valid {
		rec.ExplanationJSON = []byte(explanation.String)
	}
	return rec, nil
}

func scanOutbox(row rowScanner) (ledger.EventOutboxRecord, error) {
	var rec ledger.EventOutboxRecord
	var event string
	if err := row.Scan(&rec.EventID, &rec.DecisionID, &event, &rec.Status, &rec.AttemptCount, &rec.NextAttemptAt, &rec.LastError, &rec.SentAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return ledger.EventOutboxRecord{}, err
	}
	rec.EventJSON = []byte(event)
	return rec, nil
}
