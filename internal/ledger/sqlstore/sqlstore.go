package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/davidahmann/orca/internal/ledger"
)

type Store struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

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
	rec, err := scanDecision(s.db.QueryRow(selectDecision+` WHERE decision_id = ?`, decisionID))
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
WHERE trace_id = ?
ORDER BY created_at ASC, decision_id ASC
LIMIT ?`, traceID, limit)
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
	rec, err := scanOutbox(s.db.QueryRow(selectOutbox+` WHERE event_id = ?`, eventID))
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
WHERE status = 'pending' AND next_attempt_at <= ?
ORDER BY created_at ASC, event_id ASC
LIMIT ?`, now, limit)
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
		return fmt.Errorf("missing policy_hash")
	}
	_, err := t.tx.Exec(`INSERT INTO policy_versions(policy_hash, policy_id, policy_version, policy_yaml, created_at) VALUES(?,?,?,?,?) ON CONFLICT(policy_hash) DO NOTHING`,
		policy.PolicyHash, policy.PolicyID, policy.PolicyVersion, policy.PolicyYAML, policy.CreatedAt,
	)
	return err
}

func (t *Tx) GetPolicyVersion(policyHash string) (ledger.PolicyVersionRecord, bool) {
	return scanPolicy(t.tx.QueryRow(selectPolicy, policyHash))
}

func (t *Tx) PutDecision(decision ledger.DecisionRecord) error {
	if decision.DecisionID == "" {
		return fmt.Errorf("missing decision_id")
	}
	var explanation *string
	if len(decision.ExplanationJSON) > 0 {
		s := string(decision.ExplanationJSON)
		explanation = &s
	}
	_, err := t.tx.Exec(`INSERT INTO decisions(decision_id, trace_id, policy_hash, verdict, risk_score, body_json, explanation_json, created_at) VALUES(?,?,?,?,?,?,?,?) ON CONFLICT(decision_id) DO NOTHING`,
		decision.DecisionID, decision.TraceID, decision.PolicyHash, decision.Verdict, decision.RiskScore, string(decision.BodyJSON), explanation, decision.CreatedAt,
	)
	return err
}

func (t *Tx) GetDecision(decisionID string) (ledger.DecisionRecord, bool) {
	rec, err := scanDecision(t.tx.QueryRow(selectDecision+` WHERE decision_id = ?`, decisionID))
	if err != nil {
		return ledger.DecisionRecord{}, false
	}
	return rec, true
}

func (t *Tx) PutEventOutbox(rec ledger.EventOutboxRecord) error {
	if rec.EventID == "" {
		return fmt.Errorf("missing event_id")
	}
	_, err := t.tx.Exec(
		`INSERT INTO event_outbox(event_id, decision_id, event_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at)
VALUES(?,?,?,?,?,?,?,?,?,?)
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
	rec, err := scanOutbox(t.tx.QueryRow(selectOutbox+` WHERE event_id = ?`, eventID))
	if err != nil {
		return ledger.EventOutboxRecord{}, false
	}
	return rec, true
}

const selectPolicy = `SELECT policy_hash, policy_id, policy_version, policy_yaml, created_at FROM policy_versions WHERE policy_hash = ?`

const selectDecision = `SELECT decision_id, trace_id, policy_hash, verdict, risk_score, body_json, explanation_json, created_at FROM decisions`

const selectOutbox = `SELECT event_id, decision_id, event_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at FROM event_outbox`

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
