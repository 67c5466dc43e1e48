package ledger

import (
	"errors"
	"sort"
	"sync"
)

var errMissingEventID = errors.New("missing event_id")

type InMemoryStore struct {
	mu sync.Mutex

	policies  map[string]PolicyVersionRecord
	decisions map[string]DecisionRecord
	outbox    map[string]EventOutboxRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		policies:  make(map[string]PolicyVersionRecord),
		decisions: make(map[string]DecisionRecord),
		outbox:    make(map[string]EventOutboxRecord),
	}
}

func (s *InMemoryStore) WithTx(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stage writes so a failing fn leaves the store untouched.
	tx := &memTx{
		store:     s,
		policies:  map[string]PolicyVersionRecord{},
		decisions: map[string]DecisionRecord{},
		outbox:    map[string]EventOutboxRecord{},
	}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.policies {
		s.policies[k] = v
	}
	for k, v := range tx.decisions {
		s.decisions[k] = v
	}
	for k, v := range tx.outbox {
		s.outbox[k] = v
	}
	return nil
}

func (s *InMemoryStore) PutPolicyVersion(policy PolicyVersionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[policy.PolicyHash]; !ok {
		s.policies[policy.PolicyHash] = policy
	}
	return nil
}

func (s *InMemoryStore) GetPolicyVersion(policyHash string) (PolicyVersionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	policy, ok := s.policies[policyHash]
	return policy, ok
}

func (s *InMemoryStore) PutDecision(decision DecisionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.decisions[decision.DecisionID]; !ok {
		s.decisions[decision.DecisionID] = decision
	}
	return nil
}

func (s *InMemoryStore) GetDecision(decisionID string) (DecisionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	decision, ok := s.decisions[decisionID]
	return decision, ok
}

// ListDecisionsByTrace returns decisions for traceID ordered by created_at,
// then decision id.
func (s *InMemoryStore) ListDecisionsByTrace(traceID string, limit int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.Lock()
	out := []DecisionRecord{}
	for _, rec := range s.decisions {
		if rec.TraceID == traceID {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].DecisionID < out[j].DecisionID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) PutEventOutbox(rec EventOutboxRecord) error {
	if rec.EventID == "" {
		return errMissingEventID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox[rec.EventID] = cloneOutbox(rec)
	return nil
}

func (s *InMemoryStore) GetEventOutbox(eventID string) (EventOutboxRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outbox[eventID]
	return rec, ok
}

// ListEventOutboxDue returns pending records with next_attempt_at <= now,
// oldest first.
func (s *InMemoryStore) ListEventOutboxDue(now string, limit int) ([]EventOutboxRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.Lock()
	out := []EventOutboxRecord{}
	for _, rec := range s.outbox {
		if rec.Status == OutboxStatusPending && rec.NextAttemptAt <= now {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].EventID < out[j].EventID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneOutbox(rec EventOutboxRecord) EventOutboxRecord {
	rec.EventJSON = append([]byte(nil), rec.EventJSON...)
	return rec
}

type memTx struct {
	store     *InMemoryStore
	policies  map[string]PolicyVersionRecord
	decisions map[string]DecisionRecord
	outbox    map[string]EventOutboxRecord
}

func (t *memTx) PutPolicyVersion(policy PolicyVersionRecord) error {
	if _, ok := t.GetPolicyVersion(policy.PolicyHash); !ok {
		t.policies[policy.PolicyHash] = policy
	}
	return nil
}

func (t *memTx) GetPolicyVersion(policyHash string) (PolicyVersionRecord, bool) {
	if policy, ok := t.policies[policyHash]; ok {
		return policy, true
	}
	policy, ok := t.store.policies[policyHash]
	return policy, ok
}

func (t *memTx) PutDecision(decision DecisionRecord) error {
	if _, ok := t.GetDecision(decision.DecisionID); !ok {
		t.decisions[decision.DecisionID] = decision
	}
	return nil
}

func (t *memTx) GetDecision(decisionID string) (DecisionRecord, bool) {
	if decision, ok := t.decisions[decisionID]; ok {
		return decision, true
	}
	decision, ok := t.store.decisions[decisionID]
	return decision, ok
}

func (t *memTx) PutEventOutbox(rec EventOutboxRecord) error {
	if rec.EventID == "" {
		return errMissingEventID
	}
	t.outbox[rec.EventID] = cloneOutbox(rec)
	return nil
}

func (t *memTx) GetEventOutbox(eventID string) (EventOutboxRecord, bool) {
	if rec, ok := t.outbox[eventID]; ok {
		return rec, true
	}
	rec, ok := t.store.outbox[eventID]
	return rec, ok
}
