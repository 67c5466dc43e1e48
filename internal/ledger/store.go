package ledger

// Store persists emitted decisions. Writes are idempotent on the primary key:
// a decision id is a content digest, so a second put of the same id is a no-op.
type Store interface {
	WithTx(fn func(Tx) error) error

	PutPolicyVersion(policy PolicyVersionRecord) error
	GetPolicyVersion(policyHash string) (PolicyVersionRecord, bool)

	PutDecision(decision DecisionRecord) error
	GetDecision(decisionID string) (DecisionRecord, bool)
	ListDecisionsByTrace(traceID string, limit int) ([]DecisionRecord, error)

	PutEventOutbox(rec EventOutboxRecord) error
	GetEventOutbox(eventID string) (EventOutboxRecord, bool)
	ListEventOutboxDue(now string, limit int) ([]EventOutboxRecord, error)
}

type Tx interface {
	PutPolicyVersion(policy PolicyVersionRecord) error
	GetPolicyVersion(policyHash string) (PolicyVersionRecord, bool)

	PutDecision(decision DecisionRecord) error
	GetDecision(decisionID string) (DecisionRecord, bool)

	PutEventOutbox(rec EventOutboxRecord) error
	GetEventOutbox(eventID string) (EventOutboxRecord, bool)
}

// DefaultListLimit caps list queries when limit is not positive.
const DefaultListLimit = 100

type PolicyVersionRecord struct {
	PolicyHash    string
	PolicyID      string
	PolicyVersion string
	PolicyYAML    string
	CreatedAt     string
}

type DecisionRecord struct {
	DecisionID      string
	TraceID         string
	PolicyHash      string
	Verdict         string
	RiskScore       float64
	BodyJSON        []byte
	ExplanationJSON []byte
	CreatedAt       string
}

const (
	OutboxStatusPending = "pending"
	OutboxStatusSent    = "sent"
)

// EventOutboxRecord is a decision event awaiting delivery to the bus.
// Puts upsert on EventID so the relay can record attempts.
type EventOutboxRecord struct {
	EventID       string
	DecisionID    string
	EventJSON     []byte
	Status        string // pending | sent
	AttemptCount  int
	NextAttemptAt string
	LastError     *string
	SentAt        *string
	CreatedAt     string
	UpdatedAt     string
}
