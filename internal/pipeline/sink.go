package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/davidahmann/orca/internal/eventbus"
	"github.com/davidahmann/orca/internal/ledger"
	"github.com/davidahmann/orca/pkg/types"
)

// Emission is everything a sink may record for one contract-valid decision.
type Emission struct {
	DecisionID  string
	Decision    types.Decision
	Response    types.DecisionResponse
	Explanation types.Explanation
	Event       types.CloudEvent
	CreatedAt   time.Time
}

type Sink interface {
	Name() string
	Emit(ctx context.Context, em Emission) error
}

// LedgerSink records the decision and the policy version that produced it in
// one transaction. With EnqueueEvents set the event envelope joins the same
// transaction as a pending outbox record for the relay to deliver.
type LedgerSink struct {
	Store         ledger.Store
	PolicyYAML    []byte
	EnqueueEvents bool
}

func (LedgerSink) Name() string { return "ledger" }

func (s LedgerSink) Emit(ctx context.Context, em Emission) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(em.Response)
	if err != nil {
		return err
	}
	explanation, err := json.Marshal(em.Explanation)
	if err != nil {
		return err
	}
	createdAt := em.CreatedAt.UTC().Format(time.RFC3339Nano)
	policy := ledger.PolicyVersionRecord{
		PolicyHash:    em.Explanation.Policy.PolicyHash,
		PolicyID:      em.Explanation.Policy.PolicyID,
		PolicyVersion: em.Explanation.Policy.PolicyVersion,
		PolicyYAML:    string(s.PolicyYAML),
		CreatedAt:     createdAt,
	}
	rec := ledger.DecisionRecord{
		DecisionID:      em.DecisionID,
		TraceID:         em.Decision.TraceID(),
		PolicyHash:      policy.PolicyHash,
		Verdict:         string(em.Decision.Decision),
		RiskScore:       em.Decision.RiskScore,
		BodyJSON:        body,
		ExplanationJSON: explanation,
		CreatedAt:       createdAt,
	}
	var outbox *ledger.EventOutboxRecord
	if s.EnqueueEvents {
		event, err := json.Marshal(em.Event)
		if err != nil {
			return err
		}
		queuedAt := em.CreatedAt.UTC().Format(time.RFC3339)
		outbox = &ledger.EventOutboxRecord{
			EventID:       em.Event.ID,
			DecisionID:    em.DecisionID,
			EventJSON:     event,
			Status:        ledger.OutboxStatusPending,
			NextAttemptAt: queuedAt,
			CreatedAt:     queuedAt,
			UpdatedAt:     queuedAt,
		}
	}
	return s.Store.WithTx(func(tx ledger.Tx) error {
		if policy.PolicyHash != "" {
			if _, ok := tx.GetPolicyVersion(policy.PolicyHash); !ok {
				if err := tx.PutPolicyVersion(policy); err != nil {
					return err
				}
			}
		}
		if err := tx.PutDecision(rec); err != nil {
			return err
		}
		if outbox == nil {
			return nil
		}
		return tx.PutEventOutbox(*outbox)
	})
}

// EventSink publishes the decision envelope.
type EventSink struct {
	Publisher eventbus.Publisher
}

func (EventSink) Name() string { return "events" }

func (s EventSink) Emit(ctx context.Context, em Emission) error {
	return s.Publisher.Publish(ctx, em.Event)
}
