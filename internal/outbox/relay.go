package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/davidahmann/orca/internal/eventbus"
	"github.com/davidahmann/orca/internal/ledger"
	"github.com/davidahmann/orca/pkg/types"
)

const (
	DefaultBatchSize    = 25
	DefaultPollInterval = 2 * time.Second
)

// Relay delivers pending outbox events to the bus.
type Relay struct {
	Store     ledger.Store
	Publisher eventbus.Publisher
	Logger    *slog.Logger
	BatchSize int
}

// ProcessDue publishes due pending records and records each attempt. A failed
// publish is rescheduled with exponential backoff. It returns the number of
// records it touched.
func (r *Relay) ProcessDue(ctx context.Context, now time.Time) (int, error) {
	if r.Store == nil {
		return 0, errors.New("outbox: missing store")
	}
	if r.Publisher == nil {
		return 0, nil
	}
	limit := r.BatchSize
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	stamp := now.UTC().Format(time.RFC3339)

	due, err := r.Store.ListEventOutboxDue(stamp, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if rec.Status != ledger.OutboxStatusPending {
			continue
		}

		var event types.CloudEvent
		if err := json.Unmarshal(rec.EventJSON, &event); err != nil {
			// Undecodable payloads never succeed; retire them.
			msg := "invalid event_json: " + err.Error()
			rec.LastError = &msg
			markSent(&rec, stamp)
			if err := r.Store.PutEventOutbox(rec); err != nil {
				return processed, err
			}
			r.logger().Error("outbox event dropped", "event_id", rec.EventID, "decision_id", rec.DecisionID, "error", msg)
			processed++
			continue
		}

		if err := r.Publisher.Publish(ctx, event); err != nil {
			next := nextAttempt(rec.AttemptCount)
			rec.AttemptCount++
			rec.NextAttemptAt = now.UTC().Add(next).Format(time.RFC3339)
			msg := err.Error()
			rec.LastError = &msg
			rec.UpdatedAt = stamp
			if err := r.Store.PutEventOutbox(rec); err != nil {
				return processed, err
			}
			r.logger().Warn("outbox publish failed", "event_id", rec.EventID, "attempt", rec.AttemptCount, "next_attempt_at", rec.NextAttemptAt, "error", msg)
			processed++
			continue
		}

		rec.AttemptCount++
		markSent(&rec, stamp)
		if err := r.Store.PutEventOutbox(rec); err != nil {
			return processed, err
		}
		processed++
	}

	return processed, nil
}

func markSent(rec *ledger.EventOutboxRecord, stamp string) {
	rec.Status = ledger.OutboxStatusSent
	sentAt := stamp
	rec.SentAt = &sentAt
	rec.UpdatedAt = stamp
}

func nextAttempt(attemptCount int) time.Duration {
	// 5s, 10s, 20s, 40s, 80s, 160s, ... capped at 5m.
	base := 5 * time.Second
	if attemptCount <= 0 {
		return base
	}
	if attemptCount > 6 {
		return 5 * time.Minute
	}
	d := base << attemptCount
	if max := 5 * time.Minute; d > max {
		return max
	}
	return d
}

// Run polls and processes due outbox records until ctx is cancelled.
func (r *Relay) Run(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := r.ProcessDue(ctx, now); err != nil && !errors.Is(err, context.Canceled) {
				r.logger().Warn("outbox relay", "error", err)
			}
		}
	}
}

func (r *Relay) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}
