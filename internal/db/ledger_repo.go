package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"coursedesk/internal/types"
)

// EventLedgerRepository manages the idempotency ledger (processed_events).
//
// Key invariants:
//   - At most one row per stripe_event_id (unique constraint).
//   - A success row is immutable; a failure row may be overwritten by a
//     later successful (or again failed) reprocessing of the redelivered
//     event, but never the other way around.
//
// Concurrency safety for duplicate deliveries of the same event rests on the
// unique constraint: of two concurrent handlers, exactly one RecordOutcome
// wins; the loser sees zero rows affected and treats the event as already
// processed.
type EventLedgerRepository struct {
	db DBTX
}

// NewEventLedgerRepository creates a new EventLedgerRepository backed by the
// given database connection (pool or transaction).
func NewEventLedgerRepository(db DBTX) *EventLedgerRepository {
	return &EventLedgerRepository{db: db}
}

// Get returns the ledger row for the given event ID, or (nil, nil) when the
// event has never been recorded.
func (r *EventLedgerRepository) Get(ctx context.Context, stripeEventID string) (*types.ProcessedEvent, error) {
	var ev types.ProcessedEvent
	var errMsg *string
	err := r.db.QueryRow(ctx,
		`SELECT stripe_event_id, event_type, processed_at, success, error_message, correlation_id
		 FROM processed_events
		 WHERE stripe_event_id = $1`,
		stripeEventID,
	).Scan(&ev.StripeEventID, &ev.EventType, &ev.ProcessedAt, &ev.Success, &errMsg, &ev.CorrelationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up processed event", err)
	}
	if errMsg != nil {
		ev.ErrorMessage = *errMsg
	}
	return &ev, nil
}

// RecordOutcome persists the processing outcome for an event. Returns true
// when this call owns the recorded outcome, false when a concurrent handler
// already recorded a success for the same event ID (the caller must then
// treat the event as already processed).
//
// The conditional upsert only replaces failure rows, so success rows are
// written once and never change.
func (r *EventLedgerRepository) RecordOutcome(ctx context.Context, ev types.ProcessedEvent) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO processed_events
		   (stripe_event_id, event_type, processed_at, success, error_message, correlation_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (stripe_event_id) DO UPDATE
		 SET event_type = EXCLUDED.event_type,
		     processed_at = EXCLUDED.processed_at,
		     success = EXCLUDED.success,
		     error_message = EXCLUDED.error_message,
		     correlation_id = EXCLUDED.correlation_id
		 WHERE processed_events.success = FALSE`,
		ev.StripeEventID,
		ev.EventType,
		ev.ProcessedAt,
		ev.Success,
		nilIfEmpty(ev.ErrorMessage),
		ev.CorrelationID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record processed event", err)
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteProcessedBefore removes ledger rows older than the cutoff. Used by
// the retention sweeper. Returns the number of deleted rows.
func (r *EventLedgerRepository) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete old processed events", err)
	}
	return tag.RowsAffected(), nil
}

// nilIfEmpty maps an empty string to a SQL NULL.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
