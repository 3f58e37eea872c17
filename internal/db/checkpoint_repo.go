package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"coursedesk/internal/types"
)

// CheckpointRepository manages ordering checkpoints (event_checkpoints):
// the last accepted Stripe-assigned creation timestamp per
// (event type, resource). The stored value is monotonically non-decreasing;
// Advance silently ignores writes that would move a checkpoint backwards,
// which makes checkpoint updates safe under concurrent processing.
type CheckpointRepository struct {
	db DBTX
}

// NewCheckpointRepository creates a new CheckpointRepository backed by the
// given database connection (pool or transaction).
func NewCheckpointRepository(db DBTX) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

// Get returns the last accepted timestamp (epoch seconds) for the key, or
// (0, false, nil) when no checkpoint exists yet.
func (r *CheckpointRepository) Get(ctx context.Context, eventType, resourceID string) (int64, bool, error) {
	var last int64
	err := r.db.QueryRow(ctx,
		`SELECT last_accepted_at FROM event_checkpoints
		 WHERE event_type = $1 AND resource_id = $2`,
		eventType, resourceID,
	).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, types.NewAppError(types.ErrCodeInternalDB, "failed to look up event checkpoint", err)
	}
	return last, true, nil
}

// Advance moves the checkpoint forward to acceptedAt. Writes that do not
// advance the checkpoint are no-ops.
func (r *CheckpointRepository) Advance(ctx context.Context, eventType, resourceID string, acceptedAt int64) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO event_checkpoints (event_type, resource_id, last_accepted_at, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (event_type, resource_id) DO UPDATE
		 SET last_accepted_at = EXCLUDED.last_accepted_at,
		     updated_at = NOW()
		 WHERE event_checkpoints.last_accepted_at < EXCLUDED.last_accepted_at`,
		eventType, resourceID, acceptedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to advance event checkpoint", err)
	}
	return nil
}

// DeleteIdleBefore removes checkpoints that have not advanced since the
// cutoff. A resource idle for the full retention window can no longer
// receive an event young enough to pass the staleness ceiling, so its
// checkpoint is dead weight. Returns the number of deleted rows.
func (r *CheckpointRepository) DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM event_checkpoints WHERE updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete idle checkpoints", err)
	}
	return tag.RowsAffected(), nil
}
