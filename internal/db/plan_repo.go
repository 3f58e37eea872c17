package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"coursedesk/internal/types"
)

// PlanRepository provides read access to the plan catalogue. The
// reconciliation engine only resolves Stripe price IDs to internal plans;
// catalogue management is out of scope.
type PlanRepository struct {
	db DBTX
}

// NewPlanRepository creates a new PlanRepository backed by the given
// database connection (pool or transaction).
func NewPlanRepository(db DBTX) *PlanRepository {
	return &PlanRepository{db: db}
}

const planColumns = `p.id, p.name, p.stripe_price_id, p.price_cents, p.max_seats, p.created_at`

func scanPlan(row pgx.Row) (*types.Plan, error) {
	var plan types.Plan
	err := row.Scan(
		&plan.ID,
		&plan.Name,
		&plan.StripePriceID,
		&plan.PriceCents,
		&plan.MaxSeats,
		&plan.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

// GetByID retrieves a plan by its internal ID.
func (r *PlanRepository) GetByID(ctx context.Context, id string) (*types.Plan, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans p WHERE p.id = $1`,
		id,
	)

	plan, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve plan", err)
	}
	return plan, nil
}

// GetByStripePriceID resolves a Stripe price reference to the internal plan.
func (r *PlanRepository) GetByStripePriceID(ctx context.Context, priceID string) (*types.Plan, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans p WHERE p.stripe_price_id = $1`,
		priceID,
	)

	plan, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlan,
				fmt.Sprintf("no plan mapped to stripe price %s", priceID), nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve plan", err)
	}
	return plan, nil
}
