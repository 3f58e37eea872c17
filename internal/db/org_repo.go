package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"coursedesk/internal/types"
)

// OrganizationRepository provides data access for the billing columns of the
// organizations table. Administrative CRUD (names, members, courses) goes
// through a separate path; the reconciliation engine only reads and patches
// the billing sub-record.
type OrganizationRepository struct {
	db DBTX
}

// NewOrganizationRepository creates a new OrganizationRepository backed by
// the given database connection (pool or transaction).
func NewOrganizationRepository(db DBTX) *OrganizationRepository {
	return &OrganizationRepository{db: db}
}

// orgColumns defines the standard set of columns selected for organization
// queries. Used consistently across all query methods to avoid column drift.
const orgColumns = `o.id, o.name, o.billing_email, o.billing_status, o.plan_id,
	o.stripe_customer_id, o.stripe_subscription_id, o.stripe_subscription_item_id,
	o.active_user_count, o.current_period_end, o.last_sync_at,
	o.created_at, o.updated_at, o.deleted_at`

// scanOrg scans a single organization row into a types.Organization struct.
// The columns must match the order defined in orgColumns.
func scanOrg(row pgx.Row) (*types.Organization, error) {
	var org types.Organization
	var customerID, subscriptionID, subscriptionItemID *string

	err := row.Scan(
		&org.ID,
		&org.Name,
		&org.BillingEmail,
		&org.BillingStatus,
		&org.PlanID,
		&customerID,
		&subscriptionID,
		&subscriptionItemID,
		&org.ActiveUserCount,
		&org.CurrentPeriodEnd,
		&org.LastSyncAt,
		&org.CreatedAt,
		&org.UpdatedAt,
		&org.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	if customerID != nil {
		org.StripeCustomerID = *customerID
	}
	if subscriptionID != nil {
		org.StripeSubscriptionID = *subscriptionID
	}
	if subscriptionItemID != nil {
		org.StripeSubscriptionItemID = *subscriptionItemID
	}
	return &org, nil
}

// GetByID retrieves an organization by its ID. Excludes soft-deleted
// organizations. Returns ErrCodeNotFoundOrg if no active organization is found.
func (r *OrganizationRepository) GetByID(ctx context.Context, id string) (*types.Organization, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+orgColumns+`
		 FROM organizations o
		 WHERE o.id = $1 AND o.deleted_at IS NULL`,
		id,
	)

	org, err := scanOrg(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve organization", err)
	}
	return org, nil
}

// GetByStripeCustomerID resolves the Stripe customer reference on an event
// back to the owning organization.
func (r *OrganizationRepository) GetByStripeCustomerID(ctx context.Context, customerID string) (*types.Organization, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+orgColumns+`
		 FROM organizations o
		 WHERE o.stripe_customer_id = $1 AND o.deleted_at IS NULL`,
		customerID,
	)

	org, err := scanOrg(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundOrg,
				fmt.Sprintf("no organization for stripe customer %s", customerID), nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve organization", err)
	}
	return org, nil
}

// UpdateBilling applies a partial update to the billing columns. Only fields
// set on the BillingUpdate are written, so concurrent handlers touching
// disjoint fields overlap as little as possible and the payment-failure path
// can never clobber plan or seat data it does not set.
func (r *OrganizationRepository) UpdateBilling(ctx context.Context, id string, upd types.BillingUpdate) error {
	sets := make([]string, 0, 9)
	args := make([]any, 0, 10)

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.BillingStatus != nil {
		add("billing_status", *upd.BillingStatus)
	}
	if upd.ClearPlanID {
		sets = append(sets, "plan_id = NULL")
	} else if upd.PlanID != nil {
		add("plan_id", *upd.PlanID)
	}
	if upd.StripeCustomerID != nil {
		add("stripe_customer_id", *upd.StripeCustomerID)
	}
	if upd.StripeSubscriptionID != nil {
		add("stripe_subscription_id", *upd.StripeSubscriptionID)
	}
	if upd.StripeSubscriptionItemID != nil {
		add("stripe_subscription_item_id", *upd.StripeSubscriptionItemID)
	}
	if upd.ActiveUserCount != nil {
		add("active_user_count", *upd.ActiveUserCount)
	}
	if upd.CurrentPeriodEnd != nil {
		add("current_period_end", *upd.CurrentPeriodEnd)
	}
	if upd.LastSyncAt != nil {
		add("last_sync_at", *upd.LastSyncAt)
	}

	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = NOW()")

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE organizations SET %s WHERE id = $%d AND deleted_at IS NULL`,
		strings.Join(sets, ", "), len(args),
	)

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update organization billing", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found or deleted", nil)
	}
	return nil
}
