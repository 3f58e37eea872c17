package types

import "time"

// Organization is the billable entity owning users, courses, and seats.
// Only the billing-relevant columns are modeled here; the administrative
// CRUD surface lives in a separate service.
type Organization struct {
	ID           string `json:"id" db:"id"`
	Name         string `json:"name" db:"name"`
	BillingEmail string `json:"billing_email" db:"billing_email"`

	BillingStatus            BillingStatus `json:"billing_status" db:"billing_status"`
	PlanID                   *string       `json:"plan_id,omitempty" db:"plan_id"`
	StripeCustomerID         string        `json:"-" db:"stripe_customer_id"`
	StripeSubscriptionID     string        `json:"-" db:"stripe_subscription_id"`
	StripeSubscriptionItemID string        `json:"-" db:"stripe_subscription_item_id"`
	ActiveUserCount          int           `json:"active_user_count" db:"active_user_count"`
	CurrentPeriodEnd         *time.Time    `json:"current_period_end,omitempty" db:"current_period_end"`
	LastSyncAt               *time.Time    `json:"last_sync_at,omitempty" db:"last_sync_at"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"-" db:"deleted_at"`
}

// Plan is a row in the internal plan catalogue. Read-only from the
// reconciliation engine's perspective; used to resolve Stripe price IDs
// to internal plan IDs.
type Plan struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	StripePriceID *string   `json:"-" db:"stripe_price_id"`
	PriceCents    int64     `json:"price_cents" db:"price_cents"`
	MaxSeats      int       `json:"max_seats" db:"max_seats"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// ProcessedEvent is a row in the idempotency ledger: one per externally
// observed Stripe event ID. A row with Success=true is immutable and
// permanently short-circuits reprocessing; a row with Success=false records
// an exhausted failure and allows the provider's redelivery to reprocess.
type ProcessedEvent struct {
	StripeEventID string    `json:"stripe_event_id" db:"stripe_event_id"`
	EventType     string    `json:"event_type" db:"event_type"`
	ProcessedAt   time.Time `json:"processed_at" db:"processed_at"`
	Success       bool      `json:"success" db:"success"`
	ErrorMessage  string    `json:"error_message,omitempty" db:"error_message"`
	CorrelationID string    `json:"correlation_id" db:"correlation_id"`
}

// EventCheckpoint records the creation timestamp (epoch seconds, assigned by
// Stripe) of the last accepted event per (event type, resource). Events at
// or before the checkpoint are causally stale and rejected.
type EventCheckpoint struct {
	EventType      string    `json:"event_type" db:"event_type"`
	ResourceID     string    `json:"resource_id" db:"resource_id"`
	LastAcceptedAt int64     `json:"last_accepted_at" db:"last_accepted_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// BillingUpdate is a partial update of an organization's billing columns.
// Nil fields are left untouched, which is how handlers honor the dunning
// invariant: a payment-failure handler simply never sets PlanID,
// ActiveUserCount, or StripeSubscriptionID.
type BillingUpdate struct {
	BillingStatus            *BillingStatus
	PlanID                   *string
	ClearPlanID              bool
	StripeCustomerID         *string
	StripeSubscriptionID     *string
	StripeSubscriptionItemID *string
	ActiveUserCount          *int
	CurrentPeriodEnd         *time.Time
	LastSyncAt               *time.Time
}
