package types

// BillingStatus is the organization's billing lifecycle state. The first
// group mirrors Stripe subscription statuses; the second group covers
// transient business states driven by intermediate payment events.
type BillingStatus string

const (
	BillingStatusActive            BillingStatus = "active"
	BillingStatusPastDue           BillingStatus = "past_due"
	BillingStatusCanceled          BillingStatus = "canceled"
	BillingStatusUnpaid            BillingStatus = "unpaid"
	BillingStatusIncomplete        BillingStatus = "incomplete"
	BillingStatusIncompleteExpired BillingStatus = "incomplete_expired"
	BillingStatusTrialing          BillingStatus = "trialing"
	BillingStatusPaused            BillingStatus = "paused"

	BillingStatusPending3DS    BillingStatus = "pending_3ds"
	BillingStatusSetupRequired BillingStatus = "setup_required"
	BillingStatusPaymentFailed BillingStatus = "payment_failed"
	BillingStatusTrialEnding   BillingStatus = "trial_ending"
)
