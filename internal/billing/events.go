package billing

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"coursedesk/internal/types"
)

// Stripe webhook event types handled by the engine. Anything else is a
// logged no-op; new provider event types must never break processing of
// known ones.
const (
	EventCheckoutCompleted           = "checkout.session.completed"
	EventCheckoutExpired             = "checkout.session.expired"
	EventSubscriptionCreated         = "customer.subscription.created"
	EventSubscriptionUpdated         = "customer.subscription.updated"
	EventSubscriptionDeleted         = "customer.subscription.deleted"
	EventSubscriptionTrialWillEnd    = "customer.subscription.trial_will_end"
	EventInvoicePaid                 = "invoice.paid"
	EventInvoicePaymentFailed        = "invoice.payment_failed"
	EventPaymentIntentRequiresAction = "payment_intent.requires_action"
	EventPaymentIntentSucceeded      = "payment_intent.succeeded"
	EventPaymentIntentFailed         = "payment_intent.payment_failed"
	EventSetupIntentSucceeded        = "setup_intent.succeeded"
)

// Event is a minimal representation of a Stripe webhook event tailored to
// what routing and processing need. The full stripe.Event type is not
// imported here to keep the engine decoupled from the stripe-go object
// graph and to make test payload construction straightforward.
type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Created int64     `json:"created"`
	Data    eventData `json:"data"`
}

type eventData struct {
	Object json.RawMessage `json:"object"`
}

// ParseEvent deserializes a raw webhook payload into an Event. A payload
// without an event ID or type is malformed and rejected before any gate
// logic runs.
func ParseEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "invalid webhook event JSON", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "webhook event missing id or type", nil)
	}
	return &ev, nil
}

// CreatedAt returns the provider-assigned creation time of the event.
func (e *Event) CreatedAt() time.Time {
	return time.Unix(e.Created, 0).UTC()
}

// resourceRef is the generic slice of data.object used for ordering. Every
// Stripe object carries an id; invoices, sessions, and intents additionally
// reference their customer and/or subscription.
type resourceRef struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

// ResourceID extracts the identifier events for the same underlying
// resource are ordered by. Priority: the referenced subscription, then the
// subscription object's own id, then the customer, then the object's own id
// (payment/setup intents and checkout sessions order against themselves).
// Returns "" when nothing can be extracted; the gate then fails open and
// processes without ordering validation.
func (e *Event) ResourceID() string {
	var ref resourceRef
	if err := json.Unmarshal(e.Data.Object, &ref); err != nil {
		return ""
	}
	switch {
	case ref.Subscription != "":
		return ref.Subscription
	case strings.HasPrefix(ref.ID, "sub_"):
		return ref.ID
	case ref.Customer != "":
		return ref.Customer
	default:
		return ref.ID
	}
}

// checkoutSessionObj is the data object of checkout.session.* events.
// Checkout metadata is set by our own session creation code: org_id is the
// owning organization, plan_id/seats carry the selected plan when known at
// checkout time.
type checkoutSessionObj struct {
	ID           string            `json:"id"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// subscriptionObj is the data object of customer.subscription.* events.
type subscriptionObj struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	EndedAt           int64             `json:"ended_at"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             subscriptionItems `json:"items"`
}

type subscriptionItems struct {
	Data []subscriptionItem `json:"data"`
}

type subscriptionItem struct {
	ID       string   `json:"id"`
	Quantity int64    `json:"quantity"`
	Price    priceRef `json:"price"`
}

type priceRef struct {
	ID string `json:"id"`
}

// invoiceObj is the data object of invoice.* events.
type invoiceObj struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Subscription       string `json:"subscription"`
	NextPaymentAttempt int64  `json:"next_payment_attempt"`
}

// paymentIntentObj is the data object of payment_intent.* events.
type paymentIntentObj struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Invoice  string            `json:"invoice"`
	Metadata map[string]string `json:"metadata"`
}

// setupIntentObj is the data object of setup_intent.succeeded events.
// pending_price_id/pending_quantity are written to the intent's metadata by
// the plan-change flow when the change is deferred until payment setup
// completes.
type setupIntentObj struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

// MapSubscriptionStatus converts a Stripe subscription status string into
// the internal billing status. Covers every status Stripe documents; an
// unrecognized value logs a warning and falls back to unpaid rather than
// failing the event.
func MapSubscriptionStatus(status string, logger *slog.Logger) types.BillingStatus {
	switch status {
	case "active":
		return types.BillingStatusActive
	case "past_due":
		return types.BillingStatusPastDue
	case "canceled":
		return types.BillingStatusCanceled
	case "unpaid":
		return types.BillingStatusUnpaid
	case "incomplete":
		return types.BillingStatusIncomplete
	case "incomplete_expired":
		return types.BillingStatusIncompleteExpired
	case "trialing":
		return types.BillingStatusTrialing
	case "paused":
		return types.BillingStatusPaused
	default:
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("unrecognized stripe subscription status", "status", status)
		return types.BillingStatusUnpaid
	}
}
