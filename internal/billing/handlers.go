package billing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"coursedesk/internal/types"
)

// decodeObject unmarshals the event's data.object into a concrete shape.
func decodeObject[T any](ev *Event) (*T, error) {
	var obj T
	if err := json.Unmarshal(ev.Data.Object, &obj); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "malformed event data object", err)
	}
	return &obj, nil
}

// orgByCustomer resolves the organization owning a Stripe customer.
// A missing customer or an unknown customer ID is a business rejection:
// the provider will never redeliver a mapping we don't have.
func (e *Engine) orgByCustomer(ctx context.Context, customerID string) (*types.Organization, error) {
	if customerID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "event carries no customer reference", nil)
	}
	return e.orgs.GetByStripeCustomerID(ctx, customerID)
}

// handleCheckoutCompleted binds a freshly completed checkout session to its
// organization: Stripe customer and subscription IDs are persisted, and the
// plan/seat selection carried in the session metadata is applied. Billing
// status starts at incomplete until the first invoice settles.
func (e *Engine) handleCheckoutCompleted(ctx context.Context, ev *Event, logger *slog.Logger) error {
	session, err := decodeObject[checkoutSessionObj](ev)
	if err != nil {
		return err
	}

	orgID := session.Metadata["org_id"]
	if orgID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "checkout session metadata missing org_id", nil)
	}
	org, err := e.orgs.GetByID(ctx, orgID)
	if err != nil {
		return err
	}

	now := e.now()
	status := types.BillingStatusIncomplete
	upd := types.BillingUpdate{
		BillingStatus: &status,
		LastSyncAt:    &now,
	}
	if session.Customer != "" {
		upd.StripeCustomerID = &session.Customer
	}
	if session.Subscription != "" {
		upd.StripeSubscriptionID = &session.Subscription
	}

	if planID := session.Metadata["plan_id"]; planID != "" {
		plan, err := e.plans.GetByID(ctx, planID)
		if err != nil {
			return err
		}
		upd.PlanID = &plan.ID
	}
	if seats := session.Metadata["seats"]; seats != "" {
		n, err := strconv.Atoi(seats)
		if err != nil || n < 0 {
			return types.NewAppError(types.ErrCodeValidationInvalidPayload, "checkout session metadata seats is not a valid count", err)
		}
		upd.ActiveUserCount = &n
	}

	if err := e.orgs.UpdateBilling(ctx, org.ID, upd); err != nil {
		return err
	}
	if upd.PlanID != nil && planChanged(org.PlanID, upd.PlanID) {
		e.notifyPlanUpdated(ctx, logger, org.ID, org.PlanID, upd.PlanID)
	}
	logger.Info("checkout completed bound to organization",
		"org_id", org.ID,
		"session_id", session.ID,
	)
	return nil
}

// handleCheckoutExpired marks an organization as needing payment setup, but
// only when checkout is the step it is actually stuck on. An organization
// with an established subscription expiring an unrelated session keeps its
// current status.
func (e *Engine) handleCheckoutExpired(ctx context.Context, ev *Event, logger *slog.Logger) error {
	session, err := decodeObject[checkoutSessionObj](ev)
	if err != nil {
		return err
	}

	orgID := session.Metadata["org_id"]
	if orgID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "checkout session metadata missing org_id", nil)
	}
	org, err := e.orgs.GetByID(ctx, orgID)
	if err != nil {
		return err
	}
	if org.BillingStatus != types.BillingStatusIncomplete {
		logger.Info("checkout session expired for organization not awaiting checkout; no change",
			"org_id", org.ID,
			"billing_status", org.BillingStatus,
		)
		return nil
	}

	now := e.now()
	status := types.BillingStatusSetupRequired
	return e.orgs.UpdateBilling(ctx, org.ID, types.BillingUpdate{
		BillingStatus: &status,
		LastSyncAt:    &now,
	})
}

// handleSubscriptionChanged reconciles the organization against the
// subscription object carried in the event: mapped billing status, plan
// resolved from the item's price, seat count from the item quantity, and
// the period end. Serves both created and updated events; the payload is
// the full current state either way.
func (e *Engine) handleSubscriptionChanged(ctx context.Context, ev *Event, logger *slog.Logger) error {
	sub, err := decodeObject[subscriptionObj](ev)
	if err != nil {
		return err
	}

	org, err := e.orgByCustomer(ctx, sub.Customer)
	if err != nil {
		return err
	}

	if len(sub.Items.Data) == 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "subscription event has no line items", nil)
	}
	item := sub.Items.Data[0]
	plan, err := e.plans.GetByStripePriceID(ctx, item.Price.ID)
	if err != nil {
		// An unmapped price is a catalogue problem, not a transient one.
		return err
	}

	now := e.now()
	status := MapSubscriptionStatus(sub.Status, logger)
	seats := int(item.Quantity)
	upd := types.BillingUpdate{
		BillingStatus:            &status,
		PlanID:                   &plan.ID,
		StripeSubscriptionID:     &sub.ID,
		StripeSubscriptionItemID: &item.ID,
		ActiveUserCount:          &seats,
		LastSyncAt:               &now,
	}
	if sub.CurrentPeriodEnd > 0 {
		periodEnd := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		upd.CurrentPeriodEnd = &periodEnd
	}

	if err := e.orgs.UpdateBilling(ctx, org.ID, upd); err != nil {
		return err
	}
	if planChanged(org.PlanID, &plan.ID) {
		e.notifyPlanUpdated(ctx, logger, org.ID, org.PlanID, &plan.ID)
	}
	logger.Info("subscription state reconciled",
		"org_id", org.ID,
		"subscription_id", sub.ID,
		"billing_status", status,
		"plan_id", plan.ID,
		"seats", seats,
		"cancel_at_period_end", sub.CancelAtPeriodEnd,
	)
	return nil
}

// handleSubscriptionDeleted cancels the organization's billing. When the
// subscription has genuinely ended (ended_at set) the plan association and
// seat count are released; a deletion event without ended_at (scheduled
// cancellation still inside the paid period) only flips the status and
// keeps the plan until the period runs out.
func (e *Engine) handleSubscriptionDeleted(ctx context.Context, ev *Event, logger *slog.Logger) error {
	sub, err := decodeObject[subscriptionObj](ev)
	if err != nil {
		return err
	}

	org, err := e.orgByCustomer(ctx, sub.Customer)
	if err != nil {
		return err
	}

	now := e.now()
	status := types.BillingStatusCanceled
	upd := types.BillingUpdate{
		BillingStatus: &status,
		LastSyncAt:    &now,
	}
	if sub.EndedAt > 0 {
		zero := 0
		upd.ClearPlanID = true
		upd.ActiveUserCount = &zero
	}

	if err := e.orgs.UpdateBilling(ctx, org.ID, upd); err != nil {
		return err
	}
	logger.Info("subscription canceled",
		"org_id", org.ID,
		"subscription_id", sub.ID,
		"plan_released", upd.ClearPlanID,
	)
	return nil
}

// handleTrialWillEnd flags the organization so the notification surface can
// prompt for a payment method before the trial converts. Applied regardless
// of the current status; the provider only emits it for trialing
// subscriptions, and a later status event corrects any mismatch.
func (e *Engine) handleTrialWillEnd(ctx context.Context, ev *Event, logger *slog.Logger) error {
	sub, err := decodeObject[subscriptionObj](ev)
	if err != nil {
		return err
	}

	org, err := e.orgByCustomer(ctx, sub.Customer)
	if err != nil {
		return err
	}

	now := e.now()
	status := types.BillingStatusTrialEnding
	return e.orgs.UpdateBilling(ctx, org.ID, types.BillingUpdate{
		BillingStatus: &status,
		LastSyncAt:    &now,
	})
}

// handleInvoicePaid restores the organization to active and, when the
// invoice references a subscription, refreshes plan, seats, and period end
// from the subscription's live state. Refresh problems (provider down,
// unmapped price) degrade to a warning: the payment is real and the status
// transition must not be held hostage by enrichment.
func (e *Engine) handleInvoicePaid(ctx context.Context, ev *Event, logger *slog.Logger) error {
	inv, err := decodeObject[invoiceObj](ev)
	if err != nil {
		return err
	}

	org, err := e.orgByCustomer(ctx, inv.Customer)
	if err != nil {
		return err
	}

	now := e.now()
	status := types.BillingStatusActive
	upd := types.BillingUpdate{
		BillingStatus: &status,
		LastSyncAt:    &now,
	}

	if inv.Subscription != "" && e.stripe != nil {
		state, err := e.stripe.GetSubscription(ctx, inv.Subscription)
		switch {
		case err != nil && types.IsRetryable(err):
			// Transient provider failure: retry the whole handler so the
			// status write and the refresh stay atomic per attempt.
			return err
		case err != nil:
			logger.Warn("subscription refresh failed; applying status only",
				"subscription_id", inv.Subscription,
				"error", err,
			)
		default:
			plan, err := e.plans.GetByStripePriceID(ctx, state.PriceID)
			if err != nil {
				var appErr *types.AppError
				if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundPlan {
					logger.Warn("subscription price has no plan mapping; applying status only",
						"price_id", state.PriceID,
					)
				} else {
					return err
				}
			} else {
				seats := int(state.Quantity)
				upd.PlanID = &plan.ID
				upd.ActiveUserCount = &seats
				upd.StripeSubscriptionID = &state.ID
				if state.ItemID != "" {
					upd.StripeSubscriptionItemID = &state.ItemID
				}
				if !state.CurrentPeriodEnd.IsZero() {
					periodEnd := state.CurrentPeriodEnd
					upd.CurrentPeriodEnd = &periodEnd
				}
			}
		}
	}

	if err := e.orgs.UpdateBilling(ctx, org.ID, upd); err != nil {
		return err
	}
	logger.Info("invoice paid; organization active",
		"org_id", org.ID,
		"invoice_id", inv.ID,
	)
	return nil
}

// handleInvoicePaymentFailed starts (or continues) dunning. Only the
// billing status and sync time move: plan, seat count, and subscription
// identifiers are untouched so a transient card failure never strips an
// organization of what it is still entitled to while retries run. A pending
// retry from Stripe (next_payment_attempt set) means past_due; no further
// attempts means unpaid.
func (e *Engine) handleInvoicePaymentFailed(ctx context.Context, ev *Event, logger *slog.Logger) error {
	inv, err := decodeObject[invoiceObj](ev)
	if err != nil {
		return err
	}

	org, err := e.orgByCustomer(ctx, inv.Customer)
	if err != nil {
		return err
	}

	status := types.BillingStatusUnpaid
	if inv.NextPaymentAttempt > 0 {
		status = types.BillingStatusPastDue
	}
	now := e.now()
	if err := e.orgs.UpdateBilling(ctx, org.ID, types.BillingUpdate{
		BillingStatus: &status,
		LastSyncAt:    &now,
	}); err != nil {
		return err
	}
	logger.Warn("invoice payment failed",
		"org_id", org.ID,
		"invoice_id", inv.ID,
		"billing_status", status,
		"retry_scheduled", inv.NextPaymentAttempt > 0,
	)
	return nil
}

// handlePaymentIntentRequiresAction marks the organization as waiting on
// 3DS (or another customer action) so the UI can surface the challenge.
func (e *Engine) handlePaymentIntentRequiresAction(ctx context.Context, ev *Event, logger *slog.Logger) error {
	intent, err := decodeObject[paymentIntentObj](ev)
	if err != nil {
		return err
	}

	org, err := e.resolveIntentOrg(ctx, intent)
	if err != nil {
		return err
	}

	now := e.now()
	status := types.BillingStatusPending3DS
	return e.orgs.UpdateBilling(ctx, org.ID, types.BillingUpdate{
		BillingStatus: &status,
		LastSyncAt:    &now,
	})
}

// handlePaymentIntentSucceeded resolves a pending 3DS challenge. An intent
// attached to an invoice is a no-op here: the authoritative transition
// arrives as invoice.paid, and double-handling would race the ordering
// checkpoints of two different resource streams.
func (e *Engine) handlePaymentIntentSucceeded(ctx context.Context, ev *Event, logger *slog.Logger) error {
	intent, err := decodeObject[paymentIntentObj](ev)
	if err != nil {
		return err
	}
	if intent.Invoice != "" {
		logger.Info("payment intent settled via invoice; deferring to invoice.paid",
			"invoice_id", intent.Invoice,
		)
		return nil
	}

	org, err := e.resolveIntentOrg(ctx, intent)
	if err != nil {
		return err
	}
	if org.BillingStatus != types.BillingStatusPending3DS {
		logger.Info("standalone payment intent succeeded for organization not pending 3ds; no change",
			"org_id", org.ID,
			"billing_status", org.BillingStatus,
		)
		return nil
	}

	now := e.now()
	status := types.BillingStatusActive
	return e.orgs.UpdateBilling(ctx, org.ID, types.BillingUpdate{
		BillingStatus: &status,
		LastSyncAt:    &now,
	})
}

// handlePaymentIntentFailed records a failed off-invoice payment attempt.
// Same dunning rule as invoice failures: status only, entitlements intact.
func (e *Engine) handlePaymentIntentFailed(ctx context.Context, ev *Event, logger *slog.Logger) error {
	intent, err := decodeObject[paymentIntentObj](ev)
	if err != nil {
		return err
	}
	if intent.Invoice != "" {
		// The invoice.payment_failed event owns this transition.
		logger.Info("payment intent failure tied to invoice; deferring to invoice.payment_failed",
			"invoice_id", intent.Invoice,
		)
		return nil
	}

	org, err := e.resolveIntentOrg(ctx, intent)
	if err != nil {
		return err
	}

	now := e.now()
	status := types.BillingStatusPaymentFailed
	if err := e.orgs.UpdateBilling(ctx, org.ID, types.BillingUpdate{
		BillingStatus: &status,
		LastSyncAt:    &now,
	}); err != nil {
		return err
	}
	logger.Warn("standalone payment intent failed",
		"org_id", org.ID,
		"payment_intent_id", intent.ID,
	)
	return nil
}

// handleSetupIntentSucceeded applies a deferred plan change. When the
// plan-change flow parks the target price and quantity in the setup
// intent's metadata, successful payment setup releases the change by
// updating the live subscription item on the provider side; the database
// converges from the customer.subscription.updated event that follows.
func (e *Engine) handleSetupIntentSucceeded(ctx context.Context, ev *Event, logger *slog.Logger) error {
	intent, err := decodeObject[setupIntentObj](ev)
	if err != nil {
		return err
	}

	pendingPriceID := intent.Metadata["pending_price_id"]
	if pendingPriceID == "" {
		logger.Info("setup intent carries no pending plan change; nothing to apply")
		return nil
	}

	org, err := e.orgByCustomer(ctx, intent.Customer)
	if err != nil {
		return err
	}
	if org.StripeSubscriptionItemID == "" {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "organization has no subscription item to apply pending plan change to", nil)
	}

	quantity := int64(org.ActiveUserCount)
	if raw := intent.Metadata["pending_quantity"]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return types.NewAppError(types.ErrCodeValidationInvalidPayload, "setup intent metadata pending_quantity is not a valid count", err)
		}
		quantity = n
	}

	if e.stripe == nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe, "subscription client not configured", nil)
	}
	if err := e.stripe.UpdateSubscriptionItem(ctx, org.StripeSubscriptionItemID, pendingPriceID, quantity); err != nil {
		return err
	}
	logger.Info("pending plan change released to provider",
		"org_id", org.ID,
		"price_id", pendingPriceID,
		"quantity", quantity,
	)
	return nil
}

// resolveIntentOrg finds the organization for a payment intent: by the
// customer reference when present, otherwise by the org_id our checkout
// flow stamps into the intent metadata.
func (e *Engine) resolveIntentOrg(ctx context.Context, intent *paymentIntentObj) (*types.Organization, error) {
	if intent.Customer != "" {
		return e.orgs.GetByStripeCustomerID(ctx, intent.Customer)
	}
	if orgID := intent.Metadata["org_id"]; orgID != "" {
		return e.orgs.GetByID(ctx, orgID)
	}
	return nil, types.NewAppError(types.ErrCodeValidationMissingField, "payment intent carries neither customer nor org_id metadata", nil)
}
