// Package billing implements the webhook reconciliation engine: it turns
// at-least-once, possibly out-of-order Stripe deliveries into exactly-once
// mutations of the organization billing record.
//
// An inbound event passes through two gates before any handler runs: the
// idempotency ledger (already successfully processed events short-circuit)
// and the ordering validator (events older than the last accepted event for
// the same resource, or older than the 24h staleness ceiling, are dropped).
// Accepted events are dispatched through a bounded retry controller; the
// outcome is recorded in the ledger and the ordering checkpoint advanced.
package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"coursedesk/internal/external"
	"coursedesk/internal/types"
)

// staleEventCeiling is the maximum event age accepted regardless of
// ordering state.
const staleEventCeiling = 24 * time.Hour

// checkpointGapWarning is the gap between consecutive accepted events for
// the same resource above which a warning is logged (processing continues).
const checkpointGapWarning = time.Hour

// EventLedger is the durable idempotency store consumed by the engine.
type EventLedger interface {
	// Get returns the ledger row for the event ID, or (nil, nil) when the
	// event has never been recorded.
	Get(ctx context.Context, stripeEventID string) (*types.ProcessedEvent, error)

	// RecordOutcome persists a processing outcome. Returns false when a
	// concurrent handler already recorded a success for the same event ID.
	RecordOutcome(ctx context.Context, ev types.ProcessedEvent) (bool, error)
}

// CheckpointStore is the durable per-resource ordering store.
type CheckpointStore interface {
	Get(ctx context.Context, eventType, resourceID string) (lastAcceptedAt int64, found bool, err error)
	Advance(ctx context.Context, eventType, resourceID string, acceptedAt int64) error
}

// OrganizationStore is the billing sub-record of the organization entity.
type OrganizationStore interface {
	GetByID(ctx context.Context, id string) (*types.Organization, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*types.Organization, error)
	UpdateBilling(ctx context.Context, id string, upd types.BillingUpdate) error
}

// PlanStore resolves Stripe price references against the plan catalogue.
type PlanStore interface {
	GetByID(ctx context.Context, id string) (*types.Plan, error)
	GetByStripePriceID(ctx context.Context, priceID string) (*types.Plan, error)
}

// PlanUpdatedNotifier informs organization admins of a plan change.
// Fire-and-forget from the engine's perspective: failures are logged and
// never propagated as processing failures.
type PlanUpdatedNotifier interface {
	NotifyPlanUpdated(ctx context.Context, orgID string, previousPlanID, newPlanID *string) error
}

// OutcomeKind tags the result of processing one webhook delivery.
type OutcomeKind string

const (
	// OutcomeProcessed: the event was accepted and its handler succeeded.
	OutcomeProcessed OutcomeKind = "processed"
	// OutcomeAlreadyProcessed: the idempotency ledger short-circuited the
	// delivery (or a concurrent duplicate won the recording race).
	OutcomeAlreadyProcessed OutcomeKind = "already_processed"
	// OutcomeRejected: the event was dropped without side effects: stale,
	// out of order, or rejected by business validation. Acked to the
	// provider so it stops redelivering.
	OutcomeRejected OutcomeKind = "rejected"
	// OutcomeFailed: all retry attempts were exhausted on a transient
	// failure. Surfaced as a non-2xx response so the provider redelivers.
	OutcomeFailed OutcomeKind = "failed"
)

// Outcome is the tagged result of Process. Callers map Kind deterministically
// to an HTTP status without inspecting error strings.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
	Err    error
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return string(o.Kind)
	}
	return fmt.Sprintf("%s (%s)", o.Kind, o.Reason)
}

// Engine is the reconciliation engine. It is stateless: every dependency is
// injected, so tests substitute in-memory fakes for all of them.
type Engine struct {
	ledger      EventLedger
	checkpoints CheckpointStore
	orgs        OrganizationStore
	plans       PlanStore
	stripe      external.SubscriptionClient
	notifier    PlanUpdatedNotifier
	retrier     *retrier
	logger      *slog.Logger
	now         func() time.Time
}

// EngineOption is a functional option for configuring an Engine.
type EngineOption func(*Engine)

// WithClock overrides the engine's time source for deterministic tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// WithRetrySleep overrides the sleep function used between retry attempts.
// This is intended for testing to avoid real delays.
func WithRetrySleep(fn func(time.Duration)) EngineOption {
	return func(e *Engine) {
		e.retrier.sleepFn = fn
	}
}

// NewEngine creates a reconciliation engine from its collaborators.
func NewEngine(
	ledger EventLedger,
	checkpoints CheckpointStore,
	orgs OrganizationStore,
	plans PlanStore,
	stripe external.SubscriptionClient,
	notifier PlanUpdatedNotifier,
	logger *slog.Logger,
	opts ...EngineOption,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		ledger:      ledger,
		checkpoints: checkpoints,
		orgs:        orgs,
		plans:       plans,
		stripe:      stripe,
		notifier:    notifier,
		retrier:     newRetrier(defaultRetryPolicy(), logger),
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process runs one authenticated, parsed event through the gate, the retry
// controller, and the matching handler, and records the outcome. It never
// panics into the caller and returns a tagged Outcome for HTTP mapping.
func (e *Engine) Process(ctx context.Context, ev *Event) Outcome {
	correlationID := types.GetRequestID(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := e.logger.With(
		"event_id", ev.ID,
		"event_type", ev.Type,
		"correlation_id", correlationID,
	)

	// Gate 1: idempotency. Only a successful prior outcome short-circuits;
	// a recorded failure means the provider redelivered after we asked it
	// to, and the event must be reprocessed.
	prior, err := e.ledger.Get(ctx, ev.ID)
	if err != nil {
		logger.Error("idempotency lookup failed", "error", err)
		return Outcome{Kind: OutcomeFailed, Reason: "ledger_lookup", Err: err}
	}
	if prior != nil && prior.Success {
		logger.Info("event already processed; skipping")
		return Outcome{Kind: OutcomeAlreadyProcessed}
	}

	// Gate 2: staleness ceiling, then per-resource ordering.
	now := e.now()
	if age := now.Sub(ev.CreatedAt()); age > staleEventCeiling {
		logger.Warn("stale event rejected",
			"created_at", ev.CreatedAt(),
			"age", age,
		)
		return Outcome{Kind: OutcomeRejected, Reason: "stale_event"}
	}

	resourceID := ev.ResourceID()
	if resourceID != "" {
		last, found, err := e.checkpoints.Get(ctx, ev.Type, resourceID)
		if err != nil {
			logger.Error("ordering checkpoint lookup failed", "error", err)
			return Outcome{Kind: OutcomeFailed, Reason: "checkpoint_lookup", Err: err}
		}
		if found {
			if ev.Created <= last {
				logger.Warn("out-of-order event rejected",
					"resource_id", resourceID,
					"event_created", ev.Created,
					"last_accepted", last,
				)
				return Outcome{Kind: OutcomeRejected, Reason: "out_of_order"}
			}
			if gap := time.Duration(ev.Created-last) * time.Second; gap > checkpointGapWarning {
				logger.Warn("large gap between accepted events for resource",
					"resource_id", resourceID,
					"gap", gap,
				)
			}
		}
	} else {
		// Ordering cannot be validated without a resource id; fail open.
		logger.Info("no resource id extractable; processing without ordering validation")
	}

	// Dispatch through the retry controller.
	handlerErr := e.retrier.run(ctx, logger, func() error {
		return e.dispatch(ctx, ev, logger)
	})

	record := types.ProcessedEvent{
		StripeEventID: ev.ID,
		EventType:     ev.Type,
		ProcessedAt:   e.now(),
		Success:       handlerErr == nil,
		CorrelationID: correlationID,
	}
	if handlerErr != nil {
		record.ErrorMessage = handlerErr.Error()
	}

	owned, recErr := e.ledger.RecordOutcome(ctx, record)
	if recErr != nil {
		logger.Error("failed to record event outcome", "error", recErr)
		return Outcome{Kind: OutcomeFailed, Reason: "ledger_record", Err: recErr}
	}
	if !owned {
		// A concurrent duplicate delivery recorded a success first.
		logger.Info("lost outcome race to concurrent duplicate; treating as already processed")
		return Outcome{Kind: OutcomeAlreadyProcessed}
	}

	if handlerErr != nil {
		if types.IsRetryable(handlerErr) {
			logger.Error("event processing failed after retries", "error", handlerErr)
			return Outcome{Kind: OutcomeFailed, Reason: "handler_failed", Err: handlerErr}
		}
		// Business rejection: acked so the provider stops redelivering.
		logger.Warn("event rejected by handler", "error", handlerErr)
		return Outcome{Kind: OutcomeRejected, Reason: "business_rejection", Err: handlerErr}
	}

	if resourceID != "" {
		if err := e.checkpoints.Advance(ctx, ev.Type, resourceID, ev.Created); err != nil {
			// The event is already recorded as processed; a failed
			// checkpoint write only weakens ordering for the next event.
			logger.Error("failed to advance ordering checkpoint",
				"resource_id", resourceID,
				"error", err,
			)
		}
	}

	logger.Info("event processed")
	return Outcome{Kind: OutcomeProcessed}
}

// dispatch routes the event to the matching handler. Unrecognized event
// types are a logged no-op success for forward compatibility.
func (e *Engine) dispatch(ctx context.Context, ev *Event, logger *slog.Logger) error {
	switch ev.Type {
	case EventCheckoutCompleted:
		return e.handleCheckoutCompleted(ctx, ev, logger)
	case EventCheckoutExpired:
		return e.handleCheckoutExpired(ctx, ev, logger)
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		return e.handleSubscriptionChanged(ctx, ev, logger)
	case EventSubscriptionDeleted:
		return e.handleSubscriptionDeleted(ctx, ev, logger)
	case EventSubscriptionTrialWillEnd:
		return e.handleTrialWillEnd(ctx, ev, logger)
	case EventInvoicePaid:
		return e.handleInvoicePaid(ctx, ev, logger)
	case EventInvoicePaymentFailed:
		return e.handleInvoicePaymentFailed(ctx, ev, logger)
	case EventPaymentIntentRequiresAction:
		return e.handlePaymentIntentRequiresAction(ctx, ev, logger)
	case EventPaymentIntentSucceeded:
		return e.handlePaymentIntentSucceeded(ctx, ev, logger)
	case EventPaymentIntentFailed:
		return e.handlePaymentIntentFailed(ctx, ev, logger)
	case EventSetupIntentSucceeded:
		return e.handleSetupIntentSucceeded(ctx, ev, logger)
	default:
		logger.Info("ignoring unhandled webhook event type")
		return nil
	}
}

// notifyPlanUpdated dispatches a plan-change notification. Failures are
// logged and swallowed: notification delivery must never fail event
// processing.
func (e *Engine) notifyPlanUpdated(ctx context.Context, logger *slog.Logger, orgID string, previous, next *string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyPlanUpdated(ctx, orgID, previous, next); err != nil {
		logger.Error("plan-updated notification failed",
			"org_id", orgID,
			"error", err,
		)
	}
}

// planChanged reports whether two optional plan IDs differ.
func planChanged(previous, next *string) bool {
	switch {
	case previous == nil && next == nil:
		return false
	case previous == nil || next == nil:
		return true
	default:
		return *previous != *next
	}
}
