// Package handlers contains the HTTP handler implementations for the
// Coursedesk billing API.
//
// The Stripe webhook handler is NOT behind auth middleware -- it is called
// directly by Stripe. Security is provided by verifying the Stripe-Signature
// header using HMAC-SHA256.
package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"coursedesk/internal/billing"
	"coursedesk/internal/core"
	"coursedesk/internal/external"
	"coursedesk/internal/types"
)

// maxWebhookBodySize caps Stripe webhook payloads at 64 KB. Real payloads
// are a few KB; the limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// EventProcessor runs one parsed webhook event through the reconciliation
// engine. Implemented by *billing.Engine.
type EventProcessor interface {
	Process(ctx context.Context, ev *billing.Event) billing.Outcome
}

// StripeWebhookHandler receives asynchronous events from Stripe, verifies
// their signatures, and hands them to the reconciliation engine. The HTTP
// status it returns controls Stripe's redelivery: 2xx acknowledges the
// event, anything else schedules a redelivery.
type StripeWebhookHandler struct {
	verifier  external.WebhookVerifier
	processor EventProcessor
	logger    *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	processor EventProcessor,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:  verifier,
		processor: processor,
		logger:    logger,
	}
}

// RegisterRoutes mounts the webhook endpoint. Kept separate from any
// authenticated route groups because webhook routes are public.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe", h.Handle)
}

// Handle processes one incoming Stripe webhook delivery:
//
//  1. Reads the raw body (the signature covers the exact bytes sent).
//  2. Verifies the Stripe-Signature header.
//  3. Parses the event envelope.
//  4. Runs the event through the reconciliation engine.
//  5. Maps the engine outcome to an HTTP status.
//
// Processed, already-processed, and rejected events are all acknowledged
// with 200: redelivering them could never change the result. Only a
// transient failure after exhausted retries returns 500 so Stripe
// redelivers later.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(ctx, "failed to read webhook body", "error", err)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeValidationInvalidPayload,
			"failed to read request body",
			err,
		))
		return
	}

	if err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature")); err != nil {
		h.logger.WarnContext(ctx, "webhook signature verification failed", "error", err)
		core.Error(w, r, err)
		return
	}

	ev, err := billing.ParseEvent(payload)
	if err != nil {
		h.logger.WarnContext(ctx, "malformed webhook payload", "error", err)
		core.Error(w, r, err)
		return
	}

	outcome := h.processor.Process(ctx, ev)
	switch outcome.Kind {
	case billing.OutcomeProcessed, billing.OutcomeAlreadyProcessed, billing.OutcomeRejected:
		core.JSON(w, r, http.StatusOK, core.APIResponse{
			Data: map[string]string{"status": string(outcome.Kind)},
		})
	case billing.OutcomeFailed:
		core.Error(w, r, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"event processing failed; delivery will be retried",
			outcome.Err,
		))
	default:
		h.logger.ErrorContext(ctx, "unknown processing outcome", "outcome", outcome.Kind)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"unknown processing outcome",
			nil,
		))
	}
}
