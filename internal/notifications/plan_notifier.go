// Package notifications publishes billing lifecycle messages for downstream
// consumers (admin email, in-app banners).
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"coursedesk/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// PlanUpdatedMessage is the queue payload emitted when a reconciled event
// changed an organization's plan.
type PlanUpdatedMessage struct {
	OrganizationID string    `json:"organization_id"`
	PreviousPlanID *string   `json:"previous_plan_id"`
	NewPlanID      *string   `json:"new_plan_id"`
	OccurredAt     time.Time `json:"occurred_at"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
}

// PlanUpdatedPublisher publishes plan-change messages to an SQS queue. The
// reconciliation engine treats publishing as fire-and-forget; consumers own
// their delivery guarantees via the queue's redrive policy.
type PlanUpdatedPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
	now      func() time.Time
}

// NewPlanUpdatedPublisher creates a publisher targeting the plan-updates queue.
func NewPlanUpdatedPublisher(client SQSSender, queueURL string, logger *slog.Logger) *PlanUpdatedPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanUpdatedPublisher{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		now:      time.Now,
	}
}

// NotifyPlanUpdated serializes and sends one plan-change message.
func (p *PlanUpdatedPublisher) NotifyPlanUpdated(ctx context.Context, orgID string, previousPlanID, newPlanID *string) error {
	msg := PlanUpdatedMessage{
		OrganizationID: orgID,
		PreviousPlanID: previousPlanID,
		NewPlanID:      newPlanID,
		OccurredAt:     p.now().UTC(),
		CorrelationID:  types.GetRequestID(ctx),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("plan notifier: failed to marshal message: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("plan notifier: failed to send message to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "plan-updated message published",
		"org_id", orgID,
		"new_plan_id", newPlanID,
	)
	return nil
}
