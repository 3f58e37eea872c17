package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"coursedesk/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// SubscriptionState is the subset of a Stripe subscription the
// reconciliation engine needs when an invoice references a subscription:
// the live price/quantity of the first line item and the current period end.
type SubscriptionState struct {
	ID               string
	Status           string
	PriceID          string
	Quantity         int64
	ItemID           string
	CurrentPeriodEnd time.Time
}

// SubscriptionClient is the provider API surface consumed by the event
// handlers. Implemented by StripeClient; replaced by fakes in tests.
type SubscriptionClient interface {
	// GetSubscription fetches the current state of a subscription by its ID.
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionState, error)

	// UpdateSubscriptionItem applies a queued price/quantity change to a
	// live subscription item.
	UpdateSubscriptionItem(ctx context.Context, itemID, priceID string, quantity int64) error
}

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient implements SubscriptionClient by making direct HTTP calls to
// the Stripe REST API through BaseClient, inheriting the platform's
// resilience behavior (circuit breaker, retries, error mapping) and keeping
// httptest-based testing straightforward.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a new StripeClient.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	opts := []BaseClientOption{}
	if cfg.Logger != nil {
		opts = append(opts, WithLogger(cfg.Logger))
	}
	base := NewBaseClient(
		httpClient,
		"stripe",
		DefaultRetryPolicy(),
		"Coursedesk/1.0",
		opts...,
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Useful for testing when the BaseClient needs a fake sleep.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// GetSubscription fetches a subscription by ID and maps its first line item.
func (s *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionState, error) {
	resp, err := s.doGet(ctx, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return nil, s.wrapStripeError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription response",
			err,
		)
	}

	state := &SubscriptionState{
		ID:               sub.ID,
		Status:           sub.Status,
		CurrentPeriodEnd: time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
	}
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		state.ItemID = item.ID
		state.PriceID = item.Price.ID
		state.Quantity = item.Quantity
	}
	return state, nil
}

// UpdateSubscriptionItem changes the price and/or quantity of a live
// subscription item. Used to apply a queued plan change once the customer's
// out-of-band payment setup completes.
func (s *StripeClient) UpdateSubscriptionItem(ctx context.Context, itemID, priceID string, quantity int64) error {
	params := url.Values{}
	if priceID != "" {
		params.Set("price", priceID)
	}
	if quantity > 0 {
		params.Set("quantity", strconv.FormatInt(quantity, 10))
	}

	resp, err := s.doPost(ctx, "/v1/subscription_items/"+url.PathEscape(itemID), params)
	if err != nil {
		return s.wrapStripeError("UpdateSubscriptionItem", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "UpdateSubscriptionItem")
	}

	s.logger.InfoContext(ctx, "subscription item updated",
		"item_id", itemID,
		"price_id", priceID,
		"quantity", quantity,
	)
	return nil
}

// doGet performs an authenticated GET request to the Stripe API.
func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

// doPost performs an authenticated POST request with a form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleErrorResponse reads a Stripe error response and maps it to a
// types.AppError. 429/5xx normally never reach here (the BaseClient retries
// and maps them); the branches exist for the rare response the transport
// passes through.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	detail := readStripeErrorMessage(resp)

	var code types.ErrorCode
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		code = types.ErrCodeUpstreamRateLimited
	case resp.StatusCode >= 500:
		code = types.ErrCodeUpstreamUnavailable
	case resp.StatusCode == http.StatusNotFound:
		// A missing Stripe resource means the event referenced something
		// we cannot act on; redelivery would not change that.
		code = types.ErrCodeValidationInvalidPayload
	default:
		// Remaining 4xx are deterministic refusals (card declined,
		// invalid parameter); retrying or redelivering cannot fix them.
		code = types.ErrCodeUpstreamRejected
	}

	return types.NewAppError(code,
		fmt.Sprintf("%s: Stripe returned %d: %s", operation, resp.StatusCode, detail),
		nil,
	)
}

// readStripeErrorMessage extracts the human-readable message from a Stripe
// error body, tolerating unreadable or non-JSON payloads.
func readStripeErrorMessage(resp *http.Response) string {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "(unreadable response body)"
	}
	var stripeErr stripeErrorResponse
	if err := json.Unmarshal(body, &stripeErr); err != nil || stripeErr.Error.Message == "" {
		return "(no error detail)"
	}
	return stripeErr.Error.Message
}

// wrapStripeError wraps a BaseClient transport error with operation context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamStripe,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// stripeSubscription is the minimal JSON shape of a Stripe subscription.
type stripeSubscription struct {
	ID               string                  `json:"id"`
	Status           string                  `json:"status"`
	CurrentPeriodEnd int64                   `json:"current_period_end"`
	Items            stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	ID       string      `json:"id"`
	Quantity int64       `json:"quantity"`
	Price    stripePrice `json:"price"`
}

type stripePrice struct {
	ID string `json:"id"`
}
