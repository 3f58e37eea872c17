package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coursedesk/internal/external"
	"coursedesk/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// In-memory fakes
// ---------------------------------------------------------------------------

type fakeLedger struct {
	rows      map[string]types.ProcessedEvent
	getErr    error
	recordErr error
	loseRace  bool
	recordCnt int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[string]types.ProcessedEvent{}}
}

func (f *fakeLedger) Get(ctx context.Context, id string) (*types.ProcessedEvent, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	row, ok := f.rows[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (f *fakeLedger) RecordOutcome(ctx context.Context, ev types.ProcessedEvent) (bool, error) {
	f.recordCnt++
	if f.recordErr != nil {
		return false, f.recordErr
	}
	if f.loseRace {
		return false, nil
	}
	if prior, ok := f.rows[ev.StripeEventID]; ok && prior.Success {
		return false, nil
	}
	f.rows[ev.StripeEventID] = ev
	return true, nil
}

type fakeCheckpoints struct {
	rows       map[string]int64
	getErr     error
	advanceErr error
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{rows: map[string]int64{}}
}

func ckKey(eventType, resourceID string) string {
	return eventType + "|" + resourceID
}

func (f *fakeCheckpoints) Get(ctx context.Context, eventType, resourceID string) (int64, bool, error) {
	if f.getErr != nil {
		return 0, false, f.getErr
	}
	v, ok := f.rows[ckKey(eventType, resourceID)]
	return v, ok, nil
}

func (f *fakeCheckpoints) Advance(ctx context.Context, eventType, resourceID string, at int64) error {
	if f.advanceErr != nil {
		return f.advanceErr
	}
	key := ckKey(eventType, resourceID)
	if at > f.rows[key] {
		f.rows[key] = at
	}
	return nil
}

type fakeOrgs struct {
	byID       map[string]*types.Organization
	byCustomer map[string]*types.Organization
	updates    []orgUpdateCall
	updateErr  error
	// updateErrOnce fails the first N UpdateBilling calls then succeeds.
	updateErrOnce int
}

type orgUpdateCall struct {
	OrgID  string
	Update types.BillingUpdate
}

func newFakeOrgs(orgs ...*types.Organization) *fakeOrgs {
	f := &fakeOrgs{
		byID:       map[string]*types.Organization{},
		byCustomer: map[string]*types.Organization{},
	}
	for _, o := range orgs {
		f.byID[o.ID] = o
		if o.StripeCustomerID != "" {
			f.byCustomer[o.StripeCustomerID] = o
		}
	}
	return f
}

func (f *fakeOrgs) GetByID(ctx context.Context, id string) (*types.Organization, error) {
	org, ok := f.byID[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found", nil)
	}
	return org, nil
}

func (f *fakeOrgs) GetByStripeCustomerID(ctx context.Context, customerID string) (*types.Organization, error) {
	org, ok := f.byCustomer[customerID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundOrg, "organization not found for customer", nil)
	}
	return org, nil
}

func (f *fakeOrgs) UpdateBilling(ctx context.Context, id string, upd types.BillingUpdate) error {
	if f.updateErrOnce > 0 {
		f.updateErrOnce--
		return types.NewAppError(types.ErrCodeInternalDB, "simulated transient failure", nil)
	}
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, orgUpdateCall{OrgID: id, Update: upd})
	return nil
}

func (f *fakeOrgs) lastUpdate(t *testing.T) orgUpdateCall {
	t.Helper()
	require.NotEmpty(t, f.updates, "expected at least one billing update")
	return f.updates[len(f.updates)-1]
}

type fakePlans struct {
	byID      map[string]*types.Plan
	byPriceID map[string]*types.Plan
}

func newFakePlans(plans ...*types.Plan) *fakePlans {
	f := &fakePlans{
		byID:      map[string]*types.Plan{},
		byPriceID: map[string]*types.Plan{},
	}
	for _, p := range plans {
		f.byID[p.ID] = p
		if p.StripePriceID != nil {
			f.byPriceID[*p.StripePriceID] = p
		}
	}
	return f
}

func (f *fakePlans) GetByID(ctx context.Context, id string) (*types.Plan, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", nil)
	}
	return p, nil
}

func (f *fakePlans) GetByStripePriceID(ctx context.Context, priceID string) (*types.Plan, error) {
	p, ok := f.byPriceID[priceID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "no plan mapped to price", nil)
	}
	return p, nil
}

type fakeStripe struct {
	sub         *external.SubscriptionState
	getErr      error
	updateCalls []itemUpdateCall
	updateErr   error
}

type itemUpdateCall struct {
	ItemID   string
	PriceID  string
	Quantity int64
}

func (f *fakeStripe) GetSubscription(ctx context.Context, id string) (*external.SubscriptionState, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.sub, nil
}

func (f *fakeStripe) UpdateSubscriptionItem(ctx context.Context, itemID, priceID string, quantity int64) error {
	f.updateCalls = append(f.updateCalls, itemUpdateCall{ItemID: itemID, PriceID: priceID, Quantity: quantity})
	return f.updateErr
}

type fakeNotifier struct {
	calls []notifyCall
	err   error
}

type notifyCall struct {
	OrgID    string
	Previous *string
	Next     *string
}

func (f *fakeNotifier) NotifyPlanUpdated(ctx context.Context, orgID string, previous, next *string) error {
	f.calls = append(f.calls, notifyCall{OrgID: orgID, Previous: previous, Next: next})
	return f.err
}

// ---------------------------------------------------------------------------
// Test fixtures
// ---------------------------------------------------------------------------

var testNow = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

type engineFixture struct {
	engine *Engine
	ledger *fakeLedger
	cks    *fakeCheckpoints
	orgs   *fakeOrgs
	plans  *fakePlans
	stripe *fakeStripe
	notify *fakeNotifier
	sleeps []time.Duration
}

func newFixture(t *testing.T, orgs []*types.Organization, plans []*types.Plan) *engineFixture {
	t.Helper()
	fx := &engineFixture{
		ledger: newFakeLedger(),
		cks:    newFakeCheckpoints(),
		orgs:   newFakeOrgs(orgs...),
		plans:  newFakePlans(plans...),
		stripe: &fakeStripe{},
		notify: &fakeNotifier{},
	}
	fx.engine = NewEngine(
		fx.ledger, fx.cks, fx.orgs, fx.plans, fx.stripe, fx.notify,
		testLogger(),
		WithClock(func() time.Time { return testNow }),
		WithRetrySleep(func(d time.Duration) { fx.sleeps = append(fx.sleeps, d) }),
	)
	return fx
}

func strPtr(s string) *string { return &s }

func testOrg() *types.Organization {
	return &types.Organization{
		ID:               "org_1",
		Name:             "Acme Training",
		BillingStatus:    types.BillingStatusActive,
		PlanID:           strPtr("plan_team"),
		StripeCustomerID: "cus_1",
		ActiveUserCount:  5,
	}
}

func testPlans() []*types.Plan {
	return []*types.Plan{
		{ID: "plan_team", Name: "Team", StripePriceID: strPtr("price_team")},
		{ID: "plan_business", Name: "Business", StripePriceID: strPtr("price_business")},
	}
}

func buildEvent(t *testing.T, eventType, eventID string, created int64, dataObject any) *Event {
	t.Helper()
	objBytes, err := json.Marshal(dataObject)
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]any{
		"id":      eventID,
		"type":    eventType,
		"created": created,
		"data":    map[string]any{"object": json.RawMessage(objBytes)},
	})
	require.NoError(t, err)
	ev, err := ParseEvent(raw)
	require.NoError(t, err)
	return ev
}

func freshCreated() int64 {
	return testNow.Add(-time.Minute).Unix()
}

// ---------------------------------------------------------------------------
// Gate behavior
// ---------------------------------------------------------------------------

func TestProcess_IdempotencyShortCircuit(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	ev := buildEvent(t, EventInvoicePaid, "evt_dup", freshCreated(), map[string]any{
		"id":       "in_1",
		"customer": "cus_1",
	})

	first := fx.engine.Process(context.Background(), ev)
	require.Equal(t, OutcomeProcessed, first.Kind)
	require.Len(t, fx.orgs.updates, 1)

	second := fx.engine.Process(context.Background(), ev)
	assert.Equal(t, OutcomeAlreadyProcessed, second.Kind)
	assert.Len(t, fx.orgs.updates, 1, "replay must not touch the organization again")
}

func TestProcess_FailedLedgerRowAllowsReprocessing(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	fx.ledger.rows["evt_retry"] = types.ProcessedEvent{
		StripeEventID: "evt_retry",
		EventType:     EventInvoicePaid,
		Success:       false,
		ErrorMessage:  "upstream_unavailable: transient",
	}
	ev := buildEvent(t, EventInvoicePaid, "evt_retry", freshCreated(), map[string]any{
		"id":       "in_1",
		"customer": "cus_1",
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	assert.Len(t, fx.orgs.updates, 1)
	assert.True(t, fx.ledger.rows["evt_retry"].Success, "ledger row must be flipped to success")
}

func TestProcess_StaleEventRejected(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	ev := buildEvent(t, EventInvoicePaid, "evt_old", testNow.Add(-25*time.Hour).Unix(), map[string]any{
		"id":       "in_1",
		"customer": "cus_1",
	})

	out := fx.engine.Process(context.Background(), ev)

	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, "stale_event", out.Reason)
	assert.Empty(t, fx.orgs.updates)
	assert.Zero(t, fx.ledger.recordCnt, "rejected events are not recorded in the ledger")
}

func TestProcess_OutOfOrderEventRejected(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())

	t1 := testNow.Add(-10 * time.Minute).Unix()
	t2 := testNow.Add(-5 * time.Minute).Unix()
	subObj := map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "active",
		"items": map[string]any{"data": []map[string]any{{
			"id":       "si_1",
			"quantity": 5,
			"price":    map[string]any{"id": "price_team"},
		}}},
	}

	// Newer event arrives first.
	out := fx.engine.Process(context.Background(), buildEvent(t, EventSubscriptionUpdated, "evt_t2", t2, subObj))
	require.Equal(t, OutcomeProcessed, out.Kind)
	require.Len(t, fx.orgs.updates, 1)

	// Older event for the same subscription is causally stale.
	out = fx.engine.Process(context.Background(), buildEvent(t, EventSubscriptionUpdated, "evt_t1", t1, subObj))
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, "out_of_order", out.Reason)
	assert.Len(t, fx.orgs.updates, 1, "stale event must not overwrite newer state")
}

func TestProcess_EqualTimestampRejected(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	created := freshCreated()
	obj := map[string]any{"id": "in_1", "customer": "cus_1"}

	out := fx.engine.Process(context.Background(), buildEvent(t, EventInvoicePaid, "evt_a", created, obj))
	require.Equal(t, OutcomeProcessed, out.Kind)

	out = fx.engine.Process(context.Background(), buildEvent(t, EventInvoicePaid, "evt_b", created, obj))
	assert.Equal(t, OutcomeRejected, out.Kind)
}

func TestProcess_CheckpointsArePerEventTypeAndResource(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	created := freshCreated()

	out := fx.engine.Process(context.Background(), buildEvent(t, EventInvoicePaid, "evt_paid", created,
		map[string]any{"id": "in_1", "customer": "cus_1"}))
	require.Equal(t, OutcomeProcessed, out.Kind)

	// Same resource, different event type: its own checkpoint stream.
	out = fx.engine.Process(context.Background(), buildEvent(t, EventInvoicePaymentFailed, "evt_failed", created-60,
		map[string]any{"id": "in_0", "customer": "cus_1"}))
	assert.Equal(t, OutcomeProcessed, out.Kind)
}

func TestProcess_NoResourceIDFailsOpen(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	// Unhandled type with an empty object: no resource id extractable.
	ev := buildEvent(t, "charge.refunded", "evt_noref", freshCreated(), map[string]any{})

	out := fx.engine.Process(context.Background(), ev)

	assert.Equal(t, OutcomeProcessed, out.Kind)
	assert.Empty(t, fx.cks.rows, "no checkpoint written without a resource id")
}

func TestProcess_LostRecordRaceReportsAlreadyProcessed(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	fx.ledger.loseRace = true
	ev := buildEvent(t, EventInvoicePaid, "evt_race", freshCreated(), map[string]any{
		"id":       "in_1",
		"customer": "cus_1",
	})

	out := fx.engine.Process(context.Background(), ev)

	assert.Equal(t, OutcomeAlreadyProcessed, out.Kind)
}

func TestProcess_UnknownEventTypeIsRecordedNoOp(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	ev := buildEvent(t, "customer.tax_id.created", "evt_unknown", freshCreated(), map[string]any{
		"id": "txi_1",
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	assert.Empty(t, fx.orgs.updates)
	assert.True(t, fx.ledger.rows["evt_unknown"].Success)
}

// ---------------------------------------------------------------------------
// Retry behavior
// ---------------------------------------------------------------------------

func TestProcess_TransientFailureRetriesWithBackoff(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	fx.orgs.updateErrOnce = 3 // every attempt fails
	ev := buildEvent(t, EventInvoicePaid, "evt_transient", freshCreated(), map[string]any{
		"id":       "in_1",
		"customer": "cus_1",
	})

	out := fx.engine.Process(context.Background(), ev)

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, fx.sleeps)
	row := fx.ledger.rows["evt_transient"]
	assert.False(t, row.Success)
	assert.NotEmpty(t, row.ErrorMessage)
	assert.Empty(t, fx.cks.rows, "failed events must not advance the checkpoint")
}

func TestProcess_TransientFailureRecoversMidRetry(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	fx.orgs.updateErrOnce = 2 // fails twice, succeeds on third attempt
	ev := buildEvent(t, EventInvoicePaid, "evt_recover", freshCreated(), map[string]any{
		"id":       "in_1",
		"customer": "cus_1",
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, fx.sleeps)
	assert.Len(t, fx.orgs.updates, 1)
	assert.True(t, fx.ledger.rows["evt_recover"].Success)
}

func TestProcess_NonRetryableFailureStopsImmediately(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	// Unknown customer: not_found never retries.
	ev := buildEvent(t, EventInvoicePaid, "evt_unknown_cus", freshCreated(), map[string]any{
		"id":       "in_1",
		"customer": "cus_ghost",
	})

	out := fx.engine.Process(context.Background(), ev)

	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, "business_rejection", out.Reason)
	assert.Empty(t, fx.sleeps, "non-retryable failures must not back off")
	assert.False(t, fx.ledger.rows["evt_unknown_cus"].Success)
}

func TestRetrier_DelaysDouble(t *testing.T) {
	var sleeps []time.Duration
	r := newRetrier(retryPolicy{MaxAttempts: 3, BaseDelay: time.Second}, testLogger())
	r.sleepFn = func(d time.Duration) { sleeps = append(sleeps, d) }

	calls := 0
	err := r.run(context.Background(), testLogger(), func() error {
		calls++
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, "down", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeps)
}

func TestRetrier_CanceledContextStopsRetrying(t *testing.T) {
	r := newRetrier(defaultRetryPolicy(), testLogger())
	r.sleepFn = func(time.Duration) {}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := r.run(ctx, testLogger(), func() error {
		calls++
		return errors.New("should not run")
	})

	require.Error(t, err)
	assert.Zero(t, calls)
}

// ---------------------------------------------------------------------------
// Handler semantics
// ---------------------------------------------------------------------------

func TestHandleCheckoutCompleted(t *testing.T) {
	org := testOrg()
	org.PlanID = nil
	org.StripeCustomerID = ""
	fx := newFixture(t, []*types.Organization{org}, testPlans())

	ev := buildEvent(t, EventCheckoutCompleted, "evt_checkout", freshCreated(), map[string]any{
		"id":           "cs_1",
		"customer":     "cus_new",
		"subscription": "sub_new",
		"metadata": map[string]string{
			"org_id":  "org_1",
			"plan_id": "plan_team",
			"seats":   "10",
		},
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	upd := fx.orgs.lastUpdate(t)
	assert.Equal(t, "org_1", upd.OrgID)
	require.NotNil(t, upd.Update.BillingStatus)
	assert.Equal(t, types.BillingStatusIncomplete, *upd.Update.BillingStatus)
	require.NotNil(t, upd.Update.StripeCustomerID)
	assert.Equal(t, "cus_new", *upd.Update.StripeCustomerID)
	require.NotNil(t, upd.Update.StripeSubscriptionID)
	assert.Equal(t, "sub_new", *upd.Update.StripeSubscriptionID)
	require.NotNil(t, upd.Update.PlanID)
	assert.Equal(t, "plan_team", *upd.Update.PlanID)
	require.NotNil(t, upd.Update.ActiveUserCount)
	assert.Equal(t, 10, *upd.Update.ActiveUserCount)
	require.NotNil(t, upd.Update.LastSyncAt)

	require.Len(t, fx.notify.calls, 1)
	assert.Nil(t, fx.notify.calls[0].Previous)
	assert.Equal(t, "plan_team", *fx.notify.calls[0].Next)
}

func TestHandleCheckoutCompleted_MissingOrgID(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	ev := buildEvent(t, EventCheckoutCompleted, "evt_noorg", freshCreated(), map[string]any{
		"id":       "cs_1",
		"metadata": map[string]string{},
	})

	out := fx.engine.Process(context.Background(), ev)

	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Empty(t, fx.orgs.updates)
}

func TestHandleCheckoutCompleted_UnknownPlanRejected(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	ev := buildEvent(t, EventCheckoutCompleted, "evt_badplan", freshCreated(), map[string]any{
		"id": "cs_1",
		"metadata": map[string]string{
			"org_id":  "org_1",
			"plan_id": "plan_ghost",
		},
	})

	out := fx.engine.Process(context.Background(), ev)

	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Empty(t, fx.orgs.updates)
}

func TestHandleCheckoutExpired(t *testing.T) {
	org := testOrg()
	org.BillingStatus = types.BillingStatusIncomplete
	fx := newFixture(t, []*types.Organization{org}, testPlans())
	ev := buildEvent(t, EventCheckoutExpired, "evt_expired", freshCreated(), map[string]any{
		"id":       "cs_1",
		"metadata": map[string]string{"org_id": "org_1"},
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	upd := fx.orgs.lastUpdate(t)
	assert.Equal(t, types.BillingStatusSetupRequired, *upd.Update.BillingStatus)
}

func TestHandleCheckoutExpired_EstablishedOrgUnchanged(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans()) // active
	ev := buildEvent(t, EventCheckoutExpired, "evt_expired2", freshCreated(), map[string]any{
		"id":       "cs_1",
		"metadata": map[string]string{"org_id": "org_1"},
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	assert.Empty(t, fx.orgs.updates)
}

func TestHandleSubscriptionChanged_PlanChangeNotifies(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans()) // currently plan_team
	ev := buildEvent(t, EventSubscriptionUpdated, "evt_upgrade", freshCreated(), map[string]any{
		"id":                 "sub_1",
		"customer":           "cus_1",
		"status":             "active",
		"current_period_end": testNow.Add(30 * 24 * time.Hour).Unix(),
		"items": map[string]any{"data": []map[string]any{{
			"id":       "si_1",
			"quantity": 12,
			"price":    map[string]any{"id": "price_business"},
		}}},
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	upd := fx.orgs.lastUpdate(t)
	assert.Equal(t, types.BillingStatusActive, *upd.Update.BillingStatus)
	assert.Equal(t, "plan_business", *upd.Update.PlanID)
	assert.Equal(t, 12, *upd.Update.ActiveUserCount)
	assert.Equal(t, "sub_1", *upd.Update.StripeSubscriptionID)
	assert.Equal(t, "si_1", *upd.Update.StripeSubscriptionItemID)
	require.NotNil(t, upd.Update.CurrentPeriodEnd)

	require.Len(t, fx.notify.calls, 1)
	assert.Equal(t, "plan_team", *fx.notify.calls[0].Previous)
	assert.Equal(t, "plan_business", *fx.notify.calls[0].Next)
}

func TestHandleSubscriptionChanged_SamePlanNoNotification(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	ev := buildEvent(t, EventSubscriptionUpdated, "evt_same", freshCreated(), map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "active",
		"items": map[string]any{"data": []map[string]any{{
			"id":       "si_1",
			"quantity": 5,
			"price":    map[string]any{"id": "price_team"},
		}}},
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	assert.Empty(t, fx.notify.calls)
}

func TestHandleSubscriptionChanged_UnmappedPriceRejected(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	ev := buildEvent(t, EventSubscriptionUpdated, "evt_unmapped", freshCreated(), map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "active",
		"items": map[string]any{"data": []map[string]any{{
			"id":       "si_1",
			"quantity": 5,
			"price":    map[string]any{"id": "price_ghost"},
		}}},
	})

	out := fx.engine.Process(context.Background(), ev)

	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Empty(t, fx.orgs.updates)
}

func TestHandleSubscriptionChanged_NotifierFailureDoesNotFailEvent(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	fx.notify.err = errors.New("queue unavailable")
	ev := buildEvent(t, EventSubscriptionUpdated, "evt_notify_fail", freshCreated(), map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "active",
		"items": map[string]any{"data": []map[string]any{{
			"id":       "si_1",
			"quantity": 5,
			"price":    map[string]any{"id": "price_business"},
		}}},
	})

	out := fx.engine.Process(context.Background(), ev)

	assert.Equal(t, OutcomeProcessed, out.Kind)
}

func TestHandleSubscriptionDeleted_Ended(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	ev := buildEvent(t, EventSubscriptionDeleted, "evt_deleted", freshCreated(), map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "canceled",
		"ended_at": testNow.Add(-time.Hour).Unix(),
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	upd := fx.orgs.lastUpdate(t)
	assert.Equal(t, types.BillingStatusCanceled, *upd.Update.BillingStatus)
	assert.True(t, upd.Update.ClearPlanID)
	require.NotNil(t, upd.Update.ActiveUserCount)
	assert.Zero(t, *upd.Update.ActiveUserCount)

	// The provider-initiated cancellation itself is not announced; only
	// plan selection changes notify admins.
	assert.Empty(t, fx.notify.calls)
}

func TestHandleSubscriptionDeleted_PendingCancellationKeepsPlan(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	ev := buildEvent(t, EventSubscriptionDeleted, "evt_pending_cancel", freshCreated(), map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "canceled",
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	upd := fx.orgs.lastUpdate(t)
	assert.Equal(t, types.BillingStatusCanceled, *upd.Update.BillingStatus)
	assert.False(t, upd.Update.ClearPlanID)
	assert.Nil(t, upd.Update.ActiveUserCount)
	assert.Empty(t, fx.notify.calls)
}

func TestHandleTrialWillEnd(t *testing.T) {
	org := testOrg()
	org.BillingStatus = types.BillingStatusTrialing
	fx := newFixture(t, []*types.Organization{org}, testPlans())
	ev := buildEvent(t, EventSubscriptionTrialWillEnd, "evt_trial", freshCreated(), map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "trialing",
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	upd := fx.orgs.lastUpdate(t)
	assert.Equal(t, types.BillingStatusTrialEnding, *upd.Update.BillingStatus)
}

func TestHandleTrialWillEnd_AppliesRegardlessOfCurrentStatus(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	ev := buildEvent(t, EventSubscriptionTrialWillEnd, "evt_trial_active", freshCreated(), map[string]any{
		"id":       "sub_1",
		"customer": "cus_1",
		"status":   "trialing",
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	upd := fx.orgs.lastUpdate(t)
	assert.Equal(t, types.BillingStatusTrialEnding, *upd.Update.BillingStatus)
}

func TestHandleInvoicePaid_RefreshesFromSubscription(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	periodEnd := testNow.Add(30 * 24 * time.Hour)
	fx.stripe.sub = &external.SubscriptionState{
		ID:               "sub_1",
		Status:           "active",
		PriceID:          "price_business",
		Quantity:         8,
		ItemID:           "si_1",
		CurrentPeriodEnd: periodEnd,
	}
	ev := buildEvent(t, EventInvoicePaid, "evt_paid_sub", freshCreated(), map[string]any{
		"id":           "in_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	upd := fx.orgs.lastUpdate(t)
	assert.Equal(t, types.BillingStatusActive, *upd.Update.BillingStatus)
	assert.Equal(t, "plan_business", *upd.Update.PlanID)
	assert.Equal(t, 8, *upd.Update.ActiveUserCount)
	require.NotNil(t, upd.Update.CurrentPeriodEnd)
	assert.True(t, periodEnd.Equal(*upd.Update.CurrentPeriodEnd))
	// The refresh is silent; the subscription.updated stream already
	// notifies the plan change.
	assert.Empty(t, fx.notify.calls)
}

func TestHandleInvoicePaid_UnmappedPriceDegradesToStatusOnly(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	fx.stripe.sub = &external.SubscriptionState{
		ID:      "sub_1",
		PriceID: "price_ghost",
	}
	ev := buildEvent(t, EventInvoicePaid, "evt_paid_ghost", freshCreated(), map[string]any{
		"id":           "in_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	upd := fx.orgs.lastUpdate(t)
	assert.Equal(t, types.BillingStatusActive, *upd.Update.BillingStatus)
	assert.Nil(t, upd.Update.PlanID)
	assert.Nil(t, upd.Update.ActiveUserCount)
}

func TestHandleInvoicePaid_TransientRefreshFailureRetries(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	fx.stripe.getErr = types.NewAppError(types.ErrCodeUpstreamStripe, "stripe down", nil)
	ev := buildEvent(t, EventInvoicePaid, "evt_paid_down", freshCreated(), map[string]any{
		"id":           "in_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
	})

	out := fx.engine.Process(context.Background(), ev)

	assert.Equal(t, OutcomeFailed, out.Kind)
	assert.Len(t, fx.sleeps, 3)
	assert.Empty(t, fx.orgs.updates)
}

func TestHandleInvoicePaymentFailed_DunningNeverTouchesEntitlements(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	ev := buildEvent(t, EventInvoicePaymentFailed, "evt_dunning", freshCreated(), map[string]any{
		"id":                   "in_1",
		"customer":             "cus_1",
		"next_payment_attempt": testNow.Add(24 * time.Hour).Unix(),
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	upd := fx.orgs.lastUpdate(t)
	assert.Equal(t, types.BillingStatusPastDue, *upd.Update.BillingStatus)
	require.NotNil(t, upd.Update.LastSyncAt)

	// A payment failure must never strip entitlements.
	assert.Nil(t, upd.Update.PlanID)
	assert.False(t, upd.Update.ClearPlanID)
	assert.Nil(t, upd.Update.ActiveUserCount)
	assert.Nil(t, upd.Update.StripeSubscriptionID)
	assert.Nil(t, upd.Update.StripeSubscriptionItemID)
	assert.Empty(t, fx.notify.calls)
}

func TestHandleInvoicePaymentFailed_NoRetriesLeftMeansUnpaid(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	ev := buildEvent(t, EventInvoicePaymentFailed, "evt_exhausted", freshCreated(), map[string]any{
		"id":       "in_1",
		"customer": "cus_1",
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	upd := fx.orgs.lastUpdate(t)
	assert.Equal(t, types.BillingStatusUnpaid, *upd.Update.BillingStatus)
}

func TestHandlePaymentIntentRequiresAction(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	ev := buildEvent(t, EventPaymentIntentRequiresAction, "evt_3ds", freshCreated(), map[string]any{
		"id":       "pi_1",
		"customer": "cus_1",
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	upd := fx.orgs.lastUpdate(t)
	assert.Equal(t, types.BillingStatusPending3DS, *upd.Update.BillingStatus)
}

func TestHandlePaymentIntentSucceeded_InvoiceBackedIsNoOp(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	ev := buildEvent(t, EventPaymentIntentSucceeded, "evt_pi_inv", freshCreated(), map[string]any{
		"id":       "pi_1",
		"customer": "cus_1",
		"invoice":  "in_1",
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	assert.Empty(t, fx.orgs.updates)
}

func TestHandlePaymentIntentSucceeded_Resolves3DS(t *testing.T) {
	org := testOrg()
	org.BillingStatus = types.BillingStatusPending3DS
	fx := newFixture(t, []*types.Organization{org}, testPlans())
	ev := buildEvent(t, EventPaymentIntentSucceeded, "evt_pi_ok", freshCreated(), map[string]any{
		"id":       "pi_1",
		"customer": "cus_1",
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	upd := fx.orgs.lastUpdate(t)
	assert.Equal(t, types.BillingStatusActive, *upd.Update.BillingStatus)
}

func TestHandlePaymentIntentSucceeded_NotPending3DSUnchanged(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans()) // active
	ev := buildEvent(t, EventPaymentIntentSucceeded, "evt_pi_idle", freshCreated(), map[string]any{
		"id":       "pi_1",
		"customer": "cus_1",
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	assert.Empty(t, fx.orgs.updates)
}

func TestHandlePaymentIntentFailed_StatusOnly(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	ev := buildEvent(t, EventPaymentIntentFailed, "evt_pi_fail", freshCreated(), map[string]any{
		"id":       "pi_1",
		"customer": "cus_1",
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	upd := fx.orgs.lastUpdate(t)
	assert.Equal(t, types.BillingStatusPaymentFailed, *upd.Update.BillingStatus)
	assert.Nil(t, upd.Update.PlanID)
	assert.Nil(t, upd.Update.ActiveUserCount)
}

func TestHandleSetupIntentSucceeded_ReleasesPendingChange(t *testing.T) {
	org := testOrg()
	org.StripeSubscriptionItemID = "si_1"
	fx := newFixture(t, []*types.Organization{org}, testPlans())
	ev := buildEvent(t, EventSetupIntentSucceeded, "evt_si", freshCreated(), map[string]any{
		"id":       "seti_1",
		"customer": "cus_1",
		"metadata": map[string]string{
			"pending_price_id": "price_business",
			"pending_quantity": "15",
		},
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	require.Len(t, fx.stripe.updateCalls, 1)
	call := fx.stripe.updateCalls[0]
	assert.Equal(t, "si_1", call.ItemID)
	assert.Equal(t, "price_business", call.PriceID)
	assert.Equal(t, int64(15), call.Quantity)
	// The database converges via the subscription.updated event that follows.
	assert.Empty(t, fx.orgs.updates)
}

func TestHandleSetupIntentSucceeded_DeclinedCardIsBusinessRejection(t *testing.T) {
	org := testOrg()
	org.StripeSubscriptionItemID = "si_1"
	fx := newFixture(t, []*types.Organization{org}, testPlans())
	fx.stripe.updateErr = types.NewAppError(types.ErrCodeUpstreamRejected,
		"UpdateSubscriptionItem: Stripe returned 402: Your card was declined.", nil)
	ev := buildEvent(t, EventSetupIntentSucceeded, "evt_si_declined", freshCreated(), map[string]any{
		"id":       "seti_1",
		"customer": "cus_1",
		"metadata": map[string]string{
			"pending_price_id": "price_business",
			"pending_quantity": "15",
		},
	})

	out := fx.engine.Process(context.Background(), ev)

	// A deterministic provider refusal must be acked, not retried:
	// redelivery re-runs the same declined charge forever.
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.Equal(t, "business_rejection", out.Reason)
	assert.Empty(t, fx.sleeps)
	assert.Empty(t, fx.orgs.updates)
}

func TestHandleSetupIntentSucceeded_NoPendingChangeIsNoOp(t *testing.T) {
	fx := newFixture(t, []*types.Organization{testOrg()}, testPlans())
	ev := buildEvent(t, EventSetupIntentSucceeded, "evt_si_plain", freshCreated(), map[string]any{
		"id":       "seti_1",
		"customer": "cus_1",
		"metadata": map[string]string{},
	})

	out := fx.engine.Process(context.Background(), ev)

	require.Equal(t, OutcomeProcessed, out.Kind)
	assert.Empty(t, fx.stripe.updateCalls)
	assert.Empty(t, fx.orgs.updates)
}

// ---------------------------------------------------------------------------
// Event parsing
// ---------------------------------------------------------------------------

func TestParseEvent_Malformed(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"not json", "{nope"},
		{"missing id", `{"type":"invoice.paid","created":1}`},
		{"missing type", `{"id":"evt_1","created":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tc.payload))
			require.Error(t, err)
			var appErr *types.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, types.ErrCodeValidationInvalidPayload, appErr.Code)
		})
	}
}

func TestResourceID_Priority(t *testing.T) {
	cases := []struct {
		name   string
		object string
		want   string
	}{
		{"subscription reference wins", `{"id":"in_1","customer":"cus_1","subscription":"sub_9"}`, "sub_9"},
		{"subscription object own id", `{"id":"sub_7","customer":"cus_1"}`, "sub_7"},
		{"customer fallback", `{"id":"in_1","customer":"cus_1"}`, "cus_1"},
		{"own id last resort", `{"id":"pi_1"}`, "pi_1"},
		{"nothing extractable", `{}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := &Event{ID: "evt", Type: "x", Data: eventData{Object: json.RawMessage(tc.object)}}
			assert.Equal(t, tc.want, ev.ResourceID())
		})
	}
}

func TestMapSubscriptionStatus_CoversDocumentedStatuses(t *testing.T) {
	want := map[string]types.BillingStatus{
		"active":             types.BillingStatusActive,
		"past_due":           types.BillingStatusPastDue,
		"canceled":           types.BillingStatusCanceled,
		"unpaid":             types.BillingStatusUnpaid,
		"incomplete":         types.BillingStatusIncomplete,
		"incomplete_expired": types.BillingStatusIncompleteExpired,
		"trialing":           types.BillingStatusTrialing,
		"paused":             types.BillingStatusPaused,
		"something_new":      types.BillingStatusUnpaid,
	}
	for status, expected := range want {
		assert.Equal(t, expected, MapSubscriptionStatus(status, testLogger()), fmt.Sprintf("status %q", status))
	}
}
