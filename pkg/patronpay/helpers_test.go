package patronpay_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
	"github.com/mihaimyh/patronpay/pkg/processor/fake"
	"github.com/mihaimyh/patronpay/storage/memory"
)

// clock is a settable time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// recordingNotifier keeps published notifications
type recordingNotifier struct {
	mu    sync.Mutex
	notes []patronpay.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note patronpay.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notes))
	for _, note := range n.notes {
		out = append(out, note.Kind)
	}
	return out
}

var testStart = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine   *patronpay.Engine
	store    *memory.Storage
	cache    *memory.PaymentMethodCache
	proc     *fake.Processor
	clock    *clock
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts ...func(*patronpay.Config)) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		store:    memory.New(),
		cache:    memory.NewPaymentMethodCache(),
		proc:     fake.New(),
		clock:    &clock{now: testStart},
		notifier: &recordingNotifier{},
	}

	seed := []error{
		f.store.PutUser(ctx, &patronpay.User{ID: "customer1", Email: "fan@example.com"}),
		f.store.PutUser(ctx, &patronpay.User{ID: "customer2", Email: "other@example.com"}),
		f.store.PutUser(ctx, &patronpay.User{ID: "creator1", Email: "artist@example.com"}),
		f.store.PutCommissionType(ctx, &patronpay.CommissionType{
			ID:               "type1", CreatorID: "creator1", Name: "Portrait",
			BasePrice:        decimal.NewFromInt(100),
			MaxRevisions:     2,
			PricePerRevision: decimal.NewFromInt(20),
		}),
		f.store.PutCommissionType(ctx, &patronpay.CommissionType{
			ID:           "type-free", CreatorID: "creator1", Name: "Sketch",
			BasePrice:    decimal.NewFromInt(30),
			MaxRevisions: 1,
		}),
		f.store.PutTier(ctx, &patronpay.MembershipTier{
			ID:    "tier1", CreatorID: "creator1", Name: "Bronze",
			Price: decimal.NewFromInt(5), ProcessorPriceID: "price_1",
		}),
		f.store.PutTier(ctx, &patronpay.MembershipTier{
			ID:    "tier2", CreatorID: "creator1", Name: "Gold",
			Price: decimal.NewFromInt(15), ProcessorPriceID: "price_2",
		}),
	}
	for _, err := range seed {
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	config := patronpay.Config{
		Storage:            f.store,
		Processor:          f.proc,
		PaymentMethodCache: f.cache,
		Notifier:           f.notifier,
		Now:                f.clock.Now,
	}
	for _, opt := range opts {
		opt(&config)
	}

	engine, err := patronpay.NewEngine(config)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	f.engine = engine
	return f
}

// authorizedCommission submits and authorizes a commission and applies the
// processor's authorization event.
func (f *fixture) authorizedCommission(t *testing.T) *patronpay.CommissionRequest {
	t.Helper()
	c := f.submit(t, "type1")
	auth, err := f.engine.Commissions.AuthorizePayment(context.Background(), "customer1", c.ID, c.AgreedPrice)
	if err != nil {
		t.Fatalf("AuthorizePayment failed: %v", err)
	}
	f.proc.SetIntent(auth.PaymentIntentID, patronpay.IntentRequiresCapture, false)
	f.apply(t, piEvent("evt_auth_"+c.ID, patronpay.EventPaymentIntentSucceeded, auth.PaymentIntentID, c.ID))
	return f.get(t, c.ID)
}

// acceptedCommission drives a commission to accepted through the creator's decision.
func (f *fixture) acceptedCommission(t *testing.T) *patronpay.CommissionRequest {
	t.Helper()
	c := f.authorizedCommission(t)
	if _, err := f.engine.Commissions.CreatorDecision(context.Background(), "creator1", c.ID,
		patronpay.DecisionAccept); err != nil {
		t.Fatalf("CreatorDecision failed: %v", err)
	}
	f.apply(t, chargeEvent("evt_capture_"+c.ID, patronpay.EventChargeCaptured, c.PaymentIntentID))
	return f.get(t, c.ID)
}

func (f *fixture) submit(t *testing.T, typeID string) *patronpay.CommissionRequest {
	t.Helper()
	c, err := f.engine.Commissions.Submit(context.Background(), patronpay.SubmitCommissionRequest{
		CustomerID:       "customer1",
		CreatorID:        "creator1",
		CommissionTypeID: typeID,
		Description:      "A portrait of my cat",
		ReferenceImages:  []string{"https://example.com/cat.png"},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return c
}

func (f *fixture) get(t *testing.T, id string) *patronpay.CommissionRequest {
	t.Helper()
	c, err := f.store.GetCommission(context.Background(), id)
	if err != nil {
		t.Fatalf("GetCommission failed: %v", err)
	}
	return c
}

func (f *fixture) apply(t *testing.T, ev patronpay.Event) *patronpay.EventResult {
	t.Helper()
	res, err := f.engine.HandleEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("HandleEvent(%s) failed: %v", ev.EventID(), err)
	}
	return res
}

func piEvent(id, eventType, paymentIntentID, commissionID string) *patronpay.PaymentIntentEvent {
	return &patronpay.PaymentIntentEvent{
		EventHeader:     patronpay.EventHeader{ID: id, Type: eventType, Created: testStart},
		PaymentIntentID: paymentIntentID,
		Metadata: map[string]string{
			patronpay.MetaKind:         patronpay.KindCommission,
			patronpay.MetaCommissionID: commissionID,
		},
	}
}

func revisionEvent(id, eventType, paymentIntentID string) *patronpay.PaymentIntentEvent {
	return &patronpay.PaymentIntentEvent{
		EventHeader:     patronpay.EventHeader{ID: id, Type: eventType, Created: testStart},
		PaymentIntentID: paymentIntentID,
		Metadata:        map[string]string{patronpay.MetaKind: patronpay.KindRevision},
	}
}

func chargeEvent(id, eventType, paymentIntentID string) *patronpay.ChargeEvent {
	return &patronpay.ChargeEvent{
		EventHeader:     patronpay.EventHeader{ID: id, Type: eventType, Created: testStart},
		ChargeID:        "ch_" + id,
		PaymentIntentID: paymentIntentID,
	}
}

func subscriptionEvent(id, eventType string, at time.Time, ps patronpay.ProcessorSubscription) *patronpay.SubscriptionEvent {
	return &patronpay.SubscriptionEvent{
		EventHeader:  patronpay.EventHeader{ID: id, Type: eventType, Created: at},
		Subscription: ps,
	}
}
