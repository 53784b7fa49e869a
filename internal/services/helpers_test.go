package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pi-plinko-backend/internal/logger"
	"pi-plinko-backend/internal/models"
	"pi-plinko-backend/internal/services"
)

// fakePayments confirms every payment for the amount registered with expect,
// reports held payments as pending and refuses the rest.
type fakePayments struct {
	mu        sync.Mutex
	amounts   map[string]decimal.Decimal
	held      map[string]bool
	verify    func(ctx context.Context, paymentID string) (*models.PaymentVerification, error)
	complete  func(ctx context.Context, paymentID string) error
	delay     time.Duration
	verified  int
	completed map[string]int
}

func newFakePayments() *fakePayments {
	return &fakePayments{
		amounts:   make(map[string]decimal.Decimal),
		held:      make(map[string]bool),
		completed: make(map[string]int),
	}
}

func (f *fakePayments) expect(paymentID string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.amounts[paymentID] = amount
	delete(f.held, paymentID)
}

// hold makes the payment look submitted but not yet confirmed on chain.
func (f *fakePayments) hold(paymentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held[paymentID] = true
}

func (f *fakePayments) VerifyPayment(ctx context.Context, paymentID string) (*models.PaymentVerification, error) {
	f.mu.Lock()
	f.verified++
	verify := f.verify
	amount, ok := f.amounts[paymentID]
	held := f.held[paymentID]
	delay := f.delay
	f.mu.Unlock()

	if verify != nil {
		return verify(ctx, paymentID)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if held {
		return &models.PaymentVerification{PaymentID: paymentID, State: models.PaymentStatePending}, nil
	}
	if !ok {
		return &models.PaymentVerification{PaymentID: paymentID, State: models.PaymentStateFailed, Reason: "unknown payment"}, nil
	}
	return &models.PaymentVerification{
		PaymentID: paymentID,
		State:     models.PaymentStateVerified,
		Amount:    amount,
	}, nil
}

func (f *fakePayments) CompletePayment(ctx context.Context, paymentID, txid string) error {
	f.mu.Lock()
	complete := f.complete
	f.mu.Unlock()

	if complete != nil {
		if err := complete(ctx, paymentID); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[paymentID]++
	return nil
}

func (f *fakePayments) verifyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verified
}

func (f *fakePayments) completions(paymentID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed[paymentID]
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Now().UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store    services.Store
	seeds    *services.SeedManager
	resolver *services.Resolver
	payments *fakePayments
	coord    *services.SettlementCoordinator
	verifier *services.VerificationService
}

func testSettlementConfig() services.SettlementConfig {
	return services.SettlementConfig{
		HouseEdgeMargin: decimal.RequireFromString("0.01"),
		Limits: models.BetLimits{
			Min:       decimal.RequireFromString("0.1"),
			Max:       decimal.RequireFromString("1000"),
			Precision: models.DefaultMoneyPrecision,
		},
		VerifyTimeout: 200 * time.Millisecond,
		Retry: services.RetryConfig{
			InitialInterval: time.Millisecond,
			MaxElapsedTime:  200 * time.Millisecond,
		},
	}
}

func newHarness(t *testing.T, opts ...services.SettlementOption) *harness {
	t.Helper()
	return newHarnessWithStore(t, services.NewMemoryStore(), opts...)
}

func newHarnessWithStore(t *testing.T, store services.Store, opts ...services.SettlementOption) *harness {
	t.Helper()

	log := logger.Discard()
	resolver := services.NewResolver(services.DefaultPaytable())
	seeds := services.NewSeedManager(store, nil, services.RotationPolicy{}, log)
	payments := newFakePayments()

	opts = append([]services.SettlementOption{services.WithLogger(log)}, opts...)
	coord := services.NewSettlementCoordinator(store, seeds, resolver, payments, testSettlementConfig(), opts...)

	return &harness{
		store:    store,
		seeds:    seeds,
		resolver: resolver,
		payments: payments,
		coord:    coord,
		verifier: services.NewVerificationService(store, resolver),
	}
}

// activate installs a seed with a known secret, as the house would after generating it.
func (h *harness) activate(t *testing.T, secret string) *models.Seed {
	t.Helper()
	seed := &models.Seed{
		ID:             "seed_" + secret,
		Secret:         secret,
		CommitmentHash: models.CommitmentHash(secret),
		Status:         models.SeedStatusActive,
		ActivatedAt:    time.Now().UTC(),
	}
	if _, err := h.store.ActivateSeed(context.Background(), seed, time.Now()); err != nil {
		t.Fatalf("activate seed: %v", err)
	}
	return seed
}

func notification(paymentID, user, amount string) models.PaymentNotification {
	return models.PaymentNotification{
		PaymentID: paymentID,
		TxID:      "tx_" + paymentID,
		User:      user,
		BetAmount: decimal.RequireFromString(amount),
	}
}
