package services_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pi-plinko-backend/internal/models"
	"pi-plinko-backend/internal/services"
)

func TestSettleFiveTimesDropAndVerifyAfterReveal(t *testing.T) {
	resolver := services.NewResolver(services.DefaultPaytable())
	roundID := roundForBin(t, resolver, "seed-A", "", 1, 3)

	h := newHarness(t, services.WithRoundIDs(func() string { return roundID }))
	ctx := context.Background()
	seed := h.activate(t, "seed-A")

	h.payments.expect("pay_scenario", decimal.NewFromInt(10))
	bet, err := h.coord.HandlePayment(ctx, notification("pay_scenario", "alice", "10"))
	require.NoError(t, err)

	assert.Equal(t, models.BetStatusSettled, bet.Status)
	assert.Equal(t, seed.ID, bet.SeedID)
	assert.Equal(t, int64(1), bet.Nonce)
	assert.Equal(t, 3, bet.ResultBin)
	assert.Equal(t, "5", bet.Multiplier.String())
	assert.Equal(t, "49.5", bet.Winnings.String())
	require.NotNil(t, bet.SettledAt)

	account, err := h.store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "10", account.TotalWagered.String())
	assert.Equal(t, "49.5", account.TotalWinnings.String())
	assert.Equal(t, int64(1), account.BetCount)

	round, err := h.store.GetRound(ctx, roundID)
	require.NoError(t, err)
	assert.Equal(t, 3, round.ResultBin)
	assert.Len(t, round.Path, 4)

	// not verifiable while the seed is still secret
	_, err = h.verifier.VerifyBet(ctx, "pay_scenario")
	assert.True(t, services.IsState(err))

	rotation, err := h.seeds.Rotate(ctx)
	require.NoError(t, err)
	assert.Equal(t, seed.ID, rotation.RevealedSeedID)
	assert.Equal(t, "seed-A", rotation.RevealedSecret)

	result, err := h.verifier.VerifyBet(ctx, "pay_scenario")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.True(t, result.CommitmentOK)
	assert.Equal(t, 3, result.ComputedBin)
	assert.Equal(t, "5", result.Multiplier.String())
}

func TestDuplicateConcurrentDeliverySettlesOnce(t *testing.T) {
	h := newHarness(t)
	h.payments.delay = 20 * time.Millisecond
	h.payments.expect("pay_dup", decimal.NewFromInt(3))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.coord.HandlePayment(context.Background(), notification("pay_dup", "bob", "3")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected error: %v", err)
	}

	bet, err := h.store.GetBet(context.Background(), "pay_dup")
	require.NoError(t, err)
	assert.Equal(t, models.BetStatusSettled, bet.Status)

	account, err := h.store.GetAccount(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(1), account.BetCount)
	assert.Equal(t, "3", account.TotalWagered.String())

	assert.Equal(t, 1, h.payments.verifyCalls())
	assert.Equal(t, 1, h.payments.completions("pay_dup"))

	// late redelivery returns the settled record untouched
	again, err := h.coord.HandlePayment(context.Background(), notification("pay_dup", "bob", "3"))
	require.NoError(t, err)
	assert.Equal(t, bet.RoundID, again.RoundID)
	assert.Equal(t, models.BetStatusSettled, again.Status)
}

func TestVerificationTimeoutFailsBet(t *testing.T) {
	h := newHarness(t)
	h.payments.verify = func(ctx context.Context, paymentID string) (*models.PaymentVerification, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	bet, err := h.coord.HandlePayment(context.Background(), notification("pay_slow", "carol", "5"))

	var ext *services.ExternalVerificationError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, "verification timed out", ext.Reason)
	require.NotNil(t, bet)
	assert.Equal(t, models.BetStatusFailed, bet.Status)
	assert.Empty(t, bet.RoundID)

	stored, err := h.store.GetBet(context.Background(), "pay_slow")
	require.NoError(t, err)
	assert.Equal(t, models.BetStatusFailed, stored.Status)
	assert.Equal(t, "verification timed out", stored.FailureReason)

	_, err = h.store.GetAccount(context.Background(), "carol")
	assert.ErrorIs(t, err, services.ErrNotFound)
	assert.Equal(t, 0, h.payments.completions("pay_slow"))

	stats, err := h.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalBets)
	assert.Equal(t, int64(1), stats.FailedBets)
}

func TestRefusedPaymentsFail(t *testing.T) {
	cases := map[string]func(context.Context, string) (*models.PaymentVerification, error){
		"cancelled": func(ctx context.Context, id string) (*models.PaymentVerification, error) {
			return &models.PaymentVerification{PaymentID: id, State: models.PaymentStateFailed, Reason: "payment cancelled"}, nil
		},
		"amount mismatch": func(ctx context.Context, id string) (*models.PaymentVerification, error) {
			return &models.PaymentVerification{PaymentID: id, State: models.PaymentStateVerified, Amount: decimal.NewFromInt(1)}, nil
		},
		"other user": func(ctx context.Context, id string) (*models.PaymentVerification, error) {
			return &models.PaymentVerification{PaymentID: id, State: models.PaymentStateVerified, Amount: decimal.NewFromInt(2), User: "mallory"}, nil
		},
		"provider down": func(ctx context.Context, id string) (*models.PaymentVerification, error) {
			return nil, errors.New("connection refused")
		},
	}

	for name, verify := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			h.payments.verify = verify

			bet, err := h.coord.HandlePayment(context.Background(), notification("pay_x", "dave", "2"))

			var ext *services.ExternalVerificationError
			require.ErrorAs(t, err, &ext)
			assert.Equal(t, models.BetStatusFailed, bet.Status)
			assert.NotEmpty(t, bet.FailureReason)
			assert.Equal(t, 0, h.payments.completions("pay_x"))

			_, err = h.store.GetAccount(context.Background(), "dave")
			assert.ErrorIs(t, err, services.ErrNotFound)
		})
	}
}

func TestPendingPaymentSettlesOnRedeliveryOnceConfirmed(t *testing.T) {
	clock := newTestClock()
	h := newHarness(t, services.WithClock(clock.Now))
	ctx := context.Background()
	h.payments.hold("pay_pending")

	bet, err := h.coord.HandlePayment(ctx, notification("pay_pending", "olga", "2"))
	require.NoError(t, err)
	assert.Equal(t, models.BetStatusPaymentPending, bet.Status)
	assert.Empty(t, bet.FailureReason)
	assert.Equal(t, 0, h.payments.completions("pay_pending"))

	_, err = h.store.GetAccount(ctx, "olga")
	assert.ErrorIs(t, err, services.ErrNotFound)

	// a redelivery inside the in-flight window does not hit the provider again
	bet, err = h.coord.HandlePayment(ctx, notification("pay_pending", "olga", "2"))
	require.NoError(t, err)
	assert.Equal(t, models.BetStatusPaymentPending, bet.Status)
	assert.Equal(t, 1, h.payments.verifyCalls())

	h.payments.expect("pay_pending", decimal.NewFromInt(2))
	clock.Advance(time.Second)

	bet, err = h.coord.HandlePayment(ctx, notification("pay_pending", "olga", "2"))
	require.NoError(t, err)
	assert.Equal(t, models.BetStatusSettled, bet.Status)
	assert.Equal(t, 2, h.payments.verifyCalls())
	assert.Equal(t, 1, h.payments.completions("pay_pending"))

	account, err := h.store.GetAccount(ctx, "olga")
	require.NoError(t, err)
	assert.Equal(t, int64(1), account.BetCount)
}

func TestRecoverSettlesPaymentThatWasPending(t *testing.T) {
	clock := newTestClock()
	h := newHarness(t, services.WithClock(clock.Now))
	ctx := context.Background()
	h.payments.hold("pay_late")

	bet, err := h.coord.HandlePayment(ctx, notification("pay_late", "pat", "3"))
	require.NoError(t, err)
	require.Equal(t, models.BetStatusPaymentPending, bet.Status)

	// still unconfirmed: stays pending, nothing counted as recovered
	clock.Advance(time.Second)
	n, err := h.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	stored, err := h.store.GetBet(ctx, "pay_late")
	require.NoError(t, err)
	assert.Equal(t, models.BetStatusPaymentPending, stored.Status)

	h.payments.expect("pay_late", decimal.NewFromInt(3))
	clock.Advance(time.Second)

	n, err = h.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err = h.store.GetBet(ctx, "pay_late")
	require.NoError(t, err)
	assert.Equal(t, models.BetStatusSettled, stored.Status)
	assert.Equal(t, 1, h.payments.completions("pay_late"))
}

func TestPendingPaymentExpires(t *testing.T) {
	clock := newTestClock()
	h := newHarness(t, services.WithClock(clock.Now))
	ctx := context.Background()
	h.payments.hold("pay_never")

	_, err := h.coord.HandlePayment(ctx, notification("pay_never", "quinn", "1"))
	require.NoError(t, err)

	clock.Advance(services.DefaultPendingExpiry + time.Minute)

	bet, err := h.coord.HandlePayment(ctx, notification("pay_never", "quinn", "1"))
	var ext *services.ExternalVerificationError
	require.ErrorAs(t, err, &ext)
	assert.Equal(t, models.BetStatusFailed, bet.Status)
	assert.Contains(t, bet.FailureReason, "not confirmed")
	assert.Equal(t, 0, h.payments.completions("pay_never"))
}

func TestCompletionGetsItsOwnDeadline(t *testing.T) {
	h := newHarness(t)
	h.payments.verify = func(_ context.Context, id string) (*models.PaymentVerification, error) {
		// most of the verification budget is spent here
		time.Sleep(150 * time.Millisecond)
		return &models.PaymentVerification{PaymentID: id, State: models.PaymentStateVerified, Amount: decimal.NewFromInt(1)}, nil
	}

	var remaining time.Duration
	h.payments.complete = func(ctx context.Context, _ string) error {
		deadline, ok := ctx.Deadline()
		if !ok {
			return errors.New("completion without deadline")
		}
		remaining = time.Until(deadline)
		return nil
	}

	bet, err := h.coord.HandlePayment(context.Background(), notification("pay_budget", "rosa", "1"))
	require.NoError(t, err)
	assert.Equal(t, models.BetStatusSettled, bet.Status)
	assert.Greater(t, remaining, 150*time.Millisecond)
}

func TestFailedCompletionKeepsBetPending(t *testing.T) {
	clock := newTestClock()
	h := newHarness(t, services.WithClock(clock.Now))
	ctx := context.Background()
	h.payments.expect("pay_complete", decimal.NewFromInt(1))

	var attempts atomic.Int32
	h.payments.complete = func(context.Context, string) error {
		if attempts.Add(1) == 1 {
			return errors.New("gateway timeout")
		}
		return nil
	}

	bet, err := h.coord.HandlePayment(ctx, notification("pay_complete", "sam", "1"))
	require.NoError(t, err)
	assert.Equal(t, models.BetStatusPaymentPending, bet.Status)
	assert.Equal(t, 0, h.payments.completions("pay_complete"))

	clock.Advance(time.Second)
	n, err := h.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.store.GetBet(ctx, "pay_complete")
	require.NoError(t, err)
	assert.Equal(t, models.BetStatusSettled, stored.Status)
	assert.Equal(t, 1, h.payments.completions("pay_complete"))
}

func TestInvalidNotificationChangesNothing(t *testing.T) {
	h := newHarness(t)

	_, err := h.coord.HandlePayment(context.Background(), notification("pay_bad", "erin", "-1"))
	var ve *services.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = h.store.GetBet(context.Background(), "pay_bad")
	assert.ErrorIs(t, err, services.ErrNotFound)
	assert.Equal(t, 0, h.payments.verifyCalls())
}

func TestAccountTotalsEqualSumOfBets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	amounts := []string{"0.1", "1", "2.5", "3.3333", "10", "0.7777", "99.99", "5", "12.3456", "1.0001"}
	wagered := decimal.Zero
	winnings := decimal.Zero

	for i, amount := range amounts {
		id := fmt.Sprintf("pay_sum_%d", i)
		h.payments.expect(id, decimal.RequireFromString(amount))

		bet, err := h.coord.HandlePayment(ctx, notification(id, "frank", amount))
		require.NoError(t, err)
		require.Equal(t, models.BetStatusSettled, bet.Status)

		wagered = wagered.Add(bet.BetAmount)
		winnings = winnings.Add(bet.Winnings)
		assert.True(t, bet.Winnings.Equal(bet.Winnings.Round(models.DefaultMoneyPrecision)))
	}

	account, err := h.store.GetAccount(ctx, "frank")
	require.NoError(t, err)
	assert.True(t, wagered.Equal(account.TotalWagered), "wagered %s != %s", wagered, account.TotalWagered)
	assert.True(t, winnings.Equal(account.TotalWinnings), "winnings %s != %s", winnings, account.TotalWinnings)
	assert.Equal(t, int64(len(amounts)), account.BetCount)

	recent, err := h.store.RecentBets(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, recent, 5)
}

func TestEverySettledBetVerifiesAfterReveal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("pay_audit_%d", i)
		h.payments.expect(id, decimal.NewFromInt(1))
		n := notification(id, "grace", "1")
		n.ClientSeed = fmt.Sprintf("client-%d", i%3)
		_, err := h.coord.HandlePayment(ctx, n)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	_, err := h.seeds.Rotate(ctx)
	require.NoError(t, err)

	nonces := make(map[int64]bool)
	for _, id := range ids {
		result, err := h.verifier.VerifyBet(ctx, id)
		require.NoError(t, err)
		assert.True(t, result.Valid, "bet %s", id)
		assert.False(t, nonces[result.Input.Nonce], "nonce %d reused", result.Input.Nonce)
		nonces[result.Input.Nonce] = true
	}
}

func TestResumeFromVerified(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	now := time.Now().UTC()
	_, created, err := h.store.CreateBet(ctx, &models.Bet{
		PaymentID:  "pay_resume",
		TxID:       "tx_resume",
		User:       "heidi",
		BetAmount:  decimal.NewFromInt(4),
		Status:     models.BetStatusPaymentVerified,
		Multiplier: decimal.Zero,
		Winnings:   decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
	require.NoError(t, err)
	require.True(t, created)

	bet, err := h.coord.HandlePayment(ctx, notification("pay_resume", "heidi", "4"))
	require.NoError(t, err)
	assert.Equal(t, models.BetStatusSettled, bet.Status)
	assert.Equal(t, 0, h.payments.verifyCalls(), "a verified payment is never charged twice")
}

func TestRecoverDrivesStuckBets(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour).UTC()
	for _, b := range []*models.Bet{
		{PaymentID: "pay_stuck_verified", User: "ivan", BetAmount: decimal.NewFromInt(1), Status: models.BetStatusPaymentVerified},
		{PaymentID: "pay_stuck_pending", User: "ivan", BetAmount: decimal.NewFromInt(2), Status: models.BetStatusPaymentPending},
		{PaymentID: "pay_fresh_pending", User: "ivan", BetAmount: decimal.NewFromInt(3), Status: models.BetStatusPaymentPending},
	} {
		b.TxID = "tx_" + b.PaymentID
		b.CreatedAt, b.UpdatedAt = old, old
		if b.PaymentID == "pay_fresh_pending" {
			b.CreatedAt, b.UpdatedAt = time.Now().UTC(), time.Now().UTC()
		}
		_, _, err := h.store.CreateBet(ctx, b)
		require.NoError(t, err)
	}
	h.payments.expect("pay_stuck_pending", decimal.NewFromInt(2))

	n, err := h.coord.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[string]models.BetStatus{
		"pay_stuck_verified": models.BetStatusSettled,
		"pay_stuck_pending":  models.BetStatusSettled,
		"pay_fresh_pending":  models.BetStatusPaymentPending,
	} {
		bet, err := h.store.GetBet(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, bet.Status, id)
	}

	account, err := h.store.GetAccount(ctx, "ivan")
	require.NoError(t, err)
	assert.Equal(t, int64(2), account.BetCount)
}

// flakyStore fails the first settlement attempts with a transport error.
type flakyStore struct {
	*services.MemoryStore
	failures atomic.Int32
}

func (f *flakyStore) SettleBet(ctx context.Context, bet *models.Bet) (*models.UserAccount, error) {
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return f.MemoryStore.SettleBet(ctx, bet)
}

func TestTransientStoreFailureIsRetried(t *testing.T) {
	store := &flakyStore{MemoryStore: services.NewMemoryStore()}
	store.failures.Store(2)

	h := newHarnessWithStore(t, store)
	h.payments.expect("pay_flaky", decimal.NewFromInt(1))

	bet, err := h.coord.HandlePayment(context.Background(), notification("pay_flaky", "judy", "1"))
	require.NoError(t, err)
	assert.Equal(t, models.BetStatusSettled, bet.Status)

	account, err := store.GetAccount(context.Background(), "judy")
	require.NoError(t, err)
	assert.Equal(t, int64(1), account.BetCount)
}

// rotatingStore reveals the active seed right after the first nonce is handed out,
// as a second instance rotating the seed would.
type rotatingStore struct {
	*services.MemoryStore
	rotated atomic.Bool
}

func (r *rotatingStore) ReserveNonce(ctx context.Context, seedID string) (int64, error) {
	nonce, err := r.MemoryStore.ReserveNonce(ctx, seedID)
	if err != nil || !r.rotated.CompareAndSwap(false, true) {
		return nonce, err
	}
	next := &models.Seed{
		ID:             "seed_other_instance",
		Secret:         "other-instance-secret",
		CommitmentHash: models.CommitmentHash("other-instance-secret"),
		Status:         models.SeedStatusActive,
		ActivatedAt:    time.Now().UTC(),
	}
	if _, err := r.MemoryStore.ActivateSeed(ctx, next, time.Now()); err != nil {
		return 0, err
	}
	return nonce, nil
}

func TestRoundReopensWhenSeedRotatesElsewhere(t *testing.T) {
	store := &rotatingStore{MemoryStore: services.NewMemoryStore()}
	h := newHarnessWithStore(t, store)
	ctx := context.Background()
	first := h.activate(t, "seed-local")
	h.payments.expect("pay_race", decimal.NewFromInt(1))

	bet, err := h.coord.HandlePayment(ctx, notification("pay_race", "uma", "1"))
	require.NoError(t, err)
	assert.Equal(t, models.BetStatusSettled, bet.Status)
	assert.Equal(t, "seed_other_instance", bet.SeedID)
	assert.Equal(t, int64(1), bet.Nonce)

	revealed, err := store.GetSeed(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, revealed.IsRevealed())

	// nothing was resolved against the revealed seed
	round, err := store.GetRound(ctx, bet.RoundID)
	require.NoError(t, err)
	assert.Equal(t, "seed_other_instance", round.SeedID)
}

func TestSettlementSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t)
	h.payments.expect("pay_cancel", decimal.NewFromInt(1))

	ctx, cancel := context.WithCancel(context.Background())
	h.payments.verify = func(_ context.Context, id string) (*models.PaymentVerification, error) {
		// caller disconnects right after the provider confirmed
		cancel()
		return &models.PaymentVerification{PaymentID: id, State: models.PaymentStateVerified, Amount: decimal.NewFromInt(1)}, nil
	}

	bet, err := h.coord.HandlePayment(ctx, notification("pay_cancel", "ken", "1"))
	require.NoError(t, err)
	assert.Equal(t, models.BetStatusSettled, bet.Status)
}

type countingTrigger struct{ n atomic.Int32 }

func (c *countingTrigger) Trigger() { c.n.Add(1) }

type recordingPublisher struct {
	mu     sync.Mutex
	events []services.Event
}

func (r *recordingPublisher) Publish(_ context.Context, evt services.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func TestSettlementNotifiesLeaderboardAndPublishes(t *testing.T) {
	trigger := &countingTrigger{}
	pub := &recordingPublisher{}
	h := newHarness(t, services.WithLeaderboard(trigger), services.WithPublisher(pub))
	h.payments.expect("pay_evt", decimal.NewFromInt(1))

	_, err := h.coord.HandlePayment(context.Background(), notification("pay_evt", "leo", "1"))
	require.NoError(t, err)

	_, err = h.coord.HandlePayment(context.Background(), notification("pay_evt_fail", "leo", "1"))
	require.Error(t, err)

	assert.Equal(t, int32(1), trigger.n.Load())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 2)
	assert.Equal(t, services.EventBetSettled, pub.events[0].Type)
	assert.Equal(t, services.EventBetFailed, pub.events[1].Type)

	evt, ok := pub.events[0].Data.(models.SettlementEvent)
	require.True(t, ok)
	assert.Equal(t, "pay_evt", evt.PaymentID)
	assert.Equal(t, models.BetStatusSettled, evt.Status)
}
