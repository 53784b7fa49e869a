package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"pi-plinko-backend/internal/logger"
	"pi-plinko-backend/internal/models"
)

const (
	DefaultPendingExpiry = time.Hour

	maxRoundReopens = 3
)

type SettlementConfig struct {
	HouseEdgeMargin decimal.Decimal
	Limits          models.BetLimits
	VerifyTimeout   time.Duration
	// PendingExpiry bounds how long a payment the provider still reports as pending is re-checked.
	PendingExpiry   time.Duration
	Retry           RetryConfig
}

// LeaderboardTrigger schedules an asynchronous leaderboard rebuild.
type LeaderboardTrigger interface {
	Trigger()
}

type SettlementOption func(*SettlementCoordinator)

// WithRoundIDs overrides the round id generator.
func WithRoundIDs(next func() string) SettlementOption {
	return func(c *SettlementCoordinator) { c.newRoundID = next }
}

func WithPublisher(p Publisher) SettlementOption {
	return func(c *SettlementCoordinator) { c.publisher = p }
}

func WithLeaderboard(t LeaderboardTrigger) SettlementOption {
	return func(c *SettlementCoordinator) { c.leaderboard = t }
}

func WithLogger(log *slog.Logger) SettlementOption {
	return func(c *SettlementCoordinator) { c.log = log }
}

func WithClock(now func() time.Time) SettlementOption {
	return func(c *SettlementCoordinator) { c.now = now }
}

// SettlementCoordinator drives a bet from a verified payment to a settled ledger entry.
// Every status change is a compare-and-swap in the store, so concurrent deliveries of
// the same payment settle at most once.
type SettlementCoordinator struct {
	store       Store
	seeds       *SeedManager
	resolver    *Resolver
	payments    PaymentClient
	leaderboard LeaderboardTrigger
	publisher   Publisher
	cfg         SettlementConfig
	log         *slog.Logger
	now         func() time.Time
	newRoundID  func() string
}

func NewSettlementCoordinator(
	store Store,
	seeds *SeedManager,
	resolver *Resolver,
	payments PaymentClient,
	cfg SettlementConfig,
	opts ...SettlementOption,
) *SettlementCoordinator {
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	if cfg.Limits.Precision == 0 {
		cfg.Limits.Precision = models.DefaultMoneyPrecision
	}
	if cfg.PendingExpiry <= 0 {
		cfg.PendingExpiry = DefaultPendingExpiry
	}

	c := &SettlementCoordinator{
		store:      store,
		seeds:      seeds,
		resolver:   resolver,
		payments:   payments,
		publisher:  NopPublisher{},
		cfg:        cfg,
		log:        logger.L(),
		now:        time.Now,
		newRoundID: models.GenerateRoundID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HandlePayment processes one payment notification. Redelivery of a known payment id
// returns the stored bet, or resumes it when an earlier delivery stopped half way.
func (c *SettlementCoordinator) HandlePayment(ctx context.Context, n models.PaymentNotification) (*models.Bet, error) {
	const op = "services.SettlementCoordinator.HandlePayment"

	n.Normalize()
	if err := n.Validate(c.cfg.Limits); err != nil {
		return nil, &ValidationError{Field: "payment", Reason: err.Error()}
	}

	now := c.now().UTC()
	bet := &models.Bet{
		PaymentID:  n.PaymentID,
		TxID:       n.TxID,
		User:       n.User,
		BetAmount:  n.BetAmount,
		ClientSeed: n.ClientSeed,
		Status:     models.BetStatusPaymentPending,
		Multiplier: decimal.Zero,
		Winnings:   decimal.Zero,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var (
		stored  *models.Bet
		created bool
	)
	err := retryTransient(ctx, c.retryConfig(op, n.PaymentID), func() error {
		var err error
		stored, created, err = c.store.CreateBet(ctx, bet)
		return persistErr(op, err)
	})
	if err != nil {
		return nil, err
	}

	log := c.log.With("payment_id", stored.PaymentID, "user", stored.User)

	if !created {
		if !stored.BetAmount.Equal(n.BetAmount) || stored.User != n.User {
			log.Warn("Redelivered payment differs from stored bet", "stored_amount", stored.BetAmount, "amount", n.BetAmount)
		}
		switch stored.Status {
		case models.BetStatusSettled, models.BetStatusFailed:
			log.Info("Duplicate payment notification", "status", stored.Status)
			return stored, nil
		case models.BetStatusPaymentPending:
			if !c.pendingStale(stored) {
				log.Info("Payment verification already in flight")
				return stored, nil
			}
			log.Info("Re-checking pending payment")
			return c.advance(ctx, stored)
		}
		log.Info("Resuming bet", "status", stored.Status)
		return c.advance(ctx, stored)
	}

	log.Info("Bet recorded", "amount", stored.BetAmount)
	return c.advance(ctx, stored)
}

// advance runs the remaining state machine steps from the bet's current status.
func (c *SettlementCoordinator) advance(ctx context.Context, bet *models.Bet) (*models.Bet, error) {
	var err error

	if bet.Status == models.BetStatusPaymentPending {
		bet, err = c.verify(ctx, bet)
		if err != nil || bet.Status.IsTerminal() {
			return bet, err
		}
	}

	// the stake has moved: finish regardless of what happens to the caller
	ctx = context.WithoutCancel(ctx)

	if bet.Status == models.BetStatusPaymentVerified {
		bet, err = c.resolve(ctx, bet)
		if err != nil || bet.Status.IsTerminal() {
			return bet, err
		}
	}

	if bet.Status == models.BetStatusOutcomeResolved {
		return c.settle(ctx, bet)
	}

	return bet, nil
}

// verify moves PaymentPending to PaymentVerified, or to Failed when the provider does not confirm.
func (c *SettlementCoordinator) verify(ctx context.Context, bet *models.Bet) (*models.Bet, error) {
	const op = "services.SettlementCoordinator.verify"

	vctx, cancel := context.WithTimeout(ctx, c.cfg.VerifyTimeout)
	defer cancel()

	v, err := c.payments.VerifyPayment(vctx, bet.PaymentID)
	if err != nil {
		reason := "verification request failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "verification timed out"
		}
		return c.fail(ctx, bet, &ExternalVerificationError{PaymentID: bet.PaymentID, Reason: reason, Err: err})
	}

	switch v.State {
	case models.PaymentStateVerified:
	case models.PaymentStatePending:
		return c.keepPending(ctx, bet, nonEmpty(v.Reason, "payment not yet confirmed"))
	case models.PaymentStateFailed:
		return c.fail(ctx, bet, &ExternalVerificationError{PaymentID: bet.PaymentID, Reason: nonEmpty(v.Reason, "payment refused")})
	default:
		return c.fail(ctx, bet, &ExternalVerificationError{PaymentID: bet.PaymentID, Reason: fmt.Sprintf("unknown payment state %q", v.State)})
	}

	if !v.Amount.Equal(bet.BetAmount) {
		return c.fail(ctx, bet, &ExternalVerificationError{
			PaymentID: bet.PaymentID,
			Reason:    fmt.Sprintf("amount mismatch: paid %s, bet %s", v.Amount.String(), bet.BetAmount.String()),
		})
	}
	if v.User != "" && v.User != bet.User {
		return c.fail(ctx, bet, &ExternalVerificationError{PaymentID: bet.PaymentID, Reason: "payment belongs to another user"})
	}

	if !v.Completed {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.VerifyTimeout)
		err := c.payments.CompletePayment(cctx, bet.PaymentID, bet.TxID)
		cancel()
		if err != nil {
			// the provider may have recorded the completion; the next check sees Completed
			c.log.Warn("Payment completion failed", "payment_id", bet.PaymentID, logger.Err(err))
			return c.keepPending(ctx, bet, "payment completion failed")
		}
	}

	next := *bet
	next.Status = models.BetStatusPaymentVerified
	next.UpdatedAt = c.now().UTC()

	if err := c.transition(context.WithoutCancel(ctx), op, &next, models.BetStatusPaymentPending); err != nil {
		return c.reloadAfter(ctx, op, bet.PaymentID, err)
	}

	c.log.Info("Payment verified", "payment_id", bet.PaymentID)
	return &next, nil
}

// keepPending leaves the bet in PaymentPending for a later re-check by a redelivery or Recover.
// A payment that is still unconfirmed after PendingExpiry fails.
func (c *SettlementCoordinator) keepPending(ctx context.Context, bet *models.Bet, reason string) (*models.Bet, error) {
	const op = "services.SettlementCoordinator.keepPending"

	now := c.now().UTC()
	if now.Sub(bet.CreatedAt) > c.cfg.PendingExpiry {
		return c.fail(ctx, bet, &ExternalVerificationError{
			PaymentID: bet.PaymentID,
			Reason:    fmt.Sprintf("payment not confirmed within %s: %s", c.cfg.PendingExpiry, reason),
		})
	}

	next := *bet
	next.UpdatedAt = now

	err := retryTransient(context.WithoutCancel(ctx), c.retryConfig(op, bet.PaymentID), func() error {
		return persistErr(op, c.store.TransitionBet(context.WithoutCancel(ctx), &next, models.BetStatusPaymentPending))
	})
	if err != nil {
		return c.reloadAfter(ctx, op, bet.PaymentID, err)
	}

	c.log.Info("Payment still pending", "payment_id", bet.PaymentID, "reason", reason)
	return &next, nil
}

// pendingStale reports whether no handler can still be working on a pending bet:
// verification and completion each get VerifyTimeout.
func (c *SettlementCoordinator) pendingStale(bet *models.Bet) bool {
	return bet.UpdatedAt.Before(c.now().Add(-3 * c.cfg.VerifyTimeout))
}

// resolve moves PaymentVerified to OutcomeResolved against a fresh nonce of the active seed.
func (c *SettlementCoordinator) resolve(ctx context.Context, bet *models.Bet) (*models.Bet, error) {
	const op = "services.SettlementCoordinator.resolve"

	var (
		resolved *models.Bet
		round    *models.Round
	)

	openRound := func() error {
		return c.seeds.OpenRound(ctx, func(seed *models.Seed, nonce int64) error {
			in := models.RoundInput{
				ClientSeed: bet.ClientSeed,
				Nonce:      nonce,
				RoundID:    c.newRoundID(),
			}
			out, err := c.resolver.ResolveSeed(seed, in)
			if err != nil {
				return err
			}

			now := c.now().UTC()
			next := *bet
			next.Status = models.BetStatusOutcomeResolved
			next.RoundID = in.RoundID
			next.SeedID = seed.ID
			next.Nonce = nonce
			next.ResultBin = out.Bin
			next.Multiplier = out.Multiplier
			next.Winnings = models.ComputeWinnings(bet.BetAmount, out.Multiplier, c.cfg.HouseEdgeMargin, c.cfg.Limits.Precision)
			next.UpdatedAt = now

			if err := c.store.TransitionBet(ctx, &next, models.BetStatusPaymentVerified); err != nil {
				return persistErr(op, err)
			}

			resolved = &next
			round = &models.Round{
				ID:         in.RoundID,
				SeedID:     seed.ID,
				PaymentID:  bet.PaymentID,
				ClientSeed: in.ClientSeed,
				Nonce:      nonce,
				BetAmount:  bet.BetAmount,
				ResultBin:  out.Bin,
				Multiplier: out.Multiplier,
				Float:      out.Float,
				Digest:     out.Digest,
				Path:       out.Path,
				ResolvedAt: now,
			}
			return nil
		})
	}

	// another instance may reveal the seed between nonce reservation and the bet write
	var err error
	for attempt := 1; ; attempt++ {
		err = retryTransient(ctx, c.retryConfig(op, bet.PaymentID), openRound)
		if !errors.Is(err, ErrSeedRotated) || attempt >= maxRoundReopens {
			break
		}
		c.log.Info("Seed rotated under an open round, reopening", "payment_id", bet.PaymentID, "attempt", attempt)
	}
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return c.reloadAfter(ctx, op, bet.PaymentID, err)
		}
		c.logFailure(op, bet.PaymentID, err)
		return bet, err
	}

	if err := c.insertRound(ctx, round); err != nil {
		// settle re-derives the round if it is still missing
		c.log.Warn("Round insert deferred", "payment_id", bet.PaymentID, "round_id", round.ID, logger.Err(err))
	}

	c.log.Info("Outcome resolved",
		"payment_id", bet.PaymentID,
		"round_id", resolved.RoundID,
		"seed_id", resolved.SeedID,
		"nonce", resolved.Nonce,
		"bin", resolved.ResultBin,
		"multiplier", resolved.Multiplier,
	)
	return resolved, nil
}

// settle moves OutcomeResolved to Settled together with the account increments.
func (c *SettlementCoordinator) settle(ctx context.Context, bet *models.Bet) (*models.Bet, error) {
	const op = "services.SettlementCoordinator.settle"

	if err := c.ensureRound(ctx, bet); err != nil {
		c.logFailure(op, bet.PaymentID, err)
		return bet, err
	}

	now := c.now().UTC()
	next := *bet
	next.Status = models.BetStatusSettled
	next.UpdatedAt = now
	next.SettledAt = &now

	var account *models.UserAccount
	err := retryTransient(ctx, c.retryConfig(op, bet.PaymentID), func() error {
		var err error
		account, err = c.store.SettleBet(ctx, &next)
		return persistErr(op, err)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return c.reloadAfter(ctx, op, bet.PaymentID, err)
		}
		c.logFailure(op, bet.PaymentID, err)
		return bet, err
	}

	c.log.Info("Bet settled",
		"payment_id", next.PaymentID,
		"user", next.User,
		"amount", next.BetAmount,
		"winnings", next.Winnings,
		"total_winnings", account.TotalWinnings,
	)

	if c.leaderboard != nil {
		c.leaderboard.Trigger()
	}
	c.publish(ctx, EventBetSettled, &next)

	if _, err := c.seeds.MaybeRotate(ctx); err != nil {
		c.log.Warn("Policy rotation failed", logger.Err(err))
	}

	return &next, nil
}

// fail records a verification failure. No funds have moved at this point.
func (c *SettlementCoordinator) fail(ctx context.Context, bet *models.Bet, cause *ExternalVerificationError) (*models.Bet, error) {
	const op = "services.SettlementCoordinator.fail"

	ctx = context.WithoutCancel(ctx)

	next := *bet
	next.Status = models.BetStatusFailed
	next.FailureReason = cause.Reason
	next.UpdatedAt = c.now().UTC()

	if err := c.transition(ctx, op, &next, bet.Status); err != nil {
		if errors.Is(err, ErrConflict) {
			// another worker moved the bet on; report where it is now
			return c.reloadAfter(ctx, op, bet.PaymentID, err)
		}
		c.logFailure(op, bet.PaymentID, err)
		return bet, err
	}

	c.log.Warn("Bet failed", "payment_id", bet.PaymentID, "reason", cause.Reason, logger.Err(cause.Err))
	c.publish(ctx, EventBetFailed, &next)
	return &next, cause
}

func (c *SettlementCoordinator) transition(ctx context.Context, op string, next *models.Bet, from models.BetStatus) error {
	if !from.CanTransition(next.Status) {
		return &StateError{Op: op, Reason: fmt.Sprintf("illegal transition %s -> %s", from, next.Status)}
	}
	return retryTransient(ctx, c.retryConfig(op, next.PaymentID), func() error {
		return persistErr(op, c.store.TransitionBet(ctx, next, from))
	})
}

// reloadAfter reads the bet back after a lost compare-and-swap.
func (c *SettlementCoordinator) reloadAfter(ctx context.Context, op, paymentID string, cause error) (*models.Bet, error) {
	if !errors.Is(cause, ErrConflict) {
		c.logFailure(op, paymentID, cause)
		return nil, cause
	}

	var current *models.Bet
	err := retryTransient(ctx, c.retryConfig(op, paymentID), func() error {
		var err error
		current, err = c.store.GetBet(ctx, paymentID)
		return persistErr(op, err)
	})
	if err != nil {
		return nil, err
	}

	c.log.Info("Bet advanced concurrently", "payment_id", paymentID, "status", current.Status)
	return current, nil
}

func (c *SettlementCoordinator) insertRound(ctx context.Context, round *models.Round) error {
	const op = "services.SettlementCoordinator.insertRound"

	return retryTransient(ctx, c.retryConfig(op, round.PaymentID), func() error {
		return persistErr(op, c.store.InsertRound(ctx, round))
	})
}

// ensureRound re-derives and stores the round of a resolved bet whose round insert never landed.
func (c *SettlementCoordinator) ensureRound(ctx context.Context, bet *models.Bet) error {
	const op = "services.SettlementCoordinator.ensureRound"

	_, err := c.store.GetRound(ctx, bet.RoundID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return persistErr(op, err)
	}

	seed, err := c.store.GetSeed(ctx, bet.SeedID)
	if err != nil {
		return persistErr(op, err)
	}

	in := models.RoundInput{ClientSeed: bet.ClientSeed, Nonce: bet.Nonce, RoundID: bet.RoundID}
	out, err := c.resolver.Resolve(seed.Secret, in)
	if err != nil {
		return err
	}
	if out.Bin != bet.ResultBin {
		return &StateError{Op: op, Reason: fmt.Sprintf("bet %s stored bin %d but round derives %d", bet.PaymentID, bet.ResultBin, out.Bin)}
	}

	return c.insertRound(ctx, &models.Round{
		ID:         bet.RoundID,
		SeedID:     bet.SeedID,
		PaymentID:  bet.PaymentID,
		ClientSeed: bet.ClientSeed,
		Nonce:      bet.Nonce,
		BetAmount:  bet.BetAmount,
		ResultBin:  out.Bin,
		Multiplier: out.Multiplier,
		Float:      out.Float,
		Digest:     out.Digest,
		Path:       out.Path,
		ResolvedAt: bet.UpdatedAt,
	})
}

// Recover drives bets stuck after payment verification to Settled, and re-checks
// pending payments whose handler disappeared. It returns the number of bets it moved on.
func (c *SettlementCoordinator) Recover(ctx context.Context) (int, error) {
	const op = "services.SettlementCoordinator.Recover"

	stuck, err := c.store.BetsByStatus(ctx,
		models.BetStatusPaymentPending,
		models.BetStatusPaymentVerified,
		models.BetStatusOutcomeResolved,
	)
	if err != nil {
		return 0, persistErr(op, err)
	}

	recovered := 0
	var errs []error

	for _, bet := range stuck {
		if bet.Status == models.BetStatusPaymentPending && !c.pendingStale(bet) {
			continue
		}

		c.log.Info("Recovering bet", "payment_id", bet.PaymentID, "status", bet.Status)
		out, err := c.advance(ctx, bet)

		var ext *ExternalVerificationError
		switch {
		case errors.As(err, &ext):
			recovered++
		case err != nil:
			errs = append(errs, err)
		case out != nil && out.Status.IsTerminal():
			recovered++
		}
	}

	if len(errs) > 0 {
		return recovered, fmt.Errorf("%s: %w", op, errors.Join(errs...))
	}
	return recovered, nil
}

// RunRecovery calls Recover on every tick until ctx is done.
func (c *SettlementCoordinator) RunRecovery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.Recover(ctx); err != nil {
				c.log.Error("Recovery sweep failed", "recovered", n, logger.Err(err))
			} else if n > 0 {
				c.log.Info("Recovery sweep finished", "recovered", n)
			}
		}
	}
}

func (c *SettlementCoordinator) Bet(ctx context.Context, paymentID string) (*models.Bet, error) {
	bet, err := c.store.GetBet(ctx, paymentID)
	if err != nil {
		return nil, persistErr("services.SettlementCoordinator.Bet", err)
	}
	return bet, nil
}

func (c *SettlementCoordinator) publish(ctx context.Context, eventType string, bet *models.Bet) {
	evt := models.SettlementEvent{
		ID:         models.GenerateEventID(),
		Type:       eventType,
		PaymentID:  bet.PaymentID,
		User:       bet.User,
		Status:     bet.Status,
		BetAmount:  bet.BetAmount,
		Multiplier: bet.Multiplier,
		Winnings:   bet.Winnings,
		RoundID:    bet.RoundID,
		SeedID:     bet.SeedID,
		Reason:     bet.FailureReason,
		Timestamp:  c.now().Unix(),
	}
	if err := c.publisher.Publish(ctx, NewEvent(eventType, evt)); err != nil {
		c.log.Warn("Failed to publish settlement event", "payment_id", bet.PaymentID, logger.Err(err))
	}
}

func (c *SettlementCoordinator) retryConfig(op, paymentID string) RetryConfig {
	cfg := c.cfg.Retry
	cfg.OnRetry = func(err error, next time.Duration) {
		c.log.Warn("Retrying store operation", "op", op, "payment_id", paymentID, "next", next, logger.Err(err))
	}
	return cfg
}

func (c *SettlementCoordinator) logFailure(op, paymentID string, err error) {
	if IsState(err) {
		c.log.Error("Settlement invariant violated", "op", op, "payment_id", paymentID, logger.Err(err))
		return
	}
	c.log.Warn("Settlement step failed", "op", op, "payment_id", paymentID, logger.Err(err))
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
