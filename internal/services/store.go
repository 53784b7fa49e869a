package services

import (
	"context"
	"time"

	"pi-plinko-backend/internal/models"
)

// Store is the persistence boundary of the settlement pipeline. Implementations must
// provide a unique atomic insert keyed on payment id, compare-and-swap status
// transitions, atomic account increments and durable append of seeds, rounds and bets.
type Store interface {
	// ActiveSeed returns ErrNotFound when no seed was ever activated and a
	// StateError when more than one seed is active.
	ActiveSeed(ctx context.Context) (*models.Seed, error)
	GetSeed(ctx context.Context, seedID string) (*models.Seed, error)
	// ActivateSeed atomically reveals the current active seed (if any) and activates next.
	// It returns the seed that was revealed, or nil.
	ActivateSeed(ctx context.Context, next *models.Seed, now time.Time) (*models.Seed, error)
	RevealedSeeds(ctx context.Context) ([]*models.Seed, error)
	SeedHistory(ctx context.Context, limit int) ([]*models.Seed, error)
	// ReserveNonce hands out the next nonce of an active seed, starting at 1.
	ReserveNonce(ctx context.Context, seedID string) (int64, error)

	// InsertRound is idempotent on round id and rejects a second round for the same (seed, nonce).
	InsertRound(ctx context.Context, round *models.Round) error
	GetRound(ctx context.Context, roundID string) (*models.Round, error)

	// CreateBet inserts the bet unless one with the same payment id exists, in which case
	// the stored bet is returned with created == false.
	CreateBet(ctx context.Context, bet *models.Bet) (stored *models.Bet, created bool, err error)
	GetBet(ctx context.Context, paymentID string) (*models.Bet, error)
	// TransitionBet writes bet only if the stored status still equals from.
	TransitionBet(ctx context.Context, bet *models.Bet, from models.BetStatus) error
	// SettleBet moves an OutcomeResolved bet to Settled and increments the owner's totals in one step.
	SettleBet(ctx context.Context, bet *models.Bet) (*models.UserAccount, error)
	BetsByStatus(ctx context.Context, statuses ...models.BetStatus) ([]*models.Bet, error)
	RecentBets(ctx context.Context, limit int) ([]*models.Bet, error)
	UserBets(ctx context.Context, user string, limit int) ([]*models.Bet, error)

	GetAccount(ctx context.Context, user string) (*models.UserAccount, error)
	Accounts(ctx context.Context) ([]*models.UserAccount, error)
	ReplaceLeaderboard(ctx context.Context, entries []models.LeaderboardEntry) error
	Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error)
	Stats(ctx context.Context) (*models.HouseStats, error)

	Close() error
}

// deriveStats fills the figures computed from the raw counters.
func deriveStats(stats *models.HouseStats) *models.HouseStats {
	stats.Profit = stats.TotalWagered.Sub(stats.TotalPayouts)
	if stats.TotalWagered.IsPositive() {
		stats.RealisedRTP = stats.TotalPayouts.DivRound(stats.TotalWagered, 6)
	}
	return stats
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisService)(nil)
)
