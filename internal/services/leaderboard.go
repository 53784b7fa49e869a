package services

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"pi-plinko-backend/internal/logger"
	"pi-plinko-backend/internal/models"
)

// LeaderboardService rebuilds the top-N projection from account totals off the settlement path.
// Triggers arriving during a rebuild coalesce into one follow-up rebuild.
type LeaderboardService struct {
	store     Store
	publisher Publisher
	size      int
	interval  time.Duration
	log       *slog.Logger

	trigger chan struct{}
}

func NewLeaderboardService(store Store, publisher Publisher, size int, interval time.Duration, log *slog.Logger) *LeaderboardService {
	if size <= 0 {
		size = 10
	}
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if log == nil {
		log = logger.L()
	}
	return &LeaderboardService{
		store:     store,
		publisher: publisher,
		size:      size,
		interval:  interval,
		log:       log,
		trigger:   make(chan struct{}, 1),
	}
}

// Trigger never blocks.
func (s *LeaderboardService) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes on every trigger and on the periodic interval until ctx is done.
func (s *LeaderboardService) Run(ctx context.Context) {
	var tick <-chan time.Time
	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
		case <-tick:
		}

		if _, err := s.Refresh(ctx); err != nil {
			s.log.Warn("Leaderboard refresh failed", logger.Err(err))
		}
	}
}

func (s *LeaderboardService) Refresh(ctx context.Context) ([]models.LeaderboardEntry, error) {
	const op = "services.LeaderboardService.Refresh"

	accounts, err := s.store.Accounts(ctx)
	if err != nil {
		return nil, persistErr(op, err)
	}

	entries := Rank(accounts, s.size)
	if err := s.store.ReplaceLeaderboard(ctx, entries); err != nil {
		return nil, persistErr(op, err)
	}

	if err := s.publisher.Publish(ctx, NewEvent(EventLeaderboardUpdated, entries)); err != nil {
		s.log.Warn("Failed to publish leaderboard", logger.Err(err))
	}
	return entries, nil
}

func (s *LeaderboardService) Top(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	if limit <= 0 || limit > s.size {
		limit = s.size
	}
	entries, err := s.store.Leaderboard(ctx, limit)
	if err != nil {
		return nil, persistErr("services.LeaderboardService.Top", err)
	}
	return entries, nil
}

// Rank orders accounts by total winnings, ties broken by user id.
func Rank(accounts []*models.UserAccount, size int) []models.LeaderboardEntry {
	sorted := make([]*models.UserAccount, 0, len(accounts))
	for _, a := range accounts {
		if a.BetCount > 0 {
			sorted = append(sorted, a)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		if c := sorted[i].TotalWinnings.Cmp(sorted[j].TotalWinnings); c != 0 {
			return c > 0
		}
		return sorted[i].User < sorted[j].User
	})

	if size > 0 && len(sorted) > size {
		sorted = sorted[:size]
	}

	entries := make([]models.LeaderboardEntry, len(sorted))
	for i, a := range sorted {
		entries[i] = models.LeaderboardEntry{
			Rank:          i + 1,
			User:          a.User,
			TotalWinnings: a.TotalWinnings,
		}
	}
	return entries
}
