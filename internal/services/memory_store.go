package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pi-plinko-backend/internal/models"
)

// MemoryStore is a Store kept in process memory. It backs tests and STORE=memory.
type MemoryStore struct {
	mu sync.Mutex

	seeds       map[string]*models.Seed
	seedOrder   []string
	rounds      map[string]*models.Round
	roundNonces map[string]string // seedID:nonce -> roundID
	bets        map[string]*models.Bet
	betOrder    []string
	accounts    map[string]*models.UserAccount
	leaderboard []models.LeaderboardEntry
	rateLimits  map[string]*rateWindow

	totalBets    int64
	totalWagered decimal.Decimal
	totalPayouts decimal.Decimal
	failedBets   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		seeds:        make(map[string]*models.Seed),
		rounds:       make(map[string]*models.Round),
		roundNonces:  make(map[string]string),
		bets:         make(map[string]*models.Bet),
		accounts:     make(map[string]*models.UserAccount),
		rateLimits:   make(map[string]*rateWindow),
		totalWagered: decimal.Zero,
		totalPayouts: decimal.Zero,
	}
}

func (m *MemoryStore) ActiveSeed(ctx context.Context) (*models.Seed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var active *models.Seed
	for _, id := range m.seedOrder {
		s := m.seeds[id]
		if !s.IsActive() {
			continue
		}
		if active != nil {
			return nil, &StateError{Op: "store.ActiveSeed", Reason: fmt.Sprintf("seeds %s and %s are both active", active.ID, s.ID)}
		}
		active = s
	}
	if active == nil {
		return nil, ErrNotFound
	}
	cp := *active
	return &cp, nil
}

func (m *MemoryStore) GetSeed(ctx context.Context, seedID string) (*models.Seed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.seeds[seedID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ActivateSeed(ctx context.Context, next *models.Seed, now time.Time) (*models.Seed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.seeds[next.ID]; exists {
		return nil, ErrDuplicate
	}

	var revealed *models.Seed
	for _, id := range m.seedOrder {
		s := m.seeds[id]
		if !s.IsActive() {
			continue
		}
		at := now
		s.Status = models.SeedStatusRevealed
		s.RevealedAt = &at
		cp := *s
		revealed = &cp
	}

	stored := *next
	stored.Status = models.SeedStatusActive
	stored.RoundCount = 0
	stored.RevealedAt = nil
	m.seeds[stored.ID] = &stored
	m.seedOrder = append(m.seedOrder, stored.ID)

	return revealed, nil
}

func (m *MemoryStore) RevealedSeeds(ctx context.Context) ([]*models.Seed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Seed
	for i := len(m.seedOrder) - 1; i >= 0; i-- {
		s := m.seeds[m.seedOrder[i]]
		if s.IsRevealed() {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SeedHistory(ctx context.Context, limit int) ([]*models.Seed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Seed
	for i := len(m.seedOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *m.seeds[m.seedOrder[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) ReserveNonce(ctx context.Context, seedID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.seeds[seedID]
	if !ok {
		return 0, ErrNotFound
	}
	if !s.IsActive() {
		return 0, &StateError{Op: "store.ReserveNonce", Reason: fmt.Sprintf("seed %s is %s", seedID, s.Status), Err: ErrSeedRotated}
	}
	s.RoundCount++
	return s.RoundCount, nil
}

func (m *MemoryStore) InsertRound(ctx context.Context, round *models.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rounds[round.ID]; exists {
		return nil
	}
	nonceKey := fmt.Sprintf("%s:%d", round.SeedID, round.Nonce)
	if other, exists := m.roundNonces[nonceKey]; exists {
		return fmt.Errorf("nonce %d of seed %s already used by %s: %w", round.Nonce, round.SeedID, other, ErrDuplicate)
	}

	cp := *round
	cp.Path = append([]string(nil), round.Path...)
	m.rounds[round.ID] = &cp
	m.roundNonces[nonceKey] = round.ID
	return nil
}

func (m *MemoryStore) GetRound(ctx context.Context, roundID string) (*models.Round, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	cp.Path = append([]string(nil), r.Path...)
	return &cp, nil
}

func (m *MemoryStore) CreateBet(ctx context.Context, bet *models.Bet) (*models.Bet, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.bets[bet.PaymentID]; ok {
		cp := *existing
		return &cp, false, nil
	}

	stored := *bet
	m.bets[bet.PaymentID] = &stored
	m.betOrder = append(m.betOrder, bet.PaymentID)

	cp := stored
	return &cp, true, nil
}

func (m *MemoryStore) GetBet(ctx context.Context, paymentID string) (*models.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bets[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) TransitionBet(ctx context.Context, bet *models.Bet, from models.BetStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.bets[bet.PaymentID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != from {
		return fmt.Errorf("bet %s is %s, expected %s: %w", bet.PaymentID, current.Status, from, ErrConflict)
	}
	if bet.Status == models.BetStatusOutcomeResolved {
		if s, ok := m.seeds[bet.SeedID]; !ok || !s.IsActive() {
			return &StateError{Op: "store.TransitionBet", Reason: fmt.Sprintf("seed %s is not active", bet.SeedID), Err: ErrSeedRotated}
		}
	}

	stored := *bet
	m.bets[bet.PaymentID] = &stored
	if stored.Status == models.BetStatusFailed {
		m.failedBets++
	}
	return nil
}

func (m *MemoryStore) SettleBet(ctx context.Context, bet *models.Bet) (*models.UserAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.bets[bet.PaymentID]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Status != models.BetStatusOutcomeResolved {
		return nil, fmt.Errorf("bet %s is %s, expected %s: %w", bet.PaymentID, current.Status, models.BetStatusOutcomeResolved, ErrConflict)
	}

	stored := *bet
	stored.Status = models.BetStatusSettled
	m.bets[bet.PaymentID] = &stored

	acct, ok := m.accounts[bet.User]
	if !ok {
		acct = &models.UserAccount{User: bet.User, TotalWagered: decimal.Zero, TotalWinnings: decimal.Zero}
		m.accounts[bet.User] = acct
	}
	acct.TotalWagered = acct.TotalWagered.Add(bet.BetAmount)
	acct.TotalWinnings = acct.TotalWinnings.Add(bet.Winnings)
	acct.BetCount++
	acct.UpdatedAt = stored.UpdatedAt

	m.totalBets++
	m.totalWagered = m.totalWagered.Add(bet.BetAmount)
	m.totalPayouts = m.totalPayouts.Add(bet.Winnings)

	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) BetsByStatus(ctx context.Context, statuses ...models.BetStatus) ([]*models.Bet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[models.BetStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var out []*models.Bet
	for _, id := range m.betOrder {
		b := m.bets[id]
		if want[b.Status] {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) RecentBets(ctx context.Context, limit int) ([]*models.Bet, error) {
	return m.settledBets(limit, func(*models.Bet) bool { return true }), nil
}

func (m *MemoryStore) UserBets(ctx context.Context, user string, limit int) ([]*models.Bet, error) {
	return m.settledBets(limit, func(b *models.Bet) bool { return b.User == user }), nil
}

func (m *MemoryStore) settledBets(limit int, keep func(*models.Bet) bool) []*models.Bet {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Bet
	for _, id := range m.betOrder {
		b := m.bets[id]
		if b.Status == models.BetStatusSettled && keep(b) {
			cp := *b
			out = append(out, &cp)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return settledAt(out[i]).After(settledAt(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func settledAt(b *models.Bet) time.Time {
	if b.SettledAt != nil {
		return *b.SettledAt
	}
	return b.UpdatedAt
}

func (m *MemoryStore) GetAccount(ctx context.Context, user string) (*models.UserAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[user]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Accounts(ctx context.Context) ([]*models.UserAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.UserAccount, 0, len(m.accounts))
	for _, a := range m.accounts {
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User < out[j].User })
	return out, nil
}

func (m *MemoryStore) ReplaceLeaderboard(ctx context.Context, entries []models.LeaderboardEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.leaderboard = append([]models.LeaderboardEntry(nil), entries...)
	return nil
}

func (m *MemoryStore) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.leaderboard)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]models.LeaderboardEntry(nil), m.leaderboard[:n]...), nil
}

func (m *MemoryStore) Stats(ctx context.Context) (*models.HouseStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &models.HouseStats{
		TotalBets:    m.totalBets,
		TotalWagered: m.totalWagered,
		TotalPayouts: m.totalPayouts,
		FailedBets:   m.failedBets,
	}
	for _, b := range m.bets {
		if !b.Status.IsTerminal() {
			stats.PendingBets++
		}
	}
	for _, s := range m.seeds {
		if s.IsActive() {
			stats.ActiveSeedID = s.ID
		} else {
			stats.RevealedSeeds++
		}
	}
	return deriveStats(stats), nil
}

type rateWindow struct {
	count   int
	resetAt time.Time
}

// CheckRateLimit is a fixed-window counter, the in-process twin of the Redis INCR/EXPIRE limiter.
func (m *MemoryStore) CheckRateLimit(ctx context.Context, userID, action string, limit int, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf(KeyRateLimit, userID, action)
	now := time.Now()
	w, ok := m.rateLimits[key]
	if !ok || now.After(w.resetAt) {
		w = &rateWindow{resetAt: now.Add(window)}
		m.rateLimits[key] = w
	}
	w.count++
	return w.count <= limit, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
