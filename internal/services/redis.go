package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"pi-plinko-backend/internal/config"
	"pi-plinko-backend/internal/models"
)

// RedisService is the Redis-backed Store. Multi-key invariants (unique insert, status
// compare-and-swap, settlement increments, seed rotation) run as Lua scripts so they
// hold across every process sharing the database. Money totals are kept as integer
// units of 10^-precision so HINCRBY stays exact.
type RedisService struct {
	client    *redis.Client
	precision int32
}

func NewRedisService(cfg *config.Config) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPass,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisService{
		client:    client,
		precision: cfg.MoneyPrecision,
	}, nil
}

func (s *RedisService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

// scriptErr maps the error replies of the Lua scripts onto store sentinels.
func scriptErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOTFOUND"):
		return ErrNotFound
	case strings.HasPrefix(msg, "CONFLICT"):
		return fmt.Errorf("%s: %w", msg, ErrConflict)
	case strings.HasPrefix(msg, "DUPLICATE"):
		return fmt.Errorf("%s: %w", msg, ErrDuplicate)
	case strings.HasPrefix(msg, "NOTACTIVE"):
		return &StateError{Op: op, Reason: msg, Err: ErrSeedRotated}
	}
	return err
}

func (s *RedisService) units(amount decimal.Decimal) int64 {
	return amount.Shift(s.precision).Round(0).IntPart()
}

func (s *RedisService) fromUnits(raw string) decimal.Decimal {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return decimal.Zero
	}
	return decimal.New(n, -s.precision)
}

// Seeds

func (s *RedisService) ActiveSeed(ctx context.Context) (*models.Seed, error) {
	id, err := s.client.Get(ctx, KeyActiveSeed).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	seed, err := s.GetSeed(ctx, id)
	if err != nil {
		return nil, err
	}
	if !seed.IsActive() {
		return nil, &StateError{Op: "redis.ActiveSeed", Reason: fmt.Sprintf("active pointer names %s seed %s", seed.Status, seed.ID)}
	}
	return seed, nil
}

func (s *RedisService) GetSeed(ctx context.Context, seedID string) (*models.Seed, error) {
	pipe := s.client.Pipeline()
	dataCmd := pipe.Get(ctx, fmt.Sprintf(KeySeed, seedID))
	nonceCmd := pipe.Get(ctx, fmt.Sprintf(KeySeedNonce, seedID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	data, err := dataCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var seed models.Seed
	if err := json.Unmarshal([]byte(data), &seed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal seed: %w", err)
	}
	if n, err := nonceCmd.Int64(); err == nil {
		seed.RoundCount = n
	}
	return &seed, nil
}

var activateSeedScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[4]) == 1 then
		return redis.error_reply("DUPLICATE seed " .. ARGV[2])
	end

	local revealed = false
	local prev = redis.call("GET", KEYS[1])
	if prev then
		local prevKey = ARGV[5] .. prev
		local data = redis.call("GET", prevKey)
		if data then
			local seed = cjson.decode(data)
			if seed.status == "active" then
				seed.status = "revealed"
				seed.revealed_at = ARGV[3]
				revealed = cjson.encode(seed)
				redis.call("SET", prevKey, revealed)
				redis.call("ZADD", KEYS[2], ARGV[4], prev)
			end
		end
	end

	redis.call("SET", KEYS[4], ARGV[1])
	redis.call("SET", KEYS[1], ARGV[2])
	redis.call("ZADD", KEYS[3], ARGV[4], ARGV[2])

	return revealed
`)

func (s *RedisService) ActivateSeed(ctx context.Context, next *models.Seed, now time.Time) (*models.Seed, error) {
	stored := *next
	stored.Status = models.SeedStatusActive
	stored.RoundCount = 0
	stored.RevealedAt = nil

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal seed: %w", err)
	}

	keys := []string{KeyActiveSeed, KeySeedsRevealed, KeySeedsAll, fmt.Sprintf(KeySeed, stored.ID)}
	raw, err := activateSeedScript.Run(ctx, s.client, keys,
		data, stored.ID, now.UTC().Format(time.RFC3339Nano), now.UnixMilli(), KeySeedPrefix,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, scriptErr("redis.ActivateSeed", err)
	}

	var revealed models.Seed
	if err := json.Unmarshal([]byte(raw), &revealed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal revealed seed: %w", err)
	}
	if n, err := s.client.Get(ctx, fmt.Sprintf(KeySeedNonce, revealed.ID)).Int64(); err == nil {
		revealed.RoundCount = n
	}
	return &revealed, nil
}

func (s *RedisService) RevealedSeeds(ctx context.Context) ([]*models.Seed, error) {
	ids, err := s.client.ZRevRange(ctx, KeySeedsRevealed, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get revealed seeds: %w", err)
	}
	return s.seedsByID(ctx, ids)
}

func (s *RedisService) SeedHistory(ctx context.Context, limit int) ([]*models.Seed, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := s.client.ZRevRange(ctx, KeySeedsAll, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get seed history: %w", err)
	}
	return s.seedsByID(ctx, ids)
}

func (s *RedisService) seedsByID(ctx context.Context, ids []string) ([]*models.Seed, error) {
	seeds := make([]*models.Seed, 0, len(ids))
	for _, id := range ids {
		seed, err := s.GetSeed(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}

var reserveNonceScript = redis.NewScript(`
	local active = redis.call("GET", KEYS[1])
	local data = redis.call("GET", KEYS[2])
	if not data then
		return redis.error_reply("NOTFOUND")
	end

	local seed = cjson.decode(data)
	if active ~= ARGV[1] or seed.status ~= "active" then
		return redis.error_reply("NOTACTIVE seed " .. ARGV[1] .. " is " .. tostring(seed.status))
	end

	return redis.call("INCR", KEYS[3])
`)

func (s *RedisService) ReserveNonce(ctx context.Context, seedID string) (int64, error) {
	keys := []string{KeyActiveSeed, fmt.Sprintf(KeySeed, seedID), fmt.Sprintf(KeySeedNonce, seedID)}
	n, err := reserveNonceScript.Run(ctx, s.client, keys, seedID).Int64()
	if err != nil {
		return 0, scriptErr("redis.ReserveNonce", err)
	}
	return n, nil
}

// Rounds

var insertRoundScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 1 then
		return 0
	end

	local owner = redis.call("GET", KEYS[2])
	if owner and owner ~= ARGV[2] then
		return redis.error_reply("DUPLICATE nonce used by " .. owner)
	end

	redis.call("SET", KEYS[2], ARGV[2])
	redis.call("SET", KEYS[1], ARGV[1])
	return 1
`)

func (s *RedisService) InsertRound(ctx context.Context, round *models.Round) error {
	data, err := json.Marshal(round)
	if err != nil {
		return fmt.Errorf("failed to marshal round: %w", err)
	}

	keys := []string{fmt.Sprintf(KeyRound, round.ID), fmt.Sprintf(KeyRoundNonce, round.SeedID, round.Nonce)}
	return scriptErr("redis.InsertRound", insertRoundScript.Run(ctx, s.client, keys, data, round.ID).Err())
}

func (s *RedisService) GetRound(ctx context.Context, roundID string) (*models.Round, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf(KeyRound, roundID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var round models.Round
	if err := json.Unmarshal([]byte(data), &round); err != nil {
		return nil, fmt.Errorf("failed to unmarshal round: %w", err)
	}
	return &round, nil
}

// Bets

var createBetScript = redis.NewScript(`
	local existing = redis.call("GET", KEYS[1])
	if existing then
		return {0, existing}
	end

	redis.call("SET", KEYS[1], ARGV[1])
	redis.call("SADD", KEYS[2], ARGV[2])
	return {1, ARGV[1]}
`)

func (s *RedisService) CreateBet(ctx context.Context, bet *models.Bet) (*models.Bet, bool, error) {
	data, err := json.Marshal(bet)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal bet: %w", err)
	}

	keys := []string{fmt.Sprintf(KeyBet, bet.PaymentID), fmt.Sprintf(KeyBetStatus, bet.Status)}
	res, err := createBetScript.Run(ctx, s.client, keys, data, bet.PaymentID).Slice()
	if err != nil {
		return nil, false, scriptErr("redis.CreateBet", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("unexpected create bet reply: %v", res)
	}

	created, _ := res[0].(int64)
	raw, _ := res[1].(string)

	var stored models.Bet
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal bet: %w", err)
	}
	return &stored, created == 1, nil
}

func (s *RedisService) GetBet(ctx context.Context, paymentID string) (*models.Bet, error) {
	data, err := s.client.Get(ctx, fmt.Sprintf(KeyBet, paymentID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var bet models.Bet
	if err := json.Unmarshal([]byte(data), &bet); err != nil {
		return nil, fmt.Errorf("failed to unmarshal bet: %w", err)
	}
	return &bet, nil
}

var transitionBetScript = redis.NewScript(`
	local data = redis.call("GET", KEYS[1])
	if not data then
		return redis.error_reply("NOTFOUND")
	end

	local bet = cjson.decode(data)
	if bet.status ~= ARGV[1] then
		return redis.error_reply("CONFLICT bet is " .. tostring(bet.status))
	end

	-- a resolved outcome only lands while its seed is still the active one
	if ARGV[6] ~= "" then
		local seedData = redis.call("GET", KEYS[5])
		local status = "missing"
		if seedData then
			status = tostring(cjson.decode(seedData).status)
		end
		if redis.call("GET", KEYS[6]) ~= ARGV[6] or status ~= "active" then
			return redis.error_reply("NOTACTIVE seed " .. ARGV[6] .. " is " .. status)
		end
	end

	redis.call("SET", KEYS[1], ARGV[2])
	redis.call("SREM", KEYS[2], ARGV[3])
	if ARGV[5] == "1" then
		redis.call("SADD", KEYS[3], ARGV[3])
	end
	if ARGV[4] == "1" then
		redis.call("HINCRBY", KEYS[4], "failed_bets", 1)
	end
	return "OK"
`)

func (s *RedisService) TransitionBet(ctx context.Context, bet *models.Bet, from models.BetStatus) error {
	data, err := json.Marshal(bet)
	if err != nil {
		return fmt.Errorf("failed to marshal bet: %w", err)
	}

	keys := []string{
		fmt.Sprintf(KeyBet, bet.PaymentID),
		fmt.Sprintf(KeyBetStatus, from),
		fmt.Sprintf(KeyBetStatus, bet.Status),
		KeyHouseStats,
		fmt.Sprintf(KeySeed, bet.SeedID),
		KeyActiveSeed,
	}
	guard := ""
	if bet.Status == models.BetStatusOutcomeResolved {
		guard = bet.SeedID
	}
	err = transitionBetScript.Run(ctx, s.client, keys,
		string(from), data, bet.PaymentID, flag(bet.Status == models.BetStatusFailed), flag(!bet.Status.IsTerminal()), guard,
	).Err()
	return scriptErr("redis.TransitionBet", err)
}

var settleBetScript = redis.NewScript(`
	local data = redis.call("GET", KEYS[1])
	if not data then
		return redis.error_reply("NOTFOUND")
	end

	local bet = cjson.decode(data)
	if bet.status ~= ARGV[1] then
		return redis.error_reply("CONFLICT bet is " .. tostring(bet.status))
	end

	redis.call("SET", KEYS[1], ARGV[2])
	redis.call("SREM", KEYS[2], ARGV[3])

	redis.call("HSET", KEYS[3], "user", ARGV[4], "updated_at", ARGV[8])
	redis.call("HINCRBY", KEYS[3], "wagered_units", ARGV[5])
	redis.call("HINCRBY", KEYS[3], "winnings_units", ARGV[6])
	redis.call("HINCRBY", KEYS[3], "bet_count", 1)
	redis.call("SADD", KEYS[4], ARGV[4])

	redis.call("ZADD", KEYS[5], ARGV[7], ARGV[3])
	redis.call("ZREMRANGEBYRANK", KEYS[5], 0, -(tonumber(ARGV[9]) + 1))
	redis.call("ZADD", KEYS[6], ARGV[7], ARGV[3])

	redis.call("HINCRBY", KEYS[7], "total_bets", 1)
	redis.call("HINCRBY", KEYS[7], "wagered_units", ARGV[5])
	redis.call("HINCRBY", KEYS[7], "payout_units", ARGV[6])

	return redis.call("HGETALL", KEYS[3])
`)

func (s *RedisService) SettleBet(ctx context.Context, bet *models.Bet) (*models.UserAccount, error) {
	settled := *bet
	settled.Status = models.BetStatusSettled

	data, err := json.Marshal(&settled)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bet: %w", err)
	}

	keys := []string{
		fmt.Sprintf(KeyBet, bet.PaymentID),
		fmt.Sprintf(KeyBetStatus, models.BetStatusOutcomeResolved),
		fmt.Sprintf(KeyAccount, bet.User),
		KeyAccounts,
		KeyRecentBets,
		fmt.Sprintf(KeyUserBets, bet.User),
		KeyHouseStats,
	}
	fields, err := settleBetScript.Run(ctx, s.client, keys,
		string(models.BetStatusOutcomeResolved),
		data,
		bet.PaymentID,
		bet.User,
		s.units(bet.BetAmount),
		s.units(bet.Winnings),
		settledAt(&settled).UnixMilli(),
		settled.UpdatedAt.UTC().Format(time.RFC3339Nano),
		MaxRecentBets,
	).StringSlice()
	if err != nil {
		return nil, scriptErr("redis.SettleBet", err)
	}

	hash := make(map[string]string, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		hash[fields[i]] = fields[i+1]
	}
	return s.accountFromHash(bet.User, hash), nil
}

func (s *RedisService) BetsByStatus(ctx context.Context, statuses ...models.BetStatus) ([]*models.Bet, error) {
	var ids []string
	for _, status := range statuses {
		members, err := s.client.SMembers(ctx, fmt.Sprintf(KeyBetStatus, status)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get %s bets: %w", status, err)
		}
		ids = append(ids, members...)
	}

	bets, err := s.bulkGetBets(ctx, ids)
	if err != nil {
		return nil, err
	}

	// index membership may lag the record during a transition
	want := make(map[models.BetStatus]bool, len(statuses))
	for _, status := range statuses {
		want[status] = true
	}
	out := bets[:0]
	for _, b := range bets {
		if want[b.Status] {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *RedisService) RecentBets(ctx context.Context, limit int) ([]*models.Bet, error) {
	return s.betsFromIndex(ctx, KeyRecentBets, limit)
}

func (s *RedisService) UserBets(ctx context.Context, user string, limit int) ([]*models.Bet, error) {
	return s.betsFromIndex(ctx, fmt.Sprintf(KeyUserBets, user), limit)
}

func (s *RedisService) betsFromIndex(ctx context.Context, key string, limit int) ([]*models.Bet, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	ids, err := s.client.ZRevRange(ctx, key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get bet ids: %w", err)
	}
	return s.bulkGetBets(ctx, ids)
}

func (s *RedisService) bulkGetBets(ctx context.Context, ids []string) ([]*models.Bet, error) {
	if len(ids) == 0 {
		return []*models.Bet{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, fmt.Sprintf(KeyBet, id))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("pipeline execution failed: %w", err)
	}

	bets := make([]*models.Bet, 0, len(ids))
	for _, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			continue
		}

		var bet models.Bet
		if err := json.Unmarshal([]byte(data), &bet); err != nil {
			continue
		}
		bets = append(bets, &bet)
	}
	return bets, nil
}

// Accounts and leaderboard

func (s *RedisService) accountFromHash(user string, hash map[string]string) *models.UserAccount {
	acct := &models.UserAccount{
		User:          user,
		TotalWagered:  s.fromUnits(hash["wagered_units"]),
		TotalWinnings: s.fromUnits(hash["winnings_units"]),
	}
	acct.BetCount, _ = strconv.ParseInt(hash["bet_count"], 10, 64)
	if t, err := time.Parse(time.RFC3339Nano, hash["updated_at"]); err == nil {
		acct.UpdatedAt = t
	}
	return acct
}

func (s *RedisService) GetAccount(ctx context.Context, user string) (*models.UserAccount, error) {
	hash, err := s.client.HGetAll(ctx, fmt.Sprintf(KeyAccount, user)).Result()
	if err != nil {
		return nil, err
	}
	if len(hash) == 0 {
		return nil, ErrNotFound
	}
	return s.accountFromHash(user, hash), nil
}

func (s *RedisService) Accounts(ctx context.Context) ([]*models.UserAccount, error) {
	users, err := s.client.SMembers(ctx, KeyAccounts).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(users))
	for i, user := range users {
		cmds[i] = pipe.HGetAll(ctx, fmt.Sprintf(KeyAccount, user))
	}
	if len(users) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("pipeline execution failed: %w", err)
		}
	}

	accounts := make([]*models.UserAccount, 0, len(users))
	for i, cmd := range cmds {
		hash, err := cmd.Result()
		if err != nil || len(hash) == 0 {
			continue
		}
		accounts = append(accounts, s.accountFromHash(users[i], hash))
	}
	return accounts, nil
}

func (s *RedisService) ReplaceLeaderboard(ctx context.Context, entries []models.LeaderboardEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal leaderboard: %w", err)
	}
	return s.client.Set(ctx, KeyLeaderboard, data, 0).Err()
}

func (s *RedisService) Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error) {
	data, err := s.client.Get(ctx, KeyLeaderboard).Result()
	if errors.Is(err, redis.Nil) {
		return []models.LeaderboardEntry{}, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []models.LeaderboardEntry
	if err := json.Unmarshal([]byte(data), &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal leaderboard: %w", err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *RedisService) Stats(ctx context.Context) (*models.HouseStats, error) {
	pipe := s.client.Pipeline()
	statsCmd := pipe.HGetAll(ctx, KeyHouseStats)
	pendingCmds := []*redis.IntCmd{
		pipe.SCard(ctx, fmt.Sprintf(KeyBetStatus, models.BetStatusPaymentPending)),
		pipe.SCard(ctx, fmt.Sprintf(KeyBetStatus, models.BetStatusPaymentVerified)),
		pipe.SCard(ctx, fmt.Sprintf(KeyBetStatus, models.BetStatusOutcomeResolved)),
	}
	activeCmd := pipe.Get(ctx, KeyActiveSeed)
	revealedCmd := pipe.ZCard(ctx, KeySeedsRevealed)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("pipeline execution failed: %w", err)
	}

	hash := statsCmd.Val()
	stats := &models.HouseStats{
		TotalWagered:  s.fromUnits(hash["wagered_units"]),
		TotalPayouts:  s.fromUnits(hash["payout_units"]),
		ActiveSeedID:  activeCmd.Val(),
		RevealedSeeds: int(revealedCmd.Val()),
	}
	stats.TotalBets, _ = strconv.ParseInt(hash["total_bets"], 10, 64)
	stats.FailedBets, _ = strconv.ParseInt(hash["failed_bets"], 10, 64)
	for _, cmd := range pendingCmds {
		stats.PendingBets += cmd.Val()
	}
	return deriveStats(stats), nil
}

// a counter without a TTL gets one back, so a lost expiry cannot block a caller forever
var rateLimitScript = redis.NewScript(`
	local count = redis.call("INCR", KEYS[1])
	if count == 1 or redis.call("PTTL", KEYS[1]) < 0 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return count
`)

func (s *RedisService) CheckRateLimit(ctx context.Context, userID, action string, limit int, window time.Duration) (bool, error) {
	key := fmt.Sprintf(KeyRateLimit, userID, action)

	count, err := rateLimitScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}

	return count <= int64(limit), nil
}

func (s *RedisService) ClearRateLimit(ctx context.Context, userID, action string) error {
	return s.client.Del(ctx, fmt.Sprintf(KeyRateLimit, userID, action)).Err()
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
