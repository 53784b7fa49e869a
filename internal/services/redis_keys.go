package services

import "time"

const (
	KeySeed          = "seed:%s"
	KeySeedPrefix    = "seed:"
	KeySeedNonce     = "seed:%s:nonce"
	KeyActiveSeed    = "seed:active"
	KeySeedsAll      = "seeds:all"
	KeySeedsRevealed = "seeds:revealed"
	KeyRound         = "round:%s"
	KeyRoundNonce    = "round:seed:%s:nonce:%d"
	KeyBet           = "bet:%s"
	KeyBetStatus     = "bets:status:%s"
	KeyRecentBets    = "bets:recent"
	KeyUserBets      = "user:%s:bets"
	KeyAccount       = "account:%s"
	KeyAccounts      = "accounts"
	KeyLeaderboard   = "leaderboard"
	KeyHouseStats    = "house:stats"
	KeyRateLimit     = "ratelimit:%s:%s"

	// recent bets kept in the global feed index
	MaxRecentBets = 1000

	DefaultRateLimitWebhook = 60 // per user per minute
	DefaultRateLimitVerify  = 30
	DefaultRateLimitWindow  = time.Minute
)
