package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// UserAccount aggregates a player's settled totals.
type UserAccount struct {
	User          string          `json:"user" redis:"user"`
	TotalWagered  decimal.Decimal `json:"total_wagered" redis:"total_wagered"`
	TotalWinnings decimal.Decimal `json:"total_winnings" redis:"total_winnings"`
	BetCount      int64           `json:"bet_count" redis:"bet_count"`
	UpdatedAt     time.Time       `json:"updated_at" redis:"updated_at"`
}

func (a *UserAccount) NetProfit() decimal.Decimal {
	return a.TotalWinnings.Sub(a.TotalWagered)
}

type LeaderboardEntry struct {
	Rank          int             `json:"rank"`
	User          string          `json:"user"`
	TotalWinnings decimal.Decimal `json:"total_winnings"`
}

type HouseStats struct {
	TotalBets     int64           `json:"total_bets"`
	TotalWagered  decimal.Decimal `json:"total_wagered"`
	TotalPayouts  decimal.Decimal `json:"total_payouts"`
	Profit        decimal.Decimal `json:"profit"`
	RealisedRTP   decimal.Decimal `json:"realised_rtp"`
	FailedBets    int64           `json:"failed_bets"`
	PendingBets   int64           `json:"pending_bets"`
	ActiveSeedID  string          `json:"active_seed_id"`
	RevealedSeeds int             `json:"revealed_seeds"`
}

type AccountResponse struct {
	User          string          `json:"user"`
	TotalWagered  decimal.Decimal `json:"total_wagered"`
	TotalWinnings decimal.Decimal `json:"total_winnings"`
	NetProfit     decimal.Decimal `json:"net_profit"`
	BetCount      int64           `json:"bet_count"`
}
