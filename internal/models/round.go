package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RoundInput is everything besides the seed secret that feeds the outcome derivation.
type RoundInput struct {
	ClientSeed string `json:"client_seed"`
	Nonce      int64  `json:"nonce"`
	RoundID    string `json:"round_id"`
}

// Outcome is the pure result of resolving a RoundInput against a secret.
type Outcome struct {
	Bin        int             `json:"bin"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Float      float64         `json:"float"`
	Digest     string          `json:"digest"`
	Path       []string        `json:"path"`
}

// Round is the immutable record of one resolved drop.
type Round struct {
	ID         string          `json:"id" redis:"id"`
	SeedID     string          `json:"seed_id" redis:"seed_id"`
	PaymentID  string          `json:"payment_id" redis:"payment_id"`
	ClientSeed string          `json:"client_seed" redis:"client_seed"`
	Nonce      int64           `json:"nonce" redis:"nonce"`
	BetAmount  decimal.Decimal `json:"bet_amount" redis:"bet_amount"`
	ResultBin  int             `json:"result_bin" redis:"result_bin"`
	Multiplier decimal.Decimal `json:"multiplier" redis:"multiplier"`
	Float      float64         `json:"float" redis:"float"`
	Digest     string          `json:"digest" redis:"digest"`
	Path       []string        `json:"path" redis:"path"`
	ResolvedAt time.Time       `json:"resolved_at" redis:"resolved_at"`
}

func (r *Round) Input() RoundInput {
	return RoundInput{
		ClientSeed: r.ClientSeed,
		Nonce:      r.Nonce,
		RoundID:    r.ID,
	}
}

type VerificationResult struct {
	SeedID         string          `json:"seed_id"`
	CommitmentHash string          `json:"commitment_hash"`
	CommitmentOK   bool            `json:"commitment_ok"`
	Input          RoundInput      `json:"input"`
	ClaimedBin     int             `json:"claimed_bin"`
	ComputedBin    int             `json:"computed_bin"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	Digest         string          `json:"digest"`
	Valid          bool            `json:"valid"`
}
