package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DefaultMoneyPrecision int32 = 4
	SeedBytes                   = 32 // 256 bits of entropy
	MaxClientSeedLength         = 64
)

func GenerateRoundID() string {
	return fmt.Sprintf("round_%s_%s",
		time.Now().UTC().Format("20060102"),
		uuid.New().String())
}

func GenerateSeedID() string {
	return fmt.Sprintf("seed_%s_%d",
		time.Now().UTC().Format("20060102"),
		uuid.New().ID())
}

func GenerateEventID() string {
	return uuid.New().String()
}

func GenerateSeedSecret() (string, error) {
	bytes := make([]byte, SeedBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate seed secret: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// CommitmentHash is the public one-way commitment to a seed secret.
func CommitmentHash(secret string) string {
	hash := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(hash[:])
}

func RoundMoney(amount decimal.Decimal, precision int32) decimal.Decimal {
	return amount.Round(precision)
}

// ComputeWinnings is betAmount * multiplier * (1 - margin) in full precision, rounded once.
func ComputeWinnings(betAmount, multiplier, margin decimal.Decimal, precision int32) decimal.Decimal {
	payout := betAmount.Mul(multiplier).Mul(decimal.NewFromInt(1).Sub(margin))
	return RoundMoney(payout, precision)
}

type BetLimits struct {
	Min       decimal.Decimal
	Max       decimal.Decimal
	Precision int32
}

func (n *PaymentNotification) Normalize() {
	n.PaymentID = strings.TrimSpace(n.PaymentID)
	n.TxID = strings.TrimSpace(n.TxID)
	n.User = strings.TrimSpace(n.User)
	n.ClientSeed = strings.TrimSpace(n.ClientSeed)
}

func (n *PaymentNotification) Validate(limits BetLimits) error {
	if n.PaymentID == "" {
		return fmt.Errorf("paymentId is required")
	}
	if n.TxID == "" {
		return fmt.Errorf("txid is required")
	}
	if n.User == "" {
		return fmt.Errorf("user is required")
	}
	if !n.BetAmount.IsPositive() {
		return fmt.Errorf("bet amount must be positive")
	}
	if !n.BetAmount.Equal(n.BetAmount.Round(limits.Precision)) {
		return fmt.Errorf("bet amount has more than %d decimal places", limits.Precision)
	}
	if !limits.Min.IsZero() && n.BetAmount.LessThan(limits.Min) {
		return fmt.Errorf("minimum bet is %s", limits.Min.String())
	}
	if !limits.Max.IsZero() && n.BetAmount.GreaterThan(limits.Max) {
		return fmt.Errorf("maximum bet is %s", limits.Max.String())
	}
	if len(n.ClientSeed) > MaxClientSeedLength {
		return fmt.Errorf("client seed must be at most %d characters", MaxClientSeedLength)
	}
	return nil
}
