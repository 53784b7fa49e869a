package models_test

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pi-plinko-backend/internal/models"
)

func TestModels(t *testing.T) {
	limits := models.BetLimits{
		Min:       decimal.RequireFromString("0.1"),
		Max:       decimal.RequireFromString("1000"),
		Precision: 4,
	}

	valid := &models.PaymentNotification{
		PaymentID: " pay_1 ",
		TxID:      "tx_1",
		User:      "pi_user",
		BetAmount: decimal.RequireFromString("10"),
	}
	valid.Normalize()
	assert.Equal(t, "pay_1", valid.PaymentID)
	assert.NoError(t, valid.Validate(limits))

	cases := map[string]models.PaymentNotification{
		"missing payment": {TxID: "tx", User: "u", BetAmount: decimal.NewFromInt(1)},
		"missing txid":    {PaymentID: "p", User: "u", BetAmount: decimal.NewFromInt(1)},
		"missing user":    {PaymentID: "p", TxID: "tx", BetAmount: decimal.NewFromInt(1)},
		"zero amount":     {PaymentID: "p", TxID: "tx", User: "u"},
		"below minimum":   {PaymentID: "p", TxID: "tx", User: "u", BetAmount: decimal.RequireFromString("0.01")},
		"above maximum":   {PaymentID: "p", TxID: "tx", User: "u", BetAmount: decimal.NewFromInt(5000)},
		"too precise":     {PaymentID: "p", TxID: "tx", User: "u", BetAmount: decimal.RequireFromString("1.00001")},
		"long seed":       {PaymentID: "p", TxID: "tx", User: "u", BetAmount: decimal.NewFromInt(1), ClientSeed: strings.Repeat("a", 65)},
	}
	for name, n := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, n.Validate(limits))
		})
	}
}

func TestComputeWinnings(t *testing.T) {
	winnings := models.ComputeWinnings(
		decimal.NewFromInt(10),
		decimal.NewFromInt(5),
		decimal.RequireFromString("0.01"),
		models.DefaultMoneyPrecision,
	)
	assert.True(t, winnings.Equal(decimal.RequireFromString("49.5")), "got %s", winnings)

	rounded := models.ComputeWinnings(
		decimal.RequireFromString("0.3333"),
		decimal.RequireFromString("0.5"),
		decimal.RequireFromString("0.01"),
		models.DefaultMoneyPrecision,
	)
	assert.Equal(t, "0.165", rounded.String())
}

func TestBetStatusTransitions(t *testing.T) {
	assert.True(t, models.BetStatusPaymentPending.CanTransition(models.BetStatusPaymentVerified))
	assert.True(t, models.BetStatusPaymentVerified.CanTransition(models.BetStatusOutcomeResolved))
	assert.True(t, models.BetStatusOutcomeResolved.CanTransition(models.BetStatusSettled))
	assert.True(t, models.BetStatusOutcomeResolved.CanTransition(models.BetStatusFailed))

	assert.False(t, models.BetStatusPaymentPending.CanTransition(models.BetStatusSettled))
	assert.False(t, models.BetStatusSettled.CanTransition(models.BetStatusFailed))
	assert.False(t, models.BetStatusFailed.CanTransition(models.BetStatusPaymentVerified))
}

func TestSeedPublic(t *testing.T) {
	secret, err := models.GenerateSeedSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 64)

	seed := &models.Seed{
		ID:             models.GenerateSeedID(),
		Secret:         secret,
		CommitmentHash: models.CommitmentHash(secret),
		Status:         models.SeedStatusActive,
	}
	assert.Empty(t, seed.Public().Secret)

	seed.Status = models.SeedStatusRevealed
	assert.Equal(t, secret, seed.Public().Secret)
	assert.Equal(t, models.CommitmentHash(secret), seed.Public().CommitmentHash)
}
