package services_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pi-plinko-backend/internal/models"
	"pi-plinko-backend/internal/services"
)

func TestVerifyWithSecret(t *testing.T) {
	resolver := services.NewResolver(services.DefaultPaytable())
	in := models.RoundInput{ClientSeed: "lucky", Nonce: 4, RoundID: "round-x"}

	out, err := resolver.Resolve("house-secret", in)
	require.NoError(t, err)

	commitment := models.CommitmentHash("house-secret")

	result, err := services.VerifyWithSecret(resolver, "seed-1", "house-secret", commitment, in, out.Bin)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.True(t, result.CommitmentOK)
	assert.Equal(t, out.Digest, result.Digest)

	result, err = services.VerifyWithSecret(resolver, "seed-1", "house-secret", commitment, in, (out.Bin+1)%5)
	require.NoError(t, err)
	assert.False(t, result.Valid, "a wrong claimed bin never verifies")
	assert.True(t, result.CommitmentOK)

	result, err = services.VerifyWithSecret(resolver, "seed-1", "other-secret", commitment, in, out.Bin)
	require.NoError(t, err)
	assert.False(t, result.CommitmentOK)
	assert.False(t, result.Valid)
}

func TestVerifyRoundRequiresRevealedSeed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	seed := h.activate(t, "still-secret")

	in := models.RoundInput{Nonce: 1, RoundID: "r"}
	_, err := h.verifier.VerifyRound(ctx, seed.ID, in, 0)
	assert.True(t, services.IsState(err))

	_, err = h.verifier.VerifyRound(ctx, "seed_unknown", in, 0)
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestVerifyBetWithoutRound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.HandlePayment(ctx, notification("pay_unpaid", "mia", "1"))
	require.Error(t, err)

	_, err = h.verifier.VerifyBet(ctx, "pay_unpaid")
	assert.True(t, services.IsState(err))

	_, err = h.verifier.VerifyBet(ctx, "pay_missing")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestVerifyRoundByID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.payments.expect("pay_round", decimal.NewFromInt(2))

	bet, err := h.coord.HandlePayment(ctx, notification("pay_round", "ned", "2"))
	require.NoError(t, err)

	round, err := h.verifier.Round(ctx, bet.RoundID)
	require.NoError(t, err)
	assert.Equal(t, bet.PaymentID, round.PaymentID)
	assert.Equal(t, bet.ResultBin, round.ResultBin)

	_, err = h.seeds.Rotate(ctx)
	require.NoError(t, err)

	result, err := h.verifier.VerifyRound(ctx, round.SeedID, round.Input(), round.ResultBin)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, round.Digest, result.Digest)
}
