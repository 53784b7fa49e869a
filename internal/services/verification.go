package services

import (
	"context"
	"fmt"

	"pi-plinko-backend/internal/models"
)

// VerificationService recomputes past outcomes from revealed seeds.
type VerificationService struct {
	store    Store
	resolver *Resolver
}

func NewVerificationService(store Store, resolver *Resolver) *VerificationService {
	return &VerificationService{store: store, resolver: resolver}
}

// VerifyRound checks a claimed bin against the revealed secret of seedID.
func (s *VerificationService) VerifyRound(ctx context.Context, seedID string, in models.RoundInput, claimedBin int) (*models.VerificationResult, error) {
	const op = "services.VerificationService.VerifyRound"

	seed, err := s.store.GetSeed(ctx, seedID)
	if err != nil {
		return nil, persistErr(op, err)
	}
	if !seed.IsRevealed() {
		return nil, &StateError{Op: op, Reason: fmt.Sprintf("seed %s is not revealed yet", seedID)}
	}

	return VerifyWithSecret(s.resolver, seed.ID, seed.Secret, seed.CommitmentHash, in, claimedBin)
}

// VerifyBet audits a stored bet against its round and seed.
func (s *VerificationService) VerifyBet(ctx context.Context, paymentID string) (*models.VerificationResult, error) {
	const op = "services.VerificationService.VerifyBet"

	bet, err := s.store.GetBet(ctx, paymentID)
	if err != nil {
		return nil, persistErr(op, err)
	}
	if bet.RoundID == "" {
		return nil, &StateError{Op: op, Reason: fmt.Sprintf("bet %s has no resolved round (status %s)", paymentID, bet.Status)}
	}

	in := models.RoundInput{ClientSeed: bet.ClientSeed, Nonce: bet.Nonce, RoundID: bet.RoundID}
	return s.VerifyRound(ctx, bet.SeedID, in, bet.ResultBin)
}

func (s *VerificationService) Round(ctx context.Context, roundID string) (*models.Round, error) {
	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return nil, persistErr("services.VerificationService.Round", err)
	}
	return round, nil
}

// VerifyWithSecret needs no store: given a revealed secret and the commitment published
// before the round, anyone can recompute the bin.
func VerifyWithSecret(resolver *Resolver, seedID, secret, commitment string, in models.RoundInput, claimedBin int) (*models.VerificationResult, error) {
	out, err := resolver.Resolve(secret, in)
	if err != nil {
		return nil, err
	}

	commitmentOK := models.CommitmentHash(secret) == commitment
	return &models.VerificationResult{
		SeedID:         seedID,
		CommitmentHash: commitment,
		CommitmentOK:   commitmentOK,
		Input:          in,
		ClaimedBin:     claimedBin,
		ComputedBin:    out.Bin,
		Multiplier:     out.Multiplier,
		Digest:         out.Digest,
		Valid:          commitmentOK && out.Bin == claimedBin,
	}, nil
}
