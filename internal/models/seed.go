package models

import "time"

type SeedStatus string

const (
	SeedStatusActive   SeedStatus = "active"
	SeedStatusRevealed SeedStatus = "revealed"
)

// Seed is one commitment epoch. Secret stays server side until the seed is revealed.
type Seed struct {
	ID             string     `json:"id" redis:"id"`
	Secret         string     `json:"secret" redis:"secret"`
	CommitmentHash string     `json:"commitment_hash" redis:"commitment_hash"`
	Status         SeedStatus `json:"status" redis:"status"`
	RoundCount     int64      `json:"round_count" redis:"round_count"`
	ActivatedAt    time.Time  `json:"activated_at" redis:"activated_at"`
	RevealedAt     *time.Time `json:"revealed_at,omitempty" redis:"revealed_at"`
}

func (s *Seed) IsActive() bool {
	return s.Status == SeedStatusActive
}

func (s *Seed) IsRevealed() bool {
	return s.Status == SeedStatusRevealed
}

// PublicSeed is the only shape a seed takes outside the service.
type PublicSeed struct {
	ID             string     `json:"id"`
	CommitmentHash string     `json:"commitment_hash"`
	Secret         string     `json:"secret,omitempty"`
	Status         SeedStatus `json:"status"`
	RoundCount     int64      `json:"round_count"`
	ActivatedAt    time.Time  `json:"activated_at"`
	RevealedAt     *time.Time `json:"revealed_at,omitempty"`
}

func (s *Seed) Public() PublicSeed {
	p := PublicSeed{
		ID:             s.ID,
		CommitmentHash: s.CommitmentHash,
		Status:         s.Status,
		RoundCount:     s.RoundCount,
		ActivatedAt:    s.ActivatedAt,
		RevealedAt:     s.RevealedAt,
	}
	if s.IsRevealed() {
		p.Secret = s.Secret
	}
	return p
}

// Rotation is what the house publishes when it retires a seed.
type Rotation struct {
	RevealedSeedID     string    `json:"revealed_seed_id,omitempty"`
	RevealedSecret     string    `json:"revealed_secret,omitempty"`
	RevealedCommitment string    `json:"revealed_commitment,omitempty"`
	NewSeedID          string    `json:"new_seed_id"`
	NewCommitmentHash  string    `json:"new_commitment_hash"`
	RotatedAt          time.Time `json:"rotated_at"`
}
