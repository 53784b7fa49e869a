package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pi-plinko-backend/internal/logger"
	"pi-plinko-backend/internal/models"
)

type RotationPolicy struct {
	// AfterRounds rotates once the active seed served this many rounds. Zero disables it.
	AfterRounds int64
	// MaxAge rotates seeds older than this. Zero disables it.
	MaxAge time.Duration
}

// SeedManager owns the commit/reveal lifecycle. Rotation takes the write side of mu
// and round resolution the read side, so no round ever resolves against a seed that
// is being revealed.
type SeedManager struct {
	store     Store
	publisher Publisher
	policy    RotationPolicy
	log       *slog.Logger
	now       func() time.Time

	mu sync.RWMutex
}

func NewSeedManager(store Store, publisher Publisher, policy RotationPolicy, log *slog.Logger) *SeedManager {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if log == nil {
		log = logger.L()
	}
	return &SeedManager{
		store:     store,
		publisher: publisher,
		policy:    policy,
		log:       log,
		now:       time.Now,
	}
}

// WithClock replaces the wall clock used for activation times and the age policy.
func (m *SeedManager) WithClock(now func() time.Time) *SeedManager {
	m.now = now
	return m
}

// CreateSeed activates a fresh seed, force-revealing the previous one.
func (m *SeedManager) CreateSeed(ctx context.Context) (*models.Seed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, seed, err := m.rotateLocked(ctx)
	return seed, err
}

// Rotate reveals the active seed and commits to a new one. The reveal is durable when Rotate returns.
func (m *SeedManager) Rotate(ctx context.Context) (*models.Rotation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rotation, _, err := m.rotateLocked(ctx)
	return rotation, err
}

func (m *SeedManager) rotateLocked(ctx context.Context) (*models.Rotation, *models.Seed, error) {
	const op = "services.SeedManager.Rotate"

	if _, err := m.store.ActiveSeed(ctx); err != nil && !errors.Is(err, ErrNotFound) {
		if IsState(err) {
			m.log.Error("Seed store holds more than one active seed", logger.Err(err))
		}
		return nil, nil, persistErr(op, err)
	}

	secret, err := models.GenerateSeedSecret()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	now := m.now().UTC()
	seed := &models.Seed{
		ID:             models.GenerateSeedID(),
		Secret:         secret,
		CommitmentHash: models.CommitmentHash(secret),
		Status:         models.SeedStatusActive,
		ActivatedAt:    now,
	}

	revealed, err := m.store.ActivateSeed(ctx, seed, now)
	if err != nil {
		return nil, nil, persistErr(op, err)
	}

	rotation := &models.Rotation{
		NewSeedID:         seed.ID,
		NewCommitmentHash: seed.CommitmentHash,
		RotatedAt:         now,
	}
	if revealed != nil {
		rotation.RevealedSeedID = revealed.ID
		rotation.RevealedSecret = revealed.Secret
		rotation.RevealedCommitment = revealed.CommitmentHash
	}

	m.log.Info("Seed rotated",
		"new_seed_id", seed.ID,
		"commitment", seed.CommitmentHash,
		"revealed_seed_id", rotation.RevealedSeedID,
	)

	if err := m.publisher.Publish(ctx, NewEvent(EventSeedRotated, rotation)); err != nil {
		m.log.Warn("Failed to publish seed rotation", logger.Err(err))
	}

	return rotation, seed, nil
}

// Current returns the active seed, creating the first one on a fresh store.
func (m *SeedManager) Current(ctx context.Context) (*models.Seed, error) {
	const op = "services.SeedManager.Current"

	seed, err := m.store.ActiveSeed(ctx)
	if err == nil {
		return seed, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, persistErr(op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// another caller may have bootstrapped while we waited
	seed, err = m.store.ActiveSeed(ctx)
	if err == nil {
		return seed, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, persistErr(op, err)
	}

	_, seed, err = m.rotateLocked(ctx)
	return seed, err
}

// PublicCommitment is the hash players see before betting. It never exposes the secret.
func (m *SeedManager) PublicCommitment(ctx context.Context) (string, error) {
	seed, err := m.Current(ctx)
	if err != nil {
		return "", err
	}
	return seed.CommitmentHash, nil
}

// OpenRound reserves the next nonce on the active seed and runs fn while the seed cannot be rotated.
func (m *SeedManager) OpenRound(ctx context.Context, fn func(seed *models.Seed, nonce int64) error) error {
	const op = "services.SeedManager.OpenRound"

	if _, err := m.Current(ctx); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	seed, err := m.store.ActiveSeed(ctx)
	if err != nil {
		return persistErr(op, err)
	}

	nonce, err := m.store.ReserveNonce(ctx, seed.ID)
	if err != nil {
		return persistErr(op, err)
	}
	seed.RoundCount = nonce

	return fn(seed, nonce)
}

// MaybeRotate applies the rotation policy and reports whether a rotation happened.
func (m *SeedManager) MaybeRotate(ctx context.Context) (*models.Rotation, error) {
	if m.policy.AfterRounds <= 0 && m.policy.MaxAge <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seed, err := m.store.ActiveSeed(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, persistErr("services.SeedManager.MaybeRotate", err)
	}

	due := m.policy.AfterRounds > 0 && seed.RoundCount >= m.policy.AfterRounds
	if m.policy.MaxAge > 0 && m.now().Sub(seed.ActivatedAt) >= m.policy.MaxAge {
		due = true
	}
	if !due {
		return nil, nil
	}

	m.log.Info("Rotation policy reached", "seed_id", seed.ID, "round_count", seed.RoundCount)
	rotation, _, err := m.rotateLocked(ctx)
	return rotation, err
}

func (m *SeedManager) Seed(ctx context.Context, seedID string) (*models.Seed, error) {
	seed, err := m.store.GetSeed(ctx, seedID)
	if err != nil {
		return nil, persistErr("services.SeedManager.Seed", err)
	}
	return seed, nil
}

func (m *SeedManager) RevealedSeeds(ctx context.Context) ([]*models.Seed, error) {
	seeds, err := m.store.RevealedSeeds(ctx)
	if err != nil {
		return nil, persistErr("services.SeedManager.RevealedSeeds", err)
	}
	return seeds, nil
}

func (m *SeedManager) History(ctx context.Context, limit int) ([]*models.Seed, error) {
	seeds, err := m.store.SeedHistory(ctx, limit)
	if err != nil {
		return nil, persistErr("services.SeedManager.History", err)
	}
	return seeds, nil
}
