package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pi-plinko-backend/internal/models"
	"pi-plinko-backend/internal/services"
)

// FairnessHandler is the public audit surface: commitments, reveals and recomputation.
type FairnessHandler struct {
	seeds    *services.SeedManager
	verifier *services.VerificationService
	resolver *services.Resolver
}

func NewFairnessHandler(seeds *services.SeedManager, verifier *services.VerificationService, resolver *services.Resolver) *FairnessHandler {
	return &FairnessHandler{
		seeds:    seeds,
		verifier: verifier,
		resolver: resolver,
	}
}

func paytableView(p *services.Paytable) gin.H {
	bins := make([]gin.H, len(p.Bins))
	for i, b := range p.Bins {
		bins[i] = gin.H{
			"bin":        i,
			"multiplier": b.Multiplier,
			"weight":     b.Weight,
		}
	}
	return gin.H{
		"name":       p.Name,
		"rows":       p.Rows(),
		"bins":       bins,
		"rtp":        p.RTP(),
		"house_edge": p.HouseEdge(),
	}
}

func (h *FairnessHandler) GetCommitment(c *gin.Context) {
	seed, err := h.seeds.Current(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to get commitment", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"seed_id":         seed.ID,
		"commitment_hash": seed.CommitmentHash,
		"round_count":     seed.RoundCount,
		"activated_at":    seed.ActivatedAt,
		"paytable":        paytableView(h.resolver.Paytable()),
	})
}

func (h *FairnessHandler) GetRevealedSeeds(c *gin.Context) {
	seeds, err := h.seeds.RevealedSeeds(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to get revealed seeds", err)
		return
	}

	response := make([]models.PublicSeed, 0, len(seeds))
	for _, s := range seeds {
		response = append(response, s.Public())
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"seeds":   response,
		"count":   len(response),
	})
}

type verifyRequest struct {
	PaymentID  string `json:"payment_id"`
	SeedID     string `json:"seed_id" binding:"required_without=PaymentID"`
	ClientSeed string `json:"client_seed" binding:"max=64"`
	Nonce      int64  `json:"nonce" binding:"required_without=PaymentID"`
	RoundID    string `json:"round_id" binding:"required_without=PaymentID"`
	ClaimedBin *int   `json:"claimed_bin" binding:"required_without=PaymentID"`
}

// Verify recomputes a round against its revealed seed, either from a stored bet or from raw inputs.
func (h *FairnessHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	var (
		result *models.VerificationResult
		err    error
	)
	if req.PaymentID != "" {
		result, err = h.verifier.VerifyBet(c.Request.Context(), req.PaymentID)
	} else {
		in := models.RoundInput{ClientSeed: req.ClientSeed, Nonce: req.Nonce, RoundID: req.RoundID}
		result, err = h.verifier.VerifyRound(c.Request.Context(), req.SeedID, in, *req.ClaimedBin)
	}
	if err != nil {
		respondError(c, "Verification failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"verification": result,
	})
}

func (h *FairnessHandler) GetRound(c *gin.Context) {
	round, err := h.verifier.Round(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Round not found", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"round":   round,
	})
}
