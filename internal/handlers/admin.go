package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pi-plinko-backend/internal/models"
	"pi-plinko-backend/internal/services"
)

type AdminHandler struct {
	store       services.Store
	seeds       *services.SeedManager
	coordinator *services.SettlementCoordinator
	leaderboard *services.LeaderboardService
	resolver    *services.Resolver
}

func NewAdminHandler(
	store services.Store,
	seeds *services.SeedManager,
	coordinator *services.SettlementCoordinator,
	leaderboard *services.LeaderboardService,
	resolver *services.Resolver,
) *AdminHandler {
	return &AdminHandler{
		store:       store,
		seeds:       seeds,
		coordinator: coordinator,
		leaderboard: leaderboard,
		resolver:    resolver,
	}
}

func (h *AdminHandler) GetMetrics(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := h.store.Stats(ctx)
	if err != nil {
		respondError(c, "Failed to get metrics", err)
		return
	}
	recent, err := h.store.RecentBets(ctx, 20)
	if err != nil {
		respondError(c, "Failed to get metrics", err)
		return
	}
	top, err := h.leaderboard.Top(ctx, 0)
	if err != nil {
		respondError(c, "Failed to get metrics", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"stats":        stats,
		"expected_rtp": h.resolver.Paytable().RTP(),
		"recent_bets":  recent,
		"leaderboard":  top,
	})
}

func (h *AdminHandler) RotateSeed(c *gin.Context) {
	rotation, err := h.seeds.Rotate(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to rotate seed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"rotation": rotation,
	})
}

func (h *AdminHandler) GetSeedHistory(c *gin.Context) {
	seeds, err := h.seeds.History(c.Request.Context(), queryLimit(c, 20, 100))
	if err != nil {
		respondError(c, "Failed to get seed history", err)
		return
	}

	response := make([]models.PublicSeed, 0, len(seeds))
	for _, s := range seeds {
		response = append(response, s.Public())
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"seeds":   response,
	})
}

func (h *AdminHandler) Recover(c *gin.Context) {
	n, err := h.coordinator.Recover(c.Request.Context())
	if err != nil {
		respondError(c, "Recovery incomplete", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"recovered": n,
	})
}
