package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"pi-plinko-backend/internal/models"
	"pi-plinko-backend/internal/services"
)

type BetHandler struct {
	coordinator *services.SettlementCoordinator
	leaderboard *services.LeaderboardService
	store       services.Store
}

func NewBetHandler(coordinator *services.SettlementCoordinator, leaderboard *services.LeaderboardService, store services.Store) *BetHandler {
	return &BetHandler{
		coordinator: coordinator,
		leaderboard: leaderboard,
		store:       store,
	}
}

// PaymentWebhook is called once the player's Pi payment is submitted. Redelivery is safe.
func (h *BetHandler) PaymentWebhook(c *gin.Context) {
	var req models.PaymentNotification
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	bet, err := h.coordinator.HandlePayment(c.Request.Context(), req)
	if err != nil {
		if bet != nil && bet.Status == models.BetStatusFailed {
			c.JSON(statusFor(err), gin.H{
				"error":   "Payment not accepted",
				"details": err.Error(),
				"bet":     bet,
			})
			return
		}
		respondError(c, "Failed to settle bet", err)
		return
	}

	if bet.Status == models.BetStatusPaymentPending {
		c.JSON(http.StatusAccepted, gin.H{
			"success": true,
			"message": "Payment verification in progress",
			"bet":     bet,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": bet.Status == models.BetStatusSettled,
		"bet":     bet,
		"result": gin.H{
			"round_id":   bet.RoundID,
			"seed_id":    bet.SeedID,
			"nonce":      bet.Nonce,
			"bin":        bet.ResultBin,
			"multiplier": bet.Multiplier,
			"winnings":   bet.Winnings,
		},
	})
}

func (h *BetHandler) GetBet(c *gin.Context) {
	bet, err := h.coordinator.Bet(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Bet not found", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"bet":     bet,
	})
}

func (h *BetHandler) GetRecentBets(c *gin.Context) {
	limit := queryLimit(c, 20, 100)

	bets, err := h.store.RecentBets(c.Request.Context(), limit)
	if err != nil {
		respondError(c, "Failed to get recent bets", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"bets":    bets,
		"count":   len(bets),
	})
}

func (h *BetHandler) GetLeaderboard(c *gin.Context) {
	limit := queryLimit(c, 10, 100)

	entries, err := h.leaderboard.Top(c.Request.Context(), limit)
	if err != nil {
		respondError(c, "Failed to get leaderboard", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"leaderboard": entries,
	})
}

func queryLimit(c *gin.Context, fallback, max int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(fallback)))
	if err != nil || limit <= 0 || limit > max {
		return fallback
	}
	return limit
}
