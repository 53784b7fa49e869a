package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"pi-plinko-backend/internal/middleware"
	"pi-plinko-backend/internal/models"
	"pi-plinko-backend/internal/services"
)

type UserHandler struct {
	store services.Store
}

func NewUserHandler(store services.Store) *UserHandler {
	return &UserHandler{store: store}
}

func accountView(user string, account *models.UserAccount) models.AccountResponse {
	if account == nil {
		return models.AccountResponse{
			User:          user,
			TotalWagered:  decimal.Zero,
			TotalWinnings: decimal.Zero,
			NetProfit:     decimal.Zero,
		}
	}
	return models.AccountResponse{
		User:          account.User,
		TotalWagered:  account.TotalWagered,
		TotalWinnings: account.TotalWinnings,
		NetProfit:     account.NetProfit(),
		BetCount:      account.BetCount,
	}
}

func (h *UserHandler) GetCurrentUser(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	account, err := h.store.GetAccount(c.Request.Context(), userID)
	if err != nil && !errors.Is(err, services.ErrNotFound) {
		respondError(c, "Failed to get account", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"user":       userID,
		"session_id": c.GetString(middleware.ContextSessionID),
		"account":    accountView(userID, account),
	})
}

func (h *UserHandler) GetMyBets(c *gin.Context) {
	userID := c.GetString(middleware.ContextUserID)

	bets, err := h.store.UserBets(c.Request.Context(), userID, queryLimit(c, 50, 100))
	if err != nil {
		respondError(c, "Failed to get bet history", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"bets":    bets,
		"count":   len(bets),
	})
}
