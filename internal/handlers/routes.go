package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pi-plinko-backend/internal/middleware"
	"pi-plinko-backend/internal/services"
)

// Deps is everything the HTTP surface needs.
type Deps struct {
	Store       services.Store
	Seeds       *services.SeedManager
	Resolver    *services.Resolver
	Coordinator *services.SettlementCoordinator
	Verifier    *services.VerificationService
	Leaderboard *services.LeaderboardService
	JWT         *services.JWTService
	Hub         *WebSocketHub
	Limiter     middleware.RateLimiter
	AdminAPIKey string

	WebhookLimit int
	VerifyLimit  int
	LimitWindow  time.Duration
}

func RegisterRoutes(router *gin.Engine, d Deps) {
	if d.WebhookLimit <= 0 {
		d.WebhookLimit = services.DefaultRateLimitWebhook
	}
	if d.VerifyLimit <= 0 {
		d.VerifyLimit = services.DefaultRateLimitVerify
	}
	if d.LimitWindow <= 0 {
		d.LimitWindow = services.DefaultRateLimitWindow
	}

	fairnessHandler := NewFairnessHandler(d.Seeds, d.Verifier, d.Resolver)
	betHandler := NewBetHandler(d.Coordinator, d.Leaderboard, d.Store)
	userHandler := NewUserHandler(d.Store)
	adminHandler := NewAdminHandler(d.Store, d.Seeds, d.Coordinator, d.Leaderboard, d.Resolver)

	router.Use(middleware.CORS())

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "pi-plinko-backend"})
	})

	api := router.Group("/api")
	{
		fairness := api.Group("/fairness")
		{
			fairness.GET("/commitment", fairnessHandler.GetCommitment)
			fairness.GET("/revealed-seeds", fairnessHandler.GetRevealedSeeds)
			fairness.POST("/verify",
				middleware.RateLimitMiddleware(d.Limiter, "verify", d.VerifyLimit, d.LimitWindow),
				fairnessHandler.Verify)
			fairness.GET("/rounds/:id", fairnessHandler.GetRound)
		}

		api.POST("/payments/webhook",
			middleware.RateLimitMiddleware(d.Limiter, "webhook", d.WebhookLimit, d.LimitWindow),
			betHandler.PaymentWebhook)
		api.GET("/bets/recent", betHandler.GetRecentBets)
		api.GET("/bets/:id", betHandler.GetBet)
		api.GET("/leaderboard", betHandler.GetLeaderboard)

		protected := api.Group("")
		protected.Use(middleware.AuthMiddleware(d.JWT))
		{
			protected.GET("/me", userHandler.GetCurrentUser)
			protected.GET("/me/bets", userHandler.GetMyBets)

			if d.Hub != nil {
				wsHandler := NewWebSocketHandler(d.Hub, d.Seeds)
				protected.GET("/ws", wsHandler.HandleWebSocket)
			}
		}

		admin := api.Group("/admin")
		admin.Use(middleware.AdminAuth(d.AdminAPIKey))
		{
			admin.GET("/metrics", adminHandler.GetMetrics)
			admin.POST("/seeds/rotate", adminHandler.RotateSeed)
			admin.GET("/seeds/history", adminHandler.GetSeedHistory)
			admin.POST("/recover", adminHandler.Recover)
		}
	}
}
