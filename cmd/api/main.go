package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"pi-plinko-backend/internal/config"
	"pi-plinko-backend/internal/handlers"
	"pi-plinko-backend/internal/logger"
	"pi-plinko-backend/internal/middleware"
	"pi-plinko-backend/internal/models"
	"pi-plinko-backend/internal/services"
)

type storeBackend interface {
	services.Store
	middleware.RateLimiter
}

func main() {
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", logger.Err(err))
	}

	logger.Init(&logger.Options{
		Level:   logger.ParseLevel(cfg.LogLevel),
		NoColor: cfg.IsProduction(),
	})
	log := logger.L()
	if envErr != nil {
		log.Info("No .env file found, using environment variables")
	}

	var store storeBackend
	switch cfg.Store {
	case config.StoreMemory:
		log.Warn("Using in-memory store; state is lost on restart")
		store = services.NewMemoryStore()
	default:
		redisStore, err := services.NewRedisService(cfg)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", logger.Err(err))
		}
		store = redisStore
	}
	defer store.Close()

	paytableCfg, err := config.LoadPaytable(cfg.PaytablePath)
	if err != nil {
		logger.Fatal("Failed to load paytable", "path", cfg.PaytablePath, logger.Err(err))
	}
	paytable, err := services.PaytableFromConfig(paytableCfg)
	if err != nil {
		logger.Fatal("Invalid paytable", logger.Err(err))
	}
	resolver := services.NewResolver(paytable)
	log.Info("Paytable loaded", "name", paytable.Name, "bins", len(paytable.Bins), "rtp", paytable.RTP(), "house_edge", paytable.HouseEdge())

	hub := handlers.NewWebSocketHub()
	publisher := services.MultiPublisher{hub}

	if cfg.NatsURL != "" {
		nc, err := services.ConnectNATS(cfg.NatsURL, log)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", logger.Err(err))
		}
		natsPublisher := services.NewNATSPublisher(nc, cfg.NatsSubjectPrefix)
		defer natsPublisher.Close()
		publisher = append(publisher, natsPublisher)
		log.Info("Publishing settlement events to NATS", "url", cfg.NatsURL, "prefix", cfg.NatsSubjectPrefix)
	}

	seeds := services.NewSeedManager(store, publisher, services.RotationPolicy{
		AfterRounds: cfg.SeedRotateAfterRounds,
		MaxAge:      cfg.SeedMaxAge,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commitment, err := seeds.PublicCommitment(ctx)
	if err != nil {
		logger.Fatal("Failed to initialise seed commitment", logger.Err(err))
	}
	log.Info("Active commitment", "hash", commitment)

	leaderboard := services.NewLeaderboardService(store, publisher, cfg.LeaderboardSize, cfg.LeaderboardRefreshInterval, log)

	retry := services.DefaultRetryConfig()
	retry.MaxElapsedTime = cfg.PersistRetryMaxElapsed

	coordinator := services.NewSettlementCoordinator(
		store,
		seeds,
		resolver,
		services.NewPiPaymentClient(cfg.PiAPIURL, cfg.PiAPIKey, cfg.PaymentVerifyTimeout),
		services.SettlementConfig{
			HouseEdgeMargin: cfg.HouseEdgeMargin,
			Limits: models.BetLimits{
				Min:       cfg.MinBet,
				Max:       cfg.MaxBet,
				Precision: cfg.MoneyPrecision,
			},
			VerifyTimeout: cfg.PaymentVerifyTimeout,
			PendingExpiry: cfg.PaymentPendingExpiry,
			Retry:         retry,
		},
		services.WithPublisher(publisher),
		services.WithLeaderboard(leaderboard),
		services.WithLogger(log),
	)

	if n, err := coordinator.Recover(ctx); err != nil {
		log.Error("Startup recovery incomplete", "recovered", n, logger.Err(err))
	} else if n > 0 {
		log.Info("Startup recovery finished", "recovered", n)
	}

	go hub.Run(ctx)
	go leaderboard.Run(ctx)
	go coordinator.RunRecovery(ctx, cfg.RecoveryInterval)
	leaderboard.Trigger()

	if cfg.SeedMaxAge > 0 {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := seeds.MaybeRotate(ctx); err != nil {
						log.Warn("Scheduled seed rotation failed", logger.Err(err))
					}
				}
			}
		}()
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handlers.RegisterRoutes(router, handlers.Deps{
		Store:       store,
		Seeds:       seeds,
		Resolver:    resolver,
		Coordinator: coordinator,
		Verifier:    services.NewVerificationService(store, resolver),
		Leaderboard: leaderboard,
		JWT:         services.NewJWTService(cfg),
		Hub:         hub,
		Limiter:     store,
		AdminAPIKey: cfg.AdminAPIKey,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Server starting", "port", cfg.Port, "env", cfg.Env, "store", cfg.Store)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", logger.Err(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", logger.Err(err))
	}
}
