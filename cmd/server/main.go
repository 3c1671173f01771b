package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jobbyist/yute-za/configs"
	"github.com/jobbyist/yute-za/internal/circles"
	"github.com/jobbyist/yute-za/internal/events"
	"github.com/jobbyist/yute-za/internal/governance"
	"github.com/jobbyist/yute-za/internal/handlers"
	"github.com/jobbyist/yute-za/internal/ledger"
	"github.com/jobbyist/yute-za/internal/logger"
	"github.com/jobbyist/yute-za/internal/routes"
	"github.com/jobbyist/yute-za/internal/seed"
	"github.com/jobbyist/yute-za/internal/store"
	"go.uber.org/zap"
)

func main() {
	logger.Init()
	defer logger.Log.Sync()

	configs.LoadConfig()
	store.NewDB()
	store.DBMigrate()
	seed.Run()

	hub := events.NewHub(logger.Log)
	led := ledger.New(store.DB)
	gov := governance.New(store.DB, led, hub, governance.Config{
		VotingWindow:       time.Duration(configs.AppConfig.Governance.VotingWindowDays) * 24 * time.Hour,
		AllowRecipientVote: configs.AppConfig.Governance.AllowRecipientVote,
	})
	circ := circles.New(store.DB, led, hub)

	router := routes.NewRoutes(handlers.New(store.DB, led, gov, circ, hub))

	srv := &http.Server{
		Addr:         configs.AppConfig.Server.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go sweepExpiredProposals(sweepCtx, gov)

	go func() {
		logger.Log.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Log.Info("shutting down server...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error("graceful shutdown failed", zap.Error(err))
	}

	sqlDB, err := store.DB.DB()
	if err != nil {
		logger.Log.Error("db close skipped, reason:", zap.Error(err))
	} else {
		sqlDB.Close()
		logger.Log.Info("db closed")
	}

	logger.Log.Info("server stopped")
}

// sweepExpiredProposals periodically materializes the expired status on
// pending proposals past their voting deadline. Voting rejects them lazily
// either way; the sweep keeps the stored state honest for audits.
func sweepExpiredProposals(ctx context.Context, gov *governance.Service) {
	interval := time.Duration(configs.AppConfig.Governance.SweepIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := gov.ExpireStale(ctx, time.Now())
			if err != nil {
				logger.Log.Error("expiry sweep failed", zap.Error(err))
				continue
			}
			if len(expired) > 0 {
				logger.Log.Info("expired stale proposals", zap.Int("count", len(expired)))
			}
		}
	}
}
