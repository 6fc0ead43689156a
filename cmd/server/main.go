package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"coinbank/internal/config"
	"coinbank/internal/database"
	"coinbank/internal/ledger"
	"coinbank/internal/logger"
	"coinbank/internal/quotes"
	"coinbank/internal/server"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(&cfg)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Initialize market data client
	quoteClient := quotes.NewClient(&cfg.Quotes, log)
	if err := quoteClient.Ping(context.Background()); err != nil {
		log.Fatal("Failed to connect to price feed", zap.Error(err))
	}
	log.Info("Successfully connected to price feed.")

	// Wire the trading ledger
	store := ledger.NewGormStore(db, log)
	tracker := ledger.NewPositionTracker(store)
	engine := ledger.NewTradeEngine(log, store, tracker)

	// Setup HTTP server
	handler := server.NewHandler(log, engine, store, quoteClient,
		decimal.NewFromFloat(cfg.Ledger.InitialBalance))
	srv := server.New(cfg.Server.Port, handler, log)
	srv.Start()

	// Wait for shutdown signal
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
	<-sigchan
	log.Info("Shutdown signal received, gracefully shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		log.Error("Failed to stop server cleanly", zap.Error(err))
	}

	log.Info("Server has been shut down.")
}
