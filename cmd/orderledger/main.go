package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/orderledger/internal/backup"
	"github.com/dukerupert/orderledger/internal/catalog"
	"github.com/dukerupert/orderledger/internal/config"
	"github.com/dukerupert/orderledger/internal/database"
	"github.com/dukerupert/orderledger/internal/logging"
	"github.com/dukerupert/orderledger/internal/server"
	"github.com/dukerupert/orderledger/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.RewardsCatalog != "" {
		inputs, err := catalog.LoadFile(cfg.RewardsCatalog)
		if err != nil {
			slog.Error("failed to load rewards catalog", "path", cfg.RewardsCatalog, "error", err)
			os.Exit(1)
		}
		res, err := catalog.Seed(context.Background(), store.NewRewardStore(db), inputs, logger.With("component", "catalog"))
		if err != nil {
			slog.Error("failed to seed rewards catalog", "error", err)
			os.Exit(1)
		}
		slog.Info("rewards catalog seeded", "created", res.Created, "updated", res.Updated)
	}

	if !cfg.Orders.Configured() {
		slog.Warn("order document bucket not configured, completions will use the fallback order")
	}

	srv := server.New(db, cfg, logger)

	backups := backup.NewManager(cfg.Backup, db, logger.With("component", "backup"))
	backups.Start(context.Background())
	defer backups.Stop()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background cleanup goroutine
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := srv.Gate().Sweep(); n > 0 {
					slog.Debug("swept completed checkouts", "count", n)
				}
				srv.RateLimiter().Cleanup()
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("orderledger starting", "addr", ":"+cfg.Port, "backup", backups.Status().State)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cleanupCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
