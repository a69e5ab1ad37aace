package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/ssd-technologies/vaultrelay/internal/access"
	"github.com/ssd-technologies/vaultrelay/internal/bot"
	"github.com/ssd-technologies/vaultrelay/internal/broadcast"
	"github.com/ssd-technologies/vaultrelay/internal/config"
	"github.com/ssd-technologies/vaultrelay/internal/events"
	"github.com/ssd-technologies/vaultrelay/internal/platform/telegram"
	"github.com/ssd-technologies/vaultrelay/internal/ratelimit"
	"github.com/ssd-technologies/vaultrelay/internal/server"
	"github.com/ssd-technologies/vaultrelay/internal/storage"
	"github.com/ssd-technologies/vaultrelay/internal/vault"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var envFile, dataDir string

	flagSet := pflag.NewFlagSet("vaultrelay", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "file to seed environment variables from")
	flagSet.StringVar(&dataDir, "data-dir", "", "data directory (overrides VAULT_DATA_DIR)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	logger, logCloser, err := config.SetupLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewDB(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	client, err := telegram.New(telegram.Options{
		Token:  cfg.BotToken,
		Proxy:  cfg.Proxy,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	handle := cfg.BotUsername
	if handle == "" || handle == "Bot" {
		handle = client.Username()
	}

	hub := events.NewHub()
	files := vault.New(db, handle, logger)
	users := access.New(db, logger)

	throttle := ratelimit.New(cfg.RateLimitInterval, cfg.RateLimitMaxSender)
	dispatcher := broadcast.New(users, cfg.BroadcastInterval, hub, logger)

	app := bot.New(bot.Deps{
		Vault:       files,
		Tracker:     users,
		Throttle:    throttle,
		Broadcaster: dispatcher,
		Sender:      client,
		Events:      hub,
		AdminID:     cfg.AdminID,
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var ops *http.Server
	if cfg.OpsAddr != "" {
		srv := server.New(server.Deps{
			Stats:     files,
			DB:        db,
			Hub:       hub,
			Broadcast: dispatcher,
			Throttle:  throttle,
			Logger:    logger,
		})
		srv.StartWorkers(ctx, cfg.CheckpointInterval)
		ops = &http.Server{
			Addr:              cfg.OpsAddr,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("ops server", "error", err)
			}
		}()
		logger.Info("ops server listening", "addr", cfg.OpsAddr)
	}

	logger.Info("bot running", "handle", handle, "admin_id", cfg.AdminID)
	serveErr := app.Serve(ctx, client, int64(cfg.HandlerConcurrency))
	logger.Info("shutting down")

	if ops != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := ops.Shutdown(shutdownCtx); err != nil {
			logger.Warn("ops server shutdown", "error", err)
		}
	}
	if err := db.Checkpoint(context.Background()); err != nil {
		logger.Warn("final checkpoint", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		logger.Error("serve", "error", serveErr)
		return serveErr
	}
	return nil
}
