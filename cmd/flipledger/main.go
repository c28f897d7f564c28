package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/recomma/flipledger/cmd/flipledger/internal/config"
	rlog "github.com/recomma/flipledger/log"
)

func fatal(msg string, err error) {
	slog.Error(msg, slog.String("error", err.Error()))
	os.Exit(1)
}

func main() {
	cfg := config.DefaultConfig()
	fs := config.NewConfigFlagSet(&cfg)

	if err := fs.Parse(os.Args[1:]); err != nil {
		fatal("parsing flags failed", err)
	}

	if err := config.ApplyEnvDefaults(fs, &cfg); err != nil {
		fatal("invalid parameters", err)
	}

	if err := config.ValidateConfig(cfg); err != nil {
		fatal("invalid configuration", err)
	}

	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(cfg, config.GetLogHandler(cfg, os.Stderr))
	if err != nil {
		fatal("startup failed", err)
	}

	logger := app.logger
	slog.SetDefault(logger)
	log.SetOutput(slog.NewLogLogger(logger.Handler(), slog.LevelDebug).Writer())
	appCtx = rlog.ContextWithLogger(appCtx, logger)

	input, err := openInput(cfg.InputPath)
	if err != nil {
		fatal("opening input failed", err)
	}
	defer input.Close()

	logger.Info("service ready",
		slog.String("storage", cfg.StoragePath),
		slog.String("input", cfg.InputPath),
		slog.Int("workers", cfg.Workers),
	)

	runErr := app.Run(appCtx, input)

	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Close(closeCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	if runErr != nil {
		fatal("service stopped", runErr)
	}
	slog.Debug("drained; fully shutdown")
}
