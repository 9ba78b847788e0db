// Command triarb runs the multi-hop conversion arbitrage engine. It loads
// configuration, validates it, sets up signal handling and starts the
// configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alanyoungcy/triarb/internal/app"
	"github.com/alanyoungcy/triarb/internal/config"
	"github.com/alanyoungcy/triarb/internal/crypto"
	"github.com/alanyoungcy/triarb/internal/domain"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	encryptOut := flag.String("encrypt-secret", "", "encrypt TRIARB_EXCHANGE_API_SECRET with TRIARB_EXCHANGE_SECRET_PASSWORD into this file and exit")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if *encryptOut != "" {
		if err := encryptSecret(*encryptOut); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "encrypted secret written to %s\n", *encryptOut)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("path", *configPath), slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("triarb starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("exited with error",
			slog.String("kind", domain.ErrorKind(err)),
			slog.String("error", err.Error()),
		)
		application.Close()
		os.Exit(1)
	}
	logger.Info("triarb stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func encryptSecret(path string) error {
	secret := os.Getenv("TRIARB_EXCHANGE_API_SECRET")
	password := os.Getenv("TRIARB_EXCHANGE_SECRET_PASSWORD")
	if secret == "" || password == "" {
		return errors.New("TRIARB_EXCHANGE_API_SECRET and TRIARB_EXCHANGE_SECRET_PASSWORD must be set")
	}
	blob, err := crypto.EncryptSecret(secret, password)
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}
