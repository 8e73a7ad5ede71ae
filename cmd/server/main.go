package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/vaultik/backend/internal/api"
	"github.com/vaultik/backend/internal/config"
	"github.com/vaultik/backend/internal/crypto"
	"github.com/vaultik/backend/internal/system"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	// .env is optional; environment wins when both are set.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env")
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			slog.Error("config load failed", "path", *configPath, "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if store := os.Getenv("TRUST_STORE"); store != "" {
		cfg.Trust.Store = store
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Trust.PostgresDSN = dsn
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Trust.RedisAddr = addr
	}

	var opts []system.Option
	if secret := os.Getenv("TOKEN_SECRET"); secret != "" {
		issuer, err := crypto.NewHMACTokenIssuer([]byte(secret), 15*time.Minute)
		if err != nil {
			slog.Error("token issuer setup failed", "err", err)
			os.Exit(1)
		}
		opts = append(opts, system.WithTokenIssuer(issuer))
	}

	sys, err := system.New(cfg, opts...)
	if err != nil {
		slog.Error("system construction failed", "err", err)
		os.Exit(1)
	}
	if err := sys.Initialize(context.Background()); err != nil {
		slog.Error("initialization failed", "err", err)
		os.Exit(1)
	}

	server := api.NewAPIServer(sys)
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Server.Port) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		slog.Error("api server failed", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	if err := sys.Shutdown(ctx); err != nil {
		slog.Error("shutdown failed", "err", err)
		os.Exit(1)
	}
}
