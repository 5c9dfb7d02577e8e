// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

// Command holdfast-engine runs the task accountability engine: the
// task state machine, the deadline sweeper, and the real-time
// presence hub, over a SQLite store with an encrypted penalty vault.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/holdfast-systems/holdfast/engine"
	"github.com/holdfast-systems/holdfast/hub"
	"github.com/holdfast-systems/holdfast/lib/clock"
	"github.com/holdfast-systems/holdfast/lib/config"
	"github.com/holdfast-systems/holdfast/lib/identity"
	"github.com/holdfast-systems/holdfast/lib/notify"
	"github.com/holdfast-systems/holdfast/lib/objectstore"
	"github.com/holdfast-systems/holdfast/lib/secret"
	"github.com/holdfast-systems/holdfast/lib/sqlitepool"
	"github.com/holdfast-systems/holdfast/lib/store"
	"github.com/holdfast-systems/holdfast/lib/vault"
	"github.com/holdfast-systems/holdfast/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    string
		stateDir      string
		listen        string
		sweepInterval time.Duration
		mintSubject   string
		showVersion   bool
	)

	pflag.StringVar(&configPath, "config", "", "config file path (default: $HOLDFAST_CONFIG)")
	pflag.StringVar(&stateDir, "state-dir", "", "override the configured state directory")
	pflag.StringVar(&listen, "listen", "", "override the hub listen address")
	pflag.DurationVar(&sweepInterval, "sweep-interval", 0, "override the deadline sweep interval")
	pflag.StringVar(&mintSubject, "mint-token", "", "mint an identity token for the given user ID and exit")
	pflag.BoolVar(&showVersion, "version", false, "print version information and exit")
	pflag.Parse()

	if showVersion {
		fmt.Printf("holdfast-engine %s\n", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if stateDir != "" {
		cfg.Paths.State = stateDir
	}
	if listen != "" {
		cfg.Hub.Listen = listen
	}
	if sweepInterval != 0 {
		cfg.Sweep.Interval = config.Duration(sweepInterval)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// The signing keypair and the token minting mode need no other
	// collaborators; handle minting before the heavier startup.
	signPublic, signPrivate, generated, err := identity.LoadOrGenerateKeypair(cfg.Paths.State)
	if err != nil {
		return fmt.Errorf("loading hub signing keypair: %w", err)
	}
	if generated {
		logger.Info("generated hub signing keypair", "state_dir", cfg.Paths.State)
	}
	if mintSubject != "" {
		return mintToken(signPrivate, mintSubject, cfg.Hub.TokenTTL.Std())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      cfg.Database.Path,
		PoolSize:  cfg.Database.PoolSize,
		Logger:    logger,
		OnConnect: store.Schema,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer pool.Close()

	st := store.New(pool)

	// The vault key and the URL-signing secret are load-at-startup:
	// a missing key fails here, never mid-operation.
	ageIdentity, err := vault.LoadOrGenerateIdentity(cfg.Paths.State)
	if err != nil {
		return fmt.Errorf("loading penalty vault key: %w", err)
	}
	penaltyVault, err := vault.New(ageIdentity, st, clk, logger)
	if err != nil {
		return fmt.Errorf("building penalty vault: %w", err)
	}

	signingSecret, err := loadOrGenerateSecret(cfg.ObjectStore.SecretFile, logger)
	if err != nil {
		return fmt.Errorf("loading object store secret: %w", err)
	}
	defer signingSecret.Close()

	issuer, err := objectstore.NewSignedURLIssuer(cfg.ObjectStore.BaseURL, signingSecret.Bytes(), clk)
	if err != nil {
		return fmt.Errorf("building URL issuer: %w", err)
	}

	templates := notify.DefaultTemplates()
	if cfg.Paths.Templates != "" {
		templates, err = notify.LoadTemplates(cfg.Paths.Templates)
		if err != nil {
			return fmt.Errorf("loading notification templates: %w", err)
		}
	}

	connectionHub := hub.New(hub.Params{
		VerifyKey:   signPublic,
		Store:       st,
		Clock:       clk,
		Logger:      logger,
		AuthTimeout: cfg.Hub.AuthTimeout.Std(),
		SendBuffer:  cfg.Hub.SendBuffer,
	})

	taskEngine := engine.New(engine.Params{
		Store:       st,
		Vault:       penaltyVault,
		Sink:        connectionHub,
		Notifier:    notify.NewLogNotifier(logger),
		Templates:   templates,
		Objects:     issuer,
		Clock:       clk,
		Logger:      logger,
		DownloadTTL: cfg.ObjectStore.DownloadTTL.Std(),
	})

	go runSweeper(ctx, taskEngine, clk, cfg.Sweep.Interval.Std(), logger)

	listener, err := net.Listen("tcp", cfg.Hub.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Hub.Listen, err)
	}

	logger.Info("holdfast engine started",
		"version", version.Short(),
		"environment", string(cfg.Environment),
		"listen", cfg.Hub.Listen,
		"database", cfg.Database.Path,
		"sweep_interval", cfg.Sweep.Interval.String())

	return connectionHub.Serve(ctx, listener, taskEngine)
}

// loadConfig resolves the config source: the --config flag when set,
// otherwise the HOLDFAST_CONFIG environment variable.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// runSweeper drives the deadline sweep on a fixed interval until the
// context ends. Sweep failures are logged and the ticker keeps going.
func runSweeper(ctx context.Context, taskEngine *engine.Engine, clk clock.Clock, interval time.Duration, logger *slog.Logger) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := taskEngine.Sweep(ctx); err != nil {
				logger.Error("deadline sweep failed", "error", err)
			}
		}
	}
}

// mintToken prints a base64 identity token for the subject. Clients
// present this as the AUTH frame on the hub connection.
func mintToken(private []byte, subject string, ttl time.Duration) error {
	now := time.Now()
	tokenID := make([]byte, 16)
	if _, err := rand.Read(tokenID); err != nil {
		return fmt.Errorf("generating token id: %w", err)
	}
	raw, err := identity.Mint(private, &identity.Token{
		Subject:   subject,
		ID:        hex.EncodeToString(tokenID),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}
	fmt.Println(base64.StdEncoding.EncodeToString(raw))
	return nil
}

// loadOrGenerateSecret reads the URL-signing master secret into
// locked memory, creating it with fresh random bytes on first run.
func loadOrGenerateSecret(path string, logger *slog.Logger) (*secret.Buffer, error) {
	buffer, err := secret.ReadFromPath(path)
	if err == nil {
		return buffer, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	encoded := hex.EncodeToString(raw)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}
	if _, err := file.WriteString(encoded + "\n"); err != nil {
		file.Close()
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("closing %s: %w", path, err)
	}

	logger.Info("generated object store signing secret", "path", path)
	return secret.ReadFromPath(path)
}
