package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/org/webguard/internal/api"
	"github.com/org/webguard/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type config struct {
	ListenAddr    string `yaml:"listen_addr"`
	TLSCertFile   string `yaml:"tls_cert"`
	TLSKeyFile    string `yaml:"tls_key"`
	DBUrl         string `yaml:"db_url"`
	APIToken      string `yaml:"api_token"`
	MFAPinHash    string `yaml:"mfa_pin_hash"`
	MigrationsDir string `yaml:"migrations_dir"`
	LogLevel      string `yaml:"log_level"`
}

func main() {
	// Configure zerolog
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	// Load config
	cfgFile := "config.yaml"
	if v := os.Getenv("WEBGUARD_CONFIG"); v != "" {
		cfgFile = v
	}

	cfg := config{
		ListenAddr:    ":8600",
		MigrationsDir: "migrations",
		LogLevel:      "info",
	}

	if data, err := os.ReadFile(cfgFile); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatal().Err(err).Msg("failed to parse config")
		}
	} else {
		log.Warn().Str("file", cfgFile).Msg("config file not found, using defaults")
	}

	// Env overrides
	if v := os.Getenv("WEBGUARD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DBUrl = v
	}
	if v := os.Getenv("WEBGUARD_API_TOKEN"); v != "" {
		cfg.APIToken = v
	}
	if v := os.Getenv("WEBGUARD_MFA_PIN_HASH"); v != "" {
		cfg.MFAPinHash = v
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DBUrl == "" {
		log.Fatal().Msg("db_url must be configured (or DATABASE_URL env var)")
	}
	if cfg.APIToken == "" {
		log.Fatal().Msg("api_token must be configured (or WEBGUARD_API_TOKEN env var)")
	}
	if cfg.MFAPinHash == "" {
		log.Warn().Msg("mfa_pin_hash not configured, admin MFA verification will always fail")
	}

	ctx := context.Background()

	// Connect to database
	store, err := storage.NewPostgresBackend(ctx, cfg.DBUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer store.Close()

	// Run migrations
	if err := storage.RunMigrations(cfg.DBUrl, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("migrations applied")

	// Create server
	srv := api.NewServer(store, api.Config{
		ListenAddr:    cfg.ListenAddr,
		TLSCertFile:   cfg.TLSCertFile,
		TLSKeyFile:    cfg.TLSKeyFile,
		DBUrl:         cfg.DBUrl,
		APIToken:      cfg.APIToken,
		MFAPinHash:    cfg.MFAPinHash,
		MigrationsDir: cfg.MigrationsDir,
	})

	// Restore persisted policy state
	if err := srv.Engine().Load(ctx, time.Now().UTC()); err != nil {
		log.Fatal().Err(err).Msg("failed to load policy state")
	}
	log.Info().Msg("policy state loaded")

	// Expired temp-allow grants are already ignored by every decision;
	// the janitor keeps the persisted settings from accreting stale entries.
	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-janitorCtx.Done():
				return
			case now := <-ticker.C:
				if n := srv.Engine().PruneTempAllow(janitorCtx, now.UTC()); n > 0 {
					log.Debug().Int("pruned", n).Msg("expired temp-allow grants removed")
				}
			}
		}
	}()

	// Handle graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	log.Info().Str("addr", cfg.ListenAddr).Msg("server started")
	<-quit

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
	log.Info().Msg("server stopped")
}
