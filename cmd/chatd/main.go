// Package main implements chatd, the per-user secure messaging daemon.
// It owns the local encrypted store and bridges it to the notify bus, the
// ciphertext blob store and the key directory.
//
// SECURITY: the bus, blob store and directory are UNTRUSTED.
// They only ever see ciphertext, routing pseudonyms and key shares.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/securechat/internal/config"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/securechat/chatd.yaml", "Path to configuration file")
	userID := flag.String("user-id", "", "Local user id (overrides config)")
	devMode := flag.Bool("dev-mode", false, "Run with in-process bus, blob store and directory")
	natsURL := flag.String("nats-url", "", "NATS server URL (overrides config)")
	s3Bucket := flag.String("s3-bucket", "", "S3 bucket for ciphertext blobs (overrides config)")
	redisAddr := flag.String("redis-addr", "", "Redis address for the key directory (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *userID != "" {
		cfg.UserID = *userID
	}
	if *devMode {
		cfg.DevMode = true
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if *s3Bucket != "" {
		cfg.S3.Bucket = *s3Bucket
	}
	if *redisAddr != "" {
		cfg.Redis.Addr = *redisAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", cfg.LogLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.With().Str("user_id", cfg.UserID).Logger()

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Bool("dev_mode", cfg.DevMode).
		Msg("chatd starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.SSM.Prefix != "" && !cfg.DevMode {
		client, err := config.NewSSMClient(ctx, cfg.SSM)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create SSM client")
		}
		if err := config.ApplySSM(ctx, client, cfg); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply SSM parameters")
		}
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	daemon, err := NewDaemon(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start chatd")
	}
	defer daemon.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	if err := daemon.Run(ctx); err != nil {
		daemon.Close()
		log.Fatal().Err(err).Msg("chatd error")
	}

	log.Info().Msg("chatd shutdown complete")
}
