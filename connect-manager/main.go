// Package main implements the VettID Connect Manager, the user-side
// daemon that establishes, supervises, and terminates connections
// between a user's vault and service vaults.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/vettid-dev/connect/connect-manager/storage"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/vettid/connect.yaml", "Path to configuration file")
	natsURL := flag.String("nats-url", "", "NATS server URL (overrides config)")
	dbPath := flag.String("db", "", "Connection database path (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Msg("VettID Connect Manager starting")

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if *dbPath != "" {
		cfg.Storage.Path = *dbPath
	}
	if cfg.UserGUID == "" {
		log.Fatal().Msg("user_guid is required in configuration")
	}

	dek, err := loadDEK(cfg.Storage.KeyFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load storage key")
	}

	store, err := storage.New(cfg.UserGUID, cfg.Storage.Path, dek, cfg.Storage.CacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open connection store")
	}
	defer store.Close()

	transport, err := NewNATSTransport(cfg.NATS, cfg.UserGUID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer transport.Close()

	auth, err := buildAuthenticator(cfg.Auth)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure step-up authentication")
	}

	conns := NewConnectionStore(store, transport, transport)
	ledger := NewAuditLedger(store)
	caps := NewCapabilityManager(store, ledger, auth)
	negotiator := NewContractNegotiator()
	revoker := NewRevocationCoordinator(store, conns, caps, ledger, transport, auth)
	updates := NewContractUpdateManager(cfg.UserGUID, store, conns, negotiator, caps, ledger, revoker, auth)

	profile := NewRemoteProfile(transport)
	resolver := NewDiscoveryResolver(transport, profile)
	signer := NewConnectionSigner(cfg.UserGUID, resolver, negotiator, transport, auth, nil, store, conns, caps, ledger)
	control := NewControlServer(transport, signer, conns, caps, ledger, updates, revoker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controlSub, err := control.Start(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start control surface")
	}
	defer controlSub.Unsubscribe()

	sub, err := transport.SubscribeContractUpdates(func(notice *ContractUpdateNotice) {
		if _, err := updates.Intake(ctx, notice.ConnectionID, notice.NewContract, notice.Reason, notice.RequiredBy); err != nil {
			log.Warn().Err(err).
				Str("connection_id", notice.ConnectionID).
				Int("version", notice.NewContract.Version).
				Msg("Contract update rejected at intake")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to contract updates")
	}
	defer sub.Unsubscribe()

	if records, stale, err := conns.Reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("Initial reconcile failed")
	} else {
		log.Info().Int("connections", len(records)).Bool("stale", stale).Msg("Connections reconciled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	cancel()

	log.Info().Msg("Connect manager shutdown complete")
}

// loadDEK reads the 32-byte data encryption key
func loadDEK(path string) ([]byte, error) {
	dek, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(dek) != 32 {
		return nil, fmt.Errorf("key file must contain exactly 32 bytes, got %d", len(dek))
	}
	return dek, nil
}

// buildAuthenticator wires the passcode fallback from stored hash
// material. The file holds the 16-byte salt followed by the 32-byte
// Argon2id hash.
func buildAuthenticator(cfg AuthConfig) (StepUpAuthenticator, error) {
	if cfg.PasscodeHashFile == "" {
		return nil, fmt.Errorf("auth.passcode_hash_file is not configured")
	}
	data, err := os.ReadFile(cfg.PasscodeHashFile)
	if err != nil {
		return nil, err
	}
	if len(data) != 48 {
		return nil, fmt.Errorf("passcode hash file must contain 48 bytes, got %d", len(data))
	}
	return NewPasscodeAuthenticator(data[16:], data[:16], promptPasscode), nil
}

// promptPasscode reads a passcode from the terminal
func promptPasscode(ctx context.Context, reason string) (string, error) {
	fmt.Fprintf(os.Stderr, "%s\nPasscode: ", reason)
	var passcode string
	if _, err := fmt.Fscanln(os.Stdin, &passcode); err != nil {
		return "", err
	}
	return passcode, nil
}
