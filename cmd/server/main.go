// Command server runs the notary escrow listener and its operator API.
package main

import (
	"context"
	"os"

	"github.com/proofmint/notarylistener/internal/config"
	"github.com/proofmint/notarylistener/internal/logging"
	"github.com/proofmint/notarylistener/internal/server"
	"github.com/proofmint/notarylistener/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting notarylistener",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Re-create the logger with the configured level and format
	logger = logging.New(cfg.LogLevel, cfg.LogFormat)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"notary_contract", cfg.NotaryContract,
		"escrow_contract", cfg.EscrowContract,
		"registry_backend", cfg.RegistryBackend,
		"blockchain_enabled", cfg.BlockchainEnabled(),
	)

	traces.Version = Version

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
