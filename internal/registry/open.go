package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/proofmint/notarylistener/internal/logging"
	"github.com/proofmint/notarylistener/internal/retry"
)

// Options selects and configures a Store.
type Options struct {
	Backend     string // file, memory, sqlite, postgres, redis
	Path        string // file and sqlite
	DatabaseURL string // postgres
	RedisURL    string // redis
	RedisKey    string

	// Retry bounds the connectivity check of network backends. Zero uses
	// retry.DefaultPolicy.
	Retry retry.Policy
}

// OpenStore builds the Store named by opts.Backend. Network backends are
// pinged until reachable or the retry policy gives up.
func OpenStore(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	logger = logging.Component(logger, "registry")

	policy := opts.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error) {
			logger.Warn("registry backend not reachable, retrying",
				"backend", opts.Backend, "attempt", attempt, "error", err)
		}
	}

	switch opts.Backend {
	case "", "file":
		return NewFileStore(opts.Path), nil

	case "memory":
		return NewMemoryStore(), nil

	case "sqlite":
		return OpenSQLite(ctx, opts.Path)

	case "postgres":
		db, err := sql.Open("postgres", opts.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(5)
		store := NewPostgresStore(db)
		if err := retry.Do(ctx, policy, store.Ping); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to ensure pending_escrows table: %w", err)
		}
		return store, nil

	case "redis":
		client, err := ConnectRedis(opts.RedisURL)
		if err != nil {
			return nil, err
		}
		store := NewRedisStore(client, opts.RedisKey)
		if err := retry.Do(ctx, policy, store.Ping); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown registry backend %q", opts.Backend)
	}
}

// Open builds the configured store and loads the registry from it.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Registry, error) {
	store, err := OpenStore(ctx, opts, logger)
	if err != nil {
		return nil, err
	}
	logging.Component(logger, "registry").Info("registry backend ready", "backend", opts.Backend)
	return New(ctx, store, logger), nil
}
