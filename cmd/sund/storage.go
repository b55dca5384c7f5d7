package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/common/config"
	"github.com/solarbus/solarbus/internal/common/database"
	"github.com/solarbus/solarbus/internal/common/logger"
	"github.com/solarbus/solarbus/internal/store"
)

// provideStore opens the durable store selected by store.driver. The store
// is the durability floor for everything else, so any failure here aborts
// startup.
func provideStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, error) {
	opts := store.Options{MaxPayloadBytes: cfg.Store.MaxEnvelopeBytes}

	switch cfg.Store.Driver {
	case "memory":
		log.Warn("Using in-memory store; envelopes will not survive a restart")
		return store.NewMemoryStore(opts), nil

	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.Store.SQLitePath, opts)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		log.Info("SQLite store opened", zap.String("path", cfg.Store.SQLitePath))
		return st, nil

	case "postgres":
		db, err := database.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		st, err := store.NewPostgresStore(ctx, db, opts)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing postgres store: %w", err)
		}
		log.Info("Postgres store opened",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.DBName))
		return st, nil

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
