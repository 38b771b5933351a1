package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/certledger/internal/config"
	"github.com/jmerrifield20/certledger/internal/content"
	"github.com/jmerrifield20/certledger/internal/ledger"
)

// persistentStore is what every configured ledger backend provides.
type persistentStore interface {
	ledger.Store
	ledger.HaltRegistry
	ledger.CheckpointStore
	ledger.ScopeLister
}

// backend bundles the storage handles selected by store.driver.
type backend struct {
	store   persistentStore
	content content.Store
	close   func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		return &backend{
			store:   ledger.NewPostgresStore(pool, logger),
			content: content.NewPostgresStore(pool),
			close:   pool.Close,
		}, nil

	case config.DriverSQLite:
		s, err := ledger.OpenSQLiteStore(cfg.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		docs, err := content.NewSQLiteStore(ctx, s.DB())
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		logger.Info("opened sqlite ledger", zap.String("path", cfg.SQLitePath))
		return &backend{
			store:   s,
			content: docs,
			close:   func() { _ = s.Close() },
		}, nil

	default:
		logger.Warn("using in-memory store, entries are lost on restart")
		return &backend{
			store:   ledger.NewMemoryStore(),
			content: content.NewMemoryStore(),
			close:   func() {},
		}, nil
	}
}

// checkpointAll publishes a checkpoint for every scope with entries. Scopes
// whose chain fails verification are logged and skipped.
func checkpointAll(ctx context.Context, prover *ledger.Prover, scopes ledger.ScopeLister, logger *zap.Logger) (published, failed int, err error) {
	list, err := scopes.ListScopes(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list scopes: %w", err)
	}
	for _, scope := range list {
		if ctx.Err() != nil {
			return published, failed, ctx.Err()
		}
		cp, report, err := prover.PublishCheckpoint(ctx, scope)
		switch {
		case err != nil:
			failed++
			logger.Warn("checkpoint failed", zap.String("scope", scope), zap.Error(err))
		case cp == nil:
			failed++
			logger.Error("checkpoint refused, chain failed verification",
				zap.String("scope", scope),
				zap.String("statement", report.Statement()),
				zap.Bool("security_event", true),
			)
		default:
			published++
		}
	}
	return published, failed, nil
}
