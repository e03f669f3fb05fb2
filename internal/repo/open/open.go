// Package open picks a store adapter from configuration.
package open

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hamed0406/webguard/internal/config"
	"github.com/hamed0406/webguard/internal/repo"
	"github.com/hamed0406/webguard/internal/repo/memory"
	pg "github.com/hamed0406/webguard/internal/repo/postgres"
	"github.com/hamed0406/webguard/internal/repo/sqlite"
)

// Store opens the adapter named by cfg.Driver and applies migrations.
func Store(ctx context.Context, cfg config.DBCfg, log *zap.Logger) (repo.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		s, err := sqlite.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DSN, err)
		}
		return s, nil
	case "postgres":
		s, err := pg.New(ctx, pg.Config{DSN: cfg.DSN, MaxConns: cfg.MaxConns, QueryTimeout: cfg.QueryTimeout}, log)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown db driver %q", cfg.Driver)
}
