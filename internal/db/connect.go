package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fema-etl/internal/config"
	"github.com/sells-group/fema-etl/internal/resilience"
)

// Connect opens a pool and pings it, retrying with cfg.ConnectRetry() while
// the server is unreachable. The DSN is parsed once, outside the retry.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, eris.Wrap(err, "db: parse config")
	}

	// Runs are sequential; a handful of connections covers the status server too.
	pgxCfg.MaxConns = 4
	pgxCfg.MinConns = 1
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := resilience.DoVal(ctx, cfg.ConnectRetry(), func(ctx context.Context) (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, pgxCfg.Copy())
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "db: connect to %s/%s", pgxCfg.ConnConfig.Host, pgxCfg.ConnConfig.Database)
	}

	zap.L().Info("connected to database",
		zap.String("host", pgxCfg.ConnConfig.Host),
		zap.String("database", pgxCfg.ConnConfig.Database),
	)
	return pool, nil
}
