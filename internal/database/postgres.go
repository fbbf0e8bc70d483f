package database

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/devicecloud/quotad/internal/config"
)

// NewPostgresPool opens and pings the quota database pool.
//
// Sessions carry idle_in_transaction_session_timeout at twice txTimeout: a
// client that stalls mid-transaction is disconnected by the server, so the
// quota row lock it holds cannot starve other writers.
func NewPostgresPool(ctx context.Context, cfg config.DBConfig, txTimeout time.Duration) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing postgres config: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second

	params := poolCfg.ConnConfig.RuntimeParams
	params["application_name"] = "quotad"
	if txTimeout > 0 {
		params["idle_in_transaction_session_timeout"] = strconv.FormatInt((2 * txTimeout).Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	slog.Info("database: connected", "host", cfg.Host, "db", cfg.Name, "max_conns", cfg.MaxConns, "tx_timeout", txTimeout)
	return pool, nil
}

// HealthCheck reports the database ready once the quota table is reachable,
// which also catches a database that was never migrated.
func HealthCheck(ctx context.Context, pool *pgxpool.Pool) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := pool.Exec(ctx, "SELECT 1 FROM quotas LIMIT 0"); err != nil {
		return fmt.Errorf("database: quotas table unreachable: %w", err)
	}
	return nil
}
