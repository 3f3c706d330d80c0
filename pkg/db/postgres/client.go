package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/curtailx/curtailx/pkg/faults"
	"github.com/curtailx/curtailx/pkg/retry"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Executor is an interface that both *pgxpool.Pool and pgx.Tx implement.
// This allows methods to work with either a connection pool or a transaction.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Client wraps a PostgreSQL connection pool and provides helper methods
type Client struct {
	Logger *zap.Logger
	Pool   *pgxpool.Pool
}

// PoolConfig defines connection pool settings
type PoolConfig struct {
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig keeps the pool small: reconciliation runs a handful of workers.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MinConns:        1,
		MaxConns:        10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}
}

// New connects to dbURL, retrying with the store connectivity policy until the pool answers a ping.
func New(ctx context.Context, logger *zap.Logger, dbURL string, poolConf PoolConfig) (*Client, error) {
	// Add timeout to context for initial connection
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, faults.InvalidParameter("postgres_config", "failed to parse database url: %v", err)
	}

	config.MinConns = poolConf.MinConns
	config.MaxConns = poolConf.MaxConns
	config.MaxConnLifetime = poolConf.ConnMaxLifetime
	config.MaxConnIdleTime = poolConf.ConnMaxIdleTime

	client := &Client{Logger: logger}
	retryErr := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "postgres_connection", func() error {
		pool, openErr := pgxpool.NewWithConfig(connCtx, config)
		if openErr != nil {
			return faults.TransientStore("postgres_connect", openErr)
		}

		if pingErr := pool.Ping(connCtx); pingErr != nil {
			pool.Close()
			return faults.TransientStore("postgres_ping", pingErr)
		}
		client.Pool = pool

		logger.Info("PostgreSQL connection pool configured",
			zap.String("database", config.ConnConfig.Database),
			zap.Int32("min_conns", poolConf.MinConns),
			zap.Int32("max_conns", poolConf.MaxConns),
			zap.Duration("conn_max_lifetime", poolConf.ConnMaxLifetime),
			zap.Duration("conn_max_idle_time", poolConf.ConnMaxIdleTime),
		)
		return nil
	})
	if retryErr != nil {
		return nil, retryErr
	}

	return client, nil
}

// Ping checks connectivity; failures are classified as transient store errors.
func (c *Client) Ping(ctx context.Context) error {
	return Classify("ping", c.Pool.Ping(ctx))
}

// BeginFunc executes a function within a transaction
// If the function returns an error, the transaction is rolled back
// Otherwise, the transaction is committed
func (c *Client) BeginFunc(ctx context.Context, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, c.Pool, fn)
}

// Close closes the connection pool
func (c *Client) Close() {
	c.Pool.Close()
}

// ctxKey is the type used for context keys to avoid collisions
type ctxKey string

// txKey is the context key for storing the transaction
const txKey ctxKey = "pgx_tx"

// WithTx returns a new context with the transaction embedded
// This allows methods to automatically use the transaction when present
func (c *Client) WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// HasTx reports whether ctx already carries a transaction.
func (c *Client) HasTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey).(pgx.Tx)
	return ok
}

// GetExecutor returns an Executor from the context
// If a transaction is present in the context, it returns the transaction
// Otherwise, it returns the connection pool for non-transactional operations
func (c *Client) GetExecutor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey).(pgx.Tx); ok {
		return tx
	}
	return c.Pool
}

// Exec runs a statement on the context executor
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.GetExecutor(ctx).Exec(ctx, query, args...)
	return err
}

// ExecRows runs a statement and returns the affected row count
func (c *Client) ExecRows(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.GetExecutor(ctx).Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Query runs a query on the context executor
func (c *Client) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return c.GetExecutor(ctx).Query(ctx, query, args...)
}

// QueryRow runs a single-row query on the context executor
func (c *Client) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return c.GetExecutor(ctx).QueryRow(ctx, query, args...)
}

// SendBatch sends a batch on the context executor and drains every result
func (c *Client) SendBatch(ctx context.Context, batch *pgx.Batch) error {
	results := c.GetExecutor(ctx).SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return results.Close()
}

// IsNoRows checks if the error is a "no rows" error
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// Classify tags connectivity failures as transient so callers retry them. Other errors are
// wrapped with op and returned unchanged in kind.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	var connectErr *pgconn.ConnectError
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &connectErr), errors.As(err, &netErr), pgconn.Timeout(err), pgconn.SafeToRetry(err):
		return faults.TransientStore(op, err)
	case errors.As(err, &pgErr) && isTransientSQLState(pgErr.Code):
		return faults.TransientStore(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isTransientSQLState covers connection exceptions (08), insufficient resources (53),
// operator intervention (57P) and serialization/deadlock failures.
func isTransientSQLState(code string) bool {
	if len(code) < 2 {
		return false
	}
	switch code[:2] {
	case "08", "53":
		return true
	}
	switch code {
	case "40001", "40P01", "57P01", "57P02", "57P03":
		return true
	}
	return false
}
