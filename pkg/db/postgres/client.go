package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/otterfi/otter-point/pkg/retry"
	"github.com/otterfi/otter-point/pkg/utils"
)

const defaultURL = "postgres://localhost:5432/postgres"

// Executor is the query surface shared by *pgxpool.Pool and pgx.Tx.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Client is a pgx pool whose helpers transparently join a transaction carried in the context.
type Client struct {
	Logger *zap.Logger
	Pool   *pgxpool.Pool
}

// PoolConfig sizes the pool of one binary.
type PoolConfig struct {
	Component       string
	MinConns        int32
	MaxConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// New connects to POSTGRES_URL and pings it, backing off for up to two minutes while the server starts.
// A malformed URL fails immediately.
func New(ctx context.Context, logger *zap.Logger, poolConfig *PoolConfig) (Client, error) {
	if poolConfig == nil {
		poolConfig = GetPoolConfigForComponent("")
	}

	config, err := pgxpool.ParseConfig(utils.Env("POSTGRES_URL", defaultURL))
	if err != nil {
		return Client{}, fmt.Errorf("parse POSTGRES_URL: %w", err)
	}
	config.MinConns = poolConfig.MinConns
	config.MaxConns = poolConfig.MaxConns
	config.MaxConnLifetime = poolConfig.ConnMaxLifetime
	config.MaxConnIdleTime = poolConfig.ConnMaxIdleTime

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	var pool *pgxpool.Pool
	err = retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "postgresConnect", func() error {
		p, err := connect(connCtx, config)
		if err != nil {
			return err
		}
		pool = p
		return nil
	})
	if err != nil {
		return Client{}, err
	}

	logger.Info("postgres pool ready",
		zap.String("component", poolConfig.Component),
		zap.String("host", config.ConnConfig.Host),
		zap.String("database", config.ConnConfig.Database),
		zap.Int32("minConns", poolConfig.MinConns),
		zap.Int32("maxConns", poolConfig.MaxConns))

	return NewFromPool(logger, pool), nil
}

func connect(ctx context.Context, config *pgxpool.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

// NewFromPool wraps an already open pool.
func NewFromPool(logger *zap.Logger, pool *pgxpool.Pool) Client {
	return Client{Logger: logger, Pool: pool}
}

func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.GetExecutor(ctx).Exec(ctx, query, args...)
	return err
}

func (c *Client) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return c.GetExecutor(ctx).QueryRow(ctx, query, args...)
}

// Query runs a multi-row query. The caller closes the rows.
func (c *Client) Query(ctx context.Context, query string, args ...any) (pgx.Rows, error) {
	return c.GetExecutor(ctx).Query(ctx, query, args...)
}

// BeginFunc runs fn in a transaction that commits when fn returns nil and rolls back otherwise.
// The context passed to fn carries the transaction, so Client helpers called with it join in.
func (c *Client) BeginFunc(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, c.Pool, func(tx pgx.Tx) error {
		return fn(c.WithTx(ctx, tx), tx)
	})
}

func (c *Client) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}

type txKey struct{}

func (c *Client) WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetExecutor returns the transaction stored in ctx, or the pool when there is none.
func (c *Client) GetExecutor(ctx context.Context) Executor {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return c.Pool
}

func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsUniqueViolation reports a duplicate key error (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetPoolConfigForComponent sizes the pool for a binary. The indexer holds one connection per vault
// worker plus the scheduler and the readiness check.
func GetPoolConfigForComponent(component string) *PoolConfig {
	cfg := &PoolConfig{
		Component:       component,
		MinConns:        1,
		MaxConns:        10,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	switch component {
	case "indexer":
		cfg.MaxConns = int32(utils.EnvInt("VAULT_CONCURRENCY", 4)) + 2
	case "api":
		cfg.MinConns = 2
		cfg.MaxConns = 20
	}
	return cfg
}
