// Package chclient wraps the SQL-over-HTTP client to the column store
// (spec.md §6, "Target protocol") behind the same retryable-transaction
// shape pkg/dbconn gives source connections, so the applier and
// snapshotter share one error-classification and retry policy across
// both sides of the pipeline.
package chclient

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/mysql2ch/replicator/pkg/config"
)

// Client is a pooled connection to the target, opened over the HTTP
// transport so the design's "SQL-over-HTTP client" contract holds even
// when the native protocol would otherwise be faster.
type Client struct {
	db       *sql.DB
	cfg      config.ClickHouseConfig
	maxRetry int
}

// New opens a pooled HTTP connection to the target and pings it.
func New(ctx context.Context, cfg config.ClickHouseConfig) (*Client, error) {
	opts := &clickhouse.Options{
		Addr:     []string{cfg.Addr()},
		Protocol: clickhouse.HTTP,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
		ReadTimeout: cfg.ReadTimeout,
		Settings: clickhouse.Settings{
			"max_execution_time": int(cfg.ReadTimeout.Seconds()),
		},
	}
	if strings.ToUpper(cfg.TLSMode) != "" && strings.ToUpper(cfg.TLSMode) != "DISABLED" {
		opts.TLS = &tls.Config{InsecureSkipVerify: strings.ToUpper(cfg.TLSMode) == "PREFERRED"}
	}

	db := clickhouse.OpenDB(opts)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping target: %w", err)
	}
	return &Client{db: db, cfg: cfg, maxRetry: 5}, nil
}

// DB returns the underlying pool, for components (e.g. the snapshotter's
// parallel shard writers) that need direct access to BeginTx/QueryContext.
func (c *Client) DB() *sql.DB { return c.db }

// Close closes the underlying pool.
func (c *Client) Close() error { return c.db.Close() }

// canRetryError classifies ClickHouse-side failures the way
// dbconn.canRetryError classifies MySQL error numbers: connection resets,
// timeouts, and the exceptions ClickHouse raises for transient memory or
// concurrent-query pressure are retryable; syntax and type errors are not.
func canRetryError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var chErr *clickhouse.Exception
	if errors.As(err, &chErr) {
		switch chErr.Code {
		case 159, // TIMEOUT_EXCEEDED
			160, // TOO_SLOW
			164, // READONLY
			202, // TOO_MANY_SIMULTANEOUS_QUERIES
			209, // SOCKET_TIMEOUT
			210, // NETWORK_ERROR
			241: // MEMORY_LIMIT_EXCEEDED
			return true
		}
	}
	return false
}

// Exec runs query with retry on transient failure. Used for DDL and for
// the applier's batch flush statements (INSERT/ALTER/RENAME/DROP).
func (c *Client) Exec(ctx context.Context, query string, args ...any) error {
	var err error
	for i := 0; i < c.maxRetry; i++ {
		if _, err = c.db.ExecContext(ctx, query, args...); err == nil {
			return nil
		}
		if !canRetryError(err) {
			return fmt.Errorf("exec against target failed: %w", err)
		}
		backoff(i)
	}
	return fmt.Errorf("exec against target failed after %d attempts: %w", c.maxRetry, err)
}

// ExecBatch runs multiple statements in sequence, stopping at the first
// non-retryable error. ClickHouse has no multi-statement transactions, so
// unlike dbconn.RetryableTransaction this does not roll back prior
// statements in the batch; the applier relies on merge-on-primary-key
// idempotency to make a partially-applied batch safe to redeliver (spec.md
// §3 "At-least-once delivery").
func (c *Client) ExecBatch(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		if stmt == "" {
			continue
		}
		if err := c.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Query runs a read query against the target (used by the control
// surface's health checks and the consistency-checksum tooling).
func (c *Client) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	var err error
	for i := 0; i < c.maxRetry; i++ {
		rows, err = c.db.QueryContext(ctx, query, args...)
		if err == nil {
			return rows, nil
		}
		if !canRetryError(err) {
			return nil, fmt.Errorf("query against target failed: %w", err)
		}
		backoff(i)
	}
	return nil, fmt.Errorf("query against target failed after %d attempts: %w", c.maxRetry, err)
}

func backoff(i int) {
	randFactor := i * rand.Intn(10) * int(time.Millisecond)
	time.Sleep(time.Duration(randFactor))
}
