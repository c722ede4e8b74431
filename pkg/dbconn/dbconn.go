// Package dbconn contains connection-pool and retryable-transaction helpers
// shared by every component that talks to a source MySQL-family database:
// the ingestor (C1), the snapshotter (C4), and the preflight checks.
package dbconn

import (
	"context"
	"database/sql"
	"math/rand"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/mysql2ch/replicator/pkg/utils"
)

const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errCannotConnect   = 2003
	errConnLost        = 2013
	errReadOnly        = 1290
	errQueryKilled     = 1836
)

// DBConfig carries the connection and session settings applied to every
// source-database connection this process opens.
type DBConfig struct {
	LockWaitTimeout          int
	InnodbLockWaitTimeout    int
	MaxRetries               int
	MaxOpenConnections       int
	RangeOptimizerMaxMemSize int64
	InterpolateParams        bool

	// TLSMode is one of DISABLED, PREFERRED, REQUIRED, VERIFY_CA,
	// VERIFY_IDENTITY. See conn.go for the semantics of each mode.
	TLSMode string
	// TLSCertificatePath, if set, is a PEM bundle used to validate the
	// source server's certificate in VERIFY_CA and VERIFY_IDENTITY modes,
	// where it is required. PREFERRED and REQUIRED do not verify the
	// certificate, so the bundle has no effect in those modes.
	TLSCertificatePath string
}

func NewDBConfig() *DBConfig {
	return &DBConfig{
		LockWaitTimeout:          30,
		InnodbLockWaitTimeout:    3,
		MaxRetries:               5,
		MaxOpenConnections:       8,
		RangeOptimizerMaxMemSize: 8388608,
		TLSMode:                  "PREFERRED",
	}
}

func standardizeTrx(ctx context.Context, trx *sql.Tx, config *DBConfig) error {
	_, err := trx.ExecContext(ctx, "SET time_zone='+00:00'")
	if err != nil {
		return err
	}
	_, err = trx.ExecContext(ctx, "SET sql_mode=''")
	if err != nil {
		return err
	}
	_, err = trx.ExecContext(ctx, "SET NAMES 'binary'")
	if err != nil {
		return err
	}
	_, err = trx.ExecContext(ctx, "SET innodb_lock_wait_timeout=?", config.InnodbLockWaitTimeout)
	if err != nil {
		return err
	}
	_, err = trx.ExecContext(ctx, "SET lock_wait_timeout=?", config.LockWaitTimeout)
	return err
}

// canRetryError looks at the MySQL error and decides if it is considered
// a permanent failure or not. A "retryable" error means rollback and start
// the transaction again; this is deliberately coarse since a statement
// could succeed and then deadlock on a later statement in the same batch.
func canRetryError(err error) bool {
	var errNumber uint16
	if val, ok := err.(*mysql.MySQLError); ok {
		errNumber = val.Number
	}
	switch errNumber {
	case errLockWaitTimeout, errDeadlock, errCannotConnect,
		errConnLost, errReadOnly, errQueryKilled:
		return true
	default:
		return false
	}
}

// RetryableTransaction runs stmts inside one transaction, retrying the
// whole transaction up to config.MaxRetries times on a retryable error.
// No other package in this module calls it; the applier and snapshotter
// write to the target through pkg/chclient.
func RetryableTransaction(ctx context.Context, db *sql.DB, config *DBConfig, stmts ...string) (int64, error) {
	var err error
	var trx *sql.Tx
	var rowsAffected int64
RETRYLOOP:
	for i := 0; i < config.MaxRetries; i++ {
		if trx, err = db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted}); err != nil {
			backoff(i)
			continue RETRYLOOP
		}
		if err = standardizeTrx(ctx, trx, config); err != nil {
			utils.ErrInErr(trx.Rollback())
			backoff(i)
			continue RETRYLOOP
		}
		for _, stmt := range stmts {
			if stmt == "" {
				continue
			}
			var res sql.Result
			if res, err = trx.ExecContext(ctx, stmt); err != nil {
				if canRetryError(err) {
					utils.ErrInErr(trx.Rollback())
					backoff(i)
					continue RETRYLOOP
				}
				utils.ErrInErr(trx.Rollback())
				return rowsAffected, err
			}
			count, err := res.RowsAffected()
			if err == nil {
				rowsAffected += count
			}
		}
		if err != nil {
			utils.ErrInErr(trx.Rollback())
			backoff(i)
			continue RETRYLOOP
		}
		if err = trx.Commit(); err != nil {
			utils.ErrInErr(trx.Rollback())
			backoff(i)
			continue RETRYLOOP
		}
		return rowsAffected, nil
	}
	return rowsAffected, err
}

// backoff sleeps a randomized, attempt-scaled interval before retrying.
func backoff(i int) {
	randFactor := i * rand.Intn(10) * int(time.Millisecond)
	time.Sleep(time.Duration(randFactor))
}

// DBExec is like db.Exec but applies the standard session settings first.
func DBExec(ctx context.Context, db *sql.DB, config *DBConfig, query string) error {
	trx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	if err := standardizeTrx(ctx, trx, config); err != nil {
		return err
	}
	if _, err := trx.ExecContext(ctx, query); err != nil {
		utils.ErrInErr(trx.Rollback())
		return err
	}
	return trx.Commit()
}

// BeginStandardTrx is like db.BeginTx but applies session settings first and
// returns the connection id, for a caller that needs to inspect its own
// session (e.g. SHOW PROCESSLIST) afterward. No other package in this
// module calls it.
func BeginStandardTrx(ctx context.Context, db *sql.DB, config *DBConfig) (*sql.Tx, int, error) {
	trx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, err
	}
	if err := standardizeTrx(ctx, trx, config); err != nil {
		return nil, 0, err
	}
	var connectionID int
	if err := trx.QueryRowContext(ctx, "SELECT CONNECTION_ID()").Scan(&connectionID); err != nil {
		return nil, 0, err
	}
	return trx, connectionID, nil
}
