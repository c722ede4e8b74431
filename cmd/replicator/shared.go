package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mysql2ch/replicator/pkg/config"
	"github.com/mysql2ch/replicator/pkg/dbconn"
)

const shutdownTimeout = 30 * time.Second

// openSource opens the MySQL-family source connection, using the same
// DSN shape and DBConfig machinery migration.Runner uses for its own
// source connection.
func openSource(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/information_schema", cfg.Source.User, cfg.Source.Password, cfg.Source.Addr())

	dbCfg := dbconn.NewDBConfig()
	dbCfg.TLSMode = cfg.Source.TLSMode
	dbCfg.TLSCertificatePath = cfg.Source.TLSCertificatePath
	if dbCfg.TLSMode == "" {
		dbCfg.TLSMode = "PREFERRED"
	}

	db, err := dbconn.New(dsn, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to source: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping source: %w", err)
	}
	return db, nil
}
