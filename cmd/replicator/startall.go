package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mysql2ch/replicator/pkg/chclient"
	"github.com/mysql2ch/replicator/pkg/check"
	"github.com/mysql2ch/replicator/pkg/ddl"
	"github.com/mysql2ch/replicator/pkg/health"
	"github.com/mysql2ch/replicator/pkg/metrics"
	"github.com/mysql2ch/replicator/pkg/supervisor"
)

type startAllCmd struct {
	Config   string `required:"" help:"Path to the YAML config document."`
	ServerID uint32 `default:"1001" help:"MySQL replication server-id, unique among every replica/consumer attached to the source."`
}

func (c *startAllCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	logger := logrus.New()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	source, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer source.Close()

	if _, _, err := check.Version(ctx, source, logger); err != nil {
		return err
	}
	if err := check.Privileges(ctx, source, logger); err != nil {
		return err
	}

	target, err := chclient.New(ctx, cfg.Target)
	if err != nil {
		return fmt.Errorf("connect to target: %w", err)
	}
	defer target.Close()

	tr := ddl.NewTranslator(buildDDLConfig(cfg), logger)
	reg := metrics.NewDefault()
	sup := supervisor.New(cfg, source, target, tr, logger, reg, c.ServerID)

	srv := health.NewServer(cfg.HTTPHost, cfg.HTTPPort, sup, cfg.DataDir, logger)
	go func() {
		logger.Infof("health server listening on %s:%d", cfg.HTTPHost, cfg.HTTPPort)
		if err := srv.Start(); err != nil {
			logger.Warnf("health server stopped: %v", err)
		}
	}()

	err = sup.Run(ctx)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	if ctx.Err() != nil {
		// Stopped by a signal, not a failure.
		return nil
	}
	return err
}
