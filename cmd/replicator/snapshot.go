package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/mysql2ch/replicator/pkg/chclient"
	"github.com/mysql2ch/replicator/pkg/ddl"
	"github.com/mysql2ch/replicator/pkg/snapshot"
)

type snapshotCmd struct {
	Config   string `required:"" help:"Path to the YAML config document."`
	Database string `required:"" help:"Source database to snapshot."`
}

func (c *snapshotCmd) Run() error {
	cfg, err := loadConfig(c.Config)
	if err != nil {
		return err
	}
	if !cfg.IncludesDatabase(c.Database) {
		return fmt.Errorf("database %s is excluded by the configured filters", c.Database)
	}
	logger := logrus.New()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	source, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := chclient.New(ctx, cfg.Target)
	if err != nil {
		return fmt.Errorf("connect to target: %w", err)
	}
	defer target.Close()

	tr := ddl.NewTranslator(buildDDLConfig(cfg), logger)
	snap := snapshot.New(cfg, c.Database, source, target, tr, logger)

	resume, descriptors, err := snap.Run(ctx)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", c.Database, err)
	}
	logger.Infof("snapshot of %s complete: %d tables, resume position %s:%d",
		c.Database, len(descriptors), resume.LogFile, resume.LogPos)
	return nil
}
