// Command replicator drives the ingestor/applier pipeline described in
// spec.md §6: start-all runs continuous replication, snapshot backfills a
// single database, and pause/resume/flush/health talk to an already
// running process over its control surface.
package main

import (
	"github.com/alecthomas/kong"
)

var cli struct {
	StartAll startAllCmd `cmd:"" name:"start-all" help:"Run the ingestor and every matched database's applier until stopped."`
	Snapshot snapshotCmd `cmd:"" help:"Run the initial snapshot for one database without starting continuous replication."`
	Pause    pauseCmd    `cmd:"" help:"Pause a database's applier on a running process."`
	Resume   resumeCmd   `cmd:"" help:"Resume a paused database's applier on a running process."`
	Flush    flushCmd    `cmd:"" help:"Force an out-of-cycle flush for a database's applier."`
	Optimize optimizeCmd `cmd:"" help:"Force an out-of-cycle OPTIMIZE TABLE pass for a database's applier."`
	Health   healthCmd   `cmd:"" help:"Print a running process's health report."`
}

func main() {
	ctx := kong.Parse(&cli, kong.UsageOnError())
	ctx.FatalIfErrorf(ctx.Run())
}
