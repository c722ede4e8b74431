// Package health defines the supervisor's health and control surface
// (spec.md §4.5): per-component state, lag in bytes and wall time, and
// the small set of control actions (pause/resume/flush/optimize) the CLI
// drives over HTTP. Host resource stats are read via
// github.com/shirou/gopsutil/v3, the teacher's own declared dependency
// for process/host introspection, so the control surface's health report
// carries the same ambient host-health signal an operator watching the
// teacher's migrations would expect.
package health

import "context"

// ComponentReport is the health snapshot for a single supervised task:
// the ingestor, or one database's applier.
type ComponentReport struct {
	Name       string  `json:"name"`
	State      string  `json:"state"`
	Paused     bool    `json:"paused,omitempty"`
	LagBytes   int64   `json:"lag_bytes,omitempty"`
	LagSeconds float64 `json:"lag_seconds,omitempty"`
	Coordinate string  `json:"coordinate,omitempty"`
}

// HostStats is a point-in-time read of the host this process runs on.
type HostStats struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	LoadAverage1m  float64 `json:"load_average_1m"`
	DiskFreeBytes  uint64  `json:"disk_free_bytes"`
}

// Report is the full process-wide health surface.
type Report struct {
	Ingestor ComponentReport   `json:"ingestor"`
	Appliers []ComponentReport `json:"appliers"`
	Host     HostStats         `json:"host"`
}

// Controller is the control surface the supervisor implements and the
// HTTP Server drives: pause/resume an applier, force an out-of-cycle
// flush, trigger an OPTIMIZE pass, and report health.
type Controller interface {
	Health(ctx context.Context) Report
	Pause(database string) error
	Resume(database string) error
	Flush(ctx context.Context, database string) error
	Optimize(ctx context.Context, database string) error
}
