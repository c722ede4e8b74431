package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/siddontang/loggers"
)

// Server exposes Controller over HTTP: GET /health, GET /metrics
// (Prometheus exposition format), and POST /pause, /resume, /flush,
// /optimize, each taking a `database` query parameter (spec.md §6,
// "CLI / control surface... contract with the supervisor").
type Server struct {
	httpServer *http.Server
	ctrl       Controller
	logger     loggers.Advanced
	dataDir    string
}

// NewServer builds a Server bound to host:port, backed by ctrl.
func NewServer(host string, port int, ctrl Controller, dataDir string, logger loggers.Advanced) *Server {
	s := &Server{ctrl: ctrl, logger: logger, dataDir: dataDir}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pause", s.handleAction(ctrl.Pause))
	mux.HandleFunc("/resume", s.handleAction(ctrl.Resume))
	mux.HandleFunc("/flush", s.handleCtxAction(ctrl.Flush))
	mux.HandleFunc("/optimize", s.handleCtxAction(ctrl.Optimize))
	mux.Handle("/metrics", promhttp.Handler())
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start listens and serves until Shutdown is called, returning
// http.ErrServerClosed on a clean shutdown.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.ctrl.Health(r.Context())
	report.Host = readHostStats(s.dataDir)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Warnf("encode health report: %v", err)
	}
}

func (s *Server) handleAction(fn func(database string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		database := r.URL.Query().Get("database")
		if database == "" {
			http.Error(w, "database query parameter is required", http.StatusBadRequest)
			return
		}
		if err := fn(database); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleCtxAction(fn func(ctx context.Context, database string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		database := r.URL.Query().Get("database")
		if database == "" {
			http.Error(w, "database query parameter is required", http.StatusBadRequest)
			return
		}
		if err := fn(r.Context(), database); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// readHostStats best-effort reads host CPU/memory/load/disk stats;
// a failed individual read just leaves that field zero rather than
// failing the whole health report.
func readHostStats(dataDir string) HostStats {
	var stats HostStats
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		stats.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemUsedPercent = vm.UsedPercent
	}
	if avg, err := load.Avg(); err == nil {
		stats.LoadAverage1m = avg.Load1
	}
	if dataDir != "" {
		if usage, err := disk.Usage(dataDir); err == nil {
			stats.DiskFreeBytes = usage.Free
		}
	}
	return stats
}
