// Package httpapi is the daemon's loopback-only debug surface: health,
// scheduling-primitive stats, and Prometheus metrics. It never accepts the
// orchestration IPC itself, which stays on the Unix socket protocol in
// internal/daemon.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alfredjean/ojd/internal/storage/wal"
	"github.com/alfredjean/ojd/pkg/logger"
)

// NewServer builds the debug HTTP server. It is only ever bound to addr
// when addr is non-empty and is expected to listen on loopback only; ojd
// itself does not enforce that here, operators are expected to bind it to
// 127.0.0.1 via Config.DebugAddr.
func NewServer(addr string, store *wal.Store, log *logger.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		st := store.State()
		stats := st.Scheduling.StatsSnapshot()
		payload := map[string]interface{}{
			"pipelines":  len(st.Pipelines),
			"tasks":      len(st.Tasks),
			"workspaces": len(st.Workspaces),
			"sessions":   len(st.Sessions),
			"queues":     len(st.Queues),
			"scheduling": stats,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.WithField("error", err.Error()).Warn("httpapi: encode status failed")
		}
	})

	r.Get("/recent-actions", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(store.RecentActionExecutions())
	})

	r.Get("/recent-cleanups", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(store.RecentCleanupOperations())
	})

	r.Handle("/metrics", promhttp.Handler())

	return &http.Server{Addr: addr, Handler: r}
}
